// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"log"
	"maps"
	"slices"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/notification-server/server/internal/engine"
	"github.com/ice-blockchain/notification-server/server/statistics"
)

// NewHandler builds the notification handler, debug dumps the headers of every upgrade request.
func NewHandler(limits Limits, stats statistics.Statistics, debug bool) *Handler {
	h := &Handler{stats: stats, debug: debug}
	h.SetLimits(limits)

	return h
}

// Protocol describes the notification protocol, messages longer than maxMessageSize are dropped by the engine.
func (h *Handler) Protocol(maxMessageSize int) *engine.Protocol {
	return &engine.Protocol{
		Name:         ProtocolName,
		Handler:      h,
		NewSession:   func() any { return new(session) },
		RxBufferSize: maxMessageSize,
	}
}

// SetLimits must be called from the goroutine servicing the engine.
func (h *Handler) SetLimits(limits Limits) {
	if limits.CloseTestingLimit <= 0 {
		limits.CloseTestingLimit = DefaultCloseTestingLimit
	}
	h.limits = limits
}

func (h *Handler) Limits() Limits {
	return h.limits
}

func (h *Handler) Callback(conn engine.Conn, ev engine.Event) error {
	if filter, isFilter := ev.(engine.FilterProtocolConnection); isFilter {
		if h.debug {
			dumpHandshake(filter.Header)
		}

		return nil
	}
	sess, ok := conn.Session().(*session)
	if !ok {
		return errors.Errorf("connection %v has no notification session", conn.ID())
	}
	switch e := ev.(type) {
	case engine.Established:
		sess.number = 0
	case engine.ServerWriteable:
		return h.push(conn, sess)
	case engine.Receive:
		if len(e.Payload) < minCommandLength {
			return nil
		}
		if string(e.Payload) == resetCommand {
			sess.number = 0
			h.stats.Inc(statistics.NotificationsReset)
		}
	case engine.Closed:
		h.stats.Inc(statistics.ConnectionsClosed)
	}

	return nil
}

func (h *Handler) push(conn engine.Conn, sess *session) error {
	payload := strconv.AppendInt(append(sess.buf[:0], "not"...), int64(sess.number), 10)
	payload = append(payload, '\n')
	m, err := conn.Write(payload, engine.WriteText)
	if err == nil && m < len(payload) {
		err = errors.Errorf("wrote %v of %v bytes", m, len(payload))
	}
	if err != nil {
		log.Printf("ERROR: %v", errors.Wrapf(err, "%v writing to di socket", m))

		return errors.Wrapf(err, "failed to push notification to %v", conn.ID())
	}
	h.stats.Inc(statistics.NotificationsSent)
	sess.number++
	if h.limits.CloseTesting && sess.number == h.limits.CloseTestingLimit {
		h.stats.Inc(statistics.LimitClosures)

		return engine.ErrHangup
	}

	return nil
}

func dumpHandshake(header map[string]string) {
	for _, key := range slices.Sorted(maps.Keys(header)) {
		log.Printf("INFO: %v = %v", key, header[key])
	}
}
