// SPDX-License-Identifier: ice License 1.0

package http

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/ice-blockchain/notification-server/server/internal/engine"
	"github.com/ice-blockchain/notification-server/server/internal/pollset"
	"github.com/ice-blockchain/notification-server/server/statistics"
)

// NewProtocol builds the plain HTTP protocol, it has to be the first entry of the engine's protocol table.
func NewProtocol(cfg *Config, mirror PollMirror, stats statistics.Statistics) (*engine.Protocol, error) {
	deny, err := parseDenyList(cfg.DenyAddresses)
	if err != nil {
		return nil, err
	}
	h := &handler{cfg: cfg, mirror: mirror, stats: stats, deny: deny, whitelist: DefaultWhitelist}

	return &engine.Protocol{
		Name:       ProtocolName,
		Handler:    h,
		NewSession: func() any { return new(session) },
	}, nil
}

func parseDenyList(addresses []string) ([]*net.IPNet, error) {
	deny := make([]*net.IPNet, 0, len(addresses))
	for _, addr := range addresses {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if !strings.Contains(addr, "/") {
			ip := net.ParseIP(addr)
			if ip == nil {
				return nil, errors.Errorf("invalid deny address %q", addr)
			}
			bits := 8 * net.IPv6len
			if ip4 := ip.To4(); ip4 != nil {
				ip, bits = ip4, 8*net.IPv4len
			}
			deny = append(deny, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})

			continue
		}
		_, network, err := net.ParseCIDR(addr)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid deny network %q", addr)
		}
		deny = append(deny, network)
	}

	return deny, nil
}

func (w Whitelist) Resolve(uri string) Serveable {
	for _, entry := range w {
		if entry.URLPath == uri {
			return entry
		}
	}

	return w[len(w)-1]
}

//nolint:gocyclo,revive,cyclop // One case per event.
func (h *handler) Callback(conn engine.Conn, ev engine.Event) error {
	switch e := ev.(type) {
	case engine.AddPollFD:
		if err := h.mirror.Add(e.FD, e.Events); err != nil {
			if errors.Is(err, pollset.ErrCapacityExceeded) {
				log.Printf("ERROR: too many sockets to track")
				h.stats.Inc(statistics.ConnectionsRejected)
			}

			return errors.Wrapf(err, "failed to track socket %v", e.FD)
		}
		if conn != nil {
			h.stats.Inc(statistics.ConnectionsAccepted)
		}
	case engine.DelPollFD:
		return errors.Wrapf(h.mirror.Remove(e.FD), "failed to untrack socket %v", e.FD)
	case engine.SetModePollFD:
		return errors.Wrapf(h.mirror.SetMode(e.FD, e.Events), "failed to set poll mode for socket %v", e.FD)
	case engine.ClearModePollFD:
		return errors.Wrapf(h.mirror.ClearMode(e.FD, e.Events), "failed to clear poll mode for socket %v", e.FD)
	case engine.FilterNetworkConnection:
		return h.filterPeer(e)
	case engine.HTTPRequest:
		if e.URI == leafPath {
			return h.startLeafStream(conn)
		}
		entry := h.whitelist.Resolve(e.URI)
		if err := conn.ServeHTTPFile(h.cfg.ResourcePath+entry.URLPath, entry.MimeType); err != nil {
			return errors.Wrapf(err, "failed to serve %v for %v", entry.URLPath, e.URI)
		}
		h.stats.Inc(statistics.FilesServed)
	case engine.HTTPFileCompletion:
		return engine.ErrHangup
	case engine.HTTPWriteable:
		return h.continueLeafStream(conn)
	case engine.Closed:
		h.stats.Inc(statistics.ConnectionsClosed)
		if sess := sessionOf(conn); sess != nil {
			sess.closeFile()
		}
	}

	return nil
}

func (h *handler) filterPeer(e engine.FilterNetworkConnection) error {
	log.Printf("Received network connect from %v (%v)", e.PeerName, e.PeerIP)
	if ip := net.ParseIP(e.PeerIP); ip != nil {
		for _, network := range h.deny {
			if network.Contains(ip) {
				h.stats.Inc(statistics.ConnectionsRejected)

				return errors.Errorf("peer %v is denied by %v", e.PeerIP, network)
			}
		}
	}

	return nil
}

func (h *handler) startLeafStream(conn engine.Conn) error {
	sess := sessionOf(conn)
	if sess == nil {
		return errors.Errorf("connection %v has no http session", conn.ID())
	}
	path := filepath.Join(h.cfg.ResourcePath, leafFile)
	file, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open %v", path)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close() //nolint:errcheck // .

		return errors.Wrapf(err, "failed to stat %v", path)
	}
	header := fmt.Appendf(nil, "HTTP/1.0 200 OK\r\nServer: %s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n",
		h.cfg.ServerName, info.Size())
	n, err := conn.Write(header, engine.WriteHTTP)
	if err == nil && n != len(header) {
		err = errors.Errorf("header write truncated to %v of %v bytes", n, len(header))
	}
	if err != nil {
		_ = file.Close() //nolint:errcheck // .

		return errors.Wrapf(err, "failed to send %v header", leafPath)
	}
	sess.file = file
	h.stats.ObserveFile(info.Size())
	conn.CallbackOnWritable()

	return nil
}

// continueLeafStream pushes chunks until the socket fills up, a short write rewinds the file by the shortfall.
func (h *handler) continueLeafStream(conn engine.Conn) error {
	sess := sessionOf(conn)
	if sess == nil || sess.file == nil {
		return engine.ErrHangup
	}
	for {
		n, rErr := sess.file.Read(h.chunk[:])
		if n == 0 || (rErr != nil && !errors.Is(rErr, io.EOF)) {
			sess.closeFile()
			if rErr != nil && !errors.Is(rErr, io.EOF) {
				log.Printf("ERROR: %v", errors.Wrapf(rErr, "failed to read %v", leafPath))
			}

			return engine.ErrHangup
		}
		m, err := conn.Write(h.chunk[:n], engine.WriteHTTP)
		if err != nil {
			sess.closeFile()

			return errors.Wrapf(err, "failed to stream %v", leafPath)
		}
		if m != n {
			if _, err = sess.file.Seek(int64(m-n), io.SeekCurrent); err != nil {
				sess.closeFile()

				return errors.Wrapf(err, "failed to rewind %v by %v bytes", leafPath, n-m)
			}
		}
		if conn.SendPipeChoked() {
			break
		}
	}
	conn.CallbackOnWritable()

	return nil
}

func sessionOf(conn engine.Conn) *session {
	if conn == nil {
		return nil
	}
	sess, _ := conn.Session().(*session) //nolint:errcheck // Nil for foreign sessions.

	return sess
}

func (s *session) closeFile() {
	if s.file == nil {
		return
	}
	if err := s.file.Close(); err != nil {
		log.Printf("WARN: %v", errors.Wrap(err, "failed to close streamed file"))
	}
	s.file = nil
}
