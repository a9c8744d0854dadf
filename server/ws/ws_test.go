// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"bytes"
	"fmt"
	"log"
	"os"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ice-blockchain/notification-server/server/internal/engine"
	"github.com/ice-blockchain/notification-server/server/statistics"
)

type fakeConn struct {
	session  any
	writeErr error
	sent     []string
	short    bool
}

func (*fakeConn) ID() string { return "fake" }
func (*fakeConn) FD() int { return 9 }
func (*fakeConn) Protocol() string { return ProtocolName }
func (c *fakeConn) Session() any { return c.session }
func (*fakeConn) CallbackOnWritable() {}
func (*fakeConn) SendPipeChoked() bool { return false }
func (*fakeConn) ServeHTTPFile(string, string) error { return engine.ErrInvalidWriteState }
func (*fakeConn) PeerAddresses() (name, ip string) { return "127.0.0.1", "127.0.0.1" }

func (c *fakeConn) Write(p []byte, mode engine.WriteMode) (int, error) {
	if mode != engine.WriteText {
		return 0, engine.ErrInvalidWriteState
	}
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.sent = append(c.sent, string(p))
	if c.short {
		return len(p) - 1, nil
	}

	return len(p), nil
}

func newConn(t *testing.T, h *Handler) *fakeConn {
	t.Helper()
	p := h.Protocol(512)
	require.Equal(t, ProtocolName, p.Name)
	require.Equal(t, 512, p.RxBufferSize)
	conn := &fakeConn{session: p.NewSession()}
	require.NoError(t, h.Callback(conn, engine.Established{}))

	return conn
}

func push(t *testing.T, h *Handler, conn *fakeConn, times int) {
	t.Helper()
	for range times {
		require.NoError(t, h.Callback(conn, engine.ServerWriteable{}))
	}
}

func TestCounterIncrements(t *testing.T) {
	t.Parallel()
	h := NewHandler(Limits{}, statistics.New(nil), false)
	conn := newConn(t, h)
	push(t, h, conn, 12)
	for i, payload := range conn.sent {
		assert.Equal(t, fmt.Sprintf("not%v\n", i), payload)
	}
}

func TestResetCommand(t *testing.T) {
	t.Parallel()
	h := NewHandler(Limits{}, statistics.New(nil), false)
	conn := newConn(t, h)
	push(t, h, conn, 5)
	require.NoError(t, h.Callback(conn, engine.Receive{Payload: []byte("reset\n")}))
	push(t, h, conn, 1)
	assert.Equal(t, "not0\n", conn.sent[len(conn.sent)-1])
}

func TestOtherPayloadsAreIgnored(t *testing.T) {
	t.Parallel()
	h := NewHandler(Limits{}, statistics.New(nil), false)
	conn := newConn(t, h)
	push(t, h, conn, 3)
	payloads := [][]byte{nil, []byte("reset"), []byte("rst\n"), []byte("reset\n\n"), []byte("RESET\n"), []byte(" reset\n")}
	for range 10 {
		payloads = append(payloads, []byte(uuid.NewString()))
	}
	for _, payload := range payloads {
		require.NoError(t, h.Callback(conn, engine.Receive{Payload: payload}), string(payload))
	}
	push(t, h, conn, 1)
	assert.Equal(t, "not3\n", conn.sent[len(conn.sent)-1])
}

func TestEstablishedStartsFromZero(t *testing.T) {
	t.Parallel()
	h := NewHandler(Limits{}, statistics.New(nil), false)
	conn := newConn(t, h)
	push(t, h, conn, 4)
	require.NoError(t, h.Callback(conn, engine.Established{}))
	push(t, h, conn, 1)
	assert.Equal(t, "not0\n", conn.sent[len(conn.sent)-1])
	require.NoError(t, h.Callback(nil, engine.FilterProtocolConnection{Protocols: []string{ProtocolName}}))
}

func TestCloseTestingLimit(t *testing.T) {
	t.Parallel()
	h := NewHandler(Limits{CloseTesting: true}, statistics.New(nil), false)
	assert.Equal(t, DefaultCloseTestingLimit, h.Limits().CloseTestingLimit)
	conn := newConn(t, h)
	push(t, h, conn, DefaultCloseTestingLimit-1)
	require.ErrorIs(t, h.Callback(conn, engine.ServerWriteable{}), engine.ErrHangup)
	require.Len(t, conn.sent, DefaultCloseTestingLimit)
	assert.Equal(t, fmt.Sprintf("not%v\n", DefaultCloseTestingLimit-1), conn.sent[DefaultCloseTestingLimit-1])

	h.SetLimits(Limits{CloseTesting: true, CloseTestingLimit: 3})
	other := newConn(t, h)
	push(t, h, other, 2)
	require.ErrorIs(t, h.Callback(other, engine.ServerWriteable{}), engine.ErrHangup)

	h.SetLimits(Limits{CloseTestingLimit: 3})
	unlimited := newConn(t, h)
	push(t, h, unlimited, 10)
}

func TestWriteFailuresClose(t *testing.T) {
	t.Parallel()
	h := NewHandler(Limits{}, statistics.New(nil), false)
	short := newConn(t, h)
	short.short = true
	require.Error(t, h.Callback(short, engine.ServerWriteable{}))

	failing := newConn(t, h)
	failing.writeErr = errors.New("broken pipe")
	require.ErrorIs(t, h.Callback(failing, engine.ServerWriteable{}), failing.writeErr)
	failing.writeErr = nil
	push(t, h, failing, 1)
	assert.Equal(t, []string{"not0\n"}, failing.sent)

	require.Error(t, h.Callback(&fakeConn{}, engine.ServerWriteable{}))
}

//nolint:paralleltest // Captures the standard logger.
func TestHandshakeDumpInDebug(t *testing.T) {
	var out bytes.Buffer
	log.SetOutput(&out)
	defer log.SetOutput(os.Stderr)
	header := map[string]string{"host": "127.0.0.1:7681", "sec-websocket-protocol": ProtocolName, "origin": "http://localhost"}
	filter := engine.FilterProtocolConnection{Header: header, Protocols: []string{ProtocolName}}

	require.NoError(t, NewHandler(Limits{}, statistics.New(nil), false).Callback(nil, filter))
	assert.Empty(t, out.String())

	require.NoError(t, NewHandler(Limits{}, statistics.New(nil), true).Callback(nil, filter))
	dumped := out.String()
	assert.Contains(t, dumped, "INFO: host = 127.0.0.1:7681\n")
	assert.Contains(t, dumped, "INFO: origin = http://localhost\n")
	assert.Contains(t, dumped, "INFO: sec-websocket-protocol = "+ProtocolName+"\n")
	assert.Less(t, bytes.Index(out.Bytes(), []byte("host")), bytes.Index(out.Bytes(), []byte("origin")))
}
