// SPDX-License-Identifier: ice License 1.0

// Package engine owns the listening socket, every accepted connection and the HTTP/websocket
// protocol state. It never polls by itself: the owner mirrors the descriptors it announces
// through the poll-fd events and hands ready descriptors back to ServiceFD.
package engine

import (
	"bytes"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/eapache/queue"
	"golang.org/x/sys/unix"
)

type (
	Logger interface {
		Printf(format string, v ...any)
	}
	// Handler receives every event of the connections speaking its protocol.
	// Returning an error closes the connection; for AddPollFD it rejects the descriptor instead.
	Handler interface {
		Callback(conn Conn, ev Event) error
	}
	HandlerFunc func(conn Conn, ev Event) error
	Protocol    struct {
		Handler    Handler
		NewSession func() any
		Name       string
		// RxBufferSize caps the size of a delivered message, bigger ones are dropped.
		RxBufferSize int
	}
	CreationInfo struct {
		Logger     Logger
		ServerName string
		Interface  string
		// Protocols[0] handles plain HTTP and every poll-fd event.
		Protocols []*Protocol
		Port      int
		Debug     bool
	}
	// Conn is the view of a connection handed to protocol handlers.
	// It is only valid inside callbacks running on the context owner's goroutine.
	Conn interface {
		ID() string
		FD() int
		Protocol() string
		Session() any
		// Write returns the number of bytes the transport took. WriteHTTP writes are raw and may be partial,
		// websocket writes are framed and either fully accepted (the engine buffers the tail) or fail.
		Write(p []byte, mode WriteMode) (int, error)
		CallbackOnWritable()
		SendPipeChoked() bool
		ServeHTTPFile(path, mimeType string) error
		PeerAddresses() (name, ip string)
	}
	WriteMode int

	Context struct {
		logger     Logger
		conns      map[int]*conn
		serverName string
		protocols  []*Protocol
		rx         []byte
		chunk      []byte
		probe      []unix.PollFd
		listenFD   int
		port       int
		debug      bool
		destroyed  bool
	}
)

type (
	Event interface {
		isEvent()
	}
	Established     struct{}
	Closed          struct{}
	ServerWriteable struct{}
	// Receive carries one complete message; Payload is only valid during the callback.
	Receive struct {
		Payload []byte
	}
	HTTPRequest struct {
		Method string
		URI    string
	}
	HTTPWriteable            struct{}
	HTTPFileCompletion       struct{}
	FilterNetworkConnection struct {
		PeerName string
		PeerIP   string
		FD       int
	}
	FilterProtocolConnection struct {
		Header    map[string]string
		Protocols []string
	}
	AddPollFD struct {
		FD     int
		Events int16
	}
	DelPollFD struct {
		FD int
	}
	SetModePollFD struct {
		FD     int
		Events int16
	}
	ClearModePollFD struct {
		FD     int
		Events int16
	}
)

const (
	WriteHTTP WriteMode = iota
	WriteText
	WriteBinary
)

const (
	defaultRxBufferSize = 4096
	maxHeaderSize       = 8192
	fileChunkSize       = 4096
	maxChunksPerService = 16
	listenBacklog       = unix.SOMAXCONN
)

type (
	connState int
	conn      struct {
		ctx       *Context
		protocol  *Protocol
		session   any
		out       *queue.Queue
		file      *os.File
		id        string
		peerIP    string
		in        []byte
		fragments []byte
		frame     bytes.Buffer
		discard   int64
		fd        int
		outOff    int
		state     connState
		events    int16

		writableRequested bool
		closeAfterFlush   bool
		dropMessage       bool
		fragmented        bool
	}
	readWriter struct {
		io.Reader
		io.Writer
	}
)

const (
	stateHTTPRequest connState = iota
	stateHTTPResponse
	stateHTTPFile
	stateWebsocket
	stateClosing
	stateClosed
)

var (
	// ErrHangup asks the engine to close the connection without reporting a failure.
	ErrHangup            = errors.New("connection hangup requested")
	ErrContextDestroyed  = errors.New("engine context destroyed")
	ErrConnectionClosed  = errors.New("connection closed")
	ErrInvalidWriteState = errors.New("write mode does not match connection state")
)

func (f HandlerFunc) Callback(conn Conn, ev Event) error {
	return f(conn, ev)
}

func (Established) isEvent()              {}
func (Closed) isEvent()                   {}
func (ServerWriteable) isEvent()          {}
func (Receive) isEvent()                  {}
func (HTTPRequest) isEvent()              {}
func (HTTPWriteable) isEvent()            {}
func (HTTPFileCompletion) isEvent()       {}
func (FilterNetworkConnection) isEvent()  {}
func (FilterProtocolConnection) isEvent() {}
func (AddPollFD) isEvent()                {}
func (DelPollFD) isEvent()                {}
func (SetModePollFD) isEvent()            {}
func (ClearModePollFD) isEvent()          {}
