// SPDX-License-Identifier: ice License 1.0

package http

import (
	"net"
	"net/http"
	"os"

	"github.com/ice-blockchain/notification-server/server/statistics"
)

type (
	Config struct {
		ResourcePath  string
		ServerName    string
		DenyAddresses []string
	}
	// PollMirror tracks the descriptors the engine announces.
	PollMirror interface {
		Add(fd int, events int16) error
		Remove(fd int) error
		SetMode(fd int, events int16) error
		ClearMode(fd int, events int16) error
	}
	Serveable struct {
		URLPath  string
		MimeType string
	}
	// Whitelist is ordered, the last entry serves every unknown path.
	Whitelist []Serveable
	Info      struct {
		ServerName string   `json:"name"`
		Software   string   `json:"software"`
		Protocols  []string `json:"protocols"`
		Port       int      `json:"port"`
	}
	StatusServer struct {
		server   *http.Server
		listener net.Listener
		stats    statistics.Statistics
		info     *Info
	}
	handler struct {
		mirror    PollMirror
		stats     statistics.Statistics
		cfg       *Config
		deny      []*net.IPNet
		whitelist Whitelist
		chunk     [chunkSize]byte
	}
	session struct {
		file *os.File
	}
)

const (
	ProtocolName = "http-only"
	leafPath     = "/leaf.jpg"
	leafFile     = "leaf.jpg"
	chunkSize    = 4096
)

//nolint:gochecknoglobals // Read only.
var DefaultWhitelist = Whitelist{
	{URLPath: "/favicon.ico", MimeType: "image/x-icon"},
	{URLPath: "/libwebsockets.org-logo.png", MimeType: "image/png"},
	{URLPath: "/test.html", MimeType: "text/html"},
}
