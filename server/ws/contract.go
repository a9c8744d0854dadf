// SPDX-License-Identifier: ice License 1.0

package ws

import (
	"github.com/ice-blockchain/notification-server/server/statistics"
)

type (
	// Limits makes the server hang up on every client after a fixed number of pushes.
	Limits struct {
		CloseTesting      bool `mapstructure:"closeTesting"`
		CloseTestingLimit int  `mapstructure:"closeTestingLimit"`
	}
	Handler struct {
		stats  statistics.Statistics
		limits Limits
		debug  bool
	}
	session struct {
		number int
		buf    [32]byte
	}
)

const (
	ProtocolName = "notification-protocol"

	DefaultCloseTestingLimit = 50
	resetCommand             = "reset\n"
	minCommandLength         = len(resetCommand)
)
