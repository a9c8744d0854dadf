// SPDX-License-Identifier: ice License 1.0

// Package pollset mirrors the engine's socket set into a fixed-capacity pollfd array
// so an externally driven loop can include it in its own poll(2) cycle.
package pollset

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type (
	// PollSet is a dense array of tracked descriptors plus a lookup table indexed by descriptor value.
	// It is not safe for concurrent use; the owner of the engine context mutates it from engine callbacks only.
	PollSet struct {
		entries []unix.PollFd
		lookup  []int
		count   int
	}
)

const (
	untracked              = -1
	maxDescriptorTableSize = 1 << 20
)

var (
	ErrCapacityExceeded = errors.New("too many sockets to track")
	ErrNotTracked       = errors.New("descriptor is not tracked")
	ErrAlreadyTracked   = errors.New("descriptor is already tracked")
)
