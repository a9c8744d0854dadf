// SPDX-License-Identifier: ice License 1.0

package pollset

import (
	stdlibtime "time"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// New allocates every slot up front; nothing is reallocated afterwards.
// Descriptor values must be lower than capacity, like the process descriptor table.
func New(capacity int) *PollSet {
	if capacity < 0 {
		capacity = 0
	}
	p := &PollSet{
		entries: make([]unix.PollFd, capacity),
		lookup:  make([]int, capacity),
	}
	for i := range p.lookup {
		p.lookup[i] = untracked
	}

	return p
}

// DescriptorTableSize returns the soft RLIMIT_NOFILE of the process, capped at the kernel's default nr_open.
func DescriptorTableSize() (int, error) {
	var rlim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
		return 0, errors.Wrap(err, "getrlimit(RLIMIT_NOFILE) failed")
	}
	if rlim.Cur > maxDescriptorTableSize {
		return maxDescriptorTableSize, nil
	}

	return int(rlim.Cur), nil
}

func (p *PollSet) Capacity() int {
	return len(p.entries)
}

func (p *PollSet) Len() int {
	return p.count
}

func (p *PollSet) At(i int) unix.PollFd {
	return p.entries[i]
}

// Entries is the live tracked slice; positions are only stable until the next Add/Remove.
func (p *PollSet) Entries() []unix.PollFd {
	return p.entries[:p.count]
}

func (p *PollSet) Lookup(fd int) (int, bool) {
	if fd < 0 || fd >= len(p.lookup) {
		return 0, false
	}
	slot := p.lookup[fd]

	return slot, slot != untracked
}

func (p *PollSet) Add(fd int, events int16) error {
	if fd < 0 || fd >= len(p.lookup) || p.count >= len(p.entries) {
		return errors.Wrapf(ErrCapacityExceeded, "fd %v, tracked %v of %v", fd, p.count, len(p.entries))
	}
	if p.lookup[fd] != untracked {
		return errors.Wrapf(ErrAlreadyTracked, "fd %v", fd)
	}
	p.lookup[fd] = p.count
	p.entries[p.count] = unix.PollFd{Fd: int32(fd), Events: events}
	p.count++

	return nil
}

// Remove moves the last entry into the freed slot, so it reorders unrelated descriptors.
func (p *PollSet) Remove(fd int) error {
	slot, ok := p.Lookup(fd)
	if !ok {
		return errors.Wrapf(ErrNotTracked, "fd %v", fd)
	}
	p.count--
	last := p.entries[p.count]
	p.entries[slot] = last
	p.lookup[last.Fd] = slot
	p.lookup[fd] = untracked
	p.entries[p.count] = unix.PollFd{}

	return nil
}

func (p *PollSet) SetMode(fd int, events int16) error {
	slot, ok := p.Lookup(fd)
	if !ok {
		return errors.Wrapf(ErrNotTracked, "fd %v", fd)
	}
	p.entries[slot].Events |= events

	return nil
}

func (p *PollSet) ClearMode(fd int, events int16) error {
	slot, ok := p.Lookup(fd)
	if !ok {
		return errors.Wrapf(ErrNotTracked, "fd %v", fd)
	}
	p.entries[slot].Events &^= events

	return nil
}

// Poll waits for readiness on the tracked descriptors. A signal interruption reports zero ready descriptors.
func (p *PollSet) Poll(timeout stdlibtime.Duration) (int, error) {
	n, err := unix.Poll(p.entries[:p.count], int(timeout/stdlibtime.Millisecond))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}

		return n, errors.Wrapf(err, "poll of %v descriptors failed", p.count)
	}

	return n, nil
}
