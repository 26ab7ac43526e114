//go:build unix

package meridian

import (
	"golang.org/x/sys/unix"
)

// pollMask is the interest/readiness mask the multiplexer tracks per fd.
type pollMask uint8

const (
	maskRead  pollMask = 1 << 0
	maskWrite pollMask = 1 << 1
)

func (m pollMask) toEvents() int16 {
	var ev int16
	if m&maskRead != 0 {
		ev |= unix.POLLIN
	}
	if m&maskWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

// poller wraps the poll(2) syscall. It is only ever touched by the
// multiplexer's own run loop goroutine, so it needs no internal locking.
type poller struct {
	fds   []unix.PollFd
	index map[int]int // fd -> position in fds
}

func newPoller() *poller {
	return &poller{index: make(map[int]int)}
}

func (p *poller) add(fd int, mask pollMask) {
	if idx, ok := p.index[fd]; ok {
		p.fds[idx].Events = mask.toEvents()
		return
	}
	p.index[fd] = len(p.fds)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: mask.toEvents()})
}

func (p *poller) remove(fd int) {
	idx, ok := p.index[fd]
	if !ok {
		return
	}
	last := len(p.fds) - 1
	p.fds[idx] = p.fds[last]
	p.fds = p.fds[:last]
	delete(p.index, fd)
	if idx < len(p.fds) {
		p.index[int(p.fds[idx].Fd)] = idx
	}
}

// wait blocks until at least one descriptor is ready or timeoutMs elapses
// (-1 blocks indefinitely). The returned slice aliases the poller's own
// backing array: the caller must finish inspecting Revents before calling
// wait again.
func (p *poller) wait(timeoutMs int) ([]unix.PollFd, error) {
	n, err := unix.Poll(p.fds, timeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	return p.fds, nil
}
