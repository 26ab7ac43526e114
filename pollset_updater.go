//go:build unix

package meridian

import (
	"sync"

	"golang.org/x/sys/unix"
)

type pollOp uint8

const (
	opAddRead pollOp = iota
	opAddWrite
	opClearRead
	opClearWrite
	opClose
)

type pollRequest struct {
	op  pollOp
	mgr socketManager
}

// pollsetUpdater is the self-pipe of spec.md §2/§4.1: any thread other
// than the multiplexer's own run-loop goroutine posts registration
// requests here. The read end is itself registered with the multiplexer
// as an ordinary socketManager, so draining it happens on the run-loop
// goroutine, which is the only goroutine allowed to mutate the poll set.
type pollsetUpdater struct {
	r, w *socket

	mu      sync.Mutex
	pending []pollRequest
}

func newPollsetUpdater() (*pollsetUpdater, error) {
	var pfd [2]int
	if err := unix.Pipe2(pfd[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, wrapf(ErrRuntimeError, "pollset updater: pipe2: %v", err)
	}
	r, err := rawSocketFromFD(pfd[0])
	if err != nil {
		return nil, err
	}
	w, err := rawSocketFromFD(pfd[1])
	if err != nil {
		return nil, err
	}
	return &pollsetUpdater{r: r, w: w}, nil
}

func (u *pollsetUpdater) FD() int {
	return u.r.FD()
}

// push enqueues a registration request and wakes the multiplexer. Safe
// from any goroutine.
func (u *pollsetUpdater) push(req pollRequest) {
	u.mu.Lock()
	u.pending = append(u.pending, req)
	u.mu.Unlock()
	_, _ = u.w.write([]byte{1})
}

func (u *pollsetUpdater) drain() []pollRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	if len(u.pending) == 0 {
		return nil
	}
	reqs := u.pending
	u.pending = nil
	return reqs
}

// HandleReadEvent drains the wakeup byte(s); the actual registration work
// happens in Multiplexer.Run after this returns, by calling drain().
func (u *pollsetUpdater) HandleReadEvent() bool {
	var buf [64]byte
	for {
		n, err := u.r.read(buf[:])
		if n <= 0 || err != nil {
			return true
		}
		if n < len(buf) {
			return true
		}
	}
}

func (u *pollsetUpdater) HandleWriteEvent() bool { return true }

func (u *pollsetUpdater) HandleError(error) {}

func (u *pollsetUpdater) Close() {
	u.r.Close()
	u.w.Close()
}
