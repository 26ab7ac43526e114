package meridian

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sys/unix"
)

// Multiplexer owns a poll set and drives readiness callbacks for every
// registered socketManager. Exactly one goroutine calls Run; every other
// goroutine that needs to touch a manager's registration goes through
// Register, which is safe to call concurrently.
type Multiplexer struct {
	logger *slog.Logger
	msink  metrics.MetricSink

	poller  *poller
	updater *pollsetUpdater

	// managers and masks are touched only by the Run goroutine, after it
	// drains the updater's pending queue. Every Register call goes through
	// that queue, including calls made from callbacks running inside Run.
	// No lock is required.
	managers map[int]socketManager
	masks    map[int]pollMask

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	stopped      atomic.Bool
}

// NewMultiplexer creates the wakeup pipe and registers its reader as a
// pollsetUpdater manager. Fails if the pipe cannot be created.
func NewMultiplexer(logger *slog.Logger, msink metrics.MetricSink) (*Multiplexer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	updater, err := newPollsetUpdater()
	if err != nil {
		return nil, err
	}
	mx := &Multiplexer{
		logger:     logger,
		msink:      metricSinkOrDefault(msink),
		poller:     newPoller(),
		updater:    updater,
		managers:   make(map[int]socketManager),
		masks:      make(map[int]pollMask),
		shutdownCh: make(chan struct{}),
	}
	mx.addManagerDirect(updater, maskRead)
	return mx, nil
}

func (mx *Multiplexer) addManagerDirect(mgr socketManager, mask pollMask) {
	fd := mgr.FD()
	mx.managers[fd] = mgr
	mx.masks[fd] = mask
	mx.poller.add(fd, mask)
	mx.msink.IncrCounter(MetricMultiplexerRegistered, 1)
}

func (mx *Multiplexer) removeManagerDirect(fd int) {
	mx.poller.remove(fd)
	delete(mx.managers, fd)
	delete(mx.masks, fd)
}

// Register asks the multiplexer to add or clear interest for mgr. It is
// safe to call from any goroutine. Actual poll-set mutation always
// happens on the Run goroutine.
func (mx *Multiplexer) Register(mgr socketManager, op pollOp) {
	mx.updater.push(pollRequest{op: op, mgr: mgr})
}

// setInterestDirect mutates the poll set immediately. Only safe to call
// from within a callback that Run() is currently invoking — i.e. on the
// multiplexer's own goroutine.
func (mx *Multiplexer) setInterestDirect(mgr socketManager, op pollOp) {
	fd := mgr.FD()
	switch op {
	case opAddRead:
		mx.masks[fd] |= maskRead
	case opAddWrite:
		mx.masks[fd] |= maskWrite
	case opClearRead:
		mx.masks[fd] &^= maskRead
	case opClearWrite:
		mx.masks[fd] &^= maskWrite
	case opClose:
		mx.removeManagerDirect(fd)
		return
	}
	if _, registered := mx.managers[fd]; !registered {
		mx.managers[fd] = mgr
	}
	mx.poller.add(fd, mx.masks[fd])
}

func (mx *Multiplexer) applyPending(reqs []pollRequest) {
	for _, req := range reqs {
		mx.setInterestDirect(req.mgr, req.op)
	}
}

// Run blocks on poll, dispatching read/write callbacks until Shutdown is
// called. Events for a single manager are processed serially; the order
// across distinct managers within one wakeup is unspecified.
func (mx *Multiplexer) Run() {
	for {
		if mx.stopped.Load() {
			mx.drainAndClose()
			return
		}

		ready, err := mx.poller.wait(-1)
		if err != nil {
			mx.logger.Error("multiplexer: poll failed", LabelError.L(err))
			continue
		}

		for _, pfd := range ready {
			if pfd.Revents == 0 {
				continue
			}
			fd := int(pfd.Fd)
			mgr, ok := mx.managers[fd]
			if !ok {
				continue
			}

			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				mgr.HandleError(wrapf(ErrRuntimeError, "fd %d: poll error/hangup", fd))
				mx.removeManagerDirect(fd)
				continue
			}

			keep := true
			if pfd.Revents&unix.POLLIN != 0 {
				keep = mgr.HandleReadEvent()
			}
			if keep && pfd.Revents&unix.POLLOUT != 0 {
				keep = mgr.HandleWriteEvent()
			}
			if !keep {
				mx.removeManagerDirect(fd)
				continue
			}

			if fd == mx.updater.FD() {
				mx.applyPending(mx.updater.drain())
				mx.msink.IncrCounter(MetricMultiplexerWakeups, 1)
			}
		}
	}
}

// Shutdown posts a sentinel that makes the run loop drain pending work,
// close every socket, and return. Safe to call once from any goroutine;
// subsequent calls are no-ops.
func (mx *Multiplexer) Shutdown() {
	mx.shutdownOnce.Do(func() {
		mx.stopped.Store(true)
		close(mx.shutdownCh)
		mx.updater.push(pollRequest{op: opClose, mgr: mx.updater})
	})
}

func (mx *Multiplexer) drainAndClose() {
	for _, mgr := range mx.managers {
		mgr.HandleError(ErrShuttingDown)
	}
	mx.updater.Close()
	mx.managers = nil
	mx.masks = nil
}
