package meridian

import (
	"container/heap"
	"sync"
	"sync/atomic"
	"time"
)

// controlSink accepts a fired timeout back into whatever queue its owner
// drains control events from. EndpointManager, udpWorker and quicPeer all
// implement it, so one timerWheel can serve both the poll-driven and the
// QUIC connection paths.
type controlSink interface {
	enqueueControl(controlEvent) error
}

// timerEntry is one scheduled timeout (spec.md §4.2 set_timeout).
type timerEntry struct {
	id       uint64
	deadline time.Time
	tag      string
	payload  any
	owner    controlSink
	canceled bool
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x any)         { *h = append(*h, x.(*timerEntry)) }
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// timerWheel runs on its own goroutine, firing timeouts by enqueueing a
// control event on the timer's owner (a controlSink). It never touches a
// manager's socket or transport directly — only the thread-safe inbox.
type timerWheel struct {
	mu      sync.Mutex
	heap    timerHeap
	byID    map[uint64]*timerEntry
	nextID  atomic.Uint64
	wake    chan struct{}
	stopped chan struct{}
}

func newTimerWheel() *timerWheel {
	tw := &timerWheel{
		byID:    make(map[uint64]*timerEntry),
		wake:    make(chan struct{}, 1),
		stopped: make(chan struct{}),
	}
	go tw.run()
	return tw
}

// setTimeout schedules a timeout and returns its id. cancelTimeout(tag,
// id) suppresses delivery before it fires.
func (tw *timerWheel) setTimeout(owner controlSink, deadline time.Time, tag string, payload any) uint64 {
	id := tw.nextID.Add(1)
	entry := &timerEntry{id: id, deadline: deadline, tag: tag, payload: payload, owner: owner}

	tw.mu.Lock()
	tw.byID[id] = entry
	heap.Push(&tw.heap, entry)
	tw.mu.Unlock()

	select {
	case tw.wake <- struct{}{}:
	default:
	}
	return id
}

func (tw *timerWheel) cancelTimeout(tag string, id uint64) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if entry, ok := tw.byID[id]; ok && entry.tag == tag {
		entry.canceled = true
		delete(tw.byID, id)
	}
}

func (tw *timerWheel) stop() {
	close(tw.stopped)
}

func (tw *timerWheel) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		tw.mu.Lock()
		var wait time.Duration = time.Hour
		if len(tw.heap) > 0 {
			wait = time.Until(tw.heap[0].deadline)
		}
		tw.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)

		select {
		case <-tw.stopped:
			return
		case <-tw.wake:
			continue
		case <-timer.C:
			tw.fireExpired()
		}
	}
}

func (tw *timerWheel) fireExpired() {
	now := time.Now()
	for {
		tw.mu.Lock()
		if len(tw.heap) == 0 || tw.heap[0].deadline.After(now) {
			tw.mu.Unlock()
			return
		}
		entry := heap.Pop(&tw.heap).(*timerEntry)
		delete(tw.byID, entry.id)
		tw.mu.Unlock()

		if entry.canceled {
			continue
		}
		_ = entry.owner.enqueueControl(controlEvent{
			kind:    controlTimeout,
			tag:     entry.tag,
			timerID: entry.id,
			payload: entry.payload,
		})
	}
}
