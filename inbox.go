package meridian

import "sync"

// inboxTask is anything that can sit in an endpoint manager's FIFO inbox.
// size is the DRR cost of processing it: control events cost 1, outbound
// messages cost their payload size in bytes (spec.md §4.2).
type inboxTask interface {
	size() int
}

// inbox is the multi-producer/single-consumer FIFO queue spec.md §9
// describes: any thread may tryEnqueue; only the owning EndpointManager
// (on the multiplexer thread) calls drainWithCredit.
type inbox[T inboxTask] struct {
	mu     sync.Mutex
	items  []T
	closed bool
}

func newInbox[T inboxTask]() *inbox[T] {
	return &inbox[T]{}
}

// tryEnqueue appends an item. Returns false (and drops nothing — the
// caller still owns the item) if the queue has been closed, and reports
// whether this was the 0-to-1 transition so the caller can wake the
// multiplexer exactly once.
func (q *inbox[T]) tryEnqueue(item T) (wasEmpty bool, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false, false
	}
	wasEmpty = len(q.items) == 0
	q.items = append(q.items, item)
	return wasEmpty, true
}

// drainWithCredit pops items and invokes consume on each while the
// accumulated cost stays under credit. It peeks the head item's cost
// before dequeuing it: once something has already been spent, an item
// that would push the total over credit is left at the head for the
// next round rather than dequeued anyway, so a round never overshoots
// its quantum by more than the cost of one item. The very first item of
// a round is always let through regardless of its cost, so a single
// item larger than the whole quantum doesn't starve forever. It also
// stops early if consume reports it could not finish the item (e.g.
// transport would-block) and puts that item back at the head of the
// queue for next time. Returns the number of items consumed and whether
// the queue is now empty.
func (q *inbox[T]) drainWithCredit(credit int, consume func(T) (finished bool)) (consumed int, empty bool) {
	spent := 0
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.mu.Unlock()
			return consumed, true
		}
		item := q.items[0]
		q.mu.Unlock()

		cost := item.size()
		if spent > 0 && spent+cost > credit {
			q.mu.Lock()
			empty = len(q.items) == 0
			q.mu.Unlock()
			return consumed, empty
		}

		if !consume(item) {
			return consumed, false
		}

		q.mu.Lock()
		if len(q.items) > 0 {
			q.items = q.items[1:]
		}
		empty = len(q.items) == 0
		q.mu.Unlock()

		spent += cost
		consumed++
		if empty {
			return consumed, true
		}
		if spent >= credit {
			return consumed, false
		}
	}
}

func (q *inbox[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// closeDrain marks the queue closed and returns whatever was left in it,
// so callers can deliver a "shutting down" error to each.
func (q *inbox[T]) closeDrain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	leftover := q.items
	q.items = nil
	return leftover
}

// drrArbiter is the free-standing deficit round-robin scheduler of
// spec.md §9: it alternates between a control-event queue and an
// outbound-message queue so neither starves the other.
type drrArbiter[C inboxTask, M inboxTask] struct {
	controlCredit int
	messageCredit int

	controlQuantum int
	messageQuantum int
}

func newDRRArbiter[C inboxTask, M inboxTask](controlQuantum, messageQuantum int) *drrArbiter[C, M] {
	return &drrArbiter[C, M]{controlQuantum: controlQuantum, messageQuantum: messageQuantum}
}

// round runs one DRR round: drain what fits out of control with its
// deficit, then out of messages with its deficit, carrying leftover
// credit forward. Returns true if both queues ended up empty.
func (a *drrArbiter[C, M]) round(control *inbox[C], messages *inbox[M], consumeControl func(C) bool, consumeMessage func(M) bool) bool {
	a.controlCredit += a.controlQuantum
	_, controlEmpty := control.drainWithCredit(a.controlCredit, func(c C) bool {
		done := consumeControl(c)
		if done {
			a.controlCredit -= c.size()
		}
		return done
	})
	if controlEmpty {
		a.controlCredit = 0
	}

	a.messageCredit += a.messageQuantum
	_, messagesEmpty := messages.drainWithCredit(a.messageCredit, func(m M) bool {
		done := consumeMessage(m)
		if done {
			a.messageCredit -= m.size()
		}
		return done
	})
	if messagesEmpty {
		a.messageCredit = 0
	}

	return controlEmpty && messagesEmpty
}
