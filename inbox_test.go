package meridian

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sizedTask struct {
	id int
	n  int
}

func (t sizedTask) size() int { return t.n }

func TestInbox_TryEnqueueReportsEmptyTransition(t *testing.T) {
	q := newInbox[sizedTask]()
	wasEmpty, ok := q.tryEnqueue(sizedTask{id: 1, n: 1})
	require.True(t, ok)
	require.True(t, wasEmpty)

	wasEmpty, ok = q.tryEnqueue(sizedTask{id: 2, n: 1})
	require.True(t, ok)
	require.False(t, wasEmpty)
}

func TestInbox_DrainWithCreditStopsOnExhaustion(t *testing.T) {
	q := newInbox[sizedTask]()
	for i := 0; i < 5; i++ {
		_, _ = q.tryEnqueue(sizedTask{id: i, n: 10})
	}

	var seen []int
	consumed, empty := q.drainWithCredit(25, func(task sizedTask) bool {
		seen = append(seen, task.id)
		return true
	})

	require.Equal(t, 2, consumed)
	require.False(t, empty)
	require.Equal(t, []int{0, 1}, seen)
	require.Equal(t, 3, q.len())
}

func TestInbox_DrainWithCreditRetriesUnfinishedItemAtHead(t *testing.T) {
	q := newInbox[sizedTask]()
	_, _ = q.tryEnqueue(sizedTask{id: 1, n: 1})
	_, _ = q.tryEnqueue(sizedTask{id: 2, n: 1})

	blocked := true
	consumed, empty := q.drainWithCredit(10, func(task sizedTask) bool {
		return !blocked // first call reports unfinished
	})
	require.Equal(t, 0, consumed)
	require.False(t, empty)
	require.Equal(t, 2, q.len(), "unfinished item must stay at the head, not be dropped")
}

func TestInbox_CloseDrainReturnsLeftoverAndRejectsFurtherEnqueue(t *testing.T) {
	q := newInbox[sizedTask]()
	_, _ = q.tryEnqueue(sizedTask{id: 1, n: 1})

	leftover := q.closeDrain()
	require.Len(t, leftover, 1)

	_, ok := q.tryEnqueue(sizedTask{id: 2, n: 1})
	require.False(t, ok)
}

func TestDRRArbiter_AlternatesAndCarriesDeficitForward(t *testing.T) {
	control := newInbox[sizedTask]()
	messages := newInbox[sizedTask]()

	for i := 0; i < 4; i++ {
		_, _ = control.tryEnqueue(sizedTask{id: i, n: 1})
	}
	for i := 0; i < 4; i++ {
		_, _ = messages.tryEnqueue(sizedTask{id: i, n: 100})
	}

	arbiter := newDRRArbiter[sizedTask, sizedTask](2, 100)

	var controlSeen, messageSeen int
	consume := func(sizedTask) bool { controlSeen++; return true }
	consumeMsg := func(sizedTask) bool { messageSeen++; return true }

	done := arbiter.round(control, messages, consume, consumeMsg)
	require.False(t, done)
	require.Equal(t, 2, controlSeen, "first round should only spend the control quantum")
	require.Equal(t, 1, messageSeen, "message quantum covers exactly one 100-byte message")

	// The second round serves the remaining two control events but, with
	// the message deficit back at zero, still only one 100-byte message.
	done = arbiter.round(control, messages, consume, consumeMsg)
	require.False(t, done)
	require.Equal(t, 4, controlSeen)
	require.Equal(t, 2, messageSeen)

	// Each further round adds one quantum and serves one more message.
	done = arbiter.round(control, messages, consume, consumeMsg)
	require.False(t, done)
	require.Equal(t, 3, messageSeen)

	done = arbiter.round(control, messages, consume, consumeMsg)
	require.True(t, done)
	require.Equal(t, 4, controlSeen)
	require.Equal(t, 4, messageSeen)
}

func TestDRRArbiter_NeverStarvesControlUnderMessageFlood(t *testing.T) {
	control := newInbox[sizedTask]()
	messages := newInbox[sizedTask]()

	for i := 0; i < 1000; i++ {
		_, _ = messages.tryEnqueue(sizedTask{id: i, n: 4096})
	}
	arbiter := newDRRArbiter[sizedTask, sizedTask](8, 4096)

	// drain a handful of rounds of pure message flood, then inject a
	// control event: it must be served on the very next round regardless
	// of how deep the message backlog is.
	noop := func(sizedTask) bool { return true }
	for i := 0; i < 5; i++ {
		arbiter.round(control, messages, noop, noop)
	}

	_, _ = control.tryEnqueue(sizedTask{id: 0, n: 1})
	var served bool
	arbiter.round(control, messages, func(sizedTask) bool { served = true; return true }, noop)
	require.True(t, served)
}
