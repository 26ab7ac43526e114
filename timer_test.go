package meridian

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	fired chan controlEvent
}

func newFakeSink() *fakeSink {
	return &fakeSink{fired: make(chan controlEvent, 16)}
}

func (f *fakeSink) enqueueControl(ev controlEvent) error {
	f.fired <- ev
	return nil
}

func TestTimerWheel_FiresAtDeadline(t *testing.T) {
	tw := newTimerWheel()
	defer tw.stop()

	sink := newFakeSink()
	tw.setTimeout(sink, time.Now().Add(20*time.Millisecond), "resolve", "req-1")

	select {
	case ev := <-sink.fired:
		require.Equal(t, controlTimeout, ev.kind)
		require.Equal(t, "resolve", ev.tag)
		require.Equal(t, "req-1", ev.payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timer never fired")
	}
}

func TestTimerWheel_CancelSuppressesDelivery(t *testing.T) {
	tw := newTimerWheel()
	defer tw.stop()

	sink := newFakeSink()
	id := tw.setTimeout(sink, time.Now().Add(20*time.Millisecond), "resolve", nil)
	tw.cancelTimeout("resolve", id)

	select {
	case ev := <-sink.fired:
		t.Fatalf("canceled timer fired anyway: %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTimerWheel_OrdersMultipleEntriesByDeadline(t *testing.T) {
	tw := newTimerWheel()
	defer tw.stop()

	sink := newFakeSink()
	tw.setTimeout(sink, time.Now().Add(60*time.Millisecond), "second", nil)
	tw.setTimeout(sink, time.Now().Add(10*time.Millisecond), "first", nil)

	first := <-sink.fired
	second := <-sink.fired
	require.Equal(t, "first", first.tag)
	require.Equal(t, "second", second.tag)
}
