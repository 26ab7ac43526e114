package meridian

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func fd(sender ActorID) frameData { return frameData{sender: sender} }

func TestReorderBuffer_InOrderPassesThroughImmediately(t *testing.T) {
	r := newReorderBuffer()
	ready := r.accept(0, fd(1))
	require.Equal(t, []frameData{fd(1)}, ready)
	ready = r.accept(1, fd(2))
	require.Equal(t, []frameData{fd(2)}, ready)
}

func TestReorderBuffer_HoldsOutOfOrderUntilGapFills(t *testing.T) {
	r := newReorderBuffer()

	ready := r.accept(1, fd(2))
	require.Empty(t, ready, "seq 1 arrives before seq 0, must be held")

	ready = r.accept(2, fd(3))
	require.Empty(t, ready)

	ready = r.accept(0, fd(1))
	require.Equal(t, []frameData{fd(1), fd(2), fd(3)}, ready, "filling the gap releases everything held behind it")
}

func TestReorderBuffer_WrapsAt16Bits(t *testing.T) {
	r := &reorderBuffer{expected: 65535, held: make(map[uint16]frameData)}
	ready := r.accept(65535, fd(1))
	require.Equal(t, []frameData{fd(1)}, ready)
	require.Equal(t, uint16(0), r.expected)

	ready = r.accept(0, fd(2))
	require.Equal(t, []frameData{fd(2)}, ready)
}

func TestReorderBuffer_ForceAdvanceBoundsMemoryUnderPermanentGap(t *testing.T) {
	r := newReorderBuffer()
	// seq 0 never arrives; everything else piles up behind it.
	for s := 1; s <= reorderWindowLimit+1; s++ {
		ready := r.accept(uint16(s), fd(ActorID(s)))
		require.Empty(t, ready)
	}
	require.LessOrEqual(t, len(r.held), reorderWindowLimit)

	// the buffer must have advanced past the missing seq 0 rather than
	// holding it forever.
	require.NotEqual(t, uint16(0), r.expected)
}

func TestReorderBuffer_DropsStaleDuplicateRatherThanHoldingForever(t *testing.T) {
	r := newReorderBuffer()

	ready := r.accept(0, fd(1))
	require.Equal(t, []frameData{fd(1)}, ready)
	require.Equal(t, uint16(1), r.expected)

	// seq 0 already delivered; a duplicate/retransmit must be dropped, not
	// held in the reorder window forever.
	ready = r.accept(0, fd(99))
	require.Empty(t, ready)
	require.Empty(t, r.held)
}

func TestReorderBuffer_NextOutgoingIncrementsAndWraps(t *testing.T) {
	r := &reorderBuffer{held: make(map[uint16]frameData), outgoing: 65535}
	require.Equal(t, uint16(65535), r.nextOutgoing())
	require.Equal(t, uint16(0), r.nextOutgoing())
}
