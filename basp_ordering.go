package meridian

import "sort"

// reorderBuffer restores frame order over an otherwise unordered transport
// (spec.md §4.4 "an optional per-frame sequencing layer for ordered
// delivery"). Sequence numbers are 16-bit and wrap; a frame is "next" when
// its sequence number equals the expected cursor mod 2^16.
//
// The buffer is bounded: a peer that never sends the missing frame cannot
// grow it past reorderWindowLimit, at which point the oldest held frame,
// together with any frames held contiguously after it, is dropped and the
// cursor moves past them, rather than blocking delivery indefinitely.
type reorderBuffer struct {
	expected uint16
	held     map[uint16]frameData
	outgoing uint16
}

const reorderWindowLimit = 1024

func newReorderBuffer() *reorderBuffer {
	return &reorderBuffer{held: make(map[uint16]frameData)}
}

// accept records fd under seq and returns every frame, in order, that is
// now deliverable starting from the buffer's expected cursor.
func (r *reorderBuffer) accept(seq uint16, fd frameData) []frameData {
	if seq != r.expected {
		// Circular distance from the delivery cursor, per spec.md §4.4's
		// "sequence arithmetic is circular (mod 2^16) with a window half
		// the namespace": a negative distance means seq is at or behind
		// the last-delivered frame, so it's stale (already delivered, or
		// a duplicate) and gets dropped rather than held forever.
		if int16(seq-r.expected) < 0 {
			return nil
		}
		r.held[seq] = fd
		if len(r.held) > reorderWindowLimit {
			r.forceAdvance()
		}
		return nil
	}

	ready := []frameData{fd}
	r.expected++
	for {
		next, ok := r.held[r.expected]
		if !ok {
			break
		}
		delete(r.held, r.expected)
		ready = append(ready, next)
		r.expected++
	}
	return ready
}

// forceAdvance drops the oldest pending sequence number when the reorder
// window has grown past its limit, then walks expected forward through
// whatever is already sitting contiguously in held at the new cursor —
// the same chain accept's seq==expected branch walks on a fresh arrival.
// Without this, both the dropped entry and every contiguous entry behind
// the new cursor would stay in held forever: accept only ever delivers a
// held[expected] entry when a new frame *arrives* at that seq, and a
// sequence number this connection already saw will not arrive again.
func (r *reorderBuffer) forceAdvance() {
	seqs := make([]uint16, 0, len(r.held))
	for s := range r.held {
		seqs = append(seqs, s)
	}
	sort.Slice(seqs, func(i, j int) bool {
		return int16(seqs[i]-r.expected) < int16(seqs[j]-r.expected)
	})

	delete(r.held, seqs[0])
	r.expected = seqs[0] + 1
	for {
		if _, ok := r.held[r.expected]; !ok {
			break
		}
		delete(r.held, r.expected)
		r.expected++
	}
}

// nextOutgoing returns the next sequence number to stamp on an outbound
// frame, wrapping at 2^16.
func (r *reorderBuffer) nextOutgoing() uint16 {
	seq := r.outgoing
	r.outgoing++
	return seq
}
