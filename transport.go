package meridian

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Transport owns the byte-level I/O for one peer connection (spec.md §2
// item 5, §4.3). It pulls bytes off the wire, asks the Application where
// one frame ends, and delivers the (header, payload) split; it queues
// outbound frames the Application hands it via WritePacket and drains
// them when the socket is writable.
//
// Framing convention shared by every concrete Transport: a frame is
// exactly HeaderSize() bytes of header followed by a payload whose length
// is the little-endian uint32 stored in the header's last four bytes.
// This lets the Transport stay ignorant of what the header actually means
// (BASP operation codes, sequence numbers, ...) while still knowing where
// the payload starts and ends.
type Transport interface {
	// Attach binds the transport to its socket and Application. Called
	// once, before the owning EndpointManager registers with a
	// Multiplexer.
	Attach(sock *socket, app Application, pools *bufferPools, logger *slog.Logger, msink metrics.MetricSink) error

	// HandleReadEvent reads whatever is available non-blockingly and
	// feeds complete frames to the Application. Returns false on fatal
	// error or clean EOF, signalling the endpoint manager to unregister.
	HandleReadEvent() bool

	// FlushWrites drains the queued write buffers onto the socket.
	// Returns blocked=true if the socket would block before the queue
	// drained; the caller must keep the write mask set in that case.
	FlushWrites() (blocked bool, err error)

	// HasPendingWrites reports whether FlushWrites has more to do.
	HasPendingWrites() bool

	// WritePacket is the packetWriter half of the contract: it enqueues
	// header+payload atomically for transmission.
	WritePacket(header, payload []byte) error

	NextHeaderBuffer() []byte
	NextPayloadBuffer() []byte

	Close() error
}

// baspHeaderSize sizes the header buffer pool to the largest header BASP
// ever writes: a framed message with ordering enabled (frameHeaderSize +
// orderingPreambleSize), which is larger than the handshake header. See
// basp.go.
const baspHeaderSize = frameHeaderSize + orderingPreambleSize
