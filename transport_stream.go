//go:build unix

package meridian

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// streamTransport is the Transport for a raw TCP socket (spec.md §4.3):
// bytes are pulled off the fd directly via socket.read/write, decoded
// with frameDecoder, and queued writes drained with frameWriteQueue.
type streamTransport struct {
	sock   *socket
	app    Application
	pools  *bufferPools
	logger *slog.Logger
	msink  metrics.MetricSink

	decoder frameDecoder
	writes  frameWriteQueue

	readScratch []byte
}

func newStreamTransport() *streamTransport {
	return &streamTransport{readScratch: make([]byte, 64*1024)}
}

func (t *streamTransport) Attach(sock *socket, app Application, pools *bufferPools, logger *slog.Logger, msink metrics.MetricSink) error {
	t.sock = sock
	t.app = app
	t.pools = pools
	t.logger = logger
	t.msink = msink
	t.decoder.app = app
	return nil
}

// HandleReadEvent drains everything immediately available on the socket
// and feeds it to the decoder. Returns false on a fatal read error or a
// clean EOF (n == 0).
func (t *streamTransport) HandleReadEvent() bool {
	for {
		n, err := t.sock.read(t.readScratch)
		if n > 0 {
			t.msink.IncrCounter(MetricTransportReadBytes, float32(n))
			if decErr := t.decoder.feed(t, t.readScratch[:n]); decErr != nil {
				t.logger.Warn("stream transport: framing error", LabelError.L(decErr))
				t.msink.IncrCounter(MetricTransportReadErrors, 1)
				return false
			}
		}
		if err != nil {
			if isWouldBlock(err) {
				return true
			}
			return false
		}
		if n == 0 {
			return false
		}
	}
}

func (t *streamTransport) FlushWrites() (bool, error) {
	blocked, err := t.writes.drain(t.sock.write)
	if err != nil {
		t.msink.IncrCounter(MetricTransportWriteErrors, 1)
	}
	return blocked, err
}

func (t *streamTransport) HasPendingWrites() bool {
	return t.writes.hasPending()
}

func (t *streamTransport) WritePacket(header, payload []byte) error {
	t.writes.push(header, payload)
	t.msink.IncrCounter(MetricTransportWriteBytes, float32(len(header)+len(payload)))
	return nil
}

func (t *streamTransport) NextHeaderBuffer() []byte  { return t.pools.NextHeaderBuffer() }
func (t *streamTransport) NextPayloadBuffer() []byte { return t.pools.NextPayloadBuffer() }

func (t *streamTransport) Close() error {
	return t.sock.Close()
}
