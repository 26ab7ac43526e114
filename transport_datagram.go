//go:build unix

package meridian

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// datagramTransport is the Transport for a connected UDP socket (spec.md
// §4.3, §2 item 5 "a connected packet socket"). Unlike streamTransport it
// never buffers across reads: one read is exactly one datagram, and one
// datagram is exactly one frame, so a datagram that arrives truncated or
// padded is a framing error rather than something to reassemble.
type datagramTransport struct {
	sock   *socket
	app    Application
	pools  *bufferPools
	logger *slog.Logger
	msink  metrics.MetricSink

	writes frameWriteQueue

	readScratch []byte
}

func newDatagramTransport() *datagramTransport {
	return &datagramTransport{readScratch: make([]byte, 65507)}
}

func (t *datagramTransport) Attach(sock *socket, app Application, pools *bufferPools, logger *slog.Logger, msink metrics.MetricSink) error {
	t.sock = sock
	t.app = app
	t.pools = pools
	t.logger = logger
	t.msink = msink
	return nil
}

func (t *datagramTransport) HandleReadEvent() bool {
	for {
		n, err := t.sock.read(t.readScratch)
		if n > 0 {
			t.msink.IncrCounter(MetricTransportReadBytes, float32(n))
			if ferr := t.handleDatagram(t.readScratch[:n]); ferr != nil {
				t.logger.Warn("datagram transport: framing error", LabelError.L(ferr))
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

func (t *datagramTransport) handleDatagram(pkt []byte) error {
	header, payload, err := decodeOneDatagram(t.app, pkt)
	if err != nil {
		return err
	}
	return t.app.HandleData(t, header, payload)
}

func (t *datagramTransport) FlushWrites() (bool, error) {
	blocked, err := t.writes.drain(t.sock.write)
	if err != nil {
		t.msink.IncrCounter(MetricTransportWriteErrors, 1)
	}
	return blocked, err
}

func (t *datagramTransport) HasPendingWrites() bool {
	return t.writes.hasPending()
}

func (t *datagramTransport) WritePacket(header, payload []byte) error {
	if len(header)+len(payload) > len(t.readScratch) {
		return wrapf(ErrProtocolError, "datagram transport: frame too large for one datagram")
	}
	t.writes.push(header, payload)
	t.msink.IncrCounter(MetricTransportWriteBytes, float32(len(header)+len(payload)))
	return nil
}

func (t *datagramTransport) NextHeaderBuffer() []byte  { return t.pools.NextHeaderBuffer() }
func (t *datagramTransport) NextPayloadBuffer() []byte { return t.pools.NextPayloadBuffer() }

func (t *datagramTransport) Close() error {
	return t.sock.Close()
}
