package meridian

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// quicPeer is the QUIC analogue of EndpointManager (spec.md §4.2, §4.3),
// but driven by its own goroutines rather than the poll(2) Multiplexer:
// quic-go already owns an event loop per connection and exposes a
// blocking stream API, so there is no fd here for a Multiplexer to poll.
// The two-inbox DRR fairness of the raw-socket path is approximated with
// a control-preferring select loop instead of drrArbiter, since a single
// QUIC stream already serializes writes and quic-go applies its own flow
// control across streams.
type quicPeer struct {
	node   NodeID
	conn   quic.Connection
	stream quic.Stream
	app    Application
	pools  *bufferPools
	logger *slog.Logger
	msink  metrics.MetricSink

	decoder frameDecoder
	writeMu sync.Mutex

	timers *timerWheel

	control  chan controlEvent
	outbound chan *OutboundMessage
	stop     chan struct{}
	closed   atomic.Bool
}

func newQUICPeer(node NodeID, conn quic.Connection, stream quic.Stream, app Application, pools *bufferPools, timers *timerWheel, logger *slog.Logger, msink metrics.MetricSink) *quicPeer {
	if logger == nil {
		logger = slog.Default()
	}
	p := &quicPeer{
		node:     node,
		conn:     conn,
		stream:   stream,
		app:      app,
		pools:    pools,
		timers:   timers,
		logger:   logger,
		msink:    metricSinkOrDefault(msink),
		control:  make(chan controlEvent, 64),
		outbound: make(chan *OutboundMessage, 1024),
		stop:     make(chan struct{}),
	}
	p.decoder.app = app
	return p
}

// Start runs the handshake and spawns the read and pump goroutines. Must
// be called once, immediately after construction.
func (p *quicPeer) Start() error {
	if tb, ok := p.app.(timerBinder); ok {
		tb.BindTimerSource(p)
	}
	if pb, ok := p.app.(peerBinder); ok {
		pb.BindPeer(p)
	}
	if err := p.app.Init(p); err != nil {
		return err
	}
	go p.readLoop()
	go p.pumpLoop()
	return nil
}

func (p *quicPeer) EnqueueMessage(msg *OutboundMessage) error {
	if p.closed.Load() {
		return ErrShuttingDown
	}
	select {
	case p.outbound <- msg:
		p.msink.SetGauge(MetricEndpointQueueDepth, float32(len(p.outbound)))
		return nil
	case <-p.stop:
		return ErrShuttingDown
	}
}

func (p *quicPeer) Resolve(path string, listener ResolveListener) error {
	return p.enqueueControl(controlEvent{kind: controlResolve, path: path, listener: listener})
}

func (p *quicPeer) SetTimeout(deadline time.Time, tag string, payload any) uint64 {
	return p.timers.setTimeout(p, deadline, tag, payload)
}

func (p *quicPeer) CancelTimeout(tag string, id uint64) {
	p.timers.cancelTimeout(tag, id)
}

func (p *quicPeer) enqueueControl(ev controlEvent) error {
	if p.closed.Load() {
		return ErrShuttingDown
	}
	select {
	case p.control <- ev:
		return nil
	case <-p.stop:
		return ErrShuttingDown
	}
}

func (p *quicPeer) readLoop() {
	scratch := make([]byte, 64*1024)
	for {
		n, err := p.stream.Read(scratch)
		if n > 0 {
			p.msink.IncrCounter(MetricTransportReadBytes, float32(n))
			if decErr := p.decoder.feed(p, scratch[:n]); decErr != nil {
				p.logger.Warn("quic transport: framing error", LabelError.L(decErr))
				p.msink.IncrCounter(MetricTransportReadErrors, 1)
				p.teardown(decErr)
				return
			}
		}
		if err != nil {
			p.teardown(err)
			return
		}
	}
}

func (p *quicPeer) pumpLoop() {
	for {
		select {
		case ev := <-p.control:
			p.consumeControl(ev)
			continue
		default:
		}
		select {
		case ev := <-p.control:
			p.consumeControl(ev)
		case msg := <-p.outbound:
			p.consumeMessage(msg)
		case <-p.stop:
			return
		}
	}
}

func (p *quicPeer) consumeControl(ev controlEvent) {
	switch ev.kind {
	case controlResolve:
		if err := p.app.Resolve(p, ev.path, ev.listener); err != nil {
			ev.listener.OnError(err)
		}
	case controlTimeout:
		if err := p.app.Timeout(p, ev.tag, ev.payload); err != nil {
			p.logger.Warn("quic transport: timeout handler failed", LabelNode.L(string(p.node)), LabelError.L(err))
		}
	}
}

func (p *quicPeer) consumeMessage(msg *OutboundMessage) {
	if err := p.app.WriteMessage(p, msg); err != nil {
		p.teardown(err)
	}
}

// packetWriter side: writes go straight to the QUIC stream. quic-go
// serializes concurrent writers on the same stream internally, but we
// still hold writeMu so a header and its payload are never interleaved
// with another goroutine's frame.
func (p *quicPeer) WritePacket(header, payload []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if _, err := p.stream.Write(header); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := p.stream.Write(payload); err != nil {
			return err
		}
	}
	p.msink.IncrCounter(MetricTransportWriteBytes, float32(len(header)+len(payload)))
	return nil
}

func (p *quicPeer) NextHeaderBuffer() []byte  { return p.pools.NextHeaderBuffer() }
func (p *quicPeer) NextPayloadBuffer() []byte { return p.pools.NextPayloadBuffer() }

func (p *quicPeer) teardown(err error) {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	p.app.HandleError(err)
	close(p.stop)
	_ = p.stream.Close()
}
