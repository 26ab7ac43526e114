package meridian

import (
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
)

// controlKind distinguishes the kinds of control-plane work an
// EndpointManager's control inbox carries (spec.md §4.2).
type controlKind uint8

const (
	controlResolve controlKind = iota
	controlTimeout
	// controlInit runs Application.Init on the multiplexer's own goroutine
	// for a dialed udp peer (backend_udp.go), whose Dial call happens on
	// whatever goroutine Network.peerFor was called from, not the
	// multiplexer's.
	controlInit
)

// controlEvent is the control-inbox inboxTask. Every control event costs a
// flat 1 against the DRR control quantum regardless of shape.
type controlEvent struct {
	kind controlKind

	// controlResolve
	path     string
	listener ResolveListener

	// controlTimeout
	tag     string
	timerID uint64
	payload any
}

func (controlEvent) size() int { return 1 }

// EndpointManager is the per-peer-connection coordinator of spec.md §4.2:
// it owns one socket's Transport and Application, a reference to the
// node's shared timer wheel for that connection's timeouts, and the two
// FIFO inboxes (control, outbound
// messages) a drrArbiter alternates between. It implements socketManager
// so a Multiplexer can drive it directly.
type EndpointManager struct {
	logger *slog.Logger
	msink  metrics.MetricSink

	mux    *Multiplexer
	timers *timerWheel

	sock      *socket
	transport Transport
	app       Application

	node NodeID

	control  *inbox[controlEvent]
	messages *inbox[*OutboundMessage]
	arbiter  *drrArbiter[controlEvent, *OutboundMessage]

	closed atomic.Bool
}

// timerBinder is implemented by Applications that want their own
// scheduling capability (basp.go's baspApplication does).
type timerBinder interface {
	BindTimerSource(timerSource)
}

// peerBinder is implemented by Applications that want a reference to the
// Peer carrying them, so a resolved Proxy can be handed the right
// EndpointManager to forward through (basp.go's baspApplication does).
type peerBinder interface {
	BindPeer(Peer)
}

// NewEndpointManager wires together a freshly accepted/dialed socket, its
// Transport and Application, and registers read interest with mux. Init
// runs the Application's handshake before any registration happens, so a
// failed handshake never touches the poll set at all.
func NewEndpointManager(node NodeID, sock *socket, transport Transport, app Application, pools *bufferPools, mux *Multiplexer, timers *timerWheel, logger *slog.Logger, msink metrics.MetricSink) (*EndpointManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	msink = metricSinkOrDefault(msink)

	em := &EndpointManager{
		logger:    logger,
		msink:     msink,
		mux:       mux,
		timers:    timers,
		sock:      sock,
		transport: transport,
		app:       app,
		node:      node,
		control:   newInbox[controlEvent](),
		messages:  newInbox[*OutboundMessage](),
		arbiter:   newDRRArbiter[controlEvent, *OutboundMessage](8, 64*1024),
	}

	if err := transport.Attach(sock, app, pools, logger, msink); err != nil {
		return nil, err
	}
	if tb, ok := app.(timerBinder); ok {
		tb.BindTimerSource(em)
	}
	if pb, ok := app.(peerBinder); ok {
		pb.BindPeer(em)
	}
	if err := app.Init(transport); err != nil {
		_ = transport.Close()
		return nil, err
	}

	mux.Register(em, opAddRead)
	if transport.HasPendingWrites() {
		mux.Register(em, opAddWrite)
	}
	return em, nil
}

func (em *EndpointManager) FD() int { return em.sock.FD() }

// EnqueueMessage hands an outbound actor message to this endpoint. Safe
// from any goroutine; the message is actually serialized and written on
// the multiplexer's own goroutine.
func (em *EndpointManager) EnqueueMessage(msg *OutboundMessage) error {
	if em.closed.Load() {
		return ErrShuttingDown
	}
	wasEmpty, ok := em.messages.tryEnqueue(msg)
	if !ok {
		return ErrQueueClosed
	}
	em.msink.SetGauge(MetricEndpointQueueDepth, float32(em.messages.len()))
	if wasEmpty {
		em.mux.Register(em, opAddWrite)
	}
	return nil
}

// Resolve asks the Application to send a resolve request for path,
// notifying listener of the outcome. Safe from any goroutine.
func (em *EndpointManager) Resolve(path string, listener ResolveListener) error {
	return em.enqueueControl(controlEvent{kind: controlResolve, path: path, listener: listener})
}

// SetTimeout implements timerSource so the Application (or anything else
// holding this EndpointManager) can schedule a control-plane timeout that
// fires back into its own control inbox.
func (em *EndpointManager) SetTimeout(deadline time.Time, tag string, payload any) uint64 {
	return em.timers.setTimeout(em, deadline, tag, payload)
}

func (em *EndpointManager) CancelTimeout(tag string, id uint64) {
	em.timers.cancelTimeout(tag, id)
}

// enqueueControl implements the owner callback timerWheel.fireExpired
// invokes, and backs Resolve above.
func (em *EndpointManager) enqueueControl(ev controlEvent) error {
	if em.closed.Load() {
		return ErrShuttingDown
	}
	wasEmpty, ok := em.control.tryEnqueue(ev)
	if !ok {
		return ErrQueueClosed
	}
	if wasEmpty {
		em.mux.Register(em, opAddWrite)
	}
	return nil
}

// HandleReadEvent pulls bytes off the wire, then pumps both inboxes: a
// read is as good an opportunity as a write to drain queued control work
// and outbound messages (spec.md §9).
func (em *EndpointManager) HandleReadEvent() bool {
	if !em.transport.HandleReadEvent() {
		em.teardown(ErrDisconnected)
		return false
	}
	em.pump()
	return true
}

// HandleWriteEvent flushes queued writes, then pumps both inboxes again
// in case the flush freed up room to push more.
func (em *EndpointManager) HandleWriteEvent() bool {
	blocked, err := em.transport.FlushWrites()
	if err != nil {
		em.teardown(err)
		return false
	}
	em.pump()
	if !blocked && !em.transport.HasPendingWrites() {
		em.mux.Register(em, opClearWrite)
	}
	return true
}

func (em *EndpointManager) HandleError(err error) {
	em.teardown(err)
}

// pump runs one DRR round over the control and message inboxes, handing
// each item to the Application/Transport, then re-arms write interest if
// anything is left queued on the transport.
func (em *EndpointManager) pump() {
	em.arbiter.round(em.control, em.messages, em.consumeControl, em.consumeMessage)
	em.msink.SetGauge(MetricEndpointQueueDepth, float32(em.messages.len()))
	if em.transport.HasPendingWrites() {
		em.mux.Register(em, opAddWrite)
	}
}

func (em *EndpointManager) consumeControl(ev controlEvent) bool {
	switch ev.kind {
	case controlResolve:
		if err := em.app.Resolve(em.transport, ev.path, ev.listener); err != nil {
			ev.listener.OnError(err)
		}
	case controlTimeout:
		if err := em.app.Timeout(em.transport, ev.tag, ev.payload); err != nil {
			em.logger.Warn("endpoint: timeout handler failed", LabelNode.L(string(em.node)), LabelError.L(err))
		}
	}
	return true
}

func (em *EndpointManager) consumeMessage(msg *OutboundMessage) bool {
	if err := em.app.WriteMessage(em.transport, msg); err != nil {
		em.teardown(err)
	}
	return true
}

// teardown runs once: it tells the Application the connection is gone,
// closes the transport, and drains both inboxes so nothing is left
// waiting on a connection that will never come back.
func (em *EndpointManager) teardown(err error) {
	if !em.closed.CompareAndSwap(false, true) {
		return
	}
	em.app.HandleError(err)
	_ = em.transport.Close()
	for _, ev := range em.control.closeDrain() {
		if ev.kind == controlResolve {
			ev.listener.OnError(err)
		}
	}
	em.messages.closeDrain() // queued messages are simply dropped; the caller already lost the connection
}
