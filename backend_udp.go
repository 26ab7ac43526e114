//go:build unix

package meridian

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sys/unix"
)

// udpBackend is the unordered, unreliable datagram backend of spec.md §2
// item 1: every peer shares one listening socket, demultiplexed by source
// address, rather than one fd per peer like the tcp backend. It owns a
// transportWorkerDispatcher (SPEC_FULL.md §4.3) that registers itself with
// the Multiplexer directly, so every peer's Application callbacks and
// every write to the shared socket run on the multiplexer's own
// goroutine, the same invariant EndpointManager upholds for tcp (spec.md
// §3 "writes to the socket happen only from the multiplexer thread").
type udpBackend struct {
	cfg    config
	mux    *Multiplexer
	onPeer onPeerFunc

	dispatcher *transportWorkerDispatcher
}

func newUDPBackend(cfg config, mux *Multiplexer, timers *timerWheel, pools *bufferPools, runtime ActorRuntime, paths PathRegistry, registry *ProxyRegistry, logger *slog.Logger, msink metrics.MetricSink, onPeer onPeerFunc) *udpBackend {
	return &udpBackend{
		cfg: cfg, mux: mux, onPeer: onPeer,
		dispatcher: newTransportWorkerDispatcher(cfg, mux, timers, pools, runtime, paths, registry, logger, msink, onPeer),
	}
}

func (b *udpBackend) Scheme() string { return "udp" }

func (b *udpBackend) Start(ctx context.Context) error {
	ip := net.ParseIP(b.cfg.thisNode.Host)
	if ip == nil {
		ip = net.IPv4zero
	}
	pc, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: b.cfg.udpPort})
	if err != nil {
		return wrapf(ErrRuntimeError, "udp backend: listen: %v", err)
	}
	sock, err := newDatagramSocket(pc)
	if err != nil {
		return err
	}
	b.dispatcher.sock = sock
	b.mux.Register(b.dispatcher, opAddRead)
	return nil
}

func (b *udpBackend) Dial(ctx context.Context, loc Locator) (Peer, error) {
	return b.dispatcher.dial(loc)
}

func (b *udpBackend) Close() error { return b.dispatcher.Close() }

// peerKey identifies one remote address on the shared udp socket: the
// sender's sockaddr formatted as "ip:port".
type peerKey string

func peerKeyFromSockaddr(sa unix.Sockaddr) peerKey {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return peerKey(fmt.Sprintf("%v:%d", a.Addr, a.Port))
	case *unix.SockaddrInet6:
		return peerKey(fmt.Sprintf("%v:%d", a.Addr, a.Port))
	default:
		return peerKey(fmt.Sprintf("%v", sa))
	}
}

// transportWorkerDispatcher is the socketManager the Multiplexer drives
// for udp's one shared socket. It demultiplexes inbound packets by
// peerKey into per-peer udpWorkers and fans outbound writes for every
// worker back out over that same socket — there is no per-peer goroutine
// and no per-peer fd, only per-peer state, so every byte in or out of the
// socket still crosses exactly one goroutine.
type transportWorkerDispatcher struct {
	cfg      config
	mux      *Multiplexer
	timers   *timerWheel
	pools    *bufferPools
	runtime  ActorRuntime
	paths    PathRegistry
	registry *ProxyRegistry
	logger   *slog.Logger
	msink    metrics.MetricSink
	onPeer   onPeerFunc

	sock *socket

	mu      sync.Mutex
	workers map[peerKey]*udpWorker

	readScratch []byte
}

func newTransportWorkerDispatcher(cfg config, mux *Multiplexer, timers *timerWheel, pools *bufferPools, runtime ActorRuntime, paths PathRegistry, registry *ProxyRegistry, logger *slog.Logger, msink metrics.MetricSink, onPeer onPeerFunc) *transportWorkerDispatcher {
	return &transportWorkerDispatcher{
		cfg: cfg, mux: mux, timers: timers, pools: pools,
		runtime: runtime, paths: paths, registry: registry,
		logger: logger, msink: metricSinkOrDefault(msink), onPeer: onPeer,
		workers:     make(map[peerKey]*udpWorker),
		readScratch: make([]byte, 65507),
	}
}

func (d *transportWorkerDispatcher) FD() int { return d.sock.FD() }

// wake asks the multiplexer to arm write interest on the shared socket, so
// a control/outbound event enqueued from any goroutine is guaranteed a
// HandleWriteEvent call even if the socket itself has nothing to flush.
func (d *transportWorkerDispatcher) wake() { d.mux.Register(d, opAddWrite) }

// HandleReadEvent demultiplexes every ready packet to its peer's worker
// and, unlike the old per-peer-goroutine design, decodes and dispatches
// it into the Application right here, on the multiplexer's own thread.
func (d *transportWorkerDispatcher) HandleReadEvent() bool {
	for {
		n, from, err := d.sock.readFrom(d.readScratch)
		if n > 0 {
			d.msink.IncrCounter(MetricTransportReadBytes, float32(n))
			pkt := append([]byte(nil), d.readScratch[:n]...)
			d.deliver(from, pkt)
		}
		if err != nil {
			if isWouldBlock(err) {
				return true
			}
			d.logger.Warn("udp backend: read failed", LabelError.L(err))
			return true
		}
		if n == 0 {
			return true
		}
	}
}

func (d *transportWorkerDispatcher) deliver(from unix.Sockaddr, pkt []byte) {
	w, isNew := d.workerFor(peerKeyFromSockaddr(from), from)
	if isNew {
		if err := w.app.Init(w); err != nil {
			d.logger.Warn("udp backend: init failed", LabelError.L(err))
			return
		}
	}
	// Init and HandleData queue frames (our handshake, a resolve response)
	// on the worker; arm write interest so the next pump flushes them.
	defer func() {
		if !w.closed.Load() && w.hasPendingWork() {
			d.wake()
		}
	}()
	header, payload, err := decodeOneDatagram(w.app, pkt)
	if err != nil {
		d.logger.Warn("udp backend: framing error", LabelError.L(err))
		d.msink.IncrCounter(MetricTransportReadErrors, 1)
		return
	}
	if err := w.app.HandleData(w, header, payload); err != nil {
		w.teardown(err)
	}
}

func (d *transportWorkerDispatcher) workerFor(key peerKey, addr unix.Sockaddr) (w *udpWorker, isNew bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if w, ok := d.workers[key]; ok {
		return w, false
	}
	baspApp := NewBASPApplication(NodeIDFromLocator(d.cfg.thisNode), d.runtime, d.paths, d.registry, true, d.logger)
	var app Application = baspApp
	w = newUDPWorker(key, addr, d, app)
	if tb, ok := app.(timerBinder); ok {
		tb.BindTimerSource(w)
	}
	if pb, ok := app.(peerBinder); ok {
		pb.BindPeer(w)
	}
	baspApp.OnHandshakeComplete(func(node NodeID) {
		w.setNode(node)
		if d.onPeer != nil {
			d.onPeer(node, w)
		}
	})
	d.workers[key] = w
	return w, true
}

// HandleWriteEvent pumps every worker that has queued control or outbound
// work. Unlike EndpointManager, one fd is shared by every peer, so a
// single write-ready wakeup drains every worker's inbox rather than just
// one connection's.
func (d *transportWorkerDispatcher) HandleWriteEvent() bool {
	d.mu.Lock()
	workers := make([]*udpWorker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	pending := false
	for _, w := range workers {
		w.pump()
		if w.hasPendingWork() {
			pending = true
		}
	}
	if pending {
		d.mux.Register(d, opAddWrite)
	} else {
		d.mux.Register(d, opClearWrite)
	}
	return true
}

func (d *transportWorkerDispatcher) HandleError(err error) {
	d.logger.Error("udp backend: socket error", LabelError.L(err))
	d.mu.Lock()
	workers := make([]*udpWorker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()
	for _, w := range workers {
		w.teardown(err)
	}
}

func (d *transportWorkerDispatcher) dial(loc Locator) (Peer, error) {
	raddr := &net.UDPAddr{IP: net.ParseIP(loc.Host), Port: loc.Port}
	sa, err := sockaddrFromUDPAddr(raddr)
	if err != nil {
		return nil, err
	}
	key := peerKeyFromSockaddr(sa)

	d.mu.Lock()
	if w, ok := d.workers[key]; ok {
		d.mu.Unlock()
		return w, nil
	}
	var app Application = NewBASPApplication(NodeIDFromLocator(d.cfg.thisNode), d.runtime, d.paths, d.registry, true, d.logger)
	w := newUDPWorker(key, sa, d, app)
	w.setNode(NodeIDFromLocator(loc))
	if tb, ok := app.(timerBinder); ok {
		tb.BindTimerSource(w)
	}
	if pb, ok := app.(peerBinder); ok {
		pb.BindPeer(w)
	}
	d.workers[key] = w
	d.mu.Unlock()

	// Init sends the handshake frame, which is a write; route it through
	// the control inbox rather than calling app.Init directly here, since
	// dial runs on whatever goroutine Network.peerFor was called from, not
	// the multiplexer's.
	if err := w.enqueueControl(controlEvent{kind: controlInit}); err != nil {
		return nil, err
	}
	return w, nil
}

func (d *transportWorkerDispatcher) Close() error {
	if d.sock != nil {
		return d.sock.Close()
	}
	return nil
}

// udpWorker is the per-peer-address analogue of EndpointManager for the
// udp backend: it owns one baspApplication's control/outbound-message
// inboxes and DRR arbiter, but unlike EndpointManager it is not itself
// registered with the Multiplexer — transportWorkerDispatcher owns the
// one shared socket's fd and drives every worker's pump from its own
// HandleReadEvent/HandleWriteEvent.
type udpWorker struct {
	key  peerKey
	addr unix.Sockaddr

	dispatcher *transportWorkerDispatcher

	mu   sync.RWMutex
	node NodeID

	app Application

	control  *inbox[controlEvent]
	messages *inbox[*OutboundMessage]
	arbiter  *drrArbiter[controlEvent, *OutboundMessage]

	writes frameWriteQueue

	closed atomic.Bool
}

func newUDPWorker(key peerKey, addr unix.Sockaddr, d *transportWorkerDispatcher, app Application) *udpWorker {
	return &udpWorker{
		key: key, addr: addr, dispatcher: d, app: app,
		control:  newInbox[controlEvent](),
		messages: newInbox[*OutboundMessage](),
		arbiter:  newDRRArbiter[controlEvent, *OutboundMessage](8, 64*1024),
	}
}

func (w *udpWorker) setNode(n NodeID) {
	w.mu.Lock()
	w.node = n
	w.mu.Unlock()
}

func (w *udpWorker) Node() NodeID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.node
}

// EnqueueMessage implements Peer. Safe from any goroutine; the message is
// actually serialized and written on the multiplexer's own goroutine.
func (w *udpWorker) EnqueueMessage(msg *OutboundMessage) error {
	if w.closed.Load() {
		return ErrShuttingDown
	}
	wasEmpty, ok := w.messages.tryEnqueue(msg)
	if !ok {
		return ErrQueueClosed
	}
	if wasEmpty {
		w.dispatcher.wake()
	}
	return nil
}

// Resolve implements Peer. Safe from any goroutine.
func (w *udpWorker) Resolve(path string, listener ResolveListener) error {
	return w.enqueueControl(controlEvent{kind: controlResolve, path: path, listener: listener})
}

func (w *udpWorker) SetTimeout(deadline time.Time, tag string, payload any) uint64 {
	return w.dispatcher.timers.setTimeout(w, deadline, tag, payload)
}

func (w *udpWorker) CancelTimeout(tag string, id uint64) {
	w.dispatcher.timers.cancelTimeout(tag, id)
}

// enqueueControl implements controlSink for the shared timerWheel, and
// backs Resolve and the dialer's deferred Init above.
func (w *udpWorker) enqueueControl(ev controlEvent) error {
	if w.closed.Load() {
		return ErrShuttingDown
	}
	wasEmpty, ok := w.control.tryEnqueue(ev)
	if !ok {
		return ErrQueueClosed
	}
	if wasEmpty {
		w.dispatcher.wake()
	}
	return nil
}

func (w *udpWorker) hasPendingWork() bool {
	return w.writes.hasPending() || w.control.len() > 0 || w.messages.len() > 0
}

// pump flushes whatever datagrams are already queued, then, only if that
// fully drained, runs one DRR round over this worker's two inboxes. Only
// ever called from the multiplexer's own goroutine.
//
// Flushing first matters: a sendto that would-blocks must leave its frame
// at the head of writes for the next pump rather than being abandoned, and
// DRR must not pull a new message off the inbox (which would serialize a
// fresh BASP sequence number) while an earlier one is still waiting to go
// out, or the skipped sequence number leaves a permanent gap in the peer's
// reorder buffer.
func (w *udpWorker) pump() {
	blocked, err := w.flushWrites()
	if err != nil {
		w.dispatcher.msink.IncrCounter(MetricTransportWriteErrors, 1)
		w.teardown(err)
		return
	}
	if blocked {
		return
	}
	w.arbiter.round(w.control, w.messages, w.consumeControl, w.consumeMessage)
}

// flushWrites drains whatever is queued in writes over the shared socket,
// addressed to this worker's peer. A transient EAGAIN/EWOULDBLOCK from
// sendto leaves the head of the queue in place for the next pump instead
// of propagating as a fatal error, mirroring datagramTransport.FlushWrites.
func (w *udpWorker) flushWrites() (blocked bool, err error) {
	return w.writes.drain(func(buf []byte) (int, error) {
		if werr := w.dispatcher.sock.writeTo(buf, w.addr); werr != nil {
			return 0, werr
		}
		return len(buf), nil
	})
}

func (w *udpWorker) consumeControl(ev controlEvent) bool {
	switch ev.kind {
	case controlInit:
		if err := w.app.Init(w); err != nil {
			w.dispatcher.logger.Warn("udp worker: init failed", LabelError.L(err))
			w.teardown(err)
		}
	case controlResolve:
		if err := w.app.Resolve(w, ev.path, ev.listener); err != nil {
			ev.listener.OnError(err)
		}
	case controlTimeout:
		if err := w.app.Timeout(w, ev.tag, ev.payload); err != nil {
			w.dispatcher.logger.Warn("udp worker: timeout handler failed", LabelNode.L(string(w.Node())), LabelError.L(err))
		}
	}
	return true
}

func (w *udpWorker) consumeMessage(msg *OutboundMessage) bool {
	if err := w.app.WriteMessage(w, msg); err != nil {
		w.teardown(err)
	}
	return true
}

// teardown runs once: tells the Application the peer is gone and notifies
// any resolve listener still sitting in the control inbox, mirroring
// EndpointManager.teardown.
func (w *udpWorker) teardown(err error) {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	w.app.HandleError(err)
	for _, ev := range w.control.closeDrain() {
		if ev.kind == controlResolve {
			ev.listener.OnError(err)
		}
	}
	w.messages.closeDrain()
}

// WritePacket implements packetWriter by queuing the frame for this
// worker's writes queue rather than calling sendto synchronously — pump
// is what actually puts it on the wire, retrying through flushWrites if
// the socket isn't ready. Only ever called from the multiplexer's own
// goroutine.
func (w *udpWorker) WritePacket(header, payload []byte) error {
	w.writes.push(header, payload)
	w.dispatcher.msink.IncrCounter(MetricTransportWriteBytes, float32(len(header)+len(payload)))
	return nil
}

func (w *udpWorker) NextHeaderBuffer() []byte  { return w.dispatcher.pools.NextHeaderBuffer() }
func (w *udpWorker) NextPayloadBuffer() []byte { return w.dispatcher.pools.NextPayloadBuffer() }

func sockaddrFromUDPAddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		var sa unix.SockaddrInet4
		sa.Port = addr.Port
		copy(sa.Addr[:], ip4)
		return &sa, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, wrapf(ErrRuntimeError, "udp backend: invalid address %s", addr)
	}
	var sa unix.SockaddrInet6
	sa.Port = addr.Port
	copy(sa.Addr[:], ip6)
	return &sa, nil
}
