package meridian

import (
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
)

// timerSource is the narrow capability an EndpointManager lends an
// Application so it can schedule its own control-plane timeouts (e.g. a
// resolve request's 30-second deadline) without depending on the
// EndpointManager type itself.
type timerSource interface {
	SetTimeout(deadline time.Time, tag string, payload any) uint64
}

// BASPOp is a frame operation code (spec.md §4.4).
type BASPOp uint8

const (
	OpMessage BASPOp = iota
	OpHeartbeat
	OpResolveRequest
	OpResolveResponse
	OpMonitor
	OpDown
)

// HandshakeCapabilities is a bitset exchanged during the handshake
// (SPEC_FULL.md §3.1).
type HandshakeCapabilities uint32

const (
	CapReliable HandshakeCapabilities = 1 << 0
	CapMonitor  HandshakeCapabilities = 1 << 1
)

const (
	baspMagic          uint32 = 0xBA53_0001
	handshakeHeaderSize       = 16 // magic(4) + version-major(4) + capabilities(4) + nodeIDLen(4)
	frameHeaderSize           = 1 + 8 + 8 + 4
	orderingPreambleSize      = 2
)

// protocolVersion is the local implementation's BASP version. Only its
// major number travels in the handshake, and protocolVersionCompatible
// accepts a peer whose major number equals ours rather than requiring
// byte-for-byte equality, so patch/minor upgrades can roll out without a
// flag day.
var protocolVersion = semver.MustParse("1.0.0")

type baspState uint8

const (
	baspAwaitingMagic baspState = iota
	baspAwaitingHandshake
	baspRunning
	baspShutdown
)

// baspApplication is the default Application (spec.md §4.4): a small
// binary wire protocol between nodes, little-endian, with an optional
// per-frame sequencing layer for ordered delivery.
type baspApplication struct {
	logger *slog.Logger

	localNode  NodeID
	localCaps  HandshakeCapabilities
	peerNode   NodeID
	peerCaps   HandshakeCapabilities

	state atomic.Uint32 // baspState

	orderingEnabled bool
	reorder         *reorderBuffer

	runtime  ActorRuntime
	registry *ProxyRegistry
	paths    PathRegistry

	pendingMu sync.Mutex
	pending   map[uint32]ResolveListener
	nextReqID atomic.Uint32

	timers timerSource
	peer   Peer

	onHandshake func(NodeID)
}

// BindTimerSource gives the application a way to schedule its own
// timeouts. The owning EndpointManager calls this once, right after
// construction, before Init.
func (b *baspApplication) BindTimerSource(ts timerSource) {
	b.timers = ts
}

// BindPeer gives the application a reference to the Peer it rides on, so
// a resolve response can hand the proxy registry the endpoint a returned
// Proxy should forward through (spec.md §4.5 "bound to the endpoint
// manager for that node"). The owning EndpointManager/quicPeer/udpWorker
// calls this once, right after construction, before Init.
func (b *baspApplication) BindPeer(p Peer) {
	b.peer = p
}

// OnHandshakeComplete registers a callback fired once, when the peer's
// identity becomes known. Backends use this to learn which NodeID an
// inbound connection belongs to, since that isn't known until the first
// frame arrives.
func (b *baspApplication) OnHandshakeComplete(fn func(NodeID)) {
	b.onHandshake = fn
}

// NewBASPApplication constructs the default application for one peer
// connection. runtime/paths/registry are the out-of-scope collaborators
// (spec.md §1) this layer hands inbound work to and asks questions of.
func NewBASPApplication(localNode NodeID, runtime ActorRuntime, paths PathRegistry, registry *ProxyRegistry, ordering bool, logger *slog.Logger) *baspApplication {
	if logger == nil {
		logger = slog.Default()
	}
	caps := HandshakeCapabilities(0)
	if ordering {
		caps |= CapReliable
	}
	b := &baspApplication{
		logger:          logger,
		localNode:       localNode,
		localCaps:       caps,
		orderingEnabled: ordering,
		runtime:         runtime,
		registry:        registry,
		paths:           paths,
		pending:         make(map[uint32]ResolveListener),
	}
	if ordering {
		b.reorder = newReorderBuffer()
	}
	return b
}

func (b *baspApplication) getState() baspState { return baspState(b.state.Load()) }
func (b *baspApplication) setState(s baspState) { b.state.Store(uint32(s)) }

func (b *baspApplication) HeaderSize() int {
	if b.getState() != baspRunning {
		return handshakeHeaderSize
	}
	if b.orderingEnabled {
		return frameHeaderSize + orderingPreambleSize
	}
	return frameHeaderSize
}

// Init sends our own handshake frame (spec.md §4.4 "on connect the
// application sends its own node id and capabilities").
func (b *baspApplication) Init(w packetWriter) error {
	nodeIDBytes := []byte(b.localNode)

	header := w.NextHeaderBuffer()[:handshakeHeaderSize]
	binary.LittleEndian.PutUint32(header[0:4], baspMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(protocolVersion.Major()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(b.localCaps))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(nodeIDBytes)))

	payload := w.NextPayloadBuffer()
	if cap(payload) < len(nodeIDBytes) {
		payload = make([]byte, len(nodeIDBytes))
	}
	payload = payload[:len(nodeIDBytes)]
	copy(payload, nodeIDBytes)

	return w.WritePacket(header, payload)
}

func (b *baspApplication) HandleData(w packetWriter, header, payload []byte) error {
	switch b.getState() {
	case baspAwaitingMagic, baspAwaitingHandshake:
		return b.handleHandshake(w, header, payload)
	case baspRunning:
		return b.handleFrame(w, header, payload)
	default:
		return wrapf(ErrProtocolError, "basp: data received in shutdown state")
	}
}

func (b *baspApplication) handleHandshake(w packetWriter, header, payload []byte) error {
	magic := binary.LittleEndian.Uint32(header[0:4])
	major := binary.LittleEndian.Uint32(header[4:8])
	caps := binary.LittleEndian.Uint32(header[8:12])
	nodeIDLen := binary.LittleEndian.Uint32(header[12:16])

	if magic != baspMagic {
		b.setState(baspShutdown)
		return wrapf(ErrProtocolError, "basp: bad magic %#x", magic)
	}
	if !protocolVersionCompatible(major) {
		b.setState(baspShutdown)
		return wrapf(ErrProtocolError, "basp: incompatible protocol version %d", major)
	}
	if int(nodeIDLen) != len(payload) {
		b.setState(baspShutdown)
		return wrapf(ErrProtocolError, "basp: node id length mismatch")
	}

	b.peerNode = NodeID(payload)
	b.peerCaps = HandshakeCapabilities(caps)
	b.orderingEnabled = b.orderingEnabled && (b.peerCaps&CapReliable != 0)
	if b.orderingEnabled && b.reorder == nil {
		b.reorder = newReorderBuffer()
	}
	b.setState(baspRunning)
	b.logger.Info("basp: handshake complete", LabelNode.L(string(b.peerNode)))
	if b.onHandshake != nil {
		b.onHandshake(b.peerNode)
	}
	return nil
}

func protocolVersionCompatible(peerMajor uint32) bool {
	return uint64(peerMajor) == protocolVersion.Major()
}

func (b *baspApplication) handleFrame(w packetWriter, header, payload []byte) error {
	op := BASPOp(header[0])
	sender := ActorID(binary.LittleEndian.Uint64(header[1:9]))
	receiver := ActorID(binary.LittleEndian.Uint64(header[9:17]))
	// The payload length lives in the header's last four bytes (the
	// Transport contract in transport.go); when ordering is enabled the
	// sequence number sits just before it, at [17:19], so that invariant
	// holds regardless of HeaderSize().

	if b.orderingEnabled {
		seq := binary.LittleEndian.Uint16(header[17:19])
		ready := b.reorder.accept(seq, frameData{op: op, sender: sender, receiver: receiver, payload: append([]byte(nil), payload...)})
		for _, fd := range ready {
			b.deliver(w, fd)
		}
		return nil
	}

	switch op {
	case OpResolveRequest:
		return b.handleResolveRequest(w, sender, receiver, payload)
	case OpResolveResponse:
		return b.handleResolveResponse(payload)
	case OpDown:
		return b.handleDown(payload)
	default:
		b.deliver(w, frameData{op: op, sender: sender, receiver: receiver, payload: payload})
		return nil
	}
}

func (b *baspApplication) deliver(w packetWriter, fd frameData) {
	switch fd.op {
	case OpResolveRequest:
		_ = b.handleResolveRequest(w, fd.sender, fd.receiver, fd.payload)
	case OpResolveResponse:
		_ = b.handleResolveResponse(fd.payload)
	case OpDown:
		_ = b.handleDown(fd.payload)
	default:
		b.runtime.Deliver(b.peerNode, fd.sender, fd.receiver, fd.op, fd.payload)
	}
}

func (b *baspApplication) WriteMessage(w packetWriter, msg *OutboundMessage) error {
	body, err := msg.bytes()
	if err != nil {
		return err
	}

	header := w.NextHeaderBuffer()[:b.HeaderSize()]
	header[0] = byte(msg.Op)
	binary.LittleEndian.PutUint64(header[1:9], uint64(msg.Sender))
	binary.LittleEndian.PutUint64(header[9:17], uint64(msg.Receiver))
	if b.orderingEnabled {
		// Sequence number ahead of the length field so the length stays
		// in the header's last four bytes, per the Transport contract.
		binary.LittleEndian.PutUint16(header[17:19], b.reorder.nextOutgoing())
		binary.LittleEndian.PutUint32(header[19:23], uint32(len(body)))
	} else {
		binary.LittleEndian.PutUint32(header[17:21], uint32(len(body)))
	}
	return w.WritePacket(header, body)
}

func (b *baspApplication) HandleError(err error) {
	b.setState(baspShutdown)
	b.pendingMu.Lock()
	pending := b.pending
	b.pending = make(map[uint32]ResolveListener)
	b.pendingMu.Unlock()
	for _, listener := range pending {
		listener.OnError(err)
	}
}

type frameData struct {
	op       BASPOp
	sender   ActorID
	receiver ActorID
	payload  []byte
}
