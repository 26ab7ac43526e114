package meridian

import (
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// recordingWriter captures every WritePacket call so a test can feed the
// written frame straight into a peer's HandleData without a real socket.
type recordingWriter struct {
	frames [][2][]byte // header, payload
}

func (w *recordingWriter) NextHeaderBuffer() []byte  { return make([]byte, 64) }
func (w *recordingWriter) NextPayloadBuffer() []byte { return make([]byte, 256) }
func (w *recordingWriter) WritePacket(header, payload []byte) error {
	h := append([]byte(nil), header...)
	p := append([]byte(nil), payload...)
	w.frames = append(w.frames, [2][]byte{h, p})
	return nil
}

func (w *recordingWriter) last() (header, payload []byte) {
	f := w.frames[len(w.frames)-1]
	return f[0], f[1]
}

type recordingRuntime struct {
	delivered []deliveredMsg
}

type deliveredMsg struct {
	from     NodeID
	sender   ActorID
	receiver ActorID
	op       BASPOp
	payload  []byte
}

func (r *recordingRuntime) Deliver(from NodeID, sender, receiver ActorID, op BASPOp, payload []byte) {
	r.delivered = append(r.delivered, deliveredMsg{from, sender, receiver, op, append([]byte(nil), payload...)})
}

type fakePaths map[string]struct {
	actor      ActorID
	interfaces []string
}

func (p fakePaths) Lookup(path string) (ActorID, []string, bool) {
	rec, ok := p[path]
	return rec.actor, rec.interfaces, ok
}

type fakeListener struct {
	resolved *Proxy
	err      error
}

func (l *fakeListener) OnResolved(p *Proxy) { l.resolved = p }
func (l *fakeListener) OnError(err error)   { l.err = err }

func deliverHandshake(t *testing.T, from, to *baspApplication, w *recordingWriter) {
	t.Helper()
	require.NoError(t, from.Init(w))
	header, payload := w.last()
	require.NoError(t, to.HandleData(w, header, payload))
}

func TestBASP_HandshakeExchangesNodeIDAndCaps(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	a := NewBASPApplication("node-a", &recordingRuntime{}, fakePaths{}, registry, true, nil)
	b := NewBASPApplication("node-b", &recordingRuntime{}, fakePaths{}, registry, true, nil)

	w := &recordingWriter{}
	deliverHandshake(t, a, b, w)

	require.Equal(t, baspRunning, b.getState())
	require.Equal(t, NodeID("node-a"), b.peerNode)
	require.True(t, b.orderingEnabled)
}

func TestBASP_HandshakeRejectsBadMagic(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	b := NewBASPApplication("node-b", &recordingRuntime{}, fakePaths{}, registry, true, nil)

	w := &recordingWriter{}
	header := make([]byte, handshakeHeaderSize)
	err := b.HandleData(w, header, nil)
	require.ErrorIs(t, err, ErrProtocolError)
	require.Equal(t, baspShutdown, b.getState())
}

func TestBASP_HandshakeFallsBackToUnorderedWhenPeerLacksCapReliable(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	a := NewBASPApplication("node-a", &recordingRuntime{}, fakePaths{}, registry, false, nil)
	b := NewBASPApplication("node-b", &recordingRuntime{}, fakePaths{}, registry, true, nil)

	w := &recordingWriter{}
	deliverHandshake(t, a, b, w)

	require.False(t, b.orderingEnabled, "b must not order frames a peer that never advertised CapReliable")
}

func TestBASP_MessageRoundTripDelivers(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	runtimeA := &recordingRuntime{}
	runtimeB := &recordingRuntime{}
	a := NewBASPApplication("node-a", runtimeA, fakePaths{}, registry, true, nil)
	b := NewBASPApplication("node-b", runtimeB, fakePaths{}, registry, true, nil)

	w := &recordingWriter{}
	deliverHandshake(t, a, b, w)
	w2 := &recordingWriter{}
	deliverHandshake(t, b, a, w2)

	msg := &OutboundMessage{Sender: 1, Receiver: 2, Op: OpMessage, Body: RawActorMessage("hello")}
	require.NoError(t, a.WriteMessage(w, msg))
	header, payload := w.last()
	require.NoError(t, b.HandleData(w, header, payload))

	require.Len(t, runtimeB.delivered, 1)
	got := runtimeB.delivered[0]
	require.Equal(t, NodeID("node-a"), got.from)
	require.Equal(t, ActorID(1), got.sender)
	require.Equal(t, ActorID(2), got.receiver)
	require.Equal(t, []byte("hello"), got.payload)
}

func TestBASP_ResolveRequestRespondsWithLocalActor(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	paths := fakePaths{"greeter": {actor: 42, interfaces: []string{"Greeter"}}}

	requester := NewBASPApplication("node-a", &recordingRuntime{}, fakePaths{}, registry, false, nil)
	responder := NewBASPApplication("node-b", &recordingRuntime{}, paths, registry, false, nil)

	w := &recordingWriter{}
	deliverHandshake(t, requester, responder, w)
	w2 := &recordingWriter{}
	deliverHandshake(t, responder, requester, w2)

	listener := &fakeListener{}
	require.NoError(t, requester.Resolve(w, "greeter", listener))
	header, payload := w.last()

	respW := &recordingWriter{}
	require.NoError(t, responder.HandleData(respW, header, payload))
	respHeader, respPayload := respW.last()

	require.NoError(t, requester.HandleData(w, respHeader, respPayload))
	require.Nil(t, listener.err)
	require.NotNil(t, listener.resolved)
	require.Equal(t, ActorID(42), listener.resolved.ID)
}

func TestBASP_ResolveRequestReportsNotFound(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	requester := NewBASPApplication("node-a", &recordingRuntime{}, fakePaths{}, registry, false, nil)
	responder := NewBASPApplication("node-b", &recordingRuntime{}, fakePaths{}, registry, false, nil)

	w := &recordingWriter{}
	deliverHandshake(t, requester, responder, w)
	w2 := &recordingWriter{}
	deliverHandshake(t, responder, requester, w2)

	listener := &fakeListener{}
	require.NoError(t, requester.Resolve(w, "missing", listener))
	header, payload := w.last()

	respW := &recordingWriter{}
	require.NoError(t, responder.HandleData(respW, header, payload))
	respHeader, respPayload := respW.last()

	require.NoError(t, requester.HandleData(w, respHeader, respPayload))
	require.Error(t, listener.err)
	require.Nil(t, listener.resolved)
}

func TestBASP_HandleErrorFailsOutstandingResolves(t *testing.T) {
	registry := NewProxyRegistry(&metrics.BlackholeSink{})
	a := NewBASPApplication("node-a", &recordingRuntime{}, fakePaths{}, registry, false, nil)

	w := &recordingWriter{}
	listener := &fakeListener{}
	require.NoError(t, a.Resolve(w, "anything", listener))

	a.HandleError(ErrDisconnected)
	require.ErrorIs(t, listener.err, ErrDisconnected)
}
