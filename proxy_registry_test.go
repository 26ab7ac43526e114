package meridian

import (
	"testing"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *ProxyRegistry {
	return NewProxyRegistry(&metrics.BlackholeSink{})
}

func TestProxyRegistry_GetOrMakeIsIdempotent(t *testing.T) {
	r := newTestRegistry()
	p1 := r.GetOrMake("node-a", 1, nil, []string{"Greeter"})
	p2 := r.GetOrMake("node-a", 1, nil, nil)
	require.Same(t, p1, p2)
	require.Equal(t, []string{"Greeter"}, p2.Interfaces())
}

func TestProxyRegistry_GetOrMakeUpdatesInterfaces(t *testing.T) {
	r := newTestRegistry()
	p := r.GetOrMake("node-a", 1, nil, nil)
	require.Empty(t, p.Interfaces())
	r.GetOrMake("node-a", 1, nil, []string{"Greeter", "Closer"})
	require.Equal(t, []string{"Greeter", "Closer"}, p.Interfaces())
}

func TestProxyRegistry_Lookup(t *testing.T) {
	r := newTestRegistry()
	_, ok := r.Lookup("node-a", 1)
	require.False(t, ok)

	r.GetOrMake("node-a", 1, nil, nil)
	_, ok = r.Lookup("node-a", 1)
	require.True(t, ok)
}

func TestProxyRegistry_Erase(t *testing.T) {
	r := newTestRegistry()
	r.GetOrMake("node-a", 1, nil, nil)
	r.Erase("node-a", 1)
	_, ok := r.Lookup("node-a", 1)
	require.False(t, ok)
}

func TestProxyRegistry_EraseAllDropsOnlyThatNode(t *testing.T) {
	r := newTestRegistry()
	r.GetOrMake("node-a", 1, nil, nil)
	r.GetOrMake("node-a", 2, nil, nil)
	r.GetOrMake("node-b", 1, nil, nil)

	dropped := r.EraseAll("node-a")
	require.Equal(t, 2, dropped)
	require.Equal(t, 1, r.Len())

	_, ok := r.Lookup("node-b", 1)
	require.True(t, ok)
}

func TestProxyKey_DistinguishesPrefixCollisions(t *testing.T) {
	// "node-a" and "node-ab" must not share a proxyKey prefix even though
	// one is a string prefix of the other.
	require.NotEqual(t, proxyKey("node-a", 12), proxyKey("node-ab", 1))
}

type fakePeer struct {
	enqueued []*OutboundMessage
}

func (f *fakePeer) EnqueueMessage(msg *OutboundMessage) error {
	f.enqueued = append(f.enqueued, msg)
	return nil
}

func (f *fakePeer) Resolve(path string, listener ResolveListener) error { return nil }

func TestProxy_SendForwardsIntoOwningPeerAndStampsReceiver(t *testing.T) {
	r := newTestRegistry()
	peer := &fakePeer{}
	p := r.GetOrMake("node-a", 42, peer, nil)

	msg := &OutboundMessage{Sender: 1, Receiver: 999, Op: OpMessage, Body: RawActorMessage("hi")}
	require.NoError(t, p.Send(msg))

	require.Len(t, peer.enqueued, 1)
	require.Equal(t, ActorID(42), peer.enqueued[0].Receiver, "Send must stamp the proxy's own actor id")
}
