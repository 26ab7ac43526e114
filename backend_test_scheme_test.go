//go:build unix

package meridian

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

// newTestBackendPair wires two testBackend instances to a shared,
// actually-running Multiplexer, driven by a poll(2) goroutine exactly as
// Network.Create would drive it, but without touching tcpBackend/udpBackend
// at all: this is the "pair of sockets per peer... without kernel sockets"
// unit-test path spec.md §4.6 asks for.
func newTestBackendPair(t *testing.T) (a, b *testBackend, locA, locB Locator, onPeerA, onPeerB chan struct {
	node NodeID
	peer Peer
}) {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	msink := &metrics.BlackholeSink{}
	mux, err := NewMultiplexer(logger, msink)
	require.NoError(t, err)
	go mux.Run()
	t.Cleanup(mux.Shutdown)

	timers := newTimerWheel()
	t.Cleanup(timers.stop)
	pools := newBufferPools(defaultConfig())
	registry := NewProxyRegistry(msink)

	locA, err = ParseLocator("test://127.0.0.1:19001")
	require.NoError(t, err)
	locB, err = ParseLocator("test://127.0.0.1:19002")
	require.NoError(t, err)

	onPeerA = make(chan struct {
		node NodeID
		peer Peer
	}, 1)
	onPeerB = make(chan struct {
		node NodeID
		peer Peer
	}, 1)

	cfgA := defaultConfig()
	cfgA.thisNode = locA
	cfgA.tcpPort = locA.Port
	cfgB := defaultConfig()
	cfgB.thisNode = locB
	cfgB.tcpPort = locB.Port

	runtimeA := &recordingRuntime{}
	runtimeB := &recordingRuntime{}

	a = newTestBackend(cfgA, mux, timers, pools, runtimeA, fakePaths{}, registry, logger, msink, func(node NodeID, peer Peer) {
		onPeerA <- struct {
			node NodeID
			peer Peer
		}{node, peer}
	})
	b = newTestBackend(cfgB, mux, timers, pools, runtimeB, fakePaths{}, registry, logger, msink, func(node NodeID, peer Peer) {
		onPeerB <- struct {
			node NodeID
			peer Peer
		}{node, peer}
	})

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() { _ = a.Close() })
	t.Cleanup(func() { _ = b.Close() })

	return a, b, locA, locB, onPeerA, onPeerB
}

func TestTestBackend_DialWithoutListenerFails(t *testing.T) {
	a, _, _, _, _, _ := newTestBackendPair(t)
	loc, err := ParseLocator("test://127.0.0.1:19999")
	require.NoError(t, err)
	_, err = a.Dial(context.Background(), loc)
	require.ErrorIs(t, err, ErrRuntimeError)
}

func TestTestBackend_DialEstablishesHandshakeBothWays(t *testing.T) {
	a, _, locA, locB, onPeerA, onPeerB := newTestBackendPair(t)

	peerFromA, err := a.Dial(context.Background(), locB)
	require.NoError(t, err)
	require.NotNil(t, peerFromA)

	select {
	case got := <-onPeerB:
		require.Equal(t, NodeIDFromLocator(locA), got.node)
	case <-time.After(2 * time.Second):
		t.Fatal("b never observed a's handshake")
	}

	select {
	case <-onPeerA:
		t.Fatal("a dialed b; a's own onPeer must only fire for inbound connections")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTestBackend_MessageRoundTripsThroughRealMultiplexer(t *testing.T) {
	a, b, _, locB, _, onPeerB := newTestBackendPair(t)

	peerFromA, err := a.Dial(context.Background(), locB)
	require.NoError(t, err)

	var peerFromB Peer
	select {
	case got := <-onPeerB:
		peerFromB = got.peer
	case <-time.After(2 * time.Second):
		t.Fatal("b never adopted the inbound peer")
	}
	require.NotNil(t, peerFromB)

	msg := &OutboundMessage{Sender: 7, Receiver: 9, Op: OpMessage, Body: RawActorMessage("ping")}
	require.NoError(t, peerFromA.EnqueueMessage(msg))

	runtimeB := b.runtime.(*recordingRuntime)
	require.Eventually(t, func() bool {
		return len(runtimeB.delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := runtimeB.delivered[0]
	require.Equal(t, ActorID(7), got.sender)
	require.Equal(t, ActorID(9), got.receiver)
	require.Equal(t, []byte("ping"), got.payload)
}
