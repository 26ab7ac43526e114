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

// newUDPBackendPair wires two udpBackend instances to a shared, actually
// running Multiplexer and two real loopback UDP sockets, the same way
// newTestBackendPair wires two testBackend instances, so the
// transportWorkerDispatcher's peerKey demultiplexing runs against real
// kernel sockets end to end.
func newUDPBackendPair(t *testing.T) (a, b *udpBackend, locA, locB Locator, onPeerA, onPeerB chan struct {
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

	locA, err = ParseLocator("udp://127.0.0.1:19101")
	require.NoError(t, err)
	locB, err = ParseLocator("udp://127.0.0.1:19102")
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
	cfgA.udpPort = locA.Port
	cfgB := defaultConfig()
	cfgB.thisNode = locB
	cfgB.udpPort = locB.Port

	runtimeA := &recordingRuntime{}
	runtimeB := &recordingRuntime{}

	a = newUDPBackend(cfgA, mux, timers, pools, runtimeA, fakePaths{}, registry, logger, msink, func(node NodeID, peer Peer) {
		onPeerA <- struct {
			node NodeID
			peer Peer
		}{node, peer}
	})
	b = newUDPBackend(cfgB, mux, timers, pools, runtimeB, fakePaths{}, registry, logger, msink, func(node NodeID, peer Peer) {
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

func TestUDPBackend_DialEstablishesHandshakeBothWays(t *testing.T) {
	a, _, locA, locB, onPeerA, onPeerB := newUDPBackendPair(t)

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
		t.Fatal("a dialed b; a's own onPeer must only fire for inbound peers")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUDPBackend_MessageRoundTripsThroughRealMultiplexer(t *testing.T) {
	a, b, _, locB, _, onPeerB := newUDPBackendPair(t)

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

	runtimeB := b.dispatcher.runtime.(*recordingRuntime)
	require.Eventually(t, func() bool {
		return len(runtimeB.delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := runtimeB.delivered[0]
	require.Equal(t, ActorID(7), got.sender)
	require.Equal(t, ActorID(9), got.receiver)
	require.Equal(t, []byte("ping"), got.payload)

	// The reply direction exercises a second peerKey sharing b's socket.
	reply := &OutboundMessage{Sender: 9, Receiver: 7, Op: OpMessage, Body: RawActorMessage("pong")}
	require.NoError(t, peerFromB.EnqueueMessage(reply))

	runtimeA := a.dispatcher.runtime.(*recordingRuntime)
	require.Eventually(t, func() bool {
		return len(runtimeA.delivered) == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, []byte("pong"), runtimeA.delivered[0].payload)
}

func TestUDPBackend_DialReturnsSameWorkerForRepeatedCalls(t *testing.T) {
	a, _, _, locB, _, onPeerB := newUDPBackendPair(t)

	p1, err := a.Dial(context.Background(), locB)
	require.NoError(t, err)
	p2, err := a.Dial(context.Background(), locB)
	require.NoError(t, err)
	require.Same(t, p1, p2)

	select {
	case <-onPeerB:
	case <-time.After(2 * time.Second):
		t.Fatal("b never observed a's handshake")
	}
}
