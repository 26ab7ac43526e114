//go:build unix

package meridian

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// testBackend is the loopback backend spec.md §4.6 names: "a test backend
// provides a pair of sockets per peer to drive unit tests without kernel
// sockets". Dial never touches the network; instead it looks the target
// locator up in a process-wide directory of running testBackend instances
// and hands it one end of a newSocketPair connection directly, the way
// tcpBackend hands an accepted net.Conn to adopt. The other end is wired up
// through the same Transport/Application pipeline, so a test exercising
// "test://" locators still runs the real BASP/EndpointManager machinery.
type testBackend struct {
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

	addr string

	mu     sync.Mutex
	closed bool
}

var testBackendDirectory = struct {
	mu     sync.Mutex
	byAddr map[string]*testBackend
}{byAddr: make(map[string]*testBackend)}

func newTestBackend(cfg config, mux *Multiplexer, timers *timerWheel, pools *bufferPools, runtime ActorRuntime, paths PathRegistry, registry *ProxyRegistry, logger *slog.Logger, msink metrics.MetricSink, onPeer onPeerFunc) *testBackend {
	return &testBackend{
		cfg: cfg, mux: mux, timers: timers, pools: pools,
		runtime: runtime, paths: paths, registry: registry,
		logger: logger, msink: msink, onPeer: onPeer,
	}
}

func (b *testBackend) Scheme() string { return "test" }

// Start registers this backend under its own node's address instead of
// binding a socket, so a peer's Dial can find it later.
func (b *testBackend) Start(ctx context.Context) error {
	b.addr = fmt.Sprintf("%s:%d", b.cfg.thisNode.Host, b.cfg.tcpPort)
	testBackendDirectory.mu.Lock()
	testBackendDirectory.byAddr[b.addr] = b
	testBackendDirectory.mu.Unlock()
	return nil
}

func (b *testBackend) Dial(ctx context.Context, loc Locator) (Peer, error) {
	addr := fmt.Sprintf("%s:%d", loc.Host, loc.Port)
	testBackendDirectory.mu.Lock()
	target, ok := testBackendDirectory.byAddr[addr]
	testBackendDirectory.mu.Unlock()
	if !ok {
		return nil, wrapf(ErrRuntimeError, "test backend: no peer registered at %s", addr)
	}

	local, remote, err := newSocketPair()
	if err != nil {
		return nil, err
	}

	if err := target.acceptSocket(remote); err != nil {
		_ = local.Close()
		_ = remote.Close()
		return nil, err
	}

	em, err := b.adopt(local, NodeIDFromLocator(loc))
	if err != nil {
		_ = local.Close()
		return nil, err
	}
	return em, nil
}

// acceptSocket is the inbound half of Dial, run on the dialing peer's
// behalf against the target backend: it mirrors tcpBackend.acceptLoop's
// per-connection adopt, except the "accept" is a direct handoff instead of
// a listener wakeup.
func (b *testBackend) acceptSocket(sock *socket) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrShuttingDown
	}
	_, err := b.adopt(sock, "")
	return err
}

// adopt wraps sock in an EndpointManager, exactly as tcpBackend.adopt
// does: a non-empty knownNode is the dial side, returned directly; an
// empty one is the accept side, whose identity only exists once its
// handshake completes, so it is handed to Network asynchronously.
func (b *testBackend) adopt(sock *socket, knownNode NodeID) (*EndpointManager, error) {
	app := NewBASPApplication(NodeIDFromLocator(b.cfg.thisNode), b.runtime, b.paths, b.registry, true, b.logger)
	var em *EndpointManager
	if knownNode == "" {
		app.OnHandshakeComplete(func(node NodeID) {
			if b.onPeer != nil {
				b.onPeer(node, em)
			}
		})
	}

	var err error
	em, err = NewEndpointManager(NodeIDFromLocator(b.cfg.thisNode), sock, newStreamTransport(), app, b.pools, b.mux, b.timers, b.logger, b.msink)
	if err != nil {
		return nil, err
	}
	return em, nil
}

func (b *testBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	testBackendDirectory.mu.Lock()
	if testBackendDirectory.byAddr[b.addr] == b {
		delete(testBackendDirectory.byAddr, b.addr)
	}
	testBackendDirectory.mu.Unlock()
	return nil
}
