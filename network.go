package meridian

import (
	"context"
	"log/slog"
	"os"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// Network is the top-level handle spec.md §2 describes: it owns the
// Multiplexer, the per-scheme Backends, and the table of live Peers, and
// is the single point through which the actor runtime sends messages and
// resolves remote actors.
type Network struct {
	cfg config

	logger *slog.Logger
	msink  metrics.MetricSink

	mux      *Multiplexer
	timers   *timerWheel
	pools    *bufferPools
	registry *ProxyRegistry

	runtime ActorRuntime
	paths   PathRegistry

	backends map[string]Backend

	mu    sync.RWMutex
	peers map[NodeID]Peer

	membership *membership

	muxDone chan struct{}
}

// Create builds a Network from options, starts every configured
// backend, and (unless WithManualMultiplexing) spawns the goroutine that
// drives the Multiplexer's Run loop.
func Create(runtime ActorRuntime, paths PathRegistry, opts ...Option) (*Network, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.thisNode.Host == "" {
		return nil, wrapf(ErrInvalidLocator, "network: WithThisNode is required")
	}
	if cfg.quicCertDir == "" {
		cfg.quicCertDir = os.Getenv("MERIDIAN_CERT_DIR")
	}

	var logger *slog.Logger
	if cfg.logHandler != nil {
		logger = slog.New(cfg.logHandler)
	} else {
		logger = slog.Default()
	}
	msink := metricSinkOrDefault(cfg.metricSink)

	mux, err := NewMultiplexer(logger, msink)
	if err != nil {
		return nil, err
	}

	n := &Network{
		cfg:      cfg,
		logger:   logger,
		msink:    msink,
		mux:      mux,
		timers:   newTimerWheel(),
		pools:    newBufferPools(cfg),
		registry: NewProxyRegistry(msink),
		runtime:  runtime,
		paths:    paths,
		backends: make(map[string]Backend),
		peers:    make(map[NodeID]Peer),
		muxDone:  make(chan struct{}),
	}

	onPeer := n.adoptPeer

	tcp := newTCPBackend(cfg, mux, n.timers, n.pools, runtime, paths, n.registry, logger, msink, onPeer)
	udp := newUDPBackend(cfg, mux, n.timers, n.pools, runtime, paths, n.registry, logger, msink, onPeer)
	n.backends["tcp"] = tcp
	n.backends["udp"] = udp
	n.backends["test"] = newTestBackend(cfg, mux, n.timers, n.pools, runtime, paths, n.registry, logger, msink, onPeer)

	if cfg.tlsConfig != nil || cfg.quicCertDir != "" {
		n.backends["quic"] = newQUICBackend(cfg, n.pools, n.timers, runtime, paths, n.registry, logger, msink, onPeer)
	}

	ctx := context.Background()
	for scheme, backend := range n.backends {
		if err := backend.Start(ctx); err != nil {
			return nil, wrapf(ErrRuntimeError, "network: starting %s backend: %v", scheme, err)
		}
	}

	if cfg.clusterEnabled {
		m, err := newMembership(cfg, n.registry, logger, msink)
		if err != nil {
			return nil, err
		}
		n.membership = m
	}

	if !cfg.manualMultiplexing {
		go func() {
			defer close(n.muxDone)
			mux.Run()
		}()
	}

	return n, nil
}

// adoptPeer registers an inbound Peer under its negotiated NodeID, once
// its handshake has completed. Called from whichever goroutine the
// owning Backend runs its handshake on.
func (n *Network) adoptPeer(node NodeID, peer Peer) {
	n.mu.Lock()
	n.peers[node] = peer
	n.mu.Unlock()
	n.logger.Info("network: peer connected", LabelNode.L(string(node)))
}

// Driver exposes the Multiplexer's Run loop for callers that opted into
// WithManualMultiplexing and want to drive it from their own thread.
func (n *Network) Driver() func() {
	return n.mux.Run
}

// peerFor returns the already-connected Peer for loc's node, dialing one
// through the matching Backend if none exists yet. loc may be a bare
// node name (Scheme and Port empty, Host holding the name registered via
// WithCluster's cluster-node-name) in which case membership.go's gossip
// view is consulted to fill in the real scheme/host/port before dialing.
func (n *Network) peerFor(ctx context.Context, loc Locator) (Peer, error) {
	if loc.Scheme == "" {
		if n.membership == nil {
			return nil, wrapf(ErrInvalidLocator, "network: %q is a bare node name but clustering is disabled", loc.Host)
		}
		resolved, ok := n.membership.Lookup(loc.Host)
		if !ok {
			return nil, wrapf(ErrInvalidLocator, "network: no cluster member named %q", loc.Host)
		}
		resolved.Path = loc.Path
		loc = resolved
	}

	node := NodeIDFromLocator(loc)

	n.mu.RLock()
	peer, ok := n.peers[node]
	n.mu.RUnlock()
	if ok {
		return peer, nil
	}

	backend, ok := n.backends[loc.Scheme]
	if !ok {
		return nil, wrapf(ErrInvalidScheme, "%s", loc.Scheme)
	}

	peer, err := backend.Dial(ctx, loc)
	if err != nil {
		return nil, err
	}

	n.mu.Lock()
	n.peers[node] = peer
	n.mu.Unlock()
	return peer, nil
}

// Send resolves (dialing if necessary) the peer owning dest and enqueues
// msg on its outbound inbox.
func (n *Network) Send(ctx context.Context, dest Locator, msg *OutboundMessage) error {
	peer, err := n.peerFor(ctx, dest)
	if err != nil {
		return err
	}
	return peer.EnqueueMessage(msg)
}

// Resolve asks dest's node to resolve a path to an actor id, notifying
// listener of the outcome.
func (n *Network) Resolve(ctx context.Context, dest Locator, listener ResolveListener) error {
	peer, err := n.peerFor(ctx, dest)
	if err != nil {
		listener.OnError(err)
		return err
	}
	return peer.Resolve(dest.Path, listener)
}

// Proxies exposes the registry for callers that already know a
// (node, actor) pair and just want the shared Proxy for it.
func (n *Network) Proxies() *ProxyRegistry { return n.registry }

// MakeProxy constructs (or returns the existing) Proxy for actor on
// node's node, dialing a connection through the Backend for node's
// scheme if one doesn't exist yet (spec.md §4.6 "make_proxy(node, id)
// constructs a proxy bound to this backend").
func (n *Network) MakeProxy(ctx context.Context, node Locator, actor ActorID) (*Proxy, error) {
	peer, err := n.peerFor(ctx, node)
	if err != nil {
		return nil, err
	}
	return n.registry.GetOrMake(NodeIDFromLocator(node), actor, peer, nil), nil
}

// Shutdown closes every backend, the membership layer and the timer
// wheel, then stops the Multiplexer, which fails every registered
// manager with ErrShuttingDown. Queued writes are dropped, not flushed;
// cfg.drainTimeout is not read.
func (n *Network) Shutdown() error {
	for _, backend := range n.backends {
		_ = backend.Close()
	}
	if n.membership != nil {
		_ = n.membership.Shutdown()
	}
	n.timers.stop()
	n.mux.Shutdown()
	if !n.cfg.manualMultiplexing {
		<-n.muxDone
	}
	return nil
}
