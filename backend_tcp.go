//go:build unix

package meridian

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-metrics"
)

// tcpBackend is the reliable, ordered backend of spec.md §2 item 1: one
// TCP connection per peer, driven through the poll-based Multiplexer via
// EndpointManager.
type tcpBackend struct {
	cfg    config
	mux    *Multiplexer
	timers *timerWheel
	pools  *bufferPools
	runtime  ActorRuntime
	paths    PathRegistry
	registry *ProxyRegistry
	logger *slog.Logger
	msink  metrics.MetricSink
	onPeer onPeerFunc

	mu       sync.Mutex
	listener *net.TCPListener
	closed   bool
}

func newTCPBackend(cfg config, mux *Multiplexer, timers *timerWheel, pools *bufferPools, runtime ActorRuntime, paths PathRegistry, registry *ProxyRegistry, logger *slog.Logger, msink metrics.MetricSink, onPeer onPeerFunc) *tcpBackend {
	return &tcpBackend{
		cfg: cfg, mux: mux, timers: timers, pools: pools,
		runtime: runtime, paths: paths, registry: registry,
		logger: logger, msink: msink, onPeer: onPeer,
	}
}

func (b *tcpBackend) Scheme() string { return "tcp" }

func (b *tcpBackend) Start(ctx context.Context) error {
	addr := &net.TCPAddr{IP: net.ParseIP(b.cfg.thisNode.Host), Port: b.cfg.tcpPort}
	if addr.IP == nil {
		addr.IP = net.IPv4zero
	}
	ln, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return wrapf(ErrRuntimeError, "tcp backend: listen: %v", err)
	}
	b.mu.Lock()
	b.listener = ln
	b.mu.Unlock()
	go b.acceptLoop()
	return nil
}

func (b *tcpBackend) acceptLoop() {
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()
			if closed {
				return
			}
			b.logger.Warn("tcp backend: accept failed", LabelError.L(err))
			return
		}
		if _, err := b.adopt(conn, ""); err != nil {
			b.logger.Warn("tcp backend: failed to adopt inbound connection", LabelError.L(err))
			_ = conn.Close()
		}
	}
}

func (b *tcpBackend) Dial(ctx context.Context, loc Locator) (Peer, error) {
	addr := fmt.Sprintf("%s:%d", loc.Host, loc.Port)
	conn, err := net.DialTimeout("tcp", addr, b.cfg.dialTimeout)
	if err != nil {
		return nil, wrapf(ErrRuntimeError, "tcp backend: dial %s: %v", addr, err)
	}
	em, err := b.adopt(conn, NodeIDFromLocator(loc))
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return em, nil
}

// adopt wraps conn in a socket and endpoint manager. When knownNode is
// non-empty (the outbound/Dial case) it's returned directly; otherwise
// (the inbound/accept case) the peer's identity isn't known until its
// handshake arrives, so adopt hands it to Network asynchronously via
// onPeer instead.
func (b *tcpBackend) adopt(conn net.Conn, knownNode NodeID) (*EndpointManager, error) {
	sock, err := newStreamSocket(conn)
	if err != nil {
		return nil, err
	}

	app := NewBASPApplication(NodeIDFromLocator(b.cfg.thisNode), b.runtime, b.paths, b.registry, true, b.logger)
	var em *EndpointManager
	if knownNode == "" {
		app.OnHandshakeComplete(func(node NodeID) {
			if b.onPeer != nil {
				b.onPeer(node, em)
			}
		})
	}

	em, err = NewEndpointManager(NodeIDFromLocator(b.cfg.thisNode), sock, newStreamTransport(), app, b.pools, b.mux, b.timers, b.logger, b.msink)
	if err != nil {
		return nil, err
	}
	return em, nil
}

func (b *tcpBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	ln := b.listener
	b.mu.Unlock()
	if ln != nil {
		return ln.Close()
	}
	return nil
}
