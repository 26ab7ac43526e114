package meridian

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/quic-go/quic-go"
)

// quicBackend is the backend of spec.md §2 item 1 layered over QUIC
// streams: one bidirectional stream per peer, carrying the same BASP
// framing as the tcp backend, but driven by quicPeer's own goroutines
// instead of the Multiplexer (transport_quic.go).
type quicBackend struct {
	cfg      config
	pools    *bufferPools
	timers   *timerWheel
	runtime  ActorRuntime
	paths    PathRegistry
	registry *ProxyRegistry
	logger   *slog.Logger
	msink    metrics.MetricSink
	onPeer   onPeerFunc

	tr   *quic.Transport
	ln   *quic.Listener
	cert *certWatcher
}

func newQUICBackend(cfg config, pools *bufferPools, timers *timerWheel, runtime ActorRuntime, paths PathRegistry, registry *ProxyRegistry, logger *slog.Logger, msink metrics.MetricSink, onPeer onPeerFunc) *quicBackend {
	return &quicBackend{
		cfg: cfg, pools: pools, timers: timers,
		runtime: runtime, paths: paths, registry: registry,
		logger: logger, msink: msink, onPeer: onPeer,
	}
}

func (b *quicBackend) Scheme() string { return "quic" }

func (b *quicBackend) Start(ctx context.Context) error {
	tlsCfg, err := b.serverTLSConfig()
	if err != nil {
		return err
	}

	ip := net.ParseIP(b.cfg.thisNode.Host)
	if ip == nil {
		ip = net.IPv4zero
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: ip, Port: b.cfg.udpPort})
	if err != nil {
		return wrapf(ErrRuntimeError, "quic backend: listen: %v", err)
	}

	b.tr = &quic.Transport{Conn: udpConn}
	ln, err := b.tr.Listen(tlsCfg, &quic.Config{
		Versions:       []quic.Version{quic.Version2, quic.Version1},
		MaxIdleTimeout: 2 * time.Minute,
	})
	if err != nil {
		return wrapf(ErrRuntimeError, "quic backend: listen: %v", err)
	}
	b.ln = ln

	go b.acceptLoop()
	return nil
}

func (b *quicBackend) acceptLoop() {
	for {
		conn, err := b.ln.Accept(context.Background())
		if err != nil {
			b.logger.Warn("quic backend: accept failed", LabelError.L(err))
			return
		}
		go b.handleInbound(conn)
	}
}

func (b *quicBackend) handleInbound(conn quic.Connection) {
	stream, err := conn.AcceptStream(context.Background())
	if err != nil {
		b.logger.Warn("quic backend: accept stream failed", LabelError.L(err))
		_ = QErrInternal.Close(conn, "failed to accept stream")
		return
	}

	app := NewBASPApplication(NodeIDFromLocator(b.cfg.thisNode), b.runtime, b.paths, b.registry, true, b.logger)
	var peer *quicPeer
	app.OnHandshakeComplete(func(node NodeID) {
		if b.onPeer != nil {
			b.onPeer(node, peer)
		}
	})

	peer = newQUICPeer("", conn, stream, app, b.pools, b.timers, b.logger, b.msink)
	if err := peer.Start(); err != nil {
		b.logger.Warn("quic backend: handshake failed", LabelError.L(err))
		_ = QErrProtocolMismatch.Close(conn, "handshake failed")
	}
}

func (b *quicBackend) Dial(ctx context.Context, loc Locator) (Peer, error) {
	tlsCfg, err := b.dialTLSConfig()
	if err != nil {
		return nil, err
	}

	addr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", loc.Host, loc.Port))
	if err != nil {
		return nil, wrapf(ErrRuntimeError, "quic backend: resolve %s: %v", loc, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, b.cfg.dialTimeout)
	defer cancel()

	conn, err := b.tr.Dial(dialCtx, addr, tlsCfg, &quic.Config{
		Versions: []quic.Version{quic.Version2, quic.Version1},
	})
	if err != nil {
		return nil, wrapf(ErrRuntimeError, "quic backend: dial %s: %v", loc, err)
	}

	stream, err := conn.OpenStreamSync(dialCtx)
	if err != nil {
		return nil, wrapf(ErrRuntimeError, "quic backend: open stream: %v", err)
	}

	app := NewBASPApplication(NodeIDFromLocator(b.cfg.thisNode), b.runtime, b.paths, b.registry, true, b.logger)
	peer := newQUICPeer(NodeIDFromLocator(loc), conn, stream, app, b.pools, b.timers, b.logger, b.msink)
	if err := peer.Start(); err != nil {
		return nil, err
	}
	return peer, nil
}

// serverTLSConfig prefers an explicitly supplied tls.Config; failing that,
// it stands up a certWatcher over cfg.quicCertDir so the listener serves
// whatever certificate is current on disk. Neither being set is an error:
// there is no compiled-in fallback certificate.
func (b *quicBackend) serverTLSConfig() (*tls.Config, error) {
	if b.cfg.tlsConfig != nil {
		return b.cfg.tlsConfig.Clone(), nil
	}
	if b.cfg.quicCertDir == "" {
		return nil, ErrNoCertDir
	}

	cw, err := newCertWatcher(b.cfg.quicCertDir, b.logger)
	if err != nil {
		return nil, err
	}
	b.cert = cw
	return &tls.Config{GetCertificate: cw.GetCertificate}, nil
}

// dialTLSConfig requires an explicit tls.Config: a certWatcher only proves
// this node's own server identity, not a peer's, so dialing still needs a
// real trust store.
func (b *quicBackend) dialTLSConfig() (*tls.Config, error) {
	if b.cfg.tlsConfig == nil {
		return nil, ErrNoTLSConfig
	}
	return b.cfg.tlsConfig.Clone(), nil
}

func (b *quicBackend) Close() error {
	if b.ln != nil {
		_ = b.ln.Close()
	}
	if b.cert != nil {
		_ = b.cert.Close()
	}
	if b.tr != nil {
		return b.tr.Close()
	}
	return nil
}
