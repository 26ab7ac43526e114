package meridian

import "context"

// Peer is what Network holds per connected remote node, regardless of
// which Backend established the connection (spec.md §4.5, §6).
// *EndpointManager (tcp, poll-driven), *udpWorker (udp, poll-driven via
// transportWorkerDispatcher), and *quicPeer (quic, goroutine-driven) all
// satisfy it.
type Peer interface {
	EnqueueMessage(msg *OutboundMessage) error
	Resolve(path string, listener ResolveListener) error
}

// Backend owns one scheme's transport-level connection lifecycle: it
// listens for inbound connections and dials outbound ones, handing each
// resulting Peer to Network via onPeer (spec.md §2 item 1, §6).
type Backend interface {
	Scheme() string

	// Start begins listening for inbound connections, if the scheme
	// supports it. Backends that are purely dial-only may no-op.
	Start(ctx context.Context) error

	// Dial establishes an outbound connection to loc and returns the
	// resulting Peer once its handshake has completed.
	Dial(ctx context.Context, loc Locator) (Peer, error)

	Close() error
}

// onPeerFunc is how a Backend hands Network a newly established inbound
// Peer; Network registers it under the peer's negotiated NodeID.
type onPeerFunc func(node NodeID, peer Peer)
