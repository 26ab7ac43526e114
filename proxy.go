package meridian

import "sync"

// Proxy is the local stand-in for a remote actor (spec.md §3): a
// (node, actor) pair plus whatever interfaces the remote side advertised
// when it was resolved, and a strong reference to the EndpointManager (or
// quicPeer/udpWorker) it forwards through. Proxies are handed out by
// ProxyRegistry and are safe for concurrent use. The owning Peer holds no
// back-reference to its proxies — it finds them through the registry on
// demand — so there is no reference cycle to break.
type Proxy struct {
	Node NodeID
	ID   ActorID

	peer Peer

	mu         sync.RWMutex
	interfaces []string
}

func newProxy(node NodeID, id ActorID, peer Peer, interfaces []string) *Proxy {
	return &Proxy{Node: node, ID: id, peer: peer, interfaces: interfaces}
}

// Send forwards msg into the owning connection's outbound-message queue
// (spec.md §3 "A proxy forwards every message it receives into that
// endpoint manager's outbound-message queue"). msg.Receiver is stamped
// with this proxy's actor id regardless of what the caller set.
func (p *Proxy) Send(msg *OutboundMessage) error {
	msg.Receiver = p.ID
	return p.peer.EnqueueMessage(msg)
}

// Interfaces reports the interface names the remote actor advertised at
// resolve time. Empty if unknown (e.g. the proxy was created ahead of a
// resolve response, addressed by id alone).
func (p *Proxy) Interfaces() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.interfaces
}

func (p *Proxy) setInterfaces(interfaces []string) {
	p.mu.Lock()
	p.interfaces = interfaces
	p.mu.Unlock()
}
