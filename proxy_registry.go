package meridian

import (
	"strconv"
	"sync"

	"github.com/hashicorp/go-metrics"

	"github.com/fenwick-io/meridian/internal/radix"
)

// ProxyRegistry is the table of proxies (spec.md §3, §4.5): keyed by
// (node, actor), with an O(key length) way to drop every proxy for a node
// at once when that node leaves (EraseAll), which is what a departure
// notification or a membership callback needs. Entries are strong
// references and are removed only by Erase or EraseAll; a Proxy that
// nothing else references stays in the table until then.
//
// Backed by a radix tree rather than a plain map so EraseAll doesn't need
// a secondary per-node index: every proxy for a node shares the key
// prefix node+"\x00", and DeletePrefix removes the whole subtree in one
// call.
type ProxyRegistry struct {
	mu    sync.Mutex
	tree  *radix.Tree[*Proxy]
	msink metrics.MetricSink
}

func NewProxyRegistry(msink metrics.MetricSink) *ProxyRegistry {
	return &ProxyRegistry{
		tree:  radix.NewTree[*Proxy](),
		msink: metricSinkOrDefault(msink),
	}
}

func proxyKey(node NodeID, actor ActorID) string {
	return string(node) + "\x00" + strconv.FormatUint(uint64(actor), 10)
}

// GetOrMake returns the existing proxy for (node, actor) if one is live,
// otherwise constructs one bound to peer and stores it (spec.md §4.5
// "constructs a new one bound to the endpoint manager for that node").
// When interfaces is non-nil it is applied to the proxy either way, since
// a resolve response may arrive after another code path has already
// created a bare proxy by id alone.
func (r *ProxyRegistry) GetOrMake(node NodeID, actor ActorID, peer Peer, interfaces []string) *Proxy {
	key := proxyKey(node, actor)

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.tree.Get(key); ok {
		if interfaces != nil {
			existing.setInterfaces(interfaces)
		}
		return existing
	}

	p := newProxy(node, actor, peer, interfaces)
	r.tree.Insert(key, p)
	r.msink.SetGauge(MetricProxyRegistrySize, float32(r.tree.Len()))
	return p
}

// Lookup reports whether a proxy for (node, actor) already exists,
// without creating one.
func (r *ProxyRegistry) Lookup(node NodeID, actor ActorID) (*Proxy, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Get(proxyKey(node, actor))
}

// Erase drops the proxy for one (node, actor) pair, e.g. on an
// OpDown notification naming a single departed actor.
func (r *ProxyRegistry) Erase(node NodeID, actor ActorID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree.Delete(proxyKey(node, actor))
	r.msink.SetGauge(MetricProxyRegistrySize, float32(r.tree.Len()))
}

// EraseAll drops every proxy belonging to node, e.g. when a membership
// watcher (membership.go) observes that node has left the cluster.
func (r *ProxyRegistry) EraseAll(node NodeID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.tree.DeletePrefix(string(node) + "\x00")
	r.msink.SetGauge(MetricProxyRegistrySize, float32(r.tree.Len()))
	return n
}

func (r *ProxyRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tree.Len()
}
