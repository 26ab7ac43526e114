package meridian

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/hashicorp/go-metrics"
	"github.com/hashicorp/serf/serf"
)

// membership wraps a serf cluster (itself backed by memberlist's gossip
// protocol) so Network can turn gossip events into proxy-registry pruning:
// once a node is confirmed gone, every Proxy it owned is stale and must be
// dropped (proxy_registry.go's EraseAll).
type membership struct {
	serf     *serf.Serf
	eventCh  chan serf.Event
	registry *ProxyRegistry
	logger   *slog.Logger
	msink    metrics.MetricSink

	stopCh chan struct{}
}

func newMembership(cfg config, registry *ProxyRegistry, logger *slog.Logger, msink metrics.MetricSink) (*membership, error) {
	conf := serf.DefaultConfig()
	conf.NodeName = cfg.clusterNodeName
	conf.MemberlistConfig.BindAddr = cfg.thisNode.Host
	if cfg.tcpPort != 0 {
		conf.MemberlistConfig.BindPort = cfg.tcpPort
	}
	// Advertise this node's locator as tags so a peer resolving us by bare
	// node name (Network.peerFor) can rebuild a full Locator without
	// assuming the gossip bind address doubles as the backend address.
	conf.Tags = map[string]string{
		"scheme": cfg.thisNode.Scheme,
		"host":   cfg.thisNode.Host,
		"port":   strconv.Itoa(cfg.thisNode.Port),
	}

	eventCh := make(chan serf.Event, 256)
	conf.EventCh = eventCh

	s, err := serf.Create(conf)
	if err != nil {
		return nil, wrapf(ErrRuntimeError, "membership: create: %v", err)
	}

	m := &membership{
		serf:     s,
		eventCh:  eventCh,
		registry: registry,
		logger:   logger,
		msink:    msink,
		stopCh:   make(chan struct{}),
	}

	if len(cfg.clusterSeeds) > 0 {
		if _, err := s.Join(cfg.clusterSeeds, true); err != nil {
			logger.Warn("membership: initial join failed, will rely on gossip", LabelError.L(err))
		}
	}

	go m.watch()
	return m, nil
}

// watch consumes serf's event stream, logging arrivals the way the
// teacher's gossip delegate does, and pruning the proxy registry of any
// node that leaves, fails a health check, or is reaped after too long
// absent.
func (m *membership) watch() {
	for {
		select {
		case ev, ok := <-m.eventCh:
			if !ok {
				return
			}
			memberEv, ok := ev.(serf.MemberEvent)
			if !ok {
				continue
			}
			m.handleMemberEvent(memberEv)
		case <-m.stopCh:
			return
		}
	}
}

func (m *membership) handleMemberEvent(ev serf.MemberEvent) {
	switch ev.Type {
	case serf.EventMemberJoin:
		for _, member := range ev.Members {
			m.logger.Info("membership: peer joined cluster", LabelNode.L(member.Name))
		}
	case serf.EventMemberUpdate:
		for _, member := range ev.Members {
			m.logger.Info("membership: peer updated", LabelNode.L(member.Name))
		}
	case serf.EventMemberLeave, serf.EventMemberFailed, serf.EventMemberReap:
		for _, member := range ev.Members {
			node := NodeID(member.Name)
			// Proxies are keyed by the locator-derived NodeID the peer sends
			// in its handshake; rebuild it from the tags newMembership sets.
			if port, err := strconv.Atoi(member.Tags["port"]); err == nil {
				node = NodeIDFromLocator(Locator{Scheme: member.Tags["scheme"], Host: member.Tags["host"], Port: port})
			}
			dropped := m.registry.EraseAll(node)
			m.msink.SetGauge(MetricProxyRegistrySize, float32(m.registry.Len()))
			m.logger.Info(
				fmt.Sprintf("membership: peer %s, pruned proxies", memberEventVerb(ev.Type)),
				LabelNode.L(member.Name),
				slog.Int("proxies_dropped", dropped),
			)
		}
	}
}

func memberEventVerb(t serf.EventType) string {
	switch t {
	case serf.EventMemberLeave:
		return "left"
	case serf.EventMemberFailed:
		return "failed"
	case serf.EventMemberReap:
		return "reaped"
	default:
		return "changed"
	}
}

// Members returns the current cluster view, for callers that want to turn
// a bare node name into a dialable address without a prior Resolve.
func (m *membership) Members() []serf.Member {
	return m.serf.Members()
}

// Lookup turns a bare cluster node name into the Locator that node
// advertised via its own tags at join time (see newMembership). Only
// alive members are considered, so a node mid-leave or already failed is
// treated as not found rather than resolved to a stale address.
func (m *membership) Lookup(name string) (Locator, bool) {
	for _, member := range m.Members() {
		if member.Name != name || member.Status != serf.StatusAlive {
			continue
		}
		port, err := strconv.Atoi(member.Tags["port"])
		if err != nil {
			continue
		}
		return Locator{
			Scheme: member.Tags["scheme"],
			Host:   member.Tags["host"],
			Port:   port,
		}, true
	}
	return Locator{}, false
}

func (m *membership) Shutdown() error {
	close(m.stopCh)
	return m.serf.Leave()
}
