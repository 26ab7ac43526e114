package meridian

import (
	"crypto/tls"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
)

// config is the private, validated form of every Option. Network.Create
// builds one from the supplied options before constructing anything.
type config struct {
	thisNode Locator

	tcpPort int
	udpPort int

	manualMultiplexing bool

	maxPayloadBuffers int
	maxHeaderBuffers  int

	tlsConfig  *tls.Config
	quicCertDir string

	clusterEnabled  bool
	clusterSeeds    []string
	clusterNodeName string

	dialTimeout  time.Duration
	drainTimeout time.Duration

	logHandler   slog.Handler
	metricSink   metrics.MetricSink
	metricLabels []metrics.Label
}

func defaultConfig() config {
	return config{
		maxPayloadBuffers: 4096,
		maxHeaderBuffers:  4096,
		dialTimeout:       10 * time.Second,
		drainTimeout:      5 * time.Second,
	}
}

// Option configures a Network at construction time.
type Option func(*config) error

// WithThisNode sets the local node's locator (spec's "this-node", required).
func WithThisNode(uri string) Option {
	return func(c *config) error {
		loc, err := ParseLocator(uri)
		if err != nil {
			return err
		}
		c.thisNode = loc
		return nil
	}
}

// WithTCPPort sets the listening port for the tcp backend. 0 means ephemeral.
func WithTCPPort(port int) Option {
	return func(c *config) error {
		c.tcpPort = port
		return nil
	}
}

// WithUDPPort sets the listening port for the udp and quic backends.
func WithUDPPort(port int) Option {
	return func(c *config) error {
		c.udpPort = port
		return nil
	}
}

// WithManualMultiplexing makes the caller responsible for driving the
// Multiplexer's Run loop instead of Network spawning a dedicated thread.
func WithManualMultiplexing(manual bool) Option {
	return func(c *config) error {
		c.manualMultiplexing = manual
		return nil
	}
}

// WithBufferPoolCaps sets the header/payload pool caps (spec's
// max-payload-buffers, max-header-buffers).
func WithBufferPoolCaps(maxHeader, maxPayload int) Option {
	return func(c *config) error {
		if maxHeader > 0 {
			c.maxHeaderBuffers = maxHeader
		}
		if maxPayload > 0 {
			c.maxPayloadBuffers = maxPayload
		}
		return nil
	}
}

// WithTLSConfig sets the tls.Config used by the quic backend. Required if
// the quic backend is used.
func WithTLSConfig(tlsCfg *tls.Config) Option {
	return func(c *config) error {
		if tlsCfg == nil {
			return ErrNoTLSConfig
		}
		c.tlsConfig = tlsCfg.Clone()
		return nil
	}
}

// WithQUICCertDir points the quic backend at a directory holding the
// certificate and key to serve, and to watch for rotation. If unset,
// Network.Create falls back to the MERIDIAN_CERT_DIR environment
// variable. With neither of them nor WithTLSConfig set, Network.Create
// registers no quic backend, so quic:// locators fail with
// ErrInvalidScheme; there is no compiled-in default.
func WithQUICCertDir(dir string) Option {
	return func(c *config) error {
		c.quicCertDir = dir
		return nil
	}
}

// WithCluster enables gossip-based peer discovery (memberlist/serf) so
// Network.Resolve can turn a bare node name into a locator.
func WithCluster(nodeName string, seeds []string) Option {
	return func(c *config) error {
		c.clusterEnabled = true
		c.clusterNodeName = nodeName
		c.clusterSeeds = seeds
		return nil
	}
}

// WithLog sets the slog.Handler used by every component.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		return nil
	}
}

// WithMetricSink sets the go-metrics sink. Defaults to a blackhole sink.
func WithMetricSink(sink metrics.MetricSink) Option {
	return func(c *config) error {
		c.metricSink = sink
		return nil
	}
}

// WithMetricLabels stores static metric labels in the config. The metrics
// Network emits do not carry them: every emitter calls the sink without
// labels.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		return nil
	}
}

// WithDialTimeout bounds connection establishment across all backends.
func WithDialTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d > 0 {
			c.dialTimeout = d
		}
		return nil
	}
}

// WithDrainTimeout sets cfg.drainTimeout. Network.Shutdown does not read
// it: shutdown drops queued writes instead of waiting for them to flush.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d > 0 {
			c.drainTimeout = d
		}
		return nil
	}
}
