package meridian

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

// Metric key paths. Grouped by the component that emits them, mirroring
// the teacher's flat metrics.go layout.
var (
	MetricMultiplexerRegistered   = []string{"meridian", "multiplexer", "registered", "count"}
	MetricMultiplexerWakeups      = []string{"meridian", "multiplexer", "wakeup", "count"}
	MetricEndpointQueueDepth      = []string{"meridian", "endpoint", "queue", "depth"}
	MetricEndpointDrainIterations = []string{"meridian", "endpoint", "drain", "iterations"}
	MetricTransportReadBytes      = []string{"meridian", "transport", "read", "bytes"}
	MetricTransportWriteBytes     = []string{"meridian", "transport", "write", "bytes"}
	MetricTransportReadErrors     = []string{"meridian", "transport", "read", "error", "count"}
	MetricTransportWriteErrors    = []string{"meridian", "transport", "write", "error", "count"}
	MetricBASPHandshakeCount      = []string{"meridian", "basp", "handshake", "count"}
	MetricBASPFramingErrors       = []string{"meridian", "basp", "framing", "error", "count"}
	MetricBASPReorderDepth        = []string{"meridian", "basp", "reorder", "depth"}
	MetricProxyRegistrySize       = []string{"meridian", "proxy", "registry", "size"}
	MetricResolveLatency          = []string{"meridian", "resolve", "latency", "ms"}
)

// TelemetryLabel is a typed metric/log label name, paired helpers keep the
// string constant in one place instead of scattering it across call sites.
type TelemetryLabel string

var (
	LabelError    TelemetryLabel = "error"
	LabelNode     TelemetryLabel = "node"
	LabelActor    TelemetryLabel = "actor"
	LabelScheme   TelemetryLabel = "scheme"
	LabelPeerAddr TelemetryLabel = "peer_addr"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{Key: string(lab), Value: slog.AnyValue(val)}
}

// metricSinkOrDefault mirrors options.go's nil-guard for MetricSink.
func metricSinkOrDefault(ms metrics.MetricSink) metrics.MetricSink {
	if ms == nil {
		return &metrics.BlackholeSink{}
	}
	return ms
}
