package core

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "simrpc"

// Collector is a prometheus.Collector for the dispatch and stream loops.
// A nil *Collector records nothing.
type Collector struct {
	rpcsExecuted       *prometheus.CounterVec
	rpcErrors          *prometheus.CounterVec
	streamRPCsExecuted prometheus.Counter

	rpcUpdateSeconds    prometheus.Gauge
	pollSeconds         prometheus.Gauge
	execSeconds         prometheus.Gauge
	streamUpdateSeconds prometheus.Gauge
	maxTimePerUpdate    prometheus.Gauge

	rpcClients    prometheus.Gauge
	streamClients prometheus.Gauge
	streams       prometheus.Gauge

	bytesRead    prometheus.Gauge
	bytesWritten prometheus.Gauge
}

func NewMetricsCollector() *Collector {
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      name,
			Help:      help,
		})
	}

	return &Collector{
		rpcsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rpcs_executed_total",
				Help:      "The number of RPCs that ran to completion.",
			}, []string{"procedure"},
		),
		rpcErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "rpc_errors_total",
				Help:      "The number of RPCs answered with an error.",
			}, []string{"procedure"},
		),
		streamRPCsExecuted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "stream_rpcs_executed_total",
				Help:      "The number of stream registrations executed.",
			},
		),
		rpcUpdateSeconds:    gauge("rpc_update_seconds", "Time spent in the last RPC update."),
		pollSeconds:         gauge("rpc_poll_seconds", "Time spent polling clients in the last RPC update."),
		execSeconds:         gauge("rpc_exec_seconds", "Time spent executing procedures in the last RPC update."),
		streamUpdateSeconds: gauge("stream_update_seconds", "Time spent in the last stream update."),
		maxTimePerUpdate:    gauge("max_time_per_update_seconds", "The current RPC execution budget per update."),
		rpcClients:          gauge("rpc_clients", "The number of connected RPC clients."),
		streamClients:       gauge("stream_clients", "The number of connected stream clients."),
		streams:             gauge("streams", "The number of stream registrations."),
		bytesRead:           gauge("bytes_read", "Bytes read from all clients since the stats were last cleared."),
		bytesWritten:        gauge("bytes_written", "Bytes written to all clients since the stats were last cleared."),
	}
}

func (c *Collector) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.rpcsExecuted,
		c.rpcErrors,
		c.streamRPCsExecuted,
		c.rpcUpdateSeconds,
		c.pollSeconds,
		c.execSeconds,
		c.streamUpdateSeconds,
		c.maxTimePerUpdate,
		c.rpcClients,
		c.streamClients,
		c.streams,
		c.bytesRead,
		c.bytesWritten,
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range c.collectors() {
		collector.Describe(ch)
	}
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range c.collectors() {
		collector.Collect(ch)
	}
}

func (c *Collector) rpcExecuted(procedure string, failed bool) {
	if c == nil {
		return
	}
	c.rpcsExecuted.WithLabelValues(procedure).Inc()
	if failed {
		c.rpcErrors.WithLabelValues(procedure).Inc()
	}
}

func (c *Collector) rpcUpdate(total, poll, exec, budget float64) {
	if c == nil {
		return
	}
	c.rpcUpdateSeconds.Set(total)
	c.pollSeconds.Set(poll)
	c.execSeconds.Set(exec)
	c.maxTimePerUpdate.Set(budget)
}

func (c *Collector) streamUpdate(executed int, seconds float64) {
	if c == nil {
		return
	}
	c.streamRPCsExecuted.Add(float64(executed))
	c.streamUpdateSeconds.Set(seconds)
}

func (c *Collector) connections(rpcClients, streamClients, streams int, bytesRead, bytesWritten uint64) {
	if c == nil {
		return
	}
	c.rpcClients.Set(float64(rpcClients))
	c.streamClients.Set(float64(streamClients))
	c.streams.Set(float64(streams))
	c.bytesRead.Set(float64(bytesRead))
	c.bytesWritten.Set(float64(bytesWritten))
}
