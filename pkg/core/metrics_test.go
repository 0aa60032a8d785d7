package core

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRegisters(t *testing.T) {
	c := qt.New(t)

	collector := NewMetricsCollector()
	registry := prometheus.NewPedanticRegistry()
	c.Assert(registry.Register(collector), qt.IsNil)

	collector.rpcExecuted("Core.Ping", false)
	collector.rpcExecuted("Core.Ping", false)
	collector.rpcExecuted("Sim.Fail", true)
	collector.streamUpdate(3, 0.002)
	collector.connections(2, 1, 4, 100, 200)

	c.Assert(testutil.ToFloat64(collector.rpcsExecuted.WithLabelValues("Core.Ping")), qt.Equals, 2.0)
	c.Assert(testutil.ToFloat64(collector.rpcErrors.WithLabelValues("Sim.Fail")), qt.Equals, 1.0)
	c.Assert(testutil.ToFloat64(collector.streamRPCsExecuted), qt.Equals, 3.0)
	c.Assert(testutil.ToFloat64(collector.rpcClients), qt.Equals, 2.0)
	c.Assert(testutil.ToFloat64(collector.bytesWritten), qt.Equals, 200.0)

	count, err := testutil.GatherAndCount(registry, "simrpc_rpcs_executed_total")
	c.Assert(err, qt.IsNil)
	c.Assert(count, qt.Equals, 2)
}

func TestNilCollectorIsSilent(t *testing.T) {
	var collector *Collector
	collector.rpcExecuted("Core.Ping", false)
	collector.rpcUpdate(1, 1, 1, 1)
	collector.streamUpdate(1, 1)
	collector.connections(1, 1, 1, 1, 1)
}

func TestMovingAverage(t *testing.T) {
	c := qt.New(t)

	var avg movingAverage
	avg.update(4)
	c.Assert(avg.value, qt.Equals, float32(1))
	avg.update(4)
	c.Assert(avg.value, qt.Equals, float32(1.75))
}
