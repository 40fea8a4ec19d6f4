package rdmametrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	rdmametrics "github.com/fogesque/rdmarun/internal/metrics"
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rdmametrics.NewCollector(reg)

	if c.Connections == nil {
		t.Error("Connections is nil")
	}
	if c.TasksCompleted == nil {
		t.Error("TasksCompleted is nil")
	}
	if c.TasksFailed == nil {
		t.Error("TasksFailed is nil")
	}
	if c.EndpointLockContention == nil {
		t.Error("EndpointLockContention is nil")
	}
	if c.OperationLatency == nil {
		t.Error("OperationLatency is nil")
	}
	if c.ProtocolErrors == nil {
		t.Error("ProtocolErrors is nil")
	}

	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestSetConnections(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rdmametrics.NewCollector(reg)

	c.SetConnections("established", 1)
	if val := gaugeValue(t, c.Connections, "established"); val != 1 {
		t.Errorf("Connections(established) = %v, want 1", val)
	}

	c.SetConnections("established", 0)
	if val := gaugeValue(t, c.Connections, "established"); val != 0 {
		t.Errorf("Connections(established) = %v, want 0", val)
	}
}

func TestTaskCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rdmametrics.NewCollector(reg)

	c.IncTasksCompleted("send")
	c.IncTasksCompleted("send")
	if val := counterValue(t, c.TasksCompleted, "send"); val != 2 {
		t.Errorf("TasksCompleted(send) = %v, want 2", val)
	}

	c.IncTasksFailed("write")
	if val := counterValue(t, c.TasksFailed, "write"); val != 1 {
		t.Errorf("TasksFailed(write) = %v, want 1", val)
	}
}

func TestOperationLatency(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rdmametrics.NewCollector(reg)

	c.ObserveOperationLatency("read", 0.002)
	c.ObserveOperationLatency("read", 0.004)

	hist, err := c.OperationLatency.GetMetricWithLabelValues("read")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues: %v", err)
	}
	m := &dto.Metric{}
	if err := hist.(prometheus.Histogram).Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}
	if got := m.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample count = %v, want 2", got)
	}
}

func TestEndpointLockContentionAndProtocolErrors(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := rdmametrics.NewCollector(reg)

	c.IncEndpointLockContention("/rdma/ep0")
	c.IncEndpointLockContention("/rdma/ep0")
	if val := counterValue(t, c.EndpointLockContention, "/rdma/ep0"); val != 2 {
		t.Errorf("EndpointLockContention(/rdma/ep0) = %v, want 2", val)
	}

	c.IncProtocolErrors("send", "ack-timeout")
	if val := counterValue(t, c.ProtocolErrors, "send", "ack-timeout"); val != 1 {
		t.Errorf("ProtocolErrors(send, ack-timeout) = %v, want 1", val)
	}
}

func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
