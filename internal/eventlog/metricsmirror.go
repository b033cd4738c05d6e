package eventlog

import (
	"context"

	"github.com/nikaeng/nika/pkg/observability"
)

// MetricsMirror subscribes to a Log and feeds Nika's Prometheus counters
// (tasks run, retries, MCP reconnects, agent turns) from the run's event
// stream, so a long-lived `nika serve-metrics` process can aggregate
// counters across runs without the Runner depending on Prometheus directly.
type MetricsMirror struct {
	collector *observability.MetricsCollector
	seenMcp   map[string]bool
}

// NewMetricsMirror creates a mirror feeding the given collector.
func NewMetricsMirror(collector *observability.MetricsCollector) *MetricsMirror {
	return &MetricsMirror{collector: collector, seenMcp: make(map[string]bool)}
}

// Attach subscribes to log and records counters until the returned stop
// function is called.
func (m *MetricsMirror) Attach(log *Log) (stop func()) {
	ch, unsubscribe := log.Subscribe()
	done := make(chan struct{})

	go func() {
		defer close(done)
		for ev := range ch {
			m.handle(ev)
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

func (m *MetricsMirror) handle(ev Event) {
	ctx := context.Background()
	switch ev.Kind {
	case TaskCompleted, TaskFailed, TaskSkipped:
		m.collector.RecordTaskRun(ctx)
	case TaskScheduled:
		if _, retried := ev.Data["retry_attempt"]; retried {
			m.collector.RecordTaskRetry(ctx)
		}
	case McpConnected:
		// Only reconnects (not the first connection per server) count.
		if m.seenMcp[ev.TaskID] {
			m.collector.RecordMcpReconnect(ctx)
		}
		m.seenMcp[ev.TaskID] = true
	case AgentTurn:
		m.collector.RecordAgentTurn(ctx)
	}
}
