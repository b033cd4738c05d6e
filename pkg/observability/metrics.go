// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// MetricsCollector records the run-level counters Nika exposes over
// Prometheus: tasks run, retries, MCP reconnects, and agent turns.
type MetricsCollector struct {
	provider *sdkmetric.MeterProvider
	exporter *prometheus.Exporter

	tasksRun      metric.Int64Counter
	taskRetries   metric.Int64Counter
	mcpReconnects metric.Int64Counter
	agentTurns    metric.Int64Counter
}

// NewMetricsCollector builds a MeterProvider backed by the OTel Prometheus
// exporter and registers Nika's run counters against it.
func NewMetricsCollector() (*MetricsCollector, error) {
	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("observability: creating prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))
	meter := provider.Meter("nika.runner")

	tasksRun, err := meter.Int64Counter("nika_tasks_run_total", metric.WithDescription("tasks that reached a terminal state"))
	if err != nil {
		return nil, err
	}
	taskRetries, err := meter.Int64Counter("nika_task_retries_total", metric.WithDescription("task execution attempts beyond the first"))
	if err != nil {
		return nil, err
	}
	mcpReconnects, err := meter.Int64Counter("nika_mcp_reconnects_total", metric.WithDescription("MCP server connections established after the first"))
	if err != nil {
		return nil, err
	}
	agentTurns, err := meter.Int64Counter("nika_agent_turns_total", metric.WithDescription("agent loop turns executed"))
	if err != nil {
		return nil, err
	}

	return &MetricsCollector{
		provider:      provider,
		exporter:      exporter,
		tasksRun:      tasksRun,
		taskRetries:   taskRetries,
		mcpReconnects: mcpReconnects,
		agentTurns:    agentTurns,
	}, nil
}

// RecordTaskRun increments the tasks-run counter.
func (m *MetricsCollector) RecordTaskRun(ctx context.Context) { m.tasksRun.Add(ctx, 1) }

// RecordTaskRetry increments the task-retries counter.
func (m *MetricsCollector) RecordTaskRetry(ctx context.Context) { m.taskRetries.Add(ctx, 1) }

// RecordMcpReconnect increments the MCP-reconnects counter.
func (m *MetricsCollector) RecordMcpReconnect(ctx context.Context) { m.mcpReconnects.Add(ctx, 1) }

// RecordAgentTurn increments the agent-turns counter.
func (m *MetricsCollector) RecordAgentTurn(ctx context.Context) { m.agentTurns.Add(ctx, 1) }

// Handler returns the HTTP handler that serves the Prometheus scrape
// endpoint for these metrics.
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.Handler()
}

// Shutdown releases the underlying meter provider.
func (m *MetricsCollector) Shutdown(ctx context.Context) error {
	return m.provider.Shutdown(ctx)
}
