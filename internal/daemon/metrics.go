// Copyright 2025 The Gobby Authors
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

package daemon

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gobbyhq/gobby/internal/bus"
)

// Metrics holds the daemon's prometheus instruments on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	hookLatency   *prometheus.HistogramVec
	hookDecisions *prometheus.CounterVec
	droppedEvents prometheus.Counter
	toolCalls     *prometheus.CounterVec
	wsClients     prometheus.Gauge
	agentSpawns   prometheus.Counter
}

// NewMetrics builds the instrument set.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		hookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gobby",
			Name:      "hook_dispatch_seconds",
			Help:      "Hook dispatch wall time by event type.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"event"}),
		hookDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gobby",
			Name:      "hook_decisions_total",
			Help:      "Hook decisions by outcome.",
		}, []string{"decision"}),
		droppedEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gobby",
			Name:      "bus_dropped_events_total",
			Help:      "Events shed by overloaded dispatch or slow subscribers.",
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gobby",
			Name:      "tool_calls_total",
			Help:      "MCP tool calls by server and outcome.",
		}, []string{"server", "outcome"}),
		wsClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gobby",
			Name:      "websocket_clients",
			Help:      "Connected WebSocket clients.",
		}),
		agentSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "gobby",
			Name:      "agent_spawns_total",
			Help:      "Subagent spawns.",
		}),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		m.hookLatency, m.hookDecisions, m.droppedEvents,
		m.toolCalls, m.wsClients, m.agentSpawns,
	)
	return m
}

// Handler returns the text exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveHook records one dispatched hook.
func (m *Metrics) ObserveHook(event string, decision string, d time.Duration) {
	m.hookLatency.WithLabelValues(event).Observe(d.Seconds())
	if decision == "" {
		decision = "allow"
	}
	m.hookDecisions.WithLabelValues(decision).Inc()
}

// ObserveToolCall records one MCP tool call.
func (m *Metrics) ObserveToolCall(server string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.toolCalls.WithLabelValues(server, outcome).Inc()
}

// Attach subscribes the counters that feed from the bus.
func (m *Metrics) Attach(b *bus.Bus) {
	b.SubscribeFunc(func(e bus.Event) {
		switch e.Type {
		case bus.Overload:
			m.droppedEvents.Inc()
		case bus.AgentSpawned:
			m.agentSpawns.Inc()
		}
	}, bus.Overload, bus.AgentSpawned)
}
