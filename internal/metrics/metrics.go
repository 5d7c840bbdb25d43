// Package metrics exposes prometheus collectors for git, agent, terminal and event activity.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Git metrics
	gitCommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treehouse_git_commands_total",
			Help: "Total number of git invocations",
		},
		[]string{"subcommand", "result"},
	)

	gitCommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "treehouse_git_command_duration_seconds",
			Help:    "git invocation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"subcommand"},
	)

	mergesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treehouse_merges_total",
			Help: "Total number of merge attempts by outcome",
		},
		[]string{"outcome"},
	)

	// Agent metrics
	agentRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treehouse_agent_runs_total",
			Help: "Total number of agent runs by outcome",
		},
		[]string{"outcome"},
	)

	agentRunDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "treehouse_agent_run_duration_seconds",
			Help:    "Agent run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)

	agentsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treehouse_agents_running",
			Help: "Number of agent processes currently running",
		},
	)

	// Terminal metrics
	ptySessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treehouse_pty_sessions_active",
			Help: "Number of live pseudo-terminals",
		},
	)

	// Event metrics
	eventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treehouse_events_published_total",
			Help: "Total number of events published by kind",
		},
		[]string{"kind"},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treehouse_events_dropped_total",
			Help: "Total number of events dropped by reason",
		},
		[]string{"reason"},
	)

	// Registry metrics
	workspacesGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treehouse_workspaces",
			Help: "Number of registered workspaces",
		},
	)

	sessionsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treehouse_sessions",
			Help: "Number of registered sessions",
		},
	)

	// Transport metrics
	wsClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "treehouse_websocket_clients",
			Help: "Number of connected websocket clients",
		},
	)

	rpcRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "treehouse_rpc_requests_total",
			Help: "Total number of RPC requests by method and result",
		},
		[]string{"method", "result"},
	)

	registry = prometheus.NewRegistry()
	initOnce sync.Once
)

// Init registers every collector with the package registry. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			gitCommandsTotal,
			gitCommandDuration,
			mergesTotal,
			agentRunsTotal,
			agentRunDuration,
			agentsRunning,
			ptySessionsActive,
			eventsPublishedTotal,
			eventsDroppedTotal,
			workspacesGauge,
			sessionsGauge,
			wsClients,
			rpcRequestsTotal,
		)
	})
}

// Registry returns the registry the collectors live in.
func Registry() *prometheus.Registry {
	Init()
	return registry
}

// Handler returns an HTTP handler serving the package registry.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// RecordGitCommand records one git invocation.
func RecordGitCommand(subcommand string, err error, duration time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	gitCommandsTotal.WithLabelValues(subcommand, result).Inc()
	gitCommandDuration.WithLabelValues(subcommand).Observe(duration.Seconds())
}

// RecordMerge records a merge outcome: merged, conflicted, dirty or failed.
func RecordMerge(outcome string) {
	mergesTotal.WithLabelValues(outcome).Inc()
}

// AgentStarted marks one more running agent.
func AgentStarted() {
	agentsRunning.Inc()
}

// AgentFinished records the end of an agent run: ok, failed, interrupted or spawn_failed.
func AgentFinished(outcome string, duration time.Duration) {
	agentsRunning.Dec()
	agentRunsTotal.WithLabelValues(outcome).Inc()
	agentRunDuration.Observe(duration.Seconds())
}

// RecordAgentOutcome counts a run that never started a process.
func RecordAgentOutcome(outcome string) {
	agentRunsTotal.WithLabelValues(outcome).Inc()
}

// SetPtySessions sets the live terminal gauge.
func SetPtySessions(n int) {
	ptySessionsActive.Set(float64(n))
}

// RecordEvent counts a published event.
func RecordEvent(kind string) {
	eventsPublishedTotal.WithLabelValues(kind).Inc()
}

// RecordDrop counts an event that reached no consumer or a full consumer.
func RecordDrop(reason string) {
	eventsDroppedTotal.WithLabelValues(reason).Inc()
}

// SetRegistrySize sets the workspace and session gauges.
func SetRegistrySize(workspaces, sessions int) {
	workspacesGauge.Set(float64(workspaces))
	sessionsGauge.Set(float64(sessions))
}

// SetWebsocketClients sets the connected client gauge.
func SetWebsocketClients(n int) {
	wsClients.Set(float64(n))
}

// RecordRPC counts one RPC request.
func RecordRPC(method string, ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	rpcRequestsTotal.WithLabelValues(method, result).Inc()
}
