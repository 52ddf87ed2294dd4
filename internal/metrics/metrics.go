// Package metrics exposes the sentinel's Prometheus instrumentation,
// served on GET /metrics by the API server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LogLines counts log lines ingested per service.
	LogLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sre_sentinel",
		Name:      "log_lines_total",
		Help:      "Log lines ingested from monitored containers.",
	}, []string{"service"})

	// AnomalyChecks counts fast-classifier invocations and their outcome.
	AnomalyChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sre_sentinel",
		Name:      "anomaly_checks_total",
		Help:      "Fast classifier checks, labeled by whether an anomaly was found.",
	}, []string{"service", "anomaly"})

	// Incidents counts incidents by terminal status.
	Incidents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sre_sentinel",
		Name:      "incidents_total",
		Help:      "Incidents opened, labeled by final status.",
	}, []string{"status"})

	// FixExecutions counts gateway tool invocations by outcome.
	FixExecutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sre_sentinel",
		Name:      "fix_executions_total",
		Help:      "Remediation tool calls, labeled by action and outcome.",
	}, []string{"action", "outcome"})

	// EventsPublished counts bus events by envelope type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "sre_sentinel",
		Name:      "events_published_total",
		Help:      "Events published on the event bus by type.",
	}, []string{"type"})

	// MonitoredContainers tracks the number of active container monitors.
	MonitoredContainers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "sre_sentinel",
		Name:      "monitored_containers",
		Help:      "Containers currently being monitored.",
	})
)
