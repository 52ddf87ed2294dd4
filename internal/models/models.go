// Package models contains the domain types shared across the sentinel:
// anomaly verdicts, incidents, container state, and the event envelopes
// published on the bus. Every type here is JSON-serializable with stable
// field names because the same shapes travel over Redis and WebSocket.
package models

import (
	"fmt"
	"time"
)

// AnomalyType classifies what kind of problem the fast detector saw.
type AnomalyType string

const (
	AnomalyCrash       AnomalyType = "crash"
	AnomalyError       AnomalyType = "error"
	AnomalyWarning     AnomalyType = "warning"
	AnomalyPerformance AnomalyType = "performance"
	AnomalyNone        AnomalyType = "none"
)

// Valid reports whether t is a known anomaly type.
func (t AnomalyType) Valid() bool {
	switch t {
	case AnomalyCrash, AnomalyError, AnomalyWarning, AnomalyPerformance, AnomalyNone:
		return true
	}
	return false
}

// AnomalySeverity grades a detected anomaly.
type AnomalySeverity string

const (
	SeverityLow      AnomalySeverity = "low"
	SeverityMedium   AnomalySeverity = "medium"
	SeverityHigh     AnomalySeverity = "high"
	SeverityCritical AnomalySeverity = "critical"
)

// Valid reports whether s is a known severity.
func (s AnomalySeverity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// IncidentStatus tracks the incident lifecycle. Transitions are monotonic:
// analyzing -> resolved or analyzing -> unresolved, never back.
type IncidentStatus string

const (
	StatusAnalyzing  IncidentStatus = "analyzing"
	StatusResolved   IncidentStatus = "resolved"
	StatusUnresolved IncidentStatus = "unresolved"
)

// AnomalyVerdict is the structured result of the fast classifier.
type AnomalyVerdict struct {
	IsAnomaly   bool            `json:"is_anomaly"`
	Confidence  float64         `json:"confidence"`
	AnomalyType AnomalyType     `json:"anomaly_type"`
	Severity    AnomalySeverity `json:"severity"`
	Summary     string          `json:"summary"`
}

// Escalates reports whether the verdict should wake the incident pipeline.
func (v AnomalyVerdict) Escalates() bool {
	return v.IsAnomaly && (v.Severity == SeverityHigh || v.Severity == SeverityCritical)
}

// FixAction is a single remediation the deep analyzer suggests: a gateway
// tool name, a target container, opaque JSON arguments, and a priority.
type FixAction struct {
	Action   string `json:"action"`
	Target   string `json:"target"`
	Details  string `json:"details"`
	Priority int    `json:"priority"`
}

// Critical reports whether the fix must succeed for the incident to
// resolve. Priority 1 and 2 are critical.
func (f FixAction) Critical() bool {
	return f.Priority <= 2
}

// FixExecutionResult is the outcome of one gateway tool invocation.
// Success is only true when the gateway returned an explicit positive
// outcome; a transport error is never a success.
type FixExecutionResult struct {
	Success  bool   `json:"success"`
	Action   string `json:"action,omitempty"`
	Target   string `json:"target,omitempty"`
	Priority int    `json:"priority,omitempty"`
	Message  string `json:"message,omitempty"`
	Error    string `json:"error,omitempty"`
	Status   string `json:"status,omitempty"`
	Details  string `json:"details,omitempty"`
}

// Critical mirrors FixAction.Critical for executed fixes.
func (r FixExecutionResult) Critical() bool {
	return r.Priority <= 2
}

// RootCauseAnalysis is the deep analyzer's diagnosis of an incident.
type RootCauseAnalysis struct {
	RootCause          string      `json:"root_cause"`
	Explanation        string      `json:"explanation"`
	AffectedComponents []string    `json:"affected_components"`
	SuggestedFixes     []FixAction `json:"suggested_fixes"`
	Confidence         float64     `json:"confidence"`
	Prevention         string      `json:"prevention"`
}

// ContainerState is one sample of a monitored container. Rates are
// bytes/second derived from cumulative counters and may be negative across
// a counter reset; they are published as observed, never clamped.
type ContainerState struct {
	ID        string  `json:"id"`
	Name      string  `json:"name"`
	Service   string  `json:"service"`
	Status    string  `json:"status"`
	Restarts  *int    `json:"restarts"`
	CPU       float64 `json:"cpu"`
	Memory    float64 `json:"memory"`
	NetworkRx float64 `json:"network_rx"`
	NetworkTx float64 `json:"network_tx"`
	DiskRead  float64 `json:"disk_read"`
	DiskWrite float64 `json:"disk_write"`
	Timestamp string  `json:"timestamp"`
}

// LogEntry is one buffered log line with its ingestion timestamp.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Line      string `json:"line"`
}

// ContainerStats is the inspect-derived context attached to a diagnosis.
type ContainerStats struct {
	Status   string `json:"status,omitempty"`
	Restarts *int   `json:"restarts"`
	Created  string `json:"created,omitempty"`
	ExitCode *int   `json:"exit_code"`
}

// Incident is the append-only record of one escalation, from detection
// through narration.
type Incident struct {
	ID              string               `json:"id"`
	Service         string               `json:"service"`
	DetectedAt      string               `json:"detected_at"`
	Anomaly         AnomalyVerdict       `json:"anomaly"`
	Status          IncidentStatus       `json:"status"`
	Analysis        *RootCauseAnalysis   `json:"analysis,omitempty"`
	Fixes           []FixExecutionResult `json:"fixes,omitempty"`
	ResolvedAt      string               `json:"resolved_at,omitempty"`
	Explanation     string               `json:"explanation,omitempty"`
	ResolutionNotes string               `json:"resolution_notes,omitempty"`
}

/// NewIncidentID formats an incident id from a detection time:
// INC-<UTC yyyymmdd-HHMMSS>.
func NewIncidentID(at time.Time) string {
	return fmt.Sprintf("INC-%s", at.UTC().Format("20060102-150405"))
}

// UTCNow returns the current UTC time as an ISO-8601 string, the timestamp
// format used on every published record.
func UTCNow() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// Event envelope types published on the bus.
const (
	EventBootstrap       = "bootstrap"
	EventContainerUpdate = "container_update"
	EventLog             = "log"
	EventIncident        = "incident"
	EventIncidentUpdate  = "incident_update"
)

// ContainerUpdateEvent carries a fresh container sample.
type ContainerUpdateEvent struct {
	Type      string         `json:"type"`
	Container ContainerState `json:"container"`
}

// NewContainerUpdateEvent wraps a sample in its envelope.
func NewContainerUpdateEvent(state ContainerState) ContainerUpdateEvent {
	return ContainerUpdateEvent{Type: EventContainerUpdate, Container: state}
}

// LogEvent carries one log line for live streaming.
type LogEvent struct {
	Type      string `json:"type"`
	Container string `json:"container"`
	Timestamp string `json:"timestamp"`
	Message   string `json:"message"`
}

// NewLogEvent wraps a log line in its envelope. Container is the service
// name, matching what the dashboard groups by.
func NewLogEvent(service, timestamp, message string) LogEvent {
	return LogEvent{Type: EventLog, Container: service, Timestamp: timestamp, Message: message}
}

// IncidentEvent announces a newly opened incident.
type IncidentEvent struct {
	Type     string   `json:"type"`
	Incident Incident `json:"incident"`
}

// NewIncidentEvent wraps a new incident in its envelope.
func NewIncidentEvent(inc Incident) IncidentEvent {
	return IncidentEvent{Type: EventIncident, Incident: inc}
}

// IncidentUpdateEvent carries a mutated incident record.
type IncidentUpdateEvent struct {
	Type     string   `json:"type"`
	Incident Incident `json:"incident"`
}

// NewIncidentUpdateEvent wraps an updated incident in its envelope.
func NewIncidentUpdateEvent(inc Incident) IncidentUpdateEvent {
	return IncidentUpdateEvent{Type: EventIncidentUpdate, Incident: inc}
}

// BootstrapEvent is the first frame sent to every WebSocket client.
type BootstrapEvent struct {
	Type       string           `json:"type"`
	Containers []ContainerState `json:"containers"`
	Incidents  []Incident       `json:"incidents"`
}

// NewBootstrapEvent builds the initial snapshot frame. Nil slices are
// normalized so clients always see JSON arrays.
func NewBootstrapEvent(containers []ContainerState, incidents []Incident) BootstrapEvent {
	if containers == nil {
		containers = []ContainerState{}
	}
	if incidents == nil {
		incidents = []Incident{}
	}
	return BootstrapEvent{Type: EventBootstrap, Containers: containers, Incidents: incidents}
}
