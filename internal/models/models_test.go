package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerdictEscalates(t *testing.T) {
	tests := []struct {
		name     string
		verdict  AnomalyVerdict
		expected bool
	}{
		{"critical anomaly", AnomalyVerdict{IsAnomaly: true, Severity: SeverityCritical}, true},
		{"high anomaly", AnomalyVerdict{IsAnomaly: true, Severity: SeverityHigh}, true},
		{"medium anomaly", AnomalyVerdict{IsAnomaly: true, Severity: SeverityMedium}, false},
		{"low anomaly", AnomalyVerdict{IsAnomaly: true, Severity: SeverityLow}, false},
		{"critical but not anomaly", AnomalyVerdict{IsAnomaly: false, Severity: SeverityCritical}, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, tc.verdict.Escalates())
		})
	}
}

func TestFixActionCritical(t *testing.T) {
	assert.True(t, FixAction{Priority: 1}.Critical())
	assert.True(t, FixAction{Priority: 2}.Critical())
	assert.False(t, FixAction{Priority: 3}.Critical())
	assert.False(t, FixAction{Priority: 5}.Critical())
}

func TestNewIncidentID(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	assert.Equal(t, "INC-20250102-030405", NewIncidentID(at))

	// Non-UTC input normalizes to UTC.
	loc := time.FixedZone("plus2", 2*60*60)
	assert.Equal(t, "INC-20250102-030405", NewIncidentID(time.Date(2025, 1, 2, 5, 4, 5, 0, loc)))
}

func TestEventRoundTrips(t *testing.T) {
	restarts := 3
	state := ContainerState{
		ID:        "abc123",
		Name:      "demo-api",
		Service:   "api",
		Status:    "running",
		Restarts:  &restarts,
		CPU:       15.2,
		Memory:    45.8,
		NetworkRx: 1024.5,
		NetworkTx: -2048.1, // counter reset produces negative rates
		DiskRead:  0,
		DiskWrite: 512.3,
		Timestamp: "2025-01-01T12:00:00Z",
	}

	incident := Incident{
		ID:         "INC-20250101-120000",
		Service:    "api",
		DetectedAt: "2025-01-01T12:00:00Z",
		Anomaly: AnomalyVerdict{
			IsAnomaly:   true,
			Confidence:  0.85,
			AnomalyType: AnomalyError,
			Severity:    SeverityHigh,
			Summary:     "Database connection failures detected",
		},
		Status: StatusResolved,
		Analysis: &RootCauseAnalysis{
			RootCause:          "PostgreSQL container not responding",
			Explanation:        "connection refused on 5432",
			AffectedComponents: []string{"api", "postgres"},
			SuggestedFixes: []FixAction{
				{Action: "restart_container", Target: "postgres", Details: `{"container_name":"postgres"}`, Priority: 1},
			},
			Confidence: 0.92,
			Prevention: "health checks",
		},
		Fixes:      []FixExecutionResult{{Success: true, Action: "restart_container", Message: "restarted"}},
		ResolvedAt: "2025-01-01T12:05:00Z",
	}

	t.Run("container_update", func(t *testing.T) {
		in := NewContainerUpdateEvent(state)
		raw, err := json.Marshal(in)
		require.NoError(t, err)

		var out ContainerUpdateEvent
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, in, out)
		assert.Equal(t, EventContainerUpdate, out.Type)
	})

	t.Run("incident", func(t *testing.T) {
		in := NewIncidentEvent(incident)
		raw, err := json.Marshal(in)
		require.NoError(t, err)

		var out IncidentEvent
		require.NoError(t, json.Unmarshal(raw, &out))
		assert.Equal(t, in, out)
	})

	t.Run("log", func(t *testing.T) {
		in := NewLogEvent("api", "2025-01-01T12:00:00Z", "ERROR boom")
		raw, err := json.Marshal(in)
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(raw, &decoded))
		assert.Equal(t, "log", decoded["type"])
		assert.Equal(t, "api", decoded["container"])
		assert.Equal(t, "ERROR boom", decoded["message"])
	})

	t.Run("bootstrap normalizes nil slices", func(t *testing.T) {
		raw, err := json.Marshal(NewBootstrapEvent(nil, nil))
		require.NoError(t, err)
		assert.JSONEq(t, `{"type":"bootstrap","containers":[],"incidents":[]}`, string(raw))
	})
}

func TestSeverityAndTypeValidation(t *testing.T) {
	assert.True(t, SeverityCritical.Valid())
	assert.False(t, AnomalySeverity("catastrophic").Valid())
	assert.True(t, AnomalyPerformance.Valid())
	assert.False(t, AnomalyType("weird").Valid())
}
