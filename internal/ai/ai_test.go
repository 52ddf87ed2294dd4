package ai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan877/sre-sentinel/internal/models"
)

// completionServer answers chat-completion POSTs with the given content
// string wrapped in the OpenRouter response shape.
func completionServer(t *testing.T, content string, gotBody *[]byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/chat/completions", r.URL.Path)
		require.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		if gotBody != nil {
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			*gotBody = body
		}

		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func testClient(url string) *Client {
	c := NewClient(url, "test-key", zerolog.Nop())
	c.baseDelay = time.Millisecond
	c.maxDelay = time.Millisecond
	return c
}

func TestChatRetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "ok"}},
			},
		})
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	content, err := c.Chat(context.Background(), ChatRequest{
		Model:    "m",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", content)
	assert.Equal(t, int32(3), calls.Load())
}

func TestChatExhaustsRetries(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":{"message":"upstream overloaded"}}`, http.StatusBadGateway)
	}))
	defer srv.Close()

	c := testClient(srv.URL)
	_, err := c.Chat(context.Background(), ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "upstream overloaded")
	assert.Equal(t, int32(3), calls.Load())
}

func TestDetectAnomalyParsesVerdict(t *testing.T) {
	verdict := `{"is_anomaly":true,"confidence":0.92,"anomaly_type":"CRASH","severity":"Critical","summary":"database crash loop"}`
	var body []byte
	srv := completionServer(t, verdict, &body)
	defer srv.Close()

	d := NewDetector(testClient(srv.URL), "fast-model", zerolog.Nop())
	got := d.DetectAnomaly(context.Background(), "FATAL out of memory", "api", map[string]any{"restarts": 2})

	assert.True(t, got.IsAnomaly)
	assert.Equal(t, models.AnomalyCrash, got.AnomalyType)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.InDelta(t, 0.92, got.Confidence, 1e-9)

	// Request carries JSON mode and the provider pin.
	var req apiRequest
	require.NoError(t, json.Unmarshal(body, &req))
	require.NotNil(t, req.ResponseFormat)
	assert.Equal(t, "json_object", req.ResponseFormat.Type)
	require.NotNil(t, req.Provider)
	assert.Equal(t, []string{"Cerebras"}, req.Provider.Order)
	assert.Equal(t, 300, req.MaxTokens)
}

func TestDetectAnomalyBenignOnTransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	d := NewDetector(testClient(srv.URL), "fast-model", zerolog.Nop())
	got := d.DetectAnomaly(context.Background(), "logs", "api", nil)

	assert.False(t, got.IsAnomaly)
	assert.Zero(t, got.Confidence)
	assert.Equal(t, models.AnomalyNone, got.AnomalyType)
	assert.Equal(t, models.SeverityLow, got.Severity)
	assert.Contains(t, got.Summary, "Error analyzing logs:")
}

func TestDetectAnomalyBenignOnMalformedVerdict(t *testing.T) {
	srv := completionServer(t, `{"is_anomaly":true,"confidence":1.8,"anomaly_type":"crash","severity":"critical","summary":"x"}`, nil)
	defer srv.Close()

	d := NewDetector(testClient(srv.URL), "fast-model", zerolog.Nop())
	got := d.DetectAnomaly(context.Background(), "logs", "api", nil)

	assert.False(t, got.IsAnomaly)
	assert.Contains(t, got.Summary, "Error analyzing logs:")
}

func TestClassifySensitiveEnv(t *testing.T) {
	srv := completionServer(t, `{"sensitive_keys":["DB_PASSWORD","API_KEY"]}`, nil)
	defer srv.Close()

	d := NewDetector(testClient(srv.URL), "fast-model", zerolog.Nop())
	keys, err := d.ClassifySensitiveEnv(context.Background(), []string{"DB_PASSWORD", "API_KEY", "PORT"})
	require.NoError(t, err)
	assert.Equal(t, []string{"DB_PASSWORD", "API_KEY"}, keys)
}

func TestClassifySensitiveEnvRejectsNonStrings(t *testing.T) {
	srv := completionServer(t, `{"sensitive_keys":["DB_PASSWORD", 42]}`, nil)
	defer srv.Close()

	d := NewDetector(testClient(srv.URL), "fast-model", zerolog.Nop())
	_, err := d.ClassifySensitiveEnv(context.Background(), []string{"DB_PASSWORD"})
	assert.Error(t, err)
}

func TestAnalyzeRootCause(t *testing.T) {
	analysis := `{
		"root_cause": "api cannot resolve the postgres host",
		"explanation": "DNS lookups fail inside the compose network",
		"affected_components": ["api", "postgres"],
		"suggested_fixes": [
			{"action": "RESTART_CONTAINER", "target": "postgres", "parameters": {"container_name": "postgres", "reason": "crash loop"}, "priority": 1}
		],
		"confidence": 0.85,
		"prevention": "add healthchecks"
	}`
	var body []byte
	srv := completionServer(t, analysis, &body)
	defer srv.Close()

	restarts := 3
	a := NewAnalyzer(testClient(srv.URL), "deep-model", zerolog.Nop())
	got, err := a.AnalyzeRootCause(context.Background(), AnalysisRequest{
		AnomalySummary: "crash loop",
		FullLogs:       "FATAL ...",
		DockerCompose:  "services: {}",
		EnvironmentVars: map[string]string{
			"DATABASE_URL": "postgresql://u:***REDACTED***@h/db",
		},
		ContainerStats: &models.ContainerStats{Status: "exited", Restarts: &restarts},
		AvailableTools: "- restart_container: restarts a container",
	})
	require.NoError(t, err)

	assert.Equal(t, "api cannot resolve the postgres host", got.RootCause)
	require.Len(t, got.SuggestedFixes, 1)
	fix := got.SuggestedFixes[0]
	assert.Equal(t, "restart_container", fix.Action)
	assert.Equal(t, "postgres", fix.Target)
	assert.Equal(t, 1, fix.Priority)
	assert.JSONEq(t, `{"container_name":"postgres","reason":"crash loop"}`, fix.Details)

	var req apiRequest
	require.NoError(t, json.Unmarshal(body, &req))
	assert.Equal(t, 2000, req.MaxTokens)
	require.NotNil(t, req.ResponseFormat)
	// The prompt must carry the redacted env, never a raw secret.
	assert.Contains(t, req.Messages[1].Content, "***REDACTED***")
	assert.Contains(t, req.Messages[1].Content, "Available MCP Gateway Tools")
}

func TestAnalyzeRootCauseSurfacesFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	a := NewAnalyzer(testClient(srv.URL), "deep-model", zerolog.Nop())
	_, err := a.AnalyzeRootCause(context.Background(), AnalysisRequest{AnomalySummary: "x", FullLogs: "y"})
	assert.Error(t, err)
}

func TestAnalyzeRootCauseRejectsBooleanPriority(t *testing.T) {
	srv := completionServer(t, `{
		"root_cause": "x", "explanation": "y", "affected_components": [],
		"suggested_fixes": [{"action": "restart_container", "target": "t", "parameters": {}, "priority": true}],
		"confidence": 0.5, "prevention": "z"
	}`, nil)
	defer srv.Close()

	a := NewAnalyzer(testClient(srv.URL), "deep-model", zerolog.Nop())
	_, err := a.AnalyzeRootCause(context.Background(), AnalysisRequest{AnomalySummary: "x", FullLogs: "y"})
	assert.Error(t, err)
}

func TestExplainForHumans(t *testing.T) {
	srv := completionServer(t, "The database briefly went down and was restarted automatically.", nil)
	defer srv.Close()

	a := NewAnalyzer(testClient(srv.URL), "deep-model", zerolog.Nop())
	out := a.ExplainForHumans(context.Background(), &models.RootCauseAnalysis{RootCause: "db down"})
	assert.Contains(t, out, "restarted automatically")
}

func TestExplainForHumansNeverFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	a := NewAnalyzer(testClient(srv.URL), "deep-model", zerolog.Nop())
	out := a.ExplainForHumans(context.Background(), &models.RootCauseAnalysis{})
	assert.Contains(t, out, "Error generating explanation")
}
