package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aryan877/sre-sentinel/internal/models"
)

const detectorSystemPrompt = `You are an expert SRE analyzing container logs for anomalies.
Respond ONLY with a JSON object in this format:
{
    "is_anomaly": true/false,
    "confidence": 0.0-1.0,
    "anomaly_type": "crash|error|warning|performance|none",
    "severity": "low|medium|high|critical",
    "summary": "one-sentence description"
}

Common anomaly patterns:
- Crashes: "FATAL", "segmentation fault", "killed", "OOM", "heap out of memory", "JavaScript heap out of memory"
- Errors: "ERROR", "Exception", "failed to", "connection refused"
- Performance: "timeout", "slow query", "high latency", "memory leak"
- Warnings: "deprecated", "retry", "fallback"

Severity guidelines:
- CRITICAL: "FATAL", "OOM", "heap out of memory", "segmentation fault", container crashes
- HIGH: Multiple repeated errors, connection failures, service unavailable, "memory leak"
- MEDIUM: Single errors, timeouts, performance degradation
- LOW: Warnings, deprecation notices, single failed requests
`

const detectorUserPrompt = "Service: %s\n\nRecent logs (last 100 lines):\n```\n%s\n```%s\n\nAnalyze for anomalies. Respond with JSON only."

const envClassifierSystemPrompt = `You are a security expert analyzing environment variable names.
Classify which environment variable names likely contain sensitive information (passwords, API keys, tokens, secrets, credentials, etc.).

Respond ONLY with a JSON object in this format:
{
    "sensitive_keys": ["KEY_NAME_1", "KEY_NAME_2"]
}

Include a key in "sensitive_keys" if it likely contains:
- Passwords or credentials
- API keys or tokens
- Database connection strings with embedded passwords
- Private keys or certificates
- OAuth secrets
- Encryption keys

Common patterns to flag as sensitive:
- Contains: "key", "secret", "password", "token", "auth", "credential", "private", "cert"
- Database URLs that may embed passwords: "DATABASE_URL", "DB_URL", "MONGO_URL", "REDIS_URL"
- Cloud provider credentials: "AWS_", "GCP_", "AZURE_"
- Third-party API keys: "*_API_KEY", "*_TOKEN", "*_SECRET"

DO NOT flag safe configuration like:
- "NODE_ENV", "PORT", "LOG_LEVEL", "TIMEOUT", "MAX_CONNECTIONS", "DEBUG"
- "HOSTNAME", "PATH", "HOME", "USER", "LANG"
`

const envClassifierUserPrompt = "Classify these environment variable names as sensitive or safe:\n\n%s\n\nRespond with JSON only."

// Detector is the fast log classifier. Failures never reach the caller:
// any transport or parse problem becomes a benign verdict carrying the
// error in its summary.
type Detector struct {
	client *Client
	model  string
	logger zerolog.Logger
}

// NewDetector builds a Detector on the given model.
func NewDetector(client *Client, model string, logger zerolog.Logger) *Detector {
	return &Detector{client: client, model: model, logger: logger}
}

type verdictPayload struct {
	IsAnomaly   bool    `json:"is_anomaly"`
	Confidence  float64 `json:"confidence"`
	AnomalyType string  `json:"anomaly_type"`
	Severity    string  `json:"severity"`
	Summary     string  `json:"summary"`
}

// DetectAnomaly classifies a chunk of log text for the named service. The
// optional context map is rendered into the prompt as JSON.
func (d *Detector) DetectAnomaly(ctx context.Context, logChunk, serviceName string, extra map[string]any) models.AnomalyVerdict {
	contextBlock := ""
	if len(extra) > 0 {
		if encoded, err := json.MarshalIndent(extra, "", "  "); err == nil {
			contextBlock = "\n\nAdditional context:\n" + string(encoded)
		}
	}

	d.logger.Debug().
		Str("service", serviceName).
		Int("chars", len(logChunk)).
		Msg("Classifying logs")

	content, err := d.client.Chat(ctx, ChatRequest{
		Model: d.model,
		Messages: []Message{
			{Role: "system", Content: detectorSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(detectorUserPrompt, serviceName, logChunk, contextBlock)},
		},
		Temperature:   0.1,
		MaxTokens:     300,
		JSONMode:      true,
		ProviderOrder: []string{"Cerebras"},
	})
	if err != nil {
		return benignVerdict(err)
	}

	verdict, err := parseVerdict(content)
	if err != nil {
		d.logger.Warn().Err(err).Str("service", serviceName).Msg("Unusable classifier response")
		return benignVerdict(err)
	}

	if verdict.IsAnomaly {
		d.logger.Info().
			Str("service", serviceName).
			Str("type", string(verdict.AnomalyType)).
			Str("severity", string(verdict.Severity)).
			Float64("confidence", verdict.Confidence).
			Msg("Anomaly detected")
	}
	return verdict
}

// benignVerdict is the error-path result: never an anomaly, with the
// failure reason preserved in the summary.
func benignVerdict(err error) models.AnomalyVerdict {
	return models.AnomalyVerdict{
		IsAnomaly:   false,
		Confidence:  0,
		AnomalyType: models.AnomalyNone,
		Severity:    models.SeverityLow,
		Summary:     fmt.Sprintf("Error analyzing logs: %v", err),
	}
}

func parseVerdict(content string) (models.AnomalyVerdict, error) {
	var payload verdictPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return models.AnomalyVerdict{}, fmt.Errorf("invalid response format: %w", err)
	}

	anomalyType := models.AnomalyType(strings.ToLower(payload.AnomalyType))
	severity := models.AnomalySeverity(strings.ToLower(payload.Severity))
	if !anomalyType.Valid() {
		return models.AnomalyVerdict{}, fmt.Errorf("unknown anomaly type %q", payload.AnomalyType)
	}
	if !severity.Valid() {
		return models.AnomalyVerdict{}, fmt.Errorf("unknown severity %q", payload.Severity)
	}
	if payload.Confidence < 0 || payload.Confidence > 1 {
		return models.AnomalyVerdict{}, fmt.Errorf("confidence %v out of range", payload.Confidence)
	}

	return models.AnomalyVerdict{
		IsAnomaly:   payload.IsAnomaly,
		Confidence:  payload.Confidence,
		AnomalyType: anomalyType,
		Severity:    severity,
		Summary:     payload.Summary,
	}, nil
}

type sensitiveKeysPayload struct {
	SensitiveKeys []string `json:"sensitive_keys"`
}

// ClassifySensitiveEnv asks the fast model which variable names are
// secrets. Errors surface to the caller, which falls back to pattern
// detection.
func (d *Detector) ClassifySensitiveEnv(ctx context.Context, names []string) ([]string, error) {
	if len(names) == 0 {
		return nil, nil
	}

	var listing strings.Builder
	for _, name := range names {
		listing.WriteString("- ")
		listing.WriteString(name)
		listing.WriteString("\n")
	}

	content, err := d.client.Chat(ctx, ChatRequest{
		Model: d.model,
		Messages: []Message{
			{Role: "system", Content: envClassifierSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(envClassifierUserPrompt, listing.String())},
		},
		Temperature:   0,
		MaxTokens:     500,
		JSONMode:      true,
		ProviderOrder: []string{"Cerebras"},
	})
	if err != nil {
		return nil, err
	}

	var payload sensitiveKeysPayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("invalid classification response: %w", err)
	}
	return payload.SensitiveKeys, nil
}
