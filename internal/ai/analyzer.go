package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/aryan877/sre-sentinel/internal/models"
)

const analyzerSystemPrompt = `You are a world-class Site Reliability Engineer with deep expertise in:
- Container orchestration (Docker, Kubernetes)
- Database systems (PostgreSQL, MySQL, Redis)
- Application debugging (Node.js, Python, Java, Go)
- Network troubleshooting
- Performance optimization

Given comprehensive system context, perform root cause analysis and provide actionable fixes.

Available MCP Gateway tools will be provided in the user message. Use only the tools listed there.

For each fix, provide structured JSON parameters that match the tool's input schema.
For example:
- For restart_container: {"container_name": "service-name", "reason": "description"}
- For update_env_vars: {"container_name": "service-name", "env_updates": {"KEY": "value"}}
- For update_resources: {"container_name": "service-name", "resources": {"memory": "512m", "cpu": "0.5"}}

Respond ONLY with a JSON object in this format:
{
    "root_cause": "detailed explanation of the underlying issue",
    "explanation": "step-by-step reasoning of how you arrived at this conclusion",
    "affected_components": ["component1", "component2"],
    "suggested_fixes": [
        {
            "action": "tool_name_from_available_tools",
            "target": "service_name or file_path",
            "parameters": {"structured": "json_parameters"},
            "priority": 1-5
        }
    ],
    "confidence": 0.0-1.0,
    "prevention": "how to prevent this issue in the future"
}`

const analyzerUserPrompt = "Analyze this production incident and provide root cause + fixes:\n\n%s\n\nYour analysis:"

const narrationPrompt = `Convert this technical root cause analysis into a simple, natural language explanation
that a non-technical stakeholder can understand.

Technical Analysis:
%s

Write two short paragraphs that cover:
1. What broke
2. Why it broke
3. What is being done to fix it
4. How long remediation is expected to take
`

const narrationFallback = "Unable to generate human-friendly explanation"

// AnalysisRequest carries everything the deep analyzer gets to see about
// an incident. EnvironmentVars must already be redacted.
type AnalysisRequest struct {
	AnomalySummary  string
	FullLogs        string
	DockerCompose   string
	EnvironmentVars map[string]string
	ContainerStats  *models.ContainerStats
	AvailableTools  string
}

// Analyzer is the deep root-cause analyzer. Unlike the detector, its
// failures surface to the caller so the pipeline can mark the incident
// unresolved.
type Analyzer struct {
	client *Client
	model  string
	logger zerolog.Logger
}

// NewAnalyzer builds an Analyzer on the given model.
func NewAnalyzer(client *Client, model string, logger zerolog.Logger) *Analyzer {
	return &Analyzer{client: client, model: model, logger: logger}
}

type fixActionPayload struct {
	Action     string          `json:"action"`
	Target     string          `json:"target"`
	Parameters json.RawMessage `json:"parameters"`
	Priority   int             `json:"priority"`
}

type rootCausePayload struct {
	RootCause          string             `json:"root_cause"`
	Explanation        string             `json:"explanation"`
	AffectedComponents []string           `json:"affected_components"`
	SuggestedFixes     []fixActionPayload `json:"suggested_fixes"`
	Confidence         float64            `json:"confidence"`
	Prevention         string             `json:"prevention"`
}

// AnalyzeRootCause sends the full incident context to the deep model and
// parses the structured diagnosis.
func (a *Analyzer) AnalyzeRootCause(ctx context.Context, req AnalysisRequest) (*models.RootCauseAnalysis, error) {
	fullContext := buildContext(req)

	a.logger.Info().
		Int("context_chars", len(fullContext)).
		Int("approx_tokens", len(fullContext)/4).
		Msg("Running root cause analysis")

	content, err := a.client.Chat(ctx, ChatRequest{
		Model: a.model,
		Messages: []Message{
			{Role: "system", Content: analyzerSystemPrompt},
			{Role: "user", Content: fmt.Sprintf(analyzerUserPrompt, fullContext)},
		},
		Temperature: 0.2,
		MaxTokens:   2000,
		JSONMode:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to contact model API: %w", err)
	}

	analysis, err := parseAnalysis(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse analysis response: %w", err)
	}

	a.logger.Info().
		Float64("confidence", analysis.Confidence).
		Int("fixes", len(analysis.SuggestedFixes)).
		Msg("Root cause analysis complete")
	return analysis, nil
}

// ExplainForHumans turns a diagnosis into a short stakeholder narrative.
// It never fails: any problem yields a fixed fallback string.
func (a *Analyzer) ExplainForHumans(ctx context.Context, analysis *models.RootCauseAnalysis) string {
	encoded, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return narrationFallback
	}

	content, err := a.client.Chat(ctx, ChatRequest{
		Model: a.model,
		Messages: []Message{
			{Role: "user", Content: fmt.Sprintf(narrationPrompt, string(encoded))},
		},
		Temperature: 0.7,
		MaxTokens:   500,
	})
	if err != nil {
		a.logger.Warn().Err(err).Msg("Narration generation failed")
		return fmt.Sprintf("Error generating explanation: %v", err)
	}
	if content == "" {
		return narrationFallback
	}
	return content
}

func parseAnalysis(content string) (*models.RootCauseAnalysis, error) {
	var payload rootCausePayload
	if err := json.Unmarshal([]byte(content), &payload); err != nil {
		return nil, fmt.Errorf("invalid response format: %w", err)
	}

	if payload.Confidence < 0 || payload.Confidence > 1 {
		return nil, fmt.Errorf("confidence %v out of range", payload.Confidence)
	}

	fixes := make([]models.FixAction, 0, len(payload.SuggestedFixes))
	for i, fix := range payload.SuggestedFixes {
		if fix.Priority < 1 || fix.Priority > 5 {
			return nil, fmt.Errorf("fix %d: priority %d out of range", i, fix.Priority)
		}
		details := "{}"
		if len(fix.Parameters) > 0 {
			details = string(fix.Parameters)
		}
		fixes = append(fixes, models.FixAction{
			Action:   strings.ToLower(fix.Action),
			Target:   fix.Target,
			Details:  details,
			Priority: fix.Priority,
		})
	}

	return &models.RootCauseAnalysis{
		RootCause:          payload.RootCause,
		Explanation:        payload.Explanation,
		AffectedComponents: payload.AffectedComponents,
		SuggestedFixes:     fixes,
		Confidence:         payload.Confidence,
		Prevention:         payload.Prevention,
	}, nil
}

func buildContext(req AnalysisRequest) string {
	sections := []string{fmt.Sprintf("# Anomaly Detected\n%s\n", req.AnomalySummary)}

	if req.AvailableTools != "" {
		sections = append(sections, "\n# Available MCP Gateway Tools\n"+req.AvailableTools)
	}
	if req.ContainerStats != nil {
		if encoded, err := json.MarshalIndent(req.ContainerStats, "", "  "); err == nil {
			sections = append(sections, "\n# Container Stats\n"+string(encoded))
		}
	}
	if len(req.EnvironmentVars) > 0 {
		if encoded, err := json.MarshalIndent(req.EnvironmentVars, "", "  "); err == nil {
			sections = append(sections, "\n# Environment Variables\n"+string(encoded))
		}
	}
	if req.DockerCompose != "" {
		sections = append(sections, fmt.Sprintf("\n# Docker Compose Configuration\n```yaml\n%s\n```", req.DockerCompose))
	}
	sections = append(sections, fmt.Sprintf("\n# Complete Log History (%d characters)\n```\n%s\n```", len(req.FullLogs), req.FullLogs))

	return strings.Join(sections, "\n")
}
