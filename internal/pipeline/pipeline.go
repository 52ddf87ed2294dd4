// Package pipeline drives an incident from anomaly to resolution: gather
// context, diagnose with the deep model, remediate through the MCP
// gateway, verify recovery, then narrate for stakeholders. Every stage
// boundary publishes the incident record on the event bus.
package pipeline

import (
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aryan877/sre-sentinel/internal/ai"
	"github.com/aryan877/sre-sentinel/internal/metrics"
	"github.com/aryan877/sre-sentinel/internal/models"
)

// Analyzer is the deep diagnosis surface the pipeline depends on.
type Analyzer interface {
	AnalyzeRootCause(ctx context.Context, req ai.AnalysisRequest) (*models.RootCauseAnalysis, error)
	ExplainForHumans(ctx context.Context, analysis *models.RootCauseAnalysis) string
}

// Gateway is the remediation surface the pipeline depends on.
type Gateway interface {
	VerifyGatewayHealth(ctx context.Context) bool
	ToolCatalog(ctx context.Context) (string, error)
	ExecuteFix(ctx context.Context, fix models.FixAction) models.FixExecutionResult
	VerifyHealth(ctx context.Context, containerName string) bool
}

// Redactor scrubs environment variables before they enter a prompt.
type Redactor interface {
	RedactEnv(ctx context.Context, env map[string]string) map[string]string
}

// Publisher is the write side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, event any)
}

// ContainerContext is the snapshot of one container at escalation time,
// gathered by the observer. LiveStatus re-reads the runtime status at
// verification time; it may be nil when the runtime is unreachable.
type ContainerContext struct {
	ID         string
	Name       string
	Service    string
	AllLogs    string
	Env        map[string]string
	Stats      *models.ContainerStats
	LiveStatus func(ctx context.Context) string
}

// Pipeline runs incidents. Incidents touching the same container are
// serialized; distinct containers proceed concurrently.
type Pipeline struct {
	analyzer    Analyzer
	gateway     Gateway
	redactor    Redactor
	bus         Publisher
	composePath string
	logger      zerolog.Logger

	composeOnce sync.Once
	composeText string

	mu        sync.Mutex
	incidents []models.Incident

	targetsMu sync.Mutex
	targets   map[string]*sync.Mutex
}

// New builds a Pipeline. composePath points at the deployment's compose
// file; a missing file just omits that context section.
func New(analyzer Analyzer, gw Gateway, red Redactor, bus Publisher, composePath string, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		analyzer:    analyzer,
		gateway:     gw,
		redactor:    red,
		bus:         bus,
		composePath: composePath,
		logger:      logger,
		targets:     make(map[string]*sync.Mutex),
	}
}

// SnapshotIncidents returns a copy of all incident records, oldest first.
func (p *Pipeline) SnapshotIncidents() []models.Incident {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.Incident, len(p.incidents))
	copy(out, p.incidents)
	return out
}

// HandleIncident runs the full incident lifecycle for an escalated
// anomaly. It blocks until the incident reaches a terminal status; the
// observer runs it on its own goroutine.
func (p *Pipeline) HandleIncident(ctx context.Context, cctx ContainerContext, anomaly models.AnomalyVerdict) {
	lock := p.targetLock(cctx.Name)
	lock.Lock()
	defer lock.Unlock()

	inc := models.Incident{
		ID:         models.NewIncidentID(time.Now()),
		Service:    cctx.Service,
		DetectedAt: models.UTCNow(),
		Anomaly:    anomaly,
		Status:     models.StatusAnalyzing,
	}

	logger := p.logger.With().Str("incident", inc.ID).Str("service", cctx.Service).Logger()
	logger.Warn().
		Str("type", string(anomaly.AnomalyType)).
		Str("severity", string(anomaly.Severity)).
		Msg("Incident opened")

	idx := p.record(inc)
	p.bus.Publish(ctx, models.NewIncidentEvent(inc))

	// Diagnose.
	analysis, err := p.diagnose(ctx, cctx, anomaly)
	if err != nil {
		logger.Error().Err(err).Msg("Root cause analysis failed")
		inc.Status = models.StatusUnresolved
		inc.ResolutionNotes = "Root cause analysis failed: " + err.Error()
		p.finish(ctx, idx, inc)
		return
	}
	inc.Analysis = analysis
	p.update(ctx, idx, inc)
	logger.Info().Float64("confidence", analysis.Confidence).Msg("Root cause identified")

	// Preflight: no remediation against a gateway we cannot verify.
	if !p.gateway.VerifyGatewayHealth(ctx) {
		logger.Error().Msg("MCP Gateway is not healthy, skipping fix execution")
		inc.Status = models.StatusUnresolved
		inc.ResolutionNotes = "MCP Gateway health check failed"
		p.finish(ctx, idx, inc)
		return
	}

	// Remediate in the order the model proposed.
	for _, fix := range analysis.SuggestedFixes {
		result := p.gateway.ExecuteFix(ctx, fix)
		inc.Fixes = append(inc.Fixes, result)

		outcome := "success"
		if !result.Success {
			outcome = "failure"
			logger.Error().
				Str("action", fix.Action).
				Str("error", firstNonEmpty(result.Error, result.Message, "Unknown error")).
				Msg("Fix failed")
		}
		metrics.FixExecutions.WithLabelValues(fix.Action, outcome).Inc()
	}
	p.update(ctx, idx, inc)

	// Verify: the incident resolves only when the health probe passes,
	// every critical fix succeeded, and the container is actually running.
	healthy := p.gateway.VerifyHealth(ctx, cctx.Name)

	criticalsOK := true
	for _, fix := range inc.Fixes {
		if fix.Critical() && !fix.Success {
			criticalsOK = false
		}
	}

	running := false
	if cctx.LiveStatus != nil {
		running = cctx.LiveStatus(ctx) == "running"
	}

	if healthy && criticalsOK && running {
		inc.Status = models.StatusResolved
		inc.ResolvedAt = models.UTCNow()
		logger.Info().Msg("Incident resolved")
	} else {
		inc.Status = models.StatusUnresolved
		var reasons []string
		if !criticalsOK {
			reasons = append(reasons, "critical fixes failed")
		}
		if !healthy {
			reasons = append(reasons, "health check failed")
		}
		if !running {
			reasons = append(reasons, "container not running")
		}
		inc.ResolutionNotes = "Manual intervention required: " + strings.Join(reasons, ", ")
		logger.Error().Strs("reasons", reasons).Msg("Incident unresolved")
	}
	p.update(ctx, idx, inc)
	metrics.Incidents.WithLabelValues(string(inc.Status)).Inc()

	// Narrate. The explanation is informational only and never moves the
	// incident out of its terminal status.
	inc.Explanation = p.analyzer.ExplainForHumans(ctx, analysis)
	p.update(ctx, idx, inc)
}

// diagnose gathers redacted context and runs the deep analyzer.
func (p *Pipeline) diagnose(ctx context.Context, cctx ContainerContext, anomaly models.AnomalyVerdict) (*models.RootCauseAnalysis, error) {
	catalog, err := p.gateway.ToolCatalog(ctx)
	if err != nil {
		// Diagnosis can proceed without a catalog; the preflight check
		// will stop remediation if the gateway stays down.
		p.logger.Warn().Err(err).Msg("Tool catalog unavailable for diagnosis")
		catalog = ""
	}

	redacted := map[string]string{}
	if p.redactor != nil && len(cctx.Env) > 0 {
		redacted = p.redactor.RedactEnv(ctx, cctx.Env)
	}

	return p.analyzer.AnalyzeRootCause(ctx, ai.AnalysisRequest{
		AnomalySummary:  anomaly.Summary,
		FullLogs:        cctx.AllLogs,
		DockerCompose:   p.readCompose(),
		EnvironmentVars: redacted,
		ContainerStats:  cctx.Stats,
		AvailableTools:  catalog,
	})
}

// finish records a terminal status reached before remediation.
func (p *Pipeline) finish(ctx context.Context, idx int, inc models.Incident) {
	p.update(ctx, idx, inc)
	metrics.Incidents.WithLabelValues(string(inc.Status)).Inc()
}

// update syncs the working copy into the store and publishes it.
func (p *Pipeline) update(ctx context.Context, idx int, inc models.Incident) {
	p.mu.Lock()
	p.incidents[idx] = inc
	p.mu.Unlock()

	p.bus.Publish(ctx, models.NewIncidentUpdateEvent(inc))
}

// record appends the incident and returns its slot in the store.
func (p *Pipeline) record(inc models.Incident) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.incidents = append(p.incidents, inc)
	return len(p.incidents) - 1
}

// targetLock serializes incidents per container.
func (p *Pipeline) targetLock(name string) *sync.Mutex {
	p.targetsMu.Lock()
	defer p.targetsMu.Unlock()
	lock, ok := p.targets[name]
	if !ok {
		lock = &sync.Mutex{}
		p.targets[name] = lock
	}
	return lock
}

// readCompose reads the compose descriptor once and caches the result;
// a missing file is cached as empty.
func (p *Pipeline) readCompose() string {
	p.composeOnce.Do(func() {
		data, err := os.ReadFile(p.composePath)
		if err != nil {
			p.logger.Debug().Err(err).Str("path", p.composePath).Msg("Compose file not readable")
			return
		}
		p.composeText = string(data)
	})
	return p.composeText
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
