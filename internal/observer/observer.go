// Package observer watches labelled containers on the local Docker daemon
// and turns them into the sentinel's telemetry streams: periodic container
// samples, live log lines, and anomaly escalations into the incident
// pipeline.
package observer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	cerrdefs "github.com/containerd/errdefs"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/aryan877/sre-sentinel/internal/buffer"
	"github.com/aryan877/sre-sentinel/internal/metrics"
	"github.com/aryan877/sre-sentinel/internal/models"
	"github.com/aryan877/sre-sentinel/internal/pipeline"
)

// Containers opt in to monitoring with MonitorLabel=true; ServiceLabel
// overrides the display name used in events and incidents.
const (
	MonitorLabel = "sre-sentinel.monitor"
	ServiceLabel = "sre-sentinel.service"
)

const (
	logBufferSize = 2000
	// anomalyWindow is how many buffered lines a fast-classifier check sees.
	anomalyWindow = 200

	statsInterval       = 5 * time.Second
	monitorRestartDelay = 10 * time.Second
	eventsRetryDelay    = 5 * time.Second
	eventsReopenDelay   = 10 * time.Second
)

// errContainerGone signals that the runtime no longer knows the container.
var errContainerGone = errors.New("container no longer exists")

// dockerAPI is the slice of the Docker client the observer depends on.
type dockerAPI interface {
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]containertypes.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (containertypes.InspectResponse, error)
	ContainerStatsOneShot(ctx context.Context, containerID string) (containertypes.StatsResponseReader, error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
}

// Detector is the fast anomaly classifier invoked from the log pump.
type Detector interface {
	DetectAnomaly(ctx context.Context, logChunk, serviceName string, containerContext map[string]any) models.AnomalyVerdict
}

// Escalator receives qualifying anomalies with their container context.
type Escalator interface {
	HandleIncident(ctx context.Context, cctx pipeline.ContainerContext, anomaly models.AnomalyVerdict)
}

// Publisher is the write side of the event bus.
type Publisher interface {
	Publish(ctx context.Context, event any)
}

// Observer discovers labelled containers and runs one monitor per
// container until the container is destroyed or the observer stops.
type Observer struct {
	docker    dockerAPI
	detector  Detector
	escalator Escalator
	bus       Publisher
	logger    zerolog.Logger

	linesPerCheck int
	checkInterval time.Duration
	statsEvery    time.Duration
	restartDelay  time.Duration

	mu       sync.Mutex
	states   map[string]models.ContainerState
	monitors map[string]*tracked

	wg sync.WaitGroup
}

// tracked is the per-container monitor handle. The log ring survives
// monitor restarts so incident context keeps the full recent history.
type tracked struct {
	id     string
	cancel context.CancelFunc
	logs   *buffer.Ring[models.LogEntry]

	// prev is the previous stats sample, touched only by the sampler.
	prev *statsSample
}

// New builds an Observer. linesPerCheck and checkInterval control how
// often buffered logs are handed to the fast classifier.
func New(docker dockerAPI, detector Detector, escalator Escalator, bus Publisher, linesPerCheck int, checkInterval time.Duration, logger zerolog.Logger) *Observer {
	return &Observer{
		docker:        docker,
		detector:      detector,
		escalator:     escalator,
		bus:           bus,
		logger:        logger,
		linesPerCheck: linesPerCheck,
		checkInterval: checkInterval,
		statsEvery:    statsInterval,
		restartDelay:  monitorRestartDelay,
		states:        make(map[string]models.ContainerState),
		monitors:      make(map[string]*tracked),
	}
}

// Run discovers labelled containers, then consumes the daemon's event
// stream until ctx is cancelled. It blocks for the observer's lifetime.
func (o *Observer) Run(ctx context.Context) error {
	if err := o.discover(ctx); err != nil {
		return err
	}
	o.watchEvents(ctx)
	o.wg.Wait()
	return nil
}

// SnapshotContainers returns a copy of the latest sample for every
// tracked container.
func (o *Observer) SnapshotContainers() []models.ContainerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.ContainerState, 0, len(o.states))
	for _, state := range o.states {
		out = append(out, state)
	}
	return out
}

func (o *Observer) discover(ctx context.Context) error {
	list, err := o.docker.ContainerList(ctx, containertypes.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", MonitorLabel+"=true")),
	})
	if err != nil {
		return fmt.Errorf("failed to list containers: %w", err)
	}

	o.logger.Info().Int("count", len(list)).Msg("Discovered monitored containers")
	for _, summary := range list {
		o.track(ctx, summary.ID)
	}
	return nil
}

// watchEvents consumes the daemon event stream, reconnecting with the
// bounded backoff set aside for runtime errors (5s) and unexpected
// stream closes (10s).
func (o *Observer) watchEvents(ctx context.Context) {
	for ctx.Err() == nil {
		msgs, errs := o.docker.Events(ctx, events.ListOptions{Filters: eventFilter()})
		o.logger.Debug().Msg("Docker event stream opened")

	stream:
		for {
			select {
			case <-ctx.Done():
				return
			case err := <-errs:
				if err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Warn().Err(err).Msg("Docker event stream failed, reconnecting")
					sleep(ctx, eventsRetryDelay)
				}
				break stream
			case msg, ok := <-msgs:
				if !ok {
					o.logger.Warn().Msg("Docker event stream closed unexpectedly, reconnecting")
					sleep(ctx, eventsReopenDelay)
					break stream
				}
				o.handleEvent(ctx, msg)
			}
		}
	}
}

func (o *Observer) handleEvent(ctx context.Context, msg events.Message) {
	if msg.Type != events.ContainerEventType {
		return
	}
	name := msg.Actor.Attributes["name"]

	switch msg.Action {
	case events.ActionStart:
		o.logger.Info().Str("container", name).Msg("Container started")
		o.track(ctx, msg.Actor.ID)
	case events.ActionRestart:
		o.logger.Info().Str("container", name).Msg("Container restarted")
		o.track(ctx, msg.Actor.ID)
	case events.ActionDestroy:
		o.logger.Info().Str("container", name).Msg("Container destroyed, dropping monitor")
		o.drop(msg.Actor.ID)
	case events.ActionStop, events.ActionDie, events.ActionKill, events.ActionPause:
		o.logger.Debug().Str("container", name).Str("action", string(msg.Action)).Msg("Container state change")
	}
}

// track starts a monitor for the container unless one is already running.
func (o *Observer) track(ctx context.Context, id string) {
	o.mu.Lock()
	if _, ok := o.monitors[id]; ok {
		o.mu.Unlock()
		return
	}
	mctx, cancel := context.WithCancel(ctx)
	t := &tracked{
		id:     id,
		cancel: cancel,
		logs:   buffer.NewRing[models.LogEntry](logBufferSize),
	}
	o.monitors[id] = t
	o.mu.Unlock()

	metrics.MonitoredContainers.Inc()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer cancel()
		o.runMonitor(mctx, t)
	}()
}

// drop cancels the container's monitor and forgets its state.
func (o *Observer) drop(id string) {
	o.mu.Lock()
	t, ok := o.monitors[id]
	if ok {
		delete(o.monitors, id)
	}
	delete(o.states, id)
	o.mu.Unlock()

	if ok {
		t.cancel()
		metrics.MonitoredContainers.Dec()
	}
}

// reap forgets a monitor that exited on its own, keeping the last
// published state visible.
func (o *Observer) reap(id string) {
	o.mu.Lock()
	_, ok := o.monitors[id]
	if ok {
		delete(o.monitors, id)
	}
	o.mu.Unlock()
	if ok {
		metrics.MonitoredContainers.Dec()
	}
}

// runMonitor supervises one container: it runs the log pump and stats
// sampler, and on a crash re-fetches the container after a pause and
// starts over. A container the runtime no longer knows stays dead.
func (o *Observer) runMonitor(ctx context.Context, t *tracked) {
	defer o.reap(t.id)

	for ctx.Err() == nil {
		info, err := o.docker.ContainerInspect(ctx, t.id)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if cerrdefs.IsNotFound(err) {
				o.markOffline(ctx, t)
				return
			}
			o.logger.Warn().Err(err).Str("container_id", shortID(t.id)).Msg("Container inspect failed, retrying monitor")
			sleep(ctx, o.restartDelay)
			continue
		}

		m := newMonitor(o, t, info)
		err = m.run(ctx)
		if ctx.Err() != nil {
			return
		}
		if errors.Is(err, errContainerGone) {
			o.markOffline(ctx, t)
			return
		}
		o.logger.Warn().Err(err).Str("container", m.name).Msg("Container monitor stopped, restarting")
		sleep(ctx, o.restartDelay)
	}
}

// markOffline publishes the terminal sample for a removed container.
func (o *Observer) markOffline(ctx context.Context, t *tracked) {
	o.mu.Lock()
	state, ok := o.states[t.id]
	o.mu.Unlock()
	if !ok {
		state = models.ContainerState{ID: t.id}
	}

	state.Status = "offline"
	state.Restarts = nil
	state.CPU, state.Memory = 0, 0
	state.NetworkRx, state.NetworkTx = 0, 0
	state.DiskRead, state.DiskWrite = 0, 0
	state.Timestamp = models.UTCNow()
	o.publishState(ctx, state)
	o.logger.Info().Str("container", state.Name).Msg("Container is gone, monitor stopped")
}

func (o *Observer) publishState(ctx context.Context, state models.ContainerState) {
	o.mu.Lock()
	o.states[state.ID] = state
	o.mu.Unlock()
	o.bus.Publish(ctx, models.NewContainerUpdateEvent(state))
}

// monitor is one attempt at monitoring a container. It is rebuilt from a
// fresh inspect on every restart so name, labels, and TTY mode stay
// current.
type monitor struct {
	obs     *Observer
	t       *tracked
	name    string
	service string
	tty     bool
}

func newMonitor(o *Observer, t *tracked, info containertypes.InspectResponse) *monitor {
	name := strings.TrimPrefix(info.Name, "/")
	service := name
	if info.Config != nil {
		if label := strings.TrimSpace(info.Config.Labels[ServiceLabel]); label != "" {
			service = label
		}
	}
	tty := info.Config != nil && info.Config.Tty

	m := &monitor{obs: o, t: t, name: name, service: service, tty: tty}
	return m
}

// run publishes an initial zero-metric sample, then drives the log pump
// and stats sampler until one of them fails or ctx is cancelled.
func (m *monitor) run(ctx context.Context) error {
	m.obs.logger.Info().Str("container", m.name).Str("service", m.service).Msg("Monitoring container")
	m.obs.publishState(ctx, m.initialState(ctx))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.pumpLogs(gctx) })
	g.Go(func() error { return m.sampleStats(gctx) })
	return g.Wait()
}

func (m *monitor) initialState(ctx context.Context) models.ContainerState {
	state := models.ContainerState{
		ID:        m.t.id,
		Name:      m.name,
		Service:   m.service,
		Status:    "unknown",
		Timestamp: models.UTCNow(),
	}
	if info, err := m.obs.docker.ContainerInspect(ctx, m.t.id); err == nil && info.State != nil {
		state.Status = info.State.Status
		restarts := info.RestartCount
		state.Restarts = &restarts
	}
	return state
}

// pumpLogs follows the container's log stream. Every line lands in the
// ring buffer and on the bus; every linesPerCheck lines or checkInterval
// elapsed, whichever comes first, the buffered tail goes to the fast
// classifier.
func (m *monitor) pumpLogs(ctx context.Context) error {
	rc, err := m.obs.docker.ContainerLogs(ctx, m.t.id, containertypes.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		if cerrdefs.IsNotFound(err) {
			return errContainerGone
		}
		return fmt.Errorf("failed to open log stream: %w", err)
	}
	defer rc.Close()

	// Non-TTY streams are multiplexed; fold stdout and stderr back into
	// one line stream.
	reader := io.Reader(rc)
	if !m.tty {
		pr, pw := io.Pipe()
		go func() {
			_, copyErr := stdcopy.StdCopy(pw, pw, rc)
			pw.CloseWithError(copyErr)
		}()
		reader = pr
	}

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	linesSince := 0
	lastCheck := time.Now()
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		entry := models.LogEntry{Timestamp: models.UTCNow(), Line: line}
		m.t.logs.Push(entry)
		m.obs.bus.Publish(ctx, models.NewLogEvent(m.service, entry.Timestamp, line))
		metrics.LogLines.WithLabelValues(m.service).Inc()

		linesSince++
		if linesSince >= m.obs.linesPerCheck || time.Since(lastCheck) >= m.obs.checkInterval {
			m.checkAnomalies(ctx)
			linesSince = 0
			lastCheck = time.Now()
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("log stream read failed: %w", err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("log stream ended")
}

// checkAnomalies hands the buffered tail to the fast classifier and
// escalates qualifying verdicts without blocking the pump.
func (m *monitor) checkAnomalies(ctx context.Context) {
	entries := m.t.logs.Last(anomalyWindow)
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Line)
	}
	chunk := strings.TrimSpace(strings.Join(lines, "\n"))
	if chunk == "" {
		return
	}

	verdict := m.obs.detector.DetectAnomaly(ctx, chunk, m.service, m.classifierContext(ctx))
	metrics.AnomalyChecks.WithLabelValues(m.service, strconv.FormatBool(verdict.IsAnomaly)).Inc()
	if !verdict.Escalates() {
		return
	}

	m.obs.logger.Warn().
		Str("service", m.service).
		Str("type", string(verdict.AnomalyType)).
		Str("severity", string(verdict.Severity)).
		Str("summary", verdict.Summary).
		Msg("Anomaly detected, escalating")

	cctx := m.incidentContext(ctx)
	m.obs.wg.Add(1)
	go func() {
		defer m.obs.wg.Done()
		m.obs.escalator.HandleIncident(ctx, cctx, verdict)
	}()
}

// classifierContext is the small status snapshot attached to fast checks.
func (m *monitor) classifierContext(ctx context.Context) map[string]any {
	info, err := m.obs.docker.ContainerInspect(ctx, m.t.id)
	if err != nil || info.State == nil {
		return nil
	}
	health := ""
	if info.State.Health != nil {
		health = info.State.Health.Status
	}
	return map[string]any{
		"status":    info.State.Status,
		"health":    health,
		"restarts":  info.RestartCount,
		"exit_code": info.State.ExitCode,
	}
}

// incidentContext snapshots everything the pipeline needs: the full log
// buffer, the container's environment, and inspect-derived stats.
func (m *monitor) incidentContext(ctx context.Context) pipeline.ContainerContext {
	entries := m.t.logs.Snapshot()
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Line)
	}

	cctx := pipeline.ContainerContext{
		ID:      m.t.id,
		Name:    m.name,
		Service: m.service,
		AllLogs: strings.Join(lines, "\n"),
		LiveStatus: func(ctx context.Context) string {
			info, err := m.obs.docker.ContainerInspect(ctx, m.t.id)
			if err != nil || info.State == nil {
				return ""
			}
			return info.State.Status
		},
	}

	info, err := m.obs.docker.ContainerInspect(ctx, m.t.id)
	if err != nil {
		return cctx
	}
	if info.Config != nil {
		cctx.Env = parseEnv(info.Config.Env)
	}
	restarts := info.RestartCount
	stats := &models.ContainerStats{
		Restarts: &restarts,
		Created:  info.Created,
	}
	if info.State != nil {
		stats.Status = info.State.Status
		exitCode := info.State.ExitCode
		stats.ExitCode = &exitCode
	}
	cctx.Stats = stats
	return cctx
}

// statsSample holds the cumulative counters from the previous tick, the
// basis for every rate and percentage.
type statsSample struct {
	read      time.Time
	cpuTotal  uint64
	cpuSystem uint64
	cores     int
	networkRx uint64
	networkTx uint64
	diskRead  uint64
	diskWrite uint64
}

// sampleStats publishes a container sample every statsInterval. A
// vanished container ends the monitor; any other stats failure publishes
// an unknown-status sample and keeps going.
func (m *monitor) sampleStats(ctx context.Context) error {
	ticker := time.NewTicker(m.obs.statsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		info, err := m.obs.docker.ContainerInspect(ctx, m.t.id)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cerrdefs.IsNotFound(err) {
				return errContainerGone
			}
			m.publishUnknown(ctx)
			continue
		}

		stats, err := m.readStats(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if cerrdefs.IsNotFound(err) {
				return errContainerGone
			}
			m.obs.logger.Debug().Err(err).Str("container", m.name).Msg("Stats read failed")
			m.publishUnknown(ctx)
			continue
		}

		m.obs.publishState(ctx, m.buildState(info, stats, time.Now()))
	}
}

func (m *monitor) publishUnknown(ctx context.Context) {
	m.obs.publishState(ctx, models.ContainerState{
		ID:        m.t.id,
		Name:      m.name,
		Service:   m.service,
		Status:    "unknown",
		Timestamp: models.UTCNow(),
	})
}

func (m *monitor) readStats(ctx context.Context) (containertypes.StatsResponse, error) {
	resp, err := m.obs.docker.ContainerStatsOneShot(ctx, m.t.id)
	if err != nil {
		return containertypes.StatsResponse{}, err
	}
	defer resp.Body.Close()

	var stats containertypes.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return containertypes.StatsResponse{}, fmt.Errorf("failed to decode stats: %w", err)
	}
	return stats, nil
}

// buildState turns raw runtime counters into one published sample, using
// the previous tick's counters for deltas. Rates track the counters as
// observed; a counter reset shows up as a negative rate rather than a
// fabricated zero.
func (m *monitor) buildState(info containertypes.InspectResponse, stats containertypes.StatsResponse, now time.Time) models.ContainerState {
	cur := statsSample{
		read:      now,
		cpuTotal:  stats.CPUStats.CPUUsage.TotalUsage,
		cpuSystem: stats.CPUStats.SystemUsage,
		cores:     len(stats.CPUStats.CPUUsage.PercpuUsage),
	}
	if cur.cores == 0 {
		cur.cores = int(stats.CPUStats.OnlineCPUs)
	}
	for _, network := range stats.Networks {
		cur.networkRx += network.RxBytes
		cur.networkTx += network.TxBytes
	}
	for _, entry := range stats.BlkioStats.IoServiceBytesRecursive {
		switch strings.ToLower(entry.Op) {
		case "read":
			cur.diskRead += entry.Value
		case "write":
			cur.diskWrite += entry.Value
		}
	}

	state := models.ContainerState{
		ID:        m.t.id,
		Name:      m.name,
		Service:   m.service,
		Timestamp: now.UTC().Format(time.RFC3339Nano),
	}
	if info.State != nil {
		state.Status = info.State.Status
	}
	restarts := info.RestartCount
	state.Restarts = &restarts

	// Memory mirrors `docker stats`: reclaimable cache is not usage.
	cache := stats.MemoryStats.Stats["cache"]
	if limit := stats.MemoryStats.Limit; limit > 0 {
		usage := float64(stats.MemoryStats.Usage) - float64(cache)
		state.Memory = round2(usage / float64(limit) * 100)
	}

	if prev := m.t.prev; prev != nil {
		cpuDelta := float64(cur.cpuTotal) - float64(prev.cpuTotal)
		systemDelta := float64(cur.cpuSystem) - float64(prev.cpuSystem)
		if systemDelta > 0 && cpuDelta >= 0 && cur.cores > 0 {
			state.CPU = round2(cpuDelta / systemDelta * float64(cur.cores) * 100)
		}

		if elapsed := now.Sub(prev.read).Seconds(); elapsed > 0 {
			state.NetworkRx = rate(prev.networkRx, cur.networkRx, elapsed)
			state.NetworkTx = rate(prev.networkTx, cur.networkTx, elapsed)
			state.DiskRead = rate(prev.diskRead, cur.diskRead, elapsed)
			state.DiskWrite = rate(prev.diskWrite, cur.diskWrite, elapsed)
		}
	}
	m.t.prev = &cur

	return state
}

func rate(prev, cur uint64, elapsed float64) float64 {
	return round2((float64(cur) - float64(prev)) / elapsed)
}

func round2(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return math.Round(v*100) / 100
}

// eventFilter narrows the daemon event stream to container events for
// opted-in containers.
func eventFilter() filters.Args {
	return filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("label", MonitorLabel+"=true"),
	)
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		if key, value, ok := strings.Cut(kv, "="); ok {
			out[key] = value
		}
	}
	return out
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
