// Package discovery runs the end-to-end pipeline for one connection: fetch
// raw automations and audit activity, classify, persist, correlate, and feed
// the risk queue. It is the handler behind the discovery job queue.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/umbrix/backend/internal/core"
	"github.com/umbrix/backend/internal/detect"
	"github.com/umbrix/backend/internal/events"
	"github.com/umbrix/backend/internal/faults"
	"github.com/umbrix/backend/internal/infra"
	"github.com/umbrix/backend/internal/jobs"
	"github.com/umbrix/backend/internal/metrics"
	"github.com/umbrix/backend/internal/platform"
	"github.com/umbrix/backend/internal/repo"
	"github.com/umbrix/backend/internal/vault"
)

// Publisher is the slice of the event bus the pipeline needs.
type Publisher interface {
	Publish(ctx context.Context, event *events.Event) error
}

// Pipeline executes discovery runs. One Pipeline serves all connections; all
// per-run state lives on the stack of Run.
type Pipeline struct {
	store      repo.Store
	registry   *platform.Registry
	vault      *vault.Vault
	classifier *detect.Classifier
	configs    *detect.ConfigCache
	correlator *detect.Correlator
	bus        Publisher
	leases     infra.LeaseClient
	broker     *jobs.Broker

	pageSize       int
	auditLookback  time.Duration
	stalenessAfter time.Duration

	metrics *metrics.Metrics
	logger  *log.Logger
	slog    *slog.Logger
}

// Options tune the pipeline; zero values take the platform defaults.
type Options struct {
	PageSize       int
	AuditLookback  time.Duration
	StalenessAfter time.Duration
}

// NewPipeline wires a pipeline over the shared infrastructure.
func NewPipeline(store repo.Store, registry *platform.Registry, v *vault.Vault,
	classifier *detect.Classifier, configs *detect.ConfigCache, bus Publisher,
	leases infra.LeaseClient, broker *jobs.Broker, opts Options) *Pipeline {

	if opts.PageSize <= 0 {
		opts.PageSize = 100
	}
	if opts.AuditLookback <= 0 {
		opts.AuditLookback = 24 * time.Hour
	}
	if opts.StalenessAfter <= 0 {
		opts.StalenessAfter = 30 * 24 * time.Hour
	}
	return &Pipeline{
		store:          store,
		registry:       registry,
		vault:          v,
		classifier:     classifier,
		configs:        configs,
		correlator:     detect.NewCorrelator(),
		bus:            bus,
		leases:         leases,
		broker:         broker,
		pageSize:       opts.PageSize,
		auditLookback:  opts.AuditLookback,
		stalenessAfter: opts.StalenessAfter,
		metrics:        metrics.Default(),
		logger:         log.New(log.Writer(), "[Discovery] ", log.LstdFlags),
		slog:           slog.Default().With("component", "discovery"),
	}
}

// Handler adapts the pipeline to the job pool.
func (p *Pipeline) Handler() jobs.Handler {
	return func(ctx context.Context, job *jobs.Job, report jobs.ProgressFunc) (string, error) {
		return p.Run(ctx, job.Payload.OrganizationID, job.Payload.ConnectionID, job.Payload.RunID, report)
	}
}

func (p *Pipeline) leaseKey(connectionID string) string {
	return "umbrix:lease:discovery:" + connectionID
}

// Run executes one discovery for a connection. A per-connection lease keeps
// concurrent runs out; losing the lease race completes as a no-op so a
// repeatable tick never piles runs up.
func (p *Pipeline) Run(ctx context.Context, organizationID, connectionID, runID string, report jobs.ProgressFunc) (string, error) {
	started := time.Now().UTC()

	conn, err := p.store.GetConnection(ctx, organizationID, connectionID)
	if err != nil {
		return "", err
	}

	token := uuid.NewString()
	acquired, err := p.leases.SetNX(ctx, p.leaseKey(connectionID), token, 35*time.Minute)
	if err != nil {
		return "", faults.Internal(err)
	}
	if !acquired {
		p.logger.Printf("connection %s already has a run in flight, skipping", connectionID)
		return `{"skipped":"run in progress"}`, nil
	}
	defer p.leases.Del(context.WithoutCancel(ctx), p.leaseKey(connectionID))

	run, err := p.openRun(ctx, organizationID, connectionID, runID)
	if err != nil {
		return "", err
	}
	if run == nil {
		// Previously finished run re-delivered at-least-once: nothing to do.
		return `{"skipped":"run already finished"}`, nil
	}

	result, runErr := p.execute(ctx, conn, run, report)
	elapsed := time.Since(started)
	run.Stats.DurationMs = elapsed.Milliseconds()

	switch {
	case runErr == nil:
		p.finishRun(ctx, conn, run, core.RunCompleted, "")
		p.metrics.RecordDiscoveryRun(string(conn.Platform), "completed", elapsed.Seconds())
		return result, nil
	case p.broker != nil && p.broker.IsCancelled(ctx, connectionID):
		p.finishRun(ctx, conn, run, core.RunCancelled, runErr.Error())
		p.metrics.RecordDiscoveryRun(string(conn.Platform), "cancelled", elapsed.Seconds())
		return `{"cancelled":true}`, nil
	default:
		p.finishRun(ctx, conn, run, core.RunFailed, runErr.Error())
		p.metrics.RecordDiscoveryRun(string(conn.Platform), "failed", elapsed.Seconds())
		return "", runErr
	}
}

// openRun creates a fresh run, or resumes the one named in the job payload.
// Returns (nil, nil) when the named run already reached a terminal status.
func (p *Pipeline) openRun(ctx context.Context, organizationID, connectionID, runID string) (*core.DiscoveryRun, error) {
	now := time.Now().UTC()
	if runID != "" {
		run, err := p.store.GetRun(ctx, organizationID, runID)
		if err == nil {
			if run.Status.Terminal() {
				return nil, nil
			}
			run.Status = core.RunRunning
			run.Stage = core.StageInitializing
			run.StartedAt = &now
			if err := p.store.UpdateRun(ctx, organizationID, run); err != nil {
				return nil, err
			}
			return run, nil
		}
	}
	run := &core.DiscoveryRun{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		ConnectionID:   connectionID,
		Status:         core.RunRunning,
		Stage:          core.StageInitializing,
		StartedAt:      &now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

// execute walks the stages. Progress values per stage keep the facade's bar
// monotone: initializing 5, fetching 10-50, analyzing 60, persisting 80,
// finalizing 95.
func (p *Pipeline) execute(ctx context.Context, conn *core.PlatformConnection, run *core.DiscoveryRun, report jobs.ProgressFunc) (string, error) {
	p.advance(ctx, run, core.StageInitializing, 5, report)

	connector, err := p.registry.Get(conn.Platform)
	if err != nil {
		return "", err
	}

	cred, err := p.vault.ValidateAndRefresh(ctx, conn.OrganizationID, conn.ID)
	if err != nil {
		p.markConnectionBroken(ctx, conn, err)
		return "", err
	}

	// Detector thresholds are snapshotted once; a mid-run config change
	// applies to the next run.
	thresholds := p.configs.Snapshot(ctx, conn.OrganizationID)

	p.advance(ctx, run, core.StageFetching, 10, report)
	raws, err := p.fetchAutomations(ctx, connector, cred, conn, run, report)
	if err != nil {
		return "", err
	}

	var auditEvents []core.NormalizedAuditEvent
	if conn.Capabilities.Has(core.CapAuditStream) {
		auditEvents, err = p.fetchAuditEvents(ctx, connector, cred, conn, run)
		if err != nil {
			if fe, ok := faults.As(err); ok && fe.Code == "MISSING_PERMISSIONS" {
				// Partial capability: record and carry on with what we have.
				run.Stats.Warnings = append(run.Stats.Warnings,
					fmt.Sprintf("audit stream unavailable: %s", fe.Message))
			} else {
				return "", err
			}
		}
	}

	p.advance(ctx, run, core.StageAnalyzing, 60, report)
	findingsByActor := p.analyzeActivity(auditEvents, thresholds, run)
	autos := make([]*core.DiscoveredAutomation, 0, len(raws))
	for i := range raws {
		raw := &raws[i]
		cls := p.classifier.Classify(raw)
		findings := findingsByActor[raw.ExternalID]
		autos = append(autos, detect.Normalize(conn.OrganizationID, conn.ID, run.ID, raw, cls, findings))
	}

	p.advance(ctx, run, core.StagePersisting, 80, report)
	if err := p.persist(ctx, conn, run, autos); err != nil {
		return "", err
	}

	p.advance(ctx, run, core.StageFinalizing, 95, report)
	p.correlate(ctx, conn.OrganizationID)
	if n, err := p.store.MarkStaleInactive(ctx, conn.OrganizationID, time.Now().UTC().Add(-p.stalenessAfter)); err == nil && n > 0 {
		p.logger.Printf("marked %d stale automations inactive for org %s", n, conn.OrganizationID)
	}

	summary, _ := json.Marshal(map[string]interface{}{
		"runId":              run.ID,
		"automationsFound":   run.Stats.AutomationsFound,
		"automationsUpdated": run.Stats.AutomationsUpdated,
		"warnings":           len(run.Stats.Warnings),
	})
	return string(summary), nil
}

// fetchAutomations drains the connector's paging sequence. Pages restart from
// an empty cursor after interruption, so items deduplicate by externalId.
func (p *Pipeline) fetchAutomations(ctx context.Context, connector platform.Connector, cred *core.Credential, conn *core.PlatformConnection, run *core.DiscoveryRun, report jobs.ProgressFunc) ([]core.RawAutomation, error) {
	seen := make(map[string]int)
	var out []core.RawAutomation
	cursor := ""
	page := 0
	for {
		if err := p.checkpoint(ctx, conn.ID); err != nil {
			return nil, err
		}
		start := time.Now()
		pg, err := connector.DiscoverAutomations(ctx, cred, cursor)
		p.metrics.RecordConnectorCall(string(conn.Platform), "discoverAutomations",
			time.Since(start).Seconds(), outcomeOf(err))
		if err != nil {
			return nil, err
		}
		for _, item := range pg.Items {
			if idx, dup := seen[item.ExternalID]; dup {
				out[idx] = item // later observation wins
				continue
			}
			seen[item.ExternalID] = len(out)
			out = append(out, item)
		}
		page++
		// Fetching spans progress 10-50; cap the in-stage ramp.
		progress := 10 + page*5
		if progress > 50 {
			progress = 50
		}
		p.progress(ctx, run, progress, report)
		if pg.NextCursor == "" {
			return out, nil
		}
		cursor = pg.NextCursor
	}
}

// fetchAuditEvents pulls the activity window used by the behavioral
// detectors: since the last sync, bounded by the lookback.
func (p *Pipeline) fetchAuditEvents(ctx context.Context, connector platform.Connector, cred *core.Credential, conn *core.PlatformConnection, run *core.DiscoveryRun) ([]core.NormalizedAuditEvent, error) {
	since := time.Now().UTC().Add(-p.auditLookback)
	if conn.LastSyncAt != nil && conn.LastSyncAt.After(since) {
		since = *conn.LastSyncAt
	}
	q := core.AuditQuery{Since: since, Limit: p.pageSize}
	var out []core.NormalizedAuditEvent
	for {
		if err := p.checkpoint(ctx, conn.ID); err != nil {
			return nil, err
		}
		start := time.Now()
		pg, err := connector.GetAuditLogs(ctx, cred, q)
		p.metrics.RecordConnectorCall(string(conn.Platform), "getAuditLogs",
			time.Since(start).Seconds(), outcomeOf(err))
		if err != nil {
			return nil, err
		}
		out = append(out, pg.Events...)
		if pg.NextCursor == "" {
			return out, nil
		}
		q = core.AuditQuery{Cursor: pg.NextCursor, Limit: p.pageSize}
	}
}

// analyzeActivity groups audit events by acting principal and runs the
// behavioral detectors on each group.
func (p *Pipeline) analyzeActivity(eventsIn []core.NormalizedAuditEvent, th detect.Thresholds, run *core.DiscoveryRun) map[string][]detect.Finding {
	byActor := make(map[string][]core.NormalizedAuditEvent)
	for _, ev := range eventsIn {
		if ev.ActorID == "" {
			continue
		}
		byActor[ev.ActorID] = append(byActor[ev.ActorID], ev)
	}
	executed := map[string]bool{}
	out := make(map[string][]detect.Finding, len(byActor))
	for actor, evs := range byActor {
		findings := detect.AnalyzeEvents(evs, th)
		if len(findings) > 0 {
			out[actor] = findings
			for _, f := range findings {
				executed[string(f.Detector)] = true
			}
		}
	}
	for name := range executed {
		run.Stats.AlgorithmsExecuted = append(run.Stats.AlgorithmsExecuted, name)
	}
	return out
}

// persist upserts every automation and chains a risk-assessment job per
// record, carrying the run lineage.
func (p *Pipeline) persist(ctx context.Context, conn *core.PlatformConnection, run *core.DiscoveryRun, autos []*core.DiscoveredAutomation) error {
	for _, auto := range autos {
		if err := p.checkpoint(ctx, conn.ID); err != nil {
			return err
		}
		stored, created, err := p.store.UpsertAutomation(ctx, conn.OrganizationID, auto)
		if err != nil {
			run.Stats.Errors++
			p.slog.Warn("upsert failed", "connection", conn.ID, "externalId", auto.ExternalID, "error", err)
			continue
		}
		if created {
			run.Stats.AutomationsFound++
		} else {
			run.Stats.AutomationsUpdated++
		}
		p.metrics.RecordAutomation(string(conn.Platform), stored.Detection.IsAIPlatform)
		if p.broker != nil {
			parent := &jobs.Job{Queue: jobs.QueueDiscovery, Payload: jobs.Payload{
				OrganizationID: conn.OrganizationID,
				ConnectionID:   conn.ID,
				RunID:          run.ID,
			}}
			err := jobs.Chain(ctx, p.broker, parent, jobs.QueueRisk,
				fmt.Sprintf("risk:%s:%s", run.ID, stored.ID),
				jobs.Payload{ConnectionID: conn.ID, AutomationID: stored.ID})
			if err != nil {
				p.slog.Warn("risk chain failed", "automation", stored.ID, "error", err)
			}
		}
	}
	return nil
}

// correlate links multi-platform automations across the whole tenant estate.
func (p *Pipeline) correlate(ctx context.Context, organizationID string) {
	autos, err := p.store.ListAutomations(ctx, organizationID, repo.AutomationFilter{OnlyActive: true})
	if err != nil {
		p.slog.Warn("correlation skipped", "org", organizationID, "error", err)
		return
	}
	conns, err := p.store.ListConnections(ctx, organizationID)
	if err != nil {
		return
	}
	platformOf := make(map[string]core.Platform, len(conns))
	for _, c := range conns {
		platformOf[c.ID] = c.Platform
	}
	groups := p.correlator.Correlate(autos, platformOf)
	if len(groups) == 0 {
		return
	}
	for _, auto := range autos {
		if auto.Detection.CorrelationID == "" {
			continue
		}
		if _, _, err := p.store.UpsertAutomation(ctx, organizationID, auto); err != nil {
			p.slog.Warn("correlation stamp failed", "automation", auto.ID, "error", err)
		}
	}
}

// checkpoint is the safe suspension point between pages and records.
func (p *Pipeline) checkpoint(ctx context.Context, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return faults.Internal(err)
	}
	if p.broker != nil && p.broker.IsCancelled(ctx, connectionID) {
		return faults.Invariant("run cancelled by request")
	}
	return nil
}

// advance moves the run to a stage and emits the progress event. Stages only
// move forward; a replayed message for an earlier stage is ignored.
func (p *Pipeline) advance(ctx context.Context, run *core.DiscoveryRun, stage core.RunStage, progress int, report jobs.ProgressFunc) {
	if !core.StageAtLeast(stage, run.Stage) {
		return
	}
	run.Stage = stage
	run.UpdatedAt = time.Now().UTC()
	if err := p.store.UpdateRun(ctx, run.OrganizationID, run); err != nil {
		p.slog.Warn("run update failed", "run", run.ID, "error", err)
	}
	p.progress(ctx, run, progress, report)
}

func (p *Pipeline) progress(ctx context.Context, run *core.DiscoveryRun, progress int, report jobs.ProgressFunc) {
	if report != nil {
		report(progress)
	}
	if p.bus == nil {
		return
	}
	found := run.Stats.AutomationsFound + run.Stats.AutomationsUpdated
	ev := events.NewDiscoveryProgress(run.OrganizationID, run.ConnectionID, progress, run.Status, found, run.Stage)
	if err := p.bus.Publish(ctx, ev); err != nil {
		p.slog.Warn("progress publish failed", "run", run.ID, "error", err)
	}
}

// finishRun records the terminal status, updates the connection, and emits
// the closing events.
func (p *Pipeline) finishRun(ctx context.Context, conn *core.PlatformConnection, run *core.DiscoveryRun, status core.RunStatus, errMsg string) {
	now := time.Now().UTC()
	run.Status = status
	run.CompletedAt = &now
	run.UpdatedAt = now
	if status == core.RunCompleted {
		run.Stage = core.StageFinalizing
	}
	if err := p.store.UpdateRun(ctx, run.OrganizationID, run); err != nil {
		p.slog.Warn("final run update failed", "run", run.ID, "error", err)
	}

	if status == core.RunCompleted {
		conn.LastSyncAt = &now
		conn.LastErrorMessage = ""
		if conn.Status == core.ConnectionPending {
			conn.Status = core.ConnectionActive
		}
		if err := p.store.UpdateConnection(ctx, conn.OrganizationID, conn); err != nil {
			p.slog.Warn("connection update failed", "connection", conn.ID, "error", err)
		}
	}

	if p.bus != nil {
		found := run.Stats.AutomationsFound + run.Stats.AutomationsUpdated
		progress := 100
		if status != core.RunCompleted {
			progress = 99 // terminal but not successful; the status carries the truth
		}
		p.bus.Publish(ctx, events.NewDiscoveryProgress(run.OrganizationID, run.ConnectionID, progress, status, found, run.Stage))
		p.bus.Publish(ctx, events.NewConnectionUpdate(run.OrganizationID, conn.ID, conn.Platform, conn.Status, errMsg))
	}
}

// markConnectionBroken flips the connection status on credential failures so
// the facade shows an actionable state instead of silent retry.
func (p *Pipeline) markConnectionBroken(ctx context.Context, conn *core.PlatformConnection, cause error) {
	fe, ok := faults.As(cause)
	if !ok {
		return
	}
	switch fe.Code {
	case "CREDENTIALS_EXPIRED":
		conn.Status = core.ConnectionExpired
	case "AUTH_PERMANENT_FAILURE", "UNAUTHORIZED", "CREDENTIAL_INTEGRITY_FAILURE":
		conn.Status = core.ConnectionError
	default:
		return
	}
	conn.LastErrorMessage = fe.Message
	if err := p.store.UpdateConnection(ctx, conn.OrganizationID, conn); err != nil {
		p.slog.Warn("connection status update failed", "connection", conn.ID, "error", err)
	}
	if p.bus != nil {
		p.bus.Publish(ctx, events.NewConnectionUpdate(conn.OrganizationID, conn.ID, conn.Platform, conn.Status, fe.Message))
	}
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if faults.IsRetryable(err) {
		return "retryable"
	}
	return "permanent"
}
