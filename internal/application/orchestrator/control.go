package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// Run cleans up orphans left by a previous process, then drives the
// health, idle and retention passes until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.CleanupOrphans(ctx); err != nil {
		slog.Error("orchestrator: orphan cleanup", "err", err)
	}

	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()

	slog.Info("orchestrator: control loop started",
		"health_interval", o.cfg.HealthInterval,
		"idle_timeout", o.cfg.IdleTimeout,
		"pool_size", o.cfg.PoolSize,
	)
	for {
		select {
		case <-ctx.Done():
			slog.Info("orchestrator: control loop stopped")
			return nil
		case <-ticker.C:
			o.Tick(ctx)
		}
	}
}

// Tick runs one round of every control pass. Admission runs after the
// passes that free slots and before retention, so a waiting backlog gets a
// worker before it can expire.
func (o *Orchestrator) Tick(ctx context.Context) {
	if err := o.StatusPass(ctx); err != nil {
		slog.Warn("orchestrator: status pass", "err", err)
	}
	if err := o.HealthPass(ctx); err != nil {
		slog.Warn("orchestrator: health pass", "err", err)
	}
	if err := o.TeardownPass(ctx); err != nil {
		slog.Warn("orchestrator: teardown pass", "err", err)
	}
	if err := o.IdlePass(ctx); err != nil {
		slog.Warn("orchestrator: idle pass", "err", err)
	}
	if err := o.AdmitPass(ctx); err != nil {
		slog.Warn("orchestrator: admit pass", "err", err)
	}
	if err := o.RetentionPass(ctx); err != nil {
		slog.Warn("orchestrator: retention pass", "err", err)
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// HealthPass inspects every running unit and records a verdict. Repeated
// misses degrade the instance to unhealthy and then to error; a unit that
// exited with an error goes to error at once.
func (o *Orchestrator) HealthPass(ctx context.Context) error {
	running, err := o.deps.Workers.ListWorkers(ctx, domain.WorkerRunning)
	if err != nil {
		return fmt.Errorf("orchestrator.HealthPass: %w", err)
	}
	for _, inst := range running {
		o.checkHealth(ctx, inst)
	}
	return nil
}

func (o *Orchestrator) checkHealth(ctx context.Context, inst domain.WorkerInstance) {
	now := o.now()
	st, err := o.deps.Runtime.Inspect(ctx, inst.Handle)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("orchestrator: inspect", "tenant", inst.TenantID, "handle", inst.Handle, "err", err)
			return
		}
		st = domain.UnitStatus{Handle: inst.Handle, TenantID: inst.TenantID, ExitErr: "unit not found"}
	}

	if !st.Alive && st.ExitErr != "" {
		o.markError(ctx, inst.TenantID, st.ExitErr, inst.HealthMisses+1, st.Report)
		return
	}

	state := st.Report.ConnState
	stale := st.Report.LastRoundTripAt.IsZero() || now.Sub(st.Report.LastRoundTripAt) > o.cfg.HealthStaleAfter
	miss := !st.Alive || !state.Serving() || stale

	health := domain.HealthHealthy
	misses := 0
	if miss {
		misses = inst.HealthMisses + 1
		health = inst.Health
		if st.Alive && (state == domain.ConnConnecting || state == domain.ConnReconnecting) {
			health = domain.HealthDegraded
		}
		if misses >= o.cfg.UnhealthyAfter {
			health = domain.HealthUnhealthy
		}
		if misses >= o.cfg.ErrorAfter {
			o.markError(ctx, inst.TenantID, fmt.Sprintf("health check failed %d times (conn_state=%s)", misses, state), misses, st.Report)
			return
		}
		slog.Warn("orchestrator: health miss",
			"tenant", inst.TenantID,
			"misses", misses,
			"alive", st.Alive,
			"conn_state", state,
			"stale", stale,
		)
	}

	if err := o.deps.Workers.RecordHealth(ctx, inst.TenantID, health, misses, st.Report, now); err != nil {
		slog.Warn("orchestrator: record health", "tenant", inst.TenantID, "err", err)
	}
}

// markError moves a running instance to error, stops its unit and frees
// its slot. There is no automatic restart. A unit that does not exit keeps
// the slot until TeardownPass sees it gone.
func (o *Orchestrator) markError(ctx context.Context, tenantID, reason string, misses int, usage domain.WorkerReport) {
	defer o.lock(tenantID)()

	inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
	if err != nil {
		slog.Error("orchestrator: mark error", "tenant", tenantID, "err", err)
		return
	}
	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{domain.WorkerRunning, domain.WorkerStarting}, domain.WorkerError, reason); err != nil {
		slog.Warn("orchestrator: mark error", "tenant", tenantID, "err", err)
		return
	}
	if err := o.deps.Workers.RecordHealth(ctx, tenantID, domain.HealthUnhealthy, misses, usage, o.now()); err != nil {
		slog.Warn("orchestrator: record health", "tenant", tenantID, "err", err)
	}
	if err := o.stopUnit(ctx, inst.Handle); err != nil {
		o.holdForTeardown(ctx, tenantID, domain.WorkerError, err)
	} else {
		o.releaseResources(ctx, tenantID)
	}

	o.record(ctx, domain.SystemEntry(tenantID, domain.AuditWorkerError, map[string]any{"reason": reason, "misses": misses}))
	slog.Error("orchestrator: worker in error, operator intervention required", "tenant", tenantID, "reason", reason)
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// teardownWait bounds each stop retry of a stuck unit.
const teardownWait = time.Second

// TeardownPass finishes stops whose unit outlived StopTimeout. Once the unit
// is gone the slot is released: stopping instances become stopped, error
// instances stay in error.
func (o *Orchestrator) TeardownPass(ctx context.Context) error {
	rows, err := o.deps.Workers.ListWorkers(ctx, domain.WorkerStopping, domain.WorkerError)
	if err != nil {
		return fmt.Errorf("orchestrator.TeardownPass: %w", err)
	}
	for _, w := range rows {
		if w.Status == domain.WorkerError && w.Handle == "" && w.Slot == nil {
			continue
		}
		o.finishTeardown(ctx, w.TenantID)
	}
	return nil
}

func (o *Orchestrator) finishTeardown(ctx context.Context, tenantID string) {
	defer o.lock(tenantID)()

	w, err := o.deps.Workers.GetWorker(ctx, tenantID)
	if err != nil {
		slog.Warn("orchestrator: teardown reload", "tenant", tenantID, "err", err)
		return
	}
	if w.Status != domain.WorkerStopping && w.Status != domain.WorkerError {
		return
	}
	if err := o.stopUnitWithin(ctx, w.Handle, min(o.cfg.StopTimeout, teardownWait)); err != nil {
		slog.Warn("orchestrator: unit still running", "tenant", tenantID, "handle", w.Handle, "err", err)
		return
	}
	o.releaseResources(ctx, tenantID)
	if w.Status == domain.WorkerStopping {
		if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{domain.WorkerStopping}, domain.WorkerStopped, w.LastError); err != nil {
			slog.Warn("orchestrator: settle teardown", "tenant", tenantID, "err", err)
			return
		}
		o.record(ctx, domain.SystemEntry(tenantID, domain.AuditWorkerStopped, map[string]any{"reason": w.LastError, "from": string(w.Status)}))
	}
	slog.Info("orchestrator: teardown finished", "tenant", tenantID, "status", w.Status)
}

// ─── Admission ───────────────────────────────────────────────────────────────

// AdmitPass retries pending tenants that still have queued intents, the one
// waiting longest first. Queued intents are standing demand. The pass stops
// at the first refusal for capacity.
func (o *Orchestrator) AdmitPass(ctx context.Context) error {
	backlog, err := o.deps.Queue.BacklogTenants(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.AdmitPass: %w", err)
	}
	for _, tenantID := range backlog {
		inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
		if err != nil || inst.Status != domain.WorkerPending {
			continue
		}
		if _, err := o.EnsureWorker(ctx, tenantID); err != nil {
			if errors.Is(err, domain.ErrResourceExhausted) {
				return nil
			}
			slog.Debug("orchestrator: waiting tenant not admitted", "tenant", tenantID, "err", err)
			continue
		}
		slog.Info("orchestrator: waiting tenant admitted", "tenant", tenantID)
	}
	return nil
}

func (o *Orchestrator) admitWaiting(ctx context.Context) {
	if err := o.AdmitPass(ctx); err != nil {
		slog.Warn("orchestrator: admit waiting tenants", "err", err)
	}
}

// ─── Tenant status ───────────────────────────────────────────────────────────

// StatusPass applies suspension and deletion to tenants that still hold a
// worker or a queue, covering lifecycle follow-ups that failed when the
// status changed. Instances already stopping are left to TeardownPass.
func (o *Orchestrator) StatusPass(ctx context.Context) error {
	rows, err := o.deps.Workers.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.StatusPass: %w", err)
	}
	backlog, err := o.deps.Queue.BacklogTenants(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.StatusPass: %w", err)
	}

	status := make(map[string]domain.WorkerStatus, len(rows))
	var candidates []string
	for _, w := range rows {
		status[w.TenantID] = w.Status
		if w.Status.Occupied() {
			candidates = append(candidates, w.TenantID)
		}
	}
	for _, id := range backlog {
		if st, ok := status[id]; !ok || (!st.Occupied() && st != domain.WorkerStopping) {
			candidates = append(candidates, id)
		}
	}

	for _, tenantID := range candidates {
		t, err := o.deps.Tenants.GetTenant(ctx, tenantID)
		if err != nil {
			slog.Warn("orchestrator: status pass tenant", "tenant", tenantID, "err", err)
			continue
		}
		if t.Status != domain.TenantSuspended && t.Status != domain.TenantDeleted {
			continue
		}
		slog.Warn("orchestrator: enforcing tenant status", "tenant", tenantID, "status", t.Status)
		if err := o.HandleTenantStatus(ctx, domain.TenantStatusEvent{TenantID: tenantID, NewStatus: t.Status}); err != nil {
			slog.Warn("orchestrator: enforce tenant status", "tenant", tenantID, "err", err)
		}
	}
	return nil
}

// ─── Idle ────────────────────────────────────────────────────────────────────

// IdlePass hibernates running workers of non-critical tenants that have
// seen no demand for IdleTimeout and have nothing queued.
func (o *Orchestrator) IdlePass(ctx context.Context) error {
	running, err := o.deps.Workers.ListWorkers(ctx, domain.WorkerRunning)
	if err != nil {
		return fmt.Errorf("orchestrator.IdlePass: %w", err)
	}
	now := o.now()
	for _, inst := range running {
		if now.Sub(inst.LastActivity) < o.cfg.IdleTimeout {
			continue
		}
		t, err := o.deps.Tenants.GetTenant(ctx, inst.TenantID)
		if err != nil {
			slog.Warn("orchestrator: idle pass tenant", "tenant", inst.TenantID, "err", err)
			continue
		}
		if t.Plan.Critical() {
			continue
		}
		depth, err := o.deps.Queue.Depth(ctx, inst.TenantID)
		if err != nil || depth > 0 {
			continue
		}
		if err := o.Hibernate(ctx, inst.TenantID); err != nil {
			slog.Warn("orchestrator: hibernate idle worker", "tenant", inst.TenantID, "err", err)
		}
	}
	return nil
}

// ─── Retention ───────────────────────────────────────────────────────────────

// RetentionPass expires intents older than Retention for tenants without an
// attached worker. Each one is recorded as a failed order.
func (o *Orchestrator) RetentionPass(ctx context.Context) error {
	tenants, err := o.deps.Queue.BacklogTenants(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.RetentionPass: %w", err)
	}
	cutoff := o.now().Add(-o.cfg.Retention)
	for _, tenantID := range tenants {
		inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
		if err == nil && inst.Status.Occupied() {
			continue
		}
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("orchestrator: retention worker lookup", "tenant", tenantID, "err", err)
			continue
		}
		expired, err := o.deps.Queue.ExpireBefore(ctx, tenantID, cutoff)
		if err != nil {
			slog.Warn("orchestrator: expire intents", "tenant", tenantID, "err", err)
			continue
		}
		o.failIntents(ctx, expired, domain.ReasonNoWorkerAvailable)
		if len(expired) > 0 {
			slog.Warn("orchestrator: intents expired without worker", "tenant", tenantID, "count", len(expired))
		}
	}
	return nil
}

// ─── Orphans ─────────────────────────────────────────────────────────────────

// CleanupOrphans reconciles the runtime with the store after a restart.
// Units no row points at are stopped. Rows left in starting or stopping
// become stopped. Running rows whose unit is gone are restarted.
func (o *Orchestrator) CleanupOrphans(ctx context.Context) error {
	handles, err := o.deps.Runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.CleanupOrphans: list units: %w", err)
	}
	rows, err := o.deps.Workers.ListWorkers(ctx)
	if err != nil {
		return fmt.Errorf("orchestrator.CleanupOrphans: list workers: %w", err)
	}

	owned := make(map[string]bool, len(rows))
	for _, w := range rows {
		if w.Status == domain.WorkerRunning && w.Handle != "" {
			owned[w.Handle] = true
		}
	}
	live := make(map[string]bool, len(handles))
	for _, h := range handles {
		live[h] = true
		if !owned[h] {
			slog.Warn("orchestrator: stopping orphan unit", "handle", h)
			if err := o.stopUnit(ctx, h); err != nil {
				slog.Error("orchestrator: stop orphan unit", "handle", h, "err", err)
			}
		}
	}

	var restart []string
	for _, w := range rows {
		switch {
		case w.Status == domain.WorkerStarting || w.Status == domain.WorkerStopping:
			o.settleStopped(ctx, w, "recovered from "+string(w.Status))
		case w.Status == domain.WorkerRunning && !live[w.Handle]:
			o.settleStopped(ctx, w, "unit lost on restart")
			restart = append(restart, w.TenantID)
		}
	}

	for _, tenantID := range restart {
		if _, err := o.EnsureWorker(ctx, tenantID); err != nil {
			slog.Warn("orchestrator: restart worker", "tenant", tenantID, "err", err)
		}
	}
	return nil
}

func (o *Orchestrator) settleStopped(ctx context.Context, w domain.WorkerInstance, reason string) {
	defer o.lock(w.TenantID)()
	o.releaseResources(ctx, w.TenantID)
	if err := o.deps.Workers.TransitionWorker(ctx, w.TenantID, []domain.WorkerStatus{w.Status}, domain.WorkerStopped, reason); err != nil {
		slog.Warn("orchestrator: settle orphan row", "tenant", w.TenantID, "err", err)
		return
	}
	slog.Info("orchestrator: orphan row settled", "tenant", w.TenantID, "from", w.Status, "reason", reason)
}
