// Package orchestrator owns the per-tenant worker lifecycle: provisioning,
// hibernation, teardown, health and retention. Every state change goes
// through a conditional write so at most one instance per tenant is ever
// starting, running or hibernating.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
)

// CredentialGate decides whether a tenant may get a worker.
type CredentialGate interface {
	RequireVerified(ctx context.Context, tenantID string, types ...domain.CredentialType) error
}

// Config holds pool, health and idle policy.
type Config struct {
	PoolSize            int
	HealthInterval      time.Duration
	UnhealthyAfter      int
	ErrorAfter          int
	HealthStaleAfter    time.Duration
	IdleTimeout         time.Duration
	Retention           time.Duration
	LeaseTTL            time.Duration
	StopTimeout         time.Duration
	RequiredCredentials []domain.CredentialType
}

func (c *Config) setDefaults() {
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = 15 * time.Second
	}
	if c.UnhealthyAfter <= 0 {
		c.UnhealthyAfter = 3
	}
	if c.ErrorAfter < c.UnhealthyAfter {
		c.ErrorAfter = c.UnhealthyAfter * 2
	}
	if c.HealthStaleAfter <= 0 {
		c.HealthStaleAfter = 2 * time.Minute
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Minute
	}
	if c.Retention <= 0 {
		c.Retention = 10 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 30 * time.Second
	}
	if c.RequiredCredentials == nil {
		c.RequiredCredentials = []domain.CredentialType{domain.CredentialAPIKeyPair}
	}
}

// Deps are the ports the orchestrator drives.
type Deps struct {
	Tenants     ports.TenantStore
	Workers     ports.WorkerStore
	Queue       ports.OrderQueue
	Orders      ports.OrderStore
	Credentials CredentialGate
	Runtime     ports.ComputeRuntime
	Control     ports.UnitControl
	Auditor     ports.Auditor
}

// Orchestrator is safe for concurrent use. Operations on the same tenant
// are serialised in-process; the store's conditional writes cover
// concurrent orchestrators.
type Orchestrator struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	locks sync.Map // tenantID -> *sync.Mutex
}

// New builds an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.setDefaults()
	return &Orchestrator{cfg: cfg, deps: deps, now: func() time.Time { return time.Now().UTC() }}
}

func (o *Orchestrator) lock(tenantID string) func() {
	m, _ := o.locks.LoadOrStore(tenantID, &sync.Mutex{})
	mu := m.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

// EnsureWorker makes sure the tenant has a running worker. It is the demand
// path: intake calls it after every enqueue.
func (o *Orchestrator) EnsureWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error) {
	defer o.lock(tenantID)()
	return o.ensureLocked(ctx, tenantID)
}

func (o *Orchestrator) ensureLocked(ctx context.Context, tenantID string) (domain.WorkerInstance, error) {
	t, err := o.deps.Tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.WorkerInstance{}, fmt.Errorf("orchestrator.EnsureWorker: %w", err)
	}
	if !t.Status.AcceptsWork() {
		return domain.WorkerInstance{}, fmt.Errorf("orchestrator.EnsureWorker: %s is %s: %w", tenantID, t.Status, domain.ErrTenantInactive)
	}

	inst, err := o.deps.Workers.EnsureWorker(ctx, tenantID)
	if err != nil {
		return domain.WorkerInstance{}, fmt.Errorf("orchestrator.EnsureWorker: %w", err)
	}

	switch inst.Status {
	case domain.WorkerRunning, domain.WorkerStarting:
		return inst, nil
	case domain.WorkerHibernating:
		return o.wakeLocked(ctx, tenantID)
	case domain.WorkerError:
		return inst, fmt.Errorf("orchestrator.EnsureWorker: %s: %w", tenantID, domain.ErrWorkerFailed)
	case domain.WorkerStopping:
		return inst, fmt.Errorf("orchestrator.EnsureWorker: %s is stopping: %w", tenantID, domain.ErrInvalidTransition)
	}

	if err := o.deps.Credentials.RequireVerified(ctx, tenantID, o.cfg.RequiredCredentials...); err != nil {
		return inst, fmt.Errorf("orchestrator.EnsureWorker: %w", err)
	}

	from := []domain.WorkerStatus{domain.WorkerPending, domain.WorkerStopped}
	inst, err = o.launch(ctx, tenantID, from, domain.AuditWorkerStarted)
	if err != nil {
		return inst, fmt.Errorf("orchestrator.EnsureWorker: %w", err)
	}
	return inst, nil
}

// Wake restarts a hibernating worker. The new core resumes the queued
// intents in their original order.
func (o *Orchestrator) Wake(ctx context.Context, tenantID string) (domain.WorkerInstance, error) {
	defer o.lock(tenantID)()
	return o.wakeLocked(ctx, tenantID)
}

func (o *Orchestrator) wakeLocked(ctx context.Context, tenantID string) (domain.WorkerInstance, error) {
	inst, err := o.launch(ctx, tenantID, []domain.WorkerStatus{domain.WorkerHibernating}, domain.AuditWorkerWoken)
	if err != nil {
		return inst, fmt.Errorf("orchestrator.Wake: %w", err)
	}
	return inst, nil
}

// launch runs slot allocation, the starting transition, lease grant and
// unit start. On failure the instance returns to its first from status.
func (o *Orchestrator) launch(ctx context.Context, tenantID string, from []domain.WorkerStatus, action domain.AuditAction) (domain.WorkerInstance, error) {
	rollback := from[0]

	slot, err := o.deps.Workers.AllocateSlot(ctx, tenantID, o.cfg.PoolSize)
	if err != nil {
		if errors.Is(err, domain.ErrResourceExhausted) {
			if terr := o.deps.Workers.TransitionWorker(ctx, tenantID, from, rollback, domain.ReasonResourceExhausted); terr != nil {
				slog.Warn("orchestrator: record exhaustion", "tenant", tenantID, "err", terr)
			}
			slog.Warn("orchestrator: slot pool exhausted", "tenant", tenantID, "pool_size", o.cfg.PoolSize)
		}
		return o.current(ctx, tenantID), err
	}

	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, from, domain.WorkerStarting, ""); err != nil {
		// Another orchestrator got there first; it owns the slot now.
		return o.current(ctx, tenantID), err
	}

	lease, err := o.deps.Workers.GrantLease(ctx, tenantID, o.cfg.LeaseTTL, o.now())
	if err != nil {
		o.abortStart(ctx, tenantID, rollback, err)
		return o.current(ctx, tenantID), err
	}

	handle, err := o.deps.Runtime.Start(ctx, domain.UnitSpec{TenantID: tenantID, Slot: slot, Lease: lease})
	if err != nil {
		o.abortStart(ctx, tenantID, rollback, err)
		return o.current(ctx, tenantID), err
	}
	if err := o.deps.Workers.SetWorkerHandle(ctx, tenantID, handle); err != nil {
		slog.Warn("orchestrator: record handle", "tenant", tenantID, "handle", handle, "err", err)
	}
	if err := o.deps.Workers.TouchActivity(ctx, tenantID, o.now()); err != nil {
		slog.Warn("orchestrator: touch activity", "tenant", tenantID, "err", err)
	}

	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{domain.WorkerStarting}, domain.WorkerRunning, ""); err != nil {
		if serr := o.stopUnit(ctx, handle); serr != nil {
			slog.Error("orchestrator: stop unit of aborted start", "tenant", tenantID, "handle", handle, "err", serr)
		}
		o.abortStart(ctx, tenantID, rollback, err)
		return o.current(ctx, tenantID), err
	}

	o.record(ctx, domain.SystemEntry(tenantID, action, map[string]any{"slot": slot, "handle": handle}))
	slog.Info("orchestrator: worker running", "tenant", tenantID, "slot", slot, "handle", handle, "action", action)
	return o.current(ctx, tenantID), nil
}

func (o *Orchestrator) abortStart(ctx context.Context, tenantID string, to domain.WorkerStatus, cause error) {
	slog.Warn("orchestrator: start aborted", "tenant", tenantID, "err", cause)
	o.releaseResources(ctx, tenantID)
	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{domain.WorkerStarting}, to, cause.Error()); err != nil {
		slog.Warn("orchestrator: roll back start", "tenant", tenantID, "err", err)
	}
}

// Hibernate stops an idle worker and frees its slot. Queued intents stay.
// A tenant waiting for a slot may take the freed one.
func (o *Orchestrator) Hibernate(ctx context.Context, tenantID string) error {
	if err := o.hibernate(ctx, tenantID); err != nil {
		return err
	}
	o.admitWaiting(ctx)
	return nil
}

func (o *Orchestrator) hibernate(ctx context.Context, tenantID string) error {
	defer o.lock(tenantID)()

	inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("orchestrator.Hibernate: %w", err)
	}
	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{domain.WorkerRunning}, domain.WorkerHibernating, ""); err != nil {
		return fmt.Errorf("orchestrator.Hibernate: %w", err)
	}
	if err := o.stopUnit(ctx, inst.Handle); err != nil {
		o.holdForTeardown(ctx, tenantID, domain.WorkerHibernating, err)
		return fmt.Errorf("orchestrator.Hibernate: %w", err)
	}
	o.releaseResources(ctx, tenantID)

	o.record(ctx, domain.SystemEntry(tenantID, domain.AuditWorkerHibernated, map[string]any{"idle_since": inst.LastActivity}))
	slog.Info("orchestrator: worker hibernated", "tenant", tenantID)
	return nil
}

// Stop tears the worker down and waits for its in-flight venue call. An
// instance that is already stopped or pending is left as is. When the unit
// does not exit within StopTimeout the instance stays stopping with its
// slot held, and TeardownPass finishes the job.
func (o *Orchestrator) Stop(ctx context.Context, tenantID, reason string) error {
	unlock := o.lock(tenantID)
	err := o.stopLocked(ctx, domain.SystemActor, tenantID, reason)
	unlock()
	if err != nil {
		return err
	}
	o.admitWaiting(ctx)
	return nil
}

func (o *Orchestrator) stopLocked(ctx context.Context, actor domain.Actor, tenantID, reason string) error {
	inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("orchestrator.Stop: %w", err)
	}
	if inst.Status == domain.WorkerStopped || inst.Status == domain.WorkerPending {
		return nil
	}

	from := []domain.WorkerStatus{domain.WorkerStarting, domain.WorkerRunning, domain.WorkerHibernating, domain.WorkerError, domain.WorkerStopping}
	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, from, domain.WorkerStopping, reason); err != nil {
		return fmt.Errorf("orchestrator.Stop: %w", err)
	}
	if err := o.stopUnit(ctx, inst.Handle); err != nil {
		o.holdForTeardown(ctx, tenantID, domain.WorkerStopping, err)
		return fmt.Errorf("orchestrator.Stop: %w", err)
	}
	o.releaseResources(ctx, tenantID)
	if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{domain.WorkerStopping}, domain.WorkerStopped, reason); err != nil {
		return fmt.Errorf("orchestrator.Stop: %w", err)
	}

	o.record(ctx, actor.Entry(tenantID, domain.AuditWorkerStopped, map[string]any{"reason": reason, "from": string(inst.Status)}))
	slog.Info("orchestrator: worker stopped", "tenant", tenantID, "reason", reason)
	return nil
}

// HandleTenantStatus reacts to a tenant lifecycle event. Suspension and
// deletion stop the worker and fail every queued intent.
func (o *Orchestrator) HandleTenantStatus(ctx context.Context, ev domain.TenantStatusEvent) error {
	switch ev.NewStatus {
	case domain.TenantSuspended, domain.TenantDeleted:
		reason := domain.ReasonTenantSuspended
		if ev.NewStatus == domain.TenantDeleted {
			reason = domain.ReasonTenantDeleted
		}
		actor := domain.Actor{Name: ev.Actor, Type: domain.ActorAdmin, SourceIP: ev.SourceIP}

		unlock := o.lock(ev.TenantID)
		err := o.stopLocked(ctx, actor, ev.TenantID, reason)
		unlock()
		if err != nil {
			return fmt.Errorf("orchestrator.HandleTenantStatus: %w", err)
		}

		purged, err := o.deps.Queue.Purge(ctx, ev.TenantID)
		if err != nil {
			return fmt.Errorf("orchestrator.HandleTenantStatus: purge: %w", err)
		}
		o.failIntents(ctx, purged, reason)
		if len(purged) > 0 {
			slog.Info("orchestrator: queue purged", "tenant", ev.TenantID, "intents", len(purged), "reason", reason)
		}
		o.admitWaiting(ctx)
		return nil

	case domain.TenantActive:
		if _, err := o.EnsureWorker(ctx, ev.TenantID); err != nil {
			return fmt.Errorf("orchestrator.HandleTenantStatus: %w", err)
		}
		return nil
	}
	return nil
}

// ─── Routing to a running core ───────────────────────────────────────────────

// Recheck asks the order's tenant core to re-derive its status from the venue.
func (o *Orchestrator) Recheck(ctx context.Context, orderID string) (domain.Order, error) {
	order, err := o.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("orchestrator.Recheck: %w", err)
	}
	handle, err := o.runningHandle(ctx, order.TenantID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("orchestrator.Recheck: %w", err)
	}
	return o.deps.Control.Recheck(ctx, handle, orderID)
}

// Positions returns a tenant's open positions through its running core.
func (o *Orchestrator) Positions(ctx context.Context, tenantID string) ([]domain.Position, error) {
	handle, err := o.runningHandle(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator.Positions: %w", err)
	}
	return o.deps.Control.Positions(ctx, handle)
}

func (o *Orchestrator) runningHandle(ctx context.Context, tenantID string) (string, error) {
	inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
	if errors.Is(err, domain.ErrNotFound) {
		return "", domain.ErrWorkerNotRunning
	}
	if err != nil {
		return "", err
	}
	if inst.Status != domain.WorkerRunning || inst.Handle == "" {
		return "", fmt.Errorf("%s is %s: %w", tenantID, inst.Status, domain.ErrWorkerNotRunning)
	}
	return inst.Handle, nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) current(ctx context.Context, tenantID string) domain.WorkerInstance {
	inst, err := o.deps.Workers.GetWorker(ctx, tenantID)
	if err != nil {
		slog.Warn("orchestrator: reload instance", "tenant", tenantID, "err", err)
	}
	return inst
}

// stopUnit waits up to StopTimeout for the unit to exit.
func (o *Orchestrator) stopUnit(ctx context.Context, handle string) error {
	return o.stopUnitWithin(ctx, handle, o.cfg.StopTimeout)
}

func (o *Orchestrator) stopUnitWithin(ctx context.Context, handle string, wait time.Duration) error {
	if handle == "" {
		return nil
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), wait)
	defer cancel()
	if err := o.deps.Runtime.Stop(sctx, handle); err != nil {
		return fmt.Errorf("stop unit %s: %w", handle, err)
	}
	return nil
}

// holdForTeardown parks an instance whose unit did not exit. Slot and
// handle stay recorded so nobody else gets the slot while the unit may
// still run; the lease is revoked so a live core fences itself off at its
// next renewal.
func (o *Orchestrator) holdForTeardown(ctx context.Context, tenantID string, from domain.WorkerStatus, cause error) {
	slog.Error("orchestrator: unit did not stop, slot held until teardown", "tenant", tenantID, "err", cause)
	if from != domain.WorkerError {
		if err := o.deps.Workers.TransitionWorker(ctx, tenantID, []domain.WorkerStatus{from}, domain.WorkerStopping, cause.Error()); err != nil {
			slog.Warn("orchestrator: park for teardown", "tenant", tenantID, "err", err)
		}
	}
	if err := o.deps.Workers.RevokeLease(ctx, tenantID); err != nil {
		slog.Error("orchestrator: revoke lease", "tenant", tenantID, "err", err)
	}
}

func (o *Orchestrator) releaseResources(ctx context.Context, tenantID string) {
	if err := o.deps.Workers.ReleaseSlot(ctx, tenantID); err != nil {
		slog.Error("orchestrator: release slot", "tenant", tenantID, "err", err)
	}
	if err := o.deps.Workers.RevokeLease(ctx, tenantID); err != nil {
		slog.Error("orchestrator: revoke lease", "tenant", tenantID, "err", err)
	}
	if err := o.deps.Workers.SetWorkerHandle(ctx, tenantID, ""); err != nil {
		slog.Warn("orchestrator: clear handle", "tenant", tenantID, "err", err)
	}
}

// failIntents records each intent as a failed order with reason.
func (o *Orchestrator) failIntents(ctx context.Context, intents []domain.OrderIntent, reason string) {
	now := o.now()
	for _, in := range intents {
		order := domain.Order{
			ID:           uuid.New().String(),
			TenantID:     in.TenantID,
			IntentID:     in.ID,
			Symbol:       in.Symbol,
			Action:       in.Action,
			Quantity:     in.Quantity,
			Simulation:   in.Simulation,
			Status:       domain.OrderFailed,
			ErrorMessage: reason,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.deps.Orders.CreateOrder(ctx, order); err != nil {
			slog.Error("orchestrator: record dropped intent", "tenant", in.TenantID, "intent", in.ID, "reason", reason, "err", err)
		}
	}
}

func (o *Orchestrator) record(ctx context.Context, e domain.AuditEntry) {
	if o.deps.Auditor != nil {
		o.deps.Auditor.Record(ctx, e)
	}
}
