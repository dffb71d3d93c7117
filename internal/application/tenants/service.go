// Package tenants manages tenant records and forwards lifecycle changes to
// the orchestrator.
package tenants

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
)

// maxSlugAttempts bounds retries when a generated slug collides.
const maxSlugAttempts = 5

// Lifecycle receives status changes. *orchestrator.Orchestrator satisfies it.
type Lifecycle interface {
	HandleTenantStatus(ctx context.Context, ev domain.TenantStatusEvent) error
}

// NewTenant is the input to Create.
type NewTenant struct {
	Name     string
	OwnerRef string
	Plan     domain.PlanTier
	Metadata map[string]any
}

// Service creates tenants and changes their status.
type Service struct {
	store     ports.TenantStore
	lifecycle Lifecycle
	auditor   ports.Auditor
	now       func() time.Time
}

// New creates the service.
func New(store ports.TenantStore, lifecycle Lifecycle, auditor ports.Auditor) *Service {
	return &Service{store: store, lifecycle: lifecycle, auditor: auditor, now: func() time.Time { return time.Now().UTC() }}
}

// Create stores a pending tenant with a generated slug.
func (s *Service) Create(ctx context.Context, actor domain.Actor, in NewTenant) (domain.Tenant, error) {
	plan := in.Plan
	if plan == "" {
		plan = domain.PlanFree
	}
	switch plan {
	case domain.PlanFree, domain.PlanPro, domain.PlanBusiness:
	default:
		return domain.Tenant{}, fmt.Errorf("tenants.Create: unknown plan %q: %w", plan, domain.ErrInvalidArgument)
	}

	now := s.now()
	t := domain.Tenant{
		ID:        uuid.New().String(),
		OwnerRef:  in.OwnerRef,
		Name:      in.Name,
		Status:    domain.TenantPending,
		Plan:      plan,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var err error
	for attempt := 0; attempt < maxSlugAttempts; attempt++ {
		t.Slug, err = domain.GenerateSlug(in.Name)
		if err != nil {
			return domain.Tenant{}, fmt.Errorf("tenants.Create: %w", err)
		}
		err = s.store.CreateTenant(ctx, t)
		if !errors.Is(err, domain.ErrSlugTaken) {
			break
		}
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("tenants.Create: %w", err)
	}

	s.auditor.Record(ctx, actor.Entry(t.ID, domain.AuditTenantCreated, map[string]any{
		"slug": t.Slug,
		"plan": string(t.Plan),
	}))
	slog.Info("tenants: created", "tenant", t.ID, "slug", t.Slug, "plan", t.Plan)
	return t, nil
}

// SetStatus changes a tenant's status and hands the event to the
// orchestrator. Deleted tenants cannot come back.
func (s *Service) SetStatus(ctx context.Context, actor domain.Actor, tenantID string, status domain.TenantStatus) (domain.Tenant, error) {
	if !status.Valid() {
		return domain.Tenant{}, fmt.Errorf("tenants.SetStatus: unknown status %q", status)
	}
	t, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("tenants.SetStatus: %w", err)
	}
	if t.Status == domain.TenantDeleted {
		return t, fmt.Errorf("tenants.SetStatus: %s is deleted: %w", tenantID, domain.ErrInvalidTransition)
	}
	if t.Status == status {
		return t, nil
	}

	from := t.Status
	if err := s.store.UpdateTenantStatus(ctx, tenantID, status, s.now()); err != nil {
		return t, fmt.Errorf("tenants.SetStatus: %w", err)
	}

	action := domain.AuditTenantUpdated
	if status == domain.TenantDeleted {
		action = domain.AuditTenantDeleted
	}
	s.auditor.Record(ctx, actor.Entry(tenantID, action, map[string]any{
		"from": string(from),
		"to":   string(status),
	}))

	ev := domain.TenantStatusEvent{TenantID: tenantID, NewStatus: status, Actor: actor.Name, SourceIP: actor.SourceIP}
	if err := s.lifecycle.HandleTenantStatus(ctx, ev); err != nil {
		// The status change stands. The control loop applies suspension and
		// deletion on its next status pass; activation waits for demand.
		slog.Warn("tenants: lifecycle follow-up failed", "tenant", tenantID, "status", status, "err", err)
	}

	updated, err := s.store.GetTenant(ctx, tenantID)
	if err != nil {
		return t, fmt.Errorf("tenants.SetStatus: reload: %w", err)
	}
	return updated, nil
}

// ChangePlan moves the tenant to another billing tier.
func (s *Service) ChangePlan(ctx context.Context, actor domain.Actor, tenantID string, plan domain.PlanTier) error {
	switch plan {
	case domain.PlanFree, domain.PlanPro, domain.PlanBusiness:
	default:
		return fmt.Errorf("tenants.ChangePlan: unknown plan %q: %w", plan, domain.ErrInvalidArgument)
	}
	if err := s.store.UpdateTenantPlan(ctx, tenantID, plan, s.now()); err != nil {
		return fmt.Errorf("tenants.ChangePlan: %w", err)
	}
	s.auditor.Record(ctx, actor.Entry(tenantID, domain.AuditTenantUpdated, map[string]any{"plan": string(plan)}))
	return nil
}

// Get returns a tenant by id or slug.
func (s *Service) Get(ctx context.Context, idOrSlug string) (domain.Tenant, error) {
	t, err := s.store.GetTenant(ctx, idOrSlug)
	if errors.Is(err, domain.ErrNotFound) {
		t, err = s.store.GetTenantBySlug(ctx, idOrSlug)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("tenants.Get: %w", err)
	}
	return t, nil
}

// List returns tenants in the given statuses, all when none are given.
func (s *Service) List(ctx context.Context, statuses ...domain.TenantStatus) ([]domain.Tenant, error) {
	out, err := s.store.ListTenants(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("tenants.List: %w", err)
	}
	return out, nil
}
