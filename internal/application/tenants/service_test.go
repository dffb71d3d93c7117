package tenants_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/application/tenants"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingLifecycle struct {
	mu     sync.Mutex
	events []domain.TenantStatusEvent
	err    error
}

func (r *recordingLifecycle) HandleTenantStatus(_ context.Context, ev domain.TenantStatusEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

type memAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAuditor) Record(_ context.Context, e domain.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

var admin = domain.Actor{Name: "ops", Type: domain.ActorAdmin, SourceIP: "10.1.1.1"}

func setup(t *testing.T) (*tenants.Service, *recordingLifecycle, *memAuditor) {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	lc := &recordingLifecycle{}
	aud := &memAuditor{}
	return tenants.New(db, lc, aud), lc, aud
}

func TestCreate_GeneratesSlugAndAudits(t *testing.T) {
	svc, _, aud := setup(t)
	ctx := context.Background()

	tn, err := svc.Create(ctx, admin, tenants.NewTenant{Name: "Acme Futures Desk", OwnerRef: "user-1"})
	require.NoError(t, err)
	assert.Equal(t, domain.TenantPending, tn.Status)
	assert.Equal(t, domain.PlanFree, tn.Plan)
	assert.True(t, strings.HasSuffix(tn.Slug, "-acme-futures-desk"), tn.Slug)
	require.NoError(t, domain.ValidateSlug(tn.Slug))

	bySlug, err := svc.Get(ctx, tn.Slug)
	require.NoError(t, err)
	assert.Equal(t, tn.ID, bySlug.ID)

	require.Len(t, aud.entries, 1)
	assert.Equal(t, domain.AuditTenantCreated, aud.entries[0].Action)
	assert.Equal(t, "ops", aud.entries[0].Actor)
	assert.Equal(t, domain.ActorAdmin, aud.entries[0].ActorType)
}

func TestCreate_RejectsUnknownPlan(t *testing.T) {
	svc, _, _ := setup(t)
	_, err := svc.Create(context.Background(), admin, tenants.NewTenant{Name: "x", Plan: "gold"})
	assert.Error(t, err)
}

func TestSetStatus_ForwardsToLifecycle(t *testing.T) {
	svc, lc, aud := setup(t)
	ctx := context.Background()
	tn, err := svc.Create(ctx, admin, tenants.NewTenant{Name: "desk"})
	require.NoError(t, err)

	got, err := svc.SetStatus(ctx, admin, tn.ID, domain.TenantSuspended)
	require.NoError(t, err)
	assert.Equal(t, domain.TenantSuspended, got.Status)
	require.Len(t, lc.events, 1)
	assert.Equal(t, domain.TenantStatusEvent{TenantID: tn.ID, NewStatus: domain.TenantSuspended, Actor: "ops", SourceIP: "10.1.1.1"}, lc.events[0])

	_, err = svc.SetStatus(ctx, admin, tn.ID, domain.TenantSuspended)
	require.NoError(t, err)
	assert.Len(t, lc.events, 1, "no event when nothing changes")

	deleted, err := svc.SetStatus(ctx, admin, tn.ID, domain.TenantDeleted)
	require.NoError(t, err)
	require.NotNil(t, deleted.DeletedAt)
	assert.Equal(t, domain.AuditTenantDeleted, aud.entries[len(aud.entries)-1].Action)

	_, err = svc.SetStatus(ctx, admin, tn.ID, domain.TenantActive)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition, "deletion is final")
}

func TestSetStatus_LifecycleFailureKeepsStatus(t *testing.T) {
	svc, lc, _ := setup(t)
	lc.err = errors.New("no verified credentials")
	ctx := context.Background()
	tn, err := svc.Create(ctx, admin, tenants.NewTenant{Name: "desk"})
	require.NoError(t, err)

	got, err := svc.SetStatus(ctx, admin, tn.ID, domain.TenantActive)
	require.NoError(t, err)
	assert.Equal(t, domain.TenantActive, got.Status)
}

func TestChangePlan(t *testing.T) {
	svc, _, _ := setup(t)
	ctx := context.Background()
	tn, err := svc.Create(ctx, admin, tenants.NewTenant{Name: "desk"})
	require.NoError(t, err)

	require.NoError(t, svc.ChangePlan(ctx, admin, tn.ID, domain.PlanBusiness))
	got, err := svc.Get(ctx, tn.ID)
	require.NoError(t, err)
	assert.True(t, got.Plan.Critical())
	assert.Error(t, svc.ChangePlan(ctx, admin, tn.ID, "platinum"))
}
