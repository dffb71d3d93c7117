package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *storage.SQLStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeTenant(t *testing.T, db *storage.SQLStorage, slug string) domain.Tenant {
	t.Helper()
	now := time.Now().UTC()
	tenant := domain.Tenant{
		ID:        uuid.New().String(),
		Slug:      slug,
		Name:      slug,
		Status:    domain.TenantActive,
		Plan:      domain.PlanFree,
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, db.CreateTenant(context.Background(), tenant))
	return tenant
}

func makeIntent(tenantID, symbol string, action domain.OrderAction) domain.OrderIntent {
	return domain.OrderIntent{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Symbol:   symbol,
		Action:   action,
		Quantity: 1,
	}
}

func TestSQLStorage_MigrationsRecordVersion(t *testing.T) {
	db := openStore(t)

	v, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, storage.LatestSchemaVersion(), v)
	assert.GreaterOrEqual(t, v, 2)

	// Reaplicar es idempotente
	require.NoError(t, db.Migrate(context.Background()))
	v2, err := db.SchemaVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, v, v2)
}

func TestSQLStorage_FailsFastBelowMinimumSchema(t *testing.T) {
	_, err := storage.Open(context.Background(), storage.Options{
		Driver:           storage.DialectSQLite,
		DSN:              ":memory:",
		AutoMigrate:      false,
		MinSchemaVersion: 1,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaTooOld)
}

func TestSQLStorage_TenantSlugUnique(t *testing.T) {
	db := openStore(t)
	makeTenant(t, db, "abc123-acme")

	dup := domain.Tenant{ID: uuid.New().String(), Slug: "abc123-acme", Status: domain.TenantPending, Plan: domain.PlanFree}
	err := db.CreateTenant(context.Background(), dup)
	assert.ErrorIs(t, err, domain.ErrSlugTaken)
}

func TestSQLStorage_SoftDeleteSetsDeletedAt(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-gone")

	require.NoError(t, db.UpdateTenantStatus(ctx, tenant.ID, domain.TenantDeleted, time.Now()))

	got, err := db.GetTenant(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TenantDeleted, got.Status)
	require.NotNil(t, got.DeletedAt)
}

func TestSQLStorage_CredentialUniquePerType(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-creds")
	now := time.Now().UTC()

	first, err := db.UpsertCredential(ctx, domain.Credential{
		ID: uuid.New().String(), TenantID: tenant.ID, Type: domain.CredentialAPIKeyPair,
		SecretRef: "ref-1", Fingerprint: "aa", Status: domain.CredentialPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	second, err := db.UpsertCredential(ctx, domain.Credential{
		ID: uuid.New().String(), TenantID: tenant.ID, Type: domain.CredentialAPIKeyPair,
		SecretRef: "ref-2", Fingerprint: "bb", Status: domain.CredentialPending, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "replacement keeps the original record")
	assert.Equal(t, "ref-2", second.SecretRef)

	all, err := db.ListCredentials(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestSQLStorage_AllocateSlotLowestFree(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	a := makeTenant(t, db, "abc123-a")
	b := makeTenant(t, db, "abc123-b")
	c := makeTenant(t, db, "abc123-c")
	for _, tn := range []domain.Tenant{a, b, c} {
		_, err := db.EnsureWorker(ctx, tn.ID)
		require.NoError(t, err)
	}

	slotA, err := db.AllocateSlot(ctx, a.ID, 2)
	require.NoError(t, err)
	slotB, err := db.AllocateSlot(ctx, b.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, slotA)
	assert.Equal(t, 1, slotB)

	_, err = db.AllocateSlot(ctx, c.ID, 2)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)

	// Reasignar al mismo tenant devuelve su slot actual
	again, err := db.AllocateSlot(ctx, a.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, slotA, again)

	require.NoError(t, db.ReleaseSlot(ctx, a.ID))
	slotC, err := db.AllocateSlot(ctx, c.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, 0, slotC, "released slot is reused")
}

func TestSQLStorage_TransitionWorkerIsConditional(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-trans")
	_, err := db.EnsureWorker(ctx, tenant.ID)
	require.NoError(t, err)

	require.NoError(t, db.TransitionWorker(ctx, tenant.ID,
		[]domain.WorkerStatus{domain.WorkerPending}, domain.WorkerStarting, ""))

	err = db.TransitionWorker(ctx, tenant.ID,
		[]domain.WorkerStatus{domain.WorkerPending}, domain.WorkerStarting, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	w, err := db.GetWorker(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkerStarting, w.Status)
}

func TestSQLStorage_LeaseLifecycle(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-lease")
	_, err := db.EnsureWorker(ctx, tenant.ID)
	require.NoError(t, err)

	now := time.Now().UTC()
	lease, err := db.GrantLease(ctx, tenant.ID, time.Minute, now)
	require.NoError(t, err)

	_, err = db.GrantLease(ctx, tenant.ID, time.Minute, now)
	assert.ErrorIs(t, err, domain.ErrLeaseHeld)

	renewed, err := db.RenewLease(ctx, lease, time.Minute, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.After(lease.ExpiresAt))

	// Expirado: otro dueño puede tomarlo y el viejo ya no renueva
	later := now.Add(5 * time.Minute)
	taken, err := db.GrantLease(ctx, tenant.ID, time.Minute, later)
	require.NoError(t, err)
	assert.NotEqual(t, lease.ID, taken.ID)

	_, err = db.RenewLease(ctx, renewed, time.Minute, later)
	assert.ErrorIs(t, err, domain.ErrLeaseLost)
}

func TestSQLStorage_QueueFIFOPerTenant(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	a := makeTenant(t, db, "abc123-qa")
	b := makeTenant(t, db, "abc123-qb")

	i1 := makeIntent(a.ID, "MXFR1", domain.ActionLongEntry)
	i2 := makeIntent(b.ID, "TXFR1", domain.ActionShortEntry)
	i3 := makeIntent(a.ID, "MXFR1", domain.ActionLongExit)
	for _, in := range []domain.OrderIntent{i1, i2, i3} {
		_, err := db.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	depth, err := db.Depth(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	got1, ok, err := db.Dequeue(ctx, a.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)
	got2, ok, err := db.Dequeue(ctx, a.ID, 10*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, i1.ID, got1.ID)
	assert.Equal(t, i3.ID, got2.ID)

	_, ok, err = db.Dequeue(ctx, a.ID, 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok, "tenant a drained; tenant b untouched")

	backlog, err := db.BacklogTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, backlog)
}

func TestSQLStorage_DequeueIntoIsAtomic(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-atomic")
	in := makeIntent(tenant.ID, "MXFR1", domain.ActionLongEntry)
	_, err := db.Enqueue(ctx, in)
	require.NoError(t, err)

	now := time.Now().UTC()
	taken := domain.Order{
		ID: uuid.New().String(), TenantID: tenant.ID, Symbol: "MXFR1", Action: domain.ActionLongEntry,
		Quantity: 1, Status: domain.OrderFilled, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.CreateOrder(ctx, taken))

	pending := func(id string) func(domain.OrderIntent) domain.Order {
		return func(in domain.OrderIntent) domain.Order {
			return domain.Order{
				ID: id, TenantID: in.TenantID, IntentID: in.ID, Symbol: in.Symbol, Action: in.Action,
				Quantity: in.Quantity, Status: domain.OrderPending, CreatedAt: now, UpdatedAt: now,
			}
		}
	}

	// id duplicado: el insert falla y el intent no se pierde
	_, ok, err := db.DequeueInto(ctx, tenant.ID, 10*time.Millisecond, pending(taken.ID))
	require.Error(t, err)
	assert.False(t, ok)
	depth, err := db.Depth(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "intent stays queued when the order insert fails")

	o, ok, err := db.DequeueInto(ctx, tenant.ID, 10*time.Millisecond, pending(uuid.New().String()))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.ID, o.IntentID)

	stored, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderPending, stored.Status)
	depth, err = db.Depth(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, depth)

	_, ok, err = db.DequeueInto(ctx, tenant.ID, 10*time.Millisecond, pending(uuid.New().String()))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSQLStorage_BacklogOldestFirst(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	late := makeTenant(t, db, "abc123-late")
	early := makeTenant(t, db, "abc123-early")

	for _, in := range []domain.OrderIntent{
		makeIntent(early.ID, "MXFR1", domain.ActionLongEntry),
		makeIntent(late.ID, "MXFR1", domain.ActionLongEntry),
		makeIntent(early.ID, "MXFR1", domain.ActionLongExit),
	} {
		_, err := db.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	backlog, err := db.BacklogTenants(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{early.ID, late.ID}, backlog)
}

func TestSQLStorage_DequeueWakesOnEnqueue(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-wake")
	db.SetQueuePollInterval(time.Hour) // solo despierta la señal

	in := makeIntent(tenant.ID, "MXFR1", domain.ActionLongEntry)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = db.Enqueue(context.Background(), in)
	}()

	got, ok, err := db.Dequeue(ctx, tenant.ID, 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, in.ID, got.ID)
}

func TestSQLStorage_RejectsMalformedIntent(t *testing.T) {
	db := openStore(t)
	tenant := makeTenant(t, db, "abc123-bad")

	bad := makeIntent(tenant.ID, "MXFR1", domain.ActionLongEntry)
	bad.Quantity = 0
	_, err := db.Enqueue(context.Background(), bad)
	assert.ErrorIs(t, err, domain.ErrInvalidIntent)
}

func TestSQLStorage_ExpireAndPurge(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-exp")
	now := time.Now().UTC()

	old := makeIntent(tenant.ID, "MXFR1", domain.ActionLongEntry)
	old.EnqueuedAt = now.Add(-time.Hour)
	fresh := makeIntent(tenant.ID, "MXFR1", domain.ActionShortEntry)
	fresh.EnqueuedAt = now
	for _, in := range []domain.OrderIntent{old, fresh} {
		_, err := db.Enqueue(ctx, in)
		require.NoError(t, err)
	}

	expired, err := db.ExpireBefore(ctx, tenant.ID, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, old.ID, expired[0].ID)

	purged, err := db.Purge(ctx, tenant.ID)
	require.NoError(t, err)
	require.Len(t, purged, 1)
	assert.Equal(t, fresh.ID, purged[0].ID)

	depth, err := db.Depth(ctx, tenant.ID)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestSQLStorage_OrderRoundTripAndFilter(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-orders")
	now := time.Now().UTC().Truncate(time.Millisecond)

	o := domain.Order{
		ID: uuid.New().String(), TenantID: tenant.ID, Symbol: "MXFR1", Action: domain.ActionLongEntry,
		Quantity: 2, Status: domain.OrderPending, CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, db.CreateOrder(ctx, o))

	o.Status = domain.OrderFilled
	o.VenueOrderID = "V-1"
	o.FillQuantity = 2
	o.FillPrice = decimal.RequireFromString("21450.5")
	o.UpdatedAt = now.Add(time.Second)
	require.NoError(t, db.UpdateOrder(ctx, o))

	got, err := db.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderFilled, got.Status)
	assert.Equal(t, "V-1", got.VenueOrderID)
	assert.True(t, got.FillPrice.Equal(decimal.RequireFromString("21450.5")))

	open, err := db.ListOrders(ctx, domain.OrderFilter{TenantID: tenant.ID, Statuses: domain.NonTerminalStatuses})
	require.NoError(t, err)
	assert.Empty(t, open)

	_, err = db.GetOrder(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSQLStorage_AuditChain(t *testing.T) {
	db := openStore(t)
	ctx := context.Background()
	tenant := makeTenant(t, db, "abc123-audit")

	first, err := db.AppendAudit(ctx, domain.SystemEntry(tenant.ID, domain.AuditWorkerStarted, map[string]any{"slot": 0}))
	require.NoError(t, err)
	second, err := db.AppendAudit(ctx, domain.SystemEntry(tenant.ID, domain.AuditWorkerStopped, nil))
	require.NoError(t, err)

	assert.Empty(t, first.PrevHash)
	assert.Equal(t, first.Hash, second.PrevHash)

	entries, err := db.ListAudit(ctx, domain.AuditQuery{TenantID: tenant.ID})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.AuditWorkerStopped, entries[0].Action, "newest first")

	broken, err := db.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.Zero(t, broken)

	_, err = db.DB().ExecContext(ctx, `UPDATE tenant_audit_log SET details = '{"slot":9}' WHERE id = ?`, first.ID)
	require.NoError(t, err)
	broken, err = db.VerifyAuditChain(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.ID, broken)
}
