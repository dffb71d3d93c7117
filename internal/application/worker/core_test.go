package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/adapters/venue"
	"github.com/alejandrodnm/execgate/internal/application/worker"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticCreds struct {
	certificate bool
}

func (s staticCreds) OpenSession(context.Context, string) (domain.SessionCredentials, error) {
	return domain.SessionCredentials{APIKey: "AK", SecretKey: "SK"}, nil
}

func (s staticCreds) HasVerifiedCertificate(context.Context, string) (bool, error) {
	return s.certificate, nil
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

func (m *memAuditor) byAction(a domain.AuditAction) []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.Action == a {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	db      *storage.SQLStorage
	paper   *venue.Paper
	auditor *memAuditor
	tenant  string
	lease   domain.Lease
	cfg     worker.Config
	creds   staticCreds
}

func newHarness(t *testing.T, paperCfg venue.PaperConfig) *harness {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	db.SetQueuePollInterval(10 * time.Millisecond)

	ctx := context.Background()
	now := time.Now().UTC()
	tenantID := uuid.New().String()
	require.NoError(t, db.CreateTenant(ctx, domain.Tenant{
		ID: tenantID, Slug: "abc123-core", Status: domain.TenantActive, Plan: domain.PlanPro, CreatedAt: now, UpdatedAt: now,
	}))
	_, err = db.EnsureWorker(ctx, tenantID)
	require.NoError(t, err)
	lease, err := db.GrantLease(ctx, tenantID, time.Minute, now)
	require.NoError(t, err)

	return &harness{
		db:      db,
		paper:   venue.NewPaper(paperCfg),
		auditor: &memAuditor{},
		tenant:  tenantID,
		lease:   lease,
		cfg: worker.Config{
			SubmitTimeout:     time.Second,
			RequestTimeout:    time.Second,
			ReconcileInterval: time.Hour,
			PingInterval:      time.Hour,
			DequeueWait:       20 * time.Millisecond,
			ClaimTimeout:      time.Second,
			LeaseTTL:          time.Minute,
			Backoff:           worker.Backoff{Min: time.Millisecond, Max: 5 * time.Millisecond, Factor: 2},
		},
	}
}

func (h *harness) core() *worker.Core {
	return worker.New(h.lease, h.cfg, worker.Deps{
		Queue:       h.db,
		Orders:      h.db,
		Workers:     h.db,
		Credentials: h.creds,
		Dialer:      h.paper,
		Auditor:     h.auditor,
	})
}

// start runs a core in the background and returns a stop func that cancels
// it and returns Run's error.
func (h *harness) start(t *testing.T, c *worker.Core) func() error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool {
		return c.Report().ConnState.Serving()
	}, 2*time.Second, 5*time.Millisecond, "core never connected")

	var once sync.Once
	var runErr error
	stop := func() error {
		once.Do(func() {
			cancel()
			select {
			case runErr = <-done:
			case <-time.After(5 * time.Second):
				runErr = errors.New("core did not stop")
			}
		})
		return runErr
	}
	t.Cleanup(func() { _ = stop() })
	return stop
}

func (h *harness) enqueue(t *testing.T, symbol string, action domain.OrderAction, qty int) string {
	t.Helper()
	id := uuid.New().String()
	_, err := h.db.Enqueue(context.Background(), domain.OrderIntent{
		ID: id, TenantID: h.tenant, Symbol: symbol, Action: action, Quantity: qty, Simulation: true,
	})
	require.NoError(t, err)
	return id
}

func (h *harness) orderFor(t *testing.T, intentID string) (domain.Order, bool) {
	t.Helper()
	orders, err := h.db.ListOrders(context.Background(), domain.OrderFilter{TenantID: h.tenant})
	require.NoError(t, err)
	for _, o := range orders {
		if o.IntentID == intentID {
			return o, true
		}
	}
	return domain.Order{}, false
}

func (h *harness) waitStatus(t *testing.T, intentID string, want domain.OrderStatus) domain.Order {
	t.Helper()
	var got domain.Order
	require.Eventually(t, func() bool {
		o, ok := h.orderFor(t, intentID)
		got = o
		return ok && o.Status == want
	}, 3*time.Second, 10*time.Millisecond, "intent %s never reached %s (last %q)", intentID, want, got.Status)
	return got
}

func TestCore_ExitWithoutPositionIsNoAction(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{FillOnPlace: true})
	c := h.core()
	h.start(t, c)

	id := h.enqueue(t, "MXFR1", domain.ActionLongExit, 1)
	h.waitStatus(t, id, domain.OrderNoAction)
	assert.Zero(t, h.paper.Counters().PlaceOrder.Load(), "no venue order for a no-op exit")
}

func TestCore_IntentsRunInArrivalOrder(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{FillOnPlace: true})
	first := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	second := h.enqueue(t, "MXFR1", domain.ActionShortEntry, 1)
	third := h.enqueue(t, "MXFR1", domain.ActionLongExit, 1)

	c := h.core()
	h.start(t, c)

	o1 := h.waitStatus(t, first, domain.OrderFilled)
	assert.Equal(t, 1, o1.Quantity)

	// short entry against a long of 1 reverses: sell 2.
	o2 := h.waitStatus(t, second, domain.OrderFilled)
	assert.Equal(t, 2, o2.Quantity)

	// now short, so a long exit has nothing to close.
	h.waitStatus(t, third, domain.OrderNoAction)
	assert.EqualValues(t, 2, h.paper.Counters().PlaceOrder.Load())

	pos, err := c.Positions(context.Background())
	require.NoError(t, err)
	require.Len(t, pos, 1)
	assert.Equal(t, -1, pos[0].Quantity)
}

func TestCore_UnknownSymbolNeverReachesVenue(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	c := h.core()
	h.start(t, c)

	id := h.enqueue(t, "ESZ6", domain.ActionLongEntry, 1)
	o := h.waitStatus(t, id, domain.OrderFailed)
	assert.Equal(t, domain.ReasonUnknownSymbol, o.ErrorMessage)
	assert.Zero(t, h.paper.Counters().Positions.Load())
	assert.Zero(t, h.paper.Counters().PlaceOrder.Load())
}

func TestCore_RejectionKeepsVenueText(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	h.paper.RejectNext("margin insufficient")
	c := h.core()
	h.start(t, c)

	id := h.enqueue(t, "TXFR1", domain.ActionShortEntry, 1)
	o := h.waitStatus(t, id, domain.OrderFailed)
	assert.Equal(t, "margin insufficient", o.ErrorMessage)
	assert.Equal(t, domain.ConnConnected, c.Report().ConnState, "a rejection does not drop the session")
}

func TestCore_SubmitTimeoutFailsOrder(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{PlaceDelay: 500 * time.Millisecond})
	h.cfg.SubmitTimeout = 30 * time.Millisecond
	c := h.core()
	h.start(t, c)

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	o := h.waitStatus(t, id, domain.OrderFailed)
	assert.Equal(t, domain.ReasonSubmissionTimeout, o.ErrorMessage)
}

func TestCore_LiveOrderNeedsVerifiedCertificate(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	h.cfg.LiveRequiresCertificate = true
	c := h.core()
	h.start(t, c)

	id := uuid.New().String()
	_, err := h.db.Enqueue(context.Background(), domain.OrderIntent{
		ID: id, TenantID: h.tenant, Symbol: "MXFR1", Action: domain.ActionLongEntry, Quantity: 1,
	})
	require.NoError(t, err)

	o := h.waitStatus(t, id, domain.OrderFailed)
	assert.Equal(t, domain.ReasonCertificateRequired, o.ErrorMessage)
	assert.Zero(t, h.paper.Counters().PlaceOrder.Load())
}

func TestCore_TransportFailureReconnects(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	h.paper.FailPlace(errors.New("broken pipe"))
	c := h.core()
	h.start(t, c)

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	o := h.waitStatus(t, id, domain.OrderFailed)
	assert.Contains(t, o.ErrorMessage, domain.ReasonConnectionLost+": ")
	assert.Contains(t, o.ErrorMessage, "broken pipe")

	require.Eventually(t, func() bool {
		return h.paper.Counters().Dials.Load() >= 2 && c.Report().ConnState.Serving()
	}, 2*time.Second, 5*time.Millisecond, "core did not reconnect")
	assert.GreaterOrEqual(t, h.paper.Counters().Close.Load(), int64(1), "old session logged out")
}

func TestCore_ReconcileAdvancesSubmittedOrder(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	c := h.core()
	h.start(t, c)
	ctx := context.Background()

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 3)
	o := h.waitStatus(t, id, domain.OrderSubmitted)
	assert.NotEmpty(t, o.VenueOrderID)

	h.paper.SetOrderState(o.VenueOrderID, domain.VenueOrderState{
		Status: domain.VenuePartFilled, OrderQuantity: 3, DealQuantity: 1, FillAvgPrice: decimal.RequireFromString("21010.5"),
	})
	require.NoError(t, c.Reconcile(ctx))
	o = h.waitStatus(t, id, domain.OrderPartialFilled)
	assert.Equal(t, 1, o.FillQuantity)
	assert.True(t, decimal.RequireFromString("21010.5").Equal(o.FillPrice))

	h.paper.SetOrderState(o.VenueOrderID, domain.VenueOrderState{
		Status: domain.VenueFilled, OrderQuantity: 3, DealQuantity: 3, FillAvgPrice: decimal.RequireFromString("21012"),
	})
	require.NoError(t, c.Reconcile(ctx))
	o = h.waitStatus(t, id, domain.OrderFilled)
	assert.Equal(t, 3, o.FillQuantity)
	assert.Empty(t, h.auditor.byAction(domain.AuditStateCorrection), "forward progress is not a correction")

	before := o.UpdatedAt
	require.NoError(t, c.Reconcile(ctx))
	again, ok := h.orderFor(t, id)
	require.True(t, ok)
	assert.Equal(t, before, again.UpdatedAt, "terminal orders are not rewritten")
}

func TestCore_ReconcileRecordsCorrection(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	c := h.core()
	h.start(t, c)
	ctx := context.Background()

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 2)
	o := h.waitStatus(t, id, domain.OrderSubmitted)

	h.paper.SetOrderState(o.VenueOrderID, domain.VenueOrderState{Status: domain.VenuePartFilled, OrderQuantity: 2, DealQuantity: 1})
	require.NoError(t, c.Reconcile(ctx))
	h.waitStatus(t, id, domain.OrderPartialFilled)

	h.paper.SetOrderState(o.VenueOrderID, domain.VenueOrderState{Status: domain.VenueSubmitted, OrderQuantity: 2})
	require.NoError(t, c.Reconcile(ctx))
	h.waitStatus(t, id, domain.OrderSubmitted)

	corrections := h.auditor.byAction(domain.AuditStateCorrection)
	require.Len(t, corrections, 1)
	assert.Equal(t, o.ID, corrections[0].Details["order_id"])
	assert.Equal(t, string(domain.OrderPartialFilled), corrections[0].Details["from"])
	assert.Equal(t, string(domain.OrderSubmitted), corrections[0].Details["to"])
	assert.Equal(t, "reconcile", corrections[0].Details["source"])
}

func TestCore_RecheckOverridesTerminal(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{FillOnPlace: true})
	c := h.core()
	h.start(t, c)
	ctx := context.Background()

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	o := h.waitStatus(t, id, domain.OrderFilled)

	h.paper.SetOrderState(o.VenueOrderID, domain.VenueOrderState{Status: domain.VenueCancelled, OrderQuantity: 1, CancelQuantity: 1})
	require.NoError(t, c.Reconcile(ctx))
	still, _ := h.orderFor(t, id)
	assert.Equal(t, domain.OrderFilled, still.Status, "reconcile leaves terminal orders alone")

	got, err := c.Recheck(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.OrderCancelled, got.Status)
	corrections := h.auditor.byAction(domain.AuditStateCorrection)
	require.Len(t, corrections, 1)
	assert.Equal(t, "recheck", corrections[0].Details["source"])

	_, err = c.Recheck(ctx, uuid.New().String())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCore_StopWaitsForInFlightSubmit(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{PlaceDelay: 150 * time.Millisecond})
	c := h.core()
	stop := h.start(t, c)

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	require.Eventually(t, func() bool {
		return c.Report().ConnState == domain.ConnExecuting
	}, 2*time.Second, time.Millisecond)

	require.NoError(t, stop())
	o, ok := h.orderFor(t, id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderSubmitted, o.Status, "stop let the venue call finish")
	assert.Equal(t, domain.ConnDisconnected, c.Report().ConnState)
}

func TestCore_SessionCallsNeverOverlap(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{PlaceDelay: 5 * time.Millisecond})
	c := h.core()
	h.start(t, c)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = c.Reconcile(ctx)
				_, _ = c.Positions(ctx)
			}
		}()
	}
	for _, id := range ids {
		h.waitStatus(t, id, domain.OrderSubmitted)
	}
	wg.Wait()
	assert.EqualValues(t, 1, h.paper.MaxConcurrent())
}

func TestCore_EscalatesAfterRepeatedDialFailures(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	h.paper.FailDial(domain.ErrAuthentication)
	h.cfg.MaxConnectFailures = 3
	c := h.core()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := c.Run(ctx)
	require.ErrorIs(t, err, domain.ErrEscalated)
	assert.EqualValues(t, 3, h.paper.Counters().Dials.Load())
	assert.Equal(t, 3, c.Report().ConnectFailures)
	assert.Contains(t, c.Report().LastError, "authentication")
}

func TestCore_ExitsWhenLeaseIsLost(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{})
	c := h.core()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	require.Eventually(t, func() bool { return c.Report().ConnState.Serving() }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.db.RevokeLease(ctx, h.tenant))

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrLeaseLost)
	case <-ctx.Done():
		t.Fatal("core kept running without a lease")
	}

	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	_, ok := h.orderFor(t, id)
	assert.False(t, ok)
	depth, err := h.db.Depth(ctx, h.tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, depth, "intent stays queued for the next owner")
}

func TestCore_LeaseOutlivesSlowSubmits(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{FillOnPlace: true, PlaceDelay: 300 * time.Millisecond})
	h.cfg.LeaseTTL = 100 * time.Millisecond
	c := h.core()
	stop := h.start(t, c)

	first := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	second := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	h.waitStatus(t, first, domain.OrderFilled)
	h.waitStatus(t, second, domain.OrderFilled)

	w, err := h.db.GetWorker(context.Background(), h.tenant)
	require.NoError(t, err)
	assert.Equal(t, h.lease.ID, w.LeaseID, "the core still owns its lease")
	assert.True(t, c.Report().ConnState.Serving())
	require.NoError(t, stop())
}

// fencingDialer hands out sessions that run fence before reading positions,
// which lands between the dequeue and the submit.
type fencingDialer struct {
	*venue.Paper
	fence func()
}

func (d fencingDialer) Dial(ctx context.Context, creds domain.SessionCredentials, simulation bool) (ports.Venue, error) {
	v, err := d.Paper.Dial(ctx, creds, simulation)
	if err != nil {
		return nil, err
	}
	return fencingVenue{Venue: v, fence: d.fence}, nil
}

type fencingVenue struct {
	ports.Venue
	fence func()
}

func (v fencingVenue) Positions(ctx context.Context) ([]domain.Position, error) {
	v.fence()
	return v.Venue.Positions(ctx)
}

func TestCore_NoSubmitAfterLeaseLoss(t *testing.T) {
	h := newHarness(t, venue.PaperConfig{FillOnPlace: true})
	revoke := func() { _ = h.db.RevokeLease(context.Background(), h.tenant) }
	c := worker.New(h.lease, h.cfg, worker.Deps{
		Queue:       h.db,
		Orders:      h.db,
		Workers:     h.db,
		Credentials: h.creds,
		Dialer:      fencingDialer{Paper: h.paper, fence: revoke},
		Auditor:     h.auditor,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	id := h.enqueue(t, "MXFR1", domain.ActionLongEntry, 1)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case err := <-done:
		require.ErrorIs(t, err, domain.ErrLeaseLost)
	case <-ctx.Done():
		t.Fatal("core kept running without a lease")
	}

	o, ok := h.orderFor(t, id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderFailed, o.Status)
	assert.Equal(t, domain.ReasonLeaseLost, o.ErrorMessage)
	assert.Zero(t, h.paper.Counters().PlaceOrder.Load(), "nothing reaches the venue without the lease")
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	b := worker.Backoff{Min: 10 * time.Millisecond, Max: 80 * time.Millisecond, Factor: 2}
	assert.Equal(t, 10*time.Millisecond, b.Next(1))
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
	assert.Equal(t, 40*time.Millisecond, b.Next(3))
	assert.Equal(t, 80*time.Millisecond, b.Next(4))
	assert.Equal(t, 80*time.Millisecond, b.Next(10))

	j := worker.Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.2}
	for i := 0; i < 50; i++ {
		d := j.Next(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}
