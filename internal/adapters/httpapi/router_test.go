package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/execgate/internal/adapters/httpapi"
	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/adapters/vault"
	"github.com/alejandrodnm/execgate/internal/adapters/venue"
	"github.com/alejandrodnm/execgate/internal/application/audit"
	"github.com/alejandrodnm/execgate/internal/application/credentials"
	"github.com/alejandrodnm/execgate/internal/application/health"
	"github.com/alejandrodnm/execgate/internal/application/intake"
	"github.com/alejandrodnm/execgate/internal/application/tenants"
	"github.com/alejandrodnm/execgate/internal/domain"
)

const token = "s3cret"

type noopLifecycle struct{}

func (noopLifecycle) HandleTenantStatus(context.Context, domain.TenantStatusEvent) error { return nil }

type fakeWorkers struct {
	positions []domain.Position
	recheck   domain.Order
	err       error
	stopped   []string
}

func (f *fakeWorkers) EnsureWorker(_ context.Context, tenantID string) (domain.WorkerInstance, error) {
	return domain.WorkerInstance{TenantID: tenantID, Status: domain.WorkerRunning}, f.err
}

func (f *fakeWorkers) Stop(_ context.Context, tenantID, reason string) error {
	f.stopped = append(f.stopped, tenantID+":"+reason)
	return f.err
}

func (f *fakeWorkers) Recheck(context.Context, string) (domain.Order, error) { return f.recheck, f.err }

func (f *fakeWorkers) Positions(context.Context, string) ([]domain.Position, error) {
	return f.positions, f.err
}

type env struct {
	srv     *httptest.Server
	db      *storage.SQLStorage
	rec     *audit.Recorder
	workers *fakeWorkers
}

func newEnv(t *testing.T) *env {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(db, []byte("thisis32byteslongsecretkey123456"))
	require.NoError(t, err)
	rec := audit.New(db, nil, audit.Config{})
	t.Cleanup(func() { rec.Close(context.Background()) })

	w := &fakeWorkers{}
	router := httpapi.NewRouter(httpapi.Deps{
		Tenants:     tenants.New(db, noopLifecycle{}, rec),
		Credentials: credentials.New(db, v, venue.NewPaper(venue.PaperConfig{}), rec),
		Workers:     w,
		Intake:      intake.New(db, db, db, db, w),
		Instances:   db,
		Orders:      db,
		Audit:       rec,
		Health:      health.New(db, db, db),
		AdminToken:  token,
	})
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return &env{srv: srv, db: db, rec: rec, workers: w}
}

func (e *env) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("X-Admin-Token", token)
	req.Header.Set("X-Actor", "ops@example.com")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func (e *env) createTenant(t *testing.T, name string) map[string]any {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/tenants", map[string]any{"name": name, "plan": "pro"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var out map[string]any
	decode(t, resp, &out)
	return out
}

func TestHealth_IsPublic(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap health.Snapshot
	decode(t, resp, &snap)
	assert.Equal(t, health.StatusHealthy, snap.API)
	assert.Equal(t, health.StatusConnected, snap.Queue)
}

func TestAdminRoutes_RequireToken(t *testing.T) {
	e := newEnv(t)
	resp, err := http.Get(e.srv.URL + "/workers")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestTenants_CreateGetAndStatus(t *testing.T) {
	e := newEnv(t)
	created := e.createTenant(t, "Acme Desk")
	assert.Equal(t, "pending", created["status"])
	assert.Equal(t, "pro", created["plan"])
	slug := created["slug"].(string)

	resp := e.do(t, http.MethodGet, "/tenants/"+slug, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	decode(t, resp, &got)
	assert.Equal(t, created["id"], got["id"])

	resp = e.do(t, http.MethodPost, "/tenants/"+got["id"].(string)+"/status", map[string]string{"status": "active"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &got)
	assert.Equal(t, "active", got["status"])

	resp = e.do(t, http.MethodPost, "/tenants/"+got["id"].(string)+"/status", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestTenants_UnknownIsNotFound(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodGet, "/tenants/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCredentials_SubmitVerifyReadiness(t *testing.T) {
	e := newEnv(t)
	id := e.createTenant(t, "Cred Desk")["id"].(string)

	resp := e.do(t, http.MethodPost, "/tenants/"+id+"/credentials", map[string]any{
		"type":   "api-key-pair",
		"secret": map[string]string{"api_key": "k", "secret_key": "s"},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var cred map[string]any
	decode(t, resp, &cred)
	assert.Equal(t, "pending", cred["status"])
	assert.NotContains(t, cred, "secret_ref")

	resp = e.do(t, http.MethodPost, "/credentials/"+cred["id"].(string)+"/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decode(t, resp, &cred)
	assert.Equal(t, "verified", cred["status"])

	resp = e.do(t, http.MethodGet, "/tenants/"+id+"/readiness", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rd map[string]any
	decode(t, resp, &rd)
	assert.Equal(t, false, rd["ready_for_live"])
	assert.NotNil(t, rd["api_key_pair"])
	assert.Nil(t, rd["client_certificate"])
}

func TestCredentials_MalformedSecretRejected(t *testing.T) {
	e := newEnv(t)
	id := e.createTenant(t, "Bad Cred")["id"].(string)

	resp := e.do(t, http.MethodPost, "/tenants/"+id+"/credentials", map[string]any{
		"type":   "api-key-pair",
		"secret": map[string]string{"api_key": "k"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/tenants/"+id+"/credentials", map[string]any{"type": "password"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOrders_ListNewestFirst(t *testing.T) {
	e := newEnv(t)
	id := e.createTenant(t, "Orders Desk")["id"].(string)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)
	for i := 0; i < 3; i++ {
		require.NoError(t, e.db.CreateOrder(ctx, domain.Order{
			ID: uuid.NewString(), TenantID: id, IntentID: uuid.NewString(),
			Symbol: "MXF", Action: domain.ActionLongEntry, Quantity: i + 1,
			Status: domain.OrderFilled, FillPrice: decimal.NewFromInt(17000),
			CreatedAt: base.Add(time.Duration(i) * time.Second), UpdatedAt: base,
		}))
	}

	resp := e.do(t, http.MethodGet, "/tenants/"+id+"/orders?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	decode(t, resp, &list)
	require.Len(t, list, 2)
	assert.EqualValues(t, 3, list[0]["quantity"])
	assert.Equal(t, "17000", list[0]["fill_price"])

	resp = e.do(t, http.MethodGet, "/tenants/"+id+"/orders?limit=zero", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRouting_MapsWorkerErrors(t *testing.T) {
	e := newEnv(t)
	e.workers.err = fmt.Errorf("orchestrator.Recheck: %w", domain.ErrWorkerNotRunning)

	resp := e.do(t, http.MethodPost, "/orders/"+uuid.NewString()+"/recheck", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	var body httpapi.ErrorResponse
	decode(t, resp, &body)
	assert.Contains(t, body.Error, "no running worker")

	e.workers.err = domain.ErrNotFound
	resp = e.do(t, http.MethodGet, "/tenants/x/positions", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPositions_FromWorker(t *testing.T) {
	e := newEnv(t)
	e.workers.positions = []domain.Position{{Symbol: "MXF", Code: "MXFK6", Quantity: -2, AvgPrice: decimal.RequireFromString("17012.5")}}

	resp := e.do(t, http.MethodGet, "/tenants/t1/positions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.EqualValues(t, -2, list[0]["quantity"])
	assert.Equal(t, "17012.5", list[0]["avg_price"])
}

func TestStopWorker_DefaultsReasonToActor(t *testing.T) {
	e := newEnv(t)
	resp := e.do(t, http.MethodPost, "/tenants/t1/worker/stop", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, []string{"t1:stopped by ops@example.com"}, e.workers.stopped)
}

func TestAudit_ListAndVerify(t *testing.T) {
	e := newEnv(t)
	e.createTenant(t, "Audit Desk")
	require.NoError(t, e.rec.Close(context.Background()))

	resp := e.do(t, http.MethodGet, "/audit?action=tenant_created", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []map[string]any
	decode(t, resp, &list)
	require.Len(t, list, 1)
	assert.Equal(t, "ops@example.com", list[0]["actor"])
	assert.Equal(t, "admin", list[0]["actor_type"])

	resp = e.do(t, http.MethodGet, "/audit/verify", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v map[string]any
	decode(t, resp, &v)
	assert.Equal(t, true, v["ok"])
}

func TestIntents_QueuedForActiveTenant(t *testing.T) {
	e := newEnv(t)
	id := e.createTenant(t, "Intent Desk")["id"].(string)
	resp := e.do(t, http.MethodPost, "/tenants/"+id+"/status", map[string]string{"status": "active"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = e.do(t, http.MethodPost, "/tenants/"+id+"/intents?simulation=true", map[string]any{"ticker": "MXF", "action": "buy", "quantity": 2})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var rc map[string]any
	decode(t, resp, &rc)
	assert.NotEmpty(t, rc["intent_id"])

	depth, err := e.db.Depth(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, depth)

	resp = e.do(t, http.MethodPost, "/tenants/"+id+"/intents", map[string]any{"ticker": "MXF", "action": "exit"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestIntents_InactiveTenantForbidden(t *testing.T) {
	e := newEnv(t)
	id := e.createTenant(t, "Pending Desk")["id"].(string)

	resp := e.do(t, http.MethodPost, "/tenants/"+id+"/intents", map[string]any{"ticker": "MXF", "action": "buy"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
