package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alejandrodnm/execgate/internal/application/intake"
	"github.com/alejandrodnm/execgate/internal/application/tenants"
	"github.com/alejandrodnm/execgate/internal/domain"
)

type handler struct {
	d Deps
}

// ─── Views ───────────────────────────────────────────────────────────────────

type tenantView struct {
	ID        string         `json:"id"`
	Slug      string         `json:"slug"`
	Name      string         `json:"name"`
	OwnerRef  string         `json:"owner_ref,omitempty"`
	Status    string         `json:"status"`
	Plan      string         `json:"plan"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt *time.Time     `json:"deleted_at,omitempty"`
}

func viewTenant(t domain.Tenant) tenantView {
	return tenantView{
		ID: t.ID, Slug: t.Slug, Name: t.Name, OwnerRef: t.OwnerRef,
		Status: string(t.Status), Plan: string(t.Plan), Metadata: t.Metadata,
		CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt, DeletedAt: t.DeletedAt,
	}
}

type credentialView struct {
	ID          string     `json:"id"`
	TenantID    string     `json:"tenant_id"`
	Type        string     `json:"type"`
	Fingerprint string     `json:"fingerprint"`
	Status      string     `json:"status"`
	VerifiedAt  *time.Time `json:"verified_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func viewCredential(c *domain.Credential) *credentialView {
	if c == nil {
		return nil
	}
	return &credentialView{
		ID: c.ID, TenantID: c.TenantID, Type: string(c.Type), Fingerprint: c.Fingerprint,
		Status: string(c.Status), VerifiedAt: c.VerifiedAt, LastError: c.LastError, UpdatedAt: c.UpdatedAt,
	}
}

type orderView struct {
	ID             string    `json:"id"`
	IntentID       string    `json:"intent_id"`
	Symbol         string    `json:"symbol"`
	Code           string    `json:"code,omitempty"`
	Action         string    `json:"action"`
	Quantity       int       `json:"quantity"`
	Simulation     bool      `json:"simulation"`
	Status         string    `json:"status"`
	VenueStatus    string    `json:"venue_status,omitempty"`
	VenueOrderID   string    `json:"venue_order_id,omitempty"`
	FillQuantity   int       `json:"fill_quantity"`
	FillPrice      string    `json:"fill_price"`
	CancelQuantity int       `json:"cancel_quantity"`
	ErrorMessage   string    `json:"error_message,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func viewOrder(o domain.Order) orderView {
	return orderView{
		ID: o.ID, IntentID: o.IntentID, Symbol: o.Symbol, Code: o.Code,
		Action: string(o.Action), Quantity: o.Quantity, Simulation: o.Simulation,
		Status: string(o.Status), VenueStatus: o.VenueStatus, VenueOrderID: o.VenueOrderID,
		FillQuantity: o.FillQuantity, FillPrice: o.FillPrice.String(), CancelQuantity: o.CancelQuantity,
		ErrorMessage: o.ErrorMessage, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
}

type positionView struct {
	Symbol   string `json:"symbol"`
	Code     string `json:"code"`
	Quantity int    `json:"quantity"`
	AvgPrice string `json:"avg_price"`
}

type workerView struct {
	TenantID     string              `json:"tenant_id"`
	Handle       string              `json:"handle,omitempty"`
	Status       string              `json:"status"`
	Slot         *int                `json:"slot,omitempty"`
	Health       string              `json:"health"`
	HealthMisses int                 `json:"health_misses"`
	Usage        domain.WorkerReport `json:"usage"`
	LastActivity time.Time           `json:"last_activity"`
	LastError    string              `json:"last_error,omitempty"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

func viewWorker(w domain.WorkerInstance) workerView {
	return workerView{
		TenantID: w.TenantID, Handle: w.Handle, Status: string(w.Status), Slot: w.Slot,
		Health: string(w.Health), HealthMisses: w.HealthMisses, Usage: w.Usage,
		LastActivity: w.LastActivity, LastError: w.LastError, UpdatedAt: w.UpdatedAt,
	}
}

type auditView struct {
	ID        int64          `json:"id"`
	TenantID  string         `json:"tenant_id,omitempty"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	SourceIP  string         `json:"source_ip,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	Hash      string         `json:"hash"`
}

// ─── Health ──────────────────────────────────────────────────────────────────

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	h.writeSnapshot(w, r, "")
}

func (h *handler) tenantHealth(w http.ResponseWriter, r *http.Request) {
	t, err := h.d.Tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeSnapshot(w, r, t.ID)
}

func (h *handler) writeSnapshot(w http.ResponseWriter, r *http.Request, tenantID string) {
	snap := h.d.Health.Snapshot(r.Context(), tenantID)
	status := http.StatusOK
	if !snap.OK() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap)
}

// ─── Tenants ─────────────────────────────────────────────────────────────────

type createTenantRequest struct {
	Name     string         `json:"name"`
	OwnerRef string         `json:"owner_ref"`
	Plan     string         `json:"plan"`
	Metadata map[string]any `json:"metadata"`
}

func (h *handler) createTenant(w http.ResponseWriter, r *http.Request) {
	var req createTenantRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	t, err := h.d.Tenants.Create(r.Context(), actorFrom(r), tenants.NewTenant{
		Name: req.Name, OwnerRef: req.OwnerRef, Plan: domain.PlanTier(req.Plan), Metadata: req.Metadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewTenant(t))
}

func (h *handler) listTenants(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.TenantStatus
	if s := r.URL.Query().Get("status"); s != "" {
		statuses = append(statuses, domain.TenantStatus(s))
	}
	list, err := h.d.Tenants.List(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]tenantView, 0, len(list))
	for _, t := range list {
		out = append(out, viewTenant(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getTenant(w http.ResponseWriter, r *http.Request) {
	t, err := h.d.Tenants.Get(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTenant(t))
}

type statusRequest struct {
	Status string `json:"status"`
}

func (h *handler) setTenantStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	status := domain.TenantStatus(req.Status)
	if !status.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("unknown tenant status %q", req.Status)})
		return
	}
	t, err := h.d.Tenants.SetStatus(r.Context(), actorFrom(r), chi.URLParam(r, "tenantID"), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewTenant(t))
}

type planRequest struct {
	Plan string `json:"plan"`
}

func (h *handler) changePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	if err := h.d.Tenants.ChangePlan(r.Context(), actorFrom(r), chi.URLParam(r, "tenantID"), domain.PlanTier(req.Plan)); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Credentials ─────────────────────────────────────────────────────────────

type readinessResponse struct {
	APIKeyPair        *credentialView `json:"api_key_pair"`
	ClientCertificate *credentialView `json:"client_certificate"`
	ReadyForLive      bool            `json:"ready_for_live"`
}

func (h *handler) readiness(w http.ResponseWriter, r *http.Request) {
	rd, err := h.d.Credentials.Readiness(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, readinessResponse{
		APIKeyPair:        viewCredential(rd.APIKeyPair),
		ClientCertificate: viewCredential(rd.ClientCertificate),
		ReadyForLive:      rd.ReadyForLive(),
	})
}

type credentialRequest struct {
	Type   string          `json:"type"`
	Secret json.RawMessage `json:"secret"`
}

func (h *handler) submitCredential(w http.ResponseWriter, r *http.Request) {
	var req credentialRequest
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	typ := domain.CredentialType(req.Type)
	if !typ.Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: fmt.Sprintf("unknown credential type %q", req.Type)})
		return
	}
	raw := []byte(req.Secret)
	defer domain.Wipe(raw)

	c, err := h.d.Credentials.Submit(r.Context(), actorFrom(r), chi.URLParam(r, "tenantID"), typ, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewCredential(&c))
}

func (h *handler) verifyCredential(w http.ResponseWriter, r *http.Request) {
	c, err := h.d.Credentials.Verify(r.Context(), actorFrom(r), chi.URLParam(r, "credentialID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewCredential(&c))
}

func (h *handler) revokeCredential(w http.ResponseWriter, r *http.Request) {
	if err := h.d.Credentials.Revoke(r.Context(), actorFrom(r), chi.URLParam(r, "credentialID")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Intents ─────────────────────────────────────────────────────────────────

type receiptView struct {
	IntentID   string    `json:"intent_id"`
	Seq        int64     `json:"seq"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// submitIntent queues an alert payload as-is. ?simulation=true routes it to
// the simulation venue.
func (h *handler) submitIntent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
		return
	}
	sim, _ := strconv.ParseBool(r.URL.Query().Get("simulation"))
	rc, err := h.d.Intake.Submit(r.Context(), intake.Alert{
		TenantID:   chi.URLParam(r, "tenantID"),
		SourceIP:   sourceIP(r),
		Payload:    body,
		Simulation: sim,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, receiptView{IntentID: rc.IntentID, Seq: rc.Seq, EnqueuedAt: rc.EnqueuedAt})
}

// ─── Orders & positions ──────────────────────────────────────────────────────

func (h *handler) listOrders(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := domain.OrderFilter{TenantID: chi.URLParam(r, "tenantID"), Symbol: q.Get("symbol")}
	for _, s := range q["status"] {
		f.Statuses = append(f.Statuses, domain.OrderStatus(s))
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		f.Limit = n
	}
	list, err := h.d.Orders.ListOrders(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]orderView, 0, len(list))
	for _, o := range list {
		out = append(out, viewOrder(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) positions(w http.ResponseWriter, r *http.Request) {
	list, err := h.d.Workers.Positions(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]positionView, 0, len(list))
	for _, p := range list {
		out = append(out, positionView{Symbol: p.Symbol, Code: p.Code, Quantity: p.Quantity, AvgPrice: p.AvgPrice.String()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) recheck(w http.ResponseWriter, r *http.Request) {
	o, err := h.d.Workers.Recheck(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOrder(o))
}

// ─── Workers ─────────────────────────────────────────────────────────────────

func (h *handler) listWorkers(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.WorkerStatus
	for _, s := range r.URL.Query()["status"] {
		statuses = append(statuses, domain.WorkerStatus(s))
	}
	list, err := h.d.Instances.ListWorkers(r.Context(), statuses...)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]workerView, 0, len(list))
	for _, wi := range list {
		out = append(out, viewWorker(wi))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) startWorker(w http.ResponseWriter, r *http.Request) {
	inst, err := h.d.Workers.EnsureWorker(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewWorker(inst))
}

type stopRequest struct {
	Reason string `json:"reason"`
}

func (h *handler) stopWorker(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	if r.ContentLength != 0 {
		if err := readJSON(r, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "stopped by " + actorFrom(r).Name
	}
	if err := h.d.Workers.Stop(r.Context(), chi.URLParam(r, "tenantID"), req.Reason); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Audit ───────────────────────────────────────────────────────────────────

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	aq := domain.AuditQuery{TenantID: q.Get("tenant_id"), Action: domain.AuditAction(q.Get("action"))}
	if s := q.Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "since must be RFC3339"})
			return
		}
		aq.Since = t
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "limit must be a positive integer"})
			return
		}
		aq.Limit = n
	}
	list, err := h.d.Audit.List(r.Context(), aq)
	if err != nil {
		writeError(w, err)
		return
	}
	out := make([]auditView, 0, len(list))
	for _, e := range list {
		out = append(out, auditView{
			ID: e.ID, TenantID: e.TenantID, Action: string(e.Action), Actor: e.Actor,
			ActorType: string(e.ActorType), SourceIP: e.SourceIP, Details: e.Details,
			CreatedAt: e.CreatedAt, Hash: e.Hash,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type verifyResponse struct {
	OK       bool  `json:"ok"`
	BrokenAt int64 `json:"broken_at,omitempty"`
}

// verifyAudit walks the hash chain. BrokenAt is the id of the first entry
// whose link or digest does not match.
func (h *handler) verifyAudit(w http.ResponseWriter, r *http.Request) {
	broken, err := h.d.Audit.VerifyChain(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if broken != 0 {
		writeJSON(w, http.StatusConflict, verifyResponse{OK: false, BrokenAt: broken})
		return
	}
	writeJSON(w, http.StatusOK, verifyResponse{OK: true})
}
