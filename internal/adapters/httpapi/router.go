// Package httpapi exposes the operator control surface over HTTP.
package httpapi

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/execgate/internal/application/health"
	"github.com/alejandrodnm/execgate/internal/application/intake"
	"github.com/alejandrodnm/execgate/internal/application/tenants"
	"github.com/alejandrodnm/execgate/internal/domain"
)

// Tenants is the tenant lifecycle service.
type Tenants interface {
	Create(ctx context.Context, actor domain.Actor, in tenants.NewTenant) (domain.Tenant, error)
	SetStatus(ctx context.Context, actor domain.Actor, tenantID string, status domain.TenantStatus) (domain.Tenant, error)
	ChangePlan(ctx context.Context, actor domain.Actor, tenantID string, plan domain.PlanTier) error
	Get(ctx context.Context, idOrSlug string) (domain.Tenant, error)
	List(ctx context.Context, statuses ...domain.TenantStatus) ([]domain.Tenant, error)
}

// Credentials is the credential service.
type Credentials interface {
	Submit(ctx context.Context, actor domain.Actor, tenantID string, typ domain.CredentialType, raw []byte) (domain.Credential, error)
	Verify(ctx context.Context, actor domain.Actor, credentialID string) (domain.Credential, error)
	Revoke(ctx context.Context, actor domain.Actor, credentialID string) error
	Readiness(ctx context.Context, tenantID string) (domain.Readiness, error)
}

// Workers is the orchestrator surface operators drive.
type Workers interface {
	EnsureWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error)
	Stop(ctx context.Context, tenantID, reason string) error
	Recheck(ctx context.Context, orderID string) (domain.Order, error)
	Positions(ctx context.Context, tenantID string) ([]domain.Position, error)
}

// Intake queues order intents.
type Intake interface {
	Submit(ctx context.Context, a intake.Alert) (domain.EnqueueReceipt, error)
}

// WorkerLister lists persisted worker instances.
type WorkerLister interface {
	ListWorkers(ctx context.Context, statuses ...domain.WorkerStatus) ([]domain.WorkerInstance, error)
}

// Orders lists order history.
type Orders interface {
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
}

// Audit reads the audit stream.
type Audit interface {
	List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error)
	VerifyChain(ctx context.Context) (int64, error)
}

// Health produces health snapshots.
type Health interface {
	Snapshot(ctx context.Context, tenantID string) health.Snapshot
}

// Deps wires the router to the application services.
type Deps struct {
	Tenants     Tenants
	Credentials Credentials
	Workers     Workers
	Intake      Intake
	Instances   WorkerLister
	Orders      Orders
	Audit       Audit
	Health      Health
	AdminToken  string
}

// NewRouter builds the control surface. Everything but /health requires
// the admin token.
func NewRouter(d Deps) http.Handler {
	h := &handler{d: d}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	r.Get("/health", h.health)
	r.Group(func(r chi.Router) {
		r.Use(AdminAuth(d.AdminToken))

		r.Route("/tenants", func(r chi.Router) {
			r.Get("/", h.listTenants)
			r.Post("/", h.createTenant)
			r.Route("/{tenantID}", func(r chi.Router) {
				r.Get("/", h.getTenant)
				r.Post("/status", h.setTenantStatus)
				r.Post("/plan", h.changePlan)
				r.Get("/readiness", h.readiness)
				r.Post("/credentials", h.submitCredential)
				r.Post("/intents", h.submitIntent)
				r.Get("/orders", h.listOrders)
				r.Get("/positions", h.positions)
				r.Get("/health", h.tenantHealth)
				r.Post("/worker/start", h.startWorker)
				r.Post("/worker/stop", h.stopWorker)
			})
		})
		r.Post("/credentials/{credentialID}/verify", h.verifyCredential)
		r.Delete("/credentials/{credentialID}", h.revokeCredential)
		r.Post("/orders/{orderID}/recheck", h.recheck)
		r.Get("/workers", h.listWorkers)
		r.Get("/audit", h.listAudit)
		r.Get("/audit/verify", h.verifyAudit)
	})
	return r
}

// AdminAuth rejects requests without the X-Admin-Token header. An empty
// token disables the surface entirely.
func AdminAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get("X-Admin-Token") != token {
				writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "invalid admin token"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		logRequest(r, ww.Status(), time.Since(start))
	})
}

// actorFrom attributes a request to the operator named in X-Actor.
func actorFrom(r *http.Request) domain.Actor {
	name := r.Header.Get("X-Actor")
	if name == "" {
		name = "admin"
	}
	return domain.Actor{Name: name, Type: domain.ActorAdmin, SourceIP: sourceIP(r)}
}

func sourceIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
