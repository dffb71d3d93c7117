package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// TenantStore persiste tenants. Nunca se borran físicamente.
type TenantStore interface {
	// CreateTenant inserta un tenant nuevo. Devuelve domain.ErrSlugTaken si el slug ya existe.
	CreateTenant(ctx context.Context, t domain.Tenant) error

	// GetTenant devuelve el tenant o domain.ErrNotFound.
	GetTenant(ctx context.Context, id string) (domain.Tenant, error)

	// GetTenantBySlug busca por slug.
	GetTenantBySlug(ctx context.Context, slug string) (domain.Tenant, error)

	// UpdateTenantStatus cambia el status. Con TenantDeleted también fija deleted_at.
	UpdateTenantStatus(ctx context.Context, id string, status domain.TenantStatus, at time.Time) error

	// UpdateTenantPlan cambia el plan.
	UpdateTenantPlan(ctx context.Context, id string, plan domain.PlanTier, at time.Time) error

	// ListTenants devuelve los tenants en los status dados (todos si no se pasa ninguno).
	ListTenants(ctx context.Context, statuses ...domain.TenantStatus) ([]domain.Tenant, error)
}

// CredentialStore persiste metadatos de credenciales, nunca el secreto.
type CredentialStore interface {
	// UpsertCredential crea o reemplaza el registro (tenant, type) y lo devuelve con su ID.
	UpsertCredential(ctx context.Context, c domain.Credential) (domain.Credential, error)

	// GetCredential devuelve el registro por ID.
	GetCredential(ctx context.Context, id string) (domain.Credential, error)

	// GetCredentialByType devuelve el registro (tenant, type) o domain.ErrNotFound.
	GetCredentialByType(ctx context.Context, tenantID string, typ domain.CredentialType) (domain.Credential, error)

	// ListCredentials devuelve todos los registros de un tenant.
	ListCredentials(ctx context.Context, tenantID string) ([]domain.Credential, error)

	// UpdateCredentialStatus actualiza status, verified_at y last_error.
	UpdateCredentialStatus(ctx context.Context, id string, status domain.CredentialStatus, verifiedAt *time.Time, lastError string) error
}

// SecretBlobStore guarda ciphertext opaco para el vault.
type SecretBlobStore interface {
	PutSecret(ctx context.Context, ref, ciphertext string) error
	GetSecret(ctx context.Context, ref string) (string, error)
	DeleteSecret(ctx context.Context, ref string) error
}

// OrderStore persiste el historial de órdenes por tenant.
type OrderStore interface {
	// CreateOrder inserta una orden nueva.
	CreateOrder(ctx context.Context, o domain.Order) error

	// UpdateOrder reescribe los campos mutables (status, ids del venue, fills, error).
	UpdateOrder(ctx context.Context, o domain.Order) error

	// GetOrder devuelve la orden o domain.ErrNotFound.
	GetOrder(ctx context.Context, id string) (domain.Order, error)

	// ListOrders devuelve órdenes filtradas, más recientes primero.
	ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error)
}

// WebhookStore persiste el log de alertas entrantes.
type WebhookStore interface {
	SaveWebhookLog(ctx context.Context, w domain.WebhookLog) error
}
