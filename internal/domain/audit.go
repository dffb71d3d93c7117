package domain

import "time"

// AuditAction tags an audit entry.
type AuditAction string

const (
	AuditTenantCreated      AuditAction = "tenant_created"
	AuditTenantUpdated      AuditAction = "tenant_updated"
	AuditTenantDeleted      AuditAction = "tenant_deleted"
	AuditCredentialUploaded AuditAction = "credential_uploaded"
	AuditCredentialVerified AuditAction = "credential_verified"
	AuditCredentialRevoked  AuditAction = "credential_revoked"
	AuditWorkerStarted      AuditAction = "worker_started"
	AuditWorkerStopped      AuditAction = "worker_stopped"
	AuditWorkerHibernated   AuditAction = "worker_hibernated"
	AuditWorkerWoken        AuditAction = "worker_woken"
	AuditWorkerError        AuditAction = "worker_error"
	AuditStateCorrection    AuditAction = "state_correction"
)

// ActorType classifies who triggered an action.
type ActorType string

const (
	ActorSystem ActorType = "system"
	ActorAdmin  ActorType = "admin"
	ActorUser   ActorType = "user"
)

// AuditEntry is an append-only record. PrevHash and Hash chain entries
// together; both are set by the store.
type AuditEntry struct {
	ID        int64
	TenantID  string
	Action    AuditAction
	Actor     string
	ActorType ActorType
	SourceIP  string
	Details   map[string]any
	CreatedAt time.Time
	PrevHash  string
	Hash      string
}

// AuditQuery filters audit listings. Zero values mean no filter.
type AuditQuery struct {
	TenantID string
	Action   AuditAction
	Since    time.Time
	Limit    int
}

// SystemEntry is a shorthand for actions the orchestrator takes itself.
func SystemEntry(tenantID string, action AuditAction, details map[string]any) AuditEntry {
	return AuditEntry{
		TenantID:  tenantID,
		Action:    action,
		Actor:     "orchestrator",
		ActorType: ActorSystem,
		Details:   details,
	}
}

// Actor identifies who triggered a user or admin action.
type Actor struct {
	Name     string
	Type     ActorType
	SourceIP string
}

// SystemActor is the orchestrator acting on its own.
var SystemActor = Actor{Name: "orchestrator", Type: ActorSystem}

// Entry builds an audit entry attributed to a.
func (a Actor) Entry(tenantID string, action AuditAction, details map[string]any) AuditEntry {
	if a.Name == "" {
		a = SystemActor
	}
	return AuditEntry{
		TenantID:  tenantID,
		Action:    action,
		Actor:     a.Name,
		ActorType: a.Type,
		SourceIP:  a.SourceIP,
		Details:   details,
	}
}
