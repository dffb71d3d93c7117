package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// WorkerStore persists worker instances. Every state change is a
// conditional write so concurrent orchestrators cannot both win.
type WorkerStore interface {
	// EnsureWorker returns the tenant's instance row, creating it as pending.
	EnsureWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error)

	// GetWorker returns the instance or domain.ErrNotFound.
	GetWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error)

	// ListWorkers returns instances in the given statuses (all when empty).
	ListWorkers(ctx context.Context, statuses ...domain.WorkerStatus) ([]domain.WorkerInstance, error)

	// TransitionWorker moves the instance to `to` only if its current status
	// is one of `from`. Returns domain.ErrInvalidTransition otherwise.
	TransitionWorker(ctx context.Context, tenantID string, from []domain.WorkerStatus, to domain.WorkerStatus, lastError string) error

	// SetWorkerHandle records the compute handle.
	SetWorkerHandle(ctx context.Context, tenantID, handle string) error

	// AllocateSlot atomically assigns the lowest free slot in [0, poolSize).
	// Returns domain.ErrResourceExhausted when every slot is held.
	AllocateSlot(ctx context.Context, tenantID string, poolSize int) (int, error)

	// ReleaseSlot frees the tenant's slot, if any.
	ReleaseSlot(ctx context.Context, tenantID string) error

	// GrantLease issues a new lease if no unexpired lease exists.
	// Returns domain.ErrLeaseHeld otherwise.
	GrantLease(ctx context.Context, tenantID string, ttl time.Duration, now time.Time) (domain.Lease, error)

	// RenewLease extends a lease still held and unexpired.
	// Returns domain.ErrLeaseLost otherwise.
	RenewLease(ctx context.Context, lease domain.Lease, ttl time.Duration, now time.Time) (domain.Lease, error)

	// RevokeLease clears the tenant's lease.
	RevokeLease(ctx context.Context, tenantID string) error

	// RecordHealth stores the latest health verdict and usage snapshot.
	RecordHealth(ctx context.Context, tenantID string, health domain.HealthStatus, misses int, usage domain.WorkerReport, at time.Time) error

	// TouchActivity marks demand for the tenant.
	TouchActivity(ctx context.Context, tenantID string, at time.Time) error
}
