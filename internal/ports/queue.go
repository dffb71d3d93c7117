package ports

import (
	"context"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// OrderQueue is the durable per-tenant FIFO of order intents. Each tenant
// has at most one consumer at a time.
type OrderQueue interface {
	// Enqueue appends an intent to its tenant's queue.
	Enqueue(ctx context.Context, intent domain.OrderIntent) (domain.EnqueueReceipt, error)

	// Dequeue removes and returns the oldest intent for the tenant, waiting
	// up to timeout. ok is false when nothing arrived in time.
	Dequeue(ctx context.Context, tenantID string, timeout time.Duration) (intent domain.OrderIntent, ok bool, err error)

	// DequeueInto removes the oldest intent for the tenant and persists the
	// order build derives from it in one transaction. When the order cannot
	// be stored the intent stays queued.
	DequeueInto(ctx context.Context, tenantID string, timeout time.Duration, build func(domain.OrderIntent) domain.Order) (order domain.Order, ok bool, err error)

	// Depth returns the number of queued intents for the tenant.
	Depth(ctx context.Context, tenantID string) (int, error)

	// Purge removes and returns every queued intent for the tenant, in order.
	Purge(ctx context.Context, tenantID string) ([]domain.OrderIntent, error)

	// ExpireBefore removes and returns the tenant's intents enqueued before cutoff.
	ExpireBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.OrderIntent, error)

	// BacklogTenants returns the tenants with at least one queued intent,
	// the one with the oldest intent first.
	BacklogTenants(ctx context.Context) ([]string, error)

	// Ping checks the queue backend.
	Ping(ctx context.Context) error
}
