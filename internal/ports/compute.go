package ports

import (
	"context"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// ComputeRuntime starts, stops and inspects the unit of compute that hosts
// one tenant's worker core.
type ComputeRuntime interface {
	// Start launches a unit and returns its handle.
	Start(ctx context.Context, spec domain.UnitSpec) (string, error)

	// Stop halts the unit once its in-flight venue call returns.
	Stop(ctx context.Context, handle string) error

	// Inspect reports liveness and the core's self-reported status.
	Inspect(ctx context.Context, handle string) (domain.UnitStatus, error)

	// List returns the handles of every unit the runtime knows about.
	List(ctx context.Context) ([]string, error)
}

// UnitControl reaches into a running core for on-demand operations. Both
// calls take the core's session claim.
type UnitControl interface {
	// Recheck re-derives an order's status from venue truth.
	Recheck(ctx context.Context, handle, orderID string) (domain.Order, error)

	// Positions returns the tenant's open positions.
	Positions(ctx context.Context, handle string) ([]domain.Position, error)
}
