// Package compute hosts worker cores. Local runs each core as a goroutine
// tree in this process; each unit gets its own cancel func and exit status.
package compute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/google/uuid"
)

// Runner is the process a unit hosts. *worker.Core satisfies it.
type Runner interface {
	Run(ctx context.Context) error
	Report() domain.WorkerReport
	Recheck(ctx context.Context, orderID string) (domain.Order, error)
	Positions(ctx context.Context) ([]domain.Position, error)
}

// Factory builds the runner for a unit spec.
type Factory func(spec domain.UnitSpec) (Runner, error)

type unit struct {
	handle   string
	tenantID string
	runner   Runner
	cancel   context.CancelFunc
	done     chan struct{}
	exitErr  error
}

func (u *unit) alive() bool {
	select {
	case <-u.done:
		return false
	default:
		return true
	}
}

// Local implements ports.ComputeRuntime and ports.UnitControl in-process.
type Local struct {
	factory Factory

	mu    sync.Mutex
	units map[string]*unit
}

// NewLocal creates an empty runtime.
func NewLocal(factory Factory) *Local {
	return &Local{factory: factory, units: make(map[string]*unit)}
}

// Start launches a runner for spec. The runner's context is detached from
// ctx; only Stop ends it.
func (l *Local) Start(ctx context.Context, spec domain.UnitSpec) (string, error) {
	r, err := l.factory(spec)
	if err != nil {
		return "", fmt.Errorf("compute.Start: build runner for %s: %w", spec.TenantID, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	u := &unit{
		handle:   fmt.Sprintf("local-%d-%s", spec.Slot, uuid.New().String()[:8]),
		tenantID: spec.TenantID,
		runner:   r,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	l.mu.Lock()
	l.units[u.handle] = u
	l.mu.Unlock()

	go func() {
		defer close(u.done)
		err := r.Run(runCtx)
		u.exitErr = err
		if err != nil {
			slog.Warn("compute: unit exited", "handle", u.handle, "tenant", u.tenantID, "err", err)
		}
	}()

	slog.Info("compute: unit started", "handle", u.handle, "tenant", spec.TenantID, "slot", spec.Slot)
	return u.handle, nil
}

// Stop cancels the unit and waits for Run to return, or for ctx to end.
// Stopping an unknown handle is a no-op.
func (l *Local) Stop(ctx context.Context, handle string) error {
	l.mu.Lock()
	u, ok := l.units[handle]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	u.cancel()
	select {
	case <-u.done:
	case <-ctx.Done():
		return fmt.Errorf("compute.Stop: %s: %w", handle, ctx.Err())
	}

	l.mu.Lock()
	delete(l.units, handle)
	l.mu.Unlock()
	slog.Info("compute: unit stopped", "handle", handle, "tenant", u.tenantID)
	return nil
}

// Inspect reports liveness and the runner's status report.
func (l *Local) Inspect(_ context.Context, handle string) (domain.UnitStatus, error) {
	u, err := l.get(handle)
	if err != nil {
		return domain.UnitStatus{}, fmt.Errorf("compute.Inspect: %w", err)
	}
	st := domain.UnitStatus{
		Handle:   u.handle,
		TenantID: u.tenantID,
		Alive:    u.alive(),
		Report:   u.runner.Report(),
	}
	if !st.Alive && u.exitErr != nil {
		st.ExitErr = u.exitErr.Error()
	}
	return st, nil
}

// List returns every known handle, sorted.
func (l *Local) List(context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.units))
	for h := range l.units {
		out = append(out, h)
	}
	sort.Strings(out)
	return out, nil
}

// Recheck forwards to the unit's runner.
func (l *Local) Recheck(ctx context.Context, handle, orderID string) (domain.Order, error) {
	u, err := l.running(handle)
	if err != nil {
		return domain.Order{}, fmt.Errorf("compute.Recheck: %w", err)
	}
	return u.runner.Recheck(ctx, orderID)
}

// Positions forwards to the unit's runner.
func (l *Local) Positions(ctx context.Context, handle string) ([]domain.Position, error) {
	u, err := l.running(handle)
	if err != nil {
		return nil, fmt.Errorf("compute.Positions: %w", err)
	}
	return u.runner.Positions(ctx)
}

func (l *Local) get(handle string) (*unit, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	u, ok := l.units[handle]
	if !ok {
		return nil, fmt.Errorf("unit %q: %w", handle, domain.ErrNotFound)
	}
	return u, nil
}

func (l *Local) running(handle string) (*unit, error) {
	u, err := l.get(handle)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil, fmt.Errorf("unit %q: %w", handle, domain.ErrWorkerNotRunning)
		}
		return nil, err
	}
	if !u.alive() {
		return nil, fmt.Errorf("unit %q exited: %w", handle, domain.ErrWorkerNotRunning)
	}
	return u, nil
}
