package compute_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/compute"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	tenant  string
	exitErr error
	exit    chan struct{}
	stopped chan struct{}
}

func newFakeRunner(tenant string) *fakeRunner {
	return &fakeRunner{tenant: tenant, exit: make(chan struct{}), stopped: make(chan struct{})}
}

func (f *fakeRunner) Run(ctx context.Context) error {
	defer close(f.stopped)
	select {
	case <-ctx.Done():
		return nil
	case <-f.exit:
		return f.exitErr
	}
}

func (f *fakeRunner) Report() domain.WorkerReport {
	return domain.WorkerReport{TenantID: f.tenant, ConnState: domain.ConnConnected}
}

func (f *fakeRunner) Recheck(_ context.Context, orderID string) (domain.Order, error) {
	return domain.Order{ID: orderID, TenantID: f.tenant, Status: domain.OrderFilled}, nil
}

func (f *fakeRunner) Positions(context.Context) ([]domain.Position, error) {
	return []domain.Position{{Symbol: "MXFR1", Quantity: 2}}, nil
}

func TestLocal_StartInspectStop(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner("t1")
	rt := compute.NewLocal(func(domain.UnitSpec) (compute.Runner, error) { return r, nil })

	handle, err := rt.Start(ctx, domain.UnitSpec{TenantID: "t1", Slot: 3})
	require.NoError(t, err)
	assert.Contains(t, handle, "local-3-")

	st, err := rt.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.True(t, st.Alive)
	assert.Equal(t, "t1", st.TenantID)
	assert.Equal(t, domain.ConnConnected, st.Report.ConnState)

	handles, err := rt.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{handle}, handles)

	require.NoError(t, rt.Stop(ctx, handle))
	select {
	case <-r.stopped:
	default:
		t.Fatal("Stop returned before Run did")
	}

	_, err = rt.Inspect(ctx, handle)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, rt.Stop(ctx, handle), "second stop is a no-op")
}

func TestLocal_StartContextDoesNotBindUnit(t *testing.T) {
	r := newFakeRunner("t1")
	rt := compute.NewLocal(func(domain.UnitSpec) (compute.Runner, error) { return r, nil })

	ctx, cancel := context.WithCancel(context.Background())
	handle, err := rt.Start(ctx, domain.UnitSpec{TenantID: "t1"})
	require.NoError(t, err)
	cancel()

	time.Sleep(20 * time.Millisecond)
	st, err := rt.Inspect(context.Background(), handle)
	require.NoError(t, err)
	assert.True(t, st.Alive)
}

func TestLocal_ExitErrorIsReported(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner("t1")
	r.exitErr = domain.ErrEscalated
	rt := compute.NewLocal(func(domain.UnitSpec) (compute.Runner, error) { return r, nil })

	handle, err := rt.Start(ctx, domain.UnitSpec{TenantID: "t1"})
	require.NoError(t, err)
	close(r.exit)
	<-r.stopped

	require.Eventually(t, func() bool {
		st, err := rt.Inspect(ctx, handle)
		return err == nil && !st.Alive
	}, time.Second, 5*time.Millisecond)

	st, err := rt.Inspect(ctx, handle)
	require.NoError(t, err)
	assert.Contains(t, st.ExitErr, "escalated")

	_, err = rt.Positions(ctx, handle)
	assert.ErrorIs(t, err, domain.ErrWorkerNotRunning)
}

func TestLocal_ControlForwardsToRunner(t *testing.T) {
	ctx := context.Background()
	rt := compute.NewLocal(func(s domain.UnitSpec) (compute.Runner, error) { return newFakeRunner(s.TenantID), nil })

	handle, err := rt.Start(ctx, domain.UnitSpec{TenantID: "t9"})
	require.NoError(t, err)

	o, err := rt.Recheck(ctx, handle, "o1")
	require.NoError(t, err)
	assert.Equal(t, "t9", o.TenantID)

	pos, err := rt.Positions(ctx, handle)
	require.NoError(t, err)
	require.Len(t, pos, 1)

	_, err = rt.Recheck(ctx, "missing", "o1")
	assert.ErrorIs(t, err, domain.ErrWorkerNotRunning)
}

func TestLocal_FactoryError(t *testing.T) {
	boom := errors.New("no credentials")
	rt := compute.NewLocal(func(domain.UnitSpec) (compute.Runner, error) { return nil, boom })

	_, err := rt.Start(context.Background(), domain.UnitSpec{TenantID: "t1"})
	require.ErrorIs(t, err, boom)
	handles, _ := rt.List(context.Background())
	assert.Empty(t, handles)
}
