// Package worker is the per-tenant execution core. A Core owns the tenant's
// single brokerage session: it dequeues intents, turns them into venue
// orders one at a time and keeps order status in line with the venue.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

const (
	defaultSubmitTimeout     = 10 * time.Second
	defaultRequestTimeout    = 5 * time.Second
	defaultReconcileInterval = 5 * time.Second
	defaultPingInterval      = 30 * time.Second
	defaultDequeueWait       = time.Second
	defaultClaimTimeout      = 15 * time.Second
	defaultLeaseTTL          = 30 * time.Second
	defaultMaxFailures       = 5
	closeTimeout             = 5 * time.Second
)

// errConnectionLost marks errors that require a new brokerage session.
var errConnectionLost = errors.New("worker: connection lost")

// CredentialSource opens the secrets a core dials with.
type CredentialSource interface {
	OpenSession(ctx context.Context, tenantID string) (domain.SessionCredentials, error)
	HasVerifiedCertificate(ctx context.Context, tenantID string) (bool, error)
}

// Config holds the core's timing and policy knobs.
type Config struct {
	SubmitTimeout           time.Duration
	RequestTimeout          time.Duration
	ReconcileInterval       time.Duration
	PingInterval            time.Duration
	DequeueWait             time.Duration
	ClaimTimeout            time.Duration
	LeaseTTL                time.Duration
	Backoff                 Backoff
	MaxConnectFailures      int
	LiveRequiresCertificate bool
	// Simulation dials the venue in simulation mode for every order.
	Simulation bool
}

func (c *Config) setDefaults() {
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = defaultSubmitTimeout
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = defaultRequestTimeout
	}
	if c.ReconcileInterval <= 0 {
		c.ReconcileInterval = defaultReconcileInterval
	}
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.DequeueWait <= 0 {
		c.DequeueWait = defaultDequeueWait
	}
	if c.ClaimTimeout <= 0 {
		c.ClaimTimeout = defaultClaimTimeout
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = defaultLeaseTTL
	}
	if c.Backoff == (Backoff{}) {
		c.Backoff = DefaultBackoff()
	}
	if c.MaxConnectFailures <= 0 {
		c.MaxConnectFailures = defaultMaxFailures
	}
}

// Deps are the ports a core talks to.
type Deps struct {
	Queue       ports.OrderQueue
	Orders      ports.OrderStore
	Workers     ports.WorkerStore
	Credentials CredentialSource
	Dialer      ports.VenueDialer
	// SimVenue, when set, receives simulation intents instead of the
	// tenant's brokerage session.
	SimVenue ports.Venue
	Auditor  ports.Auditor
}

// Core is one tenant's execution arbiter.
type Core struct {
	tenantID string
	cfg      Config
	deps     Deps
	claim    *sessionClaim
	now      func() time.Time

	reconciling atomic.Bool

	mu      sync.RWMutex
	lease   domain.Lease
	venue   ports.Venue
	catalog domain.Catalog
	report  domain.WorkerReport
}

// New builds a core for the tenant holding lease.
func New(lease domain.Lease, cfg Config, deps Deps) *Core {
	cfg.setDefaults()
	return &Core{
		tenantID: lease.TenantID,
		cfg:      cfg,
		deps:     deps,
		claim:    newSessionClaim(),
		now:      func() time.Time { return time.Now().UTC() },
		lease:    lease,
		report:   domain.WorkerReport{TenantID: lease.TenantID, ConnState: domain.ConnDisconnected},
	}
}

// Report returns the core's self-reported status.
func (c *Core) Report() domain.WorkerReport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.report
}

// Run connects and serves until ctx ends (nil), the lease is lost
// (domain.ErrLeaseLost) or connecting keeps failing (domain.ErrEscalated).
// The lease is renewed in the background the whole time.
func (c *Core) Run(ctx context.Context) error {
	slog.Info("worker: starting", "tenant", c.tenantID)

	var keeper sync.WaitGroup
	defer keeper.Wait()
	rctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	keeper.Add(1)
	go func() {
		defer keeper.Done()
		c.keepLease(rctx, cancel)
	}()
	defer c.disconnect(domain.ConnDisconnected)

	c.setConn(domain.ConnConnecting)
	for {
		if err := c.connect(rctx); err != nil {
			if lost := leaseLost(rctx); lost != nil {
				slog.Warn("worker: lease lost while connecting, exiting", "tenant", c.tenantID)
				return lost
			}
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("worker: escalating", "tenant", c.tenantID, "err", err)
			return err
		}

		err := c.serve(rctx)
		if lost := leaseLost(rctx); lost != nil {
			err = lost
		} else if ctx.Err() != nil {
			slog.Info("worker: stopped", "tenant", c.tenantID)
			return nil
		}
		if errors.Is(err, domain.ErrLeaseLost) {
			slog.Warn("worker: lease lost, exiting", "tenant", c.tenantID)
			return err
		}
		slog.Warn("worker: connection lost, reconnecting", "tenant", c.tenantID, "err", err)
		c.disconnect(domain.ConnReconnecting)
	}
}

// leaseLost returns the cause when the run was cancelled for a lost lease.
func leaseLost(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, domain.ErrLeaseLost) {
		return cause
	}
	return nil
}

// ─── Connection ──────────────────────────────────────────────────────────────

func (c *Core) connect(ctx context.Context) error {
	failures := 0
	for {
		err := c.dial(ctx)
		if err == nil {
			c.mu.Lock()
			c.report.ConnectFailures = 0
			c.report.LastError = ""
			c.report.ConnState = domain.ConnConnected
			c.mu.Unlock()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		failures++
		c.mu.Lock()
		c.report.ConnectFailures = failures
		c.report.LastError = err.Error()
		c.report.ConnState = domain.ConnError
		c.mu.Unlock()
		slog.Warn("worker: connect failed", "tenant", c.tenantID, "attempt", failures, "err", err)

		if failures >= c.cfg.MaxConnectFailures {
			return fmt.Errorf("worker: %d consecutive connect failures: %w: %v", failures, domain.ErrEscalated, err)
		}

		wait := c.cfg.Backoff.Next(failures)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		c.setConn(domain.ConnReconnecting)
	}
}

// dial opens a session and loads the contract catalog. The opened
// certificate bytes are wiped once dialled.
func (c *Core) dial(ctx context.Context) error {
	dctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	creds, err := c.deps.Credentials.OpenSession(dctx, c.tenantID)
	if err != nil {
		return fmt.Errorf("open credentials: %w", err)
	}
	start := time.Now()
	v, err := c.deps.Dialer.Dial(dctx, creds, c.cfg.Simulation)
	domain.Wipe(creds.Certificate)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	contracts, err := v.Contracts(dctx)
	if err != nil {
		closeCtx, cancelClose := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		_ = v.Close(closeCtx)
		cancelClose()
		return fmt.Errorf("load contracts: %w", err)
	}

	c.mu.Lock()
	c.venue = v
	c.catalog = domain.NewCatalog(contracts)
	c.mu.Unlock()
	c.recordRoundTrip(time.Since(start))

	slog.Info("worker: connected", "tenant", c.tenantID, "contracts", len(contracts), "simulation", c.cfg.Simulation)
	return nil
}

// disconnect logs out and leaves the core in state.
func (c *Core) disconnect(state domain.ConnState) {
	c.mu.Lock()
	v := c.venue
	c.venue = nil
	c.report.ConnState = state
	c.mu.Unlock()
	if v == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := v.Close(ctx); err != nil {
		slog.Warn("worker: logout failed", "tenant", c.tenantID, "err", err)
	}
}

// ─── Serve loop ──────────────────────────────────────────────────────────────

func (c *Core) serve(ctx context.Context) error {
	reconcile := time.NewTicker(c.cfg.ReconcileInterval)
	defer reconcile.Stop()
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()

	// Catch up on orders left open before this (re)connect.
	if err := c.Reconcile(ctx); isConnectionLost(err) {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reconcile.C:
			if err := c.Reconcile(ctx); isConnectionLost(err) {
				return err
			}
		case <-ping.C:
			if err := c.ping(ctx); isConnectionLost(err) {
				return err
			}
		default:
		}

		err := c.processNext(ctx)
		switch {
		case err == nil, errors.Is(err, domain.ErrSessionBusy):
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, domain.ErrLeaseLost), isConnectionLost(err):
			return err
		default:
			slog.Warn("worker: process intent", "tenant", c.tenantID, "err", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.cfg.DequeueWait):
			}
		}
	}
}

func (c *Core) ping(ctx context.Context) error {
	release, err := c.claim.acquire(ctx, c.cfg.RequestTimeout)
	if err != nil {
		return err
	}
	defer release()

	v := c.session(false)
	if v == nil {
		return errConnectionLost
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	start := time.Now()
	if err := v.Ping(pctx); err != nil {
		return fmt.Errorf("%w: ping: %v", errConnectionLost, err)
	}
	c.recordRoundTrip(time.Since(start))
	return nil
}

// ─── State helpers ───────────────────────────────────────────────────────────

// session returns the venue for an order. Simulation orders use SimVenue
// when configured.
func (c *Core) session(simulation bool) ports.Venue {
	if simulation && c.deps.SimVenue != nil {
		return c.deps.SimVenue
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.venue
}

func (c *Core) lookup(symbol string) (domain.Contract, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.catalog.Lookup(symbol)
}

func (c *Core) setConn(s domain.ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.ConnState = s
}

// finishExecuting returns to connected unless the connection dropped meanwhile.
func (c *Core) finishExecuting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.report.ConnState == domain.ConnExecuting {
		c.report.ConnState = domain.ConnConnected
	}
}

func (c *Core) recordRoundTrip(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.LastRoundTrip = d
	c.report.LastRoundTripAt = c.now()
}

func (c *Core) recordProcessed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report.OrdersProcessed++
}

func isConnectionLost(err error) bool {
	return err != nil && errors.Is(err, errConnectionLost)
}
