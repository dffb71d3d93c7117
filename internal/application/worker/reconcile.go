package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// Reconcile polls the venue for every non-terminal order of the tenant,
// oldest first. Only one pass runs at a time; a call that finds a pass in
// progress returns immediately.
func (c *Core) Reconcile(ctx context.Context) error {
	if !c.reconciling.CompareAndSwap(false, true) {
		return nil
	}
	defer c.reconciling.Store(false)

	open, err := c.deps.Orders.ListOrders(ctx, domain.OrderFilter{
		TenantID: c.tenantID,
		Statuses: domain.NonTerminalStatuses,
	})
	if err != nil {
		return fmt.Errorf("worker: reconcile: list orders: %w", err)
	}

	corrected := 0
	for i := len(open) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			return nil
		}
		_, res, err := c.reconcileOne(ctx, open[i])
		if err != nil {
			if isConnectionLost(err) {
				return err
			}
			slog.Warn("worker: reconcile order", "tenant", c.tenantID, "order", open[i].ID, "err", err)
			continue
		}
		if res.Correction {
			corrected++
		}
	}
	if len(open) > 0 {
		slog.Debug("worker: reconcile pass", "tenant", c.tenantID, "open", len(open), "corrected", corrected)
	}
	return nil
}

func (c *Core) reconcileOne(ctx context.Context, o domain.Order) (domain.Order, domain.MergeResult, error) {
	release, err := c.claim.acquire(ctx, c.cfg.ClaimTimeout)
	if err != nil {
		return o, domain.MergeResult{}, err
	}
	defer release()
	return c.mergeFromVenue(ctx, o, false)
}

// Recheck re-derives one order's status from the venue on operator request.
// Terminal orders are included.
func (c *Core) Recheck(ctx context.Context, orderID string) (domain.Order, error) {
	o, err := c.deps.Orders.GetOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, fmt.Errorf("worker: recheck: %w", err)
	}
	if o.TenantID != c.tenantID {
		return domain.Order{}, fmt.Errorf("worker: recheck order %s: %w", orderID, domain.ErrNotFound)
	}

	release, err := c.claim.acquire(ctx, c.cfg.ClaimTimeout)
	if err != nil {
		return domain.Order{}, err
	}
	defer release()

	merged, _, err := c.mergeFromVenue(ctx, o, true)
	if err != nil {
		return domain.Order{}, fmt.Errorf("worker: recheck order %s: %w", orderID, err)
	}
	return merged, nil
}

// Positions returns the tenant's open positions from the live session.
func (c *Core) Positions(ctx context.Context) ([]domain.Position, error) {
	release, err := c.claim.acquire(ctx, c.cfg.ClaimTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	v := c.session(false)
	if v == nil {
		return nil, fmt.Errorf("worker: positions: %w", domain.ErrWorkerNotRunning)
	}
	pctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()
	positions, err := v.Positions(pctx)
	if err != nil {
		return nil, fmt.Errorf("worker: positions: %w", err)
	}
	return positions, nil
}

// mergeFromVenue queries the venue for o and persists any change. The
// caller holds the session claim. Unknown venue statuses and orders the
// venue has no record of are left untouched, except pending orders whose
// submission outcome never arrived within the submit timeout.
func (c *Core) mergeFromVenue(ctx context.Context, o domain.Order, allowTerminal bool) (domain.Order, domain.MergeResult, error) {
	none := domain.MergeResult{From: o.Status, To: o.Status}
	v := c.session(o.Simulation)
	if v == nil {
		return o, none, errConnectionLost
	}

	qctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	state, err := v.OrderStatus(qctx, o.VenueRef())
	cancel()

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrNotFound):
		return c.expireStalePending(ctx, o)
	case errors.Is(err, domain.ErrVenueRejected), errors.Is(err, domain.ErrAuthentication):
		return o, none, fmt.Errorf("order status %s: %w", o.VenueRef(), err)
	default:
		return o, none, fmt.Errorf("%w: order status: %v", errConnectionLost, err)
	}

	merged, res := domain.MergeVenueState(o, state, allowTerminal, c.now())
	if !res.Changed {
		return o, res, nil
	}
	if err := c.deps.Orders.UpdateOrder(ctx, merged); err != nil {
		return o, none, fmt.Errorf("persist merged order %s: %w", o.ID, err)
	}
	if res.Correction {
		c.auditCorrection(ctx, merged, res, state.Status, allowTerminal)
	}
	slog.Info("worker: order status merged",
		"tenant", c.tenantID,
		"order", o.ID,
		"from", res.From,
		"to", res.To,
		"venue_status", state.Status,
		"correction", res.Correction,
	)
	return merged, res, nil
}

func (c *Core) expireStalePending(ctx context.Context, o domain.Order) (domain.Order, domain.MergeResult, error) {
	res := domain.MergeResult{From: o.Status, To: o.Status}
	if o.Status != domain.OrderPending || o.VenueOrderID != "" || c.now().Sub(o.CreatedAt) < c.cfg.SubmitTimeout {
		return o, res, nil
	}
	expired := failOrder(o, domain.ReasonSubmissionTimeout)
	expired.UpdatedAt = c.now()
	if err := c.deps.Orders.UpdateOrder(ctx, expired); err != nil {
		return o, res, fmt.Errorf("persist expired order %s: %w", o.ID, err)
	}
	res.Changed = true
	res.To = domain.OrderFailed
	slog.Warn("worker: pending order unknown to venue, marked failed", "tenant", c.tenantID, "order", o.ID)
	return expired, res, nil
}

func (c *Core) auditCorrection(ctx context.Context, o domain.Order, res domain.MergeResult, venueStatus string, recheck bool) {
	if c.deps.Auditor == nil {
		return
	}
	source := "reconcile"
	if recheck {
		source = "recheck"
	}
	c.deps.Auditor.Record(ctx, domain.SystemEntry(c.tenantID, domain.AuditStateCorrection, map[string]any{
		"order_id":     o.ID,
		"from":         string(res.From),
		"to":           string(res.To),
		"venue_status": venueStatus,
		"source":       source,
	}))
}
