package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/google/uuid"
)

// processNext handles at most one intent. The whole step, from lease
// renewal to the persisted outcome, runs under the session claim.
func (c *Core) processNext(ctx context.Context) error {
	release, err := c.claim.acquire(ctx, c.cfg.ClaimTimeout)
	if err != nil {
		return err
	}
	defer release()

	if err := c.renewLease(ctx); err != nil {
		return err
	}

	order, ok, err := c.deps.Queue.DequeueInto(ctx, c.tenantID, c.cfg.DequeueWait, c.pendingOrder)
	if err != nil {
		return fmt.Errorf("worker: dequeue: %w", err)
	}
	if !ok {
		return nil
	}
	return c.handleOrder(ctx, order)
}

// pendingOrder is the order a dequeued intent becomes. It is stored in the
// same transaction that removes the intent from the queue.
func (c *Core) pendingOrder(in domain.OrderIntent) domain.Order {
	now := c.now()
	return domain.Order{
		ID:         uuid.New().String(),
		TenantID:   c.tenantID,
		IntentID:   in.ID,
		Symbol:     in.Symbol,
		Action:     in.Action,
		Quantity:   in.Quantity,
		Simulation: in.Simulation,
		Status:     domain.OrderPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func (c *Core) renewLease(ctx context.Context) error {
	c.mu.RLock()
	lease := c.lease
	c.mu.RUnlock()

	next, err := c.deps.Workers.RenewLease(ctx, lease, c.cfg.LeaseTTL, c.now())
	if err != nil {
		return fmt.Errorf("worker: renew lease: %w", err)
	}
	c.mu.Lock()
	c.lease = next
	c.mu.Unlock()
	return nil
}

// keepLease renews the lease every LeaseTTL/3 for as long as the core runs,
// so slow venue calls, reconcile passes and reconnects never outlive it.
// A lost lease cancels the run with domain.ErrLeaseLost as the cause.
func (c *Core) keepLease(ctx context.Context, lost context.CancelCauseFunc) {
	tick := time.NewTicker(c.cfg.LeaseTTL / 3)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		err := c.renewLease(rctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLeaseLost):
			lost(err)
			return
		case ctx.Err() != nil:
			return
		default:
			slog.Warn("worker: renew lease", "tenant", c.tenantID, "err", err)
		}
	}
}

// handleOrder resolves a pending order taken from the queue. The work
// detaches from ctx so a stop request waits for the venue call instead of
// abandoning it.
func (c *Core) handleOrder(ctx context.Context, order domain.Order) error {
	wctx := context.WithoutCancel(ctx)

	c.setConn(domain.ConnExecuting)
	result, execErr := c.execute(wctx, order)
	c.finishExecuting()

	result.UpdatedAt = c.now()
	if err := c.deps.Orders.UpdateOrder(wctx, result); err != nil {
		slog.Error("worker: persist order outcome", "tenant", c.tenantID, "order", order.ID, "status", result.Status, "err", err)
	}
	if err := c.deps.Workers.TouchActivity(wctx, c.tenantID, c.now()); err != nil {
		slog.Warn("worker: touch activity", "tenant", c.tenantID, "err", err)
	}
	c.recordProcessed()

	slog.Info("worker: order resolved",
		"tenant", c.tenantID,
		"order", result.ID,
		"intent", order.IntentID,
		"symbol", order.Symbol,
		"action", order.Action,
		"status", result.Status,
		"reason", result.ErrorMessage,
	)

	if execErr == nil && result.Status == domain.OrderSubmitted {
		if _, _, err := c.mergeFromVenue(wctx, result, false); isConnectionLost(err) {
			return err
		}
	}
	return execErr
}

// execute runs the validation and submission steps for one order. It
// returns the order in its resolved status; a non-nil error means the
// session must be re-established or, for domain.ErrLeaseLost, that the core
// must exit.
func (c *Core) execute(ctx context.Context, order domain.Order) (domain.Order, error) {
	contract, ok := c.lookup(order.Symbol)
	if !ok {
		return failOrder(order, domain.ReasonUnknownSymbol), nil
	}
	order.Code = contract.Code

	if !order.Simulation && c.cfg.LiveRequiresCertificate {
		ok, err := c.deps.Credentials.HasVerifiedCertificate(ctx, c.tenantID)
		if err != nil {
			return failOrder(order, "certificate check: "+err.Error()), nil
		}
		if !ok {
			return failOrder(order, domain.ReasonCertificateRequired), nil
		}
	}

	v := c.session(order.Simulation)
	if v == nil {
		return failOrder(order, domain.ReasonConnectionLost), errConnectionLost
	}

	pctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	start := time.Now()
	positions, err := v.Positions(pctx)
	cancel()
	if err != nil {
		return failOrder(order, domain.ReasonConnectionLost+": "+err.Error()),
			fmt.Errorf("%w: positions: %v", errConnectionLost, err)
	}
	c.recordRoundTrip(time.Since(start))

	plan := domain.PlanExecution(order.Action, order.Quantity, positionFor(positions, contract))
	if plan.NoAction {
		order.Status = domain.OrderNoAction
		return order, nil
	}
	order.Quantity = plan.Quantity

	// Last check before the order leaves: a core that lost its lease must
	// not submit on behalf of the tenant.
	lctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err = c.renewLease(lctx)
	cancel()
	if err != nil {
		if errors.Is(err, domain.ErrLeaseLost) {
			return failOrder(order, domain.ReasonLeaseLost), err
		}
		return failOrder(order, "lease check: "+err.Error()), nil
	}

	sctx, cancel := context.WithTimeout(ctx, c.cfg.SubmitTimeout)
	start = time.Now()
	placed, err := v.PlaceOrder(sctx, domain.PlaceOrderRequest{
		ClientOrderID: order.ID,
		Symbol:        contract.Symbol,
		Code:          contract.Code,
		Side:          plan.Side,
		Quantity:      plan.Quantity,
		Simulation:    order.Simulation || c.cfg.Simulation,
	})
	timedOut := errors.Is(sctx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case err == nil:
		c.recordRoundTrip(time.Since(start))
		order.Status = domain.OrderSubmitted
		order.VenueStatus = placed.Status
		order.VenueOrderID = placed.OrderID
		order.SeqNo = placed.SeqNo
		order.OrdNo = placed.OrdNo
		return order, nil
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		return failOrder(order, domain.ReasonSubmissionTimeout), nil
	case errors.Is(err, domain.ErrVenueRejected):
		msg, ok := domain.VenueMessage(err)
		if !ok {
			msg = err.Error()
		}
		return failOrder(order, msg), nil
	default:
		return failOrder(order, domain.ReasonConnectionLost+": "+err.Error()),
			fmt.Errorf("%w: submit: %v", errConnectionLost, err)
	}
}

func failOrder(o domain.Order, reason string) domain.Order {
	o.Status = domain.OrderFailed
	o.ErrorMessage = reason
	return o
}

// positionFor returns the signed quantity held in contract.
func positionFor(positions []domain.Position, contract domain.Contract) int {
	total := 0
	for _, p := range positions {
		if (p.Code != "" && p.Code == contract.Code) || (p.Code == "" && p.Symbol == contract.Symbol) {
			total += p.Quantity
		}
	}
	return total
}
