package domain

import (
	"fmt"
	"time"
)

// OrderIntent is a validated alert waiting in a tenant's queue.
type OrderIntent struct {
	ID         string
	TenantID   string
	Symbol     string
	Action     OrderAction
	Quantity   int
	Simulation bool
	EnqueuedAt time.Time
	Seq        int64 // queue position, assigned on enqueue
}

// Validate checks the intent shape. The queue refuses intents that fail it.
func (i OrderIntent) Validate() error {
	if i.TenantID == "" {
		return fmt.Errorf("%w: missing tenant", ErrInvalidIntent)
	}
	if i.Symbol == "" {
		return fmt.Errorf("%w: missing symbol", ErrInvalidIntent)
	}
	if !i.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", ErrInvalidIntent, i.Action)
	}
	if i.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be > 0, got %d", ErrInvalidIntent, i.Quantity)
	}
	return nil
}

// EnqueueReceipt acknowledges an accepted intent.
type EnqueueReceipt struct {
	IntentID   string
	TenantID   string
	Seq        int64
	EnqueuedAt time.Time
}

// ExecutionPlan is the venue order an intent resolves to.
type ExecutionPlan struct {
	Side     Side
	Quantity int
	NoAction bool
}

// PlanExecution nets an action against the open position for its symbol.
// position is signed (long > 0, short < 0).
//
//	long_entry  -> Buy q, or Buy q-pos when short (reversal)
//	short_entry -> Sell q, or Sell q+pos when long (reversal)
//	long_exit   -> Sell pos when long, else no action
//	short_exit  -> Buy -pos when short, else no action
func PlanExecution(action OrderAction, quantity, position int) ExecutionPlan {
	switch action {
	case ActionLongEntry:
		if position < 0 {
			return ExecutionPlan{Side: SideBuy, Quantity: quantity - position}
		}
		return ExecutionPlan{Side: SideBuy, Quantity: quantity}
	case ActionShortEntry:
		if position > 0 {
			return ExecutionPlan{Side: SideSell, Quantity: quantity + position}
		}
		return ExecutionPlan{Side: SideSell, Quantity: quantity}
	case ActionLongExit:
		if position > 0 {
			return ExecutionPlan{Side: SideSell, Quantity: position}
		}
	case ActionShortExit:
		if position < 0 {
			return ExecutionPlan{Side: SideBuy, Quantity: -position}
		}
	}
	return ExecutionPlan{NoAction: true}
}
