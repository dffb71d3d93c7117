package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderAction is the trading signal carried by an intent.
type OrderAction string

const (
	ActionLongEntry  OrderAction = "long_entry"
	ActionLongExit   OrderAction = "long_exit"
	ActionShortEntry OrderAction = "short_entry"
	ActionShortExit  OrderAction = "short_exit"
)

// Valid reports whether a is one of the four known actions.
func (a OrderAction) Valid() bool {
	switch a {
	case ActionLongEntry, ActionLongExit, ActionShortEntry, ActionShortExit:
		return true
	}
	return false
}

// IsExit reports whether the action closes an existing position.
func (a OrderAction) IsExit() bool {
	return a == ActionLongExit || a == ActionShortExit
}

// Side is the direction sent to the venue.
type Side string

const (
	SideBuy  Side = "Buy"
	SideSell Side = "Sell"
)

// OrderStatus is the local lifecycle of an order.
type OrderStatus string

const (
	OrderPending       OrderStatus = "pending"
	OrderSubmitted     OrderStatus = "submitted"
	OrderFilled        OrderStatus = "filled"
	OrderPartialFilled OrderStatus = "partial_filled"
	OrderCancelled     OrderStatus = "cancelled"
	OrderFailed        OrderStatus = "failed"
	OrderNoAction      OrderStatus = "no_action"
)

// NonTerminalStatuses are the statuses the reconciliation loop keeps polling.
var NonTerminalStatuses = []OrderStatus{OrderPending, OrderSubmitted, OrderPartialFilled}

// IsTerminal reports whether s is filled, cancelled, failed or no_action.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderFailed, OrderNoAction:
		return true
	}
	return false
}

// rank orders statuses by progress. Terminal statuses share the top rank.
func (s OrderStatus) rank() int {
	switch s {
	case OrderPending:
		return 0
	case OrderSubmitted:
		return 1
	case OrderPartialFilled:
		return 2
	default:
		return 3
	}
}

// IsForward reports whether moving from s to next is normal progress:
// never out of a terminal status and never to a lower rank.
func (s OrderStatus) IsForward(next OrderStatus) bool {
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() >= s.rank()
}

// Failure reasons recorded in Order.ErrorMessage.
const (
	ReasonUnknownSymbol       = "unknown_symbol"
	ReasonNoWorkerAvailable   = "no_worker_available"
	ReasonTenantSuspended     = "tenant_suspended"
	ReasonTenantDeleted       = "tenant_deleted"
	ReasonSubmissionTimeout   = "submission_timeout"
	ReasonCertificateRequired = "certificate_not_verified"
	ReasonConnectionLost      = "connection_lost"
	ReasonResourceExhausted   = "resource_exhausted"
	ReasonLeaseLost           = "lease_lost"
)

// Order is one execution attempt derived from a dequeued intent.
type Order struct {
	ID             string
	TenantID       string
	IntentID       string
	Symbol         string
	Code           string // venue contract code, once resolved
	Action         OrderAction
	Quantity       int
	Simulation     bool
	Status         OrderStatus
	VenueStatus    string // raw venue status text
	VenueOrderID   string
	SeqNo          string
	OrdNo          string
	FillQuantity   int
	FillPrice      decimal.Decimal
	CancelQuantity int
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// VenueRef returns the identifier the venue knows this order by. Orders
// whose submission outcome is unknown are looked up by client order id.
func (o Order) VenueRef() string {
	if o.VenueOrderID != "" {
		return o.VenueOrderID
	}
	return o.ID
}

// OrderFilter selects orders for listing and export.
type OrderFilter struct {
	TenantID string
	Statuses []OrderStatus
	Symbol   string
	Limit    int
}
