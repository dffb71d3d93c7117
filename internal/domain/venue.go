package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Venue status strings as reported by the brokerage.
const (
	VenuePendingSubmit = "PendingSubmit"
	VenuePreSubmitted  = "PreSubmitted"
	VenueSubmitted     = "Submitted"
	VenuePartFilled    = "PartFilled"
	VenueFilled        = "Filled"
	VenueCancelled     = "Cancelled"
	VenueInactive      = "Inactive"
	VenueFailed        = "Failed"
)

// MapVenueStatus translates a venue status into a local order status.
// Unknown statuses return ok=false and must leave the order untouched.
func MapVenueStatus(venueStatus string) (status OrderStatus, ok bool) {
	switch venueStatus {
	case VenueFilled:
		return OrderFilled, true
	case VenuePartFilled:
		return OrderPartialFilled, true
	case VenueCancelled, VenueInactive:
		return OrderCancelled, true
	case VenuePendingSubmit, VenuePreSubmitted, VenueSubmitted:
		return OrderSubmitted, true
	case VenueFailed:
		return OrderFailed, true
	}
	return "", false
}

// Contract is one tradable instrument in the venue catalog.
type Contract struct {
	Symbol   string // e.g. MXFR1, TXF202601
	Code     string // exchange code, e.g. MXFA6
	Name     string
	Category string // MXF | TXF
}

// Position is an open futures position. Quantity is signed: positive for
// long, negative for short.
type Position struct {
	Symbol   string
	Code     string
	Quantity int
	AvgPrice decimal.Decimal
}

// Deal is a single execution reported by the venue.
type Deal struct {
	Quantity int
	Price    decimal.Decimal
	At       time.Time
}

// PlaceOrderRequest is what the arbiter sends to the venue.
type PlaceOrderRequest struct {
	ClientOrderID string
	Symbol        string
	Code          string
	Side          Side
	Quantity      int
	Simulation    bool
}

// PlacedOrder holds the identifiers the venue assigns on acceptance.
type PlacedOrder struct {
	OrderID string
	SeqNo   string
	OrdNo   string
	Status  string
}

// VenueOrderState is the venue's view of an order at query time.
type VenueOrderState struct {
	Status         string
	OrderID        string
	SeqNo          string
	OrdNo          string
	OrderQuantity  int
	DealQuantity   int
	CancelQuantity int
	FillAvgPrice   decimal.Decimal
	Deals          []Deal
	Message        string
}

// MergeResult describes what a merge changed.
type MergeResult struct {
	Changed    bool
	Correction bool // venue contradicted local progress
	From       OrderStatus
	To         OrderStatus
}

// MergeVenueState applies venue truth to a local order. Terminal local
// orders are left alone unless allowTerminal is set, which is only used by
// explicit operator rechecks. The returned order has UpdatedAt set to now
// when something changed.
func MergeVenueState(o Order, v VenueOrderState, allowTerminal bool, now time.Time) (Order, MergeResult) {
	res := MergeResult{From: o.Status, To: o.Status}
	if o.Status.IsTerminal() && !allowTerminal {
		return o, res
	}

	next, ok := MapVenueStatus(v.Status)
	if !ok {
		return o, res
	}

	merged := o
	merged.Status = next
	merged.VenueStatus = v.Status
	if v.OrderID != "" {
		merged.VenueOrderID = v.OrderID
	}
	if v.SeqNo != "" {
		merged.SeqNo = v.SeqNo
	}
	if v.OrdNo != "" {
		merged.OrdNo = v.OrdNo
	}
	merged.FillQuantity = v.DealQuantity
	merged.CancelQuantity = v.CancelQuantity
	if v.DealQuantity > 0 {
		merged.FillPrice = v.FillAvgPrice
	}
	if next == OrderFailed && v.Message != "" {
		merged.ErrorMessage = v.Message
	}

	if sameVenueFields(o, merged) {
		return o, res
	}

	merged.UpdatedAt = now
	res.Changed = true
	res.To = next
	res.Correction = !o.Status.IsForward(next)
	return merged, res
}

func sameVenueFields(a, b Order) bool {
	return a.Status == b.Status &&
		a.VenueStatus == b.VenueStatus &&
		a.VenueOrderID == b.VenueOrderID &&
		a.SeqNo == b.SeqNo &&
		a.OrdNo == b.OrdNo &&
		a.FillQuantity == b.FillQuantity &&
		a.CancelQuantity == b.CancelQuantity &&
		a.FillPrice.Equal(b.FillPrice) &&
		a.ErrorMessage == b.ErrorMessage
}

// Supported futures families.
var SupportedFamilies = []string{"MXF", "TXF"}

// Catalog indexes contracts by symbol and by code.
type Catalog struct {
	bySymbol map[string]Contract
	byCode   map[string]Contract
}

// NewCatalog builds a catalog from a contract list.
func NewCatalog(contracts []Contract) Catalog {
	c := Catalog{
		bySymbol: make(map[string]Contract, len(contracts)),
		byCode:   make(map[string]Contract, len(contracts)),
	}
	for _, ct := range contracts {
		c.bySymbol[ct.Symbol] = ct
		if ct.Code != "" {
			c.byCode[ct.Code] = ct
		}
	}
	return c
}

// Lookup resolves a symbol or exchange code.
func (c Catalog) Lookup(symbol string) (Contract, bool) {
	if ct, ok := c.bySymbol[symbol]; ok {
		return ct, true
	}
	ct, ok := c.byCode[symbol]
	return ct, ok
}

// Len returns the number of contracts.
func (c Catalog) Len() int { return len(c.bySymbol) }
