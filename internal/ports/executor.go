package ports

import (
	"context"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// Venue is one authenticated brokerage session. Implementations are not
// required to be safe for concurrent use; the worker core serialises calls.
type Venue interface {
	// Contracts returns the tradable instrument catalog.
	Contracts(ctx context.Context) ([]domain.Contract, error)

	// Positions returns the open futures positions.
	Positions(ctx context.Context) ([]domain.Position, error)

	// PlaceOrder submits a market order. Rejections wrap domain.ErrVenueRejected
	// and carry the venue's text verbatim.
	PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error)

	// CancelOrder cancels an order by venue or client order id.
	CancelOrder(ctx context.Context, ref string) error

	// OrderStatus queries the venue's current view of an order.
	OrderStatus(ctx context.Context, ref string) (domain.VenueOrderState, error)

	// Ping is a cheap round trip used for health.
	Ping(ctx context.Context) error

	// Close logs out and releases the brokerage connection.
	Close(ctx context.Context) error
}

// VenueDialer opens brokerage sessions.
type VenueDialer interface {
	// Dial authenticates and returns a session. Auth failures wrap
	// domain.ErrAuthentication.
	Dial(ctx context.Context, creds domain.SessionCredentials, simulation bool) (Venue, error)
}

// CredentialProber verifies a secret without placing an order.
type CredentialProber interface {
	// Probe returns nil when the secret authenticates, an error wrapping
	// domain.ErrCredentialExpired when the venue reports it expired, or a
	// rejection error otherwise.
	Probe(ctx context.Context, typ domain.CredentialType, secret []byte) error
}
