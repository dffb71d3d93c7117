package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// sessionClaim is the exclusive right to talk to the brokerage session.
// It is not reentrant: a holder that acquires again waits for itself.
type sessionClaim struct {
	ch chan struct{}
}

func newSessionClaim() *sessionClaim {
	return &sessionClaim{ch: make(chan struct{}, 1)}
}

// acquire blocks until the claim is free, ctx ends, or timeout passes.
// The returned release must be called exactly once.
func (c *sessionClaim) acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case c.ch <- struct{}{}:
		return func() { <-c.ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, fmt.Errorf("worker: claim after %s: %w", timeout, domain.ErrSessionBusy)
	}
}
