// Package audit records lifecycle and security actions off the caller's
// path. A failed or dropped write raises an operator alert and never fails
// the business action that produced it.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

const (
	defaultBuffer      = 256
	defaultMaxAttempts = 3
	defaultRetryWait   = 100 * time.Millisecond
	writeTimeout       = 5 * time.Second
)

// Config tunes the background writer.
type Config struct {
	Buffer      int
	MaxAttempts int
	RetryWait   time.Duration
}

// Recorder implements ports.Auditor with a buffered background writer.
type Recorder struct {
	store   ports.AuditStore
	alerter ports.Alerter
	cfg     Config

	mu     sync.RWMutex
	closed bool
	ch     chan domain.AuditEntry
	done   chan struct{}
}

// New starts a recorder. Call Close to flush pending entries.
func New(store ports.AuditStore, alerter ports.Alerter, cfg Config) *Recorder {
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultBuffer
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.RetryWait <= 0 {
		cfg.RetryWait = defaultRetryWait
	}
	r := &Recorder{
		store:   store,
		alerter: alerter,
		cfg:     cfg,
		ch:      make(chan domain.AuditEntry, cfg.Buffer),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

// Record enqueues e and returns immediately.
func (r *Recorder) Record(ctx context.Context, e domain.AuditEntry) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.alert(ctx, "audit: recorder closed, entry dropped", e, nil)
		return
	}
	select {
	case r.ch <- e:
	default:
		r.alert(ctx, "audit: buffer full, entry dropped", e, nil)
	}
}

// Close stops accepting entries and waits until the buffer is drained or
// ctx ends.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.ch)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit.Close: %w", ctx.Err())
	}
}

// List returns entries newest first.
func (r *Recorder) List(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	return r.store.ListAudit(ctx, q)
}

// VerifyChain returns the id of the first tampered entry, or 0.
func (r *Recorder) VerifyChain(ctx context.Context) (int64, error) {
	return r.store.VerifyAuditChain(ctx)
}

func (r *Recorder) loop() {
	defer close(r.done)
	for e := range r.ch {
		if err := r.write(e); err != nil {
			r.alert(context.Background(), "audit: write failed", e, err)
		}
	}
}

func (r *Recorder) write(e domain.AuditEntry) error {
	var err error
	for attempt := 0; attempt < r.cfg.MaxAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(r.cfg.RetryWait << (attempt - 1))
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		_, err = r.store.AppendAudit(ctx, e)
		cancel()
		if err == nil {
			return nil
		}
		slog.Warn("audit: append failed", "action", e.Action, "tenant", e.TenantID, "attempt", attempt+1, "err", err)
	}
	return fmt.Errorf("after %d attempts: %w", r.cfg.MaxAttempts, err)
}

func (r *Recorder) alert(ctx context.Context, msg string, e domain.AuditEntry, err error) {
	attrs := []any{"action", string(e.Action), "tenant", e.TenantID, "actor", e.Actor}
	if err != nil {
		attrs = append(attrs, "err", err.Error())
	}
	if r.alerter == nil {
		slog.Error(msg, attrs...)
		return
	}
	r.alerter.Alert(ctx, msg, attrs...)
}
