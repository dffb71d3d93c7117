// Package intake turns inbound alerts into queued order intents.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
)

// Demand is told about every accepted intent. *orchestrator.Orchestrator
// satisfies it.
type Demand interface {
	EnsureWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error)
}

// Alert is one inbound trading signal.
type Alert struct {
	TenantID   string
	SourceIP   string
	Payload    []byte
	Simulation bool
}

// payload accepts the usual charting-platform alert shape. ticker and
// symbol are aliases; quantity defaults to 1.
type payload struct {
	Ticker    string `json:"ticker"`
	Symbol    string `json:"symbol"`
	Action    string `json:"action"`
	Quantity  *int   `json:"quantity"`
	AlertName string `json:"alert_name"`
}

var actionAliases = map[string]domain.OrderAction{
	"buy":         domain.ActionLongEntry,
	"long":        domain.ActionLongEntry,
	"long_entry":  domain.ActionLongEntry,
	"sell":        domain.ActionShortEntry,
	"short":       domain.ActionShortEntry,
	"short_entry": domain.ActionShortEntry,
	"exit_long":   domain.ActionLongExit,
	"close_long":  domain.ActionLongExit,
	"long_exit":   domain.ActionLongExit,
	"exit_short":  domain.ActionShortExit,
	"close_short": domain.ActionShortExit,
	"short_exit":  domain.ActionShortExit,
}

// ParseAction maps an alert action to an OrderAction.
func ParseAction(s string) (domain.OrderAction, bool) {
	a, ok := actionAliases[strings.ToLower(strings.TrimSpace(s))]
	return a, ok
}

// Service validates, logs and enqueues alerts.
type Service struct {
	tenants  ports.TenantStore
	queue    ports.OrderQueue
	webhooks ports.WebhookStore
	workers  ports.WorkerStore
	demand   Demand
	now      func() time.Time
}

// New creates the service.
func New(tenants ports.TenantStore, queue ports.OrderQueue, webhooks ports.WebhookStore, workers ports.WorkerStore, demand Demand) *Service {
	return &Service{
		tenants:  tenants,
		queue:    queue,
		webhooks: webhooks,
		workers:  workers,
		demand:   demand,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Submit validates the alert, records it in the webhook log and enqueues
// the intent. Rejected alerts are logged and return an error wrapping
// domain.ErrInvalidIntent or domain.ErrTenantInactive. A worker that cannot
// be started does not fail the call; the intent waits in the queue.
func (s *Service) Submit(ctx context.Context, a Alert) (domain.EnqueueReceipt, error) {
	log := domain.WebhookLog{
		ID:        uuid.New().String(),
		TenantID:  a.TenantID,
		SourceIP:  a.SourceIP,
		Payload:   string(a.Payload),
		Status:    domain.WebhookReceived,
		CreatedAt: s.now(),
	}

	t, err := s.tenants.GetTenant(ctx, a.TenantID)
	if err != nil {
		return domain.EnqueueReceipt{}, fmt.Errorf("intake.Submit: %w", err)
	}
	if !t.Status.AcceptsWork() {
		err := fmt.Errorf("intake.Submit: tenant %s is %s: %w", t.ID, t.Status, domain.ErrTenantInactive)
		s.reject(ctx, log, err)
		return domain.EnqueueReceipt{}, err
	}

	intent, err := parse(a)
	log.Symbol, log.Action, log.Quantity = intent.Symbol, intent.Action, intent.Quantity
	if err != nil {
		err = fmt.Errorf("intake.Submit: %w", err)
		s.reject(ctx, log, err)
		return domain.EnqueueReceipt{}, err
	}

	receipt, err := s.queue.Enqueue(ctx, intent)
	if err != nil {
		err = fmt.Errorf("intake.Submit: enqueue: %w", err)
		s.reject(ctx, log, err)
		return domain.EnqueueReceipt{}, err
	}

	log.Status = domain.WebhookAccepted
	log.IntentID = intent.ID
	if err := s.webhooks.SaveWebhookLog(ctx, log); err != nil {
		slog.Warn("intake: save webhook log", "tenant", a.TenantID, "intent", intent.ID, "err", err)
	}

	if _, err := s.demand.EnsureWorker(ctx, a.TenantID); err != nil {
		slog.Warn("intake: worker not available, intent stays queued", "tenant", a.TenantID, "intent", intent.ID, "err", err)
	}
	if err := s.workers.TouchActivity(ctx, a.TenantID, s.now()); err != nil {
		slog.Warn("intake: touch activity", "tenant", a.TenantID, "err", err)
	}

	slog.Info("intake: intent queued",
		"tenant", a.TenantID,
		"intent", intent.ID,
		"symbol", intent.Symbol,
		"action", intent.Action,
		"quantity", intent.Quantity,
		"seq", receipt.Seq,
	)
	return receipt, nil
}

func (s *Service) reject(ctx context.Context, log domain.WebhookLog, cause error) {
	log.Status = domain.WebhookRejected
	log.Error = cause.Error()
	if err := s.webhooks.SaveWebhookLog(ctx, log); err != nil {
		slog.Warn("intake: save webhook log", "tenant", log.TenantID, "err", err)
	}
	slog.Info("intake: alert rejected", "tenant", log.TenantID, "source_ip", log.SourceIP, "err", cause)
}

func parse(a Alert) (domain.OrderIntent, error) {
	var p payload
	if err := json.Unmarshal(a.Payload, &p); err != nil {
		return domain.OrderIntent{}, fmt.Errorf("%w: malformed payload: %v", domain.ErrInvalidIntent, err)
	}

	in := domain.OrderIntent{
		ID:         uuid.New().String(),
		TenantID:   a.TenantID,
		Symbol:     strings.TrimSpace(p.Ticker),
		Quantity:   1,
		Simulation: a.Simulation,
	}
	if in.Symbol == "" {
		in.Symbol = strings.TrimSpace(p.Symbol)
	}
	if p.Quantity != nil {
		in.Quantity = *p.Quantity
	}
	action, ok := ParseAction(p.Action)
	if !ok {
		return in, fmt.Errorf("%w: unknown action %q", domain.ErrInvalidIntent, p.Action)
	}
	in.Action = action
	return in, in.Validate()
}
