package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// ─── Order intent queue ──────────────────────────────────────────────────────
//
// La cola vive en la tabla order_intents: sobrevive reinicios y el orden
// FIFO por tenant lo da la columna seq (autoincremental). Dentro del mismo
// proceso Enqueue despierta al consumidor bloqueado; entre procesos el
// consumidor hace polling cada pollInterval.

const defaultQueuePoll = 500 * time.Millisecond

type queueSignals struct {
	mu           sync.Mutex
	chans        map[string]chan struct{}
	pollInterval time.Duration
}

func newQueueSignals() *queueSignals {
	return &queueSignals{chans: make(map[string]chan struct{}), pollInterval: defaultQueuePoll}
}

func (q *queueSignals) ch(tenantID string) chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	c, ok := q.chans[tenantID]
	if !ok {
		c = make(chan struct{}, 1)
		q.chans[tenantID] = c
	}
	return c
}

func (q *queueSignals) notify(tenantID string) {
	select {
	case q.ch(tenantID) <- struct{}{}:
	default:
	}
}

// SetQueuePollInterval ajusta el polling entre procesos.
func (s *SQLStorage) SetQueuePollInterval(d time.Duration) {
	if d > 0 {
		s.queue.pollInterval = d
	}
}

const intentColumns = `seq, id, tenant_id, symbol, action, quantity, simulation, enqueued_at`

// Enqueue añade un intent al final de la cola de su tenant.
func (s *SQLStorage) Enqueue(ctx context.Context, in domain.OrderIntent) (domain.EnqueueReceipt, error) {
	if err := in.Validate(); err != nil {
		return domain.EnqueueReceipt{}, fmt.Errorf("storage.Enqueue: %w", err)
	}
	if in.EnqueuedAt.IsZero() {
		in.EnqueuedAt = time.Now().UTC()
	}

	var seq int64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		INSERT INTO order_intents (id, tenant_id, symbol, action, quantity, simulation, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`),
		in.ID, in.TenantID, in.Symbol, string(in.Action), in.Quantity, boolToInt(in.Simulation),
		toMillis(in.EnqueuedAt),
	).Scan(&seq)
	if err != nil {
		return domain.EnqueueReceipt{}, fmt.Errorf("storage.Enqueue: insert: %w", err)
	}

	s.queue.notify(in.TenantID)
	return domain.EnqueueReceipt{
		IntentID:   in.ID,
		TenantID:   in.TenantID,
		Seq:        seq,
		EnqueuedAt: in.EnqueuedAt,
	}, nil
}

// Dequeue saca el intent más antiguo del tenant, esperando hasta timeout.
// No retiene la conexión mientras espera.
func (s *SQLStorage) Dequeue(ctx context.Context, tenantID string, timeout time.Duration) (domain.OrderIntent, bool, error) {
	var in domain.OrderIntent
	ok, err := s.waitIntent(ctx, tenantID, timeout, func() (bool, error) {
		var (
			ok  bool
			err error
		)
		in, ok, err = s.popIntent(ctx, s.db, tenantID)
		return ok, err
	})
	return in, ok, err
}

// DequeueInto saca el intent más antiguo del tenant y registra la orden que
// build deriva de él en la misma transacción: si el insert falla el intent
// sigue en la cola.
func (s *SQLStorage) DequeueInto(ctx context.Context, tenantID string, timeout time.Duration, build func(domain.OrderIntent) domain.Order) (domain.Order, bool, error) {
	var o domain.Order
	ok, err := s.waitIntent(ctx, tenantID, timeout, func() (bool, error) {
		var (
			ok  bool
			err error
		)
		o, ok, err = s.popIntoOrder(ctx, tenantID, build)
		return ok, err
	})
	return o, ok, err
}

// waitIntent reintenta try hasta que devuelva un intent, despertando con
// cada Enqueue local o cada pollInterval.
func (s *SQLStorage) waitIntent(ctx context.Context, tenantID string, timeout time.Duration, try func() (bool, error)) (bool, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(s.queue.pollInterval)
	defer poll.Stop()
	signal := s.queue.ch(tenantID)

	for {
		ok, err := try()
		if err != nil || ok {
			return ok, err
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-deadline.C:
			return false, nil
		case <-signal:
		case <-poll.C:
		}
	}
}

func (s *SQLStorage) popIntoOrder(ctx context.Context, tenantID string, build func(domain.OrderIntent) domain.Order) (domain.Order, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, false, fmt.Errorf("storage.DequeueInto: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	in, ok, err := s.popIntent(ctx, tx, tenantID)
	if err != nil || !ok {
		return domain.Order{}, false, err
	}
	o := build(in)
	if err := s.insertOrder(ctx, tx, o); err != nil {
		return domain.Order{}, false, fmt.Errorf("storage.DequeueInto: intent %s: %w", in.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Order{}, false, fmt.Errorf("storage.DequeueInto: commit: %w", err)
	}
	return o, true, nil
}

func (s *SQLStorage) popIntent(ctx context.Context, q queryRower, tenantID string) (domain.OrderIntent, bool, error) {
	row := q.QueryRowContext(ctx, s.rebind(`
		DELETE FROM order_intents
		WHERE seq = (SELECT MIN(seq) FROM order_intents WHERE tenant_id = ?)
		RETURNING `+intentColumns), tenantID)
	in, err := scanIntent(row)
	if notFound(err) {
		return domain.OrderIntent{}, false, nil
	}
	if err != nil {
		return domain.OrderIntent{}, false, fmt.Errorf("storage.Dequeue: %w", err)
	}
	return in, true, nil
}

// Depth devuelve cuántos intents esperan en la cola del tenant.
func (s *SQLStorage) Depth(ctx context.Context, tenantID string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM order_intents WHERE tenant_id = ?`), tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage.Depth: %w", err)
	}
	return n, nil
}

// Purge vacía la cola del tenant y devuelve los intents en orden.
func (s *SQLStorage) Purge(ctx context.Context, tenantID string) ([]domain.OrderIntent, error) {
	return s.removeIntents(ctx, "storage.Purge", `tenant_id = ?`, tenantID)
}

// ExpireBefore saca los intents del tenant encolados antes de cutoff.
func (s *SQLStorage) ExpireBefore(ctx context.Context, tenantID string, cutoff time.Time) ([]domain.OrderIntent, error) {
	return s.removeIntents(ctx, "storage.ExpireBefore", `tenant_id = ? AND enqueued_at < ?`, tenantID, toMillis(cutoff))
}

func (s *SQLStorage) removeIntents(ctx context.Context, op, where string, args ...any) ([]domain.OrderIntent, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`DELETE FROM order_intents WHERE `+where+` RETURNING `+intentColumns), args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var out []domain.OrderIntent
	for rows.Next() {
		in, err := scanIntent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		out = append(out, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: rows: %w", op, err)
	}
	sortIntents(out)
	return out, nil
}

// BacklogTenants devuelve los tenants con intents en cola, primero el que
// lleva más tiempo esperando.
func (s *SQLStorage) BacklogTenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id FROM order_intents GROUP BY tenant_id ORDER BY MIN(seq)`)
	if err != nil {
		return nil, fmt.Errorf("storage.BacklogTenants: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage.BacklogTenants: scan: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanIntent(r rowScanner) (domain.OrderIntent, error) {
	var (
		in         domain.OrderIntent
		action     string
		simulation int
		enqueuedAt int64
	)
	if err := r.Scan(&in.Seq, &in.ID, &in.TenantID, &in.Symbol, &action, &in.Quantity, &simulation, &enqueuedAt); err != nil {
		return in, err
	}
	in.Action = domain.OrderAction(action)
	in.Simulation = simulation != 0
	in.EnqueuedAt = fromMillis(enqueuedAt)
	return in, nil
}

// RETURNING no garantiza orden; se reordena por seq.
func sortIntents(in []domain.OrderIntent) {
	sort.Slice(in, func(i, j int) bool { return in[i].Seq < in[j].Seq })
}
