package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/shopspring/decimal"
)

// ─── Orders ──────────────────────────────────────────────────────────────────

const orderColumns = `id, tenant_id, intent_id, symbol, code, action, quantity, simulation, status,
	venue_status, venue_order_id, seqno, ordno, fill_quantity, fill_price, cancel_quantity,
	error_message, created_at, updated_at`

const defaultOrderLimit = 500

// execer y queryRower cubren tanto *sql.DB como *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateOrder inserta una orden nueva.
func (s *SQLStorage) CreateOrder(ctx context.Context, o domain.Order) error {
	if err := s.insertOrder(ctx, s.db, o); err != nil {
		return fmt.Errorf("storage.CreateOrder: %w", err)
	}
	return nil
}

func (s *SQLStorage) insertOrder(ctx context.Context, ex execer, o domain.Order) error {
	_, err := ex.ExecContext(ctx, s.rebind(`
		INSERT INTO order_history (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		o.ID, o.TenantID, o.IntentID, o.Symbol, o.Code, string(o.Action), o.Quantity,
		boolToInt(o.Simulation), string(o.Status), o.VenueStatus, o.VenueOrderID, o.SeqNo, o.OrdNo,
		o.FillQuantity, o.FillPrice.String(), o.CancelQuantity, o.ErrorMessage,
		toMillis(o.CreatedAt), toMillis(o.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert order %s: %w", o.ID, err)
	}
	return nil
}

// UpdateOrder reescribe los campos mutables de la orden.
func (s *SQLStorage) UpdateOrder(ctx context.Context, o domain.Order) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE order_history SET
			code = ?, quantity = ?, status = ?, venue_status = ?, venue_order_id = ?, seqno = ?, ordno = ?,
			fill_quantity = ?, fill_price = ?, cancel_quantity = ?, error_message = ?, updated_at = ?
		WHERE id = ?`),
		o.Code, o.Quantity, string(o.Status), o.VenueStatus, o.VenueOrderID, o.SeqNo, o.OrdNo,
		o.FillQuantity, o.FillPrice.String(), o.CancelQuantity, o.ErrorMessage, toMillis(o.UpdatedAt),
		o.ID,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateOrder: %w", err)
	}
	return expectOneRow(res, "storage.UpdateOrder", o.ID)
}

// GetOrder devuelve la orden por ID.
func (s *SQLStorage) GetOrder(ctx context.Context, id string) (domain.Order, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+orderColumns+` FROM order_history WHERE id = ?`), id)
	o, err := scanOrder(row)
	if notFound(err) {
		return o, fmt.Errorf("storage.GetOrder: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return o, fmt.Errorf("storage.GetOrder: %w", err)
	}
	return o, nil
}

// ListOrders devuelve órdenes filtradas, más recientes primero.
func (s *SQLStorage) ListOrders(ctx context.Context, f domain.OrderFilter) ([]domain.Order, error) {
	q := `SELECT ` + orderColumns + ` FROM order_history WHERE 1=1`
	var args []any
	if f.TenantID != "" {
		q += ` AND tenant_id = ?`
		args = append(args, f.TenantID)
	}
	if f.Symbol != "" {
		q += ` AND symbol = ?`
		args = append(args, f.Symbol)
	}
	if len(f.Statuses) > 0 {
		q += ` AND status IN (` + placeholders(len(f.Statuses)) + `)`
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultOrderLimit
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListOrders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListOrders: scan: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func scanOrder(r rowScanner) (domain.Order, error) {
	var (
		o                    domain.Order
		action, status       string
		simulation           int
		fillPrice            string
		createdAt, updatedAt int64
	)
	if err := r.Scan(&o.ID, &o.TenantID, &o.IntentID, &o.Symbol, &o.Code, &action, &o.Quantity,
		&simulation, &status, &o.VenueStatus, &o.VenueOrderID, &o.SeqNo, &o.OrdNo,
		&o.FillQuantity, &fillPrice, &o.CancelQuantity, &o.ErrorMessage, &createdAt, &updatedAt); err != nil {
		return o, err
	}
	o.Action = domain.OrderAction(action)
	o.Status = domain.OrderStatus(status)
	o.Simulation = simulation != 0
	if p, err := decimal.NewFromString(fillPrice); err == nil {
		o.FillPrice = p
	}
	o.CreatedAt = fromMillis(createdAt)
	o.UpdatedAt = fromMillis(updatedAt)
	return o, nil
}

// ─── Webhooks ────────────────────────────────────────────────────────────────

// SaveWebhookLog persiste una alerta entrante. Las filas no se modifican.
func (s *SQLStorage) SaveWebhookLog(ctx context.Context, w domain.WebhookLog) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO webhook_logs
		  (id, tenant_id, source_ip, payload, status, symbol, action, quantity, intent_id, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		w.ID, w.TenantID, w.SourceIP, w.Payload, string(w.Status), w.Symbol, string(w.Action),
		w.Quantity, w.IntentID, w.Error, toMillis(w.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage.SaveWebhookLog: %w", err)
	}
	return nil
}

// ListWebhookLogs devuelve los últimos webhooks de un tenant.
func (s *SQLStorage) ListWebhookLogs(ctx context.Context, tenantID string, limit int) ([]domain.WebhookLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, tenant_id, source_ip, payload, status, symbol, action, quantity, intent_id, error, created_at
		FROM webhook_logs WHERE tenant_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`), tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage.ListWebhookLogs: %w", err)
	}
	defer rows.Close()

	var out []domain.WebhookLog
	for rows.Next() {
		var (
			w              domain.WebhookLog
			status, action string
			createdAt      int64
		)
		if err := rows.Scan(&w.ID, &w.TenantID, &w.SourceIP, &w.Payload, &status, &w.Symbol, &action,
			&w.Quantity, &w.IntentID, &w.Error, &createdAt); err != nil {
			return nil, fmt.Errorf("storage.ListWebhookLogs: scan: %w", err)
		}
		w.Status = domain.WebhookStatus(status)
		w.Action = domain.OrderAction(action)
		w.CreatedAt = fromMillis(createdAt)
		out = append(out, w)
	}
	return out, rows.Err()
}
