package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/google/uuid"
)

// ─── Worker instances ────────────────────────────────────────────────────────

const workerColumns = `tenant_id, handle, status, slot, health, health_misses, last_health_check,
	usage, lease_id, lease_expires, last_activity, last_error, created_at, updated_at`

// EnsureWorker devuelve la fila del worker, creándola en pending si no existe.
func (s *SQLStorage) EnsureWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error) {
	now := time.Now().UTC().UnixMilli()
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO worker_instances (tenant_id, status, health, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id) DO NOTHING`),
		tenantID, string(domain.WorkerPending), string(domain.HealthUnknown), now, now,
	)
	if err != nil {
		return domain.WorkerInstance{}, fmt.Errorf("storage.EnsureWorker: insert: %w", err)
	}
	return s.GetWorker(ctx, tenantID)
}

// GetWorker devuelve la fila del worker de un tenant.
func (s *SQLStorage) GetWorker(ctx context.Context, tenantID string) (domain.WorkerInstance, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+workerColumns+` FROM worker_instances WHERE tenant_id = ?`), tenantID)
	w, err := scanWorker(row)
	if notFound(err) {
		return w, fmt.Errorf("storage.GetWorker: %s: %w", tenantID, domain.ErrNotFound)
	}
	if err != nil {
		return w, fmt.Errorf("storage.GetWorker: %w", err)
	}
	return w, nil
}

// ListWorkers devuelve los workers en los status dados.
func (s *SQLStorage) ListWorkers(ctx context.Context, statuses ...domain.WorkerStatus) ([]domain.WorkerInstance, error) {
	q := `SELECT ` + workerColumns + ` FROM worker_instances`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at, tenant_id`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListWorkers: %w", err)
	}
	defer rows.Close()

	var out []domain.WorkerInstance
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListWorkers: scan: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// TransitionWorker es una escritura condicional: solo cambia el status si
// el actual está en from.
func (s *SQLStorage) TransitionWorker(ctx context.Context, tenantID string, from []domain.WorkerStatus, to domain.WorkerStatus, lastError string) error {
	if len(from) == 0 {
		return fmt.Errorf("storage.TransitionWorker: empty from set")
	}
	args := []any{string(to), lastError, time.Now().UTC().UnixMilli(), tenantID}
	for _, f := range from {
		args = append(args, string(f))
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET status = ?, last_error = ?, updated_at = ?
		WHERE tenant_id = ? AND status IN (`+placeholders(len(from))+`)`), args...)
	if err != nil {
		return fmt.Errorf("storage.TransitionWorker: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("storage.TransitionWorker: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("storage.TransitionWorker: %s -> %s: %w", tenantID, to, domain.ErrInvalidTransition)
	}
	return nil
}

// SetWorkerHandle guarda el handle de la unidad de cómputo.
func (s *SQLStorage) SetWorkerHandle(ctx context.Context, tenantID, handle string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET handle = ?, updated_at = ? WHERE tenant_id = ?`),
		handle, time.Now().UTC().UnixMilli(), tenantID)
	if err != nil {
		return fmt.Errorf("storage.SetWorkerHandle: %w", err)
	}
	return expectOneRow(res, "storage.SetWorkerHandle", tenantID)
}

// AllocateSlot asigna el slot libre más bajo dentro de una transacción.
// El índice único sobre slot impide que dos tenants se queden con el mismo;
// si otra transacción gana la carrera se reintenta con el siguiente.
func (s *SQLStorage) AllocateSlot(ctx context.Context, tenantID string, poolSize int) (int, error) {
	if poolSize <= 0 {
		return 0, fmt.Errorf("storage.AllocateSlot: %w: pool size %d", domain.ErrResourceExhausted, poolSize)
	}
	for attempt := 0; attempt < poolSize; attempt++ {
		slot, err := s.tryAllocateSlot(ctx, tenantID, poolSize)
		if isUniqueViolation(err) {
			continue
		}
		return slot, err
	}
	return 0, fmt.Errorf("storage.AllocateSlot: %w", domain.ErrResourceExhausted)
}

func (s *SQLStorage) tryAllocateSlot(ctx context.Context, tenantID string, poolSize int) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("storage.AllocateSlot: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current sql.NullInt64
	err = tx.QueryRowContext(ctx, s.rebind(`SELECT slot FROM worker_instances WHERE tenant_id = ?`), tenantID).Scan(&current)
	if notFound(err) {
		return 0, fmt.Errorf("storage.AllocateSlot: %s: %w", tenantID, domain.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("storage.AllocateSlot: read current: %w", err)
	}
	if current.Valid {
		return int(current.Int64), nil
	}

	rows, err := tx.QueryContext(ctx, `SELECT slot FROM worker_instances WHERE slot IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("storage.AllocateSlot: list held: %w", err)
	}
	held := make(map[int]bool, poolSize)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return 0, fmt.Errorf("storage.AllocateSlot: scan: %w", err)
		}
		held[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("storage.AllocateSlot: rows: %w", err)
	}

	free := -1
	for i := 0; i < poolSize; i++ {
		if !held[i] {
			free = i
			break
		}
	}
	if free < 0 {
		return 0, fmt.Errorf("storage.AllocateSlot: %w: %d/%d slots held", domain.ErrResourceExhausted, len(held), poolSize)
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET slot = ?, updated_at = ? WHERE tenant_id = ? AND slot IS NULL`),
		free, time.Now().UTC().UnixMilli(), tenantID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return free, nil
}

// ReleaseSlot libera el slot del tenant.
func (s *SQLStorage) ReleaseSlot(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET slot = NULL, updated_at = ? WHERE tenant_id = ?`),
		time.Now().UTC().UnixMilli(), tenantID); err != nil {
		return fmt.Errorf("storage.ReleaseSlot: %w", err)
	}
	return nil
}

// ─── Leases ──────────────────────────────────────────────────────────────────

// GrantLease emite un lease nuevo solo si no hay uno vigente.
func (s *SQLStorage) GrantLease(ctx context.Context, tenantID string, ttl time.Duration, now time.Time) (domain.Lease, error) {
	lease := domain.Lease{TenantID: tenantID, ID: uuid.New().String(), ExpiresAt: now.Add(ttl).UTC()}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET lease_id = ?, lease_expires = ?, updated_at = ?
		WHERE tenant_id = ? AND (lease_id = '' OR lease_expires <= ?)`),
		lease.ID, toMillis(lease.ExpiresAt), toMillis(now), tenantID, toMillis(now))
	if err != nil {
		return domain.Lease{}, fmt.Errorf("storage.GrantLease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Lease{}, fmt.Errorf("storage.GrantLease: rows affected: %w", err)
	}
	if n == 0 {
		return domain.Lease{}, fmt.Errorf("storage.GrantLease: %s: %w", tenantID, domain.ErrLeaseHeld)
	}
	return lease, nil
}

// RenewLease extiende un lease vigente del mismo dueño.
func (s *SQLStorage) RenewLease(ctx context.Context, lease domain.Lease, ttl time.Duration, now time.Time) (domain.Lease, error) {
	next := domain.Lease{TenantID: lease.TenantID, ID: lease.ID, ExpiresAt: now.Add(ttl).UTC()}
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET lease_expires = ?, updated_at = ?
		WHERE tenant_id = ? AND lease_id = ? AND lease_expires > ?`),
		toMillis(next.ExpiresAt), toMillis(now), lease.TenantID, lease.ID, toMillis(now))
	if err != nil {
		return lease, fmt.Errorf("storage.RenewLease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return lease, fmt.Errorf("storage.RenewLease: rows affected: %w", err)
	}
	if n == 0 {
		return lease, fmt.Errorf("storage.RenewLease: %s: %w", lease.TenantID, domain.ErrLeaseLost)
	}
	return next, nil
}

// RevokeLease borra el lease del tenant.
func (s *SQLStorage) RevokeLease(ctx context.Context, tenantID string) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET lease_id = '', lease_expires = 0, updated_at = ? WHERE tenant_id = ?`),
		time.Now().UTC().UnixMilli(), tenantID); err != nil {
		return fmt.Errorf("storage.RevokeLease: %w", err)
	}
	return nil
}

// ─── Health & activity ───────────────────────────────────────────────────────

// RecordHealth guarda el último veredicto de salud y el snapshot de uso.
func (s *SQLStorage) RecordHealth(ctx context.Context, tenantID string, health domain.HealthStatus, misses int, usage domain.WorkerReport, at time.Time) error {
	raw, err := json.Marshal(usage)
	if err != nil {
		return fmt.Errorf("storage.RecordHealth: encode usage: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances
		SET health = ?, health_misses = ?, last_health_check = ?, usage = ?, updated_at = ?
		WHERE tenant_id = ?`),
		string(health), misses, toMillis(at), string(raw), toMillis(at), tenantID); err != nil {
		return fmt.Errorf("storage.RecordHealth: %w", err)
	}
	return nil
}

// TouchActivity marca demanda reciente para el tenant.
func (s *SQLStorage) TouchActivity(ctx context.Context, tenantID string, at time.Time) error {
	if _, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE worker_instances SET last_activity = ? WHERE tenant_id = ? AND last_activity < ?`),
		toMillis(at), tenantID, toMillis(at)); err != nil {
		return fmt.Errorf("storage.TouchActivity: %w", err)
	}
	return nil
}

func scanWorker(r rowScanner) (domain.WorkerInstance, error) {
	var (
		w                                              domain.WorkerInstance
		status, health, usage                          string
		slot, lastCheck                                sql.NullInt64
		leaseExpires, lastActivity, createdAt, updated int64
	)
	if err := r.Scan(&w.TenantID, &w.Handle, &status, &slot, &health, &w.HealthMisses, &lastCheck,
		&usage, &w.LeaseID, &leaseExpires, &lastActivity, &w.LastError, &createdAt, &updated); err != nil {
		return w, err
	}
	w.Status = domain.WorkerStatus(status)
	w.Health = domain.HealthStatus(health)
	if slot.Valid {
		v := int(slot.Int64)
		w.Slot = &v
	}
	w.LastHealthCheck = fromNullMillis(lastCheck)
	if usage != "" {
		_ = json.Unmarshal([]byte(usage), &w.Usage)
	}
	w.LeaseExpires = fromMillis(leaseExpires)
	w.LastActivity = fromMillis(lastActivity)
	w.CreatedAt = fromMillis(createdAt)
	w.UpdatedAt = fromMillis(updated)
	return w, nil
}
