package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// ─── Audit log ───────────────────────────────────────────────────────────────

const defaultAuditLimit = 50

// AppendAudit inserta la entrada encadenando su hash con la anterior.
// Lectura del último hash e insert van en la misma transacción.
func (s *SQLStorage) AppendAudit(ctx context.Context, e domain.AuditEntry) (domain.AuditEntry, error) {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ActorType == "" {
		e.ActorType = domain.ActorSystem
	}
	details, err := encodeJSON(e.Details)
	if err != nil {
		return e, fmt.Errorf("storage.AppendAudit: encode details: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return e, fmt.Errorf("storage.AppendAudit: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prev sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT entry_hash FROM tenant_audit_log ORDER BY id DESC LIMIT 1`).Scan(&prev)
	if err != nil && !notFound(err) {
		return e, fmt.Errorf("storage.AppendAudit: read chain head: %w", err)
	}
	e.PrevHash = prev.String
	e.CreatedAt = e.CreatedAt.UTC().Truncate(time.Millisecond)
	e.Hash = computeAuditHash(e, details)

	err = tx.QueryRowContext(ctx, s.rebind(`
		INSERT INTO tenant_audit_log
		  (tenant_id, action, actor, actor_type, source_ip, details, prev_hash, entry_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`),
		nullString(e.TenantID), string(e.Action), e.Actor, string(e.ActorType), nullString(e.SourceIP),
		details, e.PrevHash, e.Hash, toMillis(e.CreatedAt),
	).Scan(&e.ID)
	if err != nil {
		return e, fmt.Errorf("storage.AppendAudit: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return e, fmt.Errorf("storage.AppendAudit: commit: %w", err)
	}
	return e, nil
}

// ListAudit devuelve entradas más recientes primero.
func (s *SQLStorage) ListAudit(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error) {
	query := `SELECT id, tenant_id, action, actor, actor_type, source_ip, details, prev_hash, entry_hash, created_at
		FROM tenant_audit_log WHERE 1=1`
	var args []any
	if q.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, q.TenantID)
	}
	if q.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(q.Action))
	}
	if !q.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, toMillis(q.Since))
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultAuditLimit
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListAudit: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		e, _, err := scanAudit(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListAudit: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// VerifyAuditChain recorre el log completo en orden y recalcula cada hash.
// Devuelve el ID de la primera entrada alterada, o 0 si la cadena está intacta.
func (s *SQLStorage) VerifyAuditChain(ctx context.Context) (int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant_id, action, actor, actor_type, source_ip, details, prev_hash, entry_hash, created_at
		FROM tenant_audit_log ORDER BY id`)
	if err != nil {
		return 0, fmt.Errorf("storage.VerifyAuditChain: %w", err)
	}
	defer rows.Close()

	prev := ""
	for rows.Next() {
		e, details, err := scanAudit(rows)
		if err != nil {
			return 0, fmt.Errorf("storage.VerifyAuditChain: scan: %w", err)
		}
		if e.PrevHash != prev || computeAuditHash(e, details) != e.Hash {
			return e.ID, nil
		}
		prev = e.Hash
	}
	return 0, rows.Err()
}

func scanAudit(r rowScanner) (domain.AuditEntry, string, error) {
	var (
		e                 domain.AuditEntry
		tenantID, ip      sql.NullString
		action, actorType string
		details           string
		createdAt         int64
	)
	if err := r.Scan(&e.ID, &tenantID, &action, &e.Actor, &actorType, &ip, &details,
		&e.PrevHash, &e.Hash, &createdAt); err != nil {
		return e, "", err
	}
	e.TenantID = tenantID.String
	e.SourceIP = ip.String
	e.Action = domain.AuditAction(action)
	e.ActorType = domain.ActorType(actorType)
	e.Details = decodeJSONMap(details)
	e.CreatedAt = fromMillis(createdAt)
	return e, details, nil
}

func computeAuditHash(e domain.AuditEntry, details string) string {
	payload := map[string]any{
		"tenant":     e.TenantID,
		"action":     e.Action,
		"actor":      e.Actor,
		"actor_type": e.ActorType,
		"source_ip":  e.SourceIP,
		"details":    details,
		"prev_hash":  e.PrevHash,
		"created_at": e.CreatedAt.UnixMilli(),
	}
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
