package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// ─── Tenants ─────────────────────────────────────────────────────────────────

const tenantColumns = `id, slug, owner_ref, name, status, plan_tier, metadata, created_at, updated_at, deleted_at`

// CreateTenant inserta un tenant. El slug es único e inmutable.
func (s *SQLStorage) CreateTenant(ctx context.Context, t domain.Tenant) error {
	meta, err := encodeJSON(t.Metadata)
	if err != nil {
		return fmt.Errorf("storage.CreateTenant: encode metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tenants (`+tenantColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		t.ID, t.Slug, t.OwnerRef, t.Name, string(t.Status), string(t.Plan), meta,
		toMillis(t.CreatedAt), toMillis(t.UpdatedAt), nullMillis(t.DeletedAt),
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("storage.CreateTenant: %w: %s", domain.ErrSlugTaken, t.Slug)
	}
	if err != nil {
		return fmt.Errorf("storage.CreateTenant: insert: %w", err)
	}
	return nil
}

// GetTenant devuelve el tenant por ID.
func (s *SQLStorage) GetTenant(ctx context.Context, id string) (domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE id = ?`), id)
	t, err := scanTenant(row)
	if notFound(err) {
		return domain.Tenant{}, fmt.Errorf("storage.GetTenant: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("storage.GetTenant: %w", err)
	}
	return t, nil
}

// GetTenantBySlug devuelve el tenant por slug.
func (s *SQLStorage) GetTenantBySlug(ctx context.Context, slug string) (domain.Tenant, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+tenantColumns+` FROM tenants WHERE slug = ?`), slug)
	t, err := scanTenant(row)
	if notFound(err) {
		return domain.Tenant{}, fmt.Errorf("storage.GetTenantBySlug: %s: %w", slug, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Tenant{}, fmt.Errorf("storage.GetTenantBySlug: %w", err)
	}
	return t, nil
}

// UpdateTenantStatus cambia el status; deleted también fija deleted_at (soft delete).
func (s *SQLStorage) UpdateTenantStatus(ctx context.Context, id string, status domain.TenantStatus, at time.Time) error {
	q := `UPDATE tenants SET status = ?, updated_at = ? WHERE id = ?`
	args := []any{string(status), toMillis(at), id}
	if status == domain.TenantDeleted {
		q = `UPDATE tenants SET status = ?, updated_at = ?, deleted_at = ? WHERE id = ?`
		args = []any{string(status), toMillis(at), toMillis(at), id}
	}
	res, err := s.db.ExecContext(ctx, s.rebind(q), args...)
	if err != nil {
		return fmt.Errorf("storage.UpdateTenantStatus: %w", err)
	}
	return expectOneRow(res, "storage.UpdateTenantStatus", id)
}

// UpdateTenantPlan cambia el plan del tenant.
func (s *SQLStorage) UpdateTenantPlan(ctx context.Context, id string, plan domain.PlanTier, at time.Time) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`UPDATE tenants SET plan_tier = ?, updated_at = ? WHERE id = ?`),
		string(plan), toMillis(at), id)
	if err != nil {
		return fmt.Errorf("storage.UpdateTenantPlan: %w", err)
	}
	return expectOneRow(res, "storage.UpdateTenantPlan", id)
}

// ListTenants devuelve los tenants en los status dados, por fecha de alta.
func (s *SQLStorage) ListTenants(ctx context.Context, statuses ...domain.TenantStatus) ([]domain.Tenant, error) {
	q := `SELECT ` + tenantColumns + ` FROM tenants`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		q += ` WHERE status IN (` + placeholders(len(statuses)) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	q += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("storage.ListTenants: %w", err)
	}
	defer rows.Close()

	var out []domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListTenants: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(r rowScanner) (domain.Tenant, error) {
	var (
		t                    domain.Tenant
		status, plan, meta   string
		createdAt, updatedAt int64
		deletedAt            sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.Slug, &t.OwnerRef, &t.Name, &status, &plan, &meta,
		&createdAt, &updatedAt, &deletedAt); err != nil {
		return t, err
	}
	t.Status = domain.TenantStatus(status)
	t.Plan = domain.PlanTier(plan)
	t.Metadata = decodeJSONMap(meta)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	t.DeletedAt = fromNullMillis(deletedAt)
	return t, nil
}

func expectOneRow(res sql.Result, op, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: rows affected: %w", op, err)
	}
	if n == 0 {
		return fmt.Errorf("%s: %s: %w", op, id, domain.ErrNotFound)
	}
	return nil
}

// ─── Credentials ─────────────────────────────────────────────────────────────

const credentialColumns = `id, tenant_id, type, secret_ref, fingerprint, status, verified_at, last_error, created_at, updated_at`

// UpsertCredential crea o reemplaza el registro (tenant, type). Un reemplazo
// vuelve a pending y conserva el ID original.
func (s *SQLStorage) UpsertCredential(ctx context.Context, c domain.Credential) (domain.Credential, error) {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO tenant_credentials (`+credentialColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, type) DO UPDATE SET
			secret_ref  = excluded.secret_ref,
			fingerprint = excluded.fingerprint,
			status      = excluded.status,
			verified_at = excluded.verified_at,
			last_error  = excluded.last_error,
			updated_at  = excluded.updated_at`),
		c.ID, c.TenantID, string(c.Type), c.SecretRef, c.Fingerprint, string(c.Status),
		nullMillis(c.VerifiedAt), c.LastError, toMillis(c.CreatedAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("storage.UpsertCredential: %w", err)
	}
	return s.GetCredentialByType(ctx, c.TenantID, c.Type)
}

// GetCredential devuelve el registro por ID.
func (s *SQLStorage) GetCredential(ctx context.Context, id string) (domain.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+credentialColumns+` FROM tenant_credentials WHERE id = ?`), id)
	c, err := scanCredential(row)
	if notFound(err) {
		return c, fmt.Errorf("storage.GetCredential: %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("storage.GetCredential: %w", err)
	}
	return c, nil
}

// GetCredentialByType devuelve el registro (tenant, type).
func (s *SQLStorage) GetCredentialByType(ctx context.Context, tenantID string, typ domain.CredentialType) (domain.Credential, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT `+credentialColumns+` FROM tenant_credentials WHERE tenant_id = ? AND type = ?`),
		tenantID, string(typ))
	c, err := scanCredential(row)
	if notFound(err) {
		return c, fmt.Errorf("storage.GetCredentialByType: %s/%s: %w", tenantID, typ, domain.ErrNotFound)
	}
	if err != nil {
		return c, fmt.Errorf("storage.GetCredentialByType: %w", err)
	}
	return c, nil
}

// ListCredentials devuelve las credenciales de un tenant.
func (s *SQLStorage) ListCredentials(ctx context.Context, tenantID string) ([]domain.Credential, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT `+credentialColumns+` FROM tenant_credentials WHERE tenant_id = ? ORDER BY type`), tenantID)
	if err != nil {
		return nil, fmt.Errorf("storage.ListCredentials: %w", err)
	}
	defer rows.Close()

	var out []domain.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, fmt.Errorf("storage.ListCredentials: scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// UpdateCredentialStatus actualiza status, verified_at y last_error.
func (s *SQLStorage) UpdateCredentialStatus(ctx context.Context, id string, status domain.CredentialStatus, verifiedAt *time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE tenant_credentials SET status = ?, verified_at = ?, last_error = ?, updated_at = ?
		WHERE id = ?`),
		string(status), nullMillis(verifiedAt), lastError, time.Now().UTC().UnixMilli(), id,
	)
	if err != nil {
		return fmt.Errorf("storage.UpdateCredentialStatus: %w", err)
	}
	return expectOneRow(res, "storage.UpdateCredentialStatus", id)
}

func scanCredential(r rowScanner) (domain.Credential, error) {
	var (
		c                    domain.Credential
		typ, status          string
		verifiedAt           sql.NullInt64
		createdAt, updatedAt int64
	)
	if err := r.Scan(&c.ID, &c.TenantID, &typ, &c.SecretRef, &c.Fingerprint, &status,
		&verifiedAt, &c.LastError, &createdAt, &updatedAt); err != nil {
		return c, err
	}
	c.Type = domain.CredentialType(typ)
	c.Status = domain.CredentialStatus(status)
	c.VerifiedAt = fromNullMillis(verifiedAt)
	c.CreatedAt = fromMillis(createdAt)
	c.UpdatedAt = fromMillis(updatedAt)
	return c, nil
}

// ─── Secrets ─────────────────────────────────────────────────────────────────

// PutSecret guarda ciphertext opaco bajo ref, reemplazando el anterior.
func (s *SQLStorage) PutSecret(ctx context.Context, ref, ciphertext string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO credential_secrets (ref, ciphertext, created_at) VALUES (?, ?, ?)
		ON CONFLICT (ref) DO UPDATE SET ciphertext = excluded.ciphertext`),
		ref, ciphertext, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("storage.PutSecret: %w", err)
	}
	return nil
}

// GetSecret devuelve el ciphertext de ref.
func (s *SQLStorage) GetSecret(ctx context.Context, ref string) (string, error) {
	var ct string
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT ciphertext FROM credential_secrets WHERE ref = ?`), ref).Scan(&ct)
	if notFound(err) {
		return "", fmt.Errorf("storage.GetSecret: %w", domain.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("storage.GetSecret: %w", err)
	}
	return ct, nil
}

// DeleteSecret borra el ciphertext de ref. Borrar un ref inexistente no es error.
func (s *SQLStorage) DeleteSecret(ctx context.Context, ref string) error {
	if strings.TrimSpace(ref) == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM credential_secrets WHERE ref = ?`), ref); err != nil {
		return fmt.Errorf("storage.DeleteSecret: %w", err)
	}
	return nil
}
