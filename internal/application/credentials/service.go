// Package credentials manages the tenant secrets the worker core dials the
// venue with: upload, verification probe, revocation and gating.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
)

// RejectedError is a verification the venue refused. Reason is the venue's
// text.
type RejectedError struct {
	Reason string
	Err    error
}

func (e *RejectedError) Error() string { return "credential rejected: " + e.Reason }
func (e *RejectedError) Unwrap() error { return e.Err }

// Service implements the credential vault operations.
type Service struct {
	store   ports.CredentialStore
	vault   ports.Vault
	prober  ports.CredentialProber
	auditor ports.Auditor
	now     func() time.Time
}

// New creates the service.
func New(store ports.CredentialStore, vault ports.Vault, prober ports.CredentialProber, auditor ports.Auditor) *Service {
	return &Service{
		store:   store,
		vault:   vault,
		prober:  prober,
		auditor: auditor,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Submit seals raw and records it as pending, replacing any existing secret
// of the same type.
func (s *Service) Submit(ctx context.Context, actor domain.Actor, tenantID string, typ domain.CredentialType, raw []byte) (domain.Credential, error) {
	if !typ.Valid() {
		return domain.Credential{}, fmt.Errorf("credentials.Submit: unknown type %q: %w", typ, domain.ErrInvalidArgument)
	}
	if err := validatePayload(typ, raw); err != nil {
		return domain.Credential{}, fmt.Errorf("credentials.Submit: %w", err)
	}

	var previousRef string
	if prev, err := s.store.GetCredentialByType(ctx, tenantID, typ); err == nil {
		previousRef = prev.SecretRef
	} else if !errors.Is(err, domain.ErrNotFound) {
		return domain.Credential{}, fmt.Errorf("credentials.Submit: lookup: %w", err)
	}

	ref, err := s.vault.Seal(ctx, raw)
	if err != nil {
		return domain.Credential{}, fmt.Errorf("credentials.Submit: seal: %w", err)
	}

	now := s.now()
	cred, err := s.store.UpsertCredential(ctx, domain.Credential{
		ID:          uuid.New().String(),
		TenantID:    tenantID,
		Type:        typ,
		SecretRef:   ref,
		Fingerprint: domain.Fingerprint(raw),
		Status:      domain.CredentialPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
	if err != nil {
		_ = s.vault.Destroy(ctx, ref)
		return domain.Credential{}, fmt.Errorf("credentials.Submit: upsert: %w", err)
	}

	if previousRef != "" && previousRef != ref {
		if err := s.vault.Destroy(ctx, previousRef); err != nil {
			slog.Warn("credentials: destroy replaced secret failed", "tenant", tenantID, "type", typ, "err", err)
		}
	}

	s.auditor.Record(ctx, actor.Entry(tenantID, domain.AuditCredentialUploaded, map[string]any{
		"credential_id": cred.ID,
		"type":          string(typ),
		"fingerprint":   cred.Fingerprint,
	}))
	return cred, nil
}

// Verify probes the venue with the stored secret. The plaintext is wiped
// before Verify returns.
func (s *Service) Verify(ctx context.Context, actor domain.Actor, credentialID string) (domain.Credential, error) {
	cred, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return cred, fmt.Errorf("credentials.Verify: %w", err)
	}
	if cred.Status == domain.CredentialRevoked {
		return cred, fmt.Errorf("credentials.Verify: %s is revoked: %w", credentialID, domain.ErrInvalidTransition)
	}

	secret, err := s.vault.Open(ctx, cred.SecretRef)
	if err != nil {
		return cred, fmt.Errorf("credentials.Verify: open: %w", err)
	}
	probeErr := s.prober.Probe(ctx, cred.Type, secret)
	domain.Wipe(secret)

	now := s.now()
	details := map[string]any{"credential_id": cred.ID, "type": string(cred.Type)}

	switch {
	case probeErr == nil:
		cred.Status = domain.CredentialVerified
		cred.VerifiedAt = &now
		cred.LastError = ""
		details["result"] = "verified"
	case errors.Is(probeErr, domain.ErrCredentialExpired):
		cred.Status = domain.CredentialExpired
		cred.VerifiedAt = nil
		cred.LastError = probeErr.Error()
		details["result"] = "expired"
	default:
		cred.Status = domain.CredentialPending
		cred.LastError = probeErr.Error()
		details["result"] = "rejected"
		details["reason"] = probeErr.Error()
	}

	if err := s.store.UpdateCredentialStatus(ctx, cred.ID, cred.Status, cred.VerifiedAt, cred.LastError); err != nil {
		return cred, fmt.Errorf("credentials.Verify: update: %w", err)
	}
	cred.UpdatedAt = now
	s.auditor.Record(ctx, actor.Entry(cred.TenantID, domain.AuditCredentialVerified, details))

	if probeErr != nil {
		return cred, &RejectedError{Reason: probeErr.Error(), Err: probeErr}
	}
	return cred, nil
}

// Revoke marks the credential revoked and destroys its secret.
func (s *Service) Revoke(ctx context.Context, actor domain.Actor, credentialID string) error {
	cred, err := s.store.GetCredential(ctx, credentialID)
	if err != nil {
		return fmt.Errorf("credentials.Revoke: %w", err)
	}
	if err := s.store.UpdateCredentialStatus(ctx, cred.ID, domain.CredentialRevoked, nil, ""); err != nil {
		return fmt.Errorf("credentials.Revoke: update: %w", err)
	}
	if err := s.vault.Destroy(ctx, cred.SecretRef); err != nil {
		slog.Warn("credentials: destroy revoked secret failed", "credential", cred.ID, "err", err)
	}
	s.auditor.Record(ctx, actor.Entry(cred.TenantID, domain.AuditCredentialRevoked, map[string]any{
		"credential_id": cred.ID,
		"type":          string(cred.Type),
	}))
	return nil
}

// RequireVerified fails with domain.ErrCredentialNotVerified unless the
// tenant has a verified credential of every type in types.
func (s *Service) RequireVerified(ctx context.Context, tenantID string, types ...domain.CredentialType) error {
	for _, typ := range types {
		cred, err := s.store.GetCredentialByType(ctx, tenantID, typ)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("credentials.RequireVerified: %s missing: %w", typ, domain.ErrCredentialNotVerified)
		}
		if err != nil {
			return fmt.Errorf("credentials.RequireVerified: %w", err)
		}
		if cred.Status != domain.CredentialVerified {
			return fmt.Errorf("credentials.RequireVerified: %s is %s: %w", typ, cred.Status, domain.ErrCredentialNotVerified)
		}
	}
	return nil
}

// Readiness reports which credential types the tenant has on file.
func (s *Service) Readiness(ctx context.Context, tenantID string) (domain.Readiness, error) {
	creds, err := s.store.ListCredentials(ctx, tenantID)
	if err != nil {
		return domain.Readiness{}, fmt.Errorf("credentials.Readiness: %w", err)
	}
	var r domain.Readiness
	for i := range creds {
		c := creds[i]
		switch c.Type {
		case domain.CredentialAPIKeyPair:
			r.APIKeyPair = &c
		case domain.CredentialClientCertificate:
			r.ClientCertificate = &c
		}
	}
	return r, nil
}

// HasVerifiedCertificate reports whether live orders may be placed.
func (s *Service) HasVerifiedCertificate(ctx context.Context, tenantID string) (bool, error) {
	err := s.RequireVerified(ctx, tenantID, domain.CredentialClientCertificate)
	if errors.Is(err, domain.ErrCredentialNotVerified) {
		return false, nil
	}
	return err == nil, err
}

// OpenSession opens the verified secrets a core dials with. The api-key-pair
// is mandatory; the certificate is included only when verified. Callers
// wipe the result once dialled.
func (s *Service) OpenSession(ctx context.Context, tenantID string) (domain.SessionCredentials, error) {
	var out domain.SessionCredentials

	kp, err := s.openVerified(ctx, tenantID, domain.CredentialAPIKeyPair)
	if err != nil {
		return out, fmt.Errorf("credentials.OpenSession: %w", err)
	}
	var pair domain.APIKeyPair
	err = json.Unmarshal(kp, &pair)
	domain.Wipe(kp)
	if err != nil {
		return out, fmt.Errorf("credentials.OpenSession: decode api-key-pair: %w", err)
	}
	out.APIKey, out.SecretKey = pair.APIKey, pair.SecretKey

	cert, err := s.openVerified(ctx, tenantID, domain.CredentialClientCertificate)
	switch {
	case errors.Is(err, domain.ErrCredentialNotVerified):
		return out, nil
	case err != nil:
		return out, fmt.Errorf("credentials.OpenSession: %w", err)
	}
	var cc domain.ClientCertificate
	err = json.Unmarshal(cert, &cc)
	domain.Wipe(cert)
	if err != nil {
		return out, fmt.Errorf("credentials.OpenSession: decode client-certificate: %w", err)
	}
	out.Certificate, out.CertPassword = cc.Certificate, cc.Password
	return out, nil
}

func (s *Service) openVerified(ctx context.Context, tenantID string, typ domain.CredentialType) ([]byte, error) {
	if err := s.RequireVerified(ctx, tenantID, typ); err != nil {
		return nil, err
	}
	cred, err := s.store.GetCredentialByType(ctx, tenantID, typ)
	if err != nil {
		return nil, err
	}
	return s.vault.Open(ctx, cred.SecretRef)
}

func validatePayload(typ domain.CredentialType, raw []byte) error {
	switch typ {
	case domain.CredentialAPIKeyPair:
		var kp domain.APIKeyPair
		if err := json.Unmarshal(raw, &kp); err != nil || kp.APIKey == "" || kp.SecretKey == "" {
			return fmt.Errorf("%w: api-key-pair requires api_key and secret_key", domain.ErrInvalidArgument)
		}
	case domain.CredentialClientCertificate:
		var cc domain.ClientCertificate
		if err := json.Unmarshal(raw, &cc); err != nil || len(cc.Certificate) == 0 {
			return fmt.Errorf("%w: client-certificate requires a base64 certificate", domain.ErrInvalidArgument)
		}
		domain.Wipe(cc.Certificate)
	}
	return nil
}
