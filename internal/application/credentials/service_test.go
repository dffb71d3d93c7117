package credentials_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alejandrodnm/execgate/internal/adapters/storage"
	"github.com/alejandrodnm/execgate/internal/adapters/vault"
	"github.com/alejandrodnm/execgate/internal/adapters/venue"
	"github.com/alejandrodnm/execgate/internal/application/credentials"
	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memAuditor struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAuditor) Record(_ context.Context, e domain.AuditEntry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func (m *memAuditor) actions() []domain.AuditAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.AuditAction, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Action)
	}
	return out
}

type fixture struct {
	svc     *credentials.Service
	db      *storage.SQLStorage
	paper   *venue.Paper
	auditor *memAuditor
	tenant  string
}

var admin = domain.Actor{Name: "ops@example.com", Type: domain.ActorAdmin, SourceIP: "10.0.0.1"}

func setup(t *testing.T) fixture {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	v, err := vault.New(db, []byte("thisis32byteslongsecretkey123456"))
	require.NoError(t, err)

	tenantID := uuid.New().String()
	now := time.Now().UTC()
	require.NoError(t, db.CreateTenant(context.Background(), domain.Tenant{
		ID: tenantID, Slug: "abc123-cred", Status: domain.TenantActive, Plan: domain.PlanFree, CreatedAt: now, UpdatedAt: now,
	}))

	paper := venue.NewPaper(venue.PaperConfig{})
	aud := &memAuditor{}
	return fixture{svc: credentials.New(db, v, paper, aud), db: db, paper: paper, auditor: aud, tenant: tenantID}
}

func keyPair(t *testing.T) []byte {
	raw, err := json.Marshal(domain.APIKeyPair{APIKey: "AK", SecretKey: "SK"})
	require.NoError(t, err)
	return raw
}

func TestSubmit_SealsAndRecordsPending(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	raw := keyPair(t)

	cred, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, raw)
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialPending, cred.Status)
	assert.Equal(t, domain.Fingerprint(raw), cred.Fingerprint)

	blob, err := f.db.GetSecret(ctx, cred.SecretRef)
	require.NoError(t, err)
	assert.NotContains(t, blob, "SK")
	assert.Equal(t, []domain.AuditAction{domain.AuditCredentialUploaded}, f.auditor.actions())
}

func TestSubmit_ReplaceKeepsIDAndDestroysOldSecret(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	first, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, keyPair(t))
	require.NoError(t, err)
	raw2, _ := json.Marshal(domain.APIKeyPair{APIKey: "AK2", SecretKey: "SK2"})
	second, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, raw2)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	_, err = f.db.GetSecret(ctx, first.SecretRef)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubmit_RejectsMalformedPayload(t *testing.T) {
	f := setup(t)
	_, err := f.svc.Submit(context.Background(), admin, f.tenant, domain.CredentialAPIKeyPair, []byte(`{"api_key":"only"}`))
	assert.Error(t, err)
	_, err = f.svc.Submit(context.Background(), admin, f.tenant, "ssh-key", keyPair(t))
	assert.Error(t, err)
}

func TestVerify_Outcomes(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cred, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, keyPair(t))
	require.NoError(t, err)

	// Rechazo: queda pending con last_error
	f.paper.FailProbe(errors.New("invalid api key"))
	got, err := f.svc.Verify(ctx, admin, cred.ID)
	var rejected *credentials.RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "invalid api key", rejected.Reason)
	assert.Equal(t, domain.CredentialPending, got.Status)

	// Expirado
	f.paper.FailProbe(domain.ErrCredentialExpired)
	got, err = f.svc.Verify(ctx, admin, cred.ID)
	assert.ErrorIs(t, err, domain.ErrCredentialExpired)
	assert.Equal(t, domain.CredentialExpired, got.Status)

	// Ok
	f.paper.FailProbe(nil)
	got, err = f.svc.Verify(ctx, admin, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialVerified, got.Status)
	require.NotNil(t, got.VerifiedAt)

	stored, err := f.db.GetCredential(ctx, cred.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.CredentialVerified, stored.Status)
	assert.Empty(t, stored.LastError)
}

func TestRequireVerified_Gates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	err := f.svc.RequireVerified(ctx, f.tenant, domain.CredentialAPIKeyPair)
	assert.ErrorIs(t, err, domain.ErrCredentialNotVerified)

	cred, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, keyPair(t))
	require.NoError(t, err)
	assert.ErrorIs(t, f.svc.RequireVerified(ctx, f.tenant, domain.CredentialAPIKeyPair), domain.ErrCredentialNotVerified)

	_, err = f.svc.Verify(ctx, admin, cred.ID)
	require.NoError(t, err)
	assert.NoError(t, f.svc.RequireVerified(ctx, f.tenant, domain.CredentialAPIKeyPair))
	assert.ErrorIs(t, f.svc.RequireVerified(ctx, f.tenant, domain.CredentialAPIKeyPair, domain.CredentialClientCertificate),
		domain.ErrCredentialNotVerified)
}

func TestRevoke_DestroysSecretAndBlocksVerify(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	cred, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, keyPair(t))
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, admin, cred.ID))
	_, err = f.db.GetSecret(ctx, cred.SecretRef)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.svc.Verify(ctx, admin, cred.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	assert.Contains(t, f.auditor.actions(), domain.AuditCredentialRevoked)
}

func TestReadinessAndOpenSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	kp, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialAPIKeyPair, keyPair(t))
	require.NoError(t, err)
	_, err = f.svc.Verify(ctx, admin, kp.ID)
	require.NoError(t, err)

	sess, err := f.svc.OpenSession(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, "AK", sess.APIKey)
	assert.Empty(t, sess.Certificate)

	certRaw, _ := json.Marshal(domain.ClientCertificate{Certificate: []byte{1, 2, 3}, Password: "pw"})
	cc, err := f.svc.Submit(ctx, admin, f.tenant, domain.CredentialClientCertificate, certRaw)
	require.NoError(t, err)

	r, err := f.svc.Readiness(ctx, f.tenant)
	require.NoError(t, err)
	assert.False(t, r.ReadyForLive())

	_, err = f.svc.Verify(ctx, admin, cc.ID)
	require.NoError(t, err)
	r, err = f.svc.Readiness(ctx, f.tenant)
	require.NoError(t, err)
	assert.True(t, r.ReadyForLive())

	sess, err = f.svc.OpenSession(ctx, f.tenant)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, sess.Certificate)
	assert.Equal(t, "pw", sess.CertPassword)

	ok, err := f.svc.HasVerifiedCertificate(ctx, f.tenant)
	require.NoError(t, err)
	assert.True(t, ok)
}
