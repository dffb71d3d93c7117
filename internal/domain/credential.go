package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CredentialType is the kind of secret a tenant uploads.
type CredentialType string

const (
	CredentialAPIKeyPair        CredentialType = "api-key-pair"
	CredentialClientCertificate CredentialType = "client-certificate"
)

// Valid reports whether t is a known credential type.
func (t CredentialType) Valid() bool {
	return t == CredentialAPIKeyPair || t == CredentialClientCertificate
}

// CredentialStatus tracks verification.
type CredentialStatus string

const (
	CredentialPending  CredentialStatus = "pending"
	CredentialVerified CredentialStatus = "verified"
	CredentialExpired  CredentialStatus = "expired"
	CredentialRevoked  CredentialStatus = "revoked"
)

// Credential is the metadata of a stored secret. The secret itself lives
// in the vault behind SecretRef.
type Credential struct {
	ID          string
	TenantID    string
	Type        CredentialType
	SecretRef   string
	Fingerprint string
	Status      CredentialStatus
	VerifiedAt  *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// APIKeyPair is the decoded api-key-pair secret.
type APIKeyPair struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
}

// ClientCertificate is the decoded client-certificate secret.
// Certificate holds the raw PKCS#12 bytes, base64 encoded in JSON.
type ClientCertificate struct {
	Certificate []byte `json:"certificate"`
	Password    string `json:"password"`
}

// Fingerprint returns the SHA-256 hex digest of raw.
func Fingerprint(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// Wipe zeroes b in place.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Readiness summarises which credentials a tenant has verified.
type Readiness struct {
	APIKeyPair        *Credential
	ClientCertificate *Credential
}

// ReadyForLive reports whether both credential types are verified.
func (r Readiness) ReadyForLive() bool {
	return verified(r.APIKeyPair) && verified(r.ClientCertificate)
}

func verified(c *Credential) bool {
	return c != nil && c.Status == CredentialVerified
}

// SessionCredentials are the opened secrets a core dials the venue with.
// Callers wipe them once the session is established.
type SessionCredentials struct {
	APIKey       string
	SecretKey    string
	Certificate  []byte
	CertPassword string
}
