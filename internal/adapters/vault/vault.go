// Package vault seals tenant secrets with AES-256-GCM. Each secret gets its
// own key, derived from the master key with HKDF-SHA256 over a random salt.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize     = 32
	saltSize    = 16
	blobVersion = "v1"
	refPrefix   = "vault:"
	hkdfInfo    = "execgate/credential-secret/v1"
)

// ErrDecrypt is returned when a blob fails authentication.
var ErrDecrypt = errors.New("vault: decryption failed (wrong key or tampered data)")

// AESVault implements ports.Vault on top of a blob store.
type AESVault struct {
	store  ports.SecretBlobStore
	master []byte
}

// New returns a vault. master must be at least 32 bytes.
func New(store ports.SecretBlobStore, master []byte) (*AESVault, error) {
	if len(master) < keySize {
		return nil, fmt.Errorf("vault.New: master key must be at least %d bytes, got %d", keySize, len(master))
	}
	k := make([]byte, len(master))
	copy(k, master)
	return &AESVault{store: store, master: k}, nil
}

// ParseMasterKey decodes a hex master key.
func ParseMasterKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("vault.ParseMasterKey: %w", err)
	}
	if len(b) < keySize {
		return nil, fmt.Errorf("vault.ParseMasterKey: need %d bytes, got %d", keySize, len(b))
	}
	return b, nil
}

// Seal encrypts plaintext and stores it. The ref is bound as additional
// data, so a blob copied under another ref does not open.
func (v *AESVault) Seal(ctx context.Context, plaintext []byte) (string, error) {
	ref := refPrefix + uuid.New().String()

	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("vault.Seal: salt: %w", err)
	}
	gcm, err := v.aead(salt)
	if err != nil {
		return "", fmt.Errorf("vault.Seal: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault.Seal: nonce: %w", err)
	}

	buf := make([]byte, 0, saltSize+len(nonce)+len(plaintext)+gcm.Overhead())
	buf = append(buf, salt...)
	buf = append(buf, nonce...)
	buf = gcm.Seal(buf, nonce, plaintext, []byte(ref))

	blob := blobVersion + ":" + base64.StdEncoding.EncodeToString(buf)
	if err := v.store.PutSecret(ctx, ref, blob); err != nil {
		return "", fmt.Errorf("vault.Seal: store: %w", err)
	}
	return ref, nil
}

// Open returns the plaintext for ref. Callers wipe it after use.
func (v *AESVault) Open(ctx context.Context, ref string) ([]byte, error) {
	blob, err := v.store.GetSecret(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("vault.Open: %w", err)
	}
	version, encoded, ok := strings.Cut(blob, ":")
	if !ok || version != blobVersion {
		return nil, fmt.Errorf("vault.Open: unsupported blob format")
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("vault.Open: decode: %w", err)
	}
	if len(raw) < saltSize {
		return nil, ErrDecrypt
	}

	gcm, err := v.aead(raw[:saltSize])
	if err != nil {
		return nil, fmt.Errorf("vault.Open: %w", err)
	}
	rest := raw[saltSize:]
	if len(rest) < gcm.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ct := rest[:gcm.NonceSize()], rest[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, []byte(ref))
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// Destroy deletes the sealed blob.
func (v *AESVault) Destroy(ctx context.Context, ref string) error {
	if err := v.store.DeleteSecret(ctx, ref); err != nil {
		return fmt.Errorf("vault.Destroy: %w", err)
	}
	return nil
}

func (v *AESVault) aead(salt []byte) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	defer func() {
		for i := range key {
			key[i] = 0
		}
	}()
	if _, err := io.ReadFull(hkdf.New(sha256.New, v.master, salt, []byte(hkdfInfo)), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
