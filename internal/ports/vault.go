package ports

import "context"

// Vault seals secrets at rest. Callers wipe opened plaintext after use.
type Vault interface {
	Seal(ctx context.Context, plaintext []byte) (ref string, err error)
	Open(ctx context.Context, ref string) ([]byte, error)
	Destroy(ctx context.Context, ref string) error
}
