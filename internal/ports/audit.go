package ports

import (
	"context"

	"github.com/alejandrodnm/execgate/internal/domain"
)

// AuditStore is the append-only audit log.
type AuditStore interface {
	// AppendAudit stores the entry, chaining its hash to the previous one.
	AppendAudit(ctx context.Context, e domain.AuditEntry) (domain.AuditEntry, error)

	// ListAudit returns entries newest first.
	ListAudit(ctx context.Context, q domain.AuditQuery) ([]domain.AuditEntry, error)

	// VerifyAuditChain recomputes the hash chain and returns the id of the
	// first tampered entry, or 0 when the chain is intact.
	VerifyAuditChain(ctx context.Context) (int64, error)
}

// Auditor records lifecycle and security actions without blocking the caller.
type Auditor interface {
	Record(ctx context.Context, e domain.AuditEntry)
}
