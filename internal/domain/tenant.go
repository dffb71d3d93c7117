package domain

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"
)

// TenantStatus is the administrative lifecycle of a tenant.
type TenantStatus string

const (
	TenantPending   TenantStatus = "pending"
	TenantActive    TenantStatus = "active"
	TenantSuspended TenantStatus = "suspended"
	TenantDeleted   TenantStatus = "deleted"
)

// Valid reports whether s is a known status.
func (s TenantStatus) Valid() bool {
	switch s {
	case TenantPending, TenantActive, TenantSuspended, TenantDeleted:
		return true
	}
	return false
}

// AcceptsWork reports whether a worker may run for a tenant in status s.
func (s TenantStatus) AcceptsWork() bool {
	return s == TenantPending || s == TenantActive
}

// PlanTier is the billing plan; it decides hibernation eligibility.
type PlanTier string

const (
	PlanFree     PlanTier = "free"
	PlanPro      PlanTier = "pro"
	PlanBusiness PlanTier = "business"
)

// Critical tiers keep their worker running while idle.
func (p PlanTier) Critical() bool {
	return p == PlanBusiness
}

// Tenant is one isolated trading account.
type Tenant struct {
	ID        string
	Slug      string
	OwnerRef  string
	Name      string
	Status    TenantStatus
	Plan      PlanTier
	Metadata  map[string]any
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// TenantStatusEvent is a lifecycle change coming from admin or billing.
type TenantStatusEvent struct {
	TenantID  string
	NewStatus TenantStatus
	Actor     string
	SourceIP  string
}

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,61}[a-z0-9]$`)

const (
	slugAlphabet  = "abcdefghjkmnpqrstuvwxyz23456789"
	slugPrefixLen = 6
	slugBaseMax   = 56
)

// ValidateSlug checks the DNS-label-like slug format.
func ValidateSlug(slug string) error {
	if !slugPattern.MatchString(slug) {
		return fmt.Errorf("%w: %q", ErrInvalidSlug, slug)
	}
	return nil
}

// GenerateSlug builds "<prefix>-<base>" where prefix is random over an
// alphabet without look-alike characters. base is normalised from name.
func GenerateSlug(name string) (string, error) {
	base := normaliseSlugBase(name)
	if len(base) > slugBaseMax {
		base = strings.Trim(base[:slugBaseMax], "-")
	}
	if base == "" {
		base = "tenant"
	}

	var sb strings.Builder
	alphabetLen := big.NewInt(int64(len(slugAlphabet)))
	for i := 0; i < slugPrefixLen; i++ {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("domain.GenerateSlug: %w", err)
		}
		sb.WriteByte(slugAlphabet[n.Int64()])
	}
	slug := sb.String() + "-" + base
	if err := ValidateSlug(slug); err != nil {
		return "", err
	}
	return slug, nil
}

func normaliseSlugBase(name string) string {
	var sb strings.Builder
	lastDash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			sb.WriteRune(r)
			lastDash = false
		case !lastDash && sb.Len() > 0:
			sb.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(sb.String(), "-")
}
