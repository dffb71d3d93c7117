package domain

import "errors"

var (
	ErrNotFound              = errors.New("not found")
	ErrInvalidIntent         = errors.New("invalid order intent")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrInvalidSlug           = errors.New("invalid tenant slug")
	ErrSlugTaken             = errors.New("tenant slug already taken")
	ErrTenantInactive        = errors.New("tenant is not active")
	ErrCredentialNotVerified = errors.New("credential not verified")
	ErrCredentialExpired     = errors.New("credential expired")
	ErrResourceExhausted     = errors.New("resource_exhausted")
	ErrWorkerFailed          = errors.New("worker in error state, operator intervention required")
	ErrWorkerNotRunning      = errors.New("no running worker for tenant")
	ErrInvalidTransition     = errors.New("invalid state transition")
	ErrLeaseLost             = errors.New("worker lease lost")
	ErrLeaseHeld             = errors.New("worker lease held by another owner")
	ErrEscalated             = errors.New("worker escalated after repeated connect failures")
	ErrSessionBusy           = errors.New("brokerage session claim timed out")
	ErrSchemaTooOld          = errors.New("schema version below required minimum")
	ErrAuthentication        = errors.New("venue authentication failed")
	ErrVenueRejected         = errors.New("venue rejected request")
	ErrVenueUnavailable      = errors.New("venue unavailable")
)

// VenueError is a request the venue refused. Message is the venue's text
// with session secrets redacted; Kind is one of the sentinels above.
type VenueError struct {
	Status  int
	Message string
	Kind    error
}

func (e *VenueError) Error() string { return e.Message }

// Is matches e against its Kind sentinel.
func (e *VenueError) Is(target error) bool { return target == e.Kind }

// VenueMessage returns the venue's text when err carries a VenueError.
func VenueMessage(err error) (string, bool) {
	var ve *VenueError
	if errors.As(err, &ve) {
		return ve.Message, true
	}
	return "", false
}
