package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/alejandrodnm/execgate/internal/application/credentials"
	"github.com/alejandrodnm/execgate/internal/domain"
)

const maxBody = 1 << 20

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("httpapi: encode response", "err", err)
	}
}

func readJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		slog.Error("httpapi: request failed", "err", err)
	}
	writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusFor(err error) int {
	var rejected *credentials.RejectedError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidArgument), errors.Is(err, domain.ErrInvalidIntent),
		errors.Is(err, domain.ErrInvalidSlug):
		return http.StatusBadRequest
	case errors.As(err, &rejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrSlugTaken), errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrLeaseHeld):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTenantInactive), errors.Is(err, domain.ErrCredentialNotVerified),
		errors.Is(err, domain.ErrCredentialExpired):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrWorkerNotRunning), errors.Is(err, domain.ErrResourceExhausted),
		errors.Is(err, domain.ErrSessionBusy), errors.Is(err, domain.ErrWorkerFailed):
		return http.StatusServiceUnavailable
	case errors.Is(err, domain.ErrVenueUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func logRequest(r *http.Request, status int, elapsed time.Duration) {
	level := slog.LevelDebug
	if status >= http.StatusInternalServerError {
		level = slog.LevelWarn
	}
	slog.Log(r.Context(), level, "httpapi: request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", status,
		"elapsed", elapsed,
		"request_id", middleware.GetReqID(r.Context()),
	)
}
