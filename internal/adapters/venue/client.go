package venue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.broker.example"

	// Límite por defecto de la API del broker: 25 req/s por cuenta.
	defaultRatePerSec = 25
	defaultBurst      = 5

	maxRetries    = 3
	baseRetryWait = 250 * time.Millisecond
)

// Client es el HTTP client del broker con rate limiting y retries.
// Un Client se comparte entre sesiones; cada Session lleva su propio token.
type Client struct {
	http    *http.Client
	base    string
	limiter *rate.Limiter
}

// NewClient crea un Client. baseURL vacío usa el endpoint de producción;
// ratePerSec <= 0 usa el límite por defecto.
func NewClient(baseURL string, ratePerSec float64, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if ratePerSec <= 0 {
		ratePerSec = defaultRatePerSec
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		http:    &http.Client{Timeout: timeout},
		base:    strings.TrimRight(baseURL, "/"),
		limiter: rate.NewLimiter(rate.Limit(ratePerSec), defaultBurst),
	}
}

// request describe una llamada a la API.
type request struct {
	method  string
	path    string
	body    any
	signer  *signer
	token   string
	retries int // 0 = sin reintentos
}

// do ejecuta la llamada con rate limiting, firma HMAC y backoff exponencial.
// La firma se regenera en cada intento para que el timestamp siga fresco.
func (c *Client) do(ctx context.Context, r request, out any) error {
	var payload []byte
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		payload = b
	}

	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, r.method, c.base+r.path, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("new request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if r.token != "" {
			req.Header.Set("Authorization", "Bearer "+r.token)
		}
		if r.signer != nil {
			for k, v := range r.signer.headers(r.method, r.path, payload, time.Now()) {
				req.Header.Set(k, v)
			}
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if attempt == r.retries {
				return fmt.Errorf("%w: %v", domain.ErrVenueUnavailable, err)
			}
			c.sleep(ctx, attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			resp.Body.Close()
			if attempt == r.retries {
				return fmt.Errorf("%w: status %d", domain.ErrVenueUnavailable, resp.StatusCode)
			}
			slog.Warn("venue: retrying", "path", r.path, "status", resp.StatusCode, "attempt", attempt+1)
			c.sleep(ctx, attempt)
			continue
		}

		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			return c.apiError(resp.StatusCode, body, r.signer)
		}
		if out == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}
	return fmt.Errorf("%w: exhausted %d retries", domain.ErrVenueUnavailable, r.retries)
}

// apiError traduce un 4xx al sentinel correspondiente. El texto del broker
// se conserva tal cual, salvo los secretos de la sesión.
func (c *Client) apiError(status int, body []byte, s *signer) error {
	var e errorResponse
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &e) == nil && e.Message != "" {
		msg = e.Message
	}
	if s != nil {
		msg = s.redact(msg)
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if e.Code == errCodeExpired {
			return &domain.VenueError{Status: status, Message: msg, Kind: domain.ErrCredentialExpired}
		}
		return &domain.VenueError{Status: status, Message: msg, Kind: domain.ErrAuthentication}
	case status == http.StatusNotFound:
		return &domain.VenueError{Status: status, Message: msg, Kind: domain.ErrNotFound}
	default:
		return &domain.VenueError{Status: status, Message: msg, Kind: domain.ErrVenueRejected}
	}
}

// sleep espera con backoff exponencial, respetando el contexto.
func (c *Client) sleep(ctx context.Context, attempt int) {
	wait := time.Duration(math.Pow(2, float64(attempt))) * baseRetryWait
	select {
	case <-time.After(wait):
	case <-ctx.Done():
	}
}
