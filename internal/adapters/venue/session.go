package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

// Dialer abre sesiones autenticadas contra el broker. Implementa
// ports.VenueDialer y ports.CredentialProber.
type Dialer struct {
	client *Client
}

// NewDialer crea un Dialer sobre el client dado.
func NewDialer(client *Client) *Dialer {
	return &Dialer{client: client}
}

// Dial hace login con las credenciales del tenant. El certificado, si viene,
// habilita órdenes reales; en simulación no es necesario.
func (d *Dialer) Dial(ctx context.Context, creds domain.SessionCredentials, simulation bool) (ports.Venue, error) {
	if creds.APIKey == "" || creds.SecretKey == "" {
		return nil, fmt.Errorf("venue.Dial: %w: missing api key pair", domain.ErrAuthentication)
	}
	s := newSigner(creds.APIKey, creds.SecretKey)

	var resp loginResponse
	err := d.client.do(ctx, request{
		method:  http.MethodPost,
		path:    "/v1/sessions",
		body:    loginRequest{Simulation: simulation, Certificate: creds.Certificate, CertPass: creds.CertPassword},
		signer:  s,
		retries: 1,
	}, &resp)
	if err != nil {
		s.wipe()
		return nil, fmt.Errorf("venue.Dial: login: %w", err)
	}
	return &Session{client: d.client, signer: s, token: resp.Token, simulation: simulation}, nil
}

// Probe verifica un secreto sin colocar órdenes: login + logout para el
// par de claves, chequeo de firma para el certificado.
func (d *Dialer) Probe(ctx context.Context, typ domain.CredentialType, secret []byte) error {
	switch typ {
	case domain.CredentialAPIKeyPair:
		var kp domain.APIKeyPair
		if err := json.Unmarshal(secret, &kp); err != nil {
			return fmt.Errorf("venue.Probe: %w: malformed api-key-pair", domain.ErrVenueRejected)
		}
		sess, err := d.Dial(ctx, domain.SessionCredentials{APIKey: kp.APIKey, SecretKey: kp.SecretKey}, true)
		if err != nil {
			return fmt.Errorf("venue.Probe: %w", err)
		}
		return sess.Close(ctx)

	case domain.CredentialClientCertificate:
		var cert domain.ClientCertificate
		if err := json.Unmarshal(secret, &cert); err != nil {
			return fmt.Errorf("venue.Probe: %w: malformed client-certificate", domain.ErrVenueRejected)
		}
		defer domain.Wipe(cert.Certificate)
		err := d.client.do(ctx, request{
			method:  http.MethodPost,
			path:    "/v1/certificates/check",
			body:    certificateCheckRequest{Certificate: cert.Certificate, Password: cert.Password},
			retries: 1,
		}, nil)
		if err != nil {
			return fmt.Errorf("venue.Probe: %w", err)
		}
		return nil
	}
	return fmt.Errorf("venue.Probe: %w: unknown credential type %q", domain.ErrVenueRejected, typ)
}

// Session es una conexión autenticada con el broker. Implementa ports.Venue.
type Session struct {
	client     *Client
	signer     *signer
	token      string
	simulation bool
}

func (s *Session) call(ctx context.Context, method, path string, body, out any, retries int) error {
	return s.client.do(ctx, request{
		method:  method,
		path:    path,
		body:    body,
		signer:  s.signer,
		token:   s.token,
		retries: retries,
	}, out)
}

// Contracts devuelve el catálogo de futuros MXF/TXF.
func (s *Session) Contracts(ctx context.Context) ([]domain.Contract, error) {
	q := url.Values{}
	for _, f := range domain.SupportedFamilies {
		q.Add("category", f)
	}
	var resp []contractDTO
	if err := s.call(ctx, http.MethodGet, "/v1/contracts?"+q.Encode(), nil, &resp, maxRetries); err != nil {
		return nil, fmt.Errorf("venue.Contracts: %w", err)
	}
	out := make([]domain.Contract, 0, len(resp))
	for _, c := range resp {
		out = append(out, c.toDomain())
	}
	return out, nil
}

// Positions devuelve las posiciones abiertas con cantidad con signo.
func (s *Session) Positions(ctx context.Context) ([]domain.Position, error) {
	var resp []positionDTO
	if err := s.call(ctx, http.MethodGet, "/v1/positions", nil, &resp, maxRetries); err != nil {
		return nil, fmt.Errorf("venue.Positions: %w", err)
	}
	out := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, p.toDomain())
	}
	return out, nil
}

// PlaceOrder envía una orden a mercado IOC. No se reintenta: una respuesta
// perdida se resuelve luego consultando por client_order_id.
func (s *Session) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	body := orderRequest{
		ClientOrderID: req.ClientOrderID,
		Code:          req.Code,
		Action:        string(req.Side),
		Quantity:      req.Quantity,
		PriceType:     "MKP",
		OrderType:     "IOC",
		OCType:        "Auto",
	}
	var resp orderResponse
	if err := s.call(ctx, http.MethodPost, "/v1/orders", body, &resp, 0); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("venue.PlaceOrder: %w", err)
	}
	return domain.PlacedOrder{OrderID: resp.OrderID, SeqNo: resp.SeqNo, OrdNo: resp.OrdNo, Status: resp.Status}, nil
}

// CancelOrder cancela por id del broker o client order id.
func (s *Session) CancelOrder(ctx context.Context, ref string) error {
	if err := s.call(ctx, http.MethodDelete, "/v1/orders/"+url.PathEscape(ref), nil, nil, maxRetries); err != nil {
		return fmt.Errorf("venue.CancelOrder: %w", err)
	}
	return nil
}

// OrderStatus consulta el estado actual de la orden en el broker.
func (s *Session) OrderStatus(ctx context.Context, ref string) (domain.VenueOrderState, error) {
	var resp orderStatusResponse
	if err := s.call(ctx, http.MethodGet, "/v1/orders/"+url.PathEscape(ref), nil, &resp, maxRetries); err != nil {
		return domain.VenueOrderState{}, fmt.Errorf("venue.OrderStatus: %w", err)
	}
	return resp.toDomain(), nil
}

// Ping es un round trip barato usado por el health check.
func (s *Session) Ping(ctx context.Context) error {
	if err := s.call(ctx, http.MethodGet, "/v1/ping", nil, nil, 0); err != nil {
		return fmt.Errorf("venue.Ping: %w", err)
	}
	return nil
}

// Close hace logout y borra los secretos de memoria.
func (s *Session) Close(ctx context.Context) error {
	defer s.signer.wipe()
	if err := s.call(ctx, http.MethodDelete, "/v1/sessions", nil, nil, 0); err != nil {
		return fmt.Errorf("venue.Close: %w", err)
	}
	return nil
}
