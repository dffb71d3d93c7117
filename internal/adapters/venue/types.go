package venue

import (
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/shopspring/decimal"
)

const errCodeExpired = "credential_expired"

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type loginRequest struct {
	Simulation  bool   `json:"simulation"`
	Certificate []byte `json:"certificate,omitempty"`
	CertPass    string `json:"certificate_password,omitempty"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

type certificateCheckRequest struct {
	Certificate []byte `json:"certificate"`
	Password    string `json:"password"`
}

type contractDTO struct {
	Symbol   string `json:"symbol"`
	Code     string `json:"code"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

type positionDTO struct {
	Code      string          `json:"code"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"` // Buy | Sell
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
}

type orderRequest struct {
	ClientOrderID string `json:"client_order_id"`
	Code          string `json:"code"`
	Action        string `json:"action"` // Buy | Sell
	Quantity      int    `json:"quantity"`
	PriceType     string `json:"price_type"`
	OrderType     string `json:"order_type"`
	OCType        string `json:"octype"`
}

type orderResponse struct {
	OrderID string `json:"id"`
	SeqNo   string `json:"seqno"`
	OrdNo   string `json:"ordno"`
	Status  string `json:"status"`
}

type dealDTO struct {
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
	TS       int64           `json:"ts"`
}

type orderStatusResponse struct {
	OrderID        string          `json:"id"`
	SeqNo          string          `json:"seqno"`
	OrdNo          string          `json:"ordno"`
	Status         string          `json:"status"`
	OrderQuantity  int             `json:"order_quantity"`
	DealQuantity   int             `json:"deal_quantity"`
	CancelQuantity int             `json:"cancel_quantity"`
	FillAvgPrice   decimal.Decimal `json:"fill_avg_price"`
	Deals          []dealDTO       `json:"deals"`
	Message        string          `json:"msg"`
}

func (c contractDTO) toDomain() domain.Contract {
	return domain.Contract{Symbol: c.Symbol, Code: c.Code, Name: c.Name, Category: c.Category}
}

func (p positionDTO) toDomain() domain.Position {
	qty := p.Quantity
	if p.Direction == string(domain.SideSell) {
		qty = -qty
	}
	return domain.Position{Symbol: p.Symbol, Code: p.Code, Quantity: qty, AvgPrice: p.Price}
}

func (r orderStatusResponse) toDomain() domain.VenueOrderState {
	deals := make([]domain.Deal, 0, len(r.Deals))
	for _, d := range r.Deals {
		deals = append(deals, domain.Deal{Quantity: d.Quantity, Price: d.Price, At: time.Unix(d.TS, 0).UTC()})
	}
	return domain.VenueOrderState{
		Status:         r.Status,
		OrderID:        r.OrderID,
		SeqNo:          r.SeqNo,
		OrdNo:          r.OrdNo,
		OrderQuantity:  r.OrderQuantity,
		DealQuantity:   r.DealQuantity,
		CancelQuantity: r.CancelQuantity,
		FillAvgPrice:   r.FillAvgPrice,
		Deals:          deals,
		Message:        r.Message,
	}
}
