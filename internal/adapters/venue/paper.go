package venue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
	"github.com/shopspring/decimal"
)

// DefaultContracts es el catálogo de simulación.
var DefaultContracts = []domain.Contract{
	{Symbol: "MXFR1", Code: "MXFA6", Name: "Mini TAIEX near month", Category: "MXF"},
	{Symbol: "MXFR2", Code: "MXFB6", Name: "Mini TAIEX next month", Category: "MXF"},
	{Symbol: "TXFR1", Code: "TXFA6", Name: "TAIEX near month", Category: "TXF"},
	{Symbol: "TXFR2", Code: "TXFB6", Name: "TAIEX next month", Category: "TXF"},
}

// PaperConfig ajusta el comportamiento del venue simulado.
type PaperConfig struct {
	Contracts []domain.Contract
	FillPrice decimal.Decimal
	// FillOnPlace llena la orden al aceptarla; si es false queda Submitted
	// hasta que se llame a SetOrderState.
	FillOnPlace bool
	// PlaceDelay simula latencia de envío (respeta ctx).
	PlaceDelay time.Duration
}

// Paper es un broker en memoria. Implementa ports.Venue, ports.VenueDialer y
// ports.CredentialProber con el mismo estado, así que las posiciones
// persisten entre sesiones.
type Paper struct {
	cfg PaperConfig

	mu        sync.Mutex
	positions map[string]int // por Code
	orders    map[string]domain.VenueOrderState
	clientIDs map[string]string // client order id -> venue id
	nextID    int
	rejectMsg string
	dialErr   error
	placeErr  error
	probeErr  error

	counters  PaperCounters
	inFlight  atomic.Int64
	maxFlight atomic.Int64
}

// PaperCounters cuenta llamadas por operación.
type PaperCounters struct {
	Dials       atomic.Int64
	Contracts   atomic.Int64
	Positions   atomic.Int64
	PlaceOrder  atomic.Int64
	OrderStatus atomic.Int64
	Ping        atomic.Int64
	Close       atomic.Int64
}

// NewPaper crea un venue simulado.
func NewPaper(cfg PaperConfig) *Paper {
	if len(cfg.Contracts) == 0 {
		cfg.Contracts = DefaultContracts
	}
	if cfg.FillPrice.IsZero() {
		cfg.FillPrice = decimal.NewFromInt(21000)
	}
	return &Paper{
		cfg:       cfg,
		positions: make(map[string]int),
		orders:    make(map[string]domain.VenueOrderState),
		clientIDs: make(map[string]string),
	}
}

// Counters expone los contadores de llamadas.
func (p *Paper) Counters() *PaperCounters { return &p.counters }

// MaxConcurrent devuelve el máximo de llamadas simultáneas observado.
func (p *Paper) MaxConcurrent() int64 { return p.maxFlight.Load() }

// SetPosition fija la posición con signo de un contrato (por symbol o code).
func (p *Paper) SetPosition(symbol string, qty int) {
	code := p.codeFor(symbol)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.positions[code] = qty
}

// RejectNext hace que la próxima orden sea rechazada con msg.
func (p *Paper) RejectNext(msg string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rejectMsg = msg
}

// FailDial hace que los próximos Dial fallen con err (nil los restablece).
func (p *Paper) FailDial(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dialErr = err
}

// FailPlace hace que PlaceOrder devuelva err, p.ej. un error de transporte.
func (p *Paper) FailPlace(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.placeErr = err
}

// FailProbe fija el resultado de Probe.
func (p *Paper) FailProbe(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probeErr = err
}

// SetOrderState sobreescribe la verdad del broker para ref (venue id o
// client order id).
func (p *Paper) SetOrderState(ref string, st domain.VenueOrderState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.resolve(ref)
	if st.OrderID == "" {
		st.OrderID = id
	}
	p.orders[id] = st
}

// ─── ports.VenueDialer / ports.CredentialProber ──────────────────────────────

// Dial devuelve una sesión sobre el estado compartido.
func (p *Paper) Dial(ctx context.Context, creds domain.SessionCredentials, simulation bool) (ports.Venue, error) {
	p.counters.Dials.Add(1)
	p.mu.Lock()
	err := p.dialErr
	p.mu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("paper.Dial: %w", err)
	}
	if creds.APIKey == "" {
		return nil, fmt.Errorf("paper.Dial: %w: missing api key", domain.ErrAuthentication)
	}
	return p, nil
}

// Probe acepta cualquier secreto salvo que se haya fijado FailProbe.
func (p *Paper) Probe(ctx context.Context, typ domain.CredentialType, secret []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.probeErr
}

// ─── ports.Venue ─────────────────────────────────────────────────────────────

func (p *Paper) enter() func() {
	n := p.inFlight.Add(1)
	for {
		cur := p.maxFlight.Load()
		if n <= cur || p.maxFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	return func() { p.inFlight.Add(-1) }
}

// Contracts devuelve el catálogo configurado.
func (p *Paper) Contracts(ctx context.Context) ([]domain.Contract, error) {
	p.counters.Contracts.Add(1)
	out := make([]domain.Contract, len(p.cfg.Contracts))
	copy(out, p.cfg.Contracts)
	return out, nil
}

// Positions devuelve las posiciones no nulas.
func (p *Paper) Positions(ctx context.Context) ([]domain.Position, error) {
	p.counters.Positions.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []domain.Position
	for _, c := range p.cfg.Contracts {
		if qty := p.positions[c.Code]; qty != 0 {
			out = append(out, domain.Position{Symbol: c.Symbol, Code: c.Code, Quantity: qty, AvgPrice: p.cfg.FillPrice})
		}
	}
	return out, nil
}

// PlaceOrder acepta la orden y, con FillOnPlace, la llena y mueve la posición.
func (p *Paper) PlaceOrder(ctx context.Context, req domain.PlaceOrderRequest) (domain.PlacedOrder, error) {
	p.counters.PlaceOrder.Add(1)
	defer p.enter()()

	if p.cfg.PlaceDelay > 0 {
		select {
		case <-time.After(p.cfg.PlaceDelay):
		case <-ctx.Done():
			return domain.PlacedOrder{}, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.placeErr != nil {
		return domain.PlacedOrder{}, fmt.Errorf("paper.PlaceOrder: %w", p.placeErr)
	}
	if msg := p.rejectMsg; msg != "" {
		p.rejectMsg = ""
		return domain.PlacedOrder{}, &domain.VenueError{Status: 400, Message: msg, Kind: domain.ErrVenueRejected}
	}

	p.nextID++
	id := "P" + strconv.Itoa(p.nextID)
	st := domain.VenueOrderState{
		Status:        domain.VenueSubmitted,
		OrderID:       id,
		SeqNo:         fmt.Sprintf("S%06d", p.nextID),
		OrdNo:         fmt.Sprintf("O%05d", p.nextID),
		OrderQuantity: req.Quantity,
	}
	if p.cfg.FillOnPlace {
		st.Status = domain.VenueFilled
		st.DealQuantity = req.Quantity
		st.FillAvgPrice = p.cfg.FillPrice
		st.Deals = []domain.Deal{{Quantity: req.Quantity, Price: p.cfg.FillPrice, At: time.Now().UTC()}}
		delta := req.Quantity
		if req.Side == domain.SideSell {
			delta = -delta
		}
		p.positions[req.Code] += delta
	}
	p.orders[id] = st
	if req.ClientOrderID != "" {
		p.clientIDs[req.ClientOrderID] = id
	}
	return domain.PlacedOrder{OrderID: id, SeqNo: st.SeqNo, OrdNo: st.OrdNo, Status: domain.VenueSubmitted}, nil
}

// CancelOrder marca la orden como cancelada si no está llena.
func (p *Paper) CancelOrder(ctx context.Context, ref string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.resolve(ref)
	st, ok := p.orders[id]
	if !ok {
		return &domain.VenueError{Status: 404, Message: "order not found", Kind: domain.ErrNotFound}
	}
	if st.Status != domain.VenueFilled {
		st.Status = domain.VenueCancelled
		st.CancelQuantity = st.OrderQuantity - st.DealQuantity
		p.orders[id] = st
	}
	return nil
}

// OrderStatus devuelve la verdad del broker para ref.
func (p *Paper) OrderStatus(ctx context.Context, ref string) (domain.VenueOrderState, error) {
	p.counters.OrderStatus.Add(1)
	defer p.enter()()
	p.mu.Lock()
	defer p.mu.Unlock()
	st, ok := p.orders[p.resolve(ref)]
	if !ok {
		return domain.VenueOrderState{}, &domain.VenueError{Status: 404, Message: "order not found", Kind: domain.ErrNotFound}
	}
	return st, nil
}

// Ping siempre responde.
func (p *Paper) Ping(ctx context.Context) error {
	p.counters.Ping.Add(1)
	return ctx.Err()
}

// Close no libera nada; el estado sobrevive a la sesión.
func (p *Paper) Close(ctx context.Context) error {
	p.counters.Close.Add(1)
	return nil
}

func (p *Paper) resolve(ref string) string {
	if id, ok := p.clientIDs[ref]; ok {
		return id
	}
	return ref
}

func (p *Paper) codeFor(symbol string) string {
	for _, c := range p.cfg.Contracts {
		if c.Symbol == symbol || c.Code == symbol {
			return c.Code
		}
	}
	return symbol
}
