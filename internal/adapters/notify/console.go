package notify

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/alejandrodnm/execgate/internal/application/health"
	"github.com/alejandrodnm/execgate/internal/domain"
)

// Console imprime informes de operador en tablas.
type Console struct {
	out io.Writer
	now func() time.Time
}

// NewConsole crea un informe que escribe a stdout.
func NewConsole() *Console {
	return &Console{out: os.Stdout, now: time.Now}
}

// NewConsoleWriter crea un informe para tests.
func NewConsoleWriter(w io.Writer, now func() time.Time) *Console {
	if now == nil {
		now = time.Now
	}
	return &Console{out: w, now: now}
}

// Health imprime el snapshot agregado en una línea.
func (c *Console) Health(s health.Snapshot) {
	verdict := "OK"
	if !s.OK() {
		verdict = "DEGRADED"
	}
	fmt.Fprintf(c.out, "[%s] api:%s worker:%s queue:%s → %s\n",
		c.now().Format("15:04:05"), s.API, s.TradingWorker, s.Queue, verdict)
}

// Workers imprime una fila por instancia, ordenadas por estado y tenant.
func (c *Console) Workers(list []domain.WorkerInstance) {
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no workers")
		return
	}
	sorted := append([]domain.WorkerInstance(nil), list...)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Status != sorted[j].Status {
			return sorted[i].Status < sorted[j].Status
		}
		return sorted[i].TenantID < sorted[j].TenantID
	})

	counts := map[domain.WorkerStatus]int{}
	table := tablewriter.NewWriter(c.out)
	table.Header("Tenant", "Status", "Slot", "Health", "Misses", "Conn", "Orders", "Idle", "Last error")
	for _, w := range sorted {
		counts[w.Status]++
		slot := "-"
		if w.Slot != nil {
			slot = fmt.Sprintf("%d", *w.Slot)
		}
		table.Append(
			shortID(w.TenantID),
			string(w.Status),
			slot,
			string(w.Health),
			fmt.Sprintf("%d", w.HealthMisses),
			string(w.Usage.ConnState),
			fmt.Sprintf("%d", w.Usage.OrdersProcessed),
			c.since(w.LastActivity),
			truncate(w.LastError, 40),
		)
	}
	table.Render()

	fmt.Fprintf(c.out, "  %d workers | running:%d hibernating:%d error:%d\n",
		len(list), counts[domain.WorkerRunning], counts[domain.WorkerHibernating], counts[domain.WorkerError])
}

// Orders imprime el historial tal como llega (más reciente primero).
func (c *Console) Orders(list []domain.Order) {
	if len(list) == 0 {
		fmt.Fprintln(c.out, "no orders")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("Created", "Tenant", "Symbol", "Action", "Qty", "Status", "Filled", "Price", "Mode", "Error")
	filled, failed := 0, 0
	for _, o := range list {
		switch o.Status {
		case domain.OrderFilled, domain.OrderPartialFilled:
			filled++
		case domain.OrderFailed:
			failed++
		}
		price := "-"
		if o.FillQuantity > 0 {
			price = o.FillPrice.StringFixed(2)
		}
		mode := "live"
		if o.Simulation {
			mode = "sim"
		}
		table.Append(
			o.CreatedAt.UTC().Format("01-02 15:04:05"),
			shortID(o.TenantID),
			o.Symbol,
			string(o.Action),
			fmt.Sprintf("%d", o.Quantity),
			string(o.Status),
			fmt.Sprintf("%d", o.FillQuantity),
			price,
			mode,
			truncate(o.ErrorMessage, 40),
		)
	}
	table.Render()
	fmt.Fprintf(c.out, "  %d orders | filled:%d failed:%d\n", len(list), filled, failed)
}

// Audit imprime entradas del log de auditoría con sus detalles aplanados.
func (c *Console) Audit(entries []domain.AuditEntry) {
	if len(entries) == 0 {
		fmt.Fprintln(c.out, "no audit entries")
		return
	}
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "At", "Tenant", "Action", "Actor", "Details")
	for _, e := range entries {
		table.Append(
			fmt.Sprintf("%d", e.ID),
			e.CreatedAt.UTC().Format("01-02 15:04:05"),
			shortID(e.TenantID),
			string(e.Action),
			fmt.Sprintf("%s/%s", e.ActorType, e.Actor),
			truncate(flatten(e.Details), 60),
		)
	}
	table.Render()
}

func (c *Console) since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return c.now().Sub(t).Truncate(time.Second).String()
}

// flatten renderiza el mapa de detalles en orden de clave estable.
func flatten(m map[string]any) string {
	if len(m) == 0 {
		return ""
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func shortID(id string) string {
	if id == "" {
		return "-"
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
