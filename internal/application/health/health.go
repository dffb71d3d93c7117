// Package health builds the snapshot the external health check polls.
package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
	"github.com/alejandrodnm/execgate/internal/ports"
)

const (
	StatusHealthy      = "healthy"
	StatusUnhealthy    = "unhealthy"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
)

const pingTimeout = 2 * time.Second

// Pinger is anything that can answer a liveness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Snapshot is the health check payload.
type Snapshot struct {
	API           string `json:"api"`
	TradingWorker string `json:"trading_worker"`
	Queue         string `json:"queue"`
}

// OK reports whether every component is up and no worker is unhealthy.
func (s Snapshot) OK() bool {
	return s.API == StatusHealthy && s.Queue == StatusConnected && s.TradingWorker != string(domain.HealthUnhealthy)
}

// Checker computes snapshots.
type Checker struct {
	db      Pinger
	queue   ports.OrderQueue
	workers ports.WorkerStore
}

// New creates a checker.
func New(db Pinger, queue ports.OrderQueue, workers ports.WorkerStore) *Checker {
	return &Checker{db: db, queue: queue, workers: workers}
}

// Snapshot reports the health of one tenant's worker, or the worst health
// across running workers when tenantID is empty.
func (c *Checker) Snapshot(ctx context.Context, tenantID string) Snapshot {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	s := Snapshot{API: StatusHealthy, Queue: StatusConnected, TradingWorker: string(domain.HealthUnknown)}
	if err := c.db.Ping(ctx); err != nil {
		slog.Warn("health: database ping", "err", err)
		s.API = StatusUnhealthy
	}
	if err := c.queue.Ping(ctx); err != nil {
		slog.Warn("health: queue ping", "err", err)
		s.Queue = StatusDisconnected
	}

	if tenantID != "" {
		w, err := c.workers.GetWorker(ctx, tenantID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
		case err != nil:
			slog.Warn("health: worker lookup", "tenant", tenantID, "err", err)
		case w.Status == domain.WorkerRunning:
			s.TradingWorker = string(w.Health)
		case w.Status == domain.WorkerError:
			s.TradingWorker = string(domain.HealthUnhealthy)
		}
		return s
	}

	running, err := c.workers.ListWorkers(ctx, domain.WorkerRunning)
	if err != nil {
		slog.Warn("health: list workers", "err", err)
		return s
	}
	worst := -1
	for _, w := range running {
		if r := severity(w.Health); r > worst {
			worst = r
			s.TradingWorker = string(w.Health)
		}
	}
	return s
}

func severity(h domain.HealthStatus) int {
	switch h {
	case domain.HealthHealthy:
		return 0
	case domain.HealthUnknown:
		return 1
	case domain.HealthDegraded:
		return 2
	case domain.HealthUnhealthy:
		return 3
	}
	return 1
}
