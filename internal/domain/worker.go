package domain

import "time"

// WorkerStatus is the orchestrator-owned lifecycle of a worker instance.
type WorkerStatus string

const (
	WorkerPending     WorkerStatus = "pending"
	WorkerStarting    WorkerStatus = "starting"
	WorkerRunning     WorkerStatus = "running"
	WorkerHibernating WorkerStatus = "hibernating"
	WorkerStopping    WorkerStatus = "stopping"
	WorkerStopped     WorkerStatus = "stopped"
	WorkerError       WorkerStatus = "error"
)

// OccupiedStatuses are the statuses that count against the one-per-tenant rule.
var OccupiedStatuses = []WorkerStatus{WorkerStarting, WorkerRunning, WorkerHibernating}

// Occupied reports whether s is starting, running or hibernating.
func (s WorkerStatus) Occupied() bool {
	for _, o := range OccupiedStatuses {
		if s == o {
			return true
		}
	}
	return false
}

// HealthStatus is the last health verdict for an instance.
type HealthStatus string

const (
	HealthUnknown   HealthStatus = "unknown"
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthDegraded  HealthStatus = "degraded"
)

// ConnState is the Worker Core's brokerage connection state.
type ConnState string

const (
	ConnDisconnected ConnState = "disconnected"
	ConnConnecting   ConnState = "connecting"
	ConnConnected    ConnState = "connected"
	ConnExecuting    ConnState = "executing"
	ConnReconnecting ConnState = "reconnecting"
	ConnError        ConnState = "error"
)

// Serving reports whether the core can accept orders in state c.
func (c ConnState) Serving() bool {
	return c == ConnConnected || c == ConnExecuting
}

// WorkerReport is the self-reported status of a running core.
type WorkerReport struct {
	TenantID        string        `json:"tenant_id"`
	ConnState       ConnState     `json:"conn_state"`
	LastRoundTrip   time.Duration `json:"last_round_trip_ns"`
	LastRoundTripAt time.Time     `json:"last_round_trip_at"`
	OrdersProcessed int64         `json:"orders_processed"`
	ConnectFailures int           `json:"connect_failures"`
	LastError       string        `json:"last_error,omitempty"`
}

// WorkerInstance is the durable row for a tenant's worker.
type WorkerInstance struct {
	TenantID        string
	Handle          string
	Status          WorkerStatus
	Slot            *int
	Health          HealthStatus
	HealthMisses    int
	LastHealthCheck *time.Time
	Usage           WorkerReport
	LeaseID         string
	LeaseExpires    time.Time
	LastActivity    time.Time
	LastError       string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Lease is the ownership token a core needs to submit orders.
type Lease struct {
	TenantID  string
	ID        string
	ExpiresAt time.Time
}

// Valid reports whether the lease is still within its TTL at now.
func (l Lease) Valid(now time.Time) bool {
	return l.ID != "" && now.Before(l.ExpiresAt)
}

// UnitSpec describes a compute unit to start for a tenant.
type UnitSpec struct {
	TenantID string
	Slot     int
	Lease    Lease
}

// UnitStatus is what the compute runtime knows about a unit.
type UnitStatus struct {
	Handle   string
	TenantID string
	Alive    bool
	ExitErr  string
	Report   WorkerReport
}
