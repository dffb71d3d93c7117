package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config es la configuración completa del orquestador.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Storage      StorageConfig      `yaml:"storage"`
	Queue        QueueConfig        `yaml:"queue"`
	Worker       WorkerConfig       `yaml:"worker"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Venue        VenueConfig        `yaml:"venue"`
	Vault        VaultConfig        `yaml:"vault"`
	Audit        AuditConfig        `yaml:"audit"`
	HTTP         HTTPConfig         `yaml:"http"`
}

// LogConfig controla el formato y nivel de logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// StorageConfig controla dónde se persisten los datos.
type StorageConfig struct {
	Driver           string `yaml:"driver"` // sqlite | postgres
	DSN              string `yaml:"dsn"`    // ruta SQLite, ":memory:" o URL postgres
	AutoMigrate      *bool  `yaml:"auto_migrate"`
	MinSchemaVersion int    `yaml:"min_schema_version"`
}

// QueueConfig controla la cola de intents.
type QueueConfig struct {
	RetentionSeconds int `yaml:"retention_seconds"` // sin worker, los intents caducan tras este tiempo
	PollIntervalMS   int `yaml:"poll_interval_ms"`  // polling entre procesos que comparten la base
}

// WorkerConfig controla cada Worker Core.
type WorkerConfig struct {
	SubmitTimeoutSeconds     int   `yaml:"submit_timeout_seconds"`
	RequestTimeoutSeconds    int   `yaml:"request_timeout_seconds"`
	ReconcileIntervalSeconds int   `yaml:"reconcile_interval_seconds"`
	PingIntervalSeconds      int   `yaml:"ping_interval_seconds"`
	BackoffMinMS             int   `yaml:"backoff_min_ms"`
	BackoffMaxSeconds        int   `yaml:"backoff_max_seconds"`
	MaxConnectFailures       int   `yaml:"max_connect_failures"`
	LeaseTTLSeconds          int   `yaml:"lease_ttl_seconds"`
	LiveRequiresCertificate  *bool `yaml:"live_requires_certificate"`
}

// OrchestratorConfig controla el pool de slots y el control loop.
type OrchestratorConfig struct {
	PoolSize                int      `yaml:"pool_size"`
	HealthIntervalSeconds   int      `yaml:"health_interval_seconds"`
	UnhealthyAfter          int      `yaml:"unhealthy_after"`
	ErrorAfter              int      `yaml:"error_after"` // 0 = unhealthy_after × 2
	HealthStaleAfterSeconds int      `yaml:"health_stale_after_seconds"`
	IdleTimeoutSeconds      int      `yaml:"idle_timeout_seconds"`
	StopTimeoutSeconds      int      `yaml:"stop_timeout_seconds"`
	RequiredCredentials     []string `yaml:"required_credentials"`
}

// VenueConfig apunta al broker.
type VenueConfig struct {
	BaseURL    string  `yaml:"base_url"`
	RatePerSec float64 `yaml:"rate_per_sec"`
	// Simulation usa el broker en memoria en lugar del remoto.
	Simulation bool `yaml:"simulation"`
}

// VaultConfig contiene la clave maestra (hex, 32 bytes). Preferir la
// variable EXECGATE_VAULT_KEY antes que el YAML.
type VaultConfig struct {
	MasterKey string `yaml:"master_key"`
}

// AuditConfig controla el writer en background del log de auditoría.
type AuditConfig struct {
	Buffer      int `yaml:"buffer"`
	MaxAttempts int `yaml:"max_attempts"`
	RetryWaitMS int `yaml:"retry_wait_ms"`
}

// HTTPConfig controla la superficie de control.
type HTTPConfig struct {
	Addr       string `yaml:"addr"`
	AdminToken string `yaml:"admin_token"`
}

// Load carga la configuración desde el archivo YAML y el archivo .env si existe.
// Las variables de entorno sobreescriben los valores del YAML.
func Load(path string) (*Config, error) {
	// Cargar .env si existe (silencia error si no hay archivo)
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// ─── Duraciones ──────────────────────────────────────────────────────────────

func (c *Config) QueueRetention() time.Duration    { return secs(c.Queue.RetentionSeconds) }
func (c *Config) QueuePollInterval() time.Duration { return ms(c.Queue.PollIntervalMS) }
func (c *Config) SubmitTimeout() time.Duration     { return secs(c.Worker.SubmitTimeoutSeconds) }
func (c *Config) RequestTimeout() time.Duration    { return secs(c.Worker.RequestTimeoutSeconds) }
func (c *Config) ReconcileInterval() time.Duration { return secs(c.Worker.ReconcileIntervalSeconds) }
func (c *Config) PingInterval() time.Duration      { return secs(c.Worker.PingIntervalSeconds) }
func (c *Config) BackoffMin() time.Duration        { return ms(c.Worker.BackoffMinMS) }
func (c *Config) BackoffMax() time.Duration        { return secs(c.Worker.BackoffMaxSeconds) }
func (c *Config) LeaseTTL() time.Duration          { return secs(c.Worker.LeaseTTLSeconds) }
func (c *Config) HealthInterval() time.Duration    { return secs(c.Orchestrator.HealthIntervalSeconds) }
func (c *Config) HealthStaleAfter() time.Duration  { return secs(c.Orchestrator.HealthStaleAfterSeconds) }
func (c *Config) IdleTimeout() time.Duration       { return secs(c.Orchestrator.IdleTimeoutSeconds) }
func (c *Config) StopTimeout() time.Duration       { return secs(c.Orchestrator.StopTimeoutSeconds) }
func (c *Config) AuditRetryWait() time.Duration    { return ms(c.Audit.RetryWaitMS) }

// LiveRequiresCertificate indica si las órdenes reales exigen certificado verificado.
func (c *Config) LiveRequiresCertificate() bool { return *c.Worker.LiveRequiresCertificate }

// AutoMigrate indica si se aplican migraciones al arrancar.
func (c *Config) AutoMigrate() bool { return *c.Storage.AutoMigrate }

func secs(n int) time.Duration { return time.Duration(n) * time.Second }
func ms(n int) time.Duration   { return time.Duration(n) * time.Millisecond }

// applyEnvOverrides sobreescribe valores con variables de entorno si están presentes.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("EXECGATE_DB_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("EXECGATE_DB_DSN"); v != "" {
		cfg.Storage.DSN = v
	}
	if v := os.Getenv("EXECGATE_VAULT_KEY"); v != "" {
		cfg.Vault.MasterKey = v
	}
	if v := os.Getenv("EXECGATE_ADMIN_TOKEN"); v != "" {
		cfg.HTTP.AdminToken = v
	}
	if v := os.Getenv("EXECGATE_VENUE_URL"); v != "" {
		cfg.Venue.BaseURL = v
	}
	if v := os.Getenv("EXECGATE_SIMULATION"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Venue.Simulation = b
		}
	}
	if v := os.Getenv("EXECGATE_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Orchestrator.PoolSize = n
		}
	}
}

// setDefaults asegura que los valores requeridos tengan valores sensatos.
func setDefaults(cfg *Config) {
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "sqlite"
	}
	if cfg.Storage.DSN == "" {
		cfg.Storage.DSN = "execgate.db"
	}
	if cfg.Storage.AutoMigrate == nil {
		cfg.Storage.AutoMigrate = boolPtr(true)
	}

	if cfg.Queue.RetentionSeconds <= 0 {
		cfg.Queue.RetentionSeconds = 600
	}
	if cfg.Queue.PollIntervalMS <= 0 {
		cfg.Queue.PollIntervalMS = 500
	}

	w := &cfg.Worker
	if w.SubmitTimeoutSeconds <= 0 {
		w.SubmitTimeoutSeconds = 10
	}
	if w.RequestTimeoutSeconds <= 0 {
		w.RequestTimeoutSeconds = 5
	}
	if w.ReconcileIntervalSeconds <= 0 {
		w.ReconcileIntervalSeconds = 5
	}
	if w.PingIntervalSeconds <= 0 {
		w.PingIntervalSeconds = 30
	}
	if w.BackoffMinMS <= 0 {
		w.BackoffMinMS = 500
	}
	if w.BackoffMaxSeconds <= 0 {
		w.BackoffMaxSeconds = 30
	}
	if w.MaxConnectFailures <= 0 {
		w.MaxConnectFailures = 5
	}
	if w.LeaseTTLSeconds <= 0 {
		w.LeaseTTLSeconds = 30
	}
	if w.LiveRequiresCertificate == nil {
		w.LiveRequiresCertificate = boolPtr(true)
	}

	o := &cfg.Orchestrator
	if o.PoolSize <= 0 {
		o.PoolSize = 10
	}
	if o.HealthIntervalSeconds <= 0 {
		o.HealthIntervalSeconds = 15
	}
	if o.UnhealthyAfter <= 0 {
		o.UnhealthyAfter = 3
	}
	if o.ErrorAfter < o.UnhealthyAfter {
		o.ErrorAfter = o.UnhealthyAfter * 2
	}
	if o.HealthStaleAfterSeconds <= 0 {
		o.HealthStaleAfterSeconds = 120
	}
	if o.IdleTimeoutSeconds <= 0 {
		o.IdleTimeoutSeconds = 1800
	}
	if o.StopTimeoutSeconds <= 0 {
		o.StopTimeoutSeconds = 30
	}
	if len(o.RequiredCredentials) == 0 {
		o.RequiredCredentials = []string{"api-key-pair"}
	}

	if cfg.Venue.RatePerSec <= 0 {
		cfg.Venue.RatePerSec = 5
	}

	if cfg.Audit.Buffer <= 0 {
		cfg.Audit.Buffer = 1024
	}
	if cfg.Audit.MaxAttempts <= 0 {
		cfg.Audit.MaxAttempts = 5
	}
	if cfg.Audit.RetryWaitMS <= 0 {
		cfg.Audit.RetryWaitMS = 200
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8085"
	}
}

// validate rechaza combinaciones que harían fallar el arranque más tarde.
func (c *Config) validate() error {
	switch c.Storage.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("storage.driver %q: want sqlite or postgres", c.Storage.Driver)
	}
	if !c.Venue.Simulation && c.Venue.BaseURL == "" {
		return fmt.Errorf("venue.base_url is required unless venue.simulation is set")
	}
	for _, t := range c.Orchestrator.RequiredCredentials {
		if t != "api-key-pair" && t != "client-certificate" {
			return fmt.Errorf("orchestrator.required_credentials: unknown type %q", t)
		}
	}
	// El lease tiene que sobrevivir a un envío completo: posiciones, submit y
	// la consulta de estado posterior.
	if w := c.Worker; w.LeaseTTLSeconds <= w.SubmitTimeoutSeconds+2*w.RequestTimeoutSeconds {
		return fmt.Errorf("worker.lease_ttl_seconds %d must exceed submit_timeout_seconds + 2*request_timeout_seconds (%d)",
			w.LeaseTTLSeconds, w.SubmitTimeoutSeconds+2*w.RequestTimeoutSeconds)
	}
	if strings.TrimSpace(c.Vault.MasterKey) == "" {
		return fmt.Errorf("vault.master_key is empty (set EXECGATE_VAULT_KEY)")
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }
