package storage

// sqlite.go: almacenamiento relacional del orquestador.
//
// Estrategia:
//   - Un único *sql.DB, SQLite (pure Go, sin CGo) por defecto o Postgres vía pgx.
//   - Las queries se escriben con `?` y se reescriben a `$n` para Postgres.
//   - Los timestamps se guardan como unix millis (INTEGER/BIGINT) para que
//     comparar y ordenar funcione igual en ambos motores.
//   - El schema se aplica con migraciones embebidas y un ledger de versiones.
//     Al arrancar se exige una versión mínima (fail fast).

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Dialect identifica el motor SQL.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Options configura la apertura del storage.
type Options struct {
	Driver           Dialect
	DSN              string
	AutoMigrate      bool
	MinSchemaVersion int
}

// SQLStorage implementa todos los stores de ports sobre database/sql.
type SQLStorage struct {
	db      *sql.DB
	dialect Dialect
	queue   *queueSignals
}

// NewSQLiteStorage abre (o crea) una base SQLite en la ruta dada y aplica
// todas las migraciones. Se usa ":memory:" en tests.
func NewSQLiteStorage(path string) (*SQLStorage, error) {
	return Open(context.Background(), Options{Driver: DialectSQLite, DSN: path, AutoMigrate: true})
}

// Open abre el storage, migra si se pide y verifica la versión mínima.
func Open(ctx context.Context, opts Options) (*SQLStorage, error) {
	if opts.Driver == "" {
		opts.Driver = DialectSQLite
	}

	driverName := "sqlite"
	if opts.Driver == DialectPostgres {
		driverName = "pgx"
	}

	db, err := sql.Open(driverName, opts.DSN)
	if err != nil {
		return nil, fmt.Errorf("storage.Open: open %s: %w", opts.Driver, err)
	}
	if opts.Driver == DialectSQLite {
		db.SetMaxOpenConns(1) // SQLite es single-writer
		db.SetMaxIdleConns(1)
		if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage.Open: enable foreign keys: %w", err)
		}
	}

	s := &SQLStorage{db: db, dialect: opts.Driver, queue: newQueueSignals()}

	if opts.AutoMigrate {
		if err := s.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}
	if err := s.CheckSchema(ctx, opts.MinSchemaVersion); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close cierra la conexión a la base de datos limpiamente.
func (s *SQLStorage) Close() error {
	return s.db.Close()
}

// Ping verifica que la base responde.
func (s *SQLStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB expone la conexión para herramientas de mantenimiento.
func (s *SQLStorage) DB() *sql.DB { return s.db }

// rebind reescribe los placeholders `?` a `$n` cuando el motor es Postgres.
func (s *SQLStorage) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var sb strings.Builder
	sb.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			sb.WriteByte('$')
			sb.WriteString(strconv.Itoa(n))
			continue
		}
		sb.WriteByte(query[i])
	}
	return sb.String()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func nullMillis(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromNullMillis(ms sql.NullInt64) *time.Time {
	if !ms.Valid || ms.Int64 == 0 {
		return nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func encodeJSON(v any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return map[string]any{"_raw": raw}
	}
	return m
}

// isUniqueViolation detecta violaciones de UNIQUE en SQLite y Postgres.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505") ||
		strings.Contains(msg, "duplicate key value")
}

func notFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// placeholders devuelve "?, ?, ?" para n argumentos.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
