package storage

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/execgate/internal/domain"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFiles embed.FS

type migration struct {
	version int
	name    string
	file    string
}

// LatestSchemaVersion is the highest embedded migration version.
func LatestSchemaVersion() int {
	migs, err := listMigrations(DialectSQLite)
	if err != nil || len(migs) == 0 {
		return 0
	}
	return migs[len(migs)-1].version
}

// Migrate applies every embedded migration not yet in the ledger, each in its
// own transaction.
func (s *SQLStorage) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		name       TEXT    NOT NULL,
		applied_at BIGINT  NOT NULL
	)`); err != nil {
		return fmt.Errorf("storage.Migrate: create ledger: %w", err)
	}

	migs, err := listMigrations(s.dialect)
	if err != nil {
		return fmt.Errorf("storage.Migrate: list: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migs {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStorage) applyMigration(ctx context.Context, m migration) error {
	body, err := migrationFiles.ReadFile(m.file)
	if err != nil {
		return fmt.Errorf("storage.Migrate: read %s: %w", m.file, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage.Migrate: begin %s: %w", m.name, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range splitStatements(string(body)) {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage.Migrate: apply %s: %w", m.name, err)
		}
	}
	if _, err := tx.ExecContext(ctx,
		s.rebind(`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`),
		m.version, m.name, time.Now().UTC().UnixMilli(),
	); err != nil {
		return fmt.Errorf("storage.Migrate: record %s: %w", m.name, err)
	}
	return tx.Commit()
}

// SchemaVersion returns the highest applied migration, or 0 on a fresh database.
func (s *SQLStorage) SchemaVersion(ctx context.Context) (int, error) {
	var exists int
	q := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`
	if s.dialect == DialectPostgres {
		q = `SELECT COUNT(*) FROM information_schema.tables WHERE table_name='schema_migrations'`
	}
	if err := s.db.QueryRowContext(ctx, q).Scan(&exists); err != nil {
		return 0, fmt.Errorf("storage.SchemaVersion: probe ledger: %w", err)
	}
	if exists == 0 {
		return 0, nil
	}

	var v int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, fmt.Errorf("storage.SchemaVersion: %w", err)
	}
	return v, nil
}

// CheckSchema fails with domain.ErrSchemaTooOld when the applied version is
// below minVersion.
func (s *SQLStorage) CheckSchema(ctx context.Context, minVersion int) error {
	if minVersion <= 0 {
		return nil
	}
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v < minVersion {
		return fmt.Errorf("storage.CheckSchema: %w: have %d, need %d", domain.ErrSchemaTooOld, v, minVersion)
	}
	return nil
}

func listMigrations(d Dialect) ([]migration, error) {
	dir := path.Join("migrations", string(d))
	entries, err := fs.ReadDir(migrationFiles, dir)
	if err != nil {
		return nil, err
	}
	migs := make([]migration, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		prefix, _, ok := strings.Cut(e.Name(), "_")
		if !ok {
			return nil, fmt.Errorf("migration %q: missing version prefix", e.Name())
		}
		v, err := strconv.Atoi(prefix)
		if err != nil {
			return nil, fmt.Errorf("migration %q: bad version: %w", e.Name(), err)
		}
		migs = append(migs, migration{
			version: v,
			name:    strings.TrimSuffix(e.Name(), ".sql"),
			file:    path.Join(dir, e.Name()),
		})
	}
	sort.Slice(migs, func(i, j int) bool { return migs[i].version < migs[j].version })
	return migs, nil
}

// splitStatements splits a migration file on `;` line endings. Migrations
// contain no procedural blocks.
func splitStatements(body string) []string {
	var out []string
	for _, part := range strings.Split(body, ";\n") {
		stmt := strings.TrimSpace(part)
		stmt = strings.TrimSuffix(stmt, ";")
		if stmt == "" || isCommentOnly(stmt) {
			continue
		}
		out = append(out, stmt)
	}
	return out
}

func isCommentOnly(stmt string) bool {
	for _, line := range strings.Split(stmt, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "--") {
			return false
		}
	}
	return true
}
