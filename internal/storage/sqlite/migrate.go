package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migration filenames are NNN_description.sql; anything else is ignored.
var migrationFileRe = regexp.MustCompile(`^\d+_.*\.sql$`)

const createMigrationsTable = `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    filename   TEXT NOT NULL,
    applied_at INTEGER NOT NULL
)`

type migrationFile struct {
	version  int
	filename string
}

// Migrate applies the embedded schema migrations that have not been applied
// yet and returns the filenames it ran, in order.
func (s *Store) Migrate(ctx context.Context) ([]string, error) {
	sub, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	return s.MigrateFS(ctx, sub)
}

// MigrateFS applies pending migrations from fsys in ascending version
// order. Each pending file runs inside one immediate transaction together
// with its ledger insert, so a failed migration leaves no partial state and
// re-running the same set is a no-op.
func (s *Store) MigrateFS(ctx context.Context, fsys fs.FS) ([]string, error) {
	if _, err := s.db.ExecContext(ctx, createMigrationsTable); err != nil {
		return nil, fmt.Errorf("failed to create schema_migrations: %w", err)
	}

	files, err := listMigrationFiles(fsys)
	if err != nil {
		return nil, err
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return nil, err
	}

	var ran []string
	for _, m := range files {
		if applied[m.version] {
			continue
		}
		content, err := fs.ReadFile(fsys, m.filename)
		if err != nil {
			return ran, fmt.Errorf("failed to read migration %s: %w", m.filename, err)
		}
		if err := s.applyMigration(ctx, m, string(content)); err != nil {
			return ran, fmt.Errorf("migration %s: %w", m.filename, err)
		}
		ran = append(ran, m.filename)
	}
	return ran, nil
}

func (s *Store) applyMigration(ctx context.Context, m migrationFile, content string) error {
	return s.withImmediateTx(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if _, err := conn.ExecContext(ctx, content); err != nil {
			return err
		}
		_, err := conn.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, filename, applied_at) VALUES (?, ?, ?)`,
			m.version, m.filename, time.Now().UnixMilli())
		return err
	})
}

func (s *Store) appliedVersions(ctx context.Context) (map[int]bool, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		applied[v] = true
	}
	return applied, rows.Err()
}

func listMigrationFiles(fsys fs.FS) ([]migrationFile, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations dir: %w", err)
	}

	var files []migrationFile
	for _, e := range entries {
		if e.IsDir() || !migrationFileRe.MatchString(e.Name()) {
			continue
		}
		version, err := strconv.Atoi(e.Name()[:strings.IndexByte(e.Name(), '_')])
		if err != nil {
			return nil, fmt.Errorf("bad migration version in %s: %w", e.Name(), err)
		}
		files = append(files, migrationFile{version: version, filename: e.Name()})
	}

	sort.Slice(files, func(i, j int) bool { return files[i].version < files[j].version })
	return files, nil
}
