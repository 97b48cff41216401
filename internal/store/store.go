// Package store is the Postgres persistence layer: job/leader/producer
// tables, the SKIP LOCKED fetch, the batched ack, and the leader-only
// bulk mutations, all fronted by pgxpool exactly as the teacher's
// internal/store/postgres.go fronts its own tables.
package store

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps a pgxpool.Pool for the engine's tables.
type Store struct {
	Pool *pgxpool.Pool
}

// New parses dsn and opens a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("store: connect postgres: %w", err)
	}
	return &Store{Pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	if s.Pool != nil {
		s.Pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in filename order.
// Every statement is idempotent (IF NOT EXISTS / exception-swallowed
// CREATE TYPE), so this is safe to call from every node on every boot.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("store: read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		content, err := migrationFiles.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("store: read migration %s: %w", name, err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.Pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("store: exec migration %s: %w", name, err)
		}
	}
	return nil
}
