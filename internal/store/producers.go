package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// RegisterProducer inserts (or, on restart with a reused uuid, replaces)
// the heartbeat row a producer uses to prove liveness to the lifeline
// plugin.
func (s *Store) RegisterProducer(ctx context.Context, uuid, node, queue string, meta map[string]any) error {
	if meta == nil {
		meta = map[string]any{}
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("store: marshal producer meta: %w", err)
	}

	const q = `
		INSERT INTO oban_producers (uuid, node, queue, meta, started_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (uuid) DO UPDATE
		SET node = $2, queue = $3, meta = $4, started_at = now(), updated_at = now()`

	if _, err := s.Pool.Exec(ctx, q, uuid, node, queue, metaJSON); err != nil {
		return fmt.Errorf("store: register producer: %w", err)
	}
	return nil
}

// HeartbeatProducer refreshes updated_at so the lifeline plugin treats this
// producer as still alive.
func (s *Store) HeartbeatProducer(ctx context.Context, uuid string) error {
	const q = `UPDATE oban_producers SET updated_at = now() WHERE uuid = $1`
	if _, err := s.Pool.Exec(ctx, q, uuid); err != nil {
		return fmt.Errorf("store: heartbeat producer: %w", err)
	}
	return nil
}

// DeregisterProducer removes the heartbeat row on graceful shutdown, so the
// lifeline plugin doesn't wait out the stale-after window unnecessarily.
func (s *Store) DeregisterProducer(ctx context.Context, uuid string) error {
	const q = `DELETE FROM oban_producers WHERE uuid = $1`
	if _, err := s.Pool.Exec(ctx, q, uuid); err != nil {
		return fmt.Errorf("store: deregister producer: %w", err)
	}
	return nil
}
