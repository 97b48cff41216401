package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// ClaimLeadership implements spec.md §4.4's expiring-row election: an
// UPSERT that succeeds either on first claim (no existing row) or when the
// existing row is already held by this node or has expired. Any other
// conflicting row is left untouched and ClaimLeadership reports false.
func (s *Store) ClaimLeadership(ctx context.Context, name, node string, lease time.Duration) (bool, error) {
	const q = `
		INSERT INTO oban_leaders (name, node, elected_at, expires_at)
		VALUES ($1, $2, now(), now() + $3::interval)
		ON CONFLICT (name) DO UPDATE
		SET node = $2, elected_at = now(), expires_at = now() + $3::interval
		WHERE oban_leaders.node = $2 OR oban_leaders.expires_at < now()
		RETURNING node`

	var holder string
	err := s.Pool.QueryRow(ctx, q, name, node, lease.String()).Scan(&holder)
	switch {
	case err == nil:
		return holder == node, nil
	case errors.Is(err, pgx.ErrNoRows):
		return false, nil
	default:
		return false, fmt.Errorf("store: claim leadership for %q: %w", name, err)
	}
}

// ReleaseLeadership drops this node's claim immediately, so a gracefully
// shutting-down node doesn't leave followers waiting out the full lease.
func (s *Store) ReleaseLeadership(ctx context.Context, name, node string) error {
	const q = `DELETE FROM oban_leaders WHERE name = $1 AND node = $2`
	_, err := s.Pool.Exec(ctx, q, name, node)
	if err != nil {
		return fmt.Errorf("store: release leadership for %q: %w", name, err)
	}
	return nil
}

// CurrentLeader reports the node currently holding an unexpired claim on
// name, if any.
func (s *Store) CurrentLeader(ctx context.Context, name string) (node string, held bool, err error) {
	const q = `SELECT node FROM oban_leaders WHERE name = $1 AND expires_at > now()`
	err = s.Pool.QueryRow(ctx, q, name).Scan(&node)
	switch {
	case err == nil:
		return node, true, nil
	case errors.Is(err, pgx.ErrNoRows):
		return "", false, nil
	default:
		return "", false, fmt.Errorf("store: read leader %q: %w", name, err)
	}
}
