// Package notify wraps pgx's LISTEN/NOTIFY support into the wakeup signal
// producers use instead of polling on every tick: a NOTIFY on a queue's
// channel wakes every producer blocked waiting for that queue's rows,
// the same role Redis pub/sub played in the teacher's queue package.
package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const channelPrefix = "jobengine_queue_"

// Channel returns the LISTEN/NOTIFY channel name for queue.
func Channel(queue string) string {
	return channelPrefix + sanitize(queue)
}

func sanitize(queue string) string {
	return strings.ReplaceAll(queue, "-", "_")
}

// Notify wakes every listener on queue's channel. Safe to call even when
// nobody is listening.
func Notify(ctx context.Context, pool *pgxpool.Pool, queue string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf("NOTIFY %s", pgx.Identifier{Channel(queue)}.Sanitize()))
	if err != nil {
		return fmt.Errorf("notify: notify %q: %w", queue, err)
	}
	return nil
}

// Listener holds a single dedicated connection LISTENing on one queue's
// channel. Postgres requires a long-lived connection (not a pooled one
// handed back between queries) for LISTEN to deliver notifications, so
// Listener acquires its own pgxpool.Conn and keeps it for its lifetime.
type Listener struct {
	conn  *pgxpool.Conn
	queue string
}

// Listen acquires a dedicated connection and starts listening on queue's
// channel.
func Listen(ctx context.Context, pool *pgxpool.Pool, queue string) (*Listener, error) {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("notify: acquire listen connection: %w", err)
	}
	channel := Channel(queue)
	if _, err := conn.Exec(ctx, fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())); err != nil {
		conn.Release()
		return nil, fmt.Errorf("notify: listen %q: %w", queue, err)
	}
	return &Listener{conn: conn, queue: queue}, nil
}

// Wait blocks until a notification arrives on this listener's channel or
// ctx is cancelled. Callers typically race Wait against a fallback
// polling ticker so a missed or coalesced notification never stalls
// dispatch indefinitely.
func (l *Listener) Wait(ctx context.Context) error {
	_, err := l.conn.Conn().WaitForNotification(ctx)
	return err
}

// Close releases the dedicated connection back to the pool.
func (l *Listener) Close() {
	if l.conn != nil {
		l.conn.Release()
	}
}
