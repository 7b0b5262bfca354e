package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tilerack/tilerack/go/internal/store"
)

// One-shot maintenance tool: removes terminal sessions (ENDED or
// ABANDONED) that have been untouched past the retention window,
// together with their audit records. Run from cron.
func main() {
	ctx := context.Background()

	retentionDays := 30
	if v := os.Getenv("RETENTION_DAYS"); v != "" {
		d, err := strconv.Atoi(v)
		if err != nil || d < 1 {
			fmt.Fprintf(os.Stderr, "invalid RETENTION_DAYS %q\n", v)
			os.Exit(1)
		}
		retentionDays = d
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	cfg := store.NewPostgresConfigFromEnv()
	pool, err := pgxpool.New(ctx, cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect error: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	tx, err := pool.Begin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "begin tx: %v\n", err)
		os.Exit(1)
	}
	defer tx.Rollback(ctx)

	eventsTag, err := tx.Exec(ctx, `
        DELETE FROM reconnection_events
        WHERE session_id IN (
            SELECT id FROM sessions
            WHERE status IN ('ENDED', 'ABANDONED') AND updated_at < $1
        )`, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge reconnection_events: %v\n", err)
		os.Exit(1)
	}

	sessionsTag, err := tx.Exec(ctx, `
        DELETE FROM sessions
        WHERE status IN ('ENDED', 'ABANDONED') AND updated_at < $1`, cutoff)
	if err != nil {
		fmt.Fprintf(os.Stderr, "purge sessions: %v\n", err)
		os.Exit(1)
	}

	if err := tx.Commit(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "commit: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("purge complete: %d sessions, %d audit records removed (cutoff %s)\n",
		sessionsTag.RowsAffected(), eventsTag.RowsAffected(), cutoff.Format(time.RFC3339))
}
