// Package cleanup removes expired upload sessions and their staged chunks.
package cleanup

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/reelvault/reelvault/internal/database"
	"github.com/reelvault/reelvault/internal/metrics"
	"github.com/reelvault/reelvault/internal/storage"
)

// Sweeper periodically drops incomplete sessions whose last activity is
// older than the expiry window.
type Sweeper struct {
	db      *sql.DB
	backend storage.Backend
	expiry  time.Duration
}

// NewSweeper creates a sweeper for sessions idle longer than expiry.
func NewSweeper(db *sql.DB, backend storage.Backend, expiry time.Duration) *Sweeper {
	return &Sweeper{db: db, backend: backend, expiry: expiry}
}

// Run sweeps at the given interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Error("session sweep failed", "error", err)
			} else if n > 0 {
				slog.Info("expired upload sessions removed", "count", n)
			}
		}
	}
}

// Sweep removes all currently expired sessions and returns how many.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-s.expiry)
	expired, err := database.ExpiredSessions(s.db, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, session := range expired {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if err := s.backend.DeleteChunks(ctx, session.SessionID); err != nil {
			slog.Warn("failed to delete staged chunks for expired session",
				"session_id", session.SessionID,
				"error", err,
			)
			continue
		}
		if err := database.DeleteSession(s.db, session.SessionID); err != nil {
			slog.Warn("failed to delete expired session",
				"session_id", session.SessionID,
				"error", err,
			)
			continue
		}

		metrics.SessionsAbortedTotal.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Dec()
		removed++
	}
	return removed, nil
}
