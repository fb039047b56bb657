// Package ratelimit implements an atomic "update-if-older-than-cutoff"
// throttle: a single conditional write decides whether a user-initiated
// refresh is allowed, so two concurrent requests can never both observe a
// stale last_action_at and both proceed. Any error fails closed (the
// action is denied).
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Limiter guards an action type behind a per-user cooldown window.
type Limiter struct {
	db     *sql.DB
	window time.Duration
}

func New(db *sql.DB, window time.Duration) *Limiter {
	return &Limiter{db: db, window: window}
}

// Allow attempts to record an action for userID/actionType. It returns true
// only if the single conditional write actually advanced last_action_at —
// i.e. either no record existed yet, or the previous action was at least
// the window duration ago. On any database error it returns false (fail
// closed).
func (l *Limiter) Allow(ctx context.Context, userID, actionType string) (bool, error) {
	var inserted bool
	err := l.db.QueryRowContext(ctx, `
		INSERT INTO user_rate_limits (user_id, action_type, last_action_at, action_count)
		VALUES ($1, $2, now(), 1)
		ON CONFLICT (user_id, action_type) DO UPDATE
			SET last_action_at = now(),
			    action_count = user_rate_limits.action_count + 1
			WHERE user_rate_limits.last_action_at < now() - ($3 * interval '1 second')
		RETURNING true
	`, userID, actionType, l.window.Seconds()).Scan(&inserted)

	if err == sql.ErrNoRows {
		// The ON CONFLICT...WHERE clause evaluated false: the window has
		// not elapsed. This is the expected "denied" path, not an error.
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ratelimit: conditional update: %w", err)
	}
	return inserted, nil
}
