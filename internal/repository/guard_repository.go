package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gatekeep/admission/internal/model"
)

// GuardRepo stores share_guards rows, keyed 1:1 by ticket id.
type GuardRepo struct {
	db *sql.DB
}

func NewGuardRepo(db *sql.DB) *GuardRepo { return &GuardRepo{db: db} }

// Get returns the guard row for ticketID, or nil when the ticket has never
// failed a check.
func (r *GuardRepo) Get(ctx context.Context, ticketID string) (*model.ShareGuard, error) {
	var (
		g                 model.ShareGuard
		lastFail, blocked sql.NullTime
		reason            sql.NullString
	)
	err := r.db.QueryRowContext(ctx,
		`SELECT ticket_id, fail_count, last_fail_at, blocked_until, reason FROM share_guards WHERE ticket_id = ? LIMIT 1`,
		ticketID).Scan(&g.TicketID, &g.FailCount, &lastFail, &blocked, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	g.LastFailAt = nullTime(lastFail)
	g.BlockedUntil = nullTime(blocked)
	g.Reason = nullString(reason)
	return &g, nil
}

// Upsert creates or overwrites the guard row.
func (r *GuardRepo) Upsert(ctx context.Context, g *model.ShareGuard) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO share_guards (ticket_id, fail_count, last_fail_at, blocked_until, reason)
		 VALUES (?, ?, ?, ?, ?)
		 ON DUPLICATE KEY UPDATE fail_count = VALUES(fail_count), last_fail_at = VALUES(last_fail_at),
		                         blocked_until = VALUES(blocked_until), reason = VALUES(reason)`,
		g.TicketID, g.FailCount, g.LastFailAt, g.BlockedUntil, g.Reason)
	return err
}
