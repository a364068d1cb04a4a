package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/gatekeep/admission/internal/model"
)

// ScanLogRepo appends to and reads from the append-only scan_logs table.
// There is deliberately no update or delete method.
type ScanLogRepo struct {
	db *sql.DB
}

func NewScanLogRepo(db *sql.DB) *ScanLogRepo { return &ScanLogRepo{db: db} }

// Append inserts one scan log row.
func (r *ScanLogRepo) Append(ctx context.Context, l *model.ScanLog) error {
	var dir *string
	if l.Direction != "" {
		s := string(l.Direction)
		dir = &s
	}
	var reason *string
	if l.Reason != "" {
		reason = &l.Reason
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO scan_logs (id, ticket_id, event_id, direction, verdict, reason, gate, device_hash, acting_user_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.TicketID, l.EventID, dir, string(l.Verdict), reason, l.Gate, l.DeviceHash, l.ActingUserID, l.CreatedAt.UTC())
	return err
}

// RecentByTicket returns the ticket's logs created at or after since,
// newest first, capped at limit rows.
func (r *ScanLogRepo) RecentByTicket(ctx context.Context, ticketID string, since time.Time, limit int) ([]model.ScanLog, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, ticket_id, event_id, direction, verdict, reason, gate, device_hash, acting_user_id, created_at
		   FROM scan_logs
		  WHERE ticket_id = ? AND created_at >= ?
		  ORDER BY created_at DESC
		  LIMIT ?`,
		ticketID, since.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var logs []model.ScanLog
	for rows.Next() {
		var (
			l                       model.ScanLog
			dir, reason, dev, actor sql.NullString
			verdict                 string
		)
		if err := rows.Scan(&l.ID, &l.TicketID, &l.EventID, &dir, &verdict, &reason, &l.Gate, &dev, &actor, &l.CreatedAt); err != nil {
			return nil, err
		}
		l.Direction = model.PresenceState(dir.String)
		l.Verdict = model.Verdict(verdict)
		l.Reason = reason.String
		l.DeviceHash = nullString(dev)
		l.ActingUserID = nullString(actor)
		l.CreatedAt = l.CreatedAt.UTC()
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return logs, nil
}
