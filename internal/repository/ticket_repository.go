package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gatekeep/admission/internal/model"
)

// TicketRepo provides data access to the tickets table.  Writes use the
// version column for optimistic concurrency: Save only succeeds when the
// stored version still matches the one that was loaded.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a TicketRepo bound to the provided database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

const ticketColumns = `id, event_id, invitation_id, seat_id, revoked, current_state, device_bound_key,
       last_rotated_at, first_entered_at, attributes, version, created_at, updated_at`

// GetByID loads one ticket or returns ErrNotFound.
func (r *TicketRepo) GetByID(ctx context.Context, id string) (*model.Ticket, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ? LIMIT 1`, id)
	var (
		t          model.Ticket
		seatID     sql.NullString
		deviceKey  sql.NullString
		rotatedAt  sql.NullTime
		firstEnter sql.NullTime
		state      string
		attributes []byte
	)
	err := row.Scan(&t.ID, &t.EventID, &t.InvitationID, &seatID, &t.Revoked, &state, &deviceKey,
		&rotatedAt, &firstEnter, &attributes, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	t.CurrentState = model.PresenceState(state)
	t.SeatID = nullString(seatID)
	t.DeviceBoundKey = nullString(deviceKey)
	t.LastRotatedAt = nullTime(rotatedAt)
	t.FirstEnteredAt = nullTime(firstEnter)
	if len(attributes) > 0 {
		if err := json.Unmarshal(attributes, &t.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of ticket %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// Create inserts a new ticket at version 1.  A duplicate id yields
// ErrConflict.
func (r *TicketRepo) Create(ctx context.Context, t *model.Ticket) error {
	attrs, err := encodeAttributes(t.Attributes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	if t.CurrentState == "" {
		t.CurrentState = model.StateOutside
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO tickets (id, event_id, invitation_id, seat_id, revoked, current_state, device_bound_key,
		                      last_rotated_at, first_entered_at, attributes, version, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?)`,
		t.ID, t.EventID, t.InvitationID, t.SeatID, t.Revoked, string(t.CurrentState), t.DeviceBoundKey,
		t.LastRotatedAt, t.FirstEnteredAt, attrs, now, now)
	if isDuplicate(err) {
		return ErrConflict
	}
	if err != nil {
		return err
	}
	t.Version = 1
	t.CreatedAt, t.UpdatedAt = now, now
	return nil
}

// Save writes every mutable column of t if the stored version still equals
// t.Version, then bumps t.Version.  A stale version yields ErrConflict.
func (r *TicketRepo) Save(ctx context.Context, t *model.Ticket) error {
	attrs, err := encodeAttributes(t.Attributes)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	res, err := r.db.ExecContext(ctx,
		`UPDATE tickets
		    SET seat_id = ?, revoked = ?, current_state = ?, device_bound_key = ?, last_rotated_at = ?,
		        first_entered_at = ?, attributes = ?, version = version + 1, updated_at = ?
		  WHERE id = ? AND version = ?`,
		t.SeatID, t.Revoked, string(t.CurrentState), t.DeviceBoundKey, t.LastRotatedAt,
		t.FirstEnteredAt, attrs, now, t.ID, t.Version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	t.Version++
	t.UpdatedAt = now
	return nil
}

// encodeAttributes returns nil for an empty map so the column stays NULL.
func encodeAttributes(a map[string][]string) (any, error) {
	if len(a) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("encode attributes: %w", err)
	}
	return b, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}
