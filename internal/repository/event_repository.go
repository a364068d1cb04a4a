package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/gatekeep/admission/internal/model"
)

// EventRepo reads per-event admission settings.  Events are owned by the
// event service; this side never writes them.
type EventRepo struct {
	db *sql.DB
}

func NewEventRepo(db *sql.DB) *EventRepo { return &EventRepo{db: db} }

// GetByID returns the event or ErrNotFound.
func (r *EventRepo) GetByID(ctx context.Context, id string) (*model.Event, error) {
	var e model.Event
	err := r.db.QueryRowContext(ctx,
		`SELECT id, name, allow_re_entry, rotation_interval_seconds FROM events WHERE id = ? LIMIT 1`, id).
		Scan(&e.ID, &e.Name, &e.AllowReEntry, &e.RotationIntervalSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}
