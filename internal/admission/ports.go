package admission

import (
	"context"
	"time"

	"github.com/gatekeep/admission/internal/model"
	"github.com/gatekeep/admission/internal/token"
)

// TicketStore loads and saves tickets.  Save must reject stale versions
// with repository.ErrConflict and a missing row must surface as
// repository.ErrNotFound.
type TicketStore interface {
	GetByID(ctx context.Context, id string) (*model.Ticket, error)
	Create(ctx context.Context, t *model.Ticket) error
	Save(ctx context.Context, t *model.Ticket) error
}

// EventStore reads per-event admission settings.
type EventStore interface {
	GetByID(ctx context.Context, id string) (*model.Event, error)
}

// ScanLogStore is the append-only scan history.
type ScanLogStore interface {
	Append(ctx context.Context, l *model.ScanLog) error
	RecentByTicket(ctx context.Context, ticketID string, since time.Time, limit int) ([]model.ScanLog, error)
}

// GuardStore persists share guard rows.  Get returns nil, nil when the
// ticket has no row yet.
type GuardStore interface {
	Get(ctx context.Context, ticketID string) (*model.ShareGuard, error)
	Upsert(ctx context.Context, g *model.ShareGuard) error
}

// Locker serialises work on one ticket.  Acquire returns lock.ErrLockHeld
// when another owner holds the ticket.
type Locker interface {
	Acquire(ctx context.Context, ticketID string, ttl time.Duration) (string, error)
	Release(ctx context.Context, ticketID, owner string) error
}

// TokenCodec mints and verifies admission tokens.
type TokenCodec interface {
	Mint(ticketID, eventID string, direction *model.PresenceState, ttl time.Duration, deviceHash string) (string, token.AdmissionToken, error)
	Verify(raw string) (token.AdmissionToken, error)
}

// NonceChecker remembers token nonces until they expire.  Used and Consume
// are called with the ticket lock held.
type NonceChecker interface {
	Used(ctx context.Context, jti string) (bool, error)
	Consume(ctx context.Context, jti string, expiresAt time.Time) error
}

// Publisher emits outbound events.
type Publisher interface {
	Publish(ctx context.Context, event string, payload any) error
}
