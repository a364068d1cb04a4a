// Package admission is the gate-side core of the engine.  Service.Scan
// verifies a token, serialises work on the ticket through the distributed
// lock, consults the anti-sharing guard and the presence state machine and
// records exactly one scan log per meaningful attempt.  The mutation entry
// points used by the bus and the admin API live beside it and take the
// same lock.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gatekeep/admission/internal/config"
	"github.com/gatekeep/admission/internal/guard"
	"github.com/gatekeep/admission/internal/lock"
	"github.com/gatekeep/admission/internal/model"
	"github.com/gatekeep/admission/internal/queue"
	"github.com/gatekeep/admission/internal/repository"
)

var (
	// ErrTicketNotFound is returned when the scanned or mutated ticket does
	// not exist.  No scan log is written for it.
	ErrTicketNotFound = errors.New("admission: ticket not found")
	// ErrTicketBusy is returned by mutations that could not take the ticket
	// lock within the retry budget.
	ErrTicketBusy = errors.New("admission: ticket busy")
	// ErrTicketRevoked is returned when a token is requested for a revoked
	// ticket.
	ErrTicketRevoked = errors.New("admission: ticket revoked")
	// ErrInvalidRequest marks caller input the engine cannot act on.
	ErrInvalidRequest = errors.New("admission: invalid request")
)

const releaseTimeout = 2 * time.Second

// Deps are the collaborators of a Service.  Nonces and Publisher are
// optional.
type Deps struct {
	Tickets   TicketStore
	Events    EventStore
	Logs      ScanLogStore
	Guards    GuardStore
	Locks     Locker
	Codec     TokenCodec
	Guard     *guard.Guard
	Nonces    NonceChecker
	Publisher Publisher
}

// Service orchestrates scans and ticket mutations.
type Service struct {
	tickets   TicketStore
	events    EventStore
	logs      ScanLogStore
	guards    GuardStore
	locks     Locker
	codec     TokenCodec
	guard     *guard.Guard
	nonces    NonceChecker
	publisher Publisher

	lockTTL      time.Duration
	defaultTTL   time.Duration
	lockAttempts int
	lockDelay    time.Duration
	now          func() time.Time
	log          *slog.Logger
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source used for guard windows and records.
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithLockRetry sets how often mutations retry a busy ticket lock and how
// long they wait in between.
func WithLockRetry(attempts int, delay time.Duration) Option {
	return func(s *Service) {
		if attempts > 0 {
			s.lockAttempts = attempts
		}
		s.lockDelay = delay
	}
}

// NewService wires a Service.  cfg supplies the lock TTL and the default
// token lifetime.
func NewService(d Deps, cfg config.AdmissionConfig, opts ...Option) *Service {
	s := &Service{
		tickets:      d.Tickets,
		events:       d.Events,
		logs:         d.Logs,
		guards:       d.Guards,
		locks:        d.Locks,
		codec:        d.Codec,
		guard:        d.Guard,
		nonces:       d.Nonces,
		publisher:    d.Publisher,
		lockTTL:      cfg.LockTTL,
		defaultTTL:   cfg.DefaultTokenTTL,
		lockAttempts: 3,
		lockDelay:    50 * time.Millisecond,
		now:          time.Now,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.guard == nil {
		s.guard = guard.New(guard.DefaultConfig())
	}
	if s.lockTTL <= 0 {
		s.lockTTL = 5 * time.Second
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = 60 * time.Second
	}
	s.log = s.log.With("component", "admission")
	return s
}

// withLock runs fn while holding the ticket lock, retrying a busy lock a
// few times before giving up with ErrTicketBusy.
func (s *Service) withLock(ctx context.Context, ticketID string, fn func() error) error {
	var owner string
	for attempt := 1; ; attempt++ {
		var err error
		owner, err = s.locks.Acquire(ctx, ticketID, s.lockTTL)
		if err == nil {
			break
		}
		if !errors.Is(err, lock.ErrLockHeld) {
			return fmt.Errorf("acquire lock: %w", err)
		}
		if attempt >= s.lockAttempts {
			return ErrTicketBusy
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockDelay):
		}
	}
	defer s.release(ctx, ticketID, owner)
	return fn()
}

// release frees the ticket lock even when ctx was already cancelled.
func (s *Service) release(ctx context.Context, ticketID, owner string) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := s.locks.Release(rctx, ticketID, owner); err != nil {
		s.log.Warn("release ticket lock", "ticket_id", ticketID, "err", err)
	}
}

func (s *Service) loadTicket(ctx context.Context, id string) (*model.Ticket, error) {
	t, err := s.tickets.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load ticket %s: %w", id, err)
	}
	return t, nil
}

// loadEvent returns the event settings.  Tickets can arrive before their
// event is synced; until then re-entry is allowed and the default TTL
// applies.
func (s *Service) loadEvent(ctx context.Context, id string) (model.Event, error) {
	e, err := s.events.GetByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		s.log.Warn("event settings missing, using defaults", "event_id", id)
		return model.Event{ID: id, AllowReEntry: true}, nil
	}
	if err != nil {
		return model.Event{}, fmt.Errorf("load event %s: %w", id, err)
	}
	return *e, nil
}

// publishScanned emits admission.scanned.  Failures are logged only.
func (s *Service) publishScanned(ctx context.Context, l *model.ScanLog, state model.PresenceState) {
	if s.publisher == nil {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	ev := queue.AdmissionScanned{
		LogID:     l.ID,
		TicketID:  l.TicketID,
		EventID:   l.EventID,
		Gate:      l.Gate,
		Direction: string(l.Direction),
		Verdict:   string(l.Verdict),
		Reason:    l.Reason,
		State:     string(state),
		ScannedAt: l.CreatedAt,
	}
	if err := s.publisher.Publish(pctx, queue.EventAdmissionScanned, ev); err != nil {
		s.log.Warn("publish scan event", "ticket_id", l.TicketID, "err", err)
	}
}
