package admission

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatekeep/admission/internal/guard"
	"github.com/gatekeep/admission/internal/model"
	"github.com/gatekeep/admission/internal/token"
)

// ErrUnknownAttributeMode is returned for an attribute mode other than
// set, append or remove.
var ErrUnknownAttributeMode = errors.New("admission: unknown attribute mode")

// AttributeMode selects how UpdateAttributes treats the given values.
type AttributeMode string

const (
	AttributeSet    AttributeMode = "set"    // replace the key's values
	AttributeAppend AttributeMode = "append" // add values not yet present
	AttributeRemove AttributeMode = "remove" // drop values, or the key when none are given
)

// NewTicket describes a ticket to create.
type NewTicket struct {
	ID           string
	EventID      string
	InvitationID string
	SeatID       string
	Attributes   map[string][]string
}

// CreateTicket stores a new OUTSIDE ticket.  A duplicate id yields
// repository.ErrConflict.
func (s *Service) CreateTicket(ctx context.Context, in NewTicket) (*model.Ticket, error) {
	if in.EventID == "" || in.InvitationID == "" {
		return nil, fmt.Errorf("%w: event and invitation ids are required", ErrInvalidRequest)
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	t := &model.Ticket{
		ID:           in.ID,
		EventID:      in.EventID,
		InvitationID: in.InvitationID,
		CurrentState: model.StateOutside,
		Attributes:   map[string][]string{},
	}
	if in.SeatID != "" {
		seat := in.SeatID
		t.SeatID = &seat
	}
	for k, v := range in.Attributes {
		t.Attributes[k] = dedupe(v)
	}
	err := s.withLock(ctx, t.ID, func() error {
		if err := s.tickets.Create(ctx, t); err != nil {
			return fmt.Errorf("create ticket %s: %w", t.ID, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ticket created", "ticket_id", t.ID, "event_id", t.EventID)
	return t, nil
}

// AssignSeat sets or replaces the ticket's seat.
func (s *Service) AssignSeat(ctx context.Context, ticketID, seatID string) (*model.Ticket, error) {
	if seatID == "" {
		return nil, fmt.Errorf("%w: seat id is required", ErrInvalidRequest)
	}
	return s.mutate(ctx, ticketID, func(t *model.Ticket) (bool, error) {
		if t.SeatID != nil && *t.SeatID == seatID {
			return false, nil
		}
		seat := seatID
		t.SeatID = &seat
		return true, nil
	})
}

// Revoke marks the ticket revoked.  Revoking twice is a no-op.
func (s *Service) Revoke(ctx context.Context, ticketID, reason string) (*model.Ticket, error) {
	t, err := s.mutate(ctx, ticketID, func(t *model.Ticket) (bool, error) {
		if t.Revoked {
			return false, nil
		}
		t.Revoked = true
		return true, nil
	})
	if err == nil {
		s.log.Info("ticket revoked", "ticket_id", ticketID, "reason", reason)
	}
	return t, err
}

// ResetGuard clears the ticket's share guard.
func (s *Service) ResetGuard(ctx context.Context, ticketID string) error {
	return s.withLock(ctx, ticketID, func() error {
		if _, err := s.loadTicket(ctx, ticketID); err != nil {
			return err
		}
		if err := s.guards.Upsert(ctx, guard.Reset(ticketID)); err != nil {
			return fmt.Errorf("reset share guard: %w", err)
		}
		s.log.Info("share guard reset", "ticket_id", ticketID)
		return nil
	})
}

// UpdateAttributes changes one attribute key according to mode.  The ticket
// is saved only when its attributes actually differ afterwards.
func (s *Service) UpdateAttributes(ctx context.Context, ticketID string, mode AttributeMode, key string, values []string) (*model.Ticket, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, fmt.Errorf("%w: attribute key is required", ErrInvalidRequest)
	}
	switch mode {
	case AttributeSet, AttributeAppend, AttributeRemove:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttributeMode, mode)
	}
	return s.mutate(ctx, ticketID, func(t *model.Ticket) (bool, error) {
		next, err := applyAttribute(t.Attributes, mode, key, values)
		if err != nil {
			return false, err
		}
		if maps.EqualFunc(t.Attributes, next, func(a, b []string) bool { return slices.Equal(a, b) }) {
			return false, nil
		}
		t.Attributes = next
		return true, nil
	})
}

// MintedToken is a freshly signed admission token.
type MintedToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	TicketID  string    `json:"ticket_id"`
}

// MintToken issues a token for the ticket using the event's rotation
// interval as its lifetime and records the rotation time.
func (s *Service) MintToken(ctx context.Context, ticketID string, direction *model.PresenceState, deviceHash string) (MintedToken, error) {
	if direction != nil && !direction.Valid() {
		return MintedToken{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, *direction)
	}
	if deviceHash != "" {
		deviceHash = token.HashDevice(deviceHash)
	}
	var minted MintedToken
	_, err := s.mutate(ctx, ticketID, func(t *model.Ticket) (bool, error) {
		if t.Revoked {
			return false, ErrTicketRevoked
		}
		event, err := s.loadEvent(ctx, t.EventID)
		if err != nil {
			return false, err
		}
		raw, tok, err := s.codec.Mint(t.ID, t.EventID, direction, event.TokenTTL(s.defaultTTL), deviceHash)
		if err != nil {
			return false, fmt.Errorf("mint token: %w", err)
		}
		minted = MintedToken{Token: raw, ExpiresAt: tok.ExpiresAt, TicketID: t.ID}
		rotated := tok.IssuedAt
		t.LastRotatedAt = &rotated
		return true, nil
	})
	if err != nil {
		return MintedToken{}, err
	}
	return minted, nil
}

// RecentScans lists the ticket's newest scan logs.
func (s *Service) RecentScans(ctx context.Context, ticketID string, limit int) ([]model.ScanLog, error) {
	if _, err := s.loadTicket(ctx, ticketID); err != nil {
		return nil, err
	}
	logs, err := s.logs.RecentByTicket(ctx, ticketID, time.Time{}, limit)
	if err != nil {
		return nil, fmt.Errorf("list scan logs: %w", err)
	}
	return logs, nil
}

// mutate loads the ticket under its lock, applies fn and saves the ticket
// when fn reports a change.
func (s *Service) mutate(ctx context.Context, ticketID string, fn func(*model.Ticket) (bool, error)) (*model.Ticket, error) {
	var out *model.Ticket
	err := s.withLock(ctx, ticketID, func() error {
		t, err := s.loadTicket(ctx, ticketID)
		if err != nil {
			return err
		}
		changed, err := fn(t)
		if err != nil {
			return err
		}
		if changed {
			if err := s.tickets.Save(ctx, t); err != nil {
				return fmt.Errorf("save ticket %s: %w", t.ID, err)
			}
		}
		out = t
		return nil
	})
	return out, err
}

// applyAttribute returns a copy of attrs with one key changed.
func applyAttribute(attrs map[string][]string, mode AttributeMode, key string, values []string) (map[string][]string, error) {
	next := make(map[string][]string, len(attrs)+1)
	for k, v := range attrs {
		next[k] = slices.Clone(v)
	}
	switch mode {
	case AttributeSet:
		if len(values) == 0 {
			delete(next, key)
		} else {
			next[key] = dedupe(values)
		}
	case AttributeAppend:
		merged := next[key]
		for _, v := range values {
			if !slices.Contains(merged, v) {
				merged = append(merged, v)
			}
		}
		if len(merged) > 0 {
			next[key] = merged
		}
	case AttributeRemove:
		if len(values) == 0 {
			delete(next, key)
			break
		}
		kept := slices.DeleteFunc(next[key], func(v string) bool { return slices.Contains(values, v) })
		if len(kept) == 0 {
			delete(next, key)
		} else {
			next[key] = kept
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAttributeMode, mode)
	}
	return next, nil
}

func dedupe(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}
