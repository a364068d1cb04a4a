package model

import "time"

// PresenceState records whether a ticket holder is currently inside or
// outside the venue.  Every ticket starts OUTSIDE.
type PresenceState string

const (
    StateOutside PresenceState = "OUTSIDE"
    StateInside  PresenceState = "INSIDE"
)

// Valid reports whether s is one of the two known presence states.
func (s PresenceState) Valid() bool { return s == StateOutside || s == StateInside }

// Opposite returns the state a toggle would move to.
func (s PresenceState) Opposite() PresenceState {
    if s == StateInside {
        return StateOutside
    }
    return StateInside
}

// Ticket is one admission right for one guest at one event.  Tickets are
// mutated only by scan transitions and administrative actions, always while
// the caller holds the ticket's distributed lock.
//
// Fields:
//  ID             – primary key identifier.
//  EventID        – event this ticket admits to.
//  InvitationID   – invitation the ticket was issued for.
//  SeatID         – assigned seat, if any.
//  Revoked        – revoked tickets never transition again.
//  CurrentState   – OUTSIDE or INSIDE.
//  DeviceBoundKey – device fingerprint digest bound on first admitted scan.
//  LastRotatedAt  – when the last admission token was minted.
//  FirstEnteredAt – first OUTSIDE→INSIDE transition; used for re-entry rules.
//  Attributes     – free-form labels maintained by attribute topics.
//  Version        – optimistic concurrency counter, bumped on every save.
type Ticket struct {
    ID             string              `json:"id"`
    EventID        string              `json:"event_id"`
    InvitationID   string              `json:"invitation_id"`
    SeatID         *string             `json:"seat_id,omitempty"`
    Revoked        bool                `json:"revoked"`
    CurrentState   PresenceState       `json:"current_state"`
    DeviceBoundKey *string             `json:"device_bound_key,omitempty"`
    LastRotatedAt  *time.Time          `json:"last_rotated_at,omitempty"`
    FirstEnteredAt *time.Time          `json:"first_entered_at,omitempty"`
    Attributes     map[string][]string `json:"attributes,omitempty"`
    Version        int64               `json:"version"`
    CreatedAt      time.Time           `json:"created_at"`
    UpdatedAt      time.Time           `json:"updated_at"`
}

// HasEntered reports whether the holder has been admitted at least once.
func (t *Ticket) HasEntered() bool { return t.FirstEnteredAt != nil }

// Event holds the per-event admission settings read by the engine.  A zero
// RotationIntervalSeconds means the process-wide default token TTL applies.
type Event struct {
    ID                      string // events.id
    Name                    string // events.name
    AllowReEntry            bool   // events.allow_re_entry
    RotationIntervalSeconds int    // events.rotation_interval_seconds
}

// TokenTTL returns the lifetime of admission tokens minted for this event.
func (e Event) TokenTTL(def time.Duration) time.Duration {
    if e.RotationIntervalSeconds > 0 {
        return time.Duration(e.RotationIntervalSeconds) * time.Second
    }
    return def
}
