package model

import "time"

// ShareGuard tracks abuse of a single ticket.  One row exists per ticket,
// created lazily on its first registered failure.
//
// Fields:
//  TicketID     – ticket being tracked (1:1 with tickets.id).
//  FailCount    – consecutive failures since the last reset.
//  LastFailAt   – when the latest failure was registered.
//  BlockedUntil – scans are rejected until this instant.
//  Reason       – reason of the latest failure.
type ShareGuard struct {
    TicketID     string     `json:"ticket_id"`
    FailCount    int        `json:"fail_count"`
    LastFailAt   *time.Time `json:"last_fail_at,omitempty"`
    BlockedUntil *time.Time `json:"blocked_until,omitempty"`
    Reason       *string    `json:"reason,omitempty"`
}

// BlockedAt reports whether the guard blocks scans at the given instant.
func (g *ShareGuard) BlockedAt(now time.Time) bool {
    return g != nil && g.BlockedUntil != nil && g.BlockedUntil.After(now)
}
