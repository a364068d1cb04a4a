// Package queue carries admission traffic over RabbitMQ: the inbound topic
// consumer that feeds the dispatch registry, the outbound envelope
// publisher and the message payloads exchanged in both directions.
package queue

import "time"

// Inbound topics.  Every topic belongs to the "ticket" group.
const (
    TopicTicketCreate          = "ticket.create"
    TopicTicketSeatAssigned    = "ticket.seat.assigned"
    TopicTicketRevoke          = "ticket.revoke"
    TopicTicketGuardReset      = "ticket.guard.reset"
    TopicTicketAttributeSet    = "ticket.attribute.set"
    TopicTicketAttributeAppend = "ticket.attribute.append"
    TopicTicketAttributeRemove = "ticket.attribute.remove"
)

// Outbound events.
const (
    EventAdmissionScanned = "admission.scanned"
)

// EnvelopeVersion is stamped on every outbound envelope.
const EnvelopeVersion = 1

// Envelope wraps every published payload.
type Envelope struct {
    Event   string `json:"event"`
    Service string `json:"service"`
    Version int    `json:"version"`
    Trace   string `json:"trace,omitempty"`
    Payload any    `json:"payload"`
}

// TicketCreated is the payload of ticket.create.  An empty TicketID lets
// the engine generate one.
type TicketCreated struct {
    TicketID     string              `json:"ticket_id,omitempty"`
    EventID      string              `json:"event_id"`
    InvitationID string              `json:"invitation_id"`
    SeatID       string              `json:"seat_id,omitempty"`
    Attributes   map[string][]string `json:"attributes,omitempty"`
}

// SeatAssigned is the payload of ticket.seat.assigned.
type SeatAssigned struct {
    TicketID string `json:"ticket_id"`
    SeatID   string `json:"seat_id"`
}

// TicketRevoked is the payload of ticket.revoke.
type TicketRevoked struct {
    TicketID string `json:"ticket_id"`
    Reason   string `json:"reason,omitempty"`
}

// GuardReset is the payload of ticket.guard.reset.
type GuardReset struct {
    TicketID string `json:"ticket_id"`
}

// AttributeChange is the payload of the three ticket.attribute.* topics.
// The topic decides whether Values replace, extend or shrink the key.
type AttributeChange struct {
    TicketID string   `json:"ticket_id"`
    Key      string   `json:"key"`
    Values   []string `json:"values"`
}

// AdmissionScanned is published after every recorded scan so downstream
// consumers can follow occupancy without polling the database.
type AdmissionScanned struct {
    LogID     string    `json:"log_id"`
    TicketID  string    `json:"ticket_id"`
    EventID   string    `json:"event_id"`
    Gate      string    `json:"gate"`
    Direction string    `json:"direction,omitempty"`
    Verdict   string    `json:"verdict"`
    Reason    string    `json:"reason,omitempty"`
    State     string    `json:"state,omitempty"`
    ScannedAt time.Time `json:"scanned_at"`
}
