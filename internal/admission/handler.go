package admission

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gatekeep/admission/internal/dispatch"
	"github.com/gatekeep/admission/internal/queue"
)

// TicketHandler serves the "ticket" topic group on the bus by calling the
// Service mutation entry points.
type TicketHandler struct {
	svc *Service
}

// NewTicketHandler returns the bus handler for svc.
func NewTicketHandler(svc *Service) *TicketHandler { return &TicketHandler{svc: svc} }

// Group implements dispatch.Handler.
func (h *TicketHandler) Group() string { return "ticket" }

// Routes implements dispatch.Handler.
func (h *TicketHandler) Routes() map[string]dispatch.HandlerFunc {
	return map[string]dispatch.HandlerFunc{
		queue.TopicTicketCreate:          h.create,
		queue.TopicTicketSeatAssigned:    h.seatAssigned,
		queue.TopicTicketRevoke:          h.revoke,
		queue.TopicTicketGuardReset:      h.guardReset,
		queue.TopicTicketAttributeSet:    h.attribute(AttributeSet),
		queue.TopicTicketAttributeAppend: h.attribute(AttributeAppend),
		queue.TopicTicketAttributeRemove: h.attribute(AttributeRemove),
	}
}

func (h *TicketHandler) create(ctx context.Context, payload []byte) error {
	var m queue.TicketCreated
	if err := decode(payload, &m); err != nil {
		return err
	}
	_, err := h.svc.CreateTicket(ctx, NewTicket{
		ID:           m.TicketID,
		EventID:      m.EventID,
		InvitationID: m.InvitationID,
		SeatID:       m.SeatID,
		Attributes:   m.Attributes,
	})
	return err
}

func (h *TicketHandler) seatAssigned(ctx context.Context, payload []byte) error {
	var m queue.SeatAssigned
	if err := decode(payload, &m); err != nil {
		return err
	}
	_, err := h.svc.AssignSeat(ctx, m.TicketID, m.SeatID)
	return err
}

func (h *TicketHandler) revoke(ctx context.Context, payload []byte) error {
	var m queue.TicketRevoked
	if err := decode(payload, &m); err != nil {
		return err
	}
	_, err := h.svc.Revoke(ctx, m.TicketID, m.Reason)
	return err
}

func (h *TicketHandler) guardReset(ctx context.Context, payload []byte) error {
	var m queue.GuardReset
	if err := decode(payload, &m); err != nil {
		return err
	}
	return h.svc.ResetGuard(ctx, m.TicketID)
}

func (h *TicketHandler) attribute(mode AttributeMode) dispatch.HandlerFunc {
	return func(ctx context.Context, payload []byte) error {
		var m queue.AttributeChange
		if err := decode(payload, &m); err != nil {
			return err
		}
		_, err := h.svc.UpdateAttributes(ctx, m.TicketID, mode, m.Key, m.Values)
		return err
	}
}

func decode(payload []byte, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: decode payload: %v", ErrInvalidRequest, err)
	}
	return nil
}
