package admission

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/gatekeep/admission/internal/guard"
	"github.com/gatekeep/admission/internal/lock"
	"github.com/gatekeep/admission/internal/metrics"
	"github.com/gatekeep/admission/internal/model"
	"github.com/gatekeep/admission/internal/presence"
	"github.com/gatekeep/admission/internal/token"
)

// ScanRequest is one gate scan.  Either Token or TicketID must be set.
// DeviceHash is the raw fingerprint or its digest; it is hashed before use.
type ScanRequest struct {
	Token        string
	TicketID     string
	Direction    *model.PresenceState
	Gate         string
	DeviceHash   string
	ActingUserID string
}

// ScanPayload is the answer shown at the gate.  Ticket is nil for codec
// failures and RETRY; Log is nil for RETRY.
type ScanPayload struct {
	Verdict model.Verdict  `json:"verdict"`
	Reason  string         `json:"reason,omitempty"`
	Ticket  *model.Ticket  `json:"ticket,omitempty"`
	Log     *model.ScanLog `json:"log,omitempty"`
}

// Scan decides one admission attempt.  Security outcomes are verdicts;
// only ErrTicketNotFound, ErrInvalidRequest and infrastructure failures are
// returned as errors.
func (s *Service) Scan(ctx context.Context, req ScanRequest) (ScanPayload, error) {
	start := time.Now()
	p, err := s.scan(ctx, req)
	if err != nil {
		metrics.Scan("error", time.Since(start))
		return ScanPayload{}, err
	}
	metrics.Scan(string(p.Verdict), time.Since(start))
	return p, nil
}

// scanResult is a decided scan.  announce marks a persisted log row that
// is published once the ticket lock is gone.
type scanResult struct {
	payload  ScanPayload
	announce bool
	state    model.PresenceState
}

func (s *Service) scan(ctx context.Context, req ScanRequest) (ScanPayload, error) {
	req.Gate = strings.TrimSpace(req.Gate)
	if req.Gate == "" {
		return ScanPayload{}, fmt.Errorf("%w: gate is required", ErrInvalidRequest)
	}
	if req.Direction != nil && !req.Direction.Valid() {
		return ScanPayload{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidRequest, *req.Direction)
	}

	ticketID := req.TicketID
	direction := req.Direction
	device := ""
	if req.DeviceHash != "" {
		device = token.HashDevice(req.DeviceHash)
	}

	var tok *token.AdmissionToken
	switch {
	case req.Token != "":
		verified, err := s.codec.Verify(req.Token)
		if err != nil {
			res, err := s.rejectToken(ctx, req, verified, device, codecVerdict(err))
			return s.finish(ctx, res, err)
		}
		tok = &verified
		ticketID = tok.TicketID
		if tok.Direction != nil {
			direction = tok.Direction
		}
		if device == "" {
			device = tok.DeviceHash
		}
	case ticketID == "":
		return ScanPayload{}, fmt.Errorf("%w: token or ticket id is required", ErrInvalidRequest)
	}

	owner, err := s.locks.Acquire(ctx, ticketID, s.lockTTL)
	if errors.Is(err, lock.ErrLockHeld) {
		return ScanPayload{Verdict: model.VerdictRetry, Reason: "scan in progress, retry"}, nil
	}
	if err != nil {
		return ScanPayload{}, fmt.Errorf("acquire lock: %w", err)
	}
	res, err := func() (scanResult, error) {
		defer s.release(ctx, ticketID, owner)
		return s.decide(ctx, req, ticketID, direction, device, tok)
	}()
	return s.finish(ctx, res, err)
}

// finish publishes a persisted verdict.  It runs without the ticket lock.
func (s *Service) finish(ctx context.Context, res scanResult, err error) (ScanPayload, error) {
	if err != nil {
		return ScanPayload{}, err
	}
	if res.announce {
		s.publishScanned(ctx, res.payload.Log, res.state)
	}
	return res.payload, nil
}

// decide runs with the ticket lock held.  A token nonce is checked here and
// consumed only once a verdict has been recorded, so a scan that fails
// before that can be retried with the same token.
func (s *Service) decide(ctx context.Context, req ScanRequest, ticketID string, direction *model.PresenceState, device string, tok *token.AdmissionToken) (scanResult, error) {
	t, err := s.loadTicket(ctx, ticketID)
	if err != nil {
		return scanResult{}, err
	}
	event, err := s.loadEvent(ctx, t.EventID)
	if err != nil {
		return scanResult{}, err
	}

	checkNonce := tok != nil && s.nonces != nil
	if checkNonce {
		used, err := s.nonces.Used(ctx, tok.JTI)
		if err != nil {
			return scanResult{}, fmt.Errorf("check token nonce: %w", err)
		}
		if used {
			return s.rejectToken(ctx, req, *tok, device, model.VerdictReplayed)
		}
	}

	res, err := s.admit(ctx, t, event, req, direction, device)
	if err != nil || !checkNonce {
		return res, err
	}
	if err := s.nonces.Consume(ctx, tok.JTI, tok.ExpiresAt); err != nil {
		s.log.Error("consume token nonce", "ticket_id", t.ID, "err", err)
	}
	return res, nil
}

// admit applies the state machine and the share guard to a loaded ticket.
func (s *Service) admit(ctx context.Context, t *model.Ticket, event model.Event, req ScanRequest, direction *model.PresenceState, device string) (scanResult, error) {
	now := s.now().UTC()

	out := presence.Next(presence.Input{
		Current:      t.CurrentState,
		Requested:    direction,
		AllowReEntry: event.AllowReEntry,
		HasEntered:   t.HasEntered(),
		Revoked:      t.Revoked,
	})
	entry := s.newLog(t, req, out.Target, device, now)

	if out.Verdict == model.VerdictRevoked {
		return s.record(ctx, t, entry, out.Verdict, out.Reason)
	}

	decision, err := s.evaluateGuard(ctx, t, now, guard.Scan{
		Gate:        req.Gate,
		DeviceHash:  device,
		Target:      out.Target,
		WouldChange: out.Changed(),
	})
	if err != nil {
		return scanResult{}, err
	}
	if !decision.Allowed {
		if decision.Registered {
			if err := s.guards.Upsert(ctx, decision.Guard); err != nil {
				return scanResult{}, fmt.Errorf("save share guard: %w", err)
			}
			metrics.GuardFailure(decision.Reason)
			s.log.Info("share guard failure", "ticket_id", t.ID, "reason", decision.Reason,
				"fail_count", decision.Guard.FailCount, "blocked_until", decision.Guard.BlockedUntil)
		}
		return s.record(ctx, t, entry, decision.Verdict, decision.Reason)
	}

	if out.Changed() {
		t.CurrentState = out.Next
		if out.Next == model.StateInside && t.FirstEnteredAt == nil {
			entered := now
			t.FirstEnteredAt = &entered
		}
		if device != "" && t.DeviceBoundKey == nil {
			bound := device
			t.DeviceBoundKey = &bound
		}
		if err := s.tickets.Save(ctx, t); err != nil {
			return scanResult{}, fmt.Errorf("save ticket %s: %w", t.ID, err)
		}
	}
	return s.record(ctx, t, entry, out.Verdict, out.Reason)
}

func (s *Service) evaluateGuard(ctx context.Context, t *model.Ticket, now time.Time, scan guard.Scan) (guard.Decision, error) {
	row, err := s.guards.Get(ctx, t.ID)
	if err != nil {
		return guard.Decision{}, fmt.Errorf("load share guard: %w", err)
	}
	recent, err := s.logs.RecentByTicket(ctx, t.ID, now.Add(-s.guard.HistoryWindow()), 0)
	if err != nil {
		return guard.Decision{}, fmt.Errorf("load scan history: %w", err)
	}
	snap := guard.Snapshot{TicketID: t.ID, Guard: row, Recent: recent}
	if t.DeviceBoundKey != nil {
		snap.BoundDevice = *t.DeviceBoundKey
	}
	return s.guard.Evaluate(now, snap, scan), nil
}

func (s *Service) newLog(t *model.Ticket, req ScanRequest, dir model.PresenceState, device string, now time.Time) *model.ScanLog {
	l := &model.ScanLog{
		ID:        uuid.NewString(),
		TicketID:  t.ID,
		EventID:   t.EventID,
		Direction: dir,
		Gate:      req.Gate,
		CreatedAt: now,
	}
	if device != "" {
		d := device
		l.DeviceHash = &d
	}
	if req.ActingUserID != "" {
		u := req.ActingUserID
		l.ActingUserID = &u
	}
	return l
}

// record appends the scan log.
func (s *Service) record(ctx context.Context, t *model.Ticket, l *model.ScanLog, v model.Verdict, reason string) (scanResult, error) {
	l.Verdict = v
	l.Reason = reason
	if err := s.logs.Append(ctx, l); err != nil {
		return scanResult{}, fmt.Errorf("append scan log: %w", err)
	}
	return scanResult{
		payload:  ScanPayload{Verdict: v, Reason: reason, Ticket: t, Log: l},
		announce: true,
		state:    t.CurrentState,
	}, nil
}

// rejectToken answers a token that failed verification.  The log row is
// persisted only when the signature proved the ticket id genuine.
func (s *Service) rejectToken(ctx context.Context, req ScanRequest, tok token.AdmissionToken, device string, v model.Verdict) (scanResult, error) {
	l := &model.ScanLog{
		ID:        uuid.NewString(),
		TicketID:  tok.TicketID,
		EventID:   tok.EventID,
		Verdict:   v,
		Reason:    rescanReason(v),
		Gate:      req.Gate,
		CreatedAt: s.now().UTC(),
	}
	if tok.Direction != nil {
		l.Direction = *tok.Direction
	} else if req.Direction != nil {
		l.Direction = *req.Direction
	}
	if device != "" {
		d := device
		l.DeviceHash = &d
	}
	if req.ActingUserID != "" {
		u := req.ActingUserID
		l.ActingUserID = &u
	}
	trusted := (v == model.VerdictExpired || v == model.VerdictReplayed) && tok.TicketID != ""
	if trusted {
		if err := s.logs.Append(ctx, l); err != nil {
			return scanResult{}, fmt.Errorf("append scan log: %w", err)
		}
	}
	s.log.Info("token rejected", "verdict", v, "gate", req.Gate, "ticket_id", tok.TicketID)
	return scanResult{payload: ScanPayload{Verdict: v, Reason: l.Reason, Log: l}, announce: trusted}, nil
}

func codecVerdict(err error) model.Verdict {
	switch {
	case errors.Is(err, token.ErrExpired):
		return model.VerdictExpired
	case errors.Is(err, token.ErrBadSignature):
		return model.VerdictBadSignature
	default:
		return model.VerdictMalformed
	}
}

func rescanReason(v model.Verdict) string {
	switch v {
	case model.VerdictExpired:
		return "token expired, rescan"
	case model.VerdictReplayed:
		return "token already used, rescan"
	case model.VerdictBadSignature:
		return "token not recognised, rescan"
	default:
		return "unreadable token, rescan"
	}
}
