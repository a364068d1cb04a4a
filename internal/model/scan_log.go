package model

import "time"

// Verdict is the outcome of a single scan attempt.  Verdicts are values:
// security rejections are reported through them, never through errors.
type Verdict string

const (
    VerdictOK             Verdict = "OK"
    VerdictAlreadyInside  Verdict = "ALREADY_INSIDE"
    VerdictAlreadyOutside Verdict = "ALREADY_OUTSIDE"
    VerdictBlocked        Verdict = "BLOCKED"
    VerdictRevoked        Verdict = "REVOKED"

    // Token verdicts tell the gate to ask for a rescan rather than refuse.
    VerdictExpired      Verdict = "EXPIRED"
    VerdictBadSignature Verdict = "BAD_SIGNATURE"
    VerdictMalformed    Verdict = "MALFORMED"
    VerdictReplayed     Verdict = "REPLAYED"

    // VerdictRetry means another scan of the same ticket is in flight.
    VerdictRetry Verdict = "RETRY"
)

// IsTokenFailure reports whether v came from token verification.
func (v Verdict) IsTokenFailure() bool {
    switch v {
    case VerdictExpired, VerdictBadSignature, VerdictMalformed, VerdictReplayed:
        return true
    }
    return false
}

// Failure reasons recorded on ScanLog and ShareGuard rows.
const (
    ReasonDeviceMismatch  = "DEVICE_MISMATCH"
    ReasonDoubleScan      = "DOUBLE_SCAN"
    ReasonFlipFlop        = "FLIP_FLOP"
    ReasonReEntryDisabled = "REENTRY_DISABLED"
)

// ScanLog is the append-only audit record of one scan attempt.
//
// Fields:
//  ID           – random identifier.
//  TicketID     – scanned ticket (empty when the token could not be trusted).
//  EventID      – event of the scanned ticket.
//  Direction    – effective direction attempted.
//  Verdict      – outcome of the attempt.
//  Reason       – human-readable reason shown to gate staff, if any.
//  Gate         – gate identifier supplied by the scanner.
//  DeviceHash   – device fingerprint digest presented, if any.
//  ActingUserID – staff member operating the gate, if known.
//  CreatedAt    – when the attempt was recorded.
type ScanLog struct {
    ID           string        `json:"id"`
    TicketID     string        `json:"ticket_id"`
    EventID      string        `json:"event_id"`
    Direction    PresenceState `json:"direction,omitempty"`
    Verdict      Verdict       `json:"verdict"`
    Reason       string        `json:"reason,omitempty"`
    Gate         string        `json:"gate"`
    DeviceHash   *string       `json:"device_hash,omitempty"`
    ActingUserID *string       `json:"acting_user_id,omitempty"`
    CreatedAt    time.Time     `json:"created_at"`
}
