// Package presence implements the ticket presence state machine.  It is a
// pure function of the ticket's current state and the requested scan; it
// performs no I/O and never blocks.
package presence

import "github.com/gatekeep/admission/internal/model"

// Input is everything the transition function looks at.
type Input struct {
	Current      model.PresenceState
	Requested    *model.PresenceState // nil toggles
	AllowReEntry bool
	HasEntered   bool // the holder has been INSIDE at least once
	Revoked      bool
}

// Outcome is the result of one transition.  Next equals the input state
// unless Verdict is OK.
type Outcome struct {
	Next    model.PresenceState
	Target  model.PresenceState // effective direction attempted
	Verdict model.Verdict
	Reason  string
}

// Changed reports whether the transition moves the ticket.
func (o Outcome) Changed() bool { return o.Verdict == model.VerdictOK }

// Target resolves the effective direction of a scan: the requested one, or
// the opposite of current when none was requested.
func Target(current model.PresenceState, requested *model.PresenceState) model.PresenceState {
	if requested != nil {
		return *requested
	}
	return current.Opposite()
}

// Next computes the transition for in.  Revocation is checked before any
// other rule.
func Next(in Input) Outcome {
	current := in.Current
	if !current.Valid() {
		current = model.StateOutside
	}
	target := Target(current, in.Requested)
	out := Outcome{Next: current, Target: target}

	switch {
	case in.Revoked:
		out.Verdict = model.VerdictRevoked
		out.Reason = "ticket revoked"
	case target == current && current == model.StateInside:
		out.Verdict = model.VerdictAlreadyInside
		out.Reason = "already inside"
	case target == current:
		out.Verdict = model.VerdictAlreadyOutside
		out.Reason = "already outside"
	case target == model.StateInside && in.HasEntered && !in.AllowReEntry:
		out.Verdict = model.VerdictBlocked
		out.Reason = model.ReasonReEntryDisabled
	default:
		out.Next = target
		out.Verdict = model.VerdictOK
	}
	return out
}
