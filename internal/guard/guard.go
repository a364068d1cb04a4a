// Package guard detects tickets that look shared between several people
// and throttles them with an escalating, always temporary, block.
//
// Evaluation is pure: the caller loads the ticket's ShareGuard row and its
// recent scan history under the ticket lock, asks for a Decision and
// persists Decision.Guard when Decision.Registered is set.
package guard

import (
	"time"

	"github.com/gatekeep/admission/internal/config"
	"github.com/gatekeep/admission/internal/model"
)

// Config holds the detection thresholds.
type Config struct {
	BaseBackoff         time.Duration
	MaxBackoff          time.Duration
	DeviceMismatchBlock time.Duration
	RaceWindow          time.Duration
	FlipFlopWindow      time.Duration
	FlipFlopMaxToggles  int
}

// DefaultConfig returns the stock thresholds: 30s base backoff capped at
// 10 minutes, a flat 3 minute device-mismatch block, a 10s race window and
// at most 4 toggles per 60s.
func DefaultConfig() Config {
	return Config{
		BaseBackoff:         30 * time.Second,
		MaxBackoff:          600 * time.Second,
		DeviceMismatchBlock: 3 * time.Minute,
		RaceWindow:          10 * time.Second,
		FlipFlopWindow:      60 * time.Second,
		FlipFlopMaxToggles:  4,
	}
}

// FromConfig converts the environment-backed settings.
func FromConfig(c config.GuardConfig) Config {
	return Config{
		BaseBackoff:         c.BaseBackoff,
		MaxBackoff:          c.MaxBackoff,
		DeviceMismatchBlock: c.DeviceMismatchBlock,
		RaceWindow:          c.RaceWindow,
		FlipFlopWindow:      c.FlipFlopWindow,
		FlipFlopMaxToggles:  c.FlipFlopMaxToggles,
	}
}

// Scan describes the attempt being evaluated.
type Scan struct {
	Gate        string
	DeviceHash  string
	Target      model.PresenceState // effective direction attempted
	WouldChange bool                // the state machine would move the ticket
}

// Snapshot is the persisted state the guard reads.
type Snapshot struct {
	TicketID    string
	Guard       *model.ShareGuard // nil until the first failure
	BoundDevice string
	Recent      []model.ScanLog // scans inside HistoryWindow, any order
}

// Decision is the guard's answer.  When Allowed is false the scan must be
// answered with Verdict and Reason.  Registered means Guard changed and has
// to be saved.
type Decision struct {
	Allowed    bool
	Verdict    model.Verdict
	Reason     string
	Registered bool
	Guard      *model.ShareGuard
}

// Guard evaluates scans against Config.
type Guard struct {
	cfg Config
}

// New returns a Guard using cfg.
func New(cfg Config) *Guard { return &Guard{cfg: cfg} }

// HistoryWindow is how far back Snapshot.Recent has to reach.
func (g *Guard) HistoryWindow() time.Duration {
	if g.cfg.FlipFlopWindow > g.cfg.RaceWindow {
		return g.cfg.FlipFlopWindow
	}
	return g.cfg.RaceWindow
}

// Evaluate runs the block, device-mismatch, double-scan and flip-flop
// checks in that order.  At most one failure is registered per scan.
func (g *Guard) Evaluate(now time.Time, snap Snapshot, scan Scan) Decision {
	if snap.Guard.BlockedAt(now) {
		reason := "blocked"
		if snap.Guard.Reason != nil && *snap.Guard.Reason != "" {
			reason = *snap.Guard.Reason
		}
		return Decision{Verdict: model.VerdictBlocked, Reason: reason, Guard: snap.Guard}
	}

	switch {
	case snap.BoundDevice != "" && scan.DeviceHash != "" && scan.DeviceHash != snap.BoundDevice:
		return g.fail(now, snap, model.ReasonDeviceMismatch, g.cfg.DeviceMismatchBlock)
	case g.doubleScan(now, snap.Recent, scan):
		return g.fail(now, snap, model.ReasonDoubleScan, 0)
	case g.flipFlop(now, snap.Recent, scan):
		return g.fail(now, snap, model.ReasonFlipFlop, 0)
	}
	return Decision{Allowed: true, Guard: snap.Guard}
}

// doubleScan reports a scan for the same direction from another gate
// inside the race window.  Repeats at the same gate are left to the state
// machine, which answers them with ALREADY_*.
func (g *Guard) doubleScan(now time.Time, recent []model.ScanLog, scan Scan) bool {
	for _, l := range recent {
		if !isPresenceAttempt(l.Verdict) || now.Sub(l.CreatedAt) > g.cfg.RaceWindow {
			continue
		}
		if l.Direction == scan.Target && l.Gate != scan.Gate {
			return true
		}
	}
	return false
}

// flipFlop reports a toggle that would exceed the allowed number of state
// changes inside the sliding window.
func (g *Guard) flipFlop(now time.Time, recent []model.ScanLog, scan Scan) bool {
	if !scan.WouldChange {
		return false
	}
	toggles := 0
	for _, l := range recent {
		if l.Verdict == model.VerdictOK && now.Sub(l.CreatedAt) <= g.cfg.FlipFlopWindow {
			toggles++
		}
	}
	return toggles+1 > g.cfg.FlipFlopMaxToggles
}

func (g *Guard) fail(now time.Time, snap Snapshot, reason string, flat time.Duration) Decision {
	next := g.RegisterFailure(snap.TicketID, snap.Guard, reason, now, flat)
	return Decision{
		Verdict:    model.VerdictBlocked,
		Reason:     reason,
		Registered: true,
		Guard:      next,
	}
}

// RegisterFailure returns prev with one more failure recorded.  A positive
// flat duration replaces the exponential backoff.  The new block is never
// shorter than the previous one, whatever the reasons of the two failures.
func (g *Guard) RegisterFailure(ticketID string, prev *model.ShareGuard, reason string, now time.Time, flat time.Duration) *model.ShareGuard {
	next := &model.ShareGuard{TicketID: ticketID}
	if prev != nil {
		*next = *prev
		next.TicketID = ticketID
	}
	next.FailCount++
	block := flat
	if block <= 0 {
		block = g.Backoff(next.FailCount)
	}
	if last := lastSpan(prev); last > block {
		block = last
	}
	failAt := now
	until := now.Add(block)
	r := reason
	next.LastFailAt = &failAt
	next.BlockedUntil = &until
	next.Reason = &r
	return next
}

// Backoff returns min(Base * 2^(failCount-1), Max).
func (g *Guard) Backoff(failCount int) time.Duration {
	if failCount < 1 {
		failCount = 1
	}
	d := g.cfg.BaseBackoff
	for i := 1; i < failCount && d < g.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > g.cfg.MaxBackoff {
		d = g.cfg.MaxBackoff
	}
	return d
}

// lastSpan is the length of the previous block, zero after a reset.
func lastSpan(prev *model.ShareGuard) time.Duration {
	if prev == nil || prev.LastFailAt == nil || prev.BlockedUntil == nil {
		return 0
	}
	return prev.BlockedUntil.Sub(*prev.LastFailAt)
}

// Reset returns the clean guard row for ticketID.
func Reset(ticketID string) *model.ShareGuard {
	return &model.ShareGuard{TicketID: ticketID}
}

func isPresenceAttempt(v model.Verdict) bool {
	switch v {
	case model.VerdictOK, model.VerdictAlreadyInside, model.VerdictAlreadyOutside:
		return true
	}
	return false
}
