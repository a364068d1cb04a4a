package guard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/admission/internal/model"
)

var t0 = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)

func logAt(at time.Time, gate string, dir model.PresenceState, v model.Verdict) model.ScanLog {
	return model.ScanLog{TicketID: "tkt-1", Gate: gate, Direction: dir, Verdict: v, CreatedAt: at}
}

func TestBackoff(t *testing.T) {
	g := New(DefaultConfig())
	want := []time.Duration{30 * time.Second, 60 * time.Second, 120 * time.Second, 240 * time.Second, 480 * time.Second, 600 * time.Second, 600 * time.Second}
	for i, w := range want {
		assert.Equal(t, w, g.Backoff(i+1), "failCount %d", i+1)
	}
	assert.Equal(t, 600*time.Second, g.Backoff(1000))
}

func TestBackoff_Monotonic(t *testing.T) {
	g := New(DefaultConfig())
	var prev *model.ShareGuard
	var prevSpan time.Duration
	now := t0
	for i := 0; i < 12; i++ {
		next := g.RegisterFailure("tkt-1", prev, model.ReasonDoubleScan, now, 0)
		span := next.BlockedUntil.Sub(*next.LastFailAt)
		assert.GreaterOrEqual(t, span, prevSpan)
		assert.LessOrEqual(t, span, 600*time.Second)
		assert.Equal(t, i+1, next.FailCount)
		prev, prevSpan = next, span
		now = now.Add(span + time.Second)
	}
}

func TestRegisterFailure_MixedReasonsNeverShrink(t *testing.T) {
	g := New(DefaultConfig())
	now := t0

	first := g.RegisterFailure("tkt-1", nil, model.ReasonDeviceMismatch, now, 3*time.Minute)
	assert.Equal(t, 3*time.Minute, first.BlockedUntil.Sub(*first.LastFailAt))

	now = now.Add(4 * time.Minute)
	second := g.RegisterFailure("tkt-1", first, model.ReasonDoubleScan, now, 0)
	assert.Equal(t, 2, second.FailCount)
	assert.Equal(t, 3*time.Minute, second.BlockedUntil.Sub(*second.LastFailAt))

	now = now.Add(4 * time.Minute)
	third := g.RegisterFailure("tkt-1", second, model.ReasonFlipFlop, now, 0)
	assert.Equal(t, 3*time.Minute, third.BlockedUntil.Sub(*third.LastFailAt))

	// 30s * 2^3 overtakes the carried three minutes.
	now = now.Add(4 * time.Minute)
	fourth := g.RegisterFailure("tkt-1", third, model.ReasonFlipFlop, now, 0)
	assert.Equal(t, 4*time.Minute, fourth.BlockedUntil.Sub(*fourth.LastFailAt))

	// A clean row starts over.
	fresh := g.RegisterFailure("tkt-1", Reset("tkt-1"), model.ReasonDoubleScan, now, 0)
	assert.Equal(t, 30*time.Second, fresh.BlockedUntil.Sub(*fresh.LastFailAt))
}

func TestEvaluate_BlockCheck(t *testing.T) {
	g := New(DefaultConfig())
	until := t0.Add(time.Minute)
	reason := model.ReasonFlipFlop
	existing := &model.ShareGuard{TicketID: "tkt-1", FailCount: 2, BlockedUntil: &until, Reason: &reason}

	d := g.Evaluate(t0, Snapshot{TicketID: "tkt-1", Guard: existing}, Scan{Gate: "A", Target: model.StateInside, WouldChange: true})
	assert.False(t, d.Allowed)
	assert.False(t, d.Registered, "an active block never changes counters")
	assert.Equal(t, model.VerdictBlocked, d.Verdict)
	assert.Equal(t, model.ReasonFlipFlop, d.Reason)
	assert.Equal(t, 2, d.Guard.FailCount)

	// Once the block lapses the ticket scans again.
	d = g.Evaluate(until, Snapshot{TicketID: "tkt-1", Guard: existing}, Scan{Gate: "A", Target: model.StateInside, WouldChange: true})
	assert.True(t, d.Allowed)
}

func TestEvaluate_DeviceMismatch(t *testing.T) {
	g := New(DefaultConfig())
	d := g.Evaluate(t0, Snapshot{TicketID: "tkt-1", BoundDevice: "A"}, Scan{Gate: "g1", DeviceHash: "B", Target: model.StateInside, WouldChange: true})
	require.True(t, d.Registered)
	assert.Equal(t, model.VerdictBlocked, d.Verdict)
	assert.Equal(t, model.ReasonDeviceMismatch, d.Reason)
	assert.Equal(t, 1, d.Guard.FailCount)
	assert.Equal(t, t0.Add(180*time.Second), *d.Guard.BlockedUntil)
	assert.Equal(t, model.ReasonDeviceMismatch, *d.Guard.Reason)

	// Same device or no device presented passes.
	assert.True(t, g.Evaluate(t0, Snapshot{BoundDevice: "A"}, Scan{DeviceHash: "A"}).Allowed)
	assert.True(t, g.Evaluate(t0, Snapshot{BoundDevice: "A"}, Scan{}).Allowed)
}

func TestEvaluate_DoubleScan(t *testing.T) {
	g := New(DefaultConfig())
	recent := []model.ScanLog{logAt(t0.Add(-4*time.Second), "north", model.StateInside, model.VerdictOK)}

	d := g.Evaluate(t0, Snapshot{TicketID: "tkt-1", Recent: recent}, Scan{Gate: "south", Target: model.StateInside})
	require.True(t, d.Registered)
	assert.Equal(t, model.ReasonDoubleScan, d.Reason)
	assert.Equal(t, t0.Add(30*time.Second), *d.Guard.BlockedUntil)

	// Same gate repeat is not a race.
	assert.True(t, g.Evaluate(t0, Snapshot{Recent: recent}, Scan{Gate: "north", Target: model.StateInside}).Allowed)
	// Opposite direction is not a race.
	assert.True(t, g.Evaluate(t0, Snapshot{Recent: recent}, Scan{Gate: "south", Target: model.StateOutside, WouldChange: true}).Allowed)
	// Outside the race window.
	assert.True(t, g.Evaluate(t0.Add(7*time.Second), Snapshot{Recent: recent}, Scan{Gate: "south", Target: model.StateInside}).Allowed)
	// Rejected attempts do not count.
	rejected := []model.ScanLog{logAt(t0.Add(-time.Second), "north", model.StateInside, model.VerdictBlocked)}
	assert.True(t, g.Evaluate(t0, Snapshot{Recent: rejected}, Scan{Gate: "south", Target: model.StateInside}).Allowed)
}

func TestEvaluate_FlipFlop(t *testing.T) {
	g := New(DefaultConfig())
	var recent []model.ScanLog
	dirs := []model.PresenceState{model.StateInside, model.StateOutside, model.StateInside, model.StateOutside}
	for i, d := range dirs {
		recent = append(recent, logAt(t0.Add(time.Duration(i*12)*time.Second), "north", d, model.VerdictOK))
	}
	now := t0.Add(50 * time.Second)

	d := g.Evaluate(now, Snapshot{TicketID: "tkt-1", Recent: recent}, Scan{Gate: "north", Target: model.StateInside, WouldChange: true})
	require.True(t, d.Registered)
	assert.Equal(t, model.ReasonFlipFlop, d.Reason)

	// A no-op scan is not a toggle.
	assert.True(t, g.Evaluate(now, Snapshot{Recent: recent}, Scan{Gate: "north", Target: model.StateOutside}).Allowed)
	// Once the oldest toggle slides out of the window the fifth toggle passes.
	assert.True(t, g.Evaluate(t0.Add(61*time.Second), Snapshot{Recent: recent}, Scan{Gate: "north", Target: model.StateInside, WouldChange: true}).Allowed)
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	g := New(DefaultConfig())
	recent := []model.ScanLog{logAt(t0.Add(-time.Second), "north", model.StateInside, model.VerdictOK)}
	d := g.Evaluate(t0, Snapshot{TicketID: "tkt-1", BoundDevice: "A", Recent: recent}, Scan{Gate: "south", DeviceHash: "B", Target: model.StateInside, WouldChange: true})
	assert.Equal(t, model.ReasonDeviceMismatch, d.Reason)
	assert.Equal(t, 1, d.Guard.FailCount, "one abusive scan escalates once")
}

func TestReset(t *testing.T) {
	g := Reset("tkt-1")
	assert.Equal(t, "tkt-1", g.TicketID)
	assert.Zero(t, g.FailCount)
	assert.Nil(t, g.BlockedUntil)
	assert.Nil(t, g.LastFailAt)
	assert.Nil(t, g.Reason)
}
