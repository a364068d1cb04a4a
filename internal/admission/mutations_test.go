package admission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/admission/internal/model"
	"github.com/gatekeep/admission/internal/repository"
)

func TestCreateTicket(t *testing.T) {
	e := newEnv(t, false)

	tk, err := e.svc.CreateTicket(context.Background(), NewTicket{
		EventID: "evt-1", InvitationID: "inv-9", SeatID: "B-4",
		Attributes: map[string][]string{"tier": {"vip", "vip"}},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, tk.ID)
	assert.Equal(t, model.StateOutside, tk.CurrentState)
	assert.Equal(t, []string{"vip"}, tk.Attributes["tier"])
	require.NotNil(t, tk.SeatID)
	assert.Equal(t, "B-4", *tk.SeatID)
	assert.Zero(t, e.locks.heldCount())

	_, err = e.svc.CreateTicket(context.Background(), NewTicket{ID: tk.ID, EventID: "evt-1", InvitationID: "inv-9"})
	assert.ErrorIs(t, err, repository.ErrConflict)

	_, err = e.svc.CreateTicket(context.Background(), NewTicket{EventID: "evt-1"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAssignSeatAndRevoke(t *testing.T) {
	e := newEnv(t, false)
	e.addTicket("t-1", "evt-1")

	tk, err := e.svc.AssignSeat(context.Background(), "t-1", "C-7")
	require.NoError(t, err)
	assert.Equal(t, "C-7", *tk.SeatID)

	tk, err = e.svc.Revoke(context.Background(), "t-1", "refunded")
	require.NoError(t, err)
	assert.True(t, tk.Revoked)
	version := e.tickets.get("t-1").Version

	_, err = e.svc.Revoke(context.Background(), "t-1", "again")
	require.NoError(t, err)
	assert.Equal(t, version, e.tickets.get("t-1").Version, "second revoke writes nothing")

	_, err = e.svc.Revoke(context.Background(), "ghost", "")
	assert.ErrorIs(t, err, ErrTicketNotFound)
}

func TestMutation_BusyLockGivesUp(t *testing.T) {
	e := newEnv(t, false)
	e.addTicket("t-1", "evt-1")
	e.locks.held["t-1"] = "scanner"

	_, err := e.svc.Revoke(context.Background(), "t-1", "")
	assert.ErrorIs(t, err, ErrTicketBusy)
	assert.Equal(t, 3, e.locks.attempts)
	assert.False(t, e.tickets.get("t-1").Revoked)
}

func TestResetGuard(t *testing.T) {
	e := newEnv(t, false)
	e.addEvent("evt-1", true)
	e.addTicket("t-1", "evt-1")
	failed := t0
	until := t0.Add(10 * time.Minute)
	reason := model.ReasonFlipFlop
	e.guards.rows["t-1"] = model.ShareGuard{TicketID: "t-1", FailCount: 5, LastFailAt: &failed, BlockedUntil: &until, Reason: &reason}

	p, err := scanID(e, "t-1", nil, "north")
	require.NoError(t, err)
	require.Equal(t, model.VerdictBlocked, p.Verdict)

	require.NoError(t, e.svc.ResetGuard(context.Background(), "t-1"))
	g := e.guards.rows["t-1"]
	assert.Zero(t, g.FailCount)
	assert.Nil(t, g.BlockedUntil)
	assert.Nil(t, g.LastFailAt)
	assert.Nil(t, g.Reason)

	p, err = scanID(e, "t-1", nil, "north")
	require.NoError(t, err)
	assert.Equal(t, model.VerdictOK, p.Verdict)

	assert.ErrorIs(t, e.svc.ResetGuard(context.Background(), "ghost"), ErrTicketNotFound)
}

func TestUpdateAttributes(t *testing.T) {
	e := newEnv(t, false)
	e.addTicket("t-1", "evt-1")
	ctx := context.Background()

	tk, err := e.svc.UpdateAttributes(ctx, "t-1", AttributeSet, "zone", []string{"A", "B", "A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B"}, tk.Attributes["zone"])

	tk, err = e.svc.UpdateAttributes(ctx, "t-1", AttributeAppend, "zone", []string{"B", "C"})
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, tk.Attributes["zone"])

	tk, err = e.svc.UpdateAttributes(ctx, "t-1", AttributeRemove, "zone", []string{"A", "Z"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, tk.Attributes["zone"])

	tk, err = e.svc.UpdateAttributes(ctx, "t-1", AttributeSet, "zone", []string{"D"})
	require.NoError(t, err)
	assert.Equal(t, []string{"D"}, tk.Attributes["zone"])

	tk, err = e.svc.UpdateAttributes(ctx, "t-1", AttributeRemove, "zone", nil)
	require.NoError(t, err)
	assert.NotContains(t, tk.Attributes, "zone")
	assert.NotContains(t, e.tickets.get("t-1").Attributes, "zone")

	_, err = e.svc.UpdateAttributes(ctx, "t-1", AttributeMode("merge"), "zone", []string{"x"})
	assert.ErrorIs(t, err, ErrUnknownAttributeMode)
	_, err = e.svc.UpdateAttributes(ctx, "t-1", AttributeSet, " ", []string{"x"})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestUpdateAttributes_NoChangeSkipsSave(t *testing.T) {
	e := newEnv(t, false)
	e.addTicket("t-1", "evt-1")
	ctx := context.Background()

	_, err := e.svc.UpdateAttributes(ctx, "t-1", AttributeSet, "zone", []string{"A"})
	require.NoError(t, err)
	require.Equal(t, int64(2), e.tickets.get("t-1").Version)

	steps := []struct {
		mode   AttributeMode
		key    string
		values []string
	}{
		{AttributeAppend, "zone", []string{"A"}},
		{AttributeRemove, "tier", nil},
		{AttributeRemove, "zone", []string{"Z"}},
		{AttributeSet, "zone", []string{"A", "A"}},
	}
	for _, st := range steps {
		tk, err := e.svc.UpdateAttributes(ctx, "t-1", st.mode, st.key, st.values)
		require.NoError(t, err, "%s %s", st.mode, st.key)
		assert.Equal(t, []string{"A"}, tk.Attributes["zone"])
	}
	assert.Equal(t, int64(2), e.tickets.get("t-1").Version)
}

func TestApplyAttribute_DoesNotAliasInput(t *testing.T) {
	in := map[string][]string{"zone": {"A", "B"}}
	out, err := applyAttribute(in, AttributeRemove, "zone", []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, out["zone"])
	assert.Equal(t, []string{"A", "B"}, in["zone"])
}

func TestMintToken(t *testing.T) {
	e := newEnv(t, false)
	e.events.rows["evt-1"] = model.Event{ID: "evt-1", AllowReEntry: true, RotationIntervalSeconds: 15}
	e.addTicket("t-1", "evt-1")

	minted, err := e.svc.MintToken(context.Background(), "t-1", nil, "phone-7")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(15*time.Second), minted.ExpiresAt)

	tok, err := e.codec.Verify(minted.Token)
	require.NoError(t, err)
	assert.Equal(t, "t-1", tok.TicketID)
	assert.Equal(t, "evt-1", tok.EventID)
	assert.Nil(t, tok.Direction)
	assert.Len(t, tok.DeviceHash, 64)

	stored := e.tickets.get("t-1")
	require.NotNil(t, stored.LastRotatedAt)
	assert.True(t, stored.LastRotatedAt.Equal(t0))

	_, err = e.svc.Revoke(context.Background(), "t-1", "")
	require.NoError(t, err)
	_, err = e.svc.MintToken(context.Background(), "t-1", nil, "")
	assert.ErrorIs(t, err, ErrTicketRevoked)
}

func TestRecentScans(t *testing.T) {
	e := newEnv(t, false)
	e.addEvent("evt-1", true)
	e.addTicket("t-1", "evt-1")
	for i := 0; i < 3; i++ {
		_, err := scanID(e, "t-1", nil, "north")
		require.NoError(t, err)
		e.clock.Advance(time.Minute)
	}

	logs, err := e.svc.RecentScans(context.Background(), "t-1", 2)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.True(t, logs[0].CreatedAt.After(logs[1].CreatedAt))

	_, err = e.svc.RecentScans(context.Background(), "ghost", 10)
	assert.ErrorIs(t, err, ErrTicketNotFound)
}
