package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gatekeep/admission/internal/model"
)

func TestScanLogRepo_Append(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewScanLogRepo(db)

	at := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	mock.ExpectExec(`INSERT INTO scan_logs`).
		WithArgs("log-1", "t-1", "e-1", "INSIDE", "OK", nil, "north", nil, "staff-9", at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	staff := "staff-9"
	require.NoError(t, repo.Append(context.Background(), &model.ScanLog{
		ID: "log-1", TicketID: "t-1", EventID: "e-1", Direction: model.StateInside,
		Verdict: model.VerdictOK, Gate: "north", ActingUserID: &staff, CreatedAt: at,
	}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestScanLogRepo_RecentByTicket(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	repo := NewScanLogRepo(db)

	since := time.Date(2026, 5, 1, 19, 0, 0, 0, time.UTC)
	cols := []string{"id", "ticket_id", "event_id", "direction", "verdict", "reason", "gate", "device_hash", "acting_user_id", "created_at"}
	mock.ExpectQuery(`SELECT (.+) FROM scan_logs WHERE ticket_id = \? AND created_at >= \? ORDER BY created_at DESC LIMIT \?`).
		WithArgs("t-1", since, 100).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("log-2", "t-1", "e-1", "OUTSIDE", "BLOCKED", "DOUBLE_SCAN", "south", "abcd", nil, since.Add(20*time.Second)).
			AddRow("log-1", "t-1", "e-1", "INSIDE", "OK", nil, "north", nil, "staff-9", since.Add(10*time.Second)))

	logs, err := repo.RecentByTicket(context.Background(), "t-1", since, 0)
	require.NoError(t, err)
	require.Len(t, logs, 2)
	assert.Equal(t, model.VerdictBlocked, logs[0].Verdict)
	assert.Equal(t, model.ReasonDoubleScan, logs[0].Reason)
	require.NotNil(t, logs[0].DeviceHash)
	assert.Equal(t, "abcd", *logs[0].DeviceHash)
	assert.Nil(t, logs[0].ActingUserID)
	assert.Equal(t, model.StateInside, logs[1].Direction)
	assert.Equal(t, "", logs[1].Reason)
	assert.NoError(t, mock.ExpectationsWereMet())
}
