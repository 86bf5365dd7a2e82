package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const userID = "5b0c0d8e-1f7e-4a7b-9f0e-2b1f3e9d7c11"

var decisionColumns = []string{"allowed", "reason", "credits_remaining", "credits_granted", "period_id"}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)
	return gormDB, mock
}

func TestCheckPermissionAllowed(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`SELECT allowed, reason, credits_remaining, credits_granted, period_id FROM check_speech_permission\(\$1\)`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(decisionColumns).AddRow(true, nil, int64(4), int64(10), "period-7"))

	decision, err := Provide().CheckPermission(context.Background(), db, "check_speech_permission", userID)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	assert.Empty(t, decision.Reason)
	require.NotNil(t, decision.CreditsRemaining)
	assert.Equal(t, int64(4), *decision.CreditsRemaining)
	require.NotNil(t, decision.PeriodID)
	assert.Equal(t, "period-7", *decision.PeriodID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPermissionDenied(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`FROM check_speech_permission`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows(decisionColumns).AddRow(false, " No credits remaining in this period ", int64(0), int64(3), nil))

	decision, err := Provide().CheckPermission(context.Background(), db, "check_speech_permission", userID)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, "No credits remaining in this period", decision.Reason)
	assert.Nil(t, decision.PeriodID)
}

func TestCheckPermissionMalformed(t *testing.T) {
	cases := []struct {
		name string
		rows *sqlmock.Rows
	}{
		{name: "no_rows", rows: sqlmock.NewRows(decisionColumns)},
		{name: "null_allowed", rows: sqlmock.NewRows(decisionColumns).AddRow(nil, nil, nil, nil, nil)},
		{name: "negative_remaining", rows: sqlmock.NewRows(decisionColumns).AddRow(true, nil, int64(-1), int64(3), nil)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			db, mock := newMockDB(t)
			mock.ExpectQuery(`FROM check_speech_permission`).WithArgs(userID).WillReturnRows(tc.rows)

			_, err := Provide().CheckPermission(context.Background(), db, "check_speech_permission", userID)
			assert.ErrorIs(t, err, domain.ErrMalformedDecision)
		})
	}
}

func TestFindActivePeriod(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{
		"id", "user_id", "credits_granted", "credits_used", "credits_remaining", "period_start", "period_end", "is_active",
	}).AddRow("period-7", userID, int64(10), int64(6), int64(4), start, end, true)
	mock.ExpectQuery(`FROM credit_periods\s+WHERE user_id = \$1 AND is_active = \$2`).
		WithArgs(userID, true).
		WillReturnRows(rows)

	period, err := Provide().FindActivePeriod(context.Background(), db, userID)
	require.NoError(t, err)
	require.NotNil(t, period)
	assert.Equal(t, "period-7", period.ID)
	assert.Equal(t, int64(4), period.CreditsRemaining)
	assert.True(t, period.PeriodEnd.Equal(end))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindActivePeriodNone(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`FROM credit_periods`).
		WithArgs(userID, true).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	period, err := Provide().FindActivePeriod(context.Background(), db, userID)
	require.NoError(t, err)
	assert.Nil(t, period)
}
