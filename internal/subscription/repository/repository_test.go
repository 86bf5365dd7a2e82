package repository

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/smallbiznis/speechgate/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const userID = "5b0c0d8e-1f7e-4a7b-9f0e-2b1f3e9d7c11"

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

func TestFindRecord(t *testing.T) {
	db, mock := newMockDB(t)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	updated := time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"user_id", "plan", "status", "start_date", "end_date", "updated_at"}).
		AddRow(userID, "Premium", "ACTIVE", start, end, updated)
	mock.ExpectQuery(`SELECT user_id, plan, status, start_date, end_date, updated_at\s+FROM subscriptions\s+WHERE user_id = \$1`).
		WithArgs(userID).
		WillReturnRows(rows)

	record, err := Provide().FindRecord(context.Background(), db, userID)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.PlanPremium, record.Plan)
	assert.Equal(t, domain.StatusActive, record.Status)
	assert.True(t, record.StartDate.Equal(start))
	require.NotNil(t, record.EndDate)
	assert.True(t, record.EndDate.Equal(end))
	assert.True(t, record.UpdatedAt.Equal(updated))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestFindRecordNoRows(t *testing.T) {
	db, mock := newMockDB(t)
	mock.ExpectQuery(`FROM subscriptions`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "plan", "status", "start_date", "end_date", "updated_at"}))

	record, err := Provide().FindRecord(context.Background(), db, userID)
	require.NoError(t, err)
	assert.Nil(t, record)
}

func TestFindSnapshotNullEndDate(t *testing.T) {
	db, mock := newMockDB(t)
	updated := time.Date(2026, 1, 15, 8, 30, 0, 0, time.UTC)

	rows := sqlmock.NewRows([]string{"plan", "status", "end_date", "updated_at"}).
		AddRow("pro", "active", nil, updated)
	mock.ExpectQuery(`SELECT plan, status, end_date, updated_at\s+FROM subscriptions`).
		WithArgs(userID).
		WillReturnRows(rows)

	snapshot, err := Provide().FindSnapshot(context.Background(), db, userID)
	require.NoError(t, err)
	require.NotNil(t, snapshot)
	assert.Equal(t, domain.PlanPro, snapshot.Plan)
	assert.Nil(t, snapshot.EndDate)
	assert.True(t, snapshot.UpdatedAt.Equal(updated))
	require.NoError(t, mock.ExpectationsWereMet())
}
