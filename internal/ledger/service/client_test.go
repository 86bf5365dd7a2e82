package service

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/smallbiznis/speechgate/internal/ledger/domain"
	"github.com/smallbiznis/speechgate/internal/ledger/repository"
	obsmetrics "github.com/smallbiznis/speechgate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/speechgate/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const userID = "5b0c0d8e-1f7e-4a7b-9f0e-2b1f3e9d7c11"

func newTestClient(t *testing.T) (domain.Client, sqlmock.Sqlmock, *prometheus.Registry) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn:       mockDB,
		DriverName: "postgres",
	}), &gorm.Config{SkipDefaultTransaction: true})
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	client := NewClient(Params{
		DB:      gormDB,
		Log:     zap.NewNop(),
		Repo:    repository.Provide(),
		Metrics: obsmetrics.NewEntitlementMetricsForRegistry(registry),
	})
	return client, mock, registry
}

func TestCheckPermissionSucceeds(t *testing.T) {
	client, mock, _ := newTestClient(t)
	mock.ExpectQuery(`FROM check_speech_permission\(\$1\)`).
		WithArgs(userID).
		WillReturnRows(sqlmock.NewRows([]string{"allowed", "reason", "credits_remaining", "credits_granted", "period_id"}).
			AddRow(true, nil, int64(999998), int64(999999), "p1"))

	decision, err := client.CheckPermission(context.Background(), userID, domain.LimitKindSpeeches)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckPermissionServerErrorIsRejected(t *testing.T) {
	client, mock, registry := newTestClient(t)
	mock.ExpectQuery(`FROM check_speech_permission`).
		WithArgs(userID).
		WillReturnError(&pgconn.PgError{Code: "P0001", Message: "profile missing"})

	_, err := client.CheckPermission(context.Background(), userID, domain.LimitKindSpeeches)
	assert.ErrorIs(t, err, domain.ErrLedgerRejected)
	assert.True(t, domain.IsFetchFailure(err))

	count, gatherErr := testutil.GatherAndCount(registry, "speechgate_ledger_permission_checks_total")
	require.NoError(t, gatherErr)
	assert.Equal(t, 1, count)
}

func TestCheckPermissionTransportErrorIsUnavailable(t *testing.T) {
	client, mock, _ := newTestClient(t)
	mock.ExpectQuery(`FROM check_speech_permission`).
		WithArgs(userID).
		WillReturnError(context.DeadlineExceeded)

	_, err := client.CheckPermission(context.Background(), userID, domain.LimitKindSpeeches)
	assert.ErrorIs(t, err, domain.ErrLedgerUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCheckPermissionValidatesInput(t *testing.T) {
	client, _, _ := newTestClient(t)

	_, err := client.CheckPermission(context.Background(), "someone", domain.LimitKindSpeeches)
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidUserID)

	_, err = client.CheckPermission(context.Background(), userID, domain.LimitKind("exports"))
	assert.ErrorIs(t, err, domain.ErrUnsupportedLimitKind)
	assert.False(t, domain.IsFetchFailure(err))
}

func TestClassifyKeepsMalformed(t *testing.T) {
	err := classify(errors.Join(domain.ErrMalformedDecision, errors.New("no rows")))
	assert.ErrorIs(t, err, domain.ErrMalformedDecision)
	assert.False(t, errors.Is(err, domain.ErrLedgerUnavailable))
}

func TestParseLimitKind(t *testing.T) {
	kind, err := domain.ParseLimitKind(" Speeches ")
	require.NoError(t, err)
	assert.Equal(t, domain.LimitKindSpeeches, kind)

	_, err = domain.ParseLimitKind("speech_drafts")
	assert.ErrorIs(t, err, domain.ErrInvalidLimitKind)
}
