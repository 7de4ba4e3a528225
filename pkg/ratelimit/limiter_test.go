package ratelimit

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantrylabs/gantry/pkg/store"
)

func newLimiter(t *testing.T) (*Limiter, sqlmock.Sqlmock) {
	t.Helper()
	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = mockDB.Close() })
	db := &store.DB{DB: sqlx.NewDb(mockDB, "sqlmock"), Driver: store.DriverSQLite}
	return New(store.NewRateCounterRepo(db), store.NewRateLimitConfigRepo(db)), mock
}

func configCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"endpoint", "limit_value", "window_seconds"})
}

func counterCols() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"principal_id", "endpoint", "limit_value", "window_seconds", "current_count", "window_start"})
}

func expectResolve(mock sqlmock.Sqlmock, endpoint string, limit, window int) {
	mock.ExpectQuery("SELECT \\* FROM rate_limit_config").
		WithArgs(endpoint).
		WillReturnRows(configCols().AddRow(endpoint, limit, window))
}

func expectApply(mock sqlmock.Sqlmock, pid int64, endpoint string, limit, window, resultCount int) {
	mock.ExpectQuery("INSERT INTO rate_counters").
		WithArgs(pid, endpoint, limit, window, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnRows(counterCols().AddRow(pid, endpoint, limit, window, resultCount, int64(1_700_000_000)))
}

func TestCheckUnderLimit(t *testing.T) {
	l, mock := newLimiter(t)
	expectResolve(mock, "search", 10, 60)
	expectApply(mock, 1, "search", 10, 60, 4)

	st, err := l.Check(context.Background(), 1, "search")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 6, st.Remaining)
	assert.Equal(t, 4, st.Current)
	assert.Equal(t, 10, st.Limit)
	assert.Equal(t, "search", st.Endpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckAtLimitDenies(t *testing.T) {
	l, mock := newLimiter(t)
	expectResolve(mock, "search", 10, 60)
	expectApply(mock, 1, "search", 10, 60, 10)

	st, err := l.Check(context.Background(), 1, "search")
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.Equal(t, 0, st.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowConsumesQuotaOnPass(t *testing.T) {
	l, mock := newLimiter(t)
	expectResolve(mock, "hydrate", 5, 30)
	expectApply(mock, 7, "hydrate", 5, 30, 2)
	expectApply(mock, 7, "hydrate", 5, 30, 3)

	st, err := l.Allow(context.Background(), 7, "hydrate")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 3, st.Current)
	assert.Equal(t, 2, st.Remaining)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAllowDeniedWithoutConsuming(t *testing.T) {
	l, mock := newLimiter(t)
	expectResolve(mock, "hydrate", 5, 30)
	expectApply(mock, 7, "hydrate", 5, 30, 5)

	st, err := l.Allow(context.Background(), 7, "hydrate")
	require.NoError(t, err)
	assert.False(t, st.Allowed)
	assert.Equal(t, 0, st.Remaining)
	// No second apply: the denied check must not increment.
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestIncrementReturnsNewCount(t *testing.T) {
	l, mock := newLimiter(t)
	expectResolve(mock, "export", 3, 60)
	expectApply(mock, 2, "export", 3, 60, 1)

	n, err := l.Increment(context.Background(), 2, "export")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckFallsBackToDefaultConfig(t *testing.T) {
	l, mock := newLimiter(t)
	mock.ExpectQuery("SELECT \\* FROM rate_limit_config").
		WithArgs("unknown").
		WillReturnRows(configCols())
	mock.ExpectQuery("SELECT \\* FROM rate_limit_config").
		WithArgs(store.DefaultEndpoint).
		WillReturnRows(configCols().AddRow(store.DefaultEndpoint, 50, 120))
	expectApply(mock, 9, "unknown", 50, 120, 0)

	st, err := l.Check(context.Background(), 9, "unknown")
	require.NoError(t, err)
	assert.True(t, st.Allowed)
	assert.Equal(t, 50, st.Limit)
	assert.Equal(t, "unknown", st.Endpoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}
