package ledger

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

func newTestLedger(t *testing.T) *SQLLedger {
	t.Helper()

	l, db, err := Open(context.Background(), DriverSQLite, ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return l
}

func TestSQLLedger_AppendAndSum(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	march := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

	for i, tokens := range []int64{40000, 50000, 15000} {
		ok, err := l.Append(ctx, Entry{
			UserID:      "u1",
			ExecutionID: "exec-" + string(rune('a'+i)),
			TokensUsed:  tokens,
			RecordedAt:  march,
		})
		require.NoError(t, err)
		assert.True(t, ok)
	}
	_, err := l.Append(ctx, Entry{UserID: "u1", ExecutionID: "exec-april", TokensUsed: 7, RecordedAt: march.AddDate(0, 1, 0)})
	require.NoError(t, err)
	_, err = l.Append(ctx, Entry{UserID: "u2", ExecutionID: "exec-other", TokensUsed: 9, RecordedAt: march})
	require.NoError(t, err)

	sum, err := l.SumForMonth(ctx, "u1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(105000), sum)

	sum, err = l.SumForMonth(ctx, "u3", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sum)
}

func TestSQLLedger_AppendIsIdempotentPerExecution(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()
	now := time.Now()

	ok, err := l.Append(ctx, Entry{UserID: "u1", ExecutionID: "exec-1", TokensUsed: 100, RecordedAt: now})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Append(ctx, Entry{UserID: "u1", ExecutionID: "exec-1", TokensUsed: 100, RecordedAt: now})
	require.NoError(t, err)
	assert.False(t, ok)

	sum, err := l.SumForMonth(ctx, "u1", MonthKey(now))
	require.NoError(t, err)
	assert.Equal(t, int64(100), sum)
}

func TestSQLLedger_AuditOverride(t *testing.T) {
	l := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.AuditOverride(ctx, Override{UserID: "owner", ExecutionID: "exec-1"}))
	require.NoError(t, l.AuditOverride(ctx, Override{UserID: "owner", ExecutionID: "exec-2", TokensUsed: 10}))

	n, err := l.CountOverrides(ctx, "owner")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestSQLLedger_PostgresPlaceholders(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS token_billing_logs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE INDEX IF NOT EXISTS").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS audit_owner_override_logs").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("WHERE user_id = $1 AND month = $2")).
		WithArgs("u1", "2026-03").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow(int64(42)))

	l, err := New(context.Background(), db, DriverPgx)
	require.NoError(t, err)

	sum, err := l.SumForMonth(context.Background(), "u1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, int64(42), sum)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLLedger_QueryErrorIsWrapped(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	l := &SQLLedger{db: db}
	mock.ExpectQuery("SELECT CAST").WillReturnError(sql.ErrConnDone)

	_, err = l.SumForMonth(context.Background(), "u1", "2026-03")
	require.Error(t, err)
	assert.True(t, errors.Is(err, sql.ErrConnDone))
	assert.Contains(t, err.Error(), "sum billing entries for u1 in 2026-03")
}

func TestOpen_RejectsUnknownDriver(t *testing.T) {
	_, _, err := Open(context.Background(), "mongo", "")
	require.Error(t, err)
}
