// Package ledger is the SQL audit trail behind the Redis governance
// counters: one row per billed execution and one row per owner override.
//
// It expects an *sql.DB opened with a registered driver. Open registers and
// accepts "sqlite" (modernc.org/sqlite) and "pgx" (PostgreSQL via
// github.com/jackc/pgx/v5/stdlib).
package ledger

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

// Entry is one billed execution.
type Entry struct {
	UserID      string
	ExecutionID string
	TokensUsed  int64
	RecordedAt  time.Time
}

// Override is one execution admitted under the owner bypass.
type Override struct {
	UserID           string
	ExecutionID      string
	TokensUsed       int64
	BuildDurationSec int64
	RecordedAt       time.Time
}

// SQLLedger stores billing entries in a relational database.
type SQLLedger struct {
	db      *sql.DB
	dollarP bool
}

// New initializes the schema and returns a ledger. driver selects the
// placeholder style and must match the driver db was opened with.
func New(ctx context.Context, db *sql.DB, driver string) (*SQLLedger, error) {
	l := &SQLLedger{db: db, dollarP: driver == DriverPgx}
	if err := l.initSchema(ctx); err != nil {
		return nil, errors.Wrap(err, "init ledger schema")
	}
	return l, nil
}

func (l *SQLLedger) initSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS token_billing_logs (
			execution_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			month TEXT NOT NULL,
			tokens_used BIGINT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_token_billing_logs_user_month
			ON token_billing_logs (user_id, month)`,
		`CREATE TABLE IF NOT EXISTS audit_owner_override_logs (
			user_id TEXT NOT NULL,
			execution_id TEXT NOT NULL,
			tokens_used BIGINT NOT NULL,
			build_duration_sec BIGINT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
	}
	for _, s := range stmts {
		if _, err := l.db.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}

// Append records an execution's tokens. A second entry for the same
// execution is ignored, so replays never double-bill.
func (l *SQLLedger) Append(ctx context.Context, e Entry) (bool, error) {
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now()
	}
	at := e.RecordedAt.UTC()
	res, err := l.db.ExecContext(ctx, l.bind(`
		INSERT INTO token_billing_logs (execution_id, user_id, month, tokens_used, recorded_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (execution_id) DO NOTHING`),
		e.ExecutionID,
		e.UserID,
		MonthKey(at),
		e.TokensUsed,
		at.Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, errors.Wrapf(err, "append billing entry for execution %s", e.ExecutionID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SumForMonth returns the tokens billed to a user in month (YYYY-MM).
func (l *SQLLedger) SumForMonth(ctx context.Context, userID, month string) (int64, error) {
	var total int64
	err := l.db.QueryRowContext(ctx, l.bind(`
		SELECT CAST(COALESCE(SUM(tokens_used), 0) AS BIGINT) FROM token_billing_logs
		WHERE user_id = ? AND month = ?`),
		userID, month,
	).Scan(&total)
	if err != nil {
		return 0, errors.Wrapf(err, "sum billing entries for %s in %s", userID, month)
	}
	return total, nil
}

// AuditOverride records an owner bypass.
func (l *SQLLedger) AuditOverride(ctx context.Context, o Override) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now()
	}
	_, err := l.db.ExecContext(ctx, l.bind(`
		INSERT INTO audit_owner_override_logs (user_id, execution_id, tokens_used, build_duration_sec, recorded_at)
		VALUES (?, ?, ?, ?, ?)`),
		o.UserID,
		o.ExecutionID,
		o.TokensUsed,
		o.BuildDurationSec,
		o.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return errors.Wrapf(err, "audit owner override for execution %s", o.ExecutionID)
	}
	return nil
}

// CountOverrides returns how many overrides were audited for a user.
func (l *SQLLedger) CountOverrides(ctx context.Context, userID string) (int64, error) {
	var n int64
	err := l.db.QueryRowContext(ctx, l.bind(
		`SELECT COUNT(*) FROM audit_owner_override_logs WHERE user_id = ?`), userID,
	).Scan(&n)
	return n, err
}

// MonthKey formats t as the YYYY-MM bucket used by both the ledger and the
// Redis token counters.
func MonthKey(t time.Time) string {
	return t.UTC().Format("2006-01")
}

// bind rewrites ? placeholders to $n for PostgreSQL.
func (l *SQLLedger) bind(q string) string {
	if !l.dollarP {
		return q
	}
	var b strings.Builder
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
