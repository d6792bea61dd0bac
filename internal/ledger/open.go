package ledger

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/KiranJinka45/multiAgent-sub000/errors"
)

const (
	DriverSQLite = "sqlite"
	DriverPgx    = "pgx"
)

// Open connects to the ledger database and prepares the schema. The
// returned *sql.DB is owned by the caller.
func Open(ctx context.Context, driver, dsn string) (*SQLLedger, *sql.DB, error) {
	switch driver {
	case DriverSQLite, DriverPgx:
	default:
		return nil, nil, errors.Newf("unsupported ledger driver %q", driver)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "open %s ledger", driver)
	}
	if driver == DriverSQLite {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, nil, errors.Wrapf(err, "ping %s ledger", driver)
	}

	l, err := New(ctx, db, driver)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return l, db, nil
}
