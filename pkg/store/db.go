package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Drivers accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

func init() {
	// modernc registers as "sqlite"; sqlx does not know its bindvar style.
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// DB wraps the sqlx handle with the driver name so repositories can branch
// on dialect where a single portable statement is not possible.
type DB struct {
	*sqlx.DB
	Driver string
}

// Open connects and pings. SQLite URLs may be a bare file path or
// ":memory:"; Postgres URLs are lib/pq DSNs or postgres:// URLs.
func Open(ctx context.Context, driver, url string) (*DB, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		url = sqliteDSN(url)
	default:
		return nil, fmt.Errorf("store: unknown driver %q", driver)
	}
	db, err := sqlx.Open(driver, url)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", driver, err)
	}
	if driver == DriverPostgres {
		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		// Serialize writers; modernc sqlite locks the whole file.
		db.SetMaxOpenConns(1)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping %s: %w", driver, err)
	}
	return &DB{DB: db, Driver: driver}, nil
}

// sqliteDSN appends the connection options every handle needs: timestamps
// in SQLite's text format so SQL comparisons work, foreign keys on, and a
// busy timeout so the single writer does not fail fast under contention.
func sqliteDSN(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + "_time_format=sqlite&_pragma=foreign_keys(1)&_pragma=busy_timeout(10000)"
}

// TableExists reports whether the named table is present. Used at startup
// to decide between enforcing and pass-through policy behavior before
// migrations have run.
func (d *DB) TableExists(ctx context.Context, name string) (bool, error) {
	var q string
	switch d.Driver {
	case DriverPostgres:
		q = `SELECT COUNT(1) FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1`
	default:
		q = `SELECT COUNT(1) FROM sqlite_master WHERE type = 'table' AND name = ?`
	}
	var n int
	if err := d.GetContext(ctx, &n, q, name); err != nil {
		return false, err
	}
	return n > 0, nil
}

// InTx runs fn in a transaction, committing on nil and rolling back on
// error or panic.
func (d *DB) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := d.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}
