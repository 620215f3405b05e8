package db

import (
	"context"
	"fmt"
	"time"

	_ "github.com/denisenkom/go-mssqldb"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

// Supported database/sql driver names
const (
	DriverSQLServer = "sqlserver"
	DriverSQLite    = "sqlite"
)

const pingTimeout = 15 * time.Second

func init() {
	// modernc registers as "sqlite", which sqlx does not map to a bind type on its own
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Connect opens a pool for driver and verifies it with a ping
func Connect(ctx context.Context, driver, dsn string) (*sqlx.DB, error) {
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	// SQLite serializes writers; a single connection also keeps in-memory databases shared
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping %s database: %w", driver, err)
	}

	return db, nil
}

// CreatedAtOrNow returns ts, or the current UTC time when ts is zero.
// Anonymized records whose creation time was not retained are stamped at insert.
func CreatedAtOrNow(ts time.Time) time.Time {
	if ts.IsZero() {
		return time.Now().UTC()
	}
	return ts.UTC()
}
