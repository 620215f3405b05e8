package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// Table names
const (
	CustomersTable  = "customers"
	AnonymisedTable = "customers_anonymised"
	StateTable      = "customers_anonymization_state"
	// ChangeLogTable is filled by triggers on customers and read by Feed
	ChangeLogTable = "customers_change_log"
)

// maxParams stays below SQLITE_MAX_VARIABLE_NUMBER on older builds
const maxParams = 999

// customerColumns are shared by customers and customers_anonymised (minus id)
var customerColumns = []string{
	"first_name", "last_name", "email",
	"line1", "line2", "postcode", "city", "state", "country",
	"created_at",
}

// CustomersDDL creates the producer-owned customers table. Timestamps are unix nanoseconds.
func CustomersDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + CustomersTable + ` (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    first_name TEXT NOT NULL,
    last_name  TEXT NOT NULL,
    email      TEXT NOT NULL,
    line1      TEXT NOT NULL DEFAULT '',
    line2      TEXT NOT NULL DEFAULT '',
    postcode   TEXT NOT NULL DEFAULT '',
    city       TEXT NOT NULL DEFAULT '',
    state      TEXT NOT NULL DEFAULT '',
    country    TEXT NOT NULL DEFAULT '',
    created_at INTEGER NOT NULL
);`
}

// CustomersIndexDDL indexes customers in scan order
func CustomersIndexDDL() string {
	return `CREATE INDEX IF NOT EXISTS ` + CustomersTable + `_created_at ON ` + CustomersTable + `(created_at, id);`
}

// AnonymisedDDL creates the anonymized customers table
func AnonymisedDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + AnonymisedTable + ` (
    id         INTEGER PRIMARY KEY AUTOINCREMENT,
    first_name TEXT NOT NULL,
    last_name  TEXT NOT NULL,
    email      TEXT NOT NULL,
    line1      TEXT NOT NULL,
    line2      TEXT NOT NULL,
    postcode   TEXT NOT NULL,
    city       TEXT NOT NULL,
    state      TEXT NOT NULL,
    country    TEXT NOT NULL,
    created_at INTEGER NOT NULL
);`
}

// StateDDL creates the single-row checkpoint table
func StateDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + StateTable + ` (
    id         INTEGER PRIMARY KEY CHECK (id = 1),
    synced_at  INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);`
}

// ChangeLogDDL creates the change log populated by ChangeLogTriggers
func ChangeLogDDL() string {
	return `CREATE TABLE IF NOT EXISTS ` + ChangeLogTable + ` (
    seq         INTEGER PRIMARY KEY AUTOINCREMENT,
    op          TEXT NOT NULL,
    customer_id INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    logged_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);`
}

// ChangeLogTriggers returns AFTER INSERT and AFTER UPDATE triggers copying the
// post-image of every customers row into the change log as a JSON object.
func ChangeLogTriggers() []string {
	payload := `json_object(
        'id', NEW.id,
        'first_name', NEW.first_name,
        'last_name', NEW.last_name,
        'email', NEW.email,
        'line1', NEW.line1,
        'line2', NEW.line2,
        'postcode', NEW.postcode,
        'city', NEW.city,
        'state', NEW.state,
        'country', NEW.country,
        'created_at', NEW.created_at
    )`

	trigger := func(suffix, event, op string) string {
		return fmt.Sprintf(`CREATE TRIGGER IF NOT EXISTS %[1]s_%[2]s AFTER %[3]s ON %[1]s
BEGIN
    INSERT INTO %[4]s(op, customer_id, payload)
    VALUES ('%[5]s', NEW.id, %[6]s);
END;`, CustomersTable, suffix, event, ChangeLogTable, op, payload)
	}

	return []string{
		trigger("ai", "INSERT", "insert"),
		trigger("au", "UPDATE", "update"),
	}
}

// EnsureSchema creates every table and trigger. In SQLite mode this process owns
// the source schema as well as the target.
func EnsureSchema(ctx context.Context, conn *sqlx.DB) error {
	stmts := []string{CustomersDDL(), CustomersIndexDDL(), AnonymisedDDL(), StateDDL(), ChangeLogDDL()}
	stmts = append(stmts, ChangeLogTriggers()...)
	for _, stmt := range stmts {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
