package sqlserver

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/db"
)

// Table names in the dbo schema
const (
	CustomersTable  = "customers"
	AnonymisedTable = "customers_anonymised"
	StateTable      = "customers_anonymization_state"

	// CaptureInstance is the CDC capture instance for dbo.customers
	CaptureInstance = "dbo_customers"
)

// maxParams keeps bulk statements under the 2100 parameter limit of SQL Server
const maxParams = 2000

// sourceColumns must exist on dbo.customers
var sourceColumns = []string{
	"id", "first_name", "last_name", "email",
	"line1", "line2", "postcode", "city", "state", "country",
	"created_at",
}

var targetColumns = []string{
	"first_name", "last_name", "email",
	"line1", "line2", "postcode", "city", "state", "country",
	"created_at",
}

var createAnonymisedTable = fmt.Sprintf(`
IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%[1]s' AND schema_id = SCHEMA_ID('dbo'))
BEGIN
	CREATE TABLE dbo.%[1]s (
		id BIGINT IDENTITY(1,1) PRIMARY KEY,
		first_name NVARCHAR(64) NOT NULL,
		last_name NVARCHAR(64) NOT NULL,
		email NVARCHAR(320) NOT NULL,
		line1 NVARCHAR(64) NOT NULL,
		line2 NVARCHAR(64) NOT NULL,
		postcode NVARCHAR(64) NOT NULL,
		city NVARCHAR(255) NOT NULL,
		state NVARCHAR(255) NOT NULL,
		country NVARCHAR(255) NOT NULL,
		created_at DATETIME2(7) NOT NULL
	);
END`, AnonymisedTable)

var createStateTable = fmt.Sprintf(`
IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%[1]s' AND schema_id = SCHEMA_ID('dbo'))
BEGIN
	CREATE TABLE dbo.%[1]s (
		id INT NOT NULL PRIMARY KEY CHECK (id = 1),
		synced_at DATETIME2(7) NOT NULL,
		updated_at DATETIME2(7) NOT NULL DEFAULT SYSUTCDATETIME()
	);
END`, StateTable)

// EnsureSchema creates the anonymized and checkpoint tables if they do not exist.
// The customers table belongs to the producer and is never created here.
func EnsureSchema(ctx context.Context, conn *sqlx.DB) error {
	if _, err := conn.ExecContext(ctx, createAnonymisedTable); err != nil {
		return fmt.Errorf("failed to create %s table: %w", AnonymisedTable, err)
	}
	if _, err := conn.ExecContext(ctx, createStateTable); err != nil {
		return fmt.Errorf("failed to create %s table: %w", StateTable, err)
	}
	return nil
}

// VerifySource checks that dbo.customers has the expected columns
func VerifySource(ctx context.Context, conn *sqlx.DB) error {
	columns, err := db.GetColumnNames(ctx, conn, "dbo", CustomersTable)
	if err != nil {
		return fmt.Errorf("failed to read columns of dbo.%s: %w", CustomersTable, err)
	}
	if len(columns) == 0 {
		return fmt.Errorf("table dbo.%s not found", CustomersTable)
	}
	if missing := db.MissingColumns(columns, sourceColumns); len(missing) > 0 {
		return fmt.Errorf("table dbo.%s is missing columns: %s", CustomersTable, strings.Join(missing, ", "))
	}
	return nil
}

// VerifyCDC checks that change data capture is enabled for dbo.customers
func VerifyCDC(ctx context.Context, conn *sqlx.DB) error {
	var captures int
	err := conn.GetContext(ctx, &captures,
		`SELECT COUNT(*) FROM cdc.change_tables WHERE capture_instance = @p1`, CaptureInstance)
	if err != nil {
		return fmt.Errorf("failed to read CDC capture instances, is CDC enabled on the database? %w", err)
	}
	if captures == 0 {
		return fmt.Errorf("CDC is not enabled for dbo.%s (capture instance %s)", CustomersTable, CaptureInstance)
	}
	return nil
}
