package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/db"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

const scanPageSize = 500

// customerRow maps a dbo.customers row and a CDC change row
type customerRow struct {
	ID        int64     `db:"id"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	Email     string    `db:"email"`
	Line1     string    `db:"line1"`
	Line2     string    `db:"line2"`
	Postcode  string    `db:"postcode"`
	City      string    `db:"city"`
	State     string    `db:"state"`
	Country   string    `db:"country"`
	CreatedAt time.Time `db:"created_at"`
}

// selectCustomerColumns reads nullable text columns as empty strings
const selectCustomerColumns = `id,
	COALESCE(first_name, '') AS first_name, COALESCE(last_name, '') AS last_name, COALESCE(email, '') AS email,
	COALESCE(line1, '') AS line1, COALESCE(line2, '') AS line2, COALESCE(postcode, '') AS postcode,
	COALESCE(city, '') AS city, COALESCE(state, '') AS state, COALESCE(country, '') AS country,
	created_at`

func (r customerRow) record() types.CustomerRecord {
	return types.CustomerRecord{
		ID:        r.ID,
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Address: types.Address{
			Line1:    r.Line1,
			Line2:    r.Line2,
			Postcode: r.Postcode,
			City:     r.City,
			State:    r.State,
			Country:  r.Country,
		},
		CreatedAt: r.CreatedAt.UTC(),
	}
}

// Customers reads dbo.customers
type Customers struct {
	db     *sqlx.DB
	logger hclog.Logger
}

// NewCustomers returns a reader for dbo.customers
func NewCustomers(conn *sqlx.DB, logger hclog.Logger) *Customers {
	return &Customers{db: conn, logger: logger}
}

// ScanCreatedBetween pages through matching customers in (created_at, id) order.
// Each page is a separate query so no result set stays open while fn runs.
func (c *Customers) ScanCreatedBetween(ctx context.Context, from, to time.Time, fn func(types.CustomerRecord) error) error {
	query := fmt.Sprintf(`
		SELECT TOP(%d) %s
		FROM dbo.%s WITH (NOLOCK)
		WHERE created_at <= @to
		AND (created_at > @afterCreated OR (created_at = @afterCreated AND id > @afterID))
		ORDER BY created_at, id`, scanPageSize, selectCustomerColumns, CustomersTable)

	afterCreated, afterID := from.UTC(), int64(-1)
	for {
		var page []customerRow
		err := c.db.SelectContext(ctx, &page, query,
			sql.Named("to", to.UTC()),
			sql.Named("afterCreated", afterCreated),
			sql.Named("afterID", afterID),
		)
		if err != nil {
			return fmt.Errorf("failed to scan dbo.%s: %w", CustomersTable, err)
		}
		c.logger.Debug("Scanned page", "table", CustomersTable, "rows", len(page), "after", afterCreated)

		for _, row := range page {
			if err := fn(row.record()); err != nil {
				return err
			}
		}
		if len(page) < scanPageSize {
			return nil
		}
		last := page[len(page)-1]
		afterCreated, afterID = last.CreatedAt, last.ID
	}
}

// AnonymisedCustomers writes dbo.customers_anonymised
type AnonymisedCustomers struct {
	db *sqlx.DB
}

// NewAnonymisedCustomers returns a writer for dbo.customers_anonymised
func NewAnonymisedCustomers(conn *sqlx.DB) *AnonymisedCustomers {
	return &AnonymisedCustomers{db: conn}
}

func targetValues(doc types.AnonymizedCustomer) []any {
	return []any{
		doc.FirstName, doc.LastName, doc.Email,
		doc.Address.Line1, doc.Address.Line2, doc.Address.Postcode,
		doc.Address.City, doc.Address.State, doc.Address.Country,
		db.CreatedAtOrNow(doc.CreatedAt),
	}
}

// InsertOne writes a single anonymized customer
func (a *AnonymisedCustomers) InsertOne(ctx context.Context, doc types.AnonymizedCustomer) error {
	query := fmt.Sprintf(`INSERT INTO dbo.%s (first_name, last_name, email, line1, line2, postcode, city, state, country, created_at)
		VALUES (@p1, @p2, @p3, @p4, @p5, @p6, @p7, @p8, @p9, @p10)`, AnonymisedTable)
	if _, err := a.db.ExecContext(ctx, query, targetValues(doc)...); err != nil {
		return fmt.Errorf("failed to insert into dbo.%s: %w", AnonymisedTable, err)
	}
	return nil
}

// InsertMany writes docs in one transaction
func (a *AnonymisedCustomers) InsertMany(ctx context.Context, docs []types.AnonymizedCustomer) error {
	if len(docs) == 0 {
		return nil
	}
	rows := make([][]any, len(docs))
	for i, doc := range docs {
		rows[i] = targetValues(doc)
	}

	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := db.BulkInsert(ctx, tx, "dbo."+AnonymisedTable, targetColumns, rows, maxParams); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert into dbo.%s: %w", AnonymisedTable, err)
	}
	return nil
}

// DeleteAll removes every anonymized customer
func (a *AnonymisedCustomers) DeleteAll(ctx context.Context) (int64, error) {
	res, err := a.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM dbo.%s`, AnonymisedTable))
	if err != nil {
		return 0, fmt.Errorf("failed to clear dbo.%s: %w", AnonymisedTable, err)
	}
	return res.RowsAffected()
}
