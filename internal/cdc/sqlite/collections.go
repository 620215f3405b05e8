package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jmoiron/sqlx"

	"github.com/katasec/dstream-anonymizer/internal/db"
	"github.com/katasec/dstream-anonymizer/pkg/types"
)

const scanPageSize = 500

type customerRow struct {
	ID        int64  `db:"id" json:"id"`
	FirstName string `db:"first_name" json:"first_name"`
	LastName  string `db:"last_name" json:"last_name"`
	Email     string `db:"email" json:"email"`
	Line1     string `db:"line1" json:"line1"`
	Line2     string `db:"line2" json:"line2"`
	Postcode  string `db:"postcode" json:"postcode"`
	City      string `db:"city" json:"city"`
	State     string `db:"state" json:"state"`
	Country   string `db:"country" json:"country"`
	CreatedAt int64  `db:"created_at" json:"created_at"`
}

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
		CreatedAt: fromNanos(r.CreatedAt),
	}
}

func toNanos(ts time.Time) int64 {
	return ts.UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// Customers reads the customers table
type Customers struct {
	db     *sqlx.DB
	logger hclog.Logger
}

// NewCustomers returns a reader for customers
func NewCustomers(conn *sqlx.DB, logger hclog.Logger) *Customers {
	return &Customers{db: conn, logger: logger}
}

// ScanCreatedBetween pages through matching customers in (created_at, id) order.
// Pages are fully read before fn runs, which keeps the single connection free for writes.
func (c *Customers) ScanCreatedBetween(ctx context.Context, from, to time.Time, fn func(types.CustomerRecord) error) error {
	query := fmt.Sprintf(`SELECT id, first_name, last_name, email, line1, line2, postcode, city, state, country, created_at
FROM %s
WHERE created_at <= ? AND (created_at > ? OR (created_at = ? AND id > ?))
ORDER BY created_at, id
LIMIT %d`, CustomersTable, scanPageSize)

	upper := toNanos(to)
	afterCreated, afterID := toNanos(from), int64(-1)
	for {
		var page []customerRow
		if err := c.db.SelectContext(ctx, &page, query, upper, afterCreated, afterCreated, afterID); err != nil {
			return fmt.Errorf("failed to scan %s: %w", CustomersTable, err)
		}
		c.logger.Debug("Scanned page", "table", CustomersTable, "rows", len(page))

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

// InsertCustomers adds records to the customers table in one transaction and
// returns their ids. A zero CreatedAt is set to the current time.
func InsertCustomers(ctx context.Context, conn *sqlx.DB, records []types.CustomerRecord) ([]int64, error) {
	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf(`INSERT INTO %s (first_name, last_name, email, line1, line2, postcode, city, state, country, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, CustomersTable)

	ids := make([]int64, 0, len(records))
	for _, r := range records {
		res, err := tx.ExecContext(ctx, query,
			r.FirstName, r.LastName, r.Email,
			r.Address.Line1, r.Address.Line2, r.Address.Postcode,
			r.Address.City, r.Address.State, r.Address.Country,
			toNanos(db.CreatedAtOrNow(r.CreatedAt)),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to insert into %s: %w", CustomersTable, err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit insert into %s: %w", CustomersTable, err)
	}
	return ids, nil
}

// AnonymisedCustomers writes customers_anonymised
type AnonymisedCustomers struct {
	db *sqlx.DB
}

// NewAnonymisedCustomers returns a writer for customers_anonymised
func NewAnonymisedCustomers(conn *sqlx.DB) *AnonymisedCustomers {
	return &AnonymisedCustomers{db: conn}
}

func targetValues(doc types.AnonymizedCustomer) []any {
	return []any{
		doc.FirstName, doc.LastName, doc.Email,
		doc.Address.Line1, doc.Address.Line2, doc.Address.Postcode,
		doc.Address.City, doc.Address.State, doc.Address.Country,
		toNanos(db.CreatedAtOrNow(doc.CreatedAt)),
	}
}

// InsertOne writes a single anonymized customer
func (a *AnonymisedCustomers) InsertOne(ctx context.Context, doc types.AnonymizedCustomer) error {
	query := fmt.Sprintf(`INSERT INTO %s (first_name, last_name, email, line1, line2, postcode, city, state, country, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, AnonymisedTable)
	if _, err := a.db.ExecContext(ctx, query, targetValues(doc)...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", AnonymisedTable, err)
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
	if err := db.BulkInsert(ctx, tx, AnonymisedTable, customerColumns, rows, maxParams); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit insert into %s: %w", AnonymisedTable, err)
	}
	return nil
}

// DeleteAll removes every anonymized customer
func (a *AnonymisedCustomers) DeleteAll(ctx context.Context) (int64, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM "+AnonymisedTable)
	if err != nil {
		return 0, fmt.Errorf("failed to clear %s: %w", AnonymisedTable, err)
	}
	return res.RowsAffected()
}
