package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
)

// BulkInsert writes rows into table with multi-row INSERT statements, keeping each
// statement under maxParams bind parameters. Placeholders are rebound for the driver of tx.
func BulkInsert(ctx context.Context, tx *sqlx.Tx, table string, columns []string, rows [][]any, maxParams int) error {
	if len(rows) == 0 {
		return nil
	}
	perStmt := maxParams / len(columns)
	if perStmt < 1 {
		perStmt = 1
	}

	rowPlaceholder := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", ") + ")"
	prefix := fmt.Sprintf("INSERT INTO %s (%s) VALUES ", table, strings.Join(columns, ", "))

	for start := 0; start < len(rows); start += perStmt {
		end := min(start+perStmt, len(rows))
		chunk := rows[start:end]

		var sb strings.Builder
		sb.WriteString(prefix)
		args := make([]any, 0, len(chunk)*len(columns))
		for i, row := range chunk {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d has %d values for %d columns", start+i, len(row), len(columns))
			}
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(rowPlaceholder)
			args = append(args, row...)
		}

		if _, err := tx.ExecContext(ctx, tx.Rebind(sb.String()), args...); err != nil {
			return fmt.Errorf("failed to insert rows %d-%d into %s: %w", start, end-1, table, err)
		}
	}
	return nil
}
