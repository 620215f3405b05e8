package db

import (
	"context"
	"strings"

	"github.com/jmoiron/sqlx"
)

// GetColumnNames lists the columns of a SQL Server table
func GetColumnNames(ctx context.Context, db sqlx.QueryerContext, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = @p1 AND TABLE_NAME = @p2`
	var columns []string
	if err := sqlx.SelectContext(ctx, db, &columns, query, schema, tableName); err != nil {
		return nil, err
	}
	return columns, nil
}

// MissingColumns returns the entries of want absent from have, compared case-insensitively
func MissingColumns(have, want []string) []string {
	present := make(map[string]struct{}, len(have))
	for _, c := range have {
		present[strings.ToLower(c)] = struct{}{}
	}
	var missing []string
	for _, c := range want {
		if _, ok := present[strings.ToLower(c)]; !ok {
			missing = append(missing, c)
		}
	}
	return missing
}
