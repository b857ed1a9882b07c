package db

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
)

// ExportTableNames are the tables included in spreadsheet exports.
var ExportTableNames = []string{
	"reservations",
	"slots",
	"vouchers",
	"voucher_redemptions",
	"notification_log",
	"payment_effects",
	"unmatched_payments",
}

// TableNames returns the exportable tables.
func (db *DB) TableNames(_ context.Context) ([]string, error) {
	return ExportTableNames, nil
}

// TableData returns all rows of an exportable table in column order.
func (db *DB) TableData(ctx context.Context, table string) (columns []string, data [][]any, err error) {
	// Table names are interpolated, so only the allow-list is accepted.
	if !slices.Contains(ExportTableNames, table) {
		return nil, nil, fmt.Errorf("invalid table name: %s", table)
	}

	rows, err := db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, nil, err
	}
	for rows.Next() {
		var (
			cid, notNull, pk int
			name, typeName   string
			dflt             sql.NullString
		)
		if err = rows.Scan(&cid, &name, &typeName, &notNull, &dflt, &pk); err != nil {
			rows.Close()
			return nil, nil, err
		}
		columns = append(columns, name)
	}
	rows.Close()
	if len(columns) == 0 {
		return nil, nil, fmt.Errorf("table %s has no columns", table)
	}

	dataRows, err := db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s ORDER BY rowid", table))
	if err != nil {
		return nil, nil, err
	}
	defer dataRows.Close()

	for dataRows.Next() {
		values := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err = dataRows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		data = append(data, values)
	}
	return columns, data, dataRows.Err()
}
