// Package connector implements data-source connectors for the
// fulfillment pipeline. A connector enumerates and erases everything
// one backing store holds about a data subject, keyed by email.
package connector

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/gdprhub/hublite/pkg/contracts"
)

// TableSpec maps one table of a SQL source to subject records.
type TableSpec struct {
	// Table is the table name. It is interpolated into statements, so it
	// must come from a trusted manifest, never from request input.
	Table string `yaml:"table"`
	// EmailColumn is the column matched against the subject email.
	EmailColumn string `yaml:"email_column"`
	// Columns are the columns returned by Discover. Empty means every
	// column of the row.
	Columns []string `yaml:"columns"`
}

// SQLConnector discovers and erases subject rows across the configured
// tables of a single database. Erase deletes matching rows outright, so
// the same subject erased twice deletes zero rows the second time.
type SQLConnector struct {
	name   string
	db     *sql.DB
	tables []TableSpec
}

// NewSQLConnector builds a connector over an open database handle. The
// caller owns the handle's lifecycle.
func NewSQLConnector(name string, db *sql.DB, tables []TableSpec) *SQLConnector {
	return &SQLConnector{name: name, db: db, tables: tables}
}

// Name identifies the connector in findings and audit records.
func (c *SQLConnector) Name() string { return c.name }

// Discover returns one record per matching row, tagged with the table
// it came from.
func (c *SQLConnector) Discover(ctx context.Context, subjectEmail string) ([]contracts.Record, error) {
	var out []contracts.Record
	for _, t := range c.tables {
		records, err := c.discoverTable(ctx, t, subjectEmail)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Table, err)
		}
		out = append(out, records...)
	}
	return out, nil
}

func (c *SQLConnector) discoverTable(ctx context.Context, t TableSpec, subjectEmail string) ([]contracts.Record, error) {
	cols := "*"
	if len(t.Columns) > 0 {
		cols = strings.Join(t.Columns, ", ")
	}
	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", cols, t.Table, t.EmailColumn)

	rows, err := c.db.QueryContext(ctx, query, subjectEmail)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}

	var out []contracts.Record
	for rows.Next() {
		values := make([]sql.NullString, len(names))
		dest := make([]any, len(names))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}

		rec := contracts.Record{"table": t.Table}
		for i, name := range names {
			if values[i].Valid {
				rec[name] = values[i].String
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Erase deletes every matching row in every configured table and
// returns the total number of rows removed.
func (c *SQLConnector) Erase(ctx context.Context, subjectEmail string) (int, error) {
	total := 0
	for _, t := range c.tables {
		stmt := fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.Table, t.EmailColumn)
		res, err := c.db.ExecContext(ctx, stmt, subjectEmail)
		if err != nil {
			return total, fmt.Errorf("table %s: %w", t.Table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("table %s: %w", t.Table, err)
		}
		total += int(n)
	}
	return total, nil
}
