package connector

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openSourceDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "source.db"))
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`
		CREATE TABLE customers (id INTEGER PRIMARY KEY, email TEXT, name TEXT, city TEXT);
		CREATE TABLE orders (id INTEGER PRIMARY KEY, customer_email TEXT, total TEXT);
		INSERT INTO customers VALUES (1, 'ada@example.com', 'Ada', 'London');
		INSERT INTO customers VALUES (2, 'grace@example.com', 'Grace', 'Arlington');
		INSERT INTO orders VALUES (10, 'ada@example.com', '19.99');
		INSERT INTO orders VALUES (11, 'ada@example.com', '5.00');
	`)
	require.NoError(t, err)
	return db
}

func testTables() []TableSpec {
	return []TableSpec{
		{Table: "customers", EmailColumn: "email", Columns: []string{"name", "city"}},
		{Table: "orders", EmailColumn: "customer_email", Columns: []string{"id", "total"}},
	}
}

func TestSQLConnectorDiscover(t *testing.T) {
	c := NewSQLConnector("warehouse", openSourceDB(t), testTables())

	records, err := c.Discover(context.Background(), "ada@example.com")
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "customers", records[0]["table"])
	assert.Equal(t, "Ada", records[0]["name"])
	assert.Equal(t, "London", records[0]["city"])
	assert.Equal(t, "orders", records[1]["table"])
	assert.Equal(t, "19.99", records[1]["total"])
}

func TestSQLConnectorDiscoverNoMatches(t *testing.T) {
	c := NewSQLConnector("warehouse", openSourceDB(t), testTables())

	records, err := c.Discover(context.Background(), "nobody@example.com")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestSQLConnectorErase(t *testing.T) {
	db := openSourceDB(t)
	c := NewSQLConnector("warehouse", db, testTables())
	ctx := context.Background()

	n, err := c.Erase(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Erase is idempotent: a second pass finds nothing to delete.
	n, err = c.Erase(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Other subjects are untouched.
	records, err := c.Discover(ctx, "grace@example.com")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestSQLConnectorEraseUnknownTable(t *testing.T) {
	c := NewSQLConnector("bad", openSourceDB(t), []TableSpec{
		{Table: "missing", EmailColumn: "email"},
	})

	_, err := c.Erase(context.Background(), "ada@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
}
