package store

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"baas-gateway/internal/config"
)

func newSQLiteStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), config.DatabaseConfig{
		Driver: "sqlite",
		Path:   t.TempDir(),
		Name:   "store_test",
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

const testSchema = `
CREATE TABLE author (id INTEGER PRIMARY KEY, name TEXT NOT NULL, active BOOLEAN DEFAULT 1);
CREATE TABLE book (
    id INTEGER PRIMARY KEY,
    title VARCHAR(200) NOT NULL,
    author_id INTEGER REFERENCES author(id),
    created_at DATETIME
);
CREATE TABLE tag (code TEXT PRIMARY KEY, label TEXT);
CREATE TABLE book_tag (
    book_id INTEGER NOT NULL REFERENCES book(id),
    tag_code TEXT NOT NULL REFERENCES tag(code),
    PRIMARY KEY (book_id, tag_code)
);`

func TestSQLiteIntrospection(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	_, err := s.DB.ExecContext(ctx, testSchema)
	require.NoError(t, err)

	tables, err := s.Dialect.Tables(ctx, s.DB)
	require.NoError(t, err)
	assert.Equal(t, []string{"author", "book", "book_tag", "tag"}, tables)

	cols, err := s.Dialect.Columns(ctx, s.DB, "book")
	require.NoError(t, err)
	require.Len(t, cols, 4)
	assert.Equal(t, "id", cols[0].Name)
	assert.True(t, cols[0].PrimaryKey)
	assert.True(t, cols[0].AutoIncrement)
	assert.False(t, cols[1].Nullable)
	assert.True(t, cols[2].Nullable)

	tagCols, err := s.Dialect.Columns(ctx, s.DB, "book_tag")
	require.NoError(t, err)
	for _, c := range tagCols {
		assert.True(t, c.PrimaryKey)
		assert.False(t, c.AutoIncrement, "composite keys are never auto-increment")
	}

	missing, err := s.Dialect.Columns(ctx, s.DB, "nope")
	require.NoError(t, err)
	assert.Empty(t, missing)

	fks, err := s.Dialect.ForeignKeys(ctx, s.DB)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ForeignKey{
		{Table: "book", Column: "author_id", RefTable: "author", RefColumn: "id"},
		{Table: "book_tag", Column: "book_id", RefTable: "book", RefColumn: "id"},
		{Table: "book_tag", Column: "tag_code", RefTable: "tag", RefColumn: "code"},
	}, fks)
}

func TestQueryHelpersAndWithTx(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)
	_, err := s.DB.ExecContext(ctx, testSchema)
	require.NoError(t, err)

	rows, err := QueryRows(ctx, s.DB, `INSERT INTO author (name) VALUES (?1) RETURNING id`, "Ann")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0]["id"])

	boom := errors.New("boom")
	err = s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := Exec(ctx, tx, `INSERT INTO author (name) VALUES (?1)`, "Rolled back"); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	row, err := QueryRow(ctx, s.DB, `SELECT COUNT(*) AS n FROM author`)
	require.NoError(t, err)
	assert.Equal(t, int64(1), row["n"])

	_, err = QueryRow(ctx, s.DB, `SELECT id FROM author WHERE id = ?1`, 99)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = Exec(ctx, s.DB, `INSERT INTO book (title, author_id) VALUES (?1, ?2)`, "Orphan", 42)
	require.Error(t, err)
	assert.ErrorIs(t, s.Dialect.MapError(err), ErrForeignKeyViolation)
}

func TestNormalizeValue(t *testing.T) {
	// 6F9619FF-8B86-D011-B42D-00C04FC964FF as stored by SQL Server
	raw := []byte{0xFF, 0x19, 0x96, 0x6F, 0x86, 0x8B, 0x11, 0xD0, 0xB4, 0x2D, 0x00, 0xC0, 0x4F, 0xC9, 0x64, 0xFF}
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", normalizeValue("UNIQUEIDENTIFIER", raw))

	assert.Equal(t, "12.50", normalizeValue("DECIMAL", []byte("12.50")))
	assert.Equal(t, "2024-05-01", normalizeValue("TEXT", "2024-05-01"), "text columns are left alone")
	assert.Equal(t,
		time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC),
		normalizeValue("DATETIME", []byte("2024-05-01 10:30:00")))
	assert.Equal(t, "not a date", normalizeValue("TIMESTAMP", "not a date"))
	assert.Equal(t, int64(3), normalizeValue("INTEGER", int64(3)))
	assert.Nil(t, normalizeValue("TEXT", nil))
}
