package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

func TestSelectFields(t *testing.T) {
	tbl, _ := testTable(t, "author", nil)

	all, err := SelectFields(tbl, nil)
	require.NoError(t, err)
	assert.Len(t, all, 3)

	all, err = SelectFields(tbl, []string{"name", "*"})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	some, err := SelectFields(tbl, []string{"NAME", "id", "name"})
	require.NoError(t, err)
	require.Len(t, some, 2)
	assert.Equal(t, "name", some[0].Name)
	assert.Equal(t, "id", some[1].Name)

	_, err = SelectFields(tbl, []string{"secret"})
	requireAppError(t, err, 400, "UNKNOWN_FIELD")
}

func TestParseOrder(t *testing.T) {
	tbl, _ := testTable(t, "author", nil)

	sorts, err := ParseOrder(tbl, "name desc, ID")
	require.NoError(t, err)
	assert.Equal(t, []OrderClause{{Field: "name", Dir: "DESC"}, {Field: "id", Dir: "ASC"}}, sorts)

	sorts, err = ParseOrder(tbl, " ")
	require.NoError(t, err)
	assert.Nil(t, sorts)

	_, err = ParseOrder(tbl, "name sideways")
	requireAppError(t, err, 400, "BAD_REQUEST")
	_, err = ParseOrder(tbl, "name asc nulls")
	requireAppError(t, err, 400, "BAD_REQUEST")
	_, err = ParseOrder(tbl, "rank")
	requireAppError(t, err, 400, "UNKNOWN_FIELD")
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		limit, max int
		want       int
		clamped    bool
	}{
		{0, 100, 100, true},
		{-1, 100, 100, true},
		{50, 100, 50, false},
		{100, 100, 100, false},
		{101, 100, 100, true},
	}
	for _, tt := range tests {
		got, clamped := ClampLimit(tt.limit, tt.max)
		assert.Equal(t, tt.want, got)
		assert.Equal(t, tt.clamped, clamped)
	}
}

func TestBuildSelectSQL(t *testing.T) {
	tbl, _ := testTable(t, "author", nil)
	plan := &QueryPlan{
		Table:  tbl,
		Fields: []*metadata.Field{tbl.GetField("name")},
		Filter: WhereClause{Field: "id", Operator: OpGt, Value: 1},
		Sorts:  []OrderClause{{Field: "name", Dir: "DESC"}},
		Limit:  10,
		Offset: 5,
	}

	qr, bindings := BuildSelectSQL(&store.SQLiteDialect{}, plan)
	assert.Equal(t, `SELECT "name" FROM "author" WHERE "id" > ?1 ORDER BY "name" DESC LIMIT ?2 OFFSET ?3`, qr.SQL)
	assert.Equal(t, []any{1, 10, 5}, qr.Params)
	require.Len(t, bindings, 1)
	assert.Equal(t, "name", bindings[0].Name)

	count := BuildCountSQL(&store.SQLiteDialect{}, plan)
	assert.Equal(t, `SELECT COUNT(*) AS total FROM "author" WHERE "id" > ?1`, count.SQL)
	assert.Equal(t, []any{1}, count.Params)

	plan.Sorts = nil
	qr, _ = BuildSelectSQL(&store.SQLServerDialect{}, plan)
	assert.Contains(t, qr.SQL, `FROM [author] WHERE [id] > @p1 ORDER BY (SELECT NULL) OFFSET @p2 ROWS FETCH NEXT @p3 ROWS ONLY`)

	qr, _ = BuildSelectSQL(&store.PostgresDialect{}, &QueryPlan{Table: tbl})
	assert.Equal(t, `SELECT "id", "name", "owner" FROM "author"`, qr.SQL)
	assert.Empty(t, qr.Params)
}

func TestApplyBindings(t *testing.T) {
	when := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := []map[string]any{{
		"id":     []byte("7"),
		"score":  "2.5",
		"active": int64(1),
		"name":   []byte("x"),
		"at":     when,
		"gone":   nil,
	}}
	ApplyBindings(rows, []Binding{
		{Name: "id", BindType: "int"},
		{Name: "score", BindType: "float"},
		{Name: "active", BindType: "bool"},
		{Name: "name", BindType: "string"},
		{Name: "at", BindType: "string"},
		{Name: "gone", BindType: "int"},
	})
	assert.Equal(t, map[string]any{
		"id":     int64(7),
		"score":  2.5,
		"active": true,
		"name":   "x",
		"at":     "2024-05-01T12:00:00Z",
		"gone":   nil,
	}, rows[0])
}

func TestBuildWriteSQL(t *testing.T) {
	tbl, _ := testTable(t, "note", nil)
	d := &store.SQLiteDialect{}

	sql, params := BuildInsertSQL(d, tbl, map[string]any{
		"body":       "hi",
		"created_at": store.Expr(d.NowExpr()),
	}, []string{"id"})
	assert.Equal(t, `INSERT INTO "note" ("body", "created_at") VALUES (?1, datetime('now')) RETURNING "id"`, sql)
	assert.Equal(t, []any{"hi"}, params)

	sql, params = BuildUpdateSQL(d, tbl, map[string]any{"score": 3, "body": "x"}, WhereClause{Field: "id", Operator: OpEq, Value: 1})
	assert.Equal(t, `UPDATE "note" SET "body" = ?1, "score" = ?2 WHERE "id" = ?3`, sql)
	assert.Equal(t, []any{"x", 3, 1}, params)

	sql, _ = BuildUpdateSQL(d, tbl, nil, nil)
	assert.Empty(t, sql)

	sql, params = BuildDeleteSQL(d, "note", WhereClause{Field: "id", Operator: OpIn, Value: []any{1, 2}})
	assert.Equal(t, `DELETE FROM "note" WHERE "id" IN (?1, ?2)`, sql)
	assert.Equal(t, []any{1, 2}, params)
}
