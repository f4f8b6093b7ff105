package engine

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// createOne inserts one record and performs its relation fan-out through q.
// It returns the identifying fields plus the relation keys of the new row.
func (s *SQLService) createOne(ctx context.Context, q store.Querier, sess *metadata.Session, tbl *metadata.Table, idFields []*metadata.Field, record map[string]any, opts Options) (map[string]any, error) {
	fields, relations, err := ParseRecord(tbl, record, false, sess, s.dialect(), nil)
	if err != nil {
		return nil, err
	}
	if scope := And(opts.ServerFilters...); scope != nil && !MatchesFilter(scope, fields) {
		return nil, ForbiddenError(fmt.Sprintf("Record is outside the permitted scope of %s", tbl.Name))
	}

	returning := requiredColumns(tbl, idFields)
	sqlStr, params := BuildInsertSQL(s.dialect(), tbl, fields, returning)

	var row map[string]any
	if len(returning) == 0 {
		if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
			return nil, fmt.Errorf("insert %s: %w", tbl.Name, err)
		}
		row = map[string]any{}
	} else {
		row, err = store.QueryRow(ctx, q, sqlStr, params...)
		if err != nil {
			return nil, fmt.Errorf("insert %s: %w", tbl.Name, err)
		}
	}

	if len(relations) > 0 {
		if err := s.applyRelations(ctx, q, sess, tbl, row, relations, opts); err != nil {
			return nil, err
		}
	}
	return row, nil
}

// updateOne updates the record identified by id and performs its relation fan-out.
func (s *SQLService) updateOne(ctx context.Context, q store.Querier, sess *metadata.Session, tbl *metadata.Table, idFields []*metadata.Field, id any, record map[string]any, opts Options) (map[string]any, error) {
	where, err := idFilter(idFields, id)
	if err != nil {
		return nil, err
	}
	scoped := And(where, And(opts.ServerFilters...))

	idNames := lo.Map(idFields, func(f *metadata.Field, _ int) string { return f.Name })
	fields, relations, err := ParseRecord(tbl, record, true, sess, s.dialect(), idNames)
	if err != nil {
		return nil, err
	}

	lookup := scoped
	if len(fields) > 0 {
		sqlStr, params := BuildUpdateSQL(s.dialect(), tbl, fields, scoped)
		n, err := store.Exec(ctx, q, sqlStr, params...)
		if err != nil {
			return nil, fmt.Errorf("update %s: %w", tbl.Name, err)
		}
		if n == 0 {
			return nil, NotFoundError(tbl.Name, idString(idFields, id))
		}
		// the update may have moved the row out of scope
		lookup = where
	}

	rows, err := selectRows(ctx, q, s.dialect(), tbl.Name, requiredColumns(tbl, idFields), lookup)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NotFoundError(tbl.Name, idString(idFields, id))
	}

	if len(relations) > 0 {
		if err := s.applyRelations(ctx, q, sess, tbl, rows[0], relations, opts); err != nil {
			return nil, err
		}
	}
	return rows[0], nil
}

// deleteOne cascades to related rows and deletes the record identified by id.
func (s *SQLService) deleteOne(ctx context.Context, q store.Querier, sess *metadata.Session, tbl *metadata.Table, idFields []*metadata.Field, id any, opts Options) (map[string]any, error) {
	where, err := idFilter(idFields, id)
	if err != nil {
		return nil, err
	}

	rows, err := selectRows(ctx, q, s.dialect(), tbl.Name, requiredColumns(tbl, idFields), And(where, And(opts.ServerFilters...)))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, NotFoundError(tbl.Name, idString(idFields, id))
	}

	if err := s.cascadeDelete(ctx, q, sess, tbl, rows[0], opts); err != nil {
		return nil, err
	}

	sqlStr, params := BuildDeleteSQL(s.dialect(), tbl.Name, where)
	n, err := store.Exec(ctx, q, sqlStr, params...)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", tbl.Name, err)
	}
	if n == 0 {
		return nil, NotFoundError(tbl.Name, idString(idFields, id))
	}
	return rows[0], nil
}

// recordID extracts the identifier of a record: the scalar value for a single
// identifying field, or the id record for several.
func recordID(idFields []*metadata.Field, record map[string]any) (any, error) {
	if len(idFields) == 0 {
		return nil, BadRequestError("No identifying field found for table")
	}
	if len(idFields) == 1 {
		v, ok := lookupField(record, idFields[0].Name)
		if !ok || v == nil {
			return nil, BadRequestError(fmt.Sprintf("Identifying field '%s' can not be empty", idFields[0].Name))
		}
		return v, nil
	}
	for _, f := range idFields {
		if v, ok := lookupField(record, f.Name); !ok || v == nil {
			return nil, BadRequestError(fmt.Sprintf("Identifying field '%s' can not be empty", f.Name))
		}
	}
	return idRecord(idFields, record), nil
}
