package engine

import (
	"context"
	"fmt"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// cascadeDelete prepares the deletion of row from tbl. Junction rows of
// many_to_many relations are always removed. With allow_related_delete,
// has_many children are deleted (non-nullable foreign key) or disowned
// (nullable foreign key); without it the database constraints decide.
func (s *SQLService) cascadeDelete(ctx context.Context, q store.Querier, sess *metadata.Session, tbl *metadata.Table, row map[string]any, opts Options) error {
	for _, name := range tbl.RelationNames() {
		rel := tbl.Relations[name]
		parentValue, _ := lookupField(row, rel.Field)
		if parentValue == nil || rel.Type == metadata.BelongsTo {
			continue
		}
		if err := s.executeCascade(ctx, q, sess, rel, parentValue, opts); err != nil {
			return relationError(rel, err)
		}
	}
	return nil
}

func (s *SQLService) executeCascade(ctx context.Context, q store.Querier, sess *metadata.Session, rel *metadata.Relation, parentValue any, opts Options) error {
	byParent := func(field string) Filter {
		return WhereClause{Field: field, Operator: OpEq, Value: parentValue}
	}

	if rel.IsManyToMany() {
		sqlStr, params := BuildDeleteSQL(s.dialect(), rel.JoinTable, byParent(rel.JoinField))
		if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
			return fmt.Errorf("delete join rows: %w", err)
		}
		return nil
	}

	if !opts.AllowRelatedDelete {
		return nil
	}

	child, err := s.tableFor(ctx, q, sess, rel.RefTable, ActionDelete)
	if err != nil {
		return err
	}
	fk := child.GetField(rel.RefField)

	if fk.AllowNull {
		sqlStr, params := BuildUpdateSQL(s.dialect(), child, map[string]any{fk.Name: nil}, byParent(fk.Name))
		if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
			return fmt.Errorf("disown %s: %w", child.Name, err)
		}
		return nil
	}

	// children may have dependents of their own
	childIDs, _ := child.IdentifyingFields(nil)
	children, err := selectRows(ctx, q, s.dialect(), child.Name, requiredColumns(child, childIDs), byParent(fk.Name))
	if err != nil {
		return err
	}
	for _, c := range children {
		if err := s.cascadeDelete(ctx, q, sess, child, c, opts); err != nil {
			return err
		}
	}
	sqlStr, params := BuildDeleteSQL(s.dialect(), child.Name, byParent(fk.Name))
	if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
		return fmt.Errorf("delete %s: %w", child.Name, err)
	}
	return nil
}
