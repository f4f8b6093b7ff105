package engine

import (
	"context"
	"fmt"

	"github.com/samber/lo"

	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// resolveRelated validates the names of the "related" extra. "*" expands to every relation.
func resolveRelated(tbl *metadata.Table, names []string) ([]*metadata.Relation, error) {
	if lo.Contains(names, "*") {
		names = tbl.RelationNames()
	}
	rels := make([]*metadata.Relation, 0, len(names))
	for _, name := range names {
		rel := tbl.GetRelation(name)
		if rel == nil {
			return nil, BadRequestError(fmt.Sprintf("Unknown relation: %s", name))
		}
		rels = append(rels, rel)
	}
	return rels, nil
}

// expandRelated fetches related data and attaches it to the rows under each relation name.
func (s *SQLService) expandRelated(ctx context.Context, q store.Querier, sess *metadata.Session, rows []map[string]any, rels []*metadata.Relation) error {
	if len(rows) == 0 {
		return nil
	}
	for _, rel := range rels {
		var err error
		switch rel.Type {
		case metadata.BelongsTo:
			err = s.loadBelongsTo(ctx, q, sess, rel, rows)
		case metadata.HasMany:
			err = s.loadHasMany(ctx, q, sess, rel, rows)
		case metadata.ManyToMany:
			err = s.loadManyToMany(ctx, q, sess, rel, rows)
		}
		if err != nil {
			return fmt.Errorf("load related %s: %w", rel.Name, err)
		}
	}
	return nil
}

// fetchRelated reads every field of table where field is one of values,
// applying the session's read scope on that table.
func (s *SQLService) fetchRelated(ctx context.Context, q store.Querier, sess *metadata.Session, table, field string, values []any) ([]map[string]any, error) {
	tbl, err := s.tableFor(ctx, q, sess, table, ActionRead)
	if err != nil {
		return nil, err
	}
	scope, err := s.gate.RowFilters(sess, ActionRead, tbl.Name)
	if err != nil {
		return nil, err
	}
	plan := &QueryPlan{
		Table:  tbl,
		Fields: tbl.Fields,
		Filter: And(WhereClause{Field: field, Operator: OpIn, Value: values}, scope),
	}
	qr, bindings := BuildSelectSQL(s.dialect(), plan)
	rows, err := store.QueryRows(ctx, q, qr.SQL, qr.Params...)
	if err != nil {
		return nil, err
	}
	ApplyBindings(rows, bindings)
	return rows, nil
}

// loadBelongsTo attaches the referenced parent record, or nil.
func (s *SQLService) loadBelongsTo(ctx context.Context, q store.Querier, sess *metadata.Session, rel *metadata.Relation, rows []map[string]any) error {
	fkValues := collectValues(rows, rel.Field)
	byKey := map[string]map[string]any{}
	if len(fkValues) > 0 {
		parents, err := s.fetchRelated(ctx, q, sess, rel.RefTable, rel.RefField, fkValues)
		if err != nil {
			return err
		}
		byKey = indexBy(parents, rel.RefField)
	}
	for _, row := range rows {
		fk, _ := lookupField(row, rel.Field)
		if parent, ok := byKey[fmt.Sprintf("%v", fk)]; ok && fk != nil {
			row[rel.Name] = parent
		} else {
			row[rel.Name] = nil
		}
	}
	return nil
}

// loadHasMany attaches the list of child records.
func (s *SQLService) loadHasMany(ctx context.Context, q store.Querier, sess *metadata.Session, rel *metadata.Relation, rows []map[string]any) error {
	parentValues := collectValues(rows, rel.Field)
	grouped := map[string][]map[string]any{}
	if len(parentValues) > 0 {
		children, err := s.fetchRelated(ctx, q, sess, rel.RefTable, rel.RefField, parentValues)
		if err != nil {
			return err
		}
		grouped = groupBy(children, rel.RefField)
	}
	for _, row := range rows {
		pk, _ := lookupField(row, rel.Field)
		row[rel.Name] = nonNil(grouped[fmt.Sprintf("%v", pk)])
	}
	return nil
}

// loadManyToMany attaches the list of records related through the junction table.
func (s *SQLService) loadManyToMany(ctx context.Context, q store.Querier, sess *metadata.Session, rel *metadata.Relation, rows []map[string]any) error {
	parentValues := collectValues(rows, rel.Field)
	attach := func(bySource map[string][]map[string]any) {
		for _, row := range rows {
			pk, _ := lookupField(row, rel.Field)
			row[rel.Name] = nonNil(bySource[fmt.Sprintf("%v", pk)])
		}
	}
	if len(parentValues) == 0 {
		attach(nil)
		return nil
	}

	joinRows, err := selectRows(ctx, q, s.dialect(), rel.JoinTable, []string{rel.JoinField, rel.JoinRefField},
		WhereClause{Field: rel.JoinField, Operator: OpIn, Value: parentValues})
	if err != nil {
		return fmt.Errorf("load join table %s: %w", rel.JoinTable, err)
	}
	targetIDs := collectValues(joinRows, rel.JoinRefField)
	if len(targetIDs) == 0 {
		attach(nil)
		return nil
	}

	targets, err := s.fetchRelated(ctx, q, sess, rel.RefTable, rel.RefField, targetIDs)
	if err != nil {
		return err
	}
	targetByKey := indexBy(targets, rel.RefField)

	bySource := make(map[string][]map[string]any)
	for _, jr := range joinRows {
		sid, _ := lookupField(jr, rel.JoinField)
		tid, _ := lookupField(jr, rel.JoinRefField)
		if target, ok := targetByKey[fmt.Sprintf("%v", tid)]; ok {
			key := fmt.Sprintf("%v", sid)
			bySource[key] = append(bySource[key], target)
		}
	}
	attach(bySource)
	return nil
}

func collectValues(rows []map[string]any, field string) []any {
	seen := make(map[string]bool)
	var values []any
	for _, row := range rows {
		v, _ := lookupField(row, field)
		if v == nil {
			continue
		}
		s := fmt.Sprintf("%v", v)
		if !seen[s] {
			seen[s] = true
			values = append(values, v)
		}
	}
	return values
}

func indexBy(rows []map[string]any, field string) map[string]map[string]any {
	m := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		if v, _ := lookupField(row, field); v != nil {
			m[fmt.Sprintf("%v", v)] = row
		}
	}
	return m
}

func groupBy(rows []map[string]any, field string) map[string][]map[string]any {
	m := make(map[string][]map[string]any)
	for _, row := range rows {
		v, _ := lookupField(row, field)
		key := fmt.Sprintf("%v", v)
		m[key] = append(m[key], row)
	}
	return m
}

func nonNil(rows []map[string]any) []map[string]any {
	if rows == nil {
		return []map[string]any{}
	}
	return rows
}
