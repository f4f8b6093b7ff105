package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"baas-gateway/internal/logger"
	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// applyRelations performs the dependent writes for the relation payloads of a
// parent row that has just been created or updated through q.
func (s *SQLService) applyRelations(ctx context.Context, q store.Querier, sess *metadata.Session, tbl *metadata.Table, parent map[string]any, payloads map[string]any, opts Options) error {
	names := lo.Keys(payloads)
	sort.Strings(names)

	for _, name := range names {
		rel := tbl.Relations[name]
		items, err := relationItems(rel.Name, payloads[name])
		if err != nil {
			return err
		}
		if rel.Type == metadata.BelongsTo {
			logger.FromContext(ctx).WithField("relation", rel.Name).Debug("belongs_to payload ignored on write")
			continue
		}

		parentValue, _ := lookupField(parent, rel.Field)
		if parentValue == nil {
			return BadRequestError(fmt.Sprintf("Parent field '%s' is required to relate '%s'", rel.Field, rel.Name))
		}

		switch rel.Type {
		case metadata.HasMany:
			err = s.writeHasMany(ctx, q, sess, rel, parentValue, items, opts)
		case metadata.ManyToMany:
			err = s.writeManyToMany(ctx, q, sess, rel, parentValue, items, opts)
		}
		if err != nil {
			return relationError(rel, err)
		}
	}
	return nil
}

// resolverError marks an error raised by the resolver's own checks rather than
// by an underlying write.
type resolverError struct{ err *AppError }

func (e resolverError) Error() string { return e.err.Error() }
func (e resolverError) Unwrap() error { return e.err }

// relationError wraps an underlying write failure as an InternalError.
// Permission denials on the related table keep their status.
func relationError(rel *metadata.Relation, err error) error {
	var re resolverError
	if errors.As(err, &re) {
		return re.err
	}
	var appErr *AppError
	if isAppError(err, &appErr) && (appErr.Code == "INTERNAL_ERROR" || appErr.Status == 401 || appErr.Status == 403) {
		return appErr
	}
	return InternalError(fmt.Sprintf("Failed to update related records for '%s': %v", rel.Name, err), err)
}

func relationItems(name string, payload any) ([]map[string]any, error) {
	switch v := payload.(type) {
	case nil:
		return nil, nil
	case map[string]any:
		return []map[string]any{v}, nil
	case []map[string]any:
		return v, nil
	case []any:
		items := make([]map[string]any, 0, len(v))
		for _, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, BadRequestError(fmt.Sprintf("Related records for '%s' must be objects", name))
			}
			items = append(items, m)
		}
		return items, nil
	}
	return nil, BadRequestError(fmt.Sprintf("Related records for '%s' must be an object or a list", name))
}

// hasOtherFields reports whether item carries anything besides the given keys.
func hasOtherFields(tbl *metadata.Table, item map[string]any, keys ...string) bool {
	for k := range item {
		if !tbl.HasField(k) && tbl.GetRelation(k) == nil {
			continue
		}
		if !lo.ContainsBy(keys, func(key string) bool { return strings.EqualFold(key, k) }) {
			return true
		}
	}
	return false
}

func (s *SQLService) writeHasMany(ctx context.Context, q store.Querier, sess *metadata.Session, rel *metadata.Relation, parentValue any, items []map[string]any, opts Options) error {
	child, err := s.tableFor(ctx, q, sess, rel.RefTable, ActionUpdate)
	if err != nil {
		return err
	}
	fk := child.GetField(rel.RefField)
	childIDs, _ := child.IdentifyingFields(nil)
	idNames := lo.Map(childIDs, func(f *metadata.Field, _ int) string { return f.Name })
	childOpts := Options{AllowRelatedDelete: opts.AllowRelatedDelete}

	var relateOnly []any
	for _, item := range items {
		id, idErr := recordID(childIDs, item)
		if idErr != nil {
			rec := lo.Assign(item, map[string]any{fk.Name: parentValue})
			if _, err := s.createOne(ctx, q, sess, child, childIDs, rec, childOpts); err != nil {
				return err
			}
			continue
		}

		fkValue, fkPresent := lookupField(item, fk.Name)
		switch {
		case fkPresent && fkValue == nil && !fk.AllowNull:
			if !opts.AllowRelatedDelete {
				return resolverError{ValidationError([]ErrorDetail{{
					Field:   fk.Name,
					Rule:    "required",
					Message: fmt.Sprintf("Field '%s' can not be null for related records of '%s'; use allow_related_delete to delete them", fk.Name, rel.Name),
				}})}
			}
			if _, err := s.deleteOne(ctx, q, sess, child, childIDs, id, childOpts); err != nil {
				return err
			}

		case fkPresent && fkValue == nil:
			if err := s.setForeignKey(ctx, q, child, childIDs, fk, nil, []any{id}); err != nil {
				return err
			}

		case hasOtherFields(child, item, append(idNames, fk.Name)...):
			rec := lo.Assign(item, map[string]any{fk.Name: parentValue})
			if _, err := s.updateOne(ctx, q, sess, child, childIDs, id, rec, childOpts); err != nil {
				return err
			}

		default:
			relateOnly = append(relateOnly, id)
		}
	}

	relateOnly = lo.UniqBy(relateOnly, func(id any) string { return idKey(childIDs, id) })
	if len(relateOnly) > 0 {
		return s.setForeignKey(ctx, q, child, childIDs, fk, parentValue, relateOnly)
	}
	return nil
}

// setForeignKey points the foreign key of the given child records at value in one statement.
func (s *SQLService) setForeignKey(ctx context.Context, q store.Querier, child *metadata.Table, childIDs []*metadata.Field, fk *metadata.Field, value any, ids []any) error {
	var where Filter
	if len(childIDs) == 1 {
		values := make([]any, len(ids))
		for i, id := range ids {
			v, err := coerceID(childIDs[0], id)
			if err != nil {
				return err
			}
			values[i] = v
		}
		where = WhereClause{Field: childIDs[0].Name, Operator: OpIn, Value: values}
	} else {
		items := make([]Filter, len(ids))
		for i, id := range ids {
			f, err := idFilter(childIDs, id)
			if err != nil {
				return err
			}
			items[i] = f
		}
		where = Group{Op: "OR", Items: items}
	}

	sqlStr, params := BuildUpdateSQL(s.dialect(), child, map[string]any{fk.Name: value}, where)
	n, err := store.Exec(ctx, q, sqlStr, params...)
	if err != nil {
		return fmt.Errorf("relate %s: %w", child.Name, err)
	}
	if int(n) < len(ids) {
		return NotFoundError(child.Name, fmt.Sprintf("%v", ids))
	}
	return nil
}

func (s *SQLService) writeManyToMany(ctx context.Context, q store.Querier, sess *metadata.Session, rel *metadata.Relation, parentValue any, items []map[string]any, opts Options) error {
	target, err := s.tableFor(ctx, q, sess, rel.RefTable, ActionUpdate)
	if err != nil {
		return err
	}
	junction, err := s.cache.Table(ctx, q, rel.JoinTable)
	if err != nil {
		return err
	}
	refField := target.GetField(rel.RefField)
	targetIDs, _ := target.IdentifyingFields(nil)
	childOpts := Options{AllowRelatedDelete: opts.AllowRelatedDelete}

	existing, err := selectRows(ctx, q, s.dialect(), junction.Name, []string{rel.JoinRefField},
		WhereClause{Field: rel.JoinField, Operator: OpEq, Value: parentValue})
	if err != nil {
		return fmt.Errorf("read %s: %w", junction.Name, err)
	}
	related := make(map[string]bool, len(existing))
	for _, row := range existing {
		v, _ := lookupField(row, rel.JoinRefField)
		related[fmt.Sprintf("%v", v)] = true
	}

	for _, item := range items {
		targetValue, _ := lookupField(item, refField.Name)

		if jv, present := lookupField(item, rel.JoinField); present && jv == nil {
			if targetValue == nil {
				return resolverError{BadRequestError(fmt.Sprintf("Field '%s' is required to unrelate '%s'", refField.Name, rel.Name))}
			}
			if targetValue, err = coerceID(refField, targetValue); err != nil {
				return err
			}
			sqlStr, params := BuildDeleteSQL(s.dialect(), junction.Name, And(
				WhereClause{Field: rel.JoinField, Operator: OpEq, Value: parentValue},
				WhereClause{Field: rel.JoinRefField, Operator: OpEq, Value: targetValue},
			))
			if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
				return fmt.Errorf("unrelate %s: %w", junction.Name, err)
			}
			delete(related, fmt.Sprintf("%v", targetValue))
			continue
		}

		rec := lo.OmitByKeys(item, []string{rel.JoinField})
		switch {
		case targetValue == nil:
			row, err := s.createOne(ctx, q, sess, target, targetIDs, rec, childOpts)
			if err != nil {
				return err
			}
			if targetValue, _ = lookupField(row, refField.Name); targetValue == nil {
				return fmt.Errorf("created %s record has no '%s'", target.Name, refField.Name)
			}
		case hasOtherFields(target, rec, refField.Name):
			if _, err := s.updateOne(ctx, q, sess, target, []*metadata.Field{refField}, targetValue, rec, childOpts); err != nil {
				return err
			}
		}
		if targetValue, err = coerceID(refField, targetValue); err != nil {
			return err
		}

		key := fmt.Sprintf("%v", targetValue)
		if related[key] {
			continue
		}
		link := map[string]any{rel.JoinField: parentValue, rel.JoinRefField: targetValue}
		sqlStr, params := BuildInsertSQL(s.dialect(), junction, link, nil)
		if _, err := store.Exec(ctx, q, sqlStr, params...); err != nil {
			return fmt.Errorf("relate %s: %w", junction.Name, err)
		}
		related[key] = true
		logger.FromContext(ctx).WithFields(logrus.Fields{"junction": junction.Name, "target": key}).Debug("related")
	}
	return nil
}
