package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/samber/lo"
	"github.com/spf13/cast"

	"baas-gateway/internal/instrument"
	"baas-gateway/internal/metadata"
	"baas-gateway/internal/store"
)

// RecordSet is the multi-record output envelope.
type RecordSet struct {
	Records []map[string]any `json:"record"`
	Meta    *Meta            `json:"meta,omitempty"`
}

type Meta struct {
	Count  *int64          `json:"count,omitempty"`
	Next   *int            `json:"next,omitempty"`
	Schema *metadata.Table `json:"schema,omitempty"`
}

// Service is the uniform CRUD contract of one database service.
type Service interface {
	Name() string

	CreateRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error)
	UpdateRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error)
	MergeRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error)
	DeleteRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error)
	RetrieveRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error)

	CreateRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error)
	UpdateRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error)
	MergeRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error)
	DeleteRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error)
	RetrieveRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error)

	UpdateRecordsByIds(ctx context.Context, sess *metadata.Session, table string, record map[string]any, ids []any, opts Options) (*RecordSet, error)
	MergeRecordsByIds(ctx context.Context, sess *metadata.Session, table string, record map[string]any, ids []any, opts Options) (*RecordSet, error)
	DeleteRecordsByIds(ctx context.Context, sess *metadata.Session, table string, ids []any, opts Options) (*RecordSet, error)
	RetrieveRecordsByIds(ctx context.Context, sess *metadata.Session, table string, ids []any, opts Options) (*RecordSet, error)

	UpdateRecordByID(ctx context.Context, sess *metadata.Session, table string, record map[string]any, id any, opts Options) (map[string]any, error)
	MergeRecordByID(ctx context.Context, sess *metadata.Session, table string, record map[string]any, id any, opts Options) (map[string]any, error)
	DeleteRecordByID(ctx context.Context, sess *metadata.Session, table string, id any, opts Options) (map[string]any, error)
	RetrieveRecordByID(ctx context.Context, sess *metadata.Session, table string, id any, opts Options) (map[string]any, error)

	UpdateRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, record map[string]any, filter string, opts Options) (*RecordSet, error)
	MergeRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, record map[string]any, filter string, opts Options) (*RecordSet, error)
	DeleteRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, filter string, opts Options) (*RecordSet, error)
	RetrieveRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, filter string, opts Options) (*RecordSet, error)

	ListTables(ctx context.Context, sess *metadata.Session) ([]string, error)
	DescribeTable(ctx context.Context, sess *metadata.Session, table string) (*metadata.Table, error)
}

// SQLService implements Service over a database/sql store.
type SQLService struct {
	name       string
	store      *store.Store
	cache      *metadata.Cache
	gate       Gate
	maxRecords int
}

var _ Service = (*SQLService)(nil)

// NewSQLService creates the service. A nil gate allows everything.
func NewSQLService(name string, st *store.Store, cache *metadata.Cache, gate Gate, maxRecords int) *SQLService {
	if gate == nil {
		gate = AllowAll{}
	}
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	return &SQLService{name: name, store: st, cache: cache, gate: gate, maxRecords: maxRecords}
}

func (s *SQLService) Name() string { return s.name }

func (s *SQLService) dialect() store.Dialect { return s.store.Dialect }

// tableFor loads the table descriptor through q and checks the action against the gate.
func (s *SQLService) tableFor(ctx context.Context, q store.Querier, sess *metadata.Session, name, action string) (*metadata.Table, error) {
	tbl, err := s.cache.Table(ctx, q, name)
	if err != nil {
		return nil, classifyError(err, s.dialect())
	}
	if err := s.gate.CheckPermission(sess, action, tbl.Name); err != nil {
		return nil, err
	}
	return tbl, nil
}

// call is the resolved state shared by the records of one facade call.
type call struct {
	tbl      *metadata.Table
	idFields []*metadata.Field
	opts     Options
}

func (s *SQLService) prepare(ctx context.Context, sess *metadata.Session, table, action string, opts Options) (*call, error) {
	tbl, err := s.tableFor(ctx, s.store.DB, sess, table, action)
	if err != nil {
		return nil, err
	}
	idFields, unknown := tbl.IdentifyingFields(opts.IDField)
	if len(unknown) > 0 {
		return nil, BadRequestError(fmt.Sprintf("Invalid id_field: %s", strings.Join(unknown, ", ")))
	}
	scope, err := s.gate.RowFilters(sess, action, tbl.Name)
	if err != nil {
		return nil, err
	}
	if scope != nil {
		opts.ServerFilters = append(slices.Clone(opts.ServerFilters), scope)
	}
	return &call{tbl: tbl, idFields: idFields, opts: opts}, nil
}

// run wraps one facade call in a span and resolves its table.
func (s *SQLService) run(ctx context.Context, sess *metadata.Session, op, table, action string, opts Options, fn func(context.Context, *call) (*RecordSet, error)) (rs *RecordSet, err error) {
	ctx, span := instrument.GetInstrumenter(ctx).StartSpan(ctx, "engine", "service", op)
	span.SetTable(table, "")
	span.SetMetadata("service", s.name)
	defer func() {
		if err != nil {
			span.SetStatus("error")
			span.SetMetadata("error", err.Error())
		} else {
			span.SetStatus("ok")
			if rs != nil {
				span.SetMetadata("records", len(rs.Records))
			}
		}
		span.End()
	}()

	c, err := s.prepare(ctx, sess, table, action, opts)
	if err != nil {
		return nil, err
	}
	return fn(ctx, c)
}

func first(rs *RecordSet, err error) (map[string]any, error) {
	if err != nil {
		return nil, err
	}
	if len(rs.Records) == 0 {
		return nil, nil
	}
	return rs.Records[0], nil
}

// Create

func (s *SQLService) CreateRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "create_records", table, ActionCreate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.createRecords(ctx, sess, c, records)
	})
}

func (s *SQLService) CreateRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error) {
	return first(s.CreateRecords(ctx, sess, table, []map[string]any{record}, opts))
}

func (s *SQLService) createRecords(ctx context.Context, sess *metadata.Session, c *call, records []map[string]any) (*RecordSet, error) {
	rows, err := runBatch(ctx, s.store, len(records), c.opts, func(ctx context.Context, q store.Querier, i int) (map[string]any, error) {
		row, err := s.createOne(ctx, q, sess, c.tbl, c.idFields, records[i], c.opts)
		if err != nil {
			return nil, err
		}
		return idRecord(c.idFields, row), nil
	})
	if err != nil {
		return nil, err
	}
	return s.project(ctx, sess, c, rows)
}

// Update and merge

func (s *SQLService) UpdateRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "update_records", table, ActionUpdate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.updateRecords(ctx, sess, c, records)
	})
}

// MergeRecords is UpdateRecords: relation payloads are merged into existing relations.
func (s *SQLService) MergeRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "merge_records", table, ActionUpdate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.updateRecords(ctx, sess, c, records)
	})
}

func (s *SQLService) UpdateRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error) {
	return first(s.UpdateRecords(ctx, sess, table, []map[string]any{record}, opts))
}

func (s *SQLService) MergeRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error) {
	return first(s.MergeRecords(ctx, sess, table, []map[string]any{record}, opts))
}

func (s *SQLService) UpdateRecordsByIds(ctx context.Context, sess *metadata.Session, table string, record map[string]any, ids []any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "update_records_by_ids", table, ActionUpdate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.updateByIDs(ctx, sess, c, record, ids)
	})
}

func (s *SQLService) MergeRecordsByIds(ctx context.Context, sess *metadata.Session, table string, record map[string]any, ids []any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "merge_records_by_ids", table, ActionUpdate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.updateByIDs(ctx, sess, c, record, ids)
	})
}

func (s *SQLService) UpdateRecordByID(ctx context.Context, sess *metadata.Session, table string, record map[string]any, id any, opts Options) (map[string]any, error) {
	return first(s.UpdateRecordsByIds(ctx, sess, table, record, []any{id}, opts))
}

func (s *SQLService) MergeRecordByID(ctx context.Context, sess *metadata.Session, table string, record map[string]any, id any, opts Options) (map[string]any, error) {
	return first(s.MergeRecordsByIds(ctx, sess, table, record, []any{id}, opts))
}

func (s *SQLService) UpdateRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, record map[string]any, filter string, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "update_records_by_filter", table, ActionUpdate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		ids, err := s.idsByFilter(ctx, c, filter)
		if err != nil || len(ids) == 0 {
			return &RecordSet{Records: []map[string]any{}}, err
		}
		return s.updateByIDs(ctx, sess, c, record, ids)
	})
}

func (s *SQLService) MergeRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, record map[string]any, filter string, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "merge_records_by_filter", table, ActionUpdate, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		ids, err := s.idsByFilter(ctx, c, filter)
		if err != nil || len(ids) == 0 {
			return &RecordSet{Records: []map[string]any{}}, err
		}
		return s.updateByIDs(ctx, sess, c, record, ids)
	})
}

func (s *SQLService) updateRecords(ctx context.Context, sess *metadata.Session, c *call, records []map[string]any) (*RecordSet, error) {
	rows, err := runBatch(ctx, s.store, len(records), c.opts, func(ctx context.Context, q store.Querier, i int) (map[string]any, error) {
		id, err := recordID(c.idFields, records[i])
		if err != nil {
			return nil, err
		}
		row, err := s.updateOne(ctx, q, sess, c.tbl, c.idFields, id, records[i], c.opts)
		if err != nil {
			return nil, err
		}
		return idRecord(c.idFields, row), nil
	})
	if err != nil {
		return nil, err
	}
	return s.project(ctx, sess, c, rows)
}

func (s *SQLService) updateByIDs(ctx context.Context, sess *metadata.Session, c *call, record map[string]any, ids []any) (*RecordSet, error) {
	rows, err := runBatch(ctx, s.store, len(ids), c.opts, func(ctx context.Context, q store.Querier, i int) (map[string]any, error) {
		row, err := s.updateOne(ctx, q, sess, c.tbl, c.idFields, ids[i], lo.Assign(record), c.opts)
		if err != nil {
			return nil, err
		}
		return idRecord(c.idFields, row), nil
	})
	if err != nil {
		return nil, err
	}
	return s.project(ctx, sess, c, rows)
}

// Delete

func (s *SQLService) DeleteRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "delete_records", table, ActionDelete, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		ids, err := recordIDs(c.idFields, records)
		if err != nil {
			return nil, err
		}
		return s.deleteByIDs(ctx, sess, c, ids)
	})
}

func (s *SQLService) DeleteRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error) {
	return first(s.DeleteRecords(ctx, sess, table, []map[string]any{record}, opts))
}

func (s *SQLService) DeleteRecordsByIds(ctx context.Context, sess *metadata.Session, table string, ids []any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "delete_records_by_ids", table, ActionDelete, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.deleteByIDs(ctx, sess, c, ids)
	})
}

func (s *SQLService) DeleteRecordByID(ctx context.Context, sess *metadata.Session, table string, id any, opts Options) (map[string]any, error) {
	return first(s.DeleteRecordsByIds(ctx, sess, table, []any{id}, opts))
}

func (s *SQLService) DeleteRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, filter string, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "delete_records_by_filter", table, ActionDelete, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		ids, err := s.idsByFilter(ctx, c, filter)
		if err != nil || len(ids) == 0 {
			return &RecordSet{Records: []map[string]any{}}, err
		}
		return s.deleteByIDs(ctx, sess, c, ids)
	})
}

// deleteByIDs deletes the records one by one. When more than the ids is
// requested, the records are read before they disappear.
func (s *SQLService) deleteByIDs(ctx context.Context, sess *metadata.Session, c *call, ids []any) (*RecordSet, error) {
	if len(ids) == 0 {
		return nil, ValidationError([]ErrorDetail{{Message: "No record(s) detected in request"}})
	}
	var before []map[string]any
	if requireMoreFields(c.idFields, c.opts.Fields, c.opts.Related) {
		var err error
		if before, err = s.fetchByIDs(ctx, s.store.DB, sess, c, ids, And(c.opts.ServerFilters...)); err != nil {
			return nil, classifyError(err, s.dialect())
		}
	}

	rows, err := runBatch(ctx, s.store, len(ids), c.opts, func(ctx context.Context, q store.Querier, i int) (map[string]any, error) {
		row, err := s.deleteOne(ctx, q, sess, c.tbl, c.idFields, ids[i], c.opts)
		if err != nil {
			return nil, err
		}
		return idRecord(c.idFields, row), nil
	})
	if err != nil {
		return nil, err
	}
	if before != nil {
		return &RecordSet{Records: before}, nil
	}
	return &RecordSet{Records: rows}, nil
}

// Retrieve

func (s *SQLService) RetrieveRecords(ctx context.Context, sess *metadata.Session, table string, records []map[string]any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "retrieve_records", table, ActionRead, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		ids, err := recordIDs(c.idFields, records)
		if err != nil {
			return nil, err
		}
		return s.retrieveByIDs(ctx, sess, c, ids)
	})
}

func (s *SQLService) RetrieveRecord(ctx context.Context, sess *metadata.Session, table string, record map[string]any, opts Options) (map[string]any, error) {
	return first(s.RetrieveRecords(ctx, sess, table, []map[string]any{record}, opts))
}

func (s *SQLService) RetrieveRecordsByIds(ctx context.Context, sess *metadata.Session, table string, ids []any, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "retrieve_records_by_ids", table, ActionRead, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		return s.retrieveByIDs(ctx, sess, c, ids)
	})
}

func (s *SQLService) RetrieveRecordByID(ctx context.Context, sess *metadata.Session, table string, id any, opts Options) (map[string]any, error) {
	return first(s.RetrieveRecordsByIds(ctx, sess, table, []any{id}, opts))
}

// retrieveByIDs returns the records in id order. Missing ids follow batch semantics.
func (s *SQLService) retrieveByIDs(ctx context.Context, sess *metadata.Session, c *call, ids []any) (*RecordSet, error) {
	if len(ids) == 0 {
		return nil, ValidationError([]ErrorDetail{{Message: "No record(s) detected in request"}})
	}
	rows, err := s.fetchByIDs(ctx, s.store.DB, sess, c, ids, And(c.opts.ServerFilters...))
	if err != nil {
		return nil, classifyError(err, s.dialect())
	}

	batch := BatchErrorContext{IDs: make([]any, len(ids))}
	for i, row := range rows {
		if row != nil {
			batch.IDs[i] = ids[i]
			continue
		}
		notFound := NotFoundError(c.tbl.Name, idString(c.idFields, ids[i]))
		if len(ids) == 1 || !c.opts.Continue {
			return nil, notFound
		}
		batch.Errors = append(batch.Errors, i)
		batch.IDs[i] = notFound.Error()
	}
	if len(batch.Errors) > 0 {
		return nil, BatchError(batch)
	}
	return &RecordSet{Records: rows}, nil
}

func (s *SQLService) RetrieveRecordsByFilter(ctx context.Context, sess *metadata.Session, table string, filter string, opts Options) (*RecordSet, error) {
	return s.run(ctx, sess, "retrieve_records_by_filter", table, ActionRead, opts, func(ctx context.Context, c *call) (*RecordSet, error) {
		rs, err := s.retrieveByFilter(ctx, sess, c, filter)
		if err != nil {
			return nil, classifyError(err, s.dialect())
		}
		return rs, nil
	})
}

func (s *SQLService) retrieveByFilter(ctx context.Context, sess *metadata.Session, c *call, filterStr string) (*RecordSet, error) {
	filter, err := ParseFilter(c.tbl, filterStr)
	if err != nil {
		return nil, err
	}
	fields, err := SelectFields(c.tbl, c.opts.Fields)
	if err != nil {
		return nil, err
	}
	rels, err := resolveRelated(c.tbl, c.opts.Related)
	if err != nil {
		return nil, err
	}
	sorts, err := ParseOrder(c.tbl, c.opts.Order)
	if err != nil {
		return nil, err
	}

	selected, extra := withColumns(c.tbl, fields, relationFields(rels))
	limit, needLimit := ClampLimit(c.opts.Limit, s.maxRecords)
	plan := &QueryPlan{
		Table:  c.tbl,
		Fields: selected,
		Filter: And(filter, And(c.opts.ServerFilters...)),
		Sorts:  sorts,
		Limit:  limit,
		Offset: c.opts.Offset,
	}

	qr, bindings := BuildSelectSQL(s.dialect(), plan)
	rows, err := store.QueryRows(ctx, s.store.DB, qr.SQL, qr.Params...)
	if err != nil {
		return nil, err
	}
	ApplyBindings(rows, bindings)

	meta := &Meta{}
	if c.opts.IncludeCount || needLimit {
		cq := BuildCountSQL(s.dialect(), plan)
		row, err := store.QueryRow(ctx, s.store.DB, cq.SQL, cq.Params...)
		if err != nil {
			return nil, err
		}
		total := cast.ToInt64(row["total"])
		if c.opts.IncludeCount || total > int64(s.maxRecords) {
			meta.Count = &total
		}
		if total-int64(c.opts.Offset) > int64(limit) {
			next := c.opts.Offset + limit + 1
			meta.Next = &next
		}
	}
	if c.opts.IncludeSchema {
		meta.Schema = c.tbl
	}

	if err := s.expandRelated(ctx, s.store.DB, sess, rows, rels); err != nil {
		return nil, err
	}
	stripColumns(rows, extra)

	rs := &RecordSet{Records: nonNil(rows)}
	if meta.Count != nil || meta.Next != nil || meta.Schema != nil {
		rs.Meta = meta
	}
	return rs, nil
}

// Schema

// ListTables returns the tables the session may read.
func (s *SQLService) ListTables(ctx context.Context, sess *metadata.Session) ([]string, error) {
	if sess == nil {
		return nil, UnauthorizedError("Authentication required")
	}
	tables, err := s.cache.Tables(ctx, s.store.DB)
	if err != nil {
		return nil, classifyError(err, s.dialect())
	}
	return lo.Filter(tables, func(t string, _ int) bool {
		return s.gate.CheckPermission(sess, ActionRead, t) == nil
	}), nil
}

func (s *SQLService) DescribeTable(ctx context.Context, sess *metadata.Session, table string) (*metadata.Table, error) {
	return s.tableFor(ctx, s.store.DB, sess, table, ActionRead)
}

// Helpers

// idsByFilter resolves the ids of the records matching filter within the call's scope.
func (s *SQLService) idsByFilter(ctx context.Context, c *call, filterStr string) ([]any, error) {
	filter, err := ParseFilter(c.tbl, filterStr)
	if err != nil {
		return nil, err
	}
	if len(c.idFields) == 0 {
		return nil, BadRequestError("No identifying field found for table")
	}
	names := lo.Map(c.idFields, func(f *metadata.Field, _ int) string { return f.Name })
	rows, err := selectRows(ctx, s.store.DB, s.dialect(), c.tbl.Name, names, And(filter, And(c.opts.ServerFilters...)))
	if err != nil {
		return nil, classifyError(err, s.dialect())
	}
	return lo.Map(rows, func(row map[string]any, _ int) any {
		if len(c.idFields) == 1 {
			v, _ := lookupField(row, c.idFields[0].Name)
			return v
		}
		return idRecord(c.idFields, row)
	}), nil
}

// fetchByIDs reads the projected records for ids. The result is in id order
// with nil for ids that matched nothing.
func (s *SQLService) fetchByIDs(ctx context.Context, q store.Querier, sess *metadata.Session, c *call, ids []any, scope Filter) ([]map[string]any, error) {
	fields, err := SelectFields(c.tbl, c.opts.Fields)
	if err != nil {
		return nil, err
	}
	rels, err := resolveRelated(c.tbl, c.opts.Related)
	if err != nil {
		return nil, err
	}
	where, err := idsFilter(c.idFields, ids)
	if err != nil {
		return nil, err
	}

	idNames := lo.Map(c.idFields, func(f *metadata.Field, _ int) string { return f.Name })
	selected, extra := withColumns(c.tbl, fields, append(idNames, relationFields(rels)...))
	plan := &QueryPlan{Table: c.tbl, Fields: selected, Filter: And(where, scope)}
	qr, bindings := BuildSelectSQL(s.dialect(), plan)
	rows, err := store.QueryRows(ctx, q, qr.SQL, qr.Params...)
	if err != nil {
		return nil, err
	}
	ApplyBindings(rows, bindings)

	if err := s.expandRelated(ctx, q, sess, rows, rels); err != nil {
		return nil, err
	}

	byKey := make(map[string]map[string]any, len(rows))
	for _, row := range rows {
		byKey[idKey(c.idFields, idRecord(c.idFields, row))] = row
	}
	ordered := make([]map[string]any, len(ids))
	for i, id := range ids {
		ordered[i] = byKey[idKey(c.idFields, id)]
	}
	stripColumns(rows, extra)
	return ordered, nil
}

// project shapes the output of a write: id records, or the records read back
// after commit when more fields or related data are requested.
func (s *SQLService) project(ctx context.Context, sess *metadata.Session, c *call, rows []map[string]any) (*RecordSet, error) {
	if !requireMoreFields(c.idFields, c.opts.Fields, c.opts.Related) || len(c.idFields) == 0 {
		return &RecordSet{Records: rows}, nil
	}
	ids := make([]any, len(rows))
	for i, row := range rows {
		ids[i] = row
		if len(c.idFields) == 1 {
			ids[i], _ = lookupField(row, c.idFields[0].Name)
		}
	}
	readBack, err := s.fetchByIDs(ctx, s.store.DB, sess, c, ids, nil)
	if err != nil {
		return nil, classifyError(err, s.dialect())
	}
	return &RecordSet{Records: lo.Filter(readBack, func(r map[string]any, _ int) bool { return r != nil })}, nil
}

// requireMoreFields reports whether the projection asks for anything beyond the identifying fields.
func requireMoreFields(idFields []*metadata.Field, fields, related []string) bool {
	if len(related) > 0 {
		return true
	}
	if len(fields) == 0 {
		return false
	}
	if lo.Contains(fields, "*") {
		return true
	}
	return lo.SomeBy(fields, func(name string) bool {
		return !lo.ContainsBy(idFields, func(f *metadata.Field) bool { return strings.EqualFold(f.Name, name) })
	})
}

func recordIDs(idFields []*metadata.Field, records []map[string]any) ([]any, error) {
	ids := make([]any, len(records))
	for i, record := range records {
		id, err := recordID(idFields, record)
		if err != nil {
			return nil, err
		}
		ids[i] = id
	}
	return ids, nil
}

// idsFilter matches every record in ids.
func idsFilter(idFields []*metadata.Field, ids []any) (Filter, error) {
	if len(idFields) == 0 {
		return nil, BadRequestError("No identifying field found for table")
	}
	if len(idFields) == 1 {
		f := idFields[0]
		values := make([]any, len(ids))
		for i, id := range ids {
			if rec, ok := id.(map[string]any); ok {
				id, _ = lookupField(rec, f.Name)
			}
			if id == nil {
				return nil, BadRequestError(fmt.Sprintf("Identifying field '%s' can not be empty", f.Name))
			}
			v, err := coerceID(f, id)
			if err != nil {
				return nil, err
			}
			values[i] = v
		}
		return WhereClause{Field: f.Name, Operator: OpIn, Value: values}, nil
	}
	items := make([]Filter, len(ids))
	for i, id := range ids {
		f, err := idFilter(idFields, id)
		if err != nil {
			return nil, err
		}
		items[i] = f
	}
	return Group{Op: "OR", Items: items}, nil
}

func relationFields(rels []*metadata.Relation) []string {
	return lo.Uniq(lo.Map(rels, func(r *metadata.Relation, _ int) string { return r.Field }))
}

// withColumns adds the named fields to the projection when missing and
// reports which ones were added.
func withColumns(tbl *metadata.Table, fields []*metadata.Field, names []string) ([]*metadata.Field, []string) {
	out := slices.Clone(fields)
	var extra []string
	for _, name := range names {
		f := tbl.GetField(name)
		if f == nil || lo.Contains(out, f) {
			continue
		}
		out = append(out, f)
		extra = append(extra, f.Name)
	}
	return out, extra
}

func stripColumns(rows []map[string]any, names []string) {
	if len(names) == 0 {
		return
	}
	for _, row := range rows {
		for _, name := range names {
			delete(row, name)
		}
	}
}
