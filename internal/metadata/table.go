package metadata

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
)

const (
	BelongsTo  = "belongs_to"
	HasMany    = "has_many"
	ManyToMany = "many_to_many"
)

// Relation describes how a table links to another, discovered from foreign keys.
//
//	belongs_to:   Table.Field -> RefTable.RefField
//	has_many:     Table.Field <- RefTable.RefField
//	many_to_many: Table.Field <- JoinTable.JoinField, JoinTable.JoinRefField -> RefTable.RefField
type Relation struct {
	Name         string `json:"name"`
	Type         string `json:"type"`
	Table        string `json:"table"`
	Field        string `json:"field"`
	RefTable     string `json:"ref_table"`
	RefField     string `json:"ref_field"`
	JoinTable    string `json:"join_table,omitempty"`
	JoinField    string `json:"join_field,omitempty"`
	JoinRefField string `json:"join_ref_field,omitempty"`
}

func (r *Relation) IsManyToMany() bool { return r.Type == ManyToMany }

// Table is the cached descriptor of one table. It is immutable once built.
type Table struct {
	Name        string               `json:"name"`
	Fields      []*Field             `json:"field"`
	Relations   map[string]*Relation `json:"related,omitempty"`
	PrimaryKeys []string             `json:"primary_key,omitempty"`

	byName    map[string]*Field
	relByName map[string]*Relation
}

func newTable(name string, fields []*Field, relations map[string]*Relation) *Table {
	t := &Table{
		Name:      name,
		Fields:    fields,
		Relations: relations,
		byName:    make(map[string]*Field, len(fields)),
		relByName: make(map[string]*Relation, len(relations)),
	}
	for _, f := range fields {
		t.byName[fold(f.Name)] = f
		if f.PrimaryKey {
			t.PrimaryKeys = append(t.PrimaryKeys, f.Name)
		}
	}
	for name, rel := range relations {
		t.relByName[fold(name)] = rel
	}
	return t
}

// GetField returns the field with the given name (case-insensitive), or nil.
func (t *Table) GetField(name string) *Field {
	return t.byName[fold(name)]
}

// HasField checks if the table has a field with the given name.
func (t *Table) HasField(name string) bool {
	return t.GetField(name) != nil
}

// GetRelation returns the relation with the given name (case-insensitive), or nil.
func (t *Table) GetRelation(name string) *Relation {
	return t.relByName[fold(name)]
}

// FieldNames returns all declared field names in column order.
func (t *Table) FieldNames() []string {
	names := make([]string, len(t.Fields))
	for i, f := range t.Fields {
		names[i] = f.Name
	}
	return names
}

// RelationNames returns relation names sorted for deterministic output.
func (t *Table) RelationNames() []string {
	names := make([]string, 0, len(t.Relations))
	for name := range t.Relations {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AutoIncrementField returns the table's auto-increment field, or nil.
func (t *Table) AutoIncrementField() *Field {
	for _, f := range t.Fields {
		if f.AutoIncrement {
			return f
		}
	}
	return nil
}

// IdentifyingFields resolves the fields that identify a record: the caller's
// override when given, then the primary key, then the auto-increment field.
// Unknown override names are returned as-is in the second value.
func (t *Table) IdentifyingFields(override []string) ([]*Field, []string) {
	if len(override) > 0 {
		var fields []*Field
		var unknown []string
		for _, name := range override {
			if f := t.GetField(name); f != nil {
				fields = append(fields, f)
			} else {
				unknown = append(unknown, name)
			}
		}
		return fields, unknown
	}
	if len(t.PrimaryKeys) > 0 {
		fields := make([]*Field, len(t.PrimaryKeys))
		for i, name := range t.PrimaryKeys {
			fields[i] = t.byName[fold(name)]
		}
		return fields, nil
	}
	if f := t.AutoIncrementField(); f != nil {
		return []*Field{f}, nil
	}
	return nil, nil
}

// fold returns the case-folded form used for name lookups. A Caser carries
// state, so one is created per call. The result never aliases s, which may
// point into a reused request buffer.
func fold(s string) string {
	return strings.Clone(cases.Fold().String(s))
}
