package metadata

import (
	"fmt"
	"strings"

	"baas-gateway/internal/store"
)

// FieldOverride adjusts introspected metadata for one field.
type FieldOverride struct {
	Role       string
	ReadOnly   bool
	Type       string
	Validation string
	Message    string
}

// Overrides holds per-table, per-field adjustments keyed by table then field name.
type Overrides map[string]map[string]FieldOverride

func (o Overrides) validate() error {
	for table, fields := range o {
		for field, fo := range fields {
			if fo.Role == "" {
				continue
			}
			if _, ok := ParseRole(fo.Role); !ok {
				return fmt.Errorf("schema extras %s.%s: unknown role %q", table, field, fo.Role)
			}
		}
	}
	return nil
}

func (o Overrides) normalized() Overrides {
	out := make(Overrides, len(o))
	for table, fields := range o {
		m := make(map[string]FieldOverride, len(fields))
		for field, fo := range fields {
			m[fold(field)] = fo
		}
		out[fold(table)] = m
	}
	return out
}

func (c *Cache) buildField(table string, col store.Column) *Field {
	f := &Field{
		Name:          col.Name,
		DBType:        col.DBType,
		Type:          c.dialect.LogicalType(col.DBType),
		AllowNull:     col.Nullable,
		HasDefault:    col.HasDefault,
		AutoIncrement: col.AutoIncrement,
		PrimaryKey:    col.PrimaryKey,
		ReadOnly:      col.ReadOnly,
		MaxLength:     col.MaxLength,
		Role:          conventionRoles[strings.ToLower(col.Name)],
	}
	if fo, ok := c.overrides[fold(table)][fold(col.Name)]; ok {
		if fo.Role != "" {
			f.Role, _ = ParseRole(fo.Role)
		}
		if fo.ReadOnly {
			f.ReadOnly = true
		}
		if fo.Type != "" {
			f.Type = fo.Type
		}
		f.Validation = fo.Validation
		f.Message = fo.Message
	}
	f.Required = !f.AllowNull && !f.HasDefault && !f.AutoIncrement && !f.ReadOnly && f.Role == RoleNone
	return f
}

// buildRelations derives the relations of table from the schema's foreign keys:
//
//	T.f -> R.k          T gets belongs_to "R_by_f", R gets has_many "T_by_f"
//	J.a -> A, J.b -> B  A gets many_to_many "B_by_J", B gets "A_by_J"
//
// Only tables named in links (by folded name) are treated as J.
func buildRelations(table string, fields []*Field, fks []store.ForeignKey, links map[string]bool) map[string]*Relation {
	rels := make(map[string]*Relation)
	add := func(r *Relation) {
		name := r.Name
		for i := 2; rels[name] != nil; i++ {
			name = fmt.Sprintf("%s_%d", r.Name, i)
		}
		r.Name = name
		rels[name] = r
	}

	byTable := make(map[string][]store.ForeignKey)
	for _, fk := range fks {
		byTable[fold(fk.Table)] = append(byTable[fold(fk.Table)], fk)
	}

	for _, fk := range fks {
		if strings.EqualFold(fk.Table, table) {
			for _, f := range fields {
				if strings.EqualFold(f.Name, fk.Column) {
					f.RefTable, f.RefField = fk.RefTable, fk.RefColumn
				}
			}
			add(&Relation{
				Name:     fk.RefTable + "_by_" + fk.Column,
				Type:     BelongsTo,
				Table:    table,
				Field:    fk.Column,
				RefTable: fk.RefTable,
				RefField: fk.RefColumn,
			})
		}
	}

	for _, fk := range fks {
		if !strings.EqualFold(fk.RefTable, table) {
			continue
		}
		add(&Relation{
			Name:     fk.Table + "_by_" + fk.Column,
			Type:     HasMany,
			Table:    table,
			Field:    fk.RefColumn,
			RefTable: fk.Table,
			RefField: fk.Column,
		})

		if !links[fold(fk.Table)] {
			continue
		}
		for _, other := range byTable[fold(fk.Table)] {
			if other == fk || strings.EqualFold(other.RefTable, fk.Table) {
				continue
			}
			add(&Relation{
				Name:         other.RefTable + "_by_" + fk.Table,
				Type:         ManyToMany,
				Table:        table,
				Field:        fk.RefColumn,
				RefTable:     other.RefTable,
				RefField:     other.RefColumn,
				JoinTable:    fk.Table,
				JoinField:    fk.Column,
				JoinRefField: other.Column,
			})
		}
	}
	return rels
}

// isLinkTable reports whether a table with columns cols and foreign keys fks
// only joins two other tables: exactly two foreign keys, and every other
// column can be left out of an inserted row.
func isLinkTable(cols []store.Column, fks []store.ForeignKey) bool {
	if len(fks) != 2 || strings.EqualFold(fks[0].Column, fks[1].Column) {
		return false
	}
	for _, col := range cols {
		if strings.EqualFold(col.Name, fks[0].Column) || strings.EqualFold(col.Name, fks[1].Column) {
			continue
		}
		if !col.Nullable && !col.HasDefault && !col.AutoIncrement {
			return false
		}
	}
	return true
}
