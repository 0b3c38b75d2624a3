package db

import (
	"fmt"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"
)

// columnTypes — типы PostgreSQL для встроенных типов атрибутов.
var columnTypes = map[string]string{
	"counter":  "INTEGER",
	"integer":  "INTEGER",
	"short":    "SMALLINT",
	"number":   "DOUBLE PRECISION",
	"float":    "DOUBLE PRECISION",
	"decimal":  "NUMERIC(19,4)",
	"text":     "TEXT",
	"email":    "TEXT",
	"url":      "TEXT",
	"boolean":  "BOOLEAN",
	"date":     "DATE",
	"datetime": "TIMESTAMPTZ",
	"time":     "TIME",
	"guid":     "UUID",
	"json":     "JSONB",
	"object":   "JSONB",
}

// MigrationStatements returns add-only DDL for m: the source table, new columns,
// junction tables of its many-to-many attributes and the read view.
// Columns are never dropped or altered.
func MigrationStatements(reg *model.Registry, m *model.ModelDefinition) ([]string, error) {
	table := m.WriteTable()
	pk := reg.PrimaryKey(m)
	base := reg.Base(m)

	var cols []string
	var defs []string
	add := func(f *model.FieldDefinition, inheritedKey bool) error {
		typ, err := columnType(reg, f)
		if err != nil {
			return err
		}
		if strings.EqualFold(f.Type, "Counter") && !inheritedKey {
			typ = "SERIAL"
		}
		def := model.Quote(f.Name) + " " + typ
		if pk != nil && f.Name == pk.Name {
			def += " PRIMARY KEY"
		} else if !f.IsNullable() {
			def += " NOT NULL"
		}
		cols = append(cols, f.Name)
		defs = append(defs, def)
		return nil
	}
	if base != nil && pk != nil && !ownField(m, pk.Name) {
		// строка наследника ссылается на строку базы по тому же ключу
		if err := add(pk, true); err != nil {
			return nil, err
		}
	}
	var junctions []string
	for _, f := range m.Fields {
		if !reg.HasDataType(f.Type) {
			a, err := reg.Association(m, f)
			if err != nil {
				return nil, err
			}
			if a.IsJunction() {
				stmt, ok, err := junctionTable(reg, a)
				if err != nil {
					return nil, err
				}
				if ok {
					junctions = append(junctions, stmt)
				}
				continue
			}
			if a.ParentSide {
				// внешний ключ хранится у дочерней модели
				continue
			}
		}
		if err := add(f, false); err != nil {
			return nil, err
		}
	}
	if len(defs) == 0 {
		return nil, dataerr.InvalidModel(m.Name, "model has no columns to migrate")
	}

	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", model.Quote(table), strings.Join(defs, ", "))}
	for i, def := range defs {
		if pk != nil && cols[i] == pk.Name {
			continue
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s", model.Quote(table),
			strings.Replace(def, " NOT NULL", "", 1)))
	}
	stmts = append(stmts, junctions...)
	if view, ok := viewStatement(reg, m, pk, base); ok {
		stmts = append(stmts, view)
	}
	return stmts, nil
}

func ownField(m *model.ModelDefinition, name string) bool {
	for _, f := range m.Fields {
		if strings.EqualFold(f.Name, name) {
			return true
		}
	}
	return false
}

func columnType(reg *model.Registry, f *model.FieldDefinition) (string, error) {
	if f.IsJSON() {
		return "JSONB", nil
	}
	if typ, ok := columnTypes[strings.ToLower(f.Type)]; ok {
		if typ == "TEXT" && f.Size > 0 {
			return fmt.Sprintf("VARCHAR(%d)", f.Size), nil
		}
		return typ, nil
	}
	related, ok := reg.Get(f.Type)
	if !ok {
		return "", dataerr.InvalidModel(f.Type, "unknown type of attribute %s", f.Name)
	}
	// внешний ключ имеет тип ключа связанной модели
	pk := reg.PrimaryKey(related)
	if pk == nil {
		return "", dataerr.InvalidModel(related.Name, "model has no primary key")
	}
	if typ, ok := columnTypes[strings.ToLower(pk.Type)]; ok {
		return typ, nil
	}
	return "TEXT", nil
}

// junctionTable создаёт таблицу связи многие-ко-многим. Адаптер, объявленный
// отдельной моделью, мигрирует сам.
func junctionTable(reg *model.Registry, a *model.Association) (string, bool, error) {
	mp := a.Mapping
	if _, ok := reg.Get(mp.AssociationAdapter); ok {
		return "", false, nil
	}
	parent, ok := reg.Get(mp.ParentModel)
	if !ok {
		return "", false, dataerr.InvalidModel(mp.ParentModel, "unknown parent model of %s.%s", a.Owner, a.Field.Name)
	}
	child, ok := reg.Get(mp.ChildModel)
	if !ok {
		return "", false, dataerr.InvalidModel(mp.ChildModel, "unknown child model of %s.%s", a.Owner, a.Field.Name)
	}
	pt, err := keyType(reg, parent, mp.ParentField)
	if err != nil {
		return "", false, err
	}
	ct, err := keyType(reg, child, mp.ChildField)
	if err != nil {
		return "", false, err
	}
	table := mp.AssociationAdapter
	if table == "" {
		table = mp.ParentModel + mp.ChildModel
	}
	obj, val := model.Quote(orDefault(mp.AssociationObjectField, "parentId")), model.Quote(orDefault(mp.AssociationValueField, "valueId"))
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s %s NOT NULL, %s %s NOT NULL, PRIMARY KEY (%s, %s))",
		model.Quote(table), obj, pt, val, ct, obj, val), true, nil
}

func keyType(reg *model.Registry, m *model.ModelDefinition, field string) (string, error) {
	f := reg.Field(m, field)
	if f == nil {
		return "", dataerr.InvalidAttribute(m.Name, field, "unknown key attribute")
	}
	typ, err := columnType(reg, f)
	if err != nil {
		return "", err
	}
	return typ, nil
}

// viewStatement: представление чтения объединяет таблицу наследника с представлением базы.
func viewStatement(reg *model.Registry, m *model.ModelDefinition, pk *model.FieldDefinition, base *model.ModelDefinition) (string, bool) {
	if m.View == "" || strings.EqualFold(m.View, m.WriteTable()) {
		return "", false
	}
	if base == nil || pk == nil {
		return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT * FROM %s", model.Quote(m.View), model.Quote(m.WriteTable())), true
	}
	var cols []string
	for _, f := range reg.Attributes(m) {
		if !reg.Stored(m, f) {
			continue
		}
		src := "b"
		if ownField(m, f.Name) || f.Name == pk.Name {
			src = "s"
		}
		cols = append(cols, model.Column(src, f.Name))
	}
	return fmt.Sprintf("CREATE OR REPLACE VIEW %s AS SELECT %s FROM %s AS s INNER JOIN %s AS b ON %s = %s",
		model.Quote(m.View), strings.Join(cols, ", "), model.Quote(m.WriteTable()), model.Quote(base.ReadTable()),
		model.Column("b", pk.Name), model.Column("s", pk.Name)), true
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
