package model

import (
	"fmt"
	"strings"

	"YrestData/internal/dataerr"
)

// Resolution — результат разрешения пути атрибута относительно корня плана.
type Resolution struct {
	Path  string
	Root  *ModelDefinition
	Model *ModelDefinition // модель, которой принадлежит колонка
	Field *FieldDefinition
	Alias string
	// Column — SQL-выражение колонки (для JSON со схемой уже с извлечением).
	Column string
	// JSONPath — ключи внутри JSON без схемы; при выборке извлекаются после запроса.
	JSONPath   []string
	Collection bool
	Joins      []*JoinSpec
}

// Expr returns the SQL expression usable in WHERE/ORDER BY.
func (r *Resolution) Expr() string {
	return JSONExtract(r.Column, r.JSONPath)
}

// SemiJoin описывает коррелированный EXISTS по коллекции.
type SemiJoin struct {
	Key         string
	Plan        *JoinPlan // корень — модель элементов коллекции
	From        string
	Correlation string
	Rest        string // остаток пути внутри коллекции
	Outer       []*JoinSpec
}

// SplitPath splits an attribute path on "/" (or "." as a fallback separator).
func SplitPath(path string) []string {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	sep := "/"
	if !strings.Contains(path, "/") && strings.Contains(path, ".") {
		sep = "."
	}
	parts := strings.Split(path, sep)
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type walkState struct {
	res    *Resolution
	model  *ModelDefinition
	alias  string
	walked string
	index  int
	assoc  *Association
}

// Resolve разрешает путь в колонку, добавляя нужные JOIN-ы в plan.
func (r *Registry) Resolve(plan *JoinPlan, path string) (*Resolution, error) {
	res, _, err := r.walk(plan, path, false)
	return res, err
}

// ResolveCollection returns the semi-join for the first collection-valued
// segment of path, or nil when the path never crosses a collection.
func (r *Registry) ResolveCollection(outer *JoinPlan, path string) (*SemiJoin, error) {
	_, stop, err := r.walk(outer, path, true)
	if err != nil || stop == nil {
		return nil, err
	}
	segs := SplitPath(path)
	assoc := stop.assoc
	mp := assoc.Mapping
	related, err := r.MustGet(assoc.Related())
	if err != nil {
		return nil, err
	}
	prefix := outer.nextSemiPrefix()
	rootAlias := strings.TrimSuffix(prefix, "_")
	semi := &SemiJoin{
		Key:   strings.ToLower(stop.walked),
		Plan:  NewPrefixedJoinPlan(related, rootAlias, prefix),
		Rest:  strings.Join(segs[stop.index+1:], "/"),
		Outer: stop.res.Joins,
	}
	target := fmt.Sprintf("%s AS %s", Quote(related.ReadTable()), rootAlias)
	switch {
	case assoc.IsJunction():
		link := prefix + "l"
		if assoc.ParentSide {
			semi.From = fmt.Sprintf("%s AS %s INNER JOIN %s ON %s = %s", Quote(r.AdapterTable(mp)), link, target,
				Column(rootAlias, mp.ChildField), Column(link, mp.AssociationValueField))
			semi.Correlation = fmt.Sprintf("%s = %s", Column(link, mp.AssociationObjectField), Column(stop.alias, mp.ParentField))
		} else {
			semi.From = fmt.Sprintf("%s AS %s INNER JOIN %s ON %s = %s", Quote(r.AdapterTable(mp)), link, target,
				Column(rootAlias, mp.ParentField), Column(link, mp.AssociationObjectField))
			semi.Correlation = fmt.Sprintf("%s = %s", Column(link, mp.AssociationValueField), Column(stop.alias, mp.ChildField))
		}
	default:
		semi.From = target
		semi.Correlation = fmt.Sprintf("%s = %s", Column(rootAlias, mp.ChildField), Column(stop.alias, mp.ParentField))
	}
	return semi, nil
}

func (r *Registry) walk(plan *JoinPlan, path string, stopAtCollection bool) (*Resolution, *walkState, error) {
	root := plan.Root
	segs := SplitPath(path)
	if len(segs) == 0 {
		return nil, nil, dataerr.InvalidAttribute(root.Name, path, "empty attribute path")
	}
	if len(segs) > r.maxDepth {
		return nil, nil, dataerr.InvalidAttribute(root.Name, path, "path exceeds %d segments", r.maxDepth)
	}

	res := &Resolution{Path: path, Root: root}
	cur, alias, walked := root, plan.RootAlias, ""
	for i, name := range segs {
		last := i == len(segs)-1
		field := r.Field(cur, name)
		if field == nil {
			return nil, nil, dataerr.InvalidAttribute(cur.Name, name, "unknown attribute")
		}
		walked = joinPath(walked, field.Name)

		if field.IsJSON() {
			if err := r.resolveJSON(res, cur, field, alias, segs[i+1:]); err != nil {
				return nil, nil, err
			}
			return res, nil, nil
		}
		if r.HasDataType(field.Type) {
			if !last {
				return nil, nil, dataerr.InvalidAttribute(cur.Name, path, "cannot navigate into %s attribute %s", field.Type, field.Name)
			}
			res.Model, res.Field, res.Alias, res.Column = cur, field, alias, Column(alias, field.Name)
			return res, nil, nil
		}

		assoc, err := r.Association(cur, field)
		if err != nil {
			return nil, nil, err
		}
		if last && !assoc.ParentSide && !assoc.IsJunction() {
			// внешний ключ лежит в текущей строке, JOIN не нужен
			res.Model, res.Field, res.Alias, res.Column = cur, field, alias, Column(alias, field.Name)
			return res, nil, nil
		}
		if stopAtCollection && assoc.IsCollection() {
			return res, &walkState{res: res, model: cur, alias: alias, walked: walked, index: i, assoc: assoc}, nil
		}
		related, err := r.MustGet(assoc.Related())
		if err != nil {
			return nil, nil, err
		}
		joins := r.joinAssociation(plan, walked, cur, alias, assoc, related)
		res.Joins = append(res.Joins, joins...)
		if assoc.IsCollection() {
			res.Collection = true
		}
		cur, alias = related, joins[len(joins)-1].Alias
		if last {
			pk := r.PrimaryKey(related)
			if pk == nil {
				return nil, nil, dataerr.InvalidModel(related.Name, "model has no primary key")
			}
			res.Model, res.Field, res.Alias, res.Column = related, pk, alias, Column(alias, pk.Name)
		}
	}
	return res, nil, nil
}

func (r *Registry) joinAssociation(plan *JoinPlan, walked string, owner *ModelDefinition, ownerAlias string, assoc *Association, related *ModelDefinition) []*JoinSpec {
	mp := assoc.Mapping
	switch {
	case assoc.IsJunction():
		link := plan.ensure(walked+"#link", func(a string) *JoinSpec {
			on := fmt.Sprintf("%s = %s", Column(a, mp.AssociationValueField), Column(ownerAlias, mp.ChildField))
			if assoc.ParentSide {
				on = fmt.Sprintf("%s = %s", Column(a, mp.AssociationObjectField), Column(ownerAlias, mp.ParentField))
			}
			return &JoinSpec{FromModel: owner.Name, ToModel: mp.AssociationAdapter, Table: r.AdapterTable(mp),
				Alias: a, On: on, JoinType: "LEFT JOIN", Distinct: true}
		})
		target := plan.ensure(walked, func(a string) *JoinSpec {
			on := fmt.Sprintf("%s = %s", Column(a, mp.ParentField), Column(link.Alias, mp.AssociationObjectField))
			if assoc.ParentSide {
				on = fmt.Sprintf("%s = %s", Column(a, mp.ChildField), Column(link.Alias, mp.AssociationValueField))
			}
			return &JoinSpec{FromModel: owner.Name, ToModel: related.Name, Table: related.ReadTable(),
				Alias: a, On: on, JoinType: "LEFT JOIN", Distinct: true}
		})
		return []*JoinSpec{link, target}
	case assoc.ParentSide:
		return []*JoinSpec{plan.ensure(walked, func(a string) *JoinSpec {
			return &JoinSpec{FromModel: owner.Name, ToModel: related.Name, Table: related.ReadTable(), Alias: a,
				On:       fmt.Sprintf("%s = %s", Column(a, mp.ChildField), Column(ownerAlias, mp.ParentField)),
				JoinType: "LEFT JOIN", Distinct: assoc.Field.Many}
		})}
	default:
		return []*JoinSpec{plan.ensure(walked, func(a string) *JoinSpec {
			return &JoinSpec{FromModel: owner.Name, ToModel: related.Name, Table: related.ReadTable(), Alias: a,
				On:       fmt.Sprintf("%s = %s", Column(ownerAlias, mp.ChildField), Column(a, mp.ParentField)),
				JoinType: "LEFT JOIN"}
		})}
	}
}

// resolveJSON: JSON со схемой (additionalType) разрешается как виртуальная связь
// и извлекается в SQL; без схемы путь откладывается до проекции после выборки.
func (r *Registry) resolveJSON(res *Resolution, cur *ModelDefinition, field *FieldDefinition, alias string, rest []string) error {
	res.Model, res.Field, res.Alias = cur, field, alias
	col := Column(alias, field.Name)
	res.Column = col
	if len(rest) == 0 {
		return nil
	}
	if field.AdditionalType == "" {
		res.JSONPath = append([]string(nil), rest...)
		return nil
	}
	shape, err := r.MustGet(field.AdditionalType)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(rest))
	for i, name := range rest {
		if shape == nil {
			// внутри JSON без схемы ключи берутся как есть
			keys = append(keys, rest[i:]...)
			break
		}
		sub := r.Field(shape, name)
		if sub == nil {
			return dataerr.InvalidAttribute(shape.Name, name, "unknown attribute")
		}
		keys = append(keys, sub.Name)
		res.Model, res.Field = shape, sub
		switch {
		case i == len(rest)-1:
		case sub.IsJSON() && sub.AdditionalType != "":
			if shape, err = r.MustGet(sub.AdditionalType); err != nil {
				return err
			}
		case sub.IsJSON():
			shape = nil
		case r.HasDataType(sub.Type):
			return dataerr.InvalidAttribute(shape.Name, res.Path, "cannot navigate into %s attribute %s", sub.Type, sub.Name)
		default:
			if shape, err = r.MustGet(sub.Type); err != nil {
				return err
			}
		}
	}
	res.Column = castJSON(JSONExtract(col, keys), res.Field)
	return nil
}

// castJSON приводит текст, извлечённый из JSON, к типу поля схемы.
func castJSON(expr string, f *FieldDefinition) string {
	if f == nil || f.IsJSON() {
		return expr
	}
	var typ string
	switch f.Type {
	case "Counter", "Integer", "Short", "Number", "Float", "Decimal":
		typ = "numeric"
	case "Boolean":
		typ = "boolean"
	case "Date":
		typ = "date"
	case "DateTime":
		typ = "timestamptz"
	default:
		return expr
	}
	return "(" + expr + ")::" + typ
}

// AdapterTable returns the linking table of a junction mapping; an adapter
// declared as a model is written through its source table.
func (r *Registry) AdapterTable(mp *AssociationMapping) string {
	if m, ok := r.Get(mp.AssociationAdapter); ok && strings.EqualFold(m.Name, mp.AssociationAdapter) {
		return m.WriteTable()
	}
	return mp.AssociationAdapter
}

func joinPath(prefix, name string) string {
	if prefix == "" {
		return name
	}
	return prefix + "/" + name
}
