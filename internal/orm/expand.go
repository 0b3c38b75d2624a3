package orm

import (
	"context"
	"fmt"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/filter"
	"YrestData/internal/model"
	"YrestData/internal/queryable"

	"github.com/Masterminds/squirrel"
	"golang.org/x/sync/errgroup"
)

// expandWorkers — сколько дочерних запросов одного уровня идут параллельно.
const expandWorkers = 4

// expansion — раскрытие одной связи: ключ в строках родителя и дочерний запрос.
type expansion struct {
	name  string // куда положить результат
	key   string // ключ строки родителя со значением связи
	field *model.FieldDefinition
	assoc *model.Association
	opts  queryable.Options
	one   bool
}

// plan собирает раскрытия запроса: явные $expand и, при levels > 0, поля
// expandable со связью к одной записи. Ключи связей добавляются в выборку.
func (dm *DataModel) plan(q *queryable.Queryable, levels int) ([]*expansion, error) {
	if q.Err() != nil || len(q.Group) > 0 {
		return nil, nil
	}
	reg := dm.dc.Registry
	var out []*expansion
	seen := map[string]bool{}
	for _, e := range q.Expand {
		x, err := dm.expansion(q, e.Name, e.Nested())
		if err != nil {
			return nil, err
		}
		seen[strings.ToLower(x.field.Name)] = true
		out = append(out, x)
	}
	if levels <= 0 {
		return out, nil
	}
	for _, f := range reg.Attributes(q.Model) {
		if !f.Expandable || f.Many || reg.HasDataType(f.Type) || seen[strings.ToLower(f.Name)] || !selected(q, f.Name) {
			continue
		}
		x, err := dm.expansion(q, f.Name, queryable.Options{Levels: -1})
		if err != nil {
			return nil, err
		}
		if !x.one {
			continue
		}
		out = append(out, x)
	}
	return out, nil
}

func selected(q *queryable.Queryable, name string) bool {
	if len(q.Select) == 0 {
		return true
	}
	for _, c := range q.Select {
		if m, ok := c.Expr.(*filter.Member); ok && !c.Hidden && strings.EqualFold(m.Path, name) {
			return true
		}
	}
	return false
}

func (dm *DataModel) expansion(q *queryable.Queryable, name string, opts queryable.Options) (*expansion, error) {
	reg := dm.dc.Registry
	field := reg.Field(q.Model, name)
	if field == nil {
		return nil, dataerr.InvalidAttribute(q.Model.Name, name, "unknown attribute")
	}
	if reg.HasDataType(field.Type) {
		return nil, dataerr.InvalidAttribute(q.Model.Name, name, "%s attribute cannot be expanded", field.Type)
	}
	assoc, err := reg.Association(q.Model, field)
	if err != nil {
		return nil, err
	}
	x := &expansion{name: field.Name, field: field, assoc: assoc, opts: opts}
	mp := assoc.Mapping
	switch {
	case assoc.IsJunction():
		x.key = q.Require(ownKey(assoc))
	case assoc.ParentSide:
		x.key = q.Require(mp.ParentField)
		x.one = !field.Many
	default:
		// внешний ключ в строке заменяется связанной записью
		x.key = q.Require(field.Name)
		if !strings.HasPrefix(x.key, "$") {
			x.name = x.key
		}
		x.one = true
	}
	return x, nil
}

// ownKey — поле модели-владельца, на которое ссылается таблица связи.
func ownKey(a *model.Association) string {
	if a.ParentSide {
		return a.Mapping.ParentField
	}
	return a.Mapping.ChildField
}

func keyOf(v any) string { return fmt.Sprint(v) }

func distinctValues(rows []map[string]any, key string) []any {
	seen := map[string]struct{}{}
	out := make([]any, 0, len(rows))
	for _, row := range rows {
		v := row[key]
		if v == nil {
			continue
		}
		if _, dup := seen[keyOf(v)]; dup {
			continue
		}
		seen[keyOf(v)] = struct{}{}
		out = append(out, v)
	}
	return out
}

// expand выполняет дочерние запросы параллельно и склеивает результаты со
// строками родителя.
func (dm *DataModel) expand(ctx context.Context, q *queryable.Queryable, rows []map[string]any, plan []*expansion, levels int) error {
	grouped := make([]map[string][]map[string]any, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(expandWorkers)
	for i, x := range plan {
		ids := distinctValues(rows, x.key)
		if len(ids) == 0 {
			continue
		}
		g.Go(func() error {
			res, err := dm.fetch(gctx, q.IsSilent(), x, ids, levels)
			if err != nil {
				return fmt.Errorf("expand %s.%s: %w", q.Model.Name, x.field.Name, err)
			}
			grouped[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, x := range plan {
		for _, row := range rows {
			var items []map[string]any
			if v := row[x.key]; v != nil && grouped[i] != nil {
				items = grouped[i][keyOf(v)]
			}
			if x.one {
				if len(items) == 0 {
					row[x.name] = nil
				} else {
					row[x.name] = items[0]
				}
				continue
			}
			if items == nil {
				items = []map[string]any{}
			}
			row[x.name] = items
		}
	}
	return nil
}

// fetch читает связанные записи для ids и группирует их по ключу родителя.
func (dm *DataModel) fetch(ctx context.Context, silent bool, x *expansion, ids []any, levels int) (map[string][]map[string]any, error) {
	reg := dm.dc.Registry
	mp := x.assoc.Mapping
	related, err := reg.MustGet(x.assoc.Related())
	if err != nil {
		return nil, err
	}

	match := mp.ParentField
	var links map[string][]string
	switch {
	case x.assoc.IsJunction():
		if links, ids, err = dm.links(ctx, x.assoc, ids); err != nil || len(ids) == 0 {
			return nil, err
		}
		if x.assoc.ParentSide {
			match = mp.ChildField
		}
	case x.assoc.ParentSide:
		match = mp.ChildField
	}

	child := &DataModel{dc: dm.dc, Model: related, silent: silent}
	cq := x.opts.Apply(child.AsQueryable())
	cq.WhereNode(filter.In(match, ids))
	matchKey := cq.Require(match)
	next := levels - 1
	if x.opts.Levels >= 0 {
		next = x.opts.Levels
	}
	if err := cq.Err(); err != nil {
		return nil, err
	}
	items, err := child.rows(ctx, cq, next)
	if err != nil {
		return nil, err
	}

	byMatch := map[string][]map[string]any{}
	for _, item := range items {
		k := keyOf(item[matchKey])
		byMatch[k] = append(byMatch[k], item)
	}
	cq.StripHidden(items)
	if links == nil {
		return byMatch, nil
	}
	out := map[string][]map[string]any{}
	for owner, others := range links {
		for _, other := range others {
			out[owner] = append(out[owner], byMatch[other]...)
		}
	}
	return out, nil
}

// links читает таблицу связи многие-ко-многим: владелец -> связанные ключи.
func (dm *DataModel) links(ctx context.Context, a *model.Association, ids []any) (map[string][]string, []any, error) {
	mp := a.Mapping
	own, other := mp.AssociationObjectField, mp.AssociationValueField
	if !a.ParentSide {
		own, other = other, own
	}
	sel := squirrel.Select(
		model.Quote(own)+" AS owner",
		model.Quote(other)+" AS other",
	).From(model.Quote(dm.dc.Registry.AdapterTable(mp))).Where(squirrel.Eq{model.Quote(own): ids})
	rows, err := dm.dc.Adapter.Execute(ctx, sel)
	if err != nil {
		return nil, nil, err
	}
	out := map[string][]string{}
	others := distinctValues(rows, "other")
	for _, row := range rows {
		if row["other"] == nil {
			continue
		}
		k := keyOf(row["owner"])
		out[k] = append(out[k], keyOf(row["other"]))
	}
	return out, others, nil
}
