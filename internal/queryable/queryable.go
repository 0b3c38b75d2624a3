// Package queryable описывает декларативный запрос к модели ($filter, $select,
// $expand, ...) и переписывает его в SQL перед выполнением.
package queryable

import (
	"strings"

	"YrestData/internal/filter"
	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
)

// Column — элемент $select, $orderby или $groupby.
type Column struct {
	Source string      // исходный текст без алиаса и направления
	Alias  string      // ключ в строке результата
	Expr   filter.Node // nil до разбора
	Desc   bool
	// Hidden: служебная колонка (ORDER BY при DISTINCT, ключ раскрытия),
	// удаляется из строк результата.
	Hidden bool

	resolved bool
	sql      filter.Fragment
	field    *model.FieldDefinition
	jsonPath []string
}

// Resolved reports whether the nested listener already rewrote the column.
func (c *Column) Resolved() bool { return c.resolved }

func (c *Column) SQL() filter.Fragment { return c.sql }

// Field returns the attribute a plain path column resolved to, or nil for expressions.
func (c *Column) Field() *model.FieldDefinition { return c.field }

// JSONPath — ключи внутри JSON без схемы, извлекаются после выборки.
func (c *Column) JSONPath() []string { return c.jsonPath }

func (c *Column) clone() *Column {
	out := *c
	out.jsonPath = append([]string(nil), c.jsonPath...)
	return &out
}

// Expand — раскрытие связи со своими вложенными параметрами.
type Expand struct {
	Name    string
	Options *Options

	resolved    bool
	field       *model.FieldDefinition
	association *model.Association
}

func (e *Expand) Field() *model.FieldDefinition   { return e.field }
func (e *Expand) Association() *model.Association { return e.association }
func (e *Expand) Resolved() bool                  { return e.resolved }

func (e *Expand) clone() *Expand {
	out := *e
	return &out
}

// Nested returns the options of the expanded association (empty when none given).
func (e *Expand) Nested() Options {
	if e.Options == nil {
		return Options{Levels: -1}
	}
	return *e.Options
}

// State — стадия обработки запроса вложенным слушателем.
type State int

const (
	Scanning State = iota
	Resolving
	Rewriting
	Done
)

func (s State) String() string {
	switch s {
	case Scanning:
		return "scanning"
	case Resolving:
		return "resolving"
	case Rewriting:
		return "rewriting"
	case Done:
		return "done"
	}
	return "unknown"
}

// Queryable — запрос к одной модели. Построитель не потокобезопасен.
type Queryable struct {
	Model  *model.ModelDefinition
	Where  filter.Node
	Select []*Column
	Order  []*Column
	Group  []*Column
	Expand []*Expand
	Limit  uint64
	Offset uint64
	// Levels — глубина раскрытия; -1 означает значение по умолчанию.
	Levels int

	silent bool
	err    error
	state  State

	plan      *model.JoinPlan
	where     squirrel.Sqlizer
	whereDone bool
}

func New(m *model.ModelDefinition) *Queryable {
	return &Queryable{Model: m, Levels: -1}
}

// Err returns the first error recorded by a fluent call.
func (q *Queryable) Err() error { return q.err }

func (q *Queryable) State() State { return q.state }

func (q *Queryable) fail(err error) *Queryable {
	if q.err == nil {
		q.err = err
	}
	return q
}

// Filter parses expr and AND-s it to the current condition.
func (q *Queryable) Filter(expr string) *Queryable {
	tree, err := filter.ParseExpr(expr)
	if err != nil {
		return q.fail(err)
	}
	return q.WhereNode(tree)
}

// WhereNode AND-s an already parsed condition.
func (q *Queryable) WhereNode(n filter.Node) *Queryable {
	if n == nil {
		return q
	}
	if q.Where == nil {
		q.Where = n
	} else {
		q.Where = filter.And(q.Where, n)
	}
	q.whereDone = false
	return q
}

func (q *Queryable) SelectFields(items ...string) *Queryable {
	for _, item := range items {
		cols, err := ParseSelect(item)
		if err != nil {
			return q.fail(err)
		}
		q.Select = append(q.Select, cols...)
	}
	return q
}

// View selects the fields of a named view definition of the model.
func (q *Queryable) View(name string) *Queryable {
	v, ok := q.Model.ViewByName(name)
	if !ok {
		return q.fail(invalidView(q.Model.Name, name))
	}
	return q.SelectFields(v.Fields...)
}

func (q *Queryable) OrderBy(items ...string) *Queryable {
	for _, item := range items {
		cols, err := ParseOrderBy(item)
		if err != nil {
			return q.fail(err)
		}
		q.Order = append(q.Order, cols...)
	}
	return q
}

func (q *Queryable) GroupBy(items ...string) *Queryable {
	for _, item := range items {
		cols, err := ParseSelect(item)
		if err != nil {
			return q.fail(err)
		}
		q.Group = append(q.Group, cols...)
	}
	return q
}

func (q *Queryable) ExpandFields(items ...string) *Queryable {
	for _, item := range items {
		exps, err := ParseExpand(item)
		if err != nil {
			return q.fail(err)
		}
		q.Expand = append(q.Expand, exps...)
	}
	return q
}

func (q *Queryable) Take(n uint64) *Queryable { q.Limit = n; return q }

func (q *Queryable) Skip(n uint64) *Queryable { q.Offset = n; return q }

func (q *Queryable) WithLevels(n int) *Queryable { q.Levels = n; return q }

// Silent disables privilege checks for this query (служебные запросы движка).
func (q *Queryable) Silent() *Queryable { q.silent = true; return q }

func (q *Queryable) IsSilent() bool { return q.silent }

// Plan returns the join plan built by the nested listener (nil before it ran).
func (q *Queryable) Plan() *model.JoinPlan { return q.plan }

// Condition returns the compiled WHERE (nil before the listener ran or without a filter).
func (q *Queryable) Condition() squirrel.Sqlizer { return q.where }

// HasFanOut reports whether a join of the query multiplies root rows.
func (q *Queryable) HasFanOut() bool { return q.plan != nil && q.plan.HasFanOut() }

// Clone returns an independent copy, keeping resolution results.
func (q *Queryable) Clone() *Queryable {
	out := *q
	out.Select = cloneColumns(q.Select)
	out.Order = cloneColumns(q.Order)
	out.Group = cloneColumns(q.Group)
	out.Expand = make([]*Expand, len(q.Expand))
	for i, e := range q.Expand {
		out.Expand[i] = e.clone()
	}
	if q.plan != nil {
		out.plan = q.plan.Clone()
	}
	return &out
}

func cloneColumns(cols []*Column) []*Column {
	if cols == nil {
		return nil
	}
	out := make([]*Column, len(cols))
	for i, c := range cols {
		out[i] = c.clone()
	}
	return out
}

// Keys returns the result keys of visible columns in select order.
func (q *Queryable) Keys() []string {
	var out []string
	for _, c := range q.Select {
		if !c.Hidden {
			out = append(out, c.Alias)
		}
	}
	return out
}

// Require makes sure the attribute path is part of the result and returns its
// key in result rows. A path missing from an explicit $select is added as a
// hidden column; the default select already carries every stored attribute.
func (q *Queryable) Require(path string) string {
	if len(q.Select) == 0 && len(q.Group) == 0 {
		return path
	}
	for _, c := range q.Select {
		if m, ok := c.Expr.(*filter.Member); ok && strings.EqualFold(m.Path, path) {
			return c.Alias
		}
	}
	alias := "$key_" + path
	q.Select = append(q.Select, &Column{Source: path, Alias: alias, Expr: &filter.Member{Path: path}, Hidden: true})
	return alias
}

// StripHidden removes helper columns from rows.
func (q *Queryable) StripHidden(rows []map[string]any) {
	var hidden []string
	for _, c := range q.Select {
		if c.Hidden {
			hidden = append(hidden, c.Alias)
		}
	}
	if len(hidden) == 0 {
		return
	}
	for _, row := range rows {
		for _, k := range hidden {
			delete(row, k)
		}
	}
}

// ExpandByName finds an expand entry case-insensitively.
func (q *Queryable) ExpandByName(name string) (*Expand, bool) {
	for _, e := range q.Expand {
		if strings.EqualFold(e.Name, name) {
			return e, true
		}
	}
	return nil, false
}
