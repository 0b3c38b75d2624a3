package queryable

import (
	"context"
	"fmt"

	"YrestData/internal/dataerr"
	"YrestData/internal/filter"
	"YrestData/internal/logger"
	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
)

// JoinHook is called once for every new join whose target is a model; it may set
// j.Restriction so rows the principal cannot read come back as NULL.
type JoinHook func(ctx context.Context, m *model.ModelDefinition, j *model.JoinSpec) error

// ParserFactory returns the filter parser used to compile conditions and expressions of m.
type ParserFactory func(m *model.ModelDefinition) *filter.Parser

// NestedListener переписывает вложенные пути запроса в JOIN-ы и колонки перед выполнением.
type NestedListener struct {
	registry *model.Registry
	parsers  ParserFactory
	hook     JoinHook
}

func NewNestedListener(reg *model.Registry, parsers ParserFactory, hook JoinHook) *NestedListener {
	if parsers == nil {
		parsers = func(m *model.ModelDefinition) *filter.Parser {
			return filter.NewParser(reg, m, filter.WithFunctions(aggregateFunctions()))
		}
	}
	return &NestedListener{registry: reg, parsers: parsers, hook: hook}
}

func aggregateFunctions() *filter.Functions {
	fns := filter.NewFunctions()
	for _, fn := range filter.Aggregates() {
		fns.Register(fn)
	}
	return fns
}

type markerKind int

const (
	markWhere markerKind = iota
	markSelect
	markOrder
	markGroup
	markExpand
)

type marker struct {
	kind markerKind
	col  *Column
	exp  *Expand
}

// staged — результат разрешения, ещё не применённый к запросу.
type staged struct {
	where   squirrel.Sqlizer
	columns map[*Column]*Column
	expands map[*Expand]*Expand
	hidden  []*Column
	defSel  []*Column
}

// BeforeExecute runs Scanning → Resolving → Rewriting → Done on q. A failure
// leaves q exactly as it was. Running it again on a rewritten query does nothing.
func (l *NestedListener) BeforeExecute(ctx context.Context, q *Queryable) error {
	if q.err != nil {
		return q.err
	}
	prev := q.state

	q.state = Scanning
	defSel := l.defaultSelect(q)
	markers := scan(q, defSel)
	if len(markers) == 0 && q.plan != nil {
		q.state = Done
		return nil
	}

	q.state = Resolving
	plan := q.plan
	if plan == nil {
		plan = model.NewJoinPlan(q.Model)
	} else {
		plan = plan.Clone()
	}
	known := map[*model.JoinSpec]bool{}
	for _, j := range plan.Joins() {
		known[j] = true
	}
	st, err := l.resolve(ctx, q, plan, markers)
	if err == nil {
		err = l.hookJoins(ctx, plan, known)
	}
	if err != nil {
		q.state = prev
		logger.Debug("nested_listener_failed", map[string]any{
			"model": q.Model.Name,
			"error": err.Error(),
		})
		return err
	}
	st.defSel = defSel

	q.state = Rewriting
	l.rewrite(q, plan, st)
	q.state = Done
	logger.Debug("nested_listener_rewrite", map[string]any{
		"model":   q.Model.Name,
		"markers": len(markers),
		"joins":   len(plan.Joins()),
	})
	return nil
}

// defaultSelect: без $select выбираются группы ($groupby) или все скалярные
// атрибуты и внешние ключи модели.
func (l *NestedListener) defaultSelect(q *Queryable) []*Column {
	if len(q.Select) > 0 {
		return nil
	}
	if len(q.Group) > 0 {
		out := make([]*Column, len(q.Group))
		for i, g := range q.Group {
			c := g.clone()
			c.resolved = false
			out[i] = c
		}
		return out
	}
	var out []*Column
	for _, f := range l.registry.Attributes(q.Model) {
		if f.Many {
			continue
		}
		out = append(out, &Column{Source: f.Name, Alias: f.Name, Expr: &filter.Member{Path: f.Name}})
	}
	return out
}

func scan(q *Queryable, defSel []*Column) []marker {
	var out []marker
	if q.Where != nil && !q.whereDone {
		out = append(out, marker{kind: markWhere})
	}
	// скрытые колонки ключей раскрытия тоже разрешаются; колонки ORDER BY приходят готовыми
	for _, c := range append(q.Select, defSel...) {
		if !c.resolved {
			out = append(out, marker{kind: markSelect, col: c})
		}
	}
	for _, c := range q.Order {
		if !c.resolved {
			out = append(out, marker{kind: markOrder, col: c})
		}
	}
	for _, c := range q.Group {
		if !c.resolved {
			out = append(out, marker{kind: markGroup, col: c})
		}
	}
	for _, e := range q.Expand {
		if !e.resolved {
			out = append(out, marker{kind: markExpand, exp: e})
		}
	}
	return out
}

func (l *NestedListener) resolve(ctx context.Context, q *Queryable, plan *model.JoinPlan, markers []marker) (*staged, error) {
	st := &staged{columns: map[*Column]*Column{}, expands: map[*Expand]*Expand{}}
	parser := l.parsers(q.Model)
	for _, mk := range markers {
		switch mk.kind {
		case markWhere:
			res, err := parser.Compile(ctx, q.Where, plan)
			if err != nil {
				return nil, err
			}
			st.where = res.Where
		case markSelect, markOrder, markGroup:
			c, err := l.column(ctx, parser, plan, mk.col, mk.kind == markSelect)
			if err != nil {
				return nil, err
			}
			st.columns[mk.col] = c
		case markExpand:
			e, err := l.expand(q.Model, mk.exp)
			if err != nil {
				return nil, err
			}
			st.expands[mk.exp] = e
		}
	}
	return st, nil
}

// column разрешает один элемент; простой путь идёт через резолвер атрибутов,
// выражение через компилятор фильтра.
func (l *NestedListener) column(ctx context.Context, parser *filter.Parser, plan *model.JoinPlan, c *Column, selecting bool) (*Column, error) {
	out := c.clone()
	if m, ok := c.Expr.(*filter.Member); ok {
		res, err := l.registry.Resolve(plan, m.Path)
		if err != nil {
			return nil, err
		}
		out.field = res.Field
		if selecting && len(res.JSONPath) > 0 {
			// извлечение из JSON без схемы откладывается до проекции
			out.sql = filter.Fragment{SQL: res.Column}
			out.jsonPath = res.JSONPath
		} else {
			out.sql = filter.Fragment{SQL: res.Expr()}
		}
		out.resolved = true
		return out, nil
	}
	if c.Expr == nil {
		return nil, dataerr.InvalidAttribute(plan.Root.Name, c.Source, "empty expression")
	}
	frag, err := parser.CompileValue(ctx, c.Expr, plan)
	if err != nil {
		return nil, err
	}
	out.sql = frag
	out.resolved = true
	return out, nil
}

func (l *NestedListener) expand(m *model.ModelDefinition, e *Expand) (*Expand, error) {
	field := l.registry.Field(m, e.Name)
	if field == nil {
		return nil, dataerr.InvalidAttribute(m.Name, e.Name, "unknown attribute")
	}
	if l.registry.HasDataType(field.Type) || field.IsJSON() {
		return nil, dataerr.InvalidAttribute(m.Name, e.Name, "%s attribute cannot be expanded", field.Type)
	}
	assoc, err := l.registry.Association(m, field)
	if err != nil {
		return nil, err
	}
	out := e.clone()
	out.Name = field.Name
	out.field = field
	out.association = assoc
	out.resolved = true
	return out, nil
}

func (l *NestedListener) hookJoins(ctx context.Context, plan *model.JoinPlan, known map[*model.JoinSpec]bool) error {
	if l.hook == nil {
		return nil
	}
	for _, j := range plan.Joins() {
		if known[j] || j.Restriction != nil {
			continue
		}
		m, ok := l.registry.Get(j.ToModel)
		if !ok {
			continue // таблица связи junction
		}
		if err := l.hook(ctx, m, j); err != nil {
			return fmt.Errorf("restrict join %s: %w", j.Path, err)
		}
	}
	return nil
}

func (l *NestedListener) rewrite(q *Queryable, plan *model.JoinPlan, st *staged) {
	if st.where != nil || (q.Where != nil && !q.whereDone) {
		q.where = st.where
		q.whereDone = true
	}
	if len(st.defSel) > 0 {
		q.Select = st.defSel
	}
	replace := func(cols []*Column) {
		for i, c := range cols {
			if r, ok := st.columns[c]; ok {
				cols[i] = r
			}
		}
	}
	replace(q.Select)
	replace(q.Order)
	replace(q.Group)
	for i, e := range q.Expand {
		if r, ok := st.expands[e]; ok {
			q.Expand[i] = r
		}
	}
	q.plan = plan
	if plan.HasFanOut() && len(q.Group) == 0 {
		q.Select = append(q.Select, hiddenOrderColumns(q)...)
	}
}

// hiddenOrderColumns: при SELECT DISTINCT выражения ORDER BY должны быть в списке выборки.
func hiddenOrderColumns(q *Queryable) []*Column {
	have := map[string]bool{}
	for _, c := range q.Select {
		have[c.sql.SQL] = true
	}
	var out []*Column
	for i, o := range q.Order {
		if have[o.sql.SQL] {
			continue
		}
		have[o.sql.SQL] = true
		h := o.clone()
		h.Alias = fmt.Sprintf("$order%d", i)
		h.Hidden = true
		h.Desc = false
		out = append(out, h)
	}
	return out
}
