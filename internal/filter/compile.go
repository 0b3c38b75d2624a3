package filter

import (
	"context"
	"fmt"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
)

// Restrictor returns an extra condition for rows of m under alias, or nil.
// Используется для фильтров привилегий внутри EXISTS по коллекциям.
type Restrictor func(ctx context.Context, m *model.ModelDefinition, alias string) (squirrel.Sqlizer, error)

// Parser компилирует выражения фильтра для одной модели. Экземпляр можно
// переиспользовать: каждый Parse строит собственный план JOIN-ов.
type Parser struct {
	registry   *model.Registry
	model      *model.ModelDefinition
	funcs      *Functions
	members    []MemberResolver
	methods    []MethodResolver
	restrictor Restrictor
	rootAlias  string
	prefix     string
}

type Option func(*Parser)

func WithFunctions(f *Functions) Option {
	return func(p *Parser) { p.funcs = f }
}

// WithMemberResolvers appends resolvers; they are consulted in the given order.
func WithMemberResolvers(fns ...MemberResolver) Option {
	return func(p *Parser) { p.members = append(p.members, fns...) }
}

func WithMethodResolvers(fns ...MethodResolver) Option {
	return func(p *Parser) { p.methods = append(p.methods, fns...) }
}

func WithRestrictor(r Restrictor) Option {
	return func(p *Parser) { p.restrictor = r }
}

// WithAlias compiles against rootAlias with join aliases prefixed by prefix.
func WithAlias(rootAlias, prefix string) Option {
	return func(p *Parser) { p.rootAlias, p.prefix = rootAlias, prefix }
}

func NewParser(reg *model.Registry, m *model.ModelDefinition, opts ...Option) *Parser {
	p := &Parser{registry: reg, model: m, rootAlias: model.RootAlias}
	for _, opt := range opts {
		opt(p)
	}
	if p.funcs == nil {
		p.funcs = NewFunctions()
	}
	return p
}

func (p *Parser) Model() *model.ModelDefinition { return p.model }

// Result — условие WHERE и JOIN-ы, собранные при разрешении членов выражения.
type Result struct {
	Where  squirrel.Sqlizer // nil для пустого выражения
	Expand []*model.JoinSpec
	Tree   Node
}

// Parse parses and compiles expr into a fresh join plan.
func (p *Parser) Parse(ctx context.Context, expr string) (*Result, error) {
	tree, err := ParseExpr(expr)
	if err != nil {
		return nil, err
	}
	return p.Compile(ctx, tree, model.NewPrefixedJoinPlan(p.model, p.rootAlias, p.prefix))
}

// Compile compiles tree into plan; plan joins are shared with the caller.
func (p *Parser) Compile(ctx context.Context, tree Node, plan *model.JoinPlan) (*Result, error) {
	res := &Result{Tree: tree}
	if tree != nil {
		c := &compiler{p: p, ctx: ctx, plan: plan}
		where, err := c.predicate(tree)
		if err != nil {
			return nil, err
		}
		res.Where = where
	}
	res.Expand = plan.Joins()
	return res, nil
}

// CompileValue compiles a value expression ($select, $orderby terms) into plan.
// Collections are not allowed here: a value must come from a single row.
func (p *Parser) CompileValue(ctx context.Context, tree Node, plan *model.JoinPlan) (Fragment, error) {
	c := &compiler{p: p, ctx: ctx, plan: plan}
	op, err := c.value(tree)
	if err != nil {
		return Fragment{}, err
	}
	if op.semi != nil {
		return Fragment{}, dataerr.InvalidAttribute(p.model.Name, op.semi.Key, "collection attribute in a value expression")
	}
	return op.frag, nil
}

type operand struct {
	frag Fragment
	semi *model.SemiJoin
	null bool
}

type compiler struct {
	p     *Parser
	ctx   context.Context
	plan  *model.JoinPlan
	semis map[string]*model.SemiJoin
}

func (c *compiler) root() *model.ModelDefinition { return c.plan.Root }

func (c *compiler) invalid(n Node, format string, args ...any) error {
	return dataerr.InvalidExpression(n.String(), 0, format, args...)
}

func (c *compiler) predicate(n Node) (Fragment, error) {
	switch x := n.(type) {
	case *Binary:
		if isLogical(x.Op) {
			l, err := c.predicate(x.Left)
			if err != nil {
				return Fragment{}, err
			}
			r, err := c.predicate(x.Right)
			if err != nil {
				return Fragment{}, err
			}
			return Compose("({} "+strings.ToUpper(x.Op)+" {})", l, r), nil
		}
		if isComparison(x.Op) || x.Op == "in" {
			return c.scoped(func() (operand, error) { return c.comparison(x) })
		}
		return Fragment{}, c.invalid(x, "arithmetic expression used as a condition")
	case *Unary:
		if x.Op != "not" {
			return Fragment{}, c.invalid(x, "negation used as a condition")
		}
		inner, err := c.predicate(x.Operand)
		if err != nil {
			return Fragment{}, err
		}
		return Compose("NOT ({})", inner), nil
	case *Literal:
		if b, ok := x.Value.(bool); ok {
			if b {
				return Fragment{SQL: "1 = 1"}, nil
			}
			return Fragment{SQL: "1 = 0"}, nil
		}
		return Fragment{}, c.invalid(x, "literal used as a condition")
	case *List:
		return Fragment{}, c.invalid(x, "list used as a condition")
	}
	return c.scoped(func() (operand, error) { return c.value(n) })
}

// scoped компилирует одно условие; члены-коллекции внутри него сводятся в EXISTS.
func (c *compiler) scoped(fn func() (operand, error)) (Fragment, error) {
	saved := c.semis
	c.semis = map[string]*model.SemiJoin{}
	defer func() { c.semis = saved }()
	op, err := fn()
	if err != nil {
		return Fragment{}, err
	}
	if op.semi == nil {
		return op.frag, nil
	}
	return c.exists(op.semi, op.frag)
}

func (c *compiler) exists(semi *model.SemiJoin, pred Fragment) (Fragment, error) {
	var (
		b    strings.Builder
		args []any
	)
	b.WriteString("EXISTS (SELECT 1 FROM ")
	b.WriteString(semi.From)
	for _, j := range semi.Plan.Joins() {
		if err := c.restrictJoin(j); err != nil {
			return Fragment{}, err
		}
		sql, jargs, err := j.Clause()
		if err != nil {
			return Fragment{}, err
		}
		b.WriteString(" ")
		b.WriteString(sql)
		args = append(args, jargs...)
	}
	b.WriteString(" WHERE ")
	b.WriteString(semi.Correlation)
	if c.p.restrictor != nil {
		extra, err := c.p.restrictor(c.ctx, semi.Plan.Root, semi.Plan.RootAlias)
		if err != nil {
			return Fragment{}, err
		}
		if extra != nil {
			sql, rargs, err := extra.ToSql()
			if err != nil {
				return Fragment{}, err
			}
			b.WriteString(" AND (" + sql + ")")
			args = append(args, rargs...)
		}
	}
	b.WriteString(" AND ")
	b.WriteString(pred.SQL)
	b.WriteString(")")
	args = append(args, pred.Args...)
	return Fragment{SQL: b.String(), Args: args}, nil
}

func (c *compiler) restrictJoin(j *model.JoinSpec) error {
	if c.p.restrictor == nil || j.Restriction != nil {
		return nil
	}
	m, ok := c.p.registry.Get(j.ToModel)
	if !ok || !strings.EqualFold(m.Name, j.ToModel) {
		return nil
	}
	r, err := c.p.restrictor(c.ctx, m, j.Alias)
	if err != nil {
		return err
	}
	j.Restriction = r
	return nil
}

func (c *compiler) comparison(x *Binary) (operand, error) {
	left, err := c.value(x.Left)
	if err != nil {
		return operand{}, err
	}
	if x.Op == "in" {
		list, ok := x.Right.(*List)
		if !ok || len(list.Items) == 0 {
			return operand{}, c.invalid(x, "in requires a non-empty list")
		}
		parts := []Fragment{left.frag}
		semi := left.semi
		marks := make([]string, len(list.Items))
		for i, item := range list.Items {
			v, err := c.value(item)
			if err != nil {
				return operand{}, err
			}
			if semi, err = c.mergeSemi(semi, v.semi); err != nil {
				return operand{}, err
			}
			parts = append(parts, v.frag)
			marks[i] = "{}"
		}
		return operand{frag: Compose("{} IN ("+strings.Join(marks, ", ")+")", parts...), semi: semi}, nil
	}

	right, err := c.value(x.Right)
	if err != nil {
		return operand{}, err
	}
	semi, err := c.mergeSemi(left.semi, right.semi)
	if err != nil {
		return operand{}, err
	}
	op := comparisonOps[x.Op]
	switch {
	case left.null && right.null:
		if op == "=" {
			return operand{frag: Fragment{SQL: "1 = 1"}}, nil
		}
		return operand{frag: Fragment{SQL: "1 = 0"}}, nil
	case right.null && (op == "=" || op == "<>"):
		return operand{frag: Compose("{} "+nullTest(op), left.frag), semi: semi}, nil
	case left.null && (op == "=" || op == "<>"):
		return operand{frag: Compose("{} "+nullTest(op), right.frag), semi: semi}, nil
	}
	return operand{frag: Compose("{} "+op+" {}", left.frag, right.frag), semi: semi}, nil
}

func nullTest(op string) string {
	if op == "=" {
		return "IS NULL"
	}
	return "IS NOT NULL"
}

func (c *compiler) value(n Node) (operand, error) {
	switch x := n.(type) {
	case *Literal:
		return literal(x.Value), nil
	case *Member:
		return c.member(x)
	case *Method:
		return c.method(x)
	case *Unary:
		if x.Op == "not" {
			f, err := c.predicate(x)
			return operand{frag: f}, err
		}
		v, err := c.value(x.Operand)
		if err != nil {
			return operand{}, err
		}
		return operand{frag: Compose("(- {})", v.frag), semi: v.semi}, nil
	case *Binary:
		if !isArithmetic(x.Op) {
			f, err := c.predicate(x)
			return operand{frag: f}, err
		}
		l, err := c.value(x.Left)
		if err != nil {
			return operand{}, err
		}
		r, err := c.value(x.Right)
		if err != nil {
			return operand{}, err
		}
		semi, err := c.mergeSemi(l.semi, r.semi)
		if err != nil {
			return operand{}, err
		}
		return operand{frag: Compose("({} "+arithmeticOps[x.Op]+" {})", l.frag, r.frag), semi: semi}, nil
	}
	return operand{}, c.invalid(n, "unexpected %T", n)
}

func literal(v any) operand {
	switch x := v.(type) {
	case nil:
		return operand{frag: Fragment{SQL: "NULL"}, null: true}
	case Guid:
		return operand{frag: Fragment{SQL: "?", Args: []any{string(x)}}}
	}
	return operand{frag: Fragment{SQL: "?", Args: []any{v}}}
}

func (c *compiler) substitute(sub *Substitution) (operand, error) {
	switch {
	case sub.SQL != nil:
		sql, args, err := sub.SQL.ToSql()
		if err != nil {
			return operand{}, err
		}
		return operand{frag: Fragment{SQL: sql, Args: args}}, nil
	case sub.Path != "":
		return c.path(sub.Path)
	}
	return literal(sub.Value), nil
}

func (c *compiler) member(x *Member) (operand, error) {
	sub, err := resolveMember(c.ctx, c.p.members, c.root(), x.Path)
	if err != nil {
		return operand{}, err
	}
	if sub != nil {
		return c.substitute(sub)
	}
	return c.path(x.Path)
}

func (c *compiler) path(path string) (operand, error) {
	reg := c.p.registry
	semi, err := reg.ResolveCollection(c.plan, path)
	if err != nil {
		return operand{}, err
	}
	if semi == nil {
		res, err := reg.Resolve(c.plan, path)
		if err != nil {
			return operand{}, err
		}
		return operand{frag: Fragment{SQL: res.Expr()}}, nil
	}
	if c.semis == nil {
		c.semis = map[string]*model.SemiJoin{}
	}
	if prev, ok := c.semis[semi.Key]; ok {
		semi = prev
	} else {
		c.semis[semi.Key] = semi
	}
	if semi.Rest == "" {
		pk := reg.PrimaryKey(semi.Plan.Root)
		if pk == nil {
			return operand{}, dataerr.InvalidModel(semi.Plan.Root.Name, "model has no primary key")
		}
		return operand{frag: Fragment{SQL: model.Column(semi.Plan.RootAlias, pk.Name)}, semi: semi}, nil
	}
	res, err := reg.Resolve(semi.Plan, semi.Rest)
	if err != nil {
		return operand{}, err
	}
	return operand{frag: Fragment{SQL: res.Expr()}, semi: semi}, nil
}

func (c *compiler) method(x *Method) (operand, error) {
	if fn, ok := c.p.funcs.Lookup(x.Name); ok {
		if err := fn.checkArity(len(x.Args)); err != nil {
			return operand{}, dataerr.InvalidExpression(x.String(), x.Pos, "%s", err.Error())
		}
		frags := make([]Fragment, len(x.Args))
		var semi *model.SemiJoin
		for i, a := range x.Args {
			v, err := c.value(a)
			if err != nil {
				return operand{}, err
			}
			if semi, err = c.mergeSemi(semi, v.semi); err != nil {
				return operand{}, err
			}
			frags[i] = v.frag
		}
		return operand{frag: fn.SQL(frags), semi: semi}, nil
	}
	sub, err := resolveMethod(c.ctx, c.p.methods, c.root(), x.Name, x.Args)
	if err != nil {
		return operand{}, err
	}
	if sub == nil {
		return operand{}, dataerr.UnresolvedMethod(c.root().Name, x.Name)
	}
	return c.substitute(sub)
}

func (c *compiler) mergeSemi(a, b *model.SemiJoin) (*model.SemiJoin, error) {
	switch {
	case a == nil:
		return b, nil
	case b == nil, a == b:
		return a, nil
	}
	return nil, dataerr.InvalidAttribute(c.root().Name, fmt.Sprintf("%s, %s", a.Key, b.Key),
		"a condition cannot span two collections")
}
