package privilege

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"YrestData/internal/cache"
	"YrestData/internal/dataerr"
	"YrestData/internal/filter"
	"YrestData/internal/logger"
	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
)

// UserLookup возвращает идентификатор записи пользователя для принципала.
type UserLookup func(ctx context.Context, p *Principal) (any, error)

// Evaluator применяет привилегии моделей: маски для записи и фильтры для чтения.
type Evaluator struct {
	registry *model.Registry
	cache    cache.Cache
	store    PermissionStore
	exec     Executor
	lookup   UserLookup
	funcs    *filter.Functions
	members  []filter.MemberResolver
	methods  []filter.MethodResolver
	ttl      time.Duration
}

type Option func(*Evaluator)

func WithCache(c cache.Cache) Option               { return func(e *Evaluator) { e.cache = c } }
func WithPermissionStore(s PermissionStore) Option { return func(e *Evaluator) { e.store = s } }
func WithExecutor(x Executor) Option               { return func(e *Evaluator) { e.exec = x } }
func WithUserLookup(fn UserLookup) Option          { return func(e *Evaluator) { e.lookup = fn } }
func WithFunctions(f *filter.Functions) Option     { return func(e *Evaluator) { e.funcs = f } }
func WithTTL(ttl time.Duration) Option             { return func(e *Evaluator) { e.ttl = ttl } }

// WithResolvers adds host resolvers consulted after the principal context resolvers.
func WithResolvers(members []filter.MemberResolver, methods []filter.MethodResolver) Option {
	return func(e *Evaluator) {
		e.members = append(e.members, members...)
		e.methods = append(e.methods, methods...)
	}
}

func NewEvaluator(reg *model.Registry, opts ...Option) *Evaluator {
	e := &Evaluator{registry: reg}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = cache.NewMemory()
	}
	if e.store == nil {
		e.store = NewMemoryPermissionStore()
	}
	if e.funcs == nil {
		e.funcs = filter.NewFunctions()
	}
	return e
}

// MeResolver resolves me() to the principal's user id; anonymous principals
// get a value that matches nothing.
func MeResolver(lookup UserLookup) filter.MethodResolver {
	return func(ctx context.Context, _ *model.ModelDefinition, name string, _ []filter.Node) (*filter.Substitution, error) {
		if !strings.EqualFold(name, "me") {
			return nil, nil
		}
		p := FromContext(ctx)
		if p.IsAnonymous() {
			return filter.NoMatch(), nil
		}
		if p.ID != nil {
			return filter.Value(p.ID), nil
		}
		if lookup == nil {
			return filter.NoMatch(), nil
		}
		id, err := lookup(ctx, p)
		if err != nil {
			return nil, err
		}
		if id == nil {
			return filter.NoMatch(), nil
		}
		return filter.Value(id), nil
	}
}

func contextValues(ctx context.Context) map[string]any {
	return FromContext(ctx).Values()
}

// Parser returns a filter parser for m bound to the principal carried by ctx.
func (e *Evaluator) Parser(m *model.ModelDefinition, opts ...filter.Option) *filter.Parser {
	base := []filter.Option{
		filter.WithFunctions(e.funcs),
		filter.WithMemberResolvers(filter.ContextMembers(contextValues)),
		filter.WithMemberResolvers(e.members...),
		filter.WithMethodResolvers(e.methods...),
		filter.WithMethodResolvers(MeResolver(e.lookup)),
	}
	return filter.NewParser(e.registry, m, append(base, opts...)...)
}

// privilegesOf: собственные привилегии модели, иначе ближайшего предка.
func (e *Evaluator) privilegesOf(m *model.ModelDefinition) []model.PrivilegeDefinition {
	seen := map[string]bool{}
	for cur := m; cur != nil && !seen[cur.Name]; cur = e.registry.Base(cur) {
		seen[cur.Name] = true
		if len(cur.Privileges) > 0 {
			return cur.Privileges
		}
	}
	return nil
}

func principalPayload(p *Principal) any {
	return orAnonymous(p)
}

func orAnonymous(p *Principal) *Principal {
	if p == nil {
		return Anonymous()
	}
	return p
}

// generation — поколение кэша привилегий модели. Оно входит в ключи
// privileges/permissions и хранится в том же кэше, поэтому Invalidate видят все
// контексты и процессы, разделяющие кэш.
func (e *Evaluator) generation(ctx context.Context, modelName string) (string, error) {
	key := "privilege-generation:" + strings.ToLower(modelName)
	var gen string
	found, err := e.cache.Get(ctx, key, &gen)
	if err != nil {
		return "", err
	}
	if found && gen != "" {
		return gen, nil
	}
	// нет поколения (впервые или вытеснено): новое значение, старые ключи не найдутся
	gen = ulid.Make().String()
	return gen, e.cache.Add(ctx, key, gen, 0)
}

// Invalidate drops cached privilege results of a model for every evaluator
// sharing the cache; call after changing its privileges or permission records.
func (e *Evaluator) Invalidate(ctx context.Context, modelName string) error {
	gen := ulid.Make().String()
	if err := e.cache.Add(ctx, "privilege-generation:"+strings.ToLower(modelName), gen, 0); err != nil {
		return err
	}
	logger.Debug("privilege_cache_invalidated", map[string]any{"model": modelName, "generation": gen})
	return nil
}

// ApplicablePrivileges returns the privileges of m granting any bit of mask to p
// whose account, scope and exclude guards hold.
func (e *Evaluator) ApplicablePrivileges(ctx context.Context, m *model.ModelDefinition, p *Principal, mask model.Mask) ([]model.PrivilegeDefinition, error) {
	p = orAnonymous(p)
	gen, err := e.generation(ctx, m.Name)
	if err != nil {
		return nil, err
	}
	key, err := cache.Key("privileges", principalPayload(p), m.Name, gen, strconv.Itoa(int(mask)))
	if err != nil {
		return nil, err
	}
	var out []model.PrivilegeDefinition
	err = e.cache.GetOrDefault(ctx, key, &out, func(ctx context.Context) (any, error) {
		return e.applicable(ctx, m, p, mask)
	}, e.ttl)
	return out, err
}

func (e *Evaluator) applicable(ctx context.Context, m *model.ModelDefinition, p *Principal, mask model.Mask) ([]model.PrivilegeDefinition, error) {
	out := []model.PrivilegeDefinition{}
	for _, priv := range e.privilegesOf(m) {
		if priv.Mask&mask == 0 {
			continue
		}
		if !p.InGroup(priv.Account) {
			continue
		}
		if !p.HasScope(priv.Scope) {
			continue
		}
		excluded, err := e.ShouldExclude(ctx, m, priv, p)
		if err != nil {
			return nil, err
		}
		if excluded {
			continue
		}
		out = append(out, priv)
	}
	return out, nil
}

// ShouldExclude evaluates the exclude guard of priv for p.
func (e *Evaluator) ShouldExclude(ctx context.Context, m *model.ModelDefinition, priv model.PrivilegeDefinition, p *Principal) (bool, error) {
	if strings.TrimSpace(priv.Exclude) == "" {
		return false, nil
	}
	ctx = NewContext(ctx, p)
	excluded, err := e.Parser(m).Evaluate(ctx, priv.Exclude, nil)
	if err != nil {
		return false, fmt.Errorf("exclude of %s privilege on %s: %w", priv.Type, m.Name, err)
	}
	return excluded, nil
}

// alternatives строит условия строк для привилегий; unrestricted — есть
// глобальная привилегия без target.
func (e *Evaluator) alternatives(ctx context.Context, m *model.ModelDefinition, p *Principal, privs []model.PrivilegeDefinition, mask model.Mask) ([]filter.Node, bool, error) {
	pk := e.registry.PrimaryKey(m)
	var nodes []filter.Node
	for _, priv := range privs {
		switch priv.Type {
		case model.PrivilegeGlobal, "":
			target, ok := priv.TargetString()
			if !ok {
				return nil, true, nil
			}
			if pk == nil {
				continue
			}
			nodes = append(nodes, filter.Eq(pk.Name, typedValue(pk, target)))
		case model.PrivilegeSelf:
			if strings.TrimSpace(priv.Filter) == "" {
				continue
			}
			tree, err := filter.ParseExpr(priv.Filter)
			if err != nil {
				return nil, false, fmt.Errorf("self privilege of %s: %w", m.Name, err)
			}
			nodes = append(nodes, tree)
		case model.PrivilegeItem:
			if pk == nil {
				continue
			}
			if target, ok := priv.TargetString(); ok {
				nodes = append(nodes, filter.Eq(pk.Name, typedValue(pk, target)))
				continue
			}
			targets, err := e.targets(ctx, m.Name, TargetQuery{Privilege: m.Name, Mask: mask}, p)
			if err != nil {
				return nil, false, err
			}
			if len(targets) > 0 {
				nodes = append(nodes, filter.In(pk.Name, typedValues(pk, targets)))
			}
		case model.PrivilegeParent:
			if priv.ParentPrivilege == "" {
				continue
			}
			field, err := e.parentKey(m, priv.ParentPrivilege)
			if err != nil {
				return nil, false, err
			}
			targets, err := e.targets(ctx, m.Name, TargetQuery{Privilege: m.Name, ParentPrivilege: priv.ParentPrivilege, Mask: mask}, p)
			if err != nil {
				return nil, false, err
			}
			if len(targets) > 0 {
				nodes = append(nodes, filter.In(priv.ParentPrivilege, typedValues(field, targets)))
			}
		}
	}
	return nodes, false, nil
}

// parentKey — поле, с которым сравниваются target-ы родительской привилегии.
func (e *Evaluator) parentKey(m *model.ModelDefinition, path string) (*model.FieldDefinition, error) {
	res, err := e.registry.Resolve(model.NewJoinPlan(m), path)
	if err != nil {
		return nil, err
	}
	if ancestor, ok := e.registry.Get(res.Field.Type); ok && !e.registry.HasDataType(res.Field.Type) {
		if pk := e.registry.PrimaryKey(ancestor); pk != nil {
			return pk, nil
		}
	}
	return res.Field, nil
}

func (e *Evaluator) targets(ctx context.Context, modelName string, q TargetQuery, p *Principal) ([]string, error) {
	gen, err := e.generation(ctx, modelName)
	if err != nil {
		return nil, err
	}
	key, err := cache.Key("permissions", principalPayload(p), q.Privilege, q.ParentPrivilege, gen, strconv.Itoa(int(q.Mask)))
	if err != nil {
		return nil, err
	}
	var out []string
	err = e.cache.GetOrDefault(ctx, key, &out, func(ctx context.Context) (any, error) {
		targets, err := e.store.Targets(ctx, q, p)
		if targets == nil {
			targets = []string{}
		}
		return targets, err
	}, e.ttl)
	return out, err
}

// Restriction returns the read condition for rows of m under alias, or nil when
// p may read every row. Without any applicable privilege the condition is
// "1 = 0": reads come back empty instead of failing.
func (e *Evaluator) Restriction(ctx context.Context, m *model.ModelDefinition, p *Principal, alias string) (squirrel.Sqlizer, error) {
	return e.restriction(ctx, m, p, alias, model.MaskRead)
}

func (e *Evaluator) restriction(ctx context.Context, m *model.ModelDefinition, p *Principal, alias string, mask model.Mask) (squirrel.Sqlizer, error) {
	p = orAnonymous(p)
	privs, err := e.ApplicablePrivileges(ctx, m, p, mask)
	if err != nil {
		return nil, err
	}
	nodes, unrestricted, err := e.alternatives(ctx, m, p, privs, mask)
	if err != nil || unrestricted {
		return nil, err
	}
	if len(nodes) == 0 {
		return filter.Fragment{SQL: "1 = 0"}, nil
	}
	pk := e.registry.PrimaryKey(m)
	if pk == nil {
		return nil, dataerr.InvalidModel(m.Name, "model has no primary key")
	}
	inner := alias + "_p"
	plan := model.NewPrefixedJoinPlan(m, inner, inner+"_")
	res, err := e.Parser(m).Compile(NewContext(ctx, p), orAll(nodes), plan)
	if err != nil {
		return nil, err
	}
	var (
		b    strings.Builder
		args []any
	)
	fmt.Fprintf(&b, "%s IN (SELECT %s FROM %s AS %s", model.Column(alias, pk.Name), model.Column(inner, pk.Name),
		model.Quote(m.ReadTable()), inner)
	for _, j := range plan.Joins() {
		sql, jargs, err := j.Clause()
		if err != nil {
			return nil, err
		}
		b.WriteString(" " + sql)
		args = append(args, jargs...)
	}
	where, wargs, err := res.Where.ToSql()
	if err != nil {
		return nil, err
	}
	b.WriteString(" WHERE " + where + ")")
	args = append(args, wargs...)
	return filter.Fragment{SQL: b.String(), Args: args}, nil
}

// Restrictor adapts Restriction for filter semi-joins and joined models.
func (e *Evaluator) Restrictor(p *Principal) filter.Restrictor {
	return func(ctx context.Context, m *model.ModelDefinition, alias string) (squirrel.Sqlizer, error) {
		return e.Restriction(ctx, m, p, alias)
	}
}

// ApplyReadFilter returns where AND the read restriction of m.
func (e *Evaluator) ApplyReadFilter(ctx context.Context, m *model.ModelDefinition, p *Principal, alias string, where squirrel.Sqlizer) (squirrel.Sqlizer, error) {
	r, err := e.Restriction(ctx, m, p, alias)
	if err != nil {
		return nil, err
	}
	switch {
	case r == nil:
		return where, nil
	case where == nil:
		return r, nil
	}
	return squirrel.And{where, r}, nil
}

// Authorize checks that the privileges covering object grant every bit of mask.
// Writes are never filtered: a missing grant is AccessDenied.
func (e *Evaluator) Authorize(ctx context.Context, m *model.ModelDefinition, p *Principal, mask model.Mask, object map[string]any) error {
	p = orAnonymous(p)
	privs, err := e.ApplicablePrivileges(ctx, m, p, mask)
	if err != nil {
		return err
	}
	var combined model.Mask
	for _, priv := range privs {
		if combined.Has(mask) {
			break
		}
		ok, err := e.covers(ctx, m, p, priv, mask, object)
		if err != nil {
			return err
		}
		if ok {
			combined |= priv.Mask
		}
	}
	if combined.Has(mask) {
		return nil
	}
	logger.Warn("privilege_denied", map[string]any{
		"model":     m.Name,
		"mask":      int(mask),
		"granted":   int(combined),
		"principal": p.Name,
	})
	return dataerr.AccessDenied(m.Name, int(mask))
}

func (e *Evaluator) covers(ctx context.Context, m *model.ModelDefinition, p *Principal, priv model.PrivilegeDefinition, mask model.Mask, object map[string]any) (bool, error) {
	nodes, unrestricted, err := e.alternatives(ctx, m, p, []model.PrivilegeDefinition{priv}, mask)
	if err != nil || unrestricted {
		return unrestricted, err
	}
	if len(nodes) == 0 {
		return false, nil
	}
	ctx = NewContext(ctx, p)
	pk := e.registry.PrimaryKey(m)
	id := objectKey(object, pk)
	if mask.Has(model.MaskCreate) || id == nil || e.exec == nil {
		parser := e.Parser(m, filter.WithMemberResolvers(e.associatedMembers(m, object)))
		v, err := parser.Eval(ctx, nodes[0], object)
		if err != nil {
			return false, err
		}
		return filter.Truthy(v), nil
	}
	return e.existsWhere(ctx, m, pk, id, nodes[0])
}

// existsWhere проверяет условие на сохранённой строке.
func (e *Evaluator) existsWhere(ctx context.Context, m *model.ModelDefinition, pk *model.FieldDefinition, id any, cond filter.Node) (bool, error) {
	plan := model.NewJoinPlan(m)
	res, err := e.Parser(m).Compile(ctx, cond, plan)
	if err != nil {
		return false, err
	}
	sel := squirrel.Select("1").From(model.Quote(m.ReadTable()) + " AS " + model.RootAlias)
	for _, j := range plan.Joins() {
		sql, args, err := j.Clause()
		if err != nil {
			return false, err
		}
		sel = sel.JoinClause(sql, args...)
	}
	sel = sel.Where(model.Column(model.RootAlias, pk.Name)+" = ?", id).Where(res.Where).Limit(1)
	rows, err := e.exec.Execute(ctx, sel)
	if err != nil {
		return false, err
	}
	return len(rows) > 0, nil
}

// associatedMembers дочитывает значения через связи, если объект содержит
// только внешний ключ (например order/customer при создании строки заказа).
func (e *Evaluator) associatedMembers(m *model.ModelDefinition, object map[string]any) filter.MemberResolver {
	return func(ctx context.Context, _ *model.ModelDefinition, path string) (*filter.Substitution, error) {
		segs := model.SplitPath(path)
		if e.exec == nil || len(segs) < 2 || object == nil {
			return nil, nil
		}
		field := e.registry.Field(m, segs[0])
		if field == nil || e.registry.HasDataType(field.Type) || field.Many {
			return nil, nil
		}
		raw, ok := object[field.Name]
		if !ok {
			return nil, nil
		}
		if _, nested := raw.(map[string]any); nested {
			return nil, nil
		}
		related, err := e.registry.MustGet(field.Type)
		if err != nil {
			return nil, err
		}
		pk := e.registry.PrimaryKey(related)
		if raw == nil || pk == nil {
			return filter.Value(nil), nil
		}
		plan := model.NewJoinPlan(related)
		res, err := e.registry.Resolve(plan, strings.Join(segs[1:], "/"))
		if err != nil {
			return nil, err
		}
		sel := squirrel.Select(res.Expr() + " AS value").From(model.Quote(related.ReadTable()) + " AS " + model.RootAlias)
		for _, j := range plan.Joins() {
			sql, args, err := j.Clause()
			if err != nil {
				return nil, err
			}
			sel = sel.JoinClause(sql, args...)
		}
		sel = sel.Where(model.Column(model.RootAlias, pk.Name)+" = ?", raw).Limit(1)
		rows, err := e.exec.Execute(ctx, sel)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return filter.Value(nil), nil
		}
		return filter.Value(rows[0]["value"]), nil
	}
}

func objectKey(object map[string]any, pk *model.FieldDefinition) any {
	if object == nil || pk == nil {
		return nil
	}
	return object[pk.Name]
}

func orAll(nodes []filter.Node) filter.Node {
	out := nodes[0]
	for _, n := range nodes[1:] {
		out = filter.Or(out, n)
	}
	return out
}

func typedValue(f *model.FieldDefinition, s string) any {
	switch f.Type {
	case "Counter", "Integer", "Short":
		if v, err := strconv.ParseInt(s, 10, 64); err == nil {
			return v
		}
	case "Number", "Float", "Decimal":
		if v, err := strconv.ParseFloat(s, 64); err == nil {
			return v
		}
	}
	return s
}

func typedValues(f *model.FieldDefinition, targets []string) []any {
	out := make([]any, len(targets))
	for i, t := range targets {
		out[i] = typedValue(f, t)
	}
	return out
}
