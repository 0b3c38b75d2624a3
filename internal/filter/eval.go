package filter

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"
)

// Evaluate parses expr and evaluates it against object as a condition.
func (p *Parser) Evaluate(ctx context.Context, expr string, object map[string]any) (bool, error) {
	tree, err := ParseExpr(expr)
	if err != nil {
		return false, err
	}
	if tree == nil {
		return true, nil
	}
	v, err := p.Eval(ctx, tree, object)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Eval вычисляет дерево в памяти: члены берутся из подписчиков, затем из object.
func (p *Parser) Eval(ctx context.Context, n Node, object map[string]any) (any, error) {
	e := &evaluator{p: p, ctx: ctx, object: object}
	return e.eval(n)
}

type evaluator struct {
	p      *Parser
	ctx    context.Context
	object map[string]any
}

func (e *evaluator) eval(n Node) (any, error) {
	switch x := n.(type) {
	case *Literal:
		if g, ok := x.Value.(Guid); ok {
			return string(g), nil
		}
		return x.Value, nil
	case *Member:
		sub, err := resolveMember(e.ctx, e.p.members, e.p.model, x.Path)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return e.substitute(sub)
		}
		return e.lookup(x.Path), nil
	case *Method:
		return e.method(x)
	case *Unary:
		v, err := e.eval(x.Operand)
		if err != nil {
			return nil, err
		}
		if x.Op == "not" {
			return !Truthy(v), nil
		}
		f, ok := toFloat(v)
		if !ok {
			return nil, nil
		}
		if i, isInt := v.(int64); isInt {
			return -i, nil
		}
		return -f, nil
	case *Binary:
		return e.binary(x)
	}
	return nil, dataerr.InvalidExpression(n.String(), 0, "cannot evaluate %T", n)
}

func (e *evaluator) binary(x *Binary) (any, error) {
	l, err := e.eval(x.Left)
	if err != nil {
		return nil, err
	}
	switch x.Op {
	case "and":
		if !Truthy(l) {
			return false, nil
		}
		r, err := e.eval(x.Right)
		return Truthy(r), err
	case "or":
		if Truthy(l) {
			return true, nil
		}
		r, err := e.eval(x.Right)
		return Truthy(r), err
	case "in":
		list, ok := x.Right.(*List)
		if !ok {
			return nil, dataerr.InvalidExpression(x.String(), 0, "in requires a list")
		}
		for _, item := range list.Items {
			v, err := e.eval(item)
			if err != nil {
				return nil, err
			}
			if matchAny(l, func(a any) bool { return compareValues("eq", a, v) }) {
				return true, nil
			}
		}
		return false, nil
	}
	r, err := e.eval(x.Right)
	if err != nil {
		return nil, err
	}
	if isComparison(x.Op) {
		return matchAny(l, func(a any) bool { return compareValues(x.Op, a, r) }), nil
	}
	return arithmetic(x.Op, l, r)
}

func (e *evaluator) method(x *Method) (any, error) {
	if fn, ok := e.p.funcs.Lookup(x.Name); ok {
		if err := fn.checkArity(len(x.Args)); err != nil {
			return nil, dataerr.InvalidExpression(x.String(), x.Pos, "%s", err.Error())
		}
		if fn.Eval == nil {
			return nil, dataerr.InvalidExpression(x.String(), x.Pos, "%s cannot be evaluated in memory", fn.Name)
		}
		args := make([]any, len(x.Args))
		for i, a := range x.Args {
			v, err := e.eval(a)
			if err != nil {
				return nil, err
			}
			args[i] = v
		}
		return fn.Eval(args)
	}
	sub, err := resolveMethod(e.ctx, e.p.methods, e.p.model, x.Name, x.Args)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, dataerr.UnresolvedMethod(e.p.model.Name, x.Name)
	}
	return e.substitute(sub)
}

func (e *evaluator) substitute(sub *Substitution) (any, error) {
	switch {
	case sub.SQL != nil && sub.Value != nil:
		return sub.Value, nil
	case sub.SQL != nil:
		return nil, dataerr.InvalidExpression(fmt.Sprint(sub.SQL), 0, "sql substitution cannot be evaluated in memory")
	case sub.Path != "":
		return e.lookup(sub.Path), nil
	}
	return sub.Value, nil
}

// lookup проходит путь по вложенным map; по массивам собирает значения всех элементов.
func (e *evaluator) lookup(path string) any {
	var cur any = e.object
	for _, seg := range model.SplitPath(path) {
		if rows, ok := cur.([]map[string]any); ok {
			items := make([]any, len(rows))
			for i := range rows {
				items[i] = rows[i]
			}
			cur = items
		}
		switch v := cur.(type) {
		case []any:
			var out []any
			for _, item := range v {
				if val := lookupKey(item, seg); val != nil {
					if arr, ok := val.([]any); ok {
						out = append(out, arr...)
					} else {
						out = append(out, val)
					}
				}
			}
			cur = out
		default:
			cur = lookupKey(v, seg)
		}
	}
	return cur
}

func matchAny(v any, fn func(any) bool) bool {
	if arr, ok := v.([]any); ok {
		for _, item := range arr {
			if fn(item) {
				return true
			}
		}
		return false
	}
	return fn(v)
}

// Truthy — истинность значения в условии.
func Truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func compareValues(op string, a, b any) bool {
	if _, ok := a.(noMatch); ok {
		return false
	}
	if _, ok := b.(noMatch); ok {
		return false
	}
	a, b = normalize(a), normalize(b)
	if a == nil || b == nil {
		eq := a == nil && b == nil
		switch op {
		case "eq":
			return eq
		case "ne":
			return !eq
		}
		return false
	}
	var cmp int
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return op == "ne"
		}
		cmp = compareOrdered(fa, fb)
	} else if ta, ok := a.(time.Time); ok {
		tb, ok := toTime(b)
		if !ok {
			return op == "ne"
		}
		cmp = ta.Compare(tb)
	} else if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		eq := ok && ba == bb
		switch op {
		case "eq":
			return eq
		case "ne":
			return !eq
		}
		return false
	} else {
		sa := toString(a)
		if tb, ok := b.(time.Time); ok {
			ta, ok := toTime(sa)
			if !ok {
				return op == "ne"
			}
			cmp = ta.Compare(tb)
		} else {
			cmp = strings.Compare(sa, toString(b))
		}
	}
	switch op {
	case "eq":
		return cmp == 0
	case "ne":
		return cmp != 0
	case "gt":
		return cmp > 0
	case "ge":
		return cmp >= 0
	case "lt":
		return cmp < 0
	case "le":
		return cmp <= 0
	}
	return false
}

func compareOrdered(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// normalize: объект связи сравнивается по id.
func normalize(v any) any {
	switch x := v.(type) {
	case map[string]any:
		if id, ok := x["id"]; ok {
			return id
		}
	case Guid:
		return string(x)
	case json.Number:
		if f, err := x.Float64(); err == nil {
			return f
		}
	}
	return v
}

func arithmetic(op string, a, b any) (any, error) {
	if a == nil || b == nil {
		return nil, nil
	}
	ia, aInt := a.(int64)
	ib, bInt := b.(int64)
	if aInt && bInt {
		switch op {
		case "add":
			return ia + ib, nil
		case "sub":
			return ia - ib, nil
		case "mul":
			return ia * ib, nil
		case "mod":
			if ib == 0 {
				return nil, nil
			}
			return ia % ib, nil
		}
	}
	fa, ok1 := toFloat(a)
	fb, ok2 := toFloat(b)
	if !ok1 || !ok2 {
		return nil, fmt.Errorf("arithmetic %s on %T and %T", op, a, b)
	}
	switch op {
	case "add":
		return fa + fb, nil
	case "sub":
		return fa - fb, nil
	case "mul":
		return fa * fb, nil
	case "div":
		if fb == 0 {
			return nil, nil
		}
		return fa / fb, nil
	case "mod":
		if fb == 0 {
			return nil, nil
		}
		return math.Mod(fa, fb), nil
	}
	return nil, fmt.Errorf("unknown operator %s", op)
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case Guid:
		return string(x)
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case int:
		return float64(x), true
	case int16:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint32:
		return float64(x), true
	case uint64:
		return float64(x), true
	case float32:
		return float64(x), true
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		t, err := parseDateTime(x)
		return t, err == nil
	}
	return time.Time{}, false
}
