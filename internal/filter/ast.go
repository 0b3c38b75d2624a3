package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Node — узел синтаксического дерева выражения.
type Node interface {
	String() string
	node()
}

// Literal holds string, int64, float64, bool, time.Time, Guid or nil.
type Literal struct {
	Value any
}

// Guid — литерал guid'...'.
type Guid string

// Member — ссылка на атрибут (путь через связи).
type Member struct {
	Path string
	Pos  int
}

// Method — вызов функции или метода, например indexof(name,'a') или me().
type Method struct {
	Name string
	Args []Node
	Pos  int
}

// Binary covers comparisons, logical and/or, arithmetic and "in".
type Binary struct {
	Op    string
	Left  Node
	Right Node
}

// Unary — not / отрицание.
type Unary struct {
	Op      string
	Operand Node
}

// List — правая часть "in (...)".
type List struct {
	Items []Node
}

func (Literal) node() {}
func (Member) node()  {}
func (Method) node()  {}
func (Binary) node()  {}
func (Unary) node()   {}
func (List) node()    {}

// Operator groups.
var (
	comparisonOps = map[string]string{"eq": "=", "ne": "<>", "gt": ">", "ge": ">=", "lt": "<", "le": "<="}
	arithmeticOps = map[string]string{"add": "+", "sub": "-", "mul": "*", "div": "/", "mod": "%"}
)

func isComparison(op string) bool { _, ok := comparisonOps[op]; return ok }
func isArithmetic(op string) bool { _, ok := arithmeticOps[op]; return ok }
func isLogical(op string) bool    { return op == "and" || op == "or" }

func (l Literal) String() string {
	switch v := l.Value.(type) {
	case nil:
		return "null"
	case string:
		return "'" + strings.ReplaceAll(v, "'", "''") + "'"
	case bool:
		return strconv.FormatBool(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case time.Time:
		return "datetime'" + v.Format(time.RFC3339Nano) + "'"
	case Guid:
		return "guid'" + string(v) + "'"
	default:
		return fmt.Sprint(v)
	}
}

func (m Member) String() string { return m.Path }

func (m Method) String() string {
	args := make([]string, len(m.Args))
	for i, a := range m.Args {
		args[i] = a.String()
	}
	return m.Name + "(" + strings.Join(args, ",") + ")"
}

func (b Binary) String() string {
	return "(" + b.Left.String() + " " + b.Op + " " + b.Right.String() + ")"
}

func (u Unary) String() string {
	if u.Op == "-" {
		return "-" + u.Operand.String()
	}
	return u.Op + " " + u.Operand.String()
}

func (l List) String() string {
	items := make([]string, len(l.Items))
	for i, it := range l.Items {
		items[i] = it.String()
	}
	return "(" + strings.Join(items, ",") + ")"
}

// Walk visits nodes depth-first, left to right; fn returning false skips children.
func Walk(n Node, fn func(Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case *Binary:
		Walk(x.Left, fn)
		Walk(x.Right, fn)
	case *Unary:
		Walk(x.Operand, fn)
	case *Method:
		for _, a := range x.Args {
			Walk(a, fn)
		}
	case *List:
		for _, it := range x.Items {
			Walk(it, fn)
		}
	}
}

// Members returns member paths in source order.
func Members(n Node) []string {
	var out []string
	Walk(n, func(n Node) bool {
		if m, ok := n.(*Member); ok {
			out = append(out, m.Path)
		}
		return true
	})
	return out
}

// And/Or/Eq/In — конструкторы для выражений, собираемых в коде (привилегии).
func And(l, r Node) Node        { return &Binary{Op: "and", Left: l, Right: r} }
func Or(l, r Node) Node         { return &Binary{Op: "or", Left: l, Right: r} }
func Eq(path string, v any) Node { return &Binary{Op: "eq", Left: &Member{Path: path}, Right: &Literal{Value: v}} }

func In(path string, values []any) Node {
	items := make([]Node, len(values))
	for i, v := range values {
		items[i] = &Literal{Value: v}
	}
	return &Binary{Op: "in", Left: &Member{Path: path}, Right: &List{Items: items}}
}
