package filter

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

// Fragment — кусок SQL с "?"-плейсхолдерами и аргументами по порядку.
type Fragment struct {
	SQL  string
	Args []any
}

func (f Fragment) ToSql() (string, []any, error) { return f.SQL, f.Args, nil }

// Compose replaces each "{}" in tmpl with the next part, keeping argument order.
func Compose(tmpl string, parts ...Fragment) Fragment {
	var (
		b    strings.Builder
		args []any
		i    int
	)
	for {
		idx := strings.Index(tmpl, "{}")
		if idx < 0 || i >= len(parts) {
			b.WriteString(tmpl)
			break
		}
		b.WriteString(tmpl[:idx])
		b.WriteString(parts[i].SQL)
		args = append(args, parts[i].Args...)
		tmpl = tmpl[idx+2:]
		i++
	}
	return Fragment{SQL: b.String(), Args: args}
}

// Function — функция выражения фильтра: SQL-рендер и вычисление в памяти.
type Function struct {
	Name    string
	MinArgs int
	MaxArgs int // -1 без ограничения
	SQL     func(args []Fragment) Fragment
	Eval    func(args []any) (any, error)
}

// Functions — таблица функций; Register с тем же именем перекрывает прежнюю.
type Functions struct {
	mu sync.RWMutex
	m  map[string]Function
}

// NewFunctions returns a table preloaded with the built-in functions.
func NewFunctions() *Functions {
	t := &Functions{m: make(map[string]Function)}
	for _, fn := range builtins() {
		t.Register(fn)
	}
	return t
}

func (t *Functions) Register(fn Function) {
	t.mu.Lock()
	t.m[strings.ToLower(fn.Name)] = fn
	t.mu.Unlock()
}

func (t *Functions) Lookup(name string) (Function, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	fn, ok := t.m[strings.ToLower(name)]
	return fn, ok
}

// Clone copies the table so a context can register its own functions.
func (t *Functions) Clone() *Functions {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := &Functions{m: make(map[string]Function, len(t.m))}
	for k, v := range t.m {
		out.m[k] = v
	}
	return out
}

func (fn Function) checkArity(n int) error {
	if n < fn.MinArgs || (fn.MaxArgs >= 0 && n > fn.MaxArgs) {
		return fmt.Errorf("%s: unexpected number of arguments %d", fn.Name, n)
	}
	return nil
}

// Aggregates — агрегатные функции для $select с $groupby; в памяти не вычисляются.
func Aggregates() []Function {
	return []Function{
		{Name: "count", MinArgs: 0, MaxArgs: 1, SQL: func(args []Fragment) Fragment {
			if len(args) == 0 {
				return Fragment{SQL: "COUNT(*)"}
			}
			return Compose("COUNT({})", args[0])
		}},
		tmplFunc("sum", 1, "SUM({})", nil),
		tmplFunc("avg", 1, "AVG({})", nil),
		tmplFunc("min", 1, "MIN({})", nil),
		tmplFunc("max", 1, "MAX({})", nil),
	}
}

func tmplFunc(name string, n int, tmpl string, eval func(args []any) (any, error)) Function {
	return Function{
		Name: name, MinArgs: n, MaxArgs: n,
		SQL:  func(args []Fragment) Fragment { return Compose(tmpl, args...) },
		Eval: eval,
	}
}

func builtins() []Function {
	fns := []Function{
		tmplFunc("indexof", 2, "(strpos({}, {}) - 1)", func(a []any) (any, error) {
			if a[0] == nil || a[1] == nil {
				return nil, nil
			}
			s, sub := toString(a[0]), toString(a[1])
			idx := strings.Index(s, sub)
			if idx < 0 {
				return int64(-1), nil
			}
			return int64(utf8.RuneCountInString(s[:idx])), nil
		}),
		tmplFunc("length", 1, "length({})", stringFunc(func(s string) any { return int64(utf8.RuneCountInString(s)) })),
		tmplFunc("tolower", 1, "lower({})", stringFunc(func(s string) any { return strings.ToLower(s) })),
		tmplFunc("toupper", 1, "upper({})", stringFunc(func(s string) any { return strings.ToUpper(s) })),
		tmplFunc("trim", 1, "trim({})", stringFunc(func(s string) any { return strings.TrimSpace(s) })),
		tmplFunc("concat", 2, "concat({}, {})", func(a []any) (any, error) {
			return toString(a[0]) + toString(a[1]), nil
		}),
		tmplFunc("contains", 2, "(strpos({}, {}) > 0)", func(a []any) (any, error) {
			return strings.Contains(toString(a[0]), toString(a[1])), nil
		}),
		tmplFunc("startswith", 2, "starts_with({}, {})", func(a []any) (any, error) {
			return strings.HasPrefix(toString(a[0]), toString(a[1])), nil
		}),
		{
			Name: "endswith", MinArgs: 2, MaxArgs: 2,
			SQL: func(a []Fragment) Fragment {
				return Compose("(right({}, length({})) = {})", a[0], a[1], a[1])
			},
			Eval: func(a []any) (any, error) { return strings.HasSuffix(toString(a[0]), toString(a[1])), nil },
		},
		{
			Name: "substring", MinArgs: 2, MaxArgs: 3,
			SQL: func(a []Fragment) Fragment {
				if len(a) == 3 {
					return Compose("substr({}, {} + 1, {})", a...)
				}
				return Compose("substr({}, {} + 1)", a...)
			},
			Eval: func(a []any) (any, error) {
				rs := []rune(toString(a[0]))
				start, _ := toFloat(a[1])
				from := clamp(int(start), len(rs))
				to := len(rs)
				if len(a) == 3 {
					n, _ := toFloat(a[2])
					to = clamp(from+int(n), len(rs))
				}
				return string(rs[from:to]), nil
			},
		},
		tmplFunc("round", 1, "round({})", numberFunc(math.Round)),
		tmplFunc("floor", 1, "floor({})", numberFunc(math.Floor)),
		tmplFunc("ceiling", 1, "ceil({})", numberFunc(math.Ceil)),
		tmplFunc("date", 1, "({})::date", timeFunc(func(t time.Time) any {
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		})),
		tmplFunc("time", 1, "({})::time", timeFunc(func(t time.Time) any { return t.Format("15:04:05") })),
		{
			Name: "now", MinArgs: 0, MaxArgs: 0,
			SQL:  func([]Fragment) Fragment { return Fragment{SQL: "now()"} },
			Eval: func([]any) (any, error) { return time.Now(), nil },
		},
	}
	parts := []struct {
		name, field string
		get         func(time.Time) int
	}{
		{"year", "year", time.Time.Year},
		{"month", "month", func(t time.Time) int { return int(t.Month()) }},
		{"day", "day", time.Time.Day},
		{"hour", "hour", time.Time.Hour},
		{"minute", "minute", time.Time.Minute},
		{"second", "second", time.Time.Second},
	}
	for _, p := range parts {
		get := p.get
		fns = append(fns, tmplFunc(p.name, 1, "floor(extract("+p.field+" from {}))", timeFunc(func(t time.Time) any {
			return int64(get(t))
		})))
	}
	return fns
}

func stringFunc(f func(string) any) func([]any) (any, error) {
	return func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		return f(toString(a[0])), nil
	}
}

func numberFunc(f func(float64) float64) func([]any) (any, error) {
	return func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		v, ok := toFloat(a[0])
		if !ok {
			return nil, fmt.Errorf("expected number, got %T", a[0])
		}
		return f(v), nil
	}
}

func timeFunc(f func(time.Time) any) func([]any) (any, error) {
	return func(a []any) (any, error) {
		if a[0] == nil {
			return nil, nil
		}
		t, ok := toTime(a[0])
		if !ok {
			return nil, fmt.Errorf("expected date, got %T", a[0])
		}
		return f(t), nil
	}
}

func clamp(i, n int) int {
	if i < 0 {
		return 0
	}
	if i > n {
		return n
	}
	return i
}
