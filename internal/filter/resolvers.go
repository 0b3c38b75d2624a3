package filter

import (
	"context"
	"strings"

	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
)

// Substitution — результат подписчика: литерал, другой путь или готовый SQL.
// Приоритет: SQL, затем Path, затем Value (nil Value — NULL).
type Substitution struct {
	Value any
	Path  string
	SQL   squirrel.Sqlizer
}

// Value substitutes a literal.
func Value(v any) *Substitution { return &Substitution{Value: v} }

type noMatch struct{}

// NoMatch substitutes a value no comparison accepts (SQL NULL, in memory a
// marker that is neither equal nor unequal to anything).
func NoMatch() *Substitution {
	return &Substitution{SQL: Fragment{SQL: "NULL"}, Value: noMatch{}}
}

// MemberResolver is offered every member path before default resolution.
// Returning nil passes the member to the next resolver.
type MemberResolver func(ctx context.Context, m *model.ModelDefinition, path string) (*Substitution, error)

// MethodResolver resolves calls that are not in the function table.
type MethodResolver func(ctx context.Context, m *model.ModelDefinition, name string, args []Node) (*Substitution, error)

func resolveMember(ctx context.Context, chain []MemberResolver, m *model.ModelDefinition, path string) (*Substitution, error) {
	for _, fn := range chain {
		sub, err := fn(ctx, m, path)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}
	return nil, nil
}

func resolveMethod(ctx context.Context, chain []MethodResolver, m *model.ModelDefinition, name string, args []Node) (*Substitution, error) {
	for _, fn := range chain {
		sub, err := fn(ctx, m, name, args)
		if err != nil {
			return nil, err
		}
		if sub != nil {
			return sub, nil
		}
	}
	return nil, nil
}

// ContextMembers resolves "context/..." members against values(ctx), e.g.
// context/user/name. Missing keys resolve to null.
func ContextMembers(values func(ctx context.Context) map[string]any) MemberResolver {
	return func(ctx context.Context, _ *model.ModelDefinition, path string) (*Substitution, error) {
		segs := model.SplitPath(path)
		if len(segs) == 0 || !strings.EqualFold(segs[0], "context") {
			return nil, nil
		}
		var cur any = values(ctx)
		for _, seg := range segs[1:] {
			cur = lookupKey(cur, seg)
		}
		return Value(cur), nil
	}
}

// lookupKey: точное совпадение ключа, затем без учёта регистра.
func lookupKey(v any, key string) any {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	if val, ok := m[key]; ok {
		return val
	}
	for k, val := range m {
		if strings.EqualFold(k, key) {
			return val
		}
	}
	return nil
}
