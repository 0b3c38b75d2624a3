package testutil

import (
	"context"
	"strings"
	"sync"
	"testing"

	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
)

// Query — записанный запрос фейкового адаптера.
type Query struct {
	SQL  string
	Args []any
}

// FakeAdapter records every statement and answers through Handler.
type FakeAdapter struct {
	mu       sync.Mutex
	Queries  []Query
	Migrated []string
	Handler  func(sql string, args []any) ([]map[string]any, error)
}

func (f *FakeAdapter) Execute(_ context.Context, q squirrel.Sqlizer) ([]map[string]any, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.Queries = append(f.Queries, Query{SQL: sql, Args: args})
	handler := f.Handler
	f.mu.Unlock()
	if handler == nil {
		return nil, nil
	}
	return handler(sql, args)
}

func (f *FakeAdapter) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	f.record("BEGIN")
	if err := fn(ctx); err != nil {
		f.record("ROLLBACK")
		return err
	}
	f.record("COMMIT")
	return nil
}

func (f *FakeAdapter) Migrate(_ context.Context, m *model.ModelDefinition) error {
	f.mu.Lock()
	f.Migrated = append(f.Migrated, m.Name)
	f.mu.Unlock()
	return nil
}

func (f *FakeAdapter) record(sql string) {
	f.mu.Lock()
	f.Queries = append(f.Queries, Query{SQL: sql})
	f.mu.Unlock()
}

// Statements returns recorded SQL texts, optionally only those containing substr.
func (f *FakeAdapter) Statements(substr string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, q := range f.Queries {
		if substr == "" || strings.Contains(q.SQL, substr) {
			out = append(out, q.SQL)
		}
	}
	return out
}

// Patch clones a registered model, applies fn and registers the copy.
func Patch(t testing.TB, r *model.Registry, name string, fn func(m *model.ModelDefinition)) *model.ModelDefinition {
	t.Helper()
	m, ok := r.Get(name)
	if !ok {
		t.Fatalf("model %s not registered", name)
	}
	c := m.Clone()
	fn(c)
	if err := r.Set(c); err != nil {
		t.Fatalf("set %s: %v", name, err)
	}
	return c
}
