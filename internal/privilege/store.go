package privilege

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
	"github.com/oklog/ulid/v2"
)

// Permission — запись о выдаче маски на конкретный объект.
// Для item: Privilege — модель, Target — id объекта.
// Для parent: Privilege — модель, ParentPrivilege — путь к предку, Target — id предка.
type Permission struct {
	ID              string     `json:"id"`
	Privilege       string     `json:"privilege"`
	ParentPrivilege string     `json:"parentPrivilege,omitempty"`
	Account         string     `json:"account"`
	Target          string     `json:"target"`
	Mask            model.Mask `json:"mask"`
}

// TargetQuery selects permission targets granted to a principal.
type TargetQuery struct {
	Privilege       string
	ParentPrivilege string
	Mask            model.Mask
}

type PermissionStore interface {
	Targets(ctx context.Context, q TargetQuery, p *Principal) ([]string, error)
}

// Executor выполняет запрос без проверки привилегий (db.Adapter подходит).
type Executor interface {
	Execute(ctx context.Context, q squirrel.Sqlizer) ([]map[string]any, error)
}

// MemoryPermissionStore держит записи в памяти процесса.
type MemoryPermissionStore struct {
	mu      sync.RWMutex
	items   []Permission
	entropy *ulid.MonotonicEntropy
}

func NewMemoryPermissionStore() *MemoryPermissionStore {
	return &MemoryPermissionStore{
		entropy: ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0),
	}
}

// Grant stores p and returns its id.
func (s *MemoryPermissionStore) Grant(p Permission) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
	}
	s.items = append(s.items, p)
	return p.ID
}

func (s *MemoryPermissionStore) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.items {
		if p.ID == id {
			s.items = append(s.items[:i], s.items[i+1:]...)
			return true
		}
	}
	return false
}

func (s *MemoryPermissionStore) Targets(_ context.Context, q TargetQuery, p *Principal) ([]string, error) {
	accounts := p.Accounts()
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	seen := map[string]struct{}{}
	for _, perm := range s.items {
		if !strings.EqualFold(perm.Privilege, q.Privilege) ||
			!strings.EqualFold(perm.ParentPrivilege, q.ParentPrivilege) ||
			!perm.Mask.Has(q.Mask) ||
			!containsFold(accounts, perm.Account) {
			continue
		}
		if _, dup := seen[perm.Target]; dup {
			continue
		}
		seen[perm.Target] = struct{}{}
		out = append(out, perm.Target)
	}
	return out, nil
}

// ModelPermissionStore читает записи из таблицы модели разрешений.
type ModelPermissionStore struct {
	exec     Executor
	registry *model.Registry
	model    string
}

func NewModelPermissionStore(exec Executor, reg *model.Registry, modelName string) *ModelPermissionStore {
	return &ModelPermissionStore{exec: exec, registry: reg, model: modelName}
}

func (s *ModelPermissionStore) Targets(ctx context.Context, q TargetQuery, p *Principal) ([]string, error) {
	m, err := s.registry.MustGet(s.model)
	if err != nil {
		return nil, err
	}
	parent := squirrel.Sqlizer(squirrel.Or{
		squirrel.Eq{`"parentPrivilege"`: nil},
		squirrel.Eq{`"parentPrivilege"`: ""},
	})
	if q.ParentPrivilege != "" {
		parent = squirrel.Expr(`lower("parentPrivilege") = lower(?)`, q.ParentPrivilege)
	}
	sel := squirrel.Select(`DISTINCT "target"`).
		From(model.Quote(m.ReadTable())).
		Where(`lower("privilege") = lower(?)`, q.Privilege).
		Where(parent).
		Where(squirrel.Eq{`lower("account")`: lowerAll(p.Accounts())}).
		Where(`("mask" & ?) = ?`, int(q.Mask), int(q.Mask))
	rows, err := s.exec.Execute(ctx, sel)
	if err != nil {
		return nil, fmt.Errorf("load permissions: %w", err)
	}
	out := make([]string, 0, len(rows))
	for _, row := range rows {
		if v := row["target"]; v != nil {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out, nil
}

// lowerAll: аккаунты сравниваются без учёта регистра, как в MemoryPermissionStore.
func lowerAll(list []string) []string {
	out := make([]string, len(list))
	for i, v := range list {
		out[i] = strings.ToLower(v)
	}
	return out
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}
