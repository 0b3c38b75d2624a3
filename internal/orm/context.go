// Package orm связывает реестр моделей, привилегии, слушатель вложенных путей,
// JSON-проектор и адаптер БД в единый контекст данных.
package orm

import (
	"context"
	"strings"
	"sync"

	"YrestData/internal/cache"
	"YrestData/internal/config"
	"YrestData/internal/db"
	"YrestData/internal/filter"
	"YrestData/internal/jsonattr"
	"YrestData/internal/logger"
	"YrestData/internal/model"
	"YrestData/internal/privilege"
	"YrestData/internal/queryable"

	"github.com/Masterminds/squirrel"
)

// DataContext — всё, что нужно запросу: конфигурация, реестр, адаптер, кэш и
// цепочки подписчиков. Принципал передаётся через context.Context.
type DataContext struct {
	Config     *config.Config
	Registry   *model.Registry
	Adapter    db.Adapter
	Cache      cache.Cache
	Metadata   *cache.Metadata
	Privileges *privilege.Evaluator

	store     privilege.PermissionStore
	functions *filter.Functions
	projector *jsonattr.Projector

	mu      sync.RWMutex
	members []filter.MemberResolver
	methods []filter.MethodResolver
}

type Option func(*DataContext)

func WithCache(c cache.Cache) Option { return func(dc *DataContext) { dc.Cache = c } }

func WithMetadata(m *cache.Metadata) Option { return func(dc *DataContext) { dc.Metadata = m } }

// WithPermissionStore overrides the store of item and parent permission records.
func WithPermissionStore(s privilege.PermissionStore) Option {
	return func(dc *DataContext) { dc.store = s }
}

func NewDataContext(cfg *config.Config, reg *model.Registry, adapter db.Adapter, opts ...Option) *DataContext {
	if cfg == nil {
		cfg = config.Default()
	}
	dc := &DataContext{
		Config:    cfg,
		Registry:  reg,
		Adapter:   adapter,
		functions: filter.NewFunctions(),
	}
	for _, opt := range opts {
		opt(dc)
	}
	if dc.Cache == nil {
		dc.Cache = cache.NewMemory(cache.WithTTL(cfg.Cache.TTL))
	}
	if dc.Metadata == nil {
		dc.Metadata = cache.NewMetadata()
	}
	if dc.store == nil {
		dc.store = dc.defaultStore()
	}
	dc.Privileges = privilege.NewEvaluator(reg,
		privilege.WithCache(dc.Cache),
		privilege.WithTTL(cfg.Cache.TTL),
		privilege.WithPermissionStore(dc.store),
		privilege.WithExecutor(adapter),
		privilege.WithFunctions(dc.functions),
		privilege.WithUserLookup(dc.lookupUser),
		privilege.WithResolvers([]filter.MemberResolver{dc.resolveMember}, []filter.MethodResolver{dc.resolveMethod}),
	)
	dc.projector = jsonattr.NewProjector(reg, dc.validateObject)
	return dc
}

// defaultStore: записи разрешений из модели PERMISSIONS_MODEL, если она объявлена.
func (dc *DataContext) defaultStore() privilege.PermissionStore {
	name := dc.Config.Query.PermissionsModel
	if _, ok := dc.Registry.Get(name); ok && name != "" && dc.Adapter != nil {
		return privilege.NewModelPermissionStore(dc.Adapter, dc.Registry, name)
	}
	return privilege.NewMemoryPermissionStore()
}

// PermissionStore returns the store of permission records used by the evaluator.
func (dc *DataContext) PermissionStore() privilege.PermissionStore { return dc.store }

// OnResolvingMember appends a member resolver. Resolvers run in registration
// order before default path resolution; the first non-nil substitution wins.
func (dc *DataContext) OnResolvingMember(fn filter.MemberResolver) {
	dc.mu.Lock()
	dc.members = append(dc.members, fn)
	dc.mu.Unlock()
}

// OnResolvingMethod appends a resolver for calls missing from the function table.
func (dc *DataContext) OnResolvingMethod(fn filter.MethodResolver) {
	dc.mu.Lock()
	dc.methods = append(dc.methods, fn)
	dc.mu.Unlock()
}

// RegisterFunction adds or shadows a filter function.
func (dc *DataContext) RegisterFunction(fn filter.Function) {
	dc.functions.Register(fn)
}

func (dc *DataContext) resolveMember(ctx context.Context, m *model.ModelDefinition, path string) (*filter.Substitution, error) {
	dc.mu.RLock()
	chain := append([]filter.MemberResolver(nil), dc.members...)
	dc.mu.RUnlock()
	for _, fn := range chain {
		sub, err := fn(ctx, m, path)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	return nil, nil
}

func (dc *DataContext) resolveMethod(ctx context.Context, m *model.ModelDefinition, name string, args []filter.Node) (*filter.Substitution, error) {
	dc.mu.RLock()
	chain := append([]filter.MethodResolver(nil), dc.methods...)
	dc.mu.RUnlock()
	for _, fn := range chain {
		sub, err := fn(ctx, m, name, args)
		if err != nil || sub != nil {
			return sub, err
		}
	}
	return nil, nil
}

// Model returns the data model registered under name.
func (dc *DataContext) Model(name string) (*DataModel, error) {
	m, err := dc.Registry.MustGet(name)
	if err != nil {
		return nil, err
	}
	return &DataModel{dc: dc, Model: m}, nil
}

// queryFunctions: таблица функций фильтра плюс агрегаты для $select.
func (dc *DataContext) queryFunctions() *filter.Functions {
	fns := dc.functions.Clone()
	for _, fn := range filter.Aggregates() {
		fns.Register(fn)
	}
	return fns
}

// listener собирает слушатель для одного выполнения; служебные запросы
// выполняются без ограничений привилегий.
func (dc *DataContext) listener(silent bool) *queryable.NestedListener {
	fns := dc.queryFunctions()
	if silent {
		return queryable.NewNestedListener(dc.Registry, func(m *model.ModelDefinition) *filter.Parser {
			return dc.Privileges.Parser(m, filter.WithFunctions(fns))
		}, nil)
	}
	restrict := func(ctx context.Context, m *model.ModelDefinition, alias string) (squirrel.Sqlizer, error) {
		return dc.Privileges.Restriction(ctx, m, privilege.FromContext(ctx), alias)
	}
	return queryable.NewNestedListener(dc.Registry, func(m *model.ModelDefinition) *filter.Parser {
		return dc.Privileges.Parser(m, filter.WithFunctions(fns), filter.WithRestrictor(restrict))
	}, func(ctx context.Context, m *model.ModelDefinition, j *model.JoinSpec) error {
		r, err := restrict(ctx, m, j.Alias)
		if err != nil {
			return err
		}
		j.Restriction = r
		return nil
	})
}

// lookupUser находит запись пользователя по имени принципала для me().
func (dc *DataContext) lookupUser(ctx context.Context, p *privilege.Principal) (any, error) {
	name := dc.Config.Query.UsersModel
	users, ok := dc.Registry.Get(name)
	if !ok || name == "" || p.IsAnonymous() {
		return nil, nil
	}
	pk := dc.Registry.PrimaryKey(users)
	nameField := dc.Registry.Field(users, "name")
	if pk == nil || nameField == nil {
		return nil, nil
	}
	key, err := cache.Key("me", strings.ToLower(p.Name), users.Name)
	if err != nil {
		return nil, err
	}
	var id any
	err = dc.Cache.GetOrDefault(ctx, key, &id, func(ctx context.Context) (any, error) {
		dm := &DataModel{dc: dc, Model: users, silent: true}
		q := dm.AsQueryable().
			WhereNode(filter.Eq(nameField.Name, p.Name)).
			SelectFields(pk.Name).
			Take(1)
		row, err := dm.GetItem(ctx, q)
		if err != nil || row == nil {
			return nil, err
		}
		return row[pk.Name], nil
	}, dc.Config.Cache.TTL)
	if err != nil {
		return nil, err
	}
	if f, isFloat := id.(float64); isFloat && f == float64(int64(f)) {
		// значение из кэша пришло через JSON
		id = int64(f)
	}
	logger.Debug("me_resolved", map[string]any{"principal": p.Name, "found": id != nil})
	return id, nil
}

// Migrate applies add-only migrations of every model that owns rows: base
// models first, each model once per process.
func (dc *DataContext) Migrate(ctx context.Context) error {
	for _, m := range dc.Registry.Models() {
		if m.Hidden || dc.Registry.PrimaryKey(m) == nil {
			continue
		}
		if err := (&DataModel{dc: dc, Model: m}).Migrate(ctx); err != nil {
			return err
		}
	}
	return nil
}
