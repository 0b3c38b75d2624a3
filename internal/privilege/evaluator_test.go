package privilege_test

import (
	"context"
	"strings"
	"testing"

	"YrestData/internal/cache"
	"YrestData/internal/dataerr"
	"YrestData/internal/model"
	"YrestData/internal/privilege"
	"YrestData/internal/testutil"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	alexis = &privilege.Principal{ID: int64(7), Name: "alexis", Groups: []string{"Users"}}
	bob    = &privilege.Principal{ID: int64(8), Name: "bob", Groups: []string{"Users"}}
	admin  = &privilege.Principal{ID: int64(1), Name: "admin", Groups: []string{"Administrators"}}
)

func toSQL(t *testing.T, s squirrel.Sqlizer) (string, []any) {
	t.Helper()
	require.NotNil(t, s)
	sql, args, err := s.ToSql()
	require.NoError(t, err)
	return sql, args
}

func TestRestriction_SelfPrivilege(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	e := privilege.NewEvaluator(r)
	order := testutil.MustModel(t, r, "Order")

	sql, args := toSQL(t, must(e.Restriction(ctx, order, alexis, "main")))
	assert.Equal(t, `main."id" IN (SELECT main_p."id" FROM "OrderData" AS main_p LEFT JOIN "PersonData" AS main_p_t0 ON main_p."customer" = main_p_t0."id" WHERE main_p_t0."user" = ?)`, sql)
	assert.Equal(t, []any{int64(7)}, args)

	// анонимный: me() ничему не равен, чтение пустое, а не ошибка
	sql, args = toSQL(t, must(e.Restriction(ctx, order, privilege.Anonymous(), "main")))
	assert.Contains(t, sql, `WHERE main_p_t0."user" = NULL)`)
	assert.Empty(t, args)

	r2, err := e.Restriction(ctx, order, admin, "main")
	require.NoError(t, err)
	assert.Nil(t, r2, "administrators read without restriction")
}

func TestRestriction_JoinedAlias(t *testing.T) {
	r := testutil.NewRegistry(t)
	e := privilege.NewEvaluator(r)
	sql, args := toSQL(t, must(e.Restriction(context.Background(), testutil.MustModel(t, r, "Person"), alexis, "t0")))
	assert.Equal(t, `t0."id" IN (SELECT t0_p."id" FROM "PersonData" AS t0_p WHERE t0_p."user" = ?)`, sql)
	assert.Equal(t, []any{int64(7)}, args)
}

func TestRestriction_NoPrivilegeReadsNothing(t *testing.T) {
	r := testutil.NewRegistry(t)
	e := privilege.NewEvaluator(r)
	sql, args := toSQL(t, must(e.Restriction(context.Background(), testutil.MustModel(t, r, "Permission"), alexis, "main")))
	assert.Equal(t, "1 = 0", sql)
	assert.Empty(t, args)
}

func TestGlobalWildcardGrantsEverything(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	order := testutil.Patch(t, r, "Order", func(m *model.ModelDefinition) {
		m.Privileges = append(m.Privileges, model.PrivilegeDefinition{Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "*"})
	})
	e := privilege.NewEvaluator(r)

	for _, p := range []*privilege.Principal{alexis, bob, privilege.Anonymous()} {
		restriction, err := e.Restriction(ctx, order, p, "main")
		require.NoError(t, err)
		assert.Nil(t, restriction, p.Name)
		for _, mask := range []model.Mask{model.MaskCreate, model.MaskUpdate, model.MaskDelete} {
			assert.NoError(t, e.Authorize(ctx, order, p, mask, map[string]any{"id": int64(1)}), "%s mask %d", p.Name, mask)
		}
	}
}

func TestParentPrivilegeChain(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	store := privilege.NewMemoryPermissionStore()
	id := store.Grant(privilege.Permission{
		Privilege: "OrderDetail", ParentPrivilege: "order/customer",
		Account: "alexis", Target: "14", Mask: model.MaskRead,
	})
	assert.Len(t, id, 26)
	e := privilege.NewEvaluator(r, privilege.WithPermissionStore(store))
	detail := testutil.MustModel(t, r, "OrderDetail")

	sql, args := toSQL(t, must(e.Restriction(ctx, detail, alexis, "main")))
	assert.Equal(t, `main."id" IN (SELECT main_p."id" FROM "OrderDetailData" AS main_p LEFT JOIN "OrderData" AS main_p_t0 ON main_p."order" = main_p_t0."id" WHERE main_p_t0."customer" IN (?))`, sql)
	assert.Equal(t, []any{int64(14)}, args)

	sql, _ = toSQL(t, must(e.Restriction(ctx, detail, bob, "main")))
	assert.Equal(t, "1 = 0", sql)

	// после отзыва и инвалидации alexis тоже ничего не видит
	require.True(t, store.Revoke(id))
	require.NoError(t, e.Invalidate(ctx, "OrderDetail"))
	sql, _ = toSQL(t, must(e.Restriction(ctx, detail, alexis, "main")))
	assert.Equal(t, "1 = 0", sql)
}

func TestItemPrivilegeByGroup(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	product := testutil.Patch(t, r, "Product", func(m *model.ModelDefinition) {
		m.Privileges = []model.PrivilegeDefinition{{Mask: model.MaskRead | model.MaskUpdate, Type: model.PrivilegeItem}}
	})
	store := privilege.NewMemoryPermissionStore()
	store.Grant(privilege.Permission{Privilege: "Product", Account: "Sales", Target: "5", Mask: model.MaskAll})
	e := privilege.NewEvaluator(r, privilege.WithPermissionStore(store))
	seller := &privilege.Principal{Name: "carol", Groups: []string{"Sales"}}

	sql, args := toSQL(t, must(e.Restriction(ctx, product, seller, "main")))
	assert.Equal(t, `main."id" IN (SELECT main_p."id" FROM "ProductData" AS main_p WHERE main_p."id" IN (?))`, sql)
	assert.Equal(t, []any{int64(5)}, args)

	assert.NoError(t, e.Authorize(ctx, product, seller, model.MaskUpdate, map[string]any{"id": int64(5)}))
	assert.ErrorIs(t, e.Authorize(ctx, product, seller, model.MaskUpdate, map[string]any{"id": int64(6)}), dataerr.ErrAccessDenied)
	assert.ErrorIs(t, e.Authorize(ctx, product, seller, model.MaskDelete, map[string]any{"id": int64(5)}), dataerr.ErrAccessDenied)
}

func TestExcludeByAuthenticationScope(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	product := testutil.Patch(t, r, "Product", func(m *model.ModelDefinition) {
		m.Privileges = []model.PrivilegeDefinition{{
			Mask: model.MaskAll, Type: model.PrivilegeGlobal, Account: "*",
			Exclude: "indexof(context/user/authenticationScope,'sales') lt 0",
		}}
	})
	e := privilege.NewEvaluator(r)
	priv := product.Privileges[0]

	outsider := &privilege.Principal{Name: "dave", AuthenticationScope: "profile"}
	excluded, err := e.ShouldExclude(ctx, product, priv, outsider)
	require.NoError(t, err)
	assert.True(t, excluded)
	assert.ErrorIs(t, e.Authorize(ctx, product, outsider, model.MaskCreate, map[string]any{"name": "Pen"}), dataerr.ErrAccessDenied)
	sql, _ := toSQL(t, must(e.Restriction(ctx, product, outsider, "main")))
	assert.Equal(t, "1 = 0", sql)

	insider := &privilege.Principal{Name: "erin", AuthenticationScope: "profile sales"}
	excluded, err = e.ShouldExclude(ctx, product, priv, insider)
	require.NoError(t, err)
	assert.False(t, excluded)
	assert.NoError(t, e.Authorize(ctx, product, insider, model.MaskCreate, map[string]any{"name": "Pen"}))
}

func TestScopeContainment(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	product := testutil.Patch(t, r, "Product", func(m *model.ModelDefinition) {
		m.Privileges = []model.PrivilegeDefinition{{
			Mask: model.MaskUpdate, Type: model.PrivilegeGlobal, Account: "*", Scope: []string{"sales", "orders"},
		}}
	})
	e := privilege.NewEvaluator(r)

	got, err := e.ApplicablePrivileges(ctx, product, &privilege.Principal{Name: "a", AuthenticationScope: "orders,sales profile"}, model.MaskUpdate)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	got, err = e.ApplicablePrivileges(ctx, product, &privilege.Principal{Name: "b", AuthenticationScope: "sales"}, model.MaskUpdate)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAuthorize_SelfPrivilegeOnStoredRow(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	db := &testutil.FakeAdapter{Handler: func(sql string, args []any) ([]map[string]any, error) {
		// строка 3 принадлежит пользователю 7
		if strings.Contains(sql, `FROM "PersonData" AS main`) && len(args) == 2 && args[0] == int64(3) && args[1] == int64(7) {
			return []map[string]any{{"?column?": 1}}, nil
		}
		return nil, nil
	}}
	e := privilege.NewEvaluator(r, privilege.WithExecutor(db))
	person := testutil.MustModel(t, r, "Person")

	require.NoError(t, e.Authorize(ctx, person, alexis, model.MaskUpdate, map[string]any{"id": int64(3)}))
	assert.Equal(t, []string{`SELECT 1 FROM "PersonData" AS main WHERE main."id" = ? AND main."user" = ? LIMIT 1`}, db.Statements(""))

	assert.ErrorIs(t, e.Authorize(ctx, person, bob, model.MaskUpdate, map[string]any{"id": int64(3)}), dataerr.ErrAccessDenied)
	// self даёт read|update, но не delete
	assert.ErrorIs(t, e.Authorize(ctx, person, alexis, model.MaskDelete, map[string]any{"id": int64(3)}), dataerr.ErrAccessDenied)
	assert.NoError(t, e.Authorize(ctx, person, admin, model.MaskDelete, map[string]any{"id": int64(3)}))
}

func TestAuthorize_CreateLoadsAssociation(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	order := testutil.Patch(t, r, "Order", func(m *model.ModelDefinition) {
		m.Privileges = []model.PrivilegeDefinition{{
			Mask: model.MaskRead | model.MaskCreate, Type: model.PrivilegeSelf, Filter: "customer/user eq me()",
		}}
	})
	db := &testutil.FakeAdapter{Handler: func(sql string, args []any) ([]map[string]any, error) {
		if len(args) == 1 && args[0] == int64(3) {
			return []map[string]any{{"value": int64(7)}}, nil
		}
		return []map[string]any{{"value": int64(99)}}, nil
	}}
	e := privilege.NewEvaluator(r, privilege.WithExecutor(db))

	require.NoError(t, e.Authorize(ctx, order, alexis, model.MaskCreate, map[string]any{"customer": int64(3), "orderStatus": "New"}))
	assert.Equal(t, []string{`SELECT main."user" AS value FROM "PersonData" AS main WHERE main."id" = ? LIMIT 1`}, db.Statements(""))

	assert.ErrorIs(t, e.Authorize(ctx, order, alexis, model.MaskCreate, map[string]any{"customer": int64(4)}), dataerr.ErrAccessDenied)
	// вложенный объект проверяется без запроса
	require.NoError(t, e.Authorize(ctx, order, alexis, model.MaskCreate, map[string]any{
		"customer": map[string]any{"id": int64(5), "user": int64(7)},
	}))
}

func TestApplicablePrivileges_CachedUntilInvalidated(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	e := privilege.NewEvaluator(r)
	group := testutil.MustModel(t, r, "Group")

	got, err := e.ApplicablePrivileges(ctx, group, bob, model.MaskRead)
	require.NoError(t, err)
	require.Len(t, got, 1)

	patched := testutil.Patch(t, r, "Group", func(m *model.ModelDefinition) {
		m.Privileges = m.Privileges[:1]
	})
	got, err = e.ApplicablePrivileges(ctx, patched, bob, model.MaskRead)
	require.NoError(t, err)
	assert.Len(t, got, 1, "served from cache")

	require.NoError(t, e.Invalidate(ctx, "group"))
	got, err = e.ApplicablePrivileges(ctx, patched, bob, model.MaskRead)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInvalidate_SharedCacheAcrossEvaluators(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	shared := cache.NewMemory()
	a := privilege.NewEvaluator(r, privilege.WithCache(shared))
	b := privilege.NewEvaluator(r, privilege.WithCache(shared))
	group := testutil.MustModel(t, r, "Group")

	got, err := b.ApplicablePrivileges(ctx, group, bob, model.MaskRead)
	require.NoError(t, err)
	require.Len(t, got, 1)

	patched := testutil.Patch(t, r, "Group", func(m *model.ModelDefinition) {
		m.Privileges = m.Privileges[:1]
	})
	// a читает то же, что закэшировал b
	got, err = a.ApplicablePrivileges(ctx, patched, bob, model.MaskRead)
	require.NoError(t, err)
	assert.Len(t, got, 1, "served from shared cache")

	require.NoError(t, a.Invalidate(ctx, "Group"))
	got, err = b.ApplicablePrivileges(ctx, patched, bob, model.MaskRead)
	require.NoError(t, err)
	assert.Empty(t, got)
	got, err = a.ApplicablePrivileges(ctx, patched, bob, model.MaskRead)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestApplyReadFilter(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	e := privilege.NewEvaluator(r)
	user := testutil.MustModel(t, r, "User")

	where, err := e.ApplyReadFilter(ctx, user, alexis, "main", squirrel.Expr(`main."name" = ?`, "alexis"))
	require.NoError(t, err)
	sql, args := toSQL(t, where)
	assert.Equal(t, `(main."name" = ? AND main."id" IN (SELECT main_p."id" FROM "UserData" AS main_p WHERE main_p."id" = ?))`, sql)
	assert.Equal(t, []any{"alexis", int64(7)}, args)

	where, err = e.ApplyReadFilter(ctx, user, admin, "main", nil)
	require.NoError(t, err)
	assert.Nil(t, where)
}

func TestMeResolverUsesLookup(t *testing.T) {
	ctx := context.Background()
	r := testutil.NewRegistry(t)
	lookups := 0
	e := privilege.NewEvaluator(r, privilege.WithUserLookup(func(_ context.Context, p *privilege.Principal) (any, error) {
		lookups++
		if p.Name == "frank" {
			return int64(42), nil
		}
		return nil, nil
	}))
	user := testutil.MustModel(t, r, "User")

	sql, args := toSQL(t, must(e.Restriction(ctx, user, &privilege.Principal{Name: "frank"}, "main")))
	assert.Equal(t, `main."id" IN (SELECT main_p."id" FROM "UserData" AS main_p WHERE main_p."id" = ?)`, sql)
	assert.Equal(t, []any{int64(42)}, args)
	assert.Equal(t, 1, lookups)

	sql, args = toSQL(t, must(e.Restriction(ctx, user, &privilege.Principal{Name: "ghost"}, "main")))
	assert.Contains(t, sql, `main_p."id" = NULL`)
	assert.Empty(t, args)
}

func must(s squirrel.Sqlizer, err error) squirrel.Sqlizer {
	if err != nil {
		panic(err)
	}
	return s
}
