package queryable_test

import (
	"context"
	"strings"
	"testing"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"
	"YrestData/internal/queryable"
	"YrestData/internal/testutil"

	"github.com/Masterminds/squirrel"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rewrite(t *testing.T, r *model.Registry, q *queryable.Queryable, hook queryable.JoinHook) *queryable.Queryable {
	t.Helper()
	l := queryable.NewNestedListener(r, nil, hook)
	require.NoError(t, l.BeforeExecute(context.Background(), q))
	require.Equal(t, queryable.Done, q.State())
	return q
}

func selectSQL(t *testing.T, q *queryable.Queryable, extra squirrel.Sqlizer) (string, []any) {
	t.Helper()
	sb, err := q.ToSelect(extra)
	require.NoError(t, err)
	sql, args, err := sb.ToSql()
	require.NoError(t, err)
	return sql, args
}

func TestDefaultSelect(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := rewrite(t, r, queryable.New(testutil.MustModel(t, r, "Product")), nil)

	sql, args := selectSQL(t, q, nil)
	assert.Equal(t, `SELECT main."id" AS "id", main."name" AS "name", main."category" AS "category", main."price" AS "price" FROM "ProductData" AS main`, sql)
	assert.Empty(t, args)
	assert.Equal(t, []string{"id", "name", "category", "price"}, q.Keys())
}

func TestDefaultSelectIncludesInheritedAndForeignKeys(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := rewrite(t, r, queryable.New(testutil.MustModel(t, r, "Person")), nil)
	assert.Equal(t, []string{"id", "name", "email", "familyName", "givenName", "user", "address", "metadata"}, q.Keys())
}

func TestFilterOrderPaging(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "Order")).
		Filter("customer/familyName eq 'Smith'").
		SelectFields("id, customer/familyName as familyName").
		OrderBy("orderDate desc").
		Take(10).Skip(20)
	rewrite(t, r, q, nil)

	sql, args := selectSQL(t, q, squirrel.Expr("main.\"id\" > ?", 5))
	want := `SELECT main."id" AS "id", t0."familyName" AS "familyName" FROM "OrderData" AS main ` +
		`LEFT JOIN "PersonData" AS t0 ON main."customer" = t0."id" ` +
		`WHERE (t0."familyName" = ? AND main."id" > ?) ORDER BY main."orderDate" DESC LIMIT 10 OFFSET 20`
	assert.Equal(t, want, sql)
	assert.Equal(t, []any{"Smith", 5}, args)
}

// Вложенный select через связь один-ко-многим: ограничение присоединённой
// модели превращает недоступное значение в NULL, а не в ошибку.
func TestNestedSelectWithJoinRestriction(t *testing.T) {
	r := testutil.NewRegistry(t)
	var hooked []string
	hook := func(_ context.Context, m *model.ModelDefinition, j *model.JoinSpec) error {
		hooked = append(hooked, m.Name+":"+j.Alias)
		j.Restriction = squirrel.Expr(j.Alias+`."id" IN (SELECT 1 WHERE ?)`, false)
		return nil
	}
	q := queryable.New(testutil.MustModel(t, r, "Person")).SelectFields("id, orders/customer as customer")
	rewrite(t, r, q, hook)

	sql, args := selectSQL(t, q, nil)
	assert.Equal(t, `SELECT DISTINCT main."id" AS "id", t0."customer" AS "customer" FROM "PersonData" AS main `+
		`LEFT JOIN "OrderData" AS t0 ON (t0."customer" = main."id") AND (t0."id" IN (SELECT 1 WHERE ?))`, sql)
	assert.Equal(t, []any{false}, args)
	assert.Equal(t, []string{"Order:t0"}, hooked)
	assert.True(t, q.HasFanOut())
}

func TestListenerIsIdempotent(t *testing.T) {
	r := testutil.NewRegistry(t)
	calls := 0
	hook := func(context.Context, *model.ModelDefinition, *model.JoinSpec) error { calls++; return nil }
	q := queryable.New(testutil.MustModel(t, r, "Order")).
		Filter("customer/user/name eq 'alexis' and orderedItem/price gt 10").
		SelectFields("id, customer/givenName as givenName").
		OrderBy("orderedItem/name")
	l := queryable.NewNestedListener(r, nil, hook)
	require.NoError(t, l.BeforeExecute(context.Background(), q))
	first, firstArgs := selectSQL(t, q, nil)
	joins := len(q.Plan().Joins())
	hooks := calls

	require.NoError(t, l.BeforeExecute(context.Background(), q))
	second, secondArgs := selectSQL(t, q, nil)
	assert.Equal(t, first, second)
	assert.Equal(t, firstArgs, secondArgs)
	assert.Len(t, q.Plan().Joins(), joins)
	assert.Equal(t, hooks, calls, "joins are hooked once")
	assert.Equal(t, 3, joins)
}

func TestFailedResolutionLeavesQueryUntouched(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "Order")).
		Filter("customer/familyName eq 'Smith'").
		SelectFields("id, customer/nickname as nick")
	l := queryable.NewNestedListener(r, nil, nil)

	err := l.BeforeExecute(context.Background(), q)
	require.ErrorIs(t, err, dataerr.ErrInvalidAttribute)
	assert.Equal(t, queryable.Scanning, q.State())
	assert.Nil(t, q.Plan())
	assert.Nil(t, q.Condition())
	for _, c := range q.Select {
		assert.False(t, c.Resolved(), c.Source)
	}
	_, err = q.ToSelect(nil)
	assert.Error(t, err)

	// после исправления запрос проходит
	q.Select = q.Select[:1]
	require.NoError(t, l.BeforeExecute(context.Background(), q))
	sql, _ := selectSQL(t, q, nil)
	assert.True(t, strings.HasPrefix(sql, `SELECT main."id" AS "id" FROM "OrderData" AS main LEFT JOIN "PersonData" AS t0`), sql)
}

func TestParseErrorIsReturnedByListener(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "Order")).Filter("orderStatus eq")
	err := queryable.NewNestedListener(r, nil, nil).BeforeExecute(context.Background(), q)
	assert.ErrorIs(t, err, dataerr.ErrInvalidExpression)
}

func TestDistinctAddsHiddenOrderColumns(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "User")).
		SelectFields("id, groups/name as groupName").
		OrderBy("name desc, id")
	rewrite(t, r, q, nil)

	sql, _ := selectSQL(t, q, nil)
	assert.True(t, strings.HasPrefix(sql, `SELECT DISTINCT main."id" AS "id", t1."name" AS "groupName", main."name" AS "$order0" FROM "UserData" AS main`), sql)
	assert.Contains(t, sql, `LEFT JOIN "GroupMembers" AS t0 ON t0."valueId" = main."id" LEFT JOIN "GroupData" AS t1 ON t1."id" = t0."parentId"`)
	assert.True(t, strings.HasSuffix(sql, `ORDER BY main."name" DESC, main."id" ASC`), sql)
	assert.Equal(t, []string{"id", "groupName"}, q.Keys())

	rows := []map[string]any{{"id": 1, "groupName": "Sales", "$order0": "alexis"}}
	q.StripHidden(rows)
	if diff := cmp.Diff([]map[string]any{{"id": 1, "groupName": "Sales"}}, rows); diff != "" {
		t.Fatalf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestCount(t *testing.T) {
	r := testutil.NewRegistry(t)
	user := testutil.MustModel(t, r, "User")
	pk := r.PrimaryKey(user)

	q := rewrite(t, r, queryable.New(user).Filter("name ne null").Take(5), nil)
	sb, err := q.ToCount(nil, pk)
	require.NoError(t, err)
	sql, _, err := sb.ToSql()
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS count FROM "UserData" AS main WHERE main."name" IS NOT NULL`, sql)

	q = rewrite(t, r, queryable.New(user).SelectFields("id, groups/name as groupName"), nil)
	sb, err = q.ToCount(squirrel.Expr("1 = 1"), pk)
	require.NoError(t, err)
	sql, _, err = sb.ToSql()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sql, `SELECT COUNT(DISTINCT main."id") AS count FROM "UserData" AS main LEFT JOIN`), sql)
	assert.True(t, strings.HasSuffix(sql, "WHERE 1 = 1"), sql)
}

func TestGroupBy(t *testing.T) {
	r := testutil.NewRegistry(t)
	o := queryable.Options{GroupBy: "orderStatus", Select: "orderStatus, count() as total", OrderBy: "orderStatus", Levels: -1}
	q := rewrite(t, r, o.Build(testutil.MustModel(t, r, "Order")), nil)

	sql, _ := selectSQL(t, q, nil)
	assert.Equal(t, `SELECT main."orderStatus" AS "orderStatus", COUNT(*) AS "total" FROM "OrderData" AS main GROUP BY main."orderStatus" ORDER BY main."orderStatus" ASC`, sql)

	sb, err := q.ToCount(nil, nil)
	require.NoError(t, err)
	sql, _, err = sb.ToSql()
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) AS count FROM (SELECT main."orderStatus" AS "orderStatus", COUNT(*) AS "total" FROM "OrderData" AS main GROUP BY main."orderStatus") AS g`, sql)
}

func TestGroupByDefaultSelect(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := rewrite(t, r, queryable.New(testutil.MustModel(t, r, "Order")).GroupBy("customer/familyName"), nil)
	sql, _ := selectSQL(t, q, nil)
	assert.Equal(t, `SELECT t0."familyName" AS "familyName" FROM "OrderData" AS main LEFT JOIN "PersonData" AS t0 ON main."customer" = t0."id" GROUP BY t0."familyName"`, sql)
}

func TestSelectExpressionsAndJSON(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "Person")).
		SelectFields("id, address/geo/latitude as lat, metadata/color as color, concat(concat(givenName, ' '), familyName) as fullName")
	rewrite(t, r, q, nil)

	sql, args := selectSQL(t, q, nil)
	assert.Equal(t, `SELECT main."id" AS "id", (main."address"->'geo'->>'latitude')::numeric AS "lat", main."metadata" AS "color", `+
		`concat(concat(main."givenName", ?), main."familyName") AS "fullName" FROM "PersonData" AS main`, sql)
	assert.Equal(t, []any{" "}, args)
	assert.Equal(t, []string{"color"}, q.Select[2].JSONPath())
	assert.Equal(t, "metadata", q.Select[2].Field().Name)
	assert.Nil(t, q.Select[3].Field())
}

func TestSelectCollectionInExpressionFails(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "User")).SelectFields("tolower(groups/name) as g")
	err := queryable.NewNestedListener(r, nil, nil).BeforeExecute(context.Background(), q)
	assert.ErrorIs(t, err, dataerr.ErrInvalidAttribute)
}

func TestExpandResolution(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := queryable.New(testutil.MustModel(t, r, "Order")).ExpandFields("Customer($select=id), details")
	rewrite(t, r, q, nil)

	require.Len(t, q.Expand, 2)
	assert.Equal(t, "customer", q.Expand[0].Name)
	assert.Equal(t, "Person", q.Expand[0].Field().Type)
	assert.False(t, q.Expand[0].Association().IsCollection())
	assert.True(t, q.Expand[1].Association().IsCollection())
	e, ok := q.ExpandByName("DETAILS")
	require.True(t, ok)
	assert.True(t, e.Resolved())

	for _, bad := range []string{"nothing", "orderStatus"} {
		q := queryable.New(testutil.MustModel(t, r, "Order")).ExpandFields(bad)
		err := queryable.NewNestedListener(r, nil, nil).BeforeExecute(context.Background(), q)
		assert.ErrorIs(t, err, dataerr.ErrInvalidAttribute, bad)
	}
}

func TestView(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := rewrite(t, r, queryable.New(testutil.MustModel(t, r, "Person")).View("summary"), nil)
	assert.Equal(t, []string{"id", "familyName", "givenName"}, q.Keys())

	q = queryable.New(testutil.MustModel(t, r, "Person")).View("missing")
	assert.ErrorIs(t, q.Err(), dataerr.ErrInvalidAttribute)
}

func TestCloneIsIndependent(t *testing.T) {
	r := testutil.NewRegistry(t)
	q := rewrite(t, r, queryable.New(testutil.MustModel(t, r, "Order")).SelectFields("id"), nil)
	c := q.Clone()
	c.SelectFields("customer/familyName as familyName")
	require.NoError(t, queryable.NewNestedListener(r, nil, nil).BeforeExecute(context.Background(), c))
	assert.Len(t, q.Select, 1)
	assert.Empty(t, q.Plan().Joins())
	assert.Len(t, c.Plan().Joins(), 1)
}
