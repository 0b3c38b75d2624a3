package model_test

import (
	"errors"
	"testing"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"
	"YrestData/internal/testutil"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestResolve_ToOneChainEndsOnForeignKey(t *testing.T) {
	r := testutil.NewRegistry(t)
	plan := model.NewJoinPlan(testutil.MustModel(t, r, "Order"))

	res, err := r.Resolve(plan, "customer/user")
	if err != nil {
		t.Fatalf("Resolve error: %v", err)
	}
	if res.Column != `t0."user"` {
		t.Fatalf("column = %s", res.Column)
	}
	if res.Collection {
		t.Fatalf("customer/user is not a collection")
	}
	want := []*model.JoinSpec{{
		Path: "customer", FromModel: "Order", ToModel: "Person", Table: "PersonData", Alias: "t0",
		On: `main."customer" = t0."id"`, JoinType: "LEFT JOIN",
	}}
	if diff := cmp.Diff(want, plan.Joins(), cmpopts.IgnoreFields(model.JoinSpec{}, "Restriction")); diff != "" {
		t.Fatalf("joins mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_SamePathReusesAlias(t *testing.T) {
	r := testutil.NewRegistry(t)
	plan := model.NewJoinPlan(testutil.MustModel(t, r, "Order"))

	first, err := r.Resolve(plan, "customer/familyName")
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Resolve(plan, "Customer/givenName")
	if err != nil {
		t.Fatal(err)
	}
	if first.Alias != "t0" || second.Alias != "t0" {
		t.Fatalf("aliases = %s, %s", first.Alias, second.Alias)
	}
	if len(plan.Joins()) != 1 {
		t.Fatalf("expected a single join, got %d", len(plan.Joins()))
	}

	third, err := r.Resolve(plan, "orderedItem/name")
	if err != nil {
		t.Fatal(err)
	}
	if third.Column != `t1."name"` {
		t.Fatalf("column = %s", third.Column)
	}
}

func TestResolve_IsDeterministic(t *testing.T) {
	r := testutil.NewRegistry(t)
	order := testutil.MustModel(t, r, "Order")
	paths := []string{"orderedItem/name", "customer/user", "details/product/name", "customer/address/postalCode"}

	build := func() []*model.JoinSpec {
		plan := model.NewJoinPlan(order)
		for _, p := range paths {
			if _, err := r.Resolve(plan, p); err != nil {
				t.Fatalf("Resolve(%s): %v", p, err)
			}
		}
		return plan.Joins()
	}
	if diff := cmp.Diff(build(), build(), cmpopts.IgnoreFields(model.JoinSpec{}, "Restriction")); diff != "" {
		t.Fatalf("plans differ:\n%s", diff)
	}
}

func TestResolve_JunctionFromBothSides(t *testing.T) {
	r := testutil.NewRegistry(t)

	userPlan := model.NewJoinPlan(testutil.MustModel(t, r, "User"))
	res, err := r.Resolve(userPlan, "groups/name")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Collection || res.Column != `t1."name"` {
		t.Fatalf("unexpected resolution: %+v", res)
	}
	joins := userPlan.Joins()
	if len(joins) != 2 {
		t.Fatalf("expected link + target joins, got %d", len(joins))
	}
	if joins[0].Table != "GroupMembers" || joins[0].On != `t0."valueId" = main."id"` {
		t.Fatalf("link join: %+v", joins[0])
	}
	if joins[1].Table != "GroupData" || joins[1].On != `t1."id" = t0."parentId"` || !joins[1].Distinct {
		t.Fatalf("target join: %+v", joins[1])
	}

	groupPlan := model.NewJoinPlan(testutil.MustModel(t, r, "Group"))
	res, err = r.Resolve(groupPlan, "members/name")
	if err != nil {
		t.Fatal(err)
	}
	joins = groupPlan.Joins()
	if joins[0].On != `t0."parentId" = main."id"` || joins[1].On != `t1."id" = t0."valueId"` {
		t.Fatalf("group side joins: %+v %+v", joins[0], joins[1])
	}
	if !res.Collection {
		t.Fatalf("members must be a collection")
	}
}

func TestResolve_OneToManyInferredFromChild(t *testing.T) {
	r := testutil.NewRegistry(t)
	plan := model.NewJoinPlan(testutil.MustModel(t, r, "Person"))

	res, err := r.Resolve(plan, "orders/orderStatus")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Collection {
		t.Fatalf("orders must be a collection")
	}
	j := plan.Joins()[0]
	if j.Table != "OrderData" || j.On != `t0."customer" = main."id"` || !j.Distinct {
		t.Fatalf("join: %+v", j)
	}
	if !plan.HasFanOut() {
		t.Fatalf("plan must report fan-out")
	}
}

func TestResolve_JSONPaths(t *testing.T) {
	r := testutil.NewRegistry(t)
	person := testutil.MustModel(t, r, "Person")

	tests := []struct {
		path     string
		column   string
		jsonPath []string
		expr     string
	}{
		{"address", `main."address"`, nil, `main."address"`},
		{"address/addressLocality", `main."address"->>'addressLocality'`, nil, `main."address"->>'addressLocality'`},
		{"address/geo/latitude", `(main."address"->'geo'->>'latitude')::numeric`, nil, `(main."address"->'geo'->>'latitude')::numeric`},
		{"metadata/tags/first", `main."metadata"`, []string{"tags", "first"}, `main."metadata"->'tags'->>'first'`},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			res, err := r.Resolve(model.NewJoinPlan(person), tc.path)
			if err != nil {
				t.Fatal(err)
			}
			if res.Column != tc.column || res.Expr() != tc.expr {
				t.Fatalf("column=%s expr=%s", res.Column, res.Expr())
			}
			if diff := cmp.Diff(tc.jsonPath, res.JSONPath); diff != "" {
				t.Fatalf("json path (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_InheritedAttribute(t *testing.T) {
	r := testutil.NewRegistry(t)
	res, err := r.Resolve(model.NewJoinPlan(testutil.MustModel(t, r, "Order")), "customer/email")
	if err != nil {
		t.Fatal(err)
	}
	if res.Column != `t0."email"` || res.Model.Name != "Person" {
		t.Fatalf("unexpected: %s on %s", res.Column, res.Model.Name)
	}
}

func TestResolve_Errors(t *testing.T) {
	r := testutil.NewRegistry(t)
	order := testutil.MustModel(t, r, "Order")

	tests := []struct {
		name string
		path string
		code dataerr.Code
	}{
		{"unknown attribute", "customer/shoeSize", dataerr.CodeInvalidAttribute},
		{"navigate into primitive", "orderStatus/length", dataerr.CodeInvalidAttribute},
		{"unknown json property", "customer/address/planet", dataerr.CodeInvalidAttribute},
		{"empty path", " ", dataerr.CodeInvalidAttribute},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			plan := model.NewJoinPlan(order)
			_, err := r.Resolve(plan, tc.path)
			if dataerr.CodeOf(err) != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestResolve_MaxDepth(t *testing.T) {
	r := model.NewRegistry(model.WithMaxDepth(2))
	for _, m := range testutil.Models() {
		if err := r.Set(m.Clone()); err != nil {
			t.Fatal(err)
		}
	}
	_, err := r.Resolve(model.NewJoinPlan(testutil.MustModel(t, r, "OrderDetail")), "order/customer/user")
	if !errors.Is(err, dataerr.ErrInvalidAttribute) {
		t.Fatalf("expected depth error, got %v", err)
	}
}

func TestResolveCollection_BuildsSemiJoin(t *testing.T) {
	r := testutil.NewRegistry(t)
	plan := model.NewJoinPlan(testutil.MustModel(t, r, "User"))

	semi, err := r.ResolveCollection(plan, "groups/name")
	if err != nil {
		t.Fatal(err)
	}
	if semi == nil {
		t.Fatal("expected a semi-join")
	}
	if semi.From != `"GroupMembers" AS s0_l INNER JOIN "GroupData" AS s0 ON s0."id" = s0_l."parentId"` {
		t.Fatalf("from = %s", semi.From)
	}
	if semi.Correlation != `s0_l."valueId" = main."id"` || semi.Rest != "name" || semi.Key != "groups" {
		t.Fatalf("semi = %+v", semi)
	}
	if len(plan.Joins()) != 0 {
		t.Fatalf("semi-join must not add outer joins")
	}

	none, err := r.ResolveCollection(plan, "name")
	if err != nil || none != nil {
		t.Fatalf("plain attribute: %v %v", none, err)
	}
}

func TestResolveCollection_ThroughToOnePrefix(t *testing.T) {
	r := testutil.NewRegistry(t)
	plan := model.NewJoinPlan(testutil.MustModel(t, r, "OrderDetail"))

	semi, err := r.ResolveCollection(plan, "order/customer/orders/orderStatus")
	if err != nil {
		t.Fatal(err)
	}
	if len(plan.Joins()) != 2 {
		t.Fatalf("expected order and customer joins, got %+v", plan.Joins())
	}
	if semi.Correlation != `s0."customer" = t1."id"` || semi.From != `"OrderData" AS s0` {
		t.Fatalf("semi = %+v", semi)
	}
}
