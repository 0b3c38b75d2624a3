package queryable

import (
	"net/url"
	"testing"

	"YrestData/internal/dataerr"
	"YrestData/internal/filter"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitTop(t *testing.T) {
	cases := []struct {
		in   string
		sep  byte
		want []string
	}{
		{"a, b ,c", ',', []string{"a", "b", "c"}},
		{"concat(a, b) as ab, c", ',', []string{"concat(a, b) as ab", "c"}},
		{"name eq 'x,y', z", ',', []string{"name eq 'x,y'", "z"}},
		{"$select=id,name;$expand=user($select=id;$top=1)", ';', []string{"$select=id,name", "$expand=user($select=id;$top=1)"}},
	}
	for _, tc := range cases {
		if diff := cmp.Diff(tc.want, splitTop(tc.in, tc.sep)); diff != "" {
			t.Errorf("splitTop(%q) mismatch (-want +got):\n%s", tc.in, diff)
		}
	}
}

func TestParseSelect(t *testing.T) {
	cols, err := ParseSelect("id, customer/familyName as familyName, concat(name, ' as ') AS label, orderDate")
	require.NoError(t, err)
	var got [][2]string
	for _, c := range cols {
		got = append(got, [2]string{c.Source, c.Alias})
	}
	want := [][2]string{
		{"id", "id"},
		{"customer/familyName", "familyName"},
		{"concat(name, ' as ')", "label"},
		{"orderDate", "orderDate"},
	}
	assert.Equal(t, want, got)
	assert.IsType(t, &filter.Method{}, cols[2].Expr)

	_, err = ParseSelect("price * 2")
	assert.ErrorIs(t, err, dataerr.ErrInvalidExpression)

	_, err = ParseSelect("name eq")
	assert.ErrorIs(t, err, dataerr.ErrInvalidExpression)
}

func TestParseOrderBy(t *testing.T) {
	cols, err := ParseOrderBy("orderDate desc, customer/familyName, year(orderDate) asc")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "orderDate", cols[0].Source)
	assert.True(t, cols[0].Desc)
	assert.Equal(t, "customer/familyName", cols[1].Source)
	assert.False(t, cols[1].Desc)
	assert.Equal(t, "year(orderDate)", cols[2].Source)
	assert.False(t, cols[2].Desc)
}

func TestParseExpand(t *testing.T) {
	exps, err := ParseExpand("customer($select=id,familyName;$expand=user($select=name);$levels=2),orderedItem")
	require.NoError(t, err)
	require.Len(t, exps, 2)

	assert.Equal(t, "customer", exps[0].Name)
	nested := exps[0].Nested()
	assert.Equal(t, "id,familyName", nested.Select)
	assert.Equal(t, "user($select=name)", nested.Expand)
	assert.Equal(t, 2, nested.Levels)

	assert.Equal(t, "orderedItem", exps[1].Name)
	assert.Equal(t, -1, exps[1].Nested().Levels)

	_, err = ParseExpand("customer($select=id")
	assert.ErrorIs(t, err, dataerr.ErrInvalidExpression)
	_, err = ParseExpand("customer(select)")
	assert.ErrorIs(t, err, dataerr.ErrInvalidExpression)
}

func TestParseOptions(t *testing.T) {
	values := url.Values{}
	values.Set("$filter", "orderStatus eq 'New'")
	values.Set("$select", "id,orderDate")
	values.Set("$expand", "customer")
	values.Set("$orderby", "orderDate desc")
	values.Set("$top", "25")
	values.Set("skip", "50")
	values.Set("$levels", "2")
	values.Set("$count", "true")
	values.Set("access_token", "ignored")

	o, err := ParseOptions(values)
	require.NoError(t, err)
	want := Options{
		Filter: "orderStatus eq 'New'", Select: "id,orderDate", Expand: "customer", OrderBy: "orderDate desc",
		Top: 25, Skip: 50, Levels: 2, Count: true,
	}
	if diff := cmp.Diff(want, o); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}

	for _, bad := range []url.Values{{"$top": {"-1"}}, {"$skip": {"x"}}, {"$levels": {"-2"}}} {
		_, err := ParseOptions(bad)
		assert.ErrorIs(t, err, dataerr.ErrInvalidExpression, "%v", bad)
	}
}
