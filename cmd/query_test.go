package main

import (
	"context"
	"testing"

	"github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueryValues_FlagsOverrideQueryString(t *testing.T) {
	t.Cleanup(func() { queryFlags.selectList, queryFlags.top, queryFlags.levels, queryFlags.count = "", 0, -1, false })
	queryFlags.levels = -1
	queryFlags.selectList = "id"
	queryFlags.top = 5

	values, err := queryValues([]string{"Order", "$select=id,orderStatus&$filter=orderStatus eq 'New'&$count=true"})
	require.NoError(t, err)
	assert.Equal(t, "id", values.Get("$select"))
	assert.Equal(t, "orderStatus eq 'New'", values.Get("$filter"))
	assert.Equal(t, "5", values.Get("$top"))
	assert.Empty(t, values.Get("$levels"))
	assert.True(t, queryFlags.count)
}

func TestDryRunRecordsPostgresPlaceholders(t *testing.T) {
	d := &dryRun{}
	rows, err := d.Execute(context.Background(), squirrel.Select("1").From(`"OrderData"`).Where(`"id" = ? AND "customer" = ?`, 1, 2))
	require.NoError(t, err)
	assert.Empty(t, rows)
	require.Len(t, d.statements, 1)
	assert.Equal(t, `SELECT 1 FROM "OrderData" WHERE "id" = $1 AND "customer" = $2`, d.statements[0].sql)
	assert.Equal(t, []any{1, 2}, d.statements[0].args)
}
