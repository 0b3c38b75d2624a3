package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"sync"

	"YrestData/internal/db"
	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
	"github.com/spf13/cobra"
)

var queryFlags struct {
	filter, selectList, expand, orderBy, groupBy string
	top, skip                                    uint64
	levels                                       int
	count                                        bool
}

var sqlCmd = &cobra.Command{
	Use:   "sql <model> [query-string]",
	Short: "Print the SQL a query would run, without a database",
	Example: `  yrestdata sql Order --as alexis --groups Users --select "id, customer/familyName as customer"
  yrestdata sql Order '$filter=orderStatus eq '\''New'\''&$expand=details'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := principalContext(cmd.Context())
		if err != nil {
			return err
		}
		dry := &dryRun{}
		dc, closeCache, err := openContext(ctx, dry)
		if err != nil {
			return err
		}
		defer closeCache()
		values, err := queryValues(args)
		if err != nil {
			return err
		}
		dm, err := dc.Model(args[0])
		if err != nil {
			return err
		}
		q, err := dm.FilterValues(ctx, values)
		if err != nil {
			return err
		}
		if _, err := dm.GetList(ctx, q, queryFlags.count); err != nil {
			return err
		}
		for _, s := range dry.statements {
			fmt.Println(s.sql + ";")
			if len(s.args) > 0 {
				fmt.Printf("-- args: %v\n", s.args)
			}
		}
		return nil
	},
}

var queryCmd = &cobra.Command{
	Use:   "query <model> [query-string]",
	Short: "Run a query against PostgreSQL and print JSON",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, err := principalContext(cmd.Context())
		if err != nil {
			return err
		}
		pg, err := db.OpenPostgres(ctx, cfg.PostgresDSN, registry)
		if err != nil {
			return err
		}
		defer pg.Close()
		dc, closeCache, err := openContext(ctx, pg)
		if err != nil {
			return err
		}
		defer closeCache()
		values, err := queryValues(args)
		if err != nil {
			return err
		}
		dm, err := dc.Model(args[0])
		if err != nil {
			return err
		}
		q, err := dm.FilterValues(ctx, values)
		if err != nil {
			return err
		}
		list, err := dm.GetList(ctx, q, queryFlags.count)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	},
}

func init() {
	for _, c := range []*cobra.Command{sqlCmd, queryCmd} {
		f := c.Flags()
		f.StringVar(&queryFlags.filter, "filter", "", "$filter expression")
		f.StringVar(&queryFlags.selectList, "select", "", "$select list")
		f.StringVar(&queryFlags.expand, "expand", "", "$expand list")
		f.StringVar(&queryFlags.orderBy, "orderby", "", "$orderby list")
		f.StringVar(&queryFlags.groupBy, "groupby", "", "$groupby list")
		f.Uint64Var(&queryFlags.top, "top", 0, "$top")
		f.Uint64Var(&queryFlags.skip, "skip", 0, "$skip")
		f.IntVar(&queryFlags.levels, "levels", -1, "$levels")
		f.BoolVar(&queryFlags.count, "count", false, "count all matching rows")
	}
}

// queryValues: строка запроса из аргумента, флаги её дополняют.
func queryValues(args []string) (url.Values, error) {
	values := url.Values{}
	if len(args) > 1 {
		parsed, err := url.ParseQuery(args[1])
		if err != nil {
			return nil, fmt.Errorf("parse query string: %w", err)
		}
		values = parsed
	}
	set := func(key, v string) {
		if v != "" {
			values.Set(key, v)
		}
	}
	set("$filter", queryFlags.filter)
	set("$select", queryFlags.selectList)
	set("$expand", queryFlags.expand)
	set("$orderby", queryFlags.orderBy)
	set("$groupby", queryFlags.groupBy)
	if queryFlags.top > 0 {
		values.Set("$top", strconv.FormatUint(queryFlags.top, 10))
	}
	if queryFlags.skip > 0 {
		values.Set("$skip", strconv.FormatUint(queryFlags.skip, 10))
	}
	if queryFlags.levels >= 0 {
		values.Set("$levels", strconv.Itoa(queryFlags.levels))
	}
	if values.Get("$count") == "true" {
		queryFlags.count = true
	}
	return values, nil
}

type statement struct {
	sql  string
	args []any
}

// dryRun записывает запросы вместо выполнения; строк не возвращает.
type dryRun struct {
	mu         sync.Mutex
	statements []statement
}

func (d *dryRun) Execute(_ context.Context, q squirrel.Sqlizer) ([]map[string]any, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	if sql, err = squirrel.Dollar.ReplacePlaceholders(sql); err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.statements = append(d.statements, statement{sql: sql, args: args})
	d.mu.Unlock()
	return nil, nil
}

func (d *dryRun) ExecuteInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (d *dryRun) Migrate(_ context.Context, _ *model.ModelDefinition) error { return nil }
