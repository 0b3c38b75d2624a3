package orm

import (
	"context"
	"fmt"
	"net/url"

	"YrestData/internal/jsonattr"
	"YrestData/internal/logger"
	"YrestData/internal/model"
	"YrestData/internal/privilege"
	"YrestData/internal/queryable"

	"github.com/Masterminds/squirrel"
)

// DataModel — операции чтения и записи одной модели в рамках DataContext.
type DataModel struct {
	dc     *DataContext
	Model  *model.ModelDefinition
	silent bool
}

// Silent returns a copy of the model that skips privilege checks; the engine
// uses it for its own lookups.
func (dm *DataModel) Silent() *DataModel {
	out := *dm
	out.silent = true
	return &out
}

func (dm *DataModel) IsSilent() bool { return dm.silent }

// AsQueryable starts a query on the model.
func (dm *DataModel) AsQueryable() *queryable.Queryable {
	q := queryable.New(dm.Model)
	if dm.silent {
		q.Silent()
	}
	return q
}

// Filter builds a query from $filter/$select/$expand/... options.
func (dm *DataModel) Filter(_ context.Context, opts queryable.Options) (*queryable.Queryable, error) {
	q := opts.Apply(dm.AsQueryable())
	if err := q.Err(); err != nil {
		return nil, err
	}
	return q, nil
}

// FilterValues parses URL query parameters and builds a query from them.
func (dm *DataModel) FilterValues(ctx context.Context, values url.Values) (*queryable.Queryable, error) {
	opts, err := queryable.ParseOptions(values)
	if err != nil {
		return nil, err
	}
	return dm.Filter(ctx, opts)
}

// levels: $levels запроса, иначе EXPAND_LEVELS, не больше MAX_EXPAND_LEVELS.
func (dm *DataModel) levels(q *queryable.Queryable) int {
	cfg := dm.dc.Config.Query
	n := q.Levels
	if n < 0 {
		n = cfg.ExpandLevels
	}
	if cfg.MaxLevels > 0 && n > cfg.MaxLevels {
		n = cfg.MaxLevels
	}
	return n
}

// prepare применяет ограничение чтения и переписывает запрос в SQL-план.
func (dm *DataModel) prepare(ctx context.Context, q *queryable.Queryable) (squirrel.Sqlizer, error) {
	if err := q.Err(); err != nil {
		return nil, err
	}
	var restriction squirrel.Sqlizer
	if !q.IsSilent() {
		r, err := dm.dc.Privileges.Restriction(ctx, q.Model, privilege.FromContext(ctx), model.RootAlias)
		if err != nil {
			return nil, err
		}
		restriction = r
	}
	if err := dm.dc.listener(q.IsSilent()).BeforeExecute(ctx, q); err != nil {
		return nil, err
	}
	return restriction, nil
}

// GetItems executes q and returns its rows with expansions attached. Rows the
// principal may not read are left out; reads never fail with AccessDenied.
func (dm *DataModel) GetItems(ctx context.Context, q *queryable.Queryable) ([]map[string]any, error) {
	rows, err := dm.rows(ctx, q, dm.levels(q))
	if err != nil {
		return nil, err
	}
	q.StripHidden(rows)
	return rows, nil
}

// GetItem returns the first row of q or nil.
func (dm *DataModel) GetItem(ctx context.Context, q *queryable.Queryable) (map[string]any, error) {
	rows, err := dm.GetItems(ctx, q.Take(1))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// Count returns the number of rows q matches, ignoring $top and $skip.
func (dm *DataModel) Count(ctx context.Context, q *queryable.Queryable) (int64, error) {
	restriction, err := dm.prepare(ctx, q)
	if err != nil {
		return 0, err
	}
	sb, err := q.ToCount(restriction, dm.dc.Registry.PrimaryKey(q.Model))
	if err != nil {
		return 0, err
	}
	rows, err := dm.dc.Adapter.Execute(ctx, sb)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch v := rows[0]["count"].(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("count of %s: unexpected %T", q.Model.Name, v)
	}
}

// List — страница строк с общим количеством ($count=true).
type List struct {
	Total int64            `json:"total"`
	Value []map[string]any `json:"value"`
}

// GetList executes q and, when count is set, counts all matching rows.
func (dm *DataModel) GetList(ctx context.Context, q *queryable.Queryable, count bool) (*List, error) {
	var counter *queryable.Queryable
	if count {
		counter = q.Clone()
	}
	rows, err := dm.GetItems(ctx, q)
	if err != nil {
		return nil, err
	}
	out := &List{Value: rows, Total: int64(len(rows))}
	if counter != nil {
		if out.Total, err = dm.Count(ctx, counter); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// rows выполняет запрос; скрытые колонки остаются, они нужны раскрытиям.
func (dm *DataModel) rows(ctx context.Context, q *queryable.Queryable, levels int) ([]map[string]any, error) {
	plan, err := dm.plan(q, levels)
	if err != nil {
		return nil, err
	}
	restriction, err := dm.prepare(ctx, q)
	if err != nil {
		return nil, err
	}
	sb, err := q.ToSelect(restriction)
	if err != nil {
		return nil, err
	}
	rows, err := dm.dc.Adapter.Execute(ctx, sb)
	if err != nil {
		return nil, err
	}
	dm.dc.projector.AfterSelect(rows, selections(q))
	if len(rows) == 0 || len(plan) == 0 {
		return rows, nil
	}
	if err := dm.expand(ctx, q, rows, plan, levels); err != nil {
		logger.Error("expand_error", map[string]any{
			"model": q.Model.Name,
			"error": err.Error(),
		})
		return nil, err
	}
	return rows, nil
}

func selections(q *queryable.Queryable) []jsonattr.Selection {
	out := make([]jsonattr.Selection, 0, len(q.Select))
	for _, c := range q.Select {
		if f := c.Field(); f != nil && f.IsJSON() {
			out = append(out, jsonattr.Selection{Key: c.Alias, Field: f, JSONPath: c.JSONPath()})
		}
	}
	return out
}

// Migrate creates or extends the tables of the model (base models first),
// once per process per model.
func (dm *DataModel) Migrate(ctx context.Context) error {
	if base := dm.dc.Registry.Base(dm.Model); base != nil {
		if err := (&DataModel{dc: dm.dc, Model: base}).Migrate(ctx); err != nil {
			return err
		}
	}
	return dm.dc.Metadata.Once(ctx, dm.Model.Name, "migrate", func(ctx context.Context) error {
		return dm.dc.Adapter.Migrate(ctx, dm.Model)
	})
}
