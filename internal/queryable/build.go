package queryable

import (
	"fmt"

	"YrestData/internal/dataerr"
	"YrestData/internal/model"

	"github.com/Masterminds/squirrel"
)

func (q *Queryable) ready() error {
	if q.state != Done || q.plan == nil {
		return fmt.Errorf("query on %s is not rewritten (state %s)", q.Model.Name, q.state)
	}
	return nil
}

func (q *Queryable) from() squirrel.SelectBuilder {
	return squirrel.Select().From(fmt.Sprintf("%s AS %s", model.Quote(q.Model.ReadTable()), model.RootAlias))
}

func (q *Queryable) joins(sb squirrel.SelectBuilder) (squirrel.SelectBuilder, error) {
	for _, j := range q.plan.Joins() {
		sql, args, err := j.Clause()
		if err != nil {
			return sb, err
		}
		sb = sb.JoinClause(sql, args...)
	}
	return sb, nil
}

func (q *Queryable) condition(extra squirrel.Sqlizer) squirrel.Sqlizer {
	switch {
	case q.where == nil:
		return extra
	case extra == nil:
		return q.where
	}
	return squirrel.And{q.where, extra}
}

// ToSelect builds the SELECT of a rewritten query; extra (the read restriction)
// is AND-ed to the filter. Fan-out joins make the select DISTINCT.
func (q *Queryable) ToSelect(extra squirrel.Sqlizer) (squirrel.SelectBuilder, error) {
	if err := q.ready(); err != nil {
		return squirrel.SelectBuilder{}, err
	}
	sb := q.from()
	if q.plan.HasFanOut() && len(q.Group) == 0 {
		sb = sb.Distinct()
	}
	for _, c := range q.Select {
		f := c.SQL()
		sb = sb.Column(squirrel.Expr(f.SQL+" AS "+model.Quote(c.Alias), f.Args...))
	}
	sb, err := q.joins(sb)
	if err != nil {
		return sb, err
	}
	if where := q.condition(extra); where != nil {
		sb = sb.Where(where)
	}
	sb, err = q.groupBy(sb)
	if err != nil {
		return sb, err
	}
	for _, o := range q.Order {
		f := o.SQL()
		dir := " ASC"
		if o.Desc {
			dir = " DESC"
		}
		sb = sb.OrderByClause(f.SQL+dir, f.Args...)
	}
	if q.Limit > 0 {
		sb = sb.Limit(q.Limit)
	}
	if q.Offset > 0 {
		sb = sb.Offset(q.Offset)
	}
	return sb, nil
}

func (q *Queryable) groupBy(sb squirrel.SelectBuilder) (squirrel.SelectBuilder, error) {
	for _, g := range q.Group {
		f := g.SQL()
		if len(f.Args) > 0 {
			return sb, dataerr.InvalidExpression(g.Source, 0, "literals are not supported in $groupby")
		}
		sb = sb.GroupBy(f.SQL)
	}
	return sb, nil
}

// ToCount builds SELECT COUNT for the rows ToSelect would return without paging.
func (q *Queryable) ToCount(extra squirrel.Sqlizer, pk *model.FieldDefinition) (squirrel.SelectBuilder, error) {
	if err := q.ready(); err != nil {
		return squirrel.SelectBuilder{}, err
	}
	if len(q.Group) > 0 {
		inner := q.Clone()
		inner.Order, inner.Limit, inner.Offset = nil, 0, 0
		sub, err := inner.ToSelect(extra)
		if err != nil {
			return sub, err
		}
		return squirrel.Select("COUNT(*) AS count").FromSelect(sub, "g"), nil
	}
	col := "COUNT(*) AS count"
	if q.plan.HasFanOut() {
		if pk == nil {
			return squirrel.SelectBuilder{}, dataerr.InvalidModel(q.Model.Name, "model has no primary key")
		}
		col = fmt.Sprintf("COUNT(DISTINCT %s) AS count", model.Column(model.RootAlias, pk.Name))
	}
	sb := q.from().Column(col)
	sb, err := q.joins(sb)
	if err != nil {
		return sb, err
	}
	if where := q.condition(extra); where != nil {
		sb = sb.Where(where)
	}
	return sb, nil
}
