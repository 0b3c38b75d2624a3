package model

import (
	"fmt"
	"strings"

	"github.com/Masterminds/squirrel"
	"github.com/lib/pq"
)

const RootAlias = "main"

// JoinSpec — один JOIN плана разрешения путей.
type JoinSpec struct {
	Path      string // путь связи от корня, например "customer/user"
	FromModel string
	ToModel   string
	Table     string
	Alias     string
	On        string
	JoinType  string // "LEFT JOIN", "INNER JOIN"
	Distinct  bool   // связь размножает строки корня
	// Restriction дописывается к ON (фильтр привилегий присоединённой модели).
	Restriction squirrel.Sqlizer
}

// Clause renders "<type> table AS alias ON ..." with the restriction arguments.
func (j *JoinSpec) Clause() (string, []any, error) {
	on := j.On
	var args []any
	if j.Restriction != nil {
		sql, rargs, err := j.Restriction.ToSql()
		if err != nil {
			return "", nil, err
		}
		on = fmt.Sprintf("(%s) AND (%s)", j.On, sql)
		args = rargs
	}
	return fmt.Sprintf("%s %s AS %s ON %s", j.JoinType, Quote(j.Table), j.Alias, on), args, nil
}

// JoinPlan накапливает JOIN-ы для одного запроса. Один и тот же путь всегда
// получает один и тот же алиас; алиасы выдаются в порядке обнаружения.
type JoinPlan struct {
	Root      *ModelDefinition
	RootAlias string
	Prefix    string
	joins     []*JoinSpec
	byPath    map[string]*JoinSpec
	next      int
	semis     int
}

func NewJoinPlan(root *ModelDefinition) *JoinPlan {
	return NewPrefixedJoinPlan(root, RootAlias, "")
}

// NewPrefixedJoinPlan creates a plan whose aliases cannot collide with an enclosing query.
func NewPrefixedJoinPlan(root *ModelDefinition, rootAlias, prefix string) *JoinPlan {
	return &JoinPlan{
		Root:      root,
		RootAlias: rootAlias,
		Prefix:    prefix,
		byPath:    map[string]*JoinSpec{},
	}
}

func (p *JoinPlan) Joins() []*JoinSpec {
	return append([]*JoinSpec(nil), p.joins...)
}

// HasFanOut — хотя бы один JOIN размножает строки.
func (p *JoinPlan) HasFanOut() bool {
	for _, j := range p.joins {
		if j.Distinct {
			return true
		}
	}
	return false
}

// Lookup returns the join registered for path.
func (p *JoinPlan) Lookup(path string) (*JoinSpec, bool) {
	j, ok := p.byPath[strings.ToLower(path)]
	return j, ok
}

// Clone copies the plan; joins are shared by pointer but the list and index are not.
func (p *JoinPlan) Clone() *JoinPlan {
	out := &JoinPlan{
		Root:      p.Root,
		RootAlias: p.RootAlias,
		Prefix:    p.Prefix,
		joins:     append([]*JoinSpec(nil), p.joins...),
		byPath:    make(map[string]*JoinSpec, len(p.byPath)),
		next:      p.next,
		semis:     p.semis,
	}
	for k, v := range p.byPath {
		out.byPath[k] = v
	}
	return out
}

// Merge adds joins resolved elsewhere for the same root, skipping known paths.
func (p *JoinPlan) Merge(joins []*JoinSpec) {
	for _, j := range joins {
		key := strings.ToLower(j.Path)
		if _, ok := p.byPath[key]; ok {
			continue
		}
		p.byPath[key] = j
		p.joins = append(p.joins, j)
	}
}

func (p *JoinPlan) ensure(path string, build func(alias string) *JoinSpec) *JoinSpec {
	key := strings.ToLower(path)
	if j, ok := p.byPath[key]; ok {
		return j
	}
	alias := fmt.Sprintf("%st%d", p.Prefix, p.next)
	p.next++
	j := build(alias)
	j.Path = path
	p.byPath[key] = j
	p.joins = append(p.joins, j)
	return j
}

func (p *JoinPlan) nextSemiPrefix() string {
	prefix := fmt.Sprintf("%ss%d_", p.Prefix, p.semis)
	p.semis++
	return prefix
}

// Quote экранирует идентификатор PostgreSQL.
func Quote(ident string) string {
	return pq.QuoteIdentifier(ident)
}

// Column renders alias."column".
func Column(alias, column string) string {
	return alias + "." + Quote(column)
}

// JSONExtract renders col->'a'->>'b'.
func JSONExtract(column string, keys []string) string {
	if len(keys) == 0 {
		return column
	}
	var b strings.Builder
	b.WriteString(column)
	for i, k := range keys {
		if i == len(keys)-1 {
			b.WriteString("->>")
		} else {
			b.WriteString("->")
		}
		b.WriteString(pq.QuoteLiteral(k))
	}
	return b.String()
}
