package queryable

import (
	"net/url"
	"strconv"
	"strings"

	"YrestData/internal/dataerr"
	"YrestData/internal/filter"
	"YrestData/internal/model"
)

// Options — параметры запроса в стиле OData.
type Options struct {
	Filter  string
	Select  string
	Expand  string
	OrderBy string
	GroupBy string
	Top     uint64
	Skip    uint64
	Levels  int // -1: не задано
	Count   bool
}

// ParseOptions reads $filter, $select, $expand, $orderby, $groupby, $top, $skip,
// $levels and $count; the "$" prefix is optional.
func ParseOptions(values url.Values) (Options, error) {
	o := Options{Levels: -1}
	for key, vals := range values {
		if len(vals) == 0 {
			continue
		}
		if err := o.set(key, vals[len(vals)-1]); err != nil {
			return Options{}, err
		}
	}
	return o, nil
}

func (o *Options) set(key, value string) error {
	value = strings.TrimSpace(value)
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(key), "$")) {
	case "filter":
		o.Filter = value
	case "select":
		o.Select = value
	case "expand":
		o.Expand = value
	case "orderby":
		o.OrderBy = value
	case "groupby":
		o.GroupBy = value
	case "top":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return dataerr.InvalidExpression(value, 0, "$top expects a non-negative integer")
		}
		o.Top = n
	case "skip":
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return dataerr.InvalidExpression(value, 0, "$skip expects a non-negative integer")
		}
		o.Skip = n
	case "levels":
		n, err := strconv.Atoi(value)
		if err != nil || n < 0 {
			return dataerr.InvalidExpression(value, 0, "$levels expects a non-negative integer")
		}
		o.Levels = n
	case "count", "inlinecount":
		o.Count = strings.EqualFold(value, "true") || strings.EqualFold(value, "allpages")
	default:
		// чужие параметры (например токен) не наша забота
	}
	return nil
}

// Apply copies the options into q.
func (o Options) Apply(q *Queryable) *Queryable {
	if o.Filter != "" {
		q.Filter(o.Filter)
	}
	if o.Select != "" {
		q.SelectFields(o.Select)
	}
	if o.Expand != "" {
		q.ExpandFields(o.Expand)
	}
	if o.OrderBy != "" {
		q.OrderBy(o.OrderBy)
	}
	if o.GroupBy != "" {
		q.GroupBy(o.GroupBy)
	}
	if o.Top > 0 {
		q.Take(o.Top)
	}
	if o.Skip > 0 {
		q.Skip(o.Skip)
	}
	if o.Levels >= 0 {
		q.WithLevels(o.Levels)
	}
	return q
}

// Build creates a query for m from the options.
func (o Options) Build(m *model.ModelDefinition) *Queryable {
	return o.Apply(New(m))
}

// ParseSelect parses "a, customer/name as customerName, year(orderDate) as year".
func ParseSelect(s string) ([]*Column, error) {
	var out []*Column
	for _, part := range splitTop(s, ',') {
		if part == "" {
			continue
		}
		source, alias := splitAlias(part)
		tree, err := filter.ParseExpr(source)
		if err != nil {
			return nil, err
		}
		if alias == "" {
			alias = defaultAlias(tree)
		}
		if alias == "" {
			return nil, dataerr.InvalidExpression(part, 0, "expression requires an alias")
		}
		out = append(out, &Column{Source: source, Alias: alias, Expr: tree})
	}
	return out, nil
}

// ParseOrderBy parses "orderDate desc, customer/familyName".
func ParseOrderBy(s string) ([]*Column, error) {
	var out []*Column
	for _, part := range splitTop(s, ',') {
		if part == "" {
			continue
		}
		source, desc := part, false
		if i := strings.LastIndexByte(part, ' '); i > 0 {
			switch strings.ToLower(part[i+1:]) {
			case "desc":
				source, desc = strings.TrimSpace(part[:i]), true
			case "asc":
				source = strings.TrimSpace(part[:i])
			}
		}
		tree, err := filter.ParseExpr(source)
		if err != nil {
			return nil, err
		}
		out = append(out, &Column{Source: source, Alias: defaultAlias(tree), Expr: tree, Desc: desc})
	}
	return out, nil
}

// ParseExpand parses "customer($select=id,familyName;$expand=user),orderedItem".
func ParseExpand(s string) ([]*Expand, error) {
	var out []*Expand
	for _, part := range splitTop(s, ',') {
		if part == "" {
			continue
		}
		open := strings.IndexByte(part, '(')
		if open < 0 {
			out = append(out, &Expand{Name: part})
			continue
		}
		if !strings.HasSuffix(part, ")") {
			return nil, dataerr.InvalidExpression(part, len(part), "unterminated expand options")
		}
		opts := &Options{Levels: -1}
		for _, kv := range splitTop(part[open+1:len(part)-1], ';') {
			if kv == "" {
				continue
			}
			eq := strings.IndexByte(kv, '=')
			if eq < 0 {
				return nil, dataerr.InvalidExpression(kv, 0, "expected $option=value")
			}
			if err := opts.set(kv[:eq], kv[eq+1:]); err != nil {
				return nil, err
			}
		}
		name := strings.TrimSpace(part[:open])
		if name == "" {
			return nil, dataerr.InvalidExpression(part, 0, "expand without an attribute name")
		}
		out = append(out, &Expand{Name: name, Options: opts})
	}
	return out, nil
}

func defaultAlias(n filter.Node) string {
	switch x := n.(type) {
	case *filter.Member:
		segs := model.SplitPath(x.Path)
		if len(segs) > 0 {
			return segs[len(segs)-1]
		}
	case *filter.Method:
		return x.Name
	}
	return ""
}

// splitTop режет s по sep вне скобок и строковых литералов.
func splitTop(s string, sep byte) []string {
	var (
		out   []string
		depth int
		quote bool
		start int
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\'':
			quote = !quote
		case quote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			out = append(out, strings.TrimSpace(s[start:i]))
			start = i + 1
		}
	}
	return append(out, strings.TrimSpace(s[start:]))
}

// splitAlias отделяет последний " as " верхнего уровня.
func splitAlias(part string) (string, string) {
	var (
		depth int
		quote bool
		at    = -1
	)
	lower := strings.ToLower(part)
	for i := 0; i < len(part); i++ {
		switch c := part[i]; {
		case c == '\'':
			quote = !quote
		case quote:
		case c == '(':
			depth++
		case c == ')':
			depth--
		case depth == 0 && strings.HasPrefix(lower[i:], " as "):
			at = i
		}
	}
	if at < 0 {
		return strings.TrimSpace(part), ""
	}
	return strings.TrimSpace(part[:at]), strings.TrimSpace(part[at+4:])
}

func invalidView(modelName, view string) error {
	return dataerr.InvalidAttribute(modelName, view, "unknown view")
}
