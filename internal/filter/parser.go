package filter

import (
	"strconv"
	"strings"
	"time"

	"YrestData/internal/dataerr"

	"github.com/google/uuid"
)

// Приоритеты операторов: or < and < not < сравнение < сложение < умножение.
const (
	precLowest = iota
	precOr
	precAnd
	precNot
	precCompare
	precAdd
	precMul
	precUnary
)

func infixPrec(t token) (string, int) {
	if t.kind != tokIdent {
		return "", precLowest
	}
	op := strings.ToLower(t.text)
	switch {
	case op == "or":
		return op, precOr
	case op == "and":
		return op, precAnd
	case isComparison(op), op == "in":
		return op, precCompare
	case op == "add", op == "sub":
		return op, precAdd
	case op == "mul", op == "div", op == "mod":
		return op, precMul
	}
	return "", precLowest
}

type parser struct {
	src    string
	tokens []token
	pos    int
}

// ParseExpr parses an OData-like filter expression into a syntax tree.
// An empty (or blank) expression yields a nil node.
func ParseExpr(src string) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, nil
	}
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{src: src, tokens: tokens}
	n, err := p.expr(precLowest)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, p.errorf(t, "unexpected %q", t.text)
	}
	return n, nil
}

func (p *parser) peek() token { return p.tokens[p.pos] }

func (p *parser) next() token {
	t := p.tokens[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return dataerr.InvalidExpression(p.src, t.pos, format, args...)
}

func (p *parser) expect(kind tokenKind, what string) (token, error) {
	t := p.next()
	if t.kind != kind {
		if t.kind == tokEOF {
			return t, p.errorf(t, "expected %s, got end of expression", what)
		}
		return t, p.errorf(t, "expected %s, got %q", what, t.text)
	}
	return t, nil
}

func (p *parser) expr(min int) (Node, error) {
	left, err := p.prefix()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		op, prec := infixPrec(t)
		if prec == precLowest || prec <= min {
			return left, nil
		}
		p.next()
		if op == "in" {
			list, err := p.list()
			if err != nil {
				return nil, err
			}
			left = &Binary{Op: op, Left: left, Right: list}
			continue
		}
		right, err := p.expr(prec)
		if err != nil {
			return nil, err
		}
		if prec == precCompare {
			// сравнения не ассоциативны: a eq b eq c даёт ошибку
			if _, next := infixPrec(p.peek()); next == precCompare {
				return nil, p.errorf(p.peek(), "comparison operators cannot be chained")
			}
		}
		left = &Binary{Op: op, Left: left, Right: right}
	}
}

func (p *parser) list() (*List, error) {
	if _, err := p.expect(tokLParen, "'('"); err != nil {
		return nil, err
	}
	out := &List{}
	for {
		item, err := p.expr(precCompare)
		if err != nil {
			return nil, err
		}
		out.Items = append(out.Items, item)
		t := p.next()
		if t.kind == tokRParen {
			return out, nil
		}
		if t.kind != tokComma {
			return nil, p.errorf(t, "expected ',' or ')' in list")
		}
	}
}

func (p *parser) prefix() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokEOF:
		return nil, p.errorf(t, "unexpected end of expression")
	case tokLParen:
		n, err := p.expr(precLowest)
		if err != nil {
			return nil, err
		}
		if _, err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokMinus:
		operand, err := p.expr(precUnary)
		if err != nil {
			return nil, err
		}
		if lit, ok := operand.(*Literal); ok {
			switch v := lit.Value.(type) {
			case int64:
				return &Literal{Value: -v}, nil
			case float64:
				return &Literal{Value: -v}, nil
			}
		}
		return &Unary{Op: "-", Operand: operand}, nil
	case tokString:
		return &Literal{Value: t.text}, nil
	case tokNumber:
		return p.number(t)
	case tokDateTime:
		v, err := parseDateTime(t.text)
		if err != nil {
			return nil, p.errorf(t, "invalid datetime %q", t.text)
		}
		return &Literal{Value: v}, nil
	case tokGuid:
		u, err := uuid.Parse(t.text)
		if err != nil {
			return nil, p.errorf(t, "invalid guid %q", t.text)
		}
		return &Literal{Value: Guid(u.String())}, nil
	case tokIdent:
		return p.ident(t)
	}
	return nil, p.errorf(t, "unexpected %q", t.text)
}

func (p *parser) ident(t token) (Node, error) {
	switch strings.ToLower(t.text) {
	case "true":
		return &Literal{Value: true}, nil
	case "false":
		return &Literal{Value: false}, nil
	case "null":
		return &Literal{Value: nil}, nil
	case "not":
		operand, err := p.expr(precNot)
		if err != nil {
			return nil, err
		}
		return &Unary{Op: "not", Operand: operand}, nil
	}
	if p.peek().kind != tokLParen {
		if op, prec := infixPrec(t); prec != precLowest {
			return nil, p.errorf(t, "unexpected operator %q", op)
		}
		return &Member{Path: t.text, Pos: t.pos}, nil
	}
	p.next()
	m := &Method{Name: t.text, Pos: t.pos}
	if p.peek().kind == tokRParen {
		p.next()
		return m, nil
	}
	for {
		arg, err := p.expr(precLowest)
		if err != nil {
			return nil, err
		}
		m.Args = append(m.Args, arg)
		nt := p.next()
		if nt.kind == tokRParen {
			return m, nil
		}
		if nt.kind != tokComma {
			return nil, p.errorf(nt, "expected ',' or ')' after argument of %s", t.text)
		}
	}
}

func (p *parser) number(t token) (Node, error) {
	if !strings.ContainsAny(t.text, ".eE") {
		if v, err := strconv.ParseInt(t.text, 10, 64); err == nil {
			return &Literal{Value: v}, nil
		}
	}
	v, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, p.errorf(t, "invalid number %q", t.text)
	}
	return &Literal{Value: v}, nil
}

var dateTimeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseDateTime(s string) (time.Time, error) {
	var err error
	for _, layout := range dateTimeLayouts {
		var t time.Time
		if t, err = time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, err
}
