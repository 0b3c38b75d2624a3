package filter

import (
	"strings"
	"unicode"

	"YrestData/internal/dataerr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokDateTime
	tokGuid
	tokLParen
	tokRParen
	tokComma
	tokMinus
)

type token struct {
	kind tokenKind
	text string
	pos  int
}

func (t token) is(word string) bool {
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

// lex разбивает выражение на токены. Идентификаторы включают "/", так что путь
// атрибута "customer/user" остаётся одним токеном.
func lex(src string) ([]token, error) {
	var out []token
	rs := []rune(src)
	i := 0
	for i < len(rs) {
		c := rs[i]
		switch {
		case unicode.IsSpace(c):
			i++
		case c == '(':
			out = append(out, token{tokLParen, "(", i})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")", i})
			i++
		case c == ',':
			out = append(out, token{tokComma, ",", i})
			i++
		case c == '-':
			out = append(out, token{tokMinus, "-", i})
			i++
		case c == '\'':
			s, next, err := lexString(src, rs, i)
			if err != nil {
				return nil, err
			}
			out = append(out, token{tokString, s, i})
			i = next
		case unicode.IsDigit(c):
			start := i
			for i < len(rs) && (unicode.IsDigit(rs[i]) || rs[i] == '.' || rs[i] == 'e' || rs[i] == 'E') {
				i++
			}
			out = append(out, token{tokNumber, string(rs[start:i]), start})
		case isIdentStart(c):
			start := i
			for i < len(rs) && isIdentPart(rs, i) {
				i++
			}
			word := string(rs[start:i])
			// datetime'...' / guid'...'
			if i < len(rs) && rs[i] == '\'' {
				kind := tokEOF
				switch strings.ToLower(word) {
				case "datetime", "datetimeoffset", "date":
					kind = tokDateTime
				case "guid":
					kind = tokGuid
				}
				if kind != tokEOF {
					s, next, err := lexString(src, rs, i)
					if err != nil {
						return nil, err
					}
					out = append(out, token{kind, s, start})
					i = next
					continue
				}
			}
			out = append(out, token{tokIdent, word, start})
		default:
			return nil, dataerr.InvalidExpression(src, i, "unexpected character %q", c)
		}
	}
	out = append(out, token{tokEOF, "", len(rs)})
	return out, nil
}

func lexString(src string, rs []rune, i int) (string, int, error) {
	var b strings.Builder
	start := i
	i++
	for i < len(rs) {
		if rs[i] == '\'' {
			if i+1 < len(rs) && rs[i+1] == '\'' {
				b.WriteRune('\'')
				i += 2
				continue
			}
			return b.String(), i + 1, nil
		}
		b.WriteRune(rs[i])
		i++
	}
	return "", 0, dataerr.InvalidExpression(src, start, "unterminated string literal")
}

func isIdentStart(c rune) bool {
	return unicode.IsLetter(c) || c == '_' || c == '$'
}

func isIdentPart(rs []rune, i int) bool {
	c := rs[i]
	if unicode.IsLetter(c) || unicode.IsDigit(c) || c == '_' || c == '$' {
		return true
	}
	// разделитель пути допустим только перед следующим сегментом
	if (c == '/' || c == '.') && i+1 < len(rs) && isIdentStart(rs[i+1]) {
		return true
	}
	return false
}
