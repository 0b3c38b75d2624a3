package privilege

import (
	"context"
	"strings"
)

// Principal — действующий пользователь: имя, группы и scope аутентификации.
type Principal struct {
	ID                  any      `json:"id,omitempty"`
	Name                string   `json:"name"`
	Groups              []string `json:"groups,omitempty"`
	AuthenticationScope string   `json:"authenticationScope,omitempty"`
	AuthenticationType  string   `json:"authenticationType,omitempty"`
}

const anonymousName = "anonymous"

func Anonymous() *Principal {
	return &Principal{Name: anonymousName, Groups: []string{"Guests"}}
}

func (p *Principal) IsAnonymous() bool {
	return p == nil || p.Name == "" || strings.EqualFold(p.Name, anonymousName)
}

// InGroup: "*" — любой принципал, иначе имя группы без учёта регистра.
func (p *Principal) InGroup(account string) bool {
	if account == "" || account == "*" {
		return true
	}
	if p == nil {
		return false
	}
	for _, g := range p.Groups {
		if strings.EqualFold(g, account) {
			return true
		}
	}
	return false
}

// ScopeTokens splits the authentication scope claim on commas and spaces.
func (p *Principal) ScopeTokens() []string {
	if p == nil {
		return nil
	}
	return strings.FieldsFunc(p.AuthenticationScope, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// HasScope reports whether every required token is present in the scope claim.
func (p *Principal) HasScope(required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]struct{})
	for _, t := range p.ScopeTokens() {
		have[t] = struct{}{}
	}
	for _, t := range required {
		if _, ok := have[strings.TrimSpace(t)]; !ok {
			return false
		}
	}
	return true
}

// Accounts returns the names a permission record may be granted to.
func (p *Principal) Accounts() []string {
	if p == nil {
		return []string{"*"}
	}
	out := []string{"*"}
	if p.Name != "" {
		out = append(out, p.Name)
	}
	return append(out, p.Groups...)
}

// Values — значения для членов выражений вида context/user/...
func (p *Principal) Values() map[string]any {
	if p == nil {
		p = Anonymous()
	}
	groups := make([]any, len(p.Groups))
	for i, g := range p.Groups {
		groups[i] = g
	}
	return map[string]any{
		"user": map[string]any{
			"id":                  p.ID,
			"name":                p.Name,
			"groups":              groups,
			"authenticationScope": p.AuthenticationScope,
			"authenticationType":  p.AuthenticationType,
		},
	}
}

type principalKey struct{}

func NewContext(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored in ctx or an anonymous one.
func FromContext(ctx context.Context) *Principal {
	if p, ok := ctx.Value(principalKey{}).(*Principal); ok && p != nil {
		return p
	}
	return Anonymous()
}
