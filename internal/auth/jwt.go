// Package auth проверяет JWT и превращает его claims в принципала движка.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"YrestData/internal/config"
	"YrestData/internal/logger"
	"YrestData/internal/privilege"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const claimsContextKey contextKey = "jwt_claims"

type JWTValidator struct {
	cfg       config.JWTConfig
	key       any
	expected  string
	clockFunc func() time.Time
}

func NewJWTValidator(cfg config.JWTConfig) (*JWTValidator, error) {
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, errors.New("jwt issuer is required")
	}
	if strings.TrimSpace(cfg.Audience) == "" {
		return nil, errors.New("jwt audience is required")
	}
	alg := strings.ToUpper(strings.TrimSpace(cfg.ValidationType))
	if alg == "" {
		return nil, errors.New("jwt validation type is required")
	}

	v := &JWTValidator{
		cfg:       cfg,
		expected:  alg,
		clockFunc: time.Now,
	}

	switch alg {
	case "HS256":
		if cfg.HMACSecret == "" {
			return nil, errors.New("jwt hmac secret is required for HS256")
		}
		v.key = []byte(cfg.HMACSecret)
	case "RS256":
		pem, err := loadPublicKey(cfg)
		if err != nil {
			return nil, err
		}
		if v.key, err = jwt.ParseRSAPublicKeyFromPEM(pem); err != nil {
			return nil, fmt.Errorf("jwt public key is not RSA: %w", err)
		}
	case "ES256":
		pem, err := loadPublicKey(cfg)
		if err != nil {
			return nil, err
		}
		if v.key, err = jwt.ParseECPublicKeyFromPEM(pem); err != nil {
			return nil, fmt.Errorf("jwt public key is not ECDSA: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported jwt validation type: %s", cfg.ValidationType)
	}

	return v, nil
}

// ValidateToken checks signature, issuer, audience and time claims (exp, nbf,
// iat are all required) and returns the claims.
func (v *JWTValidator) ValidateToken(token string) (map[string]any, error) {
	skew := v.cfg.ClockSkewSec
	if skew < 0 {
		skew = 0
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{v.expected}),
		jwt.WithIssuer(v.cfg.Issuer),
		jwt.WithAudience(v.cfg.Audience),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(time.Duration(skew)*time.Second),
		jwt.WithTimeFunc(v.clockFunc),
	)
	claims := jwt.MapClaims{}
	if _, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.key, nil
	}); err != nil {
		return nil, fmt.Errorf("invalid jwt: %w", err)
	}
	for _, key := range []string{"nbf", "iat"} {
		if _, ok := claims[key]; !ok {
			return nil, fmt.Errorf("jwt claim %s is required", key)
		}
	}
	return claims, nil
}

// Authenticate validates token and returns ctx carrying its claims and the
// principal built from them.
func (v *JWTValidator) Authenticate(ctx context.Context, token string) (context.Context, *privilege.Principal, error) {
	claims, err := v.ValidateToken(strings.TrimPrefix(strings.TrimSpace(token), "Bearer "))
	if err != nil {
		logger.Warn("jwt_rejected", map[string]any{"error": err.Error()})
		return ctx, nil, err
	}
	p := PrincipalFromClaims(claims)
	ctx = WithClaims(ctx, claims)
	return privilege.NewContext(ctx, p), p, nil
}

// PrincipalFromClaims maps token claims to a principal:
// preferred_username, name or sub give the name; uid or user_id the user id;
// groups or roles the groups; scope or scp the authentication scope.
func PrincipalFromClaims(claims map[string]any) *privilege.Principal {
	p := &privilege.Principal{AuthenticationType: "jwt"}
	for _, key := range []string{"preferred_username", "name", "sub"} {
		if s, ok := claims[key].(string); ok && s != "" {
			p.Name = s
			break
		}
	}
	for _, key := range []string{"uid", "user_id"} {
		if id, ok := claims[key]; ok && id != nil {
			if f, isFloat := id.(float64); isFloat && f == float64(int64(f)) {
				id = int64(f)
			}
			p.ID = id
			break
		}
	}
	for _, key := range []string{"groups", "roles"} {
		if groups := stringList(claims[key]); len(groups) > 0 {
			p.Groups = groups
			break
		}
	}
	if s, ok := claims["scope"].(string); ok {
		p.AuthenticationScope = s
	} else if scp := stringList(claims["scp"]); len(scp) > 0 {
		p.AuthenticationScope = strings.Join(scp, " ")
	}
	return p
}

func stringList(raw any) []string {
	switch x := raw.(type) {
	case string:
		return strings.Fields(x)
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func WithClaims(ctx context.Context, claims map[string]any) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

func ClaimsFromContext(ctx context.Context) (map[string]any, bool) {
	claims, ok := ctx.Value(claimsContextKey).(map[string]any)
	return claims, ok
}

func loadPublicKey(cfg config.JWTConfig) ([]byte, error) {
	keyPEM := strings.TrimSpace(cfg.PublicKeyPEM)
	if keyPEM == "" && strings.TrimSpace(cfg.PublicKeyPath) != "" {
		data, err := os.ReadFile(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read jwt public key: %w", err)
		}
		keyPEM = string(data)
	}
	if keyPEM == "" {
		return nil, errors.New("jwt public key is required")
	}
	return []byte(keyPEM), nil
}
