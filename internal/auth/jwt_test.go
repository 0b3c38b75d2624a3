package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"YrestData/internal/config"
	"YrestData/internal/privilege"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-cmp/cmp"
)

var now = time.Unix(1730000000, 0)

func hsConfig() config.JWTConfig {
	return config.JWTConfig{
		ValidationType: "HS256",
		Issuer:         "auth-service",
		Audience:       "yrest-data",
		HMACSecret:     "super-secret",
	}
}

func newValidator(t *testing.T, cfg config.JWTConfig) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(cfg)
	if err != nil {
		t.Fatalf("NewJWTValidator failed: %v", err)
	}
	v.clockFunc = func() time.Time { return now }
	return v
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	return token
}

func validClaims(cfg config.JWTConfig) jwt.MapClaims {
	return jwt.MapClaims{
		"iss": cfg.Issuer,
		"aud": cfg.Audience,
		"iat": now.Unix() - 10,
		"nbf": now.Unix() - 5,
		"exp": now.Unix() + 30,
		"sub": "user-1",
	}
}

func TestHS256ValidateToken(t *testing.T) {
	cfg := hsConfig()
	v := newValidator(t, cfg)

	claims, err := v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(cfg.HMACSecret), validClaims(cfg)))
	if err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	if claims["sub"] != "user-1" {
		t.Fatalf("unexpected sub: %v", claims["sub"])
	}
}

func TestValidateTokenRejects(t *testing.T) {
	cfg := hsConfig()
	v := newValidator(t, cfg)
	tests := []struct {
		name   string
		mutate func(c jwt.MapClaims)
		secret string
	}{
		{"expired", func(c jwt.MapClaims) { c["exp"] = now.Unix() - 1 }, cfg.HMACSecret},
		{"not yet valid", func(c jwt.MapClaims) { c["nbf"] = now.Unix() + 60 }, cfg.HMACSecret},
		{"issued in the future", func(c jwt.MapClaims) { c["iat"] = now.Unix() + 60 }, cfg.HMACSecret},
		{"missing nbf", func(c jwt.MapClaims) { delete(c, "nbf") }, cfg.HMACSecret},
		{"missing exp", func(c jwt.MapClaims) { delete(c, "exp") }, cfg.HMACSecret},
		{"wrong issuer", func(c jwt.MapClaims) { c["iss"] = "someone" }, cfg.HMACSecret},
		{"wrong audience", func(c jwt.MapClaims) { c["aud"] = []string{"other"} }, cfg.HMACSecret},
		{"wrong secret", func(jwt.MapClaims) {}, "guessed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims := validClaims(cfg)
			tt.mutate(claims)
			if _, err := v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(tt.secret), claims)); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidateTokenClockSkew(t *testing.T) {
	cfg := hsConfig()
	cfg.ClockSkewSec = 30
	v := newValidator(t, cfg)
	claims := validClaims(cfg)
	claims["exp"] = now.Unix() - 10
	if _, err := v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(cfg.HMACSecret), claims)); err != nil {
		t.Fatalf("expired within skew must pass: %v", err)
	}
}

func TestRS256ValidateToken(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey failed: %v", err)
	}
	cfg := config.JWTConfig{
		ValidationType: "RS256",
		Issuer:         "auth-service",
		Audience:       "yrest-data",
		PublicKeyPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}
	v := newValidator(t, cfg)

	if _, err := v.ValidateToken(sign(t, jwt.SigningMethodRS256, priv, validClaims(cfg))); err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}
	// HS256 с публичным ключом как секретом не принимается
	if _, err := v.ValidateToken(sign(t, jwt.SigningMethodHS256, []byte(cfg.PublicKeyPEM), validClaims(cfg))); err == nil {
		t.Fatal("expected algorithm mismatch")
	}
}

func TestES256RequiresECKey(t *testing.T) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		t.Fatalf("MarshalPKIXPublicKey failed: %v", err)
	}
	cfg := config.JWTConfig{
		ValidationType: "ES256",
		Issuer:         "auth-service",
		Audience:       "yrest-data",
		PublicKeyPEM:   string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
	}
	v := newValidator(t, cfg)
	if _, err := v.ValidateToken(sign(t, jwt.SigningMethodES256, priv, validClaims(cfg))); err != nil {
		t.Fatalf("ValidateToken failed: %v", err)
	}

	cfg.PublicKeyPEM = "not a key"
	if _, err := NewJWTValidator(cfg); err == nil {
		t.Fatal("expected key parse error")
	}
}

func TestNewJWTValidatorConfigErrors(t *testing.T) {
	for _, cfg := range []config.JWTConfig{
		{ValidationType: "HS256", Audience: "a", HMACSecret: "s"},
		{ValidationType: "HS256", Issuer: "i", HMACSecret: "s"},
		{ValidationType: "HS256", Issuer: "i", Audience: "a"},
		{ValidationType: "RS256", Issuer: "i", Audience: "a"},
		{ValidationType: "none", Issuer: "i", Audience: "a"},
	} {
		if _, err := NewJWTValidator(cfg); err == nil {
			t.Errorf("expected error for %+v", cfg)
		}
	}
}

func TestAuthenticateBuildsPrincipal(t *testing.T) {
	cfg := hsConfig()
	v := newValidator(t, cfg)
	claims := validClaims(cfg)
	claims["preferred_username"] = "alexis"
	claims["uid"] = 7
	claims["groups"] = []string{"Users", "Sales"}
	claims["scp"] = []string{"profile", "sales"}

	ctx, p, err := v.Authenticate(context.Background(), "Bearer "+sign(t, jwt.SigningMethodHS256, []byte(cfg.HMACSecret), claims))
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	want := &privilege.Principal{
		ID:                  int64(7),
		Name:                "alexis",
		Groups:              []string{"Users", "Sales"},
		AuthenticationScope: "profile sales",
		AuthenticationType:  "jwt",
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("principal (-want +got):\n%s", diff)
	}
	if got := privilege.FromContext(ctx); got != p {
		t.Fatalf("principal not in context: %+v", got)
	}
	if raw, ok := ClaimsFromContext(ctx); !ok || raw["sub"] != "user-1" {
		t.Fatalf("claims not in context: %v", raw)
	}
}

func TestPrincipalFromClaimsFallbacks(t *testing.T) {
	p := PrincipalFromClaims(map[string]any{"sub": "svc", "roles": "Administrators Auditors", "scope": "read write"})
	want := &privilege.Principal{
		Name:                "svc",
		Groups:              []string{"Administrators", "Auditors"},
		AuthenticationScope: "read write",
		AuthenticationType:  "jwt",
	}
	if diff := cmp.Diff(want, p); diff != "" {
		t.Fatalf("principal (-want +got):\n%s", diff)
	}
}
