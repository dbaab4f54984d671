package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesProviderTokens(t *testing.T) {
	issuer := mustIssuer(t, TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        "claimsync-auth",
		Audience:      "claimsync-api",
		TokenTTL:      30 * time.Minute,
	})

	tokenString, expiresIn, err := issuer.IssueToken(context.Background(), "provider-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64((30 * time.Minute).Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	parser := jwt.Parser{}
	claims := &jwt.RegisteredClaims{}
	_, err = parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	})
	if err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "provider-123" {
		t.Fatalf("unexpected subject %s", claims.Subject)
	}
	if claims.Issuer != "claimsync-auth" {
		t.Fatalf("unexpected issuer %s", claims.Issuer)
	}
	if len(claims.Audience) == 0 || claims.Audience[0] != "claimsync-api" {
		t.Fatalf("unexpected audience %#v", claims.Audience)
	}
}

func TestTokenIssuerRejectsMissingSubject(t *testing.T) {
	issuer := mustIssuer(t, defaultTestConfig())
	if _, _, err := issuer.IssueToken(context.Background(), "  "); !errors.Is(err, ErrMissingSubject) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	issuer := mustIssuer(t, defaultTestConfig())

	tokenString, _, err := issuer.IssueToken(context.Background(), "provider-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	subject, err := issuer.ValidateToken(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if subject != "provider-321" {
		t.Fatalf("unexpected subject %s", subject)
	}

	if _, err := issuer.ValidateToken("invalid.token"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredTokens(t *testing.T) {
	now := time.Date(2026, time.October, 15, 8, 0, 0, 0, time.UTC)
	cfg := defaultTestConfig()
	cfg.Clock = func() time.Time { return now }
	issuer := mustIssuer(t, cfg)
	tokenString, _, err := issuer.IssueToken(context.Background(), "provider-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	now = now.Add(cfg.TokenTTL + time.Minute)
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrExpiredToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestTokenIssuerRejectsForeignAudience(t *testing.T) {
	other := defaultTestConfig()
	other.Audience = "someone-else"
	foreign := mustIssuer(t, other)
	tokenString, _, err := foreign.IssueToken(context.Background(), "provider-1")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	issuer := mustIssuer(t, defaultTestConfig())
	if _, err := issuer.ValidateToken(tokenString); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestTokenIssuerValidateRequest(t *testing.T) {
	issuer := mustIssuer(t, defaultTestConfig())
	tokenString, _, err := issuer.IssueToken(context.Background(), "provider-9")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	request := httptest.NewRequest("GET", "/providers/provider-9/encounters", nil)
	request.Header.Set("Authorization", "Bearer "+tokenString)
	subject, err := issuer.ValidateRequest(request)
	if err != nil || subject != "provider-9" {
		t.Fatalf("expected provider-9, got %q (%v)", subject, err)
	}

	request.Header.Set("Authorization", "Basic abc")
	if _, err := issuer.ValidateRequest(request); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*TokenIssuerConfig)
		want   error
	}{
		{name: "missing-secret", mutate: func(cfg *TokenIssuerConfig) { cfg.SigningSecret = nil }, want: ErrMissingSigningSecret},
		{name: "missing-issuer", mutate: func(cfg *TokenIssuerConfig) { cfg.Issuer = "" }, want: ErrMissingIssuer},
		{name: "blank-audience", mutate: func(cfg *TokenIssuerConfig) { cfg.Audience = " " }, want: ErrMissingAudience},
		{name: "zero-ttl", mutate: func(cfg *TokenIssuerConfig) { cfg.TokenTTL = 0 }, want: ErrInvalidTokenTTL},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			cfg := defaultTestConfig()
			testCase.mutate(&cfg)
			if _, err := NewTokenIssuer(cfg); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	if token, ok := BearerToken("bearer abc.def"); !ok || token != "abc.def" {
		t.Fatalf("expected case-insensitive scheme, got %q %v", token, ok)
	}
	if _, ok := BearerToken("Bearer "); ok {
		t.Fatalf("empty token should be rejected")
	}
}

func defaultTestConfig() TokenIssuerConfig {
	return TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        "claimsync-auth",
		Audience:      "claimsync-api",
		TokenTTL:      15 * time.Minute,
	}
}

func mustIssuer(t *testing.T, cfg TokenIssuerConfig) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(cfg)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	return issuer
}
