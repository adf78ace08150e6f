package session

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestTokenIssuerIssuesSessionTokens(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("super-secret"),
		Issuer:        DefaultIssuer,
		TokenTTL:      DefaultTokenTTL,
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, expiresIn, err := issuer.Issue("session-123")
	if err != nil {
		t.Fatalf("expected successful issuance: %v", err)
	}
	if expiresIn != int64(DefaultTokenTTL.Seconds()) {
		t.Fatalf("unexpected expiry seconds %d", expiresIn)
	}

	claims := &jwt.RegisteredClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }))
	if _, err := parser.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return []byte("super-secret"), nil
	}); err != nil {
		t.Fatalf("failed to parse generated token: %v", err)
	}
	if claims.Subject != "session-123" || claims.Issuer != DefaultIssuer {
		t.Fatalf("unexpected claims %#v", claims)
	}
}

func TestTokenIssuerValidatesIssuedTokens(t *testing.T) {
	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningSecret: []byte("another-secret"),
		Issuer:        DefaultIssuer,
		TokenTTL:      time.Hour,
		Clock:         func() time.Time { return clock() },
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	tokenString, _, err := issuer.Issue("session-321")
	if err != nil {
		t.Fatalf("unexpected error issuing token: %v", err)
	}

	sessionID, err := issuer.Validate(tokenString)
	if err != nil {
		t.Fatalf("expected validation success: %v", err)
	}
	if sessionID != "session-321" {
		t.Fatalf("unexpected session id %s", sessionID)
	}

	if _, err := issuer.Validate("invalid.token"); err == nil {
		t.Fatalf("expected validation to fail for malformed token")
	}

	other, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("other"), Issuer: DefaultIssuer, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := other.Validate(tokenString); err == nil {
		t.Fatalf("expected validation to fail for a foreign signature")
	}

	clock = func() time.Time { return now.Add(2 * time.Hour) }
	if _, err := issuer.Validate(tokenString); err == nil {
		t.Fatalf("expected validation to fail for an expired token")
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	tests := []struct {
		name   string
		config TokenIssuerConfig
	}{
		{name: "missing-secret", config: TokenIssuerConfig{Issuer: DefaultIssuer, TokenTTL: time.Hour}},
		{name: "missing-issuer", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: " ", TokenTTL: time.Hour}},
		{name: "non-positive-ttl", config: TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: DefaultIssuer}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewTokenIssuer(tt.config); err == nil {
				t.Fatalf("expected constructor error")
			}
		})
	}
}

func TestIssueRequiresSessionID(t *testing.T) {
	issuer, err := NewTokenIssuer(TokenIssuerConfig{SigningSecret: []byte("s"), Issuer: DefaultIssuer, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, _, err := issuer.Issue(" "); err == nil {
		t.Fatalf("expected error for blank session id")
	}
	if NewSessionID() == NewSessionID() {
		t.Fatalf("session ids must be unique")
	}
}
