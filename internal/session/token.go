package session

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// DefaultTokenTTL bounds how long a browser session keeps its fingerprints.
	DefaultTokenTTL = 12 * time.Hour
	// DefaultIssuer is the issuer and audience of session tokens.
	DefaultIssuer = "assocrm"
)

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingIssuer        = errors.New("issuer must be provided")
	errNonPositiveTTL       = errors.New("token ttl must be positive")
	errMissingSessionID     = errors.New("session id claim must be provided")
)

// TokenIssuerConfig configures session token issuance.
type TokenIssuerConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer issues and validates HS256 session tokens whose subject is the session id.
type TokenIssuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	clock  func() time.Time
}

// NewTokenIssuer validates cfg and constructs a TokenIssuer.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, errMissingIssuer
	}
	if cfg.TokenTTL <= 0 {
		return nil, errNonPositiveTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		secret: cfg.SigningSecret,
		issuer: issuer,
		ttl:    cfg.TokenTTL,
		clock:  clock,
	}, nil
}

// NewSessionID returns a fresh random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Issue signs a token for sessionID and returns it with its lifetime in seconds.
func (i *TokenIssuer) Issue(sessionID string) (string, int64, error) {
	if strings.TrimSpace(sessionID) == "" {
		return "", 0, errMissingSessionID
	}

	now := i.clock().UTC()
	expiresAt := now.Add(i.ttl)

	claims := jwt.RegisteredClaims{
		Subject:   sessionID,
		Issuer:    i.issuer,
		Audience:  []string{i.issuer},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
		ID:        uuid.NewString(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.secret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(expiresAt.Sub(now).Seconds()), nil
}

// Validate checks signature, issuer, audience and expiry and returns the session id.
func (i *TokenIssuer) Validate(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
			}
			return i.secret, nil
		},
		jwt.WithAudience(i.issuer),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSessionID
	}
	return claims.Subject, nil
}
