// Package ws issues subscription tokens, upgrades them to connections and
// fans log-change events out to matching subscribers. Tokens authenticate
// the upgrade only; the connection's lifetime is its own.
package ws

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"relayboard/internal/apperr"
	"relayboard/internal/domain"
)

const DefaultTokenTTL = 60 * time.Second

// TokenClaims binds a subscription token to one key, tier and path scope.
// The jti makes the token single-use: the first successful upgrade
// records it and any replay is rejected.
type TokenClaims struct {
	jwt.RegisteredClaims
	WorkspaceID string            `json:"wid"`
	Tier        domain.Permission `json:"tier"`
	KeyHash     string            `json:"khash"`
	Scope       string            `json:"scope,omitempty"`
}

// TokenIssuer mints and verifies subscription tokens.
type TokenIssuer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time

	mu   sync.Mutex
	used map[string]time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &TokenIssuer{
		Secret: secret,
		TTL:    ttl,
		Now:    time.Now,
		used:   map[string]time.Time{},
	}
}

func (i *TokenIssuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue signs a token for the key's tier and an optional path scope.
func (i *TokenIssuer) Issue(key domain.CapabilityKey, scope string) (token string, expiresAt time.Time, err error) {
	if strings.TrimSpace(i.Secret) == "" {
		return "", time.Time{}, errors.New("token secret not configured")
	}
	now := i.now()
	expiresAt = now.Add(i.TTL)
	claims := TokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		WorkspaceID: key.WorkspaceID,
		Tier:        key.Permission,
		KeyHash:     key.KeyHash,
		Scope:       scope,
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(i.Secret))
	return token, expiresAt, err
}

// Redeem verifies a token and consumes its jti. Expired and malformed
// tokens map to distinct error codes so the upgrade handler can pick the
// matching close code.
func (i *TokenIssuer) Redeem(token string) (TokenClaims, error) {
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	claims := &TokenClaims{}
	parsed, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return []byte(i.Secret), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return TokenClaims{}, apperr.New(apperr.CodeTokenExpired, "token expired")
		}
		return TokenClaims{}, apperr.New(apperr.CodeTokenInvalid, "invalid token")
	}
	if !parsed.Valid || claims.ID == "" || claims.WorkspaceID == "" || !claims.Tier.Valid() {
		return TokenClaims{}, apperr.New(apperr.CodeTokenInvalid, "invalid token")
	}
	if !i.consume(claims.ID, claims.ExpiresAt.Time) {
		return TokenClaims{}, apperr.New(apperr.CodeTokenAlreadyUsed, "token already used")
	}
	return *claims, nil
}

// consume records the jti, failing on replay. Entries are swept once past
// their natural expiry, when no replay can succeed anyway.
func (i *TokenIssuer) consume(jti string, expiresAt time.Time) bool {
	now := i.now()
	i.mu.Lock()
	defer i.mu.Unlock()
	for id, exp := range i.used {
		if exp.Before(now) {
			delete(i.used, id)
		}
	}
	if _, seen := i.used[jti]; seen {
		return false
	}
	i.used[jti] = expiresAt
	return true
}
