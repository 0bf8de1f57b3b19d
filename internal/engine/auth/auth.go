// Package auth resolves capability keys. Every request and every WebSocket
// upgrade passes through Resolve, so it stays a total, side-effect-free
// function of (key, store) apart from the best-effort last-used touch.
package auth

import (
	"context"
	"errors"
	"time"

	"relayboard/internal/apperr"
	"relayboard/internal/domain"
	"relayboard/internal/repo"
)

type Service struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// errKeyNotFound is the single failure shape for every invalid case:
// unknown hash, expired, revoked, or insufficient tier. Collapsing them
// keeps the permission tier unprobeable by unauthenticated parties — a
// read key hitting a write route is indistinguishable from no key at all.
func errKeyNotFound() error {
	return apperr.New(apperr.CodeNotFound, "not found")
}

// Resolve hashes the raw key, looks it up and checks tier coverage.
// On success it returns the stored record and touches last_used_at.
func (s Service) Resolve(ctx context.Context, rawKey string, required domain.Permission) (domain.CapabilityKey, error) {
	if rawKey == "" {
		return domain.CapabilityKey{}, errKeyNotFound()
	}
	hash := repo.HashCapabilityKey(rawKey)
	key, err := s.Repo.GetCapabilityKeyByHash(ctx, hash)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.CapabilityKey{}, errKeyNotFound()
		}
		return domain.CapabilityKey{}, err
	}
	if err := s.Check(key, required); err != nil {
		return domain.CapabilityKey{}, err
	}
	now := s.now().UTC().Format(time.RFC3339)
	_ = s.Repo.TouchCapabilityKey(ctx, key.ID, now)
	return key, nil
}

// Check validates an already-loaded key record against the required tier,
// with the same fail-closed shape as Resolve. Used on WebSocket upgrades
// where the hash is carried inside the token.
func (s Service) Check(key domain.CapabilityKey, required domain.Permission) error {
	if key.RevokedAt != nil {
		return errKeyNotFound()
	}
	if key.ExpiresAt != nil {
		exp, err := time.Parse(time.RFC3339, *key.ExpiresAt)
		if err != nil || !s.now().Before(exp) {
			return errKeyNotFound()
		}
	}
	if required != "" && !key.Permission.Covers(required) {
		return errKeyNotFound()
	}
	return nil
}
