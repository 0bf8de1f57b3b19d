package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"relayboard/internal/apperr"
	"relayboard/internal/db"
	"relayboard/internal/domain"
	"relayboard/internal/engine/auth"
	"relayboard/internal/migrate"
	"relayboard/internal/repo"
)

func newService(t *testing.T) (auth.Service, repo.Repo) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	ctx := context.Background()
	if err := r.InsertWorkspace(ctx, domain.Workspace{ID: "ws-1", Name: "t", CreatedAt: "2026-03-01T12:00:00Z"}); err != nil {
		t.Fatalf("workspace: %v", err)
	}
	svc := auth.Service{Repo: r, Now: func() time.Time {
		return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	}}
	return svc, r
}

func seedKey(t *testing.T, r repo.Repo, raw string, perm domain.Permission, mutate func(*domain.CapabilityKey)) {
	t.Helper()
	k := domain.CapabilityKey{
		ID:          uuid.NewString(),
		WorkspaceID: "ws-1",
		KeyHash:     repo.HashCapabilityKey(raw),
		Permission:  perm,
		ScopeType:   domain.ScopeWorkspace,
		CreatedAt:   "2026-03-01T12:00:00Z",
	}
	if mutate != nil {
		mutate(&k)
	}
	if err := r.InsertCapabilityKey(context.Background(), k); err != nil {
		t.Fatalf("seed key: %v", err)
	}
}

func TestResolveSuccess(t *testing.T) {
	svc, r := newService(t)
	seedKey(t, r, "raw-append", domain.PermissionAppend, nil)

	key, err := svc.Resolve(context.Background(), "raw-append", domain.PermissionRead)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if key.WorkspaceID != "ws-1" || key.Permission != domain.PermissionAppend {
		t.Fatalf("key = %+v", key)
	}
}

// Every invalid case must be byte-identical on the wire so the tier of an
// existing key cannot be probed.
func TestFailuresAreIndistinguishable(t *testing.T) {
	svc, r := newService(t)
	seedKey(t, r, "raw-read", domain.PermissionRead, nil)
	revoked := "2026-03-01T11:00:00Z"
	seedKey(t, r, "raw-revoked", domain.PermissionWrite, func(k *domain.CapabilityKey) {
		k.RevokedAt = &revoked
	})
	expired := "2026-03-01T11:00:00Z"
	seedKey(t, r, "raw-expired", domain.PermissionWrite, func(k *domain.CapabilityKey) {
		k.ExpiresAt = &expired
	})

	ctx := context.Background()
	cases := map[string]error{}
	_, cases["unknown"] = svc.Resolve(ctx, "no-such-key", domain.PermissionRead)
	_, cases["insufficient"] = svc.Resolve(ctx, "raw-read", domain.PermissionWrite)
	_, cases["revoked"] = svc.Resolve(ctx, "raw-revoked", domain.PermissionRead)
	_, cases["expired"] = svc.Resolve(ctx, "raw-expired", domain.PermissionRead)
	_, cases["empty"] = svc.Resolve(ctx, "", domain.PermissionRead)

	for name, err := range cases {
		if err == nil {
			t.Fatalf("%s: expected error", name)
		}
		if !apperr.IsCode(err, apperr.CodeNotFound) {
			t.Fatalf("%s: code = %s, want NOT_FOUND", name, apperr.CodeOf(err))
		}
		if err.Error() != "not found" {
			t.Fatalf("%s: message %q leaks detail", name, err.Error())
		}
	}
}

func TestTierNesting(t *testing.T) {
	svc, r := newService(t)
	seedKey(t, r, "raw-write", domain.PermissionWrite, nil)

	ctx := context.Background()
	for _, required := range []domain.Permission{domain.PermissionRead, domain.PermissionAppend, domain.PermissionWrite} {
		if _, err := svc.Resolve(ctx, "raw-write", required); err != nil {
			t.Fatalf("write key at %s tier: %v", required, err)
		}
	}
}

func TestResolveTouchesLastUsed(t *testing.T) {
	svc, r := newService(t)
	seedKey(t, r, "raw-touch", domain.PermissionRead, nil)

	if _, err := svc.Resolve(context.Background(), "raw-touch", domain.PermissionRead); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	keys, err := r.ListCapabilityKeys(context.Background(), "ws-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) != 1 || keys[0].LastUsedAt == nil {
		t.Fatalf("last_used_at not touched: %+v", keys)
	}
}
