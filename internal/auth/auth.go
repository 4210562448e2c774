// Package auth authenticates and authorizes incoming write requests: token
// lookup, expiry, revocation, and org-membership + role checks (spec.md
// §4.5 step 1). Token minting (the device-authorization flow) is out of
// scope — tokens are rows an external issuer writes to access_tokens;
// this package only validates them. The in-memory cache with a size bound
// and TTL is this codebase's own TokenManager (map + mutex + expiry check)
// generalized with an eviction cap, since spec.md's Design Notes call out
// the token cache as a shared mutable singleton to size explicitly.
package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rexbrahh/plfm-vt-sub000/internal/apierr"
)

// Role is a membership role within an org.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
)

// Principal is the authenticated identity behind a request.
type Principal struct {
	ActorID string
	OrgID   string
	Role    Role
}

type cachedToken struct {
	principal Principal
	expiresAt time.Time
	cachedAt  time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS access_tokens (
	token      TEXT PRIMARY KEY,
	actor_id   TEXT NOT NULL,
	org_id     TEXT NOT NULL,
	role       TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	revoked_at TIMESTAMPTZ
);`

// Authenticator validates bearer tokens against the access_tokens table,
// fronted by a bounded, TTL'd in-memory cache.
type Authenticator struct {
	pool       *pgxpool.Pool
	ttl        time.Duration
	maxEntries int

	mu    sync.RWMutex
	cache map[string]cachedToken
}

func NewAuthenticator(pool *pgxpool.Pool, ttl time.Duration, maxEntries int) *Authenticator {
	return &Authenticator{
		pool:       pool,
		ttl:        ttl,
		maxEntries: maxEntries,
		cache:      make(map[string]cachedToken),
	}
}

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// Authenticate resolves a bearer token to a Principal, consulting the
// cache before Postgres. A cache hit is still subject to the token's own
// expires_at — the cache TTL only bounds how stale a revocation check can
// be, never how long an already-expired token is considered valid.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (Principal, error) {
	if token == "" {
		return Principal{}, apierr.New(apierr.KindUnauthorized, "missing bearer token")
	}

	if p, ok := a.lookupCache(token); ok {
		return p, nil
	}

	var p Principal
	var role string
	var expiresAt time.Time
	var revokedAt *time.Time
	err := a.pool.QueryRow(ctx,
		`SELECT actor_id, org_id, role, expires_at, revoked_at FROM access_tokens WHERE token=$1`,
		token).Scan(&p.ActorID, &p.OrgID, &role, &expiresAt, &revokedAt)
	if err == pgx.ErrNoRows {
		return Principal{}, apierr.New(apierr.KindUnauthorized, "unknown token")
	}
	if err != nil {
		return Principal{}, fmt.Errorf("lookup access token: %w", err)
	}
	if revokedAt != nil {
		return Principal{}, apierr.New(apierr.KindTokenRevoked, "token revoked")
	}
	if time.Now().After(expiresAt) {
		return Principal{}, apierr.New(apierr.KindUnauthorized, "token expired")
	}

	p.Role = Role(role)
	a.storeCache(token, p, expiresAt)
	return p, nil
}

// Authorize checks the principal's role against the endpoint's minimum
// required role and, where orgID is non-empty, that the principal belongs
// to that org (spec.md §4.5 step 1: "org membership + role").
func Authorize(p Principal, orgID string, minRole Role) error {
	if orgID != "" && p.OrgID != orgID {
		return apierr.New(apierr.KindForbidden, "not a member of this org")
	}
	if !roleAtLeast(p.Role, minRole) {
		return apierr.New(apierr.KindForbidden, fmt.Sprintf("role %s does not satisfy required role %s", p.Role, minRole))
	}
	return nil
}

func roleAtLeast(have, want Role) bool {
	rank := map[Role]int{RoleMember: 1, RoleAdmin: 2, RoleOwner: 3}
	return rank[have] >= rank[want]
}

func (a *Authenticator) lookupCache(token string) (Principal, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.cache[token]
	if !ok {
		return Principal{}, false
	}
	if time.Now().After(c.expiresAt) || time.Since(c.cachedAt) > a.ttl {
		return Principal{}, false
	}
	return c.principal, true
}

func (a *Authenticator) storeCache(token string, p Principal, expiresAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.cache) >= a.maxEntries {
		a.evictOneLocked()
	}
	a.cache[token] = cachedToken{principal: p, expiresAt: expiresAt, cachedAt: time.Now()}
}

// evictOneLocked drops an arbitrary entry when the cache is at capacity.
// Map iteration order is randomized by the runtime, which is sufficient:
// spec.md only requires the cache be size-bounded, not a specific
// eviction policy.
func (a *Authenticator) evictOneLocked() {
	for k := range a.cache {
		delete(a.cache, k)
		return
	}
}

// Revoke evicts a token from the cache immediately, ahead of its TTL.
// Callers invalidate at the database layer (UPDATE ... SET revoked_at)
// separately; this only bounds how long a revoked token is still accepted
// from cache.
func (a *Authenticator) Revoke(token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.cache, token)
}
