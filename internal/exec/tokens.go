// Package exec bridges a client-facing exec session to the node agent's
// TCP exec port: token issuance/consumption, placement lookup, and the
// framed byte proxy itself. Grounded on original_source's
// services/control-plane/src/api/v1/exec_sessions.rs (one-time connect
// token consumed under FOR UPDATE, then a length-prefixed frame proxy
// between the client transport and a TCP connection to the node) and this
// codebase's internal/idempotency for the plain-pgxpool-backed-table
// idiom a non-event-sourced side table uses here.
package exec

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS exec_session_tokens (
	token_hash      TEXT PRIMARY KEY,
	exec_session_id TEXT NOT NULL,
	expires_at      TIMESTAMPTZ NOT NULL,
	consumed_at     TIMESTAMPTZ,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

var (
	ErrTokenInvalid = errors.New("invalid exec token")
	ErrTokenExpired = errors.New("exec token expired")
	ErrTokenUsed    = errors.New("exec token already used")
)

// TokenStore issues and one-shot-consumes the connect token a client
// exchanges for WebSocket access to an exec session.
type TokenStore struct {
	pool *pgxpool.Pool
}

func NewTokenStore(pool *pgxpool.Pool) *TokenStore { return &TokenStore{pool: pool} }

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Issue mints a random token for execSessionID, valid for ttl.
func (s *TokenStore) Issue(ctx context.Context, execSessionID string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate exec token: %w", err)
	}
	token := hex.EncodeToString(raw)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO exec_session_tokens (token_hash, exec_session_id, expires_at)
		VALUES ($1, $2, $3)`,
		hashToken(token), execSessionID, time.Now().Add(ttl))
	if err != nil {
		return "", fmt.Errorf("store exec token: %w", err)
	}
	return token, nil
}

// ValidateAndConsume atomically checks and marks a token used, mirroring
// the row-lock-then-update sequence exec_sessions.rs uses so two
// concurrent connect attempts with the same token cannot both succeed.
func (s *TokenStore) ValidateAndConsume(ctx context.Context, token string) (execSessionID string, err error) {
	hash := hashToken(token)
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin token validation: %w", err)
	}
	defer tx.Rollback(ctx)

	var expiresAt time.Time
	var consumedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT exec_session_id, expires_at, consumed_at FROM exec_session_tokens
		WHERE token_hash=$1 FOR UPDATE`, hash).Scan(&execSessionID, &expiresAt, &consumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrTokenInvalid
	}
	if err != nil {
		return "", fmt.Errorf("load exec token: %w", err)
	}
	if consumedAt != nil {
		return "", ErrTokenUsed
	}
	if time.Now().After(expiresAt) {
		return "", ErrTokenExpired
	}

	if _, err := tx.Exec(ctx, `UPDATE exec_session_tokens SET consumed_at=now() WHERE token_hash=$1`, hash); err != nil {
		return "", fmt.Errorf("consume exec token: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit exec token consumption: %w", err)
	}
	return execSessionID, nil
}
