package security

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// SecretStore holds sealed secret bundle material in a sibling table to
// the event log, keyed by version id (spec.md §4.1: the event payload
// carries only the version id and key names; plaintext values never enter
// the durable event record). Grounded on ca.go's pattern of sealing one
// value with Cipher before it ever reaches Postgres.
type SecretStore struct {
	pool   *pgxpool.Pool
	cipher *Cipher
}

func NewSecretStore(pool *pgxpool.Pool, cipher *Cipher) *SecretStore {
	return &SecretStore{pool: pool, cipher: cipher}
}

const secretValuesSchema = `
CREATE TABLE IF NOT EXISTS secret_values (
	version_id TEXT PRIMARY KEY,
	sealed     BYTEA NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);`

func EnsureSecretValuesSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, secretValuesSchema)
	return err
}

// Put seals values and stores them under versionID, for later retrieval by
// the gRPC NodeAgent service's GetSecretMaterial.
func (s *SecretStore) Put(ctx context.Context, versionID string, values map[string]string) error {
	plaintext, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal secret values: %w", err)
	}
	sealed, err := s.cipher.Seal(plaintext)
	if err != nil {
		return fmt.Errorf("seal secret values: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO secret_values (version_id, sealed) VALUES ($1, $2)
		 ON CONFLICT (version_id) DO UPDATE SET sealed=$2`,
		versionID, sealed)
	return err
}

// Get unseals the values for a version id, used to answer the node agent's
// GetSecretMaterial RPC, which returns them in plaintext; the control
// plane serves that RPC without TLS.
func (s *SecretStore) Get(ctx context.Context, versionID string) (map[string]string, error) {
	var sealed []byte
	if err := s.pool.QueryRow(ctx, `SELECT sealed FROM secret_values WHERE version_id=$1`, versionID).Scan(&sealed); err != nil {
		return nil, fmt.Errorf("lookup sealed secret values: %w", err)
	}
	plaintext, err := s.cipher.Open(sealed)
	if err != nil {
		return nil, fmt.Errorf("unseal secret values: %w", err)
	}
	var values map[string]string
	if err := json.Unmarshal(plaintext, &values); err != nil {
		return nil, fmt.Errorf("decode secret values: %w", err)
	}
	return values, nil
}
