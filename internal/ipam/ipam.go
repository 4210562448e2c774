// Package ipam hands out overlay IPv6 suffixes from a monotonic,
// per-prefix counter (spec.md §5: "IPAM: monotonic sequences for
// node/instance suffixes, combined with a base /64 prefix; allocation
// retries on rare collisions, bounded to 5"). Grounded on
// internal/idempotency's plain-pgxpool-backed-side-table idiom: its own
// schema, owned outside readmodel, since this is allocator bookkeeping
// rather than a projected read view.
package ipam

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS ipam_counters (
	prefix      TEXT PRIMARY KEY,
	next_suffix BIGINT NOT NULL DEFAULT 1
);`

func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schema)
	return err
}

// Allocator satisfies both internal/scheduler.InstanceIPAllocator and
// internal/command.IPv6Allocator (same single-method shape), so one
// implementation serves both the command-handler node-enrollment path
// and the scheduler's instance-placement path.
type Allocator struct {
	pool *pgxpool.Pool
}

func NewAllocator(pool *pgxpool.Pool) *Allocator {
	return &Allocator{pool: pool}
}

// NextSuffix atomically increments prefix's counter and renders the
// result as a hextet appended to prefix, e.g. prefix "fd00:cafe::"
// yields "fd00:cafe::1", "fd00:cafe::2", and so on. The increment itself
// is atomic (single UPDATE ... RETURNING under Postgres's row lock), so
// the bounded-retry loop callers wrap this in exists for transient
// connection errors, not for a genuine suffix collision.
func (a *Allocator) NextSuffix(ctx context.Context, prefix string) (string, error) {
	var next int64
	err := a.pool.QueryRow(ctx, `
		INSERT INTO ipam_counters (prefix, next_suffix) VALUES ($1, 1)
		ON CONFLICT (prefix) DO UPDATE SET next_suffix = ipam_counters.next_suffix + 1
		RETURNING next_suffix`, prefix).Scan(&next)
	if err != nil {
		return "", fmt.Errorf("allocate ipam suffix for %s: %w", prefix, err)
	}
	return fmt.Sprintf("%s%x", prefix, next), nil
}
