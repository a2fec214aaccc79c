package ingest

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/agentregistry/indexer/infrastructure/errors"
)

// Allocator assigns gapless per-scope sequential IDs. Scopes are strings
// such as "agent:global", "feedback:<asset>", or
// "response:<asset>:<client>:<feedback_index>".
//
// allocate must run inside the caller's flush transaction: the advisory
// lock and the id_counters upsert are only released on commit, so a
// rollback in the caller returns the allocated value to availability
// without burning it.
type Allocator struct{}

// NewAllocator constructs an Allocator. It is stateless; all state lives in
// id_counters and the advisory lock namespace of the given transaction.
func NewAllocator() *Allocator {
	return &Allocator{}
}

// Allocate returns the next gapless value for scope within tx.
func (a *Allocator) Allocate(ctx context.Context, tx *sql.Tx, scope string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, scope); err != nil {
		return 0, errors.AllocatorConflict(scope, err)
	}

	var next int64
	err := tx.QueryRowContext(ctx, `
		INSERT INTO id_counters (scope, next_value)
		VALUES ($1, 2)
		ON CONFLICT (scope) DO UPDATE SET next_value = id_counters.next_value + 1
		RETURNING next_value - 1
	`, scope).Scan(&next)
	if err != nil {
		return 0, errors.AllocatorConflict(scope, err)
	}
	return next, nil
}

// ScopeGlobalAgent is the single scope shared by all agent registrations.
const ScopeGlobalAgent = "agent:global"

// ScopeFeedback returns the per-asset feedback numbering scope.
func ScopeFeedback(asset string) string { return fmt.Sprintf("feedback:%s", asset) }

// ScopeRevocation returns the per-asset revocation numbering scope.
func ScopeRevocation(asset string) string { return fmt.Sprintf("revocation:%s", asset) }

// ScopeResponse returns the per-(asset,client,feedback_index) response
// numbering scope.
func ScopeResponse(asset, client string, feedbackIndex uint64) string {
	return fmt.Sprintf("response:%s:%s:%d", asset, client, feedbackIndex)
}
