// Package verify implements the reorg-resilient integrity verifier: the
// background reconciler that drives every persisted row through the
// PENDING/FINALIZED/ORPHANED lifecycle, replays hash-chains to detect ledger
// divergence, and maintains periodic digest checkpoints for incremental
// re-verification.
package verify

import (
	"context"
	"database/sql"

	"github.com/agentregistry/indexer/infrastructure/errors"
)

// Storage is the verifier's read/write access to the rows it reconciles. It
// operates against the same database as the ingestion pipeline but never
// mutates event content, only status, verification and scoped-id columns,
// the digest cache and the hash-chain checkpoints.
type Storage struct {
	db *sql.DB
}

// NewStorage wraps an existing connection pool (shared with ingestion).
func NewStorage(db *sql.DB) *Storage { return &Storage{db: db} }

// PendingRef identifies one PENDING row awaiting existence verification.
type PendingRef struct {
	Table string // agents | validations | metadata_entries | registries
	Key   string // primary/natural key value used by MarkFinalized/MarkOrphaned
	Asset string // chain address to check for existence
}

// SelectPendingAgents returns up to limit agent assets created at or before cutoff.
func (s *Storage) SelectPendingAgents(ctx context.Context, cutoff uint64, limit int) ([]PendingRef, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT asset FROM agents WHERE status = 'PENDING' AND canonical_slot <= $1 LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, errors.StorageError("select_pending_agents", err)
	}
	defer rows.Close()

	var out []PendingRef
	for rows.Next() {
		var asset string
		if err := rows.Scan(&asset); err != nil {
			return nil, errors.StorageError("select_pending_agents_scan", err)
		}
		out = append(out, PendingRef{Table: "agents", Key: asset, Asset: asset})
	}
	return out, nil
}

// MarkAgentFinalized transitions an agent row to FINALIZED at verifiedSlot.
func (s *Storage) MarkAgentFinalized(ctx context.Context, asset string, verifiedSlot uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status = 'FINALIZED', verified_at = now(), verified_slot = $2
		WHERE asset = $1
	`, asset, verifiedSlot)
	return wrapErr("mark_agent_finalized", err)
}

// MarkAgentOrphaned transitions an agent row to ORPHANED and clears its
// scoped sequential ID, cascading ORPHANED to every row it owns.
func (s *Storage) MarkAgentOrphaned(ctx context.Context, asset string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.StorageError("mark_agent_orphaned_begin", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE agents SET status = 'ORPHANED', agent_id = NULL WHERE asset = $1`, asset); err != nil {
		return errors.StorageError("mark_agent_orphaned", err)
	}
	for _, table := range []string{"feedback", "responses", "revocations"} {
		idCol := map[string]string{"feedback": "feedback_id", "responses": "response_id", "revocations": "revocation_id"}[table]
		q := `UPDATE ` + table + ` SET status = 'ORPHANED', ` + idCol + ` = NULL WHERE asset = $1 AND status != 'ORPHANED'`
		if _, err := tx.ExecContext(ctx, q, asset); err != nil {
			return errors.StorageError("mark_agent_orphaned_cascade_"+table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.StorageError("mark_agent_orphaned_commit", err)
	}
	return nil
}

// OrphanedChainRow identifies one ORPHANED feedback/response/revocation row
// awaiting a fresh scoped id, in canonical replay order. ClientAddress and
// FeedbackIndex are only meaningful for the responses table, whose scope key
// includes them.
type OrphanedChainRow struct {
	PK            int64
	ClientAddress string
	FeedbackIndex uint64
}

// SelectOrphanedChainRows returns up to limit ORPHANED rows of (table, asset)
// that still need a fresh scoped id, ordered by the canonical replay key
// (slot, tx_signature, tx_index, event_ordinal, row id) so revival assigns
// ids in the same order the rows were originally observed on chain.
func (s *Storage) SelectOrphanedChainRows(ctx context.Context, table, asset string, limit int) ([]OrphanedChainRow, error) {
	idCol, _, ok := chainColumns(table)
	if !ok {
		return nil, errors.ConfigInvalid("table", "unknown chain table "+table)
	}

	q := `SELECT id, client_address, feedback_index FROM ` + table + `
		WHERE asset = $1 AND status = 'ORPHANED' AND ` + idCol + ` IS NULL
		ORDER BY slot ASC, tx_signature ASC, tx_index ASC NULLS LAST, event_ordinal ASC NULLS LAST, id ASC
		LIMIT $2`
	rows, err := s.db.QueryContext(ctx, q, asset, limit)
	if err != nil {
		return nil, errors.StorageError("select_orphaned_chain_rows_"+table, err)
	}
	defer rows.Close()

	var out []OrphanedChainRow
	for rows.Next() {
		var r OrphanedChainRow
		if err := rows.Scan(&r.PK, &r.ClientAddress, &r.FeedbackIndex); err != nil {
			return nil, errors.StorageError("select_orphaned_chain_rows_scan_"+table, err)
		}
		out = append(out, r)
	}
	return out, nil
}

// ReviveChainRow transitions one ORPHANED chain row back to PENDING with a
// freshly allocated tail-of-scope id, so the next verify cycle can
// hash-chain-check and finalize it like any other row.
func (s *Storage) ReviveChainRow(ctx context.Context, tx *sql.Tx, table string, pk, newID int64) error {
	idCol, _, ok := chainColumns(table)
	if !ok {
		return errors.ConfigInvalid("table", "unknown chain table "+table)
	}
	q := `UPDATE ` + table + ` SET status = 'PENDING', ` + idCol + ` = $2 WHERE id = $1`
	_, err := tx.ExecContext(ctx, q, pk, newID)
	return wrapErr("revive_chain_row_"+table, err)
}

// SelectOrphanedAgents returns assets currently ORPHANED, for the recovery scan.
func (s *Storage) SelectOrphanedAgents(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT asset FROM agents WHERE status = 'ORPHANED' LIMIT $1`, limit)
	if err != nil {
		return nil, errors.StorageError("select_orphaned_agents", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var asset string
		if err := rows.Scan(&asset); err != nil {
			return nil, errors.StorageError("select_orphaned_agents_scan", err)
		}
		out = append(out, asset)
	}
	return out, nil
}

// ReviveAgent transitions an ORPHANED agent back to PENDING with a freshly
// allocated tail-of-scope ID.
func (s *Storage) ReviveAgent(ctx context.Context, tx *sql.Tx, asset string, newID int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET status = 'PENDING', agent_id = $2 WHERE asset = $1`, asset, newID)
	return wrapErr("revive_agent", err)
}

// BeginTx starts a transaction for recovery-loop ID reassignment.
func (s *Storage) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.StorageError("begin_tx", err)
	}
	return tx, nil
}

// ChainDigestState is the last known running digest and row count for one
// (asset, chain_type).
type ChainDigestState struct {
	Digest []byte
	Count  int64
}

// GetAgentChainState reads the agent's three digest/count pairs in one query.
func (s *Storage) GetAgentChainState(ctx context.Context, asset string) (feedback, response, revoke ChainDigestState, err error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT feedback_digest, feedback_count, response_digest, response_count, revoke_digest, revoke_count
		FROM agents WHERE asset = $1
	`, asset)
	err = row.Scan(&feedback.Digest, &feedback.Count, &response.Digest, &response.Count, &revoke.Digest, &revoke.Count)
	if err == sql.ErrNoRows {
		err = nil
		return
	}
	if err != nil {
		err = errors.StorageError("get_agent_chain_state", err)
	}
	return
}

// MarkChainRowsFinalized finalizes every PENDING feedback/response/revocation
// row for (asset, chain_type) at or before cutoff.
func (s *Storage) MarkChainRowsFinalized(ctx context.Context, table, asset string, cutoff uint64, verifiedSlot uint64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE `+table+` SET status = 'FINALIZED'
		WHERE asset = $1 AND status = 'PENDING' AND slot <= $2
	`, asset, cutoff)
	return wrapErr("mark_chain_rows_finalized_"+table, err)
}

// UpsertCheckpoint persists a digest checkpoint for (asset, chain_type).
func (s *Storage) UpsertCheckpoint(ctx context.Context, asset, chainType string, eventCount int64, digest []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hash_chain_checkpoints (asset, chain_type, event_count, digest, created_at)
		VALUES ($1,$2,$3,$4,now())
		ON CONFLICT (asset, chain_type, event_count) DO NOTHING
	`, asset, chainType, eventCount, digest)
	return wrapErr("upsert_checkpoint", err)
}

// LatestCheckpoint returns the most recent checkpoint at or below targetCount.
func (s *Storage) LatestCheckpoint(ctx context.Context, asset, chainType string, targetCount int64) (*ChainDigestState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT digest, event_count FROM hash_chain_checkpoints
		WHERE asset = $1 AND chain_type = $2 AND event_count <= $3
		ORDER BY event_count DESC LIMIT 1
	`, asset, chainType, targetCount)
	var st ChainDigestState
	err := row.Scan(&st.Digest, &st.Count)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("latest_checkpoint", err)
	}
	return &st, nil
}

// UpsertDigestCache records the verifier's latest-seen state for one asset.
func (s *Storage) UpsertDigestCache(ctx context.Context, asset string, slot uint64, needsGapFill bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO digest_cache (asset, last_verified_at, last_verified_slot, needs_gap_fill)
		VALUES ($1, now(), $2, $3)
		ON CONFLICT (asset) DO UPDATE SET
			last_verified_at = now(), last_verified_slot = $2, needs_gap_fill = $3
	`, asset, slot, needsGapFill)
	return wrapErr("upsert_digest_cache", err)
}

// FinalizeSimpleRow finalizes a single-row entity (validation, non-URI
// metadata, registry) by its natural key predicate.
func (s *Storage) FinalizeSimpleRow(ctx context.Context, table, whereClause string, args ...any) error {
	q := `UPDATE ` + table + ` SET status = 'FINALIZED' WHERE ` + whereClause + ` AND status = 'PENDING'`
	_, err := s.db.ExecContext(ctx, q, args...)
	return wrapErr("finalize_simple_row_"+table, err)
}

// OrphanSimpleRow orphans a single-row entity by its natural key predicate.
func (s *Storage) OrphanSimpleRow(ctx context.Context, table, whereClause string, args ...any) error {
	q := `UPDATE ` + table + ` SET status = 'ORPHANED' WHERE ` + whereClause + ` AND status = 'PENDING'`
	_, err := s.db.ExecContext(ctx, q, args...)
	return wrapErr("orphan_simple_row_"+table, err)
}

// AutoFinalizeURIMetadata finalizes metadata rows whose key is URI-derived
// (keys prefixed _uri:): URI content is derived, not chain-rooted, so it
// never blocks on an existence check.
func (s *Storage) AutoFinalizeURIMetadata(ctx context.Context, limit int) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE metadata_entries SET status = 'FINALIZED'
		WHERE status = 'PENDING' AND left(key, 5) = '_uri:'
		AND ctid IN (SELECT ctid FROM metadata_entries WHERE status = 'PENDING' AND left(key, 5) = '_uri:' LIMIT $1)
	`, limit)
	if err != nil {
		return 0, errors.StorageError("auto_finalize_uri_metadata", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// ChainEventRow is one row of a hash-chain, in canonical scoped-id order.
type ChainEventRow struct {
	Count         int64
	Hash          []byte
	RunningDigest []byte
}

// chainColumns maps a chain table to its scoped-id and per-event-hash columns.
func chainColumns(table string) (idCol, hashCol string, ok bool) {
	switch table {
	case "feedback":
		return "feedback_id", "feedback_hash", true
	case "responses":
		return "response_id", "response_hash", true
	case "revocations":
		return "revocation_id", "feedback_hash", true
	default:
		return "", "", false
	}
}

// SelectChainEvents returns up to limit rows for (table, asset) with scoped id
// greater than afterCount, ordered ascending — the replay order for hash-chain
// reconstruction.
func (s *Storage) SelectChainEvents(ctx context.Context, table, asset string, afterCount int64, limit int) ([]ChainEventRow, error) {
	idCol, hashCol, ok := chainColumns(table)
	if !ok {
		return nil, errors.ConfigInvalid("table", "unknown chain table "+table)
	}

	q := `SELECT ` + idCol + `, ` + hashCol + `, running_digest FROM ` + table + `
		WHERE asset = $1 AND ` + idCol + ` > $2 AND ` + idCol + ` IS NOT NULL
		ORDER BY ` + idCol + ` ASC LIMIT $3`
	rows, err := s.db.QueryContext(ctx, q, asset, afterCount, limit)
	if err != nil {
		return nil, errors.StorageError("select_chain_events_"+table, err)
	}
	defer rows.Close()

	var out []ChainEventRow
	for rows.Next() {
		var r ChainEventRow
		if err := rows.Scan(&r.Count, &r.Hash, &r.RunningDigest); err != nil {
			return nil, errors.StorageError("select_chain_events_scan_"+table, err)
		}
		out = append(out, r)
	}
	return out, nil
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.StorageError(op, err)
}
