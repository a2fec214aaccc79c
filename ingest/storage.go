package ingest

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/agentregistry/indexer/infrastructure/errors"
)

// Storage provides the relational persistence the ingestion pipeline writes
// through. All mutating operations take an explicit *sql.Tx so a single
// flush stays one atomic unit of work (see Buffer.flush).
type Storage struct {
	db *sql.DB
}

// NewStorage opens the Postgres connection pool and verifies connectivity.
func NewStorage(cfg *Config) (*Storage, error) {
	db, err := sql.Open("postgres", cfg.GetPostgresDSN())
	if err != nil {
		return nil, errors.StorageError("open", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errors.StorageError("ping", err)
	}

	storage := &Storage{db: db}
	if err := storage.ApplyMigrations(); err != nil {
		db.Close()
		return nil, errors.StorageError("migrate", err)
	}

	return storage, nil
}

// Close closes the underlying connection pool.
func (s *Storage) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying pool for collaborators (e.g. the verifier) that
// need read-only queries outside a flush transaction.
func (s *Storage) DB() *sql.DB { return s.db }

// BeginTx starts a new flush transaction.
func (s *Storage) BeginTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.StorageError("begin_tx", err)
	}
	return tx, nil
}

// Cursor

// GetCursor returns the current ingestion cursor, or nil if none persisted yet.
func (s *Storage) GetCursor(ctx context.Context) (*Cursor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, last_signature, last_slot, source, updated_at
		FROM indexer_cursor WHERE id = 'main'
	`)
	c := &Cursor{}
	err := row.Scan(&c.ID, &c.LastSignature, &c.LastSlot, &c.Source, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("get_cursor", err)
	}
	return c, nil
}

// UpsertCursor advances the cursor within tx. The caller (Buffer.flush) is
// responsible for only ever advancing last_slot monotonically.
func (s *Storage) UpsertCursor(ctx context.Context, tx *sql.Tx, c Cursor) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO indexer_cursor (id, last_signature, last_slot, source, updated_at)
		VALUES ('main', $1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE SET
			last_signature = EXCLUDED.last_signature,
			last_slot = EXCLUDED.last_slot,
			source = EXCLUDED.source,
			updated_at = EXCLUDED.updated_at
		WHERE indexer_cursor.last_slot <= EXCLUDED.last_slot
	`, c.LastSignature, c.LastSlot, c.Source)
	if err != nil {
		return errors.StorageError("upsert_cursor", err)
	}
	return nil
}

// Agents

// UpsertAgent inserts a new PENDING agent row, or leaves an existing row for
// the same asset unchanged.
// AgentRegistered is only ever observed once per asset; a second delivery
// (replay) is a no-op duplicate guard, not an update.
func (s *Storage) UpsertAgent(ctx context.Context, tx *sql.Tx, a *Agent) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO agents (
			asset, owner, collection_pointer, creator, parent_asset, agent_uri,
			atom_enabled, feedback_digest, feedback_count, response_digest,
			response_count, revoke_digest, revoke_count, status, agent_id,
			canonical_slot, canonical_signature, canonical_tx_index, canonical_event_ordinal,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,0,$9,0,$10,0,$11,$12,$13,$14,$15,$16,now(),now())
		ON CONFLICT (asset) DO NOTHING
	`,
		a.Asset, a.Owner, a.CollectionPointer, a.Creator, a.ParentAsset, a.AgentURI,
		a.AtomEnabled, ZeroDigest[:], ZeroDigest[:], ZeroDigest[:],
		StatusPending, a.AgentID,
		a.CanonicalSlot, a.CanonicalSig, a.CanonicalTxIndex, a.CanonicalOrdinal,
	)
	if err != nil {
		return errors.StorageError("upsert_agent", err)
	}
	return nil
}

// GetAgent fetches an agent by asset within tx, for read-modify-write updates.
func (s *Storage) GetAgent(ctx context.Context, tx *sql.Tx, asset string) (*Agent, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT asset, owner, collection_pointer, creator, parent_asset, agent_uri, wallet,
			atom_enabled, trust_tier, quality_score, confidence, risk_score, diversity_ratio,
			feedback_digest, feedback_count, response_digest, response_count,
			revoke_digest, revoke_count, status, verified_at, verified_slot, agent_id,
			created_at, updated_at
		FROM agents WHERE asset = $1 FOR UPDATE
	`, asset)
	a := &Agent{}
	err := row.Scan(
		&a.Asset, &a.Owner, &a.CollectionPointer, &a.Creator, &a.ParentAsset, &a.AgentURI, &a.Wallet,
		&a.AtomEnabled, &a.TrustTier, &a.QualityScore, &a.Confidence, &a.RiskScore, &a.DiversityRatio,
		&a.FeedbackDigest, &a.FeedbackCount, &a.ResponseDigest, &a.ResponseCount,
		&a.RevokeDigest, &a.RevokeCount, &a.Status, &a.VerifiedAt, &a.VerifiedSlot, &a.AgentID,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("get_agent", err)
	}
	return a, nil
}

// UpdateAgentURI sets agent_uri.
func (s *Storage) UpdateAgentURI(ctx context.Context, tx *sql.Tx, asset, uri string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET agent_uri = $2, updated_at = now() WHERE asset = $1`, asset, uri)
	return wrapStorageErr("update_agent_uri", err)
}

// UpdateAgentWallet sets wallet, or clears it when wallet is empty (the
// protocol's zero-address sentinel).
func (s *Storage) UpdateAgentWallet(ctx context.Context, tx *sql.Tx, asset, wallet string) error {
	var val *string
	if wallet != "" {
		val = &wallet
	}
	_, err := tx.ExecContext(ctx, `UPDATE agents SET wallet = $2, updated_at = now() WHERE asset = $1`, asset, val)
	return wrapStorageErr("update_agent_wallet", err)
}

// UpdateAgentAtomEnabled sets atom_enabled.
func (s *Storage) UpdateAgentAtomEnabled(ctx context.Context, tx *sql.Tx, asset string, enabled bool) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET atom_enabled = $2, updated_at = now() WHERE asset = $1`, asset, enabled)
	return wrapStorageErr("update_agent_atom_enabled", err)
}

// UpdateAgentOwner sets owner (agent ownership sync).
func (s *Storage) UpdateAgentOwner(ctx context.Context, tx *sql.Tx, asset, newOwner string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agents SET owner = $2, updated_at = now() WHERE asset = $1`, asset, newOwner)
	return wrapStorageErr("update_agent_owner", err)
}

// UpdateAgentATOMMetrics updates the optional reputation-score columns
// carried by NewFeedback/FeedbackRevoked events.
func (s *Storage) UpdateAgentATOMMetrics(ctx context.Context, tx *sql.Tx, asset string, tier *string, quality, confidence, risk, diversity *float64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE agents SET
			trust_tier = COALESCE($2, trust_tier),
			quality_score = COALESCE($3, quality_score),
			confidence = COALESCE($4, confidence),
			risk_score = COALESCE($5, risk_score),
			diversity_ratio = COALESCE($6, diversity_ratio),
			updated_at = now()
		WHERE asset = $1
	`, asset, tier, quality, confidence, risk, diversity)
	return wrapStorageErr("update_agent_atom_metrics", err)
}

// SetAgentDigest writes the new running digest and count for one chain.
func (s *Storage) SetAgentDigest(ctx context.Context, tx *sql.Tx, asset string, chain ChainType, digest []byte, count int64) error {
	col := digestColumn(chain)
	cntCol := countColumn(chain)
	query := fmt.Sprintf(`UPDATE agents SET %s = $2, %s = $3, updated_at = now() WHERE asset = $1`, col, cntCol)
	_, err := tx.ExecContext(ctx, query, asset, digest, count)
	return wrapStorageErr("set_agent_digest", err)
}

func digestColumn(chain ChainType) string {
	switch chain {
	case ChainFeedback:
		return "feedback_digest"
	case ChainResponse:
		return "response_digest"
	default:
		return "revoke_digest"
	}
}

func countColumn(chain ChainType) string {
	switch chain {
	case ChainFeedback:
		return "feedback_count"
	case ChainResponse:
		return "response_count"
	default:
		return "revoke_count"
	}
}

// Feedback

// FindFeedback locates a feedback row by its natural key, locking it for update.
func (s *Storage) FindFeedback(ctx context.Context, tx *sql.Tx, asset, client string, feedbackIndex uint64) (*Feedback, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, feedback_id, asset, client_address, feedback_index, value, value_decimals,
			score, tag1, tag2, endpoint, feedback_uri, feedback_hash, running_digest, is_revoked,
			status, slot, tx_signature, tx_index, event_ordinal, created_at, revoked_at
		FROM feedback WHERE asset = $1 AND client_address = $2 AND feedback_index = $3
		FOR UPDATE
	`, asset, client, feedbackIndex)
	f := &Feedback{}
	err := row.Scan(
		&f.ID, &f.FeedbackID, &f.Asset, &f.ClientAddress, &f.FeedbackIndex, &f.Value, &f.ValueDecimals,
		&f.Score, &f.Tag1, &f.Tag2, &f.Endpoint, &f.FeedbackURI, &f.FeedbackHash, &f.RunningDigest, &f.IsRevoked,
		&f.Status, &f.Slot, &f.TxSignature, &f.TxIndex, &f.EventOrdinal, &f.CreatedAt, &f.RevokedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("find_feedback", err)
	}
	return f, nil
}

// InsertFeedback inserts a new feedback row. A replay of the same
// (asset, client_address, feedback_index) is a no-op: the caller is expected
// to have already checked FindFeedback before allocating a feedback_id, so
// the ON CONFLICT here is a defense-in-depth backstop, not the primary guard.
func (s *Storage) InsertFeedback(ctx context.Context, tx *sql.Tx, f *Feedback) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO feedback (
			feedback_id, asset, client_address, feedback_index, value, value_decimals,
			score, tag1, tag2, endpoint, feedback_uri, feedback_hash, running_digest,
			is_revoked, status, slot, tx_signature, tx_index, event_ordinal, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,now())
		ON CONFLICT (asset, client_address, feedback_index) DO NOTHING
		RETURNING id
	`,
		f.FeedbackID, f.Asset, f.ClientAddress, f.FeedbackIndex, f.Value, f.ValueDecimals,
		f.Score, f.Tag1, f.Tag2, f.Endpoint, f.FeedbackURI, f.FeedbackHash, f.RunningDigest,
		f.IsRevoked, f.Status, f.Slot, f.TxSignature, f.TxIndex, f.EventOrdinal,
	).Scan(&f.ID)
	if err == sql.ErrNoRows {
		// Duplicate delivery of the same transaction; treat as a no-op.
		return nil
	}
	return wrapStorageErr("insert_feedback", err)
}

// MarkFeedbackRevoked flips is_revoked and records revoked_at.
func (s *Storage) MarkFeedbackRevoked(ctx context.Context, tx *sql.Tx, id int64, revokedAt time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE feedback SET is_revoked = true, revoked_at = $2 WHERE id = $1`, id, revokedAt)
	return wrapStorageErr("mark_feedback_revoked", err)
}

// Revocations

// FindRevocation looks up the revocation already recorded for
// (asset, client_address, feedback_index), if any, locking the row for the
// duration of the caller's transaction. A non-nil result means a prior
// attempt at this same event already ran to completion; callers must treat
// that as a no-op rather than allocating a fresh revocation_id.
func (s *Storage) FindRevocation(ctx context.Context, tx *sql.Tx, asset, client string, feedbackIndex uint64) (*Revocation, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, revocation_id, asset, client_address, feedback_index, feedback_hash, running_digest,
			original_score, atom_enabled, had_impact, status, slot, tx_signature, tx_index,
			event_ordinal, created_at
		FROM revocations WHERE asset = $1 AND client_address = $2 AND feedback_index = $3
		FOR UPDATE
	`, asset, client, feedbackIndex)
	r := &Revocation{}
	err := row.Scan(
		&r.ID, &r.RevocationID, &r.Asset, &r.ClientAddress, &r.FeedbackIndex, &r.FeedbackHash, &r.RunningDigest,
		&r.OriginalScore, &r.AtomEnabled, &r.HadImpact, &r.Status, &r.Slot, &r.TxSignature, &r.TxIndex,
		&r.EventOrdinal, &r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("find_revocation", err)
	}
	return r, nil
}

// InsertRevocation inserts a new revocation row. As with InsertFeedback, the
// ON CONFLICT is a defense-in-depth backstop behind FindRevocation.
func (s *Storage) InsertRevocation(ctx context.Context, tx *sql.Tx, r *Revocation) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO revocations (
			revocation_id, asset, client_address, feedback_index, feedback_hash, running_digest,
			original_score, atom_enabled, had_impact, status, slot, tx_signature, tx_index,
			event_ordinal, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,now())
		ON CONFLICT (asset, client_address, feedback_index) DO NOTHING
		RETURNING id
	`,
		r.RevocationID, r.Asset, r.ClientAddress, r.FeedbackIndex, r.FeedbackHash, r.RunningDigest,
		r.OriginalScore, r.AtomEnabled, r.HadImpact, r.Status, r.Slot, r.TxSignature, r.TxIndex,
		r.EventOrdinal,
	).Scan(&r.ID)
	if err == sql.ErrNoRows {
		// Duplicate delivery of the same transaction; treat as a no-op.
		return nil
	}
	return wrapStorageErr("insert_revocation", err)
}

// Responses

// FindResponse looks up the response already recorded for the unique key a
// replayed ResponseAppended would collide on — (asset, client_address,
// feedback_index, responder, tx_signature) — locking the row for the
// duration of the caller's transaction. A non-nil result means this event
// was already applied; callers must treat that as a no-op rather than
// allocating a fresh response_id.
func (s *Storage) FindResponse(ctx context.Context, tx *sql.Tx, asset, client string, feedbackIndex uint64, responder, txSignature string) (*Response, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, response_id, asset, client_address, feedback_index, responder, response_uri,
			response_hash, running_digest, status, slot, tx_signature, tx_index, event_ordinal, created_at
		FROM responses
		WHERE asset = $1 AND client_address = $2 AND feedback_index = $3 AND responder = $4 AND tx_signature = $5
		FOR UPDATE
	`, asset, client, feedbackIndex, responder, txSignature)
	r := &Response{}
	err := row.Scan(
		&r.ID, &r.ResponseID, &r.Asset, &r.ClientAddress, &r.FeedbackIndex, &r.Responder, &r.ResponseURI,
		&r.ResponseHash, &r.RunningDigest, &r.Status, &r.Slot, &r.TxSignature, &r.TxIndex, &r.EventOrdinal, &r.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.StorageError("find_response", err)
	}
	return r, nil
}

// InsertResponse inserts a new response row.
func (s *Storage) InsertResponse(ctx context.Context, tx *sql.Tx, r *Response) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO responses (
			response_id, asset, client_address, feedback_index, responder, response_uri,
			response_hash, running_digest, status, slot, tx_signature, tx_index, event_ordinal, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,now())
		ON CONFLICT (asset, client_address, feedback_index, responder, tx_signature) DO NOTHING
		RETURNING id
	`,
		r.ResponseID, r.Asset, r.ClientAddress, r.FeedbackIndex, r.Responder, r.ResponseURI,
		r.ResponseHash, r.RunningDigest, r.Status, r.Slot, r.TxSignature, r.TxIndex, r.EventOrdinal,
	).Scan(&r.ID)
	if err == sql.ErrNoRows {
		// Duplicate delivery of the same transaction; treat as a no-op.
		return nil
	}
	return wrapStorageErr("insert_response", err)
}

// Metadata

// UpsertMetadata writes value for (asset, key) unless the existing row is
// immutable, and silently ignores reserved _uri: keys (owned by the URI
// subsystem).
func (s *Storage) UpsertMetadata(ctx context.Context, tx *sql.Tx, m *MetadataEntry) error {
	if isURIMetadataKey(m.Key) {
		return nil
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO metadata_entries (asset, key, value_bytes, immutable, status, updated_at)
		VALUES ($1,$2,$3,$4,$5,now())
		ON CONFLICT (asset, key) DO UPDATE SET
			value_bytes = EXCLUDED.value_bytes,
			immutable = EXCLUDED.immutable,
			updated_at = now()
		WHERE NOT metadata_entries.immutable
	`, m.Asset, m.Key, m.Value, m.Immutable, m.Status)
	return wrapStorageErr("upsert_metadata", err)
}

// DeleteMetadata removes a (asset, key) entry.
func (s *Storage) DeleteMetadata(ctx context.Context, tx *sql.Tx, asset, key string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM metadata_entries WHERE asset = $1 AND key = $2`, asset, key)
	return wrapStorageErr("delete_metadata", err)
}

// Validations

// UpsertValidationRequest upserts the request half of a validation by its
// natural key.
func (s *Storage) UpsertValidationRequest(ctx context.Context, tx *sql.Tx, v *Validation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO validations (asset, validator_address, nonce, request_uri, request_hash, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,now(),now())
		ON CONFLICT (asset, validator_address, nonce) DO UPDATE SET
			request_uri = EXCLUDED.request_uri,
			request_hash = EXCLUDED.request_hash,
			updated_at = now()
	`, v.Asset, v.ValidatorAddr, v.Nonce, v.RequestURI, v.RequestHash, v.Status)
	return wrapStorageErr("upsert_validation_request", err)
}

// UpsertValidationResponse upserts the response half of a validation.
func (s *Storage) UpsertValidationResponse(ctx context.Context, tx *sql.Tx, v *Validation) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO validations (asset, validator_address, nonce, response, response_uri, response_hash, tag, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now(),now())
		ON CONFLICT (asset, validator_address, nonce) DO UPDATE SET
			response = EXCLUDED.response,
			response_uri = EXCLUDED.response_uri,
			response_hash = EXCLUDED.response_hash,
			tag = EXCLUDED.tag,
			updated_at = now()
	`, v.Asset, v.ValidatorAddr, v.Nonce, v.Response, v.ResponseURI, v.ResponseHash, v.Tag, v.Status)
	return wrapStorageErr("upsert_validation_response", err)
}

// Registries

// UpsertRegistry upserts a collection/registry row.
func (s *Storage) UpsertRegistry(ctx context.Context, tx *sql.Tx, r *Registry) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO registries (collection_pointer, authority, registry_type, status, created_at, updated_at)
		VALUES ($1,$2,$3,$4,now(),now())
		ON CONFLICT (collection_pointer) DO UPDATE SET
			authority = EXCLUDED.authority,
			registry_type = EXCLUDED.registry_type,
			updated_at = now()
	`, r.CollectionPointer, r.Authority, r.RegistryType, r.Status)
	return wrapStorageErr("upsert_registry", err)
}

// URI work queue

// EnqueueURIWork records a pending metadata fetch. One pending item per
// asset is kept; a newer URI for the same asset overwrites the older one
// (newest-wins soft backpressure, per the URI queue policy).
func (s *Storage) EnqueueURIWork(ctx context.Context, tx *sql.Tx, item URIWorkItem) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO uri_work_queue (asset, uri, enqueued_at)
		VALUES ($1,$2,now())
		ON CONFLICT (asset) DO UPDATE SET uri = EXCLUDED.uri, enqueued_at = now()
	`, item.Asset, item.URI)
	return wrapStorageErr("enqueue_uri_work", err)
}

// Dead letter ring

// CountDeadLetter returns the current occupancy of the dead_letter_events table.
func (s *Storage) CountDeadLetter(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letter_events`).Scan(&count)
	if err != nil {
		return 0, errors.StorageError("count_dead_letter", err)
	}
	return count, nil
}

// InsertDeadLetter appends one diagnostic entry. The table is append-only;
// rows are never deleted by the running process.
func (s *Storage) InsertDeadLetter(ctx context.Context, e DeadLetterEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letter_events (event_kind, tx_signature, slot, reason, payload, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, e.EventKind, e.Signature, e.Slot, e.Reason, e.Payload, e.CreatedAt)
	if err != nil {
		return errors.StorageError("insert_dead_letter", err)
	}
	return nil
}

func wrapStorageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.StorageError(op, err)
}
