package ingest

import "time"

// Agent is the persisted view of an AgentRegistered account and everything
// that accumulates against it.
type Agent struct {
	Asset             string     `db:"asset"`
	Owner             string     `db:"owner"`
	CollectionPointer string     `db:"collection_pointer"`
	Creator           string     `db:"creator"`
	ParentAsset       *string    `db:"parent_asset"`
	AgentURI          *string    `db:"agent_uri"`
	Wallet            *string    `db:"wallet"`
	AtomEnabled       bool       `db:"atom_enabled"`
	TrustTier         *string    `db:"trust_tier"`
	QualityScore      *float64   `db:"quality_score"`
	Confidence        *float64   `db:"confidence"`
	RiskScore         *float64   `db:"risk_score"`
	DiversityRatio    *float64   `db:"diversity_ratio"`
	FeedbackDigest    []byte     `db:"feedback_digest"`
	FeedbackCount     int64      `db:"feedback_count"`
	ResponseDigest    []byte     `db:"response_digest"`
	ResponseCount     int64      `db:"response_count"`
	RevokeDigest      []byte     `db:"revoke_digest"`
	RevokeCount       int64      `db:"revoke_count"`
	Status            Status     `db:"status"`
	VerifiedAt        *time.Time `db:"verified_at"`
	VerifiedSlot      *uint64    `db:"verified_slot"`
	AgentID           *int64     `db:"agent_id"`
	CanonicalSlot     uint64     `db:"canonical_slot"`
	CanonicalSig      string     `db:"canonical_signature"`
	CanonicalTxIndex  *int       `db:"canonical_tx_index"`
	CanonicalOrdinal  int        `db:"canonical_event_ordinal"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// Feedback is one NewFeedback row.
type Feedback struct {
	ID             int64      `db:"id"`
	FeedbackID     *int64     `db:"feedback_id"`
	Asset          string     `db:"asset"`
	ClientAddress  string     `db:"client_address"`
	FeedbackIndex  uint64     `db:"feedback_index"`
	Value          int64      `db:"value"`
	ValueDecimals  int        `db:"value_decimals"`
	Score          *int32     `db:"score"`
	Tag1           *string    `db:"tag1"`
	Tag2           *string    `db:"tag2"`
	Endpoint       *string    `db:"endpoint"`
	FeedbackURI    *string    `db:"feedback_uri"`
	FeedbackHash   []byte     `db:"feedback_hash"`
	RunningDigest  []byte     `db:"running_digest"`
	IsRevoked      bool       `db:"is_revoked"`
	Status         Status     `db:"status"`
	Slot           uint64     `db:"slot"`
	TxSignature    string     `db:"tx_signature"`
	TxIndex        *int       `db:"tx_index"`
	EventOrdinal   int        `db:"event_ordinal"`
	CreatedAt      time.Time  `db:"created_at"`
	RevokedAt      *time.Time `db:"revoked_at"`
}

// Response is one ResponseAppended row.
type Response struct {
	ID            int64     `db:"id"`
	ResponseID    *int64    `db:"response_id"`
	Asset         string    `db:"asset"`
	ClientAddress string    `db:"client_address"`
	FeedbackIndex uint64    `db:"feedback_index"`
	Responder     string    `db:"responder"`
	ResponseURI   *string   `db:"response_uri"`
	ResponseHash  []byte    `db:"response_hash"`
	RunningDigest []byte    `db:"running_digest"`
	ResponseCount int64     `db:"response_count"`
	Status        Status    `db:"status"`
	Slot          uint64    `db:"slot"`
	TxSignature   string    `db:"tx_signature"`
	TxIndex       *int      `db:"tx_index"`
	EventOrdinal  int       `db:"event_ordinal"`
	CreatedAt     time.Time `db:"created_at"`
}

// Revocation is one FeedbackRevoked row.
type Revocation struct {
	ID            int64     `db:"id"`
	RevocationID  *int64    `db:"revocation_id"`
	Asset         string    `db:"asset"`
	ClientAddress string    `db:"client_address"`
	FeedbackIndex uint64    `db:"feedback_index"`
	FeedbackHash  []byte    `db:"feedback_hash"`
	RunningDigest []byte    `db:"running_digest"`
	RevokeCount   int64     `db:"revoke_count"`
	OriginalScore *int32    `db:"original_score"`
	AtomEnabled   bool      `db:"atom_enabled"`
	HadImpact     bool      `db:"had_impact"`
	Status        Status    `db:"status"`
	Slot          uint64    `db:"slot"`
	TxSignature   string    `db:"tx_signature"`
	TxIndex       *int      `db:"tx_index"`
	EventOrdinal  int       `db:"event_ordinal"`
	CreatedAt     time.Time `db:"created_at"`
}

// Validation is one validator request/response pair, upserted by
// (asset, validator_address, nonce).
type Validation struct {
	ID            int64     `db:"id"`
	Asset         string    `db:"asset"`
	ValidatorAddr string    `db:"validator_address"`
	Nonce         []byte    `db:"nonce"`
	RequestURI    *string   `db:"request_uri"`
	RequestHash   []byte    `db:"request_hash"`
	Response      *string   `db:"response"`
	ResponseURI   *string   `db:"response_uri"`
	ResponseHash  []byte    `db:"response_hash"`
	Tag           *string   `db:"tag"`
	Status        Status    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

// Registry is a collection/registry row.
type Registry struct {
	CollectionPointer string       `db:"collection_pointer"`
	Authority         string       `db:"authority"`
	RegistryType      RegistryType `db:"registry_type"`
	Status            Status       `db:"status"`
	CreatedAt         time.Time    `db:"created_at"`
	UpdatedAt         time.Time    `db:"updated_at"`
}

// MetadataEntry is a single (asset, key) -> value pair.
type MetadataEntry struct {
	Asset     string    `db:"asset"`
	Key       string    `db:"key"`
	Value     []byte    `db:"value_bytes"`
	Immutable bool      `db:"immutable"`
	Status    Status    `db:"status"`
	UpdatedAt time.Time `db:"updated_at"`
}

// reservedMetadataPrefix marks keys owned by the URI subsystem.
const reservedMetadataPrefix = "_uri:"

// isURIMetadataKey reports whether key is derived/owned by the URI fetcher.
func isURIMetadataKey(key string) bool {
	return len(key) >= len(reservedMetadataPrefix) && key[:len(reservedMetadataPrefix)] == reservedMetadataPrefix
}

// HashChainCheckpoint is a periodic snapshot of one chain's running digest.
type HashChainCheckpoint struct {
	Asset      string    `db:"asset"`
	ChainType  ChainType `db:"chain_type"`
	EventCount int64     `db:"event_count"`
	Digest     []byte    `db:"digest"`
	CreatedAt  time.Time `db:"created_at"`
}

// DigestCache is the verifier's per-agent cache of the last verified state.
type DigestCache struct {
	Asset             string     `db:"asset"`
	FeedbackDigest    []byte     `db:"feedback_digest"`
	FeedbackCount     int64      `db:"feedback_count"`
	ResponseDigest    []byte     `db:"response_digest"`
	ResponseCount     int64      `db:"response_count"`
	RevokeDigest      []byte     `db:"revoke_digest"`
	RevokeCount       int64      `db:"revoke_count"`
	LastVerifiedAt    *time.Time `db:"last_verified_at"`
	LastVerifiedSlot  *uint64    `db:"last_verified_slot"`
	NeedsGapFill      bool       `db:"needs_gap_fill"`
	GapFillFromSlot   *uint64    `db:"gap_fill_from_slot"`
}

// URIWorkItem is an enqueued request to fetch and index an agent's off-chain
// metadata document. Only the enqueue interface lives in this repository;
// the fetcher itself is an external collaborator.
type URIWorkItem struct {
	Asset     string
	URI       string
	EnqueuedAt time.Time
}
