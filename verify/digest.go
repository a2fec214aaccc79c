package verify

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// agentAccountLayout mirrors the on-chain agent account's binary layout:
// discriminator(8) || collection(32) || owner(32) || asset(32) || bump(1) ||
// atom_enabled(1) || optional_wallet(1 tag + 32 data) || feedback_digest(32)
// || feedback_count(u64) || response_digest(32) || response_count(u64) ||
// revoke_digest(32) || revoke_count(u64). All integers little-endian.
type agentAccountLayout struct {
	FeedbackDigest []byte
	FeedbackCount  uint64
	ResponseDigest []byte
	ResponseCount  uint64
	RevokeDigest   []byte
	RevokeCount    uint64
}

const (
	headerFixedLen = 8 + 32 + 32 + 32 + 1 + 1 + 1 // up to and including the wallet presence tag
	chainTripleLen = 32 + 8
)

// parseAgentAccount decodes the three hash-chain triplets from a raw agent
// account buffer. Returns nil if the account is smaller than required (the
// caller should then treat the chain state as unknown, not mismatched).
func parseAgentAccount(raw []byte) (*agentAccountLayout, error) {
	if len(raw) < headerFixedLen {
		return nil, fmt.Errorf("verify: account too small for header: %d bytes", len(raw))
	}

	pos := headerFixedLen
	walletTag := raw[headerFixedLen-1]
	if walletTag != 0 {
		pos += 32
	}

	if len(raw) < pos+3*chainTripleLen {
		return nil, fmt.Errorf("verify: account too small for chain state: %d bytes", len(raw))
	}

	read := func() ([]byte, uint64) {
		digest := append([]byte(nil), raw[pos:pos+32]...)
		pos += 32
		count := binary.LittleEndian.Uint64(raw[pos : pos+8])
		pos += 8
		return digest, count
	}

	fDigest, fCount := read()
	rDigest, rCount := read()
	vDigest, vCount := read()

	return &agentAccountLayout{
		FeedbackDigest: fDigest, FeedbackCount: fCount,
		ResponseDigest: rDigest, ResponseCount: rCount,
		RevokeDigest: vDigest, RevokeCount: vCount,
	}, nil
}

// DigestVerdict is the outcome of comparing a chain's DB state against its
// on-chain state, per the decision table.
type DigestVerdict int

const (
	// VerdictMatch: DB and chain agree; the chain's rows up to DB count may
	// be finalized.
	VerdictMatch DigestVerdict = iota
	// VerdictMismatch: same count, differing digest — ledger divergence.
	VerdictMismatch
	// VerdictIndexerBehind: chain has more rows than DB has ingested yet.
	// Not an error; just leave PENDING and wait for ingestion to catch up.
	VerdictIndexerBehind
	// VerdictPossibleReorg: chain reports fewer rows than the DB — the DB
	// may be ahead of a reorged chain. Logged, left PENDING.
	VerdictPossibleReorg
	// VerdictLeavePending: insufficient information to decide either way.
	// decideDigest never returns it; a DB with rows and a chain reporting
	// none is VerdictPossibleReorg.
	VerdictLeavePending
)

// decideDigest applies the §4.F decision table for one (asset, chain_type).
func decideDigest(dbCount, chainCount int64, dbDigest, chainDigest []byte) DigestVerdict {
	switch {
	case dbCount == 0 && chainCount == 0:
		return VerdictMatch
	case dbCount == chainCount:
		if bytes.Equal(dbDigest, chainDigest) {
			return VerdictMatch
		}
		return VerdictMismatch
	case chainCount > dbCount:
		// Covers both "chain ahead of a populated DB" and "chain has rows,
		// DB has none yet" — the indexer just hasn't caught up.
		return VerdictIndexerBehind
	default: // chainCount < dbCount
		return VerdictPossibleReorg
	}
}
