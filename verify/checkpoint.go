package verify

import (
	"bytes"
	"context"
	"crypto/sha256"

	"github.com/agentregistry/indexer/ingest"
)

const replayBatchSize = 500

// ReplayResult is the outcome of replaying one chain up to a target count.
type ReplayResult struct {
	Digest     []byte
	Count      int64
	MismatchAt *int64 // scoped id of the first row whose stored digest disagrees with replay, if any
}

// ReplayVerifier reconstructs a hash-chain's running digest by walking its
// rows in canonical scoped-id order, starting from the latest checkpoint at
// or below targetCount (or from the empty chain if none exists), and
// persists a fresh checkpoint every CheckpointInterval rows it advances.
//
// The running digest recurrence is digest_n = sha256(digest_{n-1} || h_n),
// with h_n substituted by 32 zero bytes when a row carries no event hash.
type ReplayVerifier struct {
	storage           *Storage
	checkpointInterval int64
}

// NewReplayVerifier constructs a ReplayVerifier.
func NewReplayVerifier(storage *Storage, checkpointInterval int64) *ReplayVerifier {
	return &ReplayVerifier{storage: storage, checkpointInterval: checkpointInterval}
}

// Replay reconstructs (table, asset)'s running digest up to targetCount,
// checkpointing as it advances, and reports the first row (if any) whose
// stored running_digest diverges from the replayed value.
func (r *ReplayVerifier) Replay(ctx context.Context, table, chainType, asset string, targetCount int64) (*ReplayResult, error) {
	digest := ingest.ZeroDigest[:]
	var afterCount int64

	if cp, err := r.storage.LatestCheckpoint(ctx, asset, chainType, targetCount); err == nil && cp != nil {
		digest = cp.Digest
		afterCount = cp.Count
	}

	var mismatchAt *int64

	for afterCount < targetCount {
		batch, err := r.storage.SelectChainEvents(ctx, table, asset, afterCount, replayBatchSize)
		if err != nil {
			return nil, err
		}
		if len(batch) == 0 {
			break
		}

		for _, row := range batch {
			h := row.Hash
			if len(h) == 0 {
				h = ingest.ZeroDigest[:]
			}
			sum := sha256.New()
			sum.Write(digest)
			sum.Write(h)
			digest = sum.Sum(nil)

			if mismatchAt == nil && len(row.RunningDigest) > 0 && !bytes.Equal(digest, row.RunningDigest) {
				id := row.Count
				mismatchAt = &id
			}

			afterCount = row.Count

			if r.checkpointInterval > 0 && afterCount%r.checkpointInterval == 0 {
				if err := r.storage.UpsertCheckpoint(ctx, asset, chainType, afterCount, digest); err != nil {
					return nil, err
				}
			}
		}
	}

	return &ReplayResult{Digest: digest, Count: afterCount, MismatchAt: mismatchAt}, nil
}
