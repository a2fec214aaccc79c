package verify

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/agentregistry/indexer/infrastructure/chainrpc"
	"github.com/agentregistry/indexer/infrastructure/hex"
	"github.com/agentregistry/indexer/infrastructure/logging"
	"github.com/agentregistry/indexer/infrastructure/metrics"
	"github.com/agentregistry/indexer/ingest"
)

// Verifier is the background reconciler: every cycle it fetches current_slot,
// walks PENDING rows at or behind a safety-margin cutoff, checks existence
// and hash-chain digests against the chain, and periodically re-examines
// ORPHANED rows in case a reorg that orphaned them itself got reorged away.
type Verifier struct {
	cfg     *ingest.Config
	storage *Storage
	rpc     *chainrpc.Client
	alloc   *ingest.Allocator
	replay  *ReplayVerifier
	log     *logging.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	running    bool
	stopCh     chan struct{}
	done       chan struct{}
	inProgress int
	cycleCount int64
}

// NewVerifier constructs a Verifier.
func NewVerifier(cfg *ingest.Config, storage *Storage, rpc *chainrpc.Client, log *logging.Logger) *Verifier {
	return &Verifier{
		cfg:     cfg,
		storage: storage,
		rpc:     rpc,
		alloc:   ingest.NewAllocator(),
		replay:  NewReplayVerifier(storage, cfg.CheckpointInterval),
		log:     log,
		metrics: metrics.Global(),
	}
}

// Start launches the verify-cycle loop.
func (v *Verifier) Start(ctx context.Context) error {
	v.mu.Lock()
	if v.running {
		v.mu.Unlock()
		return nil
	}
	v.running = true
	v.stopCh = make(chan struct{})
	v.done = make(chan struct{})
	v.mu.Unlock()

	v.metrics.SetVerifierActive(true)
	go v.loop(ctx)
	return nil
}

// Stop signals the loop to exit and waits for it to drain.
func (v *Verifier) Stop() {
	v.mu.Lock()
	if !v.running {
		v.mu.Unlock()
		return
	}
	v.running = false
	close(v.stopCh)
	done := v.done
	v.mu.Unlock()

	<-done
	v.metrics.SetVerifierActive(false)
}

func (v *Verifier) loop(ctx context.Context) {
	defer close(v.done)

	ticker := time.NewTicker(v.cfg.VerifyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-v.stopCh:
			return
		case <-ticker.C:
			v.runCycle(ctx)
		}
	}
}

// runCycle executes one verify pass. Reentrancy-guarded: if a prior cycle is
// still running (e.g. a slow chain RPC), a new tick is dropped rather than
// stacking concurrent cycles against the same rows.
func (v *Verifier) runCycle(ctx context.Context) {
	v.mu.Lock()
	v.inProgress++
	inProgress := v.inProgress
	v.mu.Unlock()
	if inProgress > 1 {
		v.mu.Lock()
		v.inProgress--
		v.mu.Unlock()
		return
	}
	defer func() {
		v.mu.Lock()
		v.inProgress--
		v.mu.Unlock()
	}()

	currentSlot, err := v.rpc.GetSlot(ctx)
	if err != nil {
		v.log.WithError(err).Warn("verify: could not fetch current slot, skipping cycle")
		return
	}

	var cutoff uint64
	if currentSlot > v.cfg.VerifySafetyMarginSlots {
		cutoff = currentSlot - v.cfg.VerifySafetyMarginSlots
	}

	v.verifyAgents(ctx, cutoff)

	if n, err := v.storage.AutoFinalizeURIMetadata(ctx, v.cfg.VerifyBatchSize); err != nil {
		v.log.WithError(err).Warn("verify: auto-finalize uri metadata failed")
	} else if n > 0 {
		v.log.WithField("count", n).Debug("verify: auto-finalized uri metadata rows")
	}

	v.cycleCount++
	if v.cfg.VerifyRecoveryCycles > 0 && v.cycleCount%int64(v.cfg.VerifyRecoveryCycles) == 0 {
		v.runRecovery(ctx)
	}

	v.metrics.IntegrityVerifyCyclesTotal.Inc()
	v.metrics.IntegrityLastVerifiedSlot.Set(float64(cutoff))
}

// verifyAgents checks existence and hash-chain state for every PENDING agent
// at or behind cutoff, batching the existence check and fetching each
// agent's account once to check all three chains it owns.
func (v *Verifier) verifyAgents(ctx context.Context, cutoff uint64) {
	refs, err := v.storage.SelectPendingAgents(ctx, cutoff, v.cfg.VerifyBatchSize)
	if err != nil {
		v.log.WithError(err).Warn("verify: select pending agents failed")
		return
	}
	if len(refs) == 0 {
		return
	}

	addresses := make([]string, len(refs))
	for i, r := range refs {
		addresses[i] = r.Asset
	}
	existence := batchVerify(ctx, v.rpc, addresses, v.cfg.VerifyMaxRetries)

	for _, ref := range refs {
		switch existence[ref.Asset] {
		case chainrpc.AccountAbsent:
			v.orphanAgent(ctx, ref.Asset)
		case chainrpc.AccountExists:
			v.verifyAgentDigests(ctx, ref.Asset, cutoff)
		case chainrpc.AccountUnknown:
			// Inconclusive; leave PENDING, try again next cycle.
		}
	}
}

func (v *Verifier) orphanAgent(ctx context.Context, asset string) {
	if err := v.storage.MarkAgentOrphaned(ctx, asset); err != nil {
		v.log.WithError(err).WithField("asset", asset).Warn("verify: failed to orphan agent")
		return
	}
	v.metrics.IntegrityOrphanCount.Inc()
	v.log.WithField("asset", asset).Warn("verify: agent orphaned, account no longer exists on chain")
}

// verifyAgentDigests fetches the on-chain account once and reconciles all
// three owned chains (feedback, response, revocation) against it.
func (v *Verifier) verifyAgentDigests(ctx context.Context, asset string, cutoff uint64) {
	_, raw, err := v.rpc.GetAccountInfo(ctx, asset)
	if err != nil {
		v.log.WithError(err).WithField("asset", asset).Debug("verify: account fetch failed")
		return
	}

	account, err := parseAgentAccount(raw)
	if err != nil {
		v.log.WithError(err).WithField("asset", asset).Debug("verify: account too small to contain chain state yet")
		return
	}

	dbFeedback, dbResponse, dbRevoke, err := v.storage.GetAgentChainState(ctx, asset)
	if err != nil {
		v.log.WithError(err).WithField("asset", asset).Warn("verify: failed to read db chain state")
		return
	}

	v.reconcileChain(ctx, "feedback", asset, cutoff, dbFeedback, ChainDigestState{Digest: account.FeedbackDigest, Count: int64(account.FeedbackCount)})
	v.reconcileChain(ctx, "responses", asset, cutoff, dbResponse, ChainDigestState{Digest: account.ResponseDigest, Count: int64(account.ResponseCount)})
	v.reconcileChain(ctx, "revocations", asset, cutoff, dbRevoke, ChainDigestState{Digest: account.RevokeDigest, Count: int64(account.RevokeCount)})

	v.storage.MarkAgentFinalized(ctx, asset, cutoff)
}

func (v *Verifier) reconcileChain(ctx context.Context, table, asset string, cutoff uint64, db, chain ChainDigestState) {
	verdict := decideDigest(db.Count, chain.Count, db.Digest, chain.Digest)

	switch verdict {
	case VerdictMatch:
		if err := v.storage.MarkChainRowsFinalized(ctx, table, asset, cutoff, cutoff); err != nil {
			v.log.WithError(err).WithField("table", table).WithField("asset", asset).Warn("verify: finalize failed")
		}
		v.checkpointChain(ctx, table, asset, db.Count)
	case VerdictMismatch:
		v.metrics.IntegrityMismatchCount.Inc()
		v.log.WithField("table", table).WithField("asset", asset).
			WithField("db_count", db.Count).WithField("chain_count", chain.Count).
			WithField("db_digest", hex.EncodeToString(db.Digest)).
			WithField("chain_digest", hex.EncodeToString(chain.Digest)).
			Error("verify: hash-chain digest mismatch, ledger divergence detected")
	case VerdictPossibleReorg:
		v.log.WithField("table", table).WithField("asset", asset).
			WithField("db_count", db.Count).WithField("chain_count", chain.Count).
			Warn("verify: chain count behind db, possible reorg; leaving pending")
	case VerdictIndexerBehind:
		// Expected during normal operation: ingestion has not caught up yet.
	}
}

// chainTypeForTable maps a storage table name to its hash_chain_checkpoints
// chain_type discriminator.
func chainTypeForTable(table string) string {
	switch table {
	case "feedback":
		return string(ingest.ChainFeedback)
	case "responses":
		return string(ingest.ChainResponse)
	case "revocations":
		return string(ingest.ChainRevocation)
	default:
		return table
	}
}

// checkpointChain replays (table, asset)'s hash chain up to count and
// persists a fresh checkpoint, whenever count lands exactly on a
// CheckpointInterval boundary, per §4.F. This is a supplementary diagnostic on top of the
// account-level digest comparison in reconcileChain: it recomputes the
// per-row running digest independently and flags the first row (if any)
// whose stored running_digest has diverged from the replay.
func (v *Verifier) checkpointChain(ctx context.Context, table, asset string, count int64) {
	if v.cfg.CheckpointInterval <= 0 || count <= 0 || count%v.cfg.CheckpointInterval != 0 {
		return
	}

	result, err := v.replay.Replay(ctx, table, chainTypeForTable(table), asset, count)
	if err != nil {
		v.log.WithError(err).WithField("table", table).WithField("asset", asset).Warn("verify: checkpoint replay failed")
		return
	}
	if result.MismatchAt != nil {
		v.metrics.IntegrityMismatchCount.Inc()
		v.log.WithField("table", table).WithField("asset", asset).WithField("mismatch_id", *result.MismatchAt).
			Error("verify: checkpoint replay detected running_digest divergence")
	}
}

// runRecovery re-checks every ORPHANED agent for existence, reviving any
// that are present again (the reorg that orphaned them was itself reorged).
func (v *Verifier) runRecovery(ctx context.Context) {
	assets, err := v.storage.SelectOrphanedAgents(ctx, v.cfg.VerifyBatchSize)
	if err != nil {
		v.log.WithError(err).Warn("verify: select orphaned agents failed")
		return
	}
	if len(assets) == 0 {
		return
	}

	existence := batchVerify(ctx, v.rpc, assets, v.cfg.VerifyMaxRetries)
	for _, asset := range assets {
		if existence[asset] != chainrpc.AccountExists {
			continue
		}
		v.reviveAgent(ctx, asset)
	}
}

func (v *Verifier) reviveAgent(ctx context.Context, asset string) {
	tx, err := v.storage.BeginTx(ctx)
	if err != nil {
		v.log.WithError(err).WithField("asset", asset).Warn("verify: revive begin failed")
		return
	}
	defer tx.Rollback()

	id, err := v.alloc.Allocate(ctx, tx, ingest.ScopeGlobalAgent)
	if err != nil {
		v.log.WithError(err).WithField("asset", asset).Warn("verify: revive allocate failed")
		return
	}
	if err := v.storage.ReviveAgent(ctx, tx, asset, id); err != nil {
		v.log.WithError(err).WithField("asset", asset).Warn("verify: revive update failed")
		return
	}

	for _, table := range []string{"feedback", "responses", "revocations"} {
		if err := v.reviveChainRows(ctx, tx, table, asset); err != nil {
			v.log.WithError(err).WithField("asset", asset).WithField("table", table).Warn("verify: revive chain rows failed")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		v.log.WithError(err).WithField("asset", asset).Warn("verify: revive commit failed")
		return
	}
	v.log.WithField("asset", asset).Info("verify: agent revived, reorg that orphaned it was itself reorged")
}

// reviveChainRows assigns fresh tail-of-scope ids to every ORPHANED row of
// (table, asset), in canonical on-chain order, so they return to PENDING and
// are picked up by the next hash-chain verification pass. Response rows key
// their allocation scope by (asset, client, feedback_index), unlike feedback
// and revocations which share one scope per asset.
func (v *Verifier) reviveChainRows(ctx context.Context, tx *sql.Tx, table, asset string) error {
	rows, err := v.storage.SelectOrphanedChainRows(ctx, table, asset, v.cfg.VerifyBatchSize)
	if err != nil {
		return err
	}

	for _, row := range rows {
		var scope string
		switch table {
		case "feedback":
			scope = ingest.ScopeFeedback(asset)
		case "revocations":
			scope = ingest.ScopeRevocation(asset)
		case "responses":
			scope = ingest.ScopeResponse(asset, row.ClientAddress, row.FeedbackIndex)
		}

		newID, err := v.alloc.Allocate(ctx, tx, scope)
		if err != nil {
			return err
		}
		if err := v.storage.ReviveChainRow(ctx, tx, table, row.PK, newID); err != nil {
			return err
		}
	}
	return nil
}
