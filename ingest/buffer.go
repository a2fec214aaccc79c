package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"sync"
	"sync/atomic"
	"time"

	"github.com/agentregistry/indexer/infrastructure/errors"
	"github.com/agentregistry/indexer/infrastructure/logging"
	"github.com/agentregistry/indexer/infrastructure/metrics"
	"github.com/agentregistry/indexer/infrastructure/resilience"
)

var zeroAddress = "11111111111111111111111111111111111111111"

// Buffer is the single gateway to storage mutations for ingested events. It
// stages decoded events in canonical order and flushes them in one atomic
// transaction per batch, ceiling 500 events or every 500ms, whichever first.
type Buffer struct {
	cfg     *Config
	storage *Storage
	alloc   *Allocator
	dead    *DeadLetterQueue
	log     *logging.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	staged []Event

	flushInProgress int32

	mu2     sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	// fatal receives the error that triggered fail-stop, if any.
	fatal chan error
}

// NewBuffer constructs a Buffer.
func NewBuffer(cfg *Config, storage *Storage, alloc *Allocator, dead *DeadLetterQueue, log *logging.Logger) *Buffer {
	return &Buffer{
		cfg:     cfg,
		storage: storage,
		alloc:   alloc,
		dead:    dead,
		log:     log,
		metrics: metrics.Global(),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
		fatal:   make(chan error, 1),
	}
}

// Add stages an event. Staging never blocks and never rejects; the buffer is
// flush-cap-driven, not soft-capped.
func (b *Buffer) Add(ev Event) {
	b.mu.Lock()
	b.staged = append(b.staged, ev)
	full := len(b.staged) >= b.cfg.FlushMaxEvents
	b.mu.Unlock()

	if full {
		go b.tryFlush(context.Background())
	}
}

// Start launches the interval-driven flush loop.
func (b *Buffer) Start(ctx context.Context) error {
	b.mu2.Lock()
	if b.running {
		b.mu2.Unlock()
		return nil
	}
	b.running = true
	b.mu2.Unlock()

	go b.loop(ctx)
	return nil
}

// Stop requests the flush loop to exit, waiting for any in-flight flush to drain.
func (b *Buffer) Stop() {
	b.mu2.Lock()
	if !b.running {
		b.mu2.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	b.mu2.Unlock()

	<-b.done
}

// Fatal returns a channel that receives the fail-stop error, if the buffer
// ever exhausts its retry budget with a saturated dead-letter ring.
func (b *Buffer) Fatal() <-chan error { return b.fatal }

func (b *Buffer) loop(ctx context.Context) {
	defer close(b.done)
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			b.tryFlush(ctx)
			return
		case <-ticker.C:
			b.tryFlush(ctx)
		}
	}
}

// tryFlush enforces the single-writer discipline: a concurrent flush request
// returns immediately rather than blocking.
func (b *Buffer) tryFlush(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&b.flushInProgress, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&b.flushInProgress, 0)

	b.mu.Lock()
	if len(b.staged) == 0 {
		b.mu.Unlock()
		return
	}
	batch := b.staged
	b.mu.Unlock()

	start := time.Now()
	retryCfg := resilience.RetryConfig{
		MaxAttempts:  b.cfg.FlushMaxRetries,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.1,
	}

	err := resilience.Retry(ctx, retryCfg, func() error {
		return b.flush(ctx, batch)
	})

	elapsed := time.Since(start)

	if err != nil {
		b.metrics.RecordFlush("error", elapsed)
		b.log.WithField("batch_size", len(batch)).WithError(err).Error("flush exhausted retry budget")

		if dlErr := b.dead.Append(batch, err); dlErr != nil {
			b.log.WithError(dlErr).Error("dead-letter ring saturated, fail-stopping")
			select {
			case b.fatal <- errors.FlushFailed(len(batch), dlErr):
			default:
			}
			return
		}
		// Batch remains staged (fail-stop): do not clear it, so the same
		// events are retried on the next tick.
		return
	}

	b.metrics.RecordFlush("ok", elapsed)

	b.mu.Lock()
	if len(b.staged) == len(batch) {
		b.staged = nil
	} else {
		b.staged = b.staged[len(batch):]
	}
	b.mu.Unlock()
}

// flush applies one batch atomically: opens a transaction, applies events in
// canonical order, advances the cursor, commits.
func (b *Buffer) flush(ctx context.Context, batch []Event) error {
	tx, err := b.storage.BeginTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var lastMeta EventMeta
	for _, ev := range batch {
		if err := b.apply(ctx, tx, ev); err != nil {
			return err
		}
		lastMeta = ev.Meta()
	}

	if err := b.storage.UpsertCursor(ctx, tx, Cursor{
		LastSignature: lastMeta.Signature,
		LastSlot:      lastMeta.Slot,
		Source:        "buffer",
	}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return errors.StorageError("commit_flush", err)
	}

	b.metrics.SetCursorSlot(lastMeta.Slot)
	return nil
}

// apply dispatches one event to its storage operation, per §4.B.
func (b *Buffer) apply(ctx context.Context, tx *sql.Tx, ev Event) error {
	b.metrics.RecordEventDecoded(ev.Kind())

	switch e := ev.(type) {
	case AgentRegistered:
		return b.applyAgentRegistered(ctx, tx, e)
	case UriUpdated:
		if err := b.storage.UpdateAgentURI(ctx, tx, e.Asset, e.AgentURI); err != nil {
			return err
		}
		return b.storage.EnqueueURIWork(ctx, tx, URIWorkItem{Asset: e.Asset, URI: e.AgentURI})
	case WalletUpdated:
		wallet := e.Wallet
		if wallet == zeroAddress {
			wallet = ""
		}
		return b.storage.UpdateAgentWallet(ctx, tx, e.Asset, wallet)
	case AtomEnabled:
		return b.storage.UpdateAgentAtomEnabled(ctx, tx, e.Asset, e.Enabled)
	case AgentOwnerSynced:
		return b.storage.UpdateAgentOwner(ctx, tx, e.Asset, e.NewOwner)
	case MetadataSet:
		return b.storage.UpsertMetadata(ctx, tx, &MetadataEntry{
			Asset: e.Asset, Key: e.Key, Value: e.Value, Immutable: e.Immutable, Status: StatusPending,
		})
	case MetadataDeleted:
		return b.storage.DeleteMetadata(ctx, tx, e.Asset, e.Key)
	case NewFeedback:
		return b.applyNewFeedback(ctx, tx, e)
	case FeedbackRevoked:
		return b.applyFeedbackRevoked(ctx, tx, e)
	case ResponseAppended:
		return b.applyResponseAppended(ctx, tx, e)
	case ValidationRequested:
		if !b.cfg.ValidationIndexEnabled {
			return nil
		}
		return b.storage.UpsertValidationRequest(ctx, tx, &Validation{
			Asset: e.Asset, ValidatorAddr: e.ValidatorAddr, Nonce: e.Nonce[:],
			RequestURI: e.RequestURI, RequestHash: e.RequestHash[:], Status: StatusPending,
		})
	case ValidationResponded:
		if !b.cfg.ValidationIndexEnabled {
			return nil
		}
		var hash []byte
		if e.ResponseHash != nil {
			hash = e.ResponseHash[:]
		}
		return b.storage.UpsertValidationResponse(ctx, tx, &Validation{
			Asset: e.Asset, ValidatorAddr: e.ValidatorAddr, Nonce: e.Nonce[:],
			Response: e.Response, ResponseURI: e.ResponseURI, ResponseHash: hash, Tag: e.Tag,
			Status: StatusPending,
		})
	case RegistryInitialized:
		return b.storage.UpsertRegistry(ctx, tx, &Registry{
			CollectionPointer: e.CollectionPointer, Authority: e.Authority,
			RegistryType: e.RegistryType, Status: StatusPending,
		})
	default:
		return errors.HandlerFailed(ev.Kind(), errors.New("unrecognized event type"))
	}
}

func (b *Buffer) applyAgentRegistered(ctx context.Context, tx *sql.Tx, e AgentRegistered) error {
	id, err := b.alloc.Allocate(ctx, tx, ScopeGlobalAgent)
	if err != nil {
		return err
	}

	var uri *string
	if e.AgentURI != "" {
		uri = &e.AgentURI
	}

	a := &Agent{
		Asset: e.Asset, Owner: e.Owner, CollectionPointer: e.CollectionPointer,
		Creator: e.Creator, ParentAsset: e.ParentAsset, AgentURI: uri, AtomEnabled: e.AtomEnabled,
		AgentID:          &id,
		CanonicalSlot:    e.Slot,
		CanonicalSig:     e.Signature,
		CanonicalTxIndex: e.TxIndex,
		CanonicalOrdinal: e.EventOrdinal,
	}
	if err := b.storage.UpsertAgent(ctx, tx, a); err != nil {
		return err
	}
	if e.AgentURI != "" {
		return b.storage.EnqueueURIWork(ctx, tx, URIWorkItem{Asset: e.Asset, URI: e.AgentURI})
	}
	return nil
}

func (b *Buffer) applyNewFeedback(ctx context.Context, tx *sql.Tx, e NewFeedback) error {
	if existing, err := b.storage.FindFeedback(ctx, tx, e.Asset, e.ClientAddress, e.FeedbackIndex); err != nil {
		return err
	} else if existing != nil {
		// Already applied on a prior attempt at this event; replay is a no-op.
		return nil
	}

	id, err := b.alloc.Allocate(ctx, tx, ScopeFeedback(e.Asset))
	if err != nil {
		return err
	}

	var hash []byte
	if e.SealHash != ZeroDigest {
		hash = e.SealHash[:]
	}

	agent, err := b.storage.GetAgent(ctx, tx, e.Asset)
	if err != nil {
		return err
	}
	prevDigest := ZeroDigest[:]
	prevCount := int64(0)
	if agent != nil {
		prevDigest = agent.FeedbackDigest
		prevCount = agent.FeedbackCount
	}
	digest := chainDigest(prevDigest, hash)

	f := &Feedback{
		FeedbackID: &id, Asset: e.Asset, ClientAddress: e.ClientAddress, FeedbackIndex: e.FeedbackIndex,
		Value: e.Value, ValueDecimals: e.ValueDecimals, Score: e.Score, Tag1: e.Tag1, Tag2: e.Tag2,
		Endpoint: e.Endpoint, FeedbackURI: e.FeedbackURI, FeedbackHash: hash, RunningDigest: digest,
		Status: StatusPending, Slot: e.Slot, TxSignature: e.Signature, TxIndex: e.TxIndex, EventOrdinal: e.EventOrdinal,
	}
	if err := b.storage.InsertFeedback(ctx, tx, f); err != nil {
		return err
	}
	if err := b.storage.SetAgentDigest(ctx, tx, e.Asset, ChainFeedback, digest, prevCount+1); err != nil {
		return err
	}

	if e.TrustTier != nil || e.QualityScore != nil || e.Confidence != nil || e.RiskScore != nil || e.DiversityRatio != nil {
		return b.storage.UpdateAgentATOMMetrics(ctx, tx, e.Asset, e.TrustTier, e.QualityScore, e.Confidence, e.RiskScore, e.DiversityRatio)
	}
	return nil
}

func (b *Buffer) applyFeedbackRevoked(ctx context.Context, tx *sql.Tx, e FeedbackRevoked) error {
	if existingRevocation, err := b.storage.FindRevocation(ctx, tx, e.Asset, e.ClientAddress, e.FeedbackIndex); err != nil {
		return err
	} else if existingRevocation != nil {
		// Already applied (matched, mismatched, or orphaned) on a prior
		// attempt at this event; replay is a no-op, not a fresh allocation.
		return nil
	}

	var seal []byte
	if e.SealHash != ZeroDigest {
		seal = e.SealHash[:]
	}

	existing, err := b.storage.FindFeedback(ctx, tx, e.Asset, e.ClientAddress, e.FeedbackIndex)
	if err != nil {
		return err
	}

	agent, err := b.storage.GetAgent(ctx, tx, e.Asset)
	if err != nil {
		return err
	}
	prevDigest := ZeroDigest[:]
	prevCount := int64(0)
	if agent != nil {
		prevDigest = agent.RevokeDigest
		prevCount = agent.RevokeCount
	}

	switch {
	case existing != nil && bytes.Equal(existing.FeedbackHash, seal):
		if err := b.storage.MarkFeedbackRevoked(ctx, tx, existing.ID, time.Now().UTC()); err != nil {
			return err
		}
		id, err := b.alloc.Allocate(ctx, tx, ScopeRevocation(e.Asset))
		if err != nil {
			return err
		}
		digest := chainDigest(prevDigest, seal)
		r := &Revocation{
			RevocationID: &id, Asset: e.Asset, ClientAddress: e.ClientAddress, FeedbackIndex: e.FeedbackIndex,
			FeedbackHash: seal, RunningDigest: digest, OriginalScore: existing.Score, AtomEnabled: e.AtomEnabled,
			HadImpact: e.HadImpact, Status: StatusPending, Slot: e.Slot, TxSignature: e.Signature,
			TxIndex: e.TxIndex, EventOrdinal: e.EventOrdinal,
		}
		if err := b.storage.InsertRevocation(ctx, tx, r); err != nil {
			return err
		}
		if err := b.storage.SetAgentDigest(ctx, tx, e.Asset, ChainRevocation, digest, prevCount+1); err != nil {
			return err
		}
		if e.HadImpact {
			return b.storage.UpdateAgentATOMMetrics(ctx, tx, e.Asset, nil, nil, nil, nil, nil)
		}
		return nil

	case existing != nil:
		b.log.WithField("asset", e.Asset).WithField("client", e.ClientAddress).
			Warn("feedback revocation seal mismatch, recording orphaned")
		r := &Revocation{
			Asset: e.Asset, ClientAddress: e.ClientAddress, FeedbackIndex: e.FeedbackIndex,
			FeedbackHash: seal, Status: StatusOrphaned, Slot: e.Slot, TxSignature: e.Signature,
			TxIndex: e.TxIndex, EventOrdinal: e.EventOrdinal,
		}
		return b.storage.InsertRevocation(ctx, tx, r)

	default:
		r := &Revocation{
			Asset: e.Asset, ClientAddress: e.ClientAddress, FeedbackIndex: e.FeedbackIndex,
			FeedbackHash: seal, Status: StatusOrphaned, Slot: e.Slot, TxSignature: e.Signature,
			TxIndex: e.TxIndex, EventOrdinal: e.EventOrdinal,
		}
		return b.storage.InsertRevocation(ctx, tx, r)
	}
}

func (b *Buffer) applyResponseAppended(ctx context.Context, tx *sql.Tx, e ResponseAppended) error {
	if existing, err := b.storage.FindResponse(ctx, tx, e.Asset, e.ClientAddress, e.FeedbackIndex, e.Responder, e.Signature); err != nil {
		return err
	} else if existing != nil {
		// Already applied on a prior attempt at this event; replay is a
		// no-op rather than burning another response_id.
		return nil
	}

	var hash []byte
	if e.ResponseHash != ZeroDigest {
		hash = e.ResponseHash[:]
	}

	feedback, err := b.storage.FindFeedback(ctx, tx, e.Asset, e.ClientAddress, e.FeedbackIndex)
	if err != nil {
		return err
	}

	agent, err := b.storage.GetAgent(ctx, tx, e.Asset)
	if err != nil {
		return err
	}
	prevDigest := ZeroDigest[:]
	prevCount := int64(0)
	if agent != nil {
		prevDigest = agent.ResponseDigest
		prevCount = agent.ResponseCount
	}

	if feedback != nil && !feedback.IsRevoked {
		id, err := b.alloc.Allocate(ctx, tx, ScopeResponse(e.Asset, e.ClientAddress, e.FeedbackIndex))
		if err != nil {
			return err
		}
		digest := chainDigest(prevDigest, hash)
		r := &Response{
			ResponseID: &id, Asset: e.Asset, ClientAddress: e.ClientAddress, FeedbackIndex: e.FeedbackIndex,
			Responder: e.Responder, ResponseURI: e.ResponseURI, ResponseHash: hash, RunningDigest: digest,
			Status: StatusPending, Slot: e.Slot, TxSignature: e.Signature, TxIndex: e.TxIndex, EventOrdinal: e.EventOrdinal,
		}
		if err := b.storage.InsertResponse(ctx, tx, r); err != nil {
			return err
		}
		return b.storage.SetAgentDigest(ctx, tx, e.Asset, ChainResponse, digest, prevCount+1)
	}

	r := &Response{
		Asset: e.Asset, ClientAddress: e.ClientAddress, FeedbackIndex: e.FeedbackIndex,
		Responder: e.Responder, ResponseURI: e.ResponseURI, ResponseHash: hash,
		Status: StatusOrphaned, Slot: e.Slot, TxSignature: e.Signature, TxIndex: e.TxIndex, EventOrdinal: e.EventOrdinal,
	}
	return b.storage.InsertResponse(ctx, tx, r)
}

// chainDigest computes H(prev || eventHash), the running hash-chain update.
// eventHash may be nil (a null seal), in which case the zero-filled 32 bytes
// participate in the hash like any other value — the chain still advances.
func chainDigest(prev []byte, eventHash []byte) []byte {
	h := sha256.New()
	h.Write(prev)
	if eventHash != nil {
		h.Write(eventHash)
	} else {
		h.Write(ZeroDigest[:])
	}
	sum := h.Sum(nil)
	return sum
}
