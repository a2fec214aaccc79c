package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agentregistry/indexer/infrastructure/chainrpc"
	"github.com/agentregistry/indexer/infrastructure/logging"
)

// Poller is the cursor-based backfill consumer: on each tick it fetches
// signatures newer than the persisted cursor, decodes their transactions in
// bounded-concurrency chunks, and hands events to the buffer in ascending
// chain order.
type Poller struct {
	cfg     *Config
	rpc     *chainrpc.Client
	decoder *Decoder
	buffer  *Buffer
	storage *Storage
	log     *logging.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}

	interval time.Duration
}

// NewPoller constructs a Poller with the configured tick interval.
func NewPoller(cfg *Config, rpc *chainrpc.Client, decoder *Decoder, buffer *Buffer, storage *Storage, log *logging.Logger) *Poller {
	return &Poller{
		cfg: cfg, rpc: rpc, decoder: decoder, buffer: buffer, storage: storage, log: log,
		interval: cfg.PollingInterval,
	}
}

// SetInterval adjusts the tick cadence (the processor slows the poller while
// the websocket path is healthy, and speeds it back up on fallback).
func (p *Poller) SetInterval(d time.Duration) {
	p.mu.Lock()
	p.interval = d
	p.mu.Unlock()
}

// Start launches the poll loop.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.done = make(chan struct{})
	p.mu.Unlock()

	go p.loop(ctx)
	return nil
}

// Stop requests the poll loop to exit and waits for it to drain.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	<-done
}

func (p *Poller) loop(ctx context.Context) {
	defer close(p.done)

	p.tick(ctx)
	for {
		p.mu.Lock()
		interval := p.interval
		p.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
			p.tick(ctx)
		}
	}
}

func (p *Poller) tick(ctx context.Context) {
	cursor, err := p.storage.GetCursor(ctx)
	if err != nil {
		p.log.WithError(err).Error("poller: read cursor")
		return
	}
	before := ""
	if cursor != nil {
		before = cursor.LastSignature
	}

	sigs, err := p.rpc.GetSignaturesForAddress(ctx, p.cfg.ProgramAddress, before, 1000)
	if err != nil {
		p.log.WithError(err).Warn("poller: fetch signatures, will retry next tick")
		return
	}
	if len(sigs) == 0 {
		return
	}

	// The RPC returns newest-first; canonical order is ascending by slot.
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].Slot < sigs[j].Slot })

	chunks := chunkStrings(signaturesOf(sigs), p.cfg.PollerChunkSize)
	records := make([][]chainrpc.TxLogRecord, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.PollerChunkConcurrency)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			recs, err := p.rpc.GetParsedTransactions(gctx, chunk)
			if err != nil {
				return err
			}
			records[i] = recs
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		p.log.WithError(err).Warn("poller: fetch transactions, will retry next tick")
		return
	}

	var all []chainrpc.TxLogRecord
	for _, recs := range records {
		all = append(all, recs...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Slot != all[j].Slot {
			return all[i].Slot < all[j].Slot
		}
		return txIndexOf(all[i]) < txIndexOf(all[j])
	})

	for _, rec := range all {
		tx := TxRecord{
			Signature: rec.Signature, Slot: rec.Slot, TxIndex: rec.TxIndex,
			BlockTime: rec.BlockTime, Failed: rec.Failed, Logs: rec.Logs,
		}
		for _, ev := range p.decoder.Decode(tx) {
			p.buffer.Add(ev)
		}
	}
}

func signaturesOf(sigs []chainrpc.SignatureInfo) []string {
	out := make([]string, len(sigs))
	for i, s := range sigs {
		out[i] = s.Signature
	}
	return out
}

func txIndexOf(r chainrpc.TxLogRecord) int {
	if r.TxIndex == nil {
		return -1
	}
	return *r.TxIndex
}

func chunkStrings(items []string, size int) [][]string {
	if size <= 0 {
		size = len(items)
	}
	var out [][]string
	for i := 0; i < len(items); i += size {
		end := i + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[i:end])
	}
	return out
}
