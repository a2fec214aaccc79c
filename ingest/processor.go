package ingest

import (
	"context"
	"sync"
	"time"

	"github.com/agentregistry/indexer/infrastructure/chainrpc"
	"github.com/agentregistry/indexer/infrastructure/logging"
)

const (
	processorMonitorInterval = 10 * time.Second
	wsHealthyPollCadence     = 30 * time.Second
)

// Verifier is the subset of the integrity verifier's lifecycle the processor
// drives; it is satisfied by *verify.Verifier without an import cycle.
type Verifier interface {
	Start(ctx context.Context) error
	Stop()
}

// Processor arbitrates between the polling and websocket ingestion paths
// per the configured Mode, and owns the verifier's lifecycle.
type Processor struct {
	cfg      *Config
	poller   *Poller
	ws       *WebsocketSubscriber
	rpc      *chainrpc.Client
	verifier Verifier
	log      *logging.Logger

	mu        sync.Mutex
	running   bool
	stopCh    chan struct{}
	wsHealthy bool
}

// NewProcessor constructs a Processor.
func NewProcessor(cfg *Config, poller *Poller, ws *WebsocketSubscriber, rpc *chainrpc.Client, verifier Verifier, log *logging.Logger) *Processor {
	return &Processor{cfg: cfg, poller: poller, ws: ws, rpc: rpc, verifier: verifier, log: log}
}

// Start begins ingestion per the configured mode and, if enabled, the verifier.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.stopCh = make(chan struct{})
	p.mu.Unlock()

	switch p.cfg.IndexerMode {
	case ModePolling:
		if err := p.poller.Start(ctx); err != nil {
			return err
		}
	case ModeWebsocket:
		if err := p.ws.Start(ctx); err != nil {
			return err
		}
	case ModeAuto:
		p.startAuto(ctx)
	}

	if p.verifier != nil && p.cfg.VerificationEnabled {
		if err := p.verifier.Start(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Stop cancels the monitor loop, stops the websocket subscriber, the poller,
// and the verifier, in that order.
func (p *Processor) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	p.mu.Unlock()

	p.ws.Stop()
	p.poller.Stop()
	if p.verifier != nil {
		p.verifier.Stop()
	}
}

func (p *Processor) startAuto(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := p.rpc.GetSlot(probeCtx)
	cancel()

	if err != nil {
		p.log.WithError(err).Warn("auto mode: websocket probe failed, using polling only")
		p.poller.SetInterval(p.cfg.PollingInterval)
		p.poller.Start(ctx)
		return
	}

	p.log.Logger.Info("auto mode: websocket reachable, starting websocket with poller fallback")
	p.mu.Lock()
	p.wsHealthy = true
	p.mu.Unlock()

	p.poller.SetInterval(wsHealthyPollCadence)
	p.poller.Start(ctx)

	if err := p.ws.Start(ctx); err != nil {
		p.log.WithError(err).Warn("auto mode: websocket start failed, falling back to fast polling")
		p.mu.Lock()
		p.wsHealthy = false
		p.mu.Unlock()
		p.poller.SetInterval(p.cfg.PollingInterval)
	}

	go p.monitorLoop(ctx)
}

func (p *Processor) monitorLoop(ctx context.Context) {
	ticker := time.NewTicker(processorMonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.monitorTick(ctx)
		}
	}
}

func (p *Processor) monitorTick(ctx context.Context) {
	func() {
		defer func() { recover() }()

		active := p.ws.isActive()
		p.mu.Lock()
		wasHealthy := p.wsHealthy
		p.wsHealthy = active
		p.mu.Unlock()

		if !active {
			if wasHealthy {
				p.log.Logger.Warn("auto mode: websocket unhealthy, switching poller to fast cadence")
			}
			p.poller.SetInterval(p.cfg.PollingInterval)
		} else if !wasHealthy {
			p.log.Logger.Info("auto mode: websocket recovered, slowing poller cadence")
			p.poller.SetInterval(wsHealthyPollCadence)
		}
	}()
}
