package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/agentregistry/indexer/infrastructure/chainrpc"
	"github.com/agentregistry/indexer/infrastructure/logging"
)

// Service wires storage, buffering, ingestion (poller + websocket), and the
// processor together into the running indexer. Integrity verification is
// injected rather than constructed here: the Verifier interface keeps this
// package from depending on the verify package, which in turn depends on
// this one for configuration and ID allocation.
type Service struct {
	cfg     *Config
	storage *Storage
	alloc   *Allocator
	dead    *DeadLetterQueue
	buffer  *Buffer
	decoder *Decoder
	rpcPool *chainrpc.Pool
	rpc     *chainrpc.Client

	poller    *Poller
	ws        *WebsocketSubscriber
	processor *Processor

	log *logging.Logger

	mu      sync.Mutex
	running bool
	fatal   chan error
}

// NewService wires a Service from cfg. verifier may be nil to disable
// integrity verification entirely, independent of cfg.VerificationEnabled.
func NewService(cfg *Config, verifier Verifier, log *logging.Logger) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	storage, err := NewStorage(cfg)
	if err != nil {
		return nil, fmt.Errorf("create storage: %w", err)
	}

	poolCfg := chainrpc.DefaultPoolConfig()
	poolCfg.Endpoints = cfg.RPCEndpoints
	pool, err := chainrpc.NewPool(poolCfg)
	if err != nil {
		storage.Close()
		return nil, fmt.Errorf("create rpc pool: %w", err)
	}
	rpc := chainrpc.NewClient(pool, cfg.RequestTimeout, 20)

	alloc := NewAllocator()
	dead := NewDeadLetterQueue(cfg.DeadLetterCapacity, storage)
	buffer := NewBuffer(cfg, storage, alloc, dead, log)
	decoder := NewDecoder(log)

	poller := NewPoller(cfg, rpc, decoder, buffer, storage, log)
	ws := NewWebsocketSubscriber(cfg, rpc, decoder, buffer, storage, log)
	processor := NewProcessor(cfg, poller, ws, rpc, verifier, log)

	return &Service{
		cfg: cfg, storage: storage, alloc: alloc, dead: dead, buffer: buffer,
		decoder: decoder, rpcPool: pool, rpc: rpc,
		poller: poller, ws: ws, processor: processor,
		log:   log,
		fatal: make(chan error, 1),
	}, nil
}

// Start brings up the dead-letter hydrate, buffer, RPC pool health checks,
// and the processor (which in turn owns poller/websocket/verifier startup).
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("service already running")
	}

	s.log.WithField("program", s.cfg.ProgramAddress).WithField("mode", string(s.cfg.IndexerMode)).Info("starting indexer")

	if err := s.dead.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate dead letter queue: %w", err)
	}

	s.rpcPool.Start(ctx)

	if err := s.buffer.Start(ctx); err != nil {
		return fmt.Errorf("start buffer: %w", err)
	}

	if err := s.processor.Start(ctx); err != nil {
		return fmt.Errorf("start processor: %w", err)
	}

	go s.watchFatal()

	s.running = true
	return nil
}

// watchFatal relays fail-stop signals from the buffer and websocket
// subscriber (dead-letter ring saturation, incoming queue overflow) to the
// service's own Fatal channel, for main() to act on.
func (s *Service) watchFatal() {
	select {
	case err := <-s.buffer.Fatal():
		s.forwardFatal(err)
	case err := <-s.ws.Fatal():
		s.forwardFatal(err)
	}
}

func (s *Service) forwardFatal(err error) {
	s.log.WithError(err).Error("indexer: fail-stop condition, service unrecoverable")
	select {
	case s.fatal <- err:
	default:
	}
}

// Fatal returns a channel that receives an error once a fail-stop condition
// occurs (dead-letter ring saturation or websocket queue overflow). The
// caller is expected to exit the process on receipt.
func (s *Service) Fatal() <-chan error { return s.fatal }

// Stop tears the service down: processor (ws, poller, verifier), RPC pool
// health checks, then the underlying storage connection.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.log.Logger.Info("stopping indexer")
	s.processor.Stop()
	s.buffer.Stop()
	s.rpcPool.Stop()
	s.storage.Close()
	s.running = false
	return nil
}

// Storage returns the underlying storage handle, for collaborators
// constructed outside this package (e.g. the verifier) that need to share
// the same connection pool.
func (s *Service) Storage() *Storage { return s.storage }

// RPCClient returns the chain RPC client, for collaborators constructed
// outside this package that need to issue chain reads (e.g. the verifier).
func (s *Service) RPCClient() *chainrpc.Client { return s.rpc }
