// Package chainrpc provides JSON-RPC access to the indexed chain, with
// health-checked endpoint failover and request throttling.
package chainrpc

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Endpoint tracks one RPC URL's health and latency history.
type Endpoint struct {
	URL              string
	Priority         int
	Healthy          bool
	ConsecutiveFails int
	LastCheck        time.Time
	LastLatency      time.Duration
	AvgLatency       time.Duration
}

// PoolConfig configures the endpoint pool.
type PoolConfig struct {
	Endpoints           []string
	HealthCheckInterval time.Duration
	HealthCheckTimeout  time.Duration
	MaxConsecutiveFails int
	HTTPClient          *http.Client
}

// DefaultPoolConfig returns sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		HealthCheckInterval: 30 * time.Second,
		HealthCheckTimeout:  5 * time.Second,
		MaxConsecutiveFails: 3,
	}
}

// Pool manages multiple RPC endpoints with health checking and failover.
type Pool struct {
	mu        sync.RWMutex
	endpoints []*Endpoint
	current   int
	config    *PoolConfig
	client    *http.Client
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewPool creates a new endpoint pool from configuration.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		cfg = DefaultPoolConfig()
	}
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("chainrpc: at least one endpoint required")
	}

	endpoints := make([]*Endpoint, len(cfg.Endpoints))
	for i, url := range cfg.Endpoints {
		endpoints[i] = &Endpoint{URL: strings.TrimSpace(url), Priority: i, Healthy: true}
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.HealthCheckTimeout}
	}

	return &Pool{endpoints: endpoints, config: cfg, client: client, stopCh: make(chan struct{})}, nil
}

// Start begins the health check loop.
func (p *Pool) Start(ctx context.Context) {
	go p.healthCheckLoop(ctx)
}

// Stop stops the health check loop.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Best returns the best healthy endpoint by latency, falling back to the
// first endpoint (marked unhealthy) if none are healthy.
func (p *Pool) Best() (*Endpoint, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	healthy := make([]*Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.Healthy {
			healthy = append(healthy, ep)
		}
	}
	if len(healthy) == 0 {
		if len(p.endpoints) > 0 {
			return p.endpoints[0], fmt.Errorf("no healthy endpoints, using fallback")
		}
		return nil, fmt.Errorf("no endpoints available")
	}

	sort.Slice(healthy, func(i, j int) bool {
		if healthy[i].AvgLatency != healthy[j].AvgLatency {
			return healthy[i].AvgLatency < healthy[j].AvgLatency
		}
		return healthy[i].Priority < healthy[j].Priority
	})
	return healthy[0], nil
}

// Next returns the next endpoint round-robin, for failover after a failure.
func (p *Pool) Next() *Endpoint {
	p.mu.Lock()
	defer p.mu.Unlock()

	start := p.current
	for i := 0; i < len(p.endpoints); i++ {
		idx := (start + i + 1) % len(p.endpoints)
		if p.endpoints[idx].Healthy {
			p.current = idx
			return p.endpoints[idx]
		}
	}
	p.current = (p.current + 1) % len(p.endpoints)
	return p.endpoints[p.current]
}

// MarkUnhealthy records a failure against url.
func (p *Pool) MarkUnhealthy(url string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.ConsecutiveFails++
			if ep.ConsecutiveFails >= p.config.MaxConsecutiveFails {
				ep.Healthy = false
			}
			return
		}
	}
}

// MarkHealthy records a success against url with its observed latency.
func (p *Pool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ep := range p.endpoints {
		if ep.URL == url {
			ep.Healthy = true
			ep.ConsecutiveFails = 0
			ep.LastLatency = latency
			if ep.AvgLatency == 0 {
				ep.AvgLatency = latency
			} else {
				ep.AvgLatency = (ep.AvgLatency*7 + latency*3) / 10
			}
			return
		}
	}
}

// HealthyCount returns the number of currently healthy endpoints.
func (p *Pool) HealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			n++
		}
	}
	return n
}

func (p *Pool) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(p.config.HealthCheckInterval)
	defer ticker.Stop()

	p.checkAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.checkAll(ctx)
		}
	}
}

func (p *Pool) checkAll(ctx context.Context) {
	var wg sync.WaitGroup
	p.mu.RLock()
	eps := append([]*Endpoint(nil), p.endpoints...)
	p.mu.RUnlock()

	for _, ep := range eps {
		wg.Add(1)
		go func(e *Endpoint) {
			defer wg.Done()
			p.checkOne(ctx, e)
		}(ep)
	}
	wg.Wait()
}

func (p *Pool) checkOne(ctx context.Context, ep *Endpoint) {
	start := time.Now()
	body := `{"jsonrpc":"2.0","method":"get_slot","params":[],"id":1}`

	reqCtx, cancel := context.WithTimeout(ctx, p.config.HealthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "POST", ep.URL, strings.NewReader(body))
	if err != nil {
		p.MarkUnhealthy(ep.URL)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		p.MarkUnhealthy(ep.URL)
		return
	}
	defer resp.Body.Close()

	latency := time.Since(start)
	if resp.StatusCode != http.StatusOK {
		p.MarkUnhealthy(ep.URL)
		return
	}
	p.MarkHealthy(ep.URL, latency)
}

// ExecuteWithFailover runs fn against the best endpoint, retrying against
// the next healthy endpoint up to maxRetries times.
func (p *Pool) ExecuteWithFailover(ctx context.Context, maxRetries int, fn func(url string) error) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		var ep *Endpoint
		var err error
		if attempt == 0 {
			ep, err = p.Best()
		} else {
			ep = p.Next()
		}
		if ep == nil {
			return fmt.Errorf("no endpoints available")
		}
		_ = err

		start := time.Now()
		callErr := fn(ep.URL)
		latency := time.Since(start)

		if callErr == nil {
			p.MarkHealthy(ep.URL, latency)
			return nil
		}

		lastErr = callErr
		p.MarkUnhealthy(ep.URL)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
	return fmt.Errorf("all retries exhausted: %w", lastErr)
}
