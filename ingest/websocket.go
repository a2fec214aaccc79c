package ingest

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentregistry/indexer/infrastructure/chainrpc"
	"github.com/agentregistry/indexer/infrastructure/logging"
	"github.com/agentregistry/indexer/infrastructure/metrics"
)

const (
	wsQueueCapacity     = 10000
	wsHealthInterval    = 30 * time.Second
	wsStalenessTimeout  = 120 * time.Second
	wsErrorThreshold    = 10
	wsReconnectMaxDelay = 30 * time.Second
)

// WebsocketSubscriber maintains a single live subscription to program logs,
// with staleness-triggered reconnect and a bounded, drop-and-fail-stop
// incoming queue.
type WebsocketSubscriber struct {
	cfg     *Config
	decoder *Decoder
	buffer  *Buffer
	storage *Storage
	rpc     *chainrpc.Client
	log     *logging.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool
	stopCh  chan struct{}

	queue chan []byte

	activityMu sync.Mutex
	lastActive time.Time

	consecutiveErrors int32
	checkingHealth    int32
	reconnecting      int32
	droppedLogs       int64

	fatal chan error
}

// NewWebsocketSubscriber constructs a WebsocketSubscriber.
func NewWebsocketSubscriber(cfg *Config, rpc *chainrpc.Client, decoder *Decoder, buffer *Buffer, storage *Storage, log *logging.Logger) *WebsocketSubscriber {
	return &WebsocketSubscriber{
		cfg: cfg, decoder: decoder, buffer: buffer, storage: storage, rpc: rpc, log: log,
		metrics: metrics.Global(),
		queue:   make(chan []byte, wsQueueCapacity),
		fatal:   make(chan error, 1),
	}
}

// Fatal returns a channel that receives the fail-stop error on queue overflow.
func (w *WebsocketSubscriber) Fatal() <-chan error { return w.fatal }

// Start connects and launches the dispatch and health-check loops.
func (w *WebsocketSubscriber) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.WebsocketURL, nil)
	if err != nil {
		w.mu.Unlock()
		return err
	}
	w.conn = conn
	w.running = true
	w.stopCh = make(chan struct{})
	w.mu.Unlock()

	w.touchActivity()

	if err := w.subscribe(conn); err != nil {
		return err
	}

	go w.readLoop(ctx)
	go w.dispatchLoop(ctx)
	go w.healthCheckLoop(ctx)
	return nil
}

// Stop tears down the subscription, best-effort: the background loops exit
// on their own once stopCh closes and the connection is removed.
func (w *WebsocketSubscriber) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	conn := w.conn
	w.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

func (w *WebsocketSubscriber) subscribe(conn *websocket.Conn) error {
	req := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "program_subscribe",
		"params":  []any{w.cfg.ProgramAddress, map[string]string{"commitment": "confirmed"}},
	}
	return conn.WriteJSON(req)
}

func (w *WebsocketSubscriber) readLoop(ctx context.Context) {
	defer w.closeConn()

	for {
		w.mu.Lock()
		conn := w.conn
		w.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-w.stopCh:
				return
			default:
			}
			w.triggerReconnect(ctx, "read error")
			return
		}

		w.touchActivity()

		select {
		case w.queue <- msg:
		default:
			w.log.Logger.Error("websocket: incoming queue overflow, fail-stopping")
			atomic.AddInt64(&w.droppedLogs, 1)
			w.metrics.WebsocketDropsTotal.Inc()
			w.mu.Lock()
			w.running = false
			w.mu.Unlock()
			select {
			case w.fatal <- errWSQueueOverflow:
			default:
			}
			return
		}

		select {
		case <-w.stopCh:
			return
		default:
		}
	}
}

func (w *WebsocketSubscriber) dispatchLoop(ctx context.Context) {
	for {
		select {
		case <-w.stopCh:
			return
		case msg := <-w.queue:
			w.dispatch(ctx, msg)
		}
	}
}

func (w *WebsocketSubscriber) dispatch(ctx context.Context, msg []byte) {
	line, slot, sig, ok := parseLogNotification(msg)
	if !ok {
		return
	}

	cursor, err := w.storage.GetCursor(ctx)
	if err == nil && cursor != nil && cursor.LastSlot >= slot {
		// Monotonic guard: do not regress the cursor.
		return
	}

	tx := TxRecord{Signature: sig, Slot: slot, Logs: []string{line}}
	events := w.decoder.Decode(tx)
	if len(events) == 0 {
		atomic.AddInt32(&w.consecutiveErrors, 1)
		return
	}

	for _, ev := range events {
		w.buffer.Add(ev)
	}
	atomic.StoreInt32(&w.consecutiveErrors, 0)
}

// parseLogNotification extracts the log line, slot, and signature from a
// program_subscribe notification payload. It returns ok=false for anything
// that is not a log notification (e.g. the subscribe ack).
func parseLogNotification(msg []byte) (line string, slot uint64, signature string, ok bool) {
	var env struct {
		Method string `json:"method"`
		Params struct {
			Result struct {
				Context struct {
					Slot uint64 `json:"slot"`
				} `json:"context"`
				Value struct {
					Signature string   `json:"signature"`
					Logs      []string `json:"logs"`
				} `json:"value"`
			} `json:"result"`
		} `json:"params"`
	}
	if err := json.Unmarshal(msg, &env); err != nil {
		return "", 0, "", false
	}
	if env.Method != "programNotification" || len(env.Params.Result.Value.Logs) == 0 {
		return "", 0, "", false
	}
	for _, l := range env.Params.Result.Value.Logs {
		if _, found := cutProgramDataPrefix(l); found {
			return l, env.Params.Result.Context.Slot, env.Params.Result.Value.Signature, true
		}
	}
	return "", 0, "", false
}

func cutProgramDataPrefix(s string) (string, bool) {
	const prefix = programDataPrefix
	if len(s) >= len(prefix) && s[:len(prefix)] == prefix {
		return s[len(prefix):], true
	}
	return "", false
}

func (w *WebsocketSubscriber) touchActivity() {
	w.activityMu.Lock()
	w.lastActive = time.Now()
	w.activityMu.Unlock()
}

func (w *WebsocketSubscriber) idleFor() time.Duration {
	w.activityMu.Lock()
	defer w.activityMu.Unlock()
	return time.Since(w.lastActive)
}

func (w *WebsocketSubscriber) healthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(wsHealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.checkHealth(ctx)
		}
	}
}

func (w *WebsocketSubscriber) checkHealth(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&w.checkingHealth, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&w.checkingHealth, 0)

	if w.idleFor() <= wsStalenessTimeout {
		return
	}

	if _, err := w.rpc.GetSlot(ctx); err != nil {
		w.triggerReconnect(ctx, "stale with failing slot read")
		return
	}
	w.touchActivity()

	if atomic.LoadInt32(&w.consecutiveErrors) > wsErrorThreshold {
		w.triggerReconnect(ctx, "error threshold exceeded")
	}
}

func (w *WebsocketSubscriber) triggerReconnect(ctx context.Context, reason string) {
	if !atomic.CompareAndSwapInt32(&w.reconnecting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&w.reconnecting, 0)

	w.log.WithField("reason", reason).Warn("websocket: reconnecting")
	w.closeConn()

	delay := 500 * time.Millisecond
	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, w.cfg.WebsocketURL, nil)
		if err == nil {
			w.mu.Lock()
			w.conn = conn
			w.mu.Unlock()
			if err := w.subscribe(conn); err == nil {
				w.touchActivity()
				go w.readLoop(ctx)
				return
			}
		}

		select {
		case <-w.stopCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > wsReconnectMaxDelay {
			delay = wsReconnectMaxDelay
		}
	}
}

// isActive reports whether the subscriber is running and not currently
// mid-reconnect.
func (w *WebsocketSubscriber) isActive() bool {
	w.mu.Lock()
	running := w.running
	w.mu.Unlock()
	return running && atomic.LoadInt32(&w.reconnecting) == 0
}

func (w *WebsocketSubscriber) closeConn() {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

var errWSQueueOverflow = &websocketQueueOverflowError{}

type websocketQueueOverflowError struct{}

func (*websocketQueueOverflowError) Error() string {
	return "websocket: incoming queue overflow"
}
