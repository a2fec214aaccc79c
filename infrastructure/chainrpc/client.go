package chainrpc

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"github.com/agentregistry/indexer/infrastructure/errors"
	"github.com/agentregistry/indexer/infrastructure/metrics"
	"github.com/agentregistry/indexer/infrastructure/resilience"
)

// SignatureInfo is one entry from get_signatures_for_address.
type SignatureInfo struct {
	Signature string
	Slot      uint64
	Err       bool
}

// TxLogRecord is the subset of a parsed transaction the decoder needs.
type TxLogRecord struct {
	Signature string
	Slot      uint64
	TxIndex   *int
	BlockTime *time.Time
	Failed    bool
	Logs      []string
}

// AccountExistence describes the outcome of a single-address existence
// check: exactly one of Exists/Absent/Unknown is meaningful.
type AccountExistence int

const (
	AccountUnknown AccountExistence = iota
	AccountExists
	AccountAbsent
)

// Client issues JSON-RPC calls against the chain, with pool-managed failover
// and request throttling.
type Client struct {
	pool    *Pool
	http    *http.Client
	limiter *rate.Limiter
	metrics *metrics.Metrics
	cb      *resilience.CircuitBreaker
}

// NewClient constructs a Client backed by pool, throttled to ratePerSecond
// requests/second with a burst of the same size.
//
// The pool already tracks per-endpoint health, but a wide outage (every
// endpoint down at once) would otherwise still pay the full failover budget
// on every call. A client-level circuit breaker trips after repeated
// pool-wide failures and fails calls immediately until its cooldown elapses.
func NewClient(pool *Pool, timeout time.Duration, ratePerSecond float64) *Client {
	limit := rate.Limit(ratePerSecond)
	burst := int(ratePerSecond)
	if burst < 1 {
		burst = 1
	}
	return &Client{
		pool:    pool,
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		metrics: metrics.Global(),
		cb:      resilience.New(resilience.DefaultConfig()),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      int    `json:"id"`
}

// call issues one JSON-RPC request with failover across the pool, returning
// the raw response body on success.
func (c *Client) call(ctx context.Context, method string, params any) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	reqBody, err := json.Marshal(rpcRequest{JSONRPC: "2.0", Method: method, Params: params, ID: 1})
	if err != nil {
		return nil, fmt.Errorf("chainrpc: marshal request: %w", err)
	}

	var respBody []byte
	start := time.Now()
	err = c.cb.Execute(ctx, func() error {
		return c.pool.ExecuteWithFailover(ctx, 2, func(url string) error {
			req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(reqBody))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")

			resp, err := c.http.Do(req)
			if err != nil {
				return errors.RPCUnavailable(url, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return errors.RPCMalformed(url, err)
			}
			if resp.StatusCode != http.StatusOK {
				return errors.RPCUnavailable(url, fmt.Errorf("status %d", resp.StatusCode))
			}
			if errField := gjson.GetBytes(body, "error"); errField.Exists() {
				return errors.RPCMalformed(url, fmt.Errorf("%s", errField.Raw))
			}
			respBody = body
			return nil
		})
	})

	status := "ok"
	if err != nil {
		status = "error"
	}
	c.metrics.RecordRPCRequest(method, status, time.Since(start))

	return respBody, err
}

// GetSlot returns the current finalized slot.
func (c *Client) GetSlot(ctx context.Context) (uint64, error) {
	body, err := c.call(ctx, "get_slot", []any{map[string]string{"commitment": "finalized"}})
	if err != nil {
		return 0, err
	}
	return gjson.GetBytes(body, "result").Uint(), nil
}

// GetSignaturesForAddress returns signatures newer than `before`, newest first.
func (c *Client) GetSignaturesForAddress(ctx context.Context, address string, before string, limit int) ([]SignatureInfo, error) {
	params := []any{address, map[string]any{"limit": limit, "before": before}}
	body, err := c.call(ctx, "get_signatures_for_address", params)
	if err != nil {
		return nil, err
	}

	var out []SignatureInfo
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		out = append(out, SignatureInfo{
			Signature: v.Get("signature").String(),
			Slot:      v.Get("slot").Uint(),
			Err:       v.Get("err").Exists() && !v.Get("err").IsNull(),
		})
		return true
	})
	return out, nil
}

// GetParsedTransactions fetches and parses each signature's log lines.
func (c *Client) GetParsedTransactions(ctx context.Context, signatures []string) ([]TxLogRecord, error) {
	if len(signatures) == 0 {
		return nil, nil
	}
	params := []any{signatures, map[string]string{"commitment": "finalized"}}
	body, err := c.call(ctx, "get_parsed_transactions", params)
	if err != nil {
		return nil, err
	}

	var out []TxLogRecord
	gjson.GetBytes(body, "result").ForEach(func(_, v gjson.Result) bool {
		if !v.Exists() || v.IsNull() {
			return true
		}
		rec := TxLogRecord{
			Signature: v.Get("transaction.signatures.0").String(),
			Slot:      v.Get("slot").Uint(),
			Failed:    v.Get("meta.err").Exists() && !v.Get("meta.err").IsNull(),
		}
		if idx := v.Get("transaction.index"); idx.Exists() {
			i := int(idx.Int())
			rec.TxIndex = &i
		}
		if bt := v.Get("blockTime"); bt.Exists() {
			t := time.Unix(bt.Int(), 0).UTC()
			rec.BlockTime = &t
		}
		v.Get("meta.logMessages").ForEach(func(_, line gjson.Result) bool {
			rec.Logs = append(rec.Logs, line.String())
			return true
		})
		out = append(out, rec)
		return true
	})
	return out, nil
}

// GetMultipleAccountsInfo checks existence for up to 100 addresses in one call.
func (c *Client) GetMultipleAccountsInfo(ctx context.Context, addresses []string) (map[string]AccountExistence, error) {
	params := []any{addresses, map[string]string{"commitment": "finalized", "encoding": "base64"}}
	body, err := c.call(ctx, "get_multiple_accounts_info", params)
	if err != nil {
		out := make(map[string]AccountExistence, len(addresses))
		for _, a := range addresses {
			out[a] = AccountUnknown
		}
		return out, err
	}

	out := make(map[string]AccountExistence, len(addresses))
	values := gjson.GetBytes(body, "result.value").Array()
	for i, addr := range addresses {
		if i >= len(values) || values[i].IsNull() {
			out[addr] = AccountAbsent
		} else {
			out[addr] = AccountExists
		}
	}
	return out, nil
}

// GetAccountInfo checks existence for a single address, used as the
// chunk-failure fallback.
func (c *Client) GetAccountInfo(ctx context.Context, address string) (AccountExistence, []byte, error) {
	params := []any{address, map[string]string{"commitment": "finalized", "encoding": "base64"}}
	body, err := c.call(ctx, "get_account_info", params)
	if err != nil {
		return AccountUnknown, nil, err
	}
	val := gjson.GetBytes(body, "result.value")
	if !val.Exists() || val.IsNull() {
		return AccountAbsent, nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(val.Get("data.0").String())
	if err != nil {
		return AccountUnknown, nil, errors.RPCMalformed(address, err)
	}
	return AccountExists, raw, nil
}
