package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Options configures an RPCClient.  Zero values fall back to defaults.
type Options struct {
	RPCURL            string
	WSURL             string
	RequestsPerSecond float64
	Burst             int
	HTTPClient        *http.Client
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
	Logger            *slog.Logger
}

// RPCClient implements Client against a Solana-compatible node.
type RPCClient struct {
	rpcURL     string
	wsURL      string
	http       *http.Client
	limiter    *rate.Limiter
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
	nextID     atomic.Uint64
}

// NewRPCClient builds a client.  Every JSON-RPC call waits on a shared
// token bucket so bursts from the reconciler cannot exhaust the node quota.
func NewRPCClient(opts Options) *RPCClient {
	if opts.RequestsPerSecond <= 0 {
		opts.RequestsPerSecond = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.MinBackoff <= 0 {
		opts.MinBackoff = time.Second
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RPCClient{
		rpcURL:     opts.RPCURL,
		wsURL:      opts.WSURL,
		http:       opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst),
		minBackoff: opts.MinBackoff,
		maxBackoff: opts.MaxBackoff,
		log:        opts.Logger.With("component", "ledger"),
	}
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// call performs one JSON-RPC round trip and decodes result into out.
func (c *RPCClient) call(ctx context.Context, method string, params []any, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: c.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.rpcURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, method, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: %s: read body: %v", ErrUnavailable, method, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s: http %d", ErrUnavailable, method, resp.StatusCode)
	}

	var rr rpcResponse
	if err := json.Unmarshal(raw, &rr); err != nil {
		return fmt.Errorf("%w: %s: decode: %v", ErrUnavailable, method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%w: %s: %w", ErrUnavailable, method, rr.Error)
	}
	if out == nil || len(rr.Result) == 0 {
		return nil
	}
	return json.Unmarshal(rr.Result, out)
}

type txResult struct {
	Slot      uint64 `json:"slot"`
	BlockTime *int64 `json:"blockTime"`
	Meta      *struct {
		Err         json.RawMessage `json:"err"`
		LogMessages []string        `json:"logMessages"`
	} `json:"meta"`
}

// GetTransaction looks ref up at "confirmed" commitment.
func (c *RPCClient) GetTransaction(ctx context.Context, ref string) (*Transaction, error) {
	params := []any{ref, map[string]any{
		"encoding":                       "json",
		"commitment":                     "confirmed",
		"maxSupportedTransactionVersion": 0,
	}}
	var res *txResult
	if err := c.call(ctx, "getTransaction", params, &res); err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	tx := &Transaction{Signature: ref, Slot: res.Slot}
	if res.BlockTime != nil {
		bt := time.Unix(*res.BlockTime, 0).UTC()
		tx.BlockTime = &bt
	}
	if res.Meta != nil {
		tx.Failed = failed(res.Meta.Err)
		tx.Logs = res.Meta.LogMessages
	}
	return tx, nil
}

func (c *RPCClient) Verify(ctx context.Context, ref string) (bool, error) {
	if ref == "" {
		return false, nil
	}
	tx, err := c.GetTransaction(ctx, ref)
	if err != nil {
		return false, err
	}
	return tx != nil && !tx.Failed, nil
}

// Ping checks that the node answers.
func (c *RPCClient) Ping(ctx context.Context) error {
	var v struct {
		SolanaCore string `json:"solana-core"`
	}
	if err := c.call(ctx, "getVersion", nil, &v); err != nil {
		return err
	}
	c.log.Debug("ledger reachable", "version", v.SolanaCore)
	return nil
}

// failed interprets a transaction error field, which is JSON null on success.
func failed(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s != "" && s != "null"
}
