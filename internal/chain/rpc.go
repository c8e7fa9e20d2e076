package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/terminal-bench/clearnet/internal/netting"
	"github.com/terminal-bench/clearnet/pkg/circuit"
)

// CallStats is a rolling view of RPC behavior consumed by the health monitor.
type CallStats struct {
	Total          int64
	Failed         int64
	LastLatency    time.Duration
	ConfirmLatency time.Duration // last SubmitBatch round trip
}

// RPCTarget talks to one chain's settlement endpoint over HTTP behind a
// circuit breaker. All methods are safe for concurrent use.
type RPCTarget struct {
	id      ID
	baseURL string
	client  *http.Client
	breaker *circuit.Breaker

	mu    sync.Mutex
	stats CallStats
}

// NewRPCTarget creates a target for the given chain endpoint.
func NewRPCTarget(id ID, baseURL string) *RPCTarget {
	return &RPCTarget{
		id:      id,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "chain-" + string(id),
			MaxFailures: 5,
			Timeout:     15 * time.Second,
			HalfOpenMax: 2,
		}),
	}
}

func (t *RPCTarget) ID() ID { return t.id }

// Stats returns a copy of the rolling call statistics.
func (t *RPCTarget) Stats() CallStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Breaker exposes the underlying breaker so the health monitor can trip it
// when the chain is scored down.
func (t *RPCTarget) Breaker() *circuit.Breaker { return t.breaker }

func (t *RPCTarget) BlockInfo(ctx context.Context) (BlockInfo, error) {
	var info BlockInfo
	err := t.call(ctx, http.MethodGet, "/v1/block/head", nil, &info)
	return info, err
}

func (t *RPCTarget) VaultBalance(ctx context.Context) (int64, error) {
	var out struct {
		Balance int64 `json:"balance_units"`
	}
	err := t.call(ctx, http.MethodGet, "/v1/vault/balance", nil, &out)
	return out.Balance, err
}

func (t *RPCTarget) LastSettledBatch(ctx context.Context) (uint64, error) {
	var out struct {
		BatchID uint64 `json:"batch_id"`
	}
	err := t.call(ctx, http.MethodGet, "/v1/batches/last", nil, &out)
	return out.BatchID, err
}

func (t *RPCTarget) SubmitBatch(ctx context.Context, plan *netting.Plan) (string, error) {
	start := time.Now()
	var out struct {
		TxRef string `json:"tx_ref"`
	}
	err := t.call(ctx, http.MethodPost, "/v1/batches", plan, &out)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.stats.ConfirmLatency = time.Since(start)
	t.mu.Unlock()
	return out.TxRef, nil
}

func (t *RPCTarget) Pause(ctx context.Context) error {
	return t.call(ctx, http.MethodPost, "/v1/intake/pause", nil, nil)
}

func (t *RPCTarget) Resume(ctx context.Context) error {
	return t.call(ctx, http.MethodPost, "/v1/intake/resume", nil, nil)
}

func (t *RPCTarget) call(ctx context.Context, method, path string, body, out interface{}) error {
	return t.breaker.Execute(ctx, func() error {
		start := time.Now()
		err := t.doCall(ctx, method, path, body, out)

		t.mu.Lock()
		t.stats.Total++
		t.stats.LastLatency = time.Since(start)
		if err != nil {
			t.stats.Failed++
		}
		t.mu.Unlock()
		return err
	})
}

func (t *RPCTarget) doCall(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("chain %s rpc failed: %w", t.id, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("chain %s returned %d for %s", t.id, resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
