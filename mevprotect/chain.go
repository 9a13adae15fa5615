package mevprotect

import (
	"context"
	"sync"
	"time"

	"github.com/ybbus/jsonrpc/v3"
)

// ChainClient is the node's view of the chain RPC surface. RecentTransactions
// is served by the ingestion gateway sitting in front of the validator RPC,
// the remaining methods map directly onto standard RPC calls.
type ChainClient interface {
	RecentTransactions(ctx context.Context, asset string, limit int) ([]TxSummary, error)
	RecentPrioritizationFees(ctx context.Context) ([]FeeSample, error)
	RecentPerformanceSamples(ctx context.Context, limit int) ([]PerfSample, error)
	CurrentSlot(ctx context.Context) (uint64, error)
	SendTransaction(ctx context.Context, encodedTx string) (string, error)
	SignatureStatus(ctx context.Context, signature string) (*TxStatus, error)
}

type JSONRPCChainClient struct {
	client jsonrpc.RPCClient
}

func NewJSONRPCChainClient(url string) *JSONRPCChainClient {
	return &JSONRPCChainClient{
		client: jsonrpc.NewClient(url),
	}
}

func NewJSONRPCChainClientWithOpts(url string, opts *jsonrpc.RPCClientOpts) *JSONRPCChainClient {
	return &JSONRPCChainClient{
		client: jsonrpc.NewClientWithOpts(url, opts),
	}
}

func (c *JSONRPCChainClient) RecentTransactions(ctx context.Context, asset string, limit int) ([]TxSummary, error) {
	var res []TxSummary
	err := c.client.CallFor(ctx, &res, "getAssetTransactions", []interface{}{asset, map[string]interface{}{"limit": limit}}...)
	return res, err
}

func (c *JSONRPCChainClient) RecentPrioritizationFees(ctx context.Context) ([]FeeSample, error) {
	var res []FeeSample
	err := c.client.CallFor(ctx, &res, "getRecentPrioritizationFees")
	return res, err
}

func (c *JSONRPCChainClient) RecentPerformanceSamples(ctx context.Context, limit int) ([]PerfSample, error) {
	var res []PerfSample
	err := c.client.CallFor(ctx, &res, "getRecentPerformanceSamples", limit)
	return res, err
}

func (c *JSONRPCChainClient) CurrentSlot(ctx context.Context) (uint64, error) {
	var res uint64
	err := c.client.CallFor(ctx, &res, "getSlot")
	return res, err
}

func (c *JSONRPCChainClient) SendTransaction(ctx context.Context, encodedTx string) (string, error) {
	var res string
	err := c.client.CallFor(ctx, &res, "sendTransaction", []interface{}{encodedTx, map[string]interface{}{"encoding": "base64"}}...)
	return res, err
}

func (c *JSONRPCChainClient) SignatureStatus(ctx context.Context, signature string) (*TxStatus, error) {
	var res struct {
		Value []*TxStatus `json:"value"`
	}
	err := c.client.CallFor(ctx, &res, "getSignatureStatuses", []interface{}{[]string{signature}, map[string]interface{}{"searchTransactionHistory": true}}...)
	if err != nil {
		return nil, err
	}
	if len(res.Value) == 0 || res.Value[0] == nil {
		return nil, nil
	}
	return res.Value[0], nil
}

const slotCacheTTL = 2 * time.Second

// CachingChainClient caches the current slot for a short interval so that the
// queue and the assessors do not hammer getSlot on every call.
type CachingChainClient struct {
	ChainClient

	mu       sync.RWMutex
	lastSlot uint64
	lastTime time.Time
}

func NewCachingChainClient(inner ChainClient) *CachingChainClient {
	return &CachingChainClient{ChainClient: inner}
}

// CurrentSlot returns the most recent slot, cached for slotCacheTTL.
func (c *CachingChainClient) CurrentSlot(ctx context.Context) (uint64, error) {
	c.mu.RLock()
	if time.Since(c.lastTime) < slotCacheTTL {
		defer c.mu.RUnlock()
		return c.lastSlot, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	slot, err := c.ChainClient.CurrentSlot(ctx)
	if err != nil {
		return 0, err
	}
	c.lastSlot = slot
	c.lastTime = time.Now()
	return slot, nil
}
