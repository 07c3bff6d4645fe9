package solana

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sourcegraph/conc/pool"
)

var (
	rpcCheckClient *resty.Client
	clientOnce     sync.Once
)

func getRPCClient() *resty.Client {
	clientOnce.Do(func() {
		rpcCheckClient = resty.New().SetHeader("Content-Type", "application/json")
	})
	return rpcCheckClient
}

// RPCRequest represents a JSON-RPC request
type RPCRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

// RPCResponse represents a JSON-RPC response
type RPCResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result"`
	Error   interface{} `json:"error"`
	ID      int         `json:"id"`
}

// RPCCheckResult represents the result of checking an RPC endpoint
type RPCCheckResult struct {
	URL     string        `json:"url"`
	OK      bool          `json:"ok"`
	Latency time.Duration `json:"latency"`
	Error   string        `json:"error,omitempty"`
}

func checkRPC(ctx context.Context, url string, timeout time.Duration) RPCCheckResult {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	var result RPCResponse
	resp, err := getRPCClient().R().
		SetContext(ctx).
		SetBody(RPCRequest{Jsonrpc: "2.0", ID: 1, Method: "getHealth", Params: []interface{}{}}).
		SetResult(&result).
		Post(url)
	latency := time.Since(start)

	switch {
	case err != nil:
		return RPCCheckResult{URL: url, Latency: latency, Error: err.Error()}
	case resp.IsError():
		return RPCCheckResult{URL: url, Latency: latency, Error: fmt.Sprintf("status code: %d", resp.StatusCode())}
	case result.Error != nil:
		return RPCCheckResult{URL: url, Latency: latency, Error: fmt.Sprintf("rpc error: %v", result.Error)}
	}
	return RPCCheckResult{URL: url, OK: true, Latency: latency}
}

// CheckRPCListAsync checks every endpoint concurrently. Results keep rpcList order.
func CheckRPCListAsync(ctx context.Context, rpcList []string, timeout time.Duration) []RPCCheckResult {
	results := make([]RPCCheckResult, len(rpcList))
	p := pool.New().WithMaxGoroutines(8)
	for i, url := range rpcList {
		i, url := i, url
		p.Go(func() {
			results[i] = checkRPC(ctx, url, timeout)
		})
	}
	p.Wait()
	return results
}

// SelectHealthyRPC returns the lowest-latency healthy endpoint.
func SelectHealthyRPC(ctx context.Context, rpcList []string, timeout time.Duration) (string, []RPCCheckResult, error) {
	if len(rpcList) == 0 {
		return "", nil, fmt.Errorf("no rpc endpoints configured")
	}
	results := CheckRPCListAsync(ctx, rpcList, timeout)
	healthy := make([]RPCCheckResult, 0, len(results))
	for _, r := range results {
		if r.OK {
			healthy = append(healthy, r)
		}
	}
	if len(healthy) == 0 {
		return "", results, fmt.Errorf("none of %d rpc endpoints is healthy", len(rpcList))
	}
	sort.SliceStable(healthy, func(i, j int) bool { return healthy[i].Latency < healthy[j].Latency })
	return healthy[0].URL, results, nil
}
