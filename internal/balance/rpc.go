package balance

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/retry"
)

// maxBatch bounds the number of calls sent in one JSON-RPC batch
const maxBatch = 100

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	ID     int             `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// rpcClient speaks JSON-RPC 2.0 over HTTP POST
type rpcClient struct {
	url      string
	http     *http.Client
	strategy retry.Strategy
}

func newRPCClients(urls map[string]string, o routerOptions) map[string]*rpcClient {
	out := make(map[string]*rpcClient, len(urls))
	for chain, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		out[chain] = &rpcClient{url: u, http: o.httpClient, strategy: o.strategy}
	}
	return out
}

func lookupRPC(clients map[string]*rpcClient, family, chain string) (*rpcClient, error) {
	c, ok := clients[chain]
	if !ok {
		return nil, fmt.Errorf("%w: %s chain %q", ErrNoEndpoint, family, chain)
	}
	return c, nil
}

// call performs a single request and decodes its result into out
func (c *rpcClient) call(ctx context.Context, method string, params any, out any) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	var resp rpcResponse
	err = c.strategy.Execute(ctx, func(ctx context.Context) error {
		raw, err := c.post(ctx, body)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, &resp); err != nil {
			return fmt.Errorf("failed to decode %s response: %w", method, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// batch sends reqs in chunks and returns one response per request, in
// request order. A request the node did not answer gets an error response.
func (c *rpcClient) batch(ctx context.Context, reqs []rpcRequest) ([]rpcResponse, error) {
	out := make([]rpcResponse, len(reqs))
	for start := 0; start < len(reqs); start += maxBatch {
		end := min(start+maxBatch, len(reqs))

		chunk := make([]rpcRequest, 0, end-start)
		for i := start; i < end; i++ {
			r := reqs[i]
			r.JSONRPC = "2.0"
			r.ID = i
			chunk = append(chunk, r)
		}
		body, err := json.Marshal(chunk)
		if err != nil {
			return nil, fmt.Errorf("failed to encode batch: %w", err)
		}

		var resps []rpcResponse
		err = c.strategy.Execute(ctx, func(ctx context.Context) error {
			raw, err := c.post(ctx, body)
			if err != nil {
				return err
			}
			if err := json.Unmarshal(raw, &resps); err != nil {
				return fmt.Errorf("failed to decode batch response: %w", err)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}

		answered := make(map[int]bool, len(resps))
		for _, r := range resps {
			if r.ID < start || r.ID >= end {
				continue
			}
			out[r.ID] = r
			answered[r.ID] = true
		}
		for i := start; i < end; i++ {
			if !answered[i] {
				out[i] = rpcResponse{ID: i, Error: &rpcError{Code: -32603, Message: "missing response in batch"}}
			}
		}
	}
	return out, nil
}

func (c *rpcClient) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return doRequest(c.http, req)
}

// restClient issues GET requests against a REST base URL
type restClient struct {
	base     string
	http     *http.Client
	strategy retry.Strategy
}

func newRESTClients(urls map[string]string, o routerOptions) map[string]*restClient {
	out := make(map[string]*restClient, len(urls))
	for chain, u := range urls {
		u = strings.TrimRight(strings.TrimSpace(u), "/")
		if u == "" {
			continue
		}
		out[chain] = &restClient{base: u, http: o.httpClient, strategy: o.strategy}
	}
	return out
}

func (c *restClient) getJSON(ctx context.Context, path string, out any) error {
	return c.strategy.Execute(ctx, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		raw, err := doRequest(c.http, req)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return nil
	})
}

func doRequest(c *http.Client, req *http.Request) ([]byte, error) {
	resp, err := c.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rpc http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return b, nil
}

// perAddress runs fn for every address with at most limit calls in flight.
// Failed addresses are left out of the result; an error is returned only
// when no address succeeded.
func perAddress(ctx context.Context, addresses []string, limit int, fn func(ctx context.Context, addr string) (string, error)) (map[string]string, error) {
	var (
		mu       sync.Mutex
		out      = make(map[string]string, len(addresses))
		firstErr error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(limit, 1))
	for _, addr := range addresses {
		g.Go(func() error {
			bal, err := fn(gctx, addr)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = fmt.Errorf("address %s: %w", addr, err)
				}
				return nil
			}
			out[addr] = bal
			return nil
		})
	}
	_ = g.Wait()

	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// collectBatch turns batch responses into balances using decode. Addresses
// whose call failed are left out; if all failed the first error is returned.
func collectBatch(addresses []string, resps []rpcResponse, decode func(json.RawMessage) (string, error)) (map[string]string, error) {
	out := make(map[string]string, len(addresses))
	var firstErr error
	for i, r := range resps {
		var (
			bal string
			err error
		)
		if r.Error != nil {
			err = r.Error
		} else {
			bal, err = decode(r.Result)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("address %s: %w", addresses[i], err)
			}
			continue
		}
		out[addresses[i]] = bal
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func dedupe(addresses []string, valid func(string) bool) (keep, dropped []string) {
	seen := make(map[string]struct{}, len(addresses))
	for _, a := range addresses {
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		if valid(a) {
			keep = append(keep, a)
		} else {
			dropped = append(dropped, a)
		}
	}
	return keep, dropped
}
