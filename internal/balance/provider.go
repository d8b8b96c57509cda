// Package balance fetches token balances for groups of addresses from the
// chains that gating requirements point at.
package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"gatekeeper/internal/metrics"
	"gatekeeper/internal/models"
	"gatekeeper/internal/retry"
)

var (
	// ErrUnsupportedSource is returned for a source no fetcher handles
	ErrUnsupportedSource = errors.New("unsupported balance source")
	// ErrNoEndpoint is returned when no RPC endpoint is configured for a chain
	ErrNoEndpoint = errors.New("no endpoint configured")
)

// Provider returns balances keyed by address as unsigned decimal strings.
// Addresses whose balance could not be determined are absent.
type Provider interface {
	GetBalances(ctx context.Context, source models.ContractSource, addresses []string, preferCache bool) (map[string]string, error)
}

// Fetcher reads balances straight from a chain
type Fetcher interface {
	Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error)
}

// Endpoints maps chain identifiers to RPC or REST base URLs per family.
// EVM is keyed by decimal chain id, the others by network or chain id name.
// CosmosDenoms maps a cosmos chain id to its native bank denom.
type Endpoints struct {
	EVM          map[string]string
	Solana       map[string]string
	Sui          map[string]string
	Cosmos       map[string]string
	CosmosDenoms map[string]string
	Stellar      map[string]string
}

// RouterOption configures a Router
type RouterOption func(*routerOptions)

type routerOptions struct {
	httpClient  *http.Client
	strategy    retry.Strategy
	concurrency int
}

// WithHTTPClient sets the client used for every chain call
func WithHTTPClient(c *http.Client) RouterOption {
	return func(o *routerOptions) { o.httpClient = c }
}

// WithRetry wraps chain calls in strategy
func WithRetry(strategy retry.Strategy) RouterOption {
	return func(o *routerOptions) { o.strategy = strategy }
}

// WithConcurrency bounds per-address calls for chains without batch reads
func WithConcurrency(n int) RouterOption {
	return func(o *routerOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// Router dispatches each source to the fetcher of its chain family
type Router struct {
	evm     *EVMFetcher
	solana  *SolanaFetcher
	sui     *SuiFetcher
	cosmos  *CosmosFetcher
	stellar *StellarFetcher
}

// NewRouter creates fetchers for every configured endpoint
func NewRouter(endpoints Endpoints, opts ...RouterOption) *Router {
	o := routerOptions{
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		strategy:    retry.NewOnce(),
		concurrency: 8,
	}
	for _, opt := range opts {
		opt(&o)
	}

	return &Router{
		evm:     NewEVMFetcher(newRPCClients(endpoints.EVM, o)),
		solana:  NewSolanaFetcher(newRPCClients(endpoints.Solana, o), o.concurrency),
		sui:     NewSuiFetcher(newRPCClients(endpoints.Sui, o)),
		cosmos:  NewCosmosFetcher(newRESTClients(endpoints.Cosmos, o), endpoints.CosmosDenoms, o.concurrency),
		stellar: NewStellarFetcher(endpoints.Stellar, o.httpClient, o.strategy),
	}
}

// Fetch implements Fetcher
func (r *Router) Fetch(ctx context.Context, source models.ContractSource, addresses []string) (map[string]string, error) {
	start := time.Now()
	defer func() {
		if source != nil {
			metrics.BalanceFetchDuration.WithLabelValues(string(source.Type())).Observe(time.Since(start).Seconds())
		}
	}()

	switch s := source.(type) {
	case models.EVMContractSource, models.EVMNativeSource:
		return r.evm.Fetch(ctx, s, addresses)
	case models.SolanaSource:
		return r.solana.Fetch(ctx, s, addresses)
	case models.SuiNativeSource, models.SuiTokenSource:
		return r.sui.Fetch(ctx, s, addresses)
	case models.CosmosNativeSource, models.CosmosContractSource:
		return r.cosmos.Fetch(ctx, s, addresses)
	case models.StellarNativeSource, models.StellarAssetSource:
		return r.stellar.Fetch(ctx, s, addresses)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedSource, source)
	}
}

// GetBalances implements Provider without caching
func (r *Router) GetBalances(ctx context.Context, source models.ContractSource, addresses []string, _ bool) (map[string]string, error) {
	return r.Fetch(ctx, source, addresses)
}

// Close releases chain clients
func (r *Router) Close() {
	r.stellar.Close()
}

func logDropped(family string, dropped []string) {
	if len(dropped) == 0 {
		return
	}
	slog.Debug("Skipping addresses not valid for chain family",
		"family", family,
		"count", len(dropped),
	)
}
