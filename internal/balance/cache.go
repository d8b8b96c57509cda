package balance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"gatekeeper/internal/metrics"
	"gatekeeper/internal/models"
)

// DefaultCacheTTL is how long a fetched balance may be served from cache
const DefaultCacheTTL = 5 * time.Minute

var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("balance: CBOR encoder initialization failed: " + err.Error())
	}
}

// cacheEntry is the value stored per (source, address)
type cacheEntry struct {
	Balance   string `cbor:"1,keyasint"`
	FetchedAt int64  `cbor:"2,keyasint"` // unix seconds
}

// CacheOption configures a CachedProvider
type CacheOption func(*CachedProvider)

// WithCacheDir persists the cache under dir instead of keeping it in memory
func WithCacheDir(dir string) CacheOption {
	return func(c *CachedProvider) { c.dir = dir }
}

// WithCacheTTL sets how long entries stay usable
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *CachedProvider) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithCacheLogger sets the logger badger reports to
func WithCacheLogger(logger *slog.Logger) CacheOption {
	return func(c *CachedProvider) { c.logger = logger }
}

// WithCacheClock overrides the clock used to age entries
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *CachedProvider) { c.now = now }
}

// CachedProvider serves balances from a badger cache and falls back to
// a Fetcher for addresses it has no fresh entry for
type CachedProvider struct {
	db      *badger.DB
	fetcher Fetcher
	dir     string
	ttl     time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewCachedProvider opens the cache and wraps fetcher
func NewCachedProvider(fetcher Fetcher, opts ...CacheOption) (*CachedProvider, error) {
	c := &CachedProvider{
		fetcher: fetcher,
		ttl:     DefaultCacheTTL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	var badgerOpts badger.Options
	if c.dir == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(c.dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache dir: %w", err)
		}
		badgerOpts = badger.DefaultOptions(c.dir)
	}
	badgerOpts = badgerOpts.
		WithLogger(newBadgerLogger(c.logger)).
		WithLoggingLevel(badger.WARNING)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open balance cache: %w", err)
	}
	c.db = db
	return c, nil
}

// GetBalances implements Provider. With preferCache only the addresses
// without a fresh entry are fetched; otherwise every address is fetched
// and the cache refreshed.
func (c *CachedProvider) GetBalances(ctx context.Context, source models.ContractSource, addresses []string, preferCache bool) (map[string]string, error) {
	out := make(map[string]string, len(addresses))
	misses := addresses
	if preferCache {
		var err error
		misses, err = c.lookup(source, addresses, out)
		if err != nil {
			return nil, err
		}
	}
	metrics.BalanceCacheHits.Add(float64(len(out)))
	metrics.BalanceCacheMisses.Add(float64(len(misses)))

	if len(misses) == 0 {
		return out, nil
	}

	fetched, err := c.fetcher.Fetch(ctx, source, misses)
	if err != nil {
		return nil, err
	}
	if err := c.store(source, fetched); err != nil {
		slog.Warn("Failed to cache balances",
			"source", source.Key().String(),
			"error", err,
		)
	}
	for addr, bal := range fetched {
		out[addr] = bal
	}
	return out, nil
}

func (c *CachedProvider) lookup(source models.ContractSource, addresses []string, out map[string]string) ([]string, error) {
	var misses []string
	now := c.now()
	err := c.db.View(func(txn *badger.Txn) error {
		for _, addr := range addresses {
			if _, ok := out[addr]; ok {
				continue
			}
			item, err := txn.Get(cacheKey(source, addr))
			if errors.Is(err, badger.ErrKeyNotFound) {
				misses = append(misses, addr)
				continue
			}
			if err != nil {
				return err
			}

			var entry cacheEntry
			if err := item.Value(func(val []byte) error {
				return cbor.Unmarshal(val, &entry)
			}); err != nil {
				misses = append(misses, addr)
				continue
			}
			if now.Sub(time.Unix(entry.FetchedAt, 0)) >= c.ttl {
				misses = append(misses, addr)
				continue
			}
			out[addr] = entry.Balance
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read balance cache: %w", err)
	}
	return misses, nil
}

func (c *CachedProvider) store(source models.ContractSource, balances map[string]string) error {
	if len(balances) == 0 {
		return nil
	}
	wb := c.db.NewWriteBatch()
	defer wb.Cancel()

	fetchedAt := c.now().Unix()
	for addr, bal := range balances {
		val, err := encMode.Marshal(cacheEntry{Balance: bal, FetchedAt: fetchedAt})
		if err != nil {
			return fmt.Errorf("failed to encode cache entry: %w", err)
		}
		entry := badger.NewEntry(cacheKey(source, addr), val).WithTTL(c.ttl)
		if err := wb.SetEntry(entry); err != nil {
			return err
		}
	}
	return wb.Flush()
}

// Close closes the underlying cache
func (c *CachedProvider) Close() error {
	return c.db.Close()
}

func cacheKey(source models.ContractSource, addr string) []byte {
	return []byte("balance/" + source.Key().String() + "/" + addr)
}
