package balance

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"gatekeeper/internal/models"
)

type countingFetcher struct {
	mu       sync.Mutex
	balances map[string]string
	err      error
	calls    [][]string
}

func (f *countingFetcher) Fetch(_ context.Context, _ models.ContractSource, addresses []string) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	asked := append([]string(nil), addresses...)
	sort.Strings(asked)
	f.calls = append(f.calls, asked)
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]string, len(addresses))
	for _, a := range addresses {
		if b, ok := f.balances[a]; ok {
			out[a] = b
		}
	}
	return out, nil
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time { return c.t }

func newTestCache(t *testing.T, f Fetcher, clock *fakeClock) *CachedProvider {
	t.Helper()
	c, err := NewCachedProvider(f, WithCacheTTL(time.Minute), WithCacheClock(clock.Now))
	if err != nil {
		t.Fatalf("NewCachedProvider: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

var cacheSource = models.EVMNativeSource{EVMChainID: 1}

func TestCachedProvider_PreferCacheFetchesOnlyMisses(t *testing.T) {
	f := &countingFetcher{balances: map[string]string{"a": "1", "b": "2", "c": "3"}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clock)
	ctx := context.Background()

	if _, err := c.GetBalances(ctx, cacheSource, []string{"a", "b"}, true); err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	got, err := c.GetBalances(ctx, cacheSource, []string{"a", "b", "c"}, true)
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}

	if got["a"] != "1" || got["b"] != "2" || got["c"] != "3" {
		t.Errorf("Unexpected balances: %v", got)
	}
	if len(f.calls) != 2 {
		t.Fatalf("Expected 2 fetches, got %d", len(f.calls))
	}
	if len(f.calls[1]) != 1 || f.calls[1][0] != "c" {
		t.Errorf("Expected second fetch to ask only for c, got %v", f.calls[1])
	}
}

func TestCachedProvider_AllHitsSkipFetch(t *testing.T) {
	f := &countingFetcher{balances: map[string]string{"a": "1"}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := c.GetBalances(ctx, cacheSource, []string{"a"}, true); err != nil {
			t.Fatalf("GetBalances: %v", err)
		}
	}
	if len(f.calls) != 1 {
		t.Errorf("Expected a single fetch, got %d", len(f.calls))
	}
}

func TestCachedProvider_ForceFetchRefreshes(t *testing.T) {
	f := &countingFetcher{balances: map[string]string{"a": "1"}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clock)
	ctx := context.Background()

	if _, err := c.GetBalances(ctx, cacheSource, []string{"a"}, true); err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	f.balances["a"] = "9"

	got, err := c.GetBalances(ctx, cacheSource, []string{"a"}, false)
	if err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if got["a"] != "9" {
		t.Errorf("Expected fresh balance 9, got %q", got["a"])
	}

	// the forced read also refreshed the cache
	got, _ = c.GetBalances(ctx, cacheSource, []string{"a"}, true)
	if got["a"] != "9" || len(f.calls) != 2 {
		t.Errorf("Expected cached 9 after refresh, got %q with %d fetches", got["a"], len(f.calls))
	}
}

func TestCachedProvider_ExpiredEntriesAreRefetched(t *testing.T) {
	f := &countingFetcher{balances: map[string]string{"a": "1"}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clock)
	ctx := context.Background()

	if _, err := c.GetBalances(ctx, cacheSource, []string{"a"}, true); err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	clock.t = clock.t.Add(2 * time.Minute)
	if _, err := c.GetBalances(ctx, cacheSource, []string{"a"}, true); err != nil {
		t.Fatalf("GetBalances: %v", err)
	}
	if len(f.calls) != 2 {
		t.Errorf("Expected expired entry to be refetched, got %d fetches", len(f.calls))
	}
}

func TestCachedProvider_SourcesDoNotShareEntries(t *testing.T) {
	f := &countingFetcher{balances: map[string]string{"a": "1"}}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clock)
	ctx := context.Background()

	_, _ = c.GetBalances(ctx, models.EVMNativeSource{EVMChainID: 1}, []string{"a"}, true)
	_, _ = c.GetBalances(ctx, models.EVMNativeSource{EVMChainID: 137}, []string{"a"}, true)
	if len(f.calls) != 2 {
		t.Errorf("Expected one fetch per source, got %d", len(f.calls))
	}
}

func TestCachedProvider_FetchErrorPropagates(t *testing.T) {
	f := &countingFetcher{err: errors.New("rpc down")}
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	c := newTestCache(t, f, clock)

	if _, err := c.GetBalances(context.Background(), cacheSource, []string{"a"}, true); err == nil {
		t.Error("Expected fetch error to be returned")
	}
}
