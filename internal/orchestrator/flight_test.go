package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"gatekeeper/internal/models"
)

// gatedStore holds the next N page reads after loading them, until release
// is closed or the caller's context ends
type gatedStore struct {
	*memStore
	hold    atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func newGatedStore(communityID string) *gatedStore {
	return &gatedStore{
		memStore: newMemStore(communityID),
		entered:  make(chan struct{}, 16),
		release:  make(chan struct{}),
	}
}

func (s *gatedStore) FindAddressesPage(ctx context.Context, communityID string, groupIDs []int64, cursor int64, limit int) ([]models.Address, error) {
	page, err := s.memStore.FindAddressesPage(ctx, communityID, groupIDs, cursor, limit)
	if s.hold.Add(-1) < 0 {
		return page, err
	}
	s.entered <- struct{}{}
	select {
	case <-s.release:
		return page, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *gatedStore) waitEntered(t *testing.T) {
	t.Helper()
	select {
	case <-s.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Expected a page read to start")
	}
}

func (o *Orchestrator) waiters(key string) int {
	o.flights.mu.Lock()
	defer o.flights.mu.Unlock()
	if run, ok := o.flights.runs[key]; ok {
		return run.waiters
	}
	return 0
}

func waitWaiters(t *testing.T, o *Orchestrator, key string, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for o.waiters(key) != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d callers on %s, got %d", n, key, o.waiters(key))
		}
		time.Sleep(time.Millisecond)
	}
}

type refreshOutcome struct {
	res *models.RefreshResult
	err error
}

func refreshAsync(ctx context.Context, o *Orchestrator, communityID string, groupID *int64) <-chan refreshOutcome {
	out := make(chan refreshOutcome, 1)
	go func() {
		res, err := o.Refresh(ctx, communityID, groupID)
		out <- refreshOutcome{res, err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan refreshOutcome) refreshOutcome {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("Expected refresh to return")
		return refreshOutcome{}
	}
}

func TestRefresh_ConcurrentCallersShareOneRun(t *testing.T) {
	store := newGatedStore("c1")
	g := store.addGroup(models.Group{CommunityID: "c1", Requirements: []models.Requirement{models.NewThresholdRequirement("1", usdc)}})
	a := store.addAddress("c1", alice)
	store.hold.Store(1)

	provider := newFakeProvider()
	provider.balances[usdc.Key()] = map[string]string{alice: "2"}
	o := newTestOrchestrator(store, provider, &testClock{t: time.Unix(1_700_000_000, 0)}, 10)

	first := refreshAsync(context.Background(), o, "c1", nil)
	store.waitEntered(t)
	second := refreshAsync(context.Background(), o, "c1", nil)
	waitWaiters(t, o, "c1/*", 2)
	close(store.release)

	r1, r2 := receive(t, first), receive(t, second)
	if r1.err != nil || r2.err != nil {
		t.Fatalf("Expected both callers to succeed, got %v / %v", r1.err, r2.err)
	}
	if r1.res.Created != 1 || r2.res.Created != 1 {
		t.Errorf("Expected both callers to see the shared result, got %+v / %+v", r1.res, r2.res)
	}
	if r1.res == r2.res {
		t.Error("Expected each caller to get its own copy of the result")
	}
	if provider.totalCalls() != 1 || store.upserts != 1 {
		t.Errorf("Expected one run, got %d fetches and %d upserts", provider.totalCalls(), store.upserts)
	}
	if m, ok := store.membership(g.ID, a.ID); !ok || !m.IsValid() {
		t.Errorf("Expected a valid membership, got %+v (present %v)", m, ok)
	}
}

func TestRefresh_CancelledCallerDoesNotCancelJoinedCallers(t *testing.T) {
	store := newGatedStore("c1")
	g := store.addGroup(models.Group{CommunityID: "c1", Requirements: []models.Requirement{models.NewAllowRequirement(alice)}})
	a := store.addAddress("c1", alice)
	store.hold.Store(1)
	o := newTestOrchestrator(store, newFakeProvider(), &testClock{t: time.Unix(1_700_000_000, 0)}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	first := refreshAsync(ctx, o, "c1", nil)
	store.waitEntered(t)
	second := refreshAsync(context.Background(), o, "c1", nil)
	waitWaiters(t, o, "c1/*", 2)

	cancel()
	if r := receive(t, first); !errors.Is(r.err, context.Canceled) {
		t.Errorf("Expected the cancelled caller to get context.Canceled, got %v", r.err)
	}
	waitWaiters(t, o, "c1/*", 1)
	close(store.release)

	r := receive(t, second)
	if r.err != nil {
		t.Fatalf("Expected the joined caller to finish, got %v", r.err)
	}
	if r.res.Created != 1 {
		t.Errorf("Expected 1 created row, got %+v", r.res)
	}
	if _, ok := store.membership(g.ID, a.ID); !ok {
		t.Error("Expected the shared run to persist its verdict")
	}
}

func TestRefresh_LastCallerCancelStopsRun(t *testing.T) {
	store := newGatedStore("c1")
	g := store.addGroup(models.Group{CommunityID: "c1", Requirements: []models.Requirement{models.NewAllowRequirement(alice)}})
	a := store.addAddress("c1", alice)
	store.hold.Store(1)
	o := newTestOrchestrator(store, newFakeProvider(), &testClock{t: time.Unix(1_700_000_000, 0)}, 10)

	ctx, cancel := context.WithCancel(context.Background())
	first := refreshAsync(ctx, o, "c1", nil)
	store.waitEntered(t)
	cancel()
	if r := receive(t, first); !errors.Is(r.err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", r.err)
	}
	if _, ok := store.membership(g.ID, a.ID); ok {
		t.Error("Expected the abandoned run to write nothing")
	}

	// a new caller starts a new run instead of joining the cancelled one
	res, err := o.Refresh(context.Background(), "c1", nil)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("Expected a fresh run to create the row, got %+v", res)
	}
}

func TestResetGroup_DoesNotJoinEarlierRun(t *testing.T) {
	store := newGatedStore("c1")
	g := store.addGroup(models.Group{CommunityID: "c1", Requirements: []models.Requirement{models.NewAllowRequirement(bob)}})
	a := store.addAddress("c1", alice)
	o := newTestOrchestrator(store, newFakeProvider(), &testClock{t: time.Unix(1_700_000_000, 0)}, 10)
	ctx := context.Background()

	if _, err := o.Refresh(ctx, "c1", &g.ID); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// this run reads the fresh row and holds before evaluating
	store.hold.Store(1)
	earlier := refreshAsync(ctx, o, "c1", &g.ID)
	store.waitEntered(t)

	store.groups[0].Requirements = []models.Requirement{models.NewAllowRequirement(alice)}
	res, err := o.ResetGroup(ctx, g.ID)
	if err != nil {
		t.Fatalf("ResetGroup: %v", err)
	}
	if res.Created != 1 {
		t.Errorf("Expected the reset to recreate the row, got %+v", res)
	}
	m, ok := store.membership(g.ID, a.ID)
	if !ok || !m.IsValid() {
		t.Errorf("Expected alice to be valid under the new requirements, got %+v (present %v)", m, ok)
	}

	close(store.release)
	if r := receive(t, earlier); r.err != nil {
		t.Fatalf("Expected the earlier run to finish, got %v", r.err)
	}
	if m, ok := store.membership(g.ID, a.ID); !ok || !m.IsValid() {
		t.Errorf("Expected the reset verdict to survive the earlier run, got %+v (present %v)", m, ok)
	}
}

func TestRefresh_LogsGroupIDValue(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	defer slog.SetDefault(prev)

	store := newMemStore("c1")
	g := store.addGroup(models.Group{CommunityID: "c1", Requirements: []models.Requirement{models.NewAllowRequirement(alice)}})
	store.addAddress("c1", alice)
	o := newTestOrchestrator(store, newFakeProvider(), &testClock{t: time.Unix(1_700_000_000, 0)}, 10)

	if _, err := o.Refresh(context.Background(), "c1", &g.ID); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, "group_id=1 ") {
		t.Errorf("Expected group_id=1 in the log, got %q", out)
	}
	if strings.Contains(out, "group_id=0x") {
		t.Errorf("Expected no pointer in the log, got %q", out)
	}
}
