// Package orchestrator re-evaluates every address/group pair of a community
// page by page, fetching each distinct balance source once per page.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"gatekeeper/internal/balance"
	"gatekeeper/internal/gating"
	"gatekeeper/internal/metrics"
	"gatekeeper/internal/models"
	"gatekeeper/internal/storage"
)

var (
	// ErrUnknownCommunity is returned when the community does not exist
	ErrUnknownCommunity = errors.New("unknown community")
	// ErrUnknownGroup is returned when a group filter matches no group of the community
	ErrUnknownGroup = errors.New("unknown group")
)

// Store is the persistence the orchestrator reads groups and addresses
// from and writes verdicts to
type Store interface {
	GetCommunity(ctx context.Context, communityID string) (*models.Community, error)
	ListGroups(ctx context.Context, communityID string, groupID *int64) ([]models.Group, error)
	GetGroup(ctx context.Context, groupID int64) (*models.Group, error)
	FindAddressesPage(ctx context.Context, communityID string, groupIDs []int64, cursor int64, limit int) ([]models.Address, error)
	UpsertMemberships(ctx context.Context, rows []models.Membership) error
	DeleteGroupMemberships(ctx context.Context, groupID int64) (int64, error)
	ListAddressMemberships(ctx context.Context, communityID, address string) ([]models.MembershipView, error)
}

// Config holds refresh tuning
type Config struct {
	BatchSize        int           // addresses per page
	MembershipTTL    time.Duration // verdicts younger than this are not recomputed
	FetchConcurrency int           // balance requests in flight per page
}

// DefaultConfig returns the default refresh tuning
func DefaultConfig() Config {
	return Config{
		BatchSize:        1000,
		MembershipTTL:    120 * time.Second,
		FetchConcurrency: 8,
	}
}

// Option configures an Orchestrator
type Option func(*Orchestrator)

// WithClock replaces time.Now for TTL decisions and last_checked stamps
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithTracer sets the tracer used for run, page and fetch spans
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// Orchestrator coordinates paging, balance fetching, evaluation and
// persistence of memberships
type Orchestrator struct {
	store    Store
	provider balance.Provider
	cfg      Config
	now      func() time.Time
	tracer   trace.Tracer
	flights  flights
}

// New creates a new Orchestrator
func New(store Store, provider balance.Provider, cfg Config, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize < 1 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FetchConcurrency < 1 {
		cfg.FetchConcurrency = def.FetchConcurrency
	}
	if cfg.MembershipTTL < 0 {
		cfg.MembershipTTL = 0
	}

	o := &Orchestrator{
		store:    store,
		provider: provider,
		cfg:      cfg,
		now:      time.Now,
		tracer:   otel.Tracer("gatekeeper/orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Refresh re-evaluates the memberships of a community, optionally narrowed
// to one group. Concurrent calls for the same community and group share a
// single run; a caller that gives up does not cancel it for the others.
func (o *Orchestrator) Refresh(ctx context.Context, communityID string, groupID *int64) (*models.RefreshResult, error) {
	key := communityID + "/*"
	if groupID != nil {
		key = communityID + "/" + strconv.FormatInt(*groupID, 10)
	}

	res, shared, err := o.flights.do(ctx, key, func(runCtx context.Context) (*models.RefreshResult, error) {
		return o.refresh(runCtx, communityID, groupID)
	})
	if shared {
		slog.Debug("Joined in-flight refresh", "community_id", communityID, "key", key)
	}
	return res, err
}

func (o *Orchestrator) refresh(ctx context.Context, communityID string, groupID *int64) (res *models.RefreshResult, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Refresh",
		trace.WithAttributes(attribute.String("community_id", communityID)),
	)
	defer span.End()

	metrics.RefreshesInFlight.Inc()
	defer metrics.RefreshesInFlight.Dec()

	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.RefreshRuns.WithLabelValues("error").Inc()
			metrics.ErrorsTotal.WithLabelValues("orchestrator").Inc()
			return
		}
		metrics.RefreshRuns.WithLabelValues("success").Inc()
		metrics.RefreshDuration.Observe(time.Since(start).Seconds())
	}()

	groups, err := o.loadGroups(ctx, communityID, groupID)
	if err != nil {
		return nil, err
	}

	res = &models.RefreshResult{CommunityID: communityID, GroupID: groupID}
	if len(groups) == 0 {
		slog.Info("No groups to refresh", "community_id", communityID)
		res.Duration = time.Since(start)
		return res, nil
	}

	groupIDs := make([]int64, len(groups))
	for i, g := range groups {
		groupIDs[i] = g.ID
		for _, req := range g.Requirements {
			if reason := req.Invalid(); reason != "" {
				slog.Warn("Invalid requirement will fail closed",
					"community_id", communityID,
					"group_id", g.ID,
					"rule", req.Rule,
					"reason", reason,
				)
			}
		}
	}

	var cursor int64
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		page, err := o.store.FindAddressesPage(ctx, communityID, groupIDs, cursor, o.cfg.BatchSize)
		if err != nil {
			return nil, fmt.Errorf("failed to load address page after %d: %w", cursor, err)
		}
		if len(page) == 0 {
			break
		}

		if err := o.processPage(ctx, groups, page, res); err != nil {
			slog.Error("Refresh aborted",
				"community_id", communityID,
				"page", res.Pages+1,
				"error", err,
			)
			return nil, err
		}

		res.Pages++
		cursor = page[len(page)-1].ID
		if len(page) < o.cfg.BatchSize {
			break
		}
	}

	res.Duration = time.Since(start)
	span.SetAttributes(
		attribute.Int("created", res.Created),
		attribute.Int("updated", res.Updated),
		attribute.Int("addresses", res.AddressesProcessed),
	)
	attrs := []any{"community_id", communityID}
	if groupID != nil {
		attrs = append(attrs, "group_id", *groupID)
	}
	slog.Info("Refreshed memberships", append(attrs,
		"created", res.Created,
		"updated", res.Updated,
		"skipped", res.Skipped,
		"addresses", res.AddressesProcessed,
		"pages", res.Pages,
		"failed_sources", res.FailedSources,
		"duration_ms", res.Duration.Milliseconds(),
	)...)
	return res, nil
}

// loadGroups resolves the community and its groups before any paging
func (o *Orchestrator) loadGroups(ctx context.Context, communityID string, groupID *int64) ([]models.Group, error) {
	if _, err := o.store.GetCommunity(ctx, communityID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, communityID)
		}
		return nil, fmt.Errorf("failed to load community: %w", err)
	}

	groups, err := o.store.ListGroups(ctx, communityID, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to load groups: %w", err)
	}
	if groupID != nil && len(groups) == 0 {
		return nil, fmt.Errorf("%w: %d in community %s", ErrUnknownGroup, *groupID, communityID)
	}
	return groups, nil
}

type pair struct {
	group *models.Group
	addr  *models.Address
	prior *models.Membership
}

// processPage evaluates every stale pair of the page and writes the verdicts
// in one bulk upsert
func (o *Orchestrator) processPage(ctx context.Context, groups []models.Group, page []models.Address, res *models.RefreshResult) error {
	pageStart := time.Now()
	ctx, span := o.tracer.Start(ctx, "orchestrator.Page",
		trace.WithAttributes(attribute.Int("addresses", len(page))),
	)
	defer span.End()

	now := o.now()
	res.AddressesProcessed += len(page)
	metrics.AddressesProcessed.Add(float64(len(page)))

	var (
		stale      []pair
		staleAddrs []models.Address
		skipped    int
	)
	for i := range page {
		a := &page[i]
		needed := false
		for j := range groups {
			g := &groups[j]
			prior := a.Membership(g.ID)
			if prior != nil && prior.Fresh(now, o.cfg.MembershipTTL) {
				skipped++
				continue
			}
			stale = append(stale, pair{group: g, addr: a, prior: prior})
			needed = true
		}
		if needed {
			staleAddrs = append(staleAddrs, *a)
		}
	}
	res.Skipped += skipped
	metrics.MembershipsSkipped.Add(float64(skipped))

	if len(stale) == 0 {
		slog.Debug("Page is fresh, nothing to evaluate",
			"community_id", page[0].CommunityID,
			"page", res.Pages+1,
			"addresses", len(page),
		)
		metrics.PagesProcessed.Inc()
		return nil
	}

	requests := gating.Plan(groups, staleAddrs)
	snapshots, failed := o.fetch(ctx, requests)
	res.FailedSources += failed

	rows := make([]models.Membership, 0, len(stale))
	var created, updated int
	for _, p := range stale {
		verdict := gating.Evaluate(p.addr.Address, p.group.Requirements, snapshots, p.group.RequiredRequirements)
		rows = append(rows, models.Membership{
			GroupID:      p.group.ID,
			AddressID:    p.addr.ID,
			RejectReason: verdict.RejectReasons(),
			LastChecked:  now,
		})
		if p.prior == nil {
			created++
		} else {
			updated++
		}
		if verdict.IsValid {
			metrics.Verdicts.WithLabelValues("allowed").Inc()
		} else {
			metrics.Verdicts.WithLabelValues("rejected").Inc()
		}
	}

	upsertStart := time.Now()
	if err := o.store.UpsertMemberships(ctx, rows); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to persist %d memberships: %w", len(rows), err)
	}
	metrics.DatabaseUpsertDuration.Observe(time.Since(upsertStart).Seconds())
	metrics.UpsertBatchSize.Observe(float64(len(rows)))

	res.Created += created
	res.Updated += updated
	metrics.MembershipsWritten.WithLabelValues("created").Add(float64(created))
	metrics.MembershipsWritten.WithLabelValues("updated").Add(float64(updated))
	metrics.PagesProcessed.Inc()
	metrics.PageDuration.Observe(time.Since(pageStart).Seconds())

	slog.Debug("Processed page",
		"community_id", page[0].CommunityID,
		"page", res.Pages+1,
		"addresses", len(page),
		"sources", len(requests),
		"failed_sources", failed,
		"created", created,
		"updated", updated,
		"skipped", skipped,
		"duration_ms", time.Since(pageStart).Milliseconds(),
	)
	return nil
}

// ResetGroup drops every verdict of a group and recomputes them, as needed
// after its requirements change. The recompute never joins a refresh that
// started before the delete.
func (o *Orchestrator) ResetGroup(ctx context.Context, groupID int64) (*models.RefreshResult, error) {
	g, err := o.store.GetGroup(ctx, groupID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrUnknownGroup, groupID)
		}
		return nil, fmt.Errorf("failed to load group: %w", err)
	}

	n, err := o.store.DeleteGroupMemberships(ctx, groupID)
	if err != nil {
		return nil, fmt.Errorf("failed to clear group memberships: %w", err)
	}
	slog.Info("Cleared group memberships", "community_id", g.CommunityID, "group_id", groupID, "deleted", n)

	return o.refresh(ctx, g.CommunityID, &groupID)
}

// Memberships returns the stored verdicts of address in a community
func (o *Orchestrator) Memberships(ctx context.Context, communityID, address string) ([]models.MembershipView, error) {
	if _, err := o.store.GetCommunity(ctx, communityID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCommunity, communityID)
		}
		return nil, fmt.Errorf("failed to load community: %w", err)
	}
	views, err := o.store.ListAddressMemberships(ctx, communityID, address)
	if err != nil {
		return nil, err
	}
	if views == nil {
		views = []models.MembershipView{}
	}
	return views, nil
}
