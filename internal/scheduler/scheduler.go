// Package scheduler periodically refreshes the memberships of every gated
// community.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"gatekeeper/internal/metrics"
	"gatekeeper/internal/models"
)

// Refresher runs one community refresh
type Refresher interface {
	Refresh(ctx context.Context, communityID string, groupID *int64) (*models.RefreshResult, error)
}

// CommunityLister lists the communities worth refreshing
type CommunityLister interface {
	ListGatedCommunityIDs(ctx context.Context) ([]string, error)
}

// Scheduler refreshes communities one after another on a fixed interval
type Scheduler struct {
	lister    CommunityLister
	refresher Refresher
	interval  time.Duration
}

// New creates a new Scheduler
func New(lister CommunityLister, refresher Refresher, interval time.Duration) *Scheduler {
	return &Scheduler{
		lister:    lister,
		refresher: refresher,
		interval:  interval,
	}
}

// RunOnce refreshes every gated community sequentially. A failed community
// is logged and skipped; only a listing failure is returned.
func (s *Scheduler) RunOnce(ctx context.Context) (int, error) {
	ids, err := s.lister.ListGatedCommunityIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list communities: %w", err)
	}

	refreshed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := s.refresher.Refresh(ctx, id, nil); err != nil {
			slog.Error("Scheduled refresh failed", "community_id", id, "error", err)
			metrics.ErrorsTotal.WithLabelValues("scheduler").Inc()
			continue
		}
		refreshed++
	}
	return refreshed, nil
}

// Start runs RunOnce immediately and then every interval until ctx is done
func (s *Scheduler) Start(ctx context.Context) {
	if s.interval <= 0 {
		return
	}
	slog.Info("Scheduler started", "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		start := time.Now()
		n, err := s.RunOnce(ctx)
		if err != nil {
			slog.Error("Scheduled run failed", "error", err)
		} else {
			slog.Info("Scheduled run finished", "communities", n, "duration_ms", time.Since(start).Milliseconds())
		}

		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopped")
			return
		case <-ticker.C:
		}
	}
}
