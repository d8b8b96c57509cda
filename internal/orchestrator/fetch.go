package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"gatekeeper/internal/metrics"
	"gatekeeper/internal/models"
)

// fetch issues every request concurrently and waits for all of them. A
// failed request yields a snapshot without balances, so every requirement
// on that source fails for the whole page. Failures never cancel the
// other requests.
func (o *Orchestrator) fetch(ctx context.Context, requests []models.BalanceRequest) ([]models.BalanceSnapshot, int) {
	snapshots := make([]models.BalanceSnapshot, len(requests))
	failed := make([]bool, len(requests))

	var g errgroup.Group
	g.SetLimit(o.cfg.FetchConcurrency)
	for i, req := range requests {
		g.Go(func() error {
			snapshots[i] = models.BalanceSnapshot{Source: req.Source}

			key := req.Source.Key().String()
			ctx, span := o.tracer.Start(ctx, "orchestrator.FetchBalances",
				trace.WithAttributes(
					attribute.String("source", key),
					attribute.String("source_type", string(req.Source.Type())),
					attribute.Int("addresses", len(req.Addresses)),
				),
			)
			defer span.End()

			start := time.Now()
			balances, err := o.provider.GetBalances(ctx, req.Source, req.Addresses, true)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				metrics.BalanceFetchErrors.WithLabelValues(string(req.Source.Type())).Inc()
				slog.Warn("Balance fetch failed, requirements on this source fail closed",
					"source", key,
					"source_type", req.Source.Type(),
					"addresses", len(req.Addresses),
					"error", err,
				)
				failed[i] = true
				return nil
			}

			snapshots[i].Balances = balances
			slog.Debug("Fetched balances",
				"source", key,
				"addresses", len(req.Addresses),
				"returned", len(balances),
				"duration_ms", time.Since(start).Milliseconds(),
			)
			return nil
		})
	}
	_ = g.Wait()

	n := 0
	for _, f := range failed {
		if f {
			n++
		}
	}
	return snapshots, n
}
