package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const cachedKey = "cached"

var meter = otel.Meter("node_store")

type metrics struct {
	get        metric.Float64Histogram
	commit     metric.Float64Histogram
	added      metric.Int64Counter
	superseded metric.Int64Counter

	cacheSize metric.Int64ObservableGauge
	clientReg metric.Registration
}

func (s *Store) WithMetrics() error {
	get, err := meter.Float64Histogram("node_store_get_time_histogram",
		metric.WithDescription("node store get time histogram(s)"))
	if err != nil {
		return err
	}

	commit, err := meter.Float64Histogram("node_store_commit_time_histogram",
		metric.WithDescription("node store changeset commit time histogram(s)"))
	if err != nil {
		return err
	}

	added, err := meter.Int64Counter("node_store_added_nodes_counter",
		metric.WithDescription("nodes written by committed changesets"))
	if err != nil {
		return err
	}

	superseded, err := meter.Int64Counter("node_store_superseded_nodes_counter",
		metric.WithDescription("nodes marked stale by committed changesets"))
	if err != nil {
		return err
	}

	cacheSize, err := meter.Int64ObservableGauge("node_store_cache_size",
		metric.WithDescription("number of nodes held by the read cache"))
	if err != nil {
		return err
	}

	callback := func(_ context.Context, observer metric.Observer) error {
		if s.cache != nil {
			observer.ObserveInt64(cacheSize, int64(s.cache.Len()))
		}
		return nil
	}
	clientReg, err := meter.RegisterCallback(callback, cacheSize)
	if err != nil {
		return err
	}

	s.metrics = &metrics{
		get:        get,
		commit:     commit,
		added:      added,
		superseded: superseded,
		cacheSize:  cacheSize,
		clientReg:  clientReg,
	}
	return nil
}

func (m *metrics) observeGet(ctx context.Context, dur time.Duration, cached bool) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	m.get.Record(ctx, dur.Seconds(), metric.WithAttributes(
		attribute.Bool(cachedKey, cached)))
}

func (m *metrics) observeCommit(ctx context.Context, dur time.Duration, added, superseded int) {
	if m == nil {
		return
	}
	if ctx.Err() != nil {
		ctx = context.Background()
	}

	m.commit.Record(ctx, dur.Seconds())
	m.added.Add(ctx, int64(added))
	m.superseded.Add(ctx, int64(superseded))
}

func (m *metrics) close() error {
	if m == nil {
		return nil
	}
	return m.clientReg.Unregister()
}
