// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("catalog.cache")
	meter  = otel.Meter("catalog.cache")
)

var (
	hitCounter         metric.Int64Counter
	missCounter        metric.Int64Counter
	evictionCounter    metric.Int64Counter
	invalidatedCounter metric.Int64Counter
	getLatency         metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics registers instruments on first use.
func initMetrics() error {
	metricsOnce.Do(func() {
		if hitCounter, metricsErr = meter.Int64Counter("catalog_cache_hits_total",
			metric.WithDescription("View cache hits")); metricsErr != nil {
			return
		}
		if missCounter, metricsErr = meter.Int64Counter("catalog_cache_misses_total",
			metric.WithDescription("View cache misses, including expired entries")); metricsErr != nil {
			return
		}
		if evictionCounter, metricsErr = meter.Int64Counter("catalog_cache_evictions_total",
			metric.WithDescription("Entries evicted for capacity")); metricsErr != nil {
			return
		}
		if invalidatedCounter, metricsErr = meter.Int64Counter("catalog_cache_invalidated_total",
			metric.WithDescription("Entries removed by pattern invalidation")); metricsErr != nil {
			return
		}
		getLatency, metricsErr = meter.Float64Histogram("catalog_cache_get_duration_seconds",
			metric.WithDescription("Duration of view cache lookups"),
			metric.WithUnit("s"))
	})
	return metricsErr
}

func recordGet(ctx context.Context, elapsed time.Duration, hit bool) {
	if initMetrics() != nil {
		return
	}
	if hit {
		hitCounter.Add(ctx, 1)
	} else {
		missCounter.Add(ctx, 1)
	}
	getLatency.Record(ctx, elapsed.Seconds(), metric.WithAttributes(attribute.Bool("hit", hit)))
}

func recordEviction(ctx context.Context) {
	if initMetrics() != nil {
		return
	}
	evictionCounter.Add(ctx, 1)
}

func recordInvalidated(ctx context.Context, n int) {
	if initMetrics() != nil || n == 0 {
		return
	}
	invalidatedCounter.Add(ctx, int64(n))
}

func startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "ViewCache."+op, trace.WithAttributes(
		attribute.String("cache.operation", op),
		attribute.String("cache.key", key),
	))
}
