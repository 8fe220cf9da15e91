// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package catalog

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "operations_total",
		Help:      "Coordinator operations by outcome",
	}, []string{"op", "outcome"})

	operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catalog",
		Name:      "operation_duration_seconds",
		Help:      "Coordinator operation latency including best-effort propagation",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
	}, []string{"op"})

	propagationFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "propagation_failures_total",
		Help:      "Search index and cache writes that failed after a committed mutation",
	}, []string{"target", "op"})

	propagationQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "catalog",
		Name:      "propagation_queue_depth",
		Help:      "Changes waiting for asynchronous propagation",
	})

	searchRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "search_requests_total",
		Help:      "Search requests by serving backend",
	}, []string{"index", "backend", "degraded"})

	repairedNodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "tree_repaired_nodes_total",
		Help:      "Categories whose materialized path was rewritten",
	}, []string{"op"})

	reindexedDocumentsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catalog",
		Name:      "reindexed_documents_total",
		Help:      "Documents written by reindex runs",
	}, []string{"index", "outcome"})

	searchBackendMode = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "catalog",
		Name:      "search_backend_mode",
		Help:      "1 for the current search health mode, 0 otherwise",
	}, []string{"mode"})
)

// searchModes lists every value RecordSearchMode accepts.
var searchModes = []string{"normal", "degraded", "disabled"}

// RecordSearchMode publishes the search backend's health mode. Unknown modes
// clear every series.
func RecordSearchMode(mode string) {
	for _, m := range searchModes {
		v := 0.0
		if m == mode {
			v = 1
		}
		searchBackendMode.WithLabelValues(m).Set(v)
	}
}

func recordSearch(index, backend string, degraded bool) {
	searchRequestsTotal.WithLabelValues(index, backend, strconv.FormatBool(degraded)).Inc()
}
