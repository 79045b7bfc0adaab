// Package metrics provides Prometheus collectors for kpisync sync runs.
// Metrics are registered once at package load via promauto and shared by
// all components; labels identify the connector or job that recorded them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts upstream HTTP requests by connector, method and outcome.
	// Outcome is "success", "error" or the HTTP status class ("4xx", "5xx").
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kpisync",
			Name:      "http_requests_total",
			Help:      "Total upstream HTTP requests",
		},
		[]string{"connector", "method", "outcome"},
	)

	// HTTPRetries counts retry attempts by connector and reason.
	// Reason is "rate_limit" or "transport".
	HTTPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kpisync",
			Name:      "http_retries_total",
			Help:      "Total HTTP retry attempts",
		},
		[]string{"connector", "reason"},
	)

	// EventsProcessed counts event-stream records by event name and outcome.
	// Outcome is "aggregated", "duplicate", "unattributed" or "malformed".
	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kpisync",
			Name:      "events_processed_total",
			Help:      "Total event records consumed from the export stream",
		},
		[]string{"event", "outcome"},
	)

	// EntitiesSkipped counts entities skipped during a run by job and reason.
	EntitiesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kpisync",
			Name:      "entities_skipped_total",
			Help:      "Total entities skipped during sync runs",
		},
		[]string{"job", "reason"},
	)

	// PropertyUpdates counts CRM property update calls by outcome.
	PropertyUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kpisync",
			Name:      "property_updates_total",
			Help:      "Total CRM property update operations",
		},
		[]string{"object_type", "outcome"},
	)

	// RowsWritten counts rows flushed to batch destinations.
	RowsWritten = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kpisync",
			Name:      "rows_written_total",
			Help:      "Total rows flushed to batch destinations",
		},
		[]string{"destination"},
	)
)
