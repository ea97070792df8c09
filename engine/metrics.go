package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var itemProcessDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "quorum_item_duration_sec",
	Help: "Total duration of inbound item processing",
}, []string{"collection"})

var itemProcessCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_items_processed",
	Help: "Number of inbound items processed, by outcome",
}, []string{"collection", "outcome"})

var itemsDeferred = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "quorum_items_deferred",
	Help: "Number of items currently waiting on a missing reference",
})

var itemsDeadLettered = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_items_dead_lettered",
	Help: "Number of items given up on and dead-lettered",
}, []string{"collection"})

var projectionRefreshCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_projection_refreshes",
	Help: "Number of derived projections recomputed and stored",
}, []string{"kind"})

var projectionErrorCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_projection_errors",
	Help: "Number of failed projection refreshes",
}, []string{"kind"})

var windowsOpened = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_windows_opened",
	Help: "Number of testimony windows opened",
})

var windowsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_windows_closed",
	Help: "Number of testimony windows closed, by outcome",
}, []string{"outcome"})

var authorityEligibleCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "quorum_authority_eligible",
	Help: "Number of times a subject reached the authority-eligible tier",
})

var witnessTierCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "quorum_witness_tier_cache",
	Help: "Witness tier cache lookups, by result",
}, []string{"result"})
