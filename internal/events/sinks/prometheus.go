package sinks

import (
	"context"
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hajimari-inc/compass-crawl-api/internal/events"
)

// PrometheusSink exports crawl activity metrics. It owns the collectors for
// unit creation and outcomes, profile upserts, frontier expansion, and
// keyword searches.
type PrometheusSink struct {
	unitsCreated     *prometheus.CounterVec
	unitsLeased      *prometheus.CounterVec
	unitClaims       *prometheus.CounterVec
	unitOutcomes     *prometheus.CounterVec
	profileUpserts   *prometheus.CounterVec
	profileUnchanged *prometheus.CounterVec
	frontierChildren *prometheus.CounterVec
	keywordSearches  *prometheus.CounterVec
	keywordURLs      *prometheus.CounterVec
	ingestFailures   *prometheus.CounterVec
	apiErrors        *prometheus.CounterVec
	ingestDuration   *prometheus.HistogramVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		unitsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_units_created_total",
			Help: "Discovery units inserted, partitioned by platform.",
		}, []string{"platform"}),
		unitsLeased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_units_leased_total",
			Help: "Discovery units handed out by lease queries, partitioned by platform.",
		}, []string{"platform"}),
		unitClaims: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_unit_claims_total",
			Help: "Claim transitions to processing, partitioned by platform.",
		}, []string{"platform"}),
		unitOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_unit_outcomes_total",
			Help: "Unit status transitions partitioned by platform and outcome.",
		}, []string{"platform", "outcome"}),
		profileUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_profiles_upserted_total",
			Help: "Profiles inserted or merged, partitioned by platform.",
		}, []string{"platform"}),
		profileUnchanged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_profiles_unchanged_total",
			Help: "Profile submissions short-circuited by an unchanged payload hash.",
		}, []string{"platform"}),
		frontierChildren: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_frontier_children_total",
			Help: "Child units created by frontier expansion, partitioned by platform and depth.",
		}, []string{"platform", "depth"}),
		keywordSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_keyword_searches_total",
			Help: "Keyword search pages fetched, partitioned by platform.",
		}, []string{"platform"}),
		keywordURLs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_keyword_urls_total",
			Help: "Profile URLs found by keyword search, partitioned by platform.",
		}, []string{"platform"}),
		ingestFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_ingest_failures_total",
			Help: "Profile records rejected during ingest, partitioned by platform.",
		}, []string{"platform"}),
		apiErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "compass_api_errors_total",
			Help: "Server-side handler failures, partitioned by platform and operation.",
		}, []string{"platform", "op"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "compass_event_duration_seconds",
			Help:    "Measured latency attached to events, partitioned by platform and kind.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"platform", "kind"}),
	}
	for _, collector := range []prometheus.Collector{
		s.unitsCreated,
		s.unitsLeased,
		s.unitClaims,
		s.unitOutcomes,
		s.profileUpserts,
		s.profileUnchanged,
		s.frontierChildren,
		s.keywordSearches,
		s.keywordURLs,
		s.ingestFailures,
		s.apiErrors,
		s.ingestDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors using the provided batch. It is safe for
// concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	platform := string(evt.Platform)
	switch evt.Kind {
	case events.KindUnitCreated:
		s.unitsCreated.WithLabelValues(platform).Add(countOf(evt))
	case events.KindUnitLeased:
		s.unitsLeased.WithLabelValues(platform).Add(countOf(evt))
	case events.KindUnitClaimed:
		s.unitClaims.WithLabelValues(platform).Inc()
	case events.KindUnitCompleted:
		s.unitOutcomes.WithLabelValues(platform, "completed").Inc()
	case events.KindUnitFailed:
		s.unitOutcomes.WithLabelValues(platform, "failed").Inc()
	case events.KindUnitSkipped:
		s.unitOutcomes.WithLabelValues(platform, "skipped").Inc()
	case events.KindUnitReleased:
		s.unitOutcomes.WithLabelValues(platform, "released").Inc()
	case events.KindProfileUpserted:
		s.profileUpserts.WithLabelValues(platform).Add(countOf(evt))
	case events.KindProfileUnchanged:
		s.profileUnchanged.WithLabelValues(platform).Add(countOf(evt))
	case events.KindFrontierExpanded:
		s.frontierChildren.WithLabelValues(platform, strconv.Itoa(evt.Depth)).Add(float64(evt.Count))
	case events.KindKeywordSearched:
		s.keywordSearches.WithLabelValues(platform).Inc()
		s.keywordURLs.WithLabelValues(platform).Add(float64(evt.Count))
	case events.KindIngestFailed:
		s.ingestFailures.WithLabelValues(platform).Add(countOf(evt))
	case events.KindError:
		s.apiErrors.WithLabelValues(platform, evt.Op).Inc()
	}
	if evt.Dur > 0 {
		s.ingestDuration.WithLabelValues(platform, string(evt.Kind)).Observe(evt.Dur.Seconds())
	}
}

// countOf treats an unset count as one occurrence.
func countOf(evt events.Event) float64 {
	if evt.Count <= 0 {
		return 1
	}
	return float64(evt.Count)
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
