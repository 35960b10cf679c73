// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Stream outcomes used as the "outcome" label.
const (
	OutcomeOK          = "ok"
	OutcomePreStream   = "pre_stream_error"
	OutcomePartial     = "partial"
	OutcomeCanceled    = "canceled"
	OutcomeInvalid     = "invalid_request"
	OutcomeUnavailable = "unavailable"
)

// =============================================================================
// COLLECTORS
// =============================================================================

var (
	mStreamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_chat_streams_total",
		Help: "Chat streams by mode and outcome.",
	}, []string{"mode", "outcome"})

	mStreamsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyrelay_chat_streams_in_flight",
		Help: "Chat streams currently relaying.",
	})

	mFirstDelta = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyrelay_chat_first_delta_seconds",
		Help:    "Latency from provider request to first forwarded delta.",
		Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
	}, []string{"mode"})

	mStreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyrelay_chat_stream_duration_seconds",
		Help:    "Total relay time per chat stream.",
		Buckets: []float64{.5, 1, 2.5, 5, 10, 30, 60, 120},
	}, []string{"mode"})

	mDeltas = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_chat_deltas_total",
		Help: "Content deltas forwarded to callers.",
	}, []string{"mode"})

	mExtractions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_extractions_total",
		Help: "Post-stream story extractions by status.",
	}, []string{"status"})

	mStoriesExtracted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyrelay_stories_extracted_total",
		Help: "Valid user stories extracted from replies.",
	})

	mStoriesDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storyrelay_stories_dropped_total",
		Help: "Array elements dropped by story validation.",
	})

	mCollaboratorCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_collaborator_calls_total",
		Help: "Calls to external collaborators (fireflies, jira) by result.",
	}, []string{"collaborator", "op", "result"})

	mCollaboratorDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyrelay_collaborator_duration_seconds",
		Help:    "External collaborator call latency.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
	}, []string{"collaborator", "op"})

	mHTTPInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storyrelay_http_requests_in_flight",
		Help: "Number of HTTP requests currently being served.",
	})

	mHTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storyrelay_http_requests_total",
		Help: "Total number of HTTP requests served.",
	}, []string{"code", "method"})

	mHTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "storyrelay_http_request_duration_seconds",
		Help:    "HTTP request latencies.",
		Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"handler", "method"})
)

// =============================================================================
// RECORDING
// =============================================================================

// StreamStarted marks a stream as in flight. The returned func ends it.
func StreamStarted() func() {
	mStreamsInFlight.Inc()
	return mStreamsInFlight.Dec
}

// ObserveStream records one finished chat request.
func ObserveStream(mode, outcome string, firstDelta, elapsed time.Duration, deltas int) {
	mStreamsTotal.WithLabelValues(mode, outcome).Inc()
	if deltas > 0 {
		mFirstDelta.WithLabelValues(mode).Observe(firstDelta.Seconds())
		mDeltas.WithLabelValues(mode).Add(float64(deltas))
	}
	mStreamDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	defaultStats.recordStream(mode, outcome)
}

// ObserveExtraction records one extraction result.
func ObserveExtraction(status string, stories, dropped int) {
	mExtractions.WithLabelValues(status).Inc()
	mStoriesExtracted.Add(float64(stories))
	mStoriesDropped.Add(float64(dropped))
	defaultStats.recordExtraction(stories)
}

// ObserveCollaborator records one external call.
func ObserveCollaborator(collaborator, op string, err error, elapsed time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	mCollaboratorCalls.WithLabelValues(collaborator, op, result).Inc()
	mCollaboratorDuration.WithLabelValues(collaborator, op).Observe(elapsed.Seconds())
}

// =============================================================================
// HTTP
// =============================================================================

// InstrumentHandler wraps h with in-flight, count and latency collectors.
func InstrumentHandler(name string, h http.Handler) http.Handler {
	h = promhttp.InstrumentHandlerInFlight(mHTTPInFlight, h)
	h = promhttp.InstrumentHandlerCounter(mHTTPRequests, h)
	h = promhttp.InstrumentHandlerDuration(mHTTPDuration.MustCurryWith(prometheus.Labels{"handler": name}), h)
	return h
}

// Handler serves the default registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.Handler()
}
