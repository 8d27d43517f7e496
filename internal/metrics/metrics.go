/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

// Package metrics exposes Prometheus collectors for live voice sessions.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes recorded by RecordSessionEnd.
const (
	OutcomeStopped      = "stopped"       // ended by the user
	OutcomeClosed       = "closed"        // ended by the remote endpoint
	OutcomeFailed       = "failed"        // ended by a device or transport error
	OutcomeStartFailed  = "start_failed"  // never became active
	OutcomeStartAborted = "start_aborted" // stopped while connecting
)

// Metrics holds the collectors for one process. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive  prometheus.Gauge
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec

	AudioBytesTotal    *prometheus.CounterVec
	FramesDroppedTotal *prometheus.CounterVec

	CaptureOverrunsTotal   prometheus.Counter
	MalformedSegmentsTotal prometheus.Counter
	InterruptionsTotal     prometheus.Counter

	ErrorsTotal *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "loqa_live"
	}

	registry := prometheus.NewRegistry()

	sessionsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_active",
		Help:      "Number of live sessions currently connecting or active",
	})

	sessionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of live sessions by outcome",
		},
		[]string{"transport", "outcome"},
	)

	sessionDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Live session duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"transport"},
	)

	audioBytesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audio_bytes_total",
			Help:      "PCM bytes sent and received",
		},
		[]string{"direction"},
	)

	framesDroppedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Audio frames dropped by a full transport queue",
		},
		[]string{"direction"},
	)

	captureOverrunsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "capture_overruns_total",
		Help:      "Capture frames lost because the consumer fell behind",
	})

	malformedSegmentsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "malformed_segments_total",
		Help:      "Inbound audio segments dropped because they could not be decoded",
	})

	interruptionsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "interruptions_total",
		Help:      "Interruptions that flushed playback",
	})

	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Session-ending errors by type",
		},
		[]string{"transport", "error_type"},
	)

	registry.MustRegister(
		sessionsActive,
		sessionsTotal,
		sessionDuration,
		audioBytesTotal,
		framesDroppedTotal,
		captureOverrunsTotal,
		malformedSegmentsTotal,
		interruptionsTotal,
		errorsTotal,
	)

	return &Metrics{
		registry:               registry,
		SessionsActive:         sessionsActive,
		SessionsTotal:          sessionsTotal,
		SessionDuration:        sessionDuration,
		AudioBytesTotal:        audioBytesTotal,
		FramesDroppedTotal:     framesDroppedTotal,
		CaptureOverrunsTotal:   captureOverrunsTotal,
		MalformedSegmentsTotal: malformedSegmentsTotal,
		InterruptionsTotal:     interruptionsTotal,
		ErrorsTotal:            errorsTotal,
	}
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordSessionStart records a session entering Connecting.
func (m *Metrics) RecordSessionStart() {
	if m == nil {
		return
	}
	m.SessionsActive.Inc()
}

// RecordSessionEnd records a session releasing its resources.
func (m *Metrics) RecordSessionEnd(transport, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(transport, outcome).Inc()
	if duration > 0 {
		m.SessionDuration.WithLabelValues(transport).Observe(duration.Seconds())
	}
}

// RecordAudio records PCM bytes moving in direction "sent" or "received".
func (m *Metrics) RecordAudio(direction string, bytes int) {
	if m == nil || bytes <= 0 {
		return
	}
	m.AudioBytesTotal.WithLabelValues(direction).Add(float64(bytes))
}

// RecordDropped records frames lost in direction "outbound" or "inbound".
func (m *Metrics) RecordDropped(direction string, frames uint64) {
	if m == nil || frames == 0 {
		return
	}
	m.FramesDroppedTotal.WithLabelValues(direction).Add(float64(frames))
}

func (m *Metrics) RecordOverrun() {
	if m == nil {
		return
	}
	m.CaptureOverrunsTotal.Inc()
}

func (m *Metrics) RecordMalformed() {
	if m == nil {
		return
	}
	m.MalformedSegmentsTotal.Inc()
}

func (m *Metrics) RecordInterruption() {
	if m == nil {
		return
	}
	m.InterruptionsTotal.Inc()
}

// RecordError records the error that ended or prevented a session.
func (m *Metrics) RecordError(transport, errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(transport, errorType).Inc()
}
