/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package bas

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "bas_"

	resultSuccess = "success"
	resultError   = "error"
)

// Metrics defines the interface for collecting client metrics.
type Metrics interface {
	RecordRequest(op, result string, duration time.Duration)
	RecordRetry(op string)
	RecordAuth(kind, result string)
	RecordGateDenied(gate string)
	RecordHealthState(state HealthStatus)
	RecordStreamEvent(eventType string)
	RecordStreamClose(reason CloseReason)
	RecordSamplesReceived(count int)
}

// NoOpMetrics provides a no-op implementation of the Metrics interface
type NoOpMetrics struct{}

func (NoOpMetrics) RecordRequest(string, string, time.Duration) {}
func (NoOpMetrics) RecordRetry(string)                          {}
func (NoOpMetrics) RecordAuth(string, string)                   {}
func (NoOpMetrics) RecordGateDenied(string)                     {}
func (NoOpMetrics) RecordHealthState(HealthStatus)              {}
func (NoOpMetrics) RecordStreamEvent(string)                    {}
func (NoOpMetrics) RecordStreamClose(CloseReason)               {}
func (NoOpMetrics) RecordSamplesReceived(int)                   {}

// PrometheusMetrics exports client metrics as Prometheus collectors.
type PrometheusMetrics struct {
	requests        *prometheus.CounterVec
	requestLatency  *prometheus.HistogramVec
	retries         *prometheus.CounterVec
	auth            *prometheus.CounterVec
	gateDenied      *prometheus.CounterVec
	healthState     prometheus.Gauge
	streamEvents    *prometheus.CounterVec
	streamCloses    *prometheus.CounterVec
	samplesReceived prometheus.Counter
}

// NewPrometheusMetrics creates the collectors and registers them on reg.
func NewPrometheusMetrics(reg prometheus.Registerer) (*PrometheusMetrics, error) {
	m := &PrometheusMetrics{
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "requests_total",
				Help: "Total executed API operations by operation and result",
			},
			[]string{"op", "result"},
		),
		requestLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "request_duration_seconds",
				Help:    "API operation latency in seconds, including retries",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "request_retries_total",
				Help: "Total retries after transient server errors",
			},
			[]string{"op"},
		),
		auth: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "auth_total",
				Help: "Total login and refresh calls by result",
			},
			[]string{"kind", "result"},
		),
		gateDenied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "admission_denied_total",
				Help: "Total calls rejected by an admission gate",
			},
			[]string{"gate"},
		),
		healthState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "health_state",
				Help: "Backend health: 0 healthy, 1 unhealthy, 2 probing",
			},
		),
		streamEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_events_total",
				Help: "Total stream events dispatched by type",
			},
			[]string{"type"},
		),
		streamCloses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_closes_total",
				Help: "Total stream closes by reason",
			},
			[]string{"reason"},
		),
		samplesReceived: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "trend_samples_received_total",
				Help: "Total trend samples received",
			},
		),
	}

	for _, c := range []prometheus.Collector{
		m.requests, m.requestLatency, m.retries, m.auth, m.gateDenied,
		m.healthState, m.streamEvents, m.streamCloses, m.samplesReceived,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *PrometheusMetrics) RecordRequest(op, result string, duration time.Duration) {
	m.requests.WithLabelValues(op, result).Inc()
	m.requestLatency.WithLabelValues(op).Observe(duration.Seconds())
}

func (m *PrometheusMetrics) RecordRetry(op string) {
	m.retries.WithLabelValues(op).Inc()
}

func (m *PrometheusMetrics) RecordAuth(kind, result string) {
	m.auth.WithLabelValues(kind, result).Inc()
}

func (m *PrometheusMetrics) RecordGateDenied(gate string) {
	m.gateDenied.WithLabelValues(gate).Inc()
}

func (m *PrometheusMetrics) RecordHealthState(state HealthStatus) {
	m.healthState.Set(float64(state))
}

func (m *PrometheusMetrics) RecordStreamEvent(eventType string) {
	if eventType == "" {
		eventType = "message"
	}

	m.streamEvents.WithLabelValues(eventType).Inc()
}

func (m *PrometheusMetrics) RecordStreamClose(reason CloseReason) {
	m.streamCloses.WithLabelValues(string(reason)).Inc()
}

func (m *PrometheusMetrics) RecordSamplesReceived(count int) {
	m.samplesReceived.Add(float64(count))
}

func resultLabel(err error) string {
	if err != nil {
		return resultError
	}

	return resultSuccess
}
