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
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/carverauto/bas-connector/pkg/logger"
)

// HealthStatus is the state of the backend health circuit.
type HealthStatus int

const (
	// StateHealthy - backend calls are succeeding
	StateHealthy HealthStatus = iota
	// StateUnhealthy - a failure was recorded and the probe loop is running
	StateUnhealthy
	// StateProbing - a recovery probe is in flight
	StateProbing
)

func (s HealthStatus) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateProbing:
		return "probing"
	default:
		return "unknown"
	}
}

// HealthState is a point-in-time copy of the circuit.
type HealthState struct {
	Available           bool
	State               HealthStatus
	ConsecutiveFailures int
	LastSuccessAt       time.Time
	LastFailureAt       time.Time
	LastError           string
}

// ProbeFunc performs one lightweight reachability call and returns the HTTP
// status it got back.
type ProbeFunc func(ctx context.Context) (int, error)

// HealthCircuitConfig holds configuration for the health circuit.
type HealthCircuitConfig struct {
	Service           string
	ProbeInitialDelay time.Duration
	ProbeInterval     time.Duration
	Notifier          Notifier
	Clock             Clock
	Metrics           Metrics
}

// HealthCircuit tracks backend availability. The first failure after a healthy
// period raises one alarm and starts a probe loop that runs until a call
// succeeds again.
type HealthCircuit struct {
	config HealthCircuitConfig
	probe  ProbeFunc
	logger logger.Logger

	mu          sync.Mutex
	state       HealthStatus
	failures    int
	lastSuccess time.Time
	lastFailure time.Time
	lastErr     error
	probeCancel context.CancelFunc
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHealthCircuit creates a circuit in the healthy state.
func NewHealthCircuit(config HealthCircuitConfig, probe ProbeFunc, log logger.Logger) *HealthCircuit {
	if config.Notifier == nil {
		config.Notifier = noopNotifier{}
	}

	if config.Clock == nil {
		config.Clock = systemClock{}
	}

	if config.Metrics == nil {
		config.Metrics = NoOpMetrics{}
	}

	if config.ProbeInitialDelay <= 0 {
		config.ProbeInitialDelay = defaultProbeInitialDelay
	}

	if config.ProbeInterval <= 0 {
		config.ProbeInterval = defaultProbeInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &HealthCircuit{
		config: config,
		probe:  probe,
		logger: log,
		state:  StateHealthy,
		ctx:    ctx,
		cancel: cancel,
	}
}

// RecordFailure notes a failed call.
func (h *HealthCircuit) RecordFailure(err error) {
	h.mu.Lock()

	h.failures++
	h.lastFailure = h.config.Clock.Now()
	h.lastErr = err

	previous := h.state
	tripped := previous == StateHealthy

	if previous != StateUnhealthy {
		h.state = StateUnhealthy
	}

	if tripped && !h.closed && h.probe != nil {
		probeCtx, cancel := context.WithCancel(h.ctx)
		h.probeCancel = cancel
		h.wg.Add(1)

		go h.probeLoop(probeCtx)
	}

	failures := h.failures
	h.mu.Unlock()

	if !tripped {
		h.logger.Debug().
			Err(err).
			Int("consecutive_failures", failures).
			Msg("Backend call failed while unhealthy")

		return
	}

	h.logger.Warn().
		Err(err).
		Str("service", h.config.Service).
		Str("previous_state", previous.String()).
		Msg("Backend marked unhealthy")

	h.config.Metrics.RecordHealthState(StateUnhealthy)
	h.config.Notifier.SendAlarm(h.config.Service, fmt.Sprintf("%s API unavailable: %v", h.config.Service, err))
}

// RecordSuccess notes a successful call and ends any recovery probing.
func (h *HealthCircuit) RecordSuccess() {
	h.mu.Lock()

	recovered := h.state != StateHealthy
	h.state = StateHealthy
	h.failures = 0
	h.lastSuccess = h.config.Clock.Now()
	h.lastErr = nil

	cancel := h.probeCancel
	h.probeCancel = nil
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if !recovered {
		return
	}

	h.logger.Info().
		Str("service", h.config.Service).
		Msg("Backend recovered")

	h.config.Metrics.RecordHealthState(StateHealthy)
	h.config.Notifier.ClearService(h.config.Service)
}

// IsAvailable reports whether the backend is currently considered healthy.
func (h *HealthCircuit) IsAvailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.state == StateHealthy
}

// Snapshot returns a copy of the current state.
func (h *HealthCircuit) Snapshot() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	s := HealthState{
		Available:           h.state == StateHealthy,
		State:               h.state,
		ConsecutiveFailures: h.failures,
		LastSuccessAt:       h.lastSuccess,
		LastFailureAt:       h.lastFailure,
	}

	if h.lastErr != nil {
		s.LastError = h.lastErr.Error()
	}

	return s
}

// Close stops the probe loop and waits for it to exit.
func (h *HealthCircuit) Close() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()

	h.cancel()
	h.wg.Wait()
}

func (h *HealthCircuit) probeLoop(ctx context.Context) {
	defer h.wg.Done()

	delay := h.config.ProbeInitialDelay

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.config.Clock.After(delay):
		}

		if h.probeOnce(ctx) {
			return
		}

		delay = h.config.ProbeInterval
	}
}

// probeOnce runs a single probe and reports whether the loop is finished.
func (h *HealthCircuit) probeOnce(ctx context.Context) bool {
	h.mu.Lock()
	if h.state == StateHealthy {
		h.mu.Unlock()

		return true
	}

	h.state = StateProbing
	h.mu.Unlock()

	h.config.Metrics.RecordHealthState(StateProbing)

	status, err := h.probe(ctx)
	if ctx.Err() != nil {
		return true
	}

	if err == nil && probeReachable(status) {
		h.logger.Debug().Int("status_code", status).Msg("Health probe reached backend")
		h.RecordSuccess()

		return true
	}

	if err == nil {
		err = &Error{Kind: KindTransientServer, Op: "probe", StatusCode: status, Message: "probe rejected"}
	}

	h.mu.Lock()
	if h.state == StateProbing {
		h.state = StateUnhealthy
	}

	h.failures++
	h.lastFailure = h.config.Clock.Now()
	h.lastErr = err
	h.mu.Unlock()

	h.config.Metrics.RecordHealthState(StateUnhealthy)
	h.logger.Info().Err(err).Msg("Health probe failed, backend still unavailable")

	return false
}

// probeReachable treats auth rejections as proof the server answered.
func probeReachable(status int) bool {
	switch status {
	case http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	default:
		return false
	}
}
