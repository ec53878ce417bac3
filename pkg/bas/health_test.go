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
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/carverauto/bas-connector/pkg/logger"
)

func newTestCircuit(t *testing.T, clock *fakeClock, notifier Notifier, probe ProbeFunc) *HealthCircuit {
	t.Helper()

	h := NewHealthCircuit(HealthCircuitConfig{
		Service:  "bas-test",
		Notifier: notifier,
		Clock:    clock,
	}, probe, logger.NewTestLogger())
	t.Cleanup(h.Close)

	return h
}

func TestHealthCircuit_AlarmOnceAndClear(t *testing.T) {
	ctrl := gomock.NewController(t)
	notifier := NewMockNotifier(ctrl)
	clock := newFakeClock()
	h := newTestCircuit(t, clock, notifier, blockingProbe)

	gomock.InOrder(
		notifier.EXPECT().SendAlarm("bas-test", gomock.Any()).Times(1),
		notifier.EXPECT().ClearService("bas-test").Times(1),
	)

	assert.True(t, h.IsAvailable())

	h.RecordFailure(errors.New("first"))
	h.RecordFailure(errors.New("second"))

	snap := h.Snapshot()
	assert.False(t, snap.Available)
	assert.Equal(t, StateUnhealthy, snap.State)
	assert.Equal(t, 2, snap.ConsecutiveFailures)
	assert.Equal(t, "second", snap.LastError)
	assert.Equal(t, testEpoch, snap.LastFailureAt)

	h.RecordSuccess()
	h.RecordSuccess()

	snap = h.Snapshot()
	assert.True(t, snap.Available)
	assert.Equal(t, StateHealthy, snap.State)
	assert.Zero(t, snap.ConsecutiveFailures)
	assert.Empty(t, snap.LastError)
}

func TestHealthCircuit_ProbeRecovers(t *testing.T) {
	for _, status := range []int{http.StatusOK, http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden} {
		t.Run(http.StatusText(status), func(t *testing.T) {
			clock := newFakeClock()
			notifier := &recordingNotifier{}

			var probes atomic.Int32

			h := newTestCircuit(t, clock, notifier, func(context.Context) (int, error) {
				probes.Add(1)

				return status, nil
			})

			h.RecordFailure(errors.New("down"))

			require.Eventually(t, func() bool { return clock.Parked() == 1 }, time.Second, time.Millisecond)
			clock.Fire()

			require.Eventually(t, h.IsAvailable, time.Second, time.Millisecond)
			assert.Equal(t, int32(1), probes.Load())
			assert.Equal(t, 1, notifier.count("clear"))
		})
	}
}

func TestHealthCircuit_ProbeScheduleWhileDown(t *testing.T) {
	clock := newFakeClock()

	var probes atomic.Int32

	h := newTestCircuit(t, clock, nil, func(context.Context) (int, error) {
		if probes.Add(1) < 3 {
			return http.StatusServiceUnavailable, nil
		}

		return http.StatusOK, nil
	})

	h.RecordFailure(errors.New("down"))

	for want := int32(1); want <= 2; want++ {
		require.Eventually(t, func() bool { return clock.Parked() == 1 }, time.Second, time.Millisecond)
		clock.Fire()
		require.Eventually(t, func() bool {
			return h.Snapshot().ConsecutiveFailures == int(want)+1
		}, time.Second, time.Millisecond)

		assert.Equal(t, want, probes.Load())
		assert.False(t, h.IsAvailable())
	}

	require.Eventually(t, func() bool { return clock.Parked() == 1 }, time.Second, time.Millisecond)
	clock.Fire()
	require.Eventually(t, h.IsAvailable, time.Second, time.Millisecond)

	clock.mu.Lock()
	delays := append([]time.Duration(nil), clock.delays...)
	clock.mu.Unlock()

	assert.Equal(t, []time.Duration{30 * time.Second, time.Minute, time.Minute}, delays)
}

func TestHealthCircuit_ProbeTransportError(t *testing.T) {
	clock := newFakeClock()

	h := newTestCircuit(t, clock, nil, func(context.Context) (int, error) {
		return 0, transportError("probe", "", errors.New("no route to host"))
	})

	h.RecordFailure(errors.New("down"))

	require.Eventually(t, func() bool { return clock.Parked() == 1 }, time.Second, time.Millisecond)
	clock.Fire()

	require.Eventually(t, func() bool { return h.Snapshot().ConsecutiveFailures == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, StateUnhealthy, h.Snapshot().State)
	assert.Contains(t, h.Snapshot().LastError, "no route to host")
}

func TestHealthCircuit_SuccessStopsProbing(t *testing.T) {
	clock := newFakeClock()

	var probes atomic.Int32

	h := newTestCircuit(t, clock, nil, func(context.Context) (int, error) {
		probes.Add(1)

		return http.StatusOK, nil
	})

	h.RecordFailure(errors.New("down"))
	require.Eventually(t, func() bool { return clock.Parked() == 1 }, time.Second, time.Millisecond)

	h.RecordSuccess()
	clock.Fire()
	h.Close()

	assert.Zero(t, probes.Load())
}

func TestHealthStatus_String(t *testing.T) {
	assert.Equal(t, "healthy", StateHealthy.String())
	assert.Equal(t, "unhealthy", StateUnhealthy.String())
	assert.Equal(t, "probing", StateProbing.String())
	assert.Equal(t, "unknown", HealthStatus(42).String())
}
