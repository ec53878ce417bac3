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
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoSamples = `{
  "total": 2,
  "items": [
    {"value": {"value": 21.5, "units": "degC"}, "timestamp": "2025-03-01T11:00:00Z", "isReliable": true},
    {"value": {"value": null, "units": "degC"}, "timestamp": "2025-03-01T11:15:00Z"}
  ],
  "next": null,
  "previous": null,
  "self": "/objects/obj-1/trendedAttributes/presentValue/samples?page=1",
  "objectUrl": "/objects/obj-1"
}`

func TestTrendPoller_FetchSince(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackend(t, clock)

	var query atomic.Value
	var auth atomic.Value

	b.handle("GET /objects/{id}/trendedAttributes/presentValue/samples", func(w http.ResponseWriter, r *http.Request) {
		query.Store(r.URL.Query())
		auth.Store(r.Header.Get("Authorization"))

		if r.PathValue("id") != "obj-1" {
			w.WriteHeader(http.StatusNotFound)

			return
		}

		_, _ = w.Write([]byte(twoSamples))
	})

	c := newTestClient(t, b, nil)
	since := testEpoch.Add(-2 * time.Hour)

	samples, err := c.Trends().FetchSince(context.Background(), "obj-1", 50, 100, since)
	require.NoError(t, err)
	require.Len(t, samples, 2)

	assert.Equal(t, "obj-1", samples[0].ObjectID)
	require.NotNil(t, samples[0].Value)
	assert.InDelta(t, 21.5, *samples[0].Value, 0.0001)
	assert.True(t, samples[0].Reliable)
	assert.Equal(t, "degC", samples[0].Units)
	assert.Equal(t, time.Date(2025, 3, 1, 11, 0, 0, 0, time.UTC), samples[0].ObservedAt)

	assert.Nil(t, samples[1].Value)
	assert.True(t, samples[1].Reliable, "isReliable defaults to true")

	assert.Equal(t, int64(2), c.Trends().ReceivedCount())

	last, ok := c.Trends().LastReceivedAt("obj-1")
	require.True(t, ok)
	assert.Equal(t, testEpoch, last)

	q := query.Load().(url.Values)
	assert.Equal(t, "2025-03-01T10:00:00Z", q.Get("startTime"))
	assert.Equal(t, "2025-03-01T12:01:00Z", q.Get("endTime"))
	assert.Equal(t, "3", q.Get("page"))
	assert.Equal(t, "50", q.Get("pageSize"))
	assert.Equal(t, "100", q.Get("skip"))
	assert.Equal(t, "Bearer login-1", auth.Load())
}

func TestTrendPoller_NotFoundIsEmpty(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackend(t, clock)
	c := newTestClient(t, b, nil)

	samples, err := c.Trends().FetchSince(context.Background(), "missing", 10, 0, testEpoch)

	require.NoError(t, err)
	assert.Empty(t, samples)
	assert.Zero(t, c.Trends().ReceivedCount())
}

func TestTrendPoller_InvalidArguments(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackend(t, clock)
	c := newTestClient(t, b, nil)
	ctx := context.Background()

	tests := []struct {
		name     string
		objectID string
		take     int
		skip     int
		since    time.Time
	}{
		{name: "zero since", objectID: "obj", take: 10, since: time.Time{}},
		{name: "empty object", objectID: "", take: 10, since: testEpoch},
		{name: "zero take", objectID: "obj", take: 0, since: testEpoch},
		{name: "negative skip", objectID: "obj", take: 10, skip: -1, since: testEpoch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Trends().FetchSince(ctx, tt.objectID, tt.take, tt.skip, tt.since)

			require.ErrorIs(t, err, ErrInvalidArgument)
		})
	}

	assert.Zero(t, b.logins.Load(), "validation happens before any request")
}

func TestTrendPoller_StatusMapping(t *testing.T) {
	tests := []struct {
		status  int
		wantErr error
	}{
		{status: http.StatusBadRequest, wantErr: ErrProtocol},
		{status: http.StatusConflict, wantErr: ErrProtocol},
		{status: http.StatusForbidden, wantErr: ErrAuthorizationExpired},
		{status: http.StatusInternalServerError, wantErr: ErrMaxRetries},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.status), func(t *testing.T) {
			clock := newFakeClock()
			b := newTestBackend(t, clock)
			b.handle("GET /objects/{id}/trendedAttributes/presentValue/samples", func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte("server says no"))
			})

			c := newTestClient(t, b, nil)

			_, err := c.Trends().FetchSince(context.Background(), "obj-1", 10, 0, testEpoch)

			require.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.status, StatusCodeOf(err))
			assert.Contains(t, err.Error(), "server says no")
			assert.Zero(t, c.Trends().ReceivedCount())

			_, ok := c.Trends().LastReceivedAt("obj-1")
			assert.False(t, ok)
		})
	}
}

func TestTrendPoller_MalformedBody(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackend(t, clock)
	b.handle("GET /objects/{id}/trendedAttributes/presentValue/samples", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"items": "nope"}`))
	})

	c := newTestClient(t, b, nil)

	_, err := c.Trends().FetchSince(context.Background(), "obj-1", 10, 0, testEpoch)

	require.ErrorIs(t, err, ErrProtocol)
}

func TestTrendPoller_FetchAllSince(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackend(t, clock)

	var requests atomic.Int32

	b.handle("GET /objects/{id}/trendedAttributes/presentValue/samples", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)

		skip, _ := strconv.Atoi(r.URL.Query().Get("skip"))
		take, _ := strconv.Atoi(r.URL.Query().Get("pageSize"))

		const total = 5

		items := ""

		for i := skip; i < min(skip+take, total); i++ {
			if items != "" {
				items += ","
			}

			items += fmt.Sprintf(`{"value":{"value":%d},"timestamp":"2025-03-01T11:%02d:00Z"}`, i, i)
		}

		_, _ = fmt.Fprintf(w, `{"total":%d,"items":[%s]}`, total, items)
	})

	c := newTestClient(t, b, func(cfg *Config) { cfg.PageSize = 2 })

	samples, err := c.Trends().FetchAllSince(context.Background(), "obj-1", testEpoch.Add(-time.Hour))

	require.NoError(t, err)
	require.Len(t, samples, 5)
	assert.Equal(t, int32(3), requests.Load())
	assert.InDelta(t, 4.0, *samples[4].Value, 0.0001)
	assert.Equal(t, int64(5), c.Trends().ReceivedCount())
}

func TestTrendPoller_FetchAllSinceStopsAtPageLimit(t *testing.T) {
	clock := newFakeClock()
	b := newTestBackend(t, clock)

	var requests atomic.Int32

	b.handle("GET /objects/{id}/trendedAttributes/presentValue/samples", func(w http.ResponseWriter, _ *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(`{"items":[{"value":{"value":1},"timestamp":"2025-03-01T11:00:00Z"}]}`))
	})

	c := newTestClient(t, b, func(cfg *Config) {
		cfg.PageSize = 1
		cfg.MaxPages = 3
	})

	samples, err := c.Trends().FetchAllSince(context.Background(), "obj-1", testEpoch.Add(-time.Hour))

	require.NoError(t, err)
	assert.Len(t, samples, 3)
	assert.Equal(t, int32(3), requests.Load())
}
