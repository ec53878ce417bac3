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
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/carverauto/bas-connector/pkg/bas/sse"
	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
)

var testEpoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// fakeClock fires short waits immediately, advancing its time by the
// requested delay. Waits of at least park are held until Fire is called.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	park   time.Duration
	delays []time.Duration
	parked []parkedWait
}

type parkedWait struct {
	d  time.Duration
	ch chan time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testEpoch, park: 30 * time.Second}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delays = append(c.delays, d)
	ch := make(chan time.Time, 1)

	if c.park > 0 && d >= c.park {
		c.parked = append(c.parked, parkedWait{d: d, ch: ch})

		return ch
	}

	c.now = c.now.Add(d)
	ch <- c.now

	return ch
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// Fire releases every parked wait.
func (c *fakeClock) Fire() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var longest time.Duration
	for _, p := range c.parked {
		longest = max(longest, p.d)
	}

	c.now = c.now.Add(longest)

	for _, p := range c.parked {
		p.ch <- c.now
	}

	c.parked = nil
}

func (c *fakeClock) Parked() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.parked)
}

// Delays returns the recorded waits shorter than the park threshold.
func (c *fakeClock) Delays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []time.Duration

	for _, d := range c.delays {
		if c.park == 0 || d < c.park {
			out = append(out, d)
		}
	}

	return out
}

// AllDelays includes parked waits.
func (c *fakeClock) AllDelays() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]time.Duration(nil), c.delays...)
}

// testBackend is a stub BAS API with login and refresh endpoints.
type testBackend struct {
	clock *fakeClock
	mux   *http.ServeMux
	srv   *httptest.Server

	logins        atomic.Int32
	refreshes     atomic.Int32
	loginStatus   atomic.Int32
	refreshStatus atomic.Int32
	refreshDelay  atomic.Int64
	tokenLifetime atomic.Int64
}

func newTestBackend(t *testing.T, clock *fakeClock) *testBackend {
	t.Helper()

	b := &testBackend{clock: clock, mux: http.NewServeMux()}
	b.tokenLifetime.Store(int64(time.Hour))

	b.mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		n := b.logins.Add(1)

		var creds map[string]string
		if err := json.NewDecoder(r.Body).Decode(&creds); err != nil || creds["username"] != "user" || creds["password"] != "secret" {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		if status := b.loginStatus.Load(); status != 0 {
			w.WriteHeader(int(status))

			return
		}

		b.writeToken(w, fmt.Sprintf("login-%d", n))
	})

	b.mux.HandleFunc("GET /refreshToken", func(w http.ResponseWriter, r *http.Request) {
		n := b.refreshes.Add(1)

		if d := time.Duration(b.refreshDelay.Load()); d > 0 {
			time.Sleep(d)
		}

		if status := b.refreshStatus.Load(); status != 0 {
			w.WriteHeader(int(status))

			return
		}

		b.writeToken(w, fmt.Sprintf("refresh-%d", n))
	})

	b.srv = httptest.NewServer(b.mux)
	t.Cleanup(b.srv.Close)

	return b
}

func (b *testBackend) writeToken(w http.ResponseWriter, value string) {
	expires := b.clock.Now().Add(time.Duration(b.tokenLifetime.Load()))

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"accessToken": value,
		"expires":     expires.Format(time.RFC3339),
	})
}

func (b *testBackend) handle(pattern string, h http.HandlerFunc) {
	b.mux.HandleFunc(pattern, h)
}

func testConfig(baseURL string) *Config {
	return &Config{
		BaseURL:         baseURL,
		Username:        "user",
		Password:        "secret",
		Service:         "bas-test",
		ObservationRate: RateConfig{Burst: 1000, Per: models.Duration(time.Second)},
		LoginRate:       RateConfig{Burst: 1000, Per: models.Duration(time.Second)},
	}
}

func newTestClient(t *testing.T, b *testBackend, mutate func(*Config), opts ...Option) *Client {
	t.Helper()

	cfg := testConfig(b.srv.URL)
	if mutate != nil {
		mutate(cfg)
	}

	base := []Option{
		WithClock(b.clock),
		WithHTTPClient(b.srv.Client()),
		WithStreamHTTPClient(b.srv.Client()),
	}

	c, err := NewClient(cfg, logger.NewTestLogger(), append(base, opts...)...)
	require.NoError(t, err)

	t.Cleanup(c.Close)

	return c
}

// blockingProbe never reports; the probe loop parks inside it until Close.
func blockingProbe(ctx context.Context) (int, error) {
	<-ctx.Done()

	return 0, ctx.Err()
}

type notice struct {
	kind    string
	service string
	message string
}

type recordingNotifier struct {
	mu      sync.Mutex
	notices []notice
}

func (n *recordingNotifier) SendWarning(service, message string) {
	n.add(notice{kind: "warning", service: service, message: message})
}

func (n *recordingNotifier) SendAlarm(service, message string) {
	n.add(notice{kind: "alarm", service: service, message: message})
}

func (n *recordingNotifier) ClearService(service string) {
	n.add(notice{kind: "clear", service: service})
}

func (n *recordingNotifier) add(v notice) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.notices = append(n.notices, v)
}

func (n *recordingNotifier) count(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	c := 0

	for _, v := range n.notices {
		if v.kind == kind {
			c++
		}
	}

	return c
}

type closeCall struct {
	reason CloseReason
	status int
	at     time.Time
}

// recordingListener captures stream callbacks. closed receives one value per
// OnClose.
type recordingListener struct {
	mu         sync.Mutex
	hellos     []string
	heartbeats []*time.Time
	values     []ObservedValue
	events     []sse.Event
	errs       []error
	closes     []closeCall
	closed     chan closeCall

	onValue func(ObservedValue)
}

func newRecordingListener() *recordingListener {
	return &recordingListener{closed: make(chan closeCall, 16)}
}

func (l *recordingListener) OnHello(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.hellos = append(l.hellos, id)
}

func (l *recordingListener) OnHeartbeat(at *time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.heartbeats = append(l.heartbeats, at)
}

func (l *recordingListener) OnObservedValue(v ObservedValue) {
	if l.onValue != nil {
		l.onValue(v)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.values = append(l.values, v)
}

func (l *recordingListener) OnEvent(e sse.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.events = append(l.events, e)
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errs = append(l.errs, err)
}

func (l *recordingListener) OnClose(reason CloseReason, status int, at time.Time) {
	c := closeCall{reason: reason, status: status, at: at}

	l.mu.Lock()
	l.closes = append(l.closes, c)
	l.mu.Unlock()

	l.closed <- c
}

func (l *recordingListener) waitClose(t *testing.T) closeCall {
	t.Helper()

	select {
	case c := <-l.closed:
		return c
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not close")

		return closeCall{}
	}
}

type listenerView struct {
	hellos     []string
	heartbeats []*time.Time
	values     []ObservedValue
	events     []sse.Event
	errs       []error
	closes     []closeCall
}

func (l *recordingListener) snapshot() listenerView {
	l.mu.Lock()
	defer l.mu.Unlock()

	return listenerView{
		hellos:     append([]string(nil), l.hellos...),
		heartbeats: append([]*time.Time(nil), l.heartbeats...),
		values:     append([]ObservedValue(nil), l.values...),
		events:     append([]sse.Event(nil), l.events...),
		errs:       append([]error(nil), l.errs...),
		closes:     append([]closeCall(nil), l.closes...),
	}
}
