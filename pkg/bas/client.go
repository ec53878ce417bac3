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

// Package bas is a resilient client for a building automation cloud API. It
// polls historical trend samples over REST and ingests live present-value
// changes from a server-sent event stream.
package bas

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/carverauto/bas-connector/pkg/logger"
)

const maxResponseBody = 10 << 20

// deps are the collaborators shared by every part of a Client.
type deps struct {
	cfg      *Config
	client   HTTPClient
	clock    Clock
	notifier Notifier
	metrics  Metrics
	logger   logger.Logger
}

func (d deps) named(base logger.Logger, component string) deps {
	d.logger = logger.Component(base, component)

	return d
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the client used for REST calls.
func WithHTTPClient(c HTTPClient) Option {
	return func(cl *Client) {
		cl.client = c
	}
}

// WithStreamHTTPClient sets the client used for the long-lived stream request.
// It must not have an overall request timeout.
func WithStreamHTTPClient(c HTTPClient) Option {
	return func(cl *Client) {
		cl.streamHTTP = c
	}
}

func WithNotifier(n Notifier) Option {
	return func(cl *Client) {
		cl.notifier = n
	}
}

func WithClock(c Clock) Option {
	return func(cl *Client) {
		cl.clock = c
	}
}

func WithMetrics(m Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// WithProbe replaces the default health probe request.
func WithProbe(p ProbeFunc) Option {
	return func(cl *Client) {
		cl.probe = p
	}
}

// Client owns the token lifecycle, health circuit, executor, trend poller and
// stream client for one backend.
type Client struct {
	deps
	streamHTTP HTTPClient
	probe      ProbeFunc

	store  *TokenStore
	tokens *TokenManager
	health *HealthCircuit
	exec   *Executor
	trends *TrendPoller
	stream *StreamClient
	parser *ObservedValueParser

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient validates cfg and wires a client. Nothing touches the network
// until Start or the first call.
func NewClient(cfg *Config, log logger.Logger, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid bas config: %w", err)
	}

	if log == nil {
		log = logger.NewTestLogger()
	}

	c := &Client{
		deps: deps{
			cfg:      cfg,
			clock:    systemClock{},
			notifier: noopNotifier{},
			metrics:  NoOpMetrics{},
			logger:   logger.Component(log, "bas"),
		},
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.client == nil {
		c.client = &http.Client{Timeout: cfg.RequestTimeout.Or(defaultRequestTimeout)}
	}

	if c.streamHTTP == nil {
		c.streamHTTP = &http.Client{}
	}

	if c.probe == nil {
		c.probe = c.defaultProbe
	}

	acquireTimeout := cfg.AcquireTimeout.Or(defaultAcquireTimeout)
	loginGate := NewAdmissionGate("login", cfg.LoginRate.Burst, time.Duration(cfg.LoginRate.Per), acquireTimeout)
	observationGate := NewAdmissionGate("observation", cfg.ObservationRate.Burst, time.Duration(cfg.ObservationRate.Per), acquireTimeout)

	c.store = &TokenStore{}
	c.health = NewHealthCircuit(HealthCircuitConfig{
		Service:           cfg.Service,
		ProbeInitialDelay: cfg.ProbeInitialDelay.Or(defaultProbeInitialDelay),
		ProbeInterval:     cfg.ProbeInterval.Or(defaultProbeInterval),
		Notifier:          c.notifier,
		Clock:             c.clock,
		Metrics:           c.metrics,
	}, c.probe, logger.Component(log, "bas.health"))
	c.tokens = newTokenManager(c.named(log, "bas.auth"), c.store, loginGate, c.health)
	c.exec = newExecutor(c.named(log, "bas.executor"), c.tokens, observationGate, c.health)
	c.parser = NewObservedValueParser(cfg.EnumMappings, c.clock)
	c.trends = newTrendPoller(c.named(log, "bas.trends"), c.exec)
	c.stream = newStreamClient(c.named(log, "bas.stream"), c.exec, c.parser, c.streamHTTP)

	return c, nil
}

// Start logs in and starts scheduled token renewal. A failed initial login is
// returned but renewal keeps retrying in the background.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()

		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	err := c.tokens.Login(runCtx)
	if err != nil {
		c.logger.Error().Err(err).Msg("Initial login failed")
	}

	c.wg.Add(1)

	go func() {
		defer c.wg.Done()

		c.tokens.Run(runCtx)
	}()

	return err
}

// StartStream watches objectIDs and keeps the live stream open until Close.
func (c *Client) StartStream(ctx context.Context, listener StreamListener, objectIDs ...string) error {
	c.stream.Watch(objectIDs...)

	return c.stream.StartWithReconnect(ctx, listener)
}

// Close stops the stream, token renewal and health probing and waits for
// their goroutines.
func (c *Client) Close() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	c.stream.Close()
	c.health.Close()
	c.wg.Wait()
}

// Login forces a credential login.
func (c *Client) Login(ctx context.Context) error {
	return c.tokens.Login(ctx)
}

func (c *Client) IsLoggedIn() bool {
	return c.tokens.IsLoggedIn()
}

func (c *Client) IsAPIAvailable() bool {
	return c.health.IsAvailable()
}

func (c *Client) Health() HealthState {
	return c.health.Snapshot()
}

func (c *Client) Trends() *TrendPoller {
	return c.trends
}

func (c *Client) Stream() *StreamClient {
	return c.stream
}

func (c *Client) Executor() *Executor {
	return c.exec
}

func (c *Client) Tokens() *TokenManager {
	return c.tokens
}

func (c *Client) defaultProbe(ctx context.Context) (int, error) {
	token := ""
	if tok, ok := c.store.Get(); ok {
		token = tok.Value
	}

	req, err := newRequest(ctx, http.MethodGet, c.cfg.BaseURL+"/objects?page=1&pageSize=1", token, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, transportError("probe", "", err)
	}

	status, _, err := readResponse(resp)

	return status, err
}

func newRequest(ctx context.Context, method, url, token string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// readResponse drains and closes the body.
func readResponse(resp *http.Response) (int, []byte, error) {
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil && !errors.Is(err, io.EOF) {
		return resp.StatusCode, nil, err
	}

	return resp.StatusCode, body, nil
}
