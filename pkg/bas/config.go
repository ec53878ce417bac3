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
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/carverauto/bas-connector/pkg/models"
)

var (
	errMissingBaseURL  = errors.New("base_url is required")
	errInvalidBaseURL  = errors.New("base_url must be an absolute http(s) URL")
	errMissingUsername = errors.New("username is required")
	errMissingPassword = errors.New("password is required")
	errInvalidRate     = errors.New("rate burst and per must be positive")
	errInvalidRetries  = errors.New("max_retries must not be negative")
)

const (
	defaultService              = "bas"
	defaultRequestTimeout       = 30 * time.Second
	defaultRefreshMargin        = 5 * time.Minute
	defaultMinRefreshDelay      = time.Second
	defaultRefreshRetryDelay    = 30 * time.Second
	defaultAcquireTimeout       = 10 * time.Second
	defaultMaxRetries           = 3
	defaultBackoffInitial       = time.Second
	defaultProbeInitialDelay    = 30 * time.Second
	defaultProbeInterval        = 60 * time.Second
	defaultStreamReconnectDelay = 5 * time.Second
	defaultPageSize             = 100
	defaultMaxPages             = 1000
	defaultMaxProtocolErrors    = 5
	trendWindowLead             = 60 * time.Second
)

// RateConfig describes an admission gate: Burst permits per Per interval.
type RateConfig struct {
	Burst int             `json:"burst"`
	Per   models.Duration `json:"per"`
}

// Config holds the connection and resilience settings for a Client.
type Config struct {
	BaseURL  string `json:"base_url"`
	Username string `json:"username"`
	Password string `json:"password"`
	// Service names this backend in notifications.
	Service string `json:"service"`

	RequestTimeout     models.Duration `json:"request_timeout"`
	RefreshMargin      models.Duration `json:"refresh_margin"`
	MinRefreshDelay    models.Duration `json:"min_refresh_delay"`
	RefreshRetryDelay  models.Duration `json:"refresh_retry_delay"`
	FixedTokenLifetime int             `json:"fixed_token_lifetime_seconds"`

	ObservationRate RateConfig      `json:"observation_rate"`
	LoginRate       RateConfig      `json:"login_rate"`
	AcquireTimeout  models.Duration `json:"acquire_timeout"`

	MaxRetries     int             `json:"max_retries"`
	BackoffInitial models.Duration `json:"backoff_initial"`

	ProbeInitialDelay models.Duration `json:"probe_initial_delay"`
	ProbeInterval     models.Duration `json:"probe_interval"`

	StreamEnabled                bool            `json:"stream_enabled"`
	StreamReconnectDelay         models.Duration `json:"stream_reconnect_delay"`
	MaxConsecutiveProtocolErrors int             `json:"max_consecutive_protocol_errors"`

	// EnumMappings extends or overrides the default enum-to-bool table.
	EnumMappings map[string]bool `json:"enum_mappings"`

	PageSize int `json:"page_size"`
	MaxPages int `json:"max_pages"`
}

// Validate checks required fields and fills defaults in place.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return errMissingBaseURL
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", errInvalidBaseURL, c.BaseURL)
	}

	c.BaseURL = strings.TrimRight(c.BaseURL, "/")

	if c.Username == "" {
		return errMissingUsername
	}

	if c.Password == "" {
		return errMissingPassword
	}

	if c.MaxRetries < 0 {
		return errInvalidRetries
	}

	if c.Service == "" {
		c.Service = defaultService
	}

	defaultDuration(&c.RequestTimeout, defaultRequestTimeout)
	defaultDuration(&c.RefreshMargin, defaultRefreshMargin)
	defaultDuration(&c.MinRefreshDelay, defaultMinRefreshDelay)
	defaultDuration(&c.RefreshRetryDelay, defaultRefreshRetryDelay)
	defaultDuration(&c.AcquireTimeout, defaultAcquireTimeout)
	defaultDuration(&c.BackoffInitial, defaultBackoffInitial)
	defaultDuration(&c.ProbeInitialDelay, defaultProbeInitialDelay)
	defaultDuration(&c.ProbeInterval, defaultProbeInterval)
	defaultDuration(&c.StreamReconnectDelay, defaultStreamReconnectDelay)

	if c.MaxRetries == 0 {
		c.MaxRetries = defaultMaxRetries
	}

	if c.MaxConsecutiveProtocolErrors <= 0 {
		c.MaxConsecutiveProtocolErrors = defaultMaxProtocolErrors
	}

	if c.PageSize <= 0 {
		c.PageSize = defaultPageSize
	}

	if c.MaxPages <= 0 {
		c.MaxPages = defaultMaxPages
	}

	if err := fillRate(&c.ObservationRate, 2, 200*time.Millisecond); err != nil {
		return fmt.Errorf("observation_rate: %w", err)
	}

	if err := fillRate(&c.LoginRate, 1, time.Minute); err != nil {
		return fmt.Errorf("login_rate: %w", err)
	}

	return nil
}

func defaultDuration(d *models.Duration, fallback time.Duration) {
	*d = models.Duration(d.Or(fallback))
}

func fillRate(r *RateConfig, burst int, per time.Duration) error {
	if r.Burst == 0 && r.Per == 0 {
		r.Burst = burst
		r.Per = models.Duration(per)

		return nil
	}

	if r.Burst <= 0 || r.Per <= 0 {
		return errInvalidRate
	}

	return nil
}

func (c *Config) fixedLifetime() *int {
	if c.FixedTokenLifetime <= 0 {
		return nil
	}

	v := c.FixedTokenLifetime

	return &v
}
