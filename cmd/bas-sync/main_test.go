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

package main

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/db"
	"github.com/carverauto/bas-connector/pkg/logger"
)

func validConfig() Config {
	return Config{
		Config: bas.Config{
			BaseURL:  "https://bas.example.com/api/v1",
			Username: "user",
			Password: "secret",
		},
		NATS:     NATSConfig{URL: "nats://127.0.0.1:4222"},
		Database: db.Config{Host: "pg", Database: "bas"},
		Sensors:  []string{"obj-1"},
	}
}

func TestConfig_ValidateDefaults(t *testing.T) {
	cfg := validConfig()

	require.NoError(t, cfg.Validate())

	assert.Equal(t, "BAS", cfg.NATS.Stream)
	assert.Equal(t, "bas", cfg.NATS.SubjectPrefix)
	assert.Equal(t, ":9464", cfg.MetricsAddr)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.PollInterval))
	assert.Equal(t, 24*time.Hour, time.Duration(cfg.InitialLookback))
	assert.NotNil(t, cfg.Logging)
	assert.Equal(t, "bas", cfg.Service, "embedded client config is defaulted too")
}

func TestConfig_ValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{name: "nats url", mutate: func(c *Config) { c.NATS.URL = "" }, want: errMissingNATSURL},
		{name: "database", mutate: func(c *Config) { c.Database = db.Config{} }, want: errMissingDatabase},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)

			require.ErrorIs(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("client config", func(t *testing.T) {
		cfg := validConfig()
		cfg.Username = ""

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bas: ")
	})

	t.Run("logging", func(t *testing.T) {
		cfg := validConfig()
		cfg.Logging = &logger.Config{Level: "chatty"}

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "logging: ")
	})

	t.Run("sensors", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sensors = nil

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "importer: ")
	})
}

func TestHTTPHandler(t *testing.T) {
	registry := prometheus.NewRegistry()
	_, err := bas.NewPrometheusMetrics(registry)
	require.NoError(t, err)

	var available atomic.Bool

	srv := httptest.NewServer(newHTTPHandler(registry, available.Load))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	available.Store(true)

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Contains(t, string(body), "bas_health_state")
}
