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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
)

var errTestInvalid = errors.New("invalid test config")

type testNATS struct {
	URL    string `json:"url"`
	Stream string `json:"stream"`
}

type testConfig struct {
	BaseURL      string            `json:"base_url"`
	Username     string            `json:"username"`
	Password     string            `json:"password"`
	PollInterval models.Duration   `json:"poll_interval"`
	Timeout      time.Duration     `json:"timeout"`
	Sensors      []string          `json:"sensors"`
	Enabled      bool              `json:"enabled"`
	PageSize     int               `json:"page_size"`
	NATS         testNATS          `json:"nats"`
	Extra        *testNATS         `json:"extra,omitempty"`
	Enums        map[string]bool   `json:"enums"`
	Ignored      string            `json:"-"`
	validated    bool
}

func (c *testConfig) Validate() error {
	c.validated = true
	if c.BaseURL == "" {
		return errTestInvalid
	}

	return nil
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	return path
}

func TestLoadAndValidate_File(t *testing.T) {
	path := writeConfig(t, `{
		"base_url": "https://bas.example.com/api/v4",
		"username": "svc",
		"poll_interval": "5m",
		"sensors": ["a", "b"],
		"nats": {"url": "nats://localhost:4222"}
	}`)

	var cfg testConfig

	err := NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg)
	require.NoError(t, err)

	assert.True(t, cfg.validated)
	assert.Equal(t, "svc", cfg.Username)
	assert.Equal(t, 5*time.Minute, time.Duration(cfg.PollInterval))
	assert.Equal(t, []string{"a", "b"}, cfg.Sensors)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
	assert.Nil(t, cfg.Extra)
}

func TestLoadAndValidate_EnvOverlay(t *testing.T) {
	path := writeConfig(t, `{"base_url": "https://bas.example.com", "username": "file-user"}`)

	t.Setenv("BAS_USERNAME", "env-user")
	t.Setenv("BAS_PASSWORD", "s3cret")
	t.Setenv("BAS_POLL_INTERVAL", "30s")
	t.Setenv("BAS_TIMEOUT", "2s")
	t.Setenv("BAS_SENSORS", "x, y,,z")
	t.Setenv("BAS_ENABLED", "true")
	t.Setenv("BAS_PAGE_SIZE", "250")
	t.Setenv("BAS_NATS_STREAM", "BAS")
	t.Setenv("BAS_EXTRA_URL", "nats://extra:4222")
	t.Setenv("BAS_ENUMS", `{"occupied": true}`)

	var cfg testConfig

	err := NewConfig(logger.NewTestLogger()).LoadAndValidate(context.Background(), path, &cfg)
	require.NoError(t, err)

	assert.Equal(t, "env-user", cfg.Username)
	assert.Equal(t, "s3cret", cfg.Password)
	assert.Equal(t, 30*time.Second, time.Duration(cfg.PollInterval))
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, []string{"x", "y", "z"}, cfg.Sensors)
	assert.True(t, cfg.Enabled)
	assert.Equal(t, 250, cfg.PageSize)
	assert.Equal(t, "BAS", cfg.NATS.Stream)
	require.NotNil(t, cfg.Extra)
	assert.Equal(t, "nats://extra:4222", cfg.Extra.URL)
	assert.Equal(t, map[string]bool{"occupied": true}, cfg.Enums)
}

func TestLoadAndValidate_EnvSource(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("BAS_BASE_URL", "https://bas.example.com")

	var cfg testConfig

	err := NewConfig(nil).LoadAndValidate(context.Background(), "/does/not/exist.json", &cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://bas.example.com", cfg.BaseURL)
}

func TestLoadAndValidate_Errors(t *testing.T) {
	ctx := context.Background()
	loader := NewConfig(logger.NewTestLogger())

	t.Run("missing file", func(t *testing.T) {
		var cfg testConfig
		err := loader.LoadAndValidate(ctx, filepath.Join(t.TempDir(), "missing.json"), &cfg)
		require.ErrorIs(t, err, ErrConfigNotFound)
	})

	t.Run("validation failure", func(t *testing.T) {
		var cfg testConfig
		err := loader.LoadAndValidate(ctx, writeConfig(t, `{}`), &cfg)
		require.ErrorIs(t, err, errTestInvalid)
	})

	t.Run("bad env value", func(t *testing.T) {
		t.Setenv("BAS_PAGE_SIZE", "many")

		var cfg testConfig
		err := loader.LoadAndValidate(ctx, writeConfig(t, `{"base_url":"x"}`), &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BAS_PAGE_SIZE")
	})

	t.Run("non pointer", func(t *testing.T) {
		err := loader.LoadAndValidate(ctx, "x", testConfig{})
		require.ErrorIs(t, err, errInvalidConfigPtr)
	})

	t.Run("unknown source", func(t *testing.T) {
		t.Setenv("CONFIG_SOURCE", "kv")

		var cfg testConfig
		err := loader.LoadAndValidate(ctx, "x", &cfg)
		require.ErrorIs(t, err, errInvalidConfigSource)
	})
}

func TestWithEnvPrefix(t *testing.T) {
	t.Setenv("CONFIG_SOURCE", "env")
	t.Setenv("METASYS_BASE_URL", "https://m.example.com")

	var cfg testConfig

	err := NewConfig(logger.NewTestLogger()).WithEnvPrefix("METASYS_").LoadAndValidate(context.Background(), "", &cfg)
	require.NoError(t, err)
	assert.Equal(t, "https://m.example.com", cfg.BaseURL)
}

type Creds struct {
	Username string `json:"username"`
	Token    string `json:"token"`
}

type embeddingConfig struct {
	Creds
	NATS testNATS `json:"nats"`
}

func TestEnvOverlay_EmbeddedStructsSharePrefix(t *testing.T) {
	t.Setenv("BAS_USERNAME", "env-user")
	t.Setenv("BAS_TOKEN", "env-token")
	t.Setenv("BAS_NATS_URL", "nats://env:4222")

	var cfg embeddingConfig

	require.NoError(t, NewEnvConfigLoader(logger.NewTestLogger(), DefaultEnvPrefix).Load(context.Background(), "", &cfg))

	assert.Equal(t, "env-user", cfg.Username)
	assert.Equal(t, "env-token", cfg.Token)
	assert.Equal(t, "nats://env:4222", cfg.NATS.URL)
}

func TestFileConfigLoader(t *testing.T) {
	ctx := context.Background()
	loader := &FileConfigLoader{}

	t.Run("empty path", func(t *testing.T) {
		var cfg testConfig
		require.ErrorIs(t, loader.Load(ctx, "", &cfg), errEmptyConfigPath)
	})

	t.Run("empty file", func(t *testing.T) {
		var cfg testConfig
		require.ErrorIs(t, loader.Load(ctx, writeConfig(t, "  \n"), &cfg), errEmptyConfigFile)
	})

	t.Run("syntax error reports line", func(t *testing.T) {
		var cfg testConfig
		err := loader.Load(ctx, writeConfig(t, "{\n  \"base_url\": \"x\",\n  oops\n}"), &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "at line 3")
	})

	t.Run("type mismatch", func(t *testing.T) {
		var cfg testConfig
		err := loader.Load(ctx, writeConfig(t, `{"page_size":"many"}`), &cfg)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "parsing config")
	})
}
