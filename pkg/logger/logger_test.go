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

package logger

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("debug flag wins over level", func(t *testing.T) {
		l, err := New(&Config{Level: "error", Debug: true, Output: "stdout"})
		require.NoError(t, err)

		zl := l.WithComponent("test")
		assert.Equal(t, zerolog.DebugLevel, zl.GetLevel())
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(&Config{Level: "chatty"})
		require.Error(t, err)
	})

	t.Run("empty level defaults to info", func(t *testing.T) {
		l, err := New(&Config{Output: "stderr"})
		require.NoError(t, err)

		zl := l.WithComponent("test")
		assert.Equal(t, zerolog.InfoLevel, zl.GetLevel())
	})
}

func TestSetLevel(t *testing.T) {
	var buf bytes.Buffer

	l := NewWithWriter(&buf, zerolog.InfoLevel, "")

	l.Debug().Msg("hidden")
	assert.Empty(t, buf.String())

	l.SetLevel(zerolog.DebugLevel)
	l.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")

	l.SetLevel(zerolog.WarnLevel)
	buf.Reset()
	l.Info().Msg("hidden again")
	assert.Empty(t, buf.String())
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer

	base := NewWithWriter(&buf, zerolog.InfoLevel, "")
	l := Component(base, "token_manager")
	l.Info().Str("object_id", "obj-1").Msg("hello")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "token_manager", line["component"])
	assert.Equal(t, "obj-1", line["object_id"])
	assert.Equal(t, "hello", line["message"])
}

func TestNewTestLogger(t *testing.T) {
	l := NewTestLogger()
	// must not panic and must not be nil
	l.Info().Msg("discarded")
	assert.Equal(t, zerolog.Disabled, l.WithComponent("x").GetLevel())
}

func TestDefaultConfig(t *testing.T) {
	t.Run("generic variables", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "warn")
		t.Setenv("DEBUG", "yes")

		cfg := DefaultConfig()
		assert.Equal(t, "warn", cfg.Level)
		assert.True(t, cfg.Debug)
		assert.Equal(t, "stdout", cfg.Output)
	})

	t.Run("connector variables take precedence", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "warn")
		t.Setenv("BAS_LOG_LEVEL", "debug")
		t.Setenv("LOG_OUTPUT", "stdout")
		t.Setenv("BAS_LOG_OUTPUT", "stderr")
		t.Setenv("DEBUG", "true")
		t.Setenv("BAS_LOG_DEBUG", "off")

		cfg := DefaultConfig()
		assert.Equal(t, "debug", cfg.Level)
		assert.Equal(t, "stderr", cfg.Output)
		assert.False(t, cfg.Debug)
	})
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{name: "empty", cfg: Config{}},
		{name: "valid", cfg: Config{Level: "warn", Output: "stderr"}},
		{name: "bad level", cfg: Config{Level: "chatty"}, wantErr: true},
		{name: "bad output", cfg: Config{Output: "/var/log/bas.log"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)

				return
			}

			require.NoError(t, err)
		})
	}
}
