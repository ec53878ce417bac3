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
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

var errInvalidOutput = errors.New("log output must be stdout or stderr")

type Config struct {
	Level      string `json:"level" yaml:"level"`
	Debug      bool   `json:"debug" yaml:"debug"`
	Output     string `json:"output" yaml:"output"`
	TimeFormat string `json:"time_format" yaml:"time_format"`
}

// DefaultConfig builds a Config from the environment. BAS_LOG_LEVEL,
// BAS_LOG_DEBUG, BAS_LOG_OUTPUT and BAS_LOG_TIME_FORMAT take precedence over
// LOG_LEVEL, DEBUG, LOG_OUTPUT and LOG_TIME_FORMAT.
func DefaultConfig() *Config {
	return &Config{
		Level:      firstEnv("info", "BAS_LOG_LEVEL", "LOG_LEVEL"),
		Debug:      envBool(firstEnv("", "BAS_LOG_DEBUG", "DEBUG")),
		Output:     firstEnv("stdout", "BAS_LOG_OUTPUT", "LOG_OUTPUT"),
		TimeFormat: firstEnv("", "BAS_LOG_TIME_FORMAT", "LOG_TIME_FORMAT"),
	}
}

// Validate rejects unknown levels and outputs.
func (c *Config) Validate() error {
	switch c.Output {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("%w: %q", errInvalidOutput, c.Output)
	}

	if c.Level == "" {
		return nil
	}

	if _, err := zerolog.ParseLevel(c.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Level, err)
	}

	return nil
}

func firstEnv(fallback string, keys ...string) string {
	for _, key := range keys {
		if value := os.Getenv(key); value != "" {
			return value
		}
	}

	return fallback
}

func envBool(value string) bool {
	switch strings.ToLower(value) {
	case "true", "1", "yes", "on":
		return true
	default:
		return false
	}
}
