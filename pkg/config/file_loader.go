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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
)

var (
	// ErrConfigNotFound is returned when the config file does not exist.
	ErrConfigNotFound = errors.New("config file not found")

	errEmptyConfigPath = errors.New("config path is empty")
	errEmptyConfigFile = errors.New("config file is empty")
)

// FileConfigLoader reads a JSON config file.
type FileConfigLoader struct{}

// Load decodes the JSON file at path into dst. Syntax errors carry the line
// they occurred on.
func (*FileConfigLoader) Load(_ context.Context, path string, dst interface{}) error {
	if path == "" {
		return errEmptyConfigPath
	}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
	case err != nil:
		return fmt.Errorf("reading config %s: %w", path, err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		return fmt.Errorf("%w: %s", errEmptyConfigFile, path)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		var syntaxErr *json.SyntaxError
		if errors.As(err, &syntaxErr) {
			line := 1 + bytes.Count(data[:syntaxErr.Offset], []byte("\n"))

			return fmt.Errorf("parsing config %s at line %d: %w", path, line, err)
		}

		return fmt.Errorf("parsing config %s: %w", path, err)
	}

	return nil
}
