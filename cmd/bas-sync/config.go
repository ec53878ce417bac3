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
	"errors"
	"fmt"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/db"
	"github.com/carverauto/bas-connector/pkg/importer"
	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
	"github.com/carverauto/bas-connector/pkg/natsutil"
)

const (
	defaultStream      = "BAS"
	defaultMetricsAddr = ":9464"
)

var (
	errMissingNATSURL  = errors.New("nats.url is required")
	errMissingDatabase = errors.New("url or host is required")
)

// NATSConfig locates the JetStream server receiving observations and notices.
type NATSConfig struct {
	URL           string             `json:"url"`
	Stream        string             `json:"stream"`
	SubjectPrefix string             `json:"subject_prefix"`
	TLS           *natsutil.TLSFiles `json:"tls,omitempty"`
}

// Config is the bas-sync process configuration. The BAS client settings sit
// at the top level so BAS_USERNAME and BAS_PASSWORD overlay them directly.
type Config struct {
	bas.Config

	Logging         *logger.Config  `json:"logging"`
	NATS            NATSConfig      `json:"nats"`
	Database        db.Config       `json:"database"`
	Sensors         []string        `json:"sensors"`
	PollInterval    models.Duration `json:"poll_interval"`
	InitialLookback models.Duration `json:"initial_lookback"`
	MetricsAddr     string          `json:"metrics_addr"`
}

func (c *Config) Validate() error {
	if err := c.Config.Validate(); err != nil {
		return fmt.Errorf("bas: %w", err)
	}

	if c.NATS.URL == "" {
		return errMissingNATSURL
	}

	if c.NATS.Stream == "" {
		c.NATS.Stream = defaultStream
	}

	if c.NATS.SubjectPrefix == "" {
		c.NATS.SubjectPrefix = natsutil.DefaultSubjectPrefix
	}

	if c.Database.URL == "" && c.Database.Host == "" {
		return fmt.Errorf("database: %w", errMissingDatabase)
	}

	imp := c.importerConfig()
	if err := imp.Validate(); err != nil {
		return fmt.Errorf("importer: %w", err)
	}

	c.PollInterval = imp.PollInterval
	c.InitialLookback = imp.InitialLookback

	if c.MetricsAddr == "" {
		c.MetricsAddr = defaultMetricsAddr
	}

	if c.Logging == nil {
		c.Logging = logger.DefaultConfig()
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	return nil
}

func (c *Config) importerConfig() importer.Config {
	return importer.Config{
		Sensors:         c.Sensors,
		PollInterval:    c.PollInterval,
		InitialLookback: c.InitialLookback,
	}
}
