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

// Package importer runs scheduled trend import rounds over a fixed set of
// sensors.
package importer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
)

const (
	defaultPollInterval    = 5 * time.Minute
	defaultInitialLookback = 24 * time.Hour
)

var (
	errNoSensors       = errors.New("at least one sensor is required")
	errMissingSource   = errors.New("trend source is required")
	errMissingSink     = errors.New("sample sink is required")
	errMissingStore    = errors.New("state store is required")
	errInvalidInterval = errors.New("poll_interval must not be negative")
)

// Config controls the import schedule.
type Config struct {
	Sensors         []string        `json:"sensors"`
	PollInterval    models.Duration `json:"poll_interval"`
	InitialLookback models.Duration `json:"initial_lookback"`
}

// Validate fills defaults and checks the sensor list.
func (c *Config) Validate() error {
	if len(c.Sensors) == 0 {
		return errNoSensors
	}

	if c.PollInterval < 0 {
		return errInvalidInterval
	}

	if c.PollInterval == 0 {
		c.PollInterval = models.Duration(defaultPollInterval)
	}

	if c.InitialLookback <= 0 {
		c.InitialLookback = models.Duration(defaultInitialLookback)
	}

	return nil
}

// RoundStats summarises one import round.
type RoundStats struct {
	Sensors  int
	Samples  int
	Failures map[string]error
}

// Importer pulls new trend samples for every sensor on each round and hands
// them to the sink. A failing sensor is recorded and skipped; the round goes
// on with the next one.
type Importer struct {
	cfg    Config
	source TrendSource
	sink   SampleSink
	store  StateStore
	clock  Clock
	logger logger.Logger

	mu     sync.Mutex
	states map[string]models.SensorState
}

// Option configures an Importer.
type Option func(*Importer)

// WithClock replaces the wall clock and ticker.
func WithClock(c Clock) Option {
	return func(i *Importer) {
		i.clock = c
	}
}

func New(cfg Config, source TrendSource, sink SampleSink, store StateStore, log logger.Logger, opts ...Option) (*Importer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid importer config: %w", err)
	}

	switch {
	case source == nil:
		return nil, errMissingSource
	case sink == nil:
		return nil, errMissingSink
	case store == nil:
		return nil, errMissingStore
	}

	i := &Importer{
		cfg:    cfg,
		source: source,
		sink:   sink,
		store:  store,
		clock:  realClock{},
		logger: logger.Component(log, "importer"),
	}

	for _, opt := range opts {
		opt(i)
	}

	return i, nil
}

// Run imports once immediately and then on every tick until ctx ends.
func (i *Importer) Run(ctx context.Context) error {
	interval := time.Duration(i.cfg.PollInterval)

	i.logger.Info().
		Int("sensors", len(i.cfg.Sensors)).
		Dur("poll_interval", interval).
		Msg("Starting trend importer")

	ticker := i.clock.Ticker(interval)
	defer ticker.Stop()

	for {
		if _, err := i.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			i.logger.Error().Err(err).Msg("Import round failed")
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
		}
	}
}

// RunOnce performs a single import round. Per-sensor failures are reported in
// the stats; the returned error is set only when the round could not run.
func (i *Importer) RunOnce(ctx context.Context) (RoundStats, error) {
	stats := RoundStats{Failures: make(map[string]error)}

	if err := i.ensureLoaded(ctx); err != nil {
		return stats, err
	}

	for _, objectID := range i.cfg.Sensors {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		n, err := i.importSensor(ctx, objectID)
		stats.Sensors++
		stats.Samples += n

		if err != nil {
			if ctx.Err() != nil {
				return stats, ctx.Err()
			}

			stats.Failures[objectID] = err
		}
	}

	i.logger.Info().
		Int("sensors", stats.Sensors).
		Int("samples", stats.Samples).
		Int("failures", len(stats.Failures)).
		Msg("Import round completed")

	return stats, nil
}

func (i *Importer) importSensor(ctx context.Context, objectID string) (int, error) {
	state := i.state(objectID)

	since := i.clock.Now().Add(-time.Duration(i.cfg.InitialLookback))
	if state.LastImportedAt != nil {
		since = *state.LastImportedAt
	}

	samples, err := i.source.FetchAllSince(ctx, objectID, since)
	if err != nil {
		return 0, i.fail(ctx, state, "fetch", err)
	}

	fresh := newerThan(samples, state.LastImportedAt)

	if len(fresh) > 0 {
		if err := i.sink.PublishSamples(ctx, objectID, fresh); err != nil {
			return 0, i.fail(ctx, state, "publish", err)
		}

		newest := fresh[0].ObservedAt
		for _, s := range fresh[1:] {
			if s.ObservedAt.After(newest) {
				newest = s.ObservedAt
			}
		}

		state.LastImportedAt = &newest
	}

	state.LastError = ""
	i.commit(ctx, state)

	i.logger.Debug().
		Str("object_id", objectID).
		Int("fetched", len(samples)).
		Int("imported", len(fresh)).
		Msg("Imported sensor trend")

	return len(fresh), nil
}

func (i *Importer) fail(ctx context.Context, state models.SensorState, stage string, err error) error {
	now := i.clock.Now()
	state.LastFailedAt = &now
	state.LastError = fmt.Sprintf("%s: %v", stage, err)

	event := i.logger.Warn()
	if bas.KindOf(err) == bas.KindAuthentication {
		event = i.logger.Error()
	}

	event.Err(err).
		Str("object_id", state.ObjectID).
		Str("stage", stage).
		Msg("Sensor import failed")

	if ctx.Err() == nil {
		i.commit(ctx, state)
	}

	return err
}

// commit updates the in-memory state and persists it. A store failure keeps
// the in-memory progress so the next round does not re-import.
func (i *Importer) commit(ctx context.Context, state models.SensorState) {
	i.mu.Lock()
	i.states[state.ObjectID] = state
	i.mu.Unlock()

	if err := i.store.Save(ctx, &state); err != nil {
		i.logger.Error().
			Err(err).
			Str("object_id", state.ObjectID).
			Msg("Failed to persist sensor state")
	}
}

func (i *Importer) ensureLoaded(ctx context.Context) error {
	i.mu.Lock()
	loaded := i.states != nil
	i.mu.Unlock()

	if loaded {
		return nil
	}

	states, err := i.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sensor state: %w", err)
	}

	i.mu.Lock()
	i.states = states
	if i.states == nil {
		i.states = make(map[string]models.SensorState)
	}
	i.mu.Unlock()

	return nil
}

func (i *Importer) state(objectID string) models.SensorState {
	i.mu.Lock()
	defer i.mu.Unlock()

	state, ok := i.states[objectID]
	if !ok {
		state.ObjectID = objectID
	}

	return state
}

// States returns a copy of the current per-sensor state, ordered by object id.
func (i *Importer) States() []models.SensorState {
	i.mu.Lock()
	defer i.mu.Unlock()

	out := make([]models.SensorState, 0, len(i.states))
	for _, s := range i.states {
		out = append(out, s)
	}

	slices.SortFunc(out, func(a, b models.SensorState) int {
		return strings.Compare(a.ObjectID, b.ObjectID)
	})

	return out
}

// newerThan drops samples at or before cutoff. A nil cutoff keeps all.
func newerThan(samples []bas.TrendSample, cutoff *time.Time) []bas.TrendSample {
	if cutoff == nil {
		return samples
	}

	out := make([]bas.TrendSample, 0, len(samples))

	for _, s := range samples {
		if s.ObservedAt.After(*cutoff) {
			out = append(out, s)
		}
	}

	return out
}
