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

package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
)

const (
	createStateTable = `
CREATE TABLE IF NOT EXISTS sensor_import_state (
	object_id        TEXT PRIMARY KEY,
	last_imported_at TIMESTAMPTZ,
	last_failed_at   TIMESTAMPTZ,
	last_error       TEXT NOT NULL DEFAULT '',
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

	selectStates = `
SELECT object_id, last_imported_at, last_failed_at, last_error
FROM sensor_import_state`

	upsertState = `
INSERT INTO sensor_import_state (object_id, last_imported_at, last_failed_at, last_error, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (object_id) DO UPDATE SET
	last_imported_at = EXCLUDED.last_imported_at,
	last_failed_at   = EXCLUDED.last_failed_at,
	last_error       = EXCLUDED.last_error,
	updated_at       = now()`
)

var errEmptyObjectID = errors.New("sensor state requires an object id")

// Querier is the subset of pgxpool.Pool used by StateStore.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// StateStore persists per-sensor import progress.
type StateStore struct {
	db     Querier
	logger logger.Logger
}

func NewStateStore(db Querier, log logger.Logger) *StateStore {
	return &StateStore{db: db, logger: logger.Component(log, "db.state")}
}

// EnsureSchema creates the state table if it does not exist.
func (s *StateStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, createStateTable); err != nil {
		return fmt.Errorf("failed to create sensor_import_state: %w", err)
	}

	return nil
}

// Load returns every stored sensor state keyed by object id.
func (s *StateStore) Load(ctx context.Context) (map[string]models.SensorState, error) {
	rows, err := s.db.Query(ctx, selectStates)
	if err != nil {
		return nil, fmt.Errorf("failed to query sensor state: %w", err)
	}
	defer rows.Close()

	states := make(map[string]models.SensorState)

	for rows.Next() {
		var (
			state    models.SensorState
			imported *time.Time
			failed   *time.Time
		)

		if err := rows.Scan(&state.ObjectID, &imported, &failed, &state.LastError); err != nil {
			return nil, fmt.Errorf("failed to scan sensor state: %w", err)
		}

		state.LastImportedAt = utcPtr(imported)
		state.LastFailedAt = utcPtr(failed)
		states[state.ObjectID] = state
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sensor state: %w", err)
	}

	s.logger.Debug().Int("sensors", len(states)).Msg("Loaded sensor import state")

	return states, nil
}

// Save upserts one sensor state.
func (s *StateStore) Save(ctx context.Context, state *models.SensorState) error {
	if state == nil || state.ObjectID == "" {
		return errEmptyObjectID
	}

	_, err := s.db.Exec(ctx, upsertState,
		state.ObjectID,
		state.LastImportedAt,
		state.LastFailedAt,
		state.LastError,
	)
	if err != nil {
		return fmt.Errorf("failed to save state for %s: %w", state.ObjectID, err)
	}

	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	u := t.UTC()

	return &u
}
