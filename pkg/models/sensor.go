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

package models

import "time"

// SensorState is the per-sensor import bookkeeping persisted between polling rounds.
type SensorState struct {
	ObjectID       string     `json:"object_id"`
	LastImportedAt *time.Time `json:"last_imported_at,omitempty"`
	LastFailedAt   *time.Time `json:"last_failed_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}
