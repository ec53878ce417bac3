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
	"net/http"
	"time"
)

//go:generate mockgen -destination=mock_bas.go -package=bas github.com/carverauto/bas-connector/pkg/bas HTTPClient,Notifier,ObservationListener

// HTTPClient defines the interface for making HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Notifier receives operator-facing health notices. Implementations must be
// safe for concurrent use.
type Notifier interface {
	SendWarning(service, message string)
	SendAlarm(service, message string)
	ClearService(service string)
}

// ObservationListener receives parsed present-value changes from the stream.
type ObservationListener interface {
	ObservedValue(v ObservedValue)
}

// Clock abstracts time so token renewal, backoff and probing can be driven by tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type noopNotifier struct{}

func (noopNotifier) SendWarning(string, string) {}
func (noopNotifier) SendAlarm(string, string)   {}
func (noopNotifier) ClearService(string)        {}
