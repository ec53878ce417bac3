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
	"context"
	"time"

	"golang.org/x/time/rate"
)

// AdmissionGate is a token bucket guarding one class of remote calls.
type AdmissionGate struct {
	name    string
	limiter *rate.Limiter
	timeout time.Duration
}

// NewAdmissionGate allows burst calls per interval, refilling one permit every
// per/burst. Acquire waits at most timeout when no permit is available.
func NewAdmissionGate(name string, burst int, per, timeout time.Duration) *AdmissionGate {
	if burst <= 0 {
		burst = 1
	}

	every := per / time.Duration(burst)

	limit := rate.Inf
	if every > 0 {
		limit = rate.Every(every)
	}

	return &AdmissionGate{
		name:    name,
		limiter: rate.NewLimiter(limit, burst),
		timeout: timeout,
	}
}

// Name identifies the gate in logs and metrics.
func (g *AdmissionGate) Name() string { return g.name }

// Acquire takes one permit, waiting up to the gate's timeout. It returns false
// instead of an error when the permit could not be granted in time or ctx ended.
func (g *AdmissionGate) Acquire(ctx context.Context) bool {
	return g.AcquireWithin(ctx, g.timeout)
}

// AcquireWithin is Acquire with an explicit bound on the wait.
func (g *AdmissionGate) AcquireWithin(ctx context.Context, timeout time.Duration) bool {
	if g.limiter.Allow() {
		return true
	}

	if timeout <= 0 {
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	return g.limiter.Wait(waitCtx) == nil
}

func (g *AdmissionGate) rejected(op, objectID string) *Error {
	return &Error{
		Kind:     KindRateLimited,
		Op:       op,
		ObjectID: objectID,
		Message:  "admission gate " + g.name + " denied permit",
	}
}
