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
	"fmt"

	"github.com/cenkalti/backoff/v5"
)

// Operation is one remote call made with a bearer token. It returns a *Error
// classified by kind so the executor can decide whether to retry.
type Operation func(ctx context.Context, token string) error

// Executor runs operations with a valid token, admission control, one forced
// token refresh on authorization failures and exponential backoff on server
// errors.
type Executor struct {
	deps
	tokens *TokenManager
	gate   *AdmissionGate
	health *HealthCircuit
}

func newExecutor(d deps, tokens *TokenManager, gate *AdmissionGate, health *HealthCircuit) *Executor {
	return &Executor{
		deps:   d,
		tokens: tokens,
		gate:   gate,
		health: health,
	}
}

// Execute runs fn. op and objectID label logs, metrics and returned errors.
func (e *Executor) Execute(ctx context.Context, op, objectID string, fn Operation) error {
	start := e.clock.Now()
	err := e.execute(ctx, op, objectID, fn)

	e.metrics.RecordRequest(op, resultLabel(err), e.clock.Now().Sub(start))

	return err
}

// Do is Execute for operations that produce a value.
func Do[T any](ctx context.Context, e *Executor, op, objectID string, fn func(ctx context.Context, token string) (T, error)) (T, error) {
	var result T

	err := e.Execute(ctx, op, objectID, func(ctx context.Context, token string) error {
		v, err := fn(ctx, token)
		if err != nil {
			return err
		}

		result = v

		return nil
	})

	return result, err
}

func (e *Executor) execute(ctx context.Context, op, objectID string, fn Operation) error {
	token, err := e.tokens.EnsureValid(ctx)
	if err != nil {
		return err
	}

	maxRetries := e.cfg.MaxRetries
	bo := e.newBackOff(maxRetries)
	refreshed := false
	retries := 0

	for {
		if !e.gate.Acquire(ctx) {
			e.metrics.RecordGateDenied(e.gate.Name())

			return e.gate.rejected(op, objectID)
		}

		err := fn(ctx, token)
		if err == nil {
			e.health.RecordSuccess()

			return nil
		}

		switch KindOf(err) {
		case KindAuthorizationExpired:
			if refreshed {
				return err
			}

			refreshed = true

			e.logger.Debug().
				Str("op", op).
				Str("object_id", objectID).
				Msg("Authorization rejected, forcing token refresh")

			token, err = e.tokens.ForceRefresh(ctx, token)
			if err != nil {
				return err
			}
		case KindTransientServer:
			e.health.RecordFailure(err)

			if retries >= maxRetries {
				wrapped := &Error{
					Kind:       KindMaxRetries,
					Op:         op,
					ObjectID:   objectID,
					StatusCode: StatusCodeOf(err),
					Message:    fmt.Sprintf("giving up after %d retries", retries),
					Err:        err,
				}

				return wrapped
			}

			retries++
			delay := bo.NextBackOff()

			e.metrics.RecordRetry(op)
			e.logger.Warn().
				Err(err).
				Str("op", op).
				Str("object_id", objectID).
				Int("attempt", retries).
				Dur("delay", delay).
				Msg("Server error, retrying")

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(delay):
			}
		case KindNetworkUnreachable:
			e.health.RecordFailure(err)

			return err
		case KindUnknown, KindAuthentication, KindRateLimited, KindStreamProtocol,
			KindProtocol, KindInvalidArgument, KindMaxRetries:
			return err
		default:
			return err
		}
	}
}

// newBackOff yields initial, 2*initial, 4*initial, ... without jitter.
func (e *Executor) newBackOff(maxRetries int) *backoff.ExponentialBackOff {
	initial := e.cfg.BackoffInitial.Or(defaultBackoffInitial)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = initial << min(maxRetries, 16)
	bo.Reset()

	return bo
}

