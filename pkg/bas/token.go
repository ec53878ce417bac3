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
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	errEmptyToken      = errors.New("token value is empty")
	errNoTokenExpiry   = errors.New("token has neither an expiry nor a fixed lifetime")
	errBadExpiresValue = errors.New("unrecognised expires value")
)

// AccessToken is a bearer token together with its validity window.
type AccessToken struct {
	Value                string
	IssuedAt             time.Time
	ExpiresAt            time.Time
	FixedLifetimeSeconds *int
}

// NewAccessToken builds a token. When expiresAt is zero the expiry is derived
// from issuedAt plus fixedLifetimeSeconds; with neither, construction fails.
func NewAccessToken(value string, issuedAt, expiresAt time.Time, fixedLifetimeSeconds *int) (AccessToken, error) {
	if value == "" {
		return AccessToken{}, errEmptyToken
	}

	if expiresAt.IsZero() {
		if fixedLifetimeSeconds == nil || *fixedLifetimeSeconds <= 0 {
			return AccessToken{}, errNoTokenExpiry
		}

		expiresAt = issuedAt.Add(time.Duration(*fixedLifetimeSeconds) * time.Second)
	}

	return AccessToken{
		Value:                value,
		IssuedAt:             issuedAt,
		ExpiresAt:            expiresAt,
		FixedLifetimeSeconds: fixedLifetimeSeconds,
	}, nil
}

// ValidAt reports whether the token can still be presented at now.
func (t AccessToken) ValidAt(now time.Time) bool {
	return t.Value != "" && now.Before(t.ExpiresAt)
}

// NeedsRenewal reports whether no more than the renewal margin remains
// before expiry.
func (t AccessToken) NeedsRenewal(now time.Time, margin time.Duration) bool {
	return t.ExpiresAt.Sub(now) <= t.RenewalMargin(margin)
}

// RenewalMargin caps margin at half the token's lifetime. A token issued for
// less than twice the margin would otherwise need renewal on every use.
func (t AccessToken) RenewalMargin(margin time.Duration) time.Duration {
	if t.IssuedAt.IsZero() {
		return margin
	}

	if half := t.ExpiresAt.Sub(t.IssuedAt) / 2; half > 0 && margin > half {
		return half
	}

	return margin
}

// TokenStore holds the current token. Readers never block on a login in flight.
type TokenStore struct {
	mu    sync.RWMutex
	token *AccessToken
}

func (s *TokenStore) Get() (AccessToken, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.token == nil {
		return AccessToken{}, false
	}

	return *s.token, true
}

func (s *TokenStore) Set(t AccessToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = &t
}

func (s *TokenStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.token = nil
}

// tokenResponse is the body of /login and /refreshToken.
type tokenResponse struct {
	AccessToken string          `json:"accessToken"`
	Expires     json.RawMessage `json:"expires"`
}

func (r tokenResponse) toToken(issuedAt time.Time, fixedLifetime *int) (AccessToken, error) {
	expiresAt, err := parseExpires(r.Expires)
	if err != nil {
		return AccessToken{}, err
	}

	return NewAccessToken(r.AccessToken, issuedAt, expiresAt, fixedLifetime)
}

// parseExpires accepts an RFC3339 timestamp or epoch seconds/milliseconds.
// A missing or null value yields the zero time.
func parseExpires(raw json.RawMessage) (time.Time, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return time.Time{}, nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(raw, &str); err != nil {
			return time.Time{}, err
		}

		if str == "" {
			return time.Time{}, nil
		}

		if ts, err := time.Parse(time.RFC3339Nano, str); err == nil {
			return ts, nil
		}

		s = str
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s", errBadExpiresValue, s)
	}

	const millisThreshold = 1_000_000_000_000
	if n >= millisThreshold {
		return time.UnixMilli(n), nil
	}

	return time.Unix(n, 0), nil
}
