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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

const (
	authKindLogin   = "login"
	authKindRefresh = "refresh"
)

// TokenManager owns the access token. Network auth calls are serialized so at
// most one login or refresh is in flight; readers of a fresh token never wait.
type TokenManager struct {
	deps
	store  *TokenStore
	gate   *AdmissionGate
	health *HealthCircuit

	mu sync.Mutex

	noticeMu   sync.Mutex
	lastNotice string
}

func newTokenManager(d deps, store *TokenStore, gate *AdmissionGate, health *HealthCircuit) *TokenManager {
	return &TokenManager{
		deps:   d,
		store:  store,
		gate:   gate,
		health: health,
	}
}

// EnsureValid returns a token that is good for at least the refresh margin,
// logging in or refreshing first when needed.
func (m *TokenManager) EnsureValid(ctx context.Context) (string, error) {
	margin := m.cfg.RefreshMargin.Or(defaultRefreshMargin)

	if tok, ok := m.store.Get(); ok && !tok.NeedsRenewal(m.clock.Now(), margin) {
		return tok.Value, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.store.Get()
	if ok && !tok.NeedsRenewal(m.clock.Now(), margin) {
		return tok.Value, nil
	}

	var err error
	if ok {
		tok, err = m.refreshLocked(ctx, tok)
	} else {
		tok, err = m.loginLocked(ctx, true)
	}

	if err != nil {
		return "", err
	}

	return tok.Value, nil
}

// Login performs a full credential login regardless of the current token.
func (m *TokenManager) Login(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, err := m.loginLocked(ctx, true)

	return err
}

// Refresh renews the current token, logging in when none is held.
func (m *TokenManager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error

	if tok, ok := m.store.Get(); ok {
		_, err = m.refreshLocked(ctx, tok)
	} else {
		_, err = m.loginLocked(ctx, true)
	}

	return err
}

// ForceRefresh replaces a token the server rejected. When another caller has
// already swapped it out the current token is returned without a network call.
func (m *TokenManager) ForceRefresh(ctx context.Context, rejected string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, ok := m.store.Get()
	if ok && tok.Value != rejected && tok.ValidAt(m.clock.Now()) {
		return tok.Value, nil
	}

	var err error
	if ok {
		tok, err = m.refreshLocked(ctx, tok)
	} else {
		tok, err = m.loginLocked(ctx, true)
	}

	if err != nil {
		return "", err
	}

	return tok.Value, nil
}

// Invalidate drops the current token so the next call logs in again.
func (m *TokenManager) Invalidate() {
	m.store.Clear()
}

// IsLoggedIn reports whether an unexpired token is held.
func (m *TokenManager) IsLoggedIn() bool {
	tok, ok := m.store.Get()

	return ok && tok.ValidAt(m.clock.Now())
}

// Run renews the token shortly before it expires until ctx is cancelled.
func (m *TokenManager) Run(ctx context.Context) {
	retryDelay := m.cfg.RefreshRetryDelay.Or(defaultRefreshRetryDelay)
	failed := false

	for {
		delay := retryDelay
		if !failed {
			delay = m.nextRenewalDelay()
		}

		select {
		case <-ctx.Done():
			return
		case <-m.clock.After(delay):
		}

		if _, err := m.EnsureValid(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}

			failed = true

			m.logger.Warn().
				Err(err).
				Dur("retry_in", retryDelay).
				Msg("Scheduled token renewal failed")

			continue
		}

		failed = false
	}
}

func (m *TokenManager) nextRenewalDelay() time.Duration {
	minDelay := m.cfg.MinRefreshDelay.Or(defaultMinRefreshDelay)

	tok, ok := m.store.Get()
	if !ok {
		return minDelay
	}

	delay := tok.ExpiresAt.Sub(m.clock.Now()) - tok.RenewalMargin(m.cfg.RefreshMargin.Or(defaultRefreshMargin))
	if delay < minDelay {
		return minDelay
	}

	return delay
}

// loginLocked must be called with m.mu held. acquire is false when the caller
// already holds a login permit.
func (m *TokenManager) loginLocked(ctx context.Context, acquire bool) (AccessToken, error) {
	if acquire && !m.gate.Acquire(ctx) {
		m.metrics.RecordGateDenied(m.gate.Name())

		return AccessToken{}, m.authFailed(authKindLogin, m.gate.rejected(authKindLogin, ""))
	}

	payload, err := json.Marshal(map[string]string{
		"username": m.cfg.Username,
		"password": m.cfg.Password,
	})
	if err != nil {
		return AccessToken{}, err
	}

	req, err := newRequest(ctx, http.MethodPost, m.cfg.BaseURL+"/login", "", bytes.NewReader(payload))
	if err != nil {
		return AccessToken{}, err
	}

	req.Header.Set("Content-Type", "application/json")

	issuedAt := m.clock.Now()

	status, body, err := m.do(req)
	if err != nil {
		return AccessToken{}, m.authFailed(authKindLogin, transportError(authKindLogin, "", err))
	}

	if status != http.StatusOK {
		return AccessToken{}, m.authFailed(authKindLogin, loginStatusError(status, body))
	}

	tok, err := m.decodeToken(authKindLogin, body, issuedAt)
	if err != nil {
		return AccessToken{}, m.authFailed(authKindLogin, err)
	}

	m.store.Set(tok)
	m.authSucceeded(authKindLogin, tok)

	return tok, nil
}

// refreshLocked must be called with m.mu held.
func (m *TokenManager) refreshLocked(ctx context.Context, current AccessToken) (AccessToken, error) {
	if !m.gate.Acquire(ctx) {
		m.metrics.RecordGateDenied(m.gate.Name())

		return AccessToken{}, m.authFailed(authKindRefresh, m.gate.rejected(authKindRefresh, ""))
	}

	req, err := newRequest(ctx, http.MethodGet, m.cfg.BaseURL+"/refreshToken", current.Value, nil)
	if err != nil {
		return AccessToken{}, err
	}

	issuedAt := m.clock.Now()

	status, body, err := m.do(req)
	if err != nil {
		return AccessToken{}, m.authFailed(authKindRefresh, transportError(authKindRefresh, "", err))
	}

	switch {
	case status == http.StatusOK:
		tok, err := m.decodeToken(authKindRefresh, body, issuedAt)
		if err != nil {
			return AccessToken{}, m.authFailed(authKindRefresh, err)
		}

		m.store.Set(tok)
		m.authSucceeded(authKindRefresh, tok)

		return tok, nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden || status >= http.StatusInternalServerError:
		m.metrics.RecordAuth(authKindRefresh, resultError)
		m.logger.Info().
			Int("status_code", status).
			Msg("Token refresh rejected, falling back to login")

		if status < http.StatusInternalServerError {
			// The server refused this token; it must not outlive a failed login.
			m.Invalidate()
		}

		return m.loginLocked(ctx, false)
	default:
		return AccessToken{}, m.authFailed(authKindRefresh, statusError(authKindRefresh, "", status, body))
	}
}

func (m *TokenManager) do(req *http.Request) (int, []byte, error) {
	resp, err := m.client.Do(req)
	if err != nil {
		return 0, nil, err
	}

	return readResponse(resp)
}

func (m *TokenManager) decodeToken(op string, body []byte, issuedAt time.Time) (AccessToken, error) {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return AccessToken{}, &Error{Kind: KindProtocol, Op: op, StatusCode: http.StatusOK, Message: "decoding token response", Err: err}
	}

	tok, err := tr.toToken(issuedAt, m.cfg.fixedLifetime())
	if err != nil {
		return AccessToken{}, &Error{Kind: KindProtocol, Op: op, StatusCode: http.StatusOK, Message: "invalid token response", Err: err}
	}

	return tok, nil
}

func (m *TokenManager) authSucceeded(kind string, tok AccessToken) {
	m.metrics.RecordAuth(kind, resultSuccess)
	m.logger.Debug().
		Str("kind", kind).
		Time("expires_at", tok.ExpiresAt).
		Msg("Access token renewed")

	m.health.RecordSuccess()

	m.noticeMu.Lock()
	standing := m.lastNotice != ""
	m.lastNotice = ""
	m.noticeMu.Unlock()

	if standing {
		m.notifier.ClearService(m.cfg.Service)
	}
}

// authFailed records a failed auth call and returns err unchanged.
func (m *TokenManager) authFailed(kind string, err error) error {
	m.metrics.RecordAuth(kind, resultError)

	k := KindOf(err)
	if k == KindNetworkUnreachable || k == KindTransientServer {
		m.health.RecordFailure(err)
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	m.logger.Warn().
		Err(err).
		Str("kind", kind).
		Str("error_kind", k.String()).
		Msg("Authentication call failed")

	msg := err.Error()

	m.noticeMu.Lock()
	duplicate := msg == m.lastNotice
	m.lastNotice = msg
	m.noticeMu.Unlock()

	if duplicate {
		return err
	}

	if k == KindAuthentication || k == KindNetworkUnreachable {
		m.notifier.SendAlarm(m.cfg.Service, msg)
	} else {
		m.notifier.SendWarning(m.cfg.Service, msg)
	}

	return err
}

func loginStatusError(status int, body []byte) *Error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{
			Kind:       KindAuthentication,
			Op:         authKindLogin,
			StatusCode: status,
			Message:    "credentials rejected",
		}
	default:
		return statusError(authKindLogin, "", status, body)
	}
}
