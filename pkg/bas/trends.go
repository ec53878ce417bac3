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
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const opFetchTrend = "fetch_trend"

// TrendSample is one historical value of a trended object.
type TrendSample struct {
	ObjectID   string    `json:"object_id"`
	ObservedAt time.Time `json:"observed_at"`
	Value      *float64  `json:"value"`
	Reliable   bool      `json:"reliable"`
	Units      string    `json:"units,omitempty"`
}

// TrendPage is one page of samples plus the server's total count.
type TrendPage struct {
	Samples []TrendSample
	Total   int
}

type trendResponse struct {
	Total int         `json:"total"`
	Items []trendItem `json:"items"`
}

type trendItem struct {
	Value struct {
		Value json.RawMessage `json:"value"`
		Units json.RawMessage `json:"units"`
	} `json:"value"`
	Timestamp  time.Time `json:"timestamp"`
	IsReliable *bool     `json:"isReliable"`
}

// TrendPoller fetches trend samples and keeps per-object receive bookkeeping.
type TrendPoller struct {
	deps
	exec *Executor

	mu           sync.RWMutex
	lastReceived map[string]time.Time
	received     atomic.Int64
}

func newTrendPoller(d deps, exec *Executor) *TrendPoller {
	return &TrendPoller{
		deps:         d,
		exec:         exec,
		lastReceived: make(map[string]time.Time),
	}
}

// FetchSince returns one page of samples observed from since until a minute
// past now. A 404 yields an empty result.
func (p *TrendPoller) FetchSince(ctx context.Context, objectID string, take, skip int, since time.Time) ([]TrendSample, error) {
	page, err := p.FetchPage(ctx, objectID, take, skip, since)
	if err != nil {
		return nil, err
	}

	return page.Samples, nil
}

// FetchPage is FetchSince that also reports the server's total.
func (p *TrendPoller) FetchPage(ctx context.Context, objectID string, take, skip int, since time.Time) (TrendPage, error) {
	switch {
	case objectID == "":
		return TrendPage{}, invalidArgument(opFetchTrend, objectID, "object id is required")
	case since.IsZero():
		return TrendPage{}, invalidArgument(opFetchTrend, objectID, "since is required")
	case take <= 0:
		return TrendPage{}, invalidArgument(opFetchTrend, objectID, "take must be positive")
	case skip < 0:
		return TrendPage{}, invalidArgument(opFetchTrend, objectID, "skip must not be negative")
	}

	page, err := Do(ctx, p.exec, opFetchTrend, objectID, func(ctx context.Context, token string) (TrendPage, error) {
		return p.fetch(ctx, token, objectID, take, skip, since)
	})
	if err != nil {
		return TrendPage{}, err
	}

	n := len(page.Samples)

	p.mu.Lock()
	p.lastReceived[objectID] = p.clock.Now()
	p.mu.Unlock()

	p.received.Add(int64(n))
	p.metrics.RecordSamplesReceived(n)

	p.logger.Debug().
		Str("object_id", objectID).
		Int("samples", n).
		Int("skip", skip).
		Msg("Fetched trend samples")

	return page, nil
}

// FetchAllSince follows pages until the server runs out of samples.
func (p *TrendPoller) FetchAllSince(ctx context.Context, objectID string, since time.Time) ([]TrendSample, error) {
	take := p.cfg.PageSize
	if take <= 0 {
		take = defaultPageSize
	}

	maxPages := p.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = defaultMaxPages
	}

	var all []TrendSample

	for pages, skip := 0, 0; ; skip += take {
		page, err := p.FetchPage(ctx, objectID, take, skip, since)
		if err != nil {
			return all, err
		}

		all = append(all, page.Samples...)
		pages++

		if len(page.Samples) < take || (page.Total > 0 && len(all) >= page.Total) {
			return all, nil
		}

		if pages >= maxPages {
			p.logger.Warn().
				Str("object_id", objectID).
				Int("pages", pages).
				Msg("Trend fetch stopped at page limit")

			return all, nil
		}
	}
}

// LastReceivedAt reports when samples for objectID were last fetched.
func (p *TrendPoller) LastReceivedAt(objectID string) (time.Time, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ts, ok := p.lastReceived[objectID]

	return ts, ok
}

// ReceivedCount is the total number of samples fetched so far.
func (p *TrendPoller) ReceivedCount() int64 {
	return p.received.Load()
}

func (p *TrendPoller) fetch(ctx context.Context, token, objectID string, take, skip int, since time.Time) (TrendPage, error) {
	end := p.clock.Now().Add(trendWindowLead)

	q := url.Values{}
	q.Set("startTime", since.UTC().Format(time.RFC3339))
	q.Set("endTime", end.UTC().Format(time.RFC3339))
	q.Set("page", strconv.Itoa(skip/take+1))
	q.Set("pageSize", strconv.Itoa(take))
	q.Set("skip", strconv.Itoa(skip))

	endpoint := p.cfg.BaseURL + "/objects/" + url.PathEscape(objectID) +
		"/trendedAttributes/presentValue/samples?" + q.Encode()

	req, err := newRequest(ctx, http.MethodGet, endpoint, token, nil)
	if err != nil {
		return TrendPage{}, err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return TrendPage{}, transportError(opFetchTrend, objectID, err)
	}

	status, body, err := readResponse(resp)
	if err != nil {
		return TrendPage{}, transportError(opFetchTrend, objectID, err)
	}

	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return TrendPage{}, nil
	default:
		return TrendPage{}, statusError(opFetchTrend, objectID, status, body)
	}

	var tr trendResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return TrendPage{}, &Error{
			Kind:       KindProtocol,
			Op:         opFetchTrend,
			ObjectID:   objectID,
			StatusCode: status,
			Message:    "decoding trend response",
			Err:        err,
		}
	}

	samples := make([]TrendSample, 0, len(tr.Items))
	for _, item := range tr.Items {
		samples = append(samples, item.toSample(objectID))
	}

	return TrendPage{Samples: samples, Total: tr.Total}, nil
}

func (i trendItem) toSample(objectID string) TrendSample {
	s := TrendSample{
		ObjectID:   objectID,
		ObservedAt: i.Timestamp,
		Value:      numberOrNil(i.Value.Value),
		Reliable:   true,
		Units:      rawString(i.Value.Units),
	}

	if i.IsReliable != nil {
		s.Reliable = *i.IsReliable
	}

	return s
}

// numberOrNil accepts a JSON number or numeric string; anything else is nil.
func numberOrNil(raw json.RawMessage) *float64 {
	s := strings.Trim(strings.TrimSpace(string(raw)), `"`)
	if s == "" || s == "null" {
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}

	return &f
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(raw)
}
