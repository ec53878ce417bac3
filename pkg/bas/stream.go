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
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/carverauto/bas-connector/pkg/bas/sse"
)

const (
	opOpenStream = "open_stream"
	opSubscribe  = "subscribe"

	// SubscriptionHeader carries the stream subscription id on subscribe calls.
	SubscriptionHeader = "Subscription-Id"

	EventHello        = "hello"
	EventOpen         = "open"
	EventHeartbeat    = "heartbeat"
	EventValuesUpdate = "object.values.update"
	EventPresentValue = "presentValue"
)

// CloseReason says why a stream connection ended.
type CloseReason string

const (
	CloseServerClosed          CloseReason = "SERVER_CLOSED"
	CloseStreamNotResumable    CloseReason = "STREAM_NOT_RESUMABLE"
	CloseUnknownStatusCode     CloseReason = "UNKNOWN_STATUS_CODE"
	CloseNetworkInterrupted    CloseReason = "NETWORK_INTERRUPTED"
	CloseProcessingStreamError CloseReason = "PROCESSING_STREAM_ERROR"
	CloseEndedWithoutEmptyLine CloseReason = "STREAM_ENDED_WITHOUT_EMPTY_LINE"
	CloseEndedWithNull         CloseReason = "STREAM_ENDED_WITH_NULL"
)

// StreamState is the lifecycle state of the stream connection.
type StreamState int

const (
	StreamIdle StreamState = iota
	StreamConnecting
	StreamOpen
	StreamClosing
	StreamFailed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamIdle:
		return "idle"
	case StreamConnecting:
		return "connecting"
	case StreamOpen:
		return "open"
	case StreamClosing:
		return "closing"
	case StreamFailed:
		return "failed"
	case StreamClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// StreamListener receives stream callbacks. All calls for one connection are
// made in order from a single goroutine.
type StreamListener interface {
	OnHello(subscriptionID string)
	OnHeartbeat(at *time.Time)
	OnObservedValue(v ObservedValue)
	OnEvent(e sse.Event)
	OnError(err error)
	// OnClose is called exactly once per connection.
	OnClose(reason CloseReason, lastStatusCode int, at time.Time)
}

// BaseStreamListener implements StreamListener with no-ops, for embedding.
type BaseStreamListener struct{}

func (BaseStreamListener) OnHello(string)                      {}
func (BaseStreamListener) OnHeartbeat(*time.Time)              {}
func (BaseStreamListener) OnObservedValue(ObservedValue)       {}
func (BaseStreamListener) OnEvent(sse.Event)                   {}
func (BaseStreamListener) OnError(error)                       {}
func (BaseStreamListener) OnClose(CloseReason, int, time.Time) {}

type observationForwarder struct {
	BaseStreamListener
	target ObservationListener
}

func (f observationForwarder) OnObservedValue(v ObservedValue) {
	f.target.ObservedValue(v)
}

// ForwardObservations adapts an ObservationListener to a StreamListener that
// ignores everything but value changes.
func ForwardObservations(target ObservationListener) StreamListener {
	return observationForwarder{target: target}
}

// Subscription is the set of objects watched under one stream subscription.
type Subscription struct {
	ID        string
	ObjectIDs map[string]struct{}
	// Rejected lists ids the server refused.
	Rejected []string
}

// StreamClient maintains the live value stream.
type StreamClient struct {
	deps
	exec       *Executor
	parser     *ObservedValueParser
	streamHTTP HTTPClient

	mu             sync.Mutex
	state          StreamState
	cancel         context.CancelFunc
	done           chan struct{}
	lastEventID    string
	subscriptionID string
	retryHint      time.Duration
	watched        map[string]struct{}
}

func newStreamClient(d deps, exec *Executor, parser *ObservedValueParser, streamHTTP HTTPClient) *StreamClient {
	return &StreamClient{
		deps:       d,
		exec:       exec,
		parser:     parser,
		streamHTTP: streamHTTP,
		watched:    make(map[string]struct{}),
	}
}

// connState is per-connection bookkeeping owned by the connection goroutine.
type connState struct {
	subscriptionID string
	status         int
	protocolErrors int
}

// Start opens one stream connection in the background. The connection is not
// re-established once it closes.
func (s *StreamClient) Start(ctx context.Context, listener StreamListener) error {
	return s.launch(ctx, func(ctx context.Context) {
		s.connect(ctx, listener)
	})
}

// StartWithReconnect keeps a stream open until ctx is cancelled or Close is
// called, reconnecting after each close. Watched objects are subscribed again
// whenever the server announces a new subscription.
func (s *StreamClient) StartWithReconnect(ctx context.Context, listener StreamListener) error {
	return s.launch(ctx, func(ctx context.Context) {
		s.reconnectLoop(ctx, listener)
	})
}

func (s *StreamClient) launch(ctx context.Context, run func(ctx context.Context)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
		default:
			return errStreamAlreadyRunning
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	s.cancel = cancel
	s.done = done

	go func() {
		defer close(done)
		defer cancel()

		run(runCtx)
	}()

	return nil
}

// Close ends the stream and waits for its goroutine to exit.
func (s *StreamClient) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	<-done
}

// Watch adds objects to subscribe on every new subscription.
func (s *StreamClient) Watch(objectIDs ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range objectIDs {
		if id != "" {
			s.watched[id] = struct{}{}
		}
	}
}

// State returns the current connection state.
func (s *StreamClient) State() StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

// LastEventID is the last event id seen. It is not sent when reconnecting.
func (s *StreamClient) LastEventID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lastEventID
}

// SubscriptionID is the id announced by the current connection's hello event.
func (s *StreamClient) SubscriptionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.subscriptionID
}

// Subscribe registers objectIDs under subscriptionID, one request per object.
// Objects the server refuses are listed in Rejected. An authentication failure
// aborts the remaining requests and is returned.
func (s *StreamClient) Subscribe(ctx context.Context, subscriptionID string, objectIDs []string) (Subscription, error) {
	sub := Subscription{ID: subscriptionID, ObjectIDs: make(map[string]struct{}, len(objectIDs))}

	if subscriptionID == "" {
		return sub, invalidArgument(opSubscribe, "", "subscription id is required")
	}

	s.Watch(objectIDs...)

	for _, id := range objectIDs {
		err := s.exec.Execute(ctx, opSubscribe, id, func(ctx context.Context, token string) error {
			return s.subscribeOne(ctx, token, subscriptionID, id)
		})
		if err == nil {
			sub.ObjectIDs[id] = struct{}{}

			continue
		}

		if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrAuthorizationExpired) || ctx.Err() != nil {
			return sub, err
		}

		s.logger.Warn().
			Err(err).
			Str("object_id", id).
			Str("subscription_id", subscriptionID).
			Msg("Subscribe failed")

		sub.Rejected = append(sub.Rejected, id)
	}

	return sub, nil
}

func (s *StreamClient) subscribeOne(ctx context.Context, token, subscriptionID, objectID string) error {
	endpoint := s.cfg.BaseURL + "/objects/" + url.PathEscape(objectID) + "/attributes/presentValue?includeSchema=false"

	req, err := newRequest(ctx, http.MethodGet, endpoint, token, nil)
	if err != nil {
		return err
	}

	req.Header.Set(SubscriptionHeader, subscriptionID)

	resp, err := s.client.Do(req)
	if err != nil {
		return transportError(opSubscribe, objectID, err)
	}

	status, body, err := readResponse(resp)
	if err != nil {
		return transportError(opSubscribe, objectID, err)
	}

	if status == http.StatusOK || status == http.StatusAccepted {
		return nil
	}

	return statusError(opSubscribe, objectID, status, body)
}

func (s *StreamClient) reconnectLoop(ctx context.Context, listener StreamListener) {
	for {
		reason := s.connect(ctx, listener)
		if ctx.Err() != nil {
			return
		}

		delay := s.reconnectDelay()

		s.logger.Info().
			Str("close_reason", string(reason)).
			Dur("delay", delay).
			Msg("Stream closed, reconnecting")

		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(delay):
		}
	}
}

func (s *StreamClient) reconnectDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.retryHint > 0 {
		return s.retryHint
	}

	return s.cfg.StreamReconnectDelay.Or(defaultStreamReconnectDelay)
}

// connect runs one connection to completion and returns why it closed.
func (s *StreamClient) connect(ctx context.Context, listener StreamListener) (reason CloseReason) {
	conn := &connState{}

	defer func() {
		s.finish(listener, reason, conn.status)
	}()

	s.setState(StreamConnecting)

	resp, err := s.open(ctx)
	if err != nil {
		conn.status = StatusCodeOf(err)

		reason = classifyOpenError(ctx, err)
		if reason != CloseServerClosed {
			s.setState(StreamFailed)
			s.reportError(listener, err)
		}

		return reason
	}
	defer resp.Body.Close()

	conn.status = resp.StatusCode
	s.setState(StreamOpen)

	s.mu.Lock()
	s.subscriptionID = ""
	s.mu.Unlock()

	return s.readLoop(ctx, resp.Body, listener, conn)
}

func (s *StreamClient) open(ctx context.Context) (*http.Response, error) {
	var resp *http.Response

	err := s.exec.Execute(ctx, opOpenStream, "", func(ctx context.Context, token string) error {
		req, err := newRequest(ctx, http.MethodGet, s.cfg.BaseURL+"/stream", token, nil)
		if err != nil {
			return err
		}

		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		r, err := s.streamHTTP.Do(req)
		if err != nil {
			return transportError(opOpenStream, "", err)
		}

		if r.StatusCode == http.StatusOK {
			resp = r

			return nil
		}

		status, body, _ := readResponse(r)
		if status == http.StatusNoContent {
			return &Error{
				Kind:       KindProtocol,
				Op:         opOpenStream,
				StatusCode: status,
				Message:    "stream not resumable, resubscription required",
			}
		}

		return statusError(opOpenStream, "", status, body)
	})

	return resp, err
}

func classifyOpenError(ctx context.Context, err error) CloseReason {
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		return CloseServerClosed
	case StatusCodeOf(err) == http.StatusNoContent:
		return CloseStreamNotResumable
	case KindOf(err) == KindNetworkUnreachable:
		return CloseNetworkInterrupted
	default:
		return CloseUnknownStatusCode
	}
}

func (s *StreamClient) readLoop(ctx context.Context, body io.Reader, listener StreamListener, conn *connState) CloseReason {
	dec := sse.NewDecoder(body,
		sse.WithClock(s.clock.Now),
		sse.WithErrorHandler(func(err error) {
			s.logger.Warn().Err(err).Msg("Ignoring malformed stream field")
		}),
	)

	maxProtocolErrors := s.cfg.MaxConsecutiveProtocolErrors
	if maxProtocolErrors <= 0 {
		maxProtocolErrors = defaultMaxProtocolErrors
	}

	for {
		ev, err := dec.Next()

		s.mu.Lock()
		s.lastEventID = dec.LastEventID()
		if hint := dec.Retry(); hint > 0 {
			s.retryHint = hint
		}
		s.mu.Unlock()

		if err != nil {
			switch {
			case ctx.Err() != nil:
				s.setState(StreamClosing)

				return CloseServerClosed
			case errors.Is(err, io.EOF):
				return CloseEndedWithNull
			case errors.Is(err, sse.ErrEndedWithoutEmptyLine):
				return CloseEndedWithoutEmptyLine
			default:
				s.setState(StreamFailed)
				s.reportError(listener, transportError("read_stream", "", err))

				return CloseNetworkInterrupted
			}
		}

		err = s.dispatch(ctx, ev, listener, conn)
		if err == nil {
			conn.protocolErrors = 0

			continue
		}

		if KindOf(err) == KindStreamProtocol {
			conn.protocolErrors++
			s.reportError(listener, err)

			if conn.protocolErrors < maxProtocolErrors {
				continue
			}

			s.logger.Error().
				Int("consecutive_errors", conn.protocolErrors).
				Msg("Too many malformed stream payloads, closing connection")
		} else {
			s.reportError(listener, err)
		}

		s.setState(StreamFailed)

		return CloseProcessingStreamError
	}
}

// dispatch delivers one event. A listener panic is returned as an error.
func (s *StreamClient) dispatch(ctx context.Context, ev sse.Event, listener StreamListener, conn *connState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errListenerPanic, r)
		}
	}()

	if !ev.HasPayload() {
		return nil
	}

	s.metrics.RecordStreamEvent(ev.Type)

	switch ev.Type {
	case EventHello, EventOpen:
		if conn.subscriptionID != "" {
			s.logger.Debug().Str("subscription_id", conn.subscriptionID).Msg("Ignoring repeated hello")

			return nil
		}

		id := strings.Trim(strings.TrimSpace(ev.Data), `"`)
		conn.subscriptionID = id

		s.mu.Lock()
		s.subscriptionID = id
		s.mu.Unlock()

		s.logger.Info().Str("subscription_id", id).Msg("Stream subscription opened")
		listener.OnHello(id)
		s.resubscribe(ctx, id, listener)
	case EventHeartbeat:
		listener.OnHeartbeat(parseHeartbeat(ev.Data))
	case EventValuesUpdate, EventPresentValue:
		values, err := s.parser.ParseAll([]byte(ev.Data))
		if err != nil {
			return err
		}

		for _, v := range values {
			listener.OnObservedValue(v)
		}
	default:
		listener.OnEvent(ev)
	}

	return nil
}

func (s *StreamClient) resubscribe(ctx context.Context, subscriptionID string, listener StreamListener) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.watched))
	for id := range s.watched {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	if len(ids) == 0 || subscriptionID == "" {
		return
	}

	sub, err := s.Subscribe(ctx, subscriptionID, ids)
	if err != nil {
		listener.OnError(err)

		return
	}

	s.logger.Info().
		Str("subscription_id", subscriptionID).
		Int("accepted", len(sub.ObjectIDs)).
		Int("rejected", len(sub.Rejected)).
		Msg("Subscribed watched objects")
}

func parseHeartbeat(data string) *time.Time {
	ts, err := time.Parse(time.RFC3339Nano, strings.Trim(strings.TrimSpace(data), `"`))
	if err != nil {
		return nil
	}

	return &ts
}

func (s *StreamClient) finish(listener StreamListener, reason CloseReason, status int) {
	s.metrics.RecordStreamClose(reason)
	s.logger.Info().
		Str("close_reason", string(reason)).
		Int("status_code", status).
		Msg("Stream connection closed")

	func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error().Interface("panic", r).Msg("Stream listener panicked in OnClose")
			}
		}()

		listener.OnClose(reason, status, s.clock.Now())
	}()

	s.setState(StreamClosed)
}

func (s *StreamClient) reportError(listener StreamListener, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Stream listener panicked in OnError")
		}
	}()

	listener.OnError(err)
}

func (s *StreamClient) setState(state StreamState) {
	s.mu.Lock()
	previous := s.state
	s.state = state
	s.mu.Unlock()

	if previous != state {
		s.logger.Debug().
			Str("from", previous.String()).
			Str("to", state.String()).
			Msg("Stream state changed")
	}
}
