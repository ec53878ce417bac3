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
	"net/http"
	"strings"
)

// Kind classifies a failure so callers and the executor can switch on it.
type Kind int

const (
	KindUnknown Kind = iota
	KindAuthentication
	KindAuthorizationExpired
	KindTransientServer
	KindRateLimited
	KindNetworkUnreachable
	KindStreamProtocol
	KindProtocol
	KindInvalidArgument
	KindMaxRetries
)

var (
	ErrAuthentication        = errors.New("authentication failed")
	ErrAuthorizationExpired  = errors.New("authorization expired")
	ErrTransientServer       = errors.New("transient server error")
	ErrRateLimited           = errors.New("rate limit exceeded")
	ErrNetworkUnreachable    = errors.New("network unreachable")
	ErrStreamProtocol        = errors.New("stream protocol error")
	ErrProtocol              = errors.New("unexpected response")
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrMaxRetries            = errors.New("max retries reached")
	errStreamAlreadyRunning  = errors.New("stream already running")
	errListenerPanic         = errors.New("listener panic")
	errMissingPresentValue   = errors.New("payload has no present value")
	errMissingItemIdentifier = errors.New("payload has neither id nor itemReference")
)

var kindSentinels = map[Kind]error{
	KindAuthentication:       ErrAuthentication,
	KindAuthorizationExpired: ErrAuthorizationExpired,
	KindTransientServer:      ErrTransientServer,
	KindRateLimited:          ErrRateLimited,
	KindNetworkUnreachable:   ErrNetworkUnreachable,
	KindStreamProtocol:       ErrStreamProtocol,
	KindProtocol:             ErrProtocol,
	KindInvalidArgument:      ErrInvalidArgument,
	KindMaxRetries:           ErrMaxRetries,
}

func (k Kind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindAuthorizationExpired:
		return "authorization_expired"
	case KindTransientServer:
		return "transient_server"
	case KindRateLimited:
		return "rate_limited"
	case KindNetworkUnreachable:
		return "network_unreachable"
	case KindStreamProtocol:
		return "stream_protocol"
	case KindProtocol:
		return "protocol"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindMaxRetries:
		return "max_retries"
	case KindUnknown:
		return "unknown"
	default:
		return "unknown"
	}
}

// Error is the tagged error returned by every remote operation. StatusCode is
// 0 when no HTTP response was involved.
type Error struct {
	Kind       Kind
	StatusCode int
	Op         string
	ObjectID   string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}

	switch sentinel, ok := kindSentinels[e.Kind]; {
	case e.Message != "":
		b.WriteString(e.Message)
	case ok:
		b.WriteString(sentinel.Error())
	default:
		b.WriteString("request failed")
	}

	if e.ObjectID != "" {
		fmt.Fprintf(&b, " (object_id=%s)", e.ObjectID)
	}

	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " [status %d]", e.StatusCode)
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}

	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match the sentinel for the error's kind.
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]

	return ok && sentinel == target
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return KindUnknown
}

// StatusCodeOf returns the HTTP status carried by err, or 0.
func StatusCodeOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.StatusCode
	}

	return 0
}

// IsRetryable reports whether the caller may retry the operation later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransientServer, KindMaxRetries, KindNetworkUnreachable, KindAuthorizationExpired:
		return true
	case KindUnknown, KindAuthentication, KindStreamProtocol, KindProtocol, KindInvalidArgument:
		return false
	default:
		return false
	}
}

// statusError maps a non-success HTTP status to a tagged error.
func statusError(op, objectID string, status int, body []byte) *Error {
	e := &Error{
		Op:         op,
		ObjectID:   objectID,
		StatusCode: status,
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Kind = KindAuthorizationExpired
		e.Message = "authorization rejected"
	case status >= http.StatusInternalServerError:
		e.Kind = KindTransientServer
		e.Message = "server error"
	default:
		e.Kind = KindProtocol
		e.Message = "unexpected status code"
	}

	if len(body) > 0 {
		e.Message = fmt.Sprintf("%s, response: %s", e.Message, truncate(string(body), maxErrorBody))
	}

	return e
}

// transportError wraps a failure to reach the server. Context cancellation is
// returned untouched so callers can tell shutdown from an outage.
func transportError(op, objectID string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}

	return &Error{
		Kind:     KindNetworkUnreachable,
		Op:       op,
		ObjectID: objectID,
		Message:  "request failed",
		Err:      err,
	}
}

func invalidArgument(op, objectID, msg string) *Error {
	return &Error{Kind: KindInvalidArgument, Op: op, ObjectID: objectID, Message: msg}
}

const maxErrorBody = 512

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "..."
}
