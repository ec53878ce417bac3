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

// Package sse decodes the text/event-stream wire format into events. It owns
// no connection and applies no reconnect policy.
package sse

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrEndedWithoutEmptyLine is returned after the final event of a stream
	// that closed before the event's terminating blank line.
	ErrEndedWithoutEmptyLine = errors.New("sse: stream ended without empty line")
	// ErrInvalidRetry is passed to the error handler for an unparsable retry field.
	ErrInvalidRetry = errors.New("sse: invalid retry value")
)

const (
	defaultMaxLineSize = 1 << 20
	initialBufferSize  = 4096
)

// Event is one dispatched server-sent event.
type Event struct {
	ID      string
	Type    string
	Comment string
	Data    string
	// Retry is the reconnection hint in effect for this event, zero if none.
	Retry time.Duration
	// ReceivedAt is stamped by the decoder clock when the event is flushed.
	ReceivedAt time.Time
}

// HasPayload reports whether the event carries anything besides a comment.
func (e Event) HasPayload() bool {
	return e.ID != "" || e.Type != "" || e.Data != "" || e.Retry != 0
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithClock sets the function used to stamp ReceivedAt.
func WithClock(now func() time.Time) Option {
	return func(d *Decoder) {
		d.now = now
	}
}

// WithErrorHandler receives non-fatal field errors such as a bad retry value.
func WithErrorHandler(fn func(error)) Option {
	return func(d *Decoder) {
		d.onError = fn
	}
}

// WithMaxLineSize bounds the length of a single line.
func WithMaxLineSize(n int) Option {
	return func(d *Decoder) {
		d.maxLine = n
	}
}

// Decoder reads events from an io.Reader. It is not safe for concurrent use.
type Decoder struct {
	scanner *bufio.Scanner
	now     func() time.Time
	onError func(error)
	maxLine int

	lastEventID string
	retry       time.Duration
	err         error

	pending  bool
	id       string
	typ      string
	comments []string
	data     []string
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader, opts ...Option) *Decoder {
	d := &Decoder{
		now:     time.Now,
		onError: func(error) {},
		maxLine: defaultMaxLineSize,
	}

	for _, opt := range opts {
		opt(d)
	}

	d.scanner = bufio.NewScanner(r)
	d.scanner.Buffer(make([]byte, 0, min(initialBufferSize, d.maxLine)), d.maxLine)
	d.scanner.Split(scanLines)

	return d
}

// Next returns the next event. At a clean end of stream it returns io.EOF.
// When the stream ends with fields pending, that event is returned first and
// the following call returns ErrEndedWithoutEmptyLine. Read errors are
// returned as is; pending fields are then discarded.
func (d *Decoder) Next() (Event, error) {
	if d.err != nil {
		return Event{}, d.err
	}

	for d.scanner.Scan() {
		line := d.scanner.Text()
		if line == "" {
			if !d.pending {
				continue
			}

			return d.flush(), nil
		}

		d.processLine(line)
	}

	if err := d.scanner.Err(); err != nil {
		d.err = err
		d.reset()

		return Event{}, err
	}

	if d.pending {
		d.err = ErrEndedWithoutEmptyLine

		return d.flush(), nil
	}

	d.err = io.EOF

	return Event{}, io.EOF
}

// LastEventID is the most recent id field seen on the stream.
func (d *Decoder) LastEventID() string {
	return d.lastEventID
}

// Retry is the most recent valid reconnection hint, zero if none was sent.
func (d *Decoder) Retry() time.Duration {
	return d.retry
}

func (d *Decoder) processLine(line string) {
	if strings.HasPrefix(line, ":") {
		d.comments = append(d.comments, strings.TrimPrefix(line[1:], " "))
		d.pending = true

		return
	}

	field, value, found := strings.Cut(line, ":")
	if found {
		value = strings.TrimPrefix(value, " ")
	}

	switch field {
	case "id":
		if strings.ContainsRune(value, 0) {
			return
		}

		d.id = value
		d.lastEventID = value
	case "event":
		d.typ = value
	case "data":
		d.data = append(d.data, value)
	case "retry":
		ms, err := strconv.Atoi(value)
		if err != nil || ms < 0 {
			d.onError(fmt.Errorf("%w: %q", ErrInvalidRetry, value))

			return
		}

		d.retry = time.Duration(ms) * time.Millisecond
	default:
		return
	}

	d.pending = true
}

func (d *Decoder) flush() Event {
	e := Event{
		ID:         d.id,
		Type:       d.typ,
		Comment:    strings.Join(d.comments, "\n"),
		Data:       strings.Join(d.data, "\n"),
		Retry:      d.retry,
		ReceivedAt: d.now(),
	}

	d.reset()

	return e
}

func (d *Decoder) reset() {
	d.pending = false
	d.id = ""
	d.typ = ""
	d.comments = d.comments[:0]
	d.data = d.data[:0]
}

// scanLines splits on LF, CR or CRLF.
func scanLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}

	i := bytes.IndexAny(data, "\r\n")
	if i < 0 {
		if atEOF {
			return len(data), data, nil
		}

		return 0, nil, nil
	}

	if data[i] == '\n' {
		return i + 1, data[:i], nil
	}

	if i+1 < len(data) {
		if data[i+1] == '\n' {
			return i + 2, data[:i], nil
		}

		return i + 1, data[:i], nil
	}

	if !atEOF {
		return 0, nil, nil
	}

	return i + 1, data[:i], nil
}
