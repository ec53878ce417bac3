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
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ValueKind is the interpreted type of a present value.
type ValueKind int

const (
	ValueNumber ValueKind = iota
	ValueBool
	ValueString
)

func (k ValueKind) String() string {
	switch k {
	case ValueNumber:
		return "number"
	case ValueBool:
		return "bool"
	case ValueString:
		return "string"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ObservedValue is a live present-value change for one item.
type ObservedValue struct {
	ItemID        string
	ItemReference string
	Kind          ValueKind
	Number        float64
	Bool          bool
	Text          string
	ObservedAt    *time.Time
	ReceivedAt    time.Time
}

// Value returns the typed value as float64, bool or string.
func (v ObservedValue) Value() any {
	switch v.Kind {
	case ValueNumber:
		return v.Number
	case ValueBool:
		return v.Bool
	case ValueString:
		return v.Text
	default:
		return nil
	}
}

type observedValueJSON struct {
	ItemID        string     `json:"item_id"`
	ItemReference string     `json:"item_reference,omitempty"`
	Kind          ValueKind  `json:"kind"`
	Value         any        `json:"value"`
	ObservedAt    *time.Time `json:"observed_at,omitempty"`
	ReceivedAt    time.Time  `json:"received_at"`
}

func (v ObservedValue) MarshalJSON() ([]byte, error) {
	return json.Marshal(observedValueJSON{
		ItemID:        v.ItemID,
		ItemReference: v.ItemReference,
		Kind:          v.Kind,
		Value:         v.Value(),
		ObservedAt:    v.ObservedAt,
		ReceivedAt:    v.ReceivedAt,
	})
}

// DefaultEnumTable returns the built-in enum-to-bool mappings. Keys are in
// normalised form.
func DefaultEnumTable() map[string]bool {
	return map[string]bool{
		"active":       true,
		"on":           true,
		"true":         true,
		"inactive":     false,
		"off":          false,
		"false":        false,
		"reliable":     true,
		"notreliable":  false,
		"not reliable": false,
		"unreliable":   false,
	}
}

// ObservedValueParser turns stream payloads into ObservedValues.
type ObservedValueParser struct {
	enums map[string]bool
	clock Clock
}

// NewObservedValueParser merges overrides on top of the default enum table.
func NewObservedValueParser(overrides map[string]bool, clock Clock) *ObservedValueParser {
	if clock == nil {
		clock = systemClock{}
	}

	enums := DefaultEnumTable()
	for k, v := range overrides {
		enums[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &ObservedValueParser{enums: enums, clock: clock}
}

type presentValuePayload struct {
	ID            string          `json:"id"`
	ItemReference string          `json:"itemReference"`
	PresentValue  json.RawMessage `json:"presentValue"`
	Value         json.RawMessage `json:"value"`
	Timestamp     string          `json:"timestamp"`
	Item          *struct {
		ItemReference string          `json:"itemReference"`
		PresentValue  json.RawMessage `json:"presentValue"`
	} `json:"item"`
}

// ParseAll accepts a single payload object or an array of them.
func (p *ObservedValueParser) ParseAll(data []byte) ([]ObservedValue, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		v, err := p.Parse(trimmed)
		if err != nil {
			return nil, err
		}

		return []ObservedValue{v}, nil
	}

	var items []json.RawMessage
	if err := json.Unmarshal(trimmed, &items); err != nil {
		return nil, parseError(err, "")
	}

	values := make([]ObservedValue, 0, len(items))

	for _, item := range items {
		v, err := p.Parse(item)
		if err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	return values, nil
}

// Parse interprets one present-value payload.
func (p *ObservedValueParser) Parse(data []byte) (ObservedValue, error) {
	var payload presentValuePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return ObservedValue{}, parseError(err, "")
	}

	ref := payload.ItemReference
	raw := payload.PresentValue

	if payload.Item != nil {
		if ref == "" {
			ref = payload.Item.ItemReference
		}

		if len(raw) == 0 {
			raw = payload.Item.PresentValue
		}
	}

	if len(raw) == 0 {
		raw = payload.Value
	}

	id := payload.ID
	if id == "" {
		id = ref
	}

	if id == "" {
		return ObservedValue{}, parseError(errMissingItemIdentifier, "")
	}

	if len(raw) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		return ObservedValue{}, parseError(errMissingPresentValue, id)
	}

	v := ObservedValue{
		ItemID:        id,
		ItemReference: ref,
		ReceivedAt:    p.clock.Now(),
	}

	if payload.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, payload.Timestamp); err == nil {
			v.ObservedAt = &ts
		}
	}

	if err := p.interpret(raw, &v); err != nil {
		return ObservedValue{}, parseError(err, id)
	}

	return v, nil
}

func (p *ObservedValueParser) interpret(raw json.RawMessage, v *ObservedValue) error {
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return err
	}

	switch val := decoded.(type) {
	case float64:
		v.Kind = ValueNumber
		v.Number = val
	case bool:
		v.Kind = ValueBool
		v.Bool = val
	case string:
		p.interpretString(val, v)
	case map[string]any:
		inner, ok := val["value"]
		if !ok {
			return fmt.Errorf("%w: object without value field", errMissingPresentValue)
		}

		b, err := json.Marshal(inner)
		if err != nil {
			return err
		}

		return p.interpret(b, v)
	default:
		return fmt.Errorf("unsupported present value %s", string(raw))
	}

	return nil
}

func (p *ObservedValueParser) interpretString(s string, v *ObservedValue) {
	if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		v.Kind = ValueNumber
		v.Number = f

		return
	}

	if b, ok := p.lookupEnum(s); ok {
		v.Kind = ValueBool
		v.Bool = b

		return
	}

	v.Kind = ValueString
	v.Text = s
}

// lookupEnum matches s as-is, then as a dotted enum member such as
// "binarypvenumset.bacbinactive".
func (p *ObservedValueParser) lookupEnum(s string) (bool, bool) {
	key := strings.ToLower(strings.TrimSpace(s))
	if b, ok := p.enums[key]; ok {
		return b, true
	}

	if i := strings.LastIndex(key, "."); i >= 0 {
		key = key[i+1:]
	}

	key = strings.TrimPrefix(key, "bacbin")

	b, ok := p.enums[key]

	return b, ok
}

func parseError(err error, id string) *Error {
	return &Error{
		Kind:     KindStreamProtocol,
		Op:       "parse_observed_value",
		ObjectID: id,
		Message:  "malformed present value payload",
		Err:      err,
	}
}
