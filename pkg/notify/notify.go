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

// Package notify delivers service health notices raised by the BAS client.
package notify

import (
	"sync"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
)

// LogNotifier writes notices to the structured log.
type LogNotifier struct {
	logger logger.Logger
}

func NewLogNotifier(log logger.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.Component(log, "notify")}
}

func (n *LogNotifier) SendWarning(service, message string) {
	n.logger.Warn().
		Str("service", service).
		Str("severity", models.SeverityWarning).
		Msg(message)
}

func (n *LogNotifier) SendAlarm(service, message string) {
	n.logger.Error().
		Str("service", service).
		Str("severity", models.SeverityAlarm).
		Msg(message)
}

func (n *LogNotifier) ClearService(service string) {
	n.logger.Info().
		Str("service", service).
		Str("severity", models.SeverityCleared).
		Msg("Service notices cleared")
}

// Multi fans every notice out to each notifier in order.
type Multi []bas.Notifier

func (m Multi) SendWarning(service, message string) {
	for _, n := range m {
		n.SendWarning(service, message)
	}
}

func (m Multi) SendAlarm(service, message string) {
	for _, n := range m {
		n.SendAlarm(service, message)
	}
}

func (m Multi) ClearService(service string) {
	for _, n := range m {
		n.ClearService(service)
	}
}

type noticeKey struct {
	severity string
	message  string
}

// Dedupe suppresses a notice identical to one already standing for the same
// service, and clears that are not preceded by any notice. Several components
// report the same outage; the wrapped notifier sees it once.
type Dedupe struct {
	next bas.Notifier

	mu       sync.Mutex
	standing map[string]map[noticeKey]struct{}
}

func NewDedupe(next bas.Notifier) *Dedupe {
	return &Dedupe{next: next, standing: make(map[string]map[noticeKey]struct{})}
}

func (d *Dedupe) SendWarning(service, message string) {
	if d.mark(service, noticeKey{severity: models.SeverityWarning, message: message}) {
		d.next.SendWarning(service, message)
	}
}

func (d *Dedupe) SendAlarm(service, message string) {
	if d.mark(service, noticeKey{severity: models.SeverityAlarm, message: message}) {
		d.next.SendAlarm(service, message)
	}
}

func (d *Dedupe) ClearService(service string) {
	d.mu.Lock()
	_, ok := d.standing[service]
	delete(d.standing, service)
	d.mu.Unlock()

	if ok {
		d.next.ClearService(service)
	}
}

// mark records key for service and reports whether it is new.
func (d *Dedupe) mark(service string, key noticeKey) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	notices, ok := d.standing[service]
	if !ok {
		notices = make(map[noticeKey]struct{})
		d.standing[service] = notices
	}

	if _, seen := notices[key]; seen {
		return false
	}

	notices[key] = struct{}{}

	return true
}
