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

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carverauto/bas-connector/pkg/logger"
	"github.com/carverauto/bas-connector/pkg/models"
	"github.com/carverauto/bas-connector/pkg/natsutil"
)

const (
	eventSource      = "bas-connector"
	eventTypePrefix  = "com.carverauto.bas.service."
	publishTimeout   = 5 * time.Second
	contentTypeJSON  = "application/json"
	cloudEventsSpec  = "1.0"
	healthSubjectKey = ".health."
)

// JetStreamNotifier publishes notices as CloudEvents on
// <prefix>.health.<service>.
type JetStreamNotifier struct {
	pub    natsutil.Publisher
	prefix string
	now    func() time.Time
	logger logger.Logger
}

func NewJetStreamNotifier(pub natsutil.Publisher, prefix string, log logger.Logger) *JetStreamNotifier {
	if prefix == "" {
		prefix = natsutil.DefaultSubjectPrefix
	}

	return &JetStreamNotifier{
		pub:    pub,
		prefix: prefix,
		now:    time.Now,
		logger: logger.Component(log, "notify.jetstream"),
	}
}

func (n *JetStreamNotifier) SendWarning(service, message string) {
	n.send(service, models.SeverityWarning, message)
}

func (n *JetStreamNotifier) SendAlarm(service, message string) {
	n.send(service, models.SeverityAlarm, message)
}

func (n *JetStreamNotifier) ClearService(service string) {
	n.send(service, models.SeverityCleared, "")
}

func (n *JetStreamNotifier) send(service, severity, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	if err := n.Publish(ctx, service, severity, message); err != nil {
		n.logger.Error().
			Err(err).
			Str("service", service).
			Str("severity", severity).
			Msg("Failed to publish service notice")
	}
}

// Publish sends one notice and returns the publish error.
func (n *JetStreamNotifier) Publish(ctx context.Context, service, severity, message string) error {
	now := n.now().UTC()
	subject := n.Subject(service)

	event := models.CloudEvent{
		SpecVersion:     cloudEventsSpec,
		ID:              uuid.New().String(),
		Source:          eventSource,
		Type:            eventTypePrefix + severity,
		DataContentType: contentTypeJSON,
		Subject:         subject,
		Time:            &now,
		Data: models.ServiceNotice{
			Service:   service,
			Severity:  severity,
			Message:   message,
			Timestamp: now,
		},
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal service notice: %w", err)
	}

	ack, err := n.pub.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish service notice: %w", err)
	}

	if ack != nil {
		n.logger.Debug().
			Str("event_id", event.ID).
			Str("subject", subject).
			Uint64("seq", ack.Sequence).
			Msg("Published service notice")
	}

	return nil
}

func (n *JetStreamNotifier) Subject(service string) string {
	return n.prefix + healthSubjectKey + natsutil.SubjectToken(service)
}
