package natsutil

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/logger"
)

const (
	// DefaultSubjectPrefix is the root of every subject this module publishes on.
	DefaultSubjectPrefix = "bas"

	defaultPublishTimeout = 5 * time.Second
)

var errEmptyObjectID = errors.New("object id is required")

// Publisher is the subset of jetstream.JetStream used for publishing.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamManager is the subset of jetstream.JetStream used to provision streams.
type StreamManager interface {
	Stream(ctx context.Context, name string) (jetstream.Stream, error)
	CreateOrUpdateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
}

// Subjects returns the wildcard subjects a stream must capture for prefix.
func Subjects(prefix string) []string {
	prefix = normalizePrefix(prefix)

	return []string{
		prefix + ".observations.>",
		prefix + ".samples.>",
		prefix + ".health.>",
	}
}

// EnsureStream creates streamName if missing, or widens its subjects so that
// every subject in subjects is captured.
func EnsureStream(ctx context.Context, js StreamManager, streamName string, subjects []string) error {
	stream, err := js.Stream(ctx, streamName)
	if err != nil {
		if !isStreamMissingErr(err) {
			return fmt.Errorf("failed to get stream %s: %w", streamName, err)
		}

		_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:     streamName,
			Subjects: subjects,
		})
		if err != nil {
			return fmt.Errorf("failed to create stream %s: %w", streamName, err)
		}

		return nil
	}

	info := stream.CachedInfo()
	if info == nil {
		return nil
	}

	cfg := info.Config
	merged := append([]string(nil), cfg.Subjects...)

	for _, subject := range subjects {
		merged = ensureSubjectList(merged, subject)
	}

	if len(merged) == len(cfg.Subjects) {
		return nil
	}

	cfg.Subjects = merged

	if _, err := js.CreateOrUpdateStream(ctx, cfg); err != nil {
		return fmt.Errorf("failed to update stream %s subjects: %w", streamName, err)
	}

	return nil
}

func ensureSubjectList(subjects []string, subject string) []string {
	for _, existing := range subjects {
		if matchesSubject(existing, subject) {
			return subjects
		}
	}

	return append(subjects, subject)
}

// matchesSubject reports whether pattern captures subject using NATS
// wildcard rules.
func matchesSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}

	pTokens := strings.Split(pattern, ".")
	sTokens := strings.Split(subject, ".")

	for i, p := range pTokens {
		if p == ">" {
			return i < len(sTokens)
		}

		if i >= len(sTokens) {
			return false
		}

		if p != "*" && p != sTokens[i] {
			return false
		}
	}

	return len(pTokens) == len(sTokens)
}

func isStreamMissingErr(err error) bool {
	return errors.Is(err, jetstream.ErrStreamNotFound) ||
		errors.Is(err, jetstream.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrStreamNotFound) ||
		errors.Is(err, nats.ErrNoStreamResponse) ||
		errors.Is(err, nats.ErrNoResponders)
}

// ObservationPublisher publishes live observed values and imported trend
// samples to JetStream.
type ObservationPublisher struct {
	pub     Publisher
	prefix  string
	timeout time.Duration
	logger  logger.Logger
}

// NewObservationPublisher creates a publisher rooted at prefix. An empty
// prefix uses DefaultSubjectPrefix.
func NewObservationPublisher(pub Publisher, prefix string, log logger.Logger) *ObservationPublisher {
	return &ObservationPublisher{
		pub:     pub,
		prefix:  normalizePrefix(prefix),
		timeout: defaultPublishTimeout,
		logger:  logger.Component(log, "natsutil.publisher"),
	}
}

// ObservedValue publishes v. Failures are logged; the stream keeps running.
func (p *ObservationPublisher) ObservedValue(v bas.ObservedValue) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if err := p.PublishObservedValue(ctx, v); err != nil {
		p.logger.Warn().
			Err(err).
			Str("item_id", v.ItemID).
			Msg("Failed to publish observed value")
	}
}

// PublishObservedValue publishes v on <prefix>.observations.<item id>.
func (p *ObservationPublisher) PublishObservedValue(ctx context.Context, v bas.ObservedValue) error {
	if v.ItemID == "" {
		return errEmptyObjectID
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal observed value: %w", err)
	}

	return p.publish(ctx, p.ObservationSubject(v.ItemID), payload)
}

// PublishSamples publishes each trend sample of objectID on
// <prefix>.samples.<object id>, stopping at the first failure.
func (p *ObservationPublisher) PublishSamples(ctx context.Context, objectID string, samples []bas.TrendSample) error {
	if objectID == "" {
		return errEmptyObjectID
	}

	subject := p.SampleSubject(objectID)

	for i := range samples {
		payload, err := json.Marshal(samples[i])
		if err != nil {
			return fmt.Errorf("failed to marshal trend sample: %w", err)
		}

		if err := p.publish(ctx, subject, payload); err != nil {
			return err
		}
	}

	p.logger.Debug().
		Str("object_id", objectID).
		Int("count", len(samples)).
		Msg("Published trend samples")

	return nil
}

func (p *ObservationPublisher) publish(ctx context.Context, subject string, payload []byte) error {
	ack, err := p.pub.Publish(ctx, subject, payload)
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}

	if ack != nil {
		p.logger.Trace().
			Str("subject", subject).
			Uint64("seq", ack.Sequence).
			Msg("Published message")
	}

	return nil
}

// ObservationSubject is the subject for live values of objectID.
func (p *ObservationPublisher) ObservationSubject(objectID string) string {
	return p.prefix + ".observations." + SubjectToken(objectID)
}

// SampleSubject is the subject for imported samples of objectID.
func (p *ObservationPublisher) SampleSubject(objectID string) string {
	return p.prefix + ".samples." + SubjectToken(objectID)
}

// SubjectToken makes id usable as a single subject token. Separators,
// wildcards and whitespace become underscores.
func SubjectToken(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, id)
}

func normalizePrefix(prefix string) string {
	prefix = strings.Trim(prefix, ".")
	if prefix == "" {
		return DefaultSubjectPrefix
	}

	return prefix
}
