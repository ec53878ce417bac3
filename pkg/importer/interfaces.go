package importer

import (
	"context"
	"time"

	"github.com/carverauto/bas-connector/pkg/bas"
	"github.com/carverauto/bas-connector/pkg/models"
)

// TrendSource fetches historical samples. *bas.TrendPoller implements it.
type TrendSource interface {
	FetchAllSince(ctx context.Context, objectID string, since time.Time) ([]bas.TrendSample, error)
}

// SampleSink receives newly imported samples.
type SampleSink interface {
	PublishSamples(ctx context.Context, objectID string, samples []bas.TrendSample) error
}

// StateStore persists per-sensor import progress.
type StateStore interface {
	Load(ctx context.Context) (map[string]models.SensorState, error)
	Save(ctx context.Context, state *models.SensorState) error
}
