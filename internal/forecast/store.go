package forecast

import (
	"context"
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// Store persists forecast results per instrument. The identity key is
// (forecastDate, modelVersion); upserting replaces the previous run's
// values, preserving created_at. Range reads are half-open [From, To).
type Store interface {
	Upsert(ctx context.Context, result types.ForecastResult) error
	UpsertAll(ctx context.Context, results []types.ForecastResult) error
	FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.ForecastResult, error)
	FindByModelVersion(ctx context.Context, instrument types.Instrument, version string) ([]types.ForecastResult, error)
	FindByExecutionID(ctx context.Context, instrument types.Instrument, executionID string) ([]types.ForecastResult, error)
	LatestPerModelVersion(ctx context.Context, instrument types.Instrument) (map[string]types.ForecastResult, error)
	Exists(ctx context.Context, instrument types.Instrument, forecastDate time.Time, version string) (bool, error)
	DeleteOlderThan(ctx context.Context, instrument types.Instrument, cutoff time.Time) (int64, error)
}
