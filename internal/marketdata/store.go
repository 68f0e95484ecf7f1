// Package marketdata provides per-instrument storage of daily OHLCV bars.
package marketdata

import (
	"context"
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// BarStore is the per-instrument bar store. Within one instrument the
// timestamp is the identity; UpsertAll is last-write-wins on collision.
// Range queries are half-open on [From, To) so day-inclusive ranges built
// with types.TimeRangeFromDates enumerate exactly their calendar days.
type BarStore interface {
	// UpsertAll persists a batch atomically, replacing values on
	// duplicate timestamps.
	UpsertAll(ctx context.Context, instrument types.Instrument, bars []types.OHLCV) error

	// FindByRange returns bars with From <= ts < To, ascending.
	FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error)

	// FindTimestampsByRange is the lightweight projection used for gap
	// detection.
	FindTimestampsByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]time.Time, error)

	// Latest returns the most recent bar, or nil when the series is empty.
	Latest(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error)

	// Earliest returns the oldest bar, or nil when the series is empty.
	Earliest(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error)

	// CountByRange counts bars with From <= ts < To.
	CountByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (int, error)

	// HasRange reports whether every calendar day in the range has a bar.
	HasRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (bool, error)

	// DeleteAll wipes the instrument's series. Administrative use only.
	DeleteAll(ctx context.Context, instrument types.Instrument) error
}
