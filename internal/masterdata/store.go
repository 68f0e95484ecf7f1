// Package masterdata maintains the per-instrument derived series (oc,
// diff_oc, demean_diff_oc) that the forecast engine consumes.
package masterdata

import (
	"context"
	"fmt"
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// Store persists derived records per instrument. Range reads are half-open
// [From, To), ascending by timestamp. Upsert preserves created_at and
// replaces every derived field.
type Store interface {
	FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.MasterDataRecord, error)
	FindWithDifferencesByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.MasterDataRecord, error)
	FindTimestampsByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]time.Time, error)
	LatestTimestamp(ctx context.Context, instrument types.Instrument) (*time.Time, error)
	Save(ctx context.Context, record types.MasterDataRecord) error
	SaveAll(ctx context.Context, records []types.MasterDataRecord) error
	Upsert(ctx context.Context, record types.MasterDataRecord) error
	CountByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (int, error)
	DeleteAll(ctx context.Context, instrument types.Instrument) error
}

// PriceDataUnavailableError reports that back-fill could not obtain the raw
// bars a derived record needs. Surfaced to the caller, never papered over.
type PriceDataUnavailableError struct {
	Instrument types.Instrument
	Range      types.TimeRange
	Day        time.Time // zero when the whole range is missing
}

func (e *PriceDataUnavailableError) Error() string {
	if !e.Day.IsZero() {
		return fmt.Sprintf("price data unavailable for %s on %s", e.Instrument, e.Day.Format("2006-01-02"))
	}
	return fmt.Sprintf("price data unavailable for %s over %s", e.Instrument, e.Range)
}

// InsufficientDataError reports that the prepared series is still shorter
// than the caller's requirement after back-fill.
type InsufficientDataError struct {
	Instrument types.Instrument
	Have       int
	Need       int
	Range      types.TimeRange
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient master data for %s: have %d, need %d over %s",
		e.Instrument, e.Have, e.Need, e.Range)
}
