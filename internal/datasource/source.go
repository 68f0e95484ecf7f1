// Package datasource provides external exchange clients for historical
// daily OHLCV data.
package datasource

import (
	"context"
	"errors"
	"fmt"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// HistoricalDataSource abstracts an exchange's kline API. Implementations
// return daily bars closed on the requested range, sorted ascending, with
// no gaps unless the exchange itself lacks the day.
type HistoricalDataSource interface {
	// FetchHistoricalData returns daily bars for the instrument within
	// the range, paginating internally past the exchange's record cap.
	FetchHistoricalData(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error)

	// FetchLatestData returns the most recent daily bar.
	FetchLatestData(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error)

	// SupportsSymbol reports whether the exchange lists the instrument.
	SupportsSymbol(instrument types.Instrument) bool

	// DataSourceID returns the stable source identifier.
	DataSourceID() string

	// Healthy probes the exchange's availability.
	Healthy(ctx context.Context) bool
}

// FetchError wraps any network, HTTP, or parse failure from an exchange.
// It is recovered per-chunk by the ingestion pipeline, never swallowed.
type FetchError struct {
	Source     string
	Instrument types.Instrument
	Err        error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("external fetch from %s for %s failed: %v", e.Source, e.Instrument, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// IsFetchError reports whether err is (or wraps) a FetchError.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}
