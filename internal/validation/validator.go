// Package validation checks ingested bar batches before they are merged.
package validation

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// Result carries the outcome of validating one batch. Errors make the
// batch unusable; warnings are attached to the ingestion report but do
// not reject data.
type Result struct {
	Errors   []string
	Warnings []string
}

// Valid reports whether the batch may be merged.
func (r Result) Valid() bool { return len(r.Errors) == 0 }

// BatchValidator validates bar batches against ordering, OHLC, currency,
// gap, and jump rules.
type BatchValidator struct {
	logger *zap.Logger

	// JumpThresholdPct flags close-to-open moves larger than this
	// percentage as suspicious.
	JumpThresholdPct float64
}

// NewBatchValidator creates a validator with the given jump threshold.
func NewBatchValidator(logger *zap.Logger, jumpThresholdPct float64) *BatchValidator {
	if jumpThresholdPct <= 0 {
		jumpThresholdPct = 20.0
	}
	return &BatchValidator{logger: logger, JumpThresholdPct: jumpThresholdPct}
}

// Validate checks a batch for the given instrument. prevTail is the last
// bar of the previous batch (or nil); it anchors the cross-batch gap and
// jump checks.
func (v *BatchValidator) Validate(instrument types.Instrument, bars []types.OHLCV, prevTail *types.OHLCV) Result {
	var res Result
	if len(bars) == 0 {
		return res
	}

	seen := make(map[int64]bool, len(bars))
	for i, bar := range bars {
		ts := bar.Timestamp.UTC()

		if i > 0 && !bars[i-1].Timestamp.Before(bar.Timestamp) {
			res.Errors = append(res.Errors,
				fmt.Sprintf("timestamps out of order at index %d (%s)", i, ts.Format(time.RFC3339)))
		}
		if seen[ts.UnixNano()] {
			res.Errors = append(res.Errors,
				fmt.Sprintf("duplicate timestamp within batch: %s", ts.Format(time.RFC3339)))
		}
		seen[ts.UnixNano()] = true

		if err := bar.Validate(); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		if bar.Currency != "" && bar.Currency != instrument.QuoteCurrency() {
			res.Errors = append(res.Errors,
				fmt.Sprintf("currency mismatch at %s: bar in %s, instrument quotes %s",
					ts.Format(time.RFC3339), bar.Currency, instrument.QuoteCurrency()))
		}
	}

	v.checkContinuity(bars, prevTail, &res)

	if len(res.Errors) > 0 {
		v.logger.Warn("batch rejected",
			zap.String("instrument", string(instrument)),
			zap.Int("bars", len(bars)),
			zap.Strings("errors", res.Errors))
	}
	return res
}

// checkContinuity emits gap and jump warnings across consecutive bars,
// including the seam against the previous batch tail.
func (v *BatchValidator) checkContinuity(bars []types.OHLCV, prevTail *types.OHLCV, res *Result) {
	prev := prevTail
	for i := range bars {
		bar := bars[i]
		if prev != nil {
			gap := bar.Timestamp.Sub(prev.Timestamp)
			if gap > 24*time.Hour {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("daily gap of %.0f days before %s",
						gap.Hours()/24, bar.Timestamp.UTC().Format("2006-01-02")))
			}
			if !prev.Close.IsZero() {
				move := bar.Open.Sub(prev.Close).Div(prev.Close).Abs().Mul(decimal.NewFromInt(100))
				if move.GreaterThan(decimal.NewFromFloat(v.JumpThresholdPct)) {
					res.Warnings = append(res.Warnings,
						fmt.Sprintf("close-to-open jump of %s%% at %s",
							move.StringFixed(2), bar.Timestamp.UTC().Format("2006-01-02")))
				}
			}
		}
		prev = &bars[i]
	}
}
