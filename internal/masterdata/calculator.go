package masterdata

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// CalculationVersion tags derived records with the formula revision used to
// compute them.
const CalculationVersion = "v2"

// Calculator derives master-data records from raw bars. The stored oc is
// open minus close; the same convention is applied in the forecast
// reconstruction so the expected-return sign stays coherent.
type Calculator struct {
	instrument types.Instrument
	meanDiffOC decimal.Decimal
}

// NewCalculator creates a calculator for one instrument demeaning with the
// given mean.
func NewCalculator(instrument types.Instrument, meanDiffOC float64) *Calculator {
	return &Calculator{
		instrument: instrument,
		meanDiffOC: decimal.NewFromFloat(meanDiffOC),
	}
}

// MeanDiffOC returns the mean used for demeaning.
func (c *Calculator) MeanDiffOC() decimal.Decimal {
	return c.meanDiffOC
}

// Compute derives the full record for bar, using prev for the first
// difference. prev must be the bar of the immediately preceding day.
func (c *Calculator) Compute(bar, prev types.OHLCV, at time.Time) types.MasterDataRecord {
	rec := c.ComputeBase(bar, at)

	diff := bar.OC().Sub(prev.OC()).Round(types.PriceScale)
	demean := diff.Sub(c.meanDiffOC).Round(types.PriceScale)
	rec.DiffOC = &diff
	rec.DemeanDiffOC = &demean
	return rec
}

// ComputeBase derives a record without differences, for series heads where
// no previous day exists.
func (c *Calculator) ComputeBase(bar types.OHLCV, at time.Time) types.MasterDataRecord {
	return types.MasterDataRecord{
		Instrument:         c.instrument,
		Timestamp:          types.StartOfDayUTC(bar.Timestamp),
		OpenPrice:          bar.Open,
		ClosePrice:         bar.Close,
		OC:                 bar.OC(),
		MeanDiffOC:         c.meanDiffOC,
		CalculationVersion: CalculationVersion,
		CalculatedAt:       at.UTC(),
	}
}

// EmpiricalMeanDiffOC averages the diff_oc of existing records, used as the
// demeaning fallback when no model supplies a mean.
func EmpiricalMeanDiffOC(records []types.MasterDataRecord) float64 {
	sum := decimal.Zero
	n := 0
	for _, rec := range records {
		if rec.DiffOC == nil {
			continue
		}
		sum = sum.Add(*rec.DiffOC)
		n++
	}
	if n == 0 {
		return 0
	}
	mean, _ := sum.Div(decimal.NewFromInt(int64(n))).Float64()
	return mean
}
