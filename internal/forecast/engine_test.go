package forecast

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/masterdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

type usageSpy struct {
	calls []string
}

func (u *usageSpy) MarkUsed(instrument types.Instrument, version string) {
	u.calls = append(u.calls, string(instrument)+"/"+version)
}

func dp(v float64) *decimal.Decimal {
	d := decimal.NewFromFloat(v)
	return &d
}

// mrec builds a master record. A zero demean with hasDiff=false models a
// record whose differences were never computed.
func mrec(instrument types.Instrument, day time.Time, open, close, demean float64, hasDiff bool) types.MasterDataRecord {
	o := decimal.NewFromFloat(open)
	c := decimal.NewFromFloat(close)
	rec := types.MasterDataRecord{
		Instrument: instrument,
		Timestamp:  day,
		OpenPrice:  o,
		ClosePrice: c,
		OC:         o.Sub(c),
	}
	if hasDiff {
		rec.DiffOC = dp(demean)
		rec.DemeanDiffOC = dp(demean)
	}
	return rec
}

func newTestEngine() (*Engine, *marketdata.MemoryBarStore, *masterdata.MemoryStore, *usageSpy) {
	bars := marketdata.NewMemoryBarStore()
	master := masterdata.NewMemoryStore()
	usage := &usageSpy{}
	engine := NewEngine(zap.NewNop(), bars, master, usage, metrics.NewNop(), nil)
	return engine, bars, master, usage
}

func arModel(instrument types.Instrument, mean, sigma2 float64, coefs ...float64) *types.ARModel {
	return &types.ARModel{
		Instrument:   instrument,
		POrder:       len(coefs),
		Coefficients: coefs,
		MeanDiffOC:   mean,
		Sigma2:       sigma2,
		ModelVersion: "20240601",
	}
}

// A full series of 60 records ending the day before the target, with the
// last three demeaned differences pinned to known lag values.
func TestSingleForecastExactPrediction(t *testing.T) {
	engine, _, _, usage := newTestEngine()
	instrument := types.InstrumentBTC
	model := arModel(instrument, 0.5, 0.25, 0.4, -0.2, 0.1)

	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	var master []types.MasterDataRecord
	for i := 60; i >= 1; i-- {
		day := target.AddDate(0, 0, -i)
		master = append(master, mrec(instrument, day, 200, 199, 0.25, true))
	}
	// Lags in reverse chronological order: L1=2, L2=1, L3=-1.
	master[57] = mrec(instrument, target.AddDate(0, 0, -3), 200, 199, -1, true)
	master[58] = mrec(instrument, target.AddDate(0, 0, -2), 200, 199, 1, true)
	master[59] = mrec(instrument, target.AddDate(0, 0, -1), 100, 97, 2, true)

	results, err := engine.Forecast(context.Background(), Request{
		Instrument:  instrument,
		Master:      master,
		Model:       model,
		StartDate:   target,
		EndDate:     target,
		ExecutionID: "exec_test",
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	got := results[0]

	// 0.5 + 0.4*2 - 0.2*1 + 0.1*(-1) = 1.0, on a basis of oc=3, open=100.
	assert.InDelta(t, 1.0, got.PredictedDiffOC, 1e-12)
	assert.InDelta(t, 4.0, got.PredictedOC, 1e-12)
	assert.InDelta(t, 0.04, got.ExpectedReturn, 1e-12)
	assert.Equal(t, types.ForecastStatusSuccess, got.Status)
	assert.InDelta(t, 0.8, got.Confidence, 1e-12)
	assert.False(t, got.StaleBasis)
	assert.Equal(t, 3, got.AROrder)
	assert.Equal(t, 60, got.DataPointsUsed)
	assert.Equal(t, "20240601", got.ModelVersion)
	assert.InDelta(t, 0.25, got.MSE, 1e-12)
	assert.InDelta(t, 0.5, got.StdErr, 1e-12)
	assert.Equal(t, master[0].Timestamp, got.DataRangeStart)
	assert.Equal(t, master[59].Timestamp, got.DataRangeEnd)
	assert.Equal(t, []string{"BTC/20240601"}, usage.calls)
}

// Backtest over three days with one lag day absent from the series: the
// missing lag is substituted with zero, counted, and never fails the day.
func TestRangeForecastMissingLagSubstitution(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	instrument := types.InstrumentETH
	model := arModel(instrument, 0, 1.0, 0.5, 0.5)

	day := func(d int) time.Time { return time.Date(2024, 2, d, 0, 0, 0, 0, time.UTC) }
	mar := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	master := []types.MasterDataRecord{
		mrec(instrument, day(25), 40, 39, 0.1, true),
		mrec(instrument, day(26), 42, 41, 0.2, true),
		mrec(instrument, day(27), 44, 43, 0.2, true),
		// Feb 28 missing.
		mrec(instrument, day(29), 50, 49, 0.4, true),
		mrec(instrument, mar(1), 52, 51, 0.6, true),
		mrec(instrument, mar(2), 54, 53, 0.8, true),
	}

	results, err := engine.Forecast(context.Background(), Request{
		Instrument:  instrument,
		Master:      master,
		Model:       model,
		StartDate:   mar(1),
		EndDate:     mar(3),
		ExecutionID: "exec_test",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	// Mar 1: L1 = Feb 29 (0.4), L2 = Feb 28 absent -> 0.
	assert.Equal(t, 1, results[0].MissingLags)
	assert.InDelta(t, 0.2, results[0].PredictedDiffOC, 1e-12)
	assert.InDelta(t, 1.2, results[0].PredictedOC, 1e-12) // basis Feb 29: oc=1
	assert.InDelta(t, 1.2/50, results[0].ExpectedReturn, 1e-12)

	assert.Equal(t, 0, results[1].MissingLags)
	assert.Equal(t, 0, results[2].MissingLags)
	for _, r := range results {
		assert.Equal(t, types.ForecastStatusSuccess, r.Status)
		assert.InDelta(t, 0.7, r.Confidence, 1e-12)
	}
}

func TestRangeForecastZeroMarkerOnMissingBasis(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	instrument := types.InstrumentETH
	model := arModel(instrument, 0, 1.0, 0.5)

	mar := func(d int) time.Time { return time.Date(2024, 3, d, 0, 0, 0, 0, time.UTC) }
	// No Feb 29 record: Mar 1 has no basis.
	master := []types.MasterDataRecord{
		mrec(instrument, mar(1), 52, 51, 0.6, true),
		mrec(instrument, mar(2), 54, 53, 0.8, true),
	}

	results, err := engine.Forecast(context.Background(), Request{
		Instrument:  instrument,
		Master:      master,
		Model:       model,
		StartDate:   mar(1),
		EndDate:     mar(3),
		ExecutionID: "exec_test",
	})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, types.ForecastStatusFailed, results[0].Status)
	assert.NotEmpty(t, results[0].ErrorMessage)
	assert.Equal(t, types.ForecastStatusSuccess, results[1].Status)
	assert.Equal(t, types.ForecastStatusSuccess, results[2].Status)
	for _, r := range results {
		assert.InDelta(t, 0.7*2.0/3.0, r.Confidence, 1e-12)
	}
}

// With every coefficient zeroed out except one unit weight, the prediction
// collapses to mean plus that single lag.
func TestSingleForecastLinearity(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	instrument := types.InstrumentBTC
	model := arModel(instrument, 0.5, 1.0, 0, 1.0)

	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	master := []types.MasterDataRecord{
		mrec(instrument, target.AddDate(0, 0, -3), 100, 99, 0.3, true),
		mrec(instrument, target.AddDate(0, 0, -2), 100, 99, 0.7, true),
		mrec(instrument, target.AddDate(0, 0, -1), 100, 98, 0.9, true),
	}

	results, err := engine.Forecast(context.Background(), Request{
		Instrument: instrument, Master: master, Model: model,
		StartDate: target, EndDate: target, ExecutionID: "exec_test",
	})
	require.NoError(t, err)
	// mean 0.5 plus L2 = 0.7.
	assert.InDelta(t, 1.2, results[0].PredictedDiffOC, 1e-12)
}

func TestSingleConfidenceDeductions(t *testing.T) {
	assert.InDelta(t, 0.8, singleConfidence(60, 0.01), 1e-12)
	assert.InDelta(t, 0.7, singleConfidence(40, 0.01), 1e-12)
	assert.InDelta(t, 0.5, singleConfidence(20, 0.01), 1e-12)
}

func TestStaleBasisFlagged(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	instrument := types.InstrumentBTC
	model := arModel(instrument, 0, 1.0, 0.5)

	// Series ends four days before the target.
	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	master := []types.MasterDataRecord{
		mrec(instrument, target.AddDate(0, 0, -5), 100, 99, 0.3, true),
		mrec(instrument, target.AddDate(0, 0, -4), 100, 97, 0.4, true),
	}

	results, err := engine.Forecast(context.Background(), Request{
		Instrument: instrument, Master: master, Model: model,
		StartDate: target, EndDate: target, ExecutionID: "exec_test",
	})
	require.NoError(t, err)
	got := results[0]
	assert.True(t, got.StaleBasis)
	// Basis falls back to the newest record: oc=3, open=100.
	assert.InDelta(t, 0.4+3, got.PredictedOC, 1e-12)
}

// A zero demeaned difference in a lag position triggers recomputation from
// persisted bars; the healed record is also written back to the store.
func TestSelfHealRecomputesLagFromBars(t *testing.T) {
	engine, bars, masterStore, _ := newTestEngine()
	ctx := context.Background()
	instrument := types.InstrumentBTC
	model := arModel(instrument, 0.5, 1.0, 1.0)

	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	lagDay := target.AddDate(0, 0, -1)
	require.NoError(t, bars.UpsertAll(ctx, instrument, []types.OHLCV{
		{Timestamp: lagDay.AddDate(0, 0, -1), Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(97), Close: decimal.NewFromInt(98), Volume: decimal.NewFromInt(1), Currency: "USD"},
		{Timestamp: lagDay, Open: decimal.NewFromInt(100), High: decimal.NewFromInt(101),
			Low: decimal.NewFromInt(96), Close: decimal.NewFromInt(97), Volume: decimal.NewFromInt(1), Currency: "USD"},
	}))

	master := []types.MasterDataRecord{
		mrec(instrument, lagDay.AddDate(0, 0, -1), 100, 98, 0.3, true),
		mrec(instrument, lagDay, 100, 97, 0, false), // differences never computed
	}

	results, err := engine.Forecast(ctx, Request{
		Instrument: instrument, Master: master, Model: model,
		StartDate: target, EndDate: target, ExecutionID: "exec_test",
	})
	require.NoError(t, err)
	got := results[0]

	// Healed lag: diff = 3 - 2 = 1, demean = 1 - 0.5 = 0.5.
	// Prediction: 0.5 + 1.0*0.5 = 1.0 on basis oc=3, open=100.
	assert.InDelta(t, 1.0, got.PredictedDiffOC, 1e-12)
	assert.InDelta(t, 4.0, got.PredictedOC, 1e-12)
	assert.InDelta(t, 0.04, got.ExpectedReturn, 1e-12)

	healed, err := masterStore.FindByRange(ctx, instrument, types.TimeRange{
		From: lagDay, To: lagDay.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	require.Len(t, healed, 1)
	assert.True(t, healed[0].HasDifferences())
}

func TestSelfHealFailsWithoutBars(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	instrument := types.InstrumentBTC
	model := arModel(instrument, 0.5, 1.0, 1.0)

	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	master := []types.MasterDataRecord{
		mrec(instrument, target.AddDate(0, 0, -2), 100, 98, 0.3, true),
		mrec(instrument, target.AddDate(0, 0, -1), 100, 97, 0, false),
	}

	_, err := engine.Forecast(context.Background(), Request{
		Instrument: instrument, Master: master, Model: model,
		StartDate: target, EndDate: target, ExecutionID: "exec_test",
	})
	require.Error(t, err)

	var lagErr *LagExtractionError
	require.ErrorAs(t, err, &lagErr)
	assert.Equal(t, 1, lagErr.LagIndex)
	assert.Equal(t, target.AddDate(0, 0, -1), lagErr.Day)
}

func TestForecastRequestValidation(t *testing.T) {
	engine, _, _, _ := newTestEngine()
	target := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	master := []types.MasterDataRecord{
		mrec(types.InstrumentBTC, target.AddDate(0, 0, -1), 100, 97, 0.3, true),
	}

	_, err := engine.Forecast(context.Background(), Request{
		Instrument: types.InstrumentBTC, Master: master,
		StartDate: target, EndDate: target,
	})
	assert.Error(t, err, "nil model")

	_, err = engine.Forecast(context.Background(), Request{
		Instrument: types.InstrumentBTC, Master: master,
		Model:     arModel(types.InstrumentETH, 0, 1.0, 0.5),
		StartDate: target, EndDate: target,
	})
	assert.Error(t, err, "model instrument mismatch")

	_, err = engine.Forecast(context.Background(), Request{
		Instrument: types.InstrumentBTC, Master: master,
		Model:     arModel(types.InstrumentBTC, 0, 1.0, 0.5, 0.2),
		StartDate: target, EndDate: target,
	})
	assert.Error(t, err, "series shorter than model order")

	_, err = engine.Forecast(context.Background(), Request{
		Instrument: types.InstrumentBTC, Master: master,
		Model:     arModel(types.InstrumentBTC, 0, 1.0, 0.5),
		StartDate: target, EndDate: target.AddDate(0, 0, -1),
	})
	assert.Error(t, err, "inverted date order")
}
