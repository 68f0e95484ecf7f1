package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/datasource"
	"github.com/atlas-desktop/forecast-backend/internal/forecast"
	"github.com/atlas-desktop/forecast-backend/internal/ingestion"
	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/masterdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/internal/models"
	"github.com/atlas-desktop/forecast-backend/internal/validation"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// syntheticSource serves a deterministic daily bar for any requested day.
// Prices drift slowly so the jump validator stays quiet.
type syntheticSource struct {
	id    string
	calls int
}

func (s *syntheticSource) bar(day time.Time) types.OHLCV {
	drift := float64(day.YearDay() % 7)
	open := 1000 + drift
	return types.OHLCV{
		Timestamp: day,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(open + 5),
		Low:       decimal.NewFromFloat(open - 5),
		Close:     decimal.NewFromFloat(open - 2 + drift/3),
		Volume:    decimal.NewFromFloat(100),
		Currency:  "USD",
	}
}

func (s *syntheticSource) FetchHistoricalData(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error) {
	s.calls++
	var bars []types.OHLCV
	for _, day := range tr.Days() {
		bars = append(bars, s.bar(day))
	}
	return bars, nil
}

func (s *syntheticSource) FetchLatestData(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	b := s.bar(types.StartOfDayUTC(time.Now().UTC()))
	return &b, nil
}

func (s *syntheticSource) SupportsSymbol(instrument types.Instrument) bool { return true }
func (s *syntheticSource) DataSourceID() string                           { return s.id }
func (s *syntheticSource) Healthy(ctx context.Context) bool               { return true }

type taskFixture struct {
	bars      *marketdata.MemoryBarStore
	source    *syntheticSource
	ingestion *IngestionTask
	forecast  *ForecastTask
	forecasts *forecast.MemoryStore
}

func newTaskFixture(t *testing.T, artifacts map[string]string) *taskFixture {
	t.Helper()
	logger := zap.NewNop()
	nop := metrics.NewNop()

	bars := marketdata.NewMemoryBarStore()
	source := &syntheticSource{id: "synthetic"}
	factory := datasource.NewFactory("synthetic")
	factory.Register(source)

	cfg := types.DefaultIngestionConfig()
	cfg.ChunkDelay = 0

	pipeline := ingestion.NewPipeline(logger, cfg, bars, factory,
		validation.NewBatchValidator(logger, cfg.JumpThresholdPct), nop, nil)

	dir := t.TempDir()
	for name, payload := range artifacts {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(payload), 0o644))
	}
	modelStore, err := models.NewStore(logger, dir)
	require.NoError(t, err)

	masterStore := masterdata.NewMemoryStore()
	prep := masterdata.NewPipeline(logger, masterStore, bars, pipeline, nop, nil)
	engine := forecast.NewEngine(logger, bars, masterStore, modelStore, nop, nil)
	forecasts := forecast.NewMemoryStore()

	return &taskFixture{
		bars:      bars,
		source:    source,
		ingestion: NewIngestionTask(logger, pipeline, cfg),
		forecast:  NewForecastTask(logger, modelStore, prep, engine, forecasts),
		forecasts: forecasts,
	}
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	var invalid *InvalidRequestError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, code, invalid.Code)
}

func TestIngestionTaskExplicitRange(t *testing.T) {
	fx := newTaskFixture(t, nil)

	out, err := fx.ingestion.Execute(context.Background(), map[string]any{
		"instrumentCodes": []any{"BTC", "eth"},
		"startDate":       "2024-01-01",
		"endDate":         "2024-01-10",
	})
	require.NoError(t, err)

	assert.Equal(t, true, out["taskCompleted"])
	assert.Equal(t, 2, out["instrumentsRequested"])
	assert.NotEmpty(t, out["executionId"])
	assert.Equal(t, false, out["launchNewInstruments"])

	count, err := fx.bars.CountByRange(context.Background(), types.InstrumentBTC,
		types.TimeRangeFromDates(
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, 10, count)
}

func TestIngestionTaskVariableValidation(t *testing.T) {
	fx := newTaskFixture(t, nil)
	ctx := context.Background()

	_, err := fx.ingestion.Execute(ctx, map[string]any{})
	requireCode(t, err, CodeMissingField)

	_, err = fx.ingestion.Execute(ctx, map[string]any{
		"instrumentCodes": []any{"DOGE"},
		"startDate":       "2024-01-01",
		"endDate":         "2024-01-02",
	})
	requireCode(t, err, CodeUnknownInstrument)

	_, err = fx.ingestion.Execute(ctx, map[string]any{
		"instrumentCodes": []any{"BTC"},
		"startDate":       "01/01/2024",
		"endDate":         "2024-01-02",
	})
	requireCode(t, err, CodeBadDate)

	_, err = fx.ingestion.Execute(ctx, map[string]any{
		"instrumentCodes": []any{"BTC"},
		"startDate":       "2024-01-10",
		"endDate":         "2024-01-01",
	})
	requireCode(t, err, CodeInvertedRange)

	_, err = fx.ingestion.Execute(ctx, map[string]any{
		"instrumentCodes": []any{"BTC"},
	})
	requireCode(t, err, CodeMissingField)

	_, err = fx.ingestion.Execute(ctx, map[string]any{
		"instrumentCodes": []any{"BTC"},
		"startDate":       "2024-01-01",
		"endDate":         "2024-01-02",
		"resource":        "nosuchexchange",
	})
	requireCode(t, err, CodeUnknownSource)
}

func TestForecastTaskBacktest(t *testing.T) {
	fx := newTaskFixture(t, map[string]string{
		"btc_arima_model_20240301.json": `{"mean_diff_oc": 0.1, "sigma2": 1.0, "p": 2, "ar.L1": 0.3, "ar.L2": 0.1}`,
	})

	out, err := fx.forecast.Execute(context.Background(), map[string]any{
		"instrumentCode":    "BTC",
		"startDate":         "2024-06-01",
		"endDate":           "2024-06-03",
		"arimaModelVersion": "20240301",
	})
	require.NoError(t, err)

	assert.Equal(t, true, out["taskCompleted"])
	assert.Equal(t, 3, out["successfulForecasts"])
	assert.Equal(t, 1, out["totalInstruments"])
	assert.Equal(t, "20240301", out["arimaModelVersion"])
	assert.Equal(t, true, out["allForecastsSuccessful"])
	assert.Equal(t, false, out["hasPartialFailures"])
	assert.NotContains(t, out, "results")

	stored, err := fx.forecasts.FindByModelVersion(context.Background(), types.InstrumentBTC, "20240301")
	require.NoError(t, err)
	assert.Len(t, stored, 3)
	assert.True(t, fx.source.calls > 0, "empty stores force a back-fill through ingestion")
}

func TestForecastTaskIncludesDetailsOnRequest(t *testing.T) {
	fx := newTaskFixture(t, map[string]string{
		"eth_arima_model_20240301.json": `{"mean_diff_oc": 0.0, "sigma2": 1.0, "p": 1, "ar.L1": 0.4}`,
	})

	out, err := fx.forecast.Execute(context.Background(), map[string]any{
		"instrumentCode":            "ETH",
		"startDate":                 "2024-06-01",
		"endDate":                   "2024-06-01",
		"arimaModelVersion":         "20240301",
		"includeCalculationDetails": true,
	})
	require.NoError(t, err)

	results, ok := out["results"].([]types.ForecastResult)
	require.True(t, ok)
	require.Len(t, results, 1)
	assert.Equal(t, types.ForecastStatusSuccess, results[0].Status)
}

func TestForecastTaskVariableValidation(t *testing.T) {
	fx := newTaskFixture(t, map[string]string{
		"btc_arima_model_20240301.json": `{"mean_diff_oc": 0.1, "sigma2": 1.0, "p": 1, "ar.L1": 0.3}`,
	})
	ctx := context.Background()

	_, err := fx.forecast.Execute(ctx, map[string]any{})
	requireCode(t, err, CodeMissingField)

	_, err = fx.forecast.Execute(ctx, map[string]any{"instrumentCode": "SOL"})
	requireCode(t, err, CodeUnknownInstrument)

	// Backtests never default the model version.
	_, err = fx.forecast.Execute(ctx, map[string]any{
		"instrumentCode": "BTC",
		"startDate":      "2024-06-01",
		"endDate":        "2024-06-03",
	})
	requireCode(t, err, CodeMissingField)

	_, err = fx.forecast.Execute(ctx, map[string]any{
		"instrumentCode":    "BTC",
		"startDate":         "2024-06-03",
		"endDate":           "2024-06-01",
		"arimaModelVersion": "20240301",
	})
	requireCode(t, err, CodeInvertedRange)

	_, err = fx.forecast.Execute(ctx, map[string]any{
		"instrumentCode":    "BTC",
		"startDate":         "2024-06-01",
		"endDate":           "2024-06-03",
		"arimaModelVersion": "20990101",
	})
	requireCode(t, err, CodeModelNotFound)
}
