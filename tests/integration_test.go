// Package tests provides end-to-end integration tests for the forecasting
// backend: ingestion through the HTTP surface, master-data preparation,
// model application, and forecast persistence.
package tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/api"
	"github.com/atlas-desktop/forecast-backend/internal/datasource"
	"github.com/atlas-desktop/forecast-backend/internal/forecast"
	"github.com/atlas-desktop/forecast-backend/internal/ingestion"
	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/masterdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/internal/models"
	"github.com/atlas-desktop/forecast-backend/internal/orchestrator"
	"github.com/atlas-desktop/forecast-backend/internal/validation"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// syntheticExchange serves deterministic daily bars for any range, standing
// in for Bybit/Binance.
type syntheticExchange struct{}

func (s *syntheticExchange) bar(day time.Time) types.OHLCV {
	drift := float64(day.YearDay() % 5)
	open := 50000 + drift*10
	return types.OHLCV{
		Timestamp: day,
		Open:      decimal.NewFromFloat(open),
		High:      decimal.NewFromFloat(open + 200),
		Low:       decimal.NewFromFloat(open - 200),
		Close:     decimal.NewFromFloat(open - 50 + drift*5),
		Volume:    decimal.NewFromFloat(1000),
		Currency:  "USD",
	}
}

func (s *syntheticExchange) FetchHistoricalData(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error) {
	var bars []types.OHLCV
	for _, day := range tr.Days() {
		bars = append(bars, s.bar(day))
	}
	return bars, nil
}

func (s *syntheticExchange) FetchLatestData(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	b := s.bar(types.StartOfDayUTC(time.Now().UTC()))
	return &b, nil
}

func (s *syntheticExchange) SupportsSymbol(instrument types.Instrument) bool { return true }
func (s *syntheticExchange) DataSourceID() string                            { return "synthetic" }
func (s *syntheticExchange) Healthy(ctx context.Context) bool                { return true }

type env struct {
	handler   http.Handler
	bars      *marketdata.MemoryBarStore
	forecasts *forecast.MemoryStore
}

func newEnv(t *testing.T) *env {
	t.Helper()
	logger := zap.NewNop()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	bars := marketdata.NewMemoryBarStore()
	factory := datasource.NewFactory("synthetic")
	factory.Register(&syntheticExchange{})

	cfg := types.DefaultIngestionConfig()
	cfg.ChunkDelay = 0

	pipeline := ingestion.NewPipeline(logger, cfg, bars, factory,
		validation.NewBatchValidator(logger, cfg.JumpThresholdPct), m, nil)

	dir := t.TempDir()
	artifact := `{"mean_diff_oc": 0.15, "sigma2": 2.5, "p": 3, "ar.L1": 0.35, "ar.L2": -0.12, "ar.L3": 0.05}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "btc_arima_model_20240501.json"), []byte(artifact), 0o644))
	modelStore, err := models.NewStore(logger, dir)
	require.NoError(t, err)

	masterStore := masterdata.NewMemoryStore()
	prep := masterdata.NewPipeline(logger, masterStore, bars, pipeline, m, nil)
	engine := forecast.NewEngine(logger, bars, masterStore, modelStore, m, nil)
	forecasts := forecast.NewMemoryStore()

	server := api.NewServer(logger,
		&types.ServerConfig{Host: "127.0.0.1", Port: 0, EnableMetrics: true},
		orchestrator.NewIngestionTask(logger, pipeline, cfg),
		orchestrator.NewForecastTask(logger, modelStore, prep, engine, forecasts),
		modelStore, registry)

	return &env{handler: server.Handler(), bars: bars, forecasts: forecasts}
}

func (e *env) post(t *testing.T, path string, payload map[string]any) (int, map[string]any) {
	t.Helper()
	body, err := json.Marshal(payload)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	e.handler.ServeHTTP(rec, req)

	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return rec.Code, out
}

func TestIngestThenForecastWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	e := newEnv(t)
	ctx := context.Background()

	status, out := e.post(t, "/api/v1/tasks/ingestion", map[string]any{
		"instrumentCodes": []string{"BTC"},
		"startDate":       "2024-01-01",
		"endDate":         "2024-05-31",
	})
	require.Equal(t, http.StatusOK, status, "ingestion response: %v", out)
	assert.Equal(t, true, out["taskCompleted"])

	count, err := e.bars.CountByRange(ctx, types.InstrumentBTC, types.TimeRangeFromDates(
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 5, 31, 0, 0, 0, 0, time.UTC)))
	require.NoError(t, err)
	assert.Equal(t, 152, count, "one daily bar per calendar day")

	status, out = e.post(t, "/api/v1/tasks/forecast", map[string]any{
		"instrumentCode":            "BTC",
		"startDate":                 "2024-05-20",
		"endDate":                   "2024-05-25",
		"arimaModelVersion":         "20240501",
		"includeCalculationDetails": true,
	})
	require.Equal(t, http.StatusOK, status, "forecast response: %v", out)
	assert.Equal(t, true, out["taskCompleted"])
	assert.Equal(t, float64(6), out["successfulForecasts"])
	assert.Equal(t, true, out["allForecastsSuccessful"])
	assert.Contains(t, out, "results")

	stored, err := e.forecasts.FindByModelVersion(ctx, types.InstrumentBTC, "20240501")
	require.NoError(t, err)
	require.Len(t, stored, 6)
	for _, result := range stored {
		assert.Equal(t, types.ForecastStatusSuccess, result.Status)
		assert.InDelta(t, 0.7, result.Confidence, 1e-9)
		assert.NotZero(t, result.PredictedOC)
	}

	// Re-running the same forecast overwrites by identity key instead of
	// duplicating rows.
	status, _ = e.post(t, "/api/v1/tasks/forecast", map[string]any{
		"instrumentCode":    "BTC",
		"startDate":         "2024-05-20",
		"endDate":           "2024-05-25",
		"arimaModelVersion": "20240501",
	})
	require.Equal(t, http.StatusOK, status)
	stored, err = e.forecasts.FindByModelVersion(ctx, types.InstrumentBTC, "20240501")
	require.NoError(t, err)
	assert.Len(t, stored, 6)
}

func TestForecastWithoutModelIsBusinessError(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	e := newEnv(t)

	status, out := e.post(t, "/api/v1/tasks/forecast", map[string]any{
		"instrumentCode":    "ETH",
		"startDate":         "2024-05-20",
		"endDate":           "2024-05-21",
		"arimaModelVersion": "20240501",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "MODEL_NOT_FOUND", out["error"])
}

func TestMetricsExposition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	e := newEnv(t)

	status, _ := e.post(t, "/api/v1/tasks/ingestion", map[string]any{
		"instrumentCodes": []string{"ETH"},
		"startDate":       "2024-03-01",
		"endDate":         "2024-03-10",
	})
	require.Equal(t, http.StatusOK, status)

	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "forecast_bars_ingested_total")
}
