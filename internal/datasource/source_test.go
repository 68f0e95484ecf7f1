package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

func testSourceConfig(baseURL string) types.SourceConfig {
	return types.SourceConfig{BaseURL: baseURL, RPS: 1000, Burst: 1000}
}

// bybitHandler serves a fixed window of daily klines newest-first, honoring
// start/end/limit the way the v5 kline endpoint does.
func bybitHandler(t *testing.T, first time.Time, days int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/kline", r.URL.Path)
		require.Equal(t, "spot", r.URL.Query().Get("category"))
		require.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		start, _ := strconv.ParseInt(r.URL.Query().Get("start"), 10, 64)
		end, _ := strconv.ParseInt(r.URL.Query().Get("end"), 10, 64)
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

		var list [][]string
		for i := days - 1; i >= 0; i-- {
			day := first.AddDate(0, 0, i)
			ms := day.UnixMilli()
			if ms < start || ms > end {
				continue
			}
			// The cap keeps the newest rows, like the real endpoint.
			if len(list) >= limit {
				break
			}
			price := 100.0 + float64(i)
			list = append(list, []string{
				strconv.FormatInt(ms, 10),
				fmt.Sprintf("%.2f", price),
				fmt.Sprintf("%.2f", price+5),
				fmt.Sprintf("%.2f", price-5),
				fmt.Sprintf("%.2f", price+1),
				"123.456",
			})
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"retCode": 0,
			"retMsg":  "OK",
			"result":  map[string]any{"symbol": "BTCUSDT", "list": list},
		})
	}
}

func TestBybitFetchNormalizesNewestFirstRows(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(bybitHandler(t, first, 10))
	defer srv.Close()

	src := NewBybitSource(testSourceConfig(srv.URL), 5*time.Second, 0, zap.NewNop())
	bars, err := src.FetchHistoricalData(context.Background(), types.InstrumentBTC, types.TimeRange{
		From: first,
		To:   first.AddDate(0, 0, 10),
	})
	require.NoError(t, err)

	require.Len(t, bars, 10)
	for i, bar := range bars {
		assert.Equal(t, first.AddDate(0, 0, i), bar.Timestamp, "ascending after normalization")
		assert.Equal(t, "USD", bar.Currency)
	}
	open, _ := bars[0].Open.Float64()
	assert.Equal(t, 100.0, open)
}

func TestBybitFetchPaginatesPastRecordCap(t *testing.T) {
	// 300 days exceeds the 200-row cap, forcing a second page.
	first := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	var requests int32
	base := bybitHandler(t, first, 300)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&requests, 1)
		base(w, r)
	}))
	defer srv.Close()

	src := NewBybitSource(testSourceConfig(srv.URL), 5*time.Second, 0, zap.NewNop())
	bars, err := src.FetchHistoricalData(context.Background(), types.InstrumentBTC, types.TimeRange{
		From: first,
		To:   first.AddDate(0, 0, 300),
	})
	require.NoError(t, err)

	assert.Len(t, bars, 300)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&requests), int32(2))
	for i := 1; i < len(bars); i++ {
		assert.True(t, bars[i-1].Timestamp.Before(bars[i].Timestamp))
	}
}

func TestBybitErrorCodeBecomesFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"retCode": 10001, "retMsg": "params error", "result": map[string]any{},
		})
	}))
	defer srv.Close()

	src := NewBybitSource(testSourceConfig(srv.URL), 5*time.Second, 0, zap.NewNop())
	_, err := src.FetchHistoricalData(context.Background(), types.InstrumentBTC, types.TimeRange{
		From: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Contains(t, err.Error(), "10001")
}

func TestBinanceFetchParsesMixedTypeRows(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v3/klines", r.URL.Path)
		require.Equal(t, "ETHUSDT", r.URL.Query().Get("symbol"))
		require.Equal(t, "1d", r.URL.Query().Get("interval"))

		var rows []any
		for i := 0; i < 5; i++ {
			day := first.AddDate(0, 0, i)
			price := 2000.0 + float64(i)
			rows = append(rows, []any{
				day.UnixMilli(),
				fmt.Sprintf("%.2f", price),
				fmt.Sprintf("%.2f", price+20),
				fmt.Sprintf("%.2f", price-20),
				fmt.Sprintf("%.2f", price+10),
				"456.789",
				day.AddDate(0, 0, 1).UnixMilli() - 1,
			})
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	src := NewBinanceSource(testSourceConfig(srv.URL), 5*time.Second, 0, zap.NewNop())
	bars, err := src.FetchHistoricalData(context.Background(), types.InstrumentETH, types.TimeRange{
		From: first,
		To:   first.AddDate(0, 0, 5),
	})
	require.NoError(t, err)

	require.Len(t, bars, 5)
	open, _ := bars[2].Open.Float64()
	assert.Equal(t, 2002.0, open)
	vol, _ := bars[0].Volume.Float64()
	assert.Equal(t, 456.789, vol)
}

func TestBinanceDropsRowsViolatingOHLCInvariant(t *testing.T) {
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rows := []any{
			[]any{first.UnixMilli(), "100", "105", "95", "101", "10"},
			// High below low.
			[]any{first.AddDate(0, 0, 1).UnixMilli(), "100", "90", "95", "101", "10"},
			[]any{first.AddDate(0, 0, 2).UnixMilli(), "100", "105", "95", "101", "10"},
		}
		_ = json.NewEncoder(w).Encode(rows)
	}))
	defer srv.Close()

	src := NewBinanceSource(testSourceConfig(srv.URL), 5*time.Second, 0, zap.NewNop())
	bars, err := src.FetchHistoricalData(context.Background(), types.InstrumentETH, types.TimeRange{
		From: first,
		To:   first.AddDate(0, 0, 3),
	})
	require.NoError(t, err)
	assert.Len(t, bars, 2)
}

func TestClientRetriesTransientStatuses(t *testing.T) {
	var hits int32
	first := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode([]any{
			[]any{first.UnixMilli(), "100", "105", "95", "101", "10"},
		})
	}))
	defer srv.Close()

	src := NewBinanceSource(testSourceConfig(srv.URL), 5*time.Second, 3, zap.NewNop())
	bars, err := src.FetchHistoricalData(context.Background(), types.InstrumentETH, types.TimeRange{
		From: first,
		To:   first.AddDate(0, 0, 1),
	})
	require.NoError(t, err)
	assert.Len(t, bars, 1)
	assert.Equal(t, int32(3), atomic.LoadInt32(&hits))
}

func TestClientStopsOnTerminalStatus(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	src := NewBinanceSource(testSourceConfig(srv.URL), 5*time.Second, 3, zap.NewNop())
	_, err := src.FetchLatestData(context.Background(), types.InstrumentETH)
	require.Error(t, err)
	assert.True(t, IsFetchError(err))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "4xx other than 429 is not retried")
}

func TestFactoryResolution(t *testing.T) {
	factory := NewFactory("bybit")
	bybit := NewBybitSource(testSourceConfig("http://localhost"), time.Second, 0, zap.NewNop())
	binance := NewBinanceSource(testSourceConfig("http://localhost"), time.Second, 0, zap.NewNop())
	factory.Register(bybit)
	factory.Register(binance)

	got, err := factory.Get("")
	require.NoError(t, err)
	assert.Equal(t, "bybit", got.DataSourceID())

	got, err = factory.Get("BINANCE")
	require.NoError(t, err)
	assert.Equal(t, "binance", got.DataSourceID())

	_, err = factory.Get("kraken")
	assert.Error(t, err)

	assert.Equal(t, []string{"binance", "bybit"}, factory.IDs())
}
