package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// binanceMaxLimit is Binance's per-request kline record cap.
const binanceMaxLimit = 1000

// BinanceSource fetches daily klines from the Binance spot API. Rows come
// ascending as heterogeneous JSON arrays with ms epoch open times.
type BinanceSource struct {
	client  *httpClient
	baseURL string
	logger  *zap.Logger
}

// NewBinanceSource creates a Binance-backed data source.
func NewBinanceSource(cfg types.SourceConfig, httpTimeout time.Duration, maxRetries int, logger *zap.Logger) *BinanceSource {
	return &BinanceSource{
		client:  newHTTPClient("binance", httpTimeout, cfg.RPS, cfg.Burst, maxRetries, logger),
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// DataSourceID returns the stable source identifier.
func (s *BinanceSource) DataSourceID() string { return "binance" }

// SupportsSymbol reports whether Binance lists the instrument.
func (s *BinanceSource) SupportsSymbol(instrument types.Instrument) bool {
	return instrument.Valid()
}

func (s *BinanceSource) symbol(instrument types.Instrument) string {
	return instrument.BaseCurrency() + "USDT"
}

// FetchHistoricalData returns daily bars with open time in [From, To),
// ascending, paginating past the 1000-record cap.
func (s *BinanceSource) FetchHistoricalData(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error) {
	if !s.SupportsSymbol(instrument) {
		return nil, &FetchError{Source: s.DataSourceID(), Instrument: instrument,
			Err: fmt.Errorf("symbol not supported")}
	}

	var bars []types.OHLCV
	cursor := tr.From

	for cursor.Before(tr.To) {
		page, err := s.fetchPage(ctx, instrument, cursor, tr.To, binanceMaxLimit)
		if err != nil {
			return nil, &FetchError{Source: s.DataSourceID(), Instrument: instrument, Err: err}
		}
		if len(page) == 0 {
			break
		}
		bars = append(bars, page...)
		cursor = page[len(page)-1].Timestamp.Add(24 * time.Hour)
	}

	return bars, nil
}

// FetchLatestData returns the most recent daily bar.
func (s *BinanceSource) FetchLatestData(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	now := time.Now().UTC()
	page, err := s.fetchPage(ctx, instrument, now.Add(-48*time.Hour), now.Add(24*time.Hour), 2)
	if err != nil {
		return nil, &FetchError{Source: s.DataSourceID(), Instrument: instrument, Err: err}
	}
	if len(page) == 0 {
		return nil, &FetchError{Source: s.DataSourceID(), Instrument: instrument,
			Err: fmt.Errorf("no recent kline returned")}
	}
	latest := page[len(page)-1]
	return &latest, nil
}

func (s *BinanceSource) fetchPage(ctx context.Context, instrument types.Instrument, from, to time.Time, limit int) ([]types.OHLCV, error) {
	q := url.Values{}
	q.Set("symbol", s.symbol(instrument))
	q.Set("interval", "1d")
	q.Set("startTime", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("endTime", strconv.FormatInt(to.Add(-time.Millisecond).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	body, err := s.client.getJSON(ctx, s.baseURL+"/api/v3/klines?"+q.Encode())
	if err != nil {
		return nil, err
	}

	// Binance klines are arrays of mixed numbers and strings:
	// [openTimeMs, "open", "high", "low", "close", "volume", closeTime, ...]
	var rows [][]json.RawMessage
	if err := json.Unmarshal(body, &rows); err != nil {
		return nil, fmt.Errorf("failed to parse klines response: %w", err)
	}

	bars := make([]types.OHLCV, 0, len(rows))
	for _, row := range rows {
		bar, err := s.parseRow(instrument, row)
		if err != nil {
			return nil, err
		}
		if bar.Timestamp.Before(from) || !bar.Timestamp.Before(to) {
			continue
		}
		if err := bar.Validate(); err != nil {
			s.logger.Warn("dropping kline violating OHLC invariant",
				zap.String("source", s.DataSourceID()),
				zap.String("instrument", string(instrument)),
				zap.Error(err))
			continue
		}
		bars = append(bars, bar)
	}
	return bars, nil
}

func (s *BinanceSource) parseRow(instrument types.Instrument, row []json.RawMessage) (types.OHLCV, error) {
	if len(row) < 6 {
		return types.OHLCV{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}

	var ms int64
	if err := json.Unmarshal(row[0], &ms); err != nil {
		return types.OHLCV{}, fmt.Errorf("bad kline timestamp: %w", err)
	}

	fields := make([]string, 5)
	for i := 1; i <= 5; i++ {
		if err := json.Unmarshal(row[i], &fields[i-1]); err != nil {
			return types.OHLCV{}, fmt.Errorf("bad kline field %d: %w", i, err)
		}
	}

	open, err := parsePrice(fields[0])
	if err != nil {
		return types.OHLCV{}, err
	}
	high, err := parsePrice(fields[1])
	if err != nil {
		return types.OHLCV{}, err
	}
	low, err := parsePrice(fields[2])
	if err != nil {
		return types.OHLCV{}, err
	}
	closePrice, err := parsePrice(fields[3])
	if err != nil {
		return types.OHLCV{}, err
	}
	volume, err := parseVolume(fields[4])
	if err != nil {
		return types.OHLCV{}, err
	}

	return types.OHLCV{
		Timestamp: time.UnixMilli(ms).UTC(),
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePrice,
		Volume:    volume,
		Currency:  instrument.QuoteCurrency(),
	}, nil
}

// Healthy probes the public ping endpoint.
func (s *BinanceSource) Healthy(ctx context.Context) bool {
	_, err := s.client.getJSON(ctx, s.baseURL+"/api/v3/ping")
	return err == nil
}
