package datasource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// bybitMaxLimit is Bybit's per-request kline record cap.
const bybitMaxLimit = 200

// BybitSource fetches daily klines from the Bybit v5 spot API.
// Kline rows arrive newest-first with ms epoch open times and string
// prices; everything is normalized before leaving this package.
type BybitSource struct {
	client  *httpClient
	baseURL string
	logger  *zap.Logger
}

// NewBybitSource creates a Bybit-backed data source.
func NewBybitSource(cfg types.SourceConfig, httpTimeout time.Duration, maxRetries int, logger *zap.Logger) *BybitSource {
	return &BybitSource{
		client:  newHTTPClient("bybit", httpTimeout, cfg.RPS, cfg.Burst, maxRetries, logger),
		baseURL: cfg.BaseURL,
		logger:  logger,
	}
}

// DataSourceID returns the stable source identifier.
func (s *BybitSource) DataSourceID() string { return "bybit" }

// SupportsSymbol reports whether Bybit lists the instrument.
func (s *BybitSource) SupportsSymbol(instrument types.Instrument) bool {
	return instrument.Valid()
}

func (s *BybitSource) symbol(instrument types.Instrument) string {
	return instrument.BaseCurrency() + "USDT"
}

type bybitKlineResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Symbol string     `json:"symbol"`
		List   [][]string `json:"list"`
	} `json:"result"`
}

// FetchHistoricalData returns daily bars with open time in [From, To),
// ascending, paginating past the 200-record cap.
func (s *BybitSource) FetchHistoricalData(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error) {
	if !s.SupportsSymbol(instrument) {
		return nil, &FetchError{Source: s.DataSourceID(), Instrument: instrument,
			Err: fmt.Errorf("symbol not supported")}
	}

	// A capped window keeps the newest rows, so pagination walks the end
	// cursor backwards until the range is covered.
	var bars []types.OHLCV
	to := tr.To

	for tr.From.Before(to) {
		page, err := s.fetchPage(ctx, instrument, tr.From, to, bybitMaxLimit)
		if err != nil {
			return nil, &FetchError{Source: s.DataSourceID(), Instrument: instrument, Err: err}
		}
		if len(page) == 0 {
			break
		}
		bars = append(page, bars...)
		// Pages are ascending after normalization; the oldest open time
		// returned bounds the next page exclusively.
		to = page[0].Timestamp
	}

	return bars, nil
}

// FetchLatestData returns the most recent daily bar.
func (s *BybitSource) FetchLatestData(ctx context.Context, instrument types.Instrument) (*types.OHLCV, error) {
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

func (s *BybitSource) fetchPage(ctx context.Context, instrument types.Instrument, from, to time.Time, limit int) ([]types.OHLCV, error) {
	q := url.Values{}
	q.Set("category", "spot")
	q.Set("symbol", s.symbol(instrument))
	q.Set("interval", "D")
	q.Set("start", strconv.FormatInt(from.UnixMilli(), 10))
	q.Set("end", strconv.FormatInt(to.Add(-time.Millisecond).UnixMilli(), 10))
	q.Set("limit", strconv.Itoa(limit))

	body, err := s.client.getJSON(ctx, s.baseURL+"/v5/market/kline?"+q.Encode())
	if err != nil {
		return nil, err
	}

	var resp bybitKlineResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse kline response: %w", err)
	}
	if resp.RetCode != 0 {
		return nil, fmt.Errorf("bybit error %d: %s", resp.RetCode, resp.RetMsg)
	}

	// Bybit lists klines newest-first; walk backwards to emit ascending.
	bars := make([]types.OHLCV, 0, len(resp.Result.List))
	for i := len(resp.Result.List) - 1; i >= 0; i-- {
		row := resp.Result.List[i]
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

func (s *BybitSource) parseRow(instrument types.Instrument, row []string) (types.OHLCV, error) {
	if len(row) < 6 {
		return types.OHLCV{}, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}
	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return types.OHLCV{}, fmt.Errorf("bad kline timestamp %q: %w", row[0], err)
	}

	open, err := parsePrice(row[1])
	if err != nil {
		return types.OHLCV{}, err
	}
	high, err := parsePrice(row[2])
	if err != nil {
		return types.OHLCV{}, err
	}
	low, err := parsePrice(row[3])
	if err != nil {
		return types.OHLCV{}, err
	}
	closePrice, err := parsePrice(row[4])
	if err != nil {
		return types.OHLCV{}, err
	}
	volume, err := parseVolume(row[5])
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

// Healthy probes the public server-time endpoint.
func (s *BybitSource) Healthy(ctx context.Context) bool {
	_, err := s.client.getJSON(ctx, s.baseURL+"/v5/market/time")
	return err == nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad price %q: %w", raw, err)
	}
	return d.Round(types.PriceScale), nil
}

func parseVolume(raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("bad volume %q: %w", raw, err)
	}
	return d.Round(types.VolumeScale), nil
}
