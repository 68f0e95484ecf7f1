// Package types provides shared type definitions for the forecasting backend.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceScale is the fixed decimal scale for all persisted prices.
const PriceScale int32 = 8

// VolumeScale is the fixed decimal scale for traded volumes.
const VolumeScale int32 = 6

// Instrument identifies a tradeable crypto asset. The set is closed:
// all storage is partitioned per instrument, so adding one means adding
// tables and model artifacts, not just a constant.
type Instrument string

const (
	InstrumentBTC Instrument = "BTC"
	InstrumentETH Instrument = "ETH"
)

// AllInstruments lists every supported instrument.
var AllInstruments = []Instrument{InstrumentBTC, InstrumentETH}

// ParseInstrument resolves a code (case-insensitive) to an Instrument.
func ParseInstrument(code string) (Instrument, error) {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "BTC":
		return InstrumentBTC, nil
	case "ETH":
		return InstrumentETH, nil
	default:
		return "", fmt.Errorf("unknown instrument code %q", code)
	}
}

// Valid reports whether the instrument is one of the supported codes.
func (i Instrument) Valid() bool {
	return i == InstrumentBTC || i == InstrumentETH
}

// Name returns the human-readable asset name.
func (i Instrument) Name() string {
	switch i {
	case InstrumentBTC:
		return "Bitcoin"
	case InstrumentETH:
		return "Ethereum"
	default:
		return string(i)
	}
}

// QuoteCurrency returns the quote currency; every supported pair quotes in USD.
func (i Instrument) QuoteCurrency() string { return "USD" }

// BaseCurrency returns the base currency code.
func (i Instrument) BaseCurrency() string { return string(i) }

// TableSuffix returns the per-instrument physical table suffix.
func (i Instrument) TableSuffix() string { return strings.ToLower(string(i)) }

// OHLCV represents a single daily candlestick.
type OHLCV struct {
	Timestamp time.Time       `json:"timestamp" db:"ts"`
	Open      decimal.Decimal `json:"open" db:"open"`
	High      decimal.Decimal `json:"high" db:"high"`
	Low       decimal.Decimal `json:"low" db:"low"`
	Close     decimal.Decimal `json:"close" db:"close"`
	Volume    decimal.Decimal `json:"volume" db:"volume"`
	Currency  string          `json:"currency" db:"currency"`
}

// Validate checks the OHLC invariant and price positivity.
func (b OHLCV) Validate() error {
	if b.Open.LessThanOrEqual(decimal.Zero) || b.High.LessThanOrEqual(decimal.Zero) ||
		b.Low.LessThanOrEqual(decimal.Zero) || b.Close.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("non-positive price at %s", b.Timestamp.Format(time.RFC3339))
	}
	if b.High.LessThan(decimal.Max(b.Open, b.Close)) {
		return fmt.Errorf("high %s below max(open, close) at %s", b.High, b.Timestamp.Format(time.RFC3339))
	}
	if b.Low.GreaterThan(decimal.Min(b.Open, b.Close)) {
		return fmt.Errorf("low %s above min(open, close) at %s", b.Low, b.Timestamp.Format(time.RFC3339))
	}
	if b.Volume.IsNegative() {
		return fmt.Errorf("negative volume at %s", b.Timestamp.Format(time.RFC3339))
	}
	return nil
}

// OC returns the open-to-close scalar. The whole system uses the
// open-minus-close convention; the forecast reconstruction depends on it,
// so do not flip the sign here without flipping it there.
func (b OHLCV) OC() decimal.Decimal {
	return b.Open.Sub(b.Close).Round(PriceScale)
}

// MasterDataRecord is one day of the derived series an AR model consumes.
// DiffOC and DemeanDiffOC are nil on the first record of a series, where
// no previous day exists to difference against.
type MasterDataRecord struct {
	Instrument         Instrument       `json:"instrument"`
	Timestamp          time.Time        `json:"timestamp"` // UTC midnight
	OpenPrice          decimal.Decimal  `json:"openPrice"`
	ClosePrice         decimal.Decimal  `json:"closePrice"`
	OC                 decimal.Decimal  `json:"oc"` // open - close
	DiffOC             *decimal.Decimal `json:"diffOc,omitempty"`
	DemeanDiffOC       *decimal.Decimal `json:"demeanDiffOc,omitempty"`
	MeanDiffOC         decimal.Decimal  `json:"meanDiffOc"`
	CalculationVersion string           `json:"calculationVersion"`
	CalculatedAt       time.Time        `json:"calculatedAt"`
	CreatedAt          time.Time        `json:"createdAt"`
}

// HasDifferences reports whether both derived differences are present.
func (r MasterDataRecord) HasDifferences() bool {
	return r.DiffOC != nil && r.DemeanDiffOC != nil
}

// ARModel is a pre-fitted pure-autoregressive model artifact.
// Coefficients are stored in lag-1..lag-p order.
type ARModel struct {
	Instrument   Instrument `json:"instrument"`
	POrder       int        `json:"pOrder"`
	Coefficients []float64  `json:"coefficients"`
	MeanDiffOC   float64    `json:"meanDiffOc"`
	Sigma2       float64    `json:"sigma2"`
	ModelVersion string     `json:"modelVersion"`
	CreatedAt    time.Time  `json:"createdAt"`
	LastUsed     time.Time  `json:"lastUsed"`
}

// Validate checks the order bounds and coefficient count.
func (m ARModel) Validate() error {
	if m.POrder < 1 || m.POrder > 50 {
		return fmt.Errorf("model order %d outside [1, 50]", m.POrder)
	}
	if len(m.Coefficients) != m.POrder {
		return fmt.Errorf("model has %d coefficients, expected %d", len(m.Coefficients), m.POrder)
	}
	if !m.Instrument.Valid() {
		return fmt.Errorf("model references unknown instrument %q", m.Instrument)
	}
	return nil
}

// ForecastStatus marks a forecast run outcome.
type ForecastStatus string

const (
	ForecastStatusSuccess ForecastStatus = "SUCCESS"
	ForecastStatusFailed  ForecastStatus = "FAILED"
)

// ForecastResult is the outcome of one forecast computation, either for a
// single target date or one day of a backtest range.
type ForecastResult struct {
	ExecutionID     string         `json:"executionId"`
	Instrument      Instrument     `json:"instrument"`
	ForecastDate    time.Time      `json:"forecastDate"`
	ExpectedReturn  float64        `json:"expectedReturn"`
	Confidence      float64        `json:"confidence"`
	Status          ForecastStatus `json:"status"`
	PredictedDiffOC float64        `json:"predictedDiffOc"`
	PredictedOC     float64        `json:"predictedOc"`
	AROrder         int            `json:"arOrder"`
	DataPointsUsed  int            `json:"dataPointsUsed"`
	ModelVersion    string         `json:"modelVersion"`
	DataRangeStart  time.Time      `json:"dataRangeStart"`
	DataRangeEnd    time.Time      `json:"dataRangeEnd"`
	MSE             float64        `json:"mse"`
	StdErr          float64        `json:"stdErr"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`

	// StaleBasis is set when the reconstruction base had to fall back to
	// a master record older than the literal previous calendar day.
	StaleBasis bool `json:"staleBasis,omitempty"`
	// MissingLags counts lags substituted with zero during range forecasting.
	MissingLags int       `json:"missingLags,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// QualityLevel buckets a quality score.
type QualityLevel string

const (
	QualityExcellent  QualityLevel = "EXCELLENT"
	QualityGood       QualityLevel = "GOOD"
	QualityAcceptable QualityLevel = "ACCEPTABLE"
	QualityPoor       QualityLevel = "POOR"
)

// QualityMetrics summarizes completeness of a per-instrument bar series.
type QualityMetrics struct {
	TotalPoints     int       `json:"totalPoints"`
	MissingPoints   int       `json:"missingPoints"`
	DuplicatePoints int       `json:"duplicatePoints"`
	CompletenessPct float64   `json:"completenessPct"`
	LastUpdated     time.Time `json:"lastUpdated"`
	DataSource      string    `json:"dataSource"`
}

/// Score returns the 0-100 quality score: completeness penalized by
// duplicates, with the duplicate penalty capped at 50 points.
func (q QualityMetrics) Score() float64 {
	dupPct := 0.0
	if q.TotalPoints > 0 {
		dupPct = float64(q.DuplicatePoints) / float64(q.TotalPoints) * 100
	}
	penalty := 2 * dupPct
	if penalty > 50 {
		penalty = 50
	}
	score := q.CompletenessPct - penalty
	if score < 0 {
		score = 0
	}
	return score
}

// Level buckets the score into a quality level.
func (q QualityMetrics) Level() QualityLevel {
	switch score := q.Score(); {
	case score >= 90:
		return QualityExcellent
	case score >= 70:
		return QualityGood
	case score >= 50:
		return QualityAcceptable
	default:
		return QualityPoor
	}
}

// InstrumentIngestion is the per-instrument slice of an ingestion report.
type InstrumentIngestion struct {
	Instrument Instrument     `json:"instrument"`
	Name       string         `json:"name"`
	Success    bool           `json:"success"`
	Cancelled  bool           `json:"cancelled,omitempty"`
	Processed  int            `json:"processed"`
	Earliest   time.Time      `json:"earliest,omitempty"`
	Latest     time.Time      `json:"latest,omitempty"`
	Quality    QualityMetrics `json:"quality,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Warnings   []string       `json:"warnings,omitempty"`
}

// IngestionReport is the outcome of one ingestion run. A failed instrument
// does not fail the run; callers inspect the per-instrument results.
type IngestionReport struct {
	ExecutionID string                             `json:"executionId"`
	Results     map[Instrument]InstrumentIngestion `json:"results"`
	StartedAt   time.Time                          `json:"startedAt"`
	CompletedAt time.Time                          `json:"completedAt"`
}

// AllSucceeded reports whether every requested instrument ingested cleanly.
func (r IngestionReport) AllSucceeded() bool {
	for _, res := range r.Results {
		if !res.Success {
			return false
		}
	}
	return true
}
