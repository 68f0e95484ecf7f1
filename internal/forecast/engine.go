// Package forecast applies pre-fitted AR models to the derived master-data
// series and persists next-day expected-return predictions.
package forecast

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/events"
	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/masterdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// LagExtractionError reports an AR lag that could not be resolved even
// after single-record self-healing.
type LagExtractionError struct {
	Instrument types.Instrument
	Day        time.Time
	LagIndex   int
}

func (e *LagExtractionError) Error() string {
	return fmt.Sprintf("cannot extract lag L%d for %s on %s",
		e.LagIndex, e.Instrument, e.Day.Format("2006-01-02"))
}

// ModelUsageRecorder stamps a model on each successful invocation.
type ModelUsageRecorder interface {
	MarkUsed(instrument types.Instrument, version string)
}

// Request asks for a forecast. StartDate == EndDate selects single-date
// mode; EndDate after StartDate selects range (backtest) mode.
type Request struct {
	Instrument  types.Instrument
	Master      []types.MasterDataRecord
	Model       *types.ARModel
	StartDate   time.Time
	EndDate     time.Time
	ExecutionID string
}

// Engine computes forecasts. It is stateless across requests and safe for
// concurrent use; range-mode computation is single-threaded per request.
type Engine struct {
	logger  *zap.Logger
	bars    marketdata.BarStore
	master  masterdata.Store
	usage   ModelUsageRecorder
	metrics *metrics.Metrics
	bus     *events.Bus
}

// NewEngine wires a forecast engine.
func NewEngine(
	logger *zap.Logger,
	bars marketdata.BarStore,
	master masterdata.Store,
	usage ModelUsageRecorder,
	m *metrics.Metrics,
	bus *events.Bus,
) *Engine {
	return &Engine{
		logger:  logger,
		bars:    bars,
		master:  master,
		usage:   usage,
		metrics: m,
		bus:     bus,
	}
}

// Forecast dispatches on the request mode.
func (e *Engine) Forecast(ctx context.Context, req Request) ([]types.ForecastResult, error) {
	if err := e.checkRequest(req); err != nil {
		return nil, err
	}
	if req.StartDate.Equal(req.EndDate) {
		result, err := e.forecastSingle(ctx, req, req.StartDate)
		if err != nil {
			return nil, err
		}
		return []types.ForecastResult{result}, nil
	}
	return e.forecastRange(ctx, req)
}

func (e *Engine) checkRequest(req Request) error {
	if req.Model == nil {
		return fmt.Errorf("no model supplied for %s", req.Instrument)
	}
	if req.Model.Instrument != req.Instrument {
		return fmt.Errorf("model belongs to %s, requested %s", req.Model.Instrument, req.Instrument)
	}
	if err := req.Model.Validate(); err != nil {
		return err
	}
	if len(req.Master) < req.Model.POrder {
		return fmt.Errorf("master series of %d records shorter than model order %d",
			len(req.Master), req.Model.POrder)
	}
	if req.EndDate.Before(req.StartDate) {
		return fmt.Errorf("end date %s before start date %s",
			req.EndDate.Format("2006-01-02"), req.StartDate.Format("2006-01-02"))
	}
	return nil
}

// forecastSingle implements the single-date mode.
func (e *Engine) forecastSingle(ctx context.Context, req Request, target time.Time) (types.ForecastResult, error) {
	started := time.Now()
	model := req.Model
	target = types.StartOfDayUTC(target)

	lags, err := e.extractLags(ctx, req)
	if err != nil {
		return types.ForecastResult{}, err
	}

	predDemeanDiff := model.MeanDiffOC
	for i, coef := range model.Coefficients {
		predDemeanDiff += coef * lags[i]
	}

	prev, stale := basisRecord(req.Master, target)
	prevOC, _ := prev.OC.Float64()
	prevOpen, _ := prev.OpenPrice.Float64()

	predOC := predDemeanDiff + prevOC
	expectedReturn := 0.0
	if prevOpen != 0 {
		expectedReturn = predOC / prevOpen
	}

	result := e.buildResult(req, target, predDemeanDiff, predOC, expectedReturn, stale)
	result.Confidence = singleConfidence(len(req.Master), expectedReturn)
	result.ExecutionTimeMs = time.Since(started).Milliseconds()

	e.finish(result)
	return result, nil
}

// forecastRange implements the backtest mode: one prediction per calendar
// day in [StartDate, EndDate], missing lags substituted with zero.
func (e *Engine) forecastRange(ctx context.Context, req Request) ([]types.ForecastResult, error) {
	started := time.Now()
	model := req.Model

	byDay := make(map[time.Time]types.MasterDataRecord, len(req.Master))
	for _, rec := range req.Master {
		byDay[types.StartOfDayUTC(rec.Timestamp)] = rec
	}

	var results []types.ForecastResult
	valid := 0
	total := 0
	start := types.StartOfDayUTC(req.StartDate)
	end := types.StartOfDayUTC(req.EndDate)
	for day := start; !day.After(end); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		total++

		missing := 0
		predDemeanDiff := model.MeanDiffOC
		for i := 1; i <= model.POrder; i++ {
			lag := 0.0
			if rec, ok := byDay[day.AddDate(0, 0, -i)]; ok && rec.DemeanDiffOC != nil {
				lag, _ = rec.DemeanDiffOC.Float64()
			} else {
				missing++
				e.logger.Debug("missing lag substituted with zero",
					zap.String("instrument", string(req.Instrument)),
					zap.Time("day", day),
					zap.Int("lag", i))
			}
			predDemeanDiff += model.Coefficients[i-1] * lag
		}

		prev, ok := byDay[day.AddDate(0, 0, -1)]
		if !ok {
			// No reconstruction basis for this day; emit a zero marker
			// and keep going.
			results = append(results, e.zeroMarker(req, day, "no basis record for previous day"))
			continue
		}
		prevOC, _ := prev.OC.Float64()
		prevOpen, _ := prev.OpenPrice.Float64()
		if prevOpen == 0 {
			results = append(results, e.zeroMarker(req, day, "zero open price in basis record"))
			continue
		}

		predOC := predDemeanDiff + prevOC
		result := e.buildResult(req, day, predDemeanDiff, predOC, predOC/prevOpen, false)
		result.MissingLags = missing
		results = append(results, result)
		valid++
	}

	confidence := 0.0
	if total > 0 {
		confidence = 0.7 * float64(valid) / float64(total)
	}
	elapsed := time.Since(started).Milliseconds()
	for i := range results {
		results[i].Confidence = confidence
		results[i].ExecutionTimeMs = elapsed
	}

	for _, result := range results {
		e.finish(result)
	}
	return results, nil
}

// extractLags pulls the last p demeaned differences in reverse
// chronological order, self-healing single records from raw bars when a
// value is absent or zero.
func (e *Engine) extractLags(ctx context.Context, req Request) ([]float64, error) {
	model := req.Model
	lags := make([]float64, model.POrder)
	n := len(req.Master)

	for i := 1; i <= model.POrder; i++ {
		rec := req.Master[n-i]
		value := 0.0
		if rec.DemeanDiffOC != nil {
			value, _ = rec.DemeanDiffOC.Float64()
		}
		if value == 0 {
			healed, err := e.healRecord(ctx, req.Instrument, model, rec.Timestamp)
			if err != nil {
				return nil, &LagExtractionError{
					Instrument: req.Instrument,
					Day:        types.StartOfDayUTC(rec.Timestamp),
					LagIndex:   i,
				}
			}
			value, _ = healed.DemeanDiffOC.Float64()
		}
		lags[i-1] = value
	}
	return lags, nil
}

// healRecord recomputes one derived record from already-persisted bars.
// No external fetch happens here; missing bars fail the heal. The upsert
// is best-effort so a persistence hiccup never blocks the forecast.
func (e *Engine) healRecord(ctx context.Context, instrument types.Instrument, model *types.ARModel, day time.Time) (types.MasterDataRecord, error) {
	day = types.StartOfDayUTC(day)
	tr := types.TimeRange{From: day.AddDate(0, 0, -1), To: day.AddDate(0, 0, 1)}
	bars, err := e.bars.FindByRange(ctx, instrument, tr)
	if err != nil {
		return types.MasterDataRecord{}, err
	}

	var bar, prev *types.OHLCV
	for i := range bars {
		switch types.StartOfDayUTC(bars[i].Timestamp) {
		case day:
			bar = &bars[i]
		case day.AddDate(0, 0, -1):
			prev = &bars[i]
		}
	}
	if bar == nil || prev == nil {
		return types.MasterDataRecord{}, fmt.Errorf("bars for %s or its previous day not persisted", day.Format("2006-01-02"))
	}

	calc := masterdata.NewCalculator(instrument, model.MeanDiffOC)
	rec := calc.Compute(*bar, *prev, time.Now().UTC())
	if err := e.master.Upsert(ctx, rec); err != nil {
		e.logger.Warn("self-heal upsert failed, proceeding with recomputed value",
			zap.String("instrument", string(instrument)),
			zap.Time("day", day),
			zap.Error(err))
	}
	return rec, nil
}

// basisRecord finds the reconstruction basis: the record of the literal
// previous calendar day, falling back to the most recent available one.
func basisRecord(master []types.MasterDataRecord, target time.Time) (types.MasterDataRecord, bool) {
	wanted := types.StartOfDayUTC(target).AddDate(0, 0, -1)
	for i := len(master) - 1; i >= 0; i-- {
		if types.StartOfDayUTC(master[i].Timestamp).Equal(wanted) {
			return master[i], false
		}
	}
	return master[len(master)-1], true
}

func singleConfidence(points int, expectedReturn float64) float64 {
	confidence := 0.8
	if points < 50 {
		confidence -= 0.1
	}
	if points < 30 {
		confidence -= 0.2
	}
	if math.IsNaN(expectedReturn) || math.IsInf(expectedReturn, 0) {
		confidence -= 0.3
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

func (e *Engine) buildResult(req Request, day time.Time, predDemeanDiff, predOC, expectedReturn float64, stale bool) types.ForecastResult {
	model := req.Model
	result := types.ForecastResult{
		ExecutionID:     req.ExecutionID,
		Instrument:      req.Instrument,
		ForecastDate:    day,
		ExpectedReturn:  expectedReturn,
		Status:          types.ForecastStatusSuccess,
		PredictedDiffOC: predDemeanDiff,
		PredictedOC:     predOC,
		AROrder:         model.POrder,
		DataPointsUsed:  len(req.Master),
		ModelVersion:    model.ModelVersion,
		MSE:             model.Sigma2,
		StdErr:          math.Sqrt(model.Sigma2),
		StaleBasis:      stale,
		CreatedAt:       time.Now().UTC(),
	}
	if len(req.Master) > 0 {
		result.DataRangeStart = req.Master[0].Timestamp
		result.DataRangeEnd = req.Master[len(req.Master)-1].Timestamp
	}
	if stale {
		e.logger.Warn("forecast basis is stale, previous calendar day missing",
			zap.String("instrument", string(req.Instrument)),
			zap.Time("target", day))
	}
	return result
}

func (e *Engine) zeroMarker(req Request, day time.Time, reason string) types.ForecastResult {
	e.logger.Warn("range forecast day failed",
		zap.String("instrument", string(req.Instrument)),
		zap.Time("day", day),
		zap.String("reason", reason))
	return types.ForecastResult{
		ExecutionID:  req.ExecutionID,
		Instrument:   req.Instrument,
		ForecastDate: day,
		Status:       types.ForecastStatusFailed,
		AROrder:      req.Model.POrder,
		ModelVersion: req.Model.ModelVersion,
		ErrorMessage: reason,
		CreatedAt:    time.Now().UTC(),
	}
}

// finish records usage, metrics and the completion event for one result.
func (e *Engine) finish(result types.ForecastResult) {
	if result.Status == types.ForecastStatusSuccess && e.usage != nil {
		e.usage.MarkUsed(result.Instrument, result.ModelVersion)
	}
	e.metrics.Forecasts.WithLabelValues(string(result.Instrument), string(result.Status)).Inc()
	e.metrics.ForecastDuration.WithLabelValues(string(result.Instrument)).
		Observe(float64(result.ExecutionTimeMs) / 1000)
	if e.bus != nil {
		e.bus.Publish(events.ForecastCompleted{
			BaseEvent:    events.NewBaseEvent(events.EventTypeForecastCompleted),
			Instrument:   result.Instrument,
			ForecastDate: result.ForecastDate,
			Status:       result.Status,
			ModelVersion: result.ModelVersion,
		})
	}
}
