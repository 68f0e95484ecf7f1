package orchestrator

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/forecast"
	"github.com/atlas-desktop/forecast-backend/internal/masterdata"
	"github.com/atlas-desktop/forecast-backend/internal/models"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
	"github.com/atlas-desktop/forecast-backend/pkg/utils"
)

// lookbackFloorDays bounds how far back master data is prepared for a
// forecast. The window also grows with the model order so high-order
// models always see enough lags.
const lookbackFloorDays = 60

// ForecastTask is the workflow-facing wrapper around master-data
// preparation and the forecast engine.
type ForecastTask struct {
	logger   *zap.Logger
	models   *models.Store
	prep     *masterdata.Pipeline
	engine   *forecast.Engine
	forecast forecast.Store
}

// NewForecastTask wires the task.
func NewForecastTask(
	logger *zap.Logger,
	modelStore *models.Store,
	prep *masterdata.Pipeline,
	engine *forecast.Engine,
	forecastStore forecast.Store,
) *ForecastTask {
	return &ForecastTask{
		logger:   logger,
		models:   modelStore,
		prep:     prep,
		engine:   engine,
		forecast: forecastStore,
	}
}

// Execute consumes the forecast variable map:
//
//	instrumentCode            string, required
//	isCurrentDate             bool; true forecasts today
//	startDate / endDate       ISO dates, required when isCurrentDate=false
//	arimaModelVersion         required for backtest, defaults to the
//	                          active artifact for single-date
//	includeCalculationDetails bool; true attaches per-day details
func (t *ForecastTask) Execute(ctx context.Context, vars map[string]any) (map[string]any, error) {
	code := stringVar(vars, "instrumentCode")
	if code == "" {
		return nil, invalidRequest(CodeMissingField, "instrumentCode is required")
	}
	instrument, err := types.ParseInstrument(code)
	if err != nil {
		return nil, invalidRequest(CodeUnknownInstrument, "unknown instrument code %q", code)
	}

	isCurrentDate := boolVar(vars, "isCurrentDate")
	version := stringVar(vars, "arimaModelVersion")

	var start, end time.Time
	if isCurrentDate {
		start = types.StartOfDayUTC(time.Now().UTC())
		end = start
	} else {
		startRaw := stringVar(vars, "startDate")
		endRaw := stringVar(vars, "endDate")
		if startRaw == "" || endRaw == "" {
			return nil, invalidRequest(CodeMissingField, "startDate and endDate are required for backtests")
		}
		if version == "" {
			return nil, invalidRequest(CodeMissingField, "arimaModelVersion is required for backtests")
		}
		if start, err = utils.ParseISODate(startRaw); err != nil {
			return nil, invalidRequest(CodeBadDate, "bad startDate %q", startRaw)
		}
		if end, err = utils.ParseISODate(endRaw); err != nil {
			return nil, invalidRequest(CodeBadDate, "bad endDate %q", endRaw)
		}
		if end.Before(start) {
			return nil, invalidRequest(CodeInvertedRange, "endDate %s before startDate %s", endRaw, startRaw)
		}
	}

	var model *types.ARModel
	if version != "" {
		model, err = t.models.FindByInstrumentAndVersion(instrument, version)
	} else {
		model, err = t.models.FindActiveByInstrument(instrument)
	}
	if err != nil {
		var notFound *models.NotFoundError
		if errors.As(err, &notFound) {
			return nil, invalidRequest(CodeModelNotFound, "%v", err)
		}
		return nil, err
	}

	executionID := utils.GenerateExecutionID()

	lookback := lookbackFloorDays
	if 2*model.POrder > lookback {
		lookback = 2 * model.POrder
	}
	// The final forecast day itself holds no history; master data is
	// prepared through the day before it.
	prepRange := types.TimeRange{
		From: start.AddDate(0, 0, -lookback),
		To:   end,
	}

	// One extra point beyond the model order: the series head carries no
	// differences, so p usable lags need p+1 records.
	master, err := t.prep.Prepare(ctx, masterdata.PrepareRequest{
		Instrument:     instrument,
		Range:          prepRange,
		RequiredPoints: model.POrder + 1,
		Model:          model,
		ExecutionID:    executionID,
	})
	if err != nil {
		return t.mapForecastError(executionID, instrument, version, err)
	}

	results, err := t.engine.Forecast(ctx, forecast.Request{
		Instrument:  instrument,
		Master:      master,
		Model:       model,
		StartDate:   start,
		EndDate:     end,
		ExecutionID: executionID,
	})
	if err != nil {
		return t.mapForecastError(executionID, instrument, model.ModelVersion, err)
	}

	if err := t.forecast.UpsertAll(ctx, results); err != nil {
		return nil, err
	}

	successful := 0
	for _, result := range results {
		if result.Status == types.ForecastStatusSuccess {
			successful++
		}
	}

	out := map[string]any{
		"executionId":            executionID,
		"taskCompleted":          true,
		"successfulForecasts":    successful,
		"totalInstruments":       1,
		"arimaModelVersion":      model.ModelVersion,
		"allForecastsSuccessful": successful == len(results),
		"hasPartialFailures":     successful > 0 && successful < len(results),
	}
	if successful == 0 {
		out["failedInstruments"] = []string{string(instrument)}
	}
	if boolVar(vars, "includeCalculationDetails") {
		out["results"] = results
	}

	t.logger.Info("forecast task completed",
		zap.String("execution_id", executionID),
		zap.String("instrument", string(instrument)),
		zap.Int("successful", successful),
		zap.Int("total", len(results)))

	return out, nil
}

// mapForecastError turns domain failures into the surface contract:
// malformed-data conditions become business errors, lag extraction becomes
// a completed-but-failed result.
func (t *ForecastTask) mapForecastError(executionID string, instrument types.Instrument, version string, err error) (map[string]any, error) {
	var insufficient *masterdata.InsufficientDataError
	if errors.As(err, &insufficient) {
		return nil, invalidRequest(CodeInsufficientData, "%v", err)
	}
	var unavailable *masterdata.PriceDataUnavailableError
	if errors.As(err, &unavailable) {
		return nil, invalidRequest(CodePriceUnavailable, "%v", err)
	}
	var lag *forecast.LagExtractionError
	if errors.As(err, &lag) {
		t.logger.Warn("forecast failed on lag extraction",
			zap.String("instrument", string(instrument)),
			zap.Error(err))
		return map[string]any{
			"executionId":            executionID,
			"taskCompleted":          true,
			"successfulForecasts":    0,
			"totalInstruments":       1,
			"arimaModelVersion":      version,
			"allForecastsSuccessful": false,
			"hasPartialFailures":     false,
			"failedInstruments":      []string{string(instrument)},
			"errorMessage":           err.Error(),
		}, nil
	}
	return nil, err
}
