package orchestrator

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/ingestion"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
	"github.com/atlas-desktop/forecast-backend/pkg/utils"
)

// IngestionTask is the workflow-facing wrapper around the ingestion
// pipeline. No business payload is returned; callers query the store.
type IngestionTask struct {
	logger   *zap.Logger
	pipeline *ingestion.Pipeline
	cfg      types.IngestionConfig
}

// NewIngestionTask wires the task.
func NewIngestionTask(logger *zap.Logger, pipeline *ingestion.Pipeline, cfg types.IngestionConfig) *IngestionTask {
	return &IngestionTask{logger: logger, pipeline: pipeline, cfg: cfg}
}

// Execute consumes the ingestion variable map:
//
//	instrumentCodes      []string, required
//	startDate / endDate  ISO dates, required unless launchNewInstruments
//	launchNewInstruments bool; true defaults the range to launch..today
//	resource             data-source id; empty selects the default
func (t *IngestionTask) Execute(ctx context.Context, vars map[string]any) (map[string]any, error) {
	codes, err := stringSlice(vars, "instrumentCodes")
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, invalidRequest(CodeMissingField, "instrumentCodes is required")
	}

	instruments := make([]types.Instrument, 0, len(codes))
	for _, code := range codes {
		instrument, err := types.ParseInstrument(code)
		if err != nil {
			return nil, invalidRequest(CodeUnknownInstrument, "unknown instrument code %q", code)
		}
		instruments = append(instruments, instrument)
	}

	launch := boolVar(vars, "launchNewInstruments")
	var tr types.TimeRange
	if launch {
		start, err := utils.ParseISODate(t.cfg.LaunchStartDate)
		if err != nil {
			return nil, invalidRequest(CodeBadDate, "bad launch start date %q", t.cfg.LaunchStartDate)
		}
		tr = types.TimeRangeFromDates(start, time.Now().UTC())
	} else {
		tr, err = rangeFromVars(vars)
		if err != nil {
			return nil, err
		}
	}

	source := stringVar(vars, "resource")
	executionID := utils.GenerateExecutionID()

	report, err := t.pipeline.Run(ctx, ingestion.Request{
		Instruments: instruments,
		Range:       tr,
		SourceID:    source,
		ExecutionID: executionID,
	})
	if err != nil {
		return nil, invalidRequest(CodeUnknownSource, "%v", err)
	}

	t.logger.Info("ingestion task completed",
		zap.String("execution_id", report.ExecutionID),
		zap.Bool("all_succeeded", report.AllSucceeded()))

	return map[string]any{
		"executionId":          report.ExecutionID,
		"taskCompleted":        true,
		"completedAt":          report.CompletedAt.UnixMilli(),
		"instrumentsRequested": len(instruments),
		"dataSource":           source,
		"launchNewInstruments": launch,
	}, nil
}

func rangeFromVars(vars map[string]any) (types.TimeRange, error) {
	startRaw := stringVar(vars, "startDate")
	endRaw := stringVar(vars, "endDate")
	if startRaw == "" || endRaw == "" {
		return types.TimeRange{}, invalidRequest(CodeMissingField, "startDate and endDate are required")
	}
	start, err := utils.ParseISODate(startRaw)
	if err != nil {
		return types.TimeRange{}, invalidRequest(CodeBadDate, "bad startDate %q", startRaw)
	}
	end, err := utils.ParseISODate(endRaw)
	if err != nil {
		return types.TimeRange{}, invalidRequest(CodeBadDate, "bad endDate %q", endRaw)
	}
	if end.Before(start) {
		return types.TimeRange{}, invalidRequest(CodeInvertedRange, "endDate %s before startDate %s", endRaw, startRaw)
	}
	return types.TimeRangeFromDates(start, end), nil
}

func stringVar(vars map[string]any, key string) string {
	if v, ok := vars[key].(string); ok {
		return v
	}
	return ""
}

func boolVar(vars map[string]any, key string) bool {
	if v, ok := vars[key].(bool); ok {
		return v
	}
	return false
}

func stringSlice(vars map[string]any, key string) ([]string, error) {
	switch v := vars[key].(type) {
	case nil:
		return nil, nil
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, invalidRequest(CodeMissingField, "%s must be a list of strings", key)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, invalidRequest(CodeMissingField, "%s must be a list of strings", key)
	}
}
