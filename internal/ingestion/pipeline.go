// Package ingestion orchestrates historical bar ingestion: external fetch,
// validation, deduplication, and periodic persistence.
package ingestion

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/datasource"
	"github.com/atlas-desktop/forecast-backend/internal/events"
	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/internal/validation"
	"github.com/atlas-desktop/forecast-backend/internal/workers"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
	"github.com/atlas-desktop/forecast-backend/pkg/utils"
)

// Request describes one ingestion run.
type Request struct {
	Instruments []types.Instrument
	Range       types.TimeRange
	SourceID    string // empty selects the factory default
	ExecutionID string
}

// Pipeline ingests historical bars per instrument. Instruments fan out in
// parallel (bounded by the instrument count); within an instrument chunks
// run strictly in sequence so upsert ordering and the per-API rate budget
// stay predictable.
type Pipeline struct {
	logger    *zap.Logger
	cfg       types.IngestionConfig
	store     marketdata.BarStore
	sources   *datasource.Factory
	validator *validation.BatchValidator
	metrics   *metrics.Metrics
	bus       *events.Bus
}

// NewPipeline wires an ingestion pipeline.
func NewPipeline(
	logger *zap.Logger,
	cfg types.IngestionConfig,
	store marketdata.BarStore,
	sources *datasource.Factory,
	validator *validation.BatchValidator,
	m *metrics.Metrics,
	bus *events.Bus,
) *Pipeline {
	return &Pipeline{
		logger:    logger,
		cfg:       cfg,
		store:     store,
		sources:   sources,
		validator: validator,
		metrics:   m,
		bus:       bus,
	}
}

// Run executes the ingestion request. Per-instrument failures are recorded
// in the report; only infrastructure-level failures (unknown source) error.
func (p *Pipeline) Run(ctx context.Context, req Request) (types.IngestionReport, error) {
	report := types.IngestionReport{
		ExecutionID: req.ExecutionID,
		Results:     make(map[types.Instrument]types.InstrumentIngestion),
		StartedAt:   time.Now().UTC(),
	}
	if report.ExecutionID == "" {
		report.ExecutionID = utils.GenerateExecutionID()
	}
	if len(req.Instruments) == 0 {
		report.CompletedAt = time.Now().UTC()
		return report, nil
	}

	src, err := p.sources.Get(req.SourceID)
	if err != nil {
		return report, fmt.Errorf("cannot resolve data source: %w", err)
	}

	pool := workers.NewPool(p.logger, len(req.Instruments), len(req.Instruments))
	defer pool.Stop()

	type outcome struct {
		instrument types.Instrument
		result     types.InstrumentIngestion
	}
	results := make(chan outcome, len(req.Instruments))

	for _, instrument := range req.Instruments {
		instrument := instrument
		done, err := pool.SubmitFunc(func(context.Context) error {
			results <- outcome{instrument: instrument, result: p.ingestInstrument(ctx, src, instrument, req.Range)}
			return nil
		})
		if err != nil {
			return report, fmt.Errorf("failed to schedule instrument %s: %w", instrument, err)
		}
		go func() { <-done }()
	}

	for range req.Instruments {
		o := <-results
		report.Results[o.instrument] = o.result
	}
	report.CompletedAt = time.Now().UTC()

	succeeded := 0
	for _, r := range report.Results {
		if r.Success {
			succeeded++
		}
	}
	if p.bus != nil {
		p.bus.Publish(events.IngestionCompleted{
			BaseEvent:   events.NewBaseEvent(events.EventTypeIngestionCompleted),
			ExecutionID: report.ExecutionID,
			Instruments: len(req.Instruments),
			Succeeded:   succeeded,
		})
	}

	p.logger.Info("ingestion run completed",
		zap.String("execution_id", report.ExecutionID),
		zap.Int("instruments", len(req.Instruments)),
		zap.Int("succeeded", succeeded))

	return report, nil
}

// FetchMissing ingests a narrow range for one instrument. The master-data
// pipeline uses it to back-fill price coverage before computing derived
// records.
func (p *Pipeline) FetchMissing(ctx context.Context, instrument types.Instrument, tr types.TimeRange, executionID string) error {
	report, err := p.Run(ctx, Request{
		Instruments: []types.Instrument{instrument},
		Range:       tr,
		ExecutionID: executionID,
	})
	if err != nil {
		return err
	}
	res, ok := report.Results[instrument]
	if !ok || !res.Success {
		return fmt.Errorf("back-fill for %s over %s failed: %s", instrument, tr, res.Reason)
	}
	return nil
}

// ingestInstrument runs the sequential chunk loop for one instrument.
func (p *Pipeline) ingestInstrument(ctx context.Context, src datasource.HistoricalDataSource, instrument types.Instrument, tr types.TimeRange) types.InstrumentIngestion {
	log := p.logger.With(
		zap.String("instrument", string(instrument)),
		zap.String("source", src.DataSourceID()))

	// Metadata-only resolution: ingestion is append-oriented, so the
	// aggregate starts empty instead of loading the full price history.
	agg := marketdata.NewAggregate(instrument, log, p.bus)

	result := types.InstrumentIngestion{
		Instrument: instrument,
		Name:       instrument.Name(),
	}

	var prevTail *types.OHLCV
	processed := 0
	sinceSave := 0

	chunks := tr.SplitIntoDays(p.cfg.ChunkDays)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return p.cancelled(result, processed)
		}

		bars, err := src.FetchHistoricalData(ctx, instrument, chunk)
		if err != nil {
			if ctx.Err() != nil {
				return p.cancelled(result, processed)
			}
			// A failed chunk is skipped; the instrument only fails when
			// nothing at all was obtained.
			p.metrics.FetchFailures.WithLabelValues(src.DataSourceID()).Inc()
			p.metrics.ChunksSkipped.WithLabelValues(string(instrument)).Inc()
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("chunk %s skipped: %v", chunk, err))
			log.Warn("chunk fetch failed, skipping", zap.Stringer("chunk", chunk), zap.Error(err))
			continue
		}

		for start := 0; start < len(bars); start += p.cfg.BatchSize {
			if err := ctx.Err(); err != nil {
				return p.cancelled(result, processed)
			}

			end := start + p.cfg.BatchSize
			if end > len(bars) {
				end = len(bars)
			}
			batch := bars[start:end]

			res := p.validator.Validate(instrument, batch, prevTail)
			result.Warnings = append(result.Warnings, res.Warnings...)
			if !res.Valid() {
				log.Warn("batch rejected by validation",
					zap.Int("bars", len(batch)),
					zap.Strings("errors", res.Errors))
				continue
			}

			if _, err := agg.AddBars(batch, src.DataSourceID()); err != nil {
				log.Warn("batch rejected by aggregate", zap.Error(err))
				continue
			}

			processed += len(batch)
			sinceSave += len(batch)
			prevTail = &batch[len(batch)-1]
			p.metrics.BarsIngested.WithLabelValues(string(instrument), src.DataSourceID()).Add(float64(len(batch)))

			if sinceSave >= p.cfg.IntermediateSave {
				if err := p.persist(ctx, instrument, agg); err != nil {
					result.Reason = fmt.Sprintf("persistence failure: %v", err)
					return result
				}
				sinceSave = 0
			}
		}

		if i < len(chunks)-1 && p.cfg.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return p.cancelled(result, processed)
			case <-time.After(p.cfg.ChunkDelay):
			}
		}
	}

	if err := p.persist(ctx, instrument, agg); err != nil {
		result.Reason = fmt.Sprintf("persistence failure: %v", err)
		return result
	}

	if processed == 0 {
		result.Reason = "no bars obtained from data source"
		return result
	}

	earliest, latest := agg.Span()
	result.Success = true
	result.Processed = processed
	result.Earliest = earliest
	result.Latest = latest
	result.Quality = agg.Quality()
	return result
}

func (p *Pipeline) persist(ctx context.Context, instrument types.Instrument, agg *marketdata.Aggregate) error {
	bars := agg.Bars()
	if len(bars) == 0 {
		return nil
	}
	if err := p.store.UpsertAll(ctx, instrument, bars); err != nil {
		return err
	}
	agg.Clear()
	return nil
}

func (p *Pipeline) cancelled(result types.InstrumentIngestion, processed int) types.InstrumentIngestion {
	result.Cancelled = true
	result.Processed = processed
	result.Reason = "cancelled"
	return result
}
