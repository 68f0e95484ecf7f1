package masterdata

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/events"
	"github.com/atlas-desktop/forecast-backend/internal/marketdata"
	"github.com/atlas-desktop/forecast-backend/internal/metrics"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// PriceBackFiller pulls missing raw bars through the ingestion pipeline for
// a narrow range.
type PriceBackFiller interface {
	FetchMissing(ctx context.Context, instrument types.Instrument, tr types.TimeRange, executionID string) error
}

// PrepareRequest asks for the derived series over a range.
type PrepareRequest struct {
	Instrument     types.Instrument
	Range          types.TimeRange
	RequiredPoints int
	Model          *types.ARModel // nil falls back to the empirical mean
	ExecutionID    string
}

// Pipeline prepares master data in four stages: cardinality probe, gap
// identification, back-fill, sufficiency check. Runs are deterministic and
// idempotent; a second run over the same inputs issues no external fetches.
type Pipeline struct {
	logger     *zap.Logger
	store      Store
	bars       marketdata.BarStore
	backFiller PriceBackFiller
	metrics    *metrics.Metrics
	bus        *events.Bus
}

// NewPipeline wires a master-data preparation pipeline.
func NewPipeline(
	logger *zap.Logger,
	store Store,
	bars marketdata.BarStore,
	backFiller PriceBackFiller,
	m *metrics.Metrics,
	bus *events.Bus,
) *Pipeline {
	return &Pipeline{
		logger:     logger,
		store:      store,
		bars:       bars,
		backFiller: backFiller,
		metrics:    m,
		bus:        bus,
	}
}

// Prepare returns the ordered master-data series for the requested range,
// back-filling gaps from the bar store (and, when bars are missing there,
// through the ingestion pipeline).
func (p *Pipeline) Prepare(ctx context.Context, req PrepareRequest) ([]types.MasterDataRecord, error) {
	log := p.logger.With(
		zap.String("instrument", string(req.Instrument)),
		zap.Stringer("range", req.Range),
		zap.String("execution_id", req.ExecutionID))

	// The to-day is the forecast target; it never holds historical
	// master data.
	requiredDates := req.Range.Days()

	// Stage 1: probe.
	loaded, err := p.store.FindByRange(ctx, req.Instrument, req.Range)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing master data: %w", err)
	}
	if len(loaded) >= req.RequiredPoints && len(loaded) >= len(requiredDates) {
		log.Debug("master data already complete", zap.Int("records", len(loaded)))
		return loaded, nil
	}

	// Stage 2: gap identification.
	existing := make(map[time.Time]bool, len(loaded))
	for _, rec := range loaded {
		existing[types.StartOfDayUTC(rec.Timestamp)] = true
	}
	missing := missingRanges(requiredDates, existing)

	// Stage 3: back-fill.
	meanDiffOC := 0.0
	if req.Model != nil {
		meanDiffOC = req.Model.MeanDiffOC
	} else if len(loaded) > 0 {
		meanDiffOC = EmpiricalMeanDiffOC(loaded)
		log.Warn("no model supplied, demeaning with empirical mean",
			zap.Float64("mean_diff_oc", meanDiffOC))
	}
	calc := NewCalculator(req.Instrument, meanDiffOC)

	working := make(map[time.Time]types.MasterDataRecord, len(loaded))
	for _, rec := range loaded {
		working[types.StartOfDayUTC(rec.Timestamp)] = rec
	}

	backfilled := 0
	for _, gap := range missing {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := p.fillGap(ctx, req, calc, gap)
		if err != nil {
			return nil, err
		}
		for _, rec := range records {
			day := types.StartOfDayUTC(rec.Timestamp)
			// On collision the record carrying differences wins.
			if prev, ok := working[day]; ok && prev.HasDifferences() && !rec.HasDifferences() {
				continue
			}
			working[day] = rec
		}
		backfilled += len(records)
	}

	if backfilled > 0 {
		p.metrics.BackfilledPoints.WithLabelValues(string(req.Instrument)).Add(float64(backfilled))
		if p.bus != nil {
			p.bus.Publish(events.MasterDataComputed{
				BaseEvent:  events.NewBaseEvent(events.EventTypeMasterDataComputed),
				Instrument: req.Instrument,
				Records:    backfilled,
			})
		}
		log.Info("master data back-filled", zap.Int("records", backfilled))
	}

	// Stage 4: sufficiency. The range is never widened on our own.
	result := make([]types.MasterDataRecord, 0, len(working))
	for _, rec := range working {
		result = append(result, rec)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Timestamp.Before(result[j].Timestamp) })

	if len(result) < req.RequiredPoints {
		return nil, &InsufficientDataError{
			Instrument: req.Instrument,
			Have:       len(result),
			Need:       req.RequiredPoints,
			Range:      req.Range,
		}
	}
	return result, nil
}

// gapRange is an inclusive run of missing calendar days.
type gapRange struct {
	first, last time.Time
}

func missingRanges(requiredDates []time.Time, existing map[time.Time]bool) []gapRange {
	var gaps []gapRange
	var open *gapRange
	for _, day := range requiredDates {
		if existing[day] {
			if open != nil {
				gaps = append(gaps, *open)
				open = nil
			}
			continue
		}
		if open == nil {
			open = &gapRange{first: day, last: day}
		} else {
			open.last = day
		}
	}
	if open != nil {
		gaps = append(gaps, *open)
	}
	return gaps
}

// fillGap computes records for one missing run of days. The read is
// expanded one day back so the first difference of the gap head is
// computable.
func (p *Pipeline) fillGap(ctx context.Context, req PrepareRequest, calc *Calculator, gap gapRange) ([]types.MasterDataRecord, error) {
	fetchRange := types.TimeRange{
		From: gap.first.AddDate(0, 0, -1),
		To:   gap.last.AddDate(0, 0, 1),
	}
	expectedBars := len(fetchRange.Days())

	bars, err := p.bars.FindByRange(ctx, req.Instrument, fetchRange)
	if err != nil {
		return nil, fmt.Errorf("failed to read bars for back-fill: %w", err)
	}

	if len(bars) < expectedBars {
		if err := p.backFiller.FetchMissing(ctx, req.Instrument, fetchRange, req.ExecutionID); err != nil {
			p.logger.Warn("back-fill fetch failed",
				zap.String("instrument", string(req.Instrument)),
				zap.Stringer("range", fetchRange),
				zap.Error(err))
			return nil, &PriceDataUnavailableError{Instrument: req.Instrument, Range: fetchRange}
		}
		bars, err = p.bars.FindByRange(ctx, req.Instrument, fetchRange)
		if err != nil {
			return nil, fmt.Errorf("failed to re-read bars after back-fill: %w", err)
		}
	}

	byDay := make(map[time.Time]types.OHLCV, len(bars))
	for _, bar := range bars {
		byDay[types.StartOfDayUTC(bar.Timestamp)] = bar
	}

	now := time.Now().UTC()
	var records []types.MasterDataRecord
	for day := gap.first; !day.After(gap.last); day = day.AddDate(0, 0, 1) {
		bar, ok := byDay[day]
		if !ok {
			return nil, &PriceDataUnavailableError{Instrument: req.Instrument, Range: fetchRange, Day: day}
		}
		prev, ok := byDay[day.AddDate(0, 0, -1)]
		if !ok {
			return nil, &PriceDataUnavailableError{Instrument: req.Instrument, Range: fetchRange, Day: day.AddDate(0, 0, -1)}
		}
		rec := calc.Compute(bar, prev, now)
		if err := p.store.Upsert(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to persist back-filled record: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}
