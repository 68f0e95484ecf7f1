package marketdata

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/internal/events"
	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// Aggregate is the in-memory market instrument aggregate the ingestion
// pipeline accumulates into: a timestamp-deduplicating ordered set of bars
// plus running quality metrics. The ingestion pipeline periodically
// persists and clears the held bars; quality counters and the series span
// are cumulative across clears so the final report covers the whole run.
type Aggregate struct {
	mu         sync.Mutex
	instrument types.Instrument
	name       string
	quote      string
	bars       map[int64]types.OHLCV

	totalAdded  int
	duplicates  int
	earliest    time.Time
	latest      time.Time
	quality     types.QualityMetrics
	lastUpdated time.Time

	logger *zap.Logger
	bus    *events.Bus
}

// NewAggregate creates an empty aggregate for the instrument. The bus is
// optional; when present a MarketDataUpdated event is emitted on each merge.
func NewAggregate(instrument types.Instrument, logger *zap.Logger, bus *events.Bus) *Aggregate {
	return &Aggregate{
		instrument: instrument,
		name:       instrument.Name(),
		quote:      instrument.QuoteCurrency(),
		bars:       make(map[int64]types.OHLCV),
		logger:     logger,
		bus:        bus,
	}
}

// Instrument returns the aggregate's instrument.
func (a *Aggregate) Instrument() types.Instrument { return a.instrument }

// Name returns the instrument's display name.
func (a *Aggregate) Name() string { return a.name }

// AddBars merges bars into the aggregate: currency-consistency check,
// timestamp-deduplicating merge, quality recompute, event emission.
// Returns the number of new timestamps added.
func (a *Aggregate) AddBars(bars []types.OHLCV, source string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, bar := range bars {
		if bar.Currency != "" && bar.Currency != a.quote {
			return 0, fmt.Errorf("currency mismatch: bar in %s, instrument quotes %s", bar.Currency, a.quote)
		}
	}

	added := 0
	for _, bar := range bars {
		ts := bar.Timestamp.UTC()
		key := ts.UnixNano()
		if _, exists := a.bars[key]; exists {
			a.duplicates++
		} else {
			added++
		}
		// Last write wins on collision, matching store upsert semantics.
		a.bars[key] = bar

		if a.earliest.IsZero() || ts.Before(a.earliest) {
			a.earliest = ts
		}
		if a.latest.IsZero() || ts.After(a.latest) {
			a.latest = ts
		}
	}

	a.totalAdded += added
	a.lastUpdated = time.Now().UTC()
	a.quality = ComputeQuality(a.totalAdded, a.duplicates, a.earliest, a.latest, source, a.lastUpdated)

	if a.bus != nil && added > 0 {
		a.bus.Publish(events.MarketDataUpdated{
			BaseEvent:  events.NewBaseEvent(events.EventTypeMarketDataUpdated),
			Instrument: a.instrument,
			Added:      added,
			At:         a.lastUpdated,
		})
	}

	return added, nil
}

// Bars returns the currently held bars sorted ascending by timestamp.
func (a *Aggregate) Bars() []types.OHLCV {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]types.OHLCV, 0, len(a.bars))
	for _, bar := range a.bars {
		out = append(out, bar)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}

// Len returns the number of distinct timestamps currently held.
func (a *Aggregate) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.bars)
}

// TotalAdded returns the cumulative number of distinct timestamps merged
// over the aggregate's lifetime, across clears.
func (a *Aggregate) TotalAdded() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.totalAdded
}

// Clear drops the held bars after an intermediate save. Quality counters
// and the series span survive; within one ingestion run chunks never
// overlap, so cumulative counts stay exact.
func (a *Aggregate) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bars = make(map[int64]types.OHLCV)
}

// Quality returns the current quality metrics.
func (a *Aggregate) Quality() types.QualityMetrics {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.quality
}

// Span returns the earliest and latest timestamps merged, or zero times.
func (a *Aggregate) Span() (earliest, latest time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.earliest, a.latest
}
