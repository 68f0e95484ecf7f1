package marketdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// MemoryBarStore is an in-memory BarStore used by tests and dev mode.
// It mirrors the Postgres semantics: timestamp identity, last-write-wins
// upsert, half-open range reads.
type MemoryBarStore struct {
	mu   sync.RWMutex
	bars map[types.Instrument]map[int64]types.OHLCV
}

// NewMemoryBarStore creates an empty in-memory store.
func NewMemoryBarStore() *MemoryBarStore {
	return &MemoryBarStore{
		bars: make(map[types.Instrument]map[int64]types.OHLCV),
	}
}

func (s *MemoryBarStore) series(instrument types.Instrument) map[int64]types.OHLCV {
	m, ok := s.bars[instrument]
	if !ok {
		m = make(map[int64]types.OHLCV)
		s.bars[instrument] = m
	}
	return m
}

// UpsertAll merges the batch, replacing values on duplicate timestamps.
func (s *MemoryBarStore) UpsertAll(_ context.Context, instrument types.Instrument, bars []types.OHLCV) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.series(instrument)
	for _, bar := range bars {
		m[bar.Timestamp.UTC().UnixNano()] = bar
	}
	return nil
}

// FindByRange returns bars with From <= ts < To, ascending.
func (s *MemoryBarStore) FindByRange(_ context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.OHLCV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.OHLCV
	for _, bar := range s.bars[instrument] {
		ts := bar.Timestamp.UTC()
		if !ts.Before(tr.From) && ts.Before(tr.To) {
			out = append(out, bar)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FindTimestampsByRange returns only the bar timestamps in the range.
func (s *MemoryBarStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]time.Time, error) {
	bars, err := s.FindByRange(ctx, instrument, tr)
	if err != nil {
		return nil, err
	}
	stamps := make([]time.Time, 0, len(bars))
	for _, bar := range bars {
		stamps = append(stamps, bar.Timestamp.UTC())
	}
	return stamps, nil
}

// Latest returns the most recent bar, or nil.
func (s *MemoryBarStore) Latest(_ context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *types.OHLCV
	for _, bar := range s.bars[instrument] {
		bar := bar
		if latest == nil || bar.Timestamp.After(latest.Timestamp) {
			latest = &bar
		}
	}
	return latest, nil
}

// Earliest returns the oldest bar, or nil.
func (s *MemoryBarStore) Earliest(_ context.Context, instrument types.Instrument) (*types.OHLCV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var earliest *types.OHLCV
	for _, bar := range s.bars[instrument] {
		bar := bar
		if earliest == nil || bar.Timestamp.Before(earliest.Timestamp) {
			earliest = &bar
		}
	}
	return earliest, nil
}

// CountByRange counts bars with From <= ts < To.
func (s *MemoryBarStore) CountByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (int, error) {
	bars, err := s.FindByRange(ctx, instrument, tr)
	if err != nil {
		return 0, err
	}
	return len(bars), nil
}

// HasRange reports whether the range has a bar for every calendar day.
func (s *MemoryBarStore) HasRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (bool, error) {
	count, err := s.CountByRange(ctx, instrument, tr)
	if err != nil {
		return false, err
	}
	return count >= len(tr.Days()), nil
}

// DeleteAll wipes the instrument's series.
func (s *MemoryBarStore) DeleteAll(_ context.Context, instrument types.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.bars, instrument)
	return nil
}
