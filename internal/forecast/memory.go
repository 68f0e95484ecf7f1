package forecast

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

type forecastKey struct {
	date    int64
	version string
}

// MemoryStore is an in-memory Store for tests and DSN-less development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	results map[types.Instrument]map[forecastKey]types.ForecastResult
}

// NewMemoryStore creates an empty in-memory forecast store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		results: make(map[types.Instrument]map[forecastKey]types.ForecastResult),
	}
}

func (s *MemoryStore) series(instrument types.Instrument) map[forecastKey]types.ForecastResult {
	m, ok := s.results[instrument]
	if !ok {
		m = make(map[forecastKey]types.ForecastResult)
		s.results[instrument] = m
	}
	return m
}

// Upsert writes one forecast by (forecastDate, modelVersion), preserving
// created_at.
func (s *MemoryStore) Upsert(ctx context.Context, result types.ForecastResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(result)
	return nil
}

// UpsertAll writes a batch.
func (s *MemoryStore) UpsertAll(ctx context.Context, results []types.ForecastResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, result := range results {
		s.put(result)
	}
	return nil
}

func (s *MemoryStore) put(result types.ForecastResult) {
	series := s.series(result.Instrument)
	key := forecastKey{date: result.ForecastDate.UTC().UnixNano(), version: result.ModelVersion}
	if existing, ok := series[key]; ok {
		result.CreatedAt = existing.CreatedAt
	} else if result.CreatedAt.IsZero() {
		result.CreatedAt = time.Now().UTC()
	}
	series[key] = result
}

func (s *MemoryStore) filter(instrument types.Instrument, keep func(types.ForecastResult) bool) []types.ForecastResult {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.ForecastResult
	for _, result := range s.results[instrument] {
		if keep(result) {
			out = append(out, result)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ForecastDate.Before(out[j].ForecastDate) })
	return out
}

// FindByRange returns forecasts with From <= date < To, ascending.
func (s *MemoryStore) FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.ForecastResult, error) {
	return s.filter(instrument, func(r types.ForecastResult) bool {
		return !r.ForecastDate.Before(tr.From) && r.ForecastDate.Before(tr.To)
	}), nil
}

// FindByModelVersion returns every forecast produced by one model version.
func (s *MemoryStore) FindByModelVersion(ctx context.Context, instrument types.Instrument, version string) ([]types.ForecastResult, error) {
	return s.filter(instrument, func(r types.ForecastResult) bool {
		return r.ModelVersion == version
	}), nil
}

// FindByExecutionID returns every forecast of one run.
func (s *MemoryStore) FindByExecutionID(ctx context.Context, instrument types.Instrument, executionID string) ([]types.ForecastResult, error) {
	return s.filter(instrument, func(r types.ForecastResult) bool {
		return r.ExecutionID == executionID
	}), nil
}

// LatestPerModelVersion returns the newest forecast for each model version.
func (s *MemoryStore) LatestPerModelVersion(ctx context.Context, instrument types.Instrument) (map[string]types.ForecastResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]types.ForecastResult)
	for _, result := range s.results[instrument] {
		if current, ok := latest[result.ModelVersion]; !ok || result.ForecastDate.After(current.ForecastDate) {
			latest[result.ModelVersion] = result
		}
	}
	return latest, nil
}

// Exists reports whether a forecast is stored for the identity key.
func (s *MemoryStore) Exists(ctx context.Context, instrument types.Instrument, forecastDate time.Time, version string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.results[instrument][forecastKey{date: forecastDate.UTC().UnixNano(), version: version}]
	return ok, nil
}

// DeleteOlderThan removes forecasts dated strictly before the cutoff.
func (s *MemoryStore) DeleteOlderThan(ctx context.Context, instrument types.Instrument, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for key, result := range s.results[instrument] {
		if result.ForecastDate.Before(cutoff) {
			delete(s.results[instrument], key)
			removed++
		}
	}
	return removed, nil
}
