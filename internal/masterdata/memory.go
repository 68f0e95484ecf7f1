package masterdata

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// MemoryStore is an in-memory Store for tests and DSN-less development runs.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[types.Instrument]map[int64]types.MasterDataRecord
}

// NewMemoryStore creates an empty in-memory master-data store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[types.Instrument]map[int64]types.MasterDataRecord),
	}
}

func (s *MemoryStore) series(instrument types.Instrument) map[int64]types.MasterDataRecord {
	m, ok := s.records[instrument]
	if !ok {
		m = make(map[int64]types.MasterDataRecord)
		s.records[instrument] = m
	}
	return m
}

// FindByRange returns records with From <= ts < To, ascending.
func (s *MemoryStore) FindByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.MasterDataRecord, error) {
	return s.find(instrument, tr, false)
}

// FindWithDifferencesByRange returns only records with both differences set.
func (s *MemoryStore) FindWithDifferencesByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]types.MasterDataRecord, error) {
	return s.find(instrument, tr, true)
}

func (s *MemoryStore) find(instrument types.Instrument, tr types.TimeRange, withDiffs bool) ([]types.MasterDataRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []types.MasterDataRecord
	for _, rec := range s.records[instrument] {
		if rec.Timestamp.Before(tr.From) || !rec.Timestamp.Before(tr.To) {
			continue
		}
		if withDiffs && !rec.HasDifferences() {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// FindTimestampsByRange returns record timestamps in the range, ascending.
func (s *MemoryStore) FindTimestampsByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) ([]time.Time, error) {
	records, err := s.find(instrument, tr, false)
	if err != nil {
		return nil, err
	}
	stamps := make([]time.Time, 0, len(records))
	for _, rec := range records {
		stamps = append(stamps, rec.Timestamp)
	}
	return stamps, nil
}

// LatestTimestamp returns the most recent record timestamp, or nil.
func (s *MemoryStore) LatestTimestamp(ctx context.Context, instrument types.Instrument) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *time.Time
	for _, rec := range s.records[instrument] {
		ts := rec.Timestamp
		if latest == nil || ts.After(*latest) {
			latest = &ts
		}
	}
	return latest, nil
}

// Save stores a record, replacing any existing one at the same timestamp.
func (s *MemoryStore) Save(ctx context.Context, record types.MasterDataRecord) error {
	return s.Upsert(ctx, record)
}

// SaveAll upserts a batch.
func (s *MemoryStore) SaveAll(ctx context.Context, records []types.MasterDataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, record := range records {
		s.put(record)
	}
	return nil
}

// Upsert writes one record by timestamp, preserving created_at.
func (s *MemoryStore) Upsert(ctx context.Context, record types.MasterDataRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.put(record)
	return nil
}

func (s *MemoryStore) put(record types.MasterDataRecord) {
	series := s.series(record.Instrument)
	key := record.Timestamp.UTC().UnixNano()
	if existing, ok := series[key]; ok {
		record.CreatedAt = existing.CreatedAt
	} else if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	series[key] = record
}

// CountByRange counts records with From <= ts < To.
func (s *MemoryStore) CountByRange(ctx context.Context, instrument types.Instrument, tr types.TimeRange) (int, error) {
	records, err := s.find(instrument, tr, false)
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// DeleteAll wipes the instrument's derived series.
func (s *MemoryStore) DeleteAll(ctx context.Context, instrument types.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, instrument)
	return nil
}
