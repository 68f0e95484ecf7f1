// Package models loads and caches pre-fitted AR model artifacts from disk.
package models

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// LegacyVersion is the model version assigned to artifacts without a date
// suffix in their filename.
const LegacyVersion = "legacy"

// NotFoundError reports a cache miss for an (instrument, version) pair.
type NotFoundError struct {
	Instrument types.Instrument
	Version    string
}

func (e *NotFoundError) Error() string {
	if e.Version == "" {
		return fmt.Sprintf("no model found for %s", e.Instrument)
	}
	return fmt.Sprintf("no model found for %s version %s", e.Instrument, e.Version)
}

var artifactName = regexp.MustCompile(`^([a-z0-9]+)_arima_model(?:_(\d{8}))?\.json$`)

type cacheKey struct {
	instrument types.Instrument
	version    string
}

// Store caches model artifacts discovered in a directory. Lookups take a
// read lock; Reload swaps the whole cache atomically under the write lock.
type Store struct {
	logger *zap.Logger
	dir    string

	mu     sync.RWMutex
	cache  map[cacheKey]*types.ARModel
	loaded time.Time
	misses int64
	hits   int64
}

// NewStore creates a model store over the given artifacts directory and
// performs the initial scan.
func NewStore(logger *zap.Logger, dir string) (*Store, error) {
	s := &Store{
		logger: logger,
		dir:    dir,
		cache:  make(map[cacheKey]*types.ARModel),
	}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-scans the artifacts directory and replaces the cache in one
// step. Unparseable artifacts are skipped with a warning.
func (s *Store) Reload() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("failed to read artifacts directory %s: %w", s.dir, err)
	}

	fresh := make(map[cacheKey]*types.ARModel)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		m := artifactName.FindStringSubmatch(entry.Name())
		if m == nil {
			continue
		}
		instrument, err := types.ParseInstrument(m[1])
		if err != nil {
			s.logger.Warn("artifact names unknown instrument, skipping",
				zap.String("file", entry.Name()))
			continue
		}
		version := LegacyVersion
		if m[2] != "" {
			version = m[2]
		}

		model, err := parseArtifact(filepath.Join(s.dir, entry.Name()), instrument, version)
		if err != nil {
			s.logger.Warn("invalid model artifact, skipping",
				zap.String("file", entry.Name()), zap.Error(err))
			continue
		}
		fresh[cacheKey{instrument: instrument, version: version}] = model
		s.logger.Info("model artifact loaded",
			zap.String("instrument", string(instrument)),
			zap.String("version", version),
			zap.Int("p", model.POrder))
	}

	s.mu.Lock()
	s.cache = fresh
	s.loaded = time.Now().UTC()
	s.mu.Unlock()
	return nil
}

// parseArtifact reads one artifact file. The payload is a flat object with
// mean_diff_oc, sigma2, p, and coefficient keys ar.L1 .. ar.Lp.
func parseArtifact(path string, instrument types.Instrument, version string) (*types.ARModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var raw map[string]json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("malformed artifact: %w", err)
	}

	pNum, ok := raw["p"]
	if !ok {
		return nil, fmt.Errorf("artifact missing p")
	}
	p64, err := pNum.Int64()
	if err != nil {
		return nil, fmt.Errorf("artifact p is not an integer: %w", err)
	}
	p := int(p64)

	model := &types.ARModel{
		Instrument:   instrument,
		POrder:       p,
		Coefficients: make([]float64, p),
		ModelVersion: version,
		CreatedAt:    time.Now().UTC(),
	}
	if v, ok := raw["mean_diff_oc"]; ok {
		if model.MeanDiffOC, err = v.Float64(); err != nil {
			return nil, fmt.Errorf("bad mean_diff_oc: %w", err)
		}
	}
	if v, ok := raw["sigma2"]; ok {
		if model.Sigma2, err = v.Float64(); err != nil {
			return nil, fmt.Errorf("bad sigma2: %w", err)
		}
	}

	seen := 0
	for key, val := range raw {
		if !strings.HasPrefix(key, "ar.L") {
			continue
		}
		idx, err := strconv.Atoi(key[len("ar.L"):])
		if err != nil {
			return nil, fmt.Errorf("bad coefficient key %q", key)
		}
		if idx < 1 || idx > p {
			return nil, fmt.Errorf("coefficient index %d outside 1..%d", idx, p)
		}
		coef, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad coefficient %q: %w", key, err)
		}
		model.Coefficients[idx-1] = coef
		seen++
	}
	if seen != p {
		return nil, fmt.Errorf("artifact declares p=%d but has %d coefficients", p, seen)
	}

	if err := model.Validate(); err != nil {
		return nil, err
	}
	return model, nil
}

// FindByInstrumentAndVersion returns the cached model for the exact pair.
func (s *Store) FindByInstrumentAndVersion(instrument types.Instrument, version string) (*types.ARModel, error) {
	s.mu.RLock()
	model, ok := s.cache[cacheKey{instrument: instrument, version: version}]
	s.mu.RUnlock()
	if !ok {
		s.miss()
		return nil, &NotFoundError{Instrument: instrument, Version: version}
	}
	s.hit()
	return model, nil
}

// FindActiveByInstrument returns the instrument's newest model. Dated
// versions compare lexicographically so the greatest string is the newest;
// an undated legacy artifact is used only when no dated one exists.
func (s *Store) FindActiveByInstrument(instrument types.Instrument) (*types.ARModel, error) {
	s.mu.RLock()
	var best *types.ARModel
	for key, model := range s.cache {
		if key.instrument != instrument {
			continue
		}
		if best == nil {
			best = model
			continue
		}
		if versionLess(best.ModelVersion, model.ModelVersion) {
			best = model
		}
	}
	s.mu.RUnlock()
	if best == nil {
		s.miss()
		return nil, &NotFoundError{Instrument: instrument}
	}
	s.hit()
	return best, nil
}

// versionLess orders model versions: legacy sorts below every dated
// version, dated versions sort by their yyyymmdd string.
func versionLess(a, b string) bool {
	if a == LegacyVersion {
		return b != LegacyVersion
	}
	if b == LegacyVersion {
		return false
	}
	return a < b
}

// MarkUsed records a usage timestamp on the model.
func (s *Store) MarkUsed(instrument types.Instrument, version string) {
	s.mu.Lock()
	if model, ok := s.cache[cacheKey{instrument: instrument, version: version}]; ok {
		model.LastUsed = time.Now().UTC()
	}
	s.mu.Unlock()
}

func (s *Store) hit() {
	s.mu.Lock()
	s.hits++
	s.mu.Unlock()
}

func (s *Store) miss() {
	s.mu.Lock()
	s.misses++
	s.mu.Unlock()
}

// Stats describes the cache state for observability endpoints.
type Stats struct {
	Models   int               `json:"models"`
	Hits     int64             `json:"hits"`
	Misses   int64             `json:"misses"`
	LoadedAt time.Time         `json:"loadedAt"`
	Versions map[string]string `json:"versions"` // instrument -> active version
}

// Stats returns a snapshot of the cache.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		Models:   len(s.cache),
		Hits:     s.hits,
		Misses:   s.misses,
		LoadedAt: s.loaded,
		Versions: make(map[string]string),
	}
	for key, model := range s.cache {
		current, ok := st.Versions[string(key.instrument)]
		if !ok || versionLess(current, model.ModelVersion) {
			st.Versions[string(key.instrument)] = model.ModelVersion
		}
	}
	return st
}
