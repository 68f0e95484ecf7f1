package datasource

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Factory dispatches data sources by source-id string, case-insensitively.
// Multiple implementations coexist; selection is per-request with a
// configurable default.
type Factory struct {
	mu        sync.RWMutex
	sources   map[string]HistoricalDataSource
	defaultID string
}

// NewFactory creates an empty factory with the given default source id.
func NewFactory(defaultID string) *Factory {
	return &Factory{
		sources:   make(map[string]HistoricalDataSource),
		defaultID: strings.ToLower(defaultID),
	}
}

// Register adds a source under its DataSourceID.
func (f *Factory) Register(src HistoricalDataSource) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sources[strings.ToLower(src.DataSourceID())] = src
}

// Get resolves a source id; an empty id resolves to the default.
func (f *Factory) Get(id string) (HistoricalDataSource, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	key := strings.ToLower(strings.TrimSpace(id))
	if key == "" {
		key = f.defaultID
	}
	src, ok := f.sources[key]
	if !ok {
		return nil, fmt.Errorf("unknown data source %q", id)
	}
	return src, nil
}

// DefaultID returns the configured default source id.
func (f *Factory) DefaultID() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.defaultID
}

// IDs lists the registered source ids, sorted.
func (f *Factory) IDs() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()

	ids := make([]string, 0, len(f.sources))
	for id := range f.sources {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
