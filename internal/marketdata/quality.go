// Quality metrics for historical bar series. Bad data ruins forecasts, so
// every merge recomputes completeness against the calendar span.
package marketdata

import (
	"time"

	"github.com/atlas-desktop/forecast-backend/pkg/types"
)

// ComputeQuality derives quality metrics for a daily series with the given
// distinct point count and span. Completeness is measured against the
// expected one-bar-per-day calendar between earliest and latest; duplicate
// merges are counted by the caller.
func ComputeQuality(total, duplicates int, earliest, latest time.Time, source string, at time.Time) types.QualityMetrics {
	metrics := types.QualityMetrics{
		TotalPoints:     total,
		DuplicatePoints: duplicates,
		LastUpdated:     at,
		DataSource:      source,
	}
	if total == 0 || earliest.IsZero() {
		return metrics
	}

	expected := int(latest.Sub(earliest).Hours()/24) + 1
	if expected < total {
		expected = total
	}

	metrics.MissingPoints = expected - total
	metrics.CompletenessPct = float64(total) / float64(expected) * 100
	return metrics
}

// QualityFromSlice computes metrics directly from a bar slice, counting
// in-slice timestamp collisions as duplicates.
func QualityFromSlice(bars []types.OHLCV, source string, at time.Time) types.QualityMetrics {
	seen := make(map[int64]bool, len(bars))
	duplicates := 0
	var earliest, latest time.Time
	for _, bar := range bars {
		ts := bar.Timestamp.UTC()
		if seen[ts.UnixNano()] {
			duplicates++
		}
		seen[ts.UnixNano()] = true
		if earliest.IsZero() || ts.Before(earliest) {
			earliest = ts
		}
		if latest.IsZero() || ts.After(latest) {
			latest = ts
		}
	}
	return ComputeQuality(len(seen), duplicates, earliest, latest, source, at)
}
