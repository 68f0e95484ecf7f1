package types

import (
	"fmt"
	"time"
)

// TimeRange is an inclusive interval of instants [From, To] with From <= To.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// NewTimeRange builds a range, rejecting inverted bounds.
func NewTimeRange(from, to time.Time) (TimeRange, error) {
	if to.Before(from) {
		return TimeRange{}, fmt.Errorf("time range from %s after to %s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	return TimeRange{From: from, To: to}, nil
}

// TimeRangeFromDates maps calendar days a..b (day-inclusive) to the instant
// range [startOfDay(a), startOfDay(b)+24h] in UTC, so the last day's bar at
// midnight falls inside the range.
func TimeRangeFromDates(a, b time.Time) TimeRange {
	return TimeRange{
		From: StartOfDayUTC(a),
		To:   StartOfDayUTC(b).Add(24 * time.Hour),
	}
}

// StartOfDayUTC floors an instant to UTC midnight.
func StartOfDayUTC(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.From) && !t.After(r.To)
}

// DurationDays returns the range length in whole days.
func (r TimeRange) DurationDays() int {
	return int(r.To.Sub(r.From).Hours() / 24)
}

// Overlaps reports whether two ranges share any instant.
func (r TimeRange) Overlaps(o TimeRange) bool {
	return !r.To.Before(o.From) && !o.To.Before(r.From)
}

// SplitIntoDays chunks the range into sub-ranges of at most n days. The
// chunks tile the original range exactly, touching only at endpoints.
// A zero-length range yields a single zero-length chunk.
func (r TimeRange) SplitIntoDays(n int) []TimeRange {
	if n <= 0 {
		return []TimeRange{r}
	}
	if !r.From.Before(r.To) {
		return []TimeRange{r}
	}

	step := time.Duration(n) * 24 * time.Hour
	chunks := make([]TimeRange, 0, r.DurationDays()/n+1)
	cur := r.From
	for cur.Before(r.To) {
		end := cur.Add(step)
		if end.After(r.To) {
			end = r.To
		}
		chunks = append(chunks, TimeRange{From: cur, To: end})
		cur = end
	}
	return chunks
}

// Days enumerates the UTC calendar days whose midnight falls in [From, To).
// The To instant itself is excluded so a day-inclusive range built by
// TimeRangeFromDates enumerates exactly its calendar days.
func (r TimeRange) Days() []time.Time {
	var days []time.Time
	for d := StartOfDayUTC(r.From); d.Before(r.To); d = d.Add(24 * time.Hour) {
		days = append(days, d)
	}
	return days
}

func (r TimeRange) String() string {
	return fmt.Sprintf("[%s, %s]", r.From.Format(time.RFC3339), r.To.Format(time.RFC3339))
}
