// Package partition splits a requested date range into bounded, contiguous
// sub-ranges that the upstream listing endpoints accept in one query.
package partition

import (
	"errors"
	"fmt"
	"time"
)

// DateLayout is the dd/MM/yyyy layout used by the upstream query parameters.
const DateLayout = "02/01/2006"

var (
	// ErrInvalidRange is returned when the range start is after its end.
	ErrInvalidRange = errors.New("invalid date range")

	// ErrInvalidMaxDays is returned when the partition width is not positive.
	ErrInvalidMaxDays = errors.New("max days must be at least 1")
)

// Partition is one inclusive, calendar-day sub-range of a job's date range.
type Partition struct {
	Index int       `json:"index"`
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Days returns the number of calendar days covered, counting both ends.
func (p Partition) Days() int {
	return daysBetween(p.Start, p.End) + 1
}

// Format renders the bounds with the given layout, e.g. "01/01/2024–27/01/2024".
func (p Partition) Format(layout string) string {
	return p.Start.Format(layout) + "–" + p.End.Format(layout)
}

// String implements fmt.Stringer.
func (p Partition) String() string {
	return fmt.Sprintf("#%d %s", p.Index, p.Format(DateLayout))
}

// Plan splits [start, end] into ordered partitions of at most maxDays days.
// Only the final partition may be shorter. Times are truncated to the
// calendar day in their own location.
func Plan(start, end time.Time, maxDays int) ([]Partition, error) {
	if maxDays < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidMaxDays, maxDays)
	}

	start = Day(start)
	end = Day(end)
	if start.After(end) {
		return nil, fmt.Errorf("%w: start %s is after end %s",
			ErrInvalidRange, start.Format(DateLayout), end.Format(DateLayout))
	}

	var parts []Partition
	for cur := start; !cur.After(end); {
		last := cur.AddDate(0, 0, maxDays-1)
		if last.After(end) {
			last = end
		}
		parts = append(parts, Partition{
			Index: len(parts),
			Start: cur,
			End:   last,
		})
		cur = last.AddDate(0, 0, 1)
	}

	return parts, nil
}

// TotalDays sums the day span of all partitions.
func TotalDays(parts []Partition) int {
	total := 0
	for _, p := range parts {
		total += p.Days()
	}
	return total
}

// Day truncates t to midnight in t's location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// ParseDate accepts dd/MM/yyyy or yyyy-MM-dd.
func ParseDate(s string) (time.Time, error) {
	for _, layout := range []string{DateLayout, "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse date %q: expected dd/mm/yyyy or yyyy-mm-dd", s)
}

// daysBetween counts whole days from a to b using civil dates, so DST
// transitions do not shift the result.
func daysBetween(a, b time.Time) int {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	ua := time.Date(ay, am, ad, 0, 0, 0, 0, time.UTC)
	ub := time.Date(by, bm, bd, 0, 0, 0, 0, time.UTC)
	return int(ub.Sub(ua).Hours() / 24)
}
