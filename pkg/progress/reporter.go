// Package progress turns partition, page and item events into a single
// monotonic percentage and a human-readable step.
//
// Each partition is pre-weighted by its share of the requested days, since
// item counts are unknown up front. Once a partition's item total is known
// its weight is split evenly per item, half credited when the item is
// listed and half when it is resolved. The reported percent never goes
// down and stays at or below PackagingPercent until Complete is called.
package progress

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
)

// PackagingPercent is reported while the archive is being built.
const PackagingPercent = 99.0

// Snapshot is one progress observation.
type Snapshot struct {
	Percent                   float64   `json:"percent"`
	Step                      string    `json:"currentStep"`
	Processed                 int       `json:"processed"`
	Total                     int       `json:"total"`
	EstimatedRemainingSeconds int       `json:"estimatedRemainingSeconds"`
	Done                      bool      `json:"done"`
	At                        time.Time `json:"at"`
}

// Sink receives snapshots.
type Sink interface {
	Publish(Snapshot)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Snapshot)

// Publish calls f.
func (f SinkFunc) Publish(s Snapshot) { f(s) }

type partState struct {
	weight   float64
	total    int
	listed   int
	resolved int
	done     bool
}

func (p *partState) credit() float64 {
	switch {
	case p.done:
		return p.weight
	case p.total <= 0:
		return 0
	}
	c := p.weight * float64(p.listed+p.resolved) / float64(2*p.total)
	return math.Min(c, p.weight)
}

// Reporter aggregates progress for one job. It is safe for concurrent use.
type Reporter struct {
	mu        sync.Mutex
	parts     []partition.Partition
	state     []partState
	percent   float64
	step      string
	processed int
	started   time.Time
	now       func() time.Time
	sinks     []Sink
	completed bool
}

// NewReporter creates a reporter over parts.
func NewReporter(parts []partition.Partition, sinks ...Sink) *Reporter {
	r := &Reporter{
		parts:   parts,
		state:   make([]partState, len(parts)),
		now:     time.Now,
		sinks:   sinks,
		step:    "Queued",
		started: time.Now(),
	}

	totalDays := partition.TotalDays(parts)
	for i, p := range parts {
		r.state[i].total = -1
		if totalDays > 0 {
			r.state[i].weight = float64(p.Days()) / float64(totalDays)
		}
	}
	return r
}

// SetClock replaces the time source (for testing). It also resets the start
// time used for estimates.
func (r *Reporter) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
	r.started = now()
}

// AddSink registers another sink.
func (r *Reporter) AddSink(s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks = append(r.sinks, s)
}

// PartitionStarted marks the start of partition i.
func (r *Reporter) PartitionStarted(i int) {
	r.update(func() {
		r.step = r.partitionLabel(i) + ": listing"
	})
}

// PageFetched records a listed page. totalRecords < 0 means unknown.
func (r *Reporter) PageFetched(i, page, itemsSoFar, totalRecords int) {
	r.update(func() {
		st := &r.state[i]
		if st.total < 0 && totalRecords >= 0 {
			st.total = totalRecords
		}
		if itemsSoFar > st.listed {
			st.listed = itemsSoFar
		}
		if st.total >= 0 && st.listed > st.total {
			st.total = st.listed
		}
		r.step = fmt.Sprintf("%s: listing page %d", r.partitionLabel(i), page)
	})
}

// ItemsDiscovered fixes the item total of partition i once its walk ended.
func (r *Reporter) ItemsDiscovered(i, n int) {
	r.update(func() {
		st := &r.state[i]
		st.total = n
		st.listed = n
		if st.resolved > n {
			st.resolved = n
		}
	})
}

// ItemResolved records that the done-th of total items of partition i was
// downloaded, skipped or failed.
func (r *Reporter) ItemResolved(i, done, total int) {
	r.update(func() {
		st := &r.state[i]
		if st.total < total {
			st.total = total
			st.listed = total
		}
		if done > st.resolved {
			r.processed += done - st.resolved
			st.resolved = done
		}
		r.step = fmt.Sprintf("%s: downloading %d/%d", r.partitionLabel(i), done, total)
	})
}

// PartitionDone credits the full weight of partition i.
func (r *Reporter) PartitionDone(i int) {
	r.update(func() {
		r.state[i].done = true
	})
}

// Packaging enters the final packaging step.
func (r *Reporter) Packaging() {
	r.update(func() {
		for i := range r.state {
			r.state[i].done = true
		}
		r.step = "Packaging archive"
	})
}

// Complete reports 100%.
func (r *Reporter) Complete() {
	r.update(func() {
		r.completed = true
		r.step = "Completed"
	})
}

// Stop ends reporting without completing, e.g. on cancellation.
func (r *Reporter) Stop(step string) {
	r.update(func() {
		r.step = step
	})
}

// Snapshot returns the current progress.
func (r *Reporter) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot()
}

func (r *Reporter) update(fn func()) {
	r.mu.Lock()
	fn()
	r.recompute()
	snap := r.snapshot()
	sinks := append([]Sink(nil), r.sinks...)
	r.mu.Unlock()

	for _, s := range sinks {
		s.Publish(snap)
	}
}

// recompute refreshes percent; callers hold r.mu.
func (r *Reporter) recompute() {
	if r.completed {
		r.percent = 100
		return
	}
	var sum float64
	for i := range r.state {
		sum += r.state[i].credit()
	}
	pct := math.Min(sum*100, PackagingPercent)
	// Two decimals; the epsilon absorbs float drift from the day weights.
	pct = math.Floor(pct*100+1e-6) / 100
	if pct > r.percent {
		r.percent = pct
	}
}

// snapshot builds a Snapshot; callers hold r.mu.
func (r *Reporter) snapshot() Snapshot {
	total := 0
	for _, st := range r.state {
		if st.total > 0 {
			total += st.total
		}
	}
	return Snapshot{
		Percent:                   r.percent,
		Step:                      r.step,
		Processed:                 r.processed,
		Total:                     total,
		EstimatedRemainingSeconds: r.eta(),
		Done:                      r.completed,
		At:                        r.now(),
	}
}

// eta extrapolates elapsed time linearly; callers hold r.mu.
func (r *Reporter) eta() int {
	if r.completed || r.percent <= 0 {
		return 0
	}
	elapsed := r.now().Sub(r.started).Seconds()
	return int(math.Ceil(elapsed * (100 - r.percent) / r.percent))
}

func (r *Reporter) partitionLabel(i int) string {
	p := r.parts[i]
	return fmt.Sprintf("Partition %d/%d (%s)", i+1, len(r.parts), p.Format(partition.DateLayout))
}
