package downloader

import (
	"errors"
	"fmt"
	"sync"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
)

// ErrAlreadyRecorded is returned when a second result is recorded for an
// item key.
var ErrAlreadyRecorded = errors.New("result already recorded")

// Ledger tracks which items a job has claimed and the single result
// recorded for each. Its scope is one job.
type Ledger struct {
	mu       sync.Mutex
	claimed  map[string]struct{}
	recorded map[string]int
	results  []model.DownloadResult
}

// NewLedger creates an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		claimed:  make(map[string]struct{}),
		recorded: make(map[string]int),
	}
}

// Claim reserves key. It returns false if key was claimed before.
func (l *Ledger) Claim(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.claimed[key]; ok {
		return false
	}
	l.claimed[key] = struct{}{}
	return true
}

// Record stores the result of an item.
func (l *Ledger) Record(res model.DownloadResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.recorded[res.ItemKey]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRecorded, res.ItemKey)
	}
	l.recorded[res.ItemKey] = len(l.results)
	l.results = append(l.results, res)
	return nil
}

// Result returns the result recorded for key.
func (l *Ledger) Result(key string) (model.DownloadResult, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	i, ok := l.recorded[key]
	if !ok {
		return model.DownloadResult{}, false
	}
	return l.results[i], true
}

// Results returns every recorded result in recording order.
func (l *Ledger) Results() []model.DownloadResult {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]model.DownloadResult, len(l.results))
	copy(out, l.results)
	return out
}

// Count returns how many results have status.
func (l *Ledger) Count(status model.DownloadStatus) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, r := range l.results {
		if r.Status == status {
			n++
		}
	}
	return n
}
