package main

import (
	"io"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/progress"
)

// barSink draws job progress as a terminal bar.
type barSink struct {
	mu  sync.Mutex
	bar *progressbar.ProgressBar
}

func newBarSink(w io.Writer) *barSink {
	return &barSink{
		bar: progressbar.NewOptions(100,
			progressbar.OptionSetWriter(w),
			progressbar.OptionSetDescription("Queued"),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionShowElapsedTimeOnFinish(),
			progressbar.OptionOnCompletion(func() { _, _ = io.WriteString(w, "\n") }),
		),
	}
}

// Publish implements progress.Sink.
func (b *barSink) Publish(s progress.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.bar.Describe(s.Step)
	_ = b.bar.Set(int(s.Percent))
	if s.Done {
		_ = b.bar.Finish()
	}
}

// Close leaves the bar where it stopped.
func (b *barSink) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.bar.IsFinished() {
		_ = b.bar.Exit()
	}
}
