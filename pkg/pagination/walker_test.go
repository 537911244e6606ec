package pagination

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
)

// scriptedFetcher returns pre-built pages; responses[i] answers call i.
type scriptedFetcher struct {
	responses []func(cursor PageCursor) (*Page, error)
	cursors   []PageCursor
}

func (f *scriptedFetcher) FetchPage(ctx context.Context, part partition.Partition, cursor PageCursor) (*Page, error) {
	f.cursors = append(f.cursors, cursor)
	i := len(f.cursors) - 1
	if i >= len(f.responses) {
		return nil, fmt.Errorf("unexpected call %d", i+1)
	}
	return f.responses[i](cursor)
}

func items(ids ...string) []model.Item {
	out := make([]model.Item, len(ids))
	for i, id := range ids {
		out[i] = model.Item{ID: id, Identity: map[string]string{"id": id}, HasDownload: true}
	}
	return out
}

func tokenPage(next string, ids ...string) func(PageCursor) (*Page, error) {
	return func(PageCursor) (*Page, error) {
		return &Page{Items: items(ids...), HasContinuation: true, NextToken: next, TotalRecords: -1}, nil
	}
}

func failing(err error) func(PageCursor) (*Page, error) {
	return func(PageCursor) (*Page, error) { return nil, err }
}

func noSleep(ctx context.Context, d time.Duration) error { return ctx.Err() }

var testPart = partition.Partition{
	Index: 0,
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 1, 27, 0, 0, 0, 0, time.UTC),
}

func TestWalk_ExactlyOneCallPerPage(t *testing.T) {
	for _, pages := range []int{1, 2, 7} {
		t.Run(fmt.Sprintf("%d pages", pages), func(t *testing.T) {
			f := &scriptedFetcher{}
			for p := 0; p < pages; p++ {
				next := fmt.Sprintf("tok%d", p+1)
				if p == pages-1 {
					next = "null"
				}
				// Neighbouring pages overlap by one item.
				f.responses = append(f.responses, tokenPage(next,
					fmt.Sprintf("doc-%d", p*3), fmt.Sprintf("doc-%d", p*3+1), fmt.Sprintf("doc-%d", p*3+2), fmt.Sprintf("doc-%d", p*3+3)))
			}

			res, err := NewWalker(f, DefaultConfig(), WithSleeper(noSleep)).Walk(context.Background(), testPart)
			if err != nil {
				t.Fatalf("Walk() error = %v", err)
			}
			if len(f.cursors) != pages {
				t.Errorf("calls = %d, want %d", len(f.cursors), pages)
			}
			if res.Pages != pages {
				t.Errorf("Pages = %d, want %d", res.Pages, pages)
			}
			if res.Partial {
				t.Error("Partial = true, want false")
			}

			ids := make(map[string]bool)
			for _, it := range res.Items {
				if ids[it.ID] {
					t.Errorf("duplicate item %s", it.ID)
				}
				ids[it.ID] = true
			}
			if want := pages*3 + 1; len(res.Items) != want {
				t.Errorf("items = %d, want %d", len(res.Items), want)
			}
			if res.Duplicates != pages-1 {
				t.Errorf("Duplicates = %d, want %d", res.Duplicates, pages-1)
			}
		})
	}
}

func TestWalk_CursorProgression(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("abc", "1"),
		tokenPage("def", "2"),
		tokenPage("", "3"),
	}}

	if _, err := NewWalker(f, DefaultConfig()).Walk(context.Background(), testPart); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}

	want := []PageCursor{{1, ""}, {2, "abc"}, {3, "def"}}
	for i, c := range want {
		if f.cursors[i] != c {
			t.Errorf("cursor[%d] = %+v, want %+v", i, f.cursors[i], c)
		}
	}
}

func TestWalk_TerminalSentinels(t *testing.T) {
	for _, sentinel := range []string{"", "null", "-1"} {
		t.Run("sentinel "+sentinel, func(t *testing.T) {
			f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){tokenPage(sentinel, "1")}}
			res, err := NewWalker(f, DefaultConfig()).Walk(context.Background(), testPart)
			if err != nil || res.Pages != 1 {
				t.Errorf("Walk() pages = %d err = %v, want 1 page", res.Pages, err)
			}
		})
	}
}

func TestWalk_RepeatedCursorConfirmedThenTerminal(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("stuck", "1", "2"),
		tokenPage("stuck", "3"),
		tokenPage("stuck", "3"),
	}}

	var delays []time.Duration
	sleeper := func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res, err := NewWalker(f, DefaultConfig(), WithSleeper(sleeper)).Walk(context.Background(), testPart)
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(f.cursors) != 3 {
		t.Errorf("calls = %d, want 3 (page, repeat, confirm)", len(f.cursors))
	}
	if f.cursors[1] != f.cursors[2] {
		t.Errorf("confirm call used cursor %+v, want %+v", f.cursors[2], f.cursors[1])
	}
	if len(delays) != 1 || delays[0] != time.Second {
		t.Errorf("delays = %v, want one 1s confirm delay", delays)
	}
	if len(res.Items) != 3 {
		t.Errorf("items = %d, want 3", len(res.Items))
	}
	if res.Partial {
		t.Error("repeated cursor should end the walk cleanly")
	}
}

func TestWalk_RepeatedCursorRecovers(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("a", "1"),
		tokenPage("a", "2"),
		tokenPage("b", "2"),
		tokenPage("null", "3"),
	}}

	res, err := NewWalker(f, DefaultConfig(), WithSleeper(noSleep)).Walk(context.Background(), testPart)
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(f.cursors) != 4 {
		t.Errorf("calls = %d, want 4", len(f.cursors))
	}
	if len(res.Items) != 3 {
		t.Errorf("items = %d, want 3", len(res.Items))
	}
}

func TestWalk_ConfirmPauseFailureIsPartial(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("stuck", "1"),
		tokenPage("stuck", "2"),
	}}
	broken := errors.New("timer unavailable")
	sleeper := func(ctx context.Context, d time.Duration) error { return broken }

	res, err := NewWalker(f, DefaultConfig(), WithSleeper(sleeper)).Walk(context.Background(), testPart)
	if err != nil {
		t.Fatalf("Walk() error = %v, want nil with partial result", err)
	}
	if !res.Partial || !errors.Is(res.Err, broken) {
		t.Errorf("Partial = %v, Err = %v; want partial with the sleeper error", res.Partial, res.Err)
	}
	if len(f.cursors) != 2 {
		t.Errorf("calls = %d, want 2", len(f.cursors))
	}
}

func TestWalk_CancelledDuringConfirmPause(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("stuck", "1"),
		tokenPage("stuck", "2"),
		tokenPage("stuck", "2"),
	}}

	paused := false
	sleeper := func(ctx context.Context, d time.Duration) error {
		paused = true
		return nil
	}
	checker := cancel.CheckerFunc(func(ctx context.Context) error {
		if paused {
			return &cancel.Error{Reason: cancel.ReasonHeartbeatTimeout}
		}
		return nil
	})

	_, err := NewWalker(f, DefaultConfig(), WithSleeper(sleeper), WithChecker(checker)).Walk(context.Background(), testPart)
	if cancel.ReasonOf(err) != cancel.ReasonHeartbeatTimeout {
		t.Fatalf("Walk() error = %v, want heartbeat_timeout", err)
	}
	if len(f.cursors) != 2 {
		t.Errorf("calls = %d, want 2 (no confirm call after cancellation)", len(f.cursors))
	}
}

func TestWalk_PageCountMode(t *testing.T) {
	f := &scriptedFetcher{}
	for p := 1; p <= 4; p++ {
		id := fmt.Sprint(p)
		f.responses = append(f.responses, func(PageCursor) (*Page, error) {
			return &Page{Items: items(id), TotalPages: 4, TotalRecords: 4}, nil
		})
	}

	res, err := NewWalker(f, DefaultConfig()).Walk(context.Background(), testPart)
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(f.cursors) != 4 || res.Pages != 4 {
		t.Errorf("calls = %d pages = %d, want 4", len(f.cursors), res.Pages)
	}
	for i, c := range f.cursors {
		if c.PageNumber != i+1 || c.Token != "" {
			t.Errorf("cursor[%d] = %+v", i, c)
		}
	}
	if res.TotalRecords != 4 {
		t.Errorf("TotalRecords = %d, want 4", res.TotalRecords)
	}
}

func TestWalk_MissingContinuationFieldStops(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		func(PageCursor) (*Page, error) { return &Page{Items: items("1", "2")}, nil },
	}}

	res, err := NewWalker(f, DefaultConfig()).Walk(context.Background(), testPart)
	if err != nil || res.Pages != 1 {
		t.Errorf("Walk() pages = %d err = %v, want 1 page", res.Pages, err)
	}
}

func TestWalk_ExhaustedMidWalkIsPartial(t *testing.T) {
	exhausted := fmt.Errorf("%w after 10 attempts: 503", client.ErrExhaustedRetries)
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("p2", "1", "2"),
		failing(exhausted),
	}}

	res, err := NewWalker(f, DefaultConfig()).Walk(context.Background(), testPart)
	if err != nil {
		t.Fatalf("Walk() error = %v, want nil for non-fatal failure", err)
	}
	if !res.Partial {
		t.Error("Partial = false, want true")
	}
	if !errors.Is(res.Err, client.ErrExhaustedRetries) {
		t.Errorf("Err = %v, want ErrExhaustedRetries", res.Err)
	}
	if len(res.Items) != 2 {
		t.Errorf("items = %d, want 2 from the first page", len(res.Items))
	}
}

func TestWalk_FatalErrorsPropagate(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"auth expired", fmt.Errorf("list: %w", client.ErrAuthExpired)},
		{"cancelled", &cancel.Error{Reason: cancel.ReasonRequested}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
				tokenPage("p2", "1"),
				failing(tt.err),
			}}
			res, err := NewWalker(f, DefaultConfig()).Walk(context.Background(), testPart)
			if !errors.Is(err, tt.err) {
				t.Errorf("Walk() error = %v, want %v", err, tt.err)
			}
			if res == nil || len(res.Items) != 1 {
				t.Errorf("Walk() should return items gathered before the failure")
			}
		})
	}
}

func TestWalk_CheckpointBeforeEachPage(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		tokenPage("p2", "1"),
		tokenPage("p3", "2"),
		tokenPage("null", "3"),
	}}

	checks := 0
	checker := cancel.CheckerFunc(func(ctx context.Context) error {
		checks++
		if checks == 2 {
			return &cancel.Error{Reason: cancel.ReasonRequested}
		}
		return nil
	})

	_, err := NewWalker(f, DefaultConfig(), WithChecker(checker)).Walk(context.Background(), testPart)
	if !errors.Is(err, cancel.ErrCancelled) {
		t.Fatalf("Walk() error = %v, want cancelled", err)
	}
	if len(f.cursors) != 1 {
		t.Errorf("calls = %d, want 1 before the checkpoint tripped", len(f.cursors))
	}
}

func TestWalk_MaxPagesGuard(t *testing.T) {
	f := &scriptedFetcher{}
	for p := 0; p < 5; p++ {
		f.responses = append(f.responses, tokenPage(fmt.Sprintf("t%d", p), fmt.Sprint(p)))
	}

	cfg := DefaultConfig()
	cfg.MaxPages = 3
	res, err := NewWalker(f, cfg).Walk(context.Background(), testPart)
	if err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(f.cursors) != 3 || !res.Partial {
		t.Errorf("calls = %d partial = %v, want 3 / true", len(f.cursors), res.Partial)
	}
}

func TestWalk_PageHook(t *testing.T) {
	f := &scriptedFetcher{responses: []func(PageCursor) (*Page, error){
		func(PageCursor) (*Page, error) {
			return &Page{Items: items("1", "2"), HasContinuation: true, NextToken: "x", TotalRecords: 3}, nil
		},
		func(PageCursor) (*Page, error) {
			return &Page{Items: items("2", "3"), HasContinuation: true, TotalRecords: 3}, nil
		},
	}}

	var events []PageEvent
	hook := func(e PageEvent) { events = append(events, e) }

	if _, err := NewWalker(f, DefaultConfig(), WithPageHook(hook)).Walk(context.Background(), testPart); err != nil {
		t.Fatalf("Walk() error = %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("events = %d, want 2", len(events))
	}
	if events[0].TotalRecords != 3 || events[0].NewItems != 2 {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[1].NewItems != 1 || events[1].ItemsSoFar != 3 || events[1].PageNumber != 2 {
		t.Errorf("events[1] = %+v", events[1])
	}
}
