package pagination

import (
	"context"
	"time"

	"github.com/phuongtri1909/tool-gotax-sub000/pkg/cancel"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/client"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/model"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/partition"
	"github.com/phuongtri1909/tool-gotax-sub000/pkg/ratelimit"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds walker configuration.
type Config struct {
	// MaxPages guards against upstreams that never terminate.
	MaxPages int

	// ConfirmDelay is the pause before re-issuing a call whose response
	// repeated the cursor it was sent with.
	ConfirmDelay time.Duration

	// TerminalTokens are continuation values that mean "no more pages".
	TerminalTokens []string
}

// DefaultConfig returns the default walker configuration.
func DefaultConfig() Config {
	return Config{
		MaxPages:       1000,
		ConfirmDelay:   1 * time.Second,
		TerminalTokens: []string{"", "null", "-1"},
	}
}

// PageCursor identifies the page to request. The zero Token means "first
// page / no continuation".
type PageCursor struct {
	PageNumber int
	Token      string
}

// Page is one parsed listing response.
type Page struct {
	Items []model.Item

	// HasContinuation is true when the response carried a continuation
	// field at all, even a null one.
	HasContinuation bool
	NextToken       string

	// TotalRecords is the upstream's total for the partition, or -1.
	TotalRecords int

	// TotalPages is set by rendered listings; 0 means unknown.
	TotalPages int
}

// PageFetcher fetches one page of a partition's listing.
type PageFetcher interface {
	FetchPage(ctx context.Context, part partition.Partition, cursor PageCursor) (*Page, error)
}

// PageEvent is reported after every successfully fetched page.
type PageEvent struct {
	Partition    partition.Partition
	PageNumber   int
	NewItems     int
	ItemsSoFar   int
	TotalRecords int
	TotalPages   int
}

// Result is the outcome of walking one partition.
type Result struct {
	Partition    partition.Partition
	Items        []model.Item
	Pages        int
	TotalRecords int
	Duplicates   int

	// Partial is set when the walk stopped before the upstream said it was
	// done. Err holds the cause.
	Partial bool
	Err     error
}

// Walker walks paginated listings sequentially.
type Walker struct {
	fetcher PageFetcher
	config  Config
	checker cancel.Checker
	onPage  func(PageEvent)
	sleep   func(ctx context.Context, d time.Duration) error
	logger  zerolog.Logger
}

// Option configures a Walker.
type Option func(*Walker)

// WithChecker sets the cancellation checkpoint consulted before each page.
func WithChecker(c cancel.Checker) Option {
	return func(w *Walker) { w.checker = c }
}

// WithPageHook registers a callback for every fetched page.
func WithPageHook(fn func(PageEvent)) Option {
	return func(w *Walker) { w.onPage = fn }
}

// WithLogger overrides the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(w *Walker) { w.logger = l }
}

// WithSleeper replaces the confirm-delay sleeper (for testing).
func WithSleeper(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(w *Walker) { w.sleep = fn }
}

// NewWalker creates a walker.
func NewWalker(fetcher PageFetcher, config Config, opts ...Option) *Walker {
	if config.MaxPages <= 0 {
		config.MaxPages = 1000
	}
	if config.TerminalTokens == nil {
		config.TerminalTokens = DefaultConfig().TerminalTokens
	}

	w := &Walker{
		fetcher: fetcher,
		config:  config,
		checker: cancel.ContextOnly,
		onPage:  func(PageEvent) {},
		sleep:   ratelimit.Sleep,
		logger:  log.With().Str("component", "pagination").Logger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Walk collects every item of part. Fatal errors (expired auth or
// cancellation) are returned together with whatever was collected so far;
// other failures end the walk with Result.Partial set and a nil error.
func (w *Walker) Walk(ctx context.Context, part partition.Partition) (*Result, error) {
	start := time.Now()
	res := &Result{Partition: part, TotalRecords: -1}
	seen := make(map[string]struct{})

	cursor := PageCursor{PageNumber: 1}
	confirming := false

	for {
		if res.Pages >= w.config.MaxPages {
			w.logger.Warn().
				Str("partition", part.String()).
				Int("max_pages", w.config.MaxPages).
				Msg("Page limit reached, stopping walk")
			res.Partial = true
			break
		}

		if err := w.checker.Check(ctx); err != nil {
			return res, err
		}

		page, err := w.fetcher.FetchPage(ctx, part, cursor)
		if err != nil {
			if client.IsFatal(err) {
				return res, err
			}
			w.logger.Warn().
				Err(err).
				Str("partition", part.String()).
				Int("page", cursor.PageNumber).
				Int("items", len(res.Items)).
				Msg("Listing failed mid-walk, keeping partial results")
			res.Partial = true
			res.Err = err
			break
		}

		res.Pages++
		if res.TotalRecords < 0 && page.TotalRecords >= 0 {
			res.TotalRecords = page.TotalRecords
		}

		added := 0
		for _, it := range page.Items {
			key := it.Key()
			if _, dup := seen[key]; dup {
				res.Duplicates++
				continue
			}
			seen[key] = struct{}{}
			it.PartitionIndex = part.Index
			if it.PageNumber == 0 {
				it.PageNumber = cursor.PageNumber
			}
			res.Items = append(res.Items, it)
			added++
		}

		w.onPage(PageEvent{
			Partition:    part,
			PageNumber:   cursor.PageNumber,
			NewItems:     added,
			ItemsSoFar:   len(res.Items),
			TotalRecords: res.TotalRecords,
			TotalPages:   page.TotalPages,
		})

		next, done := w.advance(cursor, page, &confirming)
		if done {
			break
		}
		if next == cursor {
			// Repeated cursor: confirm once after a pause.
			if err := w.sleep(ctx, w.config.ConfirmDelay); err != nil {
				if cerr := cancel.FromContext(ctx); cerr != nil {
					return res, cerr
				}
				w.logger.Warn().
					Err(err).
					Str("partition", part.String()).
					Int("page", cursor.PageNumber).
					Msg("Confirmation pause failed, keeping partial results")
				res.Partial = true
				res.Err = err
				break
			}
			if err := w.checker.Check(ctx); err != nil {
				return res, err
			}
		}
		cursor = next
	}

	w.logger.Info().
		Str("partition", part.String()).
		Int("pages", res.Pages).
		Int("items", len(res.Items)).
		Int("duplicates", res.Duplicates).
		Bool("partial", res.Partial).
		Dur("duration", time.Since(start)).
		Msg("Partition walk complete")

	return res, nil
}

// advance decides the next cursor, or done.
func (w *Walker) advance(cur PageCursor, page *Page, confirming *bool) (PageCursor, bool) {
	if page.HasContinuation {
		if w.isTerminal(page.NextToken) {
			return cur, true
		}
		if page.NextToken == cur.Token {
			if *confirming {
				w.logger.Warn().
					Str("token", cur.Token).
					Int("page", cur.PageNumber).
					Msg("Continuation token repeated after confirmation, treating as terminal")
				return cur, true
			}
			*confirming = true
			return cur, false
		}
		*confirming = false
		return PageCursor{PageNumber: cur.PageNumber + 1, Token: page.NextToken}, false
	}

	if page.TotalPages > 0 && cur.PageNumber < page.TotalPages {
		return PageCursor{PageNumber: cur.PageNumber + 1}, false
	}

	return cur, true
}

func (w *Walker) isTerminal(token string) bool {
	for _, t := range w.config.TerminalTokens {
		if token == t {
			return true
		}
	}
	return false
}
