// Package pagination walks the pages of one partition's listing.
//
// The portal paginates in two ways. JSON listings return a continuation
// token ("state") that must be echoed on the next call; rendered listings
// carry a page count instead. The Walker supports both, strictly
// sequentially, because the upstream ties continuation tokens to the
// session that issued them.
//
// Example usage:
//
//	walker := pagination.NewWalker(source, pagination.DefaultConfig(),
//		pagination.WithChecker(monitor),
//		pagination.WithPageHook(reporter.PageDone))
//	result, err := walker.Walk(ctx, part)
//
// The walker:
//   - Issues the first call without a cursor
//   - Follows continuation tokens until one is absent or terminal
//   - Confirms a repeated token once after a short delay, then stops
//   - Falls back to page numbers when the response reports a page count
//   - Deduplicates items by their canonical identity
//   - Returns partial results when retries are exhausted mid-walk
package pagination
