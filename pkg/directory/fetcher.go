package directory

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/vexlio/directory-export/pkg/retry"
)

// Fetcher walks a paginated directory collection, yielding pages in order
// until a page carries no continuation link. Each page retrieval runs under
// the retry executor; a terminal failure stops the walk and propagates.
type Fetcher struct {
	source   PageSource
	executor *retry.Executor
	policy   retry.Policy
	logger   zerolog.Logger
}

// NewFetcher creates a paged fetcher over the given source.
func NewFetcher(source PageSource, executor *retry.Executor, policy retry.Policy, logger zerolog.Logger) *Fetcher {
	return &Fetcher{
		source:   source,
		executor: executor,
		policy:   policy,
		logger:   logger,
	}
}

// Each fetches pages starting from initialURL and invokes fn for each one,
// in order. It returns the number of pages fetched and the first error
// encountered: a *retry.TerminalError from a failed page retrieval, or the
// error returned by fn. No artificial delay is imposed between pages.
func (f *Fetcher) Each(ctx context.Context, operation string, initialURL string, fn func(*Page) error) (int, error) {
	pageURL := initialURL
	pages := 0

	for {
		var page *Page
		err := f.executor.Execute(ctx, operation, f.policy, func() error {
			fetched, fetchErr := f.source.FetchPage(ctx, pageURL)
			if fetchErr != nil {
				return fetchErr
			}
			page = fetched
			return nil
		})
		if err != nil {
			f.logger.Warn().
				Str("operation", operation).
				Int("pages_fetched", pages).
				Err(err).
				Msg("Page walk stopped by terminal failure")
			return pages, err
		}

		pages++

		if err := fn(page); err != nil {
			return pages, err
		}

		// Zero records with a continuation link still means keep walking;
		// only a missing link terminates the collection.
		if page.NextLink == "" {
			return pages, nil
		}
		pageURL = page.NextLink
	}
}
