package feed

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/fetcher"
	"github.com/openauthority/authsync/internal/model"
)

// ErrFeedFetch marks an activity page that could not be fetched or
// decoded. The walk aborts with the ledger untouched, so the next run
// covers the same ground.
var ErrFeedFetch = eris.New("activity feed unavailable")

// CompletionChecker is the slice of the ledger the walker reads.
type CompletionChecker interface {
	Has(ctx context.Context, uniqueID string) (bool, error)
}

// Walker pages through the activity stream and collects the tuples that
// have no completion marker yet. The feed is assumed newest-first: once a
// whole page is already ledgered, everything behind it is too, so the
// walk stops there instead of rescanning the full history.
type Walker struct {
	fetcher  fetcher.Fetcher
	ledger   CompletionChecker
	baseURL  string
	maxPages int
}

// WalkResult is the outcome of one walk.
type WalkResult struct {
	// Tuples holds the unprocessed work in feed order, deduplicated by
	// unique id with the first occurrence kept.
	Tuples []model.ActivityTuple
	// PagesWalked counts pages fetched and inspected, the stop page
	// included.
	PagesWalked int
}

// NewWalker builds a walker over the stream rooted at baseURL. Zero
// values fall back to the public defaults.
func NewWalker(f fetcher.Fetcher, ledger CompletionChecker, baseURL string, maxPages int) *Walker {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if maxPages <= 0 {
		maxPages = DefaultMaxPages
	}
	return &Walker{fetcher: f, ledger: ledger, baseURL: baseURL, maxPages: maxPages}
}

// Walk fetches pages starting at 1 and stops at the first page whose
// items are all ledgered, at an empty page (end of feed), or at the page
// bound. A fetch or ledger failure aborts the walk; nothing is marked
// completed, so the next run retries the same ground.
func (w *Walker) Walk(ctx context.Context) (*WalkResult, error) {
	log := zap.L().With(zap.String("component", "feed"))

	// Ledger state per unique id, cached so repeat occurrences across
	// pages cost one lookup.
	status := make(map[string]bool)
	var tuples []model.ActivityTuple
	pages := 0

	for n := 1; n <= w.maxPages; n++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		page, err := fetcher.FetchJSON[Page](ctx, w.fetcher, PageURL(w.baseURL, n))
		if err != nil {
			return nil, eris.Wrapf(ErrFeedFetch, "feed: fetch page %d: %v", n, err)
		}
		pages++

		pageItems := 0
		pageDone := 0
		for _, item := range page.OrderedItems {
			tuple, ok := item.Tuple()
			if !ok {
				log.Warn("skipping item without record reference",
					zap.Int("page", n),
					zap.String("published", item.Published))
				continue
			}
			pageItems++

			key := tuple.UniqueID()
			done, checked := status[key]
			if !checked {
				done, err = w.ledger.Has(ctx, key)
				if err != nil {
					return nil, eris.Wrapf(err, "feed: ledger lookup for %s", key)
				}
				status[key] = done
				if !done {
					tuples = append(tuples, tuple)
				}
			}
			if done {
				pageDone++
			}
		}

		if pageItems == 0 {
			log.Info("empty page, end of feed", zap.Int("page", n))
			break
		}
		if pageDone == pageItems {
			log.Info("page fully processed, stopping walk",
				zap.Int("page", n),
				zap.Int("items", pageItems))
			break
		}

		log.Debug("page walked",
			zap.Int("page", n),
			zap.Int("items", pageItems),
			zap.Int("new", pageItems-pageDone))
	}

	log.Info("walk complete",
		zap.Int("pages", pages),
		zap.Int("tuples", len(tuples)))

	return &WalkResult{Tuples: tuples, PagesWalked: pages}, nil
}
