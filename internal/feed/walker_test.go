package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/fetcher"
)

func init() {
	// Replace global logger with a no-op to avoid nil pointer panics in tests.
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeLedger struct {
	done    map[string]bool
	err     error
	lookups int
}

func (l *fakeLedger) Has(_ context.Context, uniqueID string) (bool, error) {
	l.lookups++
	if l.err != nil {
		return false, l.err
	}
	return l.done[uniqueID], nil
}

func feedItem(lccn, update, published string) Item {
	return Item{
		Type:      "Update",
		Published: published,
		Object: Object{
			ID:     "http://id.loc.gov/authorities/names/" + lccn,
			Type:   "rdf:Description",
			Update: update,
		},
	}
}

type pageHits struct {
	mu    sync.Mutex
	count map[int]int
}

func (h *pageHits) inc(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count[n]++
}

func (h *pageHits) get(n int) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count[n]
}

// newFeedServer serves the given pages under /feed/{n}.json and records
// how often each page was requested. Unlisted pages return 404.
func newFeedServer(t *testing.T, pages map[int][]Item) (*httptest.Server, *pageHits) {
	t.Helper()

	hits := &pageHits{count: make(map[int]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		if _, err := fmt.Sscanf(r.URL.Path, "/feed/%d.json", &n); err != nil {
			http.NotFound(w, r)
			return
		}
		hits.inc(n)
		items, ok := pages[n]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		page := Page{
			ID:           r.URL.Path,
			Type:         "OrderedCollectionPage",
			OrderedItems: items,
		}
		if err := json.NewEncoder(w).Encode(page); err != nil {
			t.Errorf("encode page %d: %v", n, err)
		}
	}))
	t.Cleanup(srv.Close)

	return srv, hits
}

func newWalkFetcher() *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:   "test-agent",
		Timeout:     5 * time.Second,
		MaxRetries:  3,
		DefaultRate: 1000,
	})
}

func TestPageURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "https://id.loc.gov/authorities/names/activitystreams/feed/3.json",
		PageURL("https://id.loc.gov/authorities/names/activitystreams", 3))
	assert.Equal(t, "http://example.com/feed/1.json", PageURL("http://example.com/", 1))
}

func TestItemTuple(t *testing.T) {
	t.Parallel()

	item := feedItem("n79021164", "2024-03-14T10:00:00", "2001-05-20T00:00:00")
	tuple, ok := item.Tuple()
	require.True(t, ok)
	assert.Equal(t, "n79021164", tuple.AuthorityID)
	assert.Equal(t, "2024-03-14T10:00:00", tuple.UpdateDate)
	assert.Equal(t, "2001-05-20T00:00:00", tuple.PublishedDate)
	assert.Equal(t, "http://id.loc.gov/authorities/names/n79021164", tuple.RecordRef)
}

func TestItemTuple_NoObjectID(t *testing.T) {
	t.Parallel()

	item := Item{Type: "Update", Published: "2024-03-14T10:00:00"}
	_, ok := item.Tuple()
	assert.False(t, ok)
}

func TestWalk_StopsAtFullyProcessedPage(t *testing.T) {
	srv, hits := newFeedServer(t, map[int][]Item{
		1: {
			feedItem("n100", "2024-06-01", "2024-06-01"),
			feedItem("n101", "2024-06-01", "2024-06-01"),
		},
		2: {
			feedItem("n102", "2024-05-30", "2024-05-30"),
			feedItem("n103", "2024-05-30", "2024-05-30"),
		},
		3: {
			feedItem("n999", "2024-05-29", "2024-05-29"),
		},
	})

	ledger := &fakeLedger{done: map[string]bool{
		"n101-2024-06-01-2024-06-01": true,
		"n102-2024-05-30-2024-05-30": true,
		"n103-2024-05-30-2024-05-30": true,
	}}

	w := NewWalker(newWalkFetcher(), ledger, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tuples, 1)
	assert.Equal(t, "n100", res.Tuples[0].AuthorityID)
	assert.Equal(t, 2, res.PagesWalked)
	assert.Equal(t, 0, hits.get(3), "pages behind the stop page must not be fetched")
}

func TestWalk_EmptyPageEndsFeed(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {feedItem("n100", "2024-06-01", "2024-06-01")},
		2: {},
	})

	w := NewWalker(newWalkFetcher(), &fakeLedger{}, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tuples, 1)
	assert.Equal(t, 2, res.PagesWalked)
}

func TestWalk_EmptyFirstPage(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{1: {}})

	w := NewWalker(newWalkFetcher(), &fakeLedger{}, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	assert.Empty(t, res.Tuples)
	assert.Equal(t, 1, res.PagesWalked)
}

func TestWalk_AccumulatesAcrossPages(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {
			feedItem("n100", "2024-06-01", "2024-06-01"),
			feedItem("n101", "2024-06-01", "2024-06-01"),
		},
		2: {
			feedItem("n102", "2024-05-30", "2024-05-30"),
			feedItem("n103", "2024-05-30", "2024-05-30"),
		},
		3: {},
	})

	ledger := &fakeLedger{done: map[string]bool{
		"n101-2024-06-01-2024-06-01": true,
	}}

	w := NewWalker(newWalkFetcher(), ledger, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tuples, 3)
	assert.Equal(t, "n100", res.Tuples[0].AuthorityID)
	assert.Equal(t, "n102", res.Tuples[1].AuthorityID)
	assert.Equal(t, "n103", res.Tuples[2].AuthorityID)
	assert.Equal(t, 3, res.PagesWalked)
}

func TestWalk_DedupesFirstOccurrence(t *testing.T) {
	// The same unique id republished on a later page must not stop the
	// walk or be collected twice.
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {feedItem("n100", "2024-06-01", "2024-06-01")},
		2: {feedItem("n100", "2024-06-01", "2024-06-01")},
		3: {},
	})

	ledger := &fakeLedger{}
	w := NewWalker(newWalkFetcher(), ledger, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tuples, 1)
	assert.Equal(t, "n100", res.Tuples[0].AuthorityID)
	assert.Equal(t, 3, res.PagesWalked)
	assert.Equal(t, 1, ledger.lookups, "repeat occurrences should hit the cache")
}

func TestWalk_SkipsItemWithoutReference(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {
			{Type: "Update", Published: "2024-06-01"},
			feedItem("n100", "2024-06-01", "2024-06-01"),
		},
		2: {},
	})

	w := NewWalker(newWalkFetcher(), &fakeLedger{}, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	require.Len(t, res.Tuples, 1)
	assert.Equal(t, "n100", res.Tuples[0].AuthorityID)
}

func TestWalk_FetchErrorAborts(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {feedItem("n100", "2024-06-01", "2024-06-01")},
		// page 2 is not served: 404
	})

	w := NewWalker(newWalkFetcher(), &fakeLedger{}, srv.URL, 0)
	res, err := w.Walk(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrFeedFetch)
	assert.Contains(t, err.Error(), "fetch page 2")
	assert.Nil(t, res)
}

func TestWalk_LedgerErrorAborts(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {feedItem("n100", "2024-06-01", "2024-06-01")},
	})

	ledger := &fakeLedger{err: eris.New("disk gone")}
	w := NewWalker(newWalkFetcher(), ledger, srv.URL, 0)
	_, err := w.Walk(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger lookup")
}

func TestWalk_MaxPagesBound(t *testing.T) {
	srv, hits := newFeedServer(t, map[int][]Item{
		1: {feedItem("n100", "2024-06-01", "2024-06-01")},
		2: {feedItem("n101", "2024-05-31", "2024-05-31")},
		3: {feedItem("n102", "2024-05-30", "2024-05-30")},
		4: {feedItem("n103", "2024-05-29", "2024-05-29")},
	})

	w := NewWalker(newWalkFetcher(), &fakeLedger{}, srv.URL, 3)
	res, err := w.Walk(context.Background())
	require.NoError(t, err)

	assert.Len(t, res.Tuples, 3)
	assert.Equal(t, 3, res.PagesWalked)
	assert.Equal(t, 0, hits.get(4))
}

func TestWalk_ContextCancelled(t *testing.T) {
	srv, _ := newFeedServer(t, map[int][]Item{
		1: {feedItem("n100", "2024-06-01", "2024-06-01")},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := NewWalker(newWalkFetcher(), &fakeLedger{}, srv.URL, 0)
	_, err := w.Walk(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
