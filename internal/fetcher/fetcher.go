// Package fetcher downloads and decodes the remote sources the sync
// touches: feed pages, MARCXML authority records, and knowledge-base
// entity documents.
package fetcher

import (
	"context"
	"io"
	"net/url"
)

// Fetcher defines the interface for talking to the remote sources: feed
// pages, authority records, and the knowledge-base API.
type Fetcher interface {
	// Download fetches the URL and returns the response body.
	Download(ctx context.Context, url string) (io.ReadCloser, error)

	// PostForm sends a form-encoded POST and returns the response body.
	PostForm(ctx context.Context, url string, form url.Values) (io.ReadCloser, error)
}
