package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/openauthority/authsync/internal/fetcher"
	"github.com/openauthority/authsync/internal/ledger"
)

// initLedger opens the configured ledger backend. Callers should defer
// Close and run Migrate before touching the schema.
func initLedger(ctx context.Context) (ledger.Ledger, error) {
	led, err := ledger.Open(ctx, cfg.Store.Driver, cfg.Store.Path, cfg.Store.DatabaseURL)
	if err != nil {
		return nil, eris.Wrap(err, "open ledger")
	}
	return led, nil
}

// newFetcher builds the outbound HTTP transport from config. Cookies are
// only needed for the knowledge-base API, whose login is session based.
func newFetcher(enableCookies bool) *fetcher.HTTPFetcher {
	return fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:     cfg.HTTP.UserAgent,
		Timeout:       time.Duration(cfg.HTTP.TimeoutSecs) * time.Second,
		MaxRetries:    cfg.HTTP.MaxRetries,
		DefaultRate:   rate.Limit(cfg.HTTP.RatePerSecond),
		RateLimiters:  fetcher.DefaultRateLimiters(),
		BackoffBase:   time.Duration(cfg.HTTP.BackoffBaseMS) * time.Millisecond,
		BackoffLimit:  time.Duration(cfg.HTTP.BackoffLimitMS) * time.Millisecond,
		EnableCookies: enableCookies,
	})
}
