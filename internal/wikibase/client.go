// Package wikibase talks to the knowledge base's MediaWiki action API:
// cookie-session login, CSRF tokens, entity snapshots, and claim edits.
package wikibase

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openauthority/authsync/internal/config"
	"github.com/openauthority/authsync/internal/fetcher"
	"github.com/openauthority/authsync/internal/resilience"
)

// ErrEntityUnavailable marks an entity that could not be fetched or does
// not exist. The tuple that led here is retried on the next run.
var ErrEntityUnavailable = eris.New("knowledge-base entity unavailable")

// Client defines the knowledge-base operations the merger uses.
type Client interface {
	// Login opens the bot's cookie session and caches a CSRF token.
	// Required before any edit call.
	Login(ctx context.Context) error

	// FetchEntity returns the entity's current state reduced to the
	// authority-property claims plus its terms.
	FetchEntity(ctx context.Context, entityID string) (*Entity, error)

	// AddClaim creates a new authority claim carrying the heading
	// qualifier and a stated-in/retrieved reference.
	AddClaim(ctx context.Context, entityID, authorityID, heading string, retrieved time.Time) error

	// UpdateQualifier rewrites the heading qualifier of one existing
	// claim, leaving its value and references untouched.
	UpdateQualifier(ctx context.Context, ent *Entity, guid, heading string) error
}

type apiClient struct {
	fetcher       fetcher.Fetcher
	apiURL        string
	entityDataURL string
	username      string
	password      string
	maxlag        int
	dryRun        bool

	authorityProp string
	qualifierProp string
	statedInProp  string
	statedInItem  string
	retrievedProp string

	breaker *resilience.CircuitBreaker
	csrf    string
}

// NewClient builds a client over the given transport. The fetcher must
// carry a cookie jar, the API session lives in cookies. With dryRun set
// every edit is logged and skipped.
func NewClient(f fetcher.Fetcher, cfg config.WikibaseConfig, dryRun bool) Client {
	brk := resilience.DefaultCircuitBreakerConfig()
	brk.ShouldTrip = func(err error) bool {
		// An aborted run is not an API problem.
		return !eris.Is(err, context.Canceled) && !eris.Is(err, context.DeadlineExceeded)
	}
	brk.OnStateChange = func(from, to resilience.CircuitState) {
		zap.L().Warn("knowledge-base circuit changed state",
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		)
	}

	return &apiClient{
		fetcher:       f,
		apiURL:        cfg.APIURL,
		entityDataURL: cfg.EntityDataURL,
		username:      cfg.Username,
		password:      cfg.Password,
		maxlag:        cfg.Maxlag,
		dryRun:        dryRun,
		authorityProp: cfg.AuthorityProperty,
		qualifierProp: cfg.QualifierProperty,
		statedInProp:  cfg.StatedInProperty,
		statedInItem:  cfg.StatedInItem,
		retrievedProp: cfg.RetrievedProperty,
		breaker:       resilience.NewCircuitBreaker(brk),
	}
}

type apiError struct {
	Code string  `json:"code"`
	Info string  `json:"info"`
	Lag  float64 `json:"lag"`
}

type tokenResponse struct {
	Query struct {
		Tokens map[string]string `json:"tokens"`
	} `json:"query"`
	Error *apiError `json:"error"`
}

type loginResponse struct {
	Login struct {
		Result string `json:"result"`
		Reason string `json:"reason"`
	} `json:"login"`
	Error *apiError `json:"error"`
}

func (c *apiClient) Login(ctx context.Context) error {
	log := zap.L().With(zap.String("component", "wikibase"))

	tok, err := c.token(ctx, "login")
	if err != nil {
		return err
	}

	form := url.Values{}
	form.Set("action", "login")
	form.Set("lgname", c.username)
	form.Set("lgpassword", c.password)
	form.Set("lgtoken", tok)
	form.Set("format", "json")

	body, err := c.fetcher.PostForm(ctx, c.apiURL, form)
	if err != nil {
		return eris.Wrap(err, "wikibase: login")
	}
	resp, err := fetcher.DecodeJSONObject[loginResponse](body)
	body.Close() //nolint:errcheck
	if err != nil {
		return eris.Wrap(err, "wikibase: login response")
	}
	if resp.Login.Result != "Success" {
		return eris.Errorf("wikibase: login failed: %s %s", resp.Login.Result, resp.Login.Reason)
	}

	// Edits need a CSRF token from the now-authenticated session.
	csrf, err := c.token(ctx, "csrf")
	if err != nil {
		return err
	}
	c.csrf = csrf

	log.Info("logged in", zap.String("user", c.username))
	return nil
}

func (c *apiClient) token(ctx context.Context, kind string) (string, error) {
	u := fmt.Sprintf("%s?action=query&meta=tokens&type=%s&format=json", c.apiURL, kind)
	doc, err := fetcher.FetchJSON[tokenResponse](ctx, c.fetcher, u)
	if err != nil {
		return "", eris.Wrapf(err, "wikibase: %s token", kind)
	}
	if doc.Error != nil {
		return "", eris.Errorf("wikibase: %s token: %s: %s", kind, doc.Error.Code, doc.Error.Info)
	}
	tok := doc.Query.Tokens[kind+"token"]
	if tok == "" {
		return "", eris.Errorf("wikibase: no %s token in response", kind)
	}
	return tok, nil
}
