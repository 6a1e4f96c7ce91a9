package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
)

// Validate checks that the fields required for the given mode are present.
// Modes mirror the subcommands: "sync", "serve", "report", "review".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "sync":
		if c.Store.Driver != "sqlite" && c.Store.Driver != "postgres" {
			problems = append(problems, fmt.Sprintf("store.driver %q is not supported (sqlite, postgres)", c.Store.Driver))
		}
		if c.Store.Driver == "sqlite" && c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite driver")
		}
		if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required for the postgres driver")
		}
		if c.Feed.BaseURL == "" {
			problems = append(problems, "feed.base_url is required")
		}
		if c.Feed.MaxPages < 1 {
			problems = append(problems, "feed.max_pages must be >= 1")
		}
		if c.Wikibase.APIURL == "" {
			problems = append(problems, "wikibase.api_url is required")
		}
		if c.Wikibase.EntityDataURL == "" {
			problems = append(problems, "wikibase.entitydata_url is required")
		}
		if c.Wikibase.AuthorityProperty == "" {
			problems = append(problems, "wikibase.authority_property is required")
		}
	case "serve":
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
		if c.Report.Dir == "" {
			problems = append(problems, "report.dir is required")
		}
	case "report":
		if c.Report.Dir == "" {
			problems = append(problems, "report.dir is required")
		}
	case "review":
		if c.Review.Key == "" {
			problems = append(problems, "review.key is required")
		}
		if c.Review.MaxConcurrent < 1 || c.Review.MaxConcurrent > 32 {
			problems = append(problems, "review.max_concurrent must be between 1 and 32")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}
