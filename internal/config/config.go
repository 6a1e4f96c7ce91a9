package config

import (
	"errors"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the full runtime configuration, one section per concern.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Feed     FeedConfig     `yaml:"feed" mapstructure:"feed"`
	Wikibase WikibaseConfig `yaml:"wikibase" mapstructure:"wikibase"`
	HTTP     HTTPConfig     `yaml:"http" mapstructure:"http"`
	Report   ReportConfig   `yaml:"report" mapstructure:"report"`
	Notion   NotionConfig   `yaml:"notion" mapstructure:"notion"`
	Review   ReviewConfig   `yaml:"review" mapstructure:"review"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the ledger backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	Path        string `yaml:"path" mapstructure:"path"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// FeedConfig configures the authority activity-stream source.
type FeedConfig struct {
	BaseURL  string `yaml:"base_url" mapstructure:"base_url"`
	MaxPages int    `yaml:"max_pages" mapstructure:"max_pages"`
}

// WikibaseConfig configures the knowledge-base endpoints, credentials,
// and the property/item ids the merger writes with.
type WikibaseConfig struct {
	APIURL            string `yaml:"api_url" mapstructure:"api_url"`
	EntityDataURL     string `yaml:"entitydata_url" mapstructure:"entitydata_url"`
	Username          string `yaml:"username" mapstructure:"username"`
	Password          string `yaml:"password" mapstructure:"password"`
	Domain            string `yaml:"domain" mapstructure:"domain"`
	AuthorityProperty string `yaml:"authority_property" mapstructure:"authority_property"`
	QualifierProperty string `yaml:"qualifier_property" mapstructure:"qualifier_property"`
	StatedInProperty  string `yaml:"stated_in_property" mapstructure:"stated_in_property"`
	StatedInItem      string `yaml:"stated_in_item" mapstructure:"stated_in_item"`
	RetrievedProperty string `yaml:"retrieved_property" mapstructure:"retrieved_property"`
	Maxlag            int    `yaml:"maxlag" mapstructure:"maxlag"`
}

// HTTPConfig configures outbound transport behavior.
type HTTPConfig struct {
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	BackoffBaseMS  int     `yaml:"backoff_base_ms" mapstructure:"backoff_base_ms"`
	BackoffLimitMS int     `yaml:"backoff_limit_ms" mapstructure:"backoff_limit_ms"`
}

// ReportConfig configures run-report output.
type ReportConfig struct {
	Dir string `yaml:"dir" mapstructure:"dir"`
}

// NotionConfig holds Notion API credentials and the run-report database id.
type NotionConfig struct {
	Token string `yaml:"token" mapstructure:"token"`
	RunDB string `yaml:"run_db" mapstructure:"run_db"`
}

// ReviewConfig configures the conflict review assistant.
type ReviewConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	Model         string `yaml:"model" mapstructure:"model"`
	PolicyPath    string `yaml:"policy_path" mapstructure:"policy_path"`
	MaxConcurrent int    `yaml:"max_concurrent" mapstructure:"max_concurrent"`
}

// ServerConfig configures the report server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load resolves the configuration from authsync.yaml in the working
// directory, AUTHSYNC_* environment variables, and built-in defaults,
// in that order of precedence.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("authsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("AUTHSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.path", "authsync.db")
	v.SetDefault("feed.base_url", "https://id.loc.gov/authorities/names/activitystreams")
	v.SetDefault("feed.max_pages", 50)
	v.SetDefault("wikibase.api_url", "https://www.wikidata.org/w/api.php")
	v.SetDefault("wikibase.entitydata_url", "https://www.wikidata.org/wiki/Special:EntityData")
	v.SetDefault("wikibase.domain", "wikidata.org")
	v.SetDefault("wikibase.authority_property", "P244")
	v.SetDefault("wikibase.qualifier_property", "P1810")
	v.SetDefault("wikibase.stated_in_property", "P248")
	v.SetDefault("wikibase.stated_in_item", "Q18912790")
	v.SetDefault("wikibase.retrieved_property", "P813")
	v.SetDefault("wikibase.maxlag", 5)
	v.SetDefault("http.timeout_secs", 60)
	v.SetDefault("http.max_retries", 3)
	v.SetDefault("http.rate_per_second", 2)
	v.SetDefault("http.user_agent", "authsync/1.0 (+https://github.com/openauthority/authsync)")
	v.SetDefault("http.backoff_base_ms", 500)
	v.SetDefault("http.backoff_limit_ms", 30000)
	v.SetDefault("report.dir", "reports")
	v.SetDefault("review.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("review.max_concurrent", 4)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// A missing config file is fine, the defaults carry a local run.
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}
	return &cfg, nil
}

// InitLogger installs the global zap logger described by the log
// section: JSON production output by default, console for local runs.
func InitLogger(cfg LogConfig) error {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrapf(err, "config: log level %q", cfg.Level)
	}

	zapCfg := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)
	return nil
}
