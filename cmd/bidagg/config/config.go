// Package config is the bidagg configuration: bidagg.json5 merged with
// bidagg.local.json5, then environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"bidaggregator/internal/bid"
	"bidaggregator/internal/components/telemetry"
	"bidaggregator/internal/ingest"
	"bidaggregator/internal/notify"
	"bidaggregator/internal/savedsearch"
	"bidaggregator/internal/sources"
	"bidaggregator/internal/store"
	"bidaggregator/lib/configutil"
)

const DefaultPath = "bidagg.json5"

const (
	DefaultDatabase = "bidagg.db"
	DefaultTimezone = "Asia/Tokyo"
)

type KkjConfig struct {
	Disabled bool   `json:"disabled"`
	BaseURL  string `json:"base_url"`
}

type PportalConfig struct {
	Disabled         bool     `json:"disabled"`
	BaseURL          string   `json:"base_url"`
	ProcurementTypes []string `json:"procurement_types"`
}

type AwardConfig struct {
	ListURL     string `json:"list_url"`
	DownloadURL string `json:"download_url"`
}

type SourcesConfig struct {
	Kkj     KkjConfig     `json:"kkj"`
	Pportal PportalConfig `json:"pportal"`
	Award   AwardConfig   `json:"award"`
}

type IngestConfig struct {
	MaxPages     int  `json:"max_pages"`
	DetailFetch  bool `json:"detail_fetch"`
	MaxDetails   int  `json:"max_details"`
	StoreRaw     bool `json:"store_raw"`
	LookbackDays int  `json:"lookback_days"`
	SplitFanout  int  `json:"split_fanout"`
}

func (c IngestConfig) Pipeline() ingest.Config {
	return ingest.Config{
		MaxPages:            c.MaxPages,
		DetailFetch:         c.DetailFetch,
		MaxDetails:          c.MaxDetails,
		StoreRaw:            c.StoreRaw,
		SplitFanout:         c.SplitFanout,
		DefaultLookbackDays: c.LookbackDays,
	}
}

// QueryConfig is a configured search, dates are YYYY-MM-DD.
type QueryConfig struct {
	Name          string `json:"name"`
	Keyword       string `json:"keyword"`
	Organization  string `json:"organization"`
	LGCode        string `json:"lg_code"`
	Category      string `json:"category"`
	ProcedureType string `json:"procedure_type"`
	From          string `json:"from"`
	To            string `json:"to"`
}

func (q QueryConfig) Query(loc *time.Location) (sources.Query, error) {
	out := sources.Query{
		Name:          q.Name,
		Keyword:       q.Keyword,
		Organization:  q.Organization,
		LGCode:        q.LGCode,
		Category:      q.Category,
		ProcedureType: q.ProcedureType,
	}
	if q.From == "" && q.To == "" {
		return out, nil
	}
	if q.From == "" || q.To == "" {
		return out, fmt.Errorf("query %q: both from and to are required for a date range", q.Name)
	}
	from, err := bid.ParseDate(q.From, loc)
	if err != nil {
		return out, err
	}
	to, err := bid.ParseDate(q.To, loc)
	if err != nil {
		return out, err
	}
	out.Range = bid.NewDateRange(from, to)
	if !out.Range.Valid() {
		return out, fmt.Errorf("query %q: range %s is empty", q.Name, out.Range)
	}
	return out, nil
}

type NotifyConfig struct {
	SlackWebhookURL string `json:"slack_webhook_url"`
	// Emails are recipient addresses, used when no slack webhook is set.
	Emails   []string          `json:"emails"`
	Smtp     notify.SmtpConfig `json:"smtp"`
	MaxItems int               `json:"max_items"`
}

// Recipients resolves the notification targets, slack wins over email when
// both are configured.
func (c NotifyConfig) Recipients() []savedsearch.Recipient {
	if c.SlackWebhookURL != "" {
		return []savedsearch.Recipient{{Channel: notify.ChannelSlack, Address: c.SlackWebhookURL}}
	}
	if !c.Smtp.Configured() {
		return nil
	}
	var out []savedsearch.Recipient
	for _, address := range c.Emails {
		out = append(out, savedsearch.Recipient{Channel: notify.ChannelEmail, Address: address})
	}
	return out
}

type Config struct {
	Database store.Config `json:"database"`
	Timezone string       `json:"timezone"`
	// RateInterval is the minimum spacing of requests to one host, as a
	// Go duration.
	RateInterval string           `json:"rate_interval"`
	Sources      SourcesConfig    `json:"sources"`
	Ingest       IngestConfig     `json:"ingest"`
	Queries      []QueryConfig    `json:"queries"`
	Notify       NotifyConfig     `json:"notify"`
	Telemetry    telemetry.Config `json:"telemetry"`

	// RateIntervalDuration is RateInterval parsed, or BIDAGG_RATE_INTERVAL.
	RateIntervalDuration time.Duration `json:"-"`
}

// Load reads the config at path, a missing file leaves the defaults, and
// applies env over it.
func Load(path string, env *configutil.Env) (Config, error) {
	config, err := configutil.ReadConfig[Config](path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if config.RateInterval != "" {
		config.RateIntervalDuration, err = time.ParseDuration(config.RateInterval)
		if err != nil {
			return Config{}, fmt.Errorf("rate_interval: %w", err)
		}
	}

	if err := applyEnv(&config, env); err != nil {
		return Config{}, err
	}

	if config.Database.File == "" && config.Database.Url == "" {
		config.Database.File = DefaultDatabase
	}
	if config.Timezone == "" {
		config.Timezone = DefaultTimezone
	}
	return config, nil
}

func applyEnv(config *Config, env *configutil.Env) error {
	var database string
	env.String("BIDAGG_DB", &database)
	if database != "" {
		if strings.Contains(database, "://") {
			config.Database = store.Config{Url: database, AuthToken: config.Database.AuthToken}
		} else {
			config.Database = store.Config{File: database}
		}
	}
	env.String("BIDAGG_DB_AUTH_TOKEN", &config.Database.AuthToken)
	env.String("BIDAGG_TIMEZONE", &config.Timezone)

	env.String("SLACK_WEBHOOK_URL", &config.Notify.SlackWebhookURL)
	env.List("NOTIFY_EMAIL", &config.Notify.Emails)
	env.Int("NOTIFY_MAX_ITEMS", &config.Notify.MaxItems)
	env.String("SMTP_SERVER", &config.Notify.Smtp.Server)
	env.Int("SMTP_PORT", &config.Notify.Smtp.Port)
	env.String("SMTP_FROM", &config.Notify.Smtp.EmailAddress)
	env.String("SMTP_USERNAME", &config.Notify.Smtp.Username)
	env.String("SMTP_PASSWORD", &config.Notify.Smtp.Password)
	env.Bool("SMTP_STARTTLS", &config.Notify.Smtp.StartTLS)

	env.Int("BIDAGG_MAX_PAGES", &config.Ingest.MaxPages)
	env.Duration("BIDAGG_RATE_INTERVAL", &config.RateIntervalDuration)

	var otlpEndpoint, otlpProtocol string
	env.String("OTEL_EXPORTER_OTLP_ENDPOINT", &otlpEndpoint)
	env.String("OTEL_EXPORTER_OTLP_PROTOCOL", &otlpProtocol)
	if otlpEndpoint != "" {
		config.Telemetry.Traces.Endpoint = otlpEndpoint
		config.Telemetry.Metrics.Endpoint = otlpEndpoint
	}
	if otlpProtocol != "" {
		config.Telemetry.Traces.Protocol = otlpProtocol
		config.Telemetry.Metrics.Protocol = otlpProtocol
	}

	var keyword string
	env.String("BIDAGG_KEYWORD", &keyword)
	if keyword != "" {
		if len(config.Queries) == 0 {
			config.Queries = []QueryConfig{{}}
		}
		for i := range config.Queries {
			config.Queries[i].Keyword = keyword
		}
	}
	return env.Err
}

// SourceQueries converts the configured queries.
func (c Config) SourceQueries(loc *time.Location) ([]sources.Query, error) {
	out := make([]sources.Query, 0, len(c.Queries))
	for _, q := range c.Queries {
		query, err := q.Query(loc)
		if err != nil {
			return nil, err
		}
		out = append(out, query)
	}
	return out, nil
}
