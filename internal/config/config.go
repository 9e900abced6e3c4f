// Package config loads the service configuration from a TOML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"feedsentinel/internal/common"
	"feedsentinel/internal/feed"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration is a time.Duration read from strings like "15m" or "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

type Server struct {
	HTTPAddr    string `toml:"http_addr"`
	MetricsAddr string `toml:"metrics_addr"`
	GRPCAddr    string `toml:"grpc_addr"`
}

type Refresh struct {
	Interval          Duration `toml:"interval"`
	Workers           int      `toml:"workers"`
	DegradedThreshold int      `toml:"degraded_threshold"`
	StopGrace         Duration `toml:"stop_grace"`
	SkipInitial       bool     `toml:"skip_initial"`
}

type Fetch struct {
	Timeout         Duration `toml:"timeout"`
	MaxRetries      int      `toml:"max_retries"`
	BackoffBase     Duration `toml:"backoff_base"`
	BackoffMax      Duration `toml:"backoff_max"`
	UserAgent       string   `toml:"user_agent"`
	MaxPayloadBytes int64    `toml:"max_payload_bytes"`
}

// Policy converts the fetch section into the default fetch policy.
func (f Fetch) Policy() feed.FetchPolicy {
	return feed.FetchPolicy{
		Timeout:     f.Timeout.Duration,
		MaxRetries:  f.MaxRetries,
		BackoffBase: f.BackoffBase.Duration,
		BackoffMax:  f.BackoffMax.Duration,
	}
}

type Parse struct {
	ForumMinItems int `toml:"forum_min_items"`
	SummaryLimit  int `toml:"summary_limit"`
}

type Correlation struct {
	// CatalogPath points at a MITRE ATT&CK STIX bundle. Empty selects the
	// built-in catalog.
	CatalogPath string   `toml:"catalog_path"`
	CVEMapPath  string   `toml:"cve_map_path"`
	HalfLife    Duration `toml:"half_life"`
}

type Forums struct {
	Indexes    []string `toml:"indexes"`
	Interval   Duration `toml:"interval"`
	TTL        Duration `toml:"ttl"`
	MaxEntries int      `toml:"max_entries"`
}

// Source is one [[sources]] table. A table that sets none of the fetch keys
// follows the [fetch] section; one that sets any of them gets the [fetch]
// values for the keys it leaves out.
type Source struct {
	ID          string   `toml:"id"`
	Name        string   `toml:"name"`
	URL         string   `toml:"url"`
	Category    string   `toml:"category"`
	Parser      string   `toml:"parser"`
	Priority    int      `toml:"priority"`
	Timeout     Duration `toml:"timeout"`
	MaxRetries  *int     `toml:"max_retries"`
	BackoffBase Duration `toml:"backoff_base"`
	BackoffMax  Duration `toml:"backoff_max"`
}

type Config struct {
	Server      Server      `toml:"server"`
	Refresh     Refresh     `toml:"refresh"`
	Fetch       Fetch       `toml:"fetch"`
	Parse       Parse       `toml:"parse"`
	Correlation Correlation `toml:"correlation"`
	Forums      Forums      `toml:"forums"`
	Sources     []Source    `toml:"sources"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Server: Server{
			HTTPAddr:    ":8080",
			MetricsAddr: ":9090",
			GRPCAddr:    ":9091",
		},
		Refresh: Refresh{
			Interval:          Duration{15 * time.Minute},
			Workers:           4,
			DegradedThreshold: 3,
			StopGrace:         Duration{10 * time.Second},
		},
		Fetch: Fetch{
			Timeout:     Duration{15 * time.Second},
			MaxRetries:  3,
			BackoffBase: Duration{500 * time.Millisecond},
			BackoffMax:  Duration{30 * time.Second},
		},
		Parse: Parse{ForumMinItems: 3, SummaryLimit: 1000},
		Correlation: Correlation{
			HalfLife: Duration{72 * time.Hour},
		},
		Forums: Forums{
			Interval:   Duration{6 * time.Hour},
			TTL:        Duration{24 * time.Hour},
			MaxEntries: 500,
		},
	}
}

// Load reads the TOML file at path over the defaults, then applies
// environment overrides. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem found, not just the first.
func (c *Config) Validate() error {
	var problems []string
	if c.Refresh.Interval.Duration <= 0 {
		problems = append(problems, "refresh.interval must be positive")
	}
	if c.Refresh.Workers < 1 {
		problems = append(problems, "refresh.workers must be at least 1")
	}
	if c.Refresh.DegradedThreshold < 1 {
		problems = append(problems, "refresh.degraded_threshold must be at least 1")
	}
	if c.Refresh.StopGrace.Duration < 0 {
		problems = append(problems, "refresh.stop_grace must not be negative")
	}
	if c.Fetch.Timeout.Duration <= 0 {
		problems = append(problems, "fetch.timeout must be positive")
	}
	if c.Fetch.MaxRetries < 0 {
		problems = append(problems, "fetch.max_retries must not be negative")
	}
	if c.Fetch.BackoffMax.Duration < c.Fetch.BackoffBase.Duration {
		problems = append(problems, "fetch.backoff_max is below fetch.backoff_base")
	}
	if c.Parse.ForumMinItems < 1 {
		problems = append(problems, "parse.forum_min_items must be at least 1")
	}
	if c.Correlation.HalfLife.Duration <= 0 {
		problems = append(problems, "correlation.half_life must be positive")
	}
	if c.Correlation.CVEMapPath != "" && c.Correlation.CatalogPath == "" {
		problems = append(problems, "correlation.cve_map_path requires correlation.catalog_path")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, s := range c.Sources {
		if seen[s.ID] {
			problems = append(problems, fmt.Sprintf("sources[%d]: duplicate id %q", i, s.ID))
			continue
		}
		seen[s.ID] = true
		if _, err := s.toSource(c.Fetch.Policy()); err != nil {
			problems = append(problems, fmt.Sprintf("sources[%d]: %v", i, err))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// ToSources converts the configured [[sources]] into registry entries.
func (c *Config) ToSources() ([]feed.Source, error) {
	out := make([]feed.Source, 0, len(c.Sources))
	for _, s := range c.Sources {
		src, err := s.toSource(c.Fetch.Policy())
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

func (s Source) toSource(def feed.FetchPolicy) (feed.Source, error) {
	category, err := common.ParseCategory(s.Category)
	if err != nil {
		return feed.Source{}, err
	}
	policy, err := s.fetchPolicy(def)
	if err != nil {
		return feed.Source{}, err
	}
	parser := common.ParserKind(s.Parser)
	if parser == "" {
		parser = common.ParserStandard
		if category == common.CategoryForum {
			parser = common.ParserForum
		}
	}
	src := feed.Source{
		ID:         s.ID,
		Name:       s.Name,
		URL:        s.URL,
		Category:   category,
		ParserKind: parser,
		Priority:   s.Priority,
		FetchPolicy: policy,
		Origin:      feed.OriginConfig,
	}
	if err := feed.Validate(src); err != nil {
		return feed.Source{}, err
	}
	return src, nil
}

// fetchPolicy returns the zero policy when no fetch key is set, so the
// fetcher defaults apply, and a fully populated one otherwise.
func (s Source) fetchPolicy(def feed.FetchPolicy) (feed.FetchPolicy, error) {
	if s.MaxRetries == nil && s.Timeout.Duration == 0 && s.BackoffBase.Duration == 0 && s.BackoffMax.Duration == 0 {
		return feed.FetchPolicy{}, nil
	}
	p := def
	if s.Timeout.Duration > 0 {
		p.Timeout = s.Timeout.Duration
	}
	if s.MaxRetries != nil {
		if *s.MaxRetries < 0 {
			return feed.FetchPolicy{}, errors.New("max_retries must not be negative")
		}
		p.MaxRetries = *s.MaxRetries
	}
	if s.BackoffBase.Duration > 0 {
		p.BackoffBase = s.BackoffBase.Duration
	}
	if s.BackoffMax.Duration > 0 {
		p.BackoffMax = s.BackoffMax.Duration
	}
	return p, nil
}
