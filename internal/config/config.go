package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSourceURL is the CSV export of the monitored bills sheet.
const DefaultSourceURL = "https://docs.google.com/spreadsheets/d/16aksCoBrIFB6Vy8JpiuVBEpfGNHdUNJcsCKb2k33tsQ/export?format=csv"

type Server struct {
	ListenAddress       string        `yaml:"listen_address"`
	ReadTimeout         time.Duration `yaml:"read_timeout"`
	WriteTimeout        time.Duration `yaml:"write_timeout"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes        int64         `yaml:"max_body_bytes"`
	WriteToken          string        `yaml:"write_token"`            // bearer token for trusted writes; empty = open
	ReloadRatePerSecond float64       `yaml:"reload_rate_per_second"` // forced reloads per second
	ReloadBurst         int           `yaml:"reload_burst"`
}

type CommonHTTP struct {
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
}

type Source struct {
	Type    string            `yaml:"type"` // csv | json
	URL     string            `yaml:"url"`
	HTTP    CommonHTTP        `yaml:",inline"`
	Columns map[string]string `yaml:"columns"` // extra source label -> canonical field
}

type Ingest struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       time.Duration `yaml:"backoff"`
	Schedule      *bool         `yaml:"schedule"` // periodic refresh, default on
	Interval      time.Duration `yaml:"interval"`
	SyncOnStartup *bool         `yaml:"sync_on_startup"` // default on
	LazyOnEmpty   *bool         `yaml:"lazy_on_empty"`   // default on
}

type Store struct {
	Backend string `yaml:"backend"` // file | sqlite
	Path    string `yaml:"path"`
}

type Push struct {
	URL   string     `yaml:"url"` // remote /actualizar-datos endpoint
	Token string     `yaml:"token"`
	HTTP  CommonHTTP `yaml:",inline"`
}

type Log struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // json | text
}

type Config struct {
	Server Server `yaml:"server"`
	Source Source `yaml:"source"`
	Ingest Ingest `yaml:"ingest"`
	Store  Store  `yaml:"store"`
	Push   Push   `yaml:"push"`
	Log    Log    `yaml:"log"`
}

// Load reads the YAML file at path (skipped when path is empty), fills
// defaults, applies LEGISYNC_* environment overrides and validates.
func Load(path string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8000"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = 8 << 20
	}
	if c.Server.ReloadRatePerSecond == 0 {
		c.Server.ReloadRatePerSecond = 0.2
	}
	if c.Server.ReloadBurst == 0 {
		c.Server.ReloadBurst = 2
	}
	if c.Source.Type == "" {
		c.Source.Type = "csv"
	}
	if c.Source.URL == "" {
		c.Source.URL = DefaultSourceURL
	}
	if c.Source.HTTP.Timeout == 0 {
		c.Source.HTTP.Timeout = 15 * time.Second
	}
	if c.Source.HTTP.UserAgent == "" {
		c.Source.HTTP.UserAgent = "legisync"
	}
	if c.Ingest.MaxAttempts == 0 {
		c.Ingest.MaxAttempts = 3
	}
	if c.Ingest.Backoff == 0 {
		c.Ingest.Backoff = 2 * time.Second
	}
	if c.Ingest.Interval == 0 {
		c.Ingest.Interval = 15 * time.Minute
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Path == "" {
		if c.Store.Backend == "sqlite" {
			c.Store.Path = "data/snapshot.db"
		} else {
			c.Store.Path = "data/snapshot.json"
		}
	}
	if c.Push.HTTP.Timeout == 0 {
		c.Push.HTTP.Timeout = 30 * time.Second
	}
	if c.Push.HTTP.UserAgent == "" {
		c.Push.HTTP.UserAgent = c.Source.HTTP.UserAgent
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}
	str("LEGISYNC_LISTEN_ADDRESS", &c.Server.ListenAddress)
	str("LEGISYNC_WRITE_TOKEN", &c.Server.WriteToken)
	str("LEGISYNC_SOURCE_URL", &c.Source.URL)
	str("LEGISYNC_STORE_PATH", &c.Store.Path)
	str("LEGISYNC_PUSH_URL", &c.Push.URL)
	str("LEGISYNC_PUSH_TOKEN", &c.Push.Token)
	str("LEGISYNC_LOG_LEVEL", &c.Log.Level)
	if err := dur("LEGISYNC_FETCH_TIMEOUT", &c.Source.HTTP.Timeout); err != nil {
		return err
	}
	if err := dur("LEGISYNC_INTERVAL", &c.Ingest.Interval); err != nil {
		return err
	}
	if v, ok := lookup("LEGISYNC_MAX_ATTEMPTS"); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("LEGISYNC_MAX_ATTEMPTS: %w", err)
		}
		c.Ingest.MaxAttempts = n
	}
	return nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Source.Type {
	case "csv", "json":
	default:
		errs = append(errs, fmt.Errorf("source.type: unsupported %q (csv or json)", c.Source.Type))
	}
	if !strings.HasPrefix(c.Source.URL, "http://") && !strings.HasPrefix(c.Source.URL, "https://") {
		errs = append(errs, fmt.Errorf("source.url: must be an http(s) URL, got %q", c.Source.URL))
	}
	if c.Source.HTTP.Timeout < 0 {
		errs = append(errs, errors.New("source.timeout must be positive"))
	}
	if c.Ingest.MaxAttempts < 1 {
		errs = append(errs, errors.New("ingest.max_attempts must be at least 1"))
	}
	if c.Ingest.Backoff < 0 {
		errs = append(errs, errors.New("ingest.backoff cannot be negative"))
	}
	if c.Ingest.Interval < 0 {
		errs = append(errs, errors.New("ingest.interval cannot be negative"))
	}
	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.backend: unsupported %q (file or sqlite)", c.Store.Backend))
	}
	if c.Server.MaxBodyBytes < 0 {
		errs = append(errs, errors.New("server.max_body_bytes cannot be negative"))
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format: unsupported %q (json or text)", c.Log.Format))
	}
	return errors.Join(errs...)
}

// ScheduleEnabled reports whether the periodic refresh loop runs.
func (i Ingest) ScheduleEnabled() bool { return i.Schedule == nil || *i.Schedule }

func (i Ingest) StartupSync() bool { return i.SyncOnStartup == nil || *i.SyncOnStartup }

func (i Ingest) Lazy() bool { return i.LazyOnEmpty == nil || *i.LazyOnEmpty }
