// Package config loads the importer configuration from YAML, validates it
// against an embedded JSON schema and applies MECHSYNC_ environment
// overrides.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/datim/mechsync/internal/dhis"
	"github.com/datim/mechsync/internal/feed"
	"github.com/datim/mechsync/internal/logging"
	"github.com/datim/mechsync/internal/mechanisms"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "mechsync-config.json"

var ErrInvalid = errors.New("invalid configuration")

// Duration is a time.Duration written as "60s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(node.Value))
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type DHIS struct {
	URL            string   `yaml:"url"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Timeout        Duration `yaml:"timeout"`
	MaxRetries     int      `yaml:"maxRetries"`
	RetryBaseDelay Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay  Duration `yaml:"retryMaxDelay"`
}

type S3 struct {
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"pathStyle"`
}

type Feed struct {
	Source   string   `yaml:"source"`
	Format   string   `yaml:"format"`
	Username string   `yaml:"username"`
	Password string   `yaml:"password"`
	Timeout  Duration `yaml:"timeout"`
	S3       S3       `yaml:"s3"`
}

type Sync struct {
	ConfigureSharing bool                         `yaml:"configureSharing"`
	RootOrgUnit      string                       `yaml:"rootOrgUnit"`
	ComboAttempts    int                          `yaml:"comboAttempts"`
	CountryOverrides []mechanisms.CountryOverride `yaml:"countryOverrides"`
}

type Log struct {
	Dir     string `yaml:"dir"`
	Level   string `yaml:"level"`
	Verbose bool   `yaml:"verbose"`
}

type RunLog struct {
	DSN string `yaml:"dsn"`
}

type Server struct {
	Addr  string `yaml:"addr"`
	Token string `yaml:"token"`
}

type Watch struct {
	Interval Duration `yaml:"interval"`
	Jitter   float64  `yaml:"jitter"`
}

type Config struct {
	DHIS     DHIS   `yaml:"dhis"`
	Feed     Feed   `yaml:"feed"`
	Sync     Sync   `yaml:"sync"`
	Log      Log    `yaml:"log"`
	RunLog   RunLog `yaml:"runlog"`
	Server   Server `yaml:"server"`
	Watch    Watch  `yaml:"watch"`
	LockFile string `yaml:"lockFile"`
}

// Default returns the configuration used for anything a file and the
// environment leave unset.
func Default() Config {
	overrides := make([]mechanisms.CountryOverride, len(mechanisms.DefaultCountryOverrides))
	copy(overrides, mechanisms.DefaultCountryOverrides)
	return Config{
		DHIS: DHIS{
			Timeout:        Duration(60 * time.Second),
			MaxRetries:     10,
			RetryBaseDelay: Duration(250 * time.Millisecond),
			RetryMaxDelay:  Duration(5 * time.Second),
		},
		Feed: Feed{Timeout: Duration(5 * time.Minute)},
		Sync: Sync{
			ConfigureSharing: true,
			RootOrgUnit:      "Global",
			ComboAttempts:    20,
			CountryOverrides: overrides,
		},
		Log:    Log{Level: "TRACE"},
		RunLog: RunLog{DSN: "memory://"},
		Server: Server{Addr: ":8080"},
		Watch:  Watch{Interval: Duration(24 * time.Hour), Jitter: 0.1},
	}
}

// Load reads path (optional) over the defaults, then applies environment
// overrides. The file is validated against the schema before decoding.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path = strings.TrimSpace(path); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if err := ValidateYAML(data); err != nil {
		return err
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
		if err != nil {
			schemaErr = fmt.Errorf("parse config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("add config schema: %w", err)
			return
		}
		schema, schemaErr = c.Compile(schemaURL)
	})
	return schema, schemaErr
}

// ValidateYAML checks a YAML document against the configuration schema.
// An empty document is valid.
func ValidateYAML(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if raw == nil {
		return nil
	}
	// Round-trip through JSON so the validator sees JSON types.
	encoded, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(name string, dst *string) {
		*dst = envOrDefault(name, *dst)
	}
	str("MECHSYNC_DHIS_URL", &c.DHIS.URL)
	str("MECHSYNC_DHIS_USERNAME", &c.DHIS.Username)
	str("MECHSYNC_DHIS_PASSWORD", &c.DHIS.Password)
	str("MECHSYNC_FEED_SOURCE", &c.Feed.Source)
	str("MECHSYNC_FEED_FORMAT", &c.Feed.Format)
	str("MECHSYNC_FEED_USERNAME", &c.Feed.Username)
	str("MECHSYNC_FEED_PASSWORD", &c.Feed.Password)
	str("MECHSYNC_RUNLOG_DSN", &c.RunLog.DSN)
	str("MECHSYNC_LOG_DIR", &c.Log.Dir)
	str("MECHSYNC_LOG_LEVEL", &c.Log.Level)
	str("MECHSYNC_SERVER_ADDR", &c.Server.Addr)
	str("MECHSYNC_SERVER_TOKEN", &c.Server.Token)
	str("MECHSYNC_LOCK_FILE", &c.LockFile)

	timeout, err := durationEnv("MECHSYNC_DHIS_TIMEOUT", c.DHIS.Timeout.Std())
	errs = append(errs, err)
	c.DHIS.Timeout = Duration(timeout)
	interval, err := durationEnv("MECHSYNC_WATCH_INTERVAL", c.Watch.Interval.Std())
	errs = append(errs, err)
	c.Watch.Interval = Duration(interval)
	c.DHIS.MaxRetries, err = intEnv("MECHSYNC_DHIS_MAX_RETRIES", c.DHIS.MaxRetries)
	errs = append(errs, err)
	c.Sync.ConfigureSharing, err = boolEnv("MECHSYNC_CONFIGURE_SHARING", c.Sync.ConfigureSharing)
	errs = append(errs, err)
	return errors.Join(errs...)
}

func envOrDefault(name, fallback string) string {
	if raw := strings.TrimSpace(os.Getenv(name)); raw != "" {
		return raw
	}
	return fallback
}

func durationEnv(name string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q", ErrInvalid, name, raw)
	}
	return value, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q", ErrInvalid, name, raw)
	}
	return value, nil
}

func boolEnv(name string, fallback bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback, fmt.Errorf("%w: %s=%q", ErrInvalid, name, raw)
	}
	return value, nil
}

// Check reports what a sync run would be missing.
func (c *Config) Check() error {
	var errs []error
	if strings.TrimSpace(c.DHIS.URL) == "" {
		errs = append(errs, errors.New("dhis.url is required"))
	}
	if strings.TrimSpace(c.DHIS.Username) == "" {
		errs = append(errs, errors.New("dhis.username is required"))
	}
	if strings.TrimSpace(c.Feed.Source) == "" {
		errs = append(errs, errors.New("feed.source is required"))
	}
	if _, err := feed.ParseFormat(c.Feed.Format); err != nil {
		errs = append(errs, err)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Sync.ComboAttempts < 1 {
		errs = append(errs, errors.New("sync.comboAttempts must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	return nil
}

func (c *Config) ClientOptions(logger *slog.Logger, observer dhis.Observer) dhis.ClientOptions {
	return dhis.ClientOptions{
		BaseURL:    c.DHIS.URL,
		Username:   c.DHIS.Username,
		Password:   c.DHIS.Password,
		MaxRetries: c.DHIS.MaxRetries,
		BaseDelay:  c.DHIS.RetryBaseDelay.Std(),
		MaxDelay:   c.DHIS.RetryMaxDelay.Std(),
		Logger:     logger,
		Observer:   observer,
	}
}

// HTTPTimeout is the per-request timeout for the metadata API.
func (c *Config) HTTPTimeout() time.Duration {
	return c.DHIS.Timeout.Std()
}

func (c *Config) FeedOptions() feed.Options {
	format, _ := feed.ParseFormat(c.Feed.Format)
	return feed.Options{
		Format:      format,
		Username:    c.Feed.Username,
		Password:    c.Feed.Password,
		Timeout:     c.Feed.Timeout.Std(),
		S3Region:    c.Feed.S3.Region,
		S3Endpoint:  c.Feed.S3.Endpoint,
		S3PathStyle: c.Feed.S3.PathStyle,
	}
}

func (c *Config) EngineOptions() mechanisms.Options {
	return mechanisms.Options{
		ConfigureSharing: c.Sync.ConfigureSharing,
		RootOrgUnit:      c.Sync.RootOrgUnit,
		ComboAttempts:    c.Sync.ComboAttempts,
		CountryOverrides: c.Sync.CountryOverrides,
	}
}

func (c *Config) LogOptions() logging.Options {
	level, _ := logging.ParseLevel(c.Log.Level)
	return logging.Options{
		Dir:      c.Log.Dir,
		MinLevel: level,
		Verbose:  c.Log.Verbose,
	}
}
