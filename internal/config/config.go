// Package config loads the TOML file describing the store, logging and the
// repositories repometa serves.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/thiagokokada/repometa/internal/store"
)

// Backend variants a repository can be served by. Both key stored objects
// under the same scope.
const (
	BackendNative = "git"
	BackendCLI    = "gitcli"
)

// EnvPath names the environment variable consulted when no path is given.
const EnvPath = "REPOMETA_CONFIG"

var ErrInvalid = errors.New("invalid config")

// Duration decodes TOML strings such as "500ms".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Store struct {
	Driver string `toml:"driver"`
	DSN    string `toml:"dsn"`
}

type Log struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type Ingest struct {
	BatchSize      int      `toml:"batch_size"`
	LogWindow      int      `toml:"log_window"`
	DiffRetries    int      `toml:"diff_retries"`
	DiffRetryDelay Duration `toml:"diff_retry_delay"`
	Parallelism    int      `toml:"parallelism"`
}

type Watch struct {
	Debounce Duration `toml:"debounce"`
}

type Repository struct {
	Name               string   `toml:"name"`
	Backend            string   `toml:"backend"`
	Path               string   `toml:"path"`
	URLPath            string   `toml:"url_path"`
	RepoID             string   `toml:"repo_id"`
	ViewableExtensions []string `toml:"viewable_extensions"`
}

type Config struct {
	Store        Store        `toml:"store"`
	Log          Log          `toml:"log"`
	Ingest       Ingest       `toml:"ingest"`
	Watch        Watch        `toml:"watch"`
	Repositories []Repository `toml:"repository"`
}

func Default() Config {
	return Config{
		Store: Store{Driver: store.DriverSQLite, DSN: "repometa.db"},
		Log:   Log{Level: "info", Format: "text"},
		Ingest: Ingest{
			BatchSize:      100,
			LogWindow:      50,
			DiffRetries:    3,
			DiffRetryDelay: Duration{500 * time.Millisecond},
			Parallelism:    4,
		},
		Watch: Watch{Debounce: Duration{350 * time.Millisecond}},
	}
}

// Load reads path, or the file named by REPOMETA_CONFIG when path is empty.
// With neither, the defaults are returned.
func Load(path string) (Config, error) {
	if path == "" {
		path = os.Getenv(EnvPath)
	}
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(string(data))
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a TOML document over the defaults and validates the result.
func Parse(data string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		slog.Warn("unknown config keys", slog.String("keys", strings.Join(keys, ", ")))
	}
	for i := range cfg.Repositories {
		if cfg.Repositories[i].Backend == "" {
			cfg.Repositories[i].Backend = BackendNative
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case store.DriverMemory, store.DriverSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.driver %q: %w", c.Store.Driver, ErrInvalid))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: %w", c.Log.Format, ErrInvalid))
	}
	if c.Ingest.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("ingest.batch_size must be positive: %w", ErrInvalid))
	}
	if c.Ingest.LogWindow <= 0 {
		errs = append(errs, fmt.Errorf("ingest.log_window must be positive: %w", ErrInvalid))
	}
	if c.Ingest.DiffRetries < 0 {
		errs = append(errs, fmt.Errorf("ingest.diff_retries must not be negative: %w", ErrInvalid))
	}

	seen := make(map[string]bool)
	for i, r := range c.Repositories {
		if r.Name == "" {
			errs = append(errs, fmt.Errorf("repository[%d]: missing name: %w", i, ErrInvalid))
		} else if seen[r.Name] {
			errs = append(errs, fmt.Errorf("repository %q: duplicate name: %w", r.Name, ErrInvalid))
		}
		seen[r.Name] = true
		switch r.Backend {
		case BackendNative, BackendCLI:
		default:
			errs = append(errs, fmt.Errorf("repository %q: backend %q: %w", r.Name, r.Backend, ErrInvalid))
		}
		if r.Path == "" {
			errs = append(errs, fmt.Errorf("repository %q: missing path: %w", r.Name, ErrInvalid))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel maps the configured level name to a slog.Level.
func (l Log) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level %q: %w", l.Level, ErrInvalid)
	}
	return level, nil
}

// Repository returns the repository named name.
func (c Config) Repository(name string) (Repository, bool) {
	for _, r := range c.Repositories {
		if r.Name == name {
			return r, true
		}
	}
	return Repository{}, false
}
