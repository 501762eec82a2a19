// Package config loads, defaults, and validates the forwarder's
// configuration: TOML file, then environment variable overrides, producing
// an immutable Config consumed by the supervisor.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 500
	defaultCursorDir    = "/var/lib/otel-journal-gatewayd-forwarder"
)

// Source is one configured journal gateway to poll.
type Source struct {
	Name   string            `toml:"name"`
	URL    string            `toml:"url"`
	Units  []string          `toml:"units"`
	Labels map[string]string `toml:"labels"`
}

// Config is the immutable, validated configuration for one forwarder run.
type Config struct {
	OTLPEndpoint string        `toml:"otlp_endpoint"`
	PollInterval time.Duration `toml:"poll_interval"`
	BatchSize    int           `toml:"batch_size"`
	CursorDir    string        `toml:"cursor_dir"`
	Sources      []Source      `toml:"sources"`
}

// Default returns a Config with the documented defaults and no sources.
func Default() *Config {
	return &Config{
		PollInterval: defaultPollInterval,
		BatchSize:    defaultBatchSize,
		CursorDir:    defaultCursorDir,
	}
}

// Load reads path (TOML), applies environment variable overrides, and
// returns the resulting Config. It does not validate; call Validate
// separately so callers can distinguish "failed to load" from "loaded but
// invalid".
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: stat %q: %w", path, err)
		}
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("OJGF_OTLP_ENDPOINT"); ok {
		cfg.OTLPEndpoint = v
	}
	if v, ok := os.LookupEnv("OJGF_POLL_INTERVAL"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollInterval = d
		}
	}
	if v, ok := os.LookupEnv("OJGF_BATCH_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
	if v, ok := os.LookupEnv("OJGF_CURSOR_DIR"); ok {
		cfg.CursorDir = v
	}
}

// Validate checks the invariants the supervisor requires before it will
// spawn any collectors: unique, filename-safe source names; absolute
// http(s) URLs; batch_size >= 1; poll_interval > 0; a writable cursor_dir.
func (c *Config) Validate() error {
	if c.OTLPEndpoint == "" {
		return fmt.Errorf("config: otlp_endpoint must not be empty")
	}
	if _, err := url.ParseRequestURI(c.OTLPEndpoint); err != nil {
		return fmt.Errorf("config: otlp_endpoint %q is not a valid URL: %w", c.OTLPEndpoint, err)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("config: batch_size must be >= 1, got %d", c.BatchSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive, got %v", c.PollInterval)
	}
	if c.CursorDir == "" {
		return fmt.Errorf("config: cursor_dir must not be empty")
	}
	if len(c.Sources) == 0 {
		return fmt.Errorf("config: at least one source must be configured")
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if err := validateSourceName(src.Name); err != nil {
			return fmt.Errorf("config: sources[%d]: %w", i, err)
		}
		if seen[src.Name] {
			return fmt.Errorf("config: sources[%d]: duplicate source name %q", i, src.Name)
		}
		seen[src.Name] = true

		u, err := url.ParseRequestURI(src.URL)
		if err != nil {
			return fmt.Errorf("config: sources[%d] (%s): url %q is not valid: %w", i, src.Name, src.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("config: sources[%d] (%s): url %q must be http or https", i, src.Name, src.URL)
		}
	}

	if err := checkCursorDirWritable(c.CursorDir); err != nil {
		return fmt.Errorf("config: cursor_dir %q is not writable: %w", c.CursorDir, err)
	}

	return nil
}

func validateSourceName(name string) error {
	if name == "" {
		return fmt.Errorf("source name must not be empty")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("source name %q must not contain path separators", name)
	}
	if strings.HasPrefix(name, ".") {
		return fmt.Errorf("source name %q must not start with a dot", name)
	}
	return nil
}

func checkCursorDirWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".write-probe")
	f, err := os.Create(probe)
	if err != nil {
		return err
	}
	f.Close()
	return os.Remove(probe)
}
