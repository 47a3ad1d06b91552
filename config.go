package betamax

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/thegreatape/betamax/cassette"
	"github.com/thegreatape/betamax/matcher"
	"github.com/thegreatape/betamax/storage"
)

// Config is the file and environment form of a VCR's settings.
type Config struct {
	// Storage is a DSN understood by storage.Open, e.g. a directory,
	// "sqlite:///tmp/cassettes.db" or "redis://localhost:6379/0".
	Storage         string         `yaml:"storage"`
	Matching        matcher.Config `yaml:"matching"`
	RecordRateLimit float64        `yaml:"record_rate_limit"`
	RecordBurst     int            `yaml:"record_burst"`
	LogLevel        string         `yaml:"log_level"`
}

func DefaultConfig() Config {
	return Config{
		Storage:  cassette.DefaultDir,
		Matching: matcher.DefaultConfig(),
	}
}

// LoadConfig reads a YAML config file over the defaults and then applies
// environment overrides. An empty path skips the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BETAMAX_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv("BETAMAX_STORAGE"); ok {
		c.Storage = v
	}
	if v, ok := os.LookupEnv("BETAMAX_LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := os.LookupEnv("BETAMAX_COMPARE_HEADERS"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BETAMAX_COMPARE_HEADERS: %w", err)
		}
		c.Matching.CompareHeaders = b
	}
	if v, ok := os.LookupEnv("BETAMAX_COMPARE_BODY"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("BETAMAX_COMPARE_BODY: %w", err)
		}
		c.Matching.CompareBody = b
	}
	if v, ok := os.LookupEnv("BETAMAX_IGNORE_HEADERS"); ok {
		c.Matching.IgnoreHeaders = nil
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				c.Matching.IgnoreHeaders = append(c.Matching.IgnoreHeaders, name)
			}
		}
	}
	if v, ok := os.LookupEnv("BETAMAX_RECORD_RATE_LIMIT"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("BETAMAX_RECORD_RATE_LIMIT: %w", err)
		}
		c.RecordRateLimit = f
	}
	return nil
}

// NewFromConfig opens the configured storage and builds a VCR around it.
// Options are applied after the ones derived from cfg.
func NewFromConfig(ctx context.Context, cfg Config, opts ...Option) (*VCR, error) {
	m := matcher.New()
	m.Config = cfg.Matching
	m.IgnoreHeaders = slices.Clone(cfg.Matching.IgnoreHeaders)
	base := []Option{WithMatcher(m)}

	if cfg.LogLevel != "" {
		var level slog.Level
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		base = append(base, WithLogger(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))))
	}
	if cfg.RecordRateLimit > 0 {
		base = append(base, WithRecordRateLimit(cfg.RecordRateLimit, cfg.RecordBurst))
	}

	st, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	return New(st, append(base, opts...)...), nil
}
