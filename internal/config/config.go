// Package config loads process settings from the environment and the
// optional tenants file.
package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"webhook-bridge/internal/integrations/paramstore"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendMemory   = "memory"

	testTablePrefix = "test_"
)

type Config struct {
	Port            int      `env:"PORT" envDefault:"8000"`
	TestMode        bool     `env:"TEST_MODE"`
	Tenants         []string `env:"TENANTS" envDefault:"faster,vip" envSeparator:","`
	TableNameFormat string   `env:"TABLE_NAME_FORMAT" envDefault:"%s-webhooks"`
	ParamPrefix     string   `env:"PARAM_PREFIX"`
	TenantsFile     string   `env:"TENANTS_FILE"`
	StoreBackend    string   `env:"STORE_BACKEND" envDefault:"dynamodb"`

	QueueCapacity    int           `env:"QUEUE_CAPACITY" envDefault:"10000"`
	WorkerCount      int           `env:"WORKER_COUNT" envDefault:"4"`
	BreakerThreshold int           `env:"BREAKER_THRESHOLD" envDefault:"10"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"60s"`
	WriteTimeout     time.Duration `env:"STORE_WRITE_TIMEOUT" envDefault:"5s"`
	SyncTimeout      time.Duration `env:"SYNC_FALLBACK_TIMEOUT" envDefault:"10s"`
	DeadLetterPath   string        `env:"DEAD_LETTER_PATH"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`
}

// Load reads the environment and validates the result.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	cfg.Tenants = normalizeTenants(cfg.Tenants)
	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(cfg.StoreBackend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if len(c.Tenants) == 0 && c.TenantsFile == "" {
		return errors.New("config: at least one tenant is required")
	}
	switch c.StoreBackend {
	case BackendDynamoDB, BackendMemory:
	default:
		return fmt.Errorf("config: unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if !strings.Contains(c.TableNameFormat, "%s") {
		return fmt.Errorf("config: TABLE_NAME_FORMAT %q must contain %%s", c.TableNameFormat)
	}
	if c.QueueCapacity < 0 || c.WorkerCount < 0 {
		return errors.New("config: QUEUE_CAPACITY and WORKER_COUNT must not be negative")
	}
	if c.WorkerCount == 0 && c.QueueCapacity > 0 {
		return errors.New("config: WORKER_COUNT=0 requires QUEUE_CAPACITY=0, nothing would drain the queue")
	}
	if c.BreakerThreshold <= 0 {
		return errors.New("config: BREAKER_THRESHOLD must be positive")
	}
	if c.BreakerCooldown <= 0 || c.WriteTimeout <= 0 || c.SyncTimeout <= 0 {
		return errors.New("config: durations must be positive")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL to a slog level, defaulting to info.
func (c *Config) SlogLevel() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if strings.EqualFold(c.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Tenant is one webhook source with its own table.
type Tenant struct {
	Name  string `yaml:"name"`
	Table string `yaml:"table"`
}

type tenantsFile struct {
	Tenants []Tenant `yaml:"tenants"`
}

// ParamGetter reads a single parameter. A missing parameter is reported as
// paramstore.ErrNotFound.
type ParamGetter interface {
	GetParameter(ctx context.Context, name string) (string, error)
}

// ResolveTenants returns every tenant with its table name. A table named in
// the tenants file wins, then a parameter under PARAM_PREFIX, then
// TABLE_NAME_FORMAT. params may be nil. TEST_MODE prefixes every table.
func (c *Config) ResolveTenants(ctx context.Context, params ParamGetter, logger *slog.Logger) ([]Tenant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var tenants []Tenant
	if c.TenantsFile != "" {
		fromFile, err := readTenantsFile(c.TenantsFile)
		if err != nil {
			return nil, err
		}
		tenants = fromFile
	} else {
		for _, name := range c.Tenants {
			tenants = append(tenants, Tenant{Name: name})
		}
	}
	if len(tenants) == 0 {
		return nil, errors.New("config: no tenants configured")
	}

	seen := map[string]bool{}
	for i := range tenants {
		t := &tenants[i]
		if seen[t.Name] {
			return nil, fmt.Errorf("config: duplicate tenant %q", t.Name)
		}
		seen[t.Name] = true

		if t.Table == "" && params != nil && c.ParamPrefix != "" {
			name := strings.TrimRight(c.ParamPrefix, "/") + "/tenants/" + t.Name + "/table"
			v, err := params.GetParameter(ctx, name)
			switch {
			case errors.Is(err, paramstore.ErrNotFound):
				logger.Debug("no table parameter for tenant", "tenant", t.Name, "param", name)
			case err != nil:
				return nil, fmt.Errorf("config: tenant %q table: %w", t.Name, err)
			default:
				t.Table = strings.TrimSpace(v)
			}
		}
		if t.Table == "" {
			t.Table = fmt.Sprintf(c.TableNameFormat, t.Name)
		}
		if c.TestMode {
			t.Table = testTablePrefix + t.Table
		}
	}
	return tenants, nil
}

func readTenantsFile(path string) ([]Tenant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read tenants file: %w", err)
	}
	var f tenantsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse tenants file: %w", err)
	}
	for i := range f.Tenants {
		f.Tenants[i].Name = strings.ToLower(strings.TrimSpace(f.Tenants[i].Name))
		f.Tenants[i].Table = strings.TrimSpace(f.Tenants[i].Table)
		if f.Tenants[i].Name == "" {
			return nil, fmt.Errorf("config: tenants file entry %d has no name", i)
		}
	}
	return f.Tenants, nil
}

func normalizeTenants(in []string) []string {
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
