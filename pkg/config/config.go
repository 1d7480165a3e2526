// Package config loads the exporter configuration from a YAML file with
// environment-variable expansion, so secrets stay out of the file itself.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/vexlio/directory-export/pkg/publish"
	"github.com/vexlio/directory-export/pkg/retry"
)

// Duration wraps time.Duration so YAML values can be written as "30s", "5m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Auth configures the OAuth2 client-credentials provider.
type Auth struct {
	TokenURL     string   `yaml:"token_url"`
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	Timeout      Duration `yaml:"timeout"`
}

// Directory configures the extraction side.
type Directory struct {
	BaseURL         string   `yaml:"base_url"`
	Resource        string   `yaml:"resource"`
	PageSize        int      `yaml:"page_size"`
	IncludeExtended bool     `yaml:"include_extended"`
	Timeout         Duration `yaml:"timeout"`
}

// Ingest configures the delivery side.
type Ingest struct {
	Namespace string   `yaml:"namespace"`
	Hub       string   `yaml:"hub"`
	Resource  string   `yaml:"resource"`
	Timeout   Duration `yaml:"timeout"`
}

// Publish configures chunking.
type Publish struct {
	MaxChunkBytes  int    `yaml:"max_chunk_bytes"`
	OversizePolicy string `yaml:"oversize_policy"`
}

// Retry configures the shared retry policy.
type Retry struct {
	MaxAttempts int      `yaml:"max_attempts"`
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      *bool    `yaml:"jitter"`
}

// Redis configures the optional shared-state backend. Empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Logging configures log output.
type Logging struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the full exporter configuration.
type Config struct {
	Logging        Logging   `yaml:"logging"`
	Auth           Auth      `yaml:"auth"`
	Directory      Directory `yaml:"directory"`
	Ingest         Ingest    `yaml:"ingest"`
	Publish        Publish   `yaml:"publish"`
	Retry          Retry     `yaml:"retry"`
	Redis          Redis     `yaml:"redis"`
	InterCallDelay Duration  `yaml:"inter_call_delay"`
	RunTTL         Duration  `yaml:"run_ttl"`
}

// Load reads, expands, parses, and validates the configuration at path.
// ${VAR} references in the file are expanded from the environment.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(raw))))
}

// Parse decodes and validates an already-expanded configuration document.
func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.UnmarshalStrict(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Directory.PageSize <= 0 {
		c.Directory.PageSize = 999
	}
	if c.Publish.MaxChunkBytes <= 0 {
		c.Publish.MaxChunkBytes = publish.DefaultMaxChunkBytes
	}
	if c.Publish.OversizePolicy == "" {
		c.Publish.OversizePolicy = string(publish.OversizeSend)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelay <= 0 {
		c.Retry.BaseDelay = Duration(1 * time.Second)
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = Duration(30 * time.Second)
	}
	if c.InterCallDelay < 0 {
		c.InterCallDelay = 0
	}
	if c.RunTTL <= 0 {
		c.RunTTL = Duration(30 * 24 * time.Hour)
	}
}

func (c *Config) validate() error {
	if c.Auth.TokenURL == "" || c.Auth.ClientID == "" || c.Auth.ClientSecret == "" {
		return fmt.Errorf("auth.token_url, auth.client_id and auth.client_secret are required")
	}
	if c.Directory.BaseURL == "" || c.Directory.Resource == "" {
		return fmt.Errorf("directory.base_url and directory.resource are required")
	}
	if c.Ingest.Namespace == "" || c.Ingest.Hub == "" || c.Ingest.Resource == "" {
		return fmt.Errorf("ingest.namespace, ingest.hub and ingest.resource are required")
	}
	switch publish.OversizePolicy(c.Publish.OversizePolicy) {
	case publish.OversizeSend, publish.OversizeReject:
	default:
		return fmt.Errorf("publish.oversize_policy must be %q or %q",
			publish.OversizeSend, publish.OversizeReject)
	}
	return nil
}

// RetryPolicy converts the retry section into the executor policy.
func (c *Config) RetryPolicy() retry.Policy {
	jitter := true
	if c.Retry.Jitter != nil {
		jitter = *c.Retry.Jitter
	}
	return retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		BaseDelay:   c.Retry.BaseDelay.Std(),
		MaxDelay:    c.Retry.MaxDelay.Std(),
		Jitter:      jitter,
	}
}
