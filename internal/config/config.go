package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models rulegate.yml.
type Config struct {
	Service struct {
		AdminCaller string `yaml:"admin_caller"`
		Addr        string `yaml:"addr"`
		BasePath    string `yaml:"base_path"`
	} `yaml:"service"`
	Storage struct {
		Backend   string `yaml:"backend"`
		DSN       string `yaml:"dsn"`
		Workspace string `yaml:"workspace"`
	} `yaml:"storage"`
	Thresholds struct {
		TLow  float64 `yaml:"t_low"`
		THigh float64 `yaml:"t_high"`
	} `yaml:"thresholds"`
	Review struct {
		IdempotentCounters bool `yaml:"idempotent_counters"`
	} `yaml:"review"`
	Queue struct {
		Workers        int           `yaml:"workers"`
		Size           int           `yaml:"size"`
		ProcessTimeout time.Duration `yaml:"process_timeout"`
	} `yaml:"queue"`
	Ops struct {
		MinQualityGatePassRate float64 `yaml:"min_quality_gate_pass_rate"`
		MaxHumanRequiredRate   float64 `yaml:"max_human_required_rate"`
	} `yaml:"ops"`
	Auth struct {
		JWTSecret               string `yaml:"jwt_secret"`
		AllowLegacyCallerHeader bool   `yaml:"allow_legacy_caller_header"`
	} `yaml:"auth"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Events         []string `yaml:"events"`
	Secret         string   `yaml:"secret"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	RatePerSecond  float64  `yaml:"rate_per_second"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Service.AdminCaller) == "" {
		return fmt.Errorf("config.service.admin_caller is required")
	}
	switch strings.ToLower(c.Storage.Backend) {
	case "", "none", "memory", "sqlite", "sqlite3", "postgres", "postgresql", "pg":
	default:
		return fmt.Errorf("config.storage.backend %q is not one of none, sqlite, postgres", c.Storage.Backend)
	}
	if strings.HasPrefix(strings.ToLower(c.Storage.Backend), "postgres") && c.Storage.DSN == "" {
		return fmt.Errorf("config.storage.dsn is required for postgres")
	}
	t := c.Thresholds
	if t.TLow < 0 || t.TLow > 1 || t.THigh < 0 || t.THigh > 1 {
		return fmt.Errorf("config.thresholds must be within [0,1]")
	}
	if t.TLow >= t.THigh {
		return fmt.Errorf("config.thresholds.t_low must be below t_high")
	}
	if c.Queue.Workers < 0 || c.Queue.Size < 0 {
		return fmt.Errorf("config.queue sizes must not be negative")
	}
	if r := c.Ops.MinQualityGatePassRate; r < 0 || r > 1 {
		return fmt.Errorf("config.ops.min_quality_gate_pass_rate must be within [0,1]")
	}
	if r := c.Ops.MaxHumanRequiredRate; r < 0 || r > 1 {
		return fmt.Errorf("config.ops.max_human_required_rate must be within [0,1]")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.RatePerSecond < 0 {
			return fmt.Errorf("config.webhooks[%d].rate_per_second must not be negative", i)
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "rulegate.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with rgate config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys absent
// from data keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `service:
  admin_caller: admin
  addr: 127.0.0.1:8080
  base_path: /v1

storage:
  # none keeps the ledger in memory only; sqlite and postgres mirror every write.
  backend: sqlite
  dsn: ""
  workspace: .

thresholds:
  t_low: 0.6
  t_high: 0.85

review:
  idempotent_counters: false

queue:
  workers: 2
  size: 256
  process_timeout: 3m

ops:
  min_quality_gate_pass_rate: 0.8
  max_human_required_rate: 0.2

auth:
  # HS256 secret for bearer tokens; RULEGATE_JWT_SECRET overrides it.
  jwt_secret: ""
  allow_legacy_caller_header: true

log:
  level: info
  format: text
`
