package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"steward/internal/domain"
)

// Config models steward.yml.
type Config struct {
	Proactivity domain.ProactivityConfig `yaml:"proactivity"`
	Scheduler   SchedulerConfig          `yaml:"scheduler"`
	Budget      struct {
		Services map[string]ServiceBudget `yaml:"services"`
	} `yaml:"budget"`
	Ledger    LedgerConfig             `yaml:"ledger"`
	Channels  map[string]ChannelConfig `yaml:"channels"`
	Generator GeneratorConfig          `yaml:"generator"`
	Server    ServerConfig             `yaml:"server"`
	Log       LogConfig                `yaml:"log"`
}

type SchedulerConfig struct {
	Interval            time.Duration `yaml:"interval"`
	BatchSize           int           `yaml:"batch_size"`
	DeliveryConcurrency int           `yaml:"delivery_concurrency"`
	ApprovalTTL         time.Duration `yaml:"approval_ttl"`
}

// ServiceBudget prices a metered service and caps its spend. A zero cap means uncapped.
type ServiceBudget struct {
	domain.PricingRule `yaml:",inline"`
	DailyBudget        float64 `yaml:"daily_budget"`
	MonthlyBudget      float64 `yaml:"monthly_budget"`
}

type LedgerConfig struct {
	Store     string `yaml:"store"`
	RedisAddr string `yaml:"redis_addr"`
	RedisDB   int    `yaml:"redis_db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ChannelConfig wires one delivery kind (an action type or approval_request) to a driver.
type ChannelConfig struct {
	Driver         string  `yaml:"driver"`
	URL            string  `yaml:"url,omitempty"`
	Secret         string  `yaml:"secret,omitempty"`
	TimeoutSeconds int     `yaml:"timeout_seconds,omitempty"`
	RatePerSecond  float64 `yaml:"rate_per_second,omitempty"`
	Service        string  `yaml:"service,omitempty"`
	Units          int64   `yaml:"units,omitempty"`
	Region         string  `yaml:"region,omitempty"`
	VoiceID        string  `yaml:"voice_id,omitempty"`
	Engine         string  `yaml:"engine,omitempty"`
	OutputDir      string  `yaml:"output_dir,omitempty"`
}

type GeneratorConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ServerConfig configures the HTTP API. Requests must carry a bearer JWT signed with
// JWTSecret unless AllowActorHeader lets local tools identify with X-Actor-Id.
type ServerConfig struct {
	Addr             string `yaml:"addr"`
	BasePath         string `yaml:"base_path"`
	JWTSecret        string `yaml:"jwt_secret"`
	AllowActorHeader bool   `yaml:"allow_actor_header"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

const ApprovalRequestKind = "approval_request"

var channelDrivers = map[string]struct{}{"log": {}, "webhook": {}, "speech": {}}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with stw config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if err := c.Proactivity.Validate(); err != nil {
		return fmt.Errorf("config.proactivity: %w", err)
	}
	if c.Scheduler.BatchSize <= 0 {
		return fmt.Errorf("config.scheduler.batch_size must be > 0")
	}
	if c.Scheduler.DeliveryConcurrency <= 0 {
		return fmt.Errorf("config.scheduler.delivery_concurrency must be > 0")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("config.scheduler.interval must be > 0")
	}
	for name, svc := range c.Budget.Services {
		if name == "" {
			return fmt.Errorf("config.budget.services contains empty service name")
		}
		if svc.CostPerUnit < 0 || svc.FreeUnitsPerDay < 0 || svc.FreeUnitsPerMonth < 0 {
			return fmt.Errorf("service %s pricing must be >= 0", name)
		}
		if svc.DailyBudget < 0 || svc.MonthlyBudget < 0 {
			return fmt.Errorf("service %s budget caps must be >= 0", name)
		}
	}
	switch c.Ledger.Store {
	case "", "sqlite":
	case "redis":
		if c.Ledger.RedisAddr == "" {
			return fmt.Errorf("config.ledger.redis_addr is required for the redis store")
		}
	default:
		return fmt.Errorf("config.ledger.store must be sqlite or redis")
	}
	for kind, ch := range c.Channels {
		if kind != ApprovalRequestKind && !domain.ActionType(kind).Valid() {
			return fmt.Errorf("channel %s is not an action type or %s", kind, ApprovalRequestKind)
		}
		if _, ok := channelDrivers[ch.Driver]; !ok {
			return fmt.Errorf("channel %s has unknown driver %q", kind, ch.Driver)
		}
		if ch.Driver == "webhook" && strings.TrimSpace(ch.URL) == "" {
			return fmt.Errorf("channel %s: webhook url is required", kind)
		}
		if ch.Service != "" {
			if _, ok := c.Budget.Services[ch.Service]; !ok {
				return fmt.Errorf("channel %s references unknown service %s", kind, ch.Service)
			}
		}
	}
	return nil
}

// Pricing returns the pricing rules keyed by service.
func (c *Config) Pricing() map[string]domain.PricingRule {
	out := make(map[string]domain.PricingRule, len(c.Budget.Services))
	for name, svc := range c.Budget.Services {
		out[name] = svc.PricingRule
	}
	return out
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "steward.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config template: %v", err))
	}
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sections take
// their values from the default template.
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

const defaultTemplate = `proactivity:
  min_confidence: 0.7
  max_actions_per_hour: 3
  max_actions_per_day: 15
  quiet_hours_start: "22:00"
  quiet_hours_end: "07:00"
  auto_execute_threshold: 0.9
  duplicate_similarity: 0.6
  min_effectiveness: 0.3
  min_feedback_samples: 5

scheduler:
  interval: 30m
  batch_size: 5
  delivery_concurrency: 4
  approval_ttl: 24h

budget:
  services:
    llm:
      cost_per_unit: 0.002
      free_units_per_day: 0
      free_units_per_month: 0
      daily_budget: 100
      monthly_budget: 2000
    sms:
      cost_per_unit: 1
      free_units_per_day: 0
      free_units_per_month: 50
      daily_budget: 50
      monthly_budget: 500
    tts:
      cost_per_unit: 0.0016
      free_units_per_day: 0
      free_units_per_month: 1000000
      daily_budget: 100
      monthly_budget: 1000

ledger:
  store: sqlite
  key_prefix: steward

channels:
  reminder:
    driver: log
  suggestion:
    driver: log
  insight:
    driver: log
  alert:
    driver: log
  question:
    driver: log
  automation:
    driver: log
  approval_request:
    driver: log

generator:
  timeout: 30s

server:
  addr: 127.0.0.1:8080
  base_path: /v0
  allow_actor_header: true

log:
  level: info
  format: json
`
