// Package config loads the orchestrator's configuration surface (§6)
// from a YAML file, layering environment variable overrides and
// `.env` values on top, and watches the file for changes so a running
// process can pick up tunable adjustments without a restart.
//
// Grounded on the teacher's pkg/config package: env.go's expansion
// regexes and godotenv loading, logger.go/auth.go/ratelimit.go's
// sub-config shape (SetDefaults/Validate pairs), and koanf_loader.go's
// file-watch responsibility (reimplemented here directly against
// fsnotify, since koanf itself is not part of this module's stack).
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agentmesh/orchestrator/pkg/observability"
	"github.com/agentmesh/orchestrator/pkg/ratelimit"
	"github.com/agentmesh/orchestrator/pkg/storage"
	"github.com/agentmesh/orchestrator/pkg/workflow"
)

// Config is the full orchestrator configuration (§6 "Configuration surface").
type Config struct {
	Workflow       workflow.Config      `yaml:"workflow"`
	Database       storage.DatabaseConfig `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Logger         LoggerConfig         `yaml:"logger"`
	AgentDiscovery AgentDiscoveryConfig `yaml:"agent_discovery"`
	Observability  ObservabilityConfig  `yaml:"observability"`
}

// ServerConfig configures the inbound HTTP surface (§6).
type ServerConfig struct {
	Addr      string          `yaml:"addr"`
	Auth      AuthConfig      `yaml:"auth"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// AuthConfig configures JWT bearer-token verification, disabled by
// default. Mirrors the teacher's server.auth section.
type AuthConfig struct {
	Enabled         bool          `yaml:"enabled,omitempty"`
	JWKSURL         string        `yaml:"jwks_url,omitempty"`
	Issuer          string        `yaml:"issuer,omitempty"`
	Audience        string        `yaml:"audience,omitempty"`
	RefreshInterval time.Duration `yaml:"-"`
	ExcludedPaths   []string      `yaml:"excluded_paths,omitempty"`
}

// UnmarshalYAML decodes AuthConfig, parsing RefreshInterval from a
// duration string.
func (c *AuthConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias AuthConfig
	aux := struct {
		RefreshInterval string `yaml:"refresh_interval,omitempty"`
		*alias
	}{alias: (*alias)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.RefreshInterval != "" {
		d, err := time.ParseDuration(aux.RefreshInterval)
		if err != nil {
			return err
		}
		c.RefreshInterval = d
	}
	return nil
}

// SetDefaults fills in auth defaults.
func (c *AuthConfig) SetDefaults() {
	if c.RefreshInterval == 0 {
		c.RefreshInterval = 15 * time.Minute
	}
	if len(c.ExcludedPaths) == 0 {
		c.ExcludedPaths = []string{"/health"}
	}
}

// Validate checks the auth config is complete when enabled.
func (c *AuthConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" || c.Issuer == "" || c.Audience == "" {
		return fmt.Errorf("server.auth: jwks_url, issuer, and audience are all required when enabled")
	}
	return nil
}

// RateLimitConfig configures the task-submission throttle (§C).
type RateLimitConfig struct {
	Enabled bool               `yaml:"enabled,omitempty"`
	Limits  []RateLimitRule    `yaml:"limits,omitempty"`
}

// RateLimitRule is the YAML shape for a ratelimit.Rule.
type RateLimitRule struct {
	Scope  string `yaml:"scope"`
	Window string `yaml:"window"`
	Limit  int64  `yaml:"limit"`
}

// SetDefaults fills in a sane default submission ceiling when enabled
// with no explicit rules (60 submissions/minute per requester).
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled && len(c.Limits) == 0 {
		c.Limits = []RateLimitRule{{Scope: "requester", Window: "minute", Limit: 60}}
	}
}

// Validate checks every configured rule names a known scope/window.
func (c *RateLimitConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	for i, r := range c.Limits {
		switch r.Scope {
		case "requester", "global":
		default:
			return fmt.Errorf("server.rate_limit.limits[%d]: invalid scope %q", i, r.Scope)
		}
		switch r.Window {
		case "minute", "hour", "day":
		default:
			return fmt.Errorf("server.rate_limit.limits[%d]: invalid window %q", i, r.Window)
		}
		if r.Limit <= 0 {
			return fmt.Errorf("server.rate_limit.limits[%d]: limit must be positive", i)
		}
	}
	return nil
}

// Rules converts the YAML rule list into ratelimit.Rule values.
func (c *RateLimitConfig) Rules() []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(c.Limits))
	for _, r := range c.Limits {
		out = append(out, ratelimit.Rule{
			Scope:  ratelimit.Scope(r.Scope),
			Window: ratelimit.TimeWindow(r.Window),
			Limit:  r.Limit,
		})
	}
	return out
}

// LoggerConfig configures the root slog logger (§A "Logging").
//
// Priority order highest to lowest: CLI flags, this file's values, then
// defaults (see logging.Build). No environment variable overrides these
// fields directly.
type LoggerConfig struct {
	Level  string `yaml:"level,omitempty"`
	File   string `yaml:"file,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// SetDefaults applies logger defaults.
func (c *LoggerConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "text"
	}
}

// Validate checks the logger level is one slog understands.
func (c *LoggerConfig) Validate() error {
	switch c.Level {
	case "", "debug", "info", "warn", "error":
		return nil
	default:
		return fmt.Errorf("logger.level: invalid value %q (valid: debug, info, warn, error)", c.Level)
	}
}

// AgentDiscoveryConfig configures optional Consul-backed agent discovery (§C).
type AgentDiscoveryConfig struct {
	Consul ConsulDiscoveryConfig `yaml:"consul"`
}

// ConsulDiscoveryConfig points the registry at a Consul service catalog.
type ConsulDiscoveryConfig struct {
	Enabled      bool          `yaml:"enabled,omitempty"`
	Address      string        `yaml:"address,omitempty"`
	ServiceName  string        `yaml:"service_name,omitempty"`
	PollInterval time.Duration `yaml:"-"`
}

// UnmarshalYAML decodes ConsulDiscoveryConfig, parsing PollInterval
// from a duration string.
func (c *ConsulDiscoveryConfig) UnmarshalYAML(value *yaml.Node) error {
	type alias ConsulDiscoveryConfig
	aux := struct {
		PollInterval string `yaml:"poll_interval,omitempty"`
		*alias       `yaml:",inline"`
	}{alias: (*alias)(c)}
	if err := value.Decode(&aux); err != nil {
		return err
	}
	if aux.PollInterval != "" {
		d, err := time.ParseDuration(aux.PollInterval)
		if err != nil {
			return err
		}
		c.PollInterval = d
	}
	return nil
}

// SetDefaults fills in Consul discovery defaults.
func (c *ConsulDiscoveryConfig) SetDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "orchestrator-agent"
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 10 * time.Second
	}
}

// SetDefaults applies the workflow and database sub-configs' defaults
// first, then every other sub-config's, then the default listen address
// (§D.1).
func (c *Config) SetDefaults() {
	c.Workflow.ApplyDefaults()
	c.Database.SetDefaults()
	c.Logger.SetDefaults()
	c.Server.Auth.SetDefaults()
	c.Server.RateLimit.SetDefaults()
	c.AgentDiscovery.Consul.SetDefaults()
	c.Observability.Metrics.SetDefaults()
	c.Observability.Tracer.SetDefaults()
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
}

// ObservabilityConfig configures the metrics and tracing stack (§A
// "Metrics & tracing").
type ObservabilityConfig struct {
	Metrics observability.MetricsConfig `yaml:"metrics"`
	Tracer  observability.TracerConfig  `yaml:"tracer"`
}

// Validate checks every sub-config.
func (c *Config) Validate() error {
	if err := c.Database.Validate(); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := c.Logger.Validate(); err != nil {
		return err
	}
	if err := c.Server.Auth.Validate(); err != nil {
		return err
	}
	if err := c.Server.RateLimit.Validate(); err != nil {
		return err
	}
	return nil
}
