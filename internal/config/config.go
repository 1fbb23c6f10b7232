// Package config loads the execution agent's configuration: the
// gateway connection, the permission engine's defaults, and logging,
// grounded on the teacher's Load/applyDefaults/applyEnvOverrides split
// (internal/config/config.go).
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the agent's full on-disk configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	Permission PermissionConfig `yaml:"permission"`
	Auth       AuthConfig       `yaml:"auth"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// GatewayConfig configures the listener's WebSocket connection.
type GatewayConfig struct {
	URL               string        `yaml:"url"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ReconnectBudget   time.Duration `yaml:"reconnect_budget"`
}

// PermissionConfig seeds the permission engine and mode controller.
type PermissionConfig struct {
	WorkingDir     string   `yaml:"working_dir"`
	DefaultMode    string   `yaml:"default_mode"`
	AllowedTools   []string `yaml:"allowed_tools"`
	DisallowedTools []string `yaml:"disallowed_tools"`
	RulesFile      string   `yaml:"rules_file"`
	PlanFilePath   string   `yaml:"plan_file_path"`
}

// AuthConfig carries the credential the listener presents to the
// gateway.
type AuthConfig struct {
	APIKey string `yaml:"api_key"`
}

// LoggingConfig configures the slog logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file at path, applying env
// var overrides and defaults, then validating the result. An empty
// path is not an error: it yields defaults plus whatever env vars are
// set, matching a container deployment with no mounted config file.
func Load(path string) (*Config, error) {
	var cfg Config

	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		decoder := yaml.NewDecoder(strings.NewReader(expanded))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			return nil, fmt.Errorf("failed to parse config: expected single document")
		}
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.HeartbeatInterval == 0 {
		cfg.Gateway.HeartbeatInterval = 30 * time.Second
	}
	if cfg.Gateway.ReconnectBudget == 0 {
		cfg.Gateway.ReconnectBudget = 5 * time.Minute
	}
	if cfg.Permission.WorkingDir == "" {
		if wd, err := os.Getwd(); err == nil {
			cfg.Permission.WorkingDir = wd
		}
	}
	if cfg.Permission.DefaultMode == "" {
		cfg.Permission.DefaultMode = "default"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// applyEnvOverrides applies the agent's env var surface. Debug/feature
// flags (LETTA_PERMISSIONS_V2, LETTA_PERMISSIONS_DUAL_EVAL,
// LETTA_PERMISSION_TRACE, LETTA_PERMISSION_TRACE_ALL,
// LETTA_DEBUG_TIMINGS, LETTA_ENABLE_LSP, LETTA_PARENT_AGENT_ID) are
// read directly by their consumers via LoadFlags(), not copied into Config.
func applyEnvOverrides(cfg *Config) {
	if value := strings.TrimSpace(os.Getenv("LETTA_API_KEY")); value != "" {
		cfg.Auth.APIKey = value
	}
	if value := strings.TrimSpace(os.Getenv("LETTA_GATEWAY_URL")); value != "" {
		cfg.Gateway.URL = value
	}
	if value := strings.TrimSpace(os.Getenv("LETTA_PERMISSION_MODE")); value != "" {
		cfg.Permission.DefaultMode = value
	}
	if value := strings.TrimSpace(os.Getenv("LETTA_WORKING_DIR")); value != "" {
		cfg.Permission.WorkingDir = value
	}
	if value := strings.TrimSpace(os.Getenv("LETTA_LOG_LEVEL")); value != "" {
		cfg.Logging.Level = value
	}
}

// Flags captures the boolean feature-flag env vars the agent reads
// directly, outside the yaml-backed Config.
type Flags struct {
	PermissionsV2       bool
	PermissionsDualEval bool
	PermissionTrace     bool
	PermissionTraceAll  bool
	DebugTimings        bool
	EnableLSP           bool
	ParentAgentID       string
}

// LoadFlags reads the agent's boolean env-var feature flags.
func LoadFlags() Flags {
	return Flags{
		PermissionsV2:       envBoolDefault("LETTA_PERMISSIONS_V2", true),
		PermissionsDualEval: envBool("LETTA_PERMISSIONS_DUAL_EVAL"),
		PermissionTrace:     envBool("LETTA_PERMISSION_TRACE"),
		PermissionTraceAll:  envBool("LETTA_PERMISSION_TRACE_ALL"),
		DebugTimings:        envBool("LETTA_DEBUG_TIMINGS"),
		EnableLSP:           envBool("LETTA_ENABLE_LSP"),
		ParentAgentID:       strings.TrimSpace(os.Getenv("LETTA_PARENT_AGENT_ID")),
	}
}

func envBool(name string) bool {
	return envBoolDefault(name, false)
}

// envBoolDefault parses a boolean env var, falling back to def when the
// var is unset or unparseable. Used for LETTA_PERMISSIONS_V2, whose
// documented default is true (engine select, default v2).
func envBoolDefault(name string, def bool) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return parsed
}

// ValidationError reports one or more configuration problems.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validateConfig(cfg *Config) error {
	var issues []string

	switch cfg.Permission.DefaultMode {
	case "default", "acceptEdits", "plan", "bypassPermissions":
	default:
		issues = append(issues, fmt.Sprintf("permission.default_mode %q must be one of default, acceptEdits, plan, bypassPermissions", cfg.Permission.DefaultMode))
	}
	if cfg.Gateway.HeartbeatInterval < 0 {
		issues = append(issues, "gateway.heartbeat_interval must be >= 0")
	}
	if cfg.Gateway.ReconnectBudget < 0 {
		issues = append(issues, "gateway.reconnect_budget must be >= 0")
	}
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		issues = append(issues, fmt.Sprintf("logging.level %q must be debug, info, warn, or error", cfg.Logging.Level))
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
