// Package config provides configuration parsing and validation for convmux.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "500ms"
// as well as integer nanoseconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw any
	if err := value.Decode(&raw); err != nil {
		return err
	}

	switch v := raw.(type) {
	case int:
		*d = Duration(time.Duration(v))
	case float64:
		*d = Duration(time.Duration(v))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", v, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete daemon configuration.
type Config struct {
	Listen string       `yaml:"listen"`
	Mux    MuxConfig    `yaml:"mux"`
	Engine EngineConfig `yaml:"engine"`
	Log    LogConfig    `yaml:"log"`
	Health HealthConfig `yaml:"health"`
}

// MuxConfig tunes the demultiplexer.
type MuxConfig struct {
	// AcceptBacklog bounds accepted-but-not-yet-retrieved conversations.
	AcceptBacklog int `yaml:"accept_backlog"`

	// CloseBacklog bounds pending close notifications.
	CloseBacklog int `yaml:"close_backlog"`

	// SessionBuffer bounds each session's inbound datagram queue.
	SessionBuffer int `yaml:"session_buffer"`

	// ReadBuffer is the socket receive scratch size in bytes.
	ReadBuffer int `yaml:"read_buffer"`

	// ReceiveBackoff is the pause after a transient receive error.
	ReceiveBackoff Duration `yaml:"receive_backoff"`

	// SessionRate caps new conversations per second (0 = unlimited).
	SessionRate  float64 `yaml:"session_rate"`
	SessionBurst int     `yaml:"session_burst"`
}

// EngineConfig carries opaque tuning options for the reliable-delivery
// engine. The daemon passes them through without interpreting them.
type EngineConfig struct {
	Options map[string]string `yaml:"options"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// HealthConfig controls the health/debug HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Listen: ":4000",
		Mux: MuxConfig{
			AcceptBacklog:  1024,
			CloseBacklog:   64,
			SessionBuffer:  64,
			ReadBuffer:     64 * 1024,
			ReceiveBackoff: Duration(time.Second),
			SessionRate:    0,
			SessionBurst:   16,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Health: HealthConfig{
			Enabled: false,
			Address: ":8080",
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes, expanding environment
// variables first and validating the result.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} substitutes default when VAR is unset.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if idx := strings.Index(name, ":-"); idx != -1 {
			if val, ok := os.LookupEnv(name[:idx]); ok {
				return val
			}
			return name[idx+2:]
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Listen == "" {
		errs = append(errs, "listen address is required")
	}

	if c.Mux.AcceptBacklog < 1 {
		errs = append(errs, "mux.accept_backlog must be positive")
	}
	if c.Mux.CloseBacklog < 1 {
		errs = append(errs, "mux.close_backlog must be positive")
	}
	if c.Mux.SessionBuffer < 1 {
		errs = append(errs, "mux.session_buffer must be positive")
	}
	if c.Mux.ReadBuffer < 1024 {
		errs = append(errs, "mux.read_buffer must be at least 1024")
	}
	if c.Mux.ReceiveBackoff < 0 {
		errs = append(errs, "mux.receive_backoff must not be negative")
	}
	if c.Mux.SessionRate < 0 {
		errs = append(errs, "mux.session_rate must not be negative")
	}

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}

	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch strings.ToLower(level) {
	case "debug", "info", "warn", "warning", "error":
		return true
	}
	return false
}

func isValidLogFormat(format string) bool {
	switch strings.ToLower(format) {
	case "text", "json":
		return true
	}
	return false
}
