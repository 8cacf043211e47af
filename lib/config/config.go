// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// PathVariable names the environment variable read by Load.
const PathVariable = "PASSENGER_AGENT_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local machines and test rigs.
	Development Environment = "development"
	// Production is for servers carrying real traffic.
	Production Environment = "production"
)

// Config is the configuration shared by the agent binaries.
type Config struct {
	Environment Environment `yaml:"environment" json:"environment"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	Instance  InstanceConfig  `yaml:"instance" json:"instance"`
	Pool      PoolConfig      `yaml:"pool" json:"pool"`
	WebServer WebServerConfig `yaml:"web_server" json:"web_server"`
	Analytics AnalyticsConfig `yaml:"analytics" json:"analytics"`

	// AccountsFile is an age-sealed YAML list of extra control channel
	// accounts, decrypted with the key in AccountsIdentityFile.
	AccountsFile         string `yaml:"accounts_file" json:"accounts_file"`
	AccountsIdentityFile string `yaml:"accounts_identity_file" json:"accounts_identity_file"`

	// PrestartURLs are requested once shortly after startup so their
	// applications are spawned before real traffic arrives.
	PrestartURLs []string `yaml:"prestart_urls" json:"prestart_urls"`

	// MetricsAddress is the TCP address of the Prometheus endpoint.
	// Empty disables it.
	MetricsAddress string `yaml:"metrics_address" json:"metrics_address"`

	LoggingAgent LoggingAgentConfig `yaml:"logging_agent" json:"logging_agent"`

	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty"`
}

// InstanceConfig locates the server instance directory.
type InstanceConfig struct {
	// TempDir is the parent of the instance directory.
	TempDir string `yaml:"temp_dir" json:"temp_dir"`

	// WebServerPID names the instance directory. Zero selects the
	// agent's parent process.
	WebServerPID int `yaml:"web_server_pid" json:"web_server_pid"`

	// Generation reuses an existing generation number; -1 creates a new
	// one.
	Generation int `yaml:"generation" json:"generation"`

	WebServerType string `yaml:"web_server_type" json:"web_server_type"`
	ConfigFile    string `yaml:"config_file" json:"config_file"`

	UserSwitching bool   `yaml:"user_switching" json:"user_switching"`
	DefaultUser   string `yaml:"default_user" json:"default_user"`
	DefaultGroup  string `yaml:"default_group" json:"default_group"`
}

// PoolConfig sizes the application pool and describes how workers are
// started.
type PoolConfig struct {
	MaxPoolSize        int      `yaml:"max_pool_size" json:"max_pool_size"`
	MaxInstancesPerApp int      `yaml:"max_instances_per_app" json:"max_instances_per_app"`
	PoolIdleTime       Duration `yaml:"pool_idle_time" json:"pool_idle_time"`

	// SpawnCommand is the worker command line, run in the application
	// root.
	SpawnCommand []string `yaml:"spawn_command" json:"spawn_command"`
	StartTimeout Duration `yaml:"start_timeout" json:"start_timeout"`

	// CheckoutTimeout bounds how long a request waits for a worker.
	// Zero waits until the web server gives up.
	CheckoutTimeout Duration `yaml:"checkout_timeout" json:"checkout_timeout"`

	// WorkerTimeout bounds each write to a worker and each wait for
	// its response bytes. A worker that exceeds it is retired. Zero
	// disables the bound.
	WorkerTimeout Duration `yaml:"worker_timeout" json:"worker_timeout"`
}

// WebServerConfig holds the secrets shared with the web server. Each
// password is given inline as base64 or as a file path, never both. A
// missing request password is generated at startup.
type WebServerConfig struct {
	RequestSocketPassword     string `yaml:"request_socket_password" json:"request_socket_password"`
	RequestSocketPasswordFile string `yaml:"request_socket_password_file" json:"request_socket_password_file"`
	MessageSocketPassword     string `yaml:"message_socket_password" json:"message_socket_password"`
	MessageSocketPasswordFile string `yaml:"message_socket_password_file" json:"message_socket_password_file"`
}

// AnalyticsConfig points the agent at a logging agent. An empty address
// disables analytics.
type AnalyticsConfig struct {
	LoggingAgentAddress string   `yaml:"logging_agent_address" json:"logging_agent_address"`
	Username            string   `yaml:"username" json:"username"`
	Password            string   `yaml:"password" json:"password"`
	PasswordFile        string   `yaml:"password_file" json:"password_file"`
	NodeName            string   `yaml:"node_name" json:"node_name"`
	ReconnectTimeout    Duration `yaml:"reconnect_timeout" json:"reconnect_timeout"`
}

// LoggingAgentConfig configures passenger-logging-agent.
type LoggingAgentConfig struct {
	// Socket is the listening address. Empty selects the generation's
	// logging socket.
	Socket  string `yaml:"socket" json:"socket"`
	DumpDir string `yaml:"dump_dir" json:"dump_dir"`

	// ArchiveAfter compresses hour buckets this long after they end.
	// Zero disables archiving.
	ArchiveAfter       Duration `yaml:"archive_after" json:"archive_after"`
	ArchiveCompression string   `yaml:"archive_compression" json:"archive_compression"`

	// User and Group are the account the agent drops to when started as
	// root.
	User  string `yaml:"user" json:"user"`
	Group string `yaml:"group" json:"group"`
}

// Overrides is an environment-specific section. Only non-zero fields
// replace base values.
type Overrides struct {
	LogLevel       string      `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	MetricsAddress string      `yaml:"metrics_address,omitempty" json:"metrics_address,omitempty"`
	Pool           *PoolConfig `yaml:"pool,omitempty" json:"pool,omitempty"`
	PrestartURLs   []string    `yaml:"prestart_urls,omitempty" json:"prestart_urls,omitempty"`
}

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// D returns d as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Environment: Development,
		LogLevel:    "info",
		Instance: InstanceConfig{
			TempDir:    "${PASSENGER_TEMP_DIR:-/tmp}",
			Generation: -1,
		},
		Pool: PoolConfig{
			MaxPoolSize:   20,
			PoolIdleTime:  Duration(120 * time.Second),
			StartTimeout:  Duration(90 * time.Second),
			WorkerTimeout: Duration(10 * time.Minute),
		},
		Analytics: AnalyticsConfig{
			ReconnectTimeout: Duration(60 * time.Second),
		},
		LoggingAgent: LoggingAgentConfig{
			DumpDir:            "${PASSENGER_TEMP_DIR:-/tmp}/passenger-analytics",
			ArchiveAfter:       Duration(2 * time.Hour),
			ArchiveCompression: "zstd",
			User:               "nobody",
		},
	}
}

// Load loads the file named by PASSENGER_AGENT_CONFIG. There is no
// search path: an unset variable is an error.
func Load() (*Config, error) {
	path := os.Getenv(PathVariable)
	if path == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of the agent config file, or use --config", PathVariable)
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults, applies the section for the
// configured environment and expands variables. Files ending in .json or
// .jsonc are read as JSON with comments; anything else is YAML.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.loadFile(path); err != nil {
		return nil, err
	}
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		if err := json.Unmarshal(jsonc.ToJSON(data), c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	default:
		if err := yaml.Unmarshal(data, c); err != nil {
			return fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Production:
		overrides = c.Production
		// Production without its own section logs less.
		if overrides == nil {
			overrides = &Overrides{LogLevel: "warn"}
		}
	}
	if overrides == nil {
		return
	}

	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
	if overrides.MetricsAddress != "" {
		c.MetricsAddress = overrides.MetricsAddress
	}
	if overrides.PrestartURLs != nil {
		c.PrestartURLs = overrides.PrestartURLs
	}
	if pool := overrides.Pool; pool != nil {
		if pool.MaxPoolSize != 0 {
			c.Pool.MaxPoolSize = pool.MaxPoolSize
		}
		if pool.MaxInstancesPerApp != 0 {
			c.Pool.MaxInstancesPerApp = pool.MaxInstancesPerApp
		}
		if pool.PoolIdleTime != 0 {
			c.Pool.PoolIdleTime = pool.PoolIdleTime
		}
		if pool.SpawnCommand != nil {
			c.Pool.SpawnCommand = pool.SpawnCommand
		}
		if pool.StartTimeout != 0 {
			c.Pool.StartTimeout = pool.StartTimeout
		}
		if pool.CheckoutTimeout != 0 {
			c.Pool.CheckoutTimeout = pool.CheckoutTimeout
		}
		if pool.WorkerTimeout != 0 {
			c.Pool.WorkerTimeout = pool.WorkerTimeout
		}
	}
}

// expandVariables expands ${VAR} and ${VAR:-default} in path fields.
// ${PASSENGER_TEMP_DIR} refers to the expanded instance.temp_dir.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}

	c.Instance.TempDir = expandVars(c.Instance.TempDir, vars)
	vars["PASSENGER_TEMP_DIR"] = c.Instance.TempDir

	for _, field := range []*string{
		&c.Instance.ConfigFile,
		&c.WebServer.RequestSocketPasswordFile,
		&c.WebServer.MessageSocketPasswordFile,
		&c.Analytics.PasswordFile,
		&c.AccountsFile,
		&c.AccountsIdentityFile,
		&c.LoggingAgent.Socket,
		&c.LoggingAgent.DumpDir,
	} {
		*field = expandVars(*field, vars)
	}
	for i, argument := range c.Pool.SpawnCommand {
		c.Pool.SpawnCommand[i] = expandVars(argument, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

var (
	logLevels    = []string{"debug", "info", "warn", "error"}
	compressions = []string{"none", "zstd", "lz4"}
)

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		errs = append(errs, fmt.Errorf("log_level must be one of: %v", logLevels))
	}

	if c.Instance.TempDir == "" {
		errs = append(errs, errors.New("instance.temp_dir is required"))
	}
	if c.Instance.Generation < -1 {
		errs = append(errs, errors.New("instance.generation must be -1 or a generation number"))
	}
	if c.Instance.WebServerPID < 0 {
		errs = append(errs, errors.New("instance.web_server_pid must not be negative"))
	}

	if c.Pool.MaxPoolSize < 1 {
		errs = append(errs, errors.New("pool.max_pool_size must be at least 1"))
	}
	if c.Pool.MaxInstancesPerApp < 0 {
		errs = append(errs, errors.New("pool.max_instances_per_app must not be negative"))
	}
	if c.Pool.PoolIdleTime < 0 || c.Pool.StartTimeout < 0 || c.Pool.CheckoutTimeout < 0 ||
		c.Pool.WorkerTimeout < 0 {
		errs = append(errs, errors.New("pool durations must not be negative"))
	}

	if c.WebServer.RequestSocketPassword != "" && c.WebServer.RequestSocketPasswordFile != "" {
		errs = append(errs, errors.New("web_server: set request_socket_password or request_socket_password_file, not both"))
	}
	if c.WebServer.MessageSocketPassword != "" && c.WebServer.MessageSocketPasswordFile != "" {
		errs = append(errs, errors.New("web_server: set message_socket_password or message_socket_password_file, not both"))
	}

	if c.Analytics.LoggingAgentAddress != "" && c.Analytics.Username == "" {
		errs = append(errs, errors.New("analytics.username is required when logging_agent_address is set"))
	}
	if c.Analytics.Password != "" && c.Analytics.PasswordFile != "" {
		errs = append(errs, errors.New("analytics: set password or password_file, not both"))
	}

	if (c.AccountsFile == "") != (c.AccountsIdentityFile == "") {
		errs = append(errs, errors.New("accounts_file and accounts_identity_file must be set together"))
	}

	if !slices.Contains(compressions, c.LoggingAgent.ArchiveCompression) {
		errs = append(errs, fmt.Errorf("logging_agent.archive_compression must be one of: %v", compressions))
	}
	if c.LoggingAgent.ArchiveAfter < 0 {
		errs = append(errs, errors.New("logging_agent.archive_after must not be negative"))
	}

	return errors.Join(errs...)
}

// SlogLevel returns LogLevel as a slog level.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}
