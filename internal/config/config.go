// Package config loads genie configuration.
//
// Sources, later ones overriding earlier ones:
//  1. Default values
//  2. A YAML file (--config, else genie.yaml in ., ./configs, $HOME/.genie, /etc/genie)
//  3. Environment variables with the GENIE_ prefix, nested keys joined by
//     underscores (GENIE_REMOTE_HOST, GENIE_PORTS_RANGE_START)
//
// main loads .env files into the environment before calling Load.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "GENIE"

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Remote       RemoteConfig       `mapstructure:"remote"`
	Ports        PortsConfig        `mapstructure:"ports"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Analyzer     AnalyzerConfig     `mapstructure:"analyzer"`
	Identity     IdentityConfig     `mapstructure:"identity"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Security     SecurityConfig     `mapstructure:"security"`
}

// ServerConfig contains HTTP server configuration.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout must exceed the restart timeout or restart responses are cut.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	Debug           bool          `mapstructure:"debug"`
}

// RemoteConfig describes the VM that hosts projects.
type RemoteConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	KeyPath        string        `mapstructure:"key_path"`
	// PrivateKey holds a PEM key inline, for deployments that pass it
	// through the environment.
	PrivateKey     string        `mapstructure:"private_key"`
	KnownHosts     string        `mapstructure:"known_hosts"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// PortsConfig bounds the ports projects may listen on.
type PortsConfig struct {
	RangeStart int `mapstructure:"range_start"`
	RangeEnd   int `mapstructure:"range_end"`
}

// OrchestratorConfig tunes lifecycle operations.
type OrchestratorConfig struct {
	RestartTimeout       time.Duration `mapstructure:"restart_timeout"`
	StartupWait          time.Duration `mapstructure:"startup_wait"`
	PollInterval         time.Duration `mapstructure:"poll_interval"`
	StopGrace            time.Duration `mapstructure:"stop_grace"`
	SkipInstallOnRestart bool          `mapstructure:"skip_install_on_restart"`
	SyncEnv              bool          `mapstructure:"sync_env"`
	MaxLogLines          int           `mapstructure:"max_log_lines"`
}

// AnalyzerConfig selects how projects are analyzed.
type AnalyzerConfig struct {
	// Provider is static, claude or auto.
	Provider  string `mapstructure:"provider"`
	APIKey    string `mapstructure:"api_key"`
	Model     string `mapstructure:"model"`
	MaxTokens int64  `mapstructure:"max_tokens"`
	BaseURL   string `mapstructure:"base_url"`
}

// IdentityConfig controls the owner key of project directories.
type IdentityConfig struct {
	// Namespace is the UUID namespace owner keys are derived in.
	Namespace string `mapstructure:"namespace"`
	// Owners pins owner keys for specific users, taking precedence over
	// derived keys.
	Owners map[string]string `mapstructure:"owners"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig contains rate limiting and CORS settings.
type SecurityConfig struct {
	RateLimit      int      `mapstructure:"rate_limit"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

var analyzerProviders = map[string]bool{"static": true, "claude": true, "auto": true}

// Load reads configuration from cfgFile, or from the standard locations when
// cfgFile is empty, and applies environment overrides.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("genie")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.genie")
		v.AddConfigPath("/etc/genie")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case cfgFile != "" && isFileNotFoundError(err):
		case cfgFile == "" && errors.As(err, &notFound):
		default:
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.debug", false)

	v.SetDefault("remote.host", "")
	v.SetDefault("remote.port", 22)
	v.SetDefault("remote.user", "")
	v.SetDefault("remote.key_path", "")
	v.SetDefault("remote.private_key", "")
	v.SetDefault("remote.known_hosts", "")
	v.SetDefault("remote.connect_timeout", "10s")

	v.SetDefault("ports.range_start", 8000)
	v.SetDefault("ports.range_end", 9000)

	v.SetDefault("orchestrator.restart_timeout", "30s")
	v.SetDefault("orchestrator.startup_wait", "15s")
	v.SetDefault("orchestrator.poll_interval", "1s")
	v.SetDefault("orchestrator.stop_grace", "3s")
	v.SetDefault("orchestrator.skip_install_on_restart", false)
	v.SetDefault("orchestrator.sync_env", true)
	v.SetDefault("orchestrator.max_log_lines", 200)

	v.SetDefault("analyzer.provider", "auto")
	v.SetDefault("analyzer.api_key", "")
	v.SetDefault("analyzer.model", "")
	v.SetDefault("analyzer.max_tokens", 1024)
	v.SetDefault("analyzer.base_url", "")

	v.SetDefault("identity.namespace", "")
	v.SetDefault("identity.owners", map[string]string{})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("security.rate_limit", 20)
	v.SetDefault("security.allowed_origins", []string{})
}

// Validate checks values that would only fail later, at connection or scan
// time. The remote host is not required here: commands that never reach
// the VM run without it.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Remote.Port < 1 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid remote port: %d", c.Remote.Port))
	}
	if c.Ports.RangeStart < 1 || c.Ports.RangeEnd > 65535 || c.Ports.RangeStart > c.Ports.RangeEnd {
		errs = append(errs, fmt.Errorf("invalid port range: %d-%d", c.Ports.RangeStart, c.Ports.RangeEnd))
	}
	if !analyzerProviders[strings.ToLower(c.Analyzer.Provider)] {
		errs = append(errs, fmt.Errorf("unknown analyzer provider %q (want static, claude or auto)", c.Analyzer.Provider))
	}
	if strings.EqualFold(c.Analyzer.Provider, "claude") && c.Analyzer.APIKey == "" {
		errs = append(errs, fmt.Errorf("analyzer provider claude requires analyzer.api_key"))
	}
	if c.Orchestrator.RestartTimeout <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator.restart_timeout must be positive"))
	}
	if c.Security.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("invalid rate limit: %d", c.Security.RateLimit))
	}
	return errors.Join(errs...)
}

// ValidateRemote checks that the VM can be dialed.
func (c *Config) ValidateRemote() error {
	if c.Remote.Host == "" {
		return fmt.Errorf("remote.host is required (GENIE_REMOTE_HOST)")
	}
	if c.Remote.User == "" {
		return fmt.Errorf("remote.user is required (GENIE_REMOTE_USER)")
	}
	if c.Remote.KeyPath == "" && c.Remote.PrivateKey == "" {
		return fmt.Errorf("remote.key_path or remote.private_key is required")
	}
	return nil
}

// Address returns the listen address of the HTTP server.
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

func isFileNotFoundError(err error) bool {
	var pathErr *os.PathError
	if errors.As(err, &pathErr) {
		return errors.Is(pathErr, os.ErrNotExist)
	}
	return false
}
