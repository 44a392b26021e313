// Package config handles loading and validating gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
)

// EnvPrefix marks environment variables that override config values.
const EnvPrefix = "CHATPROXY_"

// Provider kinds the native completion library knows how to talk to.
const (
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindGoogle    = "google"
)

// Config is the top-level configuration for the chatproxy gateway.
type Config struct {
	Server    ServerConfig              `koanf:"server"`
	Log       LogConfig                 `koanf:"log"`
	Metrics   MetricsConfig             `koanf:"metrics"`
	Providers map[string]ProviderConfig `koanf:"providers"`

	// Native routes a model straight to a provider of the completion
	// library. Generic routes it through provider definition files.
	//
	// Both are lists rather than maps keyed by model: koanf splits keys on
	// ".", which would tear "gpt-3.5-turbo" apart.
	Native  []NativeRoute  `koanf:"native"`
	Generic []GenericRoute `koanf:"generic"`

	// ExtDir is where relative definition file paths are looked up. A
	// relative ExtDir is itself resolved against the config file's directory.
	ExtDir string `koanf:"ext_dir"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port         int           `koanf:"port"`
	ReadTimeout  time.Duration `koanf:"read_timeout"`
	WriteTimeout time.Duration `koanf:"write_timeout"`

	// Token enables client auth when non-empty.
	Token string `koanf:"token"`
}

// LogConfig controls the zerolog setup in main.
type LogConfig struct {
	Level  string `koanf:"level"`
	Pretty bool   `koanf:"pretty"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

// ProviderConfig holds the settings for a single native provider.
type ProviderConfig struct {
	Kind    string   `koanf:"kind"`
	APIKey  string   `koanf:"api_key"`
	BaseURL string   `koanf:"base_url"`
	Models  []string `koanf:"models"`

	// Stream is a pointer so an omitted flag can default to true.
	Stream *bool `koanf:"stream"`
}

// SupportsStream reports whether the provider should be asked to stream.
func (p ProviderConfig) SupportsStream() bool {
	return p.Stream == nil || *p.Stream
}

// NativeRoute maps a model to a native provider by name.
type NativeRoute struct {
	Model    string `koanf:"model"`
	Provider string `koanf:"provider"`
}

// GenericRoute maps a model to up to two provider definition files, one
// for plain JSON responses and one for streamed responses.
type GenericRoute struct {
	Model  string `koanf:"model"`
	JSON   string `koanf:"json"`
	Stream string `koanf:"stream"`
}

// Defaults applied after loading when a value is left unset.
const (
	DefaultPort         = 8080
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 5 * time.Minute
	DefaultLogLevel     = "info"
	DefaultMetricsPath  = "/metrics"
	DefaultExtDir       = "ext"
)

// Load reads configuration from a YAML file, layers environment variable
// overrides on top, and returns a fully populated Config.
func Load(path string) (*Config, error) {
	// Load .env file into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	// CHATPROXY_SERVER_PORT -> server.port
	// CHATPROXY_SERVER_READ_TIMEOUT -> server.read_timeout
	// CHATPROXY_EXT_DIR -> ext_dir
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))

	// Expand ${VAR_NAME} placeholders in secrets. koanf doesn't do this
	// automatically.
	cfg.Server.Token = expand(cfg.Server.Token)
	for name, p := range cfg.Providers {
		p.APIKey = expand(p.APIKey)
		p.BaseURL = expand(p.BaseURL)
		cfg.Providers[name] = p
	}

	return &cfg, nil
}

// envKey maps an environment variable to a koanf key. Only the first
// underscore after the section name is a separator, so multi-word keys
// like read_timeout survive.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	if key == "ext_dir" {
		return key
	}
	return strings.Replace(key, "_", ".", 1)
}

// expand replaces a whole-value ${VAR} placeholder with the variable's value.
func expand(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Port == 0 {
		c.Server.Port = DefaultPort
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = DefaultReadTimeout
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = DefaultWriteTimeout
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
	if c.ExtDir == "" {
		c.ExtDir = DefaultExtDir
	}
	if !filepath.IsAbs(c.ExtDir) {
		c.ExtDir = filepath.Join(baseDir, c.ExtDir)
	}
}

// DefinitionPath resolves a provider definition file name against ExtDir.
func (c *Config) DefinitionPath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.ExtDir, name)
}

// Validate checks the values Load cannot: ranges, known kinds and
// required fields. Cross-references between routes and definition files
// are checked when the registry is built.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics.path must start with /, got %q", c.Metrics.Path)
	}

	for name, p := range c.Providers {
		switch p.Kind {
		case KindOpenAI, KindAnthropic, KindGoogle:
		default:
			return fmt.Errorf("providers.%s.kind must be %s, %s or %s, got %q",
				name, KindOpenAI, KindAnthropic, KindGoogle, p.Kind)
		}
		if len(p.Models) == 0 {
			return fmt.Errorf("providers.%s.models must not be empty", name)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("providers.%s.base_url is required", name)
		}
	}

	for i, r := range c.Native {
		if r.Model == "" || r.Provider == "" {
			return fmt.Errorf("native[%d] needs both model and provider", i)
		}
	}
	for i, r := range c.Generic {
		if r.Model == "" {
			return fmt.Errorf("generic[%d].model is required", i)
		}
		if r.JSON == "" && r.Stream == "" {
			return fmt.Errorf("generic[%d] (%s) names neither a json nor a stream definition", i, r.Model)
		}
	}
	return nil
}
