package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeConfig drops yamlContent into a temp dir and returns the file path.
func writeConfig(t *testing.T, yamlContent string) string {
	t.Helper()
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))
	return configPath
}

func TestLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  read_timeout: 10s
  write_timeout: 60s
  token: ${TEST_TOKEN}

log:
  level: debug
  pretty: true

metrics:
  enabled: true

providers:
  gemini:
    kind: google
    api_key: ${TEST_API_KEY}
    base_url: https://example.com/v1
    stream: false
    models:
      - model-a
      - model-b

native:
  - model: gpt-3.5-turbo
    provider: gemini

generic:
  - model: gpt-4
    json: macqv.yaml
    stream: /abs/macqv-stream.yaml
`)

	// t.Setenv auto-restores the original value when the test finishes.
	t.Setenv("TEST_API_KEY", "my-secret-key")
	t.Setenv("TEST_TOKEN", "client-token")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, 60*time.Second, cfg.Server.WriteTimeout)
	assert.Equal(t, "client-token", cfg.Server.Token)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.Pretty)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, DefaultMetricsPath, cfg.Metrics.Path)

	gemini, ok := cfg.Providers["gemini"]
	require.True(t, ok, "gemini provider should exist")
	assert.Equal(t, KindGoogle, gemini.Kind)
	assert.Equal(t, "my-secret-key", gemini.APIKey)
	assert.Equal(t, "https://example.com/v1", gemini.BaseURL)
	assert.Equal(t, []string{"model-a", "model-b"}, gemini.Models)
	assert.False(t, gemini.SupportsStream())

	// Dotted model ids survive because routes are list values.
	require.Len(t, cfg.Native, 1)
	assert.Equal(t, NativeRoute{Model: "gpt-3.5-turbo", Provider: "gemini"}, cfg.Native[0])

	require.Len(t, cfg.Generic, 1)
	assert.Equal(t, filepath.Join(filepath.Dir(configPath), "ext", "macqv.yaml"),
		cfg.DefinitionPath(cfg.Generic[0].JSON))
	assert.Equal(t, "/abs/macqv-stream.yaml", cfg.DefinitionPath(cfg.Generic[0].Stream))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "providers: {}\n"))
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, DefaultReadTimeout, cfg.Server.ReadTimeout)
	assert.Equal(t, DefaultWriteTimeout, cfg.Server.WriteTimeout)
	assert.Equal(t, DefaultLogLevel, cfg.Log.Level)
	assert.Empty(t, cfg.Server.Token)
	assert.True(t, ProviderConfig{}.SupportsStream(), "stream defaults to true")
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverride(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 8080
  read_timeout: 30s
  write_timeout: 120s
`)

	t.Setenv("CHATPROXY_SERVER_PORT", "3000")
	t.Setenv("CHATPROXY_SERVER_READ_TIMEOUT", "5s")
	t.Setenv("CHATPROXY_LOG_LEVEL", "warn")
	t.Setenv("CHATPROXY_EXT_DIR", "/etc/chatproxy/ext")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, "/etc/chatproxy/ext", cfg.ExtDir)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "loading config file")
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Server:  ServerConfig{Port: 8080},
			Log:     LogConfig{Level: "info"},
			Metrics: MetricsConfig{Path: "/metrics"},
			Providers: map[string]ProviderConfig{
				"oa": {Kind: KindOpenAI, BaseURL: "http://x.test", Models: []string{"m"}},
			},
		}
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "server.port"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad metrics path", func(c *Config) { c.Metrics.Path = "metrics" }, "metrics.path"},
		{"unknown kind", func(c *Config) {
			c.Providers["oa"] = ProviderConfig{Kind: "cohere", BaseURL: "http://x.test", Models: []string{"m"}}
		}, "kind"},
		{"no models", func(c *Config) {
			c.Providers["oa"] = ProviderConfig{Kind: KindOpenAI, BaseURL: "http://x.test"}
		}, "models must not be empty"},
		{"native without provider", func(c *Config) {
			c.Native = []NativeRoute{{Model: "m"}}
		}, "native[0]"},
		{"generic without files", func(c *Config) {
			c.Generic = []GenericRoute{{Model: "m"}}
		}, "neither a json nor a stream"},
	}

	require.NoError(t, valid().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
