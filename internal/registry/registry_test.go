package registry

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/config"
	"github.com/howard-nolan/chatproxy/internal/transport"
)

const onceDefinition = `
models:
  - gpt-4
args_tpl: |
  {url: "https://backend.test/chat", json: {q: prompt, ts: timestamp}}
resp_way: once
resp_tpl: response.json.answer
`

const sseDefinition = `
models: [gpt-4]
args_tpl: '{url: "https://backend.test/sse", json: {q: prompt}, stream: true}'
resp_way: event-stream
resp_tpl: response.choices[0].delta.content ?? ""
`

// writeDefs creates definition files in a temp ext dir and returns a
// config pointing at it.
func writeDefs(t *testing.T, files map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
	return &config.Config{ExtDir: dir}
}

func knows(names ...string) func(string) bool {
	return func(name string) bool {
		for _, n := range names {
			if n == name {
				return true
			}
		}
		return false
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"gpt-3.5-turbo", "gpt35turbo"},
		{"gpt35turbo", "gpt35turbo"},
		{"gemini-1.5-pro", "gemini15pro"},
		{"", ""},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, got, Normalize(got), "normalization must be idempotent")
	}
}

func TestBuildAndResolve(t *testing.T) {
	cfg := writeDefs(t, map[string]string{
		"once.yaml": onceDefinition,
		"sse.yaml":  sseDefinition,
	})
	cfg.Native = []config.NativeRoute{{Model: "gpt-3.5-turbo", Provider: "openai"}}
	cfg.Generic = []config.GenericRoute{{Model: "gpt-4", JSON: "once.yaml", Stream: "sse.yaml"}}

	reg, err := Build(cfg, knows("openai"))
	require.NoError(t, err)

	name, ok := reg.ResolveNative("gpt3.5turbo")
	require.True(t, ok)
	assert.Equal(t, "openai", name)

	_, ok = reg.ResolveNative("gpt-4")
	assert.False(t, ok, "generic models are not native")

	jsonTpl, ok := reg.ResolveGeneric("gpt-4", ModeJSON)
	require.True(t, ok)
	assert.Equal(t, transport.StyleOnce, jsonTpl.Style)
	assert.Equal(t, []string{"gpt-4"}, jsonTpl.Models)

	streamTpl, ok := reg.ResolveGeneric("gpt4", ModeStream)
	require.True(t, ok)
	assert.Equal(t, transport.StyleEventStream, streamTpl.Style)

	assert.True(t, reg.Known("gpt-3.5-turbo"))
	assert.True(t, reg.Known("gpt35turbo"))
	assert.True(t, reg.IsGeneric("gpt-4"))
	assert.False(t, reg.Known("claude"))
	assert.Equal(t, []string{"gpt-3.5-turbo", "gpt-4"}, reg.Models())
}

func TestBuildMissingSlot(t *testing.T) {
	cfg := writeDefs(t, map[string]string{"once.yaml": onceDefinition})
	cfg.Generic = []config.GenericRoute{{Model: "gpt-4", JSON: "once.yaml"}}

	reg, err := Build(cfg, knows())
	require.NoError(t, err)

	_, ok := reg.ResolveGeneric("gpt-4", ModeStream)
	assert.False(t, ok, "a missing stream slot is not filled from the json slot")
	assert.True(t, reg.Known("gpt-4"))
}

func TestBuildIncompleteTemplate(t *testing.T) {
	cfg := writeDefs(t, map[string]string{
		"half.yaml": "models: [m]\nargs_tpl: '{url: \"http://x.test\"}'\nresp_way: once\nresp_tpl: ''\n",
	})
	cfg.Generic = []config.GenericRoute{{Model: "m", JSON: "half.yaml"}}

	reg, err := Build(cfg, knows())
	require.NoError(t, err)

	_, ok := reg.ResolveGeneric("m", ModeJSON)
	assert.False(t, ok)
}

func TestBuildErrors(t *testing.T) {
	tests := []struct {
		name    string
		files   map[string]string
		native  []config.NativeRoute
		generic []config.GenericRoute
		want    string
	}{
		{
			name:    "missing file",
			generic: []config.GenericRoute{{Model: "m", JSON: "nope.yaml"}},
			want:    "loading definition",
		},
		{
			name:    "malformed yaml",
			files:   map[string]string{"bad.yaml": "args_tpl: [unclosed\n"},
			generic: []config.GenericRoute{{Model: "m", JSON: "bad.yaml"}},
			want:    "loading definition",
		},
		{
			name:    "unknown resp_way",
			files:   map[string]string{"ws.yaml": "args_tpl: '{url: \"http://x.test\"}'\nresp_way: websocket\nresp_tpl: response\n"},
			generic: []config.GenericRoute{{Model: "m", Stream: "ws.yaml"}},
			want:    "resp_way",
		},
		{
			name:    "event-stream in json slot",
			files:   map[string]string{"sse.yaml": sseDefinition},
			generic: []config.GenericRoute{{Model: "m", JSON: "sse.yaml"}},
			want:    "cannot serve the json slot",
		},
		{
			name:    "forbidden expression",
			files:   map[string]string{"call.yaml": "args_tpl: fetch(prompt)\nresp_way: once\nresp_tpl: response\n"},
			generic: []config.GenericRoute{{Model: "m", JSON: "call.yaml"}},
			want:    "args_tpl",
		},
		{
			name:   "unknown native provider",
			native: []config.NativeRoute{{Model: "m", Provider: "ghost"}},
			want:   `unknown provider "ghost"`,
		},
		{
			name:   "duplicate normalized key",
			files:  map[string]string{"once.yaml": onceDefinition},
			native: []config.NativeRoute{{Model: "gpt-3.5-turbo", Provider: "openai"}},
			generic: []config.GenericRoute{
				{Model: "gpt3.5-turbo", JSON: "once.yaml"},
			},
			want: "share the key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := writeDefs(t, tt.files)
			cfg.Native = tt.native
			cfg.Generic = tt.generic

			_, err := Build(cfg, knows("openai"))
			require.Error(t, err)
			assert.ErrorIs(t, err, chat.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestModeFor(t *testing.T) {
	assert.Equal(t, ModeStream, ModeFor(true))
	assert.Equal(t, ModeJSON, ModeFor(false))
}
