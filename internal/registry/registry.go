// Package registry maps model identifiers to the backend that serves them:
// either a native provider by name, or a pair of transport templates read
// from provider definition files.
//
// Model keys are normalized by stripping "-" and "." on both registration
// and lookup, so "gpt-3.5-turbo" and "gpt35turbo" address the same slot.
// A Registry is built once at start-up and never mutated afterwards, so any
// number of goroutines may read it without locking.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/config"
	"github.com/howard-nolan/chatproxy/internal/expr"
	"github.com/howard-nolan/chatproxy/internal/transport"
)

// Normalize returns the registry key for a model identifier.
func Normalize(model string) string {
	return strings.NewReplacer("-", "", ".", "").Replace(model)
}

// Mode selects which transport template of a generic entry to use.
type Mode string

const (
	ModeJSON   Mode = "json"
	ModeStream Mode = "stream"
)

// ModeFor returns the mode matching a request's stream flag.
func ModeFor(stream bool) Mode {
	if stream {
		return ModeStream
	}
	return ModeJSON
}

// TransportTemplate describes how to call one generic backend and how to
// read its answer.
type TransportTemplate struct {
	// Models lists what the definition file says it serves. It is
	// informational: routing is decided by the config's generic entries.
	Models   []string
	Request  *expr.Expr
	Style    transport.Style
	Response *expr.Expr

	// Source is the definition file the template came from.
	Source string
}

type genericEntry struct {
	json   *TransportTemplate
	stream *TransportTemplate
}

// Registry is the read-only model table.
type Registry struct {
	native  map[string]string
	generic map[string]genericEntry

	// models keeps the identifiers as configured, for error messages and
	// the model listing.
	models []string
}

// ResolveNative returns the native provider name for model.
func (r *Registry) ResolveNative(model string) (string, bool) {
	name, ok := r.native[Normalize(model)]
	return name, ok
}

// ResolveGeneric returns the usable template for model in the given mode.
// It reports false both when the model is not generic and when the slot
// was left empty or incomplete.
func (r *Registry) ResolveGeneric(model string, mode Mode) (*TransportTemplate, bool) {
	entry, ok := r.generic[Normalize(model)]
	if !ok {
		return nil, false
	}
	var tpl *TransportTemplate
	switch mode {
	case ModeJSON:
		tpl = entry.json
	case ModeStream:
		tpl = entry.stream
	}
	return tpl, tpl != nil
}

// IsGeneric reports whether model has a generic entry, usable or not.
func (r *Registry) IsGeneric(model string) bool {
	_, ok := r.generic[Normalize(model)]
	return ok
}

// Known reports whether model is configured at all.
func (r *Registry) Known(model string) bool {
	key := Normalize(model)
	if _, ok := r.native[key]; ok {
		return true
	}
	_, ok := r.generic[key]
	return ok
}

// Models returns the configured model identifiers, sorted.
func (r *Registry) Models() []string {
	out := make([]string, len(r.models))
	copy(out, r.models)
	return out
}

// Build assembles the registry from configuration. hasProvider reports
// whether the native completion library knows a provider name.
//
// Any error here should stop the process: a malformed definition file or
// an ambiguous model key is a deployment mistake, not a per-request one.
func Build(cfg *config.Config, hasProvider func(name string) bool) (*Registry, error) {
	r := &Registry{
		native:  make(map[string]string, len(cfg.Native)),
		generic: make(map[string]genericEntry, len(cfg.Generic)),
	}
	seen := make(map[string]string)

	claim := func(model string) error {
		key := Normalize(model)
		if key == "" {
			return fmt.Errorf("%w: model %q normalizes to an empty key", chat.ErrConfiguration, model)
		}
		if prev, dup := seen[key]; dup {
			return fmt.Errorf("%w: models %q and %q share the key %q",
				chat.ErrConfiguration, prev, model, key)
		}
		seen[key] = model
		r.models = append(r.models, model)
		return nil
	}

	for _, route := range cfg.Native {
		if err := claim(route.Model); err != nil {
			return nil, err
		}
		if !hasProvider(route.Provider) {
			return nil, fmt.Errorf("%w: model %q routes to unknown provider %q",
				chat.ErrConfiguration, route.Model, route.Provider)
		}
		r.native[Normalize(route.Model)] = route.Provider
	}

	for _, route := range cfg.Generic {
		if err := claim(route.Model); err != nil {
			return nil, err
		}

		var entry genericEntry
		var err error
		if route.JSON != "" {
			entry.json, err = Load(cfg.DefinitionPath(route.JSON), ModeJSON)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", route.Model, err)
			}
		}
		if route.Stream != "" {
			entry.stream, err = Load(cfg.DefinitionPath(route.Stream), ModeStream)
			if err != nil {
				return nil, fmt.Errorf("model %q: %w", route.Model, err)
			}
		}
		if entry.json == nil && entry.stream == nil {
			log.Warn().Str("model", route.Model).Msg("generic model has no usable template; requests will fail")
		}
		r.generic[Normalize(route.Model)] = entry
	}

	sort.Strings(r.models)
	return r, nil
}

// definition is the on-disk shape of a provider definition file.
type definition struct {
	Models  []string `koanf:"models"`
	ArgsTpl string   `koanf:"args_tpl"`
	RespWay string   `koanf:"resp_way"`
	RespTpl string   `koanf:"resp_tpl"`
}

// Load reads one provider definition file for the given slot.
//
// It returns (nil, nil) when either expression is empty: an incomplete
// template counts as not configured rather than half-applied.
func Load(path string, mode Mode) (*TransportTemplate, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("%w: loading definition %s: %v", chat.ErrConfiguration, path, err)
	}
	var def definition
	if err := k.Unmarshal("", &def); err != nil {
		return nil, fmt.Errorf("%w: decoding definition %s: %v", chat.ErrConfiguration, path, err)
	}

	if strings.TrimSpace(def.ArgsTpl) == "" || strings.TrimSpace(def.RespTpl) == "" {
		log.Warn().Str("definition", path).Str("mode", string(mode)).
			Msg("definition lacks args_tpl or resp_tpl; slot left unconfigured")
		return nil, nil
	}

	style, err := transport.ParseStyle(def.RespWay)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: resp_way: %v", chat.ErrConfiguration, path, err)
	}
	if mode == ModeJSON && style == transport.StyleEventStream {
		return nil, fmt.Errorf("%w: %s: resp_way %q cannot serve the json slot",
			chat.ErrConfiguration, path, style)
	}

	request, err := expr.Compile(def.ArgsTpl, expr.RequestBindings...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: args_tpl: %v", chat.ErrConfiguration, path, err)
	}
	response, err := expr.Compile(def.RespTpl, expr.ResponseBindings...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: resp_tpl: %v", chat.ErrConfiguration, path, err)
	}

	return &TransportTemplate{
		Models:   def.Models,
		Request:  request,
		Style:    style,
		Response: response,
		Source:   path,
	}, nil
}
