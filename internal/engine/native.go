package engine

import (
	"context"
	"fmt"
	"iter"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/provider"
	"github.com/howard-nolan/chatproxy/internal/registry"
	"github.com/howard-nolan/chatproxy/internal/transport"
)

// Library is what the native engine needs from the completion library.
type Library interface {
	Get(name string) (provider.Provider, bool)
}

// Native delegates to a named provider of the completion library.
type Native struct {
	registry *registry.Registry
	library  Library
}

// NewNative creates the native engine.
func NewNative(reg *registry.Registry, lib Library) *Native {
	return &Native{registry: reg, library: lib}
}

// Name implements Engine.
func (n *Native) Name() string { return NameNative }

// route is a resolved native request: the provider to call and the model
// name to send it.
type route struct {
	provider provider.Provider
	model    string
}

// resolve finds the provider for the model and checks it actually serves
// it, so a misrouted model fails loudly instead of reaching the wrong API.
//
// Clients may spell a model with or without its dashes and dots
// ("gpt-3.5-turbo", "gpt35turbo"); the registry treats those as the same
// slot. Vendors do not, so the name sent upstream is always the one the
// provider declares in its models list, never the client's spelling.
func (n *Native) resolve(model string) (route, error) {
	name, ok := n.registry.ResolveNative(model)
	if !ok {
		return route{}, fmt.Errorf("%w: model %q has no native provider", chat.ErrConfiguration, model)
	}
	p, ok := n.library.Get(name)
	if !ok {
		return route{}, fmt.Errorf("%w: native provider %q for model %q does not exist",
			chat.ErrConfiguration, name, model)
	}
	declared, ok := declaredModel(p, model)
	if !ok {
		return route{}, fmt.Errorf("%w: provider %q does not serve model %q",
			chat.ErrUnsupportedModel, name, model)
	}
	return route{provider: p, model: declared}, nil
}

// declaredModel returns the entry of p's models list that model normalizes
// to, if any.
func declaredModel(p provider.Provider, model string) (string, bool) {
	key := registry.Normalize(model)
	for _, m := range p.Models() {
		if registry.Normalize(m) == key {
			return m, true
		}
	}
	return "", false
}

// JSONResponse implements Engine.
func (n *Native) JSONResponse(ctx context.Context, req *chat.Request) (string, error) {
	r, err := n.resolve(req.Model)
	if err != nil {
		return "", err
	}
	logger(ctx).Debug().Str("provider", r.provider.Name()).Str("model", r.model).Msg("native completion")
	return r.provider.Complete(ctx, r.model, req.Messages)
}

// StreamResponse implements Engine. A provider that cannot stream still
// answers: its full text becomes a one-delta sequence, so the client sees
// the same SSE framing either way.
func (n *Native) StreamResponse(ctx context.Context, req *chat.Request) (iter.Seq2[string, error], error) {
	r, err := n.resolve(req.Model)
	if err != nil {
		return nil, err
	}

	if !r.provider.SupportsStream() {
		logger(ctx).Debug().Str("provider", r.provider.Name()).Str("model", r.model).
			Msg("provider cannot stream; wrapping full completion")
		text, err := r.provider.Complete(ctx, r.model, req.Messages)
		if err != nil {
			return nil, err
		}
		return transport.One(text), nil
	}

	logger(ctx).Debug().Str("provider", r.provider.Name()).Str("model", r.model).Msg("native stream")
	return r.provider.Stream(ctx, r.model, req.Messages)
}
