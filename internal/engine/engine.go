// Package engine answers a validated chat request with text, either through
// a native provider of the completion library or through a generic
// provider described by transport templates.
//
// Both engines offer the same two capabilities, a full answer and a lazy
// sequence of deltas, and the Dispatcher picks one by registry lookup.
package engine

import (
	"context"
	"fmt"
	"iter"

	"github.com/rs/zerolog"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/registry"
	"github.com/howard-nolan/chatproxy/internal/transport"
)

// Engine names, used in logs and metric labels.
const (
	NameNative  = "native"
	NameGeneric = "generic"
)

// Engine produces the answer to one chat request.
type Engine interface {
	// Name returns NameNative or NameGeneric.
	Name() string

	// JSONResponse returns the complete answer.
	JSONResponse(ctx context.Context, req *chat.Request) (string, error)

	// StreamResponse returns the answer as a single-pass delta sequence.
	// Errors that happen before the first delta (resolution, templates,
	// connection, non-2xx) are returned here rather than from the sequence.
	StreamResponse(ctx context.Context, req *chat.Request) (iter.Seq2[string, error], error)
}

// Dispatcher selects the engine serving a model.
type Dispatcher struct {
	registry *registry.Registry
	native   *Native
	generic  *Generic
}

// NewDispatcher wires both engines to the shared registry.
func NewDispatcher(reg *registry.Registry, lib Library, client transport.Doer) *Dispatcher {
	return &Dispatcher{
		registry: reg,
		native:   NewNative(reg, lib),
		generic:  NewGeneric(reg, client),
	}
}

// Engine returns the engine for model. A model the registry does not know
// is a validation error; request validation normally catches it first.
func (d *Dispatcher) Engine(model string) (Engine, error) {
	if _, ok := d.registry.ResolveNative(model); ok {
		return d.native, nil
	}
	if d.registry.IsGeneric(model) {
		return d.generic, nil
	}
	return nil, fmt.Errorf("%w: model %q is not configured", chat.ErrValidation, model)
}

// Name reports which engine serves model, or "" if none does.
func (d *Dispatcher) Name(model string) string {
	e, err := d.Engine(model)
	if err != nil {
		return ""
	}
	return e.Name()
}

// logger returns the request-scoped logger, falling back to the global one.
func logger(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}
