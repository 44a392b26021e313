package engine

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/expr"
	"github.com/howard-nolan/chatproxy/internal/registry"
	"github.com/howard-nolan/chatproxy/internal/transport"
)

// Generic calls an HTTP backend described by a transport template.
type Generic struct {
	registry *registry.Registry
	client   transport.Doer

	// now is swapped in tests to pin the timestamp binding.
	now func() time.Time
}

// NewGeneric creates the generic engine.
func NewGeneric(reg *registry.Registry, client transport.Doer) *Generic {
	return &Generic{registry: reg, client: client, now: time.Now}
}

// Name implements Engine.
func (g *Generic) Name() string { return NameGeneric }

// JSONResponse implements Engine. The json definition may still use a
// streaming transport ("octet-stream"): the deltas are then drained and
// concatenated into the full text before anything is written to the client.
func (g *Generic) JSONResponse(ctx context.Context, req *chat.Request) (string, error) {
	seq, err := g.run(ctx, req, registry.ModeJSON)
	if err != nil {
		return "", err
	}
	return transport.Collect(seq)
}

// StreamResponse implements Engine. There is no fallback to the json
// template: a model without a stream template cannot stream.
func (g *Generic) StreamResponse(ctx context.Context, req *chat.Request) (iter.Seq2[string, error], error) {
	return g.run(ctx, req, registry.ModeStream)
}

// run drives one generic call in three steps:
//
//  1. Pick the definition for the mode. Each model has at most one json and
//     one stream definition, and a missing one is ErrNotConfigured.
//  2. Evaluate args_tpl with {args, prompt, timestamp} and validate the
//     result as an HTTP call (method, url, headers, params, body). The
//     timestamp is Unix milliseconds, taken once per request.
//  3. Send the call and hand back the transport's delta sequence. resp_tpl
//     is evaluated lazily, once per upstream payload, as the caller ranges
//     over the sequence; it sees {args, prompt, response}.
//
// args and prompt are computed once and shared by both expressions, so the
// response side sees exactly what the request side was built from.
func (g *Generic) run(ctx context.Context, req *chat.Request, mode registry.Mode) (iter.Seq2[string, error], error) {
	tpl, ok := g.registry.ResolveGeneric(req.Model, mode)
	if !ok {
		return nil, fmt.Errorf("%w: model %q has no %s template", chat.ErrNotConfigured, req.Model, mode)
	}

	args := req.Args()
	prompt := req.Prompt()

	raw, err := tpl.Request.Eval(ctx, map[string]any{
		expr.BindArgs:      args,
		expr.BindPrompt:    prompt,
		expr.BindTimestamp: g.now().UnixMilli(),
	})
	if err != nil {
		return nil, templateError(tpl, "args_tpl", err)
	}
	call, err := transport.ParseCall(raw, tpl.Style)
	if err != nil {
		return nil, templateError(tpl, "args_tpl", err)
	}

	logger(ctx).Debug().
		Str("model", req.Model).
		Str("mode", string(mode)).
		Str("style", string(tpl.Style)).
		Str("method", call.Method).
		Str("url", call.URL).
		Msg("generic call")

	// extract is called by the transport for every decoded payload: the
	// whole response for "once", each line for "octet-stream" (the
	// transport then diffs successive results), each data event for
	// "event-stream". A null result is an empty delta, which the SSE writer
	// skips.
	extract := func(ctx context.Context, payload any) (string, error) {
		text, err := tpl.Response.Text(ctx, map[string]any{
			expr.BindArgs:     args,
			expr.BindPrompt:   prompt,
			expr.BindResponse: payload,
		})
		if err != nil {
			return "", templateError(tpl, "resp_tpl", err)
		}
		return text, nil
	}

	return transport.Run(ctx, g.client, tpl.Style, call, extract)
}

// templateError wraps an evaluation failure. A cancelled request is
// reported as such rather than blamed on the template.
func templateError(tpl *registry.TransportTemplate, field string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s (%s): %v", chat.ErrTemplate, field, tpl.Source, err)
}
