// Package provider is the native completion library: a set of named
// backends, each speaking one vendor API (OpenAI-compatible, Anthropic,
// Google Gemini), that turn an ordered list of messages into either a full
// answer or a lazy sequence of text fragments.
//
// The rest of the gateway sees only the Provider interface, so the engine
// never needs to know which vendor is actually handling a request.
package provider

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/config"
)

// Provider is the interface that every native backend must satisfy.
type Provider interface {
	// Name returns the configured provider name, e.g. "openai" or "claude".
	Name() string

	// Models lists the model identifiers the provider serves.
	Models() []string

	// SupportsStream reports whether Stream may be called. Callers that
	// need a stream from a provider that cannot stream wrap the result of
	// Complete instead.
	SupportsStream() bool

	// Complete sends a request and returns the complete answer.
	Complete(ctx context.Context, model string, messages []chat.Message) (string, error)

	// Stream sends a request and returns the answer as it arrives. The
	// request is sent before Stream returns; the body is read as the
	// caller ranges over the sequence, and closed when the loop ends.
	Stream(ctx context.Context, model string, messages []chat.Message) (iter.Seq2[string, error], error)
}

// base carries the fields every adapter shares.
type base struct {
	name    string
	apiKey  string
	baseURL string
	models  []string
	stream  bool
	client  *http.Client
}

func newBase(name string, cfg config.ProviderConfig, client *http.Client) base {
	return base{
		name:    name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		models:  slices.Clone(cfg.Models),
		stream:  cfg.SupportsStream(),
		client:  client,
	}
}

func (b *base) Name() string         { return b.name }
func (b *base) Models() []string     { return slices.Clone(b.models) }
func (b *base) SupportsStream() bool { return b.stream }

// post sends body to url and returns the response if it is 2xx. Anything
// else is a chat.ErrBackend carrying the status and the start of the body.
func (b *base) post(ctx context.Context, url string, body []byte, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request to %s: %w", chat.ErrBackend, b.name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: %s API error (status %d): %s",
			chat.ErrBackend, b.name, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

// readAll drains a successful response body.
func (b *base) readAll(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s response: %w", chat.ErrBackend, b.name, err)
	}
	return data, nil
}

// sseEvents yields the payload of every "data:" line of an SSE body, up to
// an optional "[DONE]". The body is closed when iteration ends.
//
// pick turns one payload into a text fragment; ok=false skips the event
// (pings, metadata). A pick error ends the sequence.
func (b *base) sseEvents(body io.ReadCloser, pick func(data []byte) (text string, ok bool, err error)) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		defer body.Close()

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

		for scanner.Scan() {
			line := scanner.Bytes()
			if !bytes.HasPrefix(line, []byte("data:")) {
				continue
			}
			data := bytes.TrimSpace(line[len("data:"):])
			if string(data) == "[DONE]" {
				return
			}

			text, ok, err := pick(data)
			if err != nil {
				yield("", fmt.Errorf("%w: %s stream: %v", chat.ErrBackend, b.name, err))
				return
			}
			if !ok {
				continue
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("%w: reading %s stream: %w", chat.ErrBackend, b.name, err))
		}
	}
}

// splitSystem separates system messages from the conversation. Anthropic
// and Gemini both take the system prompt outside the message list.
func splitSystem(messages []chat.Message) (system []string, rest []chat.Message) {
	for _, m := range messages {
		if m.Role == chat.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// ---------------------------------------------------------------------------
// Library
// ---------------------------------------------------------------------------

// Library holds the configured providers by name.
type Library struct {
	providers map[string]Provider
}

// NewLibrary builds one adapter per configured provider. client is shared
// by all of them.
func NewLibrary(cfgs map[string]config.ProviderConfig, client *http.Client) (*Library, error) {
	lib := &Library{providers: make(map[string]Provider, len(cfgs))}
	for name, cfg := range cfgs {
		p, err := New(name, cfg, client)
		if err != nil {
			return nil, err
		}
		lib.providers[name] = p
	}
	return lib, nil
}

// New creates the adapter for cfg.Kind.
func New(name string, cfg config.ProviderConfig, client *http.Client) (Provider, error) {
	switch cfg.Kind {
	case config.KindOpenAI:
		return NewOpenAIProvider(name, cfg, client), nil
	case config.KindAnthropic:
		return NewAnthropicProvider(name, cfg, client), nil
	case config.KindGoogle:
		return NewGoogleProvider(name, cfg, client), nil
	default:
		return nil, fmt.Errorf("%w: provider %q has unknown kind %q", chat.ErrConfiguration, name, cfg.Kind)
	}
}

// Get returns the provider called name.
func (l *Library) Get(name string) (Provider, bool) {
	p, ok := l.providers[name]
	return p, ok
}

// Has reports whether a provider called name exists.
func (l *Library) Has(name string) bool {
	_, ok := l.providers[name]
	return ok
}

// Names returns the provider names, sorted.
func (l *Library) Names() []string {
	names := make([]string, 0, len(l.providers))
	for name := range l.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
