package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/config"
)

// OpenAIProvider talks to any OpenAI-compatible /chat/completions endpoint
// (OpenAI itself, Azure-style proxies, vLLM, Ollama, ...).
//
// Replies are read with gjson instead of typed structs: compatible servers
// disagree on most optional fields, and all we need is the text.
type OpenAIProvider struct {
	base
}

// NewOpenAIProvider creates an OpenAIProvider ready to make API calls.
func NewOpenAIProvider(name string, cfg config.ProviderConfig, client *http.Client) *OpenAIProvider {
	return &OpenAIProvider{base: newBase(name, cfg, client)}
}

type openaiRequest struct {
	Model    string         `json:"model"`
	Messages []chat.Message `json:"messages"`
	Stream   bool           `json:"stream,omitempty"`
}

func (o *OpenAIProvider) send(ctx context.Context, model string, messages []chat.Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(openaiRequest{Model: model, Messages: messages, Stream: stream})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	header := http.Header{}
	if o.apiKey != "" {
		header.Set("Authorization", "Bearer "+o.apiKey)
	}
	return o.post(ctx, o.baseURL+"/chat/completions", body, header)
}

// Complete sends a non-streaming request and returns choices[0].message.content.
func (o *OpenAIProvider) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	resp, err := o.send(ctx, model, messages, false)
	if err != nil {
		return "", err
	}
	data, err := o.readAll(resp)
	if err != nil {
		return "", err
	}

	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: %s returned invalid JSON", chat.ErrBackend, o.name)
	}
	content := gjson.GetBytes(data, "choices.0.message.content")
	if !content.Exists() {
		return "", fmt.Errorf("%w: %s response has no choices[0].message.content", chat.ErrBackend, o.name)
	}
	return content.String(), nil
}

// Stream sends a streaming request. Each SSE event carries
// choices[0].delta.content; events without it (the role announcement, the
// final finish_reason chunk) are skipped.
func (o *OpenAIProvider) Stream(ctx context.Context, model string, messages []chat.Message) (iter.Seq2[string, error], error) {
	resp, err := o.send(ctx, model, messages, true)
	if err != nil {
		return nil, err
	}

	return o.sseEvents(resp.Body, func(data []byte) (string, bool, error) {
		if !gjson.ValidBytes(data) {
			return "", false, fmt.Errorf("invalid JSON event %q", data)
		}
		content := gjson.GetBytes(data, "choices.0.delta.content")
		if !content.Exists() {
			return "", false, nil
		}
		return content.String(), true, nil
	}), nil
}
