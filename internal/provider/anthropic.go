package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/config"
)

// AnthropicProvider implements Provider for Anthropic's Messages API.
type AnthropicProvider struct {
	base
}

// NewAnthropicProvider creates an AnthropicProvider ready to make API calls.
func NewAnthropicProvider(name string, cfg config.ProviderConfig, client *http.Client) *AnthropicProvider {
	return &AnthropicProvider{base: newBase(name, cfg, client)}
}

// ---------------------------------------------------------------------------
// Anthropic API types (unexported)
// ---------------------------------------------------------------------------

// anthropicRequest is the request body for /v1/messages.
//
// Key differences from the OpenAI shape:
//   - "system" is a top-level string, not a message
//   - "max_tokens" is REQUIRED
type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	System    string             `json:"system,omitempty"`
	Messages  []anthropicMessage `json:"messages"`
	Stream    bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthropicResponse is the non-streaming reply. content is an array of
// blocks because replies can mix text and tool_use; only text blocks
// matter here.
type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// anthropicStreamEvent covers the events we read from the stream:
//
//	message_start       → metadata, ignored
//	content_block_delta → delta.text carries one fragment
//	message_delta       → stop_reason, ignored
//	message_stop        → end of stream
//	error               → upstream failure mid-stream
type anthropicStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// anthropicAPIVersion pins the Anthropic API behaviour. It is sent as a
// header on every request.
const anthropicAPIVersion = "2023-06-01"

// defaultMaxTokens fills the required max_tokens field.
const defaultMaxTokens = 1024

// toAnthropicRequest pulls system messages into the top-level field. The
// remaining roles already match.
func toAnthropicRequest(model string, messages []chat.Message, stream bool) *anthropicRequest {
	system, rest := splitSystem(messages)

	ar := &anthropicRequest{
		Model:     model,
		MaxTokens: defaultMaxTokens,
		System:    strings.Join(system, "\n"),
		Messages:  make([]anthropicMessage, 0, len(rest)),
		Stream:    stream,
	}
	for _, m := range rest {
		ar.Messages = append(ar.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	return ar
}

func (a *AnthropicProvider) send(ctx context.Context, model string, messages []chat.Message, stream bool) (*http.Response, error) {
	body, err := json.Marshal(toAnthropicRequest(model, messages, stream))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	// Anthropic uses its own x-api-key header instead of a Bearer token.
	header := http.Header{}
	header.Set("x-api-key", a.apiKey)
	header.Set("anthropic-version", anthropicAPIVersion)

	return a.post(ctx, a.baseURL+"/messages", body, header)
}

// Complete returns the concatenated text blocks of the reply.
func (a *AnthropicProvider) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	resp, err := a.send(ctx, model, messages, false)
	if err != nil {
		return "", err
	}
	data, err := a.readAll(resp)
	if err != nil {
		return "", err
	}

	var ar anthropicResponse
	if err := json.Unmarshal(data, &ar); err != nil {
		return "", fmt.Errorf("%w: decoding anthropic response: %v", chat.ErrBackend, err)
	}

	var sb strings.Builder
	for _, block := range ar.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return sb.String(), nil
}

// Stream yields the text of every content_block_delta event. The JSON
// payload carries its own "type", so the "event:" lines are not needed.
func (a *AnthropicProvider) Stream(ctx context.Context, model string, messages []chat.Message) (iter.Seq2[string, error], error) {
	resp, err := a.send(ctx, model, messages, true)
	if err != nil {
		return nil, err
	}

	return a.sseEvents(resp.Body, func(data []byte) (string, bool, error) {
		var event anthropicStreamEvent
		if err := json.Unmarshal(data, &event); err != nil {
			return "", false, fmt.Errorf("decoding event: %w", err)
		}
		switch event.Type {
		case "content_block_delta":
			if event.Delta == nil || event.Delta.Type != "text_delta" {
				return "", false, nil
			}
			return event.Delta.Text, true, nil
		case "error":
			if event.Error != nil {
				return "", false, fmt.Errorf("%s: %s", event.Error.Type, event.Error.Message)
			}
			return "", false, fmt.Errorf("error event without details")
		default:
			return "", false, nil
		}
	}), nil
}
