package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/howard-nolan/chatproxy/internal/chat"
	"github.com/howard-nolan/chatproxy/internal/config"
)

// GoogleProvider implements Provider for Google's Gemini API.
type GoogleProvider struct {
	base
}

// NewGoogleProvider creates a GoogleProvider ready to make API calls.
func NewGoogleProvider(name string, cfg config.ProviderConfig, client *http.Client) *GoogleProvider {
	return &GoogleProvider{base: newBase(name, cfg, client)}
}

// --- Request types ---

// geminiRequest is the request body for generateContent and
// streamGenerateContent.
type geminiRequest struct {
	Contents          []geminiContent `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
}

// geminiContent is one message. Gemini uses "parts" because it supports
// multimodal input; text-only messages always carry a single part.
type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

// toGeminiRequest moves system messages into systemInstruction and renames
// the assistant role to "model".
func toGeminiRequest(messages []chat.Message) *geminiRequest {
	system, rest := splitSystem(messages)

	gr := &geminiRequest{Contents: make([]geminiContent, 0, len(rest))}
	if len(system) > 0 {
		gr.SystemInstruction = &geminiContent{}
		for _, s := range system {
			gr.SystemInstruction.Parts = append(gr.SystemInstruction.Parts, geminiPart{Text: s})
		}
	}
	for _, m := range rest {
		role := m.Role
		if role == chat.RoleAssistant {
			role = "model"
		}
		gr.Contents = append(gr.Contents, geminiContent{
			Role:  role,
			Parts: []geminiPart{{Text: m.Content}},
		})
	}
	return gr
}

// endpoint builds {baseURL}/models/{model}:{method}. The API key goes in
// the query string.
func (g *GoogleProvider) endpoint(model, method string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if g.apiKey != "" {
		query.Set("key", g.apiKey)
	}
	u := fmt.Sprintf("%s/models/%s:%s", g.baseURL, url.PathEscape(model), method)
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

// candidateText joins the text parts of candidates[0].
func candidateText(data []byte) (string, bool) {
	parts := gjson.GetBytes(data, "candidates.0.content.parts.#.text")
	if !parts.Exists() || len(parts.Array()) == 0 {
		return "", false
	}
	var sb strings.Builder
	for _, p := range parts.Array() {
		sb.WriteString(p.String())
	}
	return sb.String(), true
}

// Complete calls generateContent and returns the first candidate's text.
func (g *GoogleProvider) Complete(ctx context.Context, model string, messages []chat.Message) (string, error) {
	body, err := json.Marshal(toGeminiRequest(messages))
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := g.post(ctx, g.endpoint(model, "generateContent", nil), body, nil)
	if err != nil {
		return "", err
	}
	data, err := g.readAll(resp)
	if err != nil {
		return "", err
	}

	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: gemini returned invalid JSON", chat.ErrBackend)
	}
	text, ok := candidateText(data)
	if !ok {
		return "", fmt.Errorf("%w: gemini returned no candidates", chat.ErrBackend)
	}
	return text, nil
}

// Stream calls streamGenerateContent?alt=sse. Every event has the same
// shape as a non-streaming reply, holding just the newest text.
func (g *GoogleProvider) Stream(ctx context.Context, model string, messages []chat.Message) (iter.Seq2[string, error], error) {
	body, err := json.Marshal(toGeminiRequest(messages))
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	resp, err := g.post(ctx, g.endpoint(model, "streamGenerateContent", url.Values{"alt": {"sse"}}), body, nil)
	if err != nil {
		return nil, err
	}

	return g.sseEvents(resp.Body, func(data []byte) (string, bool, error) {
		if !gjson.ValidBytes(data) {
			return "", false, fmt.Errorf("invalid JSON event %q", data)
		}
		text, ok := candidateText(data)
		return text, ok, nil
	}), nil
}
