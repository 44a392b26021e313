// Package chat defines the validated chat request that flows through the
// gateway, plus the error taxonomy shared by every layer below the HTTP
// handlers.
package chat

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Allowed message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Defaults applied when the client omits a sampling parameter. They match
// the OpenAI API defaults so provider templates can rely on them being set.
const (
	DefaultTemperature = 1.0
	DefaultTopP        = 1.0
	DefaultN           = 1
	MaxTokensLimit     = 4096
)

// Message is one role/content pair in the conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the inbound chat completion request, in OpenAI shape.
//
// Sampling parameters are pointers so we can tell "not sent" apart from
// "sent as zero": a plain float64 would make temperature: 0 look missing.
type Request struct {
	Messages         []Message `json:"messages"`
	Model            string    `json:"model"`
	Stream           bool      `json:"stream"`
	Temperature      *float64  `json:"temperature,omitempty"`
	TopP             *float64  `json:"top_p,omitempty"`
	N                *int      `json:"n,omitempty"`
	MaxTokens        *int      `json:"max_tokens,omitempty"`
	PresencePenalty  *float64  `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64  `json:"frequency_penalty,omitempty"`
}

// Validate checks the request shape. known reports whether a model is
// served by any configured provider; allowed is the model set quoted back
// to the client when it is not.
func (r *Request) Validate(known func(model string) bool, allowed []string) error {
	for i, m := range r.Messages {
		switch m.Role {
		case RoleUser, RoleAssistant, RoleSystem:
		default:
			return fmt.Errorf("%w: messages[%d].role must be one of %q, %q or %q, got %q",
				ErrValidation, i, RoleUser, RoleAssistant, RoleSystem, m.Role)
		}
	}

	if r.Model == "" || !known(r.Model) {
		return fmt.Errorf("%w: model %q is not supported, allowed models: %s",
			ErrValidation, r.Model, strings.Join(allowed, ", "))
	}

	if err := inRange("temperature", r.Temperature, 0, 2); err != nil {
		return err
	}
	if err := inRange("top_p", r.TopP, 0, 1); err != nil {
		return err
	}
	if err := inRange("presence_penalty", r.PresencePenalty, -2, 2); err != nil {
		return err
	}
	if err := inRange("frequency_penalty", r.FrequencyPenalty, -2, 2); err != nil {
		return err
	}
	if r.N != nil && *r.N < 1 {
		return fmt.Errorf("%w: n must be at least 1, got %d", ErrValidation, *r.N)
	}
	if r.MaxTokens != nil && *r.MaxTokens > MaxTokensLimit {
		return fmt.Errorf("%w: max_tokens must be at most %d, got %d",
			ErrValidation, MaxTokensLimit, *r.MaxTokens)
	}
	return nil
}

func inRange(name string, v *float64, lo, hi float64) error {
	if v == nil {
		return nil
	}
	if *v < lo || *v > hi {
		return fmt.Errorf("%w: %s must be between %g and %g, got %g", ErrValidation, name, lo, hi, *v)
	}
	return nil
}

// Prompt returns the content of the last message, or "" for an empty
// conversation.
func (r *Request) Prompt() string {
	if len(r.Messages) == 0 {
		return ""
	}
	return r.Messages[len(r.Messages)-1].Content
}

// Args returns the request as plain maps and slices with defaults filled
// in. Provider templates see exactly this value as `args`.
func (r *Request) Args() map[string]any {
	messages := make([]any, 0, len(r.Messages))
	for _, m := range r.Messages {
		messages = append(messages, map[string]any{"role": m.Role, "content": m.Content})
	}

	args := map[string]any{
		"messages":          messages,
		"model":             r.Model,
		"stream":            r.Stream,
		"temperature":       floatOr(r.Temperature, DefaultTemperature),
		"top_p":             floatOr(r.TopP, DefaultTopP),
		"n":                 DefaultN,
		"max_tokens":        nil,
		"presence_penalty":  floatOr(r.PresencePenalty, 0),
		"frequency_penalty": floatOr(r.FrequencyPenalty, 0),
	}
	if r.N != nil {
		args["n"] = *r.N
	}
	if r.MaxTokens != nil {
		args["max_tokens"] = *r.MaxTokens
	}
	return args
}

func floatOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

// Decode parses a JSON request body. Unknown fields are ignored, the same
// way OpenAI-compatible servers tolerate extra client options.
func Decode(data []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON payload: %v", ErrValidation, err)
	}
	return &req, nil
}
