package stream

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// Object kinds for the envelope "object" field.
const (
	ObjectCompletion = "chat.completion"
	ObjectChunk      = "chat.completion.chunk"
)

// FinishStop is the only finish reason the gateway reports.
const FinishStop = "stop"

// RoleAssistant is the role announced on the first streamed chunk.
const RoleAssistant = "assistant"

// ---------------------------------------------------------------------------
// OpenAI-compatible envelope types
// ---------------------------------------------------------------------------

// Envelope is the OpenAI wrapper around one response or one stream chunk.
type Envelope struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is choices[0]. Non-streaming envelopes carry Message, streaming
// ones carry Delta; the other is nil and omitted from the JSON.
type Choice struct {
	Index   int      `json:"index"`
	Message *Message `json:"message,omitempty"`
	Delta   *Delta   `json:"delta,omitempty"`

	// FinishReason is a pointer so "not finished" renders as JSON null
	// rather than "".
	FinishReason *string `json:"finish_reason"`
}

// Message is the full assistant message of a non-streaming response.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Delta is the incremental part of a stream chunk. The final chunk sends
// an empty delta ({}), so Content is a pointer: an empty fragment and no
// fragment at all must render differently.
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// Usage is always zero: the gateway does not count tokens.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// EndRecord is the private line written after "data: [DONE]". It is not
// part of the OpenAI contract; it lets log scrapers pair a prompt with the
// complete streamed answer.
type EndRecord struct {
	PromptContent string `json:"prompt_content"`
	StreamContent string `json:"stream_content"`
}

// ---------------------------------------------------------------------------
// Template
// ---------------------------------------------------------------------------

// Template builds the envelopes of one response. Every envelope it builds
// shares the same id and created time, which is what OpenAI clients
// expect across the chunks of a single stream.
//
// Each method returns a fresh value, so nothing built earlier is mutated
// later. Create one Template per request.
type Template struct {
	id      string
	object  string
	created int64
	model   string
	prompt  string
	stream  bool
}

// NewTemplate creates the template for one response. prompt is the last
// user message, echoed back in the end record.
func NewTemplate(object, model, prompt string, stream bool) *Template {
	return &Template{
		id:      "chatcmpl-" + randomHex(12),
		object:  object,
		created: time.Now().Unix(),
		model:   model,
		prompt:  prompt,
		stream:  stream,
	}
}

// ID returns the response id shared by every envelope.
func (t *Template) ID() string { return t.id }

// Envelope returns a bare envelope with no choices.
func (t *Template) Envelope() Envelope {
	return Envelope{
		ID:      t.id,
		Object:  t.object,
		Created: t.created,
		Model:   t.model,
		Choices: []Choice{},
	}
}

// Msg builds an envelope holding text. finishReason "" means "not finished"
// (null). role is only used in streaming mode, where it is added to the
// delta.
//
// In streaming mode a finished chunk has an empty delta, whatever text is.
func (t *Template) Msg(text, finishReason, role string) Envelope {
	env := t.Envelope()

	var reason *string
	if finishReason != "" {
		reason = &finishReason
	}

	if !t.stream {
		env.Choices = []Choice{{
			Index:        0,
			Message:      &Message{Role: RoleAssistant, Content: text},
			FinishReason: reason,
		}}
		return env
	}

	delta := &Delta{Role: role}
	if reason == nil {
		delta.Content = &text
	}
	env.Choices = []Choice{{Index: 0, Delta: delta, FinishReason: reason}}
	return env
}

// WithUsage returns a copy of e carrying zero token usage.
func (e Envelope) WithUsage() Envelope {
	e.Usage = &Usage{}
	return e
}

// StreamEnd builds the private record written after the stream.
func (t *Template) StreamEnd(full string) EndRecord {
	return EndRecord{PromptContent: t.prompt, StreamContent: full}
}

func randomHex(n int) string {
	b := make([]byte, n)
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
