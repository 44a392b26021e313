package stream

import (
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
)

// deltas is a test helper that turns fixed fragments into the sequence a
// transport handler or native provider would produce.
func deltas(fragments ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range fragments {
			if !yield(f, nil) {
				return
			}
		}
	}
}

// failingAfter yields the fragments and then an error.
func failingAfter(err error, fragments ...string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		for _, f := range fragments {
			if !yield(f, nil) {
				return
			}
		}
		yield("", err)
	}
}

// parseSSEEvents splits the raw SSE output into individual data payloads,
// excluding the "data: [DONE]" sentinel.
func parseSSEEvents(body string) []string {
	var events []string
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "data: ") {
			payload := strings.TrimPrefix(line, "data: ")
			if payload != "[DONE]" {
				events = append(events, payload)
			}
		}
	}
	return events
}

// trailingRecord returns whatever follows the [DONE] sentinel.
func trailingRecord(t *testing.T, body string) string {
	t.Helper()
	_, after, found := strings.Cut(body, "data: [DONE]\n\n")
	if !found {
		t.Fatalf("missing [DONE] sentinel in %q", body)
	}
	return after
}

func TestWrite_MultipleChunks(t *testing.T) {
	tpl := NewTemplate(ObjectChunk, "test-model", "say hello", true)

	w := httptest.NewRecorder()
	res, err := Write(w, deltas("Hello", "", " world"), tpl)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := w.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}
	if res.Chunks != 2 {
		t.Errorf("Chunks = %d, want 2 (empty fragment skipped)", res.Chunks)
	}

	body := w.Body.String()
	events := parseSSEEvents(body)
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}

	var first Envelope
	if err := json.Unmarshal([]byte(events[0]), &first); err != nil {
		t.Fatalf("failed to parse event 0: %v", err)
	}
	if first.Object != ObjectChunk {
		t.Errorf("object = %q, want %q", first.Object, ObjectChunk)
	}
	if first.Choices[0].Delta.Role != "assistant" {
		t.Errorf("event 0 role = %q, want assistant", first.Choices[0].Delta.Role)
	}
	if got := *first.Choices[0].Delta.Content; got != "Hello" {
		t.Errorf("event 0 content = %q, want %q", got, "Hello")
	}
	if first.Choices[0].FinishReason != nil {
		t.Errorf("event 0 finish_reason = %v, want nil", *first.Choices[0].FinishReason)
	}

	var second Envelope
	if err := json.Unmarshal([]byte(events[1]), &second); err != nil {
		t.Fatalf("failed to parse event 1: %v", err)
	}
	if second.Choices[0].Delta.Role != "" {
		t.Errorf("event 1 should not repeat the role, got %q", second.Choices[0].Delta.Role)
	}
	if second.ID != first.ID || second.Created != first.Created {
		t.Error("all chunks of one stream should share id and created")
	}

	// The stop chunk has an empty delta object, not {"content":""}.
	if !strings.Contains(events[2], `"delta":{}`) {
		t.Errorf("stop event should have an empty delta, got %s", events[2])
	}
	if !strings.Contains(events[2], `"finish_reason":"stop"`) {
		t.Errorf("stop event should have finish_reason=stop, got %s", events[2])
	}

	// [DONE] is immediately preceded by the stop chunk.
	if !strings.Contains(body, `"finish_reason":"stop"}]}`+"\n\ndata: [DONE]\n\n") {
		t.Error("[DONE] should directly follow the stop chunk")
	}
	if n := strings.Count(body, "data: [DONE]"); n != 1 {
		t.Errorf("got %d [DONE] markers, want 1", n)
	}
}

func TestWrite_RoundTripEndRecord(t *testing.T) {
	tpl := NewTemplate(ObjectChunk, "m", "prompt text", true)

	w := httptest.NewRecorder()
	res, err := Write(w, deltas("a", "b<c>", "&d"), tpl)
	if err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	var concatenated strings.Builder
	for _, ev := range parseSSEEvents(w.Body.String()) {
		var env Envelope
		if err := json.Unmarshal([]byte(ev), &env); err != nil {
			t.Fatalf("bad event %q: %v", ev, err)
		}
		if d := env.Choices[0].Delta; d != nil && d.Content != nil {
			concatenated.WriteString(*d.Content)
		}
	}

	raw := trailingRecord(t, w.Body.String())
	if strings.HasSuffix(raw, "\n") {
		t.Errorf("end record should not end with a newline: %q", raw)
	}
	var record EndRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		t.Fatalf("end record is not JSON: %v", err)
	}

	if record.StreamContent != concatenated.String() {
		t.Errorf("stream_content = %q, concatenated deltas = %q", record.StreamContent, concatenated.String())
	}
	if record.PromptContent != "prompt text" {
		t.Errorf("prompt_content = %q, want %q", record.PromptContent, "prompt text")
	}
	if res.Record != record {
		t.Errorf("returned record %+v differs from written %+v", res.Record, record)
	}
	if !strings.Contains(raw, "b<c>&d") {
		t.Errorf("end record should not HTML-escape content: %s", raw)
	}
}

func TestWrite_NoDeltas(t *testing.T) {
	w := httptest.NewRecorder()
	if _, err := Write(w, deltas(), NewTemplate(ObjectChunk, "m", "", true)); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	events := parseSSEEvents(w.Body.String())
	if len(events) != 1 {
		t.Fatalf("got %d events, want only the stop chunk", len(events))
	}
	if trailingRecord(t, w.Body.String()) != `{"prompt_content":"","stream_content":""}` {
		t.Errorf("unexpected end record %q", trailingRecord(t, w.Body.String()))
	}
}

func TestWrite_MidStreamError(t *testing.T) {
	w := httptest.NewRecorder()
	_, err := Write(w, failingAfter(errors.New("connection reset"), "partial"), NewTemplate(ObjectChunk, "m", "", true))

	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error = %q, want it to contain %q", err.Error(), "connection reset")
	}

	// The partial chunk went out, but no stop chunk and no [DONE].
	body := w.Body.String()
	if !strings.Contains(body, "partial") {
		t.Error("partial chunk should have been written")
	}
	if strings.Contains(body, "[DONE]") {
		t.Error("errored stream should not contain [DONE]")
	}
}

func TestWriteJSON(t *testing.T) {
	tpl := NewTemplate(ObjectCompletion, "gpt-4", "hi", false)

	w := httptest.NewRecorder()
	if err := WriteJSON(w, "Hello there", tpl); err != nil {
		t.Fatalf("WriteJSON returned error: %v", err)
	}

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}

	var env Envelope
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatalf("bad JSON: %v", err)
	}
	if env.Object != ObjectCompletion || env.Model != "gpt-4" {
		t.Errorf("unexpected envelope header %+v", env)
	}
	if len(env.Choices) != 1 || env.Choices[0].Message == nil {
		t.Fatalf("want one choice with a message, got %+v", env.Choices)
	}
	if env.Choices[0].Message.Content != "Hello there" || env.Choices[0].Message.Role != "assistant" {
		t.Errorf("unexpected message %+v", env.Choices[0].Message)
	}
	if env.Choices[0].FinishReason == nil || *env.Choices[0].FinishReason != "stop" {
		t.Error("finish_reason should be stop")
	}
	if env.Usage == nil || env.Usage.TotalTokens != 0 {
		t.Errorf("usage should be present and zero, got %+v", env.Usage)
	}
}

func TestTemplateID(t *testing.T) {
	a := NewTemplate(ObjectCompletion, "m", "", false)
	b := NewTemplate(ObjectCompletion, "m", "", false)

	if !regexp.MustCompile(`^chatcmpl-[0-9a-f]{24}$`).MatchString(a.ID()) {
		t.Errorf("id %q does not match chatcmpl-<24 hex>", a.ID())
	}
	if a.ID() == b.ID() {
		t.Error("two templates should not share an id")
	}
}

func TestMsgDoesNotMutatePreviousEnvelopes(t *testing.T) {
	tpl := NewTemplate(ObjectChunk, "m", "", true)

	first := tpl.Msg("one", "", RoleAssistant)
	_ = tpl.Msg("two", "", "")
	stop := tpl.Msg("ignored", FinishStop, "")

	if *first.Choices[0].Delta.Content != "one" {
		t.Errorf("first envelope changed to %q", *first.Choices[0].Delta.Content)
	}
	if stop.Choices[0].Delta.Content != nil {
		t.Error("a finished chunk should carry an empty delta")
	}
	if first.Usage != nil {
		t.Error("usage should only be attached by WithUsage")
	}
	if stop.WithUsage().Usage == nil || stop.Usage != nil {
		t.Error("WithUsage should return a copy")
	}
}
