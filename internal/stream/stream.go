// Package stream builds OpenAI-compatible response envelopes and writes
// them to the client, either as one JSON document or as Server-Sent Events.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"iter"
	"net/http"
	"strings"
)

// Result summarises a finished stream.
type Result struct {
	Record EndRecord // the trailing bookkeeping record
	Chunks int       // content chunks sent (excluding the stop chunk)
}

// WriteJSON writes a non-streaming chat.completion response for text.
func WriteJSON(w http.ResponseWriter, text string, tpl *Template) error {
	body, err := marshal(tpl.Msg(text, FinishStop, "").WithUsage())
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// Write ranges over deltas and writes them to w as an OpenAI-compatible SSE
// stream:
//
//	data: {chunk, delta.role="assistant", delta.content=<first fragment>}
//	data: {chunk, delta.content=<next fragment>}
//	...
//	data: {chunk, delta:{}, finish_reason:"stop"}
//	data: [DONE]
//	{"prompt_content":...,"stream_content":...}
//
// The last line is the private end record: no "data:" prefix, no trailing
// blank line. Strict OpenAI clients stop reading at [DONE].
//
// Empty fragments are skipped. Each event is flushed as soon as it is
// written, and the next delta is only pulled after that, so a slow client
// slows the upstream read rather than piling up buffered text.
//
// If deltas yields an error mid-stream there is no way to change the
// status code anymore, so Write stops without sending [DONE] and returns
// the error for the caller to log. Clients see the stream end without the
// sentinel.
func Write(w http.ResponseWriter, deltas iter.Seq2[string, error], tpl *Template) (Result, error) {
	// The concrete ResponseWriter from net/http also implements Flusher;
	// we need it to push each event out immediately.
	flusher, ok := w.(http.Flusher)
	if !ok {
		return Result{}, fmt.Errorf("response writer does not support flushing (http.Flusher)")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var (
		sb     strings.Builder
		chunks int
		role   = RoleAssistant
	)

	for delta, err := range deltas {
		if err != nil {
			return Result{Chunks: chunks}, err
		}
		if delta == "" {
			continue
		}

		sb.WriteString(delta)
		if err := writeEvent(w, tpl.Msg(delta, "", role)); err != nil {
			return Result{Chunks: chunks}, err
		}
		flusher.Flush()
		chunks++
		role = ""
	}

	if err := writeEvent(w, tpl.Msg("", FinishStop, "")); err != nil {
		return Result{Chunks: chunks}, err
	}
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return Result{Chunks: chunks}, fmt.Errorf("writing SSE done marker: %w", err)
	}

	record := tpl.StreamEnd(sb.String())
	body, err := marshal(record)
	if err != nil {
		return Result{Chunks: chunks}, err
	}
	if _, err := w.Write(body); err != nil {
		return Result{Chunks: chunks}, fmt.Errorf("writing end record: %w", err)
	}
	flusher.Flush()

	return Result{Record: record, Chunks: chunks}, nil
}

// writeEvent writes one "data: {json}\n\n" event. The blank line is what
// tells an SSE client the event is complete.
func writeEvent(w http.ResponseWriter, env Envelope) error {
	body, err := marshal(env)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", body); err != nil {
		return fmt.Errorf("writing SSE event: %w", err)
	}
	return nil
}

// marshal encodes v compactly without HTML escaping, so model output like
// "<b>" reaches the client as written instead of as \u003cb\u003e.
func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("marshaling %T: %w", v, err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
