// Package transport turns one upstream HTTP interaction into a sequence of
// text deltas, according to how the upstream delivers its answer:
//
//   - once: a single response body, extracted as a whole.
//   - octet-stream: newline-delimited JSON, each line carrying the full
//     text generated so far. Deltas are computed by diffing consecutive
//     lines.
//   - event-stream: Server-Sent Events, each data line carrying one piece
//     of new text, terminated by "[DONE]" or connection close.
//
// Sequences are pull-based iter.Seq2 values: no goroutines, no channels.
// The upstream body is only read while the caller ranges over the
// sequence, so a slow client naturally stalls the upstream read, and
// breaking out of the loop closes the upstream connection.
package transport

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"

	"github.com/howard-nolan/chatproxy/internal/chat"
)

// Style is a transport style name as written in provider definition files.
type Style string

const (
	StyleOnce        Style = "once"
	StyleCumulative  Style = "octet-stream"
	StyleEventStream Style = "event-stream"
)

// ParseStyle accepts the canonical names plus the descriptive aliases
// "single" and "cumulative".
func ParseStyle(s string) (Style, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "once", "single":
		return StyleOnce, nil
	case "octet-stream", "cumulative":
		return StyleCumulative, nil
	case "event-stream":
		return StyleEventStream, nil
	default:
		return "", fmt.Errorf("unknown transport style %q (want once, octet-stream or event-stream)", s)
	}
}

// Streams reports whether the upstream answers incrementally.
func (s Style) Streams() bool { return s != StyleOnce }

// Extractor pulls the text out of one decoded upstream payload.
type Extractor func(ctx context.Context, payload any) (string, error)

// Doer is the subset of *http.Client the handlers need.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// ErrConsumed is yielded when a sequence is ranged over a second time.
var ErrConsumed = errors.New("delta sequence already consumed")

// maxLineSize bounds a single upstream line. Cumulative backends resend the
// whole answer on every line, so lines get long.
const maxLineSize = 4 << 20

// Run sends the call and returns the delta sequence for the style.
//
// The request is sent eagerly so connection failures and non-2xx statuses
// surface here, before the caller has committed to a response status. The
// body is read lazily. If the caller never ranges over the sequence, the
// body is released when ctx is cancelled.
func Run(ctx context.Context, client Doer, style Style, call Call, extract Extractor) (iter.Seq2[string, error], error) {
	req, err := call.Request(ctx)
	if err != nil {
		return nil, err
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", chat.ErrBackend, call.Method, call.URL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("%w: upstream returned status %d: %s",
			chat.ErrBackend, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var seq iter.Seq2[string, error]
	switch style {
	case StyleOnce:
		seq = once(ctx, resp, extract)
	case StyleCumulative:
		seq = cumulative(ctx, resp, extract)
	case StyleEventStream:
		seq = eventStream(ctx, resp, extract)
	default:
		resp.Body.Close()
		return nil, fmt.Errorf("unknown transport style %q", style)
	}
	return singleUse(seq, resp.Body), nil
}

// singleUse guards against a second range over the sequence, which would
// otherwise read from an already-drained body.
func singleUse(seq iter.Seq2[string, error], body io.Closer) iter.Seq2[string, error] {
	used := false
	return func(yield func(string, error) bool) {
		if used {
			yield("", ErrConsumed)
			return
		}
		used = true
		defer body.Close()
		seq(yield)
	}
}

// once reads the whole body and exposes it to the extractor as
// {status, headers, text, json}; json is the decoded body or nil.
func once(ctx context.Context, resp *http.Response, extract Extractor) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			yield("", fmt.Errorf("%w: reading response: %w", chat.ErrBackend, err))
			return
		}

		headers := make(map[string]any, len(resp.Header))
		for k := range resp.Header {
			headers[k] = resp.Header.Get(k)
		}
		var decoded any
		if err := json.Unmarshal(body, &decoded); err != nil {
			decoded = nil
		}

		text, err := extract(ctx, map[string]any{
			"status":  resp.StatusCode,
			"headers": headers,
			"text":    string(body),
			"json":    decoded,
		})
		yield(text, err)
	}
}

// cumulative handles backends that resend the full answer on every line.
//
// The delta is the current text with every occurrence of the previous text
// removed. That is a substring removal, not a prefix check: it is exact for
// strictly prefix-growing backends and produces wrong deltas for anything
// else.
func cumulative(ctx context.Context, resp *http.Response, extract Extractor) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := newScanner(resp.Body)
		previous := ""

		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}

			var payload any
			if err := json.Unmarshal(line, &payload); err != nil {
				yield("", fmt.Errorf("%w: decoding chunk: %v", chat.ErrBackend, err))
				return
			}
			current, err := extract(ctx, payload)
			if err != nil {
				yield("", err)
				return
			}

			delta := current
			if previous != "" {
				delta = strings.ReplaceAll(current, previous, "")
			}
			previous = current

			if !yield(delta, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("%w: reading stream: %w", chat.ErrBackend, err))
		}
	}
}

// eventStream handles SSE backends. Only data lines carry payloads; SSE
// comments and the event/id/retry fields are skipped.
func eventStream(ctx context.Context, resp *http.Response, extract Extractor) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		scanner := newScanner(resp.Body)

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || isSSEField(line) {
				continue
			}

			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				return
			}

			var payload any
			if err := json.Unmarshal([]byte(data), &payload); err != nil {
				yield("", fmt.Errorf("%w: decoding event: %v", chat.ErrBackend, err))
				return
			}
			text, err := extract(ctx, payload)
			if err != nil {
				yield("", err)
				return
			}
			if !yield(text, nil) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			yield("", fmt.Errorf("%w: reading stream: %w", chat.ErrBackend, err))
		}
	}
}

func isSSEField(line string) bool {
	if strings.HasPrefix(line, ":") {
		return true
	}
	for _, f := range []string{"event:", "id:", "retry:"} {
		if strings.HasPrefix(line, f) {
			return true
		}
	}
	return false
}

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return scanner
}

// Collect concatenates a delta sequence. It is how a streaming transport
// answers a non-streaming request.
func Collect(seq iter.Seq2[string, error]) (string, error) {
	var sb strings.Builder
	for delta, err := range seq {
		if err != nil {
			return "", err
		}
		sb.WriteString(delta)
	}
	return sb.String(), nil
}

// One wraps a single text as a one-element sequence.
func One(text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield(text, nil)
	}
}
