package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// Call is an outbound HTTP call described by a provider's request
// expression. The expression result is a mapping with these keys, modelled
// on the keyword arguments of a typical HTTP client:
//
//	method   string, default "POST"
//	url      string, required
//	headers  mapping of header name to scalar value
//	params   mapping of query parameters
//	json     any value, sent JSON-encoded
//	data     string sent verbatim, or a mapping sent form-encoded
//	body     string sent verbatim, or any other value sent JSON-encoded
//	stream   bool, must agree with the transport style when present
type Call struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Stream bool
}

var callKeys = map[string]bool{
	"method": true, "url": true, "headers": true, "params": true,
	"json": true, "data": true, "body": true, "stream": true,
}

// ParseCall validates the result of a request expression for the given
// transport style.
func ParseCall(v any, style Style) (Call, error) {
	m, ok := v.(map[string]any)
	if !ok {
		return Call{}, fmt.Errorf("request expression must produce a mapping, got %T", v)
	}
	for k := range m {
		if !callKeys[k] {
			return Call{}, fmt.Errorf("unknown call key %q (allowed: %s)", k, strings.Join(sortedCallKeys(), ", "))
		}
	}

	call := Call{Method: http.MethodPost, Header: make(http.Header), Stream: style.Streams()}

	if raw, ok := m["method"]; ok {
		s, ok := raw.(string)
		if !ok || s == "" {
			return Call{}, fmt.Errorf("method must be a non-empty string, got %v", raw)
		}
		call.Method = strings.ToUpper(s)
	}

	rawURL, _ := m["url"].(string)
	u, err := url.Parse(rawURL)
	if rawURL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Call{}, fmt.Errorf("url must be an absolute http(s) URL, got %q", rawURL)
	}

	if raw, ok := m["params"]; ok && raw != nil {
		params, ok := raw.(map[string]any)
		if !ok {
			return Call{}, fmt.Errorf("params must be a mapping, got %T", raw)
		}
		q := u.Query()
		for k, pv := range params {
			s, err := scalar(pv)
			if err != nil {
				return Call{}, fmt.Errorf("params.%s: %w", k, err)
			}
			q.Set(k, s)
		}
		u.RawQuery = q.Encode()
	}
	call.URL = u.String()

	if raw, ok := m["headers"]; ok && raw != nil {
		headers, ok := raw.(map[string]any)
		if !ok {
			return Call{}, fmt.Errorf("headers must be a mapping, got %T", raw)
		}
		for k, hv := range headers {
			s, err := scalar(hv)
			if err != nil {
				return Call{}, fmt.Errorf("headers.%s: %w", k, err)
			}
			call.Header.Set(k, s)
		}
	}

	if err := call.setBody(m); err != nil {
		return Call{}, err
	}

	if raw, ok := m["stream"]; ok {
		b, ok := raw.(bool)
		if !ok {
			return Call{}, fmt.Errorf("stream must be a boolean, got %T", raw)
		}
		if b != style.Streams() {
			return Call{}, fmt.Errorf("stream=%t does not match transport style %q", b, style)
		}
	}

	return call, nil
}

func (c *Call) setBody(m map[string]any) error {
	set := 0
	for _, k := range []string{"json", "data", "body"} {
		if v, ok := m[k]; ok && v != nil {
			set++
		}
	}
	if set > 1 {
		return fmt.Errorf("only one of json, data or body may be set")
	}

	if v, ok := m["json"]; ok && v != nil {
		return c.setJSON(v)
	}

	if v, ok := m["data"]; ok && v != nil {
		switch d := v.(type) {
		case string:
			c.Body = []byte(d)
		case map[string]any:
			form := url.Values{}
			for k, fv := range d {
				s, err := scalar(fv)
				if err != nil {
					return fmt.Errorf("data.%s: %w", k, err)
				}
				form.Set(k, s)
			}
			c.Body = []byte(form.Encode())
			if c.Header.Get("Content-Type") == "" {
				c.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			}
		default:
			return fmt.Errorf("data must be a string or a mapping, got %T", v)
		}
		return nil
	}

	if v, ok := m["body"]; ok && v != nil {
		if s, ok := v.(string); ok {
			c.Body = []byte(s)
			return nil
		}
		return c.setJSON(v)
	}
	return nil
}

func (c *Call) setJSON(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding request body: %w", err)
	}
	c.Body = body
	if c.Header.Get("Content-Type") == "" {
		c.Header.Set("Content-Type", "application/json")
	}
	return nil
}

// Request builds the *http.Request for this call, bound to ctx so a client
// disconnect aborts the upstream call too.
func (c Call) Request(ctx context.Context) (*http.Request, error) {
	var body io.Reader
	if c.Body != nil {
		body = bytes.NewReader(c.Body)
	}
	req, err := http.NewRequestWithContext(ctx, c.Method, c.URL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header = c.Header.Clone()
	return req, nil
}

func scalar(v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool, int, int64, float64:
		return fmt.Sprint(s), nil
	default:
		return "", fmt.Errorf("must be a scalar, got %T", v)
	}
}

func sortedCallKeys() []string {
	keys := make([]string, 0, len(callKeys))
	for k := range callKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
