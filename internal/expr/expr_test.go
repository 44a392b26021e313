package expr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompileRejects(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{"empty", "   ", "empty"},
		{"function call", `prompt.toUpperCase()`, "function call"},
		{"unknown global", `Math.PI`, `unknown identifier "Math"`},
		{"require", `require('fs')`, "function call"},
		{"assignment", `args.model = 'x'`, "assignment"},
		{"arrow function", `() => 1`, "function literal"},
		{"new", `new Date()`, "new"},
		{"prototype walk", `args.constructor`, `member "constructor"`},
		{"bracket prototype walk", `args['__proto__']`, `member "__proto__"`},
		{"concatenated member", `args["__pro" + "to__"]`, "computed member"},
		{"template literal member", "args[`constructor`]", "computed member"},
		{"member from binding", `args[prompt]`, "computed member"},
		{"member from string concat with number", `args["a" + 1]`, "computed member"},
		{"comma", `1, 2`, "comma expression"},
		{"statement injection", `1); (2`, "single expression"},
		{"spread", `{...args}`, "not allowed in object literals"},
		{"getter", `{get x() { return 1 }}`, "only plain key"},
		{"syntax error", `{a: }`, "parsing expression"},
		{"this", `this`, "this"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.src, RequestBindings...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestEvalRequestTemplate(t *testing.T) {
	src := `{
		method: 'POST',
		url: 'https://api.example.com/chat?t=' + timestamp,
		headers: {'Content-Type': 'application/json'},
		body: {
			prompt,
			model: args.model,
			history: args.messages,
			last: args.messages[args.messages.length - 1].content,
			temperature: args.temperature * 2,
		},
		stream: args.stream ? true : false, // trailing comment
	}`
	e, err := Compile(src, RequestBindings...)
	require.NoError(t, err)

	args := map[string]any{
		"model":       "gpt-3.5-turbo",
		"stream":      false,
		"temperature": 0.5,
		"messages": []any{
			map[string]any{"role": "user", "content": "first"},
			map[string]any{"role": "user", "content": "second"},
		},
	}
	out, err := e.Eval(context.Background(), map[string]any{
		BindArgs:      args,
		BindPrompt:    "second",
		BindTimestamp: int64(1700000000000),
	})
	require.NoError(t, err)

	call, ok := out.(map[string]any)
	require.True(t, ok, "result should be a mapping, got %T", out)
	assert.Equal(t, "POST", call["method"])
	assert.Equal(t, "https://api.example.com/chat?t=1700000000000", call["url"])
	assert.Equal(t, false, call["stream"])

	body := call["body"].(map[string]any)
	assert.Equal(t, "second", body["prompt"])
	assert.Equal(t, "second", body["last"])
	assert.Equal(t, "gpt-3.5-turbo", body["model"])
	assert.EqualValues(t, 1, body["temperature"])
	assert.Len(t, body["history"], 2)
}

func TestText(t *testing.T) {
	ctx := context.Background()
	vars := map[string]any{
		BindResponse: map[string]any{"t": "A", "n": 3, "empty": nil},
	}

	e := compile(t, `response.t`, ResponseBindings...)
	got, err := e.Text(ctx, vars)
	require.NoError(t, err)
	assert.Equal(t, "A", got)

	e = compile(t, `response.empty`, ResponseBindings...)
	got, err = e.Text(ctx, vars)
	require.NoError(t, err)
	assert.Equal(t, "", got, "null means nothing produced yet")

	e = compile(t, `response.missing ?? ''`, ResponseBindings...)
	got, err = e.Text(ctx, vars)
	require.NoError(t, err)
	assert.Equal(t, "", got)

	e = compile(t, `response.missing`, ResponseBindings...)
	_, err = e.Text(ctx, vars)
	assert.ErrorIs(t, err, ErrUndefined)

	e = compile(t, `response.n`, ResponseBindings...)
	_, err = e.Text(ctx, vars)
	assert.ErrorContains(t, err, "must produce a string")

	e = compile(t, `response.missing.deeper`, ResponseBindings...)
	_, err = e.Text(ctx, vars)
	assert.ErrorContains(t, err, "evaluating expression")
}

func TestTemplateLiteral(t *testing.T) {
	e := compile(t, "`Bearer ${args.key}`", RequestBindings...)
	out, err := e.Eval(context.Background(), map[string]any{BindArgs: map[string]any{"key": "abc"}})
	require.NoError(t, err)
	assert.Equal(t, "Bearer abc", out)
}

func TestEvalCancelled(t *testing.T) {
	e := compile(t, `prompt`, RequestBindings...)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := e.Eval(ctx, map[string]any{BindPrompt: "x"})
	assert.Error(t, err)
}

// compile compiles src or fails the test.
func compile(t *testing.T, src string, bindings ...string) *Expr {
	t.Helper()
	e, err := Compile(src, bindings...)
	require.NoError(t, err, src)
	return e
}

func TestNumericIndexing(t *testing.T) {
	vars := map[string]any{
		BindResponse: map[string]any{"items": []any{"a", "b", "c"}, "idx": "1"},
	}

	for src, want := range map[string]string{
		`response.items[0]`:                         "a",
		`response.items[response.items.length - 1]`: "c",
		`response.items[+response.idx]`:             "b",
		`response.items[1 + 1]`:                     "c",
		`response['items'][-response.idx + 1]`:      "a",
	} {
		got, err := compile(t, src, ResponseBindings...).Text(context.Background(), vars)
		require.NoError(t, err, src)
		assert.Equal(t, want, got, src)
	}
}
