package variable_test

import (
	"errors"
	"slices"
	"strconv"
	"testing"

	"github.com/google/uuid"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/variable"
	"go.followtheprocess.codes/test"
)

// newContext returns a processor context for a document with the built in lookups and
// replacers installed, and vars defined.
func newContext(t *testing.T, vars map[string]any) *document.ProcessorContext {
	t.Helper()

	doc := document.New("test.http", 1, nil)
	variable.Install(&doc.Hooks)

	pc := document.NewProcessorContext(doc, document.NewRegion(0), nil)
	pc.Variables.Merge(vars)

	return pc
}

func TestExpand(t *testing.T) {
	login := &document.Response{
		StatusCode: 200,
		Headers:    []document.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:       []byte(`{"token": "abc123", "user": {"id": 42}}`),
	}

	vars := map[string]any{
		"host":    "https://example.com",
		"base":    "{{host}}/api",
		"login":   login,
		"count":   3,
		"enabled": true,
		"extract": `{"items": [{"name": "first"}, {"name": "second"}]}`,
	}

	tests := []struct {
		name string // Name of the test case
		text string // Text to expand
		want string // Expected expansion
	}{
		{
			name: "no placeholders",
			text: "GET https://example.com",
			want: "GET https://example.com",
		},
		{
			name: "simple",
			text: "{{host}}/users",
			want: "https://example.com/users",
		},
		{
			name: "whitespace",
			text: "{{  host }}/users",
			want: "https://example.com/users",
		},
		{
			name: "nested",
			text: "{{base}}/users",
			want: "https://example.com/api/users",
		},
		{
			name: "unresolved",
			text: "{{missing}} and {{host}}",
			want: "{{missing}} and https://example.com",
		},
		{
			name: "response body path",
			text: "Bearer {{login.body.token}}",
			want: "Bearer abc123",
		},
		{
			name: "response number",
			text: "{{login.body.user.id}}",
			want: "42",
		},
		{
			name: "response status",
			text: "{{login.status}}",
			want: "200",
		},
		{
			name: "response header",
			text: "{{login.headers.Content-Type}}",
			want: "application/json",
		},
		{
			name: "json path",
			text: "{{extract.items.1.name}}",
			want: "second",
		},
		{
			name: "missing path",
			text: "{{login.body.nope}}",
			want: "{{login.body.nope}}",
		},
		{
			name: "scalars",
			text: "{{count}} {{enabled}}",
			want: "3 true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := newContext(t, vars)

			got, err := variable.Expand(t.Context(), tt.text, pc)
			test.Ok(t, err)
			test.Equal(t, got, tt.want)
		})
	}
}

func TestExpandRecursion(t *testing.T) {
	tests := []struct {
		vars map[string]any // Variables defined
		name string         // Name of the test case
	}{
		{
			name: "mutual",
			vars: map[string]any{"a": "{{b}}", "b": "x{{a}}"},
		},
		{
			name: "growing",
			vars: map[string]any{"a": "x{{a}}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pc := newContext(t, tt.vars)

			_, err := variable.Expand(t.Context(), "{{a}}", pc)
			test.Err(t, err)
			test.True(t, errors.Is(err, variable.ErrRecursion), test.Context("got %v", err))
		})
	}
}

func TestDynamic(t *testing.T) {
	t.Setenv("REQRUN_TEST_TOKEN", "secret")
	pc := newContext(t, nil)

	id, err := variable.Expand(t.Context(), "{{$uuid}}", pc)
	test.Ok(t, err)

	_, err = uuid.Parse(id)
	test.Ok(t, err, test.Context("$uuid should produce a valid uuid, got %q", id))

	other, err := variable.Expand(t.Context(), "{{$uuid}}", pc)
	test.Ok(t, err)
	test.True(t, id != other, test.Context("each use should produce a new value"))

	stamp, err := variable.Expand(t.Context(), "{{$timestamp}}", pc)
	test.Ok(t, err)

	_, err = strconv.ParseInt(stamp, 10, 64)
	test.Ok(t, err)

	random, err := variable.Expand(t.Context(), "{{$randomInt 5 6}}", pc)
	test.Ok(t, err)
	test.Equal(t, random, "5")

	env, err := variable.Expand(t.Context(), "{{$processEnv REQRUN_TEST_TOKEN}}", pc)
	test.Ok(t, err)
	test.Equal(t, env, "secret")

	missing, err := variable.Expand(t.Context(), "{{$processEnv REQRUN_DEFINITELY_UNSET}}", pc)
	test.Ok(t, err)
	test.Equal(t, missing, "{{$processEnv REQRUN_DEFINITELY_UNSET}}")
}

func TestReplaceRequest(t *testing.T) {
	pc := newContext(t, map[string]any{
		"host":  "https://example.com/",
		"token": "abc",
		"name":  "gopher",
	})

	original := &document.Request{
		Method: "POST",
		URL:    "/users",
		Headers: []document.Header{
			{Name: "Authorization", Value: "Bearer {{token}}"},
		},
		Body: []byte(`{"name": "{{name}}"}`),
	}

	got, ok, err := variable.ReplaceRequest(t.Context(), pc, original)
	test.Ok(t, err)
	test.True(t, ok)

	test.Equal(t, got.URL, "https://example.com/users")
	test.EqualFunc(t, got.Headers, []document.Header{
		{Name: "Authorization", Value: "Bearer abc"},
	}, slices.Equal)
	test.Equal(t, string(got.Body), `{"name": "gopher"}`)

	// The parsed request is reused by every execution
	test.Equal(t, original.URL, "/users")
	test.Equal(t, original.Headers[0].Value, "Bearer {{token}}")
	test.Equal(t, string(original.Body), `{"name": "{{name}}"}`)
}

func TestReplaceRequestCanceled(t *testing.T) {
	pc := newContext(t, map[string]any{"a": "x{{a}}"})

	got, ok, err := variable.ReplaceRequest(t.Context(), pc, &document.Request{Method: "GET", URL: "https://example.com/{{a}}"})
	test.Ok(t, err)
	test.False(t, ok, test.Context("runaway substitution should cancel the request"))
	test.True(t, got == nil)
}

func TestHostAbsolute(t *testing.T) {
	pc := newContext(t, map[string]any{"host": "https://example.com"})

	got, ok, err := variable.Replace(t.Context(), pc, document.ReplaceURL, "https://other.com/a")
	test.Ok(t, err)
	test.True(t, ok)
	test.Equal(t, got, any("https://other.com/a"))

	// Only urls get the host
	got, _, err = variable.Replace(t.Context(), pc, "X-Path", "/a")
	test.Ok(t, err)
	test.Equal(t, got, any("/a"))
}

func TestNames(t *testing.T) {
	got := variable.Names("{{host}}/users/{{ id }}?q={{$randomInt 1 10}}")
	test.EqualFunc(t, got, []string{"host", "id", "$randomInt 1 10"}, slices.Equal)

	test.Equal(t, len(variable.Names("no placeholders {here}")), 0)
}

func TestStringify(t *testing.T) {
	tests := []struct {
		value any    // Value to stringify
		name  string // Name of the test case
		want  string // Expected text
	}{
		{name: "nil", value: nil, want: ""},
		{name: "string", value: "hello", want: "hello"},
		{name: "bytes", value: []byte("raw"), want: "raw"},
		{name: "int", value: 42, want: "42"},
		{name: "float", value: 1.5, want: "1.5"},
		{name: "whole float", value: float64(12345678), want: "12345678"},
		{name: "huge float", value: 1e21, want: "1000000000000000000000"},
		{name: "tiny float", value: 0.000001, want: "0.000001"},
		{name: "bool", value: false, want: "false"},
		{name: "map", value: map[string]any{"a": 1}, want: `{"a":1}`},
		{name: "slice", value: []string{"a", "b"}, want: `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test.Equal(t, variable.Stringify(tt.value), tt.want)
		})
	}
}
