package assert_test

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/plugin/assert"
	"go.followtheprocess.codes/reqrun/internal/plugin/httpclient"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/syntax/parser"
	"go.followtheprocess.codes/test"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name    string           // Name of the test case
		text    string           // Assertion text after the ??
		errMsg  string           // If we wanted an error, what should it say
		want    assert.Assertion // Expected assertion
		wantErr bool             // Whether we want an error
	}{
		{
			name: "status",
			text: "status == 200",
			want: assert.Assertion{Target: "status", Op: "==", Expected: "200", Source: "status == 200"},
		},
		{
			name: "header",
			text: "header   Content-Type contains  json",
			want: assert.Assertion{Target: "header", Arg: "Content-Type", Op: "contains", Expected: "json", Source: "header Content-Type contains json"},
		},
		{
			name: "body path exists",
			text: "body data.id exists",
			want: assert.Assertion{Target: "body", Arg: "data.id", Op: "exists", Source: "body data.id exists"},
		},
		{
			name: "whole body",
			text: "body contains hello world",
			want: assert.Assertion{Target: "body", Op: "contains", Expected: "hello world", Source: "body contains hello world"},
		},
		{
			name: "duration",
			text: "duration < 500ms",
			want: assert.Assertion{Target: "duration", Op: "<", Expected: "500ms", Source: "duration < 500ms"},
		},
		{
			name: "placeholder status",
			text: "status == {{expected}}",
			want: assert.Assertion{Target: "status", Op: "==", Expected: "{{expected}}", Source: "status == {{expected}}"},
		},
		{
			name:    "empty",
			text:    "",
			wantErr: true,
			errMsg:  "empty assertion",
		},
		{
			name:    "unknown target",
			text:    "cookie session exists",
			wantErr: true,
			errMsg:  `unknown assertion target "cookie", expected one of status, header, body or duration`,
		},
		{
			name:    "unknown operator",
			text:    "status === 200",
			wantErr: true,
			errMsg:  `unknown operator "==="`,
		},
		{
			name:    "no operator",
			text:    "header Accept",
			wantErr: true,
			errMsg:  `assertion "header Accept" has no operator`,
		},
		{
			name:    "no expected value",
			text:    "status ==",
			wantErr: true,
			errMsg:  `assertion "status ==" has no expected value`,
		},
		{
			name:    "exists with a value",
			text:    "body id exists 1",
			wantErr: true,
			errMsg:  `exists takes no value, got "1"`,
		},
		{
			name:    "status exists",
			text:    "status exists",
			wantErr: true,
			errMsg:  "exists only applies to headers and the body",
		},
		{
			name:    "bad status",
			text:    "status == ok",
			wantErr: true,
			errMsg:  `bad status "ok": must be an integer`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := assert.Parse(tt.text)
			test.WantErr(t, err, tt.wantErr)

			if err != nil {
				test.Equal(t, err.Error(), tt.errMsg)
				return
			}

			test.Equal(t, got, tt.want)
		})
	}
}

func TestCheck(t *testing.T) {
	response := &document.Response{
		StatusCode: http.StatusCreated,
		Headers:    []document.Header{{Name: "Content-Type", Value: "application/json"}},
		Body:       []byte(`{"data": {"id": 7, "name": "Tom", "tags": ["a", "b"]}}`),
		Timings:    document.Timings{Total: 120 * time.Millisecond},
	}

	tests := []struct {
		name   string // Name of the test case
		text   string // The assertion
		errMsg string // Expected failure, empty for a pass
	}{
		{name: "status equal", text: "status == 201"},
		{name: "status not equal", text: "status != 200"},
		{name: "status range", text: "status < 300"},
		{name: "status fail", text: "status == 200", errMsg: "expected == 200, got 201"},
		{name: "header contains", text: "header content-type contains json"},
		{name: "header exists", text: "header Content-Type exists"},
		{name: "header missing", text: "header X-Missing exists", errMsg: `no header "X-Missing"`},
		{name: "body path", text: "body data.name == Tom"},
		{name: "body number", text: "body data.id >= 7.0"},
		{name: "body number fail", text: "body data.id > 7", errMsg: "expected > 7, got 7"},
		{name: "body array length", text: "body data.tags.# == 2"},
		{name: "body path missing", text: "body data.nope exists", errMsg: `nothing at "data.nope" in the body`},
		{name: "whole body", text: `body contains "Tom"`},
		{name: "duration", text: "duration < 1s"},
		{name: "duration millis", text: "duration > 100"},
		{name: "duration fail", text: "duration <= 50ms", errMsg: "expected duration <= 50ms, got 120ms"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assertion, err := assert.Parse(tt.text)
			test.Ok(t, err)

			err = assertion.Check(response, assertion.Expected)
			if tt.errMsg == "" {
				test.Ok(t, err)
				return
			}

			test.Err(t, err)
			test.Equal(t, err.Error(), tt.errMsg)
		})
	}
}

func TestRun(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id": 1, "name": "widget"}`)
	}))
	defer server.Close()

	src := fmt.Sprintf(`@host = %s
@name = widget

### good
GET /items/1

?? status == 200
?? body name == {{name}}

### bad
GET /items/1
?? status == 404
?? header Content-Type contains json

### after
GET /items/1
`, server.URL)

	doc := parse(t, src)

	report, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)
	test.True(t, report.Failed())

	passed, failed, skipped, _ := report.Counts()
	test.Equal(t, passed, 2)
	test.Equal(t, failed, 1)
	test.Equal(t, skipped, 0)

	good, _ := doc.Region("good")
	test.Equal(t, len(good.Tests()), 2)
	test.False(t, good.Failed())

	bad, _ := doc.Region("bad")
	tests := bad.Tests()
	test.Equal(t, len(tests), 2)
	test.Equal(t, tests[0].Status, document.TestFailed)
	test.Equal(t, tests[0].Error, "expected == 404, got 200")
	test.Equal(t, tests[1].Status, document.TestPassed)
}

func TestRunBail(t *testing.T) {
	var hits int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusTeapot)
	}))
	defer server.Close()

	src := fmt.Sprintf("### first\nGET %[1]s/a\n?? status == 200\n\n### second\nGET %[1]s/b\n", server.URL)
	doc := parse(t, src)

	report, err := runner.Run(t.Context(), doc, runner.Options{Bail: true})
	test.Ok(t, err)

	passed, failed, skipped, _ := report.Counts()
	test.Equal(t, passed, 0)
	test.Equal(t, failed, 1)
	test.Equal(t, skipped, 1)
	test.Equal(t, hits, 1)
}

func TestParseErrorPosition(t *testing.T) {
	var got []string

	p := parser.New(func(pos syntax.Position, msg string) {
		got = append(got, fmt.Sprintf("%s: %s", pos, msg))
	}, httpclient.Plugin(httpclient.DefaultSettings()), assert.Plugin)

	_, err := p.Parse(t.Context(), "test.http", 1, []byte("GET /a\n?? status maybe 200\n"))
	test.Err(t, err)

	test.Equal(t, len(got), 1)
	test.Equal(t, got[0], `test.http:2:1-19:unknown operator "maybe"`)
}

func parse(t *testing.T, src string) *document.Document {
	t.Helper()

	p := parser.New(func(pos syntax.Position, msg string) {
		t.Fatalf("%s: %s", pos, msg)
	}, httpclient.Plugin(httpclient.DefaultSettings()), assert.Plugin)

	doc, err := p.Parse(t.Context(), "test.http", 1, []byte(src))
	test.Ok(t, err)

	return doc
}
