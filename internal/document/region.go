package document

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"go.followtheprocess.codes/reqrun/internal/syntax"
)

// Header is a single header line, a request or response may have the same header more than once.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Request is the outgoing request described by a [Region].
//
// As parsed it may still contain {{ }} placeholders, the runner replaces them on a copy
// before every execution.
type Request struct {
	Protocol     string   `json:"protocol,omitempty"`     // Transport that claimed the request e.g. "HTTP", "WS"
	Method       string   `json:"method,omitempty"`       // The method e.g. "GET", "POST"
	URL          string   `json:"url,omitempty"`          // The target, may be relative to the host variable
	Version      string   `json:"version,omitempty"`      // Protocol version e.g. "HTTP/1.1"
	BodyFile     string   `json:"bodyFile,omitempty"`     // Path of a file to send as the body (relative to the document)
	ResponseFile string   `json:"responseFile,omitempty"` // Path of a file to write the response body to (relative to the document)
	Headers      []Header `json:"headers,omitempty"`      // Headers in source order
	Body         []byte   `json:"body,omitempty"`         // Inline body
}

// Header returns the value of the first header called name (case insensitive).
func (r *Request) Header(name string) (string, bool) {
	return header(r.Headers, name)
}

// SetHeader replaces every header called name with a single header, or appends it.
func (r *Request) SetHeader(name, value string) {
	match := func(h Header) bool { return strings.EqualFold(h.Name, name) }

	index := slices.IndexFunc(r.Headers, match)
	if index == -1 {
		r.Headers = append(r.Headers, Header{Name: name, Value: value})
		return
	}

	r.Headers[index].Value = value
	rest := slices.DeleteFunc(r.Headers[index+1:], match)
	r.Headers = r.Headers[:index+1+len(rest)]
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	clone := *r
	clone.Headers = slices.Clone(r.Headers)
	clone.Body = slices.Clone(r.Body)
	return &clone
}

// String implements [fmt.Stringer] for a [Request], rendering it the way it would be written
// in a request file.
func (r *Request) String() string {
	builder := &strings.Builder{}

	if r.Version != "" {
		fmt.Fprintf(builder, "%s %s %s\n", r.Method, r.URL, r.Version)
	} else {
		fmt.Fprintf(builder, "%s %s\n", r.Method, r.URL)
	}

	for _, h := range r.Headers {
		fmt.Fprintf(builder, "%s: %s\n", h.Name, h.Value)
	}

	// Separate the body section
	if r.Body != nil || r.BodyFile != "" || r.ResponseFile != "" {
		builder.WriteString("\n")
	}

	if r.BodyFile != "" {
		fmt.Fprintf(builder, "< %s\n", r.BodyFile)
	}

	if r.Body != nil {
		fmt.Fprintf(builder, "%s\n", string(r.Body))
	}

	if r.ResponseFile != "" {
		fmt.Fprintf(builder, "> %s\n", r.ResponseFile)
	}

	return builder.String()
}

// Timings breaks down where the time of an exchange went, a zero dimension was not measured.
type Timings struct {
	DNS       time.Duration `json:"dns,omitempty"`       // Name resolution
	Connect   time.Duration `json:"connect,omitempty"`   // TCP connect
	TLS       time.Duration `json:"tls,omitempty"`       // TLS handshake
	FirstByte time.Duration `json:"firstByte,omitempty"` // Request written to first response byte
	Download  time.Duration `json:"download,omitempty"`  // First byte to end of body
	Total     time.Duration `json:"total,omitempty"`     // The whole exchange
}

// Response is the result of executing a request, or one message of a streaming exchange.
type Response struct {
	Meta          map[string]any `json:"meta,omitempty"`          // Transport specific extras
	Protocol      string         `json:"protocol,omitempty"`      // e.g. "HTTP/1.1"
	StatusMessage string         `json:"statusMessage,omitempty"` // e.g. "OK"
	ContentType   string         `json:"contentType,omitempty"`   // Media type of the body
	Headers       []Header       `json:"headers,omitempty"`       // Headers in received order
	Body          []byte         `json:"body,omitempty"`          // Raw body
	Timings       Timings        `json:"timings"`                 // Timing breakdown
	StatusCode    int            `json:"statusCode,omitempty"`    // Status code, 0 for transports without one
}

// Header returns the value of the first header called name (case insensitive).
func (r *Response) Header(name string) (string, bool) {
	return header(r.Headers, name)
}

// TestStatus is the outcome of a single test.
type TestStatus int

const (
	TestPassed TestStatus = iota // passed
	TestFailed                   // failed
	TestError                    // error
)

// String implements [fmt.Stringer] for a [TestStatus].
func (s TestStatus) String() string {
	switch s {
	case TestPassed:
		return "passed"
	case TestFailed:
		return "failed"
	case TestError:
		return "error"
	default:
		return fmt.Sprintf("TestStatus(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler] for a [TestStatus].
func (s TestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// TestResult is the outcome of an assertion against a response.
type TestResult struct {
	Message string     `json:"message"`         // What was tested e.g. "status == 200"
	Error   string     `json:"error,omitempty"` // Why it failed, if it did
	Status  TestStatus `json:"status"`          // Outcome
}

// Region is one request, or one block of setup with no request, within a [Document].
type Region struct {
	Symbol   *syntax.Symbol    // Textual extent and sub elements
	Metadata map[string]string // Directives e.g. name, description, disabled
	Request  *Request          // The request, nil for a global region
	Response *Response         // The response of the latest execution
	Hooks    RegionHooks       // Extension points of this region
	tests    []TestResult
	Index    int // Position in the document, 0 indexed
	mu       sync.Mutex
}

// NewRegion returns an empty [Region] at the given index.
func NewRegion(index int) *Region {
	return &Region{
		Index:    index,
		Symbol:   &syntax.Symbol{Kind: syntax.KindRegion},
		Metadata: make(map[string]string),
		Hooks:    NewRegionHooks(),
	}
}

// Name returns the name of the region, from a name directive or "#<n>" where n is 1 indexed.
func (r *Region) Name() string {
	if name := r.Metadata["name"]; name != "" {
		return name
	}

	return fmt.Sprintf("#%d", r.Index+1)
}

// IsGlobal reports whether the region has no request.
func (r *Region) IsGlobal() bool {
	return r.Request == nil
}

// Disabled reports whether the region is marked with a disabled directive.
func (r *Region) Disabled() bool {
	_, disabled := r.Metadata["disabled"]
	return disabled
}

// Reset clears the response and test results of a previous execution.
func (r *Region) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Response = nil
	r.tests = nil
}

// SetResponse attaches response to the region.
func (r *Region) SetResponse(response *Response) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.Response = response
}

// AddTest records a test result.
func (r *Region) AddTest(result TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.tests = append(r.tests, result)
}

// Tests returns the test results recorded since the last [Region.Reset].
func (r *Region) Tests() []TestResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	return slices.Clone(r.tests)
}

// Failed reports whether any recorded test did not pass.
func (r *Region) Failed() bool {
	return slices.ContainsFunc(r.Tests(), func(t TestResult) bool { return t.Status != TestPassed })
}

// Source returns the raw text of the region from lines.
func (r *Region) Source(lines syntax.Lines) string {
	return lines.Text(r.Symbol.StartLine-1, r.Symbol.EndLine)
}

// MetadataKeys returns the metadata keys in sorted order.
func (r *Region) MetadataKeys() []string {
	return slices.Sorted(maps.Keys(r.Metadata))
}

// empty reports whether the region has nothing worth keeping.
func (r *Region) empty() bool {
	return r.Request == nil && r.Hooks.Execute.Len() == 0
}

func header(headers []Header, name string) (string, bool) {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value, true
		}
	}

	return "", false
}
