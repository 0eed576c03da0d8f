// Package req implements the actual functionality exposed via the CLI.
package req

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"go.followtheprocess.codes/hue"
	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/msg"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/plugin/assert"
	"go.followtheprocess.codes/reqrun/internal/plugin/auth"
	"go.followtheprocess.codes/reqrun/internal/plugin/environment"
	"go.followtheprocess.codes/reqrun/internal/plugin/httpclient"
	"go.followtheprocess.codes/reqrun/internal/plugin/meta"
	"go.followtheprocess.codes/reqrun/internal/plugin/websocket"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/session"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/syntax/parser"
	"go.followtheprocess.codes/reqrun/internal/variable"
)

// ErrFailed is returned by [Req.Run] when a request errored or failed a test.
var ErrFailed = errors.New("run failed")

// Req holds the state of the program.
type Req struct {
	stdout io.Writer   // Normal program output is written here
	stderr io.Writer   // Logs and debug info
	logger *log.Logger // Diagnostics, written to stderr
}

// New returns a new instance of [Req], debug enables debug logging.
func New(stdout, stderr io.Writer, debug bool) Req {
	level := log.LevelInfo
	if debug {
		level = log.LevelDebug
	}

	return Req{
		stdout: stdout,
		stderr: stderr,
		logger: log.New(stderr, log.WithLevel(level)),
	}
}

// CheckOptions are the flags passed to the `reqrun check` subcommand.
type CheckOptions struct {
	JSON bool // Report diagnostics as JSON on stdout
}

// Diagnostic is a syntax error as reported by `reqrun check --json`.
type Diagnostic struct {
	File     string `json:"file"`
	Message  string `json:"message"`
	Line     int    `json:"line"`
	StartCol int    `json:"startCol"`
	EndCol   int    `json:"endCol"`
}

// Check implements the `reqrun check` subcommand.
func (r Req) Check(files []string, options CheckOptions) error {
	ctx := context.Background()

	handler := syntax.PrettyConsoleHandler(r.stderr)
	diagnostics := []Diagnostic{}

	if options.JSON {
		handler = func(pos syntax.Position, message string) {
			diagnostics = append(diagnostics, Diagnostic{
				File:     pos.Name,
				Message:  message,
				Line:     pos.Line,
				StartCol: pos.StartCol,
				EndCol:   pos.EndCol,
			})
		}
	}

	p := newParser(handler, httpclient.DefaultSettings())

	var invalid int
	for _, file := range files {
		src, err := os.ReadFile(file)
		if err != nil {
			return err
		}

		if _, err := p.Parse(ctx, file, 0, src); err != nil {
			if !errors.Is(err, parser.ErrParse) {
				return err
			}

			invalid++
			continue
		}

		if !options.JSON {
			msg.Fsuccess(r.stdout, "%s is valid", file)
		}
	}

	if options.JSON {
		if err := json.NewEncoder(r.stdout).Encode(diagnostics); err != nil {
			return err
		}
	}

	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d files are not valid request files", parser.ErrParse, invalid, len(files))
	}

	return nil
}

// ShowOptions are the flags passed to the `reqrun show` subcommand.
type ShowOptions struct {
	Environments []string // Environments to resolve variables against
	Resolve      bool     // Resolve variables and do replacements
	JSON         bool     // Output the file in JSON
}

// Show implements the `reqrun show` subcommand.
func (r Req) Show(file string, options ShowOptions) error {
	ctx := context.Background()

	store := document.NewStore(newParser(syntax.PrettyConsoleHandler(r.stderr), httpclient.DefaultSettings()).Parse)

	doc, err := load(ctx, store, file)
	if err != nil {
		return err
	}

	if !options.Resolve {
		if options.JSON {
			return json.NewEncoder(r.stdout).Encode(newDocumentView(doc, nil))
		}

		fmt.Fprintln(r.stdout, strings.TrimSpace(doc.String()))
		return nil
	}

	resolved, err := r.resolve(ctx, doc, store, options.Environments)
	if err != nil {
		return err
	}

	if options.JSON {
		return json.NewEncoder(r.stdout).Encode(newDocumentView(doc, resolved))
	}

	for i, region := range doc.Requests() {
		if i > 0 {
			fmt.Fprintln(r.stdout)
		}

		fmt.Fprintf(r.stdout, "### %s\n", region.Name())
		fmt.Fprint(r.stdout, resolved[region].String())
	}

	return nil
}

// RunOptions are the flags passed to the `reqrun run` subcommand.
type RunOptions struct {
	Names             []string      // Only run the requests with these names
	Environments      []string      // Selected environments
	Timeout           time.Duration // Default timeout of HTTP requests
	ConnectionTimeout time.Duration // Default connection timeout of HTTP requests
	Line              int           // Only run the request on this line
	Repeat            int           // Run every request this many times
	Parallel          bool          // Run the repetitions concurrently
	Bail              bool          // Skip the remaining requests after a failed test
	Continue          bool          // Carry on after a transport error
	NoRedirect        bool          // Don't follow redirects
	JSON              bool          // Report the results as JSON
}

// Run implements the `reqrun run` subcommand.
func (r Req) Run(ctx context.Context, file string, options RunOptions) error {
	settings := httpclient.DefaultSettings()
	if options.Timeout > 0 {
		settings.Timeout = options.Timeout
	}

	if options.ConnectionTimeout > 0 {
		settings.ConnectionTimeout = options.ConnectionTimeout
	}

	settings.NoRedirect = options.NoRedirect

	store := document.NewStore(newParser(syntax.PrettyConsoleHandler(r.stderr), settings).Parse)

	doc, err := load(ctx, store, file)
	if err != nil {
		return err
	}

	sessions := session.New()
	defer sessions.Close()

	var repeat *document.Repeat
	if options.Repeat > 0 {
		repeat = &document.Repeat{Count: options.Repeat}
		if options.Parallel {
			repeat.Mode = document.Parallel
		}
	}

	start := time.Now()

	report, err := runner.Run(ctx, doc, runner.Options{
		Logger:       r.logger,
		Session:      sessions,
		Store:        store,
		Repeat:       repeat,
		Names:        options.Names,
		Environments: options.Environments,
		Line:         options.Line,
		Bail:         options.Bail,
		Continue:     options.Continue,
		Progress: func(message string, percent float64) {
			r.logger.Debug("progress", "message", message, "percent", percent)
		},
	})

	r.logger.Debug("run finished", "file", file, "requests", len(report.Results), "took", time.Since(start))

	if options.JSON {
		if encodeErr := json.NewEncoder(r.stdout).Encode(newReportView(report)); encodeErr != nil {
			return encodeErr
		}
	} else {
		r.printReport(report)
	}

	if err != nil {
		return err
	}

	if report.Failed() {
		_, failed, _, _ := report.Counts()
		return fmt.Errorf("%w: %d of %d requests in %s failed", ErrFailed, failed, len(report.Results), file)
	}

	return nil
}

// printReport writes each result in the order they ran followed by the totals.
func (r Req) printReport(report runner.Report) {
	for i, result := range report.Results {
		if i > 0 {
			fmt.Fprintln(r.stdout)
		}

		r.printResult(result)
	}

	passed, failed, skipped, canceled := report.Counts()
	if len(report.Results) > 0 {
		fmt.Fprintln(r.stdout)
	}

	const summary = "%d passed, %d failed, %d skipped, %d canceled"

	if failed == 0 {
		msg.Fsuccess(r.stdout, summary, passed, failed, skipped, canceled)
		return
	}

	msg.Fwarn(r.stdout, summary, passed, failed, skipped, canceled)
}

// printResult writes the response of a single request the way it came over the wire,
// followed by its test results.
func (r Req) printResult(result runner.Result) {
	region := result.Region

	fmt.Fprintf(r.stdout, "### %s\n", region.Name())

	switch {
	case result.Skipped:
		hue.Yellow.Fprintf(r.stdout, "skipped\n")
		return
	case result.Err != nil:
		hue.Red.Fprintf(r.stdout, "error: %v\n", result.Err)
		return
	case !result.Completed:
		hue.Yellow.Fprintf(r.stdout, "canceled\n")
		return
	case region.Response == nil:
		hue.Yellow.Fprintf(r.stdout, "no response\n")
		return
	}

	response := region.Response

	status := fmt.Sprintf("%s %d %s", response.Protocol, response.StatusCode, response.StatusMessage)
	switch {
	case response.StatusCode == 0:
		status = fmt.Sprintf("%s %s", response.Protocol, response.StatusMessage)
		fmt.Fprintln(r.stdout, strings.TrimSpace(status))
	case response.StatusCode >= 400:
		hue.Red.Fprintf(r.stdout, "%s\n", status)
	default:
		hue.Green.Fprintf(r.stdout, "%s\n", status)
	}

	for _, header := range response.Headers {
		fmt.Fprintf(r.stdout, "%s: %s\n", header.Name, header.Value)
	}

	if len(response.Body) > 0 {
		fmt.Fprintf(r.stdout, "\n%s\n", strings.TrimRight(string(response.Body), "\n"))
	}

	for _, test := range region.Tests() {
		switch test.Status {
		case document.TestPassed:
			hue.Green.Fprintf(r.stdout, "  ✓ %s\n", test.Message)
		default:
			hue.Red.Fprintf(r.stdout, "  ✗ %s: %s\n", test.Message, test.Error)
		}
	}
}

// resolve runs the global regions of doc then replaces the variables of every request
// without sending anything.
func (r Req) resolve(ctx context.Context, doc *document.Document, store *document.Store, environments []string) (map[*document.Region]*document.Request, error) {
	sessions := session.New()
	defer sessions.Close()

	base := document.NewProcessorContext(doc, nil, r.logger)
	base.Session = sessions
	base.Store = store
	base.Environments = environments

	vars, err := doc.Variables(ctx, environments)
	if err != nil {
		return nil, err
	}

	base.Variables.Merge(vars)

	for _, global := range doc.Globals() {
		if _, err := base.For(doc, global).Execute(ctx); err != nil {
			return nil, err
		}
	}

	resolved := make(map[*document.Region]*document.Request)
	for _, region := range doc.Requests() {
		request, ok, err := variable.ReplaceRequest(ctx, base.For(doc, region), region.Request)
		if err != nil {
			return nil, err
		}

		if !ok {
			r.logger.Warn("could not resolve request, showing it as written", "region", region.Name())
			request = region.Request
		}

		resolved[region] = request
	}

	return resolved, nil
}

// load parses the request file at path.
func load(ctx context.Context, store *document.Store, path string) (*document.Document, error) {
	doc, err := store.Load(ctx, path)
	if err != nil {
		if errors.Is(err, parser.ErrParse) {
			return nil, fmt.Errorf("%w: %s is not a valid request file", err, path)
		}

		return nil, err
	}

	return doc, nil
}

// newParser returns a request file parser with every plugin installed.
func newParser(handler syntax.ErrorHandler, settings httpclient.Settings) *parser.Parser {
	return parser.New(
		handler,
		httpclient.Plugin(settings),
		websocket.Plugin,
		meta.Plugin,
		assert.Plugin,
		auth.Plugin,
		environment.Plugin,
	)
}
