// Package httpclient implements the HTTP transport: parsing request lines, headers and bodies
// out of a request file and executing them with net/http.
package httpclient

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/syntax/parser"
)

// Protocol is the protocol of requests claimed by this transport.
const Protocol = "HTTP"

var (
	// GET https://example.com HTTP/1.1
	requestPattern = regexp.MustCompile(`^(GET|HEAD|POST|PUT|DELETE|CONNECT|PATCH|OPTIONS|TRACE)\s+(\S+)(?:\s+(HTTP/[\d.]+))?\s*$`)

	// Content-Type: application/json
	headerPattern = regexp.MustCompile("^([\\w!#$%&'*+.^`|~-]+)\\s*:\\s*(.*?)\\s*$")
)

// Plugin returns the HTTP transport for a parser, requests use defaults unless their
// directives say otherwise.
func Plugin(defaults Settings) document.Plugin {
	return func(hooks *document.Hooks) {
		hooks.Parse.Add(document.IDRequest, parseRequest(defaults), hook.After(document.IDVariable))
		hooks.ParseMetaData.Add(Protocol, func(ctx context.Context, meta document.MetaData) (bool, error) {
			validateSetting(meta.Context, meta)
			return false, nil
		})
	}
}

// parseRequest returns the region parser claiming HTTP request lines, along with the headers
// and body that follow them.
func parseRequest(defaults Settings) document.RegionParser {
	headers := parser.NewStrategies()
	headers.Add("header", ParseHeader)
	headers.Add(document.IDComment, parser.ParseComment)

	return func(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
		line, ok := in.Cursor.Current()
		if !ok {
			return nil, nil
		}

		match := requestPattern.FindStringSubmatchIndex(line.Text)
		if match == nil {
			return nil, nil
		}

		pc := in.Context

		// A second request line without a delimiter starts a new region
		if pc.Region.Request != nil {
			if err := pc.CloseRegion(ctx); err != nil {
				return nil, err
			}
		}

		method := line.Text[match[2]:match[3]]
		target := line.Text[match[4]:match[5]]

		request := &document.Request{
			Protocol: Protocol,
			Method:   method,
			URL:      target,
		}

		if match[6] != -1 {
			request.Version = line.Text[match[6]:match[7]]
		}

		if err := validateURL(target); err != nil {
			pc.ErrorfAt(line, match[4], match[5], "%v", err)
		}

		pc.Region.Request = request

		symbol := syntax.LineSymbol(syntax.KindRequest, method, line)
		symbol.Description = target
		symbol.Add(
			syntax.SpanSymbol(syntax.KindMethod, method, line, match[2], match[3]),
			syntax.SpanSymbol(syntax.KindURL, target, line, match[4], match[5]),
		)

		cursor := in.Cursor
		cursor.Next()

		rest, err := parser.ParseSubsequentLines(ctx, cursor, pc, headers)
		if err != nil {
			return nil, err
		}

		symbol.Add(rest.Symbols...)
		cursor.Seek(rest.Next)

		body, next := parseBody(pc, cursor)
		symbol.Add(body...)

		pc.Region.Hooks.Execute.Add(document.IDRequest, execute(defaults))

		return &document.ParseResult{
			Symbols: []*syntax.Symbol{symbol},
			Next:    next,
		}, nil
	}
}

// ParseHeader is the region parser claiming a single "Name: value" header line of the
// request being built.
func ParseHeader(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
	line, ok := in.Cursor.Current()
	if !ok || line.IsBlank() {
		return nil, nil
	}

	trimmed := strings.TrimSpace(line.Text)
	if strings.HasPrefix(trimmed, "#") || strings.HasPrefix(trimmed, "//") {
		return nil, nil
	}

	match := headerPattern.FindStringSubmatch(trimmed)
	if match == nil {
		return nil, nil
	}

	name, value := match[1], match[2]

	request := in.Context.Region.Request
	request.Headers = append(request.Headers, document.Header{Name: name, Value: value})

	symbol := syntax.LineSymbol(syntax.KindHeader, name, line)
	symbol.Description = value

	return &document.ParseResult{
		Symbols: []*syntax.Symbol{symbol},
		Next:    in.Cursor.Pos() + 1,
	}, nil
}

// parseBody parses the optional body section after the headers: a blank line followed by
// body text, "< file" to send a file or "> file" to save the response. The body runs until
// anything that starts something else.
//
// It returns the symbols produced and the index of the first line not consumed.
func parseBody(pc *document.ParserContext, cursor syntax.Cursor) ([]*syntax.Symbol, int) {
	line, ok := cursor.Current()
	if !ok || !line.IsBlank() {
		return nil, cursor.Pos()
	}

	request := pc.Region.Request
	cursor.Next()

	var (
		symbols []*syntax.Symbol
		body    []syntax.Line
	)

	for {
		line, ok := cursor.Current()
		if !ok || parser.EndsBody(line.Text) {
			break
		}

		trimmed := strings.TrimSpace(line.Text)

		switch {
		case strings.HasPrefix(trimmed, "< "):
			request.BodyFile = strings.TrimSpace(trimmed[2:])
			symbol := syntax.LineSymbol(syntax.KindBody, "<", line)
			symbol.Description = request.BodyFile
			symbols = append(symbols, symbol)
		case strings.HasPrefix(trimmed, "> "):
			request.ResponseFile = strings.TrimSpace(trimmed[2:])
			symbol := syntax.LineSymbol(syntax.KindResponse, ">", line)
			symbol.Description = request.ResponseFile
			symbols = append(symbols, symbol)
		default:
			body = append(body, line)
		}

		cursor.Next()
	}

	// Blank lines between the body and whatever follows aren't part of it
	for len(body) > 0 && body[len(body)-1].IsBlank() {
		body = body[:len(body)-1]
	}

	if len(body) == 0 {
		return symbols, cursor.Pos()
	}

	if request.BodyFile != "" {
		pc.Errorf(body[0], "cannot have both an inline body and an input body file")
	}

	first, last := body[0], body[len(body)-1]
	text := pc.Lines().Text(first.Number-1, last.Number)
	request.Body = []byte(text)

	symbol := syntax.NewSymbol(syntax.KindBody, "", first.Number, 0, last.Number, len(last.Text))
	symbol.Source = text
	symbols = append(symbols, symbol)

	return symbols, cursor.Pos()
}

// validateURL checks the target of a request line. Targets with placeholders are only
// checked loosely, the rest must be absolute urls or absolute paths (resolved against the
// host variable).
func validateURL(raw string) error {
	if strings.Contains(raw, "{{") {
		if _, err := url.Parse(raw); err != nil {
			return fmt.Errorf("invalid URL: %w", err)
		}

		return nil
	}

	if _, err := url.ParseRequestURI(raw); err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	return nil
}

// execute returns the execute entry driving a parsed request through net/http.
func execute(defaults Settings) document.ExecuteAction {
	return func(ctx context.Context, pc *document.ProcessorContext) (bool, error) {
		return runner.Execute(ctx, pc, Factory(defaults))
	}
}
