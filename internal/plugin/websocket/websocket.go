// Package websocket implements the WebSocket transport.
//
// A WebSocket request is written like an HTTP one with the WS method:
//
//	WS ws://localhost:8080/chat
//	Authorization: Bearer {{token}}
//
//	{"type": "hello"}
//	{"type": "subscribe", "topic": "news"}
//
// Each non blank line of the body is sent as a text message once connected, every message
// received becomes part of the response. The exchange ends when the server closes the
// connection or the streaming timeout expires, whichever is first.
package websocket

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/plugin/httpclient"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/syntax/parser"
)

// Protocol is the protocol of requests claimed by this transport.
const Protocol = "WS"

// MetaStreamingTimeout is the directive bounding how long messages are received for,
// e.g. "# @streaming-timeout 2s".
const MetaStreamingTimeout = "streaming-timeout"

// DefaultStreamingTimeout is how long messages are received for without a directive.
const DefaultStreamingTimeout = 10 * time.Second

// IDStream is the id of the default streaming entry.
const IDStream = "websocket-stream"

// WS wss://example.com/socket
var requestPattern = regexp.MustCompile(`^(WS)\s+(\S+)\s*$`)

// Plugin installs the WebSocket transport on a document.
func Plugin(hooks *document.Hooks) {
	headers := parser.NewStrategies()
	headers.Add("header", httpclient.ParseHeader)
	headers.Add(document.IDComment, parser.ParseComment)

	hooks.Parse.Add(Protocol, parseRequest(headers), hook.After(document.IDVariable))
	hooks.ParseMetaData.Add(Protocol, func(ctx context.Context, meta document.MetaData) (bool, error) {
		if meta.Name != MetaStreamingTimeout {
			return false, nil
		}

		if _, err := time.ParseDuration(meta.Value); err != nil {
			start := max(strings.LastIndex(meta.Line.Text, meta.Value), 0)
			meta.Context.ErrorfAt(meta.Line, start, start+len(meta.Value), "bad streaming-timeout value: %v", err)
		}

		return false, nil
	})
}

// parseRequest returns the region parser claiming WS request lines with their headers and
// messages.
func parseRequest(headers *hook.Bail[document.ParseInput, *document.ParseResult]) document.RegionParser {
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
		if pc.Region.Request != nil {
			if err := pc.CloseRegion(ctx); err != nil {
				return nil, err
			}
		}

		target := line.Text[match[4]:match[5]]
		if !strings.Contains(target, "{{") {
			if _, err := url.Parse(target); err != nil {
				pc.ErrorfAt(line, match[4], match[5], "invalid URL: %v", err)
			}
		}

		pc.Region.Request = &document.Request{
			Protocol: Protocol,
			Method:   Protocol,
			URL:      target,
		}

		symbol := syntax.LineSymbol(syntax.KindRequest, Protocol, line)
		symbol.Description = target
		symbol.Add(
			syntax.SpanSymbol(syntax.KindMethod, Protocol, line, match[2], match[3]),
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

		messages, next := parseMessages(pc, cursor)
		symbol.Add(messages...)

		pc.Region.Hooks.Execute.Add(document.IDRequest, func(ctx context.Context, pc *document.ProcessorContext) (bool, error) {
			return runner.Execute(ctx, pc, Factory)
		})
		pc.Region.Hooks.OnStreaming.Add(IDStream, Stream)

		return &document.ParseResult{
			Symbols: []*syntax.Symbol{symbol},
			Next:    next,
		}, nil
	}
}

// parseMessages parses the messages after the blank line following the headers, one per
// non blank line.
func parseMessages(pc *document.ParserContext, cursor syntax.Cursor) ([]*syntax.Symbol, int) {
	line, ok := cursor.Current()
	if !ok || !line.IsBlank() {
		return nil, cursor.Pos()
	}

	cursor.Next()

	var (
		symbols  []*syntax.Symbol
		messages []string
	)

	for {
		line, ok := cursor.Current()
		if !ok || parser.EndsBody(line.Text) {
			break
		}

		if !line.IsBlank() {
			messages = append(messages, strings.TrimSpace(line.Text))
			symbols = append(symbols, syntax.LineSymbol(syntax.KindBody, "message", line))
		}

		cursor.Next()
	}

	if len(messages) > 0 {
		pc.Region.Request.Body = []byte(strings.Join(messages, "\n"))
	}

	return symbols, cursor.Pos()
}

// Stream is the default streaming entry: it lets messages arrive until the server closes the
// connection, ctx is done or the region's streaming timeout expires.
func Stream(ctx context.Context, pc *document.ProcessorContext) (hook.Void, error) {
	timeout := DefaultStreamingTimeout
	if value, ok := pc.Region.Metadata[MetaStreamingTimeout]; ok {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return hook.Void{}, fmt.Errorf("bad streaming-timeout value: %w", err)
		}

		timeout = parsed
	}

	value, ok := runner.ClientFrom(ctx)
	if !ok {
		return hook.Void{}, nil
	}

	client, ok := value.(*Client)
	if !ok {
		// Another transport's exchange, nothing to wait for
		return hook.Void{}, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-client.Done():
		pc.Logger.Debug("server closed the connection", "region", pc.Region.Name())
	case <-timer.C:
		pc.Logger.Debug("streaming timeout", "region", pc.Region.Name(), "timeout", timeout)
	case <-ctx.Done():
	}

	return hook.Void{}, nil
}
