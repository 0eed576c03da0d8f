// Package parser implements the request file line parser.
//
// The parser itself knows almost nothing about the syntax of a request file. It walks the
// lines of the source and offers each unconsumed line to the document's Parse hook, a chain
// of region parsers installed by the built ins in this package and by plugins. Whichever
// region parser claims the line decides how many lines it consumed, which symbols it produced
// and what hooks to install on the region being built.
package parser

import (
	"context"
	"errors"
	"fmt"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/syntax"
)

// ErrParse is a generic parsing error, details on the error are passed
// to the parsers [syntax.ErrorHandler] at the moment it occurs.
var ErrParse = errors.New("parse error")

// Parser is the request file parser.
type Parser struct {
	handler syntax.ErrorHandler // The error handler
	plugins []document.Plugin   // Plugins applied to every new document
}

// New returns a new [Parser].
//
// Every document it parses gets the built in region parsers followed by each plugin,
// in order.
func New(handler syntax.ErrorHandler, plugins ...document.Plugin) *Parser {
	return &Parser{
		handler: handler,
		plugins: plugins,
	}
}

// Parse parses src to completion returning the [document.Document].
//
// The returned error will simply signify whether or not there were parse errors,
// the error handler passed to [New] should be preferred.
func (p *Parser) Parse(ctx context.Context, name string, version int64, src []byte) (*document.Document, error) {
	doc := document.New(name, version, src)

	Builtins(&doc.Hooks)
	for _, plugin := range p.plugins {
		plugin(&doc.Hooks)
	}

	pc := document.NewParserContext(doc, p.handler)
	cursor := doc.Lines.Cursor(0)

	for !cursor.Done() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := doc.Hooks.Parse.Trigger(ctx, document.ParseInput{Context: pc, Cursor: cursor})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}

		if result.Canceled {
			break
		}

		// Nobody wants this line, it's not part of anything
		if result.Value == nil {
			cursor.Next()
			continue
		}

		pc.AddSymbols(result.Value.Symbols...)
		advance(&cursor, result.Value.Next)

		if result.Value.EndRegion {
			if err := pc.CloseRegion(ctx); err != nil {
				return nil, err
			}
		}
	}

	if err := pc.CloseRegion(ctx); err != nil {
		return nil, err
	}

	if pc.Errors() > 0 {
		return nil, ErrParse
	}

	return doc, nil
}

// ParseSubsequentLines offers the lines from cursor onwards to strategies, one at a time, until
// no strategy claims a line, a strategy ends the region, or the input runs out.
//
// The returned result holds every symbol produced and the position of the first line not
// consumed, ready to be returned from a region parser.
func ParseSubsequentLines(
	ctx context.Context,
	cursor syntax.Cursor,
	pc *document.ParserContext,
	strategies *hook.Bail[document.ParseInput, *document.ParseResult],
) (*document.ParseResult, error) {
	parsed := &document.ParseResult{Next: cursor.Pos()}

	for !cursor.Done() {
		result, err := strategies.Trigger(ctx, document.ParseInput{Context: pc, Cursor: cursor})
		if err != nil {
			return nil, err
		}

		if result.Canceled || result.Value == nil {
			break
		}

		parsed.Symbols = append(parsed.Symbols, result.Value.Symbols...)
		advance(&cursor, result.Value.Next)
		parsed.Next = cursor.Pos()

		if result.Value.EndRegion {
			parsed.EndRegion = true
			break
		}
	}

	return parsed, nil
}

// NewStrategies returns an empty chain of region parsers for use with [ParseSubsequentLines].
func NewStrategies() *hook.Bail[document.ParseInput, *document.ParseResult] {
	return hook.NewBail[document.ParseInput](func(result *document.ParseResult) bool { return result != nil })
}

// advance moves cursor to next, always making progress so a misbehaving strategy that
// claims a line without consuming it cannot stall the parse.
func advance(cursor *syntax.Cursor, next int) {
	cursor.Seek(max(next, cursor.Pos()+1))
}
