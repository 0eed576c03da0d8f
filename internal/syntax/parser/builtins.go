package parser

import (
	"context"
	"errors"
	"regexp"
	"slices"
	"strings"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/variable"
)

var (
	// # @name value, // @name = value, # @no-redirect
	metaDataPattern = regexp.MustCompile(`^\s*(?:#|//)\s*@([\w.-]+)\s*(?:=\s*)?(.*?)\s*$`)

	// @host = https://example.com
	variablePattern = regexp.MustCompile(`^\s*@([A-Za-z_$][\w.$-]*)\s*=\s*(.*?)\s*$`)
)

// methods are the words that may start a request line, across all transports.
var methods = []string{
	"GET",
	"HEAD",
	"POST",
	"PUT",
	"DELETE",
	"CONNECT",
	"PATCH",
	"OPTIONS",
	"TRACE",
	"WS",
}

// Builtins installs the region parsers every document gets: delimiters, directive comments,
// plain and block comments and variable definitions, along with the built in variable
// lookups and replacers.
func Builtins(hooks *document.Hooks) {
	hooks.Parse.Add(document.IDDelimiter, ParseDelimiter)
	hooks.Parse.Add(document.IDMetaData, ParseMetaData)
	hooks.Parse.Add(document.IDComment, ParseComment)
	hooks.Parse.Add(document.IDVariable, ParseVariable)

	variable.Install(hooks)
}

// IsRequestLine reports whether text looks like the first line of a request of any transport,
// e.g. "GET https://example.com". Body parsers use it to know where a body ends.
func IsRequestLine(text string) bool {
	fields := strings.Fields(text)
	return len(fields) >= 2 && slices.Contains(methods, fields[0])
}

// IsDelimiter reports whether text is a region delimiter ("###" optionally followed by a name).
func IsDelimiter(text string) bool {
	return strings.HasPrefix(strings.TrimSpace(text), "###")
}

// IsDirective reports whether text is a directive comment such as "# @name login".
func IsDirective(text string) bool {
	return metaDataPattern.MatchString(text)
}

// IsVariable reports whether text is a variable definition such as "@host = localhost".
func IsVariable(text string) bool {
	return variablePattern.MatchString(text)
}

// EndsBody reports whether text starts something other than more body text: a delimiter,
// a request line, a directive, a variable definition or an assertion.
func EndsBody(text string) bool {
	return IsDelimiter(text) ||
		IsRequestLine(text) ||
		IsDirective(text) ||
		IsVariable(text) ||
		strings.HasPrefix(strings.TrimSpace(text), "??")
}

// ParseDelimiter claims "###" lines, closing the current region. Any text after the "###"
// names the region that follows.
func ParseDelimiter(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
	line, ok := in.Cursor.Current()
	if !ok || !IsDelimiter(line.Text) {
		return nil, nil
	}

	pc := in.Context
	if err := pc.CloseRegion(ctx); err != nil {
		return nil, err
	}

	name := strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line.Text), "#"))
	if name != "" {
		pc.Region.Metadata["name"] = name
	}

	return &document.ParseResult{
		Symbols: []*syntax.Symbol{syntax.LineSymbol(syntax.KindDelimiter, name, line)},
		Next:    in.Cursor.Pos() + 1,
	}, nil
}

// ParseMetaData claims directive comments, offering each to the document's ParseMetaData hook.
// Directives no handler claims are stored in the region's metadata as is.
//
// Directives precede the request they apply to, so a directive after a request starts a
// new region.
func ParseMetaData(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
	line, ok := in.Cursor.Current()
	if !ok {
		return nil, nil
	}

	match := metaDataPattern.FindStringSubmatch(line.Text)
	if match == nil {
		return nil, nil
	}

	pc := in.Context
	if pc.Region.Request != nil {
		if err := pc.CloseRegion(ctx); err != nil {
			return nil, err
		}
	}

	name, value := match[1], match[2]

	claimed, err := pc.Document.Hooks.ParseMetaData.Trigger(ctx, document.MetaData{
		Context: pc,
		Name:    name,
		Value:   value,
		Line:    line,
	})
	if err != nil {
		return nil, err
	}

	if !claimed.Value {
		pc.Region.Metadata[name] = value
	}

	symbol := syntax.LineSymbol(syntax.KindMetaData, name, line)
	symbol.Description = value

	return &document.ParseResult{
		Symbols: []*syntax.Symbol{symbol},
		Next:    in.Cursor.Pos() + 1,
	}, nil
}

// ParseComment claims "#" and "//" line comments and "/* */" block comments.
func ParseComment(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
	line, ok := in.Cursor.Current()
	if !ok {
		return nil, nil
	}

	trimmed := strings.TrimSpace(line.Text)

	switch {
	case IsDelimiter(trimmed), IsDirective(trimmed):
		return nil, nil
	case strings.HasPrefix(trimmed, "#"), strings.HasPrefix(trimmed, "//"):
		return &document.ParseResult{
			Symbols: []*syntax.Symbol{syntax.LineSymbol(syntax.KindComment, "", line)},
			Next:    in.Cursor.Pos() + 1,
		}, nil
	case strings.HasPrefix(trimmed, "/*"):
		return parseBlockComment(in)
	default:
		return nil, nil
	}
}

// parseBlockComment consumes lines up to and including the one that closes the comment.
func parseBlockComment(in document.ParseInput) (*document.ParseResult, error) {
	cursor := in.Cursor
	first, _ := cursor.Current()

	// The closing */ may be on the opening line, after the /*
	opening := strings.Index(first.Text, "/*")

	last := first
	closed := strings.Contains(first.Text[opening+2:], "*/")

	cursor.Next()
	for !closed {
		line, ok := cursor.Next()
		if !ok {
			break
		}

		last = line
		closed = strings.Contains(line.Text, "*/")
	}

	if !closed {
		in.Context.ErrorfAt(first, opening, opening+2, "unterminated block comment")
	}

	symbol := syntax.NewSymbol(syntax.KindComment, "", first.Number, 0, last.Number, len(last.Text))
	symbol.Source = in.Context.Lines().Text(first.Number-1, last.Number)

	return &document.ParseResult{
		Symbols: []*syntax.Symbol{symbol},
		Next:    cursor.Pos(),
	}, nil
}

// ParseVariable claims variable definitions, installing an execute entry on the region that
// expands the value and stores it in the variables of the execution.
//
// Like directives, a definition after a request starts a new region.
func ParseVariable(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
	line, ok := in.Cursor.Current()
	if !ok {
		return nil, nil
	}

	match := variablePattern.FindStringSubmatch(line.Text)
	if match == nil {
		return nil, nil
	}

	pc := in.Context
	if pc.Region.Request != nil {
		if err := pc.CloseRegion(ctx); err != nil {
			return nil, err
		}
	}

	name, raw := match[1], match[2]

	pc.Region.Hooks.Execute.Add(document.IDVariable, defineVariable(name, raw))

	symbol := syntax.LineSymbol(syntax.KindVariable, name, line)
	symbol.Description = raw

	return &document.ParseResult{
		Symbols: []*syntax.Symbol{symbol},
		Next:    in.Cursor.Pos() + 1,
	}, nil
}

// defineVariable returns the execute entry for a variable definition.
func defineVariable(name, raw string) document.ExecuteAction {
	return func(ctx context.Context, pc *document.ProcessorContext) (bool, error) {
		value, err := variable.Expand(ctx, raw, pc)
		if err != nil {
			if errors.Is(err, variable.ErrRecursion) {
				pc.Logger.Error("could not define variable", "name", name, "error", err)
				return false, hook.Cancel
			}

			return false, err
		}

		pc.Variables.Set(name, value)

		return true, nil
	}
}
