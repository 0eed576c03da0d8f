package document

import (
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/syntax"
)

// Well known hook entry ids, plugins use them to order their own entries relative to
// the built in ones.
const (
	IDDelimiter = "delimiter"
	IDComment   = "comment"
	IDMetaData  = "meta-data"
	IDVariable  = "variable"
	IDLookup    = "variables"
	IDDynamic   = "dynamic"
	IDTemplate  = "template"
	IDHost      = "host"
	IDRequest   = "request"
)

// Kinds of value passed to [Hooks.ReplaceVariable], any other kind is the name of a header.
const (
	ReplaceURL  = "url"
	ReplaceBody = "body"
)

// unresolved is the type of [Unresolved].
type unresolved struct{}

// Unresolved is the value threaded through [Hooks.ResolveVariable] until some lookup
// claims the variable name.
var Unresolved any = unresolved{}

// Plugin installs behaviour on the hooks of a new [Document].
type Plugin func(hooks *Hooks)

// ParseInput is the argument given to region parsers.
type ParseInput struct {
	Context *ParserContext // The parse in progress
	Cursor  syntax.Cursor  // A private cursor at the line being offered
}

// ParseResult is returned by a region parser that claimed one or more lines.
type ParseResult struct {
	Symbols   []*syntax.Symbol // Symbols produced, attached to the current region
	Next      int              // Index of the line to resume parsing from
	EndRegion bool             // Close the current region after attaching the symbols
}

// ExecuteAction is an entry of a region's execute hook, returning false stops the region.
type ExecuteAction = hook.Action[*ProcessorContext, bool]

// RegionParser is a strategy offered each unconsumed line, it returns nil to decline.
type RegionParser = hook.Action[ParseInput, *ParseResult]

// MetaData is a directive comment such as "# @name login".
type MetaData struct {
	Context *ParserContext // The parse in progress
	Name    string         // Directive name without the '@'
	Value   string         // Raw value, trimmed
	Line    syntax.Line    // The line the directive is on
}

// ProvideInput is the argument given to environment variable providers.
type ProvideInput struct {
	Document     *Document // The document being run
	Environments []string  // Selected environment names, may be empty
}

// LookupInput is the argument given to variable lookups.
type LookupInput struct {
	Context *ProcessorContext // The execution in progress
	Name    string            // Expression inside the {{ }}, trimmed
}

// ReplaceInput is the argument given to variable replacers.
type ReplaceInput struct {
	Context *ProcessorContext // The execution in progress
	Kind    string            // ReplaceURL, ReplaceBody or a header name
}

// RequestEvent is the argument given to on-request hooks.
type RequestEvent struct {
	Request *Request          // The outgoing request, may be modified
	Context *ProcessorContext // The execution in progress
}

// ResponseEvent is the argument given to on-response hooks.
type ResponseEvent struct {
	Response *Response         // The merged response, may be modified
	Context  *ProcessorContext // The execution in progress
}

// Hooks are the document level extension points.
type Hooks struct {
	// Region parsers, the first to return non-nil claims the line
	Parse *hook.Bail[ParseInput, *ParseResult]

	// Directive handlers, the first to return true claims the directive
	ParseMetaData *hook.Bail[MetaData, bool]

	// Run whenever the parser closes a region, before it is added to the document
	ParseEndRegion *hook.Series[*ParserContext, hook.Void]

	// Environment variable providers, later maps override earlier ones
	ProvideVariables *hook.Series[ProvideInput, map[string]any]

	// Lookups turning a placeholder expression into a value, stops once resolved
	ResolveVariable *hook.Waterfall[any, LookupInput]

	// Replacers applied to the url, header values and body of every outgoing request
	ReplaceVariable *hook.Waterfall[any, ReplaceInput]

	// Document wide request phases, merged ahead of the region's own hooks
	OnRequest   *hook.Series[RequestEvent, hook.Void]
	OnStreaming *hook.Series[*ProcessorContext, hook.Void]
	OnResponse  *hook.Series[ResponseEvent, hook.Void]
}

// NewHooks returns a set of empty document [Hooks].
func NewHooks() Hooks {
	return Hooks{
		Parse:            hook.NewBail[ParseInput](func(result *ParseResult) bool { return result != nil }),
		ParseMetaData:    hook.NewBail[MetaData](func(claimed bool) bool { return claimed }),
		ParseEndRegion:   hook.NewSeries[*ParserContext, hook.Void](),
		ProvideVariables: hook.NewSeries[ProvideInput, map[string]any](),
		ResolveVariable:  hook.NewWaterfall[any, LookupInput](IsResolved),
		ReplaceVariable:  hook.NewWaterfall[any, ReplaceInput](nil),
		OnRequest:        hook.NewSeries[RequestEvent, hook.Void](),
		OnStreaming:      hook.NewSeries[*ProcessorContext, hook.Void](),
		OnResponse:       hook.NewSeries[ResponseEvent, hook.Void](),
	}
}

// RegionHooks are the extension points owned by a single [Region].
type RegionHooks struct {
	// Runs the region, an entry returning false stops the region without running the rest
	Execute *hook.Bail[*ProcessorContext, bool]

	OnRequest   *hook.Series[RequestEvent, hook.Void]
	OnStreaming *hook.Series[*ProcessorContext, hook.Void]
	OnResponse  *hook.Series[ResponseEvent, hook.Void]
}

// NewRegionHooks returns a set of empty [RegionHooks].
func NewRegionHooks() RegionHooks {
	return RegionHooks{
		Execute:     hook.NewBail[*ProcessorContext](func(ok bool) bool { return !ok }),
		OnRequest:   hook.NewSeries[RequestEvent, hook.Void](),
		OnStreaming: hook.NewSeries[*ProcessorContext, hook.Void](),
		OnResponse:  hook.NewSeries[ResponseEvent, hook.Void](),
	}
}

// IsResolved reports whether value is anything other than [Unresolved].
func IsResolved(value any) bool {
	return value != Unresolved
}
