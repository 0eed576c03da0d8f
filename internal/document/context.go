package document

import (
	"context"
	"fmt"
	"io"
	"maps"
	"sync"

	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/reqrun/internal/session"
	"go.followtheprocess.codes/reqrun/internal/syntax"
)

// Variables is the live variable map of an execution.
//
// Hook entries mutate it in place. Unlike a plain map it is safe for the concurrent writes
// made by parallel repetitions, but those still race in the sense that the last write wins.
type Variables struct {
	values map[string]any
	mu     sync.RWMutex
}

// NewVariables returns [Variables] holding a copy of initial.
func NewVariables(initial map[string]any) *Variables {
	values := make(map[string]any, len(initial))
	maps.Copy(values, initial)
	return &Variables{values: values}
}

// Get returns the variable called name.
func (v *Variables) Get(name string) (any, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	value, ok := v.values[name]
	return value, ok
}

// Set stores value under name.
func (v *Variables) Set(name string, value any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.values[name] = value
}

// Delete removes the variable called name.
func (v *Variables) Delete(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.values, name)
}

// Merge copies every entry of values in, overwriting existing names.
func (v *Variables) Merge(values map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	maps.Copy(v.values, values)
}

// Snapshot returns a copy of the current variables.
func (v *Variables) Snapshot() map[string]any {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return maps.Clone(v.values)
}

// ParserContext is the state of a single parse of a [Document].
type ParserContext struct {
	Document *Document           // The document being built
	Region   *Region             // The region being built
	Data     map[string]any      // Scratch space for state spanning several lines
	handler  syntax.ErrorHandler // Receives diagnostics, may be nil
	errors   int                 // Number of diagnostics reported
}

// NewParserContext returns a [ParserContext] for doc with an empty first region.
func NewParserContext(doc *Document, handler syntax.ErrorHandler) *ParserContext {
	return &ParserContext{
		Document: doc,
		Region:   NewRegion(len(doc.Regions)),
		Data:     make(map[string]any),
		handler:  handler,
	}
}

// Lines returns the line buffer of the document.
func (pc *ParserContext) Lines() syntax.Lines {
	return pc.Document.Lines
}

// Errorf reports a diagnostic against the whole of line.
func (pc *ParserContext) Errorf(line syntax.Line, format string, args ...any) {
	pc.ErrorfAt(line, 0, len(line.Text), format, args...)
}

// ErrorfAt reports a diagnostic against line.Text[start:end].
func (pc *ParserContext) ErrorfAt(line syntax.Line, start, end int, format string, args ...any) {
	pc.errors++
	if pc.handler == nil {
		return
	}

	startCol := start + 1
	pos := syntax.Position{
		Name:     pc.Document.Name,
		Offset:   line.Offset + start,
		Line:     line.Number,
		StartCol: startCol,
		EndCol:   max(end, startCol),
	}

	pc.handler(pos, fmt.Sprintf(format, args...))
}

// Errors returns the number of diagnostics reported so far.
func (pc *ParserContext) Errors() int {
	return pc.errors
}

// AddSymbols attaches symbols to the region being built.
func (pc *ParserContext) AddSymbols(symbols ...*syntax.Symbol) {
	pc.Region.Symbol.Add(symbols...)
}

// CloseRegion finishes the region being built and starts a new one.
//
// The document's ParseEndRegion hook runs first, then the region is appended to the document
// unless it has neither a request nor anything to execute.
func (pc *ParserContext) CloseRegion(ctx context.Context) error {
	if _, err := pc.Document.Hooks.ParseEndRegion.Trigger(ctx, pc); err != nil {
		return fmt.Errorf("could not close region %s: %w", pc.Region.Name(), err)
	}

	if !pc.Region.empty() {
		pc.Region.Symbol.Name = pc.Region.Name()
		pc.Document.Regions = append(pc.Document.Regions, pc.Region)
	}

	pc.Region = NewRegion(len(pc.Document.Regions))

	return nil
}

// ProgressFunc receives progress updates of an execution, percent is in [0, 100].
type ProgressFunc func(message string, percent float64)

// ProcessorContext is the state of a single execution of a [Region].
type ProcessorContext struct {
	Document     *Document      // Document the region belongs to
	Region       *Region        // The region being executed
	Variables    *Variables     // Live variables, shared by the regions of a run
	Session      *session.Store // Process wide session state
	Store        *Store         // Documents, for imports and references
	Logger       *log.Logger    // Diagnostics side channel, never nil once set up by [NewProcessorContext]
	Progress     ProgressFunc   // Optional progress reporting
	Repeat       *Repeat        // Overrides the region's repeat directive when set
	Environments []string       // Selected environments
	Main         bool           // Whether this is the outermost execution, only main executions repeat
}

// NewProcessorContext returns a main [ProcessorContext] for region with a fresh variable map.
//
// A nil logger discards everything.
func NewProcessorContext(doc *Document, region *Region, logger *log.Logger) *ProcessorContext {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &ProcessorContext{
		Document:  doc,
		Region:    region,
		Variables: NewVariables(nil),
		Logger:    logger,
		Main:      true,
	}
}

// For returns a copy of pc for executing region of doc as part of the same run.
func (pc *ProcessorContext) For(doc *Document, region *Region) *ProcessorContext {
	clone := *pc
	clone.Document = doc
	clone.Region = region
	return &clone
}

// Nested returns a non main copy of pc for executing region of doc on behalf of pc,
// e.g. a referenced or imported request. Nested executions never repeat.
func (pc *ProcessorContext) Nested(doc *Document, region *Region) *ProcessorContext {
	clone := pc.For(doc, region)
	clone.Main = false
	clone.Repeat = nil
	return clone
}

// Report sends a progress update if a [ProgressFunc] is set.
func (pc *ProcessorContext) Report(message string, percent float64) {
	if pc.Progress != nil {
		pc.Progress(message, percent)
	}
}

// Execute runs the region's execute hook, reporting whether it ran to completion.
//
// A canceled execution, or one an entry stopped, reports false with a nil error.
func (pc *ProcessorContext) Execute(ctx context.Context) (bool, error) {
	result, err := pc.Region.Hooks.Execute.Trigger(ctx, pc)
	if err != nil {
		return false, fmt.Errorf("region %s: %w", pc.Region.Name(), err)
	}

	if result.Canceled {
		return false, nil
	}

	// A region with nothing to execute is trivially complete
	return result.Value || pc.Region.Hooks.Execute.Len() == 0, nil
}

// RepeatMode is how the repetitions of a region are scheduled.
type RepeatMode int

const (
	Sequential RepeatMode = iota // sequential
	Parallel                     // parallel
)

// String implements [fmt.Stringer] for a [RepeatMode].
func (m RepeatMode) String() string {
	if m == Parallel {
		return "parallel"
	}

	return "sequential"
}

// Repeat is the repeat policy of a region.
type Repeat struct {
	Count int        // How many times to execute, values below 1 mean once
	Mode  RepeatMode // How to schedule the executions
}
