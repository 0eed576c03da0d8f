package syntax

import (
	"fmt"
	"iter"
	"strings"
)

// Symbol is a named, positioned node describing part of a request file.
//
// Symbols are used for addressing and reporting (which region is on line 12, what does the
// request line say) and never drive execution. Lines are 1 indexed, offsets are byte offsets
// into their line, the end offset is exclusive.
type Symbol struct {
	Name        string    `json:"name,omitempty"`        // Short name, e.g. the method of a request line
	Description string    `json:"description,omitempty"` // Human readable description
	Source      string    `json:"source,omitempty"`      // The source text the symbol covers
	Children    []*Symbol `json:"children,omitempty"`    // Nested symbols in source order
	Kind        Kind      `json:"kind"`                  // The kind of symbol
	StartLine   int       `json:"startLine"`             // Line the symbol starts on
	StartOffset int       `json:"startOffset"`           // Offset into StartLine of the first byte
	EndLine     int       `json:"endLine"`               // Line the symbol ends on
	EndOffset   int       `json:"endOffset"`             // Offset into EndLine just past the last byte
}

// NewSymbol returns a [Symbol] spanning from (startLine, startOffset) to (endLine, endOffset).
//
// An end before the start is clamped to the start so a Symbol never has a negative extent.
func NewSymbol(kind Kind, name string, startLine, startOffset, endLine, endOffset int) *Symbol {
	if endLine < startLine || (endLine == startLine && endOffset < startOffset) {
		endLine, endOffset = startLine, startOffset
	}

	return &Symbol{
		Kind:        kind,
		Name:        name,
		StartLine:   startLine,
		StartOffset: startOffset,
		EndLine:     endLine,
		EndOffset:   endOffset,
	}
}

// LineSymbol returns a [Symbol] covering the whole of line.
func LineSymbol(kind Kind, name string, line Line) *Symbol {
	symbol := NewSymbol(kind, name, line.Number, 0, line.Number, len(line.Text))
	symbol.Source = line.Text
	return symbol
}

// SpanSymbol returns a [Symbol] covering line.Text[start:end].
func SpanSymbol(kind Kind, name string, line Line, start, end int) *Symbol {
	start = min(max(start, 0), len(line.Text))
	end = min(max(end, start), len(line.Text))

	symbol := NewSymbol(kind, name, line.Number, start, line.Number, end)
	symbol.Source = line.Text[start:end]
	return symbol
}

// Add appends children to s, extending the extent of s so it contains all of them.
func (s *Symbol) Add(children ...*Symbol) {
	for _, child := range children {
		if child == nil {
			continue
		}

		if len(s.Children) == 0 && s.isEmpty() {
			s.StartLine, s.StartOffset = child.StartLine, child.StartOffset
			s.EndLine, s.EndOffset = child.EndLine, child.EndOffset
		}

		if before(child.StartLine, child.StartOffset, s.StartLine, s.StartOffset) {
			s.StartLine, s.StartOffset = child.StartLine, child.StartOffset
		}

		if before(s.EndLine, s.EndOffset, child.EndLine, child.EndOffset) {
			s.EndLine, s.EndOffset = child.EndLine, child.EndOffset
		}

		s.Children = append(s.Children, child)
	}
}

// Contains reports whether line falls within the extent of s.
func (s *Symbol) Contains(line int) bool {
	return line >= s.StartLine && line <= s.EndLine
}

// All yields s and all of its descendants, depth first in source order.
func (s *Symbol) All() iter.Seq[*Symbol] {
	return func(yield func(*Symbol) bool) {
		s.walk(yield)
	}
}

// Find returns the first symbol of the given kind in s or its descendants, or nil.
func (s *Symbol) Find(kind Kind) *Symbol {
	for symbol := range s.All() {
		if symbol.Kind == kind {
			return symbol
		}
	}

	return nil
}

// Position returns the [Position] of the start of s in the named file, covering the rest of
// the first line when s is a single line symbol.
func (s *Symbol) Position(file string) Position {
	start := s.StartOffset + 1
	end := start
	if s.EndLine == s.StartLine {
		end = max(s.EndOffset, start)
	}

	return Position{
		Name:     file,
		Line:     s.StartLine,
		StartCol: start,
		EndCol:   end,
	}
}

// String returns an indented outline of s and its descendants, one symbol per line.
func (s *Symbol) String() string {
	builder := &strings.Builder{}
	s.outline(builder, 0)
	return builder.String()
}

func (s *Symbol) outline(builder *strings.Builder, depth int) {
	builder.WriteString(strings.Repeat("  ", depth))
	builder.WriteString(s.Kind.String())

	if s.Name != "" {
		fmt.Fprintf(builder, " %q", s.Name)
	}

	fmt.Fprintf(builder, " %d:%d-%d:%d\n", s.StartLine, s.StartOffset, s.EndLine, s.EndOffset)

	for _, child := range s.Children {
		child.outline(builder, depth+1)
	}
}

func (s *Symbol) walk(yield func(*Symbol) bool) bool {
	if !yield(s) {
		return false
	}

	for _, child := range s.Children {
		if !child.walk(yield) {
			return false
		}
	}

	return true
}

// isEmpty reports whether s has never been given an extent.
func (s *Symbol) isEmpty() bool {
	return s.StartLine == 0 && s.EndLine == 0
}

// before reports whether (line1, offset1) comes strictly before (line2, offset2).
func before(line1, offset1, line2, offset2 int) bool {
	return line1 < line2 || (line1 == line2 && offset1 < offset2)
}
