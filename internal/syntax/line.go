package syntax

import (
	"bytes"
	"iter"
	"strings"
)

// bom is the UTF-8 byte order mark, some editors on Windows like to add one.
var bom = []byte{0xEF, 0xBB, 0xBF}

// Line is a single line of source text.
type Line struct {
	Text   string // The text of the line without the trailing newline
	Number int    // Line number (1 indexed)
	Offset int    // Byte offset of the start of the line from the start of the file
}

// IsBlank reports whether the line is empty or only whitespace.
func (l Line) IsBlank() bool {
	return strings.TrimSpace(l.Text) == ""
}

// Lines is the immutable line buffer of a source file.
type Lines []Line

// SplitLines splits src into [Lines].
//
// A leading byte order mark is dropped, "\r\n" endings are treated the same as "\n", and a
// trailing newline does not produce an extra empty line.
func SplitLines(src []byte) Lines {
	offset := 0
	if bytes.HasPrefix(src, bom) {
		src = src[len(bom):]
		offset = len(bom)
	}

	if len(src) == 0 {
		return nil
	}

	lines := make(Lines, 0, bytes.Count(src, []byte("\n"))+1)

	number := 1
	for len(src) > 0 {
		end := bytes.IndexByte(src, '\n')

		var raw []byte
		if end == -1 {
			raw = src
			src = nil
		} else {
			raw = src[:end]
			src = src[end+1:]
		}

		consumed := len(raw) + 1
		raw = bytes.TrimSuffix(raw, []byte("\r"))

		lines = append(lines, Line{Text: string(raw), Number: number, Offset: offset})

		offset += consumed
		number++
	}

	return lines
}

// Cursor returns a [Cursor] over the lines starting at index pos.
func (l Lines) Cursor(pos int) Cursor {
	c := Cursor{lines: l}
	c.Seek(pos)
	return c
}

// Text joins the text of lines[start:end] with newlines.
func (l Lines) Text(start, end int) string {
	start = max(start, 0)
	end = min(end, len(l))
	if start >= end {
		return ""
	}

	parts := make([]string, 0, end-start)
	for _, line := range l[start:end] {
		parts = append(parts, line.Text)
	}

	return strings.Join(parts, "\n")
}

// Cursor is a position in a [Lines] buffer.
//
// A Cursor is a small value, copying one forks it: the copy can be advanced freely to look ahead
// without affecting the original.
type Cursor struct {
	lines Lines
	pos   int
}

// Current returns the line under the cursor without advancing, ok is false if the cursor
// is at the end of the buffer.
func (c Cursor) Current() (line Line, ok bool) {
	if c.Done() {
		return Line{}, false
	}

	return c.lines[c.pos], true
}

// Next returns the line under the cursor and advances past it, ok is false if the cursor
// is at the end of the buffer.
func (c *Cursor) Next() (line Line, ok bool) {
	line, ok = c.Current()
	if ok {
		c.pos++
	}

	return line, ok
}

// Seek moves the cursor to index pos, clamped to the bounds of the buffer.
func (c *Cursor) Seek(pos int) {
	c.pos = min(max(pos, 0), len(c.lines))
}

// Pos returns the index of the line under the cursor.
func (c Cursor) Pos() int {
	return c.pos
}

// Done reports whether the cursor has reached the end of the buffer.
func (c Cursor) Done() bool {
	return c.pos >= len(c.lines)
}

// Lines returns the buffer the cursor moves over.
func (c Cursor) Lines() Lines {
	return c.lines
}

// Rest yields the lines from the cursor to the end of the buffer, the cursor itself is
// not moved.
func (c Cursor) Rest() iter.Seq[Line] {
	return func(yield func(Line) bool) {
		for i := c.pos; i < len(c.lines); i++ {
			if !yield(c.lines[i]) {
				return
			}
		}
	}
}
