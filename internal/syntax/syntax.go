// Package syntax holds the source level building blocks shared by the parser and the document
// model: positions and diagnostics, the line buffer and its cursor, and the [Symbol] tree used to
// address parts of a request file by line or name.
package syntax

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.followtheprocess.codes/hue"
)

// contextLines is the number of lines either side of a diagnostic shown by the console handlers.
const contextLines = 3

// An ErrorHandler is called by the parser with the position and message of every syntax error
// it finds. Parsing carries on after a call so one pass reports everything wrong with a file.
type ErrorHandler func(pos Position, msg string)

// Position is a place in a request file, the columns express a range on a single line.
//
// Positions without a Name are invalid, in the case of stdin the string "stdin" may be used.
type Position struct {
	Name     string // Filename
	Offset   int    // Byte offset of the start of the line from the start of the file
	Line     int    // Line number (1 indexed)
	StartCol int    // Start column (1 indexed)
	EndCol   int    // End column (1 indexed), EndCol == StartCol when pointing to a single character
}

// IsValid reports whether the [Position] describes a real source position: a Name, a Line and
// StartCol of at least 1, and an EndCol no smaller than StartCol.
func (p Position) IsValid() bool {
	return p.Name != "" && p.Line >= 1 && p.StartCol >= 1 && p.EndCol >= p.StartCol
}

// String returns the position as "file:line:start-end", or "file:line:col" for a single
// character, a form most editors and terminals will let you click through.
//
// Invalid positions describe themselves as such.
func (p Position) String() string {
	switch {
	case !p.IsValid():
		return fmt.Sprintf(
			"BadPosition: {Name: %q, Line: %d, StartCol: %d, EndCol: %d}",
			p.Name,
			p.Line,
			p.StartCol,
			p.EndCol,
		)
	case p.StartCol == p.EndCol:
		return fmt.Sprintf("%s:%d:%d", p.Name, p.Line, p.StartCol)
	default:
		return fmt.Sprintf("%s:%d:%d-%d", p.Name, p.Line, p.StartCol, p.EndCol)
	}
}

// SourceFunc returns the lines of the named source file.
type SourceFunc func(name string) (Lines, error)

// PrettyConsoleHandler returns an [ErrorHandler] that prints each syntax error followed by the
// lines around it with the offending columns underlined.
//
// Each file is read from disk once however many errors it has.
func PrettyConsoleHandler(w io.Writer) ErrorHandler {
	return SourceHandler(w, fileSource())
}

// SourceHandler is [PrettyConsoleHandler] taking source lines from fn, for sources that
// aren't files on disk.
func SourceHandler(w io.Writer, fn SourceFunc) ErrorHandler {
	return func(pos Position, msg string) {
		fmt.Fprintf(w, "%s: %s\n\n", pos, msg)

		lines, err := fn(pos.Name)
		if err != nil {
			fmt.Fprintf(w, "unable to show src context: %v\n", err)
			return
		}

		printContext(w, lines, pos)
	}
}

// fileSource returns a [SourceFunc] reading files from disk, caching what it reads.
func fileSource() SourceFunc {
	var (
		mu    sync.Mutex
		cache = make(map[string]Lines)
	)

	return func(name string) (Lines, error) {
		mu.Lock()
		defer mu.Unlock()

		if lines, ok := cache[name]; ok {
			return lines, nil
		}

		src, err := os.ReadFile(name)
		if err != nil {
			return nil, err
		}

		lines := SplitLines(src)
		cache[name] = lines

		return lines, nil
	}
}

// printContext writes the lines around pos with a margin of line numbers, underlining
// pos's columns.
func printContext(w io.Writer, lines Lines, pos Position) {
	first := max(pos.Line-contextLines, 1)
	last := min(pos.Line+contextLines, len(lines))
	if first > last {
		return
	}

	width := len(fmt.Sprint(last))

	for _, line := range lines[first-1 : last] {
		margin := fmt.Sprintf("%*d | ", width, line.Number)
		fmt.Fprintf(w, "%s%s\n", margin, line.Text)

		if line.Number == pos.Line {
			hue.Red.Fprintf(
				w,
				"%s%s\n",
				strings.Repeat(" ", len(margin)+pos.StartCol-1),
				strings.Repeat("─", max(pos.EndCol-pos.StartCol, 1)),
			)
		}
	}
}
