// Package document implements the parsed representation of a request file: a [Document] made
// of [Region]s, each describing one request (or a block of setup) together with the hooks that
// run it.
//
// The package also owns the two transient contexts the rest of the engine passes around:
// [ParserContext] for a single parse and [ProcessorContext] for a single region execution.
package document

import (
	"context"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"go.followtheprocess.codes/reqrun/internal/syntax"
)

// Document is a parsed request file.
type Document struct {
	Hooks     Hooks                     // Document level extension points
	Name      string                    // Identity of the document, normally its path
	Lines     syntax.Lines              // The source, line by line
	Regions   []*Region                 // Regions in source order
	Version   int64                     // Version the document was parsed from
	variables map[string]map[string]any // Provided variables by environment set
	imports   []*Document               // Documents pulled in by import directives
	mu        sync.Mutex
}

// New returns an empty [Document] for the given source, ready to be parsed.
func New(name string, version int64, src []byte) *Document {
	return &Document{
		Name:    name,
		Version: version,
		Lines:   syntax.SplitLines(src),
		Hooks:   NewHooks(),
	}
}

// Dir returns the directory of the document, relative paths in the document are resolved
// against it.
func (d *Document) Dir() string {
	return filepath.Dir(d.Name)
}

// Path resolves path relative to the directory of the document.
func (d *Document) Path(path string) string {
	if filepath.IsAbs(path) {
		return path
	}

	return filepath.Join(d.Dir(), path)
}

// Region returns the region called name.
func (d *Document) Region(name string) (*Region, bool) {
	for _, region := range d.Regions {
		if region.Name() == name {
			return region, true
		}
	}

	return nil, false
}

// RegionAt returns the region whose extent contains the 1 indexed line.
func (d *Document) RegionAt(line int) (*Region, bool) {
	for _, region := range d.Regions {
		if region.Symbol.Contains(line) {
			return region, true
		}
	}

	return nil, false
}

// Requests returns the regions that have a request.
func (d *Document) Requests() []*Region {
	return slices.DeleteFunc(slices.Clone(d.Regions), (*Region).IsGlobal)
}

// Globals returns the regions without a request.
func (d *Document) Globals() []*Region {
	return slices.DeleteFunc(slices.Clone(d.Regions), func(r *Region) bool { return !r.IsGlobal() })
}

// Import records doc as imported by d, importing the same document twice is a no-op.
func (d *Document) Import(doc *Document) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !slices.Contains(d.imports, doc) {
		d.imports = append(d.imports, doc)
	}
}

// Imports returns the documents imported so far.
func (d *Document) Imports() []*Document {
	d.mu.Lock()
	defer d.mu.Unlock()

	return slices.Clone(d.imports)
}

// Variables returns the variables provided for the given environments.
//
// The ProvideVariables hook runs once per distinct set of environments, later calls are
// served from a cache. The returned map is a copy.
func (d *Document) Variables(ctx context.Context, environments []string) (map[string]any, error) {
	key := strings.Join(environments, ",")

	d.mu.Lock()
	cached, ok := d.variables[key]
	d.mu.Unlock()

	if ok {
		return maps.Clone(cached), nil
	}

	result, err := d.Hooks.ProvideVariables.Trigger(ctx, ProvideInput{Document: d, Environments: environments})
	if err != nil {
		return nil, fmt.Errorf("could not provide variables: %w", err)
	}

	provided := make(map[string]any)
	for _, values := range result.Value {
		maps.Copy(provided, values)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.variables == nil {
		d.variables = make(map[string]map[string]any)
	}

	d.variables[key] = provided

	return maps.Clone(provided), nil
}

// ResetVariables clears the environment variable cache.
func (d *Document) ResetVariables() {
	d.mu.Lock()
	defer d.mu.Unlock()

	clear(d.variables)
}

// Symbol returns a document [syntax.Symbol] whose children are the region symbols.
func (d *Document) Symbol() *syntax.Symbol {
	symbol := &syntax.Symbol{Kind: syntax.KindDocument, Name: d.Name}
	for _, region := range d.Regions {
		symbol.Add(region.Symbol)
	}

	return symbol
}

// String implements [fmt.Stringer] for a [Document], rendering each region the way it would
// be written in a request file.
func (d *Document) String() string {
	builder := &strings.Builder{}

	for i, region := range d.Regions {
		if i > 0 {
			builder.WriteByte('\n')
		}

		if _, named := region.Metadata["name"]; named {
			fmt.Fprintf(builder, "### %s\n", region.Name())
		} else {
			builder.WriteString("###\n")
		}

		for _, key := range region.MetadataKeys() {
			if key == "name" {
				continue
			}

			if value := region.Metadata[key]; value != "" {
				fmt.Fprintf(builder, "# @%s %s\n", key, value)
			} else {
				fmt.Fprintf(builder, "# @%s\n", key)
			}
		}

		if region.Request != nil {
			builder.WriteString(region.Request.String())
		}
	}

	return builder.String()
}

// ParseFunc parses src into a [Document].
type ParseFunc func(ctx context.Context, name string, version int64, src []byte) (*Document, error)

// Store holds parsed documents by name, reparsing a document only when its version changes.
type Store struct {
	parse     ParseFunc
	documents map[string]*Document
	mu        sync.Mutex
}

// NewStore returns an empty [Store] parsing documents with parse.
func NewStore(parse ParseFunc) *Store {
	return &Store{
		parse:     parse,
		documents: make(map[string]*Document),
	}
}

// GetOrCreate returns the document called name at version, parsing src if the store holds
// no document of that name or holds an older version.
func (s *Store) GetOrCreate(ctx context.Context, name string, version int64, src []byte) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if doc, ok := s.documents[name]; ok && doc.Version == version {
		return doc, nil
	}

	doc, err := s.parse(ctx, name, version, src)
	if err != nil {
		return nil, err
	}

	s.documents[name] = doc

	return doc, nil
}

// Load returns the document at path, using its modification time as the version.
func (s *Store) Load(ctx context.Context, path string) (*Document, error) {
	path = filepath.Clean(path)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("could not load %s: %w", path, err)
	}

	version := info.ModTime().UnixNano()

	if doc, ok := s.Get(path); ok && doc.Version == version {
		return doc, nil
	}

	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("could not read %s: %w", path, err)
	}

	return s.GetOrCreate(ctx, path, version, src)
}

// Get returns the document called name, if the store holds one.
func (s *Store) Get(name string) (*Document, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.documents[name]
	return doc, ok
}

// Remove drops the document called name, reporting whether there was one.
func (s *Store) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.documents[name]
	delete(s.documents, name)

	return ok
}
