package meta

import (
	"context"
	"fmt"
	"slices"

	"go.followtheprocess.codes/reqrun/internal/document"
)

// chainKey is the context key of the regions being referenced, outermost first.
type chainKey struct{}

// importDocument returns the execute entry loading the document at path and running its
// global regions, so its variables are defined and its requests can be referenced.
func importDocument(path string) document.ExecuteAction {
	return func(ctx context.Context, pc *document.ProcessorContext) (bool, error) {
		if pc.Store == nil {
			pc.Logger.Warn("no document store, ignoring import", "path", path)
			return true, nil
		}

		imported, err := pc.Store.Load(ctx, pc.Document.Path(path))
		if err != nil {
			return false, fmt.Errorf("import %s: %w", path, err)
		}

		// Already imported (or importing) this run, documents importing each other stop here
		if imported == pc.Document || slices.Contains(pc.Document.Imports(), imported) {
			return true, nil
		}

		pc.Document.Import(imported)

		for _, global := range imported.Globals() {
			ok, err := pc.Nested(imported, global).Execute(ctx)
			if err != nil {
				return false, fmt.Errorf("import %s: %w", path, err)
			}

			if !ok {
				return false, nil
			}
		}

		pc.Logger.Debug("imported", "path", imported.Name, "requests", len(imported.Requests()))

		return true, nil
	}
}

// reference returns the execute entry running the request called name before the region
// that refers to it. Unless force is set a request that already has a response from this
// run is not executed again.
func reference(name string, force bool) document.ExecuteAction {
	return func(ctx context.Context, pc *document.ProcessorContext) (bool, error) {
		doc, region, ok := find(pc.Document, name)
		if !ok {
			return false, fmt.Errorf("no request named %q in %s or its imports", name, pc.Document.Name)
		}

		chain, _ := ctx.Value(chainKey{}).([]*document.Region)
		if region == pc.Region || slices.Contains(chain, region) {
			return false, fmt.Errorf("request %q refers to itself", name)
		}

		if !force && region.Response != nil {
			pc.Variables.Set(name, region.Response)
			return true, nil
		}

		ctx = context.WithValue(ctx, chainKey{}, append(slices.Clone(chain), pc.Region))

		pc.Logger.Debug("running referenced request", "region", pc.Region.Name(), "ref", name)

		ok, err := pc.Nested(doc, region).Execute(ctx)
		if err != nil {
			return false, fmt.Errorf("ref %s: %w", name, err)
		}

		if !ok {
			pc.Logger.Warn("referenced request did not complete", "region", pc.Region.Name(), "ref", name)
			return false, nil
		}

		if region.Response != nil {
			pc.Variables.Set(name, region.Response)
		}

		return true, nil
	}
}

// find looks for the request called name in doc, then in the documents doc imports.
func find(doc *document.Document, name string) (*document.Document, *document.Region, bool) {
	if region, ok := doc.Region(name); ok && !region.IsGlobal() {
		return doc, region, true
	}

	for _, imported := range doc.Imports() {
		if region, ok := imported.Region(name); ok && !region.IsGlobal() {
			return imported, region, true
		}
	}

	return nil, nil, false
}
