// Package meta implements the directives that are not tied to a transport.
//
//	# @import ./auth.http          run the global regions of another file, making its requests referable
//	# @ref login                   run the request named login first, unless it already ran
//	# @forceRef login              run the request named login first, always
//	# @extract token = data.token  store part of the JSON response as a variable (JMESPath)
//	# @sleep 500ms                 wait before sending the request
//	# @repeat 3 parallel           checked here, applied by the runner
package meta

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/syntax"
)

// Directive names.
const (
	MetaImport   = "import"
	MetaRef      = "ref"
	MetaForceRef = "forceRef"
	MetaExtract  = "extract"
	MetaSleep    = "sleep"
)

// id is the prefix of every hook entry id installed by this package.
const id = "meta"

// repeatLine is the key of the parse scratch space holding the line of the region's
// repeat directive.
const repeatLine = "meta.repeat"

// Plugin installs the directives on a document.
func Plugin(hooks *document.Hooks) {
	hooks.ParseMetaData.Add(id, parseDirective)
	hooks.ParseEndRegion.Add(id, endRegion)
}

// parseDirective handles a single directive, claiming those it turns into hook entries.
func parseDirective(ctx context.Context, meta document.MetaData) (bool, error) {
	pc := meta.Context
	region := pc.Region

	switch meta.Name {
	case MetaImport:
		if meta.Value == "" {
			pc.Errorf(meta.Line, "import needs a path")
			return true, nil
		}

		region.Hooks.Execute.Add(id+"."+MetaImport+":"+meta.Value, importDocument(meta.Value))

		return true, nil

	case MetaRef, MetaForceRef:
		if meta.Value == "" {
			pc.Errorf(meta.Line, "%s needs the name of a request", meta.Name)
			return true, nil
		}

		for name := range strings.FieldsSeq(meta.Value) {
			region.Hooks.Execute.Add(id+"."+MetaRef+":"+name, reference(name, meta.Name == MetaForceRef))
		}

		return true, nil

	case MetaExtract:
		extraction, err := parseExtraction(meta.Value)
		if err != nil {
			reportValue(meta, err)
			return true, nil
		}

		region.Hooks.OnResponse.Add(id+"."+MetaExtract+":"+extraction.name, extraction.onResponse)

		return true, nil

	case MetaSleep:
		duration, err := time.ParseDuration(meta.Value)
		if err != nil {
			reportValue(meta, fmt.Errorf("bad sleep value: %w", err))
			return true, nil
		}

		region.Hooks.OnRequest.Add(id+"."+MetaSleep, sleep(duration))

		return true, nil

	case runner.MetaRepeat:
		if _, err := runner.ParseRepeat(meta.Value); err != nil {
			reportValue(meta, err)
		}

		pc.Data[repeatLine] = meta.Line

		// Left for the runner to read from the metadata
		return false, nil
	}

	return false, nil
}

// endRegion reports a repeat directive on a region that turned out to have no request.
func endRegion(ctx context.Context, pc *document.ParserContext) (hook.Void, error) {
	line, ok := pc.Data[repeatLine].(syntax.Line)
	delete(pc.Data, repeatLine)

	if ok && pc.Region.IsGlobal() {
		pc.Errorf(line, "repeat directive with no request to repeat")
	}

	return hook.Void{}, nil
}

// reportValue reports err against the value of a directive.
func reportValue(meta document.MetaData, err error) {
	start := max(strings.LastIndex(meta.Line.Text, meta.Value), 0)
	meta.Context.ErrorfAt(meta.Line, start, start+len(meta.Value), "%v", err)
}

// sleep returns the on-request entry waiting for d before the request is sent.
func sleep(d time.Duration) hook.Action[document.RequestEvent, hook.Void] {
	return func(ctx context.Context, event document.RequestEvent) (hook.Void, error) {
		event.Context.Logger.Debug("sleeping", "region", event.Context.Region.Name(), "duration", d)

		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-ctx.Done():
			return hook.Void{}, hook.Cancel
		case <-timer.C:
			return hook.Void{}, nil
		}
	}
}
