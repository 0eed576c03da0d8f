package runner

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.followtheprocess.codes/log"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/session"
)

// bailInterceptor is the id of the interceptor installed by [Options.Bail].
const bailInterceptor = "bail"

// ErrNoMatch is returned when the selected requests don't exist in the document.
var ErrNoMatch = errors.New("no matching request")

// Options configure a [Run].
type Options struct {
	Logger       *log.Logger           // Diagnostics, nil discards them
	Session      *session.Store        // Session state, nil for a store private to the run
	Store        *document.Store       // Documents for imports and references, may be nil
	Progress     document.ProgressFunc // Optional progress reporting
	Repeat       *document.Repeat      // Overrides every region's repeat directive when set
	Variables    map[string]any        // Extra variables, these beat the environment
	Names        []string              // Run only the requests with these names
	Environments []string              // Selected environments
	Line         int                   // Run only the request on this line, 0 for no filter
	Bail         bool                  // Stop at the first request with a failed test
	Continue     bool                  // Carry on past transport errors, recording them
}

// Result is the outcome of one region of a [Run].
type Result struct {
	Region    *document.Region // The region, its Response and Tests hold what happened
	Err       error            // Transport or hook error, only recorded with Options.Continue
	Duration  time.Duration    // Wall time of the execution
	Completed bool             // Whether the region ran to completion
	Skipped   bool             // Whether the region was disabled or bailed over
}

// Report is the outcome of a [Run].
type Report struct {
	Results []Result // One per request in document order
}

// Failed reports whether any request errored or failed a test.
//
// A request that was canceled before it completed is not a failure.
func (r Report) Failed() bool {
	return slices.ContainsFunc(r.Results, func(result Result) bool {
		return !result.Skipped && (result.Err != nil || result.Region.Failed())
	})
}

// Counts returns the number of passed, failed, skipped and canceled requests.
//
// A canceled request is one that stopped without completing and without an error, e.g. a
// hook returned [hook.Cancel] because its configuration was missing.
func (r Report) Counts() (passed, failed, skipped, canceled int) {
	for _, result := range r.Results {
		switch {
		case result.Skipped:
			skipped++
		case result.Err != nil, result.Region.Failed():
			failed++
		case !result.Completed:
			canceled++
		default:
			passed++
		}
	}

	return passed, failed, skipped, canceled
}

// Run executes the regions of doc.
//
// Global regions (those without a request) run first, in order, followed by the selected
// requests. Every region executes in a main context sharing one set of variables, seeded
// from the document's variable providers and [Options.Variables].
//
// Cancellations are not errors, the region is recorded as not completed. A transport error
// stops the run unless [Options.Continue] is set.
func Run(ctx context.Context, doc *document.Document, options Options) (Report, error) {
	selected, err := selectRequests(doc, options)
	if err != nil {
		return Report{}, err
	}

	if options.Session == nil {
		options.Session = session.New()
		defer options.Session.Close()
	}

	base := document.NewProcessorContext(doc, nil, options.Logger)
	base.Session = options.Session
	base.Store = options.Store
	base.Progress = options.Progress
	base.Repeat = options.Repeat
	base.Environments = options.Environments

	vars, err := doc.Variables(ctx, options.Environments)
	if err != nil {
		return Report{}, fmt.Errorf("could not load variables: %w", err)
	}

	base.Variables.Merge(vars)
	base.Variables.Merge(options.Variables)

	for _, region := range doc.Regions {
		region.Reset()
	}

	for _, global := range doc.Globals() {
		if global.Disabled() {
			continue
		}

		if _, err := base.For(doc, global).Execute(ctx); err != nil {
			return Report{}, err
		}
	}

	var bailed bool
	if options.Bail {
		for _, region := range selected {
			region.Hooks.Execute.Intercept(&hook.Interceptor[*document.ProcessorContext, bool]{
				ID: bailInterceptor,
				BeforeLoop: func(ctx context.Context, call *hook.Call[*document.ProcessorContext, bool]) error {
					if bailed {
						return hook.Cancel
					}

					return nil
				},
				AfterLoop: func(ctx context.Context, call *hook.Call[*document.ProcessorContext, bool]) error {
					bailed = bailed || call.Arg.Region.Failed()
					return nil
				},
			})
			defer region.Hooks.Execute.RemoveInterceptor(bailInterceptor)
		}
	}

	report := Report{Results: make([]Result, 0, len(selected))}

	for _, region := range selected {
		if region.Disabled() || bailed {
			report.Results = append(report.Results, Result{Region: region, Skipped: true})
			continue
		}

		start := time.Now()
		completed, err := base.For(doc, region).Execute(ctx)
		result := Result{
			Region:    region,
			Err:       err,
			Duration:  time.Since(start),
			Completed: completed,
		}

		report.Results = append(report.Results, result)

		if err != nil {
			if !options.Continue {
				return report, err
			}

			base.Logger.Error("request failed", "region", region.Name(), "error", err)
		}
	}

	return report, nil
}

// selectRequests returns the requests of doc chosen by options, in document order.
func selectRequests(doc *document.Document, options Options) ([]*document.Region, error) {
	requests := doc.Requests()

	if len(options.Names) > 0 {
		var selected []*document.Region
		for _, name := range options.Names {
			region, ok := doc.Region(name)
			if !ok || region.IsGlobal() {
				return nil, fmt.Errorf("%w: %s has no request named %q", ErrNoMatch, doc.Name, name)
			}

			selected = append(selected, region)
		}

		slices.SortFunc(selected, func(a, b *document.Region) int { return a.Index - b.Index })
		requests = slices.Compact(selected)
	}

	if options.Line > 0 {
		requests = slices.DeleteFunc(slices.Clone(requests), func(region *document.Region) bool {
			return !region.Symbol.Contains(options.Line)
		})

		if len(requests) == 0 {
			return nil, fmt.Errorf("%w: %s has no request on line %d", ErrNoMatch, doc.Name, options.Line)
		}
	}

	return requests, nil
}
