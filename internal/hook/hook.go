// Package hook implements the ordered, interceptable pipelines that the rest of reqrun is built on.
//
// A hook is a list of named entries plus an independent list of interceptors. Entries are added
// with an id and optional [Before] or [After] placement, and run in list order when the hook is
// triggered. Three evaluation strategies are provided:
//
//   - [Series]: every entry runs with the same argument and all results are collected
//   - [Bail]: like Series but stops at the first result matching a predicate
//   - [Waterfall]: the value returned by one entry is passed on to the next
//
// Any entry or interceptor may return [Cancel] to stop the pipeline. Cancellation is not an
// error, it is reported through [Result.Canceled] so callers can tell "stopped on purpose" apart
// from a genuine failure.
package hook

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// Cancel is returned by an entry or interceptor to stop the pipeline early.
//
// It is never returned from Trigger as an error, a canceled trigger instead yields a [Result]
// with Canceled set.
var Cancel = errors.New("hook: cancel")

// Void is the result type of hooks whose entries produce nothing of interest.
type Void = struct{}

// Result is the outcome of triggering a hook.
type Result[T any] struct {
	Value    T    // The value produced by the pipeline, zero if Canceled
	Canceled bool // Whether the pipeline was stopped with Cancel
}

// Option configures where an entry is placed in the list.
type Option func(*placement)

// placement holds the ordering constraints of an entry being added.
type placement struct {
	before []string
	after  []string
}

// Before places an entry immediately before the earliest of the named entries.
//
// Ids that don't match any entry are ignored.
func Before(ids ...string) Option {
	return func(p *placement) {
		p.before = append(p.before, ids...)
	}
}

// After places an entry immediately after the latest of the named entries.
//
// Ids that don't match any entry are ignored.
func After(ids ...string) Option {
	return func(p *placement) {
		p.after = append(p.after, ids...)
	}
}

// Call describes a single trigger in progress, it is passed to every [Interceptor] callback.
type Call[A, R any] struct {
	Arg     A      // The argument of the trigger, for a Waterfall this is the extra argument
	Entry   string // Id of the entry about to run (BeforeTrigger) or that just ran (AfterTrigger)
	Results []R    // Results produced so far
	Result  R      // Latest result, for a Waterfall this is the current threaded value
	Index   int    // Index of the current entry, -1 outside the loop
}

// Interceptor wraps every entry invocation of a hook. All callbacks are optional.
//
// The lifecycle around a trigger is BeforeLoop, then for each entry BeforeTrigger, the entry
// itself and AfterTrigger, and finally AfterLoop. A callback returning [Cancel] aborts the whole
// trigger as a cancellation, any other error is propagated.
type Interceptor[A, R any] struct {
	BeforeLoop    func(ctx context.Context, call *Call[A, R]) error
	BeforeTrigger func(ctx context.Context, call *Call[A, R]) error
	AfterTrigger  func(ctx context.Context, call *Call[A, R]) error
	AfterLoop     func(ctx context.Context, call *Call[A, R]) error
	ID            string // Identifies the interceptor for removal
}

// entry is a single named action in a pipeline.
type entry[F any] struct {
	action F
	id     string
}

// pipeline is the storage shared by every hook type, F is the type of entry action.
type pipeline[A, R, F any] struct {
	entries      []entry[F]
	interceptors []*Interceptor[A, R]
	mu           sync.RWMutex
}

// Add inserts an action under the given id.
//
// Without options the action is appended. With [Before] it is inserted in front of the earliest
// matching entry, with [After] behind the latest one. If none of the ids match, it is appended.
// Adding the same id twice keeps both entries, use Remove first to replace one.
func (p *pipeline[A, R, F]) Add(id string, action F, options ...Option) {
	var place placement
	for _, option := range options {
		option(&place)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	index := len(p.entries)

	switch {
	case len(place.before) > 0 && p.indexOf(place.before, false) != -1:
		index = p.indexOf(place.before, false)
	case len(place.after) > 0 && p.indexOf(place.after, true) != -1:
		index = p.indexOf(place.after, true) + 1
	}

	p.entries = slices.Insert(p.entries, index, entry[F]{id: id, action: action})
}

// indexOf returns the smallest (or largest if last is true) index of an entry whose id
// is one of ids, or -1 if none match.
func (p *pipeline[A, R, F]) indexOf(ids []string, last bool) int {
	found := -1
	for i, e := range p.entries {
		if !slices.Contains(ids, e.id) {
			continue
		}

		if !last {
			return i
		}

		found = i
	}

	return found
}

// Remove deletes every entry with the given id, reporting whether any was found.
func (p *pipeline[A, R, F]) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.entries)
	p.entries = slices.DeleteFunc(p.entries, func(e entry[F]) bool { return e.id == id })

	return len(p.entries) != before
}

// Has reports whether an entry with the given id exists.
func (p *pipeline[A, R, F]) Has(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.ContainsFunc(p.entries, func(e entry[F]) bool { return e.id == id })
}

// IDs returns the ids of all entries in trigger order.
func (p *pipeline[A, R, F]) IDs() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]string, 0, len(p.entries))
	for _, e := range p.entries {
		ids = append(ids, e.id)
	}

	return ids
}

// Len returns the number of entries.
func (p *pipeline[A, R, F]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return len(p.entries)
}

// Intercept adds an interceptor, interceptors run in the order they were added.
func (p *pipeline[A, R, F]) Intercept(interceptor *Interceptor[A, R]) {
	if interceptor == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.interceptors = append(p.interceptors, interceptor)
}

// RemoveInterceptor deletes interceptors with the given id, reporting whether any was found.
func (p *pipeline[A, R, F]) RemoveInterceptor(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	before := len(p.interceptors)
	p.interceptors = slices.DeleteFunc(p.interceptors, func(i *Interceptor[A, R]) bool { return i.ID == id })

	return len(p.interceptors) != before
}

// snapshot returns copies of the entry and interceptor lists so a trigger is unaffected
// by concurrent registration.
func (p *pipeline[A, R, F]) snapshot() ([]entry[F], []*Interceptor[A, R]) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return slices.Clone(p.entries), slices.Clone(p.interceptors)
}

// mergeInto fills dst with p's entries and interceptors followed by other's.
func (p *pipeline[A, R, F]) mergeInto(dst, other *pipeline[A, R, F]) {
	entries, interceptors := p.snapshot()

	if other != nil {
		otherEntries, otherInterceptors := other.snapshot()
		entries = append(entries, otherEntries...)
		interceptors = append(interceptors, otherInterceptors...)
	}

	dst.entries = entries
	dst.interceptors = interceptors
}

// stage identifies an interceptor callback.
type stage int

const (
	beforeLoop stage = iota
	beforeTrigger
	afterTrigger
	afterLoop
)

// intercept runs the callbacks for a stage across all interceptors in order.
func intercept[A, R any](ctx context.Context, interceptors []*Interceptor[A, R], call *Call[A, R], s stage) error {
	for _, interceptor := range interceptors {
		var fn func(context.Context, *Call[A, R]) error

		switch s {
		case beforeLoop:
			fn = interceptor.BeforeLoop
		case beforeTrigger:
			fn = interceptor.BeforeTrigger
		case afterTrigger:
			fn = interceptor.AfterTrigger
		case afterLoop:
			fn = interceptor.AfterLoop
		}

		if fn == nil {
			continue
		}

		if err := fn(ctx, call); err != nil {
			return err
		}
	}

	return nil
}

// loop drives entries through the interceptor lifecycle, run executes a single entry action,
// records what it produced on call and reports whether the loop should stop.
//
// It returns canceled == true if an entry or interceptor returned Cancel, or the context
// was done before an entry could run. Any other error is returned as is.
func loop[A, R, F any](
	ctx context.Context,
	entries []entry[F],
	interceptors []*Interceptor[A, R],
	call *Call[A, R],
	run func(ctx context.Context, action F, call *Call[A, R]) (stop bool, err error),
) (canceled bool, err error) {
	call.Index = -1

	if err := intercept(ctx, interceptors, call, beforeLoop); err != nil {
		return outcome(err)
	}

	for i, e := range entries {
		if ctx.Err() != nil {
			return true, nil
		}

		call.Index = i
		call.Entry = e.id

		if err := intercept(ctx, interceptors, call, beforeTrigger); err != nil {
			return outcome(err)
		}

		stop, err := run(ctx, e.action, call)
		if err != nil {
			return outcome(err)
		}

		if err := intercept(ctx, interceptors, call, afterTrigger); err != nil {
			return outcome(err)
		}

		if stop {
			break
		}
	}

	call.Index = -1
	call.Entry = ""

	if err := intercept(ctx, interceptors, call, afterLoop); err != nil {
		return outcome(err)
	}

	return false, nil
}

// outcome splits an error into a cancellation or a real failure.
func outcome(err error) (canceled bool, _ error) {
	if errors.Is(err, Cancel) {
		return true, nil
	}

	return false, err
}
