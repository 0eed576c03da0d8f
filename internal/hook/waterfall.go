package hook

import "context"

// WaterfallAction is the function run by a [Waterfall] entry. It receives the value returned by
// the previous entry (or the original value for the first) and returns the value for the next.
type WaterfallAction[T, A any] func(ctx context.Context, value T, arg A) (T, error)

// Waterfall is a hook that threads a value through its entries.
//
// Interceptors see the extra argument as [Call.Arg] and the threaded value as [Call.Result].
type Waterfall[T, A any] struct {
	bail func(T) bool // Reports whether the threaded value is final
	pipeline[A, T, WaterfallAction[T, A]]
}

// NewWaterfall returns a new, empty [Waterfall] that stops as soon as bail reports true for the
// threaded value. A nil predicate runs every entry.
func NewWaterfall[T, A any](bail func(T) bool) *Waterfall[T, A] {
	return &Waterfall[T, A]{bail: bail}
}

// Trigger threads value through the entries, returning the last value produced.
//
// With no entries the original value is returned unchanged.
func (w *Waterfall[T, A]) Trigger(ctx context.Context, value T, arg A) (Result[T], error) {
	entries, interceptors := w.snapshot()

	call := &Call[A, T]{Arg: arg, Result: value}

	canceled, err := loop(ctx, entries, interceptors, call, func(ctx context.Context, action WaterfallAction[T, A], call *Call[A, T]) (bool, error) {
		next, err := action(ctx, call.Result, call.Arg)
		if err != nil {
			return false, err
		}

		call.Result = next
		call.Results = append(call.Results, next)

		return w.bail != nil && w.bail(next), nil
	})
	if err != nil {
		return Result[T]{}, err
	}

	if canceled {
		return Result[T]{Canceled: true}, nil
	}

	return Result[T]{Value: call.Result}, nil
}

// Merge returns a new [Waterfall] with w's predicate, running w's entries then other's.
func (w *Waterfall[T, A]) Merge(other *Waterfall[T, A]) *Waterfall[T, A] {
	merged := &Waterfall[T, A]{bail: w.bail}
	if other == nil {
		w.mergeInto(&merged.pipeline, nil)
		return merged
	}

	w.mergeInto(&merged.pipeline, &other.pipeline)
	return merged
}
