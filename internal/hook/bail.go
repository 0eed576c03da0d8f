package hook

import "context"

// Bail is a hook whose entries run in order until one returns a result matching its predicate.
type Bail[A, R any] struct {
	bail func(R) bool // Reports whether the pipeline should stop at a result
	pipeline[A, R, Action[A, R]]
}

// NewBail returns a new, empty [Bail] hook that stops at the first result for which
// bail returns true. A nil predicate never stops early.
func NewBail[A, R any](bail func(R) bool) *Bail[A, R] {
	return &Bail[A, R]{bail: bail}
}

// Trigger runs the entries with arg until one bails, returning that result.
//
// If no entry bails, the last result is returned, or the zero value if there are no entries.
func (b *Bail[A, R]) Trigger(ctx context.Context, arg A) (Result[R], error) {
	entries, interceptors := b.snapshot()

	call := &Call[A, R]{Arg: arg}

	canceled, err := loop(ctx, entries, interceptors, call, func(ctx context.Context, action Action[A, R], call *Call[A, R]) (bool, error) {
		result, err := action(ctx, call.Arg)
		if err != nil {
			return false, err
		}

		call.Result = result
		call.Results = append(call.Results, result)

		return b.bail != nil && b.bail(result), nil
	})
	if err != nil {
		return Result[R]{}, err
	}

	if canceled {
		return Result[R]{Canceled: true}, nil
	}

	return Result[R]{Value: call.Result}, nil
}

// Merge returns a new [Bail] hook with b's predicate, running b's entries then other's.
func (b *Bail[A, R]) Merge(other *Bail[A, R]) *Bail[A, R] {
	merged := &Bail[A, R]{bail: b.bail}
	if other == nil {
		b.mergeInto(&merged.pipeline, nil)
		return merged
	}

	b.mergeInto(&merged.pipeline, &other.pipeline)
	return merged
}
