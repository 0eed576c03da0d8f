package hook

import "context"

// Action is the function run by a [Series] or [Bail] entry.
type Action[A, R any] func(ctx context.Context, arg A) (R, error)

// Series is a hook whose entries all run, in order, with the same argument.
//
// The zero value is ready to use.
type Series[A, R any] struct {
	pipeline[A, R, Action[A, R]]
}

// NewSeries returns a new, empty [Series].
func NewSeries[A, R any]() *Series[A, R] {
	return &Series[A, R]{}
}

// Trigger runs every entry with arg and returns all of their results in registration order.
func (s *Series[A, R]) Trigger(ctx context.Context, arg A) (Result[[]R], error) {
	entries, interceptors := s.snapshot()

	call := &Call[A, R]{Arg: arg, Results: make([]R, 0, len(entries))}

	canceled, err := loop(ctx, entries, interceptors, call, func(ctx context.Context, action Action[A, R], call *Call[A, R]) (bool, error) {
		result, err := action(ctx, call.Arg)
		if err != nil {
			return false, err
		}

		call.Result = result
		call.Results = append(call.Results, result)
		return false, nil
	})
	if err != nil {
		return Result[[]R]{}, err
	}

	if canceled {
		return Result[[]R]{Canceled: true}, nil
	}

	return Result[[]R]{Value: call.Results}, nil
}

// Merge returns a new [Series] running s's entries then other's, with the interceptors of both.
//
// Neither s nor other is modified.
func (s *Series[A, R]) Merge(other *Series[A, R]) *Series[A, R] {
	merged := &Series[A, R]{}
	if other == nil {
		s.mergeInto(&merged.pipeline, nil)
		return merged
	}

	s.mergeInto(&merged.pipeline, &other.pipeline)
	return merged
}
