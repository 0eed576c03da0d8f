package hook_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/test"
)

// record returns a Series action that appends id to calls and returns id.
func record(id string, calls *[]string) hook.Action[string, string] {
	return func(ctx context.Context, arg string) (string, error) {
		*calls = append(*calls, id)
		return id, nil
	}
}

func TestOrdering(t *testing.T) {
	tests := []struct {
		add  func(h *hook.Series[string, string], calls *[]string)
		name string   // Name of the test case
		want []string // Expected trigger order
	}{
		{
			name: "append",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("b", record("b", calls))
				h.Add("c", record("c", calls))
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "before",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("b", record("b", calls))
				h.Add("c", record("c", calls), hook.Before("b"))
			},
			want: []string{"a", "c", "b"},
		},
		{
			name: "before earliest of many",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("b", record("b", calls))
				h.Add("c", record("c", calls))
				h.Add("d", record("d", calls), hook.Before("c", "b"))
			},
			want: []string{"a", "d", "b", "c"},
		},
		{
			name: "after",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("b", record("b", calls))
				h.Add("c", record("c", calls), hook.After("a"))
			},
			want: []string{"a", "c", "b"},
		},
		{
			name: "after latest of many",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("b", record("b", calls))
				h.Add("c", record("c", calls))
				h.Add("d", record("d", calls), hook.After("a", "b"))
			},
			want: []string{"a", "b", "d", "c"},
		},
		{
			name: "unknown ids are ignored",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("b", record("b", calls), hook.Before("missing"))
				h.Add("c", record("c", calls), hook.After("nope"))
			},
			want: []string{"a", "b", "c"},
		},
		{
			name: "duplicates are kept",
			add: func(h *hook.Series[string, string], calls *[]string) {
				h.Add("a", record("a", calls))
				h.Add("a", record("a", calls))
			},
			want: []string{"a", "a"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls []string
			h := hook.NewSeries[string, string]()
			tt.add(h, &calls)

			result, err := h.Trigger(t.Context(), "arg")
			test.Ok(t, err)
			test.False(t, result.Canceled)

			test.EqualFunc(t, calls, tt.want, slices.Equal, test.Context("call order mismatch"))
			test.EqualFunc(t, result.Value, tt.want, slices.Equal, test.Context("result order mismatch"))
			test.EqualFunc(t, h.IDs(), tt.want, slices.Equal, test.Context("IDs() mismatch"))
		})
	}
}

func TestSeriesSameArgument(t *testing.T) {
	h := hook.NewSeries[int, int]()
	for i := range 5 {
		h.Add(fmt.Sprintf("entry-%d", i), func(ctx context.Context, arg int) (int, error) {
			return arg * i, nil
		})
	}

	result, err := h.Trigger(t.Context(), 3)
	test.Ok(t, err)
	test.EqualFunc(t, result.Value, []int{0, 3, 6, 9, 12}, slices.Equal)
}

func TestRemoveHas(t *testing.T) {
	var calls []string
	h := hook.NewSeries[string, string]()
	h.Add("a", record("a", &calls))
	h.Add("b", record("b", &calls))

	test.True(t, h.Has("a"))
	test.True(t, h.Remove("a"))
	test.False(t, h.Has("a"))
	test.False(t, h.Remove("a"), test.Context("second removal should find nothing"))
	test.Equal(t, h.Len(), 1)

	_, err := h.Trigger(t.Context(), "")
	test.Ok(t, err)
	test.EqualFunc(t, calls, []string{"b"}, slices.Equal)
}

func TestBail(t *testing.T) {
	var calls []string

	h := hook.NewBail[string, string](func(result string) bool { return result == "stop" })
	h.Add("a", record("a", &calls))
	h.Add("stop", record("stop", &calls))
	h.Add("c", record("c", &calls))

	result, err := h.Trigger(t.Context(), "")
	test.Ok(t, err)
	test.False(t, result.Canceled)
	test.Equal(t, result.Value, "stop")
	test.EqualFunc(t, calls, []string{"a", "stop"}, slices.Equal, test.Context("entries after the bail ran"))
}

func TestBailNoMatch(t *testing.T) {
	h := hook.NewBail[int, bool](func(ok bool) bool { return !ok })
	h.Add("one", func(ctx context.Context, arg int) (bool, error) { return true, nil })
	h.Add("two", func(ctx context.Context, arg int) (bool, error) { return true, nil })

	result, err := h.Trigger(t.Context(), 1)
	test.Ok(t, err)
	test.True(t, result.Value, test.Context("expected the last result when nothing bails"))

	empty := hook.NewBail[int, bool](nil)
	result, err = empty.Trigger(t.Context(), 1)
	test.Ok(t, err)
	test.False(t, result.Value, test.Context("expected the zero value with no entries"))
}

func TestWaterfall(t *testing.T) {
	var seen []string

	h := hook.NewWaterfall[string, string](nil)
	h.Add("upper", func(ctx context.Context, value, arg string) (string, error) {
		seen = append(seen, value)
		return strings.ToUpper(value), nil
	})
	h.Add("unchanged", func(ctx context.Context, value, arg string) (string, error) {
		seen = append(seen, value)
		return value, nil
	})
	h.Add("suffix", func(ctx context.Context, value, arg string) (string, error) {
		seen = append(seen, value)
		return value + arg, nil
	})

	result, err := h.Trigger(t.Context(), "hello", "!")
	test.Ok(t, err)
	test.Equal(t, result.Value, "HELLO!")
	test.EqualFunc(t, seen, []string{"hello", "HELLO", "HELLO"}, slices.Equal)
}

func TestWaterfallEmpty(t *testing.T) {
	h := hook.NewWaterfall[string, int](nil)

	result, err := h.Trigger(t.Context(), "original", 0)
	test.Ok(t, err)
	test.Equal(t, result.Value, "original")
}

func TestWaterfallBail(t *testing.T) {
	const unresolved = "?"

	var calls []string

	h := hook.NewWaterfall[string, string](func(value string) bool { return value != unresolved })
	h.Add("miss", func(ctx context.Context, value, name string) (string, error) {
		calls = append(calls, "miss")
		return value, nil
	})
	h.Add("hit", func(ctx context.Context, value, name string) (string, error) {
		calls = append(calls, "hit")
		return "resolved " + name, nil
	})
	h.Add("never", func(ctx context.Context, value, name string) (string, error) {
		calls = append(calls, "never")
		return "overwritten", nil
	})

	result, err := h.Trigger(t.Context(), unresolved, "host")
	test.Ok(t, err)
	test.Equal(t, result.Value, "resolved host")
	test.EqualFunc(t, calls, []string{"miss", "hit"}, slices.Equal)
}

func TestCancel(t *testing.T) {
	t.Run("entry", func(t *testing.T) {
		var calls []string

		h := hook.NewSeries[string, string]()
		h.Add("a", record("a", &calls))
		h.Add("cancel", func(ctx context.Context, arg string) (string, error) {
			return "", hook.Cancel
		})
		h.Add("c", record("c", &calls))

		result, err := h.Trigger(t.Context(), "")
		test.Ok(t, err, test.Context("Cancel must not surface as an error"))
		test.True(t, result.Canceled)
		test.Equal(t, len(result.Value), 0)
		test.EqualFunc(t, calls, []string{"a"}, slices.Equal)
	})

	t.Run("interceptor", func(t *testing.T) {
		var calls []string

		h := hook.NewSeries[string, string]()
		h.Add("a", record("a", &calls))
		h.Add("b", record("b", &calls))
		h.Add("c", record("c", &calls))
		h.Intercept(&hook.Interceptor[string, string]{
			ID: "stop-at-b",
			BeforeTrigger: func(ctx context.Context, call *hook.Call[string, string]) error {
				if call.Entry == "b" {
					return hook.Cancel
				}
				return nil
			},
		})

		result, err := h.Trigger(t.Context(), "")
		test.Ok(t, err)
		test.True(t, result.Canceled)
		test.EqualFunc(t, calls, []string{"a"}, slices.Equal)

		// Once removed, everything runs again
		test.True(t, h.RemoveInterceptor("stop-at-b"))
		calls = nil

		result, err = h.Trigger(t.Context(), "")
		test.Ok(t, err)
		test.False(t, result.Canceled)
		test.EqualFunc(t, calls, []string{"a", "b", "c"}, slices.Equal)
	})

	t.Run("before loop", func(t *testing.T) {
		var calls []string

		h := hook.NewWaterfall[string, string](nil)
		h.Add("a", func(ctx context.Context, value, arg string) (string, error) {
			calls = append(calls, "a")
			return value, nil
		})
		h.Intercept(&hook.Interceptor[string, string]{
			BeforeLoop: func(ctx context.Context, call *hook.Call[string, string]) error {
				return hook.Cancel
			},
		})

		result, err := h.Trigger(t.Context(), "value", "")
		test.Ok(t, err)
		test.True(t, result.Canceled)
		test.Equal(t, len(calls), 0)
	})

	t.Run("context", func(t *testing.T) {
		var calls []string

		h := hook.NewSeries[string, string]()
		h.Add("a", record("a", &calls))

		ctx, cancel := context.WithCancel(t.Context())
		cancel()

		result, err := h.Trigger(ctx, "")
		test.Ok(t, err)
		test.True(t, result.Canceled)
		test.Equal(t, len(calls), 0)
	})
}

func TestErrorPropagates(t *testing.T) {
	boom := errors.New("boom")

	var calls []string

	h := hook.NewBail[string, string](nil)
	h.Add("a", record("a", &calls))
	h.Add("fail", func(ctx context.Context, arg string) (string, error) {
		return "", boom
	})
	h.Add("c", record("c", &calls))

	result, err := h.Trigger(t.Context(), "")
	test.Err(t, err)
	test.True(t, errors.Is(err, boom))
	test.False(t, result.Canceled, test.Context("an error is not a cancellation"))
	test.EqualFunc(t, calls, []string{"a"}, slices.Equal)

	h.Intercept(&hook.Interceptor[string, string]{
		BeforeLoop: func(ctx context.Context, call *hook.Call[string, string]) error {
			return boom
		},
	})

	_, err = h.Trigger(t.Context(), "")
	test.True(t, errors.Is(err, boom), test.Context("interceptor errors must propagate"))
}

func TestInterceptorLifecycle(t *testing.T) {
	var events []string

	h := hook.NewSeries[string, int]()
	h.Add("one", func(ctx context.Context, arg string) (int, error) {
		events = append(events, "run one")
		return 1, nil
	})
	h.Add("two", func(ctx context.Context, arg string) (int, error) {
		events = append(events, "run two")
		return 2, nil
	})

	h.Intercept(&hook.Interceptor[string, int]{
		BeforeLoop: func(ctx context.Context, call *hook.Call[string, int]) error {
			events = append(events, "before loop "+call.Arg)
			return nil
		},
		BeforeTrigger: func(ctx context.Context, call *hook.Call[string, int]) error {
			events = append(events, "before "+call.Entry)
			return nil
		},
		AfterTrigger: func(ctx context.Context, call *hook.Call[string, int]) error {
			events = append(events, fmt.Sprintf("after %s = %d", call.Entry, call.Result))
			return nil
		},
		AfterLoop: func(ctx context.Context, call *hook.Call[string, int]) error {
			events = append(events, fmt.Sprintf("after loop %v", call.Results))
			return nil
		},
	})

	_, err := h.Trigger(t.Context(), "x")
	test.Ok(t, err)

	want := []string{
		"before loop x",
		"before one",
		"run one",
		"after one = 1",
		"before two",
		"run two",
		"after two = 2",
		"after loop [1 2]",
	}

	test.EqualFunc(t, events, want, slices.Equal)
}

func TestMerge(t *testing.T) {
	var calls []string

	document := hook.NewSeries[string, string]()
	document.Add("doc-a", record("doc-a", &calls))
	document.Add("doc-b", record("doc-b", &calls))

	region := hook.NewSeries[string, string]()
	region.Add("region-a", record("region-a", &calls))

	var intercepted []string

	document.Intercept(&hook.Interceptor[string, string]{
		BeforeTrigger: func(ctx context.Context, call *hook.Call[string, string]) error {
			intercepted = append(intercepted, "document "+call.Entry)
			return nil
		},
	})
	region.Intercept(&hook.Interceptor[string, string]{
		BeforeTrigger: func(ctx context.Context, call *hook.Call[string, string]) error {
			intercepted = append(intercepted, "region "+call.Entry)
			return nil
		},
	})

	merged := document.Merge(region)

	test.EqualFunc(t, merged.IDs(), []string{"doc-a", "doc-b", "region-a"}, slices.Equal)

	_, err := merged.Trigger(t.Context(), "")
	test.Ok(t, err)
	test.EqualFunc(t, calls, []string{"doc-a", "doc-b", "region-a"}, slices.Equal)

	wantIntercepted := []string{
		"document doc-a", "region doc-a",
		"document doc-b", "region doc-b",
		"document region-a", "region region-a",
	}
	test.EqualFunc(t, intercepted, wantIntercepted, slices.Equal)

	// Sources are untouched
	test.Equal(t, document.Len(), 2)
	test.Equal(t, region.Len(), 1)

	// Chaining manually gives the same call sequence
	calls = nil
	_, err = document.Trigger(t.Context(), "")
	test.Ok(t, err)
	_, err = region.Trigger(t.Context(), "")
	test.Ok(t, err)
	test.EqualFunc(t, calls, []string{"doc-a", "doc-b", "region-a"}, slices.Equal)

	// Merging with nil is a copy
	test.EqualFunc(t, region.Merge(nil).IDs(), []string{"region-a"}, slices.Equal)
}

func TestMergeKeepsBail(t *testing.T) {
	a := hook.NewBail[int, int](func(n int) bool { return n > 1 })
	a.Add("one", func(ctx context.Context, arg int) (int, error) { return 1, nil })

	b := hook.NewBail[int, int](nil)
	b.Add("two", func(ctx context.Context, arg int) (int, error) { return 2, nil })
	b.Add("three", func(ctx context.Context, arg int) (int, error) { return 3, nil })

	result, err := a.Merge(b).Trigger(t.Context(), 0)
	test.Ok(t, err)
	test.Equal(t, result.Value, 2)
}
