package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.followtheprocess.codes/reqrun/internal/document"
	"golang.org/x/sync/errgroup"
)

// MetaRepeat is the directive setting the repeat policy of a region, e.g. "# @repeat 3 parallel".
const MetaRepeat = "repeat"

// ParseRepeat parses the value of a repeat directive: a count optionally followed by
// "sequential" (the default) or "parallel", separated by spaces or a comma.
func ParseRepeat(value string) (document.Repeat, error) {
	fields := strings.FieldsFunc(value, func(r rune) bool { return r == ',' || r == ' ' || r == '\t' })
	if len(fields) == 0 || len(fields) > 2 {
		return document.Repeat{}, fmt.Errorf("bad repeat value %q, expected a count and optional order", value)
	}

	count, err := strconv.Atoi(fields[0])
	if err != nil || count < 1 {
		return document.Repeat{}, fmt.Errorf("bad repeat count %q, must be a positive integer", fields[0])
	}

	repeat := document.Repeat{Count: count, Mode: document.Sequential}

	if len(fields) == 2 {
		switch strings.ToLower(fields[1]) {
		case "sequential":
		case "parallel":
			repeat.Mode = document.Parallel
		default:
			return document.Repeat{}, fmt.Errorf("bad repeat order %q, expected sequential or parallel", fields[1])
		}
	}

	return repeat, nil
}

// repeatFor returns the repeat policy of an execution.
//
// Only the main execution repeats, a policy set on the context beats the region's directive.
func repeatFor(pc *document.ProcessorContext) document.Repeat {
	once := document.Repeat{Count: 1}
	if !pc.Main {
		return once
	}

	if pc.Repeat != nil {
		return document.Repeat{Count: max(pc.Repeat.Count, 1), Mode: pc.Repeat.Mode}
	}

	value, ok := pc.Region.Metadata[MetaRepeat]
	if !ok {
		return once
	}

	repeat, err := ParseRepeat(value)
	if err != nil {
		// Validated at parse time by the meta plugin, a host without it gets a warning
		pc.Logger.Warn("ignoring repeat directive", "region", pc.Region.Name(), "error", err)
		return once
	}

	return repeat
}

// errCanceled stops sibling repetitions once one of them was canceled.
var errCanceled = errors.New("repetition canceled")

// exchange is a single execution of a region's request, returning the responses it produced
// and whether it completed.
type exchange func(ctx context.Context) ([]*document.Response, bool, error)

// repeat runs fn according to policy, collecting every response.
//
// If any execution is canceled the whole set counts as not completed.
func repeat(ctx context.Context, policy document.Repeat, fn exchange) ([]*document.Response, bool, error) {
	count := max(policy.Count, 1)

	if policy.Mode != document.Parallel || count == 1 {
		var all []*document.Response
		for range count {
			responses, ok, err := fn(ctx)
			if err != nil || !ok {
				return nil, ok, err
			}

			all = append(all, responses...)
		}

		return all, true, nil
	}

	var (
		all []*document.Response
		mu  sync.Mutex
	)

	group, gctx := errgroup.WithContext(ctx)
	for range count {
		group.Go(func() error {
			responses, ok, err := fn(gctx)
			if err != nil {
				return err
			}

			if !ok {
				return errCanceled
			}

			mu.Lock()
			defer mu.Unlock()

			all = append(all, responses...)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		if errors.Is(err, errCanceled) {
			return nil, false, nil
		}

		return nil, false, err
	}

	return all, true, nil
}
