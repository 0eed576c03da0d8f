// Package variable implements variable resolution: finding {{ }} placeholders in request text
// and turning them into values through the document's ResolveVariable hook, plus the built in
// lookups and replacers.
//
// Resolution runs to a fixed point so a variable whose value is itself a placeholder is
// expanded too. Substitution that never settles (two variables referring to each other)
// is cut off after [MaxDepth] passes with [ErrRecursion].
package variable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
)

// MaxDepth is the maximum number of substitution passes [Expand] makes over a piece of text.
const MaxDepth = 32

// ErrRecursion is returned when substitution has not settled after [MaxDepth] passes.
var ErrRecursion = errors.New("variable substitution did not settle, is a variable defined in terms of itself?")

// placeholder matches a {{ expression }} span, capturing the trimmed expression.
var placeholder = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

// Install adds the built in lookups and replacers to hooks.
func Install(hooks *document.Hooks) {
	hooks.ResolveVariable.Add(document.IDLookup, Lookup)
	hooks.ResolveVariable.Add(document.IDDynamic, Dynamic)

	hooks.ReplaceVariable.Add(document.IDTemplate, Template)
	hooks.ReplaceVariable.Add(document.IDHost, Host, hook.After(document.IDTemplate))
}

// Names returns the expressions of the placeholders in text, in order of appearance.
func Names(text string) []string {
	matches := placeholder.FindAllStringSubmatch(text, -1)

	names := make([]string, 0, len(matches))
	for _, match := range matches {
		names = append(names, match[1])
	}

	return names
}

// Resolve runs the ResolveVariable hook for a single expression, ok is false if no lookup
// could resolve it.
//
// A lookup vetoing resolution with [hook.Cancel] is reported as an error wrapping hook.Cancel.
func Resolve(ctx context.Context, name string, pc *document.ProcessorContext) (value any, ok bool, err error) {
	result, err := pc.Document.Hooks.ResolveVariable.Trigger(ctx, document.Unresolved, document.LookupInput{
		Context: pc,
		Name:    name,
	})
	if err != nil {
		return nil, false, fmt.Errorf("could not resolve %q: %w", name, err)
	}

	if result.Canceled {
		return nil, false, fmt.Errorf("resolution of %q canceled: %w", name, hook.Cancel)
	}

	if !document.IsResolved(result.Value) {
		return nil, false, nil
	}

	return result.Value, true, nil
}

// Expand replaces every placeholder in text with its resolved value, repeating until the
// text stops changing.
//
// Placeholders nothing can resolve are left in place and logged. If the text is still
// changing after [MaxDepth] passes, ErrRecursion is returned.
func Expand(ctx context.Context, text string, pc *document.ProcessorContext) (string, error) {
	var unresolved []string

	for range MaxDepth {
		if !strings.Contains(text, "{{") {
			return text, nil
		}

		unresolved = unresolved[:0]

		var err error
		expanded := placeholder.ReplaceAllStringFunc(text, func(span string) string {
			if err != nil {
				return span
			}

			name := placeholder.FindStringSubmatch(span)[1]

			value, ok, resolveErr := Resolve(ctx, name, pc)
			if resolveErr != nil {
				err = resolveErr
				return span
			}

			if !ok {
				unresolved = append(unresolved, name)
				return span
			}

			return Stringify(value)
		})
		if err != nil {
			return "", err
		}

		if expanded == text {
			for _, name := range unresolved {
				pc.Logger.Warn("unresolved variable", "name", name)
			}

			return expanded, nil
		}

		text = expanded
	}

	return "", fmt.Errorf("%w: %s", ErrRecursion, text)
}

// Stringify converts a resolved value to the text substituted for its placeholder.
func Stringify(value any) string {
	switch value := value.(type) {
	case nil:
		return ""
	case string:
		return value
	case []byte:
		return string(value)
	case fmt.Stringer:
		return value.String()
	case float64:
		// Numbers decoded from JSON are floats, never write them in exponent form
		return strconv.FormatFloat(value, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(value), 'f', -1, 32)
	case bool, int, int32, int64, uint, uint32, uint64:
		return fmt.Sprint(value)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return fmt.Sprint(value)
		}

		return string(raw)
	}
}
