package variable

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
)

// Template is the replacer expanding {{ }} placeholders in string and byte slice values.
//
// Substitution that never settles cancels the replacement, the request is not sent.
func Template(ctx context.Context, value any, in document.ReplaceInput) (any, error) {
	switch text := value.(type) {
	case string:
		return expand(ctx, text, in)
	case []byte:
		expanded, err := expand(ctx, string(text), in)
		if err != nil {
			return nil, err
		}

		return []byte(expanded), nil
	default:
		return value, nil
	}
}

// Host is the replacer prefixing a relative url (one starting with '/') with the value of
// the host variable, if one is defined.
func Host(ctx context.Context, value any, in document.ReplaceInput) (any, error) {
	if in.Kind != document.ReplaceURL {
		return value, nil
	}

	url, ok := value.(string)
	if !ok || !strings.HasPrefix(url, "/") {
		return value, nil
	}

	host, ok := in.Context.Variables.Get("host")
	if !ok {
		return value, nil
	}

	return strings.TrimSuffix(Stringify(host), "/") + url, nil
}

// Replace runs the ReplaceVariable hook over value, ok is false if a replacer canceled.
func Replace(ctx context.Context, pc *document.ProcessorContext, kind string, value any) (replaced any, ok bool, err error) {
	result, err := pc.Document.Hooks.ReplaceVariable.Trigger(ctx, value, document.ReplaceInput{
		Context: pc,
		Kind:    kind,
	})
	if err != nil {
		return nil, false, fmt.Errorf("could not replace variables in %s: %w", kind, err)
	}

	if result.Canceled {
		return nil, false, nil
	}

	return result.Value, true, nil
}

// ReplaceRequest returns a copy of request with the url, every header value and the body
// passed through [Replace]. The original is never modified.
//
// ok is false if any replacement was canceled, in which case the request must not be sent.
func ReplaceRequest(ctx context.Context, pc *document.ProcessorContext, request *document.Request) (*document.Request, bool, error) {
	replaced := request.Clone()

	url, ok, err := replaceString(ctx, pc, document.ReplaceURL, replaced.URL)
	if err != nil || !ok {
		return nil, ok, err
	}

	replaced.URL = url

	for i, header := range replaced.Headers {
		value, ok, err := replaceString(ctx, pc, header.Name, header.Value)
		if err != nil || !ok {
			return nil, ok, err
		}

		replaced.Headers[i].Value = value
	}

	if replaced.Body != nil {
		body, ok, err := Replace(ctx, pc, document.ReplaceBody, replaced.Body)
		if err != nil || !ok {
			return nil, ok, err
		}

		switch body := body.(type) {
		case []byte:
			replaced.Body = body
		default:
			replaced.Body = []byte(Stringify(body))
		}
	}

	return replaced, true, nil
}

// replaceString is [Replace] for values that must stay text.
func replaceString(ctx context.Context, pc *document.ProcessorContext, kind, value string) (string, bool, error) {
	replaced, ok, err := Replace(ctx, pc, kind, value)
	if err != nil || !ok {
		return "", ok, err
	}

	return Stringify(replaced), true, nil
}

func expand(ctx context.Context, text string, in document.ReplaceInput) (string, error) {
	expanded, err := Expand(ctx, text, in.Context)
	if err != nil {
		if errors.Is(err, ErrRecursion) {
			in.Context.Logger.Error("could not replace variables", "in", in.Kind, "error", err)
			return "", hook.Cancel
		}

		return "", err
	}

	return expanded, nil
}
