package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jmespath/go-jmespath"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
)

// extraction is a parsed extract directive.
type extraction struct {
	query *jmespath.JMESPath
	name  string
	expr  string
}

// parseExtraction parses "name = expression".
func parseExtraction(value string) (extraction, error) {
	name, expr, ok := strings.Cut(value, "=")
	name, expr = strings.TrimSpace(name), strings.TrimSpace(expr)

	if !ok || name == "" || expr == "" {
		return extraction{}, fmt.Errorf("bad extract value %q, expected name = expression", value)
	}

	query, err := jmespath.Compile(expr)
	if err != nil {
		return extraction{}, fmt.Errorf("bad extract expression %q: %w", expr, err)
	}

	return extraction{name: name, expr: expr, query: query}, nil
}

// onResponse stores the result of the expression against the response body as a variable.
//
// A body that isn't JSON or an expression matching nothing leaves the variable undefined
// with a warning, the response itself is still fine.
func (e extraction) onResponse(ctx context.Context, event document.ResponseEvent) (hook.Void, error) {
	pc := event.Context

	var data any
	if err := json.Unmarshal(event.Response.Body, &data); err != nil {
		pc.Logger.Warn("cannot extract from a response that is not JSON", "region", pc.Region.Name(), "variable", e.name)
		return hook.Void{}, nil
	}

	result, err := e.query.Search(data)
	if err != nil {
		return hook.Void{}, fmt.Errorf("extract %s: %w", e.name, err)
	}

	if result == nil {
		pc.Logger.Warn("extract matched nothing", "region", pc.Region.Name(), "variable", e.name, "expression", e.expr)
		return hook.Void{}, nil
	}

	// Whole numbers from JSON come back as floats, 42 reads better than 4.2e+01
	if number, ok := result.(float64); ok && number == float64(int64(number)) {
		result = int64(number)
	}

	pc.Variables.Set(e.name, result)

	return hook.Void{}, nil
}
