// Package assert implements "??" assertion lines, tests run against the response of the
// request they follow and recorded on its region.
//
//	?? status == 200
//	?? header Content-Type contains json
//	?? body data.id exists
//	?? body data.name == {{name}}
//	?? duration < 500ms
package assert

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/variable"
)

// ID is the id of the region parser claiming assertion lines.
const ID = "assert"

// Things an assertion can test.
const (
	TargetStatus   = "status"
	TargetHeader   = "header"
	TargetBody     = "body"
	TargetDuration = "duration"
)

// Operators an assertion can use.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
	OpContains     = "contains"
	OpExists       = "exists"
)

var operators = []string{OpEqual, OpNotEqual, OpLess, OpLessEqual, OpGreater, OpGreaterEqual, OpContains, OpExists}

// ?? status == 200
var assertionPattern = regexp.MustCompile(`^\s*\?\?\s*(.*?)\s*$`)

// Assertion is a single parsed "??" line.
type Assertion struct {
	Target   string // What is tested, one of the Target constants
	Arg      string // Header name or body path, may be empty for the whole body
	Op       string // Operator, one of the Op constants
	Expected string // Expected value, may contain placeholders
	Source   string // The assertion as written, without the "??"
}

// Plugin installs the assertion parser on a document.
func Plugin(hooks *document.Hooks) {
	hooks.Parse.Add(ID, parseAssertion, hook.Before(document.IDComment))
}

// Parse parses the text of an assertion, without the leading "??".
func Parse(text string) (Assertion, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return Assertion{}, errors.New("empty assertion")
	}

	assertion := Assertion{Target: fields[0], Source: strings.Join(fields, " ")}
	rest := fields[1:]

	switch assertion.Target {
	case TargetStatus, TargetDuration:
	case TargetHeader:
		if len(rest) == 0 {
			return Assertion{}, errors.New("header assertion needs a header name")
		}

		assertion.Arg, rest = rest[0], rest[1:]
	case TargetBody:
		// The path is optional, "body contains ok" tests the whole body
		if len(rest) > 0 && !slices.Contains(operators, rest[0]) {
			assertion.Arg, rest = rest[0], rest[1:]
		}
	default:
		return Assertion{}, fmt.Errorf("unknown assertion target %q, expected one of status, header, body or duration", assertion.Target)
	}

	if len(rest) == 0 {
		return Assertion{}, fmt.Errorf("assertion %q has no operator", assertion.Source)
	}

	assertion.Op = rest[0]
	if !slices.Contains(operators, assertion.Op) {
		return Assertion{}, fmt.Errorf("unknown operator %q", assertion.Op)
	}

	assertion.Expected = strings.Join(rest[1:], " ")

	switch {
	case assertion.Op == OpExists:
		if assertion.Expected != "" {
			return Assertion{}, fmt.Errorf("exists takes no value, got %q", assertion.Expected)
		}

		if assertion.Target == TargetStatus || assertion.Target == TargetDuration {
			return Assertion{}, errors.New("exists only applies to headers and the body")
		}
	case assertion.Expected == "":
		return Assertion{}, fmt.Errorf("assertion %q has no expected value", assertion.Source)
	}

	// Literal expected values can be checked now, placeholders only once they are resolved
	if !strings.Contains(assertion.Expected, "{{") {
		switch assertion.Target {
		case TargetStatus:
			if _, err := strconv.Atoi(assertion.Expected); err != nil {
				return Assertion{}, fmt.Errorf("bad status %q: must be an integer", assertion.Expected)
			}
		case TargetDuration:
			if _, err := parseDuration(assertion.Expected); err != nil {
				return Assertion{}, err
			}
		}
	}

	return assertion, nil
}

// parseAssertion claims a "??" line, installing an on-response entry on the region that
// tests the response.
func parseAssertion(ctx context.Context, in document.ParseInput) (*document.ParseResult, error) {
	line, ok := in.Cursor.Current()
	if !ok {
		return nil, nil
	}

	match := assertionPattern.FindStringSubmatch(line.Text)
	if match == nil {
		return nil, nil
	}

	pc := in.Context

	assertion, err := Parse(match[1])
	if err != nil {
		pc.Errorf(line, "%v", err)
	} else {
		pc.Region.Hooks.OnResponse.Add(fmt.Sprintf("%s:%d", ID, line.Number), assertion.onResponse)
	}

	symbol := syntax.LineSymbol(syntax.KindAssertion, assertion.Target, line)
	symbol.Description = assertion.Source

	return &document.ParseResult{
		Symbols: []*syntax.Symbol{symbol},
		Next:    in.Cursor.Pos() + 1,
	}, nil
}

// onResponse records the outcome of the assertion against the response on the region.
func (a Assertion) onResponse(ctx context.Context, event document.ResponseEvent) (hook.Void, error) {
	pc := event.Context

	expected, err := variable.Expand(ctx, a.Expected, pc)
	if err != nil {
		pc.Region.AddTest(document.TestResult{Message: a.Source, Status: document.TestError, Error: err.Error()})
		return hook.Void{}, nil
	}

	result := document.TestResult{Message: a.Source, Status: document.TestPassed}

	if err := a.Check(event.Response, expected); err != nil {
		result.Status = document.TestFailed
		result.Error = err.Error()
	}

	pc.Logger.Debug("assertion", "region", pc.Region.Name(), "assertion", a.Source, "status", result.Status)
	pc.Region.AddTest(result)

	return hook.Void{}, nil
}

// Check tests response against the assertion with expected in place of a.Expected, returning
// an error describing the mismatch if it does not hold.
func (a Assertion) Check(response *document.Response, expected string) error {
	switch a.Target {
	case TargetStatus:
		return compare(strconv.Itoa(response.StatusCode), a.Op, expected)

	case TargetDuration:
		limit, err := parseDuration(expected)
		if err != nil {
			return err
		}

		return compareDurations(response.Timings.Total, a.Op, limit)

	case TargetHeader:
		value, ok := response.Header(a.Arg)
		if !ok {
			return fmt.Errorf("no header %q", a.Arg)
		}

		if a.Op == OpExists {
			return nil
		}

		return compare(value, a.Op, expected)

	case TargetBody:
		if a.Arg == "" {
			if a.Op == OpExists {
				if len(response.Body) == 0 {
					return errors.New("empty body")
				}

				return nil
			}

			return compare(string(response.Body), a.Op, expected)
		}

		found := gjson.GetBytes(response.Body, a.Arg)
		if !found.Exists() {
			return fmt.Errorf("nothing at %q in the body", a.Arg)
		}

		if a.Op == OpExists {
			return nil
		}

		return compare(found.String(), a.Op, expected)

	default:
		return fmt.Errorf("unknown assertion target %q", a.Target)
	}
}

// compare applies op to actual and expected, numerically when both are numbers.
func compare(actual, op, expected string) error {
	var ok bool

	a, errA := strconv.ParseFloat(actual, 64)
	e, errE := strconv.ParseFloat(expected, 64)
	numeric := errA == nil && errE == nil

	switch op {
	case OpEqual:
		ok = actual == expected || (numeric && a == e)
	case OpNotEqual:
		ok = actual != expected && !(numeric && a == e)
	case OpContains:
		ok = strings.Contains(actual, expected)
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		var cmp int
		if numeric {
			cmp = compareNumbers(a, e)
		} else {
			cmp = strings.Compare(actual, expected)
		}

		ok = ordered(cmp, op)
	default:
		return fmt.Errorf("unknown operator %q", op)
	}

	if !ok {
		return fmt.Errorf("expected %s %s, got %s", op, expected, actual)
	}

	return nil
}

func compareDurations(actual time.Duration, op string, limit time.Duration) error {
	var ok bool

	switch op {
	case OpEqual:
		ok = actual == limit
	case OpNotEqual:
		ok = actual != limit
	case OpLess, OpLessEqual, OpGreater, OpGreaterEqual:
		ok = ordered(compareNumbers(float64(actual), float64(limit)), op)
	default:
		return fmt.Errorf("operator %q does not apply to durations", op)
	}

	if !ok {
		return fmt.Errorf("expected duration %s %s, got %s", op, limit, actual)
	}

	return nil
}

func compareNumbers(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// ordered reports whether a comparison result satisfies an ordering operator.
func ordered(cmp int, op string) bool {
	switch op {
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	default:
		return false
	}
}

// parseDuration parses a duration, a bare number is milliseconds.
func parseDuration(text string) (time.Duration, error) {
	if ms, err := strconv.Atoi(text); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}

	d, err := time.ParseDuration(text)
	if err != nil {
		return 0, fmt.Errorf("bad duration %q: %w", text, err)
	}

	return d, nil
}
