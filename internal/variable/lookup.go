package variable

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.followtheprocess.codes/reqrun/internal/document"
)

// Lookup resolves names against the variables of the execution.
//
// A name matching a variable exactly resolves to its value. Otherwise the part before the
// first '.' names a variable and the rest is a path into it, e.g. "login.body.token" reads the
// token field of the JSON body of the response stored as "login".
func Lookup(ctx context.Context, value any, in document.LookupInput) (any, error) {
	if document.IsResolved(value) {
		return value, nil
	}

	variables := in.Context.Variables

	if found, ok := variables.Get(in.Name); ok {
		return found, nil
	}

	base, path, ok := strings.Cut(in.Name, ".")
	if !ok {
		return value, nil
	}

	found, ok := variables.Get(base)
	if !ok {
		return value, nil
	}

	result := gjson.Get(Raw(found), path)
	if !result.Exists() {
		return value, nil
	}

	if result.Type == gjson.String {
		return result.String(), nil
	}

	return result.Raw, nil
}

// Dynamic resolves the built in dynamic variables, each use produces a fresh value.
//
//   - $uuid: a random UUID
//   - $timestamp: the current unix time in seconds
//   - $isoTimestamp: the current UTC time in RFC 3339 format
//   - $randomInt min max: a random integer in [min, max), defaults to [0, 1000)
//   - $processEnv NAME: the value of environment variable NAME
func Dynamic(ctx context.Context, value any, in document.LookupInput) (any, error) {
	if document.IsResolved(value) || !strings.HasPrefix(in.Name, "$") {
		return value, nil
	}

	fields := strings.Fields(in.Name)

	switch fields[0] {
	case "$uuid", "$guid":
		return uuid.NewString(), nil
	case "$timestamp":
		return strconv.FormatInt(time.Now().Unix(), 10), nil
	case "$isoTimestamp":
		return time.Now().UTC().Format(time.RFC3339), nil
	case "$randomInt":
		low, high := 0, 1000
		if len(fields) == 3 {
			var err error
			if low, err = strconv.Atoi(fields[1]); err != nil {
				in.Context.Logger.Warn("bad $randomInt minimum", "value", fields[1])
				return value, nil
			}

			if high, err = strconv.Atoi(fields[2]); err != nil {
				in.Context.Logger.Warn("bad $randomInt maximum", "value", fields[2])
				return value, nil
			}
		}

		if high <= low {
			return strconv.Itoa(low), nil
		}

		return strconv.Itoa(low + rand.IntN(high-low)), nil
	case "$processEnv":
		if len(fields) != 2 {
			return value, nil
		}

		if env, ok := os.LookupEnv(fields[1]); ok {
			return env, nil
		}

		return value, nil
	default:
		return value, nil
	}
}

// Raw returns value as JSON text for path queries.
//
// Strings and byte slices are assumed to already be JSON (e.g. a response body or an extracted
// value), responses become an object with status, headers and body fields.
func Raw(value any) string {
	switch value := value.(type) {
	case string:
		return value
	case []byte:
		return string(value)
	case *document.Response:
		return responseJSON(value)
	default:
		raw, err := json.Marshal(value)
		if err != nil {
			return ""
		}

		return string(raw)
	}
}

// responseJSON renders a response as a JSON object, the body is embedded as JSON when it is
// valid JSON and as a string otherwise.
func responseJSON(response *document.Response) string {
	headers := make(map[string]string, len(response.Headers))
	for _, header := range response.Headers {
		headers[header.Name] = header.Value
	}

	var body any = string(response.Body)
	if gjson.ValidBytes(response.Body) {
		body = json.RawMessage(response.Body)
	}

	raw, err := json.Marshal(map[string]any{
		"status":        response.StatusCode,
		"statusMessage": response.StatusMessage,
		"headers":       headers,
		"contentType":   response.ContentType,
		"body":          body,
	})
	if err != nil {
		return ""
	}

	return string(raw)
}
