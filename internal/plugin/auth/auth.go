// Package auth implements replacers for the Authorization header of outgoing requests.
//
// Two schemes are understood, everything else is sent as written:
//
//	Authorization: Basic user:password
//	Authorization: Basic user password
//	Authorization: OAuth2 client_credentials [prefix]
//
// Basic credentials are base64 encoded. OAuth2 fetches a token with the client credentials
// grant, configured through variables named "<prefix>_tokenEndpoint", "<prefix>_clientId",
// "<prefix>_clientSecret" and "<prefix>_scope" where prefix defaults to "oauth2".
package auth

import (
	"context"
	"encoding/base64"
	"strings"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
)

// ID is the id of the auth replacer.
const ID = "auth"

// Header is the header the replacers apply to.
const Header = "Authorization"

// Plugin installs the Authorization replacers, they run after placeholders are expanded.
func Plugin(hooks *document.Hooks) {
	hooks.ReplaceVariable.Add(ID, replace, hook.After(document.IDTemplate))
}

func replace(ctx context.Context, value any, in document.ReplaceInput) (any, error) {
	if !strings.EqualFold(in.Kind, Header) {
		return value, nil
	}

	text, ok := value.(string)
	if !ok {
		return value, nil
	}

	scheme, rest, _ := strings.Cut(strings.TrimSpace(text), " ")

	switch {
	case strings.EqualFold(scheme, "Basic"):
		return Basic(rest), nil
	case strings.EqualFold(scheme, "OAuth2"):
		return oauth2Header(ctx, in.Context, rest)
	default:
		return value, nil
	}
}

// Basic returns the Basic Authorization value for credentials written as "user:password"
// or "user password". Anything else is assumed to be encoded already.
func Basic(credentials string) string {
	credentials = strings.TrimSpace(credentials)

	if user, password, ok := strings.Cut(credentials, ":"); ok {
		return "Basic " + encode(user, password)
	}

	if fields := strings.Fields(credentials); len(fields) == 2 {
		return "Basic " + encode(fields[0], fields[1])
	}

	return "Basic " + credentials
}

func encode(user, password string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + password))
}
