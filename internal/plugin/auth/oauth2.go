package auth

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/hook"
	"go.followtheprocess.codes/reqrun/internal/session"
	"go.followtheprocess.codes/reqrun/internal/variable"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/sync/singleflight"
)

const (
	// GrantClientCredentials is the only supported OAuth2 grant.
	GrantClientCredentials = "client_credentials"

	// DefaultPrefix is the prefix of the configuration variables when none is given.
	DefaultPrefix = "oauth2"

	// SessionType is the type of the session entries holding tokens.
	SessionType = "oauth2"
)

const (
	// How long before expiry a cached token is refreshed.
	refreshMargin = 30 * time.Second

	// Bound on a background refresh.
	refreshTimeout = 30 * time.Second
)

// fetches collapses concurrent fetches of the same token, e.g. from parallel repetitions.
var fetches singleflight.Group

// oauth2Header returns the Authorization value for "OAuth2 <grant> [prefix]".
//
// A grant other than client credentials, or missing configuration, is logged and cancels
// the replacement so the request is never sent.
func oauth2Header(ctx context.Context, pc *document.ProcessorContext, args string) (any, error) {
	grant, prefix := GrantClientCredentials, DefaultPrefix

	fields := strings.Fields(args)
	if len(fields) > 0 {
		grant = fields[0]
	}

	if len(fields) > 1 {
		prefix = fields[1]
	}

	if !strings.EqualFold(grant, GrantClientCredentials) {
		pc.Logger.Error("unsupported oauth2 grant", "region", pc.Region.Name(), "grant", grant)
		return nil, hook.Cancel
	}

	config, err := Config(pc.Variables, prefix)
	if err != nil {
		pc.Logger.Error("could not configure oauth2", "region", pc.Region.Name(), "error", err)
		return nil, hook.Cancel
	}

	token, err := Token(ctx, pc.Session, config)
	if err != nil {
		return nil, err
	}

	return token.Type() + " " + token.AccessToken, nil
}

// Config builds a client credentials configuration from the variables named after prefix.
func Config(vars *document.Variables, prefix string) (*clientcredentials.Config, error) {
	var missing []string

	get := func(name string, required bool) string {
		value, ok := vars.Get(prefix + "_" + name)
		if !ok || variable.Stringify(value) == "" {
			if required {
				missing = append(missing, prefix+"_"+name)
			}

			return ""
		}

		return variable.Stringify(value)
	}

	config := &clientcredentials.Config{
		TokenURL:     get("tokenEndpoint", true),
		ClientID:     get("clientId", true),
		ClientSecret: get("clientSecret", false),
		Scopes:       strings.Fields(get("scope", false)),
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing variables %s", strings.Join(missing, ", "))
	}

	return config, nil
}

// Token returns a valid token for config, from the session if one is cached there.
//
// A freshly fetched token is stored in the session along with a keep-alive job that fetches
// a new one shortly before it expires. A nil store disables caching.
func Token(ctx context.Context, store *session.Store, config *clientcredentials.Config) (*oauth2.Token, error) {
	id := SessionID(config)

	if store != nil {
		if entry, ok := store.Get(id); ok {
			if token, ok := entry.Details.(*oauth2.Token); ok && token.Valid() {
				return token, nil
			}
		}
	}

	result, err, _ := fetches.Do(id, func() (any, error) {
		return fetch(ctx, store, id, config)
	})
	if err != nil {
		return nil, err
	}

	return result.(*oauth2.Token), nil
}

// SessionID is the id of the session entry caching the token of config.
func SessionID(config *clientcredentials.Config) string {
	return fmt.Sprintf("%s:%s@%s[%s]", SessionType, config.ClientID, config.TokenURL, strings.Join(config.Scopes, " "))
}

func fetch(ctx context.Context, store *session.Store, id string, config *clientcredentials.Config) (*oauth2.Token, error) {
	token, err := config.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("could not fetch oauth2 token from %s: %w", config.TokenURL, err)
	}

	if store == nil {
		return token, nil
	}

	entry := session.Entry{
		ID:          id,
		Title:       "OAuth2 token",
		Description: fmt.Sprintf("client credentials for %s at %s", config.ClientID, config.TokenURL),
		Type:        SessionType,
		Details:     token,
	}

	if every, ok := refreshInterval(token); ok {
		handle, err := store.KeepAlive("@every "+every.String(), func() { refresh(store, id, config) })
		if err != nil {
			return nil, err
		}

		entry.KeepAlive = handle
	}

	store.Set(entry)

	return token, nil
}

// refresh replaces the token of the session entry id, keeping its keep-alive job. A failed
// refresh leaves the old token to be fetched again once it expires.
func refresh(store *session.Store, id string, config *clientcredentials.Config) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	token, err := config.Token(ctx)
	if err != nil {
		return
	}

	entry, ok := store.Get(id)
	if !ok {
		return
	}

	entry.Details = token
	store.Set(entry)
}

// refreshInterval is how often a token like this one needs refreshing, ok is false for
// tokens that never expire.
func refreshInterval(token *oauth2.Token) (every time.Duration, ok bool) {
	if token.Expiry.IsZero() {
		return 0, false
	}

	every = max(time.Until(token.Expiry)-refreshMargin, time.Second)

	return every.Round(time.Second), true
}
