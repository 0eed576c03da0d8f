package auth_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"slices"
	"sync"
	"testing"
	"time"

	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/plugin/auth"
	"go.followtheprocess.codes/reqrun/internal/plugin/httpclient"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/session"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/syntax/parser"
	"go.followtheprocess.codes/test"
	"golang.org/x/oauth2"
)

// server hands out numbered tokens on POST /token and records the Authorization header
// of everything else.
type server struct {
	*httptest.Server
	seen    []string
	expires int
	tokens  int
	mu      sync.Mutex
}

func newServer(t *testing.T, expires int) *server {
	t.Helper()

	s := &server{expires: expires}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()

		if r.URL.Path == "/token" {
			id, secret, _ := r.BasicAuth()
			if r.FormValue("client_id") != "" {
				id, secret = r.FormValue("client_id"), r.FormValue("client_secret")
			}

			if id != "reqrun" || secret != "shh" || r.FormValue("grant_type") != "client_credentials" {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}

			s.tokens++
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{
				"access_token": fmt.Sprintf("t%d", s.tokens),
				"token_type":   "bearer",
				"expires_in":   s.expires,
			})

			return
		}

		s.seen = append(s.seen, r.Header.Get("Authorization"))
	}))

	t.Cleanup(s.Close)

	return s
}

func (s *server) issued() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.tokens
}

func (s *server) authorizations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.seen...)
}

func TestBasic(t *testing.T) {
	tests := []struct {
		name        string // Name of the test case
		credentials string // Text after "Basic"
		want        string // Expected header value
	}{
		{name: "colon", credentials: "user:pass", want: "Basic dXNlcjpwYXNz"},
		{name: "space", credentials: "user pass", want: "Basic dXNlcjpwYXNz"},
		{name: "colon in password", credentials: "user:pa:ss", want: "Basic dXNlcjpwYTpzcw=="},
		{name: "already encoded", credentials: "dXNlcjpwYXNz", want: "Basic dXNlcjpwYXNz"},
		{name: "padded", credentials: "  user:pass  ", want: "Basic dXNlcjpwYXNz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			test.Equal(t, auth.Basic(tt.credentials), tt.want)
		})
	}
}

func TestBasicRequest(t *testing.T) {
	var user, password string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, password, _ = r.BasicAuth()
	}))
	defer srv.Close()

	src := fmt.Sprintf("@user = tom\n@password = s3cret\n\nGET %s/private\nAuthorization: Basic {{user}}:{{password}}\n", srv.URL)
	doc := parse(t, src)

	report, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)
	test.False(t, report.Failed())

	test.Equal(t, user, "tom")
	test.Equal(t, password, "s3cret")
}

func TestOAuth2(t *testing.T) {
	tests := []struct {
		name   string // Name of the test case
		prefix string // Prefix of the configuration variables
		header string // Authorization header as written
	}{
		{name: "default prefix", prefix: "oauth2", header: "OAuth2 client_credentials"},
		{name: "no grant", prefix: "oauth2", header: "oauth2"},
		{name: "custom prefix", prefix: "backend", header: "OAuth2 client_credentials backend"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newServer(t, 3600)

			src := fmt.Sprintf(`@host = %[1]s
@%[2]s_tokenEndpoint = {{host}}/token
@%[2]s_clientId = reqrun
@%[2]s_clientSecret = shh

### one
GET /one
Authorization: %[3]s

### two
GET /two
Authorization: %[3]s
`, s.URL, tt.prefix, tt.header)

			store := session.New()
			defer store.Close()

			doc := parse(t, src)

			report, err := runner.Run(t.Context(), doc, runner.Options{Session: store})
			test.Ok(t, err)
			test.False(t, report.Failed())

			test.Equal(t, s.issued(), 1)
			test.EqualFunc(t, s.authorizations(), []string{"Bearer t1", "Bearer t1"}, slices.Equal)

			entries := store.List()
			test.Equal(t, len(entries), 1)
			test.Equal(t, entries[0].Type, auth.SessionType)
			test.True(t, entries[0].KeepAlive != 0, test.Context("token has no refresh job"))
			test.Equal(t, store.Scheduled(), 1)
		})
	}
}

func TestOAuth2Missing(t *testing.T) {
	s := newServer(t, 3600)

	src := fmt.Sprintf("@oauth2_clientSecret = shh\n\nGET %s/one\nAuthorization: OAuth2 client_credentials\n", s.URL)
	doc := parse(t, src)

	report, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)

	// Missing configuration cancels the request, it doesn't fail the run
	test.False(t, report.Failed())
	test.False(t, report.Results[0].Completed)

	_, failed, _, canceled := report.Counts()
	test.Equal(t, failed, 0)
	test.Equal(t, canceled, 1)

	test.Equal(t, s.issued(), 0)
	test.Equal(t, len(s.authorizations()), 0)
}

func TestOAuth2UnsupportedGrant(t *testing.T) {
	s := newServer(t, 3600)

	doc := parse(t, fmt.Sprintf("GET %s/one\nAuthorization: OAuth2 password\n", s.URL))

	report, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)
	test.False(t, report.Failed())

	_, _, _, canceled := report.Counts()
	test.Equal(t, canceled, 1)
	test.Equal(t, len(s.authorizations()), 0)
}

func TestOAuth2BadCredentials(t *testing.T) {
	s := newServer(t, 3600)

	src := fmt.Sprintf(`@oauth2_tokenEndpoint = %[1]s/token
@oauth2_clientId = reqrun
@oauth2_clientSecret = wrong

GET %[1]s/one
Authorization: OAuth2 client_credentials
`, s.URL)

	doc := parse(t, src)

	_, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Err(t, err)
	test.Equal(t, len(s.authorizations()), 0)
}

func TestOAuth2Refresh(t *testing.T) {
	// Expires just after the refresh margin, so the refresh job runs every second
	s := newServer(t, 31)

	src := fmt.Sprintf(`@oauth2_tokenEndpoint = %[1]s/token
@oauth2_clientId = reqrun
@oauth2_clientSecret = shh

GET %[1]s/one
Authorization: OAuth2 client_credentials
`, s.URL)

	store := session.New()
	defer store.Close()

	doc := parse(t, src)

	_, err := runner.Run(t.Context(), doc, runner.Options{Session: store})
	test.Ok(t, err)

	deadline := time.Now().Add(5 * time.Second)
	for s.issued() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	test.True(t, s.issued() >= 2, test.Context("token was never refreshed"))

	// The refreshed token replaces the cached one
	deadline = time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		entries := store.List()
		if len(entries) == 1 && entries[0].Details.(*oauth2.Token).AccessToken != "t1" {
			break
		}

		time.Sleep(10 * time.Millisecond)
	}

	entries := store.List()
	test.Equal(t, len(entries), 1)
	test.True(t, entries[0].Details.(*oauth2.Token).AccessToken != "t1", test.Context("cached token not replaced"))
}

func TestConfig(t *testing.T) {
	vars := document.NewVariables(map[string]any{
		"oauth2_tokenEndpoint": "https://auth.example.com/token",
		"oauth2_clientId":      "reqrun",
		"oauth2_scope":         "read write",
	})

	config, err := auth.Config(vars, "oauth2")
	test.Ok(t, err)
	test.Equal(t, config.TokenURL, "https://auth.example.com/token")
	test.Equal(t, config.ClientID, "reqrun")
	test.Equal(t, config.ClientSecret, "")
	test.EqualFunc(t, config.Scopes, []string{"read", "write"}, slices.Equal)

	_, err = auth.Config(vars, "other")
	test.Err(t, err)
	test.Equal(t, err.Error(), "missing variables other_tokenEndpoint, other_clientId")
}

func parse(t *testing.T, src string) *document.Document {
	t.Helper()

	p := parser.New(func(pos syntax.Position, msg string) {
		t.Fatalf("%s: %s", pos, msg)
	}, httpclient.Plugin(httpclient.DefaultSettings()), auth.Plugin)

	doc, err := p.Parse(t.Context(), "test.http", 1, []byte(src))
	test.Ok(t, err)

	return doc
}
