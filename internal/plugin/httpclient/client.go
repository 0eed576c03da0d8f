package httpclient

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptrace"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/session"
	"go.followtheprocess.codes/reqrun/internal/variable"
)

// CookieSession is the id of the session entry holding the cookie jar shared by every
// HTTP request of a process.
const CookieSession = "http.cookies"

// Factory returns a [runner.Factory] building a [Client] per request.
func Factory(defaults Settings) runner.Factory {
	return func(ctx context.Context, request *document.Request, pc *document.ProcessorContext) (runner.Client, error) {
		settings, err := defaults.For(pc.Region)
		if err != nil {
			return nil, err
		}

		jar, err := cookies(pc.Session)
		if err != nil {
			return nil, err
		}

		return NewClient(request, pc, settings, jar), nil
	}
}

// Client is a [runner.Client] making a single HTTP request.
type Client struct {
	runner.Emitter
	request  *document.Request
	pc       *document.ProcessorContext
	http     *http.Client
	cancel   context.CancelCauseFunc
	settings Settings
	mu       sync.Mutex
}

// NewClient returns a new [Client] for request. jar may be nil, in which case cookies
// are not kept between requests.
func NewClient(request *document.Request, pc *document.ProcessorContext, settings Settings, jar http.CookieJar) *Client {
	dialer := &net.Dialer{Timeout: settings.ConnectionTimeout}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: settings.ConnectionTimeout,
		ForceAttemptHTTP2:   true,
		DisableKeepAlives:   true, // Every request gets its own client, nothing would reuse the connection
	}

	client := &http.Client{
		Transport: transport,
		Timeout:   settings.Timeout,
		Jar:       jar,
	}

	if settings.NoRedirect {
		client.CheckRedirect = func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	return &Client{
		request:  request,
		pc:       pc,
		http:     client,
		settings: settings,
	}
}

// Connect implements [runner.Client], HTTP has nothing to do until the request is sent.
func (c *Client) Connect(ctx context.Context) (*document.Response, error) {
	c.Emit(runner.Event{Kind: runner.EventProgress, Percent: 0})
	return nil, nil
}

// Send implements [runner.Client], making the request with up to Settings.Retries extra
// attempts on transport errors.
func (c *Client) Send(ctx context.Context, body []byte) (*document.Response, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	body, err := c.body(ctx, body)
	if err != nil {
		return nil, err
	}

	attempt := 0
	operation := func() (*document.Response, error) {
		attempt++

		response, err := c.do(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, backoff.Permanent(err)
			}

			c.pc.Logger.Warn("request failed", "url", c.request.URL, "attempt", attempt, "error", err)

			return nil, err
		}

		return response, nil
	}

	response, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(uint(c.settings.Retries)+1),
	)
	if err != nil {
		return nil, err
	}

	c.Emit(runner.Event{Kind: runner.EventProgress, Percent: 100})

	if c.request.ResponseFile != "" {
		path := c.pc.Document.Path(c.request.ResponseFile)
		if err := os.WriteFile(path, response.Body, 0o644); err != nil {
			return nil, fmt.Errorf("could not write response body: %w", err)
		}

		c.pc.Logger.Debug("wrote response body", "path", path, "bytes", len(response.Body))
	}

	return response, nil
}

// Disconnect implements [runner.Client], aborting a request in flight.
func (c *Client) Disconnect(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		c.cancel(err)
	}

	c.http.CloseIdleConnections()
}

// SupportsStreaming implements [runner.Client], an HTTP response is delivered all at once.
func (c *Client) SupportsStreaming() bool {
	return false
}

// ReportMessage implements [runner.Client].
func (c *Client) ReportMessage() string {
	return c.request.Method + " " + c.request.URL
}

// body returns the body to send, either the inline body or the contents of the body
// file with its placeholders replaced.
func (c *Client) body(ctx context.Context, inline []byte) ([]byte, error) {
	if c.request.BodyFile == "" {
		return inline, nil
	}

	contents, err := os.ReadFile(c.pc.Document.Path(c.request.BodyFile))
	if err != nil {
		return nil, fmt.Errorf("could not read body file: %w", err)
	}

	replaced, ok, err := variable.Replace(ctx, c.pc, document.ReplaceBody, contents)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, errors.New("replacement of the body file was canceled")
	}

	data, _ := replaced.([]byte)

	return data, nil
}

// do makes one attempt at the request.
func (c *Client) do(ctx context.Context, body []byte) (*document.Response, error) {
	timer := &tracer{}
	ctx = httptrace.WithClientTrace(ctx, timer.trace())

	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, c.request.Method, c.request.URL, reader)
	if err != nil {
		return nil, fmt.Errorf("could not build request: %w", err)
	}

	for _, header := range c.request.Headers {
		if strings.EqualFold(header.Name, "Host") {
			req.Host = header.Value
			continue
		}

		req.Header.Add(header.Name, header.Value)
	}

	timer.start = time.Now()

	res, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	data, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("could not read response body: %w", err)
	}

	response := &document.Response{
		Protocol:      res.Proto,
		StatusCode:    res.StatusCode,
		StatusMessage: strings.TrimSpace(strings.TrimPrefix(res.Status, strconv.Itoa(res.StatusCode))),
		Headers:       headers(res.Header),
		Body:          data,
		Timings:       timer.timings(time.Now()),
	}

	if contentType := res.Header.Get("Content-Type"); contentType != "" {
		if media, _, err := mime.ParseMediaType(contentType); err == nil {
			response.ContentType = media
		} else {
			response.ContentType = contentType
		}
	}

	c.Emit(runner.Event{Kind: runner.EventMetaData, Name: "headers", Response: response})

	return response, nil
}

// headers flattens h into headers sorted by name, values of a repeated header keep their order.
func headers(h http.Header) []document.Header {
	names := make([]string, 0, len(h))
	for name := range h {
		names = append(names, name)
	}

	slices.Sort(names)

	flat := make([]document.Header, 0, len(names))
	for _, name := range names {
		for _, value := range h[name] {
			flat = append(flat, document.Header{Name: name, Value: value})
		}
	}

	return flat
}

// cookies returns the process wide cookie jar, creating it on first use.
func cookies(store *session.Store) (http.CookieJar, error) {
	if store == nil {
		return nil, nil
	}

	if entry, ok := store.Get(CookieSession); ok {
		if jar, ok := entry.Details.(http.CookieJar); ok {
			return jar, nil
		}
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("could not create cookie jar: %w", err)
	}

	store.Set(session.Entry{
		ID:          CookieSession,
		Title:       "Cookies",
		Description: "Cookies set by HTTP responses",
		Type:        "cookies",
		Details:     jar,
	})

	return jar, nil
}

// tracer records the moments of an exchange reported by [httptrace].
//
// The hooks may be called from the dialing goroutine so access is guarded.
type tracer struct {
	start        time.Time
	dnsStart     time.Time
	dnsDone      time.Time
	connectStart time.Time
	connectDone  time.Time
	tlsStart     time.Time
	tlsDone      time.Time
	wrote        time.Time
	firstByte    time.Time
	mu           sync.Mutex
}

func (t *tracer) mark(at *time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Redirects go through the hooks again, the first is what counts
	if at.IsZero() {
		*at = time.Now()
	}
}

func (t *tracer) trace() *httptrace.ClientTrace {
	return &httptrace.ClientTrace{
		DNSStart:             func(httptrace.DNSStartInfo) { t.mark(&t.dnsStart) },
		DNSDone:              func(httptrace.DNSDoneInfo) { t.mark(&t.dnsDone) },
		ConnectStart:         func(string, string) { t.mark(&t.connectStart) },
		ConnectDone:          func(string, string, error) { t.mark(&t.connectDone) },
		TLSHandshakeStart:    func() { t.mark(&t.tlsStart) },
		TLSHandshakeDone:     func(tls.ConnectionState, error) { t.mark(&t.tlsDone) },
		WroteRequest:         func(httptrace.WroteRequestInfo) { t.mark(&t.wrote) },
		GotFirstResponseByte: func() { t.mark(&t.firstByte) },
	}
}

// timings returns the breakdown of an exchange that finished at end.
func (t *tracer) timings(end time.Time) document.Timings {
	t.mu.Lock()
	defer t.mu.Unlock()

	between := func(from, to time.Time) time.Duration {
		if from.IsZero() || to.IsZero() {
			return 0
		}

		return to.Sub(from)
	}

	sent := t.wrote
	if sent.IsZero() {
		sent = t.start
	}

	return document.Timings{
		DNS:       between(t.dnsStart, t.dnsDone),
		Connect:   between(t.connectStart, t.connectDone),
		TLS:       between(t.tlsStart, t.tlsDone),
		FirstByte: between(sent, t.firstByte),
		Download:  between(t.firstByte, end),
		Total:     between(t.start, end),
	}
}
