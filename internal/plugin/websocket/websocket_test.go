package websocket_test

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	gorilla "github.com/gorilla/websocket"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/plugin/websocket"
	"go.followtheprocess.codes/reqrun/internal/runner"
	"go.followtheprocess.codes/reqrun/internal/syntax"
	"go.followtheprocess.codes/reqrun/internal/syntax/parser"
	"go.followtheprocess.codes/test"
)

var upgrader = gorilla.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

func TestParse(t *testing.T) {
	src := "WS ws://localhost:8080/chat\nAuthorization: Bearer {{token}}\n\n{\"type\": \"hello\"}\n\n  ping  \n### next\nWS ws://localhost:8080/other\n"

	doc := parse(t, src)

	requests := doc.Requests()
	test.Equal(t, len(requests), 2)

	first := requests[0].Request
	test.Equal(t, first.Protocol, websocket.Protocol)
	test.Equal(t, first.Method, "WS")
	test.Equal(t, first.URL, "ws://localhost:8080/chat")
	test.Equal(t, len(first.Headers), 1)
	test.Equal(t, string(first.Body), "{\"type\": \"hello\"}\nping")

	test.Equal(t, requests[0].Hooks.OnStreaming.Len(), 1)
	test.Equal(t, requests[1].Name(), "next")
	test.Equal(t, len(requests[1].Request.Body), 0)
}

func TestParseBadStreamingTimeout(t *testing.T) {
	var got []string

	handler := func(pos syntax.Position, msg string) {
		got = append(got, fmt.Sprintf("%s: %s", pos, msg))
	}

	p := parser.New(handler, websocket.Plugin)

	_, err := p.Parse(t.Context(), "test.http", 1, []byte("# @streaming-timeout forever\nWS ws://localhost/\n"))
	test.Err(t, err)

	test.Equal(t, len(got), 1)
	test.Equal(t, got[0], `test.http:1:22-28: bad streaming-timeout value: time: invalid duration "forever"`)
}

func TestEcho(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			kind, message, err := conn.ReadMessage()
			if err != nil {
				return
			}

			if err := conn.WriteMessage(kind, append([]byte("echo: "), message...)); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	target := "ws" + strings.TrimPrefix(server.URL, "http")
	src := fmt.Sprintf("# @streaming-timeout 300ms\nWS %s/echo\n\nhello\nworld\n", target)

	doc := parse(t, src)

	report, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)
	test.False(t, report.Failed())

	response := doc.Regions[0].Response
	test.True(t, response != nil, test.Context("no response"))

	// Two messages are merged into a summary
	var summary runner.Summary
	test.Ok(t, json.Unmarshal(response.Body, &summary))
	test.Equal(t, summary.Count, 2)

	var bodies []string
	for _, raw := range summary.Responses {
		var message struct {
			Body string `json:"body"`
		}
		test.Ok(t, json.Unmarshal(raw, &message))
		bodies = append(bodies, message.Body)
	}

	test.Equal(t, strings.Join(bodies, ","), "echo: hello,echo: world")
}

func TestServerCloses(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_ = conn.WriteMessage(gorilla.TextMessage, []byte("welcome"))
		_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye"))

		// Wait for the client to acknowledge the close
		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	// An http url works too, the scheme is swapped for ws
	src := fmt.Sprintf("WS %s/greet\n", server.URL)
	doc := parse(t, src)

	start := time.Now()

	_, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)

	test.True(t, time.Since(start) < websocket.DefaultStreamingTimeout/2, test.Context("run did not end when the server closed"))

	response := doc.Regions[0].Response
	test.True(t, response != nil, test.Context("no response"))
	test.Equal(t, string(response.Body), "welcome")
	test.Equal(t, response.ContentType, "text/plain")
	test.Equal(t, response.StatusMessage, "text")
}

func TestRepeatParallel(t *testing.T) {
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		kind, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		// Stagger the replies so the connections end at different times
		time.Sleep(time.Duration(connections.Add(1)) * 20 * time.Millisecond)

		_ = conn.WriteMessage(kind, append([]byte("echo: "), message...))
		_ = conn.WriteMessage(gorilla.CloseMessage, gorilla.FormatCloseMessage(gorilla.CloseNormalClosure, "bye"))

		_, _, _ = conn.ReadMessage()
	}))
	defer server.Close()

	target := "ws" + strings.TrimPrefix(server.URL, "http")
	src := fmt.Sprintf("# @repeat 3 parallel\n# @streaming-timeout 5s\nWS %s/echo\n\nhello\n", target)

	doc := parse(t, src)

	start := time.Now()

	report, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Ok(t, err)
	test.False(t, report.Failed())
	test.True(t, report.Results[0].Completed)

	test.True(t, time.Since(start) < 5*time.Second, test.Context("a stream waited for its timeout"))

	response := doc.Regions[0].Response
	test.True(t, response != nil, test.Context("no response"))

	// Each repetition keeps its own message
	var summary runner.Summary
	test.Ok(t, json.Unmarshal(response.Body, &summary))
	test.Equal(t, summary.Count, 3)

	for _, raw := range summary.Responses {
		var message struct {
			Body string `json:"body"`
		}
		test.Ok(t, json.Unmarshal(raw, &message))
		test.Equal(t, message.Body, "echo: hello")
	}
}

func TestHandshakeFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	doc := parse(t, fmt.Sprintf("WS %s/nope\n", server.URL))

	_, err := runner.Run(t.Context(), doc, runner.Options{})
	test.Err(t, err)
	test.True(t, strings.Contains(err.Error(), "HTTP 404"), test.Context("unexpected error: %v", err))
}

func parse(t *testing.T, src string) *document.Document {
	t.Helper()

	p := parser.New(func(pos syntax.Position, msg string) {
		t.Fatalf("%s: %s", pos, msg)
	}, websocket.Plugin)

	doc, err := p.Parse(t.Context(), "test.http", 1, []byte(src))
	test.Ok(t, err)

	return doc
}
