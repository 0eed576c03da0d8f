package websocket

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.followtheprocess.codes/reqrun/internal/document"
	"go.followtheprocess.codes/reqrun/internal/runner"
)

// handshakeTimeout bounds the opening handshake.
const handshakeTimeout = 30 * time.Second

// closeGrace is how long a close frame may take to write.
const closeGrace = time.Second

// Factory is the [runner.Factory] of the WebSocket transport.
func Factory(ctx context.Context, request *document.Request, pc *document.ProcessorContext) (runner.Client, error) {
	return NewClient(request, pc), nil
}

// Client is a [runner.Client] holding one WebSocket connection.
type Client struct {
	runner.Emitter
	request *document.Request
	pc      *document.ProcessorContext
	conn    *websocket.Conn
	done    chan struct{} // Closed once the connection is finished with
	started time.Time
	write   sync.Mutex // Guards writes to conn, gorilla allows one concurrent writer
	mu      sync.Mutex // Guards conn and closed
	closed  bool
}

// NewClient returns a new [Client] for request.
func NewClient(request *document.Request, pc *document.ProcessorContext) *Client {
	return &Client{
		request: request,
		pc:      pc,
		done:    make(chan struct{}),
	}
}

// Done returns a channel closed when the connection ends, from either side.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect implements [runner.Client], performing the opening handshake and starting to
// receive messages.
func (c *Client) Connect(ctx context.Context) (*document.Response, error) {
	target, err := socketURL(c.request.URL)
	if err != nil {
		return nil, err
	}

	header := http.Header{}
	for _, h := range c.request.Headers {
		header.Add(h.Name, h.Value)
	}

	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}

	if protocols, ok := c.request.Header("Sec-WebSocket-Protocol"); ok {
		header.Del("Sec-WebSocket-Protocol")
		for protocol := range strings.SplitSeq(protocols, ",") {
			dialer.Subprotocols = append(dialer.Subprotocols, strings.TrimSpace(protocol))
		}
	}

	c.started = time.Now()

	conn, res, err := dialer.DialContext(ctx, target, header)
	if err != nil {
		if res != nil {
			res.Body.Close()
			return nil, fmt.Errorf("handshake failed (HTTP %d): %w", res.StatusCode, err)
		}

		return nil, fmt.Errorf("could not connect: %w", err)
	}

	c.mu.Lock()
	if c.closed {
		// Disconnected while the handshake was in flight
		c.mu.Unlock()
		conn.Close()
		return nil, nil
	}
	c.conn = conn
	c.mu.Unlock()

	c.pc.Logger.Debug("connected", "url", target, "protocol", conn.Subprotocol())
	c.Emit(runner.Event{Kind: runner.EventProgress, Percent: 50})

	go c.receive(conn)

	return nil, nil
}

// Send implements [runner.Client], sending every non blank line of body as a text message.
func (c *Client) Send(ctx context.Context, body []byte) (*document.Response, error) {
	c.mu.Lock()
	conn, closed := c.conn, c.closed
	c.mu.Unlock()

	if conn == nil || closed {
		return nil, nil
	}

	for line := range bytes.SplitSeq(body, []byte("\n")) {
		message := bytes.TrimSpace(line)
		if len(message) == 0 {
			continue
		}

		if ctx.Err() != nil {
			return nil, nil
		}

		c.write.Lock()
		err := conn.WriteMessage(websocket.TextMessage, message)
		c.write.Unlock()

		if err != nil {
			if c.isClosed() {
				return nil, nil
			}

			return nil, fmt.Errorf("could not send message: %w", err)
		}
	}

	return nil, nil
}

// Disconnect implements [runner.Client], closing the connection with a close frame.
func (c *Client) Disconnect(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		// Never connected, nobody else will close done
		close(c.done)
		return
	}

	code, reason := websocket.CloseNormalClosure, ""
	if err != nil {
		code, reason = websocket.CloseGoingAway, err.Error()
	}

	c.write.Lock()
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(closeGrace))
	c.write.Unlock()

	conn.Close()
}

// SupportsStreaming implements [runner.Client].
func (c *Client) SupportsStreaming() bool {
	return true
}

// ReportMessage implements [runner.Client].
func (c *Client) ReportMessage() string {
	return "WS " + c.request.URL
}

// isClosed reports whether Disconnect has been called.
func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// receive reads messages from conn until it closes, emitting each as a message event.
func (c *Client) receive(conn *websocket.Conn) {
	defer close(c.done)

	for index := 0; ; index++ {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			var reason error
			if !c.isClosed() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				reason = err
			}

			c.Emit(runner.Event{Kind: runner.EventDisconnected, Err: reason})
			return
		}

		name := messageType(kind)

		c.Emit(runner.Event{
			Kind: runner.EventMessage,
			Name: name,
			Response: &document.Response{
				Protocol:      Protocol,
				StatusMessage: name,
				ContentType:   contentType(kind, data),
				Body:          data,
				Timings:       document.Timings{Total: time.Since(c.started)},
				Meta:          map[string]any{"type": name, "index": index},
			},
		})
	}
}

// socketURL returns raw with an http(s) scheme swapped for ws(s), so a request may be
// written against the same host variable as HTTP requests.
func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		return "", errors.New("invalid URL: no scheme, is the host variable set?")
	default:
		return "", fmt.Errorf("invalid URL: unsupported scheme %q", u.Scheme)
	}

	return u.String(), nil
}

func messageType(kind int) string {
	switch kind {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	default:
		return "unknown"
	}
}

// contentType guesses the media type of a message.
func contentType(kind int, data []byte) string {
	if kind == websocket.BinaryMessage {
		return "application/octet-stream"
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return "application/json"
	}

	return "text/plain"
}
