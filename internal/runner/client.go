package runner

import (
	"context"
	"slices"
	"sync"

	"go.followtheprocess.codes/reqrun/internal/document"
)

// EventKind is the kind of an [Event] emitted by a [Client].
type EventKind int

const (
	EventProgress     EventKind = iota // progress
	EventMessage                       // message
	EventMetaData                      // meta-data
	EventDisconnected                  // disconnected
)

// String implements [fmt.Stringer] for an [EventKind].
func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventMessage:
		return "message"
	case EventMetaData:
		return "meta-data"
	case EventDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// Event is a notification from a [Client] during an exchange.
type Event struct {
	Response *document.Response // The message or meta data, for EventMessage and EventMetaData
	Err      error              // Why the client disconnected, for EventDisconnected
	Name     string             // Transport specific sub kind, e.g. "text" or "headers"
	Kind     EventKind          // What happened
	Percent  float64            // Completion in [0, 100], for EventProgress
}

// Listener receives events from a [Client].
type Listener func(event Event)

// Client is a transport connection executing a single request.
//
// Connect and Send may return a response directly, streaming transports instead (or as well)
// emit EventMessage events. Disconnect must be safe to call while Connect or Send are in
// progress and must unblock them.
type Client interface {
	// Connect establishes the connection, a canceled ctx means no response rather than an error.
	Connect(ctx context.Context) (*document.Response, error)

	// Send transmits body, already replaced, and returns the response if the transport has one.
	Send(ctx context.Context, body []byte) (*document.Response, error)

	// Disconnect closes the connection, err is the reason if it was not a normal close.
	Disconnect(err error)

	// SupportsStreaming reports whether the client delivers messages after Send returns.
	SupportsStreaming() bool

	// ReportMessage is the text shown alongside progress updates.
	ReportMessage() string

	// On registers listener for events of kind, returning an id for Off.
	On(kind EventKind, listener Listener) int

	// Off deregisters the listener with the given id.
	Off(id int)
}

// Factory builds the [Client] for an outgoing request.
//
// The request has already been through variable replacement. The on-request hooks run
// after the client is built and may still cancel the exchange before anything is sent.
type Factory func(ctx context.Context, request *document.Request, pc *document.ProcessorContext) (Client, error)

// clientKey is the context key of the client of the exchange in progress.
type clientKey struct{}

// ClientFrom returns the client of the exchange ctx belongs to.
//
// The contexts passed to the on-request and on-streaming hooks of an exchange carry its
// client, so concurrent exchanges of the same region each see their own.
func ClientFrom(ctx context.Context) (Client, bool) {
	client, ok := ctx.Value(clientKey{}).(Client)
	return client, ok
}

// registration is a listener waiting for one kind of event.
type registration struct {
	listener Listener
	kind     EventKind
}

// Emitter implements the event half of [Client], transports embed it and call Emit.
//
// The zero value is ready to use.
type Emitter struct {
	listeners map[int]registration
	next      int
	mu        sync.Mutex
}

// On implements [Client.On].
func (e *Emitter) On(kind EventKind, listener Listener) int {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listeners == nil {
		e.listeners = make(map[int]registration)
	}

	e.next++
	e.listeners[e.next] = registration{kind: kind, listener: listener}

	return e.next
}

// Off implements [Client.Off].
func (e *Emitter) Off(id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.listeners, id)
}

// Emit calls every listener registered for the kind of event, in registration order.
//
// Listeners are called without the lock held so they may call On or Off.
func (e *Emitter) Emit(event Event) {
	e.mu.Lock()
	ids := make([]int, 0, len(e.listeners))
	for id, r := range e.listeners {
		if r.kind == event.Kind {
			ids = append(ids, id)
		}
	}

	slices.Sort(ids)

	listeners := make([]Listener, 0, len(ids))
	for _, id := range ids {
		listeners = append(listeners, e.listeners[id].listener)
	}
	e.mu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}
