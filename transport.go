package occamy

import (
	"fmt"
	"io"
	"sync"

	"golang.org/x/net/websocket"
)

// localOrigin is sent as the Origin header on the websocket handshake. The
// Phoenix server this client talks to does not validate it.
const localOrigin = "http://localhost/"

// TransportObserver receives the four lifecycle signals a Transport emits.
// A Transport must deliver these serially per observer; it may have many
// observers, and observer-list mutation must be safe while signals are in
// flight.
type TransportObserver interface {
	Opened()
	Closed(code int, reason string)
	Message(text string)
	Error(err error)
}

// Transport is the capability set Socket needs from a WebSocket client.
// Framing, TLS, and the HTTP upgrade handshake live entirely behind this
// interface; Socket only ever calls these five methods.
type Transport interface {
	Connect() error
	Send(text string) error
	Close(code int, reason string) error
	AddObserver(o TransportObserver)
	RemoveObserver(o TransportObserver)
}

// observerList is the mutex-guarded subscriber list shared by transport
// implementations. It is exported-adjacent (lowercase) because it is an
// implementation helper, not part of the Transport contract.
type observerList struct {
	mu        sync.Mutex
	observers []TransportObserver
}

func newObserverList(initial []TransportObserver) *observerList {
	return &observerList{observers: append([]TransportObserver(nil), initial...)}
}

func (l *observerList) add(o TransportObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.observers = append(l.observers, o)
}

func (l *observerList) remove(o TransportObserver) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.observers[:0:0]
	for _, existing := range l.observers {
		if existing != o {
			kept = append(kept, existing)
		}
	}
	l.observers = kept
}

// snapshot returns the current observers so remove() during dispatch the
// caller is currently iterating over can't race the slice being walked.
func (l *observerList) snapshot() []TransportObserver {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]TransportObserver(nil), l.observers...)
}

// WebsocketTransport is the default, production Transport backed by
// golang.org/x/net/websocket, the same library the rest of this package's
// lineage uses for its Pusher client.
type WebsocketTransport struct {
	url    string
	origin string

	observers *observerList

	connMu sync.Mutex
	conn   *websocket.Conn

	closing     bool
	closingCode int
	closingMsg  string
	sendMu      sync.Mutex
}

// NewWebsocketTransport builds a Transport dialing url. observers carries
// over a prior transport's subscriber list across a reconnect.
func NewWebsocketTransport(url string, observers []TransportObserver) *WebsocketTransport {
	return &WebsocketTransport{
		url:       url,
		origin:    localOrigin,
		observers: newObserverList(observers),
	}
}

func (t *WebsocketTransport) AddObserver(o TransportObserver)    { t.observers.add(o) }
func (t *WebsocketTransport) RemoveObserver(o TransportObserver) { t.observers.remove(o) }

// Connect dials the endpoint and starts the read loop. It blocks until the
// handshake completes or fails, matching the teacher's Connect semantics.
func (t *WebsocketTransport) Connect() error {
	conn, err := websocket.Dial(t.url, "", t.origin)
	if err != nil {
		return fmt.Errorf("occamy: dial %s: %w", t.url, err)
	}

	t.connMu.Lock()
	t.conn = conn
	t.connMu.Unlock()

	for _, o := range t.observers.snapshot() {
		o.Opened()
	}

	go t.readLoop(conn)
	return nil
}

func (t *WebsocketTransport) readLoop(conn *websocket.Conn) {
	for {
		var text string
		err := websocket.Message.Receive(conn, &text)
		if err != nil {
			t.connMu.Lock()
			closing, code, msg := t.closing, t.closingCode, t.closingMsg
			t.connMu.Unlock()

			if closing || err == io.EOF {
				c := code
				if c == 0 {
					c = 1000
				}
				for _, o := range t.observers.snapshot() {
					o.Closed(c, msg)
				}
				return
			}

			for _, o := range t.observers.snapshot() {
				o.Error(err)
			}
			return
		}

		for _, o := range t.observers.snapshot() {
			o.Message(text)
		}
	}
}

// Send writes a single text frame. Concurrent Sends are serialized so frames
// never interleave on the wire.
func (t *WebsocketTransport) Send(text string) error {
	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrSocketClosed
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	return websocket.Message.Send(conn, text)
}

// Close closes the underlying connection. code and reason are recorded and
// surfaced to observers through the Closed signal once the read loop
// notices the connection died; golang.org/x/net/websocket does not expose a
// close-handshake code on the wire, so this is a local-only record.
func (t *WebsocketTransport) Close(code int, reason string) error {
	t.connMu.Lock()
	t.closing = true
	t.closingCode = code
	t.closingMsg = reason
	conn := t.conn
	t.connMu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}
