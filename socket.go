package occamy

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Default tunables, matching the protocol's documented defaults.
const (
	DefaultTimeout           = 10 * time.Second
	DefaultHeartbeatInterval = 30 * time.Second
	protocolVersion          = "1.0.0"
)

// TransportFactory builds a fresh Transport for url, carrying over
// observers from a prior transport instance (or nil on first connect).
// Socket calls this both on Connect and on every reconnect attempt.
type TransportFactory func(url string, observers []TransportObserver) Transport

func defaultTransportFactory(url string, observers []TransportObserver) Transport {
	return NewWebsocketTransport(url, observers)
}

// SocketOption configures a Socket at construction, mirroring the
// underlying Python constructor's optional keyword arguments.
type SocketOption func(*Socket)

// WithParams attaches query parameters sent on every (re)connect.
func WithParams(params url.Values) SocketOption {
	return func(s *Socket) { s.params = params }
}

// WithTimeout overrides the default per-push timeout.
func WithTimeout(d time.Duration) SocketOption {
	return func(s *Socket) { s.timeout = d }
}

// WithHeartbeatInterval overrides the default heartbeat cadence.
func WithHeartbeatInterval(d time.Duration) SocketOption {
	return func(s *Socket) { s.heartbeatInterval = d }
}

// WithReconnectInterval overrides the default attempt-indexed reconnect
// backoff schedule with a fixed delay.
func WithReconnectInterval(d time.Duration) SocketOption {
	return func(s *Socket) { s.reconnectInterval = constantInterval(d) }
}

// WithReconnectSchedule overrides the reconnect backoff schedule with an
// arbitrary attempt-indexed function.
func WithReconnectSchedule(f func(attempt int) time.Duration) SocketOption {
	return func(s *Socket) { s.reconnectInterval = f }
}

// WithLogger attaches a structured logger. Without this option the socket
// logs through slog.Default(); passing nil disables logging.
func WithLogger(logger *slog.Logger) SocketOption {
	return func(s *Socket) { s.logger = logger }
}

// WithErrors routes asynchronous transport errors to ch. Sends are
// non-blocking; a slow or unread channel silently drops errors rather than
// stalling the read loop.
func WithErrors(ch chan error) SocketOption {
	return func(s *Socket) { s.errors = ch }
}

// WithTransportFactory overrides the default golang.org/x/net/websocket
// transport, primarily for tests.
func WithTransportFactory(f TransportFactory) SocketOption {
	return func(s *Socket) { s.transportFactory = f }
}

// Socket owns a single logical connection to a Phoenix Channels endpoint:
// the transport, the heartbeat and reconnect timers, the monotonic ref
// counter, and the set of channels multiplexed over it.
//
// Like Channel and Push, Socket's lock only ever guards its own fields.
type Socket struct {
	endpointURL       string
	params            url.Values
	timeout           time.Duration
	heartbeatInterval time.Duration
	reconnectInterval intervalFunc
	logger            *slog.Logger
	errors            chan error
	transportFactory  TransportFactory

	mu             sync.Mutex
	connected      bool
	disconnecting  bool
	transport      Transport
	extraObservers []TransportObserver
	channels       []*Channel
	sendBuffer     []string
	ref            int

	heartbeatTimer *RepeatingTimer
	reconnectTimer *RepeatingTimer
}

// NewSocket builds a Socket for endpoint (without the trailing /websocket
// or query string; that's assembled here). It does not connect; call
// Connect to start the transport.
func NewSocket(endpoint string, opts ...SocketOption) *Socket {
	s := &Socket{
		timeout:           DefaultTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		reconnectInterval: defaultReconnectSchedule,
		transportFactory:  defaultTransportFactory,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.endpointURL = buildEndpointURL(endpoint, s.params)
	s.heartbeatTimer = NewRepeatingTimer(s.heartbeatInterval, s.sendHeartbeat)
	s.reconnectTimer = NewBackoffTimer(s.reconnectInterval, s.reconnect)
	return s
}

// buildEndpointURL appends /websocket to endpoint and query-encodes params
// plus the protocol version token, preserving any existing query string.
func buildEndpointURL(endpoint string, params url.Values) string {
	base, query := endpoint, ""
	if i := strings.Index(endpoint, "?"); i >= 0 {
		base, query = endpoint[:i], endpoint[i+1:]
	}
	base += "/websocket"

	values := url.Values{}
	for k, vs := range params {
		values[k] = vs
	}
	values.Set("vsn", protocolVersion)

	if query != "" {
		return base + "?" + query + "&" + values.Encode()
	}
	return base + "?" + values.Encode()
}

// Timeout returns the socket's default per-push timeout.
func (s *Socket) Timeout() time.Duration {
	return s.timeout
}

// IsConnected reports whether the transport is currently open.
func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// AddObserver registers an additional transport observer, preserved across
// reconnects alongside the socket's own subscription.
func (s *Socket) AddObserver(o TransportObserver) {
	s.mu.Lock()
	s.extraObservers = append(s.extraObservers, o)
	s.mu.Unlock()
}

// observersLocked returns the full observer list (the socket itself plus
// any registered extras) to hand to a freshly constructed transport.
func (s *Socket) observersLocked() []TransportObserver {
	return append([]TransportObserver{s}, s.extraObservers...)
}

// Connect initiates the transport. Lifecycle signals arrive on Opened,
// Closed, Message, and Error as the socket implements TransportObserver.
func (s *Socket) Connect() error {
	s.mu.Lock()
	s.disconnecting = false
	if s.transport == nil {
		s.transport = s.transportFactory(s.endpointURL, s.observersLocked())
	}
	transport := s.transport
	s.mu.Unlock()

	return transport.Connect()
}

// Disconnect deliberately closes the transport. It is terminal: both the
// heartbeat and reconnect timers are cancelled, so the socket does not
// auto-reconnect. The disconnecting flag tells Closed/Error that the
// Closed signal this triggers is self-inflicted, not a transport failure,
// so they don't re-arm the reconnect timer or error out the channels.
// Call Connect again to start a fresh lifecycle.
func (s *Socket) Disconnect(code int, reason string) error {
	s.mu.Lock()
	s.connected = false
	s.disconnecting = true
	s.heartbeatTimer.Cancel()
	s.reconnectTimer.Cancel()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	if transport == nil {
		return nil
	}
	return transport.Close(code, reason)
}

// Channel creates a new Channel for topic and registers it with the
// socket. Each call returns a distinct Channel instance even if topic is
// already subscribed; callers are responsible for not double-subscribing.
func (s *Socket) Channel(topic string, params interface{}) *Channel {
	ch := NewChannel(topic, params, s)
	s.mu.Lock()
	s.channels = append(s.channels, ch)
	s.mu.Unlock()
	return ch
}

// RemoveChannel drops ch from the socket's channel set, comparing by
// identity rather than topic so two channels sharing a topic never cross
// each other's removal.
func (s *Socket) RemoveChannel(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.channels[:0:0]
	for _, existing := range s.channels {
		if existing != ch {
			kept = append(kept, existing)
		}
	}
	s.channels = kept
}

// MakeRef issues a fresh, monotonically increasing reference id, unique for
// this socket's lifetime.
func (s *Socket) MakeRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ref++
	return strconv.Itoa(s.ref)
}

// Push serializes frame and enqueues it on the send buffer, flushing
// immediately if the transport is connected. Frames submitted while
// disconnected remain buffered until the next Opened signal.
func (s *Socket) Push(frame Frame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		if s.logger != nil {
			s.logger.Error("occamy: failed to encode frame", "error", err)
		}
		return
	}

	s.mu.Lock()
	s.sendBuffer = append(s.sendBuffer, string(raw))
	s.mu.Unlock()

	s.flush()
}

// flush drains the send buffer in order if the transport is connected, then
// clears it once, after every frame has gone out — never inside the loop,
// which would mutate the slice it's iterating.
func (s *Socket) flush() {
	s.mu.Lock()
	if !s.connected || s.transport == nil {
		s.mu.Unlock()
		return
	}
	pending := s.sendBuffer
	s.sendBuffer = nil
	transport := s.transport
	s.mu.Unlock()

	for _, frame := range pending {
		if err := transport.Send(frame); err != nil {
			if s.logger != nil {
				s.logger.Warn("occamy: send failed", "error", err)
			}
		}
	}
}

// sendHeartbeat is the heartbeat timer's callback.
func (s *Socket) sendHeartbeat() {
	s.Push(Frame{
		Topic:   topicPhoenix,
		Event:   eventHeartbeat,
		Payload: marshalPayload(map[string]any{}),
		Ref:     refPtr(s.MakeRef()),
	})
}

// reconnect is the reconnect timer's callback: it hands the socket's
// observer list (the socket itself plus any added via AddObserver) to a
// freshly built transport at the same endpoint and initiates it.
func (s *Socket) reconnect() {
	s.mu.Lock()
	transport := s.transportFactory(s.endpointURL, s.observersLocked())
	s.transport = transport
	s.mu.Unlock()

	if err := transport.Connect(); err != nil {
		if s.logger != nil {
			s.logger.Warn("occamy: reconnect attempt failed", "error", err)
		}
		s.sendError(fmt.Errorf("occamy: reconnect failed: %w", err))
	}
}

func (s *Socket) sendError(err error) {
	if s.errors == nil {
		return
	}
	select {
	case s.errors <- err:
	default:
	}
}

// Opened implements TransportObserver. On open the socket is marked
// connected, the reconnect timer is cancelled, the heartbeat timer starts,
// and any buffered outbound frames flush.
func (s *Socket) Opened() {
	if s.logger != nil {
		s.logger.Debug("occamy: transport opened", "url", s.endpointURL)
	}
	s.mu.Lock()
	s.connected = true
	s.reconnectTimer.Cancel()
	s.heartbeatTimer.Start()
	s.mu.Unlock()

	s.flush()
}

// Closed implements TransportObserver. Every channel is driven into
// errored via a synthetic phx_error so each arms its own rejoin. A Closed
// signal resulting from our own Disconnect is self-inflicted, not a
// transport failure, and is a no-op: Disconnect already cancelled both
// timers and is meant to be terminal.
func (s *Socket) Closed(code int, reason string) {
	if s.logger != nil {
		s.logger.Debug("occamy: transport closed", "code", code, "reason", reason)
	}
	s.mu.Lock()
	if s.disconnecting {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.heartbeatTimer.Cancel()
	s.reconnectTimer.Start()
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	for _, ch := range channels {
		ch.Trigger(eventError, marshalPayload(reason), nil)
	}
}

// Error implements TransportObserver. It is handled the same as Closed for
// channel notification purposes; the error itself is logged and forwarded
// to the Errors channel if one was configured. Like Closed, it no-ops if
// the socket is in the middle of a deliberate Disconnect.
func (s *Socket) Error(err error) {
	if s.logger != nil {
		s.logger.Warn("occamy: transport error", "error", err)
	}

	s.mu.Lock()
	if s.disconnecting {
		s.mu.Unlock()
		return
	}
	s.connected = false
	s.heartbeatTimer.Cancel()
	s.reconnectTimer.Start()
	channels := append([]*Channel(nil), s.channels...)
	s.mu.Unlock()

	s.sendError(err)
	for _, ch := range channels {
		ch.Trigger(eventError, marshalPayload(err.Error()), nil)
	}
}

// Message implements TransportObserver. It decodes the frame and routes it
// to every channel whose topic matches; frames missing required fields are
// silently dropped.
func (s *Socket) Message(text string) {
	var raw struct {
		Topic   *string         `json:"topic"`
		Event   *string         `json:"event"`
		Payload json.RawMessage `json:"payload"`
		Ref     *string         `json:"ref"`
	}
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		if s.logger != nil {
			s.logger.Debug("occamy: malformed frame", "error", err)
		}
		return
	}
	if raw.Topic == nil || raw.Event == nil || raw.Payload == nil {
		if s.logger != nil {
			s.logger.Debug("occamy: frame missing required fields", "text", text)
		}
		return
	}

	if s.logger != nil {
		s.logger.Debug("occamy: received frame", "topic", *raw.Topic, "event", *raw.Event, "ref", raw.Ref)
	}

	s.mu.Lock()
	var matched []*Channel
	for _, ch := range s.channels {
		if ch.IsMember(*raw.Topic) {
			matched = append(matched, ch)
		}
	}
	s.mu.Unlock()

	for _, ch := range matched {
		ch.Trigger(*raw.Event, raw.Payload, raw.Ref)
	}
}

func refPtr(ref string) *string { return &ref }
