package occamy

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// ChannelState is one of the four states a Channel occupies over its
// lifetime. A Channel never occupies more than one simultaneously.
type ChannelState string

const (
	StateClosed  ChannelState = "closed"
	StateJoining ChannelState = "joining"
	StateJoined  ChannelState = "joined"
	StateErrored ChannelState = "errored"
)

// binding pairs an event name with the callback invoked when that event is
// triggered on the channel.
type binding struct {
	event    string
	callback func(payload json.RawMessage, ref *string)
}

// Channel is a per-topic subscription multiplexed over a Socket. It owns a
// reusable join Push, a buffer of pushes deferred while not yet joined, and
// an ordered table of event bindings.
//
// Like Push, a Channel's lock only ever guards its own fields; calls into
// its Socket or its Pushes always happen after releasing it.
type Channel struct {
	mu sync.Mutex

	topic   string
	params  interface{}
	socket  *Socket
	timeout time.Duration
	logger  *slog.Logger

	state      ChannelState
	joinedOnce bool
	bindings   []binding
	pushBuffer []*Push

	joinPush    *Push
	rejoinTimer *RepeatingTimer
}

// NewChannel constructs a Channel for topic, owned by socket. Channels are
// normally obtained through Socket.Channel rather than called directly.
func NewChannel(topic string, params interface{}, socket *Socket) *Channel {
	c := &Channel{
		topic:   topic,
		params:  params,
		socket:  socket,
		timeout: socket.timeout,
		logger:  socket.logger,
		state:   StateClosed,
	}

	c.joinPush = NewPush(c, eventJoin, params, c.timeout)
	c.rejoinTimer = NewBackoffTimer(socket.reconnectInterval, c.rejoinUntilConnected)

	c.joinPush.Receive(StatusOK, c.joined)
	c.joinPush.Receive(StatusTimeout, c.joinTimedOut)

	c.On(eventClose, func(json.RawMessage, *string) { c.closed() })
	c.On(eventError, func(payload json.RawMessage, _ *string) { c.errored(payload) })
	c.On(eventReply, func(payload json.RawMessage, ref *string) {
		if ref == nil {
			return
		}
		c.Trigger(replyEventName(*ref), payload, nil)
	})

	return c
}

// Topic returns the topic this channel subscribes to.
func (c *Channel) Topic() string { return c.topic }

// Socket returns the owning socket.
func (c *Channel) Socket() *Socket { return c.socket }

// IsMember reports whether topic matches this channel's topic.
func (c *Channel) IsMember(topic string) bool { return c.topic == topic }

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Join may be called at most once per Channel instance. A second call
// returns ErrAlreadyJoined without mutating state.
func (c *Channel) Join(timeout time.Duration) (*Push, error) {
	c.mu.Lock()
	if c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrAlreadyJoined
	}
	c.joinedOnce = true
	if timeout <= 0 {
		timeout = c.timeout
	}
	c.mu.Unlock()

	c.startJoining(timeout, true)
	return c.joinPush, nil
}

// Push constructs and sends (or buffers) a Push for event. Push fails with
// ErrNotJoined if Join has never been called on this channel.
func (c *Channel) Push(event string, payload interface{}, timeout time.Duration) (*Push, error) {
	c.mu.Lock()
	if !c.joinedOnce {
		c.mu.Unlock()
		return nil, ErrNotJoined
	}
	if timeout <= 0 {
		timeout = c.timeout
	}
	joined := c.state == StateJoined
	c.mu.Unlock()

	push := NewPush(c, event, payload, timeout)
	if joined && c.socket.IsConnected() {
		push.Send()
		return push, nil
	}

	push.StartTimeout()
	c.mu.Lock()
	c.pushBuffer = append(c.pushBuffer, push)
	c.mu.Unlock()
	return push, nil
}

// Leave sends a phx_leave push and closes the channel once it resolves. If
// the socket cannot currently push, an "ok" is synthesized locally so the
// channel closes promptly instead of waiting on a transport that isn't
// there to reply.
func (c *Channel) Leave(timeout time.Duration) *Push {
	c.mu.Lock()
	if timeout <= 0 {
		timeout = c.timeout
	}
	joined := c.state == StateJoined
	c.mu.Unlock()
	canPush := joined && c.socket.IsConnected()

	push := NewPush(c, eventLeave, map[string]any{}, timeout)
	onClose := func(json.RawMessage) {
		if c.logger != nil {
			c.logger.Debug("occamy: channel leave", "topic", c.topic)
		}
		c.Trigger(eventClose, marshalPayload("leave"), nil)
	}
	push.Receive(StatusOK, onClose)
	push.Receive(StatusTimeout, onClose)
	push.Send()

	if !canPush {
		push.Trigger(StatusOK, map[string]any{})
	}
	return push
}

// On appends a binding for event. All bindings whose event matches are
// invoked, in insertion order, whenever Trigger fires.
func (c *Channel) On(event string, cb func(payload json.RawMessage, ref *string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, binding{event: event, callback: cb})
}

// Off removes every binding registered for event.
func (c *Channel) Off(event string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.bindings[:0:0]
	for _, b := range c.bindings {
		if b.event != event {
			kept = append(kept, b)
		}
	}
	c.bindings = kept
}

// Trigger dispatches event to every matching binding, in insertion order.
// The binding list is copied under lock and invoked outside it so a
// callback may itself call On/Off without deadlocking.
func (c *Channel) Trigger(event string, payload json.RawMessage, ref *string) {
	c.mu.Lock()
	matched := make([]binding, 0, len(c.bindings))
	for _, b := range c.bindings {
		if b.event == event {
			matched = append(matched, b)
		}
	}
	c.mu.Unlock()

	for _, b := range matched {
		b.callback(payload, ref)
	}
}

// startJoining transitions to joining and resends the join push. armTimer
// is true only for the initial Join call; on later rejoins the
// RepeatingTimer is already running and reschedules itself on every fire.
func (c *Channel) startJoining(timeout time.Duration, armTimer bool) {
	c.mu.Lock()
	c.state = StateJoining
	if armTimer {
		c.rejoinTimer.Start()
	}
	c.mu.Unlock()

	c.joinPush.Resend(timeout)
}

// rejoinUntilConnected is the rejoin timer's callback. It only attempts a
// rejoin if the socket has a live transport; otherwise it waits for the
// next scheduled fire.
func (c *Channel) rejoinUntilConnected() {
	if !c.socket.IsConnected() {
		return
	}
	c.mu.Lock()
	timeout := c.timeout
	c.mu.Unlock()
	c.startJoining(timeout, false)
}

// joined is the join push's "ok" hook: it flushes every push buffered while
// the channel was not yet joined, in submission order, then clears the
// buffer exactly once.
func (c *Channel) joined(json.RawMessage) {
	c.mu.Lock()
	c.state = StateJoined
	c.rejoinTimer.Cancel()
	buffered := c.pushBuffer
	c.pushBuffer = nil
	c.mu.Unlock()

	for _, push := range buffered {
		push.Send()
	}
}

// joinTimedOut is the join push's "timeout" hook.
func (c *Channel) joinTimedOut(json.RawMessage) {
	c.mu.Lock()
	if c.state != StateJoining {
		c.mu.Unlock()
		return
	}
	c.state = StateErrored
	c.rejoinTimer.Start()
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("occamy: join timeout", "topic", c.topic)
	}
}

// closed is bound to phx_close; it removes the channel from its socket.
func (c *Channel) closed() {
	c.mu.Lock()
	c.state = StateClosed
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("occamy: channel closed", "topic", c.topic)
	}
	c.socket.RemoveChannel(c)
}

// errored is bound to phx_error; it arms the rejoin timer.
func (c *Channel) errored(reason json.RawMessage) {
	c.mu.Lock()
	c.state = StateErrored
	c.rejoinTimer.Start()
	c.mu.Unlock()

	if c.logger != nil {
		c.logger.Debug("occamy: channel errored", "topic", c.topic, "reason", string(reason))
	}
}
