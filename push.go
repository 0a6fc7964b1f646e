package occamy

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// receivedResponse is the terminal outcome recorded on a Push once a reply,
// synthetic or real, has arrived.
type receivedResponse struct {
	status   string
	response json.RawMessage
}

// recvHook is one callback registered via Push.Receive for a terminal
// status.
type recvHook struct {
	status   string
	callback func(json.RawMessage)
}

// Push represents one in-flight request on a Channel: it correlates a
// server reply by reference id, enforces a per-request timeout, and
// dispatches status-tagged callbacks registered with Receive.
//
// A Push's lock only ever guards its own fields. Anything that must call
// into the owning Channel or Socket happens after releasing it, so no two
// objects' locks are ever held at once.
type Push struct {
	mu sync.Mutex

	channel *Channel
	event   string
	payload interface{}
	timeout time.Duration

	ref      *string
	refEvent string
	sent     bool

	receivedResp *receivedResponse
	recvHooks    []recvHook
	timer        *time.Timer

	logger *slog.Logger
}

// NewPush constructs a Push bound to channel, not yet sent.
func NewPush(channel *Channel, event string, payload interface{}, timeout time.Duration) *Push {
	return &Push{
		channel: channel,
		event:   event,
		payload: payload,
		timeout: timeout,
		logger:  channel.logger,
	}
}

// Timeout reports the duration this push will wait for a reply.
func (p *Push) Timeout() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timeout
}

// Send assigns a fresh ref if one isn't armed yet, then enqueues the frame
// on the owning channel's socket. It is a no-op if the push already timed
// out.
func (p *Push) Send() {
	p.mu.Lock()
	timedOut := p.hasReceivedLocked(StatusTimeout)
	p.mu.Unlock()
	if timedOut {
		return
	}

	p.startTimeout()

	p.mu.Lock()
	p.sent = true
	ref := p.ref
	event := p.event
	payload := p.payload
	p.mu.Unlock()

	p.channel.socket.Push(Frame{
		Topic:   p.channel.topic,
		Event:   event,
		Payload: marshalPayload(payload),
		Ref:     ref,
	})
}

// Receive registers interest in a terminal status ("ok", "error",
// "timeout"). If a matching response already arrived, callback fires
// immediately (outside the lock) with the cached response. Receive returns
// the push itself so calls may be chained.
func (p *Push) Receive(status string, callback func(response json.RawMessage)) *Push {
	p.mu.Lock()
	if !p.hasReceivedLocked(status) {
		p.recvHooks = append(p.recvHooks, recvHook{status: status, callback: callback})
		p.mu.Unlock()
		return p
	}
	response := p.receivedResp.response
	p.mu.Unlock()

	callback(response)
	return p
}

// Resend adopts a new timeout, clears any prior correlation state, and
// resends. It is how the reusable join push is re-armed by rejoin without
// allocating a new Push.
func (p *Push) Resend(timeout time.Duration) {
	p.mu.Lock()
	p.timeout = timeout
	refEvent := p.refEvent
	p.ref = nil
	p.refEvent = ""
	p.receivedResp = nil
	p.sent = false
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.mu.Unlock()

	if refEvent != "" {
		p.channel.Off(refEvent)
	}
	p.Send()
}

// StartTimeout arms the timeout timer without sending, used when a push is
// buffered on its channel ahead of a pending join.
func (p *Push) StartTimeout() {
	p.startTimeout()
}

// startTimeout double-checks under lock so two racing callers (e.g. Send
// and a buffered StartTimeout) only register one ref-event binding.
func (p *Push) startTimeout() {
	p.mu.Lock()
	if p.timer != nil {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ref := p.channel.socket.MakeRef()
	refEvent := replyEventName(ref)
	p.channel.On(refEvent, p.receivedResponse)

	p.mu.Lock()
	if p.timer != nil {
		p.mu.Unlock()
		p.channel.Off(refEvent)
		return
	}
	p.ref = &ref
	p.refEvent = refEvent
	p.timer = time.AfterFunc(p.timeout, p.timedOut)
	p.mu.Unlock()
}

// Trigger synthesizes a local terminal response, dispatching through the
// channel's reply-event mechanism exactly as a real wire reply would.
func (p *Push) Trigger(status string, response interface{}) {
	p.mu.Lock()
	refEvent := p.refEvent
	p.mu.Unlock()
	if refEvent == "" {
		return
	}

	payload := replyPayload{Status: status, Response: marshalPayload(response)}
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	p.channel.Trigger(refEvent, raw, nil)
}

func (p *Push) timedOut() {
	p.mu.Lock()
	p.timer = nil
	p.mu.Unlock()

	if p.logger != nil {
		p.logger.Debug("occamy: push timed out", "event", p.event)
	}
	// Trigger dispatches through the still-installed ref-event binding into
	// receivedResponse, which clears refEvent and removes the binding itself.
	p.Trigger(StatusTimeout, map[string]any{})
}

// receivedResponse is the binding callback installed on the ref-event; the
// channel invokes it once a matching phx_reply has been dispatched.
func (p *Push) receivedResponse(payload json.RawMessage, _ *string) {
	var reply replyPayload
	if err := json.Unmarshal(payload, &reply); err != nil {
		if p.logger != nil {
			p.logger.Debug("occamy: malformed reply payload", "error", err)
		}
		return
	}

	p.mu.Lock()
	if p.receivedResp != nil {
		// Already resolved: a real reply racing a local timeout (or vice
		// versa) may both reach here before either's Off(refEvent) has
		// taken effect. Only the first to arrive resolves the push.
		p.mu.Unlock()
		return
	}
	refEvent := p.refEvent
	p.refEvent = ""
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.receivedResp = &receivedResponse{status: reply.Status, response: reply.Response}
	var hooks []recvHook
	for _, hook := range p.recvHooks {
		if hook.status == reply.Status {
			hooks = append(hooks, hook)
		}
	}
	p.mu.Unlock()

	if refEvent != "" {
		p.channel.Off(refEvent)
	}
	if p.logger != nil {
		p.logger.Debug("occamy: received reply", "status", reply.Status, "ref", reply.Ref)
	}
	for _, hook := range hooks {
		hook.callback(reply.Response)
	}
}

func (p *Push) hasReceivedLocked(status string) bool {
	return p.receivedResp != nil && p.receivedResp.status == status
}

func replyEventName(ref string) string {
	return "chan_reply_" + ref
}
