package occamy

import (
	"encoding/json"
	"testing"
	"time"
)

func newTestChannel(t *testing.T) (*Channel, *Socket) {
	t.Helper()
	sock := newFakeSocket()
	if err := sock.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	ch := sock.Channel("rooms:lobby", nil)
	return ch, sock
}

func TestPushSendAssignsRefAndEnqueuesFrame(t *testing.T) {
	ch, sock := newTestChannel(t)
	push := NewPush(ch, "new_msg", map[string]any{"body": "hi"}, DefaultTimeout)
	push.Send()

	frames := sock.currentTransport().sentFrames()
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame sent, got %d", len(frames))
	}

	var frame Frame
	if err := json.Unmarshal([]byte(frames[0]), &frame); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	if frame.Event != "new_msg" || frame.Topic != "rooms:lobby" {
		t.Errorf("unexpected frame: %+v", frame)
	}
	if frame.Ref == nil || *frame.Ref == "" {
		t.Errorf("expected a ref to be assigned")
	}
}

func TestPushReceiveFiresImmediatelyForCachedResponse(t *testing.T) {
	ch, _ := newTestChannel(t)
	push := NewPush(ch, "new_msg", map[string]any{}, DefaultTimeout)
	push.Send()

	push.Trigger(StatusOK, map[string]any{"ok": true})

	fired := false
	push.Receive(StatusOK, func(json.RawMessage) {
		fired = true
	})
	if !fired {
		t.Errorf("expected Receive to fire synchronously for a cached response")
	}
}

func TestPushReceiveOrderingAndAtMostOnce(t *testing.T) {
	ch, _ := newTestChannel(t)
	push := NewPush(ch, "new_msg", map[string]any{}, DefaultTimeout)
	push.Send()

	var order []int
	push.Receive(StatusOK, func(json.RawMessage) { order = append(order, 1) })
	push.Receive(StatusOK, func(json.RawMessage) { order = append(order, 2) })

	push.Trigger(StatusOK, map[string]any{})
	push.Trigger(StatusOK, map[string]any{}) // a second trigger must not re-fire hooks

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected hooks to fire once each in registration order, got %v", order)
	}
}

func TestPushTimeoutFiresAndBlocksLateReply(t *testing.T) {
	ch, _ := newTestChannel(t)
	push := NewPush(ch, "new_msg", map[string]any{}, 20*time.Millisecond)

	timedOut := make(chan struct{})
	okFired := false
	push.Receive(StatusTimeout, func(json.RawMessage) { close(timedOut) })
	push.Receive(StatusOK, func(json.RawMessage) { okFired = true })

	push.Send()

	select {
	case <-timedOut:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("expected timeout hook to fire")
	}

	// A reply arriving after the timeout must not reach the "ok" hook: the
	// ref-event binding was removed when the timer fired.
	ref := pushRef(t, push)
	deliverReply(ch, ref, StatusOK, map[string]any{})

	time.Sleep(10 * time.Millisecond)
	if okFired {
		t.Errorf("expected late reply to be ignored after timeout")
	}
}

func TestPushResendClearsPriorState(t *testing.T) {
	ch, sock := newTestChannel(t)
	push := NewPush(ch, eventJoin, map[string]any{}, DefaultTimeout)
	push.Send()
	firstRef := pushRef(t, push)

	push.Resend(DefaultTimeout)
	secondRef := pushRef(t, push)

	if firstRef == secondRef {
		t.Errorf("expected resend to assign a fresh ref, both were %q", firstRef)
	}

	frames := sock.currentTransport().sentFrames()
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames sent (original + resend), got %d", len(frames))
	}
}

// pushRef returns the ref currently assigned to push, read from the push
// itself under its lock.
func pushRef(t *testing.T, push *Push) string {
	t.Helper()
	push.mu.Lock()
	defer push.mu.Unlock()
	if push.ref == nil {
		t.Fatal("push has no ref assigned")
	}
	return *push.ref
}

// deliverReply synthesizes an inbound phx_reply frame for ref on ch.
func deliverReply(ch *Channel, ref, status string, response interface{}) {
	payload := replyPayload{Status: status, Response: marshalPayload(response), Ref: ref}
	raw, _ := json.Marshal(payload)
	r := ref
	ch.Trigger(eventReply, raw, &r)
}
