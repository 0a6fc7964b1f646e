package occamy

import "encoding/json"

// Reserved topic and event names from the Phoenix Channels wire protocol.
const (
	topicPhoenix = "phoenix"

	eventHeartbeat = "heartbeat"
	eventClose     = "phx_close"
	eventError     = "phx_error"
	eventJoin      = "phx_join"
	eventReply     = "phx_reply"
	eventLeave     = "phx_leave"
)

// Status values carried in a phx_reply payload and used as Push.Receive
// status tags.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusTimeout = "timeout"
)

// Frame is a single JSON-framed message exchanged on the wire.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref,omitempty"`
}

// replyPayload is the shape of the payload field on a phx_reply frame.
type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
	Ref      string          `json:"ref"`
}

func marshalPayload(v interface{}) json.RawMessage {
	if v == nil {
		return json.RawMessage(`{}`)
	}
	switch t := v.(type) {
	case json.RawMessage:
		if len(t) == 0 {
			return json.RawMessage(`{}`)
		}
		return t
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}
