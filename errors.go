package occamy

import "errors"

// Usage errors are programmer mistakes: calling an operation in a state the
// API contract forbids. They are returned, never panicked.
var (
	// ErrAlreadyJoined is returned by Channel.Join when the channel instance
	// has already joined once. A Channel may join at most a single time;
	// create a new Channel via Socket.Channel to rejoin a topic.
	ErrAlreadyJoined = errors.New("occamy: channel already joined")

	// ErrNotJoined is returned by Channel.Push when called before Join.
	ErrNotJoined = errors.New("occamy: channel push before join")

	// ErrSocketClosed is returned when an operation requires a live
	// transport and none is available.
	ErrSocketClosed = errors.New("occamy: socket not connected")
)
