package wsconn

// State is the lifecycle position of a Connection.
type State int

const (
	// Connecting is the state before the socket is registered.
	Connecting State = iota
	// Handshaking waits for a complete HTTP upgrade request.
	Handshaking
	// Open exchanges frames.
	Open
	// Closing has sent a close frame and ignores further input.
	Closing
	// Closed has released the socket.
	Closed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Open:
		return "open"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}
