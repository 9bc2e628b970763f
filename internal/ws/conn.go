package ws

import (
	"errors"
	"time"
)

// Close codes for the multiworld handshake and runtime.
const (
	CloseKicked          = 4400
	CloseMissingIdentity = 4401
	CloseAuth            = 4403
	CloseUnknownSession  = 4404
	CloseConflict        = 4409
)

// ErrReadTimeout is returned by Conn.Read when the poll interval lapses
// with no inbound frame. The cooperative loop uses it to interleave
// outbound flushing with reads.
var ErrReadTimeout = errors.New("read timed out")

// Conn is the transport the runtime drives. The gorilla adapter lives
// in the web package; tests use an in-memory script.
type Conn interface {
	// Read returns the next text frame, ErrReadTimeout after the poll
	// window, or a terminal error on disconnect.
	Read(timeout time.Duration) ([]byte, error)
	WriteJSON(v any) error
	// Close sends a close frame with the given code and reason, then
	// tears the connection down. Idempotent.
	Close(code int, reason string) error
}
