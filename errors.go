package chatup

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned synchronously when an outbound invocation is
// attempted while the channel is not in StateConnected. Callers are expected
// to check the connection state before invoking; this is the hard stop for
// those that don't.
var ErrNotConnected = errors.New("chatup: channel is not connected")

// AuthError means the bearer credential was absent, invalid, or expired.
// It is fatal to the current connection: no automatic reconnection is
// attempted and a fresh Connect with a new credential is required.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("chatup: authentication failed: %s", e.Reason)
}

// NetworkError is a transient transport failure. While AutoReconnect is
// enabled the channel recovers from these on its own.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("chatup: %s: %v", e.Op, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ProtocolError is a malformed or unexpected payload on the channel. The
// offending event is dropped and processing continues.
type ProtocolError struct {
	EventType string
	Err       error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("chatup: bad %q payload: %v", e.EventType, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// DecryptionError is a per-message decryption failure. It never aborts a
// batch; the reconciler substitutes placeholder text for the message.
type DecryptionError struct {
	MessageID string
	Err       error
}

func (e *DecryptionError) Error() string {
	return fmt.Sprintf("chatup: cannot decrypt message %s: %v", e.MessageID, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// ServerRejection means the server refused an invoked command. Local
// optimistic state is not reverted; the rejection is surfaced to the caller.
type ServerRejection struct {
	Command string
	Reason  string
}

func (e *ServerRejection) Error() string {
	return fmt.Sprintf("chatup: server rejected %s: %s", e.Command, e.Reason)
}

// APIError is a non-2xx response from the REST collaborator.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("chatup: api error %d: %s", e.Status, e.Message)
}
