package client

import "errors"

var (
	// ErrDuplicateInFlight: a call with the same (route, timestamp) token is
	// already pending. Millisecond tokens make this a narrow race; it is
	// surfaced instead of silently dropping the earlier caller's resolver.
	ErrDuplicateInFlight = errors.New("duplicate in-flight request")

	// ErrCallTimeout: no matching response arrived inside the call window.
	ErrCallTimeout = errors.New("call timed out")

	// ErrConnectionDestroyed: the manager was destroyed; all pending calls
	// are rejected with this and every later operation is a no-op.
	ErrConnectionDestroyed = errors.New("connection destroyed")

	// ErrReconnectExhausted: the backoff ceiling was hit; the connection is
	// terminally unusable and the owner should reauthenticate.
	ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

	// ErrFatalClose: the server closed with a code in the fatal range.
	ErrFatalClose = errors.New("fatal close code")

	// ErrAlreadyConnected guards double Connect calls.
	ErrAlreadyConnected = errors.New("already connected")
)
