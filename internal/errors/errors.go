package errors

import "errors"

// This package defines a centralized set of sentinel errors for the engine.
// Using sentinel errors lets components return specific, recognizable error
// types without coupling callers to implementation details; boundary code
// matches them with `errors.Is()` and translates them into state changes
// (a failed message bubble, a disabled input, a system notice) rather than
// letting them escape to the UI layer.

var (
	// ErrValidation signifies that a send request failed input validation
	// before any transport was attempted.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound signifies that a referenced message or conversation could
	// not be located.
	ErrNotFound = errors.New("resource not found")

	// ErrNotConnected signifies that an operation requiring a live socket
	// was attempted while the connection was not in the joined state.
	ErrNotConnected = errors.New("socket not connected")

	// ErrAckTimeout signifies that a socket emit was not acknowledged
	// within the bounded wait.
	ErrAckTimeout = errors.New("acknowledgment timed out")

	// ErrSendFailed signifies that both the socket path and the REST
	// fallback failed for a message; the message is terminal-failed and
	// may only be retried as a new send.
	ErrSendFailed = errors.New("message delivery failed")

	// ErrHistoryUnavailable signifies that an older-page fetch failed. The
	// loaded timeline is left untouched and the fetch may be retried by an
	// explicit user action.
	ErrHistoryUnavailable = errors.New("history fetch failed")

	// ErrClosed signifies that the engine for this conversation has been
	// torn down and no further operations are accepted.
	ErrClosed = errors.New("engine closed")
)
