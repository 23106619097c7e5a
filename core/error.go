package core

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthExpired is returned when the server rejects the token attached to an operation.
	// It is never retried automatically, the caller has to re-authenticate.
	ErrAuthExpired = errors.New("auth expired")
	// ErrUnauthorized is returned when the user is not allowed to access a chat.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrTransportFailure is returned when the live channel cannot be established or is lost.
	ErrTransportFailure = errors.New("transport failure")
	// ErrSendFailed is returned when a message could not be sent.
	ErrSendFailed = errors.New("send failed")
	// ErrFetchFailed is returned when messages, chats or friends could not be fetched.
	ErrFetchFailed = errors.New("fetch failed")
	// ErrNotConnected is returned when an operation needs the live channel but there is none.
	ErrNotConnected = errors.New("not connected")
	ErrEmptyMessage = errors.New("empty message")
	ErrNoActiveChat = errors.New("no active chat")
	ErrJoinTimeout  = errors.New("join timed out")
	ErrClosed       = errors.New("session closed")
)

// SendError is returned by Session.Send when the message could not be delivered.
// Text holds the original input so that it can be restored.
type SendError struct {
	ChatID string
	Text   string
	Err    error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send to %s: %v", e.ChatID, e.Err)
}

func (e *SendError) Unwrap() []error {
	return []error{ErrSendFailed, e.Err}
}

// StatusError is returned by the API client for non 2xx responses that
// do not map to a more specific error.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s: %d: %s", e.Method, e.Path, e.Code, e.Msg)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

// errorFromCode maps the code of an error event to an error.
func errorFromCode(code, msg string) error {
	switch code {
	case CodeAuthExpired:
		return ErrAuthExpired
	case CodeUnauthorized, CodeNotFound:
		return fmt.Errorf("%w: %s", ErrUnauthorized, msg)
	default:
		return fmt.Errorf("server error: %s", msg)
	}
}
