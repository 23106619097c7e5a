package router

import (
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

// Error is an error that knows how it is written to an HTTP response.
type Error interface {
	error
	StatusCode() int
	Encode(w io.Writer) error
}

// JsonError is written as {"error": "not_found", "message": "chat c1 does not exist"}.
// The error field is derived from the status so clients can switch on it.
type JsonError struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message,omitempty"`
}

func NewJsonError(status int, message string) JsonError {
	return JsonError{
		Status:  status,
		Code:    statusCode(status),
		Message: message,
	}
}

// statusCode turns 404 into "not_found".
func statusCode(status int) string {
	text := http.StatusText(status)
	if text == "" {
		return "error"
	}
	return strings.ReplaceAll(strings.ToLower(text), " ", "_")
}

func (e JsonError) StatusCode() int {
	return e.Status
}

func (e JsonError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return e.Message
}

func (e JsonError) Encode(w io.Writer) error {
	return json.NewEncoder(w).Encode(e)
}
