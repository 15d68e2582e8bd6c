package gqlx

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

var (
	// ErrTimeoutAbort tags a physical call aborted by its own timeout, as opposed to the caller.
	ErrTimeoutAbort = errors.New("graphql request timed out")
	// ErrClientAbort tags a call aborted on behalf of the caller.
	ErrClientAbort = errors.New("graphql request aborted by client")
	// ErrRefreshFailed means the auth store reported an unsuccessful refresh.
	ErrRefreshFailed = errors.New("auth refresh failed")
	// ErrTokenUnchanged means refresh reported success but left the token as it was.
	ErrTokenUnchanged = errors.New("auth refresh left token unchanged")
	// ErrRefreshRecent is returned when a refresh settled within the refresh cooldown.
	ErrRefreshRecent = errors.New("auth refresh already recent")
	// ErrLoggedOut is the terminal error of a bootstrap operation rejected by the server.
	ErrLoggedOut = errors.New("session ended, logged out")
	// ErrNotConnected is returned when a message is written without a socket.
	ErrNotConnected = errors.New("graphql websocket client is not connected")
	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("graphql client is closed")
)

type GraphQLErrors []GraphQLError

// Path element's type should be either string or int, according to the samples of http://spec.graphql.org/draft/#sec-Errors
type GraphQLError struct {
	Message    string                 `json:"message,omitempty"`
	Locations  []GraphQLErrorLocation `json:"locations,omitempty"`
	Path       []interface{}          `json:"path,omitempty"`
	Extensions map[string]interface{} `json:"extensions,omitempty"`
}

type GraphQLErrorLocation struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// HTTPError is a non-200 response of the HTTP endpoint.
type HTTPError struct {
	Code      int
	Status    string
	SavedBody string
}

// JSONError is a response body that could not be decoded.
type JSONError struct {
	OriginError error
	JSON        string
}

// DetailError is a failed websocket dial with whatever the server answered.
type DetailError struct {
	OriginError error
	Content     string
	Response    *http.Response
}

// TransportError is a lost or unusable socket. Its status is always 0.
type TransportError struct {
	Code int
	Err  error
}

// ClassifiedError carries the status the pipeline assigned to a failure.
type ClassifiedError struct {
	Status    int
	Operation string
	Err       error
}

func jsonifyError(e interface{}) string {
	if e == nil {
		return "null"
	}
	j, err := json.Marshal(e)
	if err != nil {
		return err.Error()
	}
	return string(j)
}

func (e GraphQLErrors) Error() string {
	return jsonifyError(e)
}

func (e *GraphQLError) Error() string {
	return jsonifyError(e)
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("graphql http status %s: %s", e.Status, e.SavedBody)
}

func (e *HTTPError) StatusCode() int {
	return e.Code
}

func (e *JSONError) Error() string {
	return fmt.Sprintf("decode graphql response: %v: %s", e.OriginError, e.JSON)
}

func (e *JSONError) Unwrap() error {
	return e.OriginError
}

func (e *DetailError) Error() string {
	if e == nil || e.OriginError == nil {
		return "<nil>"
	}
	return e.OriginError.Error()
}

func (e *DetailError) Unwrap() error {
	return e.OriginError
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("graphql transport down (close code %d)", e.Code)
	}
	return fmt.Sprintf("graphql transport down (close code %d): %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

func (e *TransportError) StatusCode() int {
	return StatusTransportDown
}

func (e *ClassifiedError) Error() string {
	return fmt.Sprintf("%s: status %d: %v", e.Operation, e.Status, e.Err)
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

func (e *ClassifiedError) StatusCode() int {
	return e.Status
}

// ErrorClass is the coarse taxonomy callers and telemetry see.
type ErrorClass int

const (
	ClassUnknown ErrorClass = iota
	ClassAuthentication
	ClassValidation
	ClassServerInternal
	ClassTransportDown
	ClassClientAbort
	ClassTimeoutAbort
	ClassClientError
)

func (c ErrorClass) String() string {
	switch c {
	case ClassAuthentication:
		return "authentication"
	case ClassValidation:
		return "validation"
	case ClassServerInternal:
		return "server_internal"
	case ClassTransportDown:
		return "transport_down"
	case ClassClientAbort:
		return "client_abort"
	case ClassTimeoutAbort:
		return "timeout_abort"
	case ClassClientError:
		return "client_error"
	default:
		return "unknown"
	}
}

// ClassifyError places err in the error taxonomy.
func ClassifyError(err error) ErrorClass {
	switch ClassifyAbort(err) {
	case AbortClient:
		return ClassClientAbort
	case AbortTimeout:
		return ClassTimeoutAbort
	}
	status := Classify(err)
	switch {
	case status == http.StatusUnauthorized:
		return ClassAuthentication
	case status == http.StatusUnprocessableEntity:
		return ClassValidation
	case status == http.StatusInternalServerError:
		return ClassServerInternal
	case status == StatusTransportDown || status > http.StatusInternalServerError:
		return ClassTransportDown
	case status >= 400 && status < 500:
		return ClassClientError
	default:
		return ClassUnknown
	}
}
