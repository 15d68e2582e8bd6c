package gqlx

import (
	"io"
	"math"
	"net"
	"net/http"
	"strconv"
	"syscall"

	"github.com/pkg/errors"
)

const (
	// StatusTransportDown is the status of a failure that never reached the server.
	StatusTransportDown = 0
	// StatusUnknown is the status of a failure with no recognizable shape.
	StatusUnknown = -1
)

// Extension keys consulted on a GraphQL error, in priority order.
const (
	extHTTP       = "http"
	extHTTPCode   = "httpCode"
	extStatusCode = "statusCode"
	extCode       = "code"
)

var symbolicStatus = map[string]int{
	"validation-failed":    http.StatusUnprocessableEntity,
	"constraint-violation": http.StatusUnprocessableEntity,
	"constraint-error":     http.StatusUnprocessableEntity,
	"not-supported":        http.StatusUnprocessableEntity,
	"unsupported":          http.StatusUnprocessableEntity,
	"bad-request-data":     http.StatusUnprocessableEntity,
	"unexpected":           http.StatusInternalServerError,
	"internal-error":       http.StatusInternalServerError,
	"remote-schema-error":  http.StatusInternalServerError,
	"invalid-jwt":          http.StatusUnauthorized,
	"jwt-expired":          http.StatusUnauthorized,
	"invalid-credentials":  http.StatusUnauthorized,
	"invalid-headers":      http.StatusUnauthorized,
	"access-denied":        http.StatusUnauthorized,
	"unauthenticated":      http.StatusUnauthorized,
	"UNAUTHENTICATED":      http.StatusUnauthorized,
}

type statusCoder interface {
	StatusCode() int
}

// Classify maps any failure to a single numeric status.
//
// A transport level status in the error chain wins. Otherwise the first GraphQL error
// exposing an http code, a status code or a symbolic code decides. Network failures
// are StatusTransportDown and anything else is StatusUnknown.
func Classify(err error) int {
	if err == nil {
		return StatusUnknown
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	var gqlErrs GraphQLErrors
	if errors.As(err, &gqlErrs) {
		if status, ok := classifyGraphQLErrors(gqlErrs); ok {
			return status
		}
		return StatusUnknown
	}
	var gqlErr *GraphQLError
	if errors.As(err, &gqlErr) {
		if status, ok := classifyGraphQLErrors(GraphQLErrors{*gqlErr}); ok {
			return status
		}
		return StatusUnknown
	}
	if isNetworkError(err) {
		return StatusTransportDown
	}
	return StatusUnknown
}

func classifyGraphQLErrors(errs GraphQLErrors) (int, bool) {
	for _, e := range errs {
		if e.Extensions == nil {
			continue
		}
		if status, ok := httpExtension(e.Extensions); ok {
			return status, true
		}
		if v, ok := e.Extensions[extStatusCode]; ok {
			if status, ok := numeric(v); ok {
				return status, true
			}
		}
		if v, ok := e.Extensions[extCode]; ok {
			return symbolicCode(v), true
		}
	}
	return 0, false
}

func httpExtension(ext map[string]interface{}) (int, bool) {
	if v, ok := ext[extHTTPCode]; ok {
		if status, ok := numeric(v); ok {
			return status, true
		}
	}
	if h, ok := ext[extHTTP].(map[string]interface{}); ok {
		if status, ok := numeric(h["status"]); ok {
			return status, true
		}
	}
	return 0, false
}

func symbolicCode(v interface{}) int {
	if s, ok := v.(string); ok {
		if status, ok := symbolicStatus[s]; ok {
			return status
		}
	}
	if status, ok := numeric(v); ok {
		return status
	}
	return http.StatusBadRequest
}

func numeric(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, false
		}
		return i, true
	default:
		return 0, false
	}
}

func isNetworkError(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, net.ErrClosed)
}
