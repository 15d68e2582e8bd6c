package gqlx

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

type AbortKind int

const (
	AbortNone AbortKind = iota
	// AbortClient is a cancellation requested by the caller.
	AbortClient
	// AbortTimeout is a call cut off by its own timeout.
	AbortTimeout
)

func (k AbortKind) String() string {
	switch k {
	case AbortClient:
		return "client_abort"
	case AbortTimeout:
		return "timeout_abort"
	default:
		return "not_abort"
	}
}

// ClassifyAbort tells caller aborts from timeout aborts.
// A timeout tag wins over a cancellation found deeper in the chain; any other
// net timeout, context.DeadlineExceeded included, counts as a timeout.
func ClassifyAbort(err error) AbortKind {
	if err == nil {
		return AbortNone
	}
	if errors.Is(err, ErrTimeoutAbort) {
		return AbortTimeout
	}
	if errors.Is(err, ErrClientAbort) || errors.Is(err, context.Canceled) {
		return AbortClient
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return AbortTimeout
	}
	return AbortNone
}
