package gqlx

import (
	"math/rand"
	"net/http"
	"time"

	"github.com/jpillora/backoff"
)

const (
	defaultRetryInitialDelay = 300 * time.Millisecond
	defaultRetryMaxDelay     = 30 * time.Second
	defaultRetryJitter       = 0.5
)

// RetryPolicy decides whether a failed attempt is resubmitted and after how long.
type RetryPolicy struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	// Jitter is the +/- fraction applied to every delay, 0 means the default 0.5
	Jitter float64

	// MaxAttempts returns the attempt ceiling of op. A nil func or a non positive
	// ceiling retries forever.
	MaxAttempts func(op *Operation) int

	// RetryStatuses lists 4xx statuses that are retried anyway.
	RetryStatuses []int
}

type RetryDecision struct {
	Retry bool
	Delay time.Duration
}

// RetryContext is the view of one failed attempt.
type RetryContext struct {
	AttemptCount int
	Status       int
	Abort        AbortKind
}

// ShouldRetry decides on the failure err of attempt (0 based) of op.
func (p *RetryPolicy) ShouldRetry(attempt int, err error, op *Operation) RetryDecision {
	rc := RetryContext{AttemptCount: attempt, Abort: ClassifyAbort(err)}
	if rc.Abort == AbortClient {
		return RetryDecision{}
	}
	if max := p.ceiling(op); max > 0 && attempt+1 >= max {
		return RetryDecision{}
	}
	if rc.Abort != AbortTimeout {
		rc.Status = Classify(err)
		if !p.retryableStatus(rc.Status) {
			return RetryDecision{}
		}
	}
	return RetryDecision{Retry: true, Delay: p.Delay(attempt)}
}

func (p *RetryPolicy) retryableStatus(status int) bool {
	switch {
	case status == StatusTransportDown, status >= http.StatusInternalServerError:
		return true
	case status >= 400 && status < 500:
		for _, s := range p.RetryStatuses {
			if s == status {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func (p *RetryPolicy) ceiling(op *Operation) int {
	if p.MaxAttempts == nil {
		return 0
	}
	return p.MaxAttempts(op)
}

// Delay is the jittered exponential delay before the retry following attempt.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	b := &backoff.Backoff{
		Min:    p.InitialDelay,
		Max:    p.MaxDelay,
		Factor: 2,
	}
	if b.Min <= 0 {
		b.Min = defaultRetryInitialDelay
	}
	if b.Max <= 0 {
		b.Max = defaultRetryMaxDelay
	}
	jitter := p.Jitter
	if jitter <= 0 {
		jitter = defaultRetryJitter
	}
	return jittered(b.ForAttempt(float64(attempt)), jitter)
}

// jittered scales d by a uniform factor in [1-jitter, 1+jitter).
func jittered(d time.Duration, jitter float64) time.Duration {
	return time.Duration(float64(d) * (1 - jitter + 2*jitter*rand.Float64()))
}
