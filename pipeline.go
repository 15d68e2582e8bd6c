package gqlx

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler executes an operation and returns its result stream. The stream is closed
// when the operation completes, fails or is canceled through ctx.
type Handler interface {
	Handle(ctx context.Context, op *Operation) <-chan Result
}

type HandlerFunc func(ctx context.Context, op *Operation) <-chan Result

func (f HandlerFunc) Handle(ctx context.Context, op *Operation) <-chan Result {
	return f(ctx, op)
}

// Middleware wraps the next stage of a pipeline. It may change op.Context, answer
// without calling next, or intercept the values, errors and completion of next.
type Middleware func(next Handler) Handler

// Chain builds send wrapped by mws; the first middleware is the outermost.
func Chain(send Handler, mws ...Middleware) Handler {
	h := send
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// sink is the producing side of a result stream. emit and finish may be called from
// different goroutines; values emitted after finish are dropped.
type sink struct {
	c    chan Result
	stop chan struct{}
	once sync.Once
	mu   sync.Mutex
	done bool
}

func newSink(buffer int) *sink {
	return &sink{
		c:    make(chan Result, buffer),
		stop: make(chan struct{}),
	}
}

// emit delivers r unless the stream finished or ctx is done first.
func (s *sink) emit(ctx context.Context, r Result) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	select {
	case s.c <- r:
		return true
	case <-s.stop:
		return false
	case <-ctx.Done():
		return false
	}
}

func (s *sink) finish() {
	s.once.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.done = true
		close(s.c)
		s.mu.Unlock()
	})
}

func closedStream() <-chan Result {
	c := make(chan Result)
	close(c)
	return c
}

// dedupMiddleware keeps at most one operation in flight per Operation.Key; a newer
// operation cancels the older one, whose stream then ends without a value.
func dedupMiddleware() Middleware {
	type flightEntry struct {
		cancel context.CancelFunc
	}
	var (
		mu       sync.Mutex
		inflight = make(map[string]*flightEntry)
	)
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, op *Operation) <-chan Result {
			if op.Key == "" {
				return next.Handle(ctx, op)
			}
			ctx, cancel := context.WithCancel(ctx)
			e := &flightEntry{cancel: cancel}
			mu.Lock()
			if prev, ok := inflight[op.Key]; ok {
				prev.cancel()
			}
			inflight[op.Key] = e
			mu.Unlock()

			in := next.Handle(ctx, op)
			out := newSink(1)
			go func() {
				defer func() {
					mu.Lock()
					if inflight[op.Key] == e {
						delete(inflight, op.Key)
					}
					mu.Unlock()
					cancel()
					out.finish()
				}()
				for r := range in {
					if !out.emit(ctx, r) {
						return
					}
				}
			}()
			return out.c
		})
	}
}

// retryMiddleware resubmits failed attempts as long as policy allows. Cancellations
// and client aborts end the stream silently.
func retryMiddleware(policy *RetryPolicy, log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, op *Operation) <-chan Result {
			out := newSink(1)
			in := next.Handle(ctx, op)
			go func() {
				defer out.finish()
				for {
					var failure error
					for r := range in {
						if r.Err != nil {
							failure = r.Err
							continue
						}
						if !out.emit(ctx, r) {
							return
						}
					}
					if failure == nil || ctx.Err() != nil {
						return
					}
					d := policy.ShouldRetry(op.Context.AttemptCount, failure, op)
					if !d.Retry {
						if ClassifyAbort(failure) != AbortClient {
							out.emit(ctx, Result{Err: failure})
						}
						return
					}
					log.Warn("retrying graphql operation",
						zap.String("operation", op.Name),
						zap.Int("attempt", op.Context.AttemptCount+1),
						zap.Duration("delay", d.Delay),
						zap.Error(failure),
					)
					timer := time.NewTimer(d.Delay)
					select {
					case <-ctx.Done():
						timer.Stop()
						return
					case <-timer.C:
					}
					op.Context.AttemptCount++
					in = next.Handle(ctx, op)
				}
			}()
			return out.c
		})
	}
}

// errorMiddleware classifies failures: 401s go through the auth coordinator and
// are replayed, bootstrap rejections log out, transport faults restart the socket,
// everything else is reported and passed up with its status.
func errorMiddleware(auth *AuthCoordinator, restarter interface{ Restart() }, reporter Reporter, log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, op *Operation) <-chan Result {
			out := newSink(1)
			in := next.Handle(ctx, op)
			go func() {
				defer out.finish()
				for {
					var failure error
					for r := range in {
						if r.Err != nil {
							failure = r.Err
							continue
						}
						if !out.emit(ctx, r) {
							return
						}
					}
					if failure == nil || ctx.Err() != nil {
						return
					}
					if ClassifyAbort(failure) != AbortNone {
						out.emit(ctx, Result{Err: failure})
						return
					}
					var lost *TransportError
					if errors.As(failure, &lost) {
						out.emit(ctx, Result{Err: failure})
						return
					}
					if fault, ok := MatchTransportFault(failure); ok {
						log.Warn("transport fault, restarting socket",
							zap.String("operation", op.Name), zap.String("fault", string(fault)), zap.Error(failure))
						if restarter != nil {
							restarter.Restart()
						}
						out.emit(ctx, Result{Err: &TransportError{Err: failure}})
						return
					}

					status := Classify(failure)
					if auth.EndsSession(op.Name, status) {
						err := ErrLoggedOut
						if lerr := auth.Logout(ctx, op.Name, status); lerr != nil {
							err = errors.Wrapf(ErrLoggedOut, "%v", lerr)
						}
						out.emit(ctx, Result{Err: &ClassifiedError{Status: status, Operation: op.Name, Err: err}})
						return
					}
					if status == http.StatusUnauthorized {
						replay, ok := awaitReplay(ctx, auth, next, op)
						if !ok {
							return
						}
						if replay != nil {
							in = replay
							continue
						}
						log.Warn("auth refresh did not resolve 401", zap.String("operation", op.Name))
					} else {
						reporter.Report(ctx, Report{
							Operation: op.Name,
							Kind:      op.Kind,
							Status:    status,
							Class:     ClassifyError(failure),
							Err:       failure,
						})
					}
					out.emit(ctx, Result{Err: &ClassifiedError{Status: status, Operation: op.Name, Err: failure}})
					return
				}
			}()
			return out.c
		})
	}
}

// awaitReplay queues op behind the auth refresh. On success the coordinator resubmits
// op to next from its drain, so replays keep the order they failed in, and the
// replayed stream is returned. An op sent with a token a recent refresh already
// replaced is resubmitted at once. A failed refresh returns a nil stream; ok is
// false when ctx ended first.
func awaitReplay(ctx context.Context, auth *AuthCoordinator, next Handler, op *Operation) (replay <-chan Result, ok bool) {
	ch := make(chan (<-chan Result), 1)
	sent := op.Context.Token
	auth.enqueue(func(_ string, err error) {
		if (err != nil && !auth.Superseded(sent, err)) || ctx.Err() != nil {
			ch <- nil
			return
		}
		ch <- next.Handle(ctx, op)
	})
	select {
	case <-ctx.Done():
		return nil, false
	case replay = <-ch:
		return replay, true
	}
}

// headerMiddleware sets the auth headers of the current token on every attempt.
func headerMiddleware(authn *HeaderAuthenticator, auth *AuthCoordinator, static map[string]string) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, op *Operation) <-chan Result {
			header := make(http.Header)
			for k, v := range static {
				header.Set(k, v)
			}
			token := auth.Token()
			for k, v := range authn.Headers(token) {
				header[k] = v
			}
			op.Context.Headers = header
			op.Context.Token = token
			return next.Handle(ctx, op)
		})
	}
}
