package gqlx

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/poohvpn/gqlx/gqlws"
)

// Metrics are the client's prometheus collectors.
type Metrics struct {
	operations  *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	attempts    prometheus.Histogram
	batchSize   prometheus.Histogram
	wsConnected prometheus.Gauge
	wsReconnect prometheus.Counter
	wsState     *prometheus.CounterVec
	authRefresh *prometheus.CounterVec
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gqlx_operations_total",
			Help: "GraphQL operations by outcome",
		}, []string{"operation", "kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gqlx_operation_duration_seconds",
			Help:    "Time from submission to completion of an operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		attempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gqlx_operation_attempts",
			Help:    "Attempts used by completed operations",
			Buckets: []float64{1, 2, 3, 5, 8, 13},
		}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "gqlx_http_batch_size",
			Help:    "Operations per physical HTTP call",
			Buckets: []float64{1, 2, 3, 5, 10, 20},
		}),
		wsConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gqlx_ws_connected",
			Help: "1 while the websocket is open",
		}),
		wsReconnect: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gqlx_ws_reconnects_total",
			Help: "Websocket reconnect attempts",
		}),
		wsState: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gqlx_ws_state_changes_total",
			Help: "Websocket state transitions by target state",
		}, []string{"state"}),
		authRefresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gqlx_auth_refresh_total",
			Help: "Auth refreshes and logouts by outcome",
		}, []string{"outcome"}),
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	for _, c := range []prometheus.Collector{
		m.operations, m.duration, m.attempts, m.batchSize,
		m.wsConnected, m.wsReconnect, m.wsState, m.authRefresh,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) stateChanged(sc StateChange) {
	if m == nil {
		return
	}
	m.wsState.With(prometheus.Labels{"state": sc.To.String()}).Inc()
	if sc.To == gqlws.StatusOpen {
		m.wsConnected.Set(1)
	} else {
		m.wsConnected.Set(0)
	}
	if sc.To == gqlws.StatusConnecting && sc.From != gqlws.StatusIdle {
		m.wsReconnect.Inc()
	}
}

func (m *Metrics) batched(n int) {
	if m == nil {
		return
	}
	m.batchSize.Observe(float64(n))
}

// telemetryMiddleware counts and times operations off the result path.
func telemetryMiddleware(m *Metrics, log *zap.Logger) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, op *Operation) <-chan Result {
			start := time.Now()
			in := next.Handle(ctx, op)
			out := newSink(1)
			go func() {
				defer out.finish()
				outcome := "success"
				values := 0
				for r := range in {
					if r.Err != nil {
						outcome = "error"
					} else {
						values++
					}
					if !out.emit(ctx, r) {
						break
					}
				}
				if ctx.Err() != nil && outcome == "success" && values == 0 {
					outcome = "canceled"
				}
				log.Debug("graphql operation done",
					zap.String("operation", op.Name),
					zap.String("id", op.ID),
					zap.Stringer("kind", op.Kind),
					zap.String("outcome", outcome),
					zap.Int("values", values),
					zap.Duration("elapsed", time.Since(start)),
				)
				if m == nil {
					return
				}
				m.operations.With(prometheus.Labels{
					"operation": op.Name,
					"kind":      op.Kind.String(),
					"outcome":   outcome,
				}).Inc()
				m.duration.With(prometheus.Labels{"kind": op.Kind.String()}).Observe(time.Since(start).Seconds())
				m.attempts.Observe(float64(op.Context.AttemptCount + 1))
			}()
			return out.c
		})
	}
}
