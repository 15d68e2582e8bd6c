package gqlx

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Option is read once by NewClient. Zero values fall back to the defaults below.
type Option struct {
	// Endpoint means server URL, WSEndpoint the websocket URL of the same server
	Endpoint   string
	WSEndpoint string

	// HTTPClient specify http client, when it's nil, GraphQL client will use http.DefaultClient
	HTTPClient *http.Client

	// Headers appended to every http request and to the websocket connection_init payload
	Headers map[string]string

	// CloseBody will close http request body immediately for reusing of http client
	CloseBody bool

	// NotCheckHTTPStatusCode200 disable http response status code for some irregular GraphQL Servers
	NotCheckHTTPStatusCode200 bool

	// Auth configures the header mode, AuthStore supplies and refreshes the token
	Auth      HeaderAuthenticator
	AuthStore AuthStore

	// RefreshCooldown suppresses a second refresh right after one settled
	RefreshCooldown time.Duration
	// BootstrapOperations are operation names whose auth failures end the session
	BootstrapOperations []string
	// LogoutStatuses are the statuses that end the session on a bootstrap operation
	LogoutStatuses []int

	// BatchInterval is the coalescing window, BatchMax the largest batch, BatchTimeout the per call timeout
	BatchInterval time.Duration
	BatchMax      int
	BatchTimeout  time.Duration

	Retry RetryPolicy

	WebSocket WSOption

	// Reporter receives failures the pipeline could not resolve
	Reporter Reporter

	Logger *zap.Logger

	// Registerer receives the client metrics, nil means a private registry
	Registerer prometheus.Registerer
}

// WSOption configures the websocket connection manager.
type WSOption struct {
	Dialer *websocket.Dialer

	// ConnectionParams builds the connection_init payload on every connect
	ConnectionParams func(ctx context.Context) (map[string]interface{}, error)

	// ReconnectAttempts limits consecutive failed connects, 0 means unlimited
	ReconnectAttempts int
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration

	RestartCooldown time.Duration
	PingInterval    time.Duration
	PingTimeout     time.Duration

	// StateBuffer is the channel capacity of state change subscribers
	StateBuffer int

	Logger *zap.Logger
}

type Kind int

const (
	KindQuery Kind = iota
	KindMutation
	KindSubscription
)

func (k Kind) String() string {
	switch k {
	case KindMutation:
		return "mutation"
	case KindSubscription:
		return "subscription"
	default:
		return "query"
	}
}

type Request struct {
	Query         string                 `json:"query"`
	Variables     map[string]interface{} `json:"variables"`
	OperationName string                 `json:"operationName,omitempty"`
}

// Operation is one query, mutation or subscription flowing through exactly one pipeline.
type Operation struct {
	ID   string
	Name string
	Kind Kind
	Request

	// Key supersedes in-flight operations with the same key, empty disables it
	Key string

	Context OperationContext
}

type OperationContext struct {
	Headers http.Header
	// Token is the auth token the current attempt was sent with
	Token        string
	AttemptCount int
}

func NewOperation(kind Kind, name string, req Request) *Operation {
	if req.OperationName == "" {
		req.OperationName = name
	}
	return &Operation{
		ID:      uuid.NewString(),
		Name:    name,
		Kind:    kind,
		Request: req,
		Context: OperationContext{Headers: make(http.Header)},
	}
}

// Result is one value of an operation stream. A closed stream is a completed operation.
type Result struct {
	Data json.RawMessage
	Err  error
}

// AuthSnapshot is what the auth store currently holds.
type AuthSnapshot struct {
	Token   string
	Loading bool
}

// AuthStore is the identity collaborator, only the AuthCoordinator calls Refresh and Logout.
type AuthStore interface {
	AuthState() AuthSnapshot
	// Refresh obtains a new token, false means the store could not refresh
	Refresh(ctx context.Context) (bool, error)
	Logout(ctx context.Context) error
}

type Report struct {
	Operation string
	Kind      Kind
	Status    int
	Class     ErrorClass
	Err       error
}

// Reporter is the external telemetry collaborator for unresolved failures.
type Reporter interface {
	Report(ctx context.Context, r Report)
}

type logReporter struct {
	log *zap.Logger
}

func (r *logReporter) Report(_ context.Context, rep Report) {
	r.log.Error("graphql operation failed",
		zap.String("operation", rep.Operation),
		zap.Stringer("kind", rep.Kind),
		zap.Int("status", rep.Status),
		zap.Stringer("class", rep.Class),
		zap.Error(rep.Err),
	)
}
