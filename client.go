package gqlx

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SubscriptionHandler receives every value of a subscription, then one call with
// completed set. Returning an error stops the subscription.
type SubscriptionHandler func(data json.RawMessage, errors GraphQLErrors, completed bool) error

// Client is one transport instance: a batched HTTP pipeline and a websocket
// pipeline sharing auth, retry and telemetry.
type Client struct {
	*Option

	log     *zap.Logger
	metrics *Metrics
	auth    *AuthCoordinator
	ws      *WSClient
	http    *batcher
	router  *Router

	// ctx ends every operation when the client closes
	ctx    context.Context
	cancel context.CancelFunc

	subsMu sync.Mutex
	subs   map[string]context.CancelFunc
}

// NewClient only take the first Option if given
func NewClient(endpoint string, opt ...*Option) (*Client, error) {
	client := &Client{
		Option: &Option{},
		subs:   make(map[string]context.CancelFunc),
	}
	if len(opt) > 0 && opt[0] != nil {
		client.Option = opt[0]
	}
	client.Endpoint = endpoint
	if client.Logger == nil {
		client.Logger = zap.NewNop()
	}
	client.log = client.Logger.With(zap.String("component", "client"))
	if client.Auth.Mode == "" {
		client.Auth.Mode = AuthBearer
	}
	if err := client.Auth.Validate(); err != nil {
		return nil, err
	}
	if client.WSEndpoint == "" {
		wsEndpoint, err := websocketURL(endpoint)
		if err != nil {
			return nil, err
		}
		client.WSEndpoint = wsEndpoint
	}
	if client.Reporter == nil {
		client.Reporter = &logReporter{log: client.Logger.With(zap.String("component", "report"))}
	}

	metrics, err := NewMetrics(client.Registerer)
	if err != nil {
		return nil, errors.Wrap(err, "register metrics")
	}
	client.metrics = metrics
	client.auth = NewAuthCoordinator(client.AuthStore, client.Option, metrics)

	wsOpt := client.WebSocket
	if wsOpt.Logger == nil {
		wsOpt.Logger = client.Logger
	}
	if wsOpt.ConnectionParams == nil {
		wsOpt.ConnectionParams = client.connectionParams
	}
	client.ws = newWSClient(client.WSEndpoint, wsOpt, metrics)
	client.http = newBatcher(client.Option, metrics)

	mws := []Middleware{
		telemetryMiddleware(metrics, client.Logger.With(zap.String("component", "telemetry"))),
		dedupMiddleware(),
		retryMiddleware(&client.Retry, client.Logger.With(zap.String("component", "retry"))),
		errorMiddleware(client.auth, client.ws, client.Reporter, client.Logger.With(zap.String("component", "errors"))),
		headerMiddleware(&client.Auth, client.auth, client.Headers),
	}
	client.ctx, client.cancel = context.WithCancel(context.Background())
	client.router = &Router{
		HTTP: Chain(client.http, mws...),
		WS:   Chain(HandlerFunc(client.ws.Subscribe), mws...),
	}
	return client, nil
}

func websocketURL(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", errors.Wrap(err, "parse endpoint")
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// connectionParams sends the auth headers in connection_init, where the server
// reads them, instead of on the upgrade request.
func (c *Client) connectionParams(context.Context) (map[string]interface{}, error) {
	headers := make(map[string]string)
	for k, v := range c.Headers {
		headers[k] = v
	}
	for k, v := range c.Auth.Map(c.auth.Token()) {
		headers[k] = v
	}
	return map[string]interface{}{"headers": headers}, nil
}

// Execute runs op and returns its result stream. Close ends the stream like a
// canceled ctx would; operations executed after Close fail with ErrClientClosed.
func (c *Client) Execute(ctx context.Context, op *Operation) <-chan Result {
	out := newSink(1)
	if c.ctx.Err() != nil {
		out.emit(ctx, Result{Err: ErrClientClosed})
		out.finish()
		return out.c
	}
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(c.ctx, cancel)
	in := c.router.Handle(ctx, op)
	go func() {
		defer func() {
			stop()
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
}

// Do runs a query or mutation and decodes its data into res. A canceled ctx
// yields no result: res stays untouched and the error is nil.
func (c *Client) Do(ctx context.Context, res interface{}, op *Operation) error {
	if op.Kind == KindSubscription {
		return errors.New("use Subscribe for subscriptions")
	}
	for r := range c.Execute(ctx, op) {
		if r.Err != nil {
			return r.Err
		}
		if res != nil && len(r.Data) > 0 {
			if err := json.Unmarshal(r.Data, res); err != nil {
				return &JSONError{OriginError: err, JSON: string(r.Data)}
			}
		}
	}
	return nil
}

// Subscribe runs op in the background, feeding handler, until it completes,
// handler fails, ctx ends or Unsubscribe is called with the returned id.
func (c *Client) Subscribe(ctx context.Context, op *Operation, handler SubscriptionHandler) (id string, err error) {
	if op.Kind != KindSubscription {
		return "", errors.Errorf("operation %s is a %s", op.Name, op.Kind)
	}
	ctx, cancel := context.WithCancel(ctx)
	id = op.ID
	c.subsMu.Lock()
	c.subs[id] = cancel
	c.subsMu.Unlock()

	stream := c.Execute(ctx, op)
	go func() {
		defer func() {
			c.subsMu.Lock()
			delete(c.subs, id)
			c.subsMu.Unlock()
			cancel()
		}()
		for r := range stream {
			var gqlErrs GraphQLErrors
			if r.Err != nil && !errors.As(r.Err, &gqlErrs) {
				gqlErrs = GraphQLErrors{{Message: r.Err.Error()}}
			}
			if err := handler(r.Data, gqlErrs, false); err != nil {
				return
			}
		}
		if ctx.Err() == nil {
			_ = handler(nil, nil, true)
		}
	}()
	return id, nil
}

func (c *Client) Unsubscribe(id string) {
	c.subsMu.Lock()
	cancel, ok := c.subs[id]
	delete(c.subs, id)
	c.subsMu.Unlock()
	if ok {
		cancel()
	}
}

// Restart asks the connection manager for a graceful socket restart, e.g. after
// the app returns from background.
func (c *Client) Restart() {
	c.ws.Restart()
}

func (c *Client) WS() *WSClient {
	return c.ws
}

func (c *Client) Coordinator() *AuthCoordinator {
	return c.auth
}

func (c *Client) Close() error {
	c.cancel()
	c.subsMu.Lock()
	for id, cancel := range c.subs {
		cancel()
		delete(c.subs, id)
	}
	c.subsMu.Unlock()
	return c.ws.Close()
}
