package gqlx

import (
	"context"
)

// Router sends subscriptions down the websocket pipeline and everything else down
// the batched HTTP pipeline.
type Router struct {
	HTTP Handler
	WS   Handler
}

func (r *Router) Route(op *Operation) Handler {
	if op.Kind == KindSubscription {
		return r.WS
	}
	return r.HTTP
}

func (r *Router) Handle(ctx context.Context, op *Operation) <-chan Result {
	return r.Route(op).Handle(ctx, op)
}
