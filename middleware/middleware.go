// Package middleware provides the handler chain wrapped around method
// dispatch on the server. There is deliberately no retry middleware here:
// the server must execute a logical request at most once, so retrying is a
// client concern (see client.RetryPolicy), where each retry becomes a new
// transport-level attempt arbitrated by the invocation context.
package middleware

import (
	"context"

	"stream-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares into one, outermost first:
// Chain(A, B)(h) executes A.before → B.before → h → B.after → A.after.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
