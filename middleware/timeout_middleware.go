package middleware

import (
	"context"
	"time"

	"stream-rpc/message"
)

// TimeoutMiddleware bounds how long a handler may run. On expiry the caller
// gets a timeout error; the handler goroutine finishes on its own and its
// late result is dropped.
func TimeoutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			done := make(chan *message.RPCMessage, 1)
			go func() {
				done <- next(ctx, req)
			}()

			select {
			case resp := <-done:
				return resp
			case <-ctx.Done():
				return &message.RPCMessage{Error: "request timed out"}
			}
		}
	}
}
