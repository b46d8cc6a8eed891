package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"stream-rpc/message"
)

// RateLimitMiddleware rejects calls above the configured rate using a token
// bucket of the given refill rate and burst size.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			if !limiter.Allow() {
				return &message.RPCMessage{Error: "rate limit exceeded"}
			}
			return next(ctx, req)
		}
	}
}
