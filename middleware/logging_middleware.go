package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"stream-rpc/message"
)

// LoggingMiddleware logs every dispatched call with its duration, and the
// error when the handler failed.
func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) *message.RPCMessage {
			start := time.Now()
			resp := next(ctx, req)
			fields := []zap.Field{
				zap.String("service_method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if resp.Error != "" {
				logger.Warn("rpc call failed", append(fields, zap.String("error", resp.Error))...)
			} else {
				logger.Info("rpc call served", fields...)
			}
			return resp
		}
	}
}
