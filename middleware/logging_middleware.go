package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"muxrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
			start := time.Now()
			reply, err := next(ctx, req)
			fields := []zap.Field{
				zap.String("method", req.ServiceMethod),
				zap.Duration("duration", time.Since(start)),
			}
			if err != nil {
				logger.Warn("rpc call failed", append(fields, zap.Error(err))...)
			} else {
				logger.Debug("rpc call", fields...)
			}
			return reply, err
		}
	}
}
