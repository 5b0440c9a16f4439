package middleware

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"muxrpc/message"
)

// Retryable reports whether a handler error is worth another attempt.
func Retryable(err error) bool {
	if errors.Is(err, ErrHandlerTimeout) || errors.Is(err, ErrRateLimited) {
		return true
	}
	var temp interface{ Temporary() bool }
	return errors.As(err, &temp) && temp.Temporary()
}

// RetryMiddleware re-runs the handler on retryable errors with exponential backoff.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
			reply, err := next(ctx, req)
			for i := 0; i < maxRetries && err != nil && Retryable(err); i++ {
				logger.Info("retrying rpc call",
					zap.Int("attempt", i+1),
					zap.String("method", req.ServiceMethod),
					zap.Error(err))

				timer := time.NewTimer(baseDelay * time.Duration(1<<i))
				select {
				case <-ctx.Done():
					timer.Stop()
					return nil, ctx.Err()
				case <-timer.C:
				}
				reply, err = next(ctx, req)
			}
			return reply, err
		}
	}
}
