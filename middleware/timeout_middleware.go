package middleware

import (
	"context"
	"fmt"
	"time"

	"muxrpc/message"
)

// ErrHandlerTimeout wraps context.DeadlineExceeded so the dispatcher reports it
// with a timeout status.
var ErrHandlerTimeout = fmt.Errorf("request timed out: %w", context.DeadlineExceeded)

func TimeOutMiddleware(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				reply []byte
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, req)
				done <- result{reply, err}
			}()

			select {
			case res := <-done:
				return res.reply, res.err
			case <-ctx.Done():
				return nil, ErrHandlerTimeout
			}
		}
	}
}
