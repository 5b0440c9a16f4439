// Package middleware wraps request handlers in an onion of cross-cutting behavior.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
package middleware

import (
	"context"

	"muxrpc/message"
)

// HandlerFunc serves one decoded request and returns the encoded reply body.
// A returned error is sent back to the caller as an error response.
type HandlerFunc func(ctx context.Context, req *message.RPCMessage) ([]byte, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
