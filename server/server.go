// Package server implements the RPC server with typed handler registration, middleware
// chain, parallel request processing, and graceful shutdown.
//
// Request processing pipeline:
//
//	Accept conn → transport.Conn (single goroutine reads frames)
//	  → for each request: own goroutine
//	    → codec lookup → Middleware Chain → businessHandler (typed handler) → response frame
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/transport"
)

// ErrServerClosed is the close reason of connections torn down by Shutdown.
var ErrServerClosed = errors.New("rpc: server closed")

// Server is the RPC server that registers handlers and serves incoming connections.
type Server struct {
	mu          sync.Mutex
	methods     map[string]middleware.HandlerFunc // "Arith.Add" → handler
	listener    net.Listener
	conns       map[*transport.Conn]struct{}
	middlewares []middleware.Middleware // Registered middlewares (applied in order)
	dispatcher  *transport.Dispatcher   // Built once when serving starts
	opts        transport.Options
	logger      *zap.Logger

	shutdown atomic.Bool // Set during shutdown to suppress Accept errors
}

// NewServer creates a server whose connections use opts.
func NewServer(opts transport.Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		methods: make(map[string]middleware.HandlerFunc),
		conns:   make(map[*transport.Conn]struct{}),
		opts:    opts,
		logger:  logger,
	}
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on the given address and serves connections until Shutdown.
func (svr *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener)
}

// ServeListener serves connections accepted from listener until Shutdown.
// It returns nil after Shutdown and the Accept error otherwise.
func (svr *Server) ServeListener(listener net.Listener) error {
	svr.mu.Lock()
	svr.listener = listener
	// Build the middleware chain once at startup (not per-request)
	handler := middleware.Chain(svr.middlewares...)(svr.businessHandler)
	svr.dispatcher = transport.NewDispatcher(svr.opts.Codecs, handler, svr.logger)
	svr.mu.Unlock()

	svr.logger.Info("rpc server listening", zap.Stringer("addr", listener.Addr()))
	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() during Shutdown makes Accept fail; that is not an error
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		svr.handleConn(conn)
	}
}

// Addr returns the listener address, or nil before serving starts.
func (svr *Server) Addr() net.Addr {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if svr.listener == nil {
		return nil
	}
	return svr.listener.Addr()
}

// handleConn wraps conn in a transport.Conn, which runs its own read loop and
// dispatches each request to its own goroutine.
func (svr *Server) handleConn(conn net.Conn) {
	svr.mu.Lock()
	c := transport.NewConn(conn, svr.dispatcher, svr.opts)
	svr.conns[c] = struct{}{}
	svr.mu.Unlock()

	if svr.shutdown.Load() {
		c.Close(ErrServerClosed)
	}
	go func() {
		<-c.Done()
		svr.mu.Lock()
		delete(svr.conns, c)
		svr.mu.Unlock()
	}()
}

// Shutdown performs graceful shutdown:
//  1. Set shutdown flag (so Accept error is recognized as intentional)
//  2. Close the listener (stop accepting new connections)
//  3. Reject new requests and wait for in-flight ones to finish (with timeout)
//  4. Close every connection; callers on the other side see ErrServerClosed
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Set shutdown flag BEFORE closing listener, or Serve would report the Accept error
	svr.shutdown.Store(true)

	var err error
	svr.mu.Lock()
	listener, dispatcher := svr.listener, svr.dispatcher
	svr.mu.Unlock()
	if listener != nil {
		err = multierr.Append(err, listener.Close())
	}

	// Requests arriving from now on are rejected; the accepted ones are tracked up to
	// the moment their response is written
	if dispatcher != nil {
		dispatcher.Close()
		select {
		case <-dispatcher.Idle():
		case <-time.After(timeout):
			err = multierr.Append(err, fmt.Errorf("timeout waiting for ongoing requests to finish"))
		}
	}

	svr.mu.Lock()
	conns := make([]*transport.Conn, 0, len(svr.conns))
	for c := range svr.conns {
		conns = append(conns, c)
	}
	svr.mu.Unlock()
	for _, c := range conns {
		err = multierr.Append(err, c.Close(ErrServerClosed))
	}
	return err
}

// businessHandler is the innermost handler: it finds the typed handler registered
// for the request's method. It is wrapped by the middleware chain.
func (svr *Server) businessHandler(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
	svr.mu.Lock()
	h, ok := svr.methods[req.ServiceMethod]
	svr.mu.Unlock()
	if !ok {
		if err := validMethodName(req.ServiceMethod); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("rpc: method %q not found", req.ServiceMethod)
	}
	return h(ctx, req)
}
