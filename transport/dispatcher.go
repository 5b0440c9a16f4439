package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/middleware"
	"muxrpc/protocol"
)

// Dispatcher routes decoded commands: responses to the pending table, requests to
// the handler chain, heartbeats straight back to the peer.
type Dispatcher struct {
	codecs  *codec.Registry
	handler middleware.HandlerFunc
	logger  *zap.Logger

	mu       sync.Mutex
	inflight int           // requests being handled or answered
	closed   bool          // set by Close; later requests are rejected
	idle     chan struct{} // closed once closed and inflight reaches 0
}

// NewDispatcher returns a dispatcher serving requests with handler. A nil handler
// rejects every request with ErrNoHandler.
func NewDispatcher(codecs *codec.Registry, handler middleware.HandlerFunc, logger *zap.Logger) *Dispatcher {
	if codecs == nil {
		codecs = codec.DefaultRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{codecs: codecs, handler: handler, logger: logger, idle: make(chan struct{})}
}

// Dispatch is called by the read loop for every decoded command, in arrival order.
// It never writes to the connection itself: answers are written from other goroutines
// so the read loop keeps draining the peer even when the peer stops reading.
func (d *Dispatcher) Dispatch(c *Conn, cmd *protocol.Command) {
	switch cmd.Header.MsgType {
	case protocol.MsgTypeHeartbeat:
		// Acknowledge with a response; responses are never answered, so acks do not echo
		go func() {
			if err := c.respond(cmd.Header, protocol.StatusOK, nil); err != nil {
				d.logger.Debug("heartbeat ack not sent", zap.Uint64("seq", cmd.Header.Seq), zap.Error(err))
			}
		}()
	case protocol.MsgTypeResponse:
		if !c.pending.Resolve(cmd.Header.Seq, cmd) {
			c.opts.Observer.ResponseDropped(c, cmd)
		}
	case protocol.MsgTypeRequest, protocol.MsgTypeOneway:
		if !d.acquire() {
			go d.reject(c, cmd)
			return
		}
		go func() {
			defer d.release()
			d.handle(c, cmd)
		}()
	}
}

// Close stops the dispatcher from accepting requests. Requests already dispatched run
// to completion; later ones get an ERROR response carrying ErrDispatcherClosed.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.inflight == 0 {
		close(d.idle)
	}
}

// Idle is closed once Close has been called and every accepted request has been
// handled and answered.
func (d *Dispatcher) Idle() <-chan struct{} {
	return d.idle
}

func (d *Dispatcher) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return false
	}
	d.inflight++
	return true
}

func (d *Dispatcher) release() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inflight--
	if d.closed && d.inflight == 0 {
		close(d.idle)
	}
}

// reject answers a request that arrived after Close.
func (d *Dispatcher) reject(c *Conn, cmd *protocol.Command) {
	if cmd.Header.MsgType == protocol.MsgTypeOneway {
		c.opts.Observer.HandlerFailed(c, cmd, ErrDispatcherClosed)
		return
	}
	var req message.RPCMessage
	_ = req.UnmarshalBinary(cmd.Payload)
	body, _ := (&message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: ErrDispatcherClosed.Error()}).MarshalBinary()
	if err := c.respond(cmd.Header, protocol.StatusError, body); err != nil {
		d.logger.Debug("rejection not sent", zap.Uint64("seq", cmd.Header.Seq), zap.Error(err))
	}
}

func (d *Dispatcher) handle(c *Conn, cmd *protocol.Command) {
	req := &message.RPCMessage{}
	reply, err := d.serve(c.ctx, cmd, req)

	if cmd.Header.MsgType == protocol.MsgTypeOneway {
		if err != nil {
			c.opts.Observer.HandlerFailed(c, cmd, err)
		}
		return
	}

	status := protocol.StatusOK
	resp := &message.RPCMessage{ServiceMethod: req.ServiceMethod, Payload: reply}
	if err != nil {
		status = statusOf(err)
		resp.Payload = nil
		resp.Error = err.Error()
	}
	body, err := resp.MarshalBinary()
	if err != nil {
		status = protocol.StatusError
		body, _ = (&message.RPCMessage{ServiceMethod: req.ServiceMethod, Error: err.Error()}).MarshalBinary()
	}
	if err := c.respond(cmd.Header, status, body); err != nil {
		d.logger.Debug("response not sent",
			zap.String("method", req.ServiceMethod),
			zap.Uint64("seq", cmd.Header.Seq),
			zap.Error(err))
	}
}

// serve decodes the envelope and runs the handler chain with the request's codec in ctx.
func (d *Dispatcher) serve(ctx context.Context, cmd *protocol.Command, req *message.RPCMessage) (reply []byte, err error) {
	cdc, err := d.codecs.Lookup(codec.CodecType(cmd.Header.CodecType))
	if err != nil {
		return nil, err
	}
	if err := req.UnmarshalBinary(cmd.Payload); err != nil {
		return nil, err
	}
	if d.handler == nil {
		return nil, ErrNoHandler
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panic", zap.String("method", req.ServiceMethod), zap.Any("panic", r))
			reply, err = nil, fmt.Errorf("rpc: handler panic: %v", r)
		}
	}()
	return d.handler(codec.NewContext(ctx, cdc), req)
}

func statusOf(err error) protocol.Status {
	if errors.Is(err, context.DeadlineExceeded) {
		return protocol.StatusTimeout
	}
	return protocol.StatusError
}
