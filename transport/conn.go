// Package transport runs the command protocol over one long-lived connection.
//
// A Conn multiplexes many concurrent calls over a single net.Conn. Each request gets a
// unique sequence id and a pending entry; a background goroutine (readLoop) decodes
// incoming frames and either completes the matching entry or hands requests to the
// Dispatcher.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single conn ──→ peer
//	goroutine-3 ──Send(seq=3)──┘
//
//	readLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// Connections are symmetric: both ends can send requests and serve them.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"muxrpc/codec"
	"muxrpc/protocol"
)

const readBufferSize = 32 << 10

// Conn manages a single multiplexed connection.
type Conn struct {
	conn       net.Conn
	opts       Options
	dispatcher *Dispatcher
	pending    *PendingTable
	decoder    *protocol.Decoder // only touched by readLoop
	seq        atomic.Uint64     // last sequence id handed out

	sending sync.Mutex // Write lock: frames from concurrent callers must not interleave
	closing atomic.Bool

	closeOnce sync.Once
	mu        sync.Mutex // protects reason
	reason    error
	done      chan struct{}

	ctx    context.Context // parent of handler contexts, cancelled on Close
	cancel context.CancelFunc
}

// NewConn wraps conn and starts its background goroutines:
//   - readLoop: decodes frames and dispatches them
//   - sweepLoop: fails requests whose deadline has passed
//   - heartbeatLoop: pings the peer, if Options.HeartbeatInterval is set
//
// A nil dispatcher answers every incoming request with ErrNoHandler.
func NewConn(conn net.Conn, dispatcher *Dispatcher, opts Options) *Conn {
	opts = opts.withDefaults()
	if dispatcher == nil {
		dispatcher = NewDispatcher(opts.Codecs, nil, opts.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		conn:       conn,
		opts:       opts,
		dispatcher: dispatcher,
		pending:    NewPendingTable(),
		decoder:    protocol.NewDecoder(opts.MaxFrameSize),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
	opts.Observer.ConnOpened(c)

	go c.readLoop()
	go c.sweepLoop()
	if opts.HeartbeatInterval > 0 {
		go c.heartbeatLoop(opts.HeartbeatInterval)
	}
	return c
}

// SendAsync writes a request and returns its sequence id and the channel its Result
// will arrive on. A zero timeout selects Options.RequestTimeout.
func (c *Conn) SendAsync(codecType codec.CodecType, payload []byte, timeout time.Duration) (uint64, <-chan Result, error) {
	if timeout <= 0 {
		timeout = c.opts.RequestTimeout
	}
	return c.request(protocol.MsgTypeRequest, codecType, payload, time.Now().Add(timeout))
}

// Send writes a request and blocks until its response arrives, its deadline passes,
// ctx ends, or the connection closes. The deadline is ctx's deadline if it has one,
// Options.RequestTimeout otherwise.
//
// The returned error is nil, wraps ErrTimeout, is a *ClosedError, or is ctx.Err().
func (c *Conn) Send(ctx context.Context, codecType codec.CodecType, payload []byte) (*protocol.Command, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	seq, ch, err := c.request(protocol.MsgTypeRequest, codecType, payload, c.deadline(ctx))
	if err != nil {
		return nil, err
	}
	return c.await(ctx, seq, ch)
}

// SendOneway writes a request that expects no response.
func (c *Conn) SendOneway(ctx context.Context, codecType codec.CodecType, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.checkCodec(codecType); err != nil {
		return err
	}
	h, err := protocol.NewHeader(protocol.MsgTypeOneway, byte(codecType), protocol.StatusOK, c.nextSeq())
	if err != nil {
		return err
	}
	cmd, err := protocol.NewCommand(h, payload)
	if err != nil {
		return err
	}
	return c.write(cmd)
}

// Ping sends a heartbeat and waits for the peer's acknowledgment.
func (c *Conn) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	seq, ch, err := c.request(protocol.MsgTypeHeartbeat, codec.CodecTypeJSON, nil, c.deadline(ctx))
	if err != nil {
		return err
	}
	_, err = c.await(ctx, seq, ch)
	return err
}

// Close stops the connection: the read loop ends, the in-flight write gets
// Options.FlushTimeout to finish, and every pending request fails with a
// *ClosedError carrying reason. Only the first call has any effect.
func (c *Conn) Close(reason error) error {
	var err error
	c.closeOnce.Do(func() {
		if reason == nil {
			reason = ErrLocalClose
		}
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.closing.Store(true)
		c.cancel()

		// Let a frame that is being written finish, but not forever
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.opts.FlushTimeout))
		c.sending.Lock()
		err = c.conn.Close()
		c.sending.Unlock()

		if n := c.pending.CancelAll(reason); n > 0 {
			c.opts.Logger.Debug("cancelled pending requests", zap.Int("count", n), zap.Error(reason))
		}
		close(c.done)
		c.opts.Observer.ConnClosed(c, reason)
	})
	return err
}

// Done is closed once the connection has been torn down.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection was closed, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Pending returns the number of requests waiting for a response.
func (c *Conn) Pending() int {
	return c.pending.Len()
}

func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

func (c *Conn) request(msgType protocol.MsgType, codecType codec.CodecType, payload []byte, deadline time.Time) (uint64, <-chan Result, error) {
	if msgType != protocol.MsgTypeHeartbeat {
		if err := c.checkCodec(codecType); err != nil {
			return 0, nil, err
		}
	}
	return c.requestSeq(c.nextSeq(), msgType, codecType, payload, deadline)
}

// requestSeq registers a pending entry for seq BEFORE writing, so a fast response
// always finds it. A seq that is already pending closes the connection.
func (c *Conn) requestSeq(seq uint64, msgType protocol.MsgType, codecType codec.CodecType, payload []byte, deadline time.Time) (uint64, <-chan Result, error) {
	h, err := protocol.NewHeader(msgType, byte(codecType), protocol.StatusOK, seq)
	if err != nil {
		return 0, nil, err
	}
	cmd, err := protocol.NewCommand(h, payload)
	if err != nil {
		return 0, nil, err
	}

	ch, err := c.pending.Register(seq, deadline)
	if err != nil {
		if errors.Is(err, ErrDuplicateSeq) {
			c.opts.Logger.Error("sequence id reused while pending", zap.Uint64("seq", seq))
			c.Close(err)
			return 0, nil, &ClosedError{Reason: err}
		}
		return 0, nil, err
	}

	if err := c.write(cmd); err != nil {
		c.pending.Cancel(seq)
		return 0, nil, err
	}
	return seq, ch, nil
}

func (c *Conn) await(ctx context.Context, seq uint64, ch <-chan Result) (*protocol.Command, error) {
	select {
	case res := <-ch:
		return res.Cmd, res.Err
	case <-ctx.Done():
		if !c.pending.Cancel(seq) {
			// Completed concurrently; the result is already on its way
			res := <-ch
			return res.Cmd, res.Err
		}
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: seq %d: %w", ErrTimeout, seq, ctx.Err())
		}
		return nil, ctx.Err()
	}
}

// respond answers the request described by reqHeader.
func (c *Conn) respond(reqHeader protocol.Header, status protocol.Status, body []byte) error {
	h, err := protocol.NewHeader(protocol.MsgTypeResponse, reqHeader.CodecType, status, reqHeader.Seq)
	if err != nil {
		return err
	}
	cmd, err := protocol.NewCommand(h, body)
	if err != nil {
		return err
	}
	return c.write(cmd)
}

// write encodes cmd and writes it as one contiguous frame under the write lock.
// A failed write leaves a partial frame on the stream, so it closes the connection.
func (c *Conn) write(cmd *protocol.Command) error {
	frame, err := protocol.AppendFrame(make([]byte, 0, protocol.HeaderSize+len(cmd.Payload)), cmd)
	if err != nil {
		return err
	}

	c.sending.Lock()
	if c.closing.Load() {
		c.sending.Unlock()
		return &ClosedError{Reason: c.Err()}
	}
	_, err = c.conn.Write(frame)
	c.sending.Unlock()

	if err != nil {
		c.Close(fmt.Errorf("write: %w", err))
		return &ClosedError{Reason: c.Err()}
	}
	return nil
}

func (c *Conn) checkCodec(codecType codec.CodecType) error {
	if _, err := c.opts.Codecs.Lookup(codecType); err != nil {
		return fmt.Errorf("%w: %w", protocol.ErrMalformedHeader, err)
	}
	return nil
}

// nextSeq hands out the next sequence id, skipping 0 and any id still pending after
// the counter wraps.
func (c *Conn) nextSeq() uint64 {
	for {
		seq := c.seq.Add(1)
		if seq != 0 && !c.pending.Contains(seq) {
			return seq
		}
	}
}

func (c *Conn) deadline(ctx context.Context) time.Time {
	if d, ok := ctx.Deadline(); ok {
		return d
	}
	return time.Now().Add(c.opts.RequestTimeout)
}

// readLoop runs in a dedicated goroutine and is the only reader of the connection:
// the stream must be consumed sequentially to find frame boundaries.
func (c *Conn) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.conn.Read(buf)
		if n > 0 {
			cmds, decodeErr := c.decoder.Feed(buf[:n])
			for _, cmd := range cmds {
				c.dispatcher.Dispatch(c, cmd)
			}
			if decodeErr != nil {
				// The stream can no longer be trusted
				c.opts.Logger.Warn("closing connection on protocol error",
					zap.Stringer("remote", c.RemoteAddr()), zap.Error(decodeErr))
				c.Close(decodeErr)
				return
			}
		}
		if err != nil {
			c.Close(err)
			return
		}
	}
}

func (c *Conn) sweepLoop() {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case now := <-ticker.C:
			if n := c.pending.Expire(now); n > 0 {
				c.opts.Logger.Debug("expired pending requests", zap.Int("count", n))
			}
		}
	}
}

// heartbeatLoop pings the peer periodically. A ping that is not acknowledged
// within the request timeout closes the connection.
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(c.ctx, c.opts.RequestTimeout)
		err := c.Ping(ctx)
		cancel()
		switch {
		case err == nil:
		case errors.Is(err, ErrConnectionClosed), errors.Is(err, context.Canceled):
			return
		default:
			// %v: callers failed by this close must not match ErrTimeout
			c.Close(fmt.Errorf("%w: %v", ErrHeartbeatTimeout, err))
			return
		}
	}
}
