package transport

import (
	"go.uber.org/zap"

	"muxrpc/protocol"
)

// Observer is told about connection lifecycle and about events that are not errors
// for the connection itself but should not pass silently.
// Methods are called from connection goroutines and must not block.
type Observer interface {
	ConnOpened(c *Conn)
	ConnClosed(c *Conn, reason error)
	// ResponseDropped reports a response nobody was waiting for.
	ResponseDropped(c *Conn, cmd *protocol.Command)
	// HandlerFailed reports a oneway request whose handler failed.
	HandlerFailed(c *Conn, cmd *protocol.Command, err error)
}

// NopObserver ignores everything. Embed it to implement only some methods.
type NopObserver struct{}

func (NopObserver) ConnOpened(*Conn) {}
func (NopObserver) ConnClosed(*Conn, error) {}
func (NopObserver) ResponseDropped(*Conn, *protocol.Command) {}
func (NopObserver) HandlerFailed(*Conn, *protocol.Command, error) {}

// LogObserver writes every event to a zap logger.
type LogObserver struct {
	Logger *zap.Logger
}

func (o LogObserver) ConnOpened(c *Conn) {
	o.Logger.Info("connection opened", zap.Stringer("remote", c.RemoteAddr()))
}

func (o LogObserver) ConnClosed(c *Conn, reason error) {
	o.Logger.Info("connection closed", zap.Stringer("remote", c.RemoteAddr()), zap.NamedError("reason", reason))
}

func (o LogObserver) ResponseDropped(c *Conn, cmd *protocol.Command) {
	o.Logger.Warn("dropping response without pending request",
		zap.Stringer("remote", c.RemoteAddr()),
		zap.Uint64("seq", cmd.Header.Seq),
		zap.Stringer("status", cmd.Header.Status))
}

func (o LogObserver) HandlerFailed(c *Conn, cmd *protocol.Command, err error) {
	o.Logger.Warn("oneway handler failed",
		zap.Stringer("remote", c.RemoteAddr()),
		zap.Uint64("seq", cmd.Header.Seq),
		zap.Error(err))
}

// Observers fans every event out to each observer in order.
type Observers []Observer

func (obs Observers) ConnOpened(c *Conn) {
	for _, o := range obs {
		o.ConnOpened(c)
	}
}

func (obs Observers) ConnClosed(c *Conn, reason error) {
	for _, o := range obs {
		o.ConnClosed(c, reason)
	}
}

func (obs Observers) ResponseDropped(c *Conn, cmd *protocol.Command) {
	for _, o := range obs {
		o.ResponseDropped(c, cmd)
	}
}

func (obs Observers) HandlerFailed(c *Conn, cmd *protocol.Command, err error) {
	for _, o := range obs {
		o.HandlerFailed(c, cmd, err)
	}
}
