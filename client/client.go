// Package client is the caller side of an RPC connection.
//
// A Client owns one transport.Conn and encodes every call with a single codec. Calls
// from many goroutines share the connection; each waits only for its own response.
package client

import (
	"context"
	"fmt"
	"net"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/protocol"
	"muxrpc/transport"
)

// ServerError is returned by Call when the peer answered with a non-OK status.
type ServerError struct {
	Status  protocol.Status
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("rpc: server error (%s): %s", e.Status, e.Message)
}

// Is reports a TIMEOUT answer as transport.ErrTimeout.
func (e *ServerError) Is(target error) bool {
	return target == transport.ErrTimeout && e.Status == protocol.StatusTimeout
}

type Client struct {
	conn      *transport.Conn
	codecs    *codec.Registry
	codec     codec.Codec
	codecType codec.CodecType
}

// Dial connects to addr and wraps the connection in a Client.
func Dial(network, addr string, codecType codec.CodecType, opts transport.Options) (*Client, error) {
	conn, err := net.Dial(network, addr)
	if err != nil {
		return nil, err
	}
	c, err := NewClient(conn, codecType, opts)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return c, nil
}

// NewClient takes ownership of conn. Requests the peer sends back are rejected.
func NewClient(conn net.Conn, codecType codec.CodecType, opts transport.Options) (*Client, error) {
	codecs := opts.Codecs
	if codecs == nil {
		codecs = codec.DefaultRegistry()
		opts.Codecs = codecs
	}
	cdc, err := codecs.Lookup(codecType)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:      transport.NewConn(conn, nil, opts),
		codecs:    codecs,
		codec:     cdc,
		codecType: codecType,
	}, nil
}

// Call invokes serviceMethod with args and decodes the answer into reply.
//
// The error is nil, wraps transport.ErrTimeout, is a *transport.ClosedError, is a
// *ServerError, or is ctx.Err() when ctx is cancelled.
func (c *Client) Call(ctx context.Context, serviceMethod string, args, reply any) error {
	body, err := c.envelope(serviceMethod, args)
	if err != nil {
		return err
	}

	resp, err := c.conn.Send(ctx, c.codecType, body)
	if err != nil {
		return err
	}

	var msg message.RPCMessage
	if err := msg.UnmarshalBinary(resp.Payload); err != nil {
		return fmt.Errorf("rpc: decoding response to %s: %w", serviceMethod, err)
	}
	if resp.Header.Status != protocol.StatusOK {
		return &ServerError{Status: resp.Header.Status, Message: msg.Error}
	}
	if reply == nil {
		return nil
	}

	// The peer answers with the codec of the request, but trust the header
	cdc, err := c.codecs.Lookup(codec.CodecType(resp.Header.CodecType))
	if err != nil {
		return err
	}
	if err := cdc.Decode(msg.Payload, reply); err != nil {
		return fmt.Errorf("rpc: decoding reply of %s: %w", serviceMethod, err)
	}
	return nil
}

// Notify sends serviceMethod as a oneway request: there is no answer and no way to
// learn whether the handler succeeded.
func (c *Client) Notify(ctx context.Context, serviceMethod string, args any) error {
	body, err := c.envelope(serviceMethod, args)
	if err != nil {
		return err
	}
	return c.conn.SendOneway(ctx, c.codecType, body)
}

// Ping checks that the peer is alive.
func (c *Client) Ping(ctx context.Context) error {
	return c.conn.Ping(ctx)
}

// Close tears the connection down; calls still in flight fail with *transport.ClosedError.
func (c *Client) Close() error {
	return c.conn.Close(nil)
}

// Done is closed when the connection is gone, whichever side closed it.
func (c *Client) Done() <-chan struct{} {
	return c.conn.Done()
}

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	return c.conn.Err()
}

func (c *Client) envelope(serviceMethod string, args any) ([]byte, error) {
	payload, err := c.codec.Encode(args)
	if err != nil {
		return nil, fmt.Errorf("rpc: encoding args of %s: %w", serviceMethod, err)
	}
	return (&message.RPCMessage{ServiceMethod: serviceMethod, Payload: payload}).MarshalBinary()
}
