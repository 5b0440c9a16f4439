package server

import (
	"context"
	"fmt"
	"strings"

	"muxrpc/codec"
	"muxrpc/message"
	"muxrpc/middleware"
)

// Handle registers fn as the handler of serviceMethod ("Service.Method").
//
// The request body is decoded into a new Req with the codec the caller chose, and the
// returned *Resp is encoded with the same codec. Registration must happen before Serve.
func Handle[Req, Resp any](svr *Server, serviceMethod string, fn func(ctx context.Context, args *Req) (*Resp, error)) error {
	if err := validMethodName(serviceMethod); err != nil {
		return err
	}
	return svr.register(serviceMethod, func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
		cdc, args, err := decodeArgs[Req](ctx, req)
		if err != nil {
			return nil, err
		}
		reply, err := fn(ctx, args)
		if err != nil {
			return nil, err
		}
		return cdc.Encode(reply)
	})
}

// HandleOneway registers fn for serviceMethod when it is only ever sent as a oneway
// notification. A request sent to it anyway gets an empty reply.
func HandleOneway[Req any](svr *Server, serviceMethod string, fn func(ctx context.Context, args *Req) error) error {
	if err := validMethodName(serviceMethod); err != nil {
		return err
	}
	return svr.register(serviceMethod, func(ctx context.Context, req *message.RPCMessage) ([]byte, error) {
		_, args, err := decodeArgs[Req](ctx, req)
		if err != nil {
			return nil, err
		}
		return nil, fn(ctx, args)
	})
}

func decodeArgs[Req any](ctx context.Context, req *message.RPCMessage) (codec.Codec, *Req, error) {
	cdc, ok := codec.FromContext(ctx)
	if !ok {
		return nil, nil, fmt.Errorf("rpc: no codec for %s", req.ServiceMethod)
	}
	args := new(Req)
	if err := cdc.Decode(req.Payload, args); err != nil {
		return nil, nil, fmt.Errorf("rpc: decoding args of %s: %w", req.ServiceMethod, err)
	}
	return cdc, args, nil
}

func validMethodName(serviceMethod string) error {
	split := strings.Split(serviceMethod, ".")
	if len(split) != 2 || split[0] == "" || split[1] == "" {
		return fmt.Errorf("rpc: invalid service method %q, want \"Service.Method\"", serviceMethod)
	}
	return nil
}

func (svr *Server) register(serviceMethod string, h middleware.HandlerFunc) error {
	svr.mu.Lock()
	defer svr.mu.Unlock()
	if _, ok := svr.methods[serviceMethod]; ok {
		return fmt.Errorf("rpc: %s already registered", serviceMethod)
	}
	svr.methods[serviceMethod] = h
	return nil
}
