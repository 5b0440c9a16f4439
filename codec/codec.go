// Package codec holds the serializers that turn application objects into frame
// payloads and back, and the registry that selects one by the header's codec type.
package codec

import (
	"context"
	"errors"
	"fmt"

	"muxrpc/protocol"
)

type CodecType byte

const (
	CodecTypeJSON   = CodecType(protocol.CodecTypeJSON)
	CodecTypeBinary = CodecType(protocol.CodecTypeBinary)
	CodecTypeProto  = CodecType(protocol.CodecTypeProto)
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeProto:
		return "proto"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}

// ParseCodecType maps a configuration name to its codec type.
func ParseCodecType(name string) (CodecType, error) {
	switch name {
	case "json", "":
		return CodecTypeJSON, nil
	case "binary":
		return CodecTypeBinary, nil
	case "proto", "protobuf":
		return CodecTypeProto, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
}

// ErrUnknownCodec is returned when no serializer is registered for a codec type.
var ErrUnknownCodec = errors.New("codec: unknown serializer")

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// Registry maps codec types to codecs. It is filled once by NewRegistry and never
// modified afterwards, so lookups need no locking.
type Registry struct {
	codecs map[CodecType]Codec
}

// NewRegistry builds a registry from codecs. Registering two codecs with the same
// type is an error.
func NewRegistry(codecs ...Codec) (*Registry, error) {
	r := &Registry{codecs: make(map[CodecType]Codec, len(codecs))}
	for _, c := range codecs {
		if _, ok := r.codecs[c.Type()]; ok {
			return nil, fmt.Errorf("codec: %s registered twice", c.Type())
		}
		r.codecs[c.Type()] = c
	}
	return r, nil
}

// DefaultRegistry returns a registry with the JSON, binary and protobuf codecs.
func DefaultRegistry() *Registry {
	return &Registry{codecs: map[CodecType]Codec{
		CodecTypeJSON:   &JSONCodec{},
		CodecTypeBinary: &BinaryCodec{},
		CodecTypeProto:  &ProtoCodec{},
	}}
}

// Lookup returns the codec registered for t.
func (r *Registry) Lookup(t CodecType) (Codec, error) {
	if c, ok := r.codecs[t]; ok {
		return c, nil
	}
	return nil, fmt.Errorf("%w: type %d", ErrUnknownCodec, byte(t))
}

func (r *Registry) Has(t CodecType) bool {
	_, ok := r.codecs[t]
	return ok
}

type contextKey struct{}

// NewContext returns a copy of ctx carrying the codec of the request being handled.
func NewContext(ctx context.Context, c Codec) context.Context {
	return context.WithValue(ctx, contextKey{}, c)
}

// FromContext returns the codec stored by NewContext, if any.
func FromContext(ctx context.Context) (Codec, bool) {
	c, ok := ctx.Value(contextKey{}).(Codec)
	return c, ok
}
