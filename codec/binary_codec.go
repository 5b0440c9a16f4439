package codec

import (
	"encoding"
	"fmt"
)

// BinaryCodec passes raw bytes through and otherwise delegates to the value's own
// encoding.BinaryMarshaler / encoding.BinaryUnmarshaler implementation.
// message.RPCMessage is one such value.
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch val := v.(type) {
	case []byte:
		return val, nil
	case *[]byte:
		return *val, nil
	case string:
		return []byte(val), nil
	case *string:
		return []byte(*val), nil
	case encoding.BinaryMarshaler:
		return val.MarshalBinary()
	}
	return nil, fmt.Errorf("BinaryCodec: %T does not implement encoding.BinaryMarshaler", v)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	switch val := v.(type) {
	case *[]byte:
		*val = append((*val)[:0], data...)
		return nil
	case *string:
		*val = string(data)
		return nil
	case encoding.BinaryUnmarshaler:
		return val.UnmarshalBinary(data)
	}
	return fmt.Errorf("BinaryCodec: %T does not implement encoding.BinaryUnmarshaler", v)
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
