package codec

import (
	"encoding/json"
)

// JSONCodec uses encoding/json for payloads.
// Human-readable and cross-language, but slower and larger than the binary formats.
type JSONCodec struct{}

func (c *JSONCodec) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode leaves v untouched for an empty body, so replies without content decode
// into their zero value.
func (c *JSONCodec) Decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}
