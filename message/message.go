// Package message defines the RPC envelope exchanged between caller and callee.
//
// RPCMessage is the body of every request, oneway and response frame. Its own layout is
// fixed binary; the Payload inside it is the application object encoded with the codec
// named by the frame header.
//
//	┌────────┬───────────────┬────────┬─────────┬────────┬───────┐
//	│ u16    │ ServiceMethod │ u32    │ Payload │ u16    │ Error │
//	└────────┴───────────────┴────────┴─────────┴────────┴───────┘
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"unicode/utf8"
)

// ErrShortMessage is returned when an envelope ends before one of its fields.
var ErrShortMessage = errors.New("message: truncated envelope")

// RPCMessage carries the data for a single RPC request or response.
//
//   - On request:  ServiceMethod is set, Payload contains the serialized args, Error is empty.
//   - On response: Payload contains the serialized reply, Error is non-empty if the call failed.
type RPCMessage struct {
	ServiceMethod string // Format: "ServiceName.MethodName", e.g., "Arith.Add"
	Error         string // Non-empty if the handler returned an error
	Payload       []byte // Serialized args (request) or reply (response)
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (m *RPCMessage) MarshalBinary() ([]byte, error) {
	if len(m.ServiceMethod) > math.MaxUint16 {
		return nil, fmt.Errorf("message: service method of %d bytes", len(m.ServiceMethod))
	}
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("message: payload of %d bytes", len(m.Payload))
	}
	errText := m.Error
	if len(errText) > math.MaxUint16 {
		// Cut on a rune boundary
		cut := math.MaxUint16
		for cut > 0 && !utf8.RuneStart(errText[cut]) {
			cut--
		}
		errText = errText[:cut]
	}

	total := 2 + len(m.ServiceMethod) + 4 + len(m.Payload) + 2 + len(errText)
	buf := make([]byte, 0, total)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(m.ServiceMethod)))
	buf = append(buf, m.ServiceMethod...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(errText)))
	buf = append(buf, errText...)
	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Payload is copied out of data.
func (m *RPCMessage) UnmarshalBinary(data []byte) error {
	offset := 0
	take := func(n int) ([]byte, error) {
		if n < 0 || len(data)-offset < n {
			return nil, ErrShortMessage
		}
		b := data[offset : offset+n]
		offset += n
		return b, nil
	}

	b, err := take(2)
	if err != nil {
		return err
	}
	method, err := take(int(binary.BigEndian.Uint16(b)))
	if err != nil {
		return err
	}

	if b, err = take(4); err != nil {
		return err
	}
	payload, err := take(int(binary.BigEndian.Uint32(b)))
	if err != nil {
		return err
	}

	if b, err = take(2); err != nil {
		return err
	}
	errText, err := take(int(binary.BigEndian.Uint16(b)))
	if err != nil {
		return err
	}
	if offset != len(data) {
		return fmt.Errorf("message: %d trailing bytes", len(data)-offset)
	}

	m.ServiceMethod = string(method)
	m.Payload = append([]byte(nil), payload...)
	m.Error = string(errText)
	return nil
}
