// Package protocol implements the custom binary frame protocol for muxrpc.
//
// Every command travels as a fixed-size 20-byte header followed by a variable-length
// body. The receiver reads the header first to learn the body length, then waits for
// exactly that many bytes.
//
// Frame format:
//
//	0        4  5  6  7  8                16        20
//	┌────────┬──┬──┬──┬──┬─────────────────┬─────────┬───────────────┐
//	│ magic  │v │mt│ct│st│       seq       │ bodyLen │    body ...   │
//	│ "mrpc" │01│  │  │  │     uint64      │ uint32  │ bodyLen bytes │
//	└────────┴──┴──┴──┴──┴─────────────────┴─────────┴───────────────┘
package protocol

import (
	"errors"
	"fmt"
	"math"
)

// Magic number bytes: "mrpc".
// Used to reject non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x6d // 'm'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	MagicByte4  byte = 0x63 // 'c'
	Version     byte = 0x01
	MagicSize   int  = 4
	HeaderSize  int  = 20 // 4 (magic) + 1 (version) + 1 (msgType) + 1 (codec) + 1 (status) + 8 (seq) + 4 (bodyLen)

	// DefaultMaxFrameSize bounds the body a peer may announce.
	DefaultMaxFrameSize uint32 = 4 << 20
)

var magic = [MagicSize]byte{MagicNumber, MagicByte2, MagicByte3, MagicByte4}

var (
	// ErrMalformedHeader reports a header field that cannot be put on, or taken off, the wire.
	ErrMalformedHeader = errors.New("malformed header")
	// ErrProtocolMismatch reports a stream that does not speak this protocol.
	ErrProtocolMismatch = errors.New("protocol mismatch")
	// ErrFrameTooLarge reports a body length above the configured maximum.
	ErrFrameTooLarge = errors.New("frame too large")
)

// MsgType distinguishes request, response, oneway and heartbeat frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Caller → callee, expects a response
	MsgTypeResponse  MsgType = 1 // Reply to a request or heartbeat, same Seq
	MsgTypeOneway    MsgType = 2 // Caller → callee, no response
	MsgTypeHeartbeat MsgType = 3 // KeepAlive probe (no body), acknowledged with a response
)

func (t MsgType) Valid() bool {
	return t <= MsgTypeHeartbeat
}

func (t MsgType) String() string {
	switch t {
	case MsgTypeRequest:
		return "request"
	case MsgTypeResponse:
		return "response"
	case MsgTypeOneway:
		return "oneway"
	case MsgTypeHeartbeat:
		return "heartbeat"
	}
	return fmt.Sprintf("msgtype(%d)", byte(t))
}

// Status is the outcome carried by a response.
type Status byte

const (
	StatusOK      Status = 0
	StatusError   Status = 1
	StatusTimeout Status = 2
)

func (s Status) Valid() bool {
	return s <= StatusTimeout
}

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusError:
		return "error"
	case StatusTimeout:
		return "timeout"
	}
	return fmt.Sprintf("status(%d)", byte(s))
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
	CodecTypeProto  byte = 2
)

// Header represents the fixed 20-byte frame header.
type Header struct {
	MsgType   MsgType // Request, Response, Oneway or Heartbeat
	CodecType byte    // Serialization format of the body payload
	Status    Status  // Only meaningful on responses
	Seq       uint64  // Correlation id: a request and its response share it
	BodyLen   uint32  // Body length in bytes
}

// NewHeader validates the enumerated fields and returns a header with BodyLen unset.
// BodyLen is filled in by NewCommand from the actual payload.
func NewHeader(msgType MsgType, codecType byte, status Status, seq uint64) (Header, error) {
	if !msgType.Valid() {
		return Header{}, fmt.Errorf("%w: unknown message type %d", ErrMalformedHeader, byte(msgType))
	}
	if !status.Valid() {
		return Header{}, fmt.Errorf("%w: unknown status %d", ErrMalformedHeader, byte(status))
	}
	return Header{
		MsgType:   msgType,
		CodecType: codecType,
		Status:    status,
		Seq:       seq,
	}, nil
}

func (h Header) String() string {
	return fmt.Sprintf("Header[type=%s codec=%d status=%s seq=%d len=%d]",
		h.MsgType, h.CodecType, h.Status, h.Seq, h.BodyLen)
}

// Command pairs one header with its body. It is the unit of exchange on a connection
// and must not be modified after it is handed to a writer or a dispatcher.
type Command struct {
	Header  Header
	Payload []byte
}

// NewCommand builds a command whose BodyLen matches payload.
func NewCommand(h Header, payload []byte) (*Command, error) {
	if !h.MsgType.Valid() {
		return nil, fmt.Errorf("%w: unknown message type %d", ErrMalformedHeader, byte(h.MsgType))
	}
	if !h.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %d", ErrMalformedHeader, byte(h.Status))
	}
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrMalformedHeader, len(payload))
	}
	h.BodyLen = uint32(len(payload))
	return &Command{Header: h, Payload: payload}, nil
}
