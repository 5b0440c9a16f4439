package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

// AppendFrame appends the complete frame (header + body) of cmd to dst.
func AppendFrame(dst []byte, cmd *Command) ([]byte, error) {
	h := cmd.Header
	if int(h.BodyLen) != len(cmd.Payload) {
		return dst, fmt.Errorf("%w: bodyLen %d does not match payload of %d bytes",
			ErrMalformedHeader, h.BodyLen, len(cmd.Payload))
	}
	if !h.MsgType.Valid() || !h.Status.Valid() {
		return dst, fmt.Errorf("%w: %s", ErrMalformedHeader, h)
	}

	var buf [HeaderSize]byte
	// Magic number: 4 bytes, protocol identification
	copy(buf[0:4], magic[:])
	// Version: 1 byte, for future protocol upgrades
	buf[4] = Version
	buf[5] = byte(h.MsgType)
	buf[6] = h.CodecType
	buf[7] = byte(h.Status)
	// Sequence number: 8 bytes, big-endian (network byte order)
	binary.BigEndian.PutUint64(buf[8:16], h.Seq)
	binary.BigEndian.PutUint32(buf[16:20], h.BodyLen)

	dst = append(dst, buf[:]...)
	return append(dst, cmd.Payload...), nil
}

// Encode writes a complete frame to w with a single Write call.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different commands will interleave and corrupt the stream.
func Encode(w io.Writer, cmd *Command) error {
	frame, err := AppendFrame(make([]byte, 0, HeaderSize+len(cmd.Payload)), cmd)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	return err
}

// Decode reads exactly one frame from r.
// It is the blocking counterpart of Decoder for peers that own a plain io.Reader.
func Decode(r io.Reader, maxFrameSize uint32) (*Command, error) {
	var headerBuf [HeaderSize]byte
	if _, err := io.ReadFull(r, headerBuf[:]); err != nil {
		return nil, err
	}
	h, err := parseHeader(headerBuf[:], maxFrameSize)
	if err != nil {
		return nil, err
	}
	// Read exactly bodyLen bytes: this is how the stream is split into frames
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Command{Header: h, Payload: body}, nil
}

func checkMagic(b []byte) error {
	for i := 0; i < MagicSize && i < len(b); i++ {
		if b[i] != magic[i] {
			return fmt.Errorf("%w: invalid magic number %x", ErrProtocolMismatch, b[:min(len(b), MagicSize)])
		}
	}
	return nil
}

// parseHeader validates and decodes a complete header. b must hold HeaderSize bytes.
func parseHeader(b []byte, maxFrameSize uint32) (Header, error) {
	if err := checkMagic(b[:MagicSize]); err != nil {
		return Header{}, err
	}
	if b[4] != Version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrProtocolMismatch, b[4])
	}
	h := Header{
		MsgType:   MsgType(b[5]),
		CodecType: b[6],
		Status:    Status(b[7]),
		Seq:       binary.BigEndian.Uint64(b[8:16]),
		BodyLen:   binary.BigEndian.Uint32(b[16:20]),
	}
	if !h.MsgType.Valid() {
		return Header{}, fmt.Errorf("%w: unknown message type %d", ErrMalformedHeader, b[5])
	}
	if !h.Status.Valid() {
		return Header{}, fmt.Errorf("%w: unknown status %d", ErrMalformedHeader, b[7])
	}
	if maxFrameSize > 0 && h.BodyLen > maxFrameSize {
		return Header{}, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrFrameTooLarge, h.BodyLen, maxFrameSize)
	}
	return h, nil
}

// Decoder turns an arbitrarily chunked byte stream into commands.
//
// Bytes are accumulated until a full header is present, then until the announced body
// is present; every complete frame is emitted in arrival order. Any error is fatal:
// the decoder keeps returning it and the stream must be abandoned.
type Decoder struct {
	maxFrameSize uint32
	buf          []byte
	r            int // read cursor into buf
	err          error
}

// NewDecoder returns a decoder that rejects bodies larger than maxFrameSize.
// A zero maxFrameSize selects DefaultMaxFrameSize.
func NewDecoder(maxFrameSize uint32) *Decoder {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{maxFrameSize: maxFrameSize}
}

// Feed appends p to the accumulation buffer and returns all commands completed by it.
// Commands decoded before an error are returned together with the error.
func (d *Decoder) Feed(p []byte) ([]*Command, error) {
	if d.err != nil {
		return nil, d.err
	}
	d.buf = append(d.buf, p...)

	var cmds []*Command
	for {
		cmd, err := d.next()
		if err != nil {
			d.err = err
			d.buf, d.r = nil, 0
			return cmds, err
		}
		if cmd == nil {
			break
		}
		cmds = append(cmds, cmd)
	}
	d.compact()
	return cmds, nil
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf) - d.r
}

// next extracts one command, or returns nil if more bytes are needed.
func (d *Decoder) next() (*Command, error) {
	avail := d.buf[d.r:]
	if err := checkMagic(avail); err != nil {
		return nil, err
	}
	if len(avail) < HeaderSize {
		return nil, nil
	}
	h, err := parseHeader(avail[:HeaderSize], d.maxFrameSize)
	if err != nil {
		return nil, err
	}
	total := HeaderSize + int(h.BodyLen)
	if len(avail) < total {
		return nil, nil
	}
	// Copy the body out, the buffer is reused for later frames
	body := make([]byte, h.BodyLen)
	copy(body, avail[HeaderSize:total])
	d.r += total
	return &Command{Header: h, Payload: body}, nil
}

func (d *Decoder) compact() {
	if d.r == 0 {
		return
	}
	n := copy(d.buf, d.buf[d.r:])
	d.buf = d.buf[:n]
	d.r = 0
}
