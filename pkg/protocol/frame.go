package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	headerSize = 16

	// MaxPayload bounds a single frame body: one 512 KiB part plus headroom.
	MaxPayload = 1024 * 1024
)

var (
	// ErrUnknownType indicates a frame type this build does not know.
	ErrUnknownType = errors.New("unknown message type")
	// ErrFrameTooLarge indicates a frame whose body exceeds MaxPayload.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Frame is a decoded message with its correlation id.
type Frame struct {
	ID  uint64
	Msg Message
}

// AppendFrame serializes msg into b. Wire format:
// [4B type big-endian uint32]
// [8B correlation id big-endian uint64]
// [4B payload length big-endian uint32]
// [N bytes protobuf-encoded payload]
func AppendFrame(b []byte, id uint64, msg Message) ([]byte, error) {
	start := len(b)
	b = append(b, make([]byte, headerSize)...)
	b = msg.appendBody(b)
	n := len(b) - start - headerSize
	if n > MaxPayload {
		return b[:start], fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	hdr := b[start : start+headerSize]
	binary.BigEndian.PutUint32(hdr[0:4], uint32(msg.Type()))
	binary.BigEndian.PutUint64(hdr[4:12], id)
	binary.BigEndian.PutUint32(hdr[12:16], uint32(n))
	return b, nil
}

// WriteFrame writes one frame with a single Write call, so message-oriented
// transports see exactly one message per frame.
func WriteFrame(w io.Writer, id uint64, msg Message) error {
	buf, err := AppendFrame(nil, id, msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads and decodes one frame. The returned message owns a fresh
// payload buffer, so byte fields stay valid after the next read.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [headerSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	t := Type(binary.BigEndian.Uint32(hdr[0:4]))
	id := binary.BigEndian.Uint64(hdr[4:12])
	n := binary.BigEndian.Uint32(hdr[12:16])
	if n > MaxPayload {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, fmt.Errorf("read payload: %w", err)
	}

	msg, err := Decode(t, payload)
	if err != nil {
		return Frame{ID: id}, err
	}
	return Frame{ID: id, Msg: msg}, nil
}

// Decode parses a body of the given type.
func Decode(t Type, payload []byte) (Message, error) {
	msg, err := newMessage(t)
	if err != nil {
		return nil, err
	}
	if err := msg.decodeBody(payload); err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	return msg, nil
}
