package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Magic          uint32 = 0x42555343
	Version        uint16 = 1
	FixedHeaderLen uint16 = 20

	FlagIsReply     uint32 = 0x01
	FlagIsAck       uint32 = 0x02
	FlagRequiresAck uint32 = 0x04
)

var (
	ErrShortHeader     = errors.New("frame: short fixed header")
	ErrBadMagic        = errors.New("frame: bad magic")
	ErrBadVersion      = errors.New("frame: unsupported version")
	ErrPayloadTooLarge = errors.New("frame: payload too large")
)

// Header is the fixed wire header prefixing every envelope.
type Header struct {
	Magic       uint32
	Version     uint16
	MessageType uint16
	Flags       uint32
	PayloadLen  uint64
}

// Frame is one complete wire message: fixed header plus TLV payload.
type Frame struct {
	Header  Header
	Payload []byte
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxPayloadBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxPayloadBytes: 8 * 1024 * 1024}
}

func ReadFrame(r io.Reader, limits Limits) (Frame, error) {
	var fixed [FixedHeaderLen]byte
	if _, err := io.ReadFull(r, fixed[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Frame{}, ErrShortHeader
		}
		return Frame{}, err
	}

	h, err := DecodeHeader(fixed[:])
	if err != nil {
		return Frame{}, err
	}
	if h.PayloadLen > limits.MaxPayloadBytes {
		return Frame{}, ErrPayloadTooLarge
	}

	payload := make([]byte, h.PayloadLen)
	if h.PayloadLen > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Header: h, Payload: payload}, nil
}

func WriteFrame(w io.Writer, f Frame, limits Limits) error {
	payloadLen := uint64(len(f.Payload))
	if payloadLen > limits.MaxPayloadBytes {
		return ErrPayloadTooLarge
	}

	h := f.Header
	h.Magic = Magic
	h.Version = Version
	h.PayloadLen = payloadLen

	if _, err := w.Write(EncodeHeader(h)); err != nil {
		return err
	}
	if payloadLen > 0 {
		if _, err := w.Write(f.Payload); err != nil {
			return err
		}
	}
	return nil
}

func EncodeHeader(h Header) []byte {
	buf := make([]byte, FixedHeaderLen)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint16(buf[4:6], h.Version)
	binary.BigEndian.PutUint16(buf[6:8], h.MessageType)
	binary.BigEndian.PutUint32(buf[8:12], h.Flags)
	binary.BigEndian.PutUint64(buf[12:20], h.PayloadLen)
	return buf
}

func DecodeHeader(b []byte) (Header, error) {
	if len(b) != int(FixedHeaderLen) {
		return Header{}, fmt.Errorf("frame: invalid fixed header length: %d", len(b))
	}
	h := Header{
		Magic:       binary.BigEndian.Uint32(b[0:4]),
		Version:     binary.BigEndian.Uint16(b[4:6]),
		MessageType: binary.BigEndian.Uint16(b[6:8]),
		Flags:       binary.BigEndian.Uint32(b[8:12]),
		PayloadLen:  binary.BigEndian.Uint64(b[12:20]),
	}
	if h.Magic != Magic {
		return Header{}, ErrBadMagic
	}
	if h.Version != Version {
		return Header{}, ErrBadVersion
	}
	return h, nil
}
