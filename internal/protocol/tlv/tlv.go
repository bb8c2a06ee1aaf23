package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const HeaderLen = 7

var (
	ErrShortFieldHeader = errors.New("tlv: short field header")
	ErrShortFieldValue  = errors.New("tlv: short field value")
)

// Value type IDs.
const (
	TypeU8     uint8 = 1
	TypeU16    uint8 = 2
	TypeU32    uint8 = 3
	TypeU64    uint8 = 4
	TypeBool   uint8 = 5
	TypeString uint8 = 6
	TypeBytes  uint8 = 7
)

// Field is one decoded TLV field. A field ID may repeat inside a payload;
// repeated fields keep their encode order on decode.
type Field struct {
	ID    uint16
	Type  uint8
	Value []byte
}

func AppendField(dst []byte, f Field) []byte {
	var hdr [HeaderLen]byte
	binary.BigEndian.PutUint16(hdr[0:2], f.ID)
	hdr[2] = f.Type
	binary.BigEndian.PutUint32(hdr[3:7], uint32(len(f.Value)))
	dst = append(dst, hdr[:]...)
	return append(dst, f.Value...)
}

func EncodeFields(fields []Field) []byte {
	out := make([]byte, 0, len(fields)*HeaderLen)
	for _, f := range fields {
		out = AppendField(out, f)
	}
	return out
}

func DecodeFields(payload []byte) ([]Field, error) {
	fields := make([]Field, 0)
	off := 0
	for off < len(payload) {
		if len(payload)-off < HeaderLen {
			return nil, ErrShortFieldHeader
		}
		id := binary.BigEndian.Uint16(payload[off : off+2])
		typeID := payload[off+2]
		vlen := binary.BigEndian.Uint32(payload[off+3 : off+7])
		off += HeaderLen
		if uint32(len(payload)-off) < vlen {
			return nil, ErrShortFieldValue
		}
		val := make([]byte, vlen)
		copy(val, payload[off:off+int(vlen)])
		off += int(vlen)
		fields = append(fields, Field{ID: id, Type: typeID, Value: val})
	}
	return fields, nil
}

// GetField returns the first field with the given ID.
func GetField(fields []Field, id uint16) (Field, bool) {
	for _, f := range fields {
		if f.ID == id {
			return f, true
		}
	}
	return Field{}, false
}

// GetAll returns every field with the given ID in encode order.
func GetAll(fields []Field, id uint16) []Field {
	var out []Field
	for _, f := range fields {
		if f.ID == id {
			out = append(out, f)
		}
	}
	return out
}

func MustType(f Field, expected uint8) error {
	if f.Type != expected {
		return fmt.Errorf("tlv: field %d type mismatch: got %d want %d", f.ID, f.Type, expected)
	}
	return nil
}

func String(s string) []byte { return []byte(s) }

func U16(v uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, v)
	return out
}

func U32(v uint32) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, v)
	return out
}

func U64(v uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, v)
	return out
}

func Bool(v bool) []byte {
	if v {
		return []byte{1}
	}
	return []byte{0}
}

func U16FromBytes(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, fmt.Errorf("tlv: invalid u16 length: %d", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}

func U32FromBytes(b []byte) (uint32, error) {
	if len(b) != 4 {
		return 0, fmt.Errorf("tlv: invalid u32 length: %d", len(b))
	}
	return binary.BigEndian.Uint32(b), nil
}

func U64FromBytes(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("tlv: invalid u64 length: %d", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func BoolFromBytes(b []byte) (bool, error) {
	if len(b) != 1 {
		return false, fmt.Errorf("tlv: invalid bool length: %d", len(b))
	}
	return b[0] != 0, nil
}
