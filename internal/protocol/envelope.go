package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/danmuck/busctl/internal/protocol/frame"
	"github.com/danmuck/busctl/internal/protocol/tlv"
)

// Message type IDs.
const (
	MsgRequest uint16 = 1
	MsgReply   uint16 = 2
	MsgAck     uint16 = 3
)

// Field IDs.
const (
	FieldCorrelationID uint16 = 1
	FieldTopic         uint16 = 2
	FieldSource        uint16 = 3
	FieldTarget        uint16 = 4
	FieldHop           uint16 = 5
	FieldRequiresAck   uint16 = 6
	FieldAttempt       uint16 = 7
	FieldTimestampMS   uint16 = 8
	FieldPayload       uint16 = 9
	FieldError         uint16 = 10
)

var (
	ErrInvalidEnvelope    = errors.New("protocol: invalid envelope")
	ErrUnknownMessageType = errors.New("protocol: unknown message type")
)

// Envelope is one logical message. Hops records the identity chain a
// request travelled so a reply can retrace the path without re-resolution.
type Envelope struct {
	Kind          uint16
	CorrelationID string
	Topic         string
	Source        string
	Target        string
	Hops          []string
	RequiresAck   bool
	Attempt       uint32
	TimestampMS   uint64
	Payload       []byte
	// Error carries a responder-side failure on a reply envelope.
	Error string
}

func (e Envelope) Validate() error {
	if strings.TrimSpace(e.CorrelationID) == "" {
		return fmt.Errorf("%w: missing correlation_id", ErrInvalidEnvelope)
	}
	if strings.TrimSpace(e.Source) == "" {
		return fmt.Errorf("%w: missing source", ErrInvalidEnvelope)
	}
	switch e.Kind {
	case MsgRequest:
		if strings.TrimSpace(e.Topic) == "" {
			return fmt.Errorf("%w: request missing topic", ErrInvalidEnvelope)
		}
		if strings.TrimSpace(e.Target) == "" {
			return fmt.Errorf("%w: request missing target", ErrInvalidEnvelope)
		}
	case MsgReply, MsgAck:
		if strings.TrimSpace(e.Target) == "" {
			return fmt.Errorf("%w: reply missing target", ErrInvalidEnvelope)
		}
	default:
		return fmt.Errorf("%w: %d", ErrUnknownMessageType, e.Kind)
	}
	return nil
}

// IsReply reports whether the envelope carries a business reply.
func (e Envelope) IsReply() bool { return e.Kind == MsgReply }

// IsAck reports whether the envelope is a delivery confirmation only.
func (e Envelope) IsAck() bool { return e.Kind == MsgAck }

// LastHop returns the most recently appended chain identity, or false
// when the chain is empty.
func (e Envelope) LastHop() (string, bool) {
	if len(e.Hops) == 0 {
		return "", false
	}
	return e.Hops[len(e.Hops)-1], true
}

// PopHop returns a copy of the envelope with the last chain identity
// removed. Used on the reply path to retrace one proxy hop.
func (e Envelope) PopHop() Envelope {
	if len(e.Hops) == 0 {
		return e
	}
	out := e
	out.Hops = append([]string(nil), e.Hops[:len(e.Hops)-1]...)
	return out
}

// AppendHop returns a copy of the envelope with one identity appended
// to the chain. Payload bytes are shared, never copied.
func (e Envelope) AppendHop(identity string) Envelope {
	out := e
	out.Hops = append(append([]string(nil), e.Hops...), identity)
	return out
}

func flagsFor(e Envelope) uint32 {
	var flags uint32
	if e.Kind == MsgReply {
		flags |= frame.FlagIsReply
	}
	if e.Kind == MsgAck {
		flags |= frame.FlagIsAck
	}
	if e.RequiresAck {
		flags |= frame.FlagRequiresAck
	}
	return flags
}

// EncodeEnvelope serializes one envelope to complete frame bytes.
func EncodeEnvelope(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	fields := []tlv.Field{
		{ID: FieldCorrelationID, Type: tlv.TypeString, Value: tlv.String(e.CorrelationID)},
		{ID: FieldSource, Type: tlv.TypeString, Value: tlv.String(e.Source)},
	}
	if e.Topic != "" {
		fields = append(fields, tlv.Field{ID: FieldTopic, Type: tlv.TypeString, Value: tlv.String(e.Topic)})
	}
	if e.Target != "" {
		fields = append(fields, tlv.Field{ID: FieldTarget, Type: tlv.TypeString, Value: tlv.String(e.Target)})
	}
	for _, hop := range e.Hops {
		fields = append(fields, tlv.Field{ID: FieldHop, Type: tlv.TypeString, Value: tlv.String(hop)})
	}
	fields = append(fields,
		tlv.Field{ID: FieldRequiresAck, Type: tlv.TypeBool, Value: tlv.Bool(e.RequiresAck)},
		tlv.Field{ID: FieldAttempt, Type: tlv.TypeU32, Value: tlv.U32(e.Attempt)},
	)
	if e.TimestampMS != 0 {
		fields = append(fields, tlv.Field{ID: FieldTimestampMS, Type: tlv.TypeU64, Value: tlv.U64(e.TimestampMS)})
	}
	if e.Payload != nil {
		fields = append(fields, tlv.Field{ID: FieldPayload, Type: tlv.TypeBytes, Value: e.Payload})
	}
	if e.Error != "" {
		fields = append(fields, tlv.Field{ID: FieldError, Type: tlv.TypeString, Value: tlv.String(e.Error)})
	}

	var buf bytes.Buffer
	err := frame.WriteFrame(&buf, frame.Frame{
		Header:  frame.Header{MessageType: e.Kind, Flags: flagsFor(e)},
		Payload: tlv.EncodeFields(fields),
	}, frame.DefaultLimits())
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeEnvelope parses one frame back into an envelope.
func DecodeEnvelope(f frame.Frame) (Envelope, error) {
	switch f.Header.MessageType {
	case MsgRequest, MsgReply, MsgAck:
	default:
		return Envelope{}, fmt.Errorf("%w: %d", ErrUnknownMessageType, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Envelope{}, err
	}
	e := Envelope{
		Kind:          f.Header.MessageType,
		CorrelationID: stringField(fields, FieldCorrelationID),
		Topic:         stringField(fields, FieldTopic),
		Source:        stringField(fields, FieldSource),
		Target:        stringField(fields, FieldTarget),
	}
	for _, hop := range tlv.GetAll(fields, FieldHop) {
		e.Hops = append(e.Hops, string(hop.Value))
	}
	if fld, ok := tlv.GetField(fields, FieldRequiresAck); ok {
		v, err := tlv.BoolFromBytes(fld.Value)
		if err != nil {
			return Envelope{}, err
		}
		e.RequiresAck = v
	}
	if fld, ok := tlv.GetField(fields, FieldAttempt); ok {
		v, err := tlv.U32FromBytes(fld.Value)
		if err != nil {
			return Envelope{}, err
		}
		e.Attempt = v
	}
	if fld, ok := tlv.GetField(fields, FieldTimestampMS); ok {
		v, err := tlv.U64FromBytes(fld.Value)
		if err != nil {
			return Envelope{}, err
		}
		e.TimestampMS = v
	}
	if fld, ok := tlv.GetField(fields, FieldPayload); ok {
		e.Payload = fld.Value
	}
	e.Error = stringField(fields, FieldError)
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// ReadEnvelope reads one framed envelope from the stream.
func ReadEnvelope(r io.Reader, limits frame.Limits) (Envelope, error) {
	f, err := frame.ReadFrame(r, limits)
	if err != nil {
		return Envelope{}, err
	}
	return DecodeEnvelope(f)
}

// WriteEnvelope writes one framed envelope to the stream.
func WriteEnvelope(w io.Writer, e Envelope) error {
	raw, err := EncodeEnvelope(e)
	if err != nil {
		return err
	}
	_, err = w.Write(raw)
	return err
}

func stringField(fields []tlv.Field, id uint16) string {
	f, _ := tlv.GetField(fields, id)
	return string(f.Value)
}
