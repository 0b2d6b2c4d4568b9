package wire

import (
	"fmt"
	"io"
)

// Message type codes.
const (
	TypeMethodCall   byte = 1
	TypeMethodReturn byte = 2
	TypeError        byte = 3
	TypeSignal       byte = 4
)

// Header flag bits.
const (
	FlagNoReplyExpected byte = 0x1
	FlagNoAutoStart     byte = 0x2
)

// Header field codes, per the wire format's fixed field table.
const (
	FieldPath        byte = 1
	FieldInterface   byte = 2
	FieldMember      byte = 3
	FieldErrorName   byte = 4
	FieldReplySerial byte = 5
	FieldDestination byte = 6
	FieldSender      byte = 7
	FieldSignature   byte = 8
)

const ProtocolVersion byte = 1

// headerFieldsSig is the signature of the variable header fields region: an
// array of (field-code, value-as-variant) pairs.
const headerFieldsSig = "a(yv)"

// Header is the decoded fixed header plus its variable fields. Path,
// Interface, Member, ErrorName, Destination, Sender and Signature are
// empty when absent; HasReplySerial distinguishes an explicit 0 from
// absence.
type Header struct {
	Order   ByteOrder
	Type    byte
	Flags   byte
	Version byte
	Serial  uint32

	Path           string
	Interface      string
	Member         string
	ErrorName      string
	ReplySerial    uint32
	HasReplySerial bool
	Destination    string
	Sender         string
	Signature      string
}

// EncodeHeader serializes h and appends body, padded to the 8-byte
// boundary the body must start on.
func EncodeHeader(h *Header, body []byte) ([]byte, error) {
	w := NewWriter(h.Order, headerFieldsSig)
	aw, err := w.RecurseArray()
	if err != nil {
		return nil, err
	}

	write := func(code byte, sig string, fill func(vw *Writer) error) error {
		fw, err := aw.RecurseStruct()
		if err != nil {
			return err
		}
		if err := fw.WriteByte(code); err != nil {
			return err
		}
		vw, err := fw.RecurseVariant(sig)
		if err != nil {
			return err
		}
		if err := fill(vw); err != nil {
			return err
		}
		if err := fw.UnrecurseVariant(vw); err != nil {
			return err
		}
		return aw.UnrecurseStruct(fw)
	}

	if h.Path != "" {
		if err := write(FieldPath, "o", func(vw *Writer) error { return vw.WriteObjectPath(h.Path) }); err != nil {
			return nil, err
		}
	}
	if h.Interface != "" {
		if err := write(FieldInterface, "s", func(vw *Writer) error { return vw.WriteString(h.Interface) }); err != nil {
			return nil, err
		}
	}
	if h.Member != "" {
		if err := write(FieldMember, "s", func(vw *Writer) error { return vw.WriteString(h.Member) }); err != nil {
			return nil, err
		}
	}
	if h.ErrorName != "" {
		if err := write(FieldErrorName, "s", func(vw *Writer) error { return vw.WriteString(h.ErrorName) }); err != nil {
			return nil, err
		}
	}
	if h.HasReplySerial {
		if err := write(FieldReplySerial, "u", func(vw *Writer) error { return vw.WriteUint32(h.ReplySerial) }); err != nil {
			return nil, err
		}
	}
	if h.Destination != "" {
		if err := write(FieldDestination, "s", func(vw *Writer) error { return vw.WriteString(h.Destination) }); err != nil {
			return nil, err
		}
	}
	if h.Sender != "" {
		if err := write(FieldSender, "s", func(vw *Writer) error { return vw.WriteString(h.Sender) }); err != nil {
			return nil, err
		}
	}
	if h.Signature != "" {
		if err := write(FieldSignature, "g", func(vw *Writer) error { return vw.WriteSignature(h.Signature) }); err != nil {
			return nil, err
		}
	}
	if err := w.UnrecurseArray(aw); err != nil {
		return nil, err
	}

	fields := w.Bytes()
	buf := make([]byte, 0, 16+len(fields)+8+len(body))
	buf = append(buf, byte(h.Order), h.Type, h.Flags, h.Version)

	lenBuf := make([]byte, 4)
	h.Order.binary().PutUint32(lenBuf, uint32(len(body)))
	buf = append(buf, lenBuf...)

	serialBuf := make([]byte, 4)
	h.Order.binary().PutUint32(serialBuf, h.Serial)
	buf = append(buf, serialBuf...)

	buf = append(buf, fields...)
	for len(buf)%8 != 0 {
		buf = append(buf, 0)
	}
	buf = append(buf, body...)
	return buf, nil
}

// ReadFrame reads exactly one complete frame (fixed header, field array,
// and body) from r and returns it ready for DecodeHeader, without needing
// to know the frame's total length in advance: it reads the 16-byte
// preamble (fixed header plus the field array's own length prefix) first,
// then computes how many more bytes the frame needs and reads those.
func ReadFrame(r io.Reader) ([]byte, error) {
	preamble := make([]byte, 16)
	if _, err := io.ReadFull(r, preamble); err != nil {
		return nil, err
	}
	order := ByteOrder(preamble[0])
	if order != LittleEndian && order != BigEndian {
		return nil, fmt.Errorf("%w: invalid byte-order flag %q", ErrDecodeFailure, preamble[0])
	}
	bodyLen := int(order.binary().Uint32(preamble[4:8]))
	fieldsLen := int(order.binary().Uint32(preamble[12:16]))
	if bodyLen < 0 || fieldsLen < 0 {
		return nil, fmt.Errorf("%w: negative length in frame preamble", ErrDecodeFailure)
	}

	// The field array is encoded relative to offset 12, so its struct
	// elements start after the 4-byte length word plus 4 bytes of padding,
	// exactly where DecodeHeader's reader finds them.
	headerEnd := 12 + alignUp(4, 8) + fieldsLen
	bodyStart := alignUp(headerEnd, 8)
	total := bodyStart + bodyLen

	frame := make([]byte, total)
	copy(frame, preamble)
	if _, err := io.ReadFull(r, frame[16:]); err != nil {
		return nil, err
	}
	return frame, nil
}

// DecodeHeader parses the fixed header and field array at the start of
// data and returns the decoded Header along with the body slice (a view
// into data, not copied).
func DecodeHeader(data []byte) (*Header, []byte, error) {
	if len(data) < 12 {
		return nil, nil, io.ErrUnexpectedEOF
	}
	order := ByteOrder(data[0])
	if order != LittleEndian && order != BigEndian {
		return nil, nil, fmt.Errorf("%w: invalid byte-order flag %q", ErrDecodeFailure, data[0])
	}

	h := &Header{Order: order, Type: data[1], Flags: data[2], Version: data[3]}
	bodyLen := int(order.binary().Uint32(data[4:8]))
	if bodyLen < 0 {
		return nil, nil, fmt.Errorf("%w: negative body length", ErrDecodeFailure)
	}
	h.Serial = order.binary().Uint32(data[8:12])

	r := NewReader(order, headerFieldsSig, data[12:])
	ar, err := r.Recurse()
	if err != nil {
		return nil, nil, err
	}
	for !ar.Finished() {
		fr, err := ar.Recurse()
		if err != nil {
			return nil, nil, err
		}
		code, err := fr.ReadByte()
		if err != nil {
			return nil, nil, err
		}
		if err := fr.NextSibling(); err != nil {
			return nil, nil, err
		}
		vr, err := fr.Recurse()
		if err != nil {
			return nil, nil, err
		}
		switch code {
		case FieldPath:
			h.Path, err = vr.ReadObjectPath()
		case FieldInterface:
			h.Interface, err = vr.ReadString()
		case FieldMember:
			h.Member, err = vr.ReadString()
		case FieldErrorName:
			h.ErrorName, err = vr.ReadString()
		case FieldReplySerial:
			h.ReplySerial, err = vr.ReadUint32()
			h.HasReplySerial = true
		case FieldDestination:
			h.Destination, err = vr.ReadString()
		case FieldSender:
			h.Sender, err = vr.ReadString()
		case FieldSignature:
			h.Signature, err = vr.ReadSignature()
		}
		if err != nil {
			return nil, nil, err
		}
		if err := fr.Rejoin(vr); err != nil {
			return nil, nil, err
		}
		if err := ar.Rejoin(fr); err != nil {
			return nil, nil, err
		}
	}
	if err := r.Rejoin(ar); err != nil {
		return nil, nil, err
	}

	bodyStart := alignUp(12+r.Pos(), 8)
	if bodyStart+bodyLen > len(data) {
		return nil, nil, io.ErrUnexpectedEOF
	}
	return h, data[bodyStart : bodyStart+bodyLen], nil
}
