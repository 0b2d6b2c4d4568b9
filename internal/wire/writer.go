package wire

import (
	"fmt"
	"math"
)

// sink is the single growing byte buffer shared by a Writer and every
// child cursor recursed from it, so appends at any nesting depth land in
// the same backing buffer.
type sink struct {
	buf []byte
}

// Writer is the mirror image of Reader: a cursor that walks a known
// signature while building the matching value bytes. Every call site in
// busd knows the target signature up front (a driver reply shape, or a
// signature read off an incoming message), so unlike the reference
// implementation's writer, busd's Writer never discovers its own top-level
// signature incrementally — it always validates against one supplied at
// construction. That is sufficient for every body busd builds: driver
// replies, signal payloads and the reader-to-writer copier all know their
// shape before the first byte is written.
type Writer struct {
	order ByteOrder
	sig   string
	sink  *sink

	sigPos, sigEnd int
	kind           ContainerKind

	lenPos    int // KindArray only: offset of the 4-byte length word to backpatch
	elemStart int // KindArray only: offset where the element region begins
}

// NewWriter builds a top-level cursor that will produce a value matching sig.
func NewWriter(order ByteOrder, sig string) *Writer {
	return &Writer{order: order, sig: sig, sink: &sink{}, sigPos: 0, sigEnd: len(sig), kind: KindTop}
}

func (w *Writer) Bytes() []byte { return w.sink.buf }

func (w *Writer) CurrentType() byte {
	if w.kind != KindArray && w.sigPos >= w.sigEnd {
		return 0
	}
	return w.sig[w.sigPos]
}

func (w *Writer) Finished() bool {
	return w.kind != KindArray && w.sigPos >= w.sigEnd
}

// Snapshot captures enough state to undo every append made since it was
// taken; Restore rewinds both the cursor and the shared buffer to it.
type Snapshot struct {
	w      Writer
	bufLen int
}

func (w *Writer) Snapshot() Snapshot {
	return Snapshot{w: *w, bufLen: len(w.sink.buf)}
}

func (w *Writer) Restore(s Snapshot) {
	sink := w.sink
	*w = s.w
	w.sink = sink
	w.sink.buf = w.sink.buf[:s.bufLen]
}

func (w *Writer) alignTo(n int) {
	target := alignUp(len(w.sink.buf), n)
	for len(w.sink.buf) < target {
		w.sink.buf = append(w.sink.buf, 0)
	}
}

func (w *Writer) advance() error {
	if w.kind == KindArray {
		return nil
	}
	n, err := NextTypeLen(w.sig[w.sigPos:])
	if err != nil {
		return err
	}
	w.sigPos += n
	return nil
}

func (w *Writer) expect(code byte) error {
	if w.CurrentType() != code {
		return ErrTypeMismatch
	}
	return nil
}

func (w *Writer) WriteByte(v byte) error {
	if err := w.expect(TypeByte); err != nil {
		return err
	}
	w.sink.buf = append(w.sink.buf, v)
	return w.advance()
}

func (w *Writer) WriteBool(v bool) error {
	if err := w.expect(TypeBoolean); err != nil {
		return err
	}
	var b byte
	if v {
		b = 1
	}
	w.sink.buf = append(w.sink.buf, b)
	return w.advance()
}

func (w *Writer) WriteInt32(v int32) error  { return w.writeUint(TypeInt32, 4, uint64(uint32(v))) }
func (w *Writer) WriteUint32(v uint32) error { return w.writeUint(TypeUint32, 4, uint64(v)) }
func (w *Writer) WriteInt64(v int64) error  { return w.writeUint(TypeInt64, 8, uint64(v)) }
func (w *Writer) WriteUint64(v uint64) error { return w.writeUint(TypeUint64, 8, v) }
func (w *Writer) WriteDouble(v float64) error {
	return w.writeUint(TypeDouble, 8, math.Float64bits(v))
}

func (w *Writer) writeUint(code byte, width int, v uint64) error {
	if err := w.expect(code); err != nil {
		return err
	}
	w.alignTo(width)
	buf := make([]byte, width)
	if width == 4 {
		w.order.binary().PutUint32(buf, uint32(v))
	} else {
		w.order.binary().PutUint64(buf, v)
	}
	w.sink.buf = append(w.sink.buf, buf...)
	return w.advance()
}

func (w *Writer) writeLengthPrefixed(code byte, s string) error {
	if err := w.expect(code); err != nil {
		return err
	}
	w.alignTo(4)
	lenBuf := make([]byte, 4)
	w.order.binary().PutUint32(lenBuf, uint32(len(s)))
	w.sink.buf = append(w.sink.buf, lenBuf...)
	w.sink.buf = append(w.sink.buf, s...)
	w.sink.buf = append(w.sink.buf, 0)
	return w.advance()
}

func (w *Writer) WriteString(s string) error     { return w.writeLengthPrefixed(TypeString, s) }
func (w *Writer) WriteObjectPath(s string) error { return w.writeLengthPrefixed(TypeObjectPath, s) }

func (w *Writer) WriteSignature(sig string) error {
	if err := w.expect(TypeSignature); err != nil {
		return err
	}
	if len(sig) > 255 {
		return fmt.Errorf("%w: signature too long", ErrDecodeFailure)
	}
	w.sink.buf = append(w.sink.buf, byte(len(sig)))
	w.sink.buf = append(w.sink.buf, sig...)
	w.sink.buf = append(w.sink.buf, 0)
	return w.advance()
}

// RecurseStruct / RecurseDictEntry open a struct or dict-entry field and
// return a child cursor over its members.
func (w *Writer) RecurseStruct() (*Writer, error)    { return w.recurseSpan(TypeStructOpen, KindStruct) }
func (w *Writer) RecurseDictEntry() (*Writer, error) { return w.recurseSpan(TypeDictEntryOpen, KindDictEntry) }

func (w *Writer) recurseSpan(code byte, kind ContainerKind) (*Writer, error) {
	if err := w.expect(code); err != nil {
		return nil, err
	}
	w.alignTo(8)
	n, err := NextTypeLen(w.sig[w.sigPos:])
	if err != nil {
		return nil, err
	}
	return &Writer{
		order: w.order, sig: w.sig, sink: w.sink,
		sigPos: w.sigPos + 1, sigEnd: w.sigPos + n - 1, kind: kind,
	}, nil
}

// UnrecurseStruct / UnrecurseDictEntry close a struct or dict-entry field
// opened by RecurseStruct/RecurseDictEntry and advance the parent.
func (w *Writer) UnrecurseStruct(child *Writer) error    { return w.unrecurseSpan(child) }
func (w *Writer) UnrecurseDictEntry(child *Writer) error { return w.unrecurseSpan(child) }

func (w *Writer) unrecurseSpan(child *Writer) error {
	if child.sigPos != child.sigEnd {
		return fmt.Errorf("%w: container fields incomplete", ErrDecodeFailure)
	}
	return w.advance()
}

// RecurseArray opens an array field and returns a child cursor positioned
// to write a run of elements of the array's single element type; each
// WriteX call the caller makes against the child writes one more element.
// UnrecurseArray backpatches the array's length word.
func (w *Writer) RecurseArray() (*Writer, error) {
	if err := w.expect(TypeArray); err != nil {
		return nil, err
	}
	elemLen, err := NextTypeLen(w.sig[w.sigPos+1:])
	if err != nil {
		return nil, err
	}
	elemSig := w.sig[w.sigPos+1 : w.sigPos+1+elemLen]

	w.alignTo(4)
	lenPos := len(w.sink.buf)
	w.sink.buf = append(w.sink.buf, 0, 0, 0, 0)
	w.alignTo(Alignment(elemSig[0]))
	elemStart := len(w.sink.buf)

	return &Writer{
		order: w.order, sig: elemSig, sink: w.sink,
		sigPos: 0, sigEnd: len(elemSig), kind: KindArray,
		lenPos: lenPos, elemStart: elemStart,
	}, nil
}

func (w *Writer) UnrecurseArray(child *Writer) error {
	length := len(w.sink.buf) - child.elemStart
	w.order.binary().PutUint32(w.sink.buf[child.lenPos:child.lenPos+4], uint32(length))
	return w.advance()
}

// RecurseVariant opens a variant field, writing its inline signature, and
// returns a child cursor for the single value that follows.
func (w *Writer) RecurseVariant(innerSig string) (*Writer, error) {
	if err := w.expect(TypeVariant); err != nil {
		return nil, err
	}
	if err := Validate(innerSig); err != nil {
		return nil, err
	}
	w.sink.buf = append(w.sink.buf, byte(len(innerSig)))
	w.sink.buf = append(w.sink.buf, innerSig...)
	w.sink.buf = append(w.sink.buf, 0)
	w.alignTo(8)

	return &Writer{
		order: w.order, sig: innerSig, sink: w.sink,
		sigPos: 0, sigEnd: len(innerSig), kind: KindVariant,
	}, nil
}

func (w *Writer) UnrecurseVariant(child *Writer) error {
	if child.sigPos != child.sigEnd {
		return fmt.Errorf("%w: variant payload incomplete", ErrDecodeFailure)
	}
	return w.advance()
}
