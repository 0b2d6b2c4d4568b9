package wire

import (
	"fmt"
	"io"
	"math"
)

// ContainerKind identifies which container a Reader or Writer cursor is
// currently walking, since structs, arrays and variants each advance their
// type position differently.
type ContainerKind int

const (
	KindTop ContainerKind = iota
	KindStruct
	KindDictEntry
	KindArray
	KindVariant
)

// Reader is a cursor over one value region (body) guided by one signature
// (sig). Recursing into a container returns a new Reader sharing the same
// underlying body slice; the caller rejoins the parent by copying the
// child's final value position back and calling NextSibling.
//
// Reader state is small enough to copy by value, which is what Mark/
// InitFromMark do: save one, keep reading, restore it to rewind.
type Reader struct {
	order ByteOrder
	sig   string
	body  []byte

	sigPos int
	sigEnd int
	pos    int
	kind   ContainerKind
	arrEnd int // KindArray only: absolute end of the element region
}

// NewReader builds a top-level cursor over body, typed by sig.
func NewReader(order ByteOrder, sig string, body []byte) *Reader {
	return &Reader{order: order, sig: sig, body: body, sigPos: 0, sigEnd: len(sig), kind: KindTop}
}

// Mark captures enough of a Reader's state to recreate it later.
type Mark struct {
	sigPos, sigEnd, pos int
	kind                ContainerKind
	arrEnd              int
}

func (r *Reader) SaveMark() Mark {
	return Mark{r.sigPos, r.sigEnd, r.pos, r.kind, r.arrEnd}
}

func (r *Reader) InitFromMark(m Mark) {
	r.sigPos, r.sigEnd, r.pos, r.kind, r.arrEnd = m.sigPos, m.sigEnd, m.pos, m.kind, m.arrEnd
}

// Pos returns the reader's current absolute byte offset into its body.
func (r *Reader) Pos() int { return r.pos }

// Finished reports whether there are no more values at this level: for an
// array, whether the value cursor reached the end of the element region;
// otherwise whether the type cursor reached the end of this container's
// signature span.
func (r *Reader) Finished() bool {
	if r.kind == KindArray {
		return r.pos >= r.arrEnd
	}
	return r.sigPos >= r.sigEnd
}

// ArrayIsEmpty reports whether an array-kind reader has zero elements.
func (r *Reader) ArrayIsEmpty() bool {
	return r.kind == KindArray && r.pos >= r.arrEnd
}

// CurrentType returns the type code of the value the cursor is positioned
// at, or 0 if Finished.
func (r *Reader) CurrentType() byte {
	if r.Finished() {
		return 0
	}
	return r.sig[r.sigPos]
}

// SignatureOfCurrent returns the full signature span of the current value,
// e.g. "(is)" when positioned at a struct, "ai" when positioned at an
// array of int32.
func (r *Reader) SignatureOfCurrent() (string, error) {
	if r.kind == KindArray {
		return r.sig[r.sigPos:r.sigEnd], nil
	}
	n, err := NextTypeLen(r.sig[r.sigPos:])
	if err != nil {
		return "", err
	}
	return r.sig[r.sigPos : r.sigPos+n], nil
}

// NextSibling advances past the value just consumed. For struct/top-level
// readers it moves the type cursor past the entire type just read,
// including any nested container; for an array reader it is a no-op, since
// ArrayIsEmpty/Finished already track exhaustion against arrEnd.
func (r *Reader) NextSibling() error {
	if r.kind == KindArray {
		return nil
	}
	n, err := NextTypeLen(r.sig[r.sigPos:])
	if err != nil {
		return err
	}
	r.sigPos += n
	return nil
}

func (r *Reader) alignTo(n int) error {
	target := alignUp(r.pos, n)
	if target > len(r.body) {
		return io.ErrUnexpectedEOF
	}
	for i := r.pos; i < target; i++ {
		if r.body[i] != 0 {
			return fmt.Errorf("%w: non-zero padding at offset %d", ErrDecodeFailure, i)
		}
	}
	r.pos = target
	return nil
}

func (r *Reader) expect(code byte) error {
	if r.CurrentType() != code {
		return ErrTypeMismatch
	}
	return nil
}

func (r *Reader) ReadByte() (byte, error) {
	if err := r.expect(TypeByte); err != nil {
		return 0, err
	}
	if r.pos+1 > len(r.body) {
		return 0, io.ErrUnexpectedEOF
	}
	v := r.body[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadBool() (bool, error) {
	if err := r.expect(TypeBoolean); err != nil {
		return false, err
	}
	if r.pos+1 > len(r.body) {
		return false, io.ErrUnexpectedEOF
	}
	v := r.body[r.pos] != 0
	r.pos++
	return v, nil
}

func (r *Reader) ReadInt32() (int32, error) {
	v, err := r.readUint(TypeInt32, 4)
	return int32(v), err
}

func (r *Reader) ReadUint32() (uint32, error) {
	v, err := r.readUint(TypeUint32, 4)
	return uint32(v), err
}

func (r *Reader) ReadInt64() (int64, error) {
	v, err := r.readUint(TypeInt64, 8)
	return int64(v), err
}

func (r *Reader) ReadUint64() (uint64, error) {
	return r.readUint(TypeUint64, 8)
}

func (r *Reader) ReadDouble() (float64, error) {
	v, err := r.readUint(TypeDouble, 8)
	return math.Float64frombits(v), err
}

func (r *Reader) readUint(code byte, width int) (uint64, error) {
	if err := r.expect(code); err != nil {
		return 0, err
	}
	if err := r.alignTo(width); err != nil {
		return 0, err
	}
	if r.pos+width > len(r.body) {
		return 0, io.ErrUnexpectedEOF
	}
	var v uint64
	if width == 4 {
		v = uint64(r.order.binary().Uint32(r.body[r.pos : r.pos+4]))
	} else {
		v = r.order.binary().Uint64(r.body[r.pos : r.pos+8])
	}
	r.pos += width
	return v, nil
}

func (r *Reader) readLengthPrefixed(code byte) (string, error) {
	if err := r.expect(code); err != nil {
		return "", err
	}
	if err := r.alignTo(4); err != nil {
		return "", err
	}
	if r.pos+4 > len(r.body) {
		return "", io.ErrUnexpectedEOF
	}
	n := int(r.order.binary().Uint32(r.body[r.pos : r.pos+4]))
	if n < 0 {
		return "", fmt.Errorf("%w: negative length", ErrDecodeFailure)
	}
	start := r.pos + 4
	end := start + n
	if end < 0 || end+1 > len(r.body) {
		return "", io.ErrUnexpectedEOF
	}
	if r.body[end] != 0 {
		return "", fmt.Errorf("%w: missing NUL terminator", ErrDecodeFailure)
	}
	s := string(r.body[start:end])
	r.pos = end + 1
	return s, nil
}

func (r *Reader) ReadString() (string, error)     { return r.readLengthPrefixed(TypeString) }
func (r *Reader) ReadObjectPath() (string, error)  { return r.readLengthPrefixed(TypeObjectPath) }

func (r *Reader) ReadSignature() (string, error) {
	if err := r.expect(TypeSignature); err != nil {
		return "", err
	}
	return r.readInlineSignature()
}

// readInlineSignature reads a signature's wire encoding (1-byte length,
// the signature bytes, a NUL terminator) without checking CurrentType:
// ReadSignature uses it for a 'g'-typed field, recurseVariant uses it for
// a variant's inline signature, which carries no 'g' type code of its own.
func (r *Reader) readInlineSignature() (string, error) {
	if r.pos+1 > len(r.body) {
		return "", io.ErrUnexpectedEOF
	}
	n := int(r.body[r.pos])
	start := r.pos + 1
	end := start + n
	if end+1 > len(r.body) {
		return "", io.ErrUnexpectedEOF
	}
	if r.body[end] != 0 {
		return "", fmt.Errorf("%w: missing NUL terminator", ErrDecodeFailure)
	}
	s := string(r.body[start:end])
	r.pos = end + 1
	return s, nil
}

// Recurse descends into the container the cursor is positioned at,
// returning a child cursor for its contents. Struct, dict-entry, array and
// variant each have their own recurse rules; the caller rejoins with
// Rejoin once the child is Finished.
func (r *Reader) Recurse() (*Reader, error) {
	switch r.CurrentType() {
	case TypeStructOpen:
		return r.recurseSpan(TypeStructClose, KindStruct)
	case TypeDictEntryOpen:
		return r.recurseSpan(TypeDictEntryClos, KindDictEntry)
	case TypeArray:
		return r.recurseArray()
	case TypeVariant:
		return r.recurseVariant()
	default:
		return nil, fmt.Errorf("%w: current type is not a container", ErrTypeMismatch)
	}
}

func (r *Reader) recurseSpan(_ byte, kind ContainerKind) (*Reader, error) {
	if err := r.alignTo(8); err != nil {
		return nil, err
	}
	n, err := NextTypeLen(r.sig[r.sigPos:])
	if err != nil {
		return nil, err
	}
	return &Reader{
		order: r.order, sig: r.sig, body: r.body,
		sigPos: r.sigPos + 1, sigEnd: r.sigPos + n - 1, pos: r.pos, kind: kind,
	}, nil
}

func (r *Reader) recurseArray() (*Reader, error) {
	elemLen, err := NextTypeLen(r.sig[r.sigPos+1:])
	if err != nil {
		return nil, err
	}
	elemStart := r.sigPos + 1
	elemEnd := elemStart + elemLen

	if err := r.alignTo(4); err != nil {
		return nil, err
	}
	if r.pos+4 > len(r.body) {
		return nil, io.ErrUnexpectedEOF
	}
	length := int(r.order.binary().Uint32(r.body[r.pos : r.pos+4]))
	if length < 0 {
		return nil, fmt.Errorf("%w: negative array length", ErrDecodeFailure)
	}
	r.pos += 4

	elemAlign := Alignment(r.sig[elemStart])
	valueStart := alignUp(r.pos, elemAlign)
	if valueStart > len(r.body) {
		return nil, io.ErrUnexpectedEOF
	}
	for i := r.pos; i < valueStart; i++ {
		if r.body[i] != 0 {
			return nil, fmt.Errorf("%w: non-zero array padding", ErrDecodeFailure)
		}
	}
	end := valueStart + length
	if end < valueStart || end > len(r.body) {
		return nil, io.ErrUnexpectedEOF
	}

	return &Reader{
		order: r.order, sig: r.sig, body: r.body,
		sigPos: elemStart, sigEnd: elemEnd, pos: valueStart, kind: KindArray, arrEnd: end,
	}, nil
}

func (r *Reader) recurseVariant() (*Reader, error) {
	innerSig, err := r.readInlineSignature()
	if err != nil {
		return nil, err
	}
	if err := Validate(innerSig); err != nil {
		return nil, err
	}
	if err := r.alignTo(8); err != nil {
		return nil, err
	}
	return &Reader{
		order: r.order, sig: innerSig, body: r.body,
		sigPos: 0, sigEnd: len(innerSig), pos: r.pos, kind: KindVariant,
	}, nil
}

// Rejoin folds a fully-consumed child cursor back into its parent: the
// parent's value position catches up to the child's, and the parent's type
// position advances past the whole container just consumed.
func (r *Reader) Rejoin(child *Reader) error {
	r.pos = child.pos
	return r.NextSibling()
}
