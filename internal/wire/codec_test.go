package wire

import (
	"bytes"
	"testing"
)

func buildMessage(t *testing.T, order ByteOrder, sig string, fill func(w *Writer)) []byte {
	t.Helper()
	w := NewWriter(order, sig)
	fill(w)
	if !w.Finished() {
		t.Fatalf("writer did not consume full signature %q", sig)
	}
	return w.Bytes()
}

func TestScalarRoundTrip(t *testing.T) {
	sig := "ybiuxtds"
	body := buildMessage(t, LittleEndian, sig, func(w *Writer) {
		must(t, w.WriteByte(7))
		must(t, w.WriteBool(true))
		must(t, w.WriteInt32(-42))
		must(t, w.WriteUint32(42))
		must(t, w.WriteInt64(-1234567890123))
		must(t, w.WriteUint64(1234567890123))
		must(t, w.WriteDouble(3.25))
		must(t, w.WriteString("hello"))
	})

	r := NewReader(LittleEndian, sig, body)
	if v, err := r.ReadByte(); err != nil || v != 7 {
		t.Fatalf("byte: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadBool(); err != nil || v != true {
		t.Fatalf("bool: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadInt32(); err != nil || v != -42 {
		t.Fatalf("int32: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadUint32(); err != nil || v != 42 {
		t.Fatalf("uint32: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadInt64(); err != nil || v != -1234567890123 {
		t.Fatalf("int64: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadUint64(); err != nil || v != 1234567890123 {
		t.Fatalf("uint64: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadDouble(); err != nil || v != 3.25 {
		t.Fatalf("double: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if v, err := r.ReadString(); err != nil || v != "hello" {
		t.Fatalf("string: %v %v", v, err)
	}
	must(t, r.NextSibling())
	if !r.Finished() {
		t.Fatalf("reader expected to be finished")
	}
}

func TestAlignmentInvariant(t *testing.T) {
	// "yi" forces three padding bytes between the byte and the int32.
	body := buildMessage(t, LittleEndian, "yi", func(w *Writer) {
		must(t, w.WriteByte(1))
		must(t, w.WriteInt32(99))
	})
	if len(body) != 8 {
		t.Fatalf("expected 8-byte buffer (1 byte + 3 pad + 4 int32), got %d", len(body))
	}
	if body[1] != 0 || body[2] != 0 || body[3] != 0 {
		t.Fatalf("expected zero padding, got %v", body[1:4])
	}
}

func TestStructAndArrayRoundTrip(t *testing.T) {
	sig := "(is)ai"
	body := buildMessage(t, LittleEndian, sig, func(w *Writer) {
		sw, err := w.RecurseStruct()
		must(t, err)
		must(t, sw.WriteInt32(5))
		must(t, sw.WriteString("five"))
		must(t, w.UnrecurseStruct(sw))

		aw, err := w.RecurseArray()
		must(t, err)
		must(t, aw.WriteInt32(1))
		must(t, aw.WriteInt32(2))
		must(t, aw.WriteInt32(3))
		must(t, w.UnrecurseArray(aw))
	})

	r := NewReader(LittleEndian, sig, body)
	sr, err := r.Recurse()
	must(t, err)
	n, err := sr.ReadInt32()
	must(t, err)
	if n != 5 {
		t.Fatalf("struct field 0: got %d", n)
	}
	must(t, sr.NextSibling())
	s, err := sr.ReadString()
	must(t, err)
	if s != "five" {
		t.Fatalf("struct field 1: got %q", s)
	}
	must(t, sr.NextSibling())
	if !sr.Finished() {
		t.Fatalf("struct reader should be finished")
	}
	must(t, r.Rejoin(sr))

	ar, err := r.Recurse()
	must(t, err)
	var got []int32
	for !ar.Finished() {
		v, err := ar.ReadInt32()
		must(t, err)
		got = append(got, v)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Fatalf("array elements: got %v", got)
	}
	must(t, r.Rejoin(ar))
	if !r.Finished() {
		t.Fatalf("top-level reader should be finished")
	}
}

func TestEmptyArrayStillAligned(t *testing.T) {
	body := buildMessage(t, LittleEndian, "at", func(w *Writer) {
		aw, err := w.RecurseArray()
		must(t, err)
		must(t, w.UnrecurseArray(aw))
	})
	r := NewReader(LittleEndian, "at", body)
	ar, err := r.Recurse()
	must(t, err)
	if !ar.ArrayIsEmpty() {
		t.Fatalf("expected empty array")
	}
}

// TestVariantRoundTripAcrossByteOrders covers the nested variant scenario:
// a struct (i s a{sv}) carrying a dict of string->variant, decoded under
// one byte order and re-encoded under the other via CopyValue, then
// decoded again to prove the value survived unchanged.
func TestVariantRoundTripAcrossByteOrders(t *testing.T) {
	topSig := "(isa{sv})"
	body := buildMessage(t, BigEndian, topSig, func(w *Writer) {
		sw, err := w.RecurseStruct()
		must(t, err)
		must(t, sw.WriteInt32(11))
		must(t, sw.WriteString("report"))

		aw, err := sw.RecurseArray()
		must(t, err)

		de, err := aw.RecurseDictEntry()
		must(t, err)
		must(t, de.WriteString("count"))
		vw, err := de.RecurseVariant("u")
		must(t, err)
		must(t, vw.WriteUint32(7))
		must(t, de.UnrecurseVariant(vw))
		must(t, aw.UnrecurseDictEntry(de))

		de2, err := aw.RecurseDictEntry()
		must(t, err)
		must(t, de2.WriteString("ratio"))
		vw2, err := de2.RecurseVariant("d")
		must(t, err)
		must(t, vw2.WriteDouble(0.5))
		must(t, de2.UnrecurseVariant(vw2))
		must(t, aw.UnrecurseDictEntry(de2))

		must(t, sw.UnrecurseArray(aw))
		must(t, w.UnrecurseStruct(sw))
	})

	r := NewReader(BigEndian, topSig, body)
	w := NewWriter(LittleEndian, topSig)
	if err := CopyValue(r, w); err != nil {
		t.Fatalf("CopyValue: %v", err)
	}
	if err := r.NextSibling(); err != nil {
		t.Fatalf("NextSibling: %v", err)
	}
	if !r.Finished() {
		t.Fatalf("source reader should be finished")
	}

	flipped := w.Bytes()
	if bytes.Equal(flipped, body) {
		t.Fatalf("expected byte-order conversion to change the encoding")
	}

	r2 := NewReader(LittleEndian, topSig, flipped)
	sr, err := r2.Recurse()
	must(t, err)
	id, err := sr.ReadInt32()
	must(t, err)
	if id != 11 {
		t.Fatalf("round-tripped id: got %d", id)
	}
	must(t, sr.NextSibling())
	name, err := sr.ReadString()
	must(t, err)
	if name != "report" {
		t.Fatalf("round-tripped name: got %q", name)
	}
	must(t, sr.NextSibling())

	ar, err := sr.Recurse()
	must(t, err)
	count := 0
	for !ar.Finished() {
		de, err := ar.Recurse()
		must(t, err)
		key, err := de.ReadString()
		must(t, err)
		must(t, de.NextSibling())
		vr, err := de.Recurse()
		must(t, err)
		switch key {
		case "count":
			v, err := vr.ReadUint32()
			must(t, err)
			if v != 7 {
				t.Fatalf("count variant: got %d", v)
			}
		case "ratio":
			v, err := vr.ReadDouble()
			must(t, err)
			if v != 0.5 {
				t.Fatalf("ratio variant: got %v", v)
			}
		default:
			t.Fatalf("unexpected dict key %q", key)
		}
		must(t, de.Rejoin(vr))
		if !de.Finished() {
			t.Fatalf("dict entry reader should be finished after its variant")
		}
		must(t, ar.Rejoin(de))
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 dict entries, got %d", count)
	}
}

func TestTypeMismatchLeavesWriterUnchanged(t *testing.T) {
	w := NewWriter(LittleEndian, "is")
	must(t, w.WriteInt32(1))
	before := append([]byte(nil), w.Bytes()...)
	if err := w.WriteInt32(2); err == nil {
		t.Fatalf("expected type mismatch error")
	}
	if !bytes.Equal(before, w.Bytes()) {
		t.Fatalf("writer buffer mutated despite failed write")
	}
}

func TestCopyReaderToWriterRestoresOnFailure(t *testing.T) {
	body := buildMessage(t, LittleEndian, "i", func(w *Writer) {
		must(t, w.WriteInt32(9))
	})
	r := NewReader(LittleEndian, "i", body)
	w := NewWriter(LittleEndian, "s") // mismatched signature forces failure
	before := append([]byte(nil), w.Bytes()...)
	if err := CopyReaderToWriter(r, w); err == nil {
		t.Fatalf("expected mismatch error")
	}
	if !bytes.Equal(before, w.Bytes()) {
		t.Fatalf("writer buffer mutated despite failed copy")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
