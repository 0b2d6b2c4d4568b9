package wire

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	bodyW := NewWriter(LittleEndian, "s")
	must(t, bodyW.WriteString("hello"))
	body := bodyW.Bytes()

	h := &Header{
		Order:     LittleEndian,
		Type:      TypeMethodCall,
		Version:   ProtocolVersion,
		Serial:    7,
		Member:    "Hello",
		Interface: "org.freedesktop.DBus",
		Destination: "org.freedesktop.DBus",
		Signature: "s",
	}

	buf, err := EncodeHeader(h, body)
	must(t, err)
	if (len(buf)-len(body))%8 != 0 {
		t.Fatalf("body must start on an 8-byte boundary, got header length %d", len(buf)-len(body))
	}

	got, gotBody, err := DecodeHeader(buf)
	must(t, err)
	if got.Type != TypeMethodCall || got.Serial != 7 || got.Member != "Hello" ||
		got.Interface != "org.freedesktop.DBus" || got.Destination != "org.freedesktop.DBus" ||
		got.Signature != "s" {
		t.Fatalf("decoded header mismatch: %+v", got)
	}
	if string(gotBody) != string(body) {
		t.Fatalf("decoded body mismatch: got %q want %q", gotBody, body)
	}

	r := NewReader(LittleEndian, got.Signature, gotBody)
	s, err := r.ReadString()
	must(t, err)
	if s != "hello" {
		t.Fatalf("body string: got %q", s)
	}
}

func TestHeaderReplySerial(t *testing.T) {
	h := &Header{Order: BigEndian, Type: TypeMethodReturn, Version: ProtocolVersion, Serial: 2, HasReplySerial: true, ReplySerial: 1}
	buf, err := EncodeHeader(h, nil)
	must(t, err)
	got, body, err := DecodeHeader(buf)
	must(t, err)
	if !got.HasReplySerial || got.ReplySerial != 1 {
		t.Fatalf("reply serial not round-tripped: %+v", got)
	}
	if len(body) != 0 {
		t.Fatalf("expected empty body, got %d bytes", len(body))
	}
}
