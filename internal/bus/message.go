package bus

import "github.com/sandia-minimega/busd/internal/wire"

// Message is one decoded frame: a header plus its already-validated body
// bytes. Dispatch mutates Header.Sender in place as it stamps, then
// re-reads destination off the same header before routing — there is
// exactly one Header per Message, never a copy left stale behind a pointer.
type Message struct {
	Header *wire.Header
	Body   []byte
}

func (m *Message) encode() ([]byte, error) {
	return wire.EncodeHeader(m.Header, m.Body)
}

func (ctx *Context) newMethodReturn(order wire.ByteOrder, replyTo *Message, sig string) *Message {
	return &Message{Header: &wire.Header{
		Order:          order,
		Type:           wire.TypeMethodReturn,
		Version:        wire.ProtocolVersion,
		Serial:         ctx.nextDriverSerial(),
		HasReplySerial: true,
		ReplySerial:    replyTo.Header.Serial,
		Signature:      sig,
	}}
}

func (ctx *Context) newErrorReply(order wire.ByteOrder, replyTo *Message, be *BusError) *Message {
	return &Message{Header: &wire.Header{
		Order:          order,
		Type:           wire.TypeError,
		Version:        wire.ProtocolVersion,
		Serial:         ctx.nextDriverSerial(),
		HasReplySerial: true,
		ReplySerial:    replyTo.Header.Serial,
		ErrorName:      be.Name,
		Signature:      "s",
	}, Body: mustEncodeString(order, be.Msg)}
}

func mustEncodeString(order wire.ByteOrder, s string) []byte {
	w := wire.NewWriter(order, "s")
	if err := w.WriteString(s); err != nil {
		// "s" accepts any Go string; writeLengthPrefixed cannot fail here.
		panic(err)
	}
	return w.Bytes()
}

func (ctx *Context) newSignal(order wire.ByteOrder, iface, member, path, sig string) *Message {
	return &Message{Header: &wire.Header{
		Order:     order,
		Type:      wire.TypeSignal,
		Version:   wire.ProtocolVersion,
		Serial:    ctx.nextDriverSerial(),
		Interface: iface,
		Member:    member,
		Path:      path,
		Signature: sig,
	}}
}
