package bus

import (
	"testing"

	"github.com/sandia-minimega/busd/internal/oom"
	"github.com/sandia-minimega/busd/internal/wire"
)

// fakeTransport records every frame handed to it, standing in for a real
// socket transport in tests.
type fakeTransport struct {
	frames [][]byte
}

func (t *fakeTransport) WriteFrame(b []byte) error {
	t.frames = append(t.frames, append([]byte(nil), b...))
	return nil
}

func newTestConn(ctx *Context, id int) (*Connection, *fakeTransport) {
	ft := &fakeTransport{}
	c := NewConnection(id, ft)
	c.Bind(ctx)
	return c, ft
}

func decodeFrame(t *testing.T, frame []byte) *Message {
	t.Helper()
	h, body, err := wire.DecodeHeader(frame)
	if err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return &Message{Header: h, Body: body}
}

func callMsg(serial uint32, destination, iface, member, sig string, body []byte) *Message {
	return &Message{Header: &wire.Header{
		Order:       wire.LittleEndian,
		Type:        wire.TypeMethodCall,
		Version:     wire.ProtocolVersion,
		Serial:      serial,
		Destination: destination,
		Interface:   iface,
		Member:      member,
		Signature:   sig,
	}, Body: body}
}

func encodeString(t *testing.T, s string) []byte {
	t.Helper()
	w := wire.NewWriter(wire.LittleEndian, "s")
	if err := w.WriteString(s); err != nil {
		t.Fatalf("encode string: %v", err)
	}
	return w.Bytes()
}

func TestHelloHandshake(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	conn, ft := newTestConn(ctx, 1)

	hello := callMsg(1, DriverName, "", "Hello", "", nil)
	if err := ctx.Dispatch(conn, hello); err != nil {
		t.Fatalf("dispatch Hello: %v", err)
	}

	if len(ft.frames) != 2 {
		t.Fatalf("expected method-return + NameAcquired, got %d frames", len(ft.frames))
	}

	reply := decodeFrame(t, ft.frames[0])
	if reply.Header.Type != wire.TypeMethodReturn || !reply.Header.HasReplySerial || reply.Header.ReplySerial != 1 {
		t.Fatalf("unexpected reply header: %+v", reply.Header)
	}
	r := wire.NewReader(reply.Header.Order, reply.Header.Signature, reply.Body)
	name, err := r.ReadString()
	if err != nil {
		t.Fatalf("read unique name: %v", err)
	}
	if name != ":1.1" {
		t.Fatalf("expected :1.1, got %q", name)
	}
	if !conn.Active || conn.UniqueName != name {
		t.Fatalf("connection not marked active with assigned name: %+v", conn)
	}

	acquired := decodeFrame(t, ft.frames[1])
	if acquired.Header.Type != wire.TypeSignal || acquired.Header.Member != NameAcquired {
		t.Fatalf("expected NameAcquired signal, got %+v", acquired.Header)
	}
}

func TestNonexistentService(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	conn, ft := newTestConn(ctx, 1)
	activate(t, ctx, conn)

	call := callMsg(5, "test.nonexistent.xyz", "test.iface", "Ping", "", nil)
	if err := ctx.Dispatch(conn, call); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(ft.frames) != 1 {
		t.Fatalf("expected exactly one error reply, got %d", len(ft.frames))
	}
	reply := decodeFrame(t, ft.frames[0])
	if reply.Header.Type != wire.TypeError || reply.Header.ErrorName != ErrNameServiceDoesNotExist {
		t.Fatalf("expected ServiceDoesNotExist error, got %+v", reply.Header)
	}
	if reply.Header.ReplySerial != 5 || reply.Header.Sender != DriverName {
		t.Fatalf("unexpected reply envelope: %+v", reply.Header)
	}
}

// activate drives conn through Hello and discards the resulting frames, so
// scenario tests that don't care about the handshake itself can start from
// an active connection.
func activate(t *testing.T, ctx *Context, conn *Connection) {
	t.Helper()
	if err := ctx.Dispatch(conn, callMsg(0, DriverName, "", "Hello", "", nil)); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if ft, ok := conn.Transport.(*fakeTransport); ok {
		ft.frames = nil
	}
}

func addMatch(t *testing.T, ctx *Context, conn *Connection, rule string) {
	t.Helper()
	// A fresh serial per rule keeps the dispatcher's (sender, serial) dedup
	// from dropping a second AddMatch on the same connection.
	serial := uint32(100 + len(conn.MatchRules))
	msg := callMsg(serial, DriverName, "", "AddMatch", "s", encodeString(t, rule))
	if err := ctx.Dispatch(conn, msg); err != nil {
		t.Fatalf("AddMatch: %v", err)
	}
	if ft, ok := conn.Transport.(*fakeTransport); ok {
		ft.frames = nil
	}
}

func TestSignalFanOut(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	a, aT := newTestConn(ctx, 1)
	b, bT := newTestConn(ctx, 2)
	c, cT := newTestConn(ctx, 3)
	activate(t, ctx, a)
	activate(t, ctx, b)
	activate(t, ctx, c)
	addMatch(t, ctx, a, "type='signal'")
	addMatch(t, ctx, b, "type='signal'")
	addMatch(t, ctx, c, "type='signal'")

	sig := &Message{Header: &wire.Header{
		Order:     wire.LittleEndian,
		Type:      wire.TypeSignal,
		Version:   wire.ProtocolVersion,
		Serial:    10,
		Interface: "test.iface",
		Member:    "Ping",
	}}
	if err := ctx.Dispatch(a, sig); err != nil {
		t.Fatalf("dispatch signal: %v", err)
	}

	if len(aT.frames) != 0 {
		t.Fatalf("sender should receive zero copies, got %d", len(aT.frames))
	}
	if len(bT.frames) != 1 || len(cT.frames) != 1 {
		t.Fatalf("expected exactly one copy each at B and C, got %d and %d", len(bT.frames), len(cT.frames))
	}
}

func TestAtMostOneDeliveryAcrossMultipleMatchingRules(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	a, _ := newTestConn(ctx, 1)
	b, bT := newTestConn(ctx, 2)
	activate(t, ctx, a)
	activate(t, ctx, b)
	addMatch(t, ctx, b, "type='signal'")
	addMatch(t, ctx, b, "type='signal',interface='test.iface'")

	sig := &Message{Header: &wire.Header{
		Order:     wire.LittleEndian,
		Type:      wire.TypeSignal,
		Version:   wire.ProtocolVersion,
		Serial:    11,
		Interface: "test.iface",
		Member:    "Ping",
	}}
	if err := ctx.Dispatch(a, sig); err != nil {
		t.Fatalf("dispatch signal: %v", err)
	}
	if len(bT.frames) != 1 {
		t.Fatalf("expected exactly one delivered copy despite two matching rules, got %d", len(bT.frames))
	}
}

func TestProtocolViolationDisconnectsBeforeHello(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	conn, ft := newTestConn(ctx, 1)

	call := callMsg(1, DriverName, "", "ListNames", "", nil)
	if err := ctx.Dispatch(conn, call); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if len(ft.frames) != 0 {
		t.Fatalf("expected no reply, got %d frames", len(ft.frames))
	}
	if !conn.isDisconnected() {
		t.Fatalf("expected connection to be disconnected")
	}
}

func TestTransactionalRollbackOnOOM(t *testing.T) {
	// The per-process OOM gate only fires at the very top of Dispatch
	// (step 1), so this drives the same invariant through add-send's own
	// reservation check instead: filling the second recipient's outgoing
	// budget (outgoingBudgetBytes) simulates allocator exhaustion exactly
	// where property 4/scenario E describe it.
	ctx := NewContext(nil, nil, oom.FixedChecker{OOM: false})
	sender, senderT := newTestConn(ctx, 1)
	recipients := make([]*Connection, 5)
	transports := make([]*fakeTransport, 5)
	activate(t, ctx, sender)
	for i := range recipients {
		recipients[i], transports[i] = newTestConn(ctx, i+2)
		activate(t, ctx, recipients[i])
		addMatch(t, ctx, recipients[i], "type='signal'")
	}

	// Starve the second recipient's outgoing budget so its reservation
	// fails, forcing add-send (and therefore dispatch) to report failure.
	recipients[1].outgoingLen = outgoingBudgetBytes

	// Each later Hello above broadcast NameOwnerChanged to the recipients
	// already holding a type='signal' rule; start from empty transports.
	for _, ft := range transports {
		ft.frames = nil
	}

	sig := &Message{Header: &wire.Header{
		Order:     wire.LittleEndian,
		Type:      wire.TypeSignal,
		Version:   wire.ProtocolVersion,
		Serial:    20,
		Interface: "test.iface",
		Member:    "Ping",
	}}
	if err := ctx.Dispatch(sender, sig); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	for i, ft := range transports {
		if len(ft.frames) != 0 {
			t.Fatalf("recipient %d should have received nothing after rollback, got %d frames", i, len(ft.frames))
		}
	}
	if len(senderT.frames) != 1 {
		t.Fatalf("expected sender to receive exactly one OOM error reply, got %d", len(senderT.frames))
	}
	reply := decodeFrame(t, senderT.frames[0])
	if reply.Header.Type != wire.TypeError || reply.Header.ErrorName != ErrNameNoMemory {
		t.Fatalf("expected preallocated NoMemory reply, got %+v", reply.Header)
	}
}

func TestRequestNameAndListNames(t *testing.T) {
	ctx := NewContext(nil, nil, nil)
	conn, ft := newTestConn(ctx, 1)
	activate(t, ctx, conn)

	w := wire.NewWriter(wire.LittleEndian, "su")
	if err := w.WriteString("com.example.Foo"); err != nil {
		t.Fatalf("encode RequestName body: %v", err)
	}
	if err := w.WriteUint32(0); err != nil {
		t.Fatalf("encode RequestName body: %v", err)
	}

	req := callMsg(2, DriverName, "", "RequestName", "su", w.Bytes())
	if err := ctx.Dispatch(conn, req); err != nil {
		t.Fatalf("dispatch RequestName: %v", err)
	}
	if len(ft.frames) != 2 {
		t.Fatalf("expected method-return + NameAcquired, got %d", len(ft.frames))
	}
	reply := decodeFrame(t, ft.frames[0])
	r := wire.NewReader(reply.Header.Order, reply.Header.Signature, reply.Body)
	code, err := r.ReadUint32()
	if err != nil {
		t.Fatalf("read RequestName reply code: %v", err)
	}
	if code != requestNameReplyPrimaryOwner {
		t.Fatalf("expected primary-owner reply code, got %d", code)
	}
	ft.frames = nil

	list := callMsg(3, DriverName, "", "ListNames", "", nil)
	if err := ctx.Dispatch(conn, list); err != nil {
		t.Fatalf("dispatch ListNames: %v", err)
	}
	if len(ft.frames) != 1 {
		t.Fatalf("expected one ListNames reply, got %d", len(ft.frames))
	}
	reply = decodeFrame(t, ft.frames[0])
	lr := wire.NewReader(reply.Header.Order, reply.Header.Signature, reply.Body)
	ar, err := lr.Recurse()
	if err != nil {
		t.Fatalf("recurse into ListNames array: %v", err)
	}
	var names []string
	for !ar.Finished() {
		s, err := ar.ReadString()
		if err != nil {
			t.Fatalf("read name: %v", err)
		}
		names = append(names, s)
	}
	found := false
	for _, n := range names {
		if n == "com.example.Foo" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected com.example.Foo in ListNames result, got %v", names)
	}
}
