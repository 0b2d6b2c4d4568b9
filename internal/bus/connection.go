package bus

import (
	"sync"

	"github.com/sandia-minimega/busd/internal/loop"
	"github.com/sandia-minimega/busd/internal/minilog"
	"github.com/sandia-minimega/busd/internal/wire"
)

// DispatchStatus is a connection's current dispatch-readiness state.
type DispatchStatus int

const (
	StatusComplete DispatchStatus = iota
	StatusDataRemains
	StatusNeedMemory
)

// outgoingBudgetBytes bounds how much encoded-but-undelivered data a single
// connection may have queued at once. AddSend's "reserve outgoing space on
// conn, checking the message can be queued" contract is modeled against this
// budget rather than a literal allocator probe, since Go's runtime gives no
// such hook; internal/oom.MemoryChecker covers the process-wide half of the
// same contract.
const outgoingBudgetBytes = 4 << 20

// Connection is one peer's broker-side state: transport identity, the
// outgoing link buffer, match rules, and owned names. Grounded on
// meshage/node.go's per-peer bookkeeping (a map keyed by identity, a mutex
// guarding it) adapted from "client" to "bus connection".
type Connection struct {
	mu sync.Mutex

	id         int
	Transport  Transport
	UniqueName string
	Active     bool
	disconnected bool

	OwnedNames map[string]bool
	MatchRules []MatchRule

	outgoing    [][]byte
	outgoingLen int

	oomTemplate *wire.Header

	inbox      []*Message
	Status     DispatchStatus
	dispatchTo dispatcher
}

// Transport is the external collaborator a connection writes finished
// frames to. The concrete transport (stream sockets, pipes) lives outside
// this package, so busd depends only on this narrow interface.
type Transport interface {
	WriteFrame([]byte) error
}

// NewConnection wraps an accepted transport peer and preallocates its
// NoMemory error template so an OOM reply never itself needs an allocation
// that could fail.
func NewConnection(id int, t Transport) *Connection {
	c := &Connection{id: id, Transport: t, OwnedNames: map[string]bool{}}
	c.oomTemplate = &wire.Header{
		Order:          wire.Native,
		Type:           wire.TypeError,
		Version:        wire.ProtocolVersion,
		ErrorName:      ErrNameNoMemory,
		HasReplySerial: true,
		Signature:      "s",
	}
	return c
}

func (c *Connection) ID() int { return c.id }

// Deliver appends a fully parsed inbound message to this connection's
// dispatch inbox; the transport-facing reader goroutine calls this once it
// has a complete frame, then queues the connection on the loop's dispatch
// FIFO.
func (c *Connection) Deliver(m *Message) {
	c.mu.Lock()
	c.inbox = append(c.inbox, m)
	c.mu.Unlock()
}

func (c *Connection) popInbox() (*Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.inbox) == 0 {
		c.Status = StatusComplete
		return nil, false
	}
	m := c.inbox[0]
	c.inbox = c.inbox[1:]
	if len(c.inbox) > 0 {
		c.Status = StatusDataRemains
	} else {
		c.Status = StatusComplete
	}
	return m, true
}

// reserve checks whether n more bytes fit under the connection's outgoing
// budget without committing them; add-send calls this before encoding is
// even attempted so a failed reservation never partially mutates state.
func (c *Connection) reserve(n int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoingLen+n <= outgoingBudgetBytes
}

func (c *Connection) enqueue(frame []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disconnected {
		return
	}
	c.outgoing = append(c.outgoing, frame)
	c.outgoingLen += len(frame)
}

// forceEnqueueOOM stamps, queues and flushes the preallocated NoMemory
// reply, bypassing the outgoing-budget reservation entirely: this is the one
// send that must always succeed even when the connection's own budget is
// what's exhausted.
func (c *Connection) forceEnqueueOOM(replySerial uint32) {
	h := *c.oomTemplate
	h.ReplySerial = replySerial
	msg := &Message{Header: &h, Body: mustEncodeString(h.Order, "allocator exhausted")}
	frame, err := msg.encode()
	if err != nil {
		// The template is fixed and small; only a programmer error in the
		// template itself could make this fail.
		panic(err)
	}
	c.mu.Lock()
	if c.disconnected {
		c.mu.Unlock()
		return
	}
	c.outgoing = append(c.outgoing, frame)
	c.outgoingLen += len(frame)
	c.mu.Unlock()
	if err := c.Flush(); err != nil {
		minilog.Debug("connection %d: flush: %v", c.id, err)
	}
}

// Flush drains the queued outgoing frames, writing each to the transport in
// order, and returns the first write error.
func (c *Connection) Flush() error {
	c.mu.Lock()
	frames := c.outgoing
	c.outgoing = nil
	c.outgoingLen = 0
	c.mu.Unlock()

	for _, f := range frames {
		if err := c.Transport.WriteFrame(f); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect marks the connection dead and drops its queued outgoing bytes
// and preallocated OOM error.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	c.disconnected = true
	c.outgoing = nil
	c.outgoingLen = 0
	c.inbox = nil
	c.oomTemplate = nil
	c.mu.Unlock()
}

// NeedsRetry reports whether the last Dispatch attempt left a message
// blocked on StatusNeedMemory, for callers (internal/server's OOM-retry
// timeout) deciding which connections to re-queue.
func (c *Connection) NeedsRetry() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Status == StatusNeedMemory
}

func (c *Connection) isDisconnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnected
}

// dispatcher is satisfied by *Context; kept as an interface so Connection
// doesn't import a concrete Context field cycle.
type dispatcher interface {
	Dispatch(conn *Connection, msg *Message) error
}

// Bind attaches the context this connection's Dispatch calls should route
// through; internal/server calls this once at accept time.
func (c *Connection) Bind(d dispatcher) { c.dispatchTo = d }

// loopDispatchable adapts Connection to internal/loop.Dispatchable: one
// Dispatch() call pops exactly one pending message and routes it.
var _ loop.Dispatchable = (*Connection)(nil)

func (c *Connection) Dispatch() loop.Result {
	msg, ok := c.popInbox()
	if !ok {
		return loop.ResultOK
	}
	result := loop.ResultOK
	if c.dispatchTo != nil {
		if err := c.dispatchTo.Dispatch(c, msg); err != nil && err == ErrOutOfMemory {
			// Step 1's "if still impossible, block on wait-for-memory and
			// retry": the global checker fired before a transaction could
			// even be opened, so put the message back for the next
			// Dispatch() call rather than lose it. Unlike a loop Watch, the
			// dispatch FIFO has no disabledUntil back-off of its own; this
			// relies on the process OOM condition clearing before this
			// connection is next queued.
			c.mu.Lock()
			c.inbox = append([]*Message{msg}, c.inbox...)
			c.Status = StatusNeedMemory
			c.mu.Unlock()
			result = loop.ResultOOM
		}
	}
	if err := c.Flush(); err != nil {
		minilog.Debug("connection %d: flush: %v", c.id, err)
	}
	return result
}
