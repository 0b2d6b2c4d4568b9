package main

import (
	"fmt"
	"net"
	"strings"

	"github.com/sandia-minimega/busd/internal/bus"
	"github.com/sandia-minimega/busd/internal/wire"
)

// frame is one decoded reply or signal read off an admin connection.
type frame struct {
	header *wire.Header
	body   []byte
}

// client is a thin synchronous admin connection to a running busd: it
// performs the Hello handshake itself, then issues driver method calls and
// blocks for the matching reply, routing any signal that arrives in the
// meantime onto a separate channel a REPL can drain independently.
//
// Grounded on pkg/miniclient/client.go's Conn: a dialed connection plus a
// decode loop, with command/response pairing kept synchronous because only
// one command is ever in flight from the interactive side at a time.
type client struct {
	conn       net.Conn
	order      wire.ByteOrder
	serial     uint32
	uniqueName string

	replies chan frame
	signals chan frame
}

func dial(endpoint string) (*client, error) {
	network, address, err := splitEndpoint(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.Dial(network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	c := &client{
		conn:    conn,
		order:   wire.Native,
		replies: make(chan frame),
		signals: make(chan frame, 64),
	}
	go c.readLoop()

	_, body, err := c.call(bus.DriverName, "", "Hello", "", nil)
	if err != nil {
		conn.Close()
		return nil, err
	}
	r := wire.NewReader(c.order, "s", body)
	name, err := r.ReadString()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("decode Hello reply: %w", err)
	}
	c.uniqueName = name
	return c, nil
}

func splitEndpoint(endpoint string) (network, address string, err error) {
	parts := strings.SplitN(endpoint, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed endpoint %q, want network:address", endpoint)
	}
	return parts[0], parts[1], nil
}

// readLoop decodes every inbound frame and routes it: signals go to the
// buffered signals channel for the REPL's "signals" command to drain,
// everything else (the one outstanding reply a call() is always waiting
// on) goes to replies.
func (c *client) readLoop() {
	defer close(c.replies)
	for {
		raw, err := wire.ReadFrame(c.conn)
		if err != nil {
			return
		}
		h, body, err := wire.DecodeHeader(raw)
		if err != nil {
			continue
		}
		f := frame{header: h, body: append([]byte(nil), body...)}
		if h.Type == wire.TypeSignal {
			select {
			case c.signals <- f:
			default:
			}
			continue
		}
		c.replies <- f
	}
}

func (c *client) nextSerial() uint32 {
	c.serial++
	return c.serial
}

// call sends a method call addressed to dest and blocks for its reply,
// returning an error built from the reply body when the bus answers with
// an error-typed message instead of a method return.
func (c *client) call(dest, iface, member, sig string, body []byte) (*wire.Header, []byte, error) {
	h := &wire.Header{
		Order:       c.order,
		Type:        wire.TypeMethodCall,
		Version:     wire.ProtocolVersion,
		Serial:      c.nextSerial(),
		Destination: dest,
		Interface:   iface,
		Member:      member,
		Signature:   sig,
	}
	raw, err := wire.EncodeHeader(h, body)
	if err != nil {
		return nil, nil, err
	}
	if _, err := c.conn.Write(raw); err != nil {
		return nil, nil, err
	}

	reply, ok := <-c.replies
	if !ok {
		return nil, nil, fmt.Errorf("connection closed waiting for reply to %s", member)
	}
	if reply.header.Type == wire.TypeError {
		return reply.header, reply.body, fmt.Errorf("%s: %s", reply.header.ErrorName, errorMessage(reply))
	}
	return reply.header, reply.body, nil
}

func errorMessage(f frame) string {
	if f.header.Signature == "" {
		return ""
	}
	r := wire.NewReader(f.header.Order, f.header.Signature, f.body)
	s, err := r.ReadString()
	if err != nil {
		return ""
	}
	return s
}
