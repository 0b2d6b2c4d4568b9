// Package server wires net.Conn transport endpoints to the bus: accepting
// connections, decoding frames off the wire, and feeding them into the
// broker's single-threaded dispatch loop.
//
// Grounded on ron/server.go's Listen/ListenUnix (one accept goroutine per
// endpoint, handing each finished connection to a per-client handler) and
// meshage/node.go's handleConnection/receiveHandler split: a dedicated
// reader goroutine per peer that only decodes frames and hands them off,
// decoupled from the broker's own single-threaded dispatch loop.
package server

import (
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sandia-minimega/busd/internal/bus"
	"github.com/sandia-minimega/busd/internal/loop"
	"github.com/sandia-minimega/busd/internal/minilog"
	"github.com/sandia-minimega/busd/internal/wire"
)

// Server accepts connections on one or more listen endpoints and feeds
// them into a shared bus.Context and loop.Loop.
type Server struct {
	Context *bus.Context
	Loop    *loop.Loop

	mu     sync.Mutex
	nextID int
	live   map[*bus.Connection]bool
}

// New returns a Server driving ctx's dispatch through l.
func New(ctx *bus.Context, l *loop.Loop) *Server {
	return &Server{Context: ctx, Loop: l, live: map[*bus.Connection]bool{}}
}

// Listen parses an endpoint of the form "network:address" (e.g.
// "tcp:127.0.0.1:6667" or "unix:/var/run/busd.sock") and accepts
// connections on it in a background goroutine until the listener errors.
func (s *Server) Listen(endpoint string) error {
	network, address, err := splitEndpoint(endpoint)
	if err != nil {
		return err
	}
	ln, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("listen %s: %w", endpoint, err)
	}
	minilog.Info("listening on %s", endpoint)
	go s.acceptLoop(ln)
	return nil
}

func splitEndpoint(endpoint string) (network, address string, err error) {
	parts := strings.SplitN(endpoint, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("malformed listen endpoint %q, want network:address", endpoint)
	}
	return parts[0], parts[1], nil
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer ln.Close()
	for {
		conn, err := ln.Accept()
		if err != nil {
			minilog.Error("accept on %v: %v", ln.Addr(), err)
			return
		}
		minilog.Debug("new connection from %v", conn.RemoteAddr())
		s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	bc := bus.NewConnection(id, &netTransport{conn: netConn})
	bc.Bind(s.Context)

	s.mu.Lock()
	s.live[bc] = true
	s.mu.Unlock()

	go s.readLoop(netConn, bc)
}

// readLoop decodes frames off netConn and queues bc for dispatch; it never
// touches tx state itself, matching meshage's receiveHandler decoding
// frames on its own goroutine while message handling happens elsewhere.
func (s *Server) readLoop(netConn net.Conn, bc *bus.Connection) {
	defer netConn.Close()
	for {
		frame, err := wire.ReadFrame(netConn)
		if err != nil {
			s.disconnect(bc)
			return
		}
		h, body, err := wire.DecodeHeader(frame)
		if err != nil {
			minilog.Warn("connection %d: discarding malformed frame: %v", bc.ID(), err)
			continue
		}
		bc.Deliver(&bus.Message{Header: h, Body: body})
		s.Loop.QueueDispatch(bc)
	}
}

// disconnect delivers the synthetic local Disconnected signal (the driver
// handles it by releasing the connection's owned names) and drops bc from
// the live set so RetryOOM stops considering it.
func (s *Server) disconnect(bc *bus.Connection) {
	bc.Deliver(&bus.Message{Header: &wire.Header{
		Order:     wire.Native,
		Type:      wire.TypeSignal,
		Version:   wire.ProtocolVersion,
		Interface: bus.LocalInterface,
		Member:    bus.DisconnectedMember,
	}})
	s.Loop.QueueDispatch(bc)

	s.mu.Lock()
	delete(s.live, bc)
	s.mu.Unlock()
}

// RetryOOMInterval schedules a periodic timeout on l that re-queues every
// live connection whose last dispatch ended in StatusNeedMemory — the dispatch
// FIFO itself has no back-off of its own (see internal/bus.Connection.
// Dispatch), so something has to notice a StatusNeedMemory connection and
// give it another turn once the OOM condition may have cleared.
func (s *Server) RetryOOMInterval(interval time.Duration) {
	s.Loop.AddTimeout(&loop.Timeout{
		Interval: interval,
		Callback: func() loop.Result {
			s.mu.Lock()
			pending := make([]*bus.Connection, 0, len(s.live))
			for c := range s.live {
				if c.NeedsRetry() {
					pending = append(pending, c)
				}
			}
			s.mu.Unlock()
			for _, c := range pending {
				s.Loop.QueueDispatch(c)
			}
			return loop.ResultOK
		},
	})
}

// netTransport adapts a net.Conn to bus.Transport.
type netTransport struct {
	mu   sync.Mutex
	conn net.Conn
}

func (t *netTransport) WriteFrame(b []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, err := t.conn.Write(b)
	return err
}
