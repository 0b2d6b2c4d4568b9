package bus

import (
	"fmt"

	"github.com/hashicorp/golang-lru"
	"github.com/satori/go.uuid"

	"github.com/sandia-minimega/busd/internal/minilog"
	"github.com/sandia-minimega/busd/internal/oom"
)

// DriverName is the reserved bus-driver destination.
const DriverName = "org.freedesktop.DBus"

// LocalInterface and DisconnectedMember name the synthetic self-signal
// Dispatch special-cases when a connection drops.
const (
	LocalInterface     = "org.freedesktop.DBus.Local"
	DisconnectedMember = "Disconnected"
)

// dedupCacheSize bounds the (sender, serial) LRU the dispatcher consults to
// drop duplicate redeliveries after a transaction retry — grounded on
// kryptco-kr's daemon/ssh_agent.go hostAuthCallbacksBySessionID, the same
// "bounded recent-activity cache keyed by a short-lived token" shape.
const dedupCacheSize = 4096

// Context is the broker's shared, non-global state, injected rather than
// reached for as a singleton: the name registry, policy and activation
// collaborators, the OOM checker, and the dispatcher's own small
// bookkeeping (the broker-authored-message serial counter and the
// redelivery dedup cache).
type Context struct {
	Registry  *Registry
	Policy    Policy
	Activator Activator
	OOM       oom.MemoryChecker

	dedup       *lru.Cache
	driverSerial uint32
}

// NewContext builds a Context with the given collaborators; a nil Policy,
// Activator, or OOM defaults to AllowAllPolicy, NoopActivator, and a
// checker that never reports out-of-memory, respectively.
func NewContext(policy Policy, activator Activator, checker oom.MemoryChecker) *Context {
	if policy == nil {
		policy = AllowAllPolicy{}
	}
	if activator == nil {
		activator = NoopActivator{}
	}
	if checker == nil {
		checker = oom.FixedChecker{OOM: false}
	}
	cache, err := lru.New(dedupCacheSize)
	if err != nil {
		// lru.New only fails for a non-positive size.
		panic(err)
	}
	return &Context{
		Registry:  NewRegistry(),
		Policy:    policy,
		Activator: activator,
		OOM:       checker,
		dedup:     cache,
	}
}

func (ctx *Context) nextDriverSerial() uint32 {
	ctx.driverSerial++
	return ctx.driverSerial
}

// dedupKey identifies a redelivered frame by its sender's assigned name (or
// connection identity before Hello) and its serial.
func dedupKey(conn *Connection, msg *Message) string {
	sender := conn.UniqueName
	if sender == "" {
		sender = fmt.Sprintf("#%d", conn.ID())
	}
	return fmt.Sprintf("%s/%d", sender, msg.Header.Serial)
}

// auditPolicyDenial logs one audit entry for a policy-denied dispatch,
// stamping a correlation ID so multiple log lines for the same dispatch can
// be grouped without conflating it with the connection's own :N.M name.
func auditPolicyDenial(conn *Connection, msg *Message, reason string) {
	id := uuid.NewV4()
	minilog.Warn("policy-denied audit=%s sender=%s destination=%s interface=%s member=%s reason=%s",
		id.String(), conn.UniqueName, msg.Header.Destination, msg.Header.Interface, msg.Header.Member, reason)
}
