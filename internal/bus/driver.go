package bus

import "github.com/sandia-minimega/busd/internal/wire"

// NameOwnerChanged is the broadcast signal the driver fires after Hello,
// RequestName, and ReleaseName change who owns a name. Body is (name,
// old-owner, new-owner), with an empty owner string meaning "none".
const NameOwnerChanged = "NameOwnerChanged"

// NameAcquired is the unicast signal sent directly to a connection when it
// gains ownership of a name (itself, at Hello, or via RequestName).
const NameAcquired = "NameAcquired"

// driverHandlers maps driver method names to their implementation,
// grounded on minicli/command.go's table of registered handlers matched and
// invoked by name.
var driverHandlers = map[string]func(ctx *Context, tx *Transaction, conn *Connection, msg *Message) error{
	"Hello":               (*Context).driverHello,
	"RequestName":         (*Context).driverRequestName,
	"ReleaseName":         (*Context).driverReleaseName,
	"ListNames":           (*Context).driverListNames,
	"NameHasOwner":        (*Context).driverNameHasOwner,
	"GetNameOwner":        (*Context).driverGetNameOwner,
	"AddMatch":            (*Context).driverAddMatch,
	"RemoveMatch":         (*Context).driverRemoveMatch,
	"StartServiceByName":  (*Context).driverStartServiceByName,
}

func (ctx *Context) driverDispatch(tx *Transaction, conn *Connection, msg *Message) error {
	h, ok := driverHandlers[msg.Header.Member]
	if !ok {
		return newBusError(ErrNoSuchDestination, ErrNameServiceUnknown, "unknown driver method %q", msg.Header.Member)
	}
	return h(ctx, tx, conn, msg)
}

func (ctx *Context) driverHello(tx *Transaction, conn *Connection, msg *Message) error {
	if conn.Active {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "connection already said Hello")
	}
	name := ctx.Registry.NewUniqueName()
	conn.Active = true
	conn.UniqueName = name
	ctx.Registry.BindUnique(name, conn)

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "s")
	reply.Header.Sender = DriverName
	reply.Header.Destination = name
	rw := wire.NewWriter(msg.Header.Order, "s")
	if err := rw.WriteString(name); err != nil {
		return err
	}
	reply.Body = rw.Bytes()
	if err := tx.AddSend(conn, reply); err != nil {
		return err
	}

	acquired := ctx.newSignal(msg.Header.Order, DriverName, NameAcquired, "/org/freedesktop/DBus", "s")
	acquired.Header.Sender = DriverName
	acquired.Header.Destination = name
	acquired.Body = mustEncodeString(msg.Header.Order, name)
	if err := tx.AddSend(conn, acquired); err != nil {
		return err
	}

	return ctx.broadcastNameOwnerChanged(tx, msg.Header.Order, name, "", name)
}

func (ctx *Context) broadcastNameOwnerChanged(tx *Transaction, order wire.ByteOrder, name, oldOwner, newOwner string) error {
	sig := ctx.newSignal(order, DriverName, NameOwnerChanged, "/org/freedesktop/DBus", "sss")
	sig.Header.Sender = DriverName
	w := wire.NewWriter(order, "sss")
	if err := w.WriteString(name); err != nil {
		return err
	}
	if err := w.WriteString(oldOwner); err != nil {
		return err
	}
	if err := w.WriteString(newOwner); err != nil {
		return err
	}
	sig.Body = w.Bytes()
	return ctx.matchmaker(tx, nil, nil, sig)
}

// RequestName reply flags, a minimal subset of the real bus's: 1 = became
// primary owner, 3 = name already owned by the caller.
const (
	requestNameReplyPrimaryOwner = 1
	requestNameReplyAlreadyOwner = 3
	requestNameReplyExists       = 2
)

func (ctx *Context) driverRequestName(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	name, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "RequestName: %v", err)
	}
	if err := r.NextSibling(); err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "RequestName: %v", err)
	}
	var flags uint32
	if !r.Finished() {
		flags, err = r.ReadUint32()
		if err != nil {
			return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "RequestName: %v", err)
		}
	}
	_ = flags

	var code uint32
	if conn.OwnedNames[name] {
		code = requestNameReplyAlreadyOwner
	} else if ctx.Registry.RequestName(name, conn) {
		code = requestNameReplyPrimaryOwner
	} else {
		code = requestNameReplyExists
	}

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "u")
	reply.Header.Sender = DriverName
	reply.Body = mustEncodeUint32(msg.Header.Order, code)
	if err := tx.AddSend(conn, reply); err != nil {
		return err
	}
	if code == requestNameReplyPrimaryOwner {
		acquired := ctx.newSignal(msg.Header.Order, DriverName, NameAcquired, "/org/freedesktop/DBus", "s")
		acquired.Header.Sender = DriverName
		acquired.Header.Destination = conn.UniqueName
		acquired.Body = mustEncodeString(msg.Header.Order, name)
		if err := tx.AddSend(conn, acquired); err != nil {
			return err
		}
		return ctx.broadcastNameOwnerChanged(tx, msg.Header.Order, name, "", conn.UniqueName)
	}
	return nil
}

func (ctx *Context) driverReleaseName(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	name, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "ReleaseName: %v", err)
	}

	const (
		released    = 1
		nonExistent = 2
		notOwner    = 3
	)
	var code uint32
	owner, ok := ctx.Registry.Lookup(name)
	switch {
	case !ok:
		code = nonExistent
	case owner != conn:
		code = notOwner
	default:
		ctx.Registry.ReleaseName(name, conn)
		code = released
	}

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "u")
	reply.Header.Sender = DriverName
	reply.Body = mustEncodeUint32(msg.Header.Order, code)
	if err := tx.AddSend(conn, reply); err != nil {
		return err
	}
	if code == released {
		return ctx.broadcastNameOwnerChanged(tx, msg.Header.Order, name, conn.UniqueName, "")
	}
	return nil
}

func (ctx *Context) driverListNames(tx *Transaction, conn *Connection, msg *Message) error {
	names := ctx.Registry.ListNames()
	reply := ctx.newMethodReturn(msg.Header.Order, msg, "as")
	reply.Header.Sender = DriverName
	w := wire.NewWriter(msg.Header.Order, "as")
	aw, err := w.RecurseArray()
	if err != nil {
		return err
	}
	for _, n := range names {
		if err := aw.WriteString(n); err != nil {
			return err
		}
	}
	if err := w.UnrecurseArray(aw); err != nil {
		return err
	}
	reply.Body = w.Bytes()
	return tx.AddSend(conn, reply)
}

func (ctx *Context) driverNameHasOwner(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	name, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "NameHasOwner: %v", err)
	}
	_, ok := ctx.Registry.Lookup(name)

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "b")
	reply.Header.Sender = DriverName
	w := wire.NewWriter(msg.Header.Order, "b")
	if err := w.WriteBool(ok); err != nil {
		return err
	}
	reply.Body = w.Bytes()
	return tx.AddSend(conn, reply)
}

func (ctx *Context) driverGetNameOwner(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	name, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "GetNameOwner: %v", err)
	}
	owner, ok := ctx.Registry.Lookup(name)
	if !ok {
		return newBusError(ErrNoSuchDestination, ErrNameNameHasNoOwner, "name %q has no owner", name)
	}

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "s")
	reply.Header.Sender = DriverName
	reply.Body = mustEncodeString(msg.Header.Order, owner.UniqueName)
	return tx.AddSend(conn, reply)
}

func (ctx *Context) driverAddMatch(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	ruleStr, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "AddMatch: %v", err)
	}
	rule, err := ParseMatchRule(ruleStr)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	key := ruleKey(rule)
	dup := false
	for _, existing := range conn.MatchRules {
		if ruleKey(existing) == key {
			dup = true
			break
		}
	}
	if !dup {
		conn.MatchRules = append(conn.MatchRules, rule)
	}
	conn.mu.Unlock()

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "")
	reply.Header.Sender = DriverName
	return tx.AddSend(conn, reply)
}

func (ctx *Context) driverRemoveMatch(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	ruleStr, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "RemoveMatch: %v", err)
	}
	rule, err := ParseMatchRule(ruleStr)
	if err != nil {
		return err
	}

	conn.mu.Lock()
	key := ruleKey(rule)
	kept := conn.MatchRules[:0]
	for _, existing := range conn.MatchRules {
		if ruleKey(existing) != key {
			kept = append(kept, existing)
		}
	}
	conn.MatchRules = kept
	conn.mu.Unlock()

	reply := ctx.newMethodReturn(msg.Header.Order, msg, "")
	reply.Header.Sender = DriverName
	return tx.AddSend(conn, reply)
}

func (ctx *Context) driverStartServiceByName(tx *Transaction, conn *Connection, msg *Message) error {
	r := wire.NewReader(msg.Header.Order, msg.Header.Signature, msg.Body)
	name, err := r.ReadString()
	if err != nil {
		return newBusError(ErrDecodeFailure, ErrNameInvalidArgs, "StartServiceByName: %v", err)
	}

	const (
		startReplySuccess        = 1
		startReplyAlreadyRunning = 2
	)
	if _, ok := ctx.Registry.Lookup(name); ok {
		reply := ctx.newMethodReturn(msg.Header.Order, msg, "u")
		reply.Header.Sender = DriverName
		reply.Body = mustEncodeUint32(msg.Header.Order, startReplyAlreadyRunning)
		return tx.AddSend(conn, reply)
	}
	if err := ctx.Activator.Activate(name); err != nil {
		return err
	}
	reply := ctx.newMethodReturn(msg.Header.Order, msg, "u")
	reply.Header.Sender = DriverName
	reply.Body = mustEncodeUint32(msg.Header.Order, startReplySuccess)
	return tx.AddSend(conn, reply)
}

func mustEncodeUint32(order wire.ByteOrder, v uint32) []byte {
	w := wire.NewWriter(order, "u")
	if err := w.WriteUint32(v); err != nil {
		panic(err)
	}
	return w.Bytes()
}
