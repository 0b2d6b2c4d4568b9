package bus

import "errors"

// Dispatch is the broker's single entry point for a fully parsed inbound
// message. It runs ten ordered steps exactly; the
// returned error is non-nil only in the single case where the process-wide
// OOM check fires before a transaction can even be opened (step 1) — every
// other failure mode is fully handled inside Dispatch itself (a reply sent,
// an audit log line written, or the connection disconnected) and reported
// back to the caller as a nil error, since from the loop's point of view
// the dispatch attempt still "completed".
func (ctx *Context) Dispatch(conn *Connection, msg *Message) error {
	// Step 1: per-process OOM gate.
	if ctx.OOM.OutOfMemory() {
		return ErrOutOfMemory
	}

	// Dedup: a message already committed once (e.g. redelivered after an
	// earlier OOM retry further down the pipeline) is dropped here rather
	// than dispatched twice.
	key := dedupKey(conn, msg)
	if conn.Active {
		if _, seen := ctx.dedup.Get(key); seen {
			return nil
		}
	}

	// Step 2: synthetic local Disconnected signal.
	if msg.Header.Destination == "" && msg.Header.Type == msgTypeCode("signal") &&
		msg.Header.Interface == LocalInterface && msg.Header.Member == DisconnectedMember {
		ctx.Registry.Disconnect(conn)
		conn.Disconnect()
		return nil
	}

	// Step 3: no destination and not a signal — not the dispatcher's job.
	if msg.Header.Destination == "" && msg.Header.Type != msgTypeCode("signal") {
		return nil
	}

	// Step 4: open the transaction.
	tx := ctx.BeginTransaction()

	// Step 5: stamp the sender, then re-read destination off the same
	// header (it's the same struct, so there is nothing to invalidate, but
	// the local var below is re-taken to document the ordering explicitly).
	if conn.Active {
		msg.Header.Sender = conn.UniqueName
	}
	destination := msg.Header.Destination

	var dispatchErr error
	var addressed *Connection
	switch {
	case destination == DriverName:
		if !conn.Active && msg.Header.Member != "Hello" {
			// Step 6's protocol-violation clause: disconnect, no reply.
			tx.CancelAndFree()
			ctx.Registry.Disconnect(conn)
			conn.Disconnect()
			return nil
		}
		if err := ctx.Policy.CheckSend(conn, nil, msg); err != nil {
			dispatchErr = err
		} else {
			dispatchErr = ctx.driverDispatch(tx, conn, msg)
		}
	case destination != "":
		recipient, ok := ctx.Registry.Lookup(destination)
		if !ok {
			dispatchErr = newBusError(ErrNoSuchDestination, ErrNameServiceDoesNotExist, "name %q has no owner", destination)
		} else {
			addressed = recipient
			if err := ctx.Policy.CheckSend(conn, recipient, msg); err != nil {
				dispatchErr = err
			} else {
				dispatchErr = tx.AddSend(recipient, msg)
			}
		}
	default:
		// Unaddressed signal: checked with no recipient before fan-out.
		if err := ctx.Policy.CheckSend(conn, nil, msg); err != nil {
			dispatchErr = err
		}
	}

	// Step 8: matchmaker fan-out, including unaddressed signals.
	if dispatchErr == nil {
		dispatchErr = ctx.matchmaker(tx, conn, addressed, msg)
	}

	// Step 9/10.
	if dispatchErr != nil {
		tx.CancelAndFree()
		ctx.handleDispatchError(conn, msg, dispatchErr)
	} else {
		tx.CommitAndFree()
		if conn.Active {
			ctx.dedup.Add(key, struct{}{})
		}
	}
	return nil
}

func msgTypeCode(name string) byte {
	for code, n := range msgTypeNames {
		if n == name {
			return code
		}
	}
	return 0
}

// handleDispatchError implements step 9's three-way branch plus OOM
// fallback: silent drop if the sender disconnected meanwhile, the
// preallocated NoMemory reply on OOM, or else a regular error reply — and
// if sending *that* reply itself fails with OOM, fall back to the
// preallocated one.
func (ctx *Context) handleDispatchError(conn *Connection, msg *Message, err error) {
	if conn.isDisconnected() {
		return
	}

	if err == ErrOutOfMemory {
		conn.forceEnqueueOOM(msg.Header.Serial)
		return
	}

	var denied *policyDenied
	if errors.As(err, &denied) {
		auditPolicyDenial(conn, msg, denied.reason)
		return
	}

	be := asBusError(err)
	reply := ctx.newErrorReply(msg.Header.Order, msg, be)
	reply.Header.Sender = DriverName

	errTx := ctx.BeginTransaction()
	if sendErr := errTx.AddSend(conn, reply); sendErr != nil {
		errTx.CancelAndFree()
		conn.forceEnqueueOOM(msg.Header.Serial)
		return
	}
	errTx.CommitAndFree()
}

