package bus

import "github.com/sandia-minimega/busd/internal/minilog"

// plannedSend is one queued (connection, encoded-frame) pair awaiting
// commit; a Transaction's plan is an ordered list of them.
type plannedSend struct {
	conn  *Connection
	frame []byte
}

// Transaction is the unit of dispatch: a plan of sends built up by
// AddSend, either fully committed or fully rolled back with no partial
// visibility to any recipient.
type Transaction struct {
	ctx  *Context
	plan []plannedSend

	cancelHooks []func()
	commitHooks []func()
}

// BeginTransaction opens a new transaction; it allocates nothing beyond the
// (currently empty) plan slice header.
func (ctx *Context) BeginTransaction() *Transaction {
	return &Transaction{ctx: ctx}
}

// AddSend encodes msg and reserves outgoing space on conn. On failure
// (encoding error, or reservation denied) the transaction's existing plan
// is untouched — add-send fails atomically. A send to a connection that has
// since disconnected is skipped and reported as success.
func (tx *Transaction) AddSend(conn *Connection, msg *Message) error {
	if conn.isDisconnected() {
		return nil // silently a no-op: nothing to roll back, nothing to commit
	}
	frame, err := msg.encode()
	if err != nil {
		return err
	}
	if !conn.reserve(len(frame)) {
		return ErrOutOfMemory
	}
	tx.plan = append(tx.plan, plannedSend{conn: conn, frame: frame})
	return nil
}

// AddCancelHook registers f to run if the transaction is rolled back.
func (tx *Transaction) AddCancelHook(f func()) { tx.cancelHooks = append(tx.cancelHooks, f) }

// AddCommitHook registers f to run after a successful commit.
func (tx *Transaction) AddCommitHook(f func()) { tx.commitHooks = append(tx.commitHooks, f) }

// CommitAndFree flushes every planned send into its connection's outgoing
// buffer in the order added, writes each of those connections' buffers to
// its transport, then runs commit hooks.
func (tx *Transaction) CommitAndFree() {
	for _, p := range tx.plan {
		p.conn.enqueue(p.frame)
	}
	for _, p := range tx.plan {
		if err := p.conn.Flush(); err != nil {
			minilog.Debug("connection %d: flush: %v", p.conn.id, err)
		}
	}
	for _, h := range tx.commitHooks {
		h()
	}
	tx.plan, tx.commitHooks, tx.cancelHooks = nil, nil, nil
}

// CancelAndFree discards the plan without mutating any recipient's outgoing
// buffer, then runs cancel hooks.
func (tx *Transaction) CancelAndFree() {
	for _, h := range tx.cancelHooks {
		h()
	}
	tx.plan, tx.commitHooks, tx.cancelHooks = nil, nil, nil
}
