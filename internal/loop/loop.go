// Package loop implements the broker's single-threaded, cooperative event
// loop: readiness-driven watches, millisecond timeouts, a per-connection
// dispatch FIFO, and OOM back-off for callbacks that report allocation
// failure.
//
// Grounded on the select-loop shape meshage's own node.go and ron's
// server.go use (a goroutine blocking on a small set of channels with a
// time.After timeout case); Go's own select replaces the reference
// implementation's poll(2) vector, per its own guidance not to reproduce
// that mechanism literally. Since the watch set here is dynamic in size
// (one per connection), the loop builds its select set with reflect.Select
// rather than a fixed-arity select statement.
package loop

import (
	"reflect"
	"sync"
	"time"
)

// Result is what a watch, timeout, or dispatch callback reports back to
// the loop.
type Result int

const (
	// ResultOK means the callback completed normally.
	ResultOK Result = iota
	// ResultOOM means the callback hit an allocation failure and should be
	// retried; for watches this disables the watch until the OOM interval
	// elapses.
	ResultOOM
	// ResultRemove asks the loop to remove this watch or timeout now.
	ResultRemove
)

// DefaultOOMInterval is the bounded back-off applied to a watch whose
// callback reported ResultOOM.
const DefaultOOMInterval = 500 * time.Millisecond

// Watch pairs a readiness channel with a callback invoked whenever a value
// arrives on it. The loop never closes or reads Ready itself beyond a
// single non-blocking receive per iteration; it is the caller's job to
// keep posting readiness notifications (typically a per-connection reader
// goroutine).
type Watch struct {
	id            int
	Ready         <-chan struct{}
	Callback      func() Result
	disabledUntil time.Time
}

// Timeout fires Callback every Interval, using the loop's own notion of
// "now" so that tests can drive it without real sleeps.
type Timeout struct {
	id        int
	Interval  time.Duration
	Callback  func() Result
	lastFired time.Time
}

// Dispatchable is queued on the loop's dispatch FIFO; Connection in
// internal/bus implements it.
type Dispatchable interface {
	Dispatch() Result
}

// Loop is the event loop. The zero value is not usable; construct with New.
type Loop struct {
	mu sync.Mutex

	watches    []*Watch
	timeouts   []*Timeout
	dispatchQ  []Dispatchable
	listSerial uint64
	depth      int
	nextID     int

	oomInterval time.Duration
	clock       func() time.Time
}

// New returns a Loop with the given OOM back-off interval (0 selects
// DefaultOOMInterval) and clock (nil selects time.Now).
func New(oomInterval time.Duration, clock func() time.Time) *Loop {
	if oomInterval == 0 {
		oomInterval = DefaultOOMInterval
	}
	if clock == nil {
		clock = time.Now
	}
	return &Loop{oomInterval: oomInterval, clock: clock}
}

func (l *Loop) bump() {
	l.listSerial++
}

// AddWatch registers a watch and returns its id for later RemoveWatch.
func (l *Loop) AddWatch(w *Watch) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	w.id = l.nextID
	l.watches = append(l.watches, w)
	l.bump()
	return w.id
}

// RemoveWatch removes the watch with the given id, if present.
func (l *Loop) RemoveWatch(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, w := range l.watches {
		if w.id == id {
			l.watches = append(l.watches[:i], l.watches[i+1:]...)
			l.bump()
			return
		}
	}
}

// AddTimeout registers a timeout and returns its id for later RemoveTimeout.
func (l *Loop) AddTimeout(t *Timeout) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	t.id = l.nextID
	t.lastFired = l.clock()
	l.timeouts = append(l.timeouts, t)
	l.bump()
	return t.id
}

// RemoveTimeout removes the timeout with the given id, if present.
func (l *Loop) RemoveTimeout(id int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.timeouts {
		if t.id == id {
			l.timeouts = append(l.timeouts[:i], l.timeouts[i+1:]...)
			l.bump()
			return
		}
	}
}

// QueueDispatch appends d to the dispatch FIFO. Duplicates are allowed.
func (l *Loop) QueueDispatch(d Dispatchable) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dispatchQ = append(l.dispatchQ, d)
}

// Run iterates until a matching Quit brings the depth back to its level
// before this call.
func (l *Loop) Run() {
	l.mu.Lock()
	l.depth++
	target := l.depth - 1
	l.mu.Unlock()

	for {
		l.mu.Lock()
		depth := l.depth
		l.mu.Unlock()
		if depth <= target {
			return
		}
		l.iterate(true)
	}
}

// Quit ends the innermost Run.
func (l *Loop) Quit() {
	l.mu.Lock()
	l.depth--
	l.bump()
	l.mu.Unlock()
}

// Iterate runs exactly one iteration; exported for callers (and tests)
// that want to drive the loop manually rather than through Run.
func (l *Loop) Iterate(block bool) bool {
	return l.iterate(block)
}

func (l *Loop) snapshot() ([]*Watch, []*Timeout, int, uint64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w := append([]*Watch(nil), l.watches...)
	t := append([]*Timeout(nil), l.timeouts...)
	return w, t, len(l.dispatchQ), l.listSerial, l.depth
}

func (l *Loop) state() (uint64, int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.listSerial, l.depth
}

// iterate performs one pass: fire ready watches (from the snapshot taken
// at the top, even if a callback mutates the live watch list mid-pass —
// the chosen fix for the starvation open question, see DESIGN.md), then
// fire expired timeouts, then drain exactly as many dispatch entries as
// were queued when the pass began. Watches fire before timeouts within a
// pass; if a watch callback changes the watch or timeout lists or the run
// depth, the pass ends there and no timeout fires in it.
func (l *Loop) iterate(block bool) bool {
	watches, timeouts, dispatchN, serialBefore, depthBefore := l.snapshot()
	now := l.clock()
	workDone := false

	wait := l.computeWait(timeouts, now)
	if dispatchN > 0 || !block {
		wait = 0
	}

	var cases []reflect.SelectCase
	var active []*Watch
	for _, w := range watches {
		if w.disabledUntil.After(now) {
			continue
		}
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(w.Ready)})
		active = append(active, w)
	}

	// A zero wait means "don't block" (there's dispatch work pending, or
	// the caller asked for a non-blocking poll): use a default case rather
	// than a zero-duration timer so a watch that is simultaneously ready
	// is always preferred over timing out, instead of the two racing.
	var timer *time.Timer
	if wait > 0 {
		timer = time.NewTimer(wait)
		defer timer.Stop()
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timer.C)})
	} else {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectDefault})
	}

	chosen, _, _ := reflect.Select(cases)
	if chosen < len(active) {
		workDone = true
		l.fireWatch(active[chosen], now)
		for i, w := range active {
			if i == chosen {
				continue
			}
			select {
			case <-w.Ready:
				workDone = true
				l.fireWatch(w, now)
			default:
			}
		}
	}

	serialAfter, depthAfter := l.state()
	if serialAfter != serialBefore || depthAfter != depthBefore {
		return true
	}

	for _, t := range timeouts {
		if l.timeoutDue(t, now) {
			workDone = true
			l.fireTimeout(t, now)
		}
	}

	serialAfter, depthAfter = l.state()
	if serialAfter != serialBefore || depthAfter != depthBefore {
		return true
	}

	for i := 0; i < dispatchN; i++ {
		l.mu.Lock()
		if len(l.dispatchQ) == 0 {
			l.mu.Unlock()
			break
		}
		d := l.dispatchQ[0]
		l.dispatchQ = l.dispatchQ[1:]
		l.mu.Unlock()

		// the dispatcher is responsible for its own OOM retry via the bus
		// layer; the loop just keeps making progress on the rest of the
		// queue regardless of the result.
		d.Dispatch()
		workDone = true
	}

	return workDone
}

func (l *Loop) fireWatch(w *Watch, now time.Time) {
	switch w.Callback() {
	case ResultOOM:
		w.disabledUntil = now.Add(l.oomInterval)
	case ResultRemove:
		l.RemoveWatch(w.id)
	}
}

// timeoutDue reports whether t should fire now, handling wall-clock
// rewind: if the computed remaining time is negative by more than the
// interval, lastFired is reset to now instead of firing, so a clock moved
// backward cannot stall the timer forever without also cannot fire it
// early.
func (l *Loop) timeoutDue(t *Timeout, now time.Time) bool {
	elapsed := now.Sub(t.lastFired)
	if elapsed < -t.Interval {
		t.lastFired = now
		return false
	}
	return elapsed >= t.Interval
}

func (l *Loop) fireTimeout(t *Timeout, now time.Time) {
	t.lastFired = now
	switch t.Callback() {
	case ResultRemove:
		l.RemoveTimeout(t.id)
	}
}

func (l *Loop) computeWait(timeouts []*Timeout, now time.Time) time.Duration {
	best := time.Duration(-1)
	for _, t := range timeouts {
		remaining := t.Interval - now.Sub(t.lastFired)
		if remaining < 0 {
			remaining = 0
		}
		if best < 0 || remaining < best {
			best = remaining
		}
	}
	if best < 0 {
		return 24 * time.Hour
	}
	return best
}
