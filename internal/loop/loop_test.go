package loop

import (
	"testing"
	"time"
)

func TestWatchFiresOnReady(t *testing.T) {
	l := New(0, nil)
	ready := make(chan struct{}, 1)
	fired := 0
	l.AddWatch(&Watch{Ready: ready, Callback: func() Result {
		fired++
		return ResultOK
	}})
	ready <- struct{}{}
	if !l.Iterate(true) {
		t.Fatalf("expected iterate to report work done")
	}
	if fired != 1 {
		t.Fatalf("expected watch to fire once, got %d", fired)
	}
}

func TestOOMWatchSkippedThenRetried(t *testing.T) {
	now := time.Unix(0, 0)
	clock := func() time.Time { return now }
	l := New(10*time.Millisecond, clock)

	ready := make(chan struct{}, 4)
	calls := 0
	l.AddWatch(&Watch{Ready: ready, Callback: func() Result {
		calls++
		return ResultOOM
	}})

	ready <- struct{}{}
	l.Iterate(false)
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}

	// Watch is disabled; posting readiness again should not fire it yet.
	ready <- struct{}{}
	l.Iterate(false)
	if calls != 1 {
		t.Fatalf("expected watch to stay skipped during back-off, got %d calls", calls)
	}

	// Advance past the OOM interval; the watch should retry.
	now = now.Add(20 * time.Millisecond)
	l.Iterate(false)
	if calls != 2 {
		t.Fatalf("expected watch to retry after back-off, got %d calls", calls)
	}
}

func TestClockRewindSafety(t *testing.T) {
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }
	l := New(0, clock)

	fired := 0
	l.AddTimeout(&Timeout{Interval: 100 * time.Millisecond, Callback: func() Result {
		fired++
		return ResultOK
	}})

	// Rewind the clock by far more than the interval.
	now = now.Add(-10 * time.Second)
	l.Iterate(false)
	if fired != 0 {
		t.Fatalf("timeout should not fire immediately after a large rewind, got %d", fired)
	}

	// From here, the timeout must fire no later than one interval after
	// the clock moved, not after the original multi-second gap.
	now = now.Add(150 * time.Millisecond)
	l.Iterate(false)
	if fired != 1 {
		t.Fatalf("expected timeout to fire within one interval of the rewound clock, got %d", fired)
	}
}

func TestDispatchQueueDrainedOncePerIteration(t *testing.T) {
	l := New(0, nil)
	var order []int
	enqueue := func(n int) {
		l.QueueDispatch(dispatchFunc(func() Result {
			order = append(order, n)
			if n == 1 {
				// simulate new work arriving while draining
				enqueueLater(l, &order, 3)
			}
			return ResultOK
		}))
	}
	enqueue(1)
	enqueue(2)

	l.Iterate(false)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("expected exactly the two originally queued items this pass, got %v", order)
	}

	l.Iterate(false)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("expected the item queued mid-drain to run on the next pass, got %v", order)
	}
}

type dispatchFunc func() Result

func (f dispatchFunc) Dispatch() Result { return f() }

func enqueueLater(l *Loop, order *[]int, n int) {
	l.QueueDispatch(dispatchFunc(func() Result {
		*order = append(*order, n)
		return ResultOK
	}))
}

func TestRunQuitReturns(t *testing.T) {
	l := New(0, nil)
	done := make(chan struct{})
	go func() {
		l.Run()
		close(done)
	}()

	time.Sleep(5 * time.Millisecond)
	l.Quit()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after matching Quit")
	}
}

// TestNestedDepthSemantics exercises the depth bookkeeping a nested Run/Quit
// pair relies on, without the scheduling nondeterminism of running two real
// Run loops concurrently: an outer Run starts (depth 0->1), a nested Run
// starts one level deeper (depth 1->2), the first Quit ends only the
// innermost level, and the second ends the outer one.
func TestNestedDepthSemantics(t *testing.T) {
	l := New(0, nil)

	l.mu.Lock()
	l.depth++
	l.mu.Unlock()

	l.mu.Lock()
	l.depth++
	l.mu.Unlock()

	l.Quit()
	l.mu.Lock()
	d := l.depth
	l.mu.Unlock()
	if d != 1 {
		t.Fatalf("expected depth 1 after ending the inner run, got %d", d)
	}

	l.Quit()
	l.mu.Lock()
	d = l.depth
	l.mu.Unlock()
	if d != 0 {
		t.Fatalf("expected depth 0 after ending the outer run, got %d", d)
	}
}
