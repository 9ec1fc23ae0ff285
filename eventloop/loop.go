// Package eventloop runs protocol callbacks one after another on a single
// logical thread. Transports and timers never call into protocol code
// directly, they post functions here.
package eventloop

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	log "github.com/sirupsen/logrus"
)

type Loop struct {
	clock clock.Clock

	mu     sync.Mutex
	tasks  []func()
	timers timerHeap
	seq    uint64
	wake   chan struct{}

	// held while a task runs, Run and RunUntilIdle never overlap
	exec sync.Mutex
}

// New returns a loop using c for timers. A nil clock means wall clock.
func New(c clock.Clock) *Loop {
	if c == nil {
		c = clock.New()
	}
	return &Loop{
		clock: c,
		wake:  make(chan struct{}, 1),
	}
}

func (l *Loop) Clock() clock.Clock {
	return l.clock
}

// Post queues fn to run after everything posted before it.
// Safe to call from any goroutine.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.notify()
}

// After runs fn once d has passed on the loop's clock
func (l *Loop) After(d time.Duration, fn func()) *Timer {
	l.mu.Lock()
	l.seq++
	t := &Timer{
		loop: l,
		fn:   fn,
		when: l.clock.Now().Add(d),
		seq:  l.seq,
	}
	heap.Push(&l.timers, t)
	l.mu.Unlock()
	l.notify()
	return t
}

func (l *Loop) notify() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued tasks and armed timers
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks) + len(l.timers)
}

// next pops a runnable task. Posted tasks go before due timers.
func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.tasks) > 0 {
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		return fn, true
	}
	if len(l.timers) > 0 && !l.timers[0].when.After(l.clock.Now()) {
		t := heap.Pop(&l.timers).(*Timer)
		return t.fn, true
	}
	return nil, false
}

// untilNextTimer returns the time until the earliest timer is due
func (l *Loop) untilNextTimer() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.timers) == 0 {
		return 0, false
	}
	return l.timers[0].when.Sub(l.clock.Now()), true
}

func (l *Loop) run(fn func()) {
	l.exec.Lock()
	defer l.exec.Unlock()
	fn()
}

// RunUntilIdle runs tasks and due timers until there is nothing left to do
// right now. Timers in the future stay armed. Returns the number of tasks run.
func (l *Loop) RunUntilIdle() int {
	n := 0
	for {
		fn, ok := l.next()
		if !ok {
			return n
		}
		l.run(fn)
		n++
	}
}

// Run processes tasks until ctx is done
func (l *Loop) Run(ctx context.Context) error {
	log.Debug("[EventLoop] Running")
	for {
		l.RunUntilIdle()

		var timerC <-chan time.Time
		var timer *clock.Timer
		if d, ok := l.untilNextTimer(); ok {
			if d <= 0 {
				continue
			}
			timer = l.clock.Timer(d)
			timerC = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			log.Debug("[EventLoop] Stopped")
			return ctx.Err()
		case <-l.wake:
		case <-timerC:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// Timer is a pending After call
type Timer struct {
	loop  *Loop
	fn    func()
	when  time.Time
	seq   uint64
	index int
}

// Stop cancels the timer. Returns false if it already fired or was stopped.
func (t *Timer) Stop() bool {
	l := t.loop
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.index < 0 || t.index >= len(l.timers) || l.timers[t.index] != t {
		return false
	}
	heap.Remove(&l.timers, t.index)
	return true
}

// timerHeap orders by due time, equal times in arming order
type timerHeap []*Timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].seq < h[j].seq
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}
