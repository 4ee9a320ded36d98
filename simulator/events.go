// Package simulator runs simulated participants of a
// distributed trial against a shared virtual clock.
//
// Every participant runs in its own Goroutine, started
// with EventLoop.Go(). Virtual time only advances when
// every participant is blocked waiting for an event, so
// real computation never influences the simulated
// schedule.
package simulator

import (
	"container/heap"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// ErrDeadlock is returned by EventLoop.Run() when every
// Goroutine is waiting and no event can ever arrive.
var ErrDeadlock = errors.New("deadlock: all Handles are polling")

// An EventStream is a one-way queue of events delivered
// through an EventLoop.
type EventStream struct {
	loop    *EventLoop
	pending []any
}

func (s *EventStream) pop() *Event {
	if len(s.pending) == 0 {
		return nil
	}
	msg := s.pending[0]
	essentials.OrderedDelete(&s.pending, 0)
	return &Event{Message: msg, Stream: s}
}

// An Event is a message received on an EventStream.
type Event struct {
	Message any
	Stream  *EventStream
}

// A Timer is a pending, delayed delivery of an event.
type Timer struct {
	time  float64
	event *Event

	// Breaks ties between equal deadlines at random.
	tie int64

	// Position in the loop's heap, or -1 once the timer
	// has fired or been canceled.
	index int
}

// Time gets the virtual time at which the timer fires.
func (t *Timer) Time() float64 {
	return t.time
}

type timerHeap []*Timer

func (t timerHeap) Len() int {
	return len(t)
}

func (t timerHeap) Less(i, j int) bool {
	if t[i].time == t[j].time {
		return t[i].tie < t[j].tie
	}
	return t[i].time < t[j].time
}

func (t timerHeap) Swap(i, j int) {
	t[i], t[j] = t[j], t[i]
	t[i].index = i
	t[j].index = j
}

func (t *timerHeap) Push(x any) {
	timer := x.(*Timer)
	timer.index = len(*t)
	*t = append(*t, timer)
}

func (t *timerHeap) Pop() any {
	old := *t
	timer := old[len(old)-1]
	old[len(old)-1] = nil
	*t = old[:len(old)-1]
	timer.index = -1
	return timer
}

// A waiter is a Goroutine blocked in Poll().
type waiter struct {
	streams []*EventStream
	ch      chan<- *Event
}

func (w *waiter) wants(stream *EventStream) bool {
	for _, s := range w.streams {
		if s == stream {
			return true
		}
	}
	return false
}

// A Handle is one Goroutine's access to an EventLoop.
// Handles must not be shared between Goroutines.
type Handle struct {
	*EventLoop

	// nil unless the Goroutine is blocked in Poll().
	waiting *waiter
}

// Poll blocks until an event arrives on one of the
// streams. Streams earlier in the list take priority for
// events that are already queued.
func (h *Handle) Poll(streams ...*EventStream) *Event {
	ch := make(chan *Event, 1)
	h.modifyHandles(func() {
		if h.waiting != nil {
			panic("Handle is shared between Goroutines")
		}
		for _, stream := range streams {
			if event := stream.pop(); event != nil {
				ch <- event
				return
			}
		}
		h.waiting = &waiter{streams: streams, ch: ch}
	})
	return <-ch
}

// PollTimeout is like Poll, but it gives up and returns
// nil after timeout units of virtual time.
func (h *Handle) PollTimeout(timeout float64, streams ...*EventStream) *Event {
	expired := h.Stream()
	timer := h.Schedule(expired, nil, timeout)
	all := append(append([]*EventStream{}, streams...), expired)
	event := h.Poll(all...)
	if event.Stream == expired {
		return nil
	}
	h.Cancel(timer)
	return event
}

// Schedule delivers msg on stream after delay units of
// virtual time.
func (h *Handle) Schedule(stream *EventStream, msg any, delay float64) *Timer {
	if stream.loop != h.EventLoop {
		panic("EventStream is not associated with the correct EventLoop")
	}
	var timer *Timer
	h.modify(func() {
		timer = &Timer{
			time:  h.time + delay,
			event: &Event{Message: msg, Stream: stream},
			tie:   rand.Int63(),
		}
		if math.IsInf(timer.time, 0) || math.IsNaN(timer.time) {
			panic(fmt.Sprintf("invalid deadline: %f", timer.time))
		}
		heap.Push(&h.timers, timer)
	})
	return timer
}

// Cancel stops a timer if it has not fired yet.
func (h *Handle) Cancel(t *Timer) {
	h.modify(func() {
		if t.index >= 0 {
			heap.Remove(&h.timers, t.index)
		}
	})
}

// Sleep waits for delay units of virtual time.
func (h *Handle) Sleep(delay float64) {
	stream := h.Stream()
	h.Schedule(stream, nil, delay)
	h.Poll(stream)
}

// An EventLoop schedules events for a set of simulated
// participants.
type EventLoop struct {
	lock    sync.Mutex
	timers  timerHeap
	handles []*Handle
	time    float64
	running bool

	// Signaled whenever a Goroutine may have blocked or
	// exited.
	notifyCh chan struct{}
}

// NewEventLoop creates an event loop with its clock at 0.
func NewEventLoop() *EventLoop {
	return &EventLoop{notifyCh: make(chan struct{}, 1)}
}

// Stream creates a new EventStream on the loop.
func (e *EventLoop) Stream() *EventStream {
	return &EventStream{loop: e}
}

// Go runs f in a new Goroutine with its own Handle.
func (e *EventLoop) Go(f func(h *Handle)) {
	h := &Handle{EventLoop: e}
	e.modify(func() {
		e.handles = append(e.handles, h)
	})
	go func() {
		defer e.modifyHandles(func() {
			for i, handle := range e.handles {
				if handle == h {
					essentials.UnorderedDelete(&e.handles, i)
					return
				}
			}
			panic("cannot free handle that does not exist")
		})
		f(h)
	}()
}

// Run drives the loop until every Goroutine started with
// Go() has returned.
//
// It returns ErrDeadlock if the Goroutines can never make
// progress.
func (e *EventLoop) Run() error {
	e.modify(func() {
		if e.running {
			panic("EventLoop is already running")
		}
		e.running = true
	})
	defer e.modify(func() {
		e.running = false
	})

	for range e.notifyCh {
		if done, err := e.step(); done {
			return err
		}
	}
	panic("unreachable")
}

// MustRun is like Run, but it panics on deadlock.
func (e *EventLoop) MustRun() {
	if err := e.Run(); err != nil {
		panic(err)
	}
}

// Time gets the current virtual time.
func (e *EventLoop) Time() float64 {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.time
}

// modify runs f with the loop locked, for changes that
// cannot unblock any Goroutine.
func (e *EventLoop) modify(f func()) {
	e.lock.Lock()
	defer e.lock.Unlock()
	f()
}

// modifyHandles is like modify, but wakes the scheduler
// afterwards since f may change which Goroutines are
// blocked.
func (e *EventLoop) modifyHandles(f func()) {
	e.lock.Lock()
	defer func() {
		e.lock.Unlock()
		select {
		case e.notifyCh <- struct{}{}:
		default:
		}
	}()
	f()
}

// step fires timers until one wakes up a Goroutine, as
// long as every Goroutine is blocked.
//
// It reports whether the loop is done, in which case the
// error tells if it ended in deadlock.
func (e *EventLoop) step() (bool, error) {
	e.lock.Lock()
	defer e.lock.Unlock()

	if len(e.handles) == 0 {
		return true, nil
	}
	for _, h := range e.handles {
		if h.waiting == nil {
			// Some Goroutine is still doing real work.
			return false, nil
		}
	}

	for e.timers.Len() > 0 {
		timer := heap.Pop(&e.timers).(*Timer)
		e.time = math.Max(e.time, timer.time)
		if e.deliver(timer.event) {
			return false, nil
		}
	}
	return true, ErrDeadlock
}

// deliver hands an event to a Goroutine polling its
// stream, or queues it if there is none.
func (e *EventLoop) deliver(event *Event) bool {
	for _, i := range rand.Perm(len(e.handles)) {
		h := e.handles[i]
		if h.waiting != nil && h.waiting.wants(event.Stream) {
			h.waiting.ch <- event
			h.waiting = nil
			return true
		}
	}
	event.Stream.pending = append(event.Stream.pending, event.Message)
	return false
}
