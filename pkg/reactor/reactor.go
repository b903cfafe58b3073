// Package reactor provides the single-goroutine event loop that owns all
// printer object state. Timers and callbacks run on the loop goroutine;
// other goroutines (API servers, MQTT, CLI) hand work to it through
// RegisterAsyncCallback or Call.
package reactor

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	NOW   = 0.0
	NEVER = 9999999999999999.0
)

// maxSleep bounds one idle wait of the dispatch loop.
const maxSleep = time.Second

var ErrReactorClosed = errors.New("reactor: reactor closed")

// TimerCallback is called when a timer fires with the event time and
// returns the next wake time. Return NEVER to stop the timer.
type TimerCallback func(eventtime float64) float64

// Timer is a registered timer. Its fields are owned by the Reactor lock.
type Timer struct {
	callback TimerCallback
	waketime float64
	removed  bool
}

// Completion carries the result of a scheduled callback.
type Completion struct {
	result interface{}
	done   chan struct{}
	once   sync.Once
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

// Test returns true if the completion has a result.
func (c *Completion) Test() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Complete sets the result. Only the first call has an effect.
func (c *Completion) Complete(result interface{}) {
	c.once.Do(func() {
		c.result = result
		close(c.done)
	})
}

// Wait blocks until the completion is done or the timeout expires, in
// which case timeoutResult is returned.
func (c *Completion) Wait(timeout time.Duration, timeoutResult interface{}) interface{} {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-c.done:
		return c.result
	case <-timer.C:
		return timeoutResult
	}
}

// Reactor manages timers and cross-goroutine callbacks.
type Reactor struct {
	mu     sync.Mutex
	timers []*Timer
	async  []func(eventtime float64)
	wake   chan struct{}

	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	done    chan struct{}

	startTime time.Time
}

// New creates a new Reactor. Nothing runs until Run is called.
func New() *Reactor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Reactor{
		wake:      make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		startTime: time.Now(),
	}
}

// Monotonic returns seconds since the reactor was created.
func (r *Reactor) Monotonic() float64 {
	return time.Since(r.startTime).Seconds()
}

func (r *Reactor) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// RegisterTimer registers a timer that first fires at waketime.
func (r *Reactor) RegisterTimer(callback TimerCallback, waketime float64) *Timer {
	t := &Timer{callback: callback, waketime: waketime}
	r.mu.Lock()
	r.timers = append(r.timers, t)
	r.mu.Unlock()
	r.poke()
	return t
}

// UnregisterTimer removes a timer. It will not fire again.
func (r *Reactor) UnregisterTimer(t *Timer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t.removed = true
	for i, other := range r.timers {
		if other == t {
			r.timers = append(r.timers[:i], r.timers[i+1:]...)
			return
		}
	}
}

// UpdateTimer changes when a timer next fires.
func (r *Reactor) UpdateTimer(t *Timer, waketime float64) {
	r.mu.Lock()
	t.waketime = waketime
	r.mu.Unlock()
	r.poke()
}

// RegisterCallback runs callback once on the loop at waketime. The returned
// Completion receives its result.
func (r *Reactor) RegisterCallback(callback func(eventtime float64) interface{}, waketime float64) *Completion {
	c := newCompletion()
	var t *Timer
	t = r.RegisterTimer(func(eventtime float64) float64 {
		r.UnregisterTimer(t)
		c.Complete(callback(eventtime))
		return NEVER
	}, NEVER)
	r.UpdateTimer(t, waketime)
	return c
}

// RegisterAsyncCallback queues callback to run on the loop as soon as
// possible. Safe to call from any goroutine.
func (r *Reactor) RegisterAsyncCallback(callback func(eventtime float64) interface{}) *Completion {
	c := newCompletion()
	r.mu.Lock()
	r.async = append(r.async, func(eventtime float64) {
		c.Complete(callback(eventtime))
	})
	r.mu.Unlock()
	r.poke()
	return c
}

// Call runs fn on the loop and waits for its result. It must not be called
// from the loop goroutine itself.
func (r *Reactor) Call(fn func(eventtime float64) interface{}) (interface{}, error) {
	if r.ctx.Err() != nil {
		return nil, ErrReactorClosed
	}
	c := r.RegisterAsyncCallback(fn)
	select {
	case <-c.done:
		return c.result, nil
	case <-r.ctx.Done():
		return nil, ErrReactorClosed
	}
}

// Run starts the dispatch loop in its own goroutine.
func (r *Reactor) Run() {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.mu.Unlock()
	go r.dispatchLoop()
}

// End signals the reactor to stop.
func (r *Reactor) End() {
	r.cancel()
}

// Done is closed when the reactor is ended.
func (r *Reactor) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Wait blocks until the dispatch loop has exited. It returns immediately if
// Run was never called.
func (r *Reactor) Wait() {
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.done
	}
}

func (r *Reactor) dispatchLoop() {
	defer close(r.done)

	for r.ctx.Err() == nil {
		eventtime := r.Monotonic()
		r.runAsync(eventtime)
		next := r.fireTimers(eventtime)

		r.mu.Lock()
		pending := len(r.async)
		r.mu.Unlock()
		if pending > 0 {
			continue
		}

		delay := time.Duration((next - r.Monotonic()) * float64(time.Second))
		if delay <= 0 {
			continue
		}
		if delay > maxSleep {
			delay = maxSleep
		}
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-r.wake:
		case <-r.ctx.Done():
		}
		timer.Stop()
	}
}

func (r *Reactor) runAsync(eventtime float64) {
	r.mu.Lock()
	queue := r.async
	r.async = nil
	r.mu.Unlock()

	for _, fn := range queue {
		fn(eventtime)
	}
}

// fireTimers runs every due timer and returns the earliest next wake time.
func (r *Reactor) fireTimers(eventtime float64) float64 {
	r.mu.Lock()
	var due []*Timer
	for _, t := range r.timers {
		if t.waketime <= eventtime {
			t.waketime = NEVER
			due = append(due, t)
		}
	}
	r.mu.Unlock()

	for _, t := range due {
		waketime := t.callback(eventtime)

		r.mu.Lock()
		if !t.removed && waketime < t.waketime {
			t.waketime = waketime
		}
		r.mu.Unlock()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	next := NEVER
	for _, t := range r.timers {
		if t.waketime < next {
			next = t.waketime
		}
	}
	return next
}
