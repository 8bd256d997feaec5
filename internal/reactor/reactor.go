// Package reactor implements the single-goroutine event loop that drives one bridge cycle.
//
// Every callback registered here (timers, stream readiness, posted work) runs on the goroutine
// that called Run, one at a time, in arrival order. Helper goroutines only block on channels and
// hand values over; they never touch component state. Run exit cancels every timer and stream,
// so nothing from a torn-down cycle can fire against the next one.
package reactor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	apperrors "github.com/votong/wsbridge/internal/errors"
)

const eventBufferSize = 256

var ErrAlreadyRunning = errors.New("reactor already running")

type event struct {
	watch *Watch
	fn    func()
}

// Reactor is single use: once Run returns it cannot be restarted.
type Reactor struct {
	clock  clockwork.Clock
	events chan event
	done   chan struct{}

	mu      sync.Mutex
	watches map[*Watch]struct{}
	running bool
	exited  bool

	// only touched on the loop goroutine
	stopped bool
	err     error
}

func New(clock clockwork.Clock) *Reactor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Reactor{
		clock:   clock,
		events:  make(chan event, eventBufferSize),
		done:    make(chan struct{}),
		watches: make(map[*Watch]struct{}),
	}
}

// Clock returns the clock timers are armed on.
func (r *Reactor) Clock() clockwork.Clock {
	return r.clock
}

// Run dispatches events until Stop, Fail or ctx cancellation.
// It returns the error passed to Fail, or nil.
func (r *Reactor) Run(ctx context.Context) error {
	r.mu.Lock()
	if r.running || r.exited {
		r.mu.Unlock()
		return ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()

	defer r.shutdown()

	for !r.stopped {
		select {
		case ev := <-r.events:
			r.dispatch(ev)
		case <-ctx.Done():
			return r.err
		}
	}
	return r.err
}

// Stop requests loop exit after the current dispatch. Loop goroutine only.
func (r *Reactor) Stop() {
	r.stopped = true
}

// Fail stops the loop and makes Run return err. The first failure wins.
// Loop goroutine only.
func (r *Reactor) Fail(err error) {
	if r.err == nil {
		r.err = err
	}
	r.stopped = true
}

// Stopping reports whether Stop or Fail was requested. Loop goroutine only.
func (r *Reactor) Stopping() bool {
	return r.stopped
}

// Done is closed once Run has returned and every watch is cancelled.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

// Post schedules fn on the loop goroutine. Safe from any goroutine.
// Work posted after Run exits is dropped and Post returns false.
func (r *Reactor) Post(fn func()) bool {
	return r.post(nil, fn)
}

// AddTimer fires fn once on the loop goroutine after d.
func (r *Reactor) AddTimer(d time.Duration, fn func()) *Watch {
	w := r.newWatch()
	if w.Cancelled() {
		return w
	}
	w.timer = r.clock.AfterFunc(d, func() {
		r.post(w, func() {
			w.finish()
			fn()
		})
	})
	return w
}

// AddWriteStream waits for a single readiness notification (a connect completing) and
// hands the result to fn on the loop goroutine. A closed channel counts as ready with nil.
func (r *Reactor) AddWriteStream(ready <-chan error, fn func(error)) *Watch {
	w := r.newWatch()
	if w.Cancelled() {
		return w
	}
	go func() {
		var err error
		select {
		case err = <-ready:
		case <-w.cancel:
			return
		}
		r.post(w, func() {
			w.finish()
			fn(err)
		})
	}()
	return w
}

// AddReadStream dispatches every value received on ch to fn on the loop goroutine,
// preserving order. The watch ends when ch is closed or the watch is cancelled.
func AddReadStream[T any](r *Reactor, ch <-chan T, fn func(T)) *Watch {
	w := r.newWatch()
	if w.Cancelled() {
		return w
	}
	go func() {
		for {
			select {
			case v, ok := <-ch:
				if !ok {
					r.post(w, w.finish)
					return
				}
				if !r.post(w, func() { fn(v) }) {
					return
				}
			case <-w.cancel:
				return
			}
		}
	}()
	return w
}

// Watches returns the number of live timers and streams.
func (r *Reactor) Watches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watches)
}

func (r *Reactor) post(w *Watch, fn func()) bool {
	var cancel <-chan struct{}
	if w != nil {
		cancel = w.cancel
	}
	select {
	case r.events <- event{watch: w, fn: fn}:
		return true
	case <-cancel:
		return false
	case <-r.done:
		return false
	}
}

func (r *Reactor) dispatch(ev event) {
	if ev.watch != nil && ev.watch.Cancelled() {
		return
	}

	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("Reactor callback panic recovered", "panic", rec)
			r.Fail(apperrors.UnexpectedError("reactor callback panicked", fmt.Errorf("%v", rec)))
		}
	}()

	ev.fn()
}

func (r *Reactor) newWatch() *Watch {
	w := &Watch{r: r, cancel: make(chan struct{})}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.exited {
		w.once.Do(w.markCancelled)
		return w
	}
	r.watches[w] = struct{}{}
	return w
}

func (r *Reactor) remove(w *Watch) {
	r.mu.Lock()
	delete(r.watches, w)
	r.mu.Unlock()
}

func (r *Reactor) shutdown() {
	r.mu.Lock()
	r.exited = true
	pending := make([]*Watch, 0, len(r.watches))
	for w := range r.watches {
		pending = append(pending, w)
	}
	r.mu.Unlock()

	for _, w := range pending {
		w.Cancel()
	}
	close(r.done)
}

// Watch is the handle of a registered timer or stream.
type Watch struct {
	r         *Reactor
	cancel    chan struct{}
	once      sync.Once
	cancelled atomic.Bool
	timer     clockwork.Timer
}

// Cancel stops the timer or stream; pending events of the watch are dropped. Idempotent.
func (w *Watch) Cancel() {
	w.once.Do(func() {
		w.markCancelled()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.r.remove(w)
	})
}

// Cancelled reports whether the watch can still fire.
func (w *Watch) Cancelled() bool {
	return w.cancelled.Load()
}

// finish retires a watch that fired its last event.
func (w *Watch) finish() {
	w.once.Do(func() {
		w.markCancelled()
		w.r.remove(w)
	})
}

func (w *Watch) markCancelled() {
	w.cancelled.Store(true)
	close(w.cancel)
}
