package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/votong/wsbridge/internal/metrics"
)

const counterUpdateTimeout = 5 * time.Second

// Counter is the shared per-host client count.
type Counter interface {
	Increment(ctx context.Context, hostID string) error
	Decrement(ctx context.Context, hostID string) error
}

// tally applies count updates in the order they were issued on a single goroutine, so the
// loop never waits on Redis and a cycle's last decrement lands before the next cycle's reset.
type tally struct {
	counter Counter
	hostID  string
	log     *slog.Logger

	mu      sync.Mutex
	pending []int
	closed  bool

	wake chan struct{}
	done chan struct{}
}

func newTally(counter Counter, hostID string, log *slog.Logger) *tally {
	t := &tally{
		counter: counter,
		hostID:  hostID,
		log:     log,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go t.run()
	return t
}

func (t *tally) increment() { t.add(1) }
func (t *tally) decrement() { t.add(-1) }

func (t *tally) add(delta int) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.pending = append(t.pending, delta)
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// close applies everything queued so far and stops the goroutine. Idempotent.
func (t *tally) close() {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()

	select {
	case t.wake <- struct{}{}:
	default:
	}
	<-t.done
}

func (t *tally) run() {
	defer close(t.done)
	for {
		t.mu.Lock()
		batch := t.pending
		t.pending = nil
		closed := t.closed
		t.mu.Unlock()

		for _, delta := range batch {
			t.apply(delta)
		}

		if len(batch) > 0 {
			continue
		}
		if closed {
			return
		}
		<-t.wake
	}
}

func (t *tally) apply(delta int) {
	ctx, cancel := context.WithTimeout(context.Background(), counterUpdateTimeout)
	defer cancel()

	op, fn := "increment", t.counter.Increment
	if delta < 0 {
		op, fn = "decrement", t.counter.Decrement
	}
	if err := fn(ctx, t.hostID); err != nil {
		metrics.CounterUpdateErrors.WithLabelValues(op).Inc()
		t.log.Error("Failed to update client count", "operation", op, "host", t.hostID, "error", err)
	}
}
