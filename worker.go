package hare

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/hare-go/contracts"
)

// worker runs one background loop at a time. Start and stop are serialised
// so a stopping loop has fully exited before the next one begins.
type worker struct {
	lifecycle sync.Mutex
	running   atomic.Bool
	cancel    context.CancelFunc
	done      chan struct{}
}

func (w *worker) start(op string, loop func(ctx context.Context)) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if w.running.Load() {
		return contracts.NewError(contracts.KindThreadAlreadyRunning, op, nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w.cancel = cancel
	w.done = done
	w.running.Store(true)

	go func() {
		defer close(done)
		loop(ctx)
	}()
	return nil
}

// stop signals the loop, waits for it to exit and then runs cleanup
func (w *worker) stop(op string, cleanup func()) error {
	w.lifecycle.Lock()
	defer w.lifecycle.Unlock()

	if !w.running.Load() {
		return contracts.NewError(contracts.KindThreadNotRunning, op, nil)
	}

	w.cancel()
	<-w.done
	w.running.Store(false)

	if cleanup != nil {
		cleanup()
	}
	return nil
}

func (w *worker) isRunning() bool {
	return w.running.Load()
}

// sleep pauses for d and reports false when ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
