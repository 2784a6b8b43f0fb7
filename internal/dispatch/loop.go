// ABOUTME: Start/stop bookkeeping shared by the dispatcher and the reaper
// ABOUTME: Runs a function immediately and then on every tick until stopped

package dispatch

import (
	"context"
	"sync"
	"time"
)

type loop struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches fn on interval. It returns false if the loop is already running.
func (l *loop) start(ctx context.Context, interval time.Duration, fn func(context.Context)) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	l.cancel = cancel
	l.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		fn(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
	return true
}

// stop cancels the loop and waits for the current run to return. It returns
// false if the loop was not running.
func (l *loop) stop() bool {
	l.mu.Lock()
	cancel, done := l.cancel, l.done
	l.cancel, l.done = nil, nil
	l.mu.Unlock()

	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (l *loop) running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}
