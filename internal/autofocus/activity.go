package autofocus

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/autofocus/internal/timeutil"
)

// activity runs a tick function on a ticker in a single goroutine, so a slow
// tick delays the next one instead of overlapping it. A tick that returns an
// error ends the activity.
type activity struct {
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// start launches the activity unless it is already running.
func (a *activity) start(clock timeutil.Clock, period time.Duration, tick func(context.Context) error, onExit func(error)) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done != nil {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	a.cancel, a.done = cancel, done
	ticker := clock.NewTicker(period)

	go func() {
		defer close(done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C():
			}
			if err := tick(ctx); err != nil {
				onExit(err)
				a.release(done)
				return
			}
		}
	}()
	return true
}

// release forgets the run identified by done if it is still the current one.
func (a *activity) release(done chan struct{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done == done {
		a.cancel()
		a.cancel, a.done = nil, nil
	}
}

// stop cancels the activity and waits for an in-flight tick to finish.
func (a *activity) stop() bool {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel, a.done = nil, nil
	a.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	<-done
	return true
}

func (a *activity) running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done != nil
}
