package mare

import (
	"context"
	"sync"
)

// trigger is a one-shot condition object: Fire may be called any number of
// times but only the first has effect, and Wait unblocks every caller (past
// and future) once Fire has been called. Used both for a task's own
// completion signal and for a group's "becomes empty" wait.
type trigger struct {
	once sync.Once
	ch   chan struct{}
}

func newTrigger() *trigger {
	return &trigger{ch: make(chan struct{})}
}

// Fire releases every past and future waiter. Idempotent.
func (t *trigger) Fire() {
	t.once.Do(func() { close(t.ch) })
}

// Fired reports whether Fire has already been called.
func (t *trigger) Fired() bool {
	select {
	case <-t.ch:
		return true
	default:
		return false
	}
}

// Wait blocks until Fire has been called or ctx is done, returning ctx's
// error in the latter case.
func (t *trigger) Wait(ctx context.Context) error {
	if ctx == nil {
		<-t.ch
		return nil
	}
	select {
	case <-t.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
