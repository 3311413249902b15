package pipeline

import (
	"context"
	"sync"
)

// Completion is the single outcome of one pipeline run. The first resolve
// wins; later ones are ignored.
type Completion struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newCompletion() *Completion {
	return &Completion{done: make(chan struct{})}
}

func (c *Completion) resolve(err error) bool {
	first := false
	c.once.Do(func() {
		c.err = err
		first = true
		close(c.done)
	})
	return first
}

// Done is closed once the run is resolved.
func (c *Completion) Done() <-chan struct{} {
	return c.done
}

func (c *Completion) Resolved() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Err returns the outcome. It is nil while the run is unresolved.
func (c *Completion) Err() error {
	if !c.Resolved() {
		return nil
	}
	return c.err
}

// Wait blocks until the run is resolved or ctx is done.
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
