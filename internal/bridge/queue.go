// Package bridge turns push deliveries into the pull-style input sequence an
// operator consumes.
package bridge

import (
	"errors"
	"iter"

	"github.com/tarungka/telepipe/internal/models"
)

// ErrQueueBusy is returned when a batch is pushed before the previous one was
// consumed.
var ErrQueueBusy = errors.New("bridge queue already holds a pending batch")

// Queue holds at most one pending batch plus a stop flag. It is owned by a
// single driver adapter and is never touched from two goroutines at once.
type Queue struct {
	pending []models.Batch
	stop    bool
}

func New() *Queue {
	return &Queue{pending: make([]models.Batch, 0, 1)}
}

// Push hands b to the pull side.
func (q *Queue) Push(b models.Batch) error {
	if len(q.pending) > 0 {
		return ErrQueueBusy
	}
	q.pending = append(q.pending, b)
	return nil
}

// Stop marks the end of input. The sequence ends once the queue is empty.
func (q *Queue) Stop() {
	q.stop = true
}

func (q *Queue) Stopped() bool {
	return q.stop
}

// Drop discards the pending batch, if any, and reports how many were dropped.
func (q *Queue) Drop() int {
	n := len(q.pending)
	clear(q.pending)
	q.pending = q.pending[:0]
	return n
}

func (q *Queue) Len() int {
	return len(q.pending)
}

// Seq returns the pull side of the queue. While there is no pending batch and
// the queue is not stopped it yields the idle marker (nil) so that a consumer
// can hand control back instead of blocking.
func (q *Queue) Seq() iter.Seq[models.Batch] {
	return func(yield func(models.Batch) bool) {
		for {
			if len(q.pending) == 0 {
				if q.stop {
					return
				}
				if !yield(nil) {
					return
				}
				continue
			}
			b := q.pending[0]
			q.pending[0] = nil
			q.pending = q.pending[:0]
			if !yield(b) {
				return
			}
		}
	}
}
