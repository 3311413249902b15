// Package node hosts one operator unit per goroutine and streams batches
// between neighbouring nodes.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/models"
)

var (
	// ErrAlreadyStarted is returned when Run or Attach is called on a node
	// that was started before.
	ErrAlreadyStarted = errors.New("node was already started")

	// ErrClosedPipeline is returned when a sink is asked to forward to more
	// nodes.
	ErrClosedPipeline = errors.New("pipeline was already closed")

	// ErrOpenPipeline is returned when a non-sink has nowhere to forward to.
	ErrOpenPipeline = errors.New("pipeline is still open")

	// ErrUnreachable is returned when pushing to or starting a node that has
	// already terminated.
	ErrUnreachable = errors.New("node is unreachable")

	ErrQueueNotEmpty = errors.New("bridge queue is not empty on entry")
	ErrExited        = errors.New("node exited")
)

// Reason tags why a node terminated.
type Reason uint8

const (
	Normal Reason = iota
	Unreachable
	Failed
)

func (r Reason) String() string {
	switch r {
	case Normal:
		return "normal"
	case Unreachable:
		return "unreachable"
	case Failed:
		return "error"
	}
	return fmt.Sprintf("reason(%d)", uint8(r))
}

// Termination is delivered once to every monitor of a node.
type Termination struct {
	Reason Reason
	Err    error
}

// Benign reports whether the termination must not fail a run.
func (t Termination) Benign() bool {
	return t.Reason != Failed
}

func (t Termination) String() string {
	if t.Err != nil {
		return fmt.Sprintf("%s: %v", t.Reason, t.Err)
	}
	return t.Reason.String()
}

// Link is the push side of a connection into a started node.
type Link interface {
	// Push blocks until the receiving node has room for b.
	Push(ctx context.Context, b models.Batch) error
	// Close ends the stream. The receiver finalizes its operator.
	Close(ctx context.Context) error
	// Credit is the number of batches that can be pushed without blocking.
	Credit() int
}

// Handle addresses an execution node, in this process or on a remote peer.
type Handle interface {
	ID() string
	Describe() string
	// Run starts a source node and links it to next.
	Run(ctx context.Context, next []Handle) error
	// Attach starts a transform or sink node fed with batches of kind and
	// links it to next.
	Attach(ctx context.Context, kind models.Kind, next []Handle) (Link, error)
	// Monitor returns a channel receiving the termination exactly once.
	Monitor() <-chan Termination
	// Exit tears the node down. A nil err is a normal shutdown.
	Exit(err error)
	Pause()
	Resume()
}
