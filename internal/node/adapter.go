package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/tarungka/telepipe/internal/bridge"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
)

// State of a driver adapter.
type State uint8

const (
	Idle State = iota
	Running
	Drained
	Finalizing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Drained:
		return "drained"
	case Finalizing:
		return "finalizing"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Source drives an operator that takes no input.
type Source struct {
	inst  *operator.Instance
	out   Link // nil when the source is also the sink
	ctrl  *control
	state State
	done  bool
}

func newSource(inst *operator.Instance, out Link, ctrl *control) *Source {
	return &Source{inst: inst, out: out, ctrl: ctrl}
}

// Pull advances the operator up to n times and forwards every batch it
// produces. It stops early on the idle marker and returns how many batches
// were forwarded.
func (s *Source) Pull(ctx context.Context, n int) (int, error) {
	s.state = Running
	produced := 0
	for i := 0; i < n; i++ {
		b, ok := s.inst.Next()
		if err := s.ctrl.aborted(); err != nil {
			return produced, err
		}
		if !ok {
			s.done = true
			break
		}
		if models.IsIdle(b) {
			break
		}
		if s.out != nil {
			if err := s.out.Push(ctx, b); err != nil {
				return produced, err
			}
		}
		produced++
	}
	s.state = Drained
	return produced, nil
}

// Done is true once the operator's sequence is exhausted.
func (s *Source) Done() bool {
	return s.done
}

func (s *Source) State() State {
	return s.state
}

// Finalize releases the operator and closes the downstream link.
func (s *Source) Finalize(ctx context.Context) error {
	s.state = Finalizing
	if err := s.ctrl.aborted(); err != nil {
		return err
	}
	err := s.inst.Close()
	if s.out != nil {
		err = errors.Join(err, s.out.Close(ctx))
	}
	s.state = Closed
	return err
}

// drain is the shared queue-append and pull loop of stages and sinks.
type drain struct {
	inst      *operator.Instance
	queue     *bridge.Queue
	ctrl      *control
	state     State
	exhausted bool
}

func (d *drain) process(ctx context.Context, b models.Batch, emit func(context.Context, models.Batch) error) error {
	if d.queue.Len() != 0 {
		return ErrQueueNotEmpty
	}
	if err := d.queue.Push(b); err != nil {
		return err
	}
	d.state = Running
	for {
		out, ok := d.inst.Next()
		if err := d.ctrl.aborted(); err != nil {
			return err
		}
		if !ok {
			// the operator stopped consuming; whatever it left is dropped
			d.exhausted = true
			d.queue.Drop()
			break
		}
		if models.IsIdle(out) {
			if d.queue.Len() == 0 {
				break
			}
			continue
		}
		if emit != nil {
			if err := emit(ctx, out); err != nil {
				return err
			}
		}
	}
	d.state = Drained
	return nil
}

func (d *drain) finalize(ctx context.Context, emit func(context.Context, models.Batch) error) error {
	d.state = Finalizing
	d.queue.Stop()
	for !d.exhausted {
		out, ok := d.inst.Next()
		if err := d.ctrl.aborted(); err != nil {
			return err
		}
		if !ok {
			d.exhausted = true
			break
		}
		if models.IsIdle(out) || emit == nil {
			continue
		}
		if err := emit(ctx, out); err != nil {
			return err
		}
	}
	return d.inst.Close()
}

// Queue exposes the bridge queue for inspection.
func (d *drain) Queue() *bridge.Queue {
	return d.queue
}

func (d *drain) State() State {
	return d.state
}

// Exhausted is true when the operator ended before its input did.
func (d *drain) Exhausted() bool {
	return d.exhausted
}

// Stage drives an operator with both input and output.
type Stage struct {
	drain
	out Link
}

func newStage(inst *operator.Instance, queue *bridge.Queue, out Link, ctrl *control) *Stage {
	return &Stage{drain: drain{inst: inst, queue: queue, ctrl: ctrl}, out: out}
}

// Process feeds b to the operator and forwards everything it produces in
// response. It returns with the queue empty.
func (s *Stage) Process(ctx context.Context, b models.Batch) error {
	return s.process(ctx, b, s.out.Push)
}

// Finalize flushes the operator and closes the downstream link.
func (s *Stage) Finalize(ctx context.Context) error {
	err := s.finalize(ctx, s.out.Push)
	err = errors.Join(err, s.out.Close(ctx))
	s.state = Closed
	return err
}

// Sink drives an operator without output.
type Sink struct {
	drain
}

func newSink(inst *operator.Instance, queue *bridge.Queue, ctrl *control) *Sink {
	return &Sink{drain: drain{inst: inst, queue: queue, ctrl: ctrl}}
}

func (s *Sink) Process(ctx context.Context, b models.Batch) error {
	return s.process(ctx, b, nil)
}

// Finalize drains the operator to exhaustion for its side effects.
func (s *Sink) Finalize(ctx context.Context) error {
	err := s.finalize(ctx, nil)
	s.state = Closed
	return err
}
