package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/bridge"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/operator"
	"golang.org/x/time/rate"
)

// Status of an execution node.
type Status uint32

const (
	StatusIdle Status = iota
	StatusRunning
	StatusCompleted
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	case StatusFailed:
		return "failed"
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

const (
	DefaultCredit      = 4
	DefaultIdleBackoff = 10 * time.Millisecond
)

var errShutdown = errors.New("shutdown requested")

type options struct {
	credit      int
	idleBackoff time.Duration
}

type Option func(*options)

// WithCredit sets how many batches may wait in the node's inbox.
func WithCredit(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.credit = n
		}
	}
}

// WithIdleBackoff sets the pause between pulls of a source that had nothing
// to hand out.
func WithIdleBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.idleBackoff = d
		}
	}
}

type command struct {
	ctx    context.Context
	source bool
	kind   models.Kind
	next   []Handle
	reply  chan startReply
}

type startReply struct {
	link Link
	err  error
}

type message struct {
	batch models.Batch
	close bool
}

type processor interface {
	Process(ctx context.Context, b models.Batch) error
	Finalize(ctx context.Context) error
	Exhausted() bool
}

// Node is an in-process execution node. It owns its unit from Spawn on.
type Node struct {
	id     string
	unit   *operator.Unit
	ctrl   *control
	logger zerolog.Logger
	opts   options

	started atomic.Bool
	status  atomic.Uint32
	paused  atomic.Bool

	cmds  chan command
	inbox chan message
	wake  chan struct{}

	ctx    context.Context
	cancel context.CancelCauseFunc
	inst   *operator.Instance // only touched by the node goroutine

	done     chan struct{}
	mu       sync.Mutex
	term     Termination
	finished bool
	watchers []chan Termination
}

var _ Handle = (*Node)(nil)

// Spawn creates a node hosting unit. The node stays idle until Run or Attach.
func Spawn(unit *operator.Unit, plane ControlPlane, opts ...Option) *Node {
	o := options{credit: DefaultCredit, idleBackoff: DefaultIdleBackoff}
	for _, opt := range opts {
		opt(&o)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	n := &Node{
		id:     id.String(),
		unit:   unit,
		logger: plane.Logger.With().Str("node", id.String()).Str("operator", unit.Name()).Logger(),
		opts:   o,
		cmds:   make(chan command, 1),
		inbox:  make(chan message, o.credit),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	n.ctrl = newControl(ctx, plane, n.id, unit.Name())
	go n.loop()
	return n
}

func (n *Node) ID() string {
	return n.id
}

func (n *Node) Describe() string {
	return n.unit.Name()
}

func (n *Node) Status() Status {
	return Status(n.status.Load())
}

// Done is closed once the node terminated.
func (n *Node) Done() <-chan struct{} {
	return n.done
}

func (n *Node) Run(ctx context.Context, next []Handle) error {
	_, err := n.start(ctx, command{source: true, next: next})
	return err
}

func (n *Node) Attach(ctx context.Context, kind models.Kind, next []Handle) (Link, error) {
	return n.start(ctx, command{kind: kind, next: next})
}

func (n *Node) start(ctx context.Context, cmd command) (Link, error) {
	if !n.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: '%s' was already started", ErrAlreadyStarted, n.Describe())
	}
	cmd.ctx = ctx
	cmd.reply = make(chan startReply, 1)
	select {
	case n.cmds <- cmd:
	case <-n.done:
		return nil, n.unreachable()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case r := <-cmd.reply:
		return r.link, r.err
	case <-n.done:
		select {
		case r := <-cmd.reply:
			return r.link, r.err
		default:
		}
		return nil, n.unreachable()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (n *Node) Monitor() <-chan Termination {
	ch := make(chan Termination, 1)
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.finished {
		ch <- n.term
	} else {
		n.watchers = append(n.watchers, ch)
	}
	return ch
}

// Termination returns the termination once the node is done.
func (n *Node) Termination() (Termination, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term, n.finished
}

func (n *Node) Exit(err error) {
	if err == nil {
		err = errShutdown
	}
	n.cancel(err)
}

func (n *Node) Pause() {
	n.paused.Store(true)
	n.nudge()
}

func (n *Node) Resume() {
	n.paused.Store(false)
	n.nudge()
}

func (n *Node) nudge() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *Node) loop() {
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in '%s': %v", n.Describe(), r)
		}
		n.finish(err)
	}()

	var cmd command
	select {
	case cmd = <-n.cmds:
	case <-n.ctx.Done():
		err = context.Cause(n.ctx)
		return
	}
	n.status.Store(uint32(StatusRunning))
	if cmd.source {
		err = n.runSource(cmd)
	} else {
		err = n.runStream(cmd)
	}
}

// link connects the instantiated operator to the rest of the chain.
func (n *Node) link(ctx context.Context, kind models.Kind, next []Handle) (Link, error) {
	switch kind {
	case models.KindNone:
		if len(next) > 0 {
			return nil, fmt.Errorf("%w by '%s', but has more operators (%d) afterwards", ErrClosedPipeline, n.Describe(), len(next))
		}
		return nil, nil
	case models.KindBytes, models.KindEvents:
		if len(next) == 0 {
			return nil, fmt.Errorf("%w after last operator '%s'", ErrOpenPipeline, n.Describe())
		}
		out, err := next[0].Attach(ctx, kind, next[1:])
		if err != nil {
			return nil, err
		}
		n.ctrl.demand = out.Credit
		return out, nil
	}
	return nil, fmt.Errorf("'%s' produced unknown kind %s", n.Describe(), kind)
}

func (n *Node) runSource(cmd command) error {
	inst, err := n.unit.Instantiate(operator.Input{Kind: models.KindNone}, n.ctrl)
	if err != nil {
		cmd.reply <- startReply{err: err}
		return err
	}
	n.inst = inst
	out, err := n.link(cmd.ctx, inst.Kind(), cmd.next)
	if err != nil {
		cmd.reply <- startReply{err: err}
		return err
	}
	src := newSource(inst, out, n.ctrl)
	cmd.reply <- startReply{}
	n.logger.Debug().Msgf("started source with %d downstream nodes", len(cmd.next))

	limiter := rate.NewLimiter(rate.Every(n.opts.idleBackoff), 1)
	for !src.Done() {
		if err := n.waitResumed(); err != nil {
			return err
		}
		demand := 1
		if out != nil {
			demand = max(1, out.Credit())
		}
		produced, err := src.Pull(n.ctx, demand)
		if err != nil {
			return err
		}
		if produced == 0 && !src.Done() {
			if err := limiter.Wait(n.ctx); err != nil {
				return err
			}
		}
	}
	return src.Finalize(n.ctx)
}

func (n *Node) runStream(cmd command) error {
	queue := bridge.New()
	inst, err := n.unit.Instantiate(operator.Input{Kind: cmd.kind, Seq: queue.Seq()}, n.ctrl)
	if err != nil {
		cmd.reply <- startReply{err: err}
		return err
	}
	n.inst = inst
	out, err := n.link(cmd.ctx, inst.Kind(), cmd.next)
	if err != nil {
		cmd.reply <- startReply{err: err}
		return err
	}
	var proc processor
	if out == nil {
		proc = newSink(inst, queue, n.ctrl)
	} else {
		proc = newStage(inst, queue, out, n.ctrl)
	}
	cmd.reply <- startReply{link: &inboxLink{n: n}}
	n.logger.Debug().Msgf("started %s input stage with %d downstream nodes", cmd.kind, len(cmd.next))

	for {
		if err := n.waitResumed(); err != nil {
			return err
		}
		select {
		case <-n.ctx.Done():
			return context.Cause(n.ctx)
		case <-n.wake:
		case msg := <-n.inbox:
			if msg.close {
				return proc.Finalize(n.ctx)
			}
			if err := proc.Process(n.ctx, msg.batch); err != nil {
				return err
			}
			if proc.Exhausted() {
				n.logger.Debug().Msg("operator finished before its input")
				return proc.Finalize(n.ctx)
			}
		}
	}
}

func (n *Node) waitResumed() error {
	for n.paused.Load() {
		select {
		case <-n.wake:
		case <-n.ctx.Done():
			return context.Cause(n.ctx)
		}
	}
	return context.Cause(n.ctx)
}

func (n *Node) finish(err error) {
	if cause := context.Cause(n.ctx); cause != nil {
		err = cause
	}
	if n.inst != nil {
		if closeErr := n.inst.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	term := classify(err)
	n.cancel(errShutdown)

	if term.Reason == Failed {
		n.status.Store(uint32(StatusFailed))
		n.logger.Warn().Err(term.Err).Msg("node failed")
	} else {
		n.status.Store(uint32(StatusCompleted))
		n.logger.Debug().Msgf("node terminated: %s", term)
	}

	n.mu.Lock()
	n.term = term
	n.finished = true
	watchers := n.watchers
	n.watchers = nil
	n.mu.Unlock()

	close(n.done)
	for _, w := range watchers {
		w <- term
	}
}

func classify(err error) Termination {
	switch {
	case err == nil, errors.Is(err, errShutdown):
		return Termination{Reason: Normal}
	case errors.Is(err, ErrUnreachable):
		return Termination{Reason: Unreachable, Err: err}
	}
	return Termination{Reason: Failed, Err: err}
}

func (n *Node) unreachable() error {
	term, _ := n.Termination()
	if term.Err != nil {
		return fmt.Errorf("%w: '%s': %w", ErrUnreachable, n.Describe(), term.Err)
	}
	return fmt.Errorf("%w: '%s'", ErrUnreachable, n.Describe())
}

// inboxLink pushes into a node's inbox.
type inboxLink struct {
	n *Node
}

func (l *inboxLink) Push(ctx context.Context, b models.Batch) error {
	select {
	case l.n.inbox <- message{batch: b}:
		return nil
	case <-l.n.done:
		return l.n.unreachable()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *inboxLink) Close(ctx context.Context) error {
	select {
	case l.n.inbox <- message{close: true}:
		return nil
	case <-l.n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *inboxLink) Credit() int {
	return cap(l.n.inbox) - len(l.n.inbox)
}
