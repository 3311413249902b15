// Package pipeline executes a linear operator pipeline across local and
// remote execution nodes and reports one aggregated result.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/node"
	"github.com/tarungka/telepipe/internal/operator"
)

var (
	// ErrAlreadyRunning is returned by the second Run of an executor.
	ErrAlreadyRunning = errors.New("pipeline executor was already started")

	// ErrConnect wraps a failure to reach the remote peer.
	ErrConnect = errors.New("failed to connect to remote peer")

	// ErrNoConnector is returned for remote operators without a connector.
	ErrNoConnector = errors.New("pipeline has remote operators but no remote peer is configured")
)

// Spawner creates execution nodes in this process.
type Spawner interface {
	Spawn(unit *operator.Unit, plane node.ControlPlane) node.Handle
}

// SpawnerFunc adapts a function to Spawner.
type SpawnerFunc func(unit *operator.Unit, plane node.ControlPlane) node.Handle

func (f SpawnerFunc) Spawn(unit *operator.Unit, plane node.ControlPlane) node.Handle {
	return f(unit, plane)
}

// LocalSpawner spawns in-process nodes with the given options.
func LocalSpawner(opts ...node.Option) Spawner {
	return SpawnerFunc(func(unit *operator.Unit, plane node.ControlPlane) node.Handle {
		return node.Spawn(unit, plane, opts...)
	})
}

// Peer spawns sub-pipelines on a remote host.
type Peer interface {
	Spawn(ctx context.Context, specs []operator.Spec) ([]node.Handle, error)
}

// Connector establishes the connection to the remote peer.
type Connector interface {
	Connect(ctx context.Context) (Peer, error)
}

type options struct {
	spawner     Spawner
	connector   Connector
	logger      zerolog.Logger
	diagnostics node.Diagnostics
	name        string
}

type Option func(*options)

func WithSpawner(s Spawner) Option {
	return func(o *options) { o.spawner = s }
}

func WithConnector(c Connector) Option {
	return func(o *options) { o.connector = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithDiagnostics forwards every operator diagnostic to d as well.
func WithDiagnostics(d node.Diagnostics) Option {
	return func(o *options) { o.diagnostics = d }
}

func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// NodeInfo describes one node of a run.
type NodeInfo struct {
	ID       string `json:"id"`
	Operator string `json:"operator"`
	Remote   bool   `json:"remote"`
}

type event interface{}

type spawnResult struct {
	slot     int
	expected int
	handles  []node.Handle
	err      error
}

type downEvent struct {
	handle node.Handle
	term   node.Termination
}

type runResult struct {
	err error
}

// Executor runs one pipeline. It is not reusable.
type Executor struct {
	id       string
	pipeline operator.Pipeline
	opts     options
	logger   zerolog.Logger

	metrics     *ExecutorMetrics
	diagnostics *DiagnosticsCollector
	schemas     *operator.Schemas
	completion  *Completion

	started atomic.Bool
	events  chan event
	quit    chan struct{}

	// owned by the event loop
	hosts            [][]node.Handle
	nodesAlive       int
	remoteSpawnCount int
	launched         bool
	peer             Peer

	mu    sync.RWMutex
	nodes []NodeInfo
	all   []node.Handle
}

// New prepares an executor for p.
func New(p operator.Pipeline, opts ...Option) *Executor {
	o := options{
		spawner: LocalSpawner(),
		logger:  logger.Component("executor"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	if o.name == "" {
		o.name = id.String()
	}
	e := &Executor{
		id:         id.String(),
		pipeline:   p,
		opts:       o,
		logger:     o.logger.With().Str("run", id.String()).Logger(),
		metrics:    NewExecutorMetrics(o.name),
		schemas:    operator.NewSchemas(),
		completion: newCompletion(),
		events:     make(chan event, 16),
		quit:       make(chan struct{}),
	}
	e.diagnostics = newDiagnosticsCollector(e.logger, e.metrics, o.diagnostics)
	return e
}

func (e *Executor) ID() string {
	return e.id
}

// Run starts the pipeline. The returned Completion resolves exactly once.
func (e *Executor) Run(ctx context.Context) (*Completion, error) {
	if !e.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyRunning
	}
	e.metrics.MarkStarted()
	go e.loop(ctx)
	return e.completion, nil
}

// RunPipeline runs p and calls done exactly once with the outcome.
func RunPipeline(ctx context.Context, p operator.Pipeline, done func(error), opts ...Option) *Executor {
	e := New(p, opts...)
	c, _ := e.Run(ctx)
	go func() {
		<-c.Done()
		done(c.Err())
	}()
	return e
}

func (e *Executor) Completion() *Completion {
	return e.completion
}

func (e *Executor) Metrics() *ExecutorMetrics {
	return e.metrics
}

func (e *Executor) Diagnostics() []node.Diagnostic {
	return e.diagnostics.All()
}

func (e *Executor) Schemas() *operator.Schemas {
	return e.schemas
}

// Nodes describes every node spawned so far, in pipeline order once
// spawning is complete.
func (e *Executor) Nodes() []NodeInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]NodeInfo(nil), e.nodes...)
}

// Pause asks every node to stop pulling until Resume.
func (e *Executor) Pause() {
	for _, h := range e.handles() {
		h.Pause()
	}
}

func (e *Executor) Resume() {
	for _, h := range e.handles() {
		h.Resume()
	}
}

// Stop exits every node with err. A nil err is a normal shutdown.
func (e *Executor) Stop(err error) {
	for _, h := range e.handles() {
		h.Exit(err)
	}
}

func (e *Executor) handles() []node.Handle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]node.Handle(nil), e.all...)
}

func (e *Executor) loop(ctx context.Context) {
	defer close(e.quit)
	defer e.metrics.MarkFinished()

	if len(e.pipeline) == 0 {
		e.logger.Debug().Msg("pipeline is empty, nothing to spawn")
		e.completion.resolve(nil)
		return
	}
	if err := e.pipeline.Check(); err != nil {
		e.fail(err)
		return
	}

	groups := Partition(e.pipeline)
	if hasRemote(groups) {
		if err := e.connect(ctx); err != nil {
			e.fail(err)
			return
		}
	}
	if err := e.spawn(ctx, groups); err != nil {
		e.fail(err)
	}
	e.continueIfDoneSpawning(ctx)

	ctxDone := ctx.Done()
	for !e.finished() {
		select {
		case ev := <-e.events:
			e.handle(ctx, ev)
		case <-ctxDone:
			ctxDone = nil
			e.fail(context.Cause(ctx))
		}
	}
	e.logger.Debug().Msgf("pipeline executor finished: %v", e.completion.Err())
}

// finished reports whether nothing can change the executor state anymore.
func (e *Executor) finished() bool {
	if e.remoteSpawnCount > 0 || e.nodesAlive > 0 {
		return false
	}
	return e.completion.Resolved()
}

func (e *Executor) connect(ctx context.Context) error {
	if e.opts.connector == nil {
		return ErrNoConnector
	}
	peer, err := e.opts.connector.Connect(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrConnect, err)
	}
	e.peer = peer
	return nil
}

// spawn creates the local nodes of every local group right away and issues
// one asynchronous spawn request per remote group. Each group reserves its
// slot in hosts so the chain keeps the pipeline order.
func (e *Executor) spawn(ctx context.Context, groups []HostGroup) error {
	// everything sent to the peer must be transmissible before anything runs
	specs := make([][]operator.Spec, len(groups))
	for i, g := range groups {
		if !g.Remote {
			continue
		}
		s, err := g.Units.Specs()
		if err != nil {
			return err
		}
		specs[i] = s
	}

	plane := node.ControlPlane{
		Logger:      e.logger,
		Diagnostics: e.diagnostics,
		Schemas:     e.schemas,
	}
	e.hosts = make([][]node.Handle, len(groups))
	for i, g := range groups {
		if g.Remote {
			e.remoteSpawnCount++
			go e.spawnRemote(ctx, i, specs[i])
			continue
		}
		for _, u := range g.Units {
			h := e.opts.spawner.Spawn(u, plane)
			e.hosts[i] = append(e.hosts[i], h)
			e.track(h, false)
			e.nodesAlive++
			e.metrics.IncrementLocalNodes()
		}
	}
	e.logger.Debug().Msgf("spawned %d local nodes, waiting for %d remote groups", e.nodesAlive, e.remoteSpawnCount)
	return nil
}

func (e *Executor) spawnRemote(ctx context.Context, slot int, specs []operator.Spec) {
	handles, err := e.peer.Spawn(ctx, specs)
	e.post(spawnResult{slot: slot, expected: len(specs), handles: handles, err: err})
}

func (e *Executor) track(h node.Handle, remote bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.all = append(e.all, h)
	e.nodes = append(e.nodes, NodeInfo{ID: h.ID(), Operator: h.Describe(), Remote: remote})

	ch := h.Monitor()
	go func() {
		select {
		case term := <-ch:
			e.post(downEvent{handle: h, term: term})
		case <-e.quit:
		}
	}()
}

func (e *Executor) post(ev event) {
	select {
	case e.events <- ev:
	case <-e.quit:
	}
}

func (e *Executor) handle(ctx context.Context, ev event) {
	switch ev := ev.(type) {
	case spawnResult:
		e.handleSpawn(ctx, ev)
	case downEvent:
		e.handleDown(ev)
	case runResult:
		if ev.err != nil {
			e.fail(ev.err)
		}
	}
}

func (e *Executor) handleSpawn(ctx context.Context, res spawnResult) {
	e.remoteSpawnCount--
	if res.err != nil {
		e.fail(fmt.Errorf("failed to spawn remote operators: %w", res.err))
		return
	}
	e.metrics.IncrementRemoteNodes(len(res.handles))
	if len(res.handles) != res.expected {
		e.metrics.IncrementSpawnMismatches()
		e.logger.Warn().Msgf("remote peer spawned %d nodes for %d operators", len(res.handles), res.expected)
	}
	e.hosts[res.slot] = res.handles
	for _, h := range res.handles {
		e.track(h, true)
		e.nodesAlive++
		if e.completion.Resolved() {
			h.Exit(e.completion.Err())
		}
	}
	e.continueIfDoneSpawning(ctx)
}

func (e *Executor) continueIfDoneSpawning(ctx context.Context) {
	if e.remoteSpawnCount > 0 || e.launched || e.completion.Resolved() {
		return
	}
	e.launched = true

	var chain []node.Handle
	for _, hosts := range e.hosts {
		chain = append(chain, hosts...)
	}
	if len(chain) == 0 {
		e.completion.resolve(nil)
		return
	}
	e.logger.Debug().Msgf("running pipeline with %d nodes", len(chain))
	go func() {
		e.post(runResult{err: chain[0].Run(ctx, chain[1:])})
	}()
}

func (e *Executor) handleDown(ev downEvent) {
	e.nodesAlive--
	e.metrics.RecordExit(ev.term.Benign())
	switch {
	case !ev.term.Benign():
		e.fail(fmt.Errorf("node '%s' failed: %w", ev.handle.Describe(), ev.term.Err))
	case e.nodesAlive == 0 && e.remoteSpawnCount == 0:
		if e.completion.resolve(nil) {
			e.logger.Info().Msg("pipeline completed")
		}
	default:
		e.logger.Trace().Msgf("node '%s' terminated: %s, %d alive", ev.handle.Describe(), ev.term, e.nodesAlive)
	}
}

// fail resolves the run with err unless it already resolved and tears down
// whatever is still running.
func (e *Executor) fail(err error) {
	if !e.completion.resolve(err) {
		return
	}
	e.logger.Warn().Err(err).Msg("pipeline failed")
	for _, hosts := range e.hosts {
		for _, h := range hosts {
			h.Exit(err)
		}
	}
}
