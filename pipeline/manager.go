// Package pipeline manages named pipeline runs: it builds them from
// configuration or definitions, hands them to the executor and records their
// outcome in the run ledger.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/ledger"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/node"
	"github.com/tarungka/telepipe/internal/operator"
	executor "github.com/tarungka/telepipe/internal/pipeline"
)

var (
	// ErrStopped is the outcome of a run stopped through the manager.
	ErrStopped = errors.New("pipeline stopped")

	ErrRunNotFound = errors.New("pipeline run not found")

	// ErrShutdown is returned by Start after Shutdown.
	ErrShutdown = errors.New("pipeline manager is shut down")
)

type run struct {
	name       string
	definition string
	specs      []operator.Spec
	startedAt  time.Time
	exec       *executor.Executor
	completion *executor.Completion
	cancel     context.CancelCauseFunc
	stopped    atomic.Bool
	finished   chan struct{}
}

// outcome is the run error. Whatever a stopped run fails with while tearing
// down is reported as ErrStopped.
func (r *run) outcome() error {
	err := r.completion.Err()
	if err != nil && r.stopped.Load() {
		return ErrStopped
	}
	return err
}

// RunInfo is the externally visible state of one run.
type RunInfo struct {
	ID         string                  `json:"id"`
	Pipeline   string                  `json:"pipeline"`
	Definition string                  `json:"definition"`
	Status     ledger.Status           `json:"status"`
	Error      string                  `json:"error,omitempty"`
	StartedAt  time.Time               `json:"started_at"`
	Stats      *executor.ExecutorStats `json:"stats,omitempty"`
	Nodes      []executor.NodeInfo     `json:"nodes,omitempty"`
}

type ManagerOption func(*Manager)

// WithConnector lets runs place remote operators on a peer.
func WithConnector(c executor.Connector) ManagerOption {
	return func(m *Manager) { m.connector = c }
}

// WithLedger records every run in l.
func WithLedger(l *ledger.Ledger) ManagerOption {
	return func(m *Manager) { m.ledger = l }
}

func WithManagerLogger(l zerolog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithNodeOptions applies opts to every locally spawned node.
func WithNodeOptions(opts ...node.Option) ManagerOption {
	return func(m *Manager) { m.nodeOpts = opts }
}

// Manager owns the runs of this process.
type Manager struct {
	factory   *operator.Factory
	connector executor.Connector
	ledger    *ledger.Ledger
	logger    zerolog.Logger
	nodeOpts  []node.Option

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu   sync.RWMutex
	runs map[string]*run
	wg   sync.WaitGroup
}

func NewManager(factory *operator.Factory, opts ...ManagerOption) *Manager {
	m := &Manager{
		factory: factory,
		logger:  logger.Component("manager"),
		runs:    make(map[string]*run),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.ctx, m.cancel = context.WithCancelCause(context.Background())
	return m
}

// Factory returns the operator factory runs are built from.
func (m *Manager) Factory() *operator.Factory {
	return m.factory
}

// StartConfig starts the pipeline described by c.
func (m *Manager) StartConfig(c PipelineConfig) (RunInfo, error) {
	if err := c.Validate(); err != nil {
		return RunInfo{}, err
	}
	specs, err := c.Specs()
	if err != nil {
		return RunInfo{}, err
	}
	return m.Start(c.Name, specs)
}

// Start builds and launches a run. The run outlives the caller; it ends on
// its own, through Stop, or on Shutdown.
func (m *Manager) Start(name string, specs []operator.Spec) (RunInfo, error) {
	if m.ctx.Err() != nil {
		return RunInfo{}, ErrShutdown
	}
	p, err := m.factory.FromSpecs(specs)
	if err != nil {
		return RunInfo{}, err
	}
	if err := p.Check(); err != nil {
		return RunInfo{}, err
	}

	opts := []executor.Option{
		executor.WithName(name),
		executor.WithLogger(m.logger.With().Str("pipeline", name).Logger()),
		executor.WithSpawner(executor.LocalSpawner(m.nodeOpts...)),
	}
	if m.connector != nil {
		opts = append(opts, executor.WithConnector(m.connector))
	}
	e := executor.New(p, opts...)

	r := &run{
		name:       name,
		definition: FormatDefinition(specs),
		specs:      specs,
		startedAt:  time.Now().UTC(),
		exec:       e,
		finished:   make(chan struct{}),
	}
	if m.ledger != nil {
		err := m.ledger.Begin(ledger.Run{
			ID:        e.ID(),
			Pipeline:  name,
			Operators: specs,
			Status:    ledger.StatusRunning,
			StartedAt: r.startedAt,
		})
		if err != nil {
			return RunInfo{}, fmt.Errorf("failed to record run: %w", err)
		}
	}

	ctx, cancel := context.WithCancelCause(m.ctx)
	r.cancel = cancel
	c, err := e.Run(ctx)
	if err != nil {
		cancel(err)
		return RunInfo{}, err
	}
	r.completion = c

	m.mu.Lock()
	m.runs[e.ID()] = r
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(r)

	m.logger.Info().Str("run", e.ID()).Msgf("started pipeline '%s': %s", name, r.definition)
	return m.info(e.ID(), r), nil
}

func (m *Manager) watch(r *run) {
	defer m.wg.Done()
	defer close(r.finished)
	<-r.completion.Done()
	err := r.outcome()
	r.cancel(nil)

	status := statusOf(err)
	m.logger.Info().Str("run", r.exec.ID()).Str("status", string(status)).Err(err).
		Msgf("pipeline '%s' finished", r.name)
	if m.ledger == nil {
		return
	}
	if ferr := m.ledger.Finish(r.exec.ID(), status, err, r.exec.Metrics().GetStats()); ferr != nil {
		m.logger.Error().Err(ferr).Msg("failed to record run outcome")
	}
}

func statusOf(err error) ledger.Status {
	switch {
	case err == nil:
		return ledger.StatusSucceeded
	case errors.Is(err, ErrStopped):
		return ledger.StatusStopped
	default:
		return ledger.StatusFailed
	}
}

func (m *Manager) lookup(id string) (*run, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	return r, ok
}

func (m *Manager) info(id string, r *run) RunInfo {
	stats := r.exec.Metrics().GetStats()
	info := RunInfo{
		ID:         id,
		Pipeline:   r.name,
		Definition: r.definition,
		Status:     ledger.StatusRunning,
		StartedAt:  r.startedAt,
		Stats:      &stats,
		Nodes:      r.exec.Nodes(),
	}
	if r.completion.Resolved() {
		err := r.outcome()
		info.Status = statusOf(err)
		if err != nil {
			info.Error = err.Error()
		}
	}
	return info
}

func fromLedger(lr *ledger.Run) RunInfo {
	return RunInfo{
		ID:         lr.ID,
		Pipeline:   lr.Pipeline,
		Definition: FormatDefinition(lr.Operators),
		Status:     lr.Status,
		Error:      lr.Error,
		StartedAt:  lr.StartedAt,
	}
}

// Get returns a run of this process, or a recorded run of an earlier one.
func (m *Manager) Get(id string) (RunInfo, error) {
	if r, ok := m.lookup(id); ok {
		return m.info(id, r), nil
	}
	if m.ledger != nil {
		lr, err := m.ledger.Get(id)
		if err == nil {
			return fromLedger(lr), nil
		}
		if !errors.Is(err, ledger.ErrNotFound) {
			return RunInfo{}, err
		}
	}
	return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
}

// List returns every known run, most recent first.
func (m *Manager) List() ([]RunInfo, error) {
	m.mu.RLock()
	infos := make([]RunInfo, 0, len(m.runs))
	for id, r := range m.runs {
		infos = append(infos, m.info(id, r))
	}
	m.mu.RUnlock()

	if m.ledger != nil {
		recorded, err := m.ledger.List()
		if err != nil {
			return nil, err
		}
		for _, lr := range recorded {
			if _, ok := m.lookup(lr.ID); !ok {
				infos = append(infos, fromLedger(lr))
			}
		}
	}
	sort.SliceStable(infos, func(i, j int) bool {
		return infos[i].StartedAt.After(infos[j].StartedAt)
	})
	return infos, nil
}

func (m *Manager) Pause(id string) error {
	r, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	r.exec.Pause()
	return nil
}

func (m *Manager) Resume(id string) error {
	r, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	r.exec.Resume()
	return nil
}

// Stop ends a run with ErrStopped. Stopping a finished run is a no-op.
func (m *Manager) Stop(id string) error {
	r, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if !r.completion.Resolved() {
		r.stopped.Store(true)
	}
	r.cancel(ErrStopped)
	return nil
}

// Wait blocks until the run is finished and recorded, or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (RunInfo, error) {
	r, ok := m.lookup(id)
	if !ok {
		return RunInfo{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	select {
	case <-r.finished:
		return m.info(id, r), nil
	case <-ctx.Done():
		return RunInfo{}, ctx.Err()
	}
}

// Shutdown stops every active run and waits until they are recorded.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.RLock()
	for _, r := range m.runs {
		if !r.completion.Resolved() {
			r.stopped.Store(true)
		}
	}
	m.mu.RUnlock()
	m.cancel(ErrStopped)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
