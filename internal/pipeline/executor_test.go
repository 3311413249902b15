package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/node"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/tarungka/telepipe/internal/operator/optest"
)

// countingSpawner spawns real nodes and counts them.
type countingSpawner struct {
	count atomic.Int32
	opts  []node.Option
}

func (s *countingSpawner) Spawn(unit *operator.Unit, plane node.ControlPlane) node.Handle {
	s.count.Add(1)
	return node.Spawn(unit, plane, s.opts...)
}

type failingConnector struct {
	calls atomic.Int32
}

func (c *failingConnector) Connect(ctx context.Context) (Peer, error) {
	c.calls.Add(1)
	return nil, errors.New("connection refused")
}

// loopbackPeer builds the requested operators in this process, the way a
// remote peer would.
type loopbackPeer struct {
	factory *operator.Factory
	specs   [][]operator.Spec
	mu      sync.Mutex
}

func (p *loopbackPeer) Connect(ctx context.Context) (Peer, error) {
	return p, nil
}

func (p *loopbackPeer) Spawn(ctx context.Context, specs []operator.Spec) ([]node.Handle, error) {
	p.mu.Lock()
	p.specs = append(p.specs, specs)
	p.mu.Unlock()
	units, err := p.factory.FromSpecs(specs)
	if err != nil {
		return nil, err
	}
	var handles []node.Handle
	for _, u := range units {
		handles = append(handles, node.Spawn(u, node.ControlPlane{Logger: zerolog.Nop()}))
	}
	return handles, nil
}

// stubHandle is a handle that never does anything.
type stubHandle struct {
	name   string
	exited atomic.Bool
}

func (h *stubHandle) ID() string       { return h.name }
func (h *stubHandle) Describe() string { return h.name }
func (h *stubHandle) Run(ctx context.Context, next []node.Handle) error {
	return nil
}
func (h *stubHandle) Attach(ctx context.Context, kind models.Kind, next []node.Handle) (node.Link, error) {
	return nil, nil
}
func (h *stubHandle) Monitor() <-chan node.Termination { return make(chan node.Termination) }
func (h *stubHandle) Exit(err error)                   { h.exited.Store(true) }
func (h *stubHandle) Pause()                           {}
func (h *stubHandle) Resume()                          {}

func pipelineOf(ops ...operator.Operator) operator.Pipeline {
	var p operator.Pipeline
	for _, op := range ops {
		p = append(p, operator.New(op))
	}
	return p
}

func wait(t *testing.T, c *Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		t.Fatal("pipeline did not complete")
	}
	return nil
}

func quiet() Option {
	return WithLogger(zerolog.Nop())
}

func TestExecutor_EmptyPipeline(t *testing.T) {
	spawner := &countingSpawner{}
	c, err := New(nil, WithSpawner(spawner), quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.NoError(t, wait(t, c))
	assert.Equal(t, int32(0), spawner.count.Load())
}

func TestExecutor_RunTwice(t *testing.T) {
	e := New(nil, quiet())
	_, err := e.Run(context.Background())
	require.NoError(t, err)
	_, err = e.Run(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestExecutor_SpawnsOneNodePerLocalUnit(t *testing.T) {
	for _, n := range []int{1, 2, 5} {
		ops := []operator.Operator{&optest.Values{Loc: models.Local}}
		for i := 1; i < n-1; i++ {
			ops = append(ops, &optest.Scale{Factor: 1})
		}
		if n > 1 {
			ops = append(ops, &optest.Collect{Loc: models.Local})
		}
		spawner := &countingSpawner{}
		e := New(pipelineOf(ops...), WithSpawner(spawner), quiet())

		require.NoError(t, e.spawn(context.Background(), Partition(e.pipeline)))
		assert.Equal(t, n, e.nodesAlive)
		assert.Equal(t, int32(n), spawner.count.Load())
		assert.Len(t, e.Nodes(), n)
		e.Stop(nil)
	}
}

func TestExecutor_EndToEnd(t *testing.T) {
	sink := &optest.Collect{Delay: 5 * time.Millisecond}
	p := pipelineOf(
		&optest.Values{Vals: []int{1, 2, 3}},
		&optest.Scale{Factor: 2},
		sink,
	)
	spawner := &countingSpawner{opts: []node.Option{node.WithCredit(1)}}

	var calls atomic.Int32
	done := make(chan error, 1)
	RunPipeline(context.Background(), p, func(err error) {
		calls.Add(1)
		done <- err
	}, WithSpawner(spawner), quiet())

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not complete")
	}
	assert.Equal(t, []int{2, 4, 6}, sink.Values())
	assert.Equal(t, int32(3), spawner.count.Load())
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestExecutor_ConnectFailure(t *testing.T) {
	spawner := &countingSpawner{}
	connector := &failingConnector{}
	p := pipelineOf(&optest.Values{Loc: models.Remote}, &optest.Collect{Loc: models.Remote})

	c, err := New(p, WithSpawner(spawner), WithConnector(connector), quiet()).Run(context.Background())
	require.NoError(t, err)
	err = wait(t, c)
	assert.ErrorIs(t, err, ErrConnect)
	assert.Equal(t, int32(1), connector.calls.Load())
	assert.Equal(t, int32(0), spawner.count.Load())
}

func TestExecutor_NoConnector(t *testing.T) {
	p := pipelineOf(&optest.Values{Loc: models.Remote}, &optest.Collect{})
	c, err := New(p, quiet()).Run(context.Background())
	require.NoError(t, err)
	assert.ErrorIs(t, wait(t, c), ErrNoConnector)
}

func TestExecutor_TypeClash(t *testing.T) {
	spawner := &countingSpawner{}
	sink := &optest.Collect{}
	p := pipelineOf(&optest.Chunks{Data: []string{"a"}}, &optest.Scale{Factor: 2}, sink)

	c, err := New(p, WithSpawner(spawner), quiet()).Run(context.Background())
	require.NoError(t, err)
	err = wait(t, c)

	var clash *operator.TypeClashError
	require.True(t, errors.As(err, &clash))
	assert.Equal(t, "scale", clash.Operator)
	assert.Equal(t, models.KindBytes, clash.Input)
	assert.Equal(t, int32(0), spawner.count.Load())
	assert.Empty(t, sink.Values())
}

func TestExecutor_NodeFailure(t *testing.T) {
	p := pipelineOf(&optest.Values{Vals: []int{1, 2}}, &optest.Fail{}, &optest.Collect{})
	e := New(p, quiet())
	c, err := e.Run(context.Background())
	require.NoError(t, err)

	err = wait(t, c)
	assert.ErrorIs(t, err, optest.ErrBoom)
	assert.Contains(t, err.Error(), "fail")
	assert.NotEmpty(t, e.Diagnostics())

	// the executor tears down the rest of the chain
	require.Eventually(t, func() bool {
		return e.Metrics().GetStats().BenignExits+e.Metrics().GetStats().FailedExits == 3
	}, 5*time.Second, 10*time.Millisecond)
}

func TestExecutor_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := pipelineOf(&optest.Idle{}, &optest.Collect{})
	c, err := New(p, quiet()).Run(ctx)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	cancel()
	assert.ErrorIs(t, wait(t, c), context.Canceled)
}

func TestExecutor_RemoteSegments(t *testing.T) {
	factory := operator.NewFactory()
	optest.Register(factory)
	peer := &loopbackPeer{factory: factory}

	p, err := factory.FromSpecs([]operator.Spec{
		{Name: "values", Location: "local", Args: map[string]string{"values": "1,2,3"}},
		{Name: "scale", Location: "remote", Args: map[string]string{"factor": "10"}},
		{Name: "scale", Args: map[string]string{"factor": "2"}},
		{Name: "scale", Location: "local", Args: map[string]string{"factor": "1"}},
		{Name: "collect", Location: "remote", Args: map[string]string{"name": "executor-remote"}},
	})
	require.NoError(t, err)

	e := New(p, WithConnector(peer), quiet())
	c, err := e.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, wait(t, c))

	assert.Equal(t, []int{20, 40, 60}, optest.Collector("executor-remote").Values())
	peer.mu.Lock()
	var sizes []int
	for _, specs := range peer.specs {
		sizes = append(sizes, len(specs))
	}
	peer.mu.Unlock()
	assert.ElementsMatch(t, []int{2, 1}, sizes)

	stats := e.Metrics().GetStats()
	assert.Equal(t, uint64(2), stats.LocalNodes)
	assert.Equal(t, uint64(3), stats.RemoteNodes)

	nodes := e.Nodes()
	require.Len(t, nodes, 5)
}

func TestExecutor_SpawnCountMismatchIsOnlyLogged(t *testing.T) {
	e := New(nil, quiet())
	e.hosts = make([][]node.Handle, 1)
	e.remoteSpawnCount = 1
	e.launched = true

	h := &stubHandle{name: "only"}
	e.handleSpawn(context.Background(), spawnResult{slot: 0, expected: 2, handles: []node.Handle{h}})
	assert.False(t, e.completion.Resolved())
	assert.Equal(t, 1, e.nodesAlive)
	assert.Equal(t, uint64(1), e.metrics.GetStats().SpawnMismatches)
	close(e.quit)
}

func TestExecutor_ResultIsFirstWriterWins(t *testing.T) {
	e := New(nil, quiet())
	a, b := &stubHandle{name: "a"}, &stubHandle{name: "b"}
	e.hosts = [][]node.Handle{{a, b}}
	e.nodesAlive = 2

	e.handleDown(downEvent{handle: a, term: node.Termination{Reason: node.Normal}})
	assert.False(t, e.completion.Resolved())

	e.handleDown(downEvent{handle: b, term: node.Termination{Reason: node.Unreachable, Err: node.ErrUnreachable}})
	require.True(t, e.completion.Resolved())
	assert.NoError(t, e.completion.Err())

	// late terminations do not change the outcome
	e.handleDown(downEvent{handle: b, term: node.Termination{Reason: node.Unreachable, Err: node.ErrUnreachable}})
	e.handleDown(downEvent{handle: a, term: node.Termination{Reason: node.Failed, Err: errors.New("late")}})
	assert.NoError(t, e.completion.Err())
	assert.False(t, a.exited.Load())
}

// firstOnly passes on the first event it sees and then stops consuming.
type firstOnly struct{}

func (f *firstOnly) Name() string              { return "first_only" }
func (f *firstOnly) Location() models.Location { return models.Anywhere }

func (f *firstOnly) Infer(input models.Kind) (models.Kind, error) {
	return operator.Accept(input, models.KindEvents, models.KindEvents)
}

func (f *firstOnly) Instantiate(in operator.Input, ctrl operator.Control) (operator.Output, error) {
	seq := func(yield func(models.Batch) bool) {
		for b := range in.Seq {
			if models.IsIdle(b) {
				if !yield(nil) {
					return
				}
				continue
			}
			yield(b.(models.Events)[:1])
			return
		}
	}
	return operator.Output{Kind: models.KindEvents, Seq: seq}, nil
}

func TestExecutor_UnreachableSourceAfterEarlyExit(t *testing.T) {
	vals := make([]int, 10000)
	for i := range vals {
		vals[i] = i
	}
	collect := &optest.Collect{}
	e := New(pipelineOf(&optest.Values{Vals: vals}, &firstOnly{}, collect), quiet())
	c, err := e.Run(context.Background())
	require.NoError(t, err)

	require.NoError(t, wait(t, c))
	assert.Equal(t, []int{0}, collect.Values())

	require.Eventually(t, func() bool {
		stats := e.Metrics().GetStats()
		return stats.BenignExits == 3
	}, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, e.Metrics().GetStats().FailedExits)
}

func TestCompletion_Idempotent(t *testing.T) {
	first := errors.New("first")

	c := newCompletion()
	assert.Nil(t, c.Err())
	assert.True(t, c.resolve(first))
	assert.False(t, c.resolve(nil))
	assert.False(t, c.resolve(errors.New("second")))
	assert.Equal(t, first, c.Err())
	assert.Equal(t, first, c.Wait(context.Background()))

	ok := newCompletion()
	assert.True(t, ok.resolve(nil))
	assert.False(t, ok.resolve(first))
	assert.NoError(t, ok.Err())
}

func TestPartition(t *testing.T) {
	unit := func(loc models.Location) *operator.Unit {
		return operator.New(&optest.Scale{Loc: loc})
	}
	L, R, A := models.Local, models.Remote, models.Anywhere

	tests := []struct {
		name   string
		locs   []models.Location
		groups []bool
		sizes  []int
	}{
		{name: "all local", locs: []models.Location{L, A, L}, groups: []bool{false}, sizes: []int{3}},
		{name: "anywhere first", locs: []models.Location{A, R}, groups: []bool{false, true}, sizes: []int{1, 1}},
		{name: "anywhere joins remote", locs: []models.Location{L, R, A, L}, groups: []bool{false, true, false}, sizes: []int{1, 2, 1}},
		{name: "alternating", locs: []models.Location{R, L, R}, groups: []bool{true, false, true}, sizes: []int{1, 1, 1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p operator.Pipeline
			for _, l := range tt.locs {
				p = append(p, unit(l))
			}
			groups := Partition(p)
			require.Len(t, groups, len(tt.groups))
			for i, g := range groups {
				assert.Equal(t, tt.groups[i], g.Remote)
				assert.Len(t, g.Units, tt.sizes[i])
			}
		})
	}
	assert.Empty(t, Partition(nil))
}
