// Package remote lets an executor spawn parts of a pipeline on another
// process and drive them like local nodes.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/node"
	"github.com/tarungka/telepipe/internal/operator"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	// DefaultClaimTimeout is how long spawned nodes wait for a session.
	DefaultClaimTimeout = 30 * time.Second

	// window is the credit a remote link advertises.
	window = 4
)

var (
	ErrSessionClosed = errors.New("remote session closed")
	ErrPeerLost      = errors.New("lost connection to remote peer")
)

type ServerOption func(*Server)

func WithFactory(f *operator.Factory) ServerOption {
	return func(s *Server) { s.factory = f }
}

func WithServerLogger(l zerolog.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

func WithNodeOptions(opts ...node.Option) ServerOption {
	return func(s *Server) { s.nodeOpts = opts }
}

func WithClaimTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.claimTimeout = d }
}

type spawned struct {
	node  *node.Node
	timer *time.Timer
}

// Server hosts nodes on behalf of remote executors.
type Server struct {
	factory      *operator.Factory
	logger       zerolog.Logger
	nodeOpts     []node.Option
	claimTimeout time.Duration
	schemas      *operator.Schemas
	live         atomic.Int64

	mu        sync.Mutex
	unclaimed map[string]*spawned
}

var _ PeerServer = (*Server)(nil)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		factory:      operator.Default(),
		logger:       logger.Component("peer"),
		claimTimeout: DefaultClaimTimeout,
		schemas:      operator.NewSchemas(),
		unclaimed:    make(map[string]*spawned),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve runs a gRPC server for s on lis until ctx is done.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	g := grpc.NewServer(grpc.ForceServerCodec(Codec{}))
	RegisterPeerServer(g, s)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		s.logger.Info().Msgf("remote peer listening on %s", lis.Addr())
		return g.Serve(lis)
	})
	eg.Go(func() error {
		<-ctx.Done()
		g.GracefulStop()
		return nil
	})
	err := eg.Wait()
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

func (s *Server) Ping(ctx context.Context, req *PingRequest) (*PingResponse, error) {
	return &PingResponse{Operators: s.factory.Names(), Nodes: int(s.live.Load())}, nil
}

// Spawn builds one node per requested operator. The nodes stay idle until a
// session claims them.
func (s *Server) Spawn(ctx context.Context, req *SpawnRequest) (*SpawnResponse, error) {
	units, err := s.factory.FromSpecs(req.Operators)
	if err != nil {
		if errors.Is(err, operator.ErrUnknownOperator) {
			return nil, status.Error(codes.NotFound, err.Error())
		}
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	plane := node.ControlPlane{Logger: s.logger, Schemas: s.schemas}
	resp := &SpawnResponse{}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range units {
		n := node.Spawn(u, plane, s.nodeOpts...)
		s.live.Add(1)
		go func() {
			<-n.Done()
			s.live.Add(-1)
		}()
		id := n.ID()
		s.unclaimed[id] = &spawned{
			node: n,
			timer: time.AfterFunc(s.claimTimeout, func() {
				if s.take(id) != nil {
					s.logger.Warn().Msgf("node %s was never claimed", id)
					n.Exit(ErrSessionClosed)
				}
			}),
		}
		resp.Nodes = append(resp.Nodes, id)
	}
	s.logger.Debug().Msgf("spawned %d nodes", len(resp.Nodes))
	return resp, nil
}

func (s *Server) take(id string) *node.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	sp, ok := s.unclaimed[id]
	if !ok {
		return nil
	}
	delete(s.unclaimed, id)
	sp.timer.Stop()
	return sp.node
}

func (s *Server) claim(ids []string) (map[string]*node.Node, error) {
	nodes := make(map[string]*node.Node, len(ids))
	for _, id := range ids {
		n := s.take(id)
		if n == nil {
			for _, claimed := range nodes {
				claimed.Exit(ErrSessionClosed)
			}
			return nil, fmt.Errorf("unknown or already claimed node %s", id)
		}
		nodes[id] = n
	}
	return nodes, nil
}

// Session drives the nodes of one remote segment until all of them
// terminated or the client went away.
func (s *Server) Session(stream grpc.ServerStream) error {
	var open Frame
	if err := stream.RecvMsg(&open); err != nil {
		return err
	}
	if open.Type != FrameOpen {
		return status.Error(codes.InvalidArgument, "session must start with an open frame")
	}
	nodes, err := s.claim(open.Nodes)
	if err != nil {
		return status.Error(codes.NotFound, err.Error())
	}

	sess := &serverSession{
		stream:  stream,
		ctx:     stream.Context(),
		logger:  s.logger.With().Int("session_nodes", len(nodes)).Logger(),
		nodes:   nodes,
		links:   make(map[string]node.Link),
		pending: make(map[uint64]chan *Frame),
	}

	var wg sync.WaitGroup
	for id, n := range nodes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			term := <-n.Monitor()
			sess.send(&Frame{Type: FrameDown, Node: id, Reason: uint8(term.Reason), Error: encodeError(term.Err)})
		}()
	}
	allDown := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDown)
	}()
	recvDone := make(chan error, 1)
	go func() {
		recvDone <- sess.recvLoop()
	}()

	select {
	case <-allDown:
		return nil
	case err := <-recvDone:
		if !errors.Is(err, io.EOF) {
			sess.logger.Warn().Err(err).Msg("session stream failed")
		}
		for _, n := range nodes {
			n.Exit(ErrSessionClosed)
		}
		<-allDown
		return nil
	}
}

type serverSession struct {
	stream grpc.ServerStream
	ctx    context.Context
	logger zerolog.Logger
	nodes  map[string]*node.Node
	seq    atomic.Uint64

	// set once the client could not forward relayed output any more
	relayDown atomic.Bool

	sendMu sync.Mutex

	mu      sync.Mutex
	links   map[string]node.Link
	pending map[uint64]chan *Frame
}

func (s *serverSession) send(f *Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(f)
}

func (s *serverSession) recvLoop() error {
	for {
		f := new(Frame)
		if err := s.stream.RecvMsg(f); err != nil {
			return err
		}
		switch f.Type {
		case FrameRun, FrameAttach:
			go s.start(f)
		case FramePush:
			s.push(f)
		case FrameClose:
			if link := s.link(f.Node); link != nil {
				if err := link.Close(s.ctx); err != nil {
					s.logger.Debug().Err(err).Msg("failed to close remote input")
				}
			}
		case FrameRelayStarted:
			s.deliver(f)
		case FrameRelayDown:
			s.relayDown.Store(true)
		case FrameExit:
			if n, ok := s.nodes[f.Node]; ok {
				n.Exit(decodeError(f.Error))
			}
		case FramePause:
			if n, ok := s.nodes[f.Node]; ok {
				n.Pause()
			}
		case FrameResume:
			if n, ok := s.nodes[f.Node]; ok {
				n.Resume()
			}
		default:
			s.logger.Warn().Msgf("unexpected frame type %d", f.Type)
		}
	}
}

func (s *serverSession) start(f *Frame) {
	err := s.startNode(f)
	if sendErr := s.send(&Frame{Type: FrameStarted, Seq: f.Seq, Error: encodeError(err)}); sendErr != nil {
		s.logger.Warn().Err(sendErr).Msg("failed to acknowledge start")
	}
}

func (s *serverSession) startNode(f *Frame) error {
	n, ok := s.nodes[f.Node]
	if !ok {
		return fmt.Errorf("node %s is not part of this session", f.Node)
	}
	next := make([]node.Handle, 0, len(f.Next)+1)
	for _, id := range f.Next {
		h, ok := s.nodes[id]
		if !ok {
			return fmt.Errorf("node %s is not part of this session", id)
		}
		next = append(next, h)
	}
	if f.Relay {
		next = append(next, &relay{sess: s})
	}
	if f.Type == FrameRun {
		return n.Run(s.ctx, next)
	}
	link, err := n.Attach(s.ctx, models.Kind(f.Kind), next)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.links[f.Node] = link
	s.mu.Unlock()
	return nil
}

func (s *serverSession) link(id string) node.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.links[id]
}

func (s *serverSession) push(f *Frame) {
	link := s.link(f.Node)
	if link == nil {
		s.logger.Warn().Msgf("push for node %s before it was attached", f.Node)
		return
	}
	b, err := decodeBatch(f.Batch)
	if err != nil {
		s.nodes[f.Node].Exit(fmt.Errorf("failed to decode batch: %w", err))
		return
	}
	// the node reports its own termination through a down frame
	_ = link.Push(s.ctx, b)
}

func (s *serverSession) request(ctx context.Context, f *Frame) (*Frame, error) {
	f.Seq = s.seq.Add(1)
	ch := make(chan *Frame, 1)
	s.mu.Lock()
	s.pending[f.Seq] = ch
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.pending, f.Seq)
		s.mu.Unlock()
	}()

	if err := s.send(f); err != nil {
		return nil, err
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *serverSession) deliver(f *Frame) {
	s.mu.Lock()
	ch, ok := s.pending[f.Seq]
	s.mu.Unlock()
	if ok {
		ch <- f
	}
}

// relay is the last hop of a remote segment: it hands the segment's output
// back to the client, which forwards it to the rest of the chain.
type relay struct {
	sess *serverSession
}

var _ node.Handle = (*relay)(nil)

func (r *relay) ID() string       { return "relay" }
func (r *relay) Describe() string { return "relay" }

func (r *relay) Run(ctx context.Context, next []node.Handle) error {
	return fmt.Errorf("%w: relay cannot be a source", node.ErrOpenPipeline)
}

func (r *relay) Attach(ctx context.Context, kind models.Kind, next []node.Handle) (node.Link, error) {
	reply, err := r.sess.request(ctx, &Frame{Type: FrameRelayAttach, Kind: uint8(kind)})
	if err != nil {
		return nil, err
	}
	if err := decodeError(reply.Error); err != nil {
		return nil, err
	}
	return &relayLink{sess: r.sess}, nil
}

func (r *relay) Monitor() <-chan node.Termination { return make(chan node.Termination) }
func (r *relay) Exit(err error)                   {}
func (r *relay) Pause()                           {}
func (r *relay) Resume()                          {}

type relayLink struct {
	sess *serverSession
}

func (l *relayLink) Push(ctx context.Context, b models.Batch) error {
	if l.sess.relayDown.Load() {
		return fmt.Errorf("%w: relayed downstream is gone", node.ErrUnreachable)
	}
	wb, err := encodeBatch(b)
	if err != nil {
		return err
	}
	if err := l.sess.send(&Frame{Type: FramePush, Batch: wb}); err != nil {
		return fmt.Errorf("%w: %w", node.ErrUnreachable, err)
	}
	return nil
}

func (l *relayLink) Close(ctx context.Context) error {
	return l.sess.send(&Frame{Type: FrameClose})
}

func (l *relayLink) Credit() int {
	return window
}
