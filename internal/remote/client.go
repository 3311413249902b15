package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/tarungka/telepipe/internal/logger"
	"github.com/tarungka/telepipe/internal/models"
	"github.com/tarungka/telepipe/internal/node"
	"github.com/tarungka/telepipe/internal/operator"
	"github.com/tarungka/telepipe/internal/pipeline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
)

// Client talks to a remote peer over an established connection.
type Client struct {
	conn   grpc.ClientConnInterface
	logger zerolog.Logger
}

var _ pipeline.Peer = (*Client)(nil)

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn, logger: logger.Component("peer-client")}
}

func (c *Client) Ping(ctx context.Context) (*PingResponse, error) {
	resp := new(PingResponse)
	if err := c.conn.Invoke(ctx, pingMethod, &PingRequest{}, resp, grpc.ForceCodec(Codec{})); err != nil {
		return nil, err
	}
	return resp, nil
}

// Spawn creates the nodes for specs on the peer and opens one session that
// drives all of them. The returned handles are in spec order. A count that
// differs from len(specs) is handed back as is; the executor decides.
func (c *Client) Spawn(ctx context.Context, specs []operator.Spec) ([]node.Handle, error) {
	resp := new(SpawnResponse)
	if err := c.conn.Invoke(ctx, spawnMethod, &SpawnRequest{Operators: specs}, resp, grpc.ForceCodec(Codec{})); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", operator.ErrUnknownOperator, status.Convert(err).Message())
		}
		return nil, err
	}
	if len(resp.Nodes) != len(specs) {
		c.logger.Warn().Msgf("peer spawned %d nodes for %d operators", len(resp.Nodes), len(specs))
	}

	seg, err := c.open(resp.Nodes, specs)
	if err != nil {
		return nil, err
	}
	handles := make([]node.Handle, len(seg.order))
	for i, p := range seg.order {
		handles[i] = p
	}
	return handles, nil
}

func (c *Client) open(ids []string, specs []operator.Spec) (*segment, error) {
	// the session outlives the spawn call
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := c.conn.NewStream(ctx, &serviceDesc.Streams[0], sessionMethod, grpc.ForceCodec(Codec{}))
	if err != nil {
		cancel()
		return nil, err
	}
	if err := stream.SendMsg(&Frame{Type: FrameOpen, Nodes: ids}); err != nil {
		cancel()
		return nil, err
	}

	seg := &segment{
		stream:  stream,
		ctx:     ctx,
		cancel:  cancel,
		logger:  c.logger,
		proxies: make(map[string]*proxy, len(ids)),
		pending: make(map[uint64]chan *Frame),
		alive:   len(ids),
	}
	for i, id := range ids {
		// a peer may return more nodes than it was asked for
		name := "remote"
		if i < len(specs) {
			name = specs[i].Name
		}
		p := &proxy{id: id, name: name, seg: seg}
		seg.proxies[id] = p
		seg.order = append(seg.order, p)
	}
	go seg.recvLoop()
	return seg, nil
}

// segment is the client end of one session.
type segment struct {
	stream grpc.ClientStream
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
	seq    atomic.Uint64

	proxies map[string]*proxy
	order   []*proxy

	sendMu sync.Mutex

	mu        sync.Mutex
	pending   map[uint64]chan *Frame
	rest      []node.Handle
	relayLink node.Link
	relayDown bool
	alive     int
}

func (s *segment) send(f *Frame) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.stream.SendMsg(f)
}

func (s *segment) request(ctx context.Context, f *Frame) (*Frame, error) {
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
		return nil, fmt.Errorf("%w: %w", ErrPeerLost, err)
	}
	select {
	case reply := <-ch:
		return reply, nil
	case <-s.ctx.Done():
		return nil, ErrPeerLost
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *segment) recvLoop() {
	defer s.cancel()
	for {
		f := new(Frame)
		if err := s.stream.RecvMsg(f); err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Warn().Err(err).Msg("remote session lost")
			}
			s.lost()
			return
		}
		switch f.Type {
		case FrameStarted:
			s.mu.Lock()
			ch, ok := s.pending[f.Seq]
			s.mu.Unlock()
			if ok {
				ch <- f
			}
		case FrameDown:
			p, ok := s.proxies[f.Node]
			if !ok || !p.terminate(termination(f)) {
				continue
			}
			s.mu.Lock()
			s.alive--
			alive := s.alive
			s.mu.Unlock()
			if alive == 0 {
				s.sendMu.Lock()
				if err := s.stream.CloseSend(); err != nil {
					s.logger.Debug().Err(err).Msg("failed to close session")
				}
				s.sendMu.Unlock()
			}
		case FrameRelayAttach:
			go s.attachRelay(f)
		case FramePush:
			s.forward(f)
		case FrameClose:
			if link := s.relay(); link != nil {
				if err := link.Close(s.ctx); err != nil {
					s.logger.Debug().Err(err).Msg("failed to close relayed output")
				}
			}
		default:
			s.logger.Warn().Msgf("unexpected frame type %d", f.Type)
		}
	}
}

// lost fails every node that did not report its termination yet.
func (s *segment) lost() {
	for _, p := range s.order {
		p.terminate(node.Termination{Reason: node.Failed, Err: fmt.Errorf("%w: '%s'", ErrPeerLost, p.name)})
	}
}

func (s *segment) attachRelay(f *Frame) {
	s.mu.Lock()
	rest := s.rest
	s.mu.Unlock()

	var err error
	if len(rest) == 0 {
		err = fmt.Errorf("%w after remote segment", node.ErrOpenPipeline)
	} else {
		var link node.Link
		link, err = rest[0].Attach(s.ctx, models.Kind(f.Kind), rest[1:])
		if err == nil {
			s.mu.Lock()
			s.relayLink = link
			s.mu.Unlock()
		}
	}
	if sendErr := s.send(&Frame{Type: FrameRelayStarted, Seq: f.Seq, Error: encodeError(err)}); sendErr != nil {
		s.logger.Warn().Err(sendErr).Msg("failed to acknowledge relay")
	}
}

func (s *segment) relay() node.Link {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.relayDown {
		return nil
	}
	return s.relayLink
}

func (s *segment) forward(f *Frame) {
	link := s.relay()
	if link == nil {
		return
	}
	b, err := decodeBatch(f.Batch)
	if err == nil {
		err = link.Push(s.ctx, b)
	}
	if err == nil {
		return
	}
	s.logger.Debug().Err(err).Msg("relayed downstream is gone")
	s.mu.Lock()
	s.relayDown = true
	s.mu.Unlock()
	if err := s.send(&Frame{Type: FrameRelayDown}); err != nil {
		s.logger.Debug().Err(err).Msg("failed to report relay down")
	}
}

// split separates the handles hosted by this segment from the ones the
// relay has to reach.
func (s *segment) split(next []node.Handle) ([]string, []node.Handle) {
	var ids []string
	for i, h := range next {
		p, ok := h.(*proxy)
		if !ok || p.seg != s {
			return ids, next[i:]
		}
		ids = append(ids, p.id)
	}
	return ids, nil
}

// proxy is the local stand-in for a node on the peer.
type proxy struct {
	id      string
	name    string
	seg     *segment
	started atomic.Bool

	mu       sync.Mutex
	term     node.Termination
	finished bool
	watchers []chan node.Termination
}

var _ node.Handle = (*proxy)(nil)

func (p *proxy) ID() string       { return p.id }
func (p *proxy) Describe() string { return p.name }

func (p *proxy) Run(ctx context.Context, next []node.Handle) error {
	_, err := p.start(ctx, &Frame{Type: FrameRun}, next)
	return err
}

func (p *proxy) Attach(ctx context.Context, kind models.Kind, next []node.Handle) (node.Link, error) {
	return p.start(ctx, &Frame{Type: FrameAttach, Kind: uint8(kind)}, next)
}

func (p *proxy) start(ctx context.Context, f *Frame, next []node.Handle) (node.Link, error) {
	if !p.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: '%s' was already started", node.ErrAlreadyStarted, p.name)
	}
	ids, rest := p.seg.split(next)
	if len(rest) > 0 {
		p.seg.mu.Lock()
		p.seg.rest = rest
		p.seg.mu.Unlock()
	}
	f.Node = p.id
	f.Next = ids
	f.Relay = len(rest) > 0

	reply, err := p.seg.request(ctx, f)
	if err != nil {
		return nil, err
	}
	if err := decodeError(reply.Error); err != nil {
		return nil, err
	}
	if f.Type == FrameRun {
		return nil, nil
	}
	return &proxyLink{p: p}, nil
}

func (p *proxy) Monitor() <-chan node.Termination {
	ch := make(chan node.Termination, 1)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished {
		ch <- p.term
	} else {
		p.watchers = append(p.watchers, ch)
	}
	return ch
}

// terminate records the termination and reports whether it was the first.
func (p *proxy) terminate(term node.Termination) bool {
	p.mu.Lock()
	if p.finished {
		p.mu.Unlock()
		return false
	}
	p.term = term
	p.finished = true
	watchers := p.watchers
	p.watchers = nil
	p.mu.Unlock()

	for _, w := range watchers {
		w <- term
	}
	return true
}

func (p *proxy) down() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.finished
}

func (p *proxy) Exit(err error) {
	if p.down() {
		return
	}
	if sendErr := p.seg.send(&Frame{Type: FrameExit, Node: p.id, Error: encodeError(err)}); sendErr != nil {
		p.seg.logger.Debug().Err(sendErr).Msgf("failed to exit remote node %s", p.id)
	}
}

func (p *proxy) Pause() {
	_ = p.seg.send(&Frame{Type: FramePause, Node: p.id})
}

func (p *proxy) Resume() {
	_ = p.seg.send(&Frame{Type: FrameResume, Node: p.id})
}

type proxyLink struct {
	p *proxy
}

func (l *proxyLink) Push(ctx context.Context, b models.Batch) error {
	if l.p.down() {
		return fmt.Errorf("%w: '%s'", node.ErrUnreachable, l.p.name)
	}
	wb, err := encodeBatch(b)
	if err != nil {
		return err
	}
	if err := l.p.seg.send(&Frame{Type: FramePush, Node: l.p.id, Batch: wb}); err != nil {
		return fmt.Errorf("%w: '%s': %w", node.ErrUnreachable, l.p.name, err)
	}
	return nil
}

func (l *proxyLink) Close(ctx context.Context) error {
	if l.p.down() {
		return nil
	}
	return l.p.seg.send(&Frame{Type: FrameClose, Node: l.p.id})
}

func (l *proxyLink) Credit() int {
	return window
}

// Dialer connects executors to the peer at address. The connection is
// created once and shared by every executor using the dialer.
type Dialer struct {
	address string
	opts    []grpc.DialOption

	mu     sync.Mutex
	conn   *grpc.ClientConn
	client *Client
}

var _ pipeline.Connector = (*Dialer)(nil)

func NewDialer(address string, opts ...grpc.DialOption) *Dialer {
	return &Dialer{address: address, opts: opts}
}

// Connect returns a client for the peer after checking it answers.
func (d *Dialer) Connect(ctx context.Context) (pipeline.Peer, error) {
	d.mu.Lock()
	if d.client == nil {
		opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, d.opts...)
		conn, err := grpc.NewClient(d.address, opts...)
		if err != nil {
			d.mu.Unlock()
			return nil, err
		}
		d.conn = conn
		d.client = NewClient(conn)
	}
	client := d.client
	d.mu.Unlock()

	if _, err := client.Ping(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

func (d *Dialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil
	}
	err := d.conn.Close()
	d.conn = nil
	d.client = nil
	return err
}
