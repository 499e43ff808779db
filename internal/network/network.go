// Package network bridges the transport-layer byte stream abstraction in
// pkg/transport to the BaseFrame-oriented NetworkInterface the DHT and
// chunk dispatcher expect. Neither of those packages open a socket
// themselves; this is the layer that actually dials, accepts, frames, and
// routes. Every connection opens with a pkg/security/noiseik
// ClientHello/ServerHello exchange binding it to this swarm before any
// BaseFrame is allowed to cross it.
package network

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/identity"
	"github.com/meshvault/meshvault/pkg/security/noiseik"
	"github.com/meshvault/meshvault/pkg/transport"
	"github.com/meshvault/meshvault/pkg/wire"
)

// maxFrameBytes bounds a single frame read off the wire, guarding against a
// corrupt length prefix forcing an unbounded allocation.
const maxFrameBytes = 64 << 20

// maxHelloBytes bounds the one-time ClientHello/ServerHello handshake
// exchange every connection performs before any BaseFrame crosses it.
const maxHelloBytes = 64 << 10

// DHTHandler is the subset of *dht.DHT the service routes DHT frames into.
type DHTHandler interface {
	HandleDHTMessage(frame *wire.BaseFrame) error
}

// ChunkHandler is the subset of *dispatcher.Dispatcher the service routes
// FETCH_CHUNK and CHUNK_DATA frames into.
type ChunkHandler interface {
	HandleFetchChunk(ctx context.Context, from *dht.Node, frame *wire.BaseFrame) error
	HandleChunkData(frame *wire.BaseFrame) error
}

// Config configures a Service.
type Config struct {
	Identity   *identity.Identity
	Transport  transport.Transport
	TLSConfig  *tls.Config
	ListenAddr string
	SwarmID    string
}

// conn pairs a transport.Conn with a write lock; the frames belonging to
// one logical connection are never interleaved on the wire, since several
// goroutines (e.g. StoreChunk's replica fan-out) may write concurrently.
// seq is a per-connection transport sequence, independent of
// wire.BaseFrame.Seq (which the dispatcher uses purely as a fetch/reply
// correlation ID): it is stamped on every outbound frame and checked
// against recently-seen values on every inbound one, so a captured frame
// replayed back down this connection is rejected before it ever reaches
// dispatch.
type conn struct {
	transport.Conn
	writeMu sync.Mutex
	seq     *noiseik.SequenceTracker
}

func newConn(raw transport.Conn) *conn {
	return &conn{Conn: raw, seq: noiseik.NewSequenceTracker()}
}

func (c *conn) writeFrame(frame *wire.BaseFrame) error {
	data, err := frame.Marshal()
	if err != nil {
		return fmt.Errorf("network: marshal frame: %w", err)
	}
	if len(data) > maxFrameBytes {
		return fmt.Errorf("network: frame too large: %d bytes", len(data))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := c.Write(prefix[:]); err != nil {
		return fmt.Errorf("network: write length prefix: %w", err)
	}

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], c.seq.NextSendSequence())
	if _, err := c.Write(seqBytes[:]); err != nil {
		return fmt.Errorf("network: write transport sequence: %w", err)
	}

	if _, err := c.Write(data); err != nil {
		return fmt.Errorf("network: write frame body: %w", err)
	}
	return nil
}

func writeLengthPrefixed(w io.Writer, data []byte) error {
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readLengthPrefixed(r io.Reader, max uint32) ([]byte, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > max {
		return nil, fmt.Errorf("network: invalid handshake message length %d", size)
	}
	buf := make([]byte, size)
	_, err := io.ReadFull(r, buf)
	return buf, err
}

// readFrame reads one frame off c, rejecting it outright if its transport
// sequence number falls outside c's replay window or repeats one already
// seen — a captured-and-replayed frame never reaches frame.Unmarshal.
func readFrame(c *conn) (*wire.BaseFrame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(c, prefix[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(prefix[:])
	if size == 0 || size > maxFrameBytes {
		return nil, fmt.Errorf("network: invalid frame length %d", size)
	}

	var seqBytes [8]byte
	if _, err := io.ReadFull(c, seqBytes[:]); err != nil {
		return nil, err
	}
	seq := binary.BigEndian.Uint64(seqBytes[:])
	if !c.seq.ValidateReceiveSequence(seq) {
		return nil, fmt.Errorf("network: rejected replayed or out-of-window transport sequence %d", seq)
	}

	buf := make([]byte, size)
	if _, err := io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	frame := &wire.BaseFrame{}
	if err := frame.Unmarshal(buf); err != nil {
		return nil, fmt.Errorf("network: unmarshal frame: %w", err)
	}
	if err := frame.DecodeBody(); err != nil {
		return nil, fmt.Errorf("network: decode frame body: %w", err)
	}
	return frame, nil
}

// Service implements dht.NetworkInterface and dispatcher.NetworkInterface
// (both share the SendMessage(ctx, *dht.Node, *wire.BaseFrame) shape, so
// one implementation satisfies both). It dials out to peers advertising a
// known address and, for replies to a peer known only by BID (the DHT and
// dispatcher both build a reply target as dht.NewNode(frame.From, nil)),
// reuses whichever connection last carried a frame from that BID.
type Service struct {
	identity   *identity.Identity
	tr         transport.Transport
	tlsConfig  *tls.Config
	listenAddr string
	swarmID    string

	dhtMu sync.RWMutex
	dht   DHTHandler

	dispatcherMu sync.RWMutex
	dispatcher   ChunkHandler

	listener transport.Listener

	mu     sync.Mutex
	byAddr map[string]*conn
	byBID  map[string]*conn
	all    map[*conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Service. Call ListenAndServe to begin accepting inbound
// connections once the DHT and dispatcher handlers have been attached.
func New(cfg *Config) (*Service, error) {
	if cfg.Identity == nil {
		return nil, fmt.Errorf("network: identity is required")
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("network: transport is required")
	}

	return &Service{
		identity:   cfg.Identity,
		tr:         cfg.Transport,
		tlsConfig:  cfg.TLSConfig,
		listenAddr: cfg.ListenAddr,
		swarmID:    cfg.SwarmID,
		byAddr:     make(map[string]*conn),
		byBID:      make(map[string]*conn),
		all:        make(map[*conn]struct{}),
	}, nil
}

// handshakeInbound runs the responder side of the ClientHello/ServerHello
// exchange every freshly accepted connection performs before serve begins
// routing BaseFrames off it: it binds the session to this swarm, the way
// pkg/security/noiseik documents. Frames routed afterwards are not checked
// against their Ed25519 signatures by serve, the dispatcher or the DHT
// handlers.
func (s *Service) handshakeInbound(c *conn) (*noiseik.ClientHello, error) {
	raw, err := readLengthPrefixed(c, maxHelloBytes)
	if err != nil {
		return nil, fmt.Errorf("network: read ClientHello: %w", err)
	}
	hello := &noiseik.ClientHello{}
	if err := hello.Unmarshal(raw); err != nil {
		return nil, fmt.Errorf("network: decode ClientHello: %w", err)
	}

	hs := noiseik.NewHandshake(s.identity, s.swarmID)
	reply, err := hs.ProcessClientHello(hello)
	if err != nil {
		return nil, fmt.Errorf("network: reject ClientHello: %w", err)
	}

	replyBytes, err := reply.Marshal()
	if err != nil {
		return nil, fmt.Errorf("network: encode ServerHello: %w", err)
	}
	if err := writeLengthPrefixed(c, replyBytes); err != nil {
		return nil, fmt.Errorf("network: write ServerHello: %w", err)
	}

	return hello, nil
}

// handshakeOutbound runs the initiator side against a freshly dialed
// connection before it is tracked for reuse.
func (s *Service) handshakeOutbound(c *conn) error {
	hs := noiseik.NewHandshake(s.identity, s.swarmID)
	hello, err := hs.CreateClientHello()
	if err != nil {
		return fmt.Errorf("network: create ClientHello: %w", err)
	}

	helloBytes, err := hello.Marshal()
	if err != nil {
		return fmt.Errorf("network: encode ClientHello: %w", err)
	}
	if err := writeLengthPrefixed(c, helloBytes); err != nil {
		return fmt.Errorf("network: write ClientHello: %w", err)
	}

	raw, err := readLengthPrefixed(c, maxHelloBytes)
	if err != nil {
		return fmt.Errorf("network: read ServerHello: %w", err)
	}
	reply := &noiseik.ServerHello{}
	if err := reply.Unmarshal(raw); err != nil {
		return fmt.Errorf("network: decode ServerHello: %w", err)
	}

	return hs.ProcessServerHello(reply)
}

// SetDHTHandler attaches the DHT message handler. Must be called before
// ListenAndServe if DHT frames are expected on this service.
func (s *Service) SetDHTHandler(h DHTHandler) {
	s.dhtMu.Lock()
	s.dht = h
	s.dhtMu.Unlock()
}

// SetChunkHandler attaches the dispatcher's FETCH_CHUNK/CHUNK_DATA handler.
func (s *Service) SetChunkHandler(h ChunkHandler) {
	s.dispatcherMu.Lock()
	s.dispatcher = h
	s.dispatcherMu.Unlock()
}

// ListenAndServe opens the listener and accepts connections until ctx is
// canceled or Close is called. It does not block past setup: Accept runs
// in a background goroutine.
func (s *Service) ListenAndServe(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	listener, err := s.tr.Listen(s.ctx, s.listenAddr, s.tlsConfig)
	if err != nil {
		return fmt.Errorf("network: listen on %s: %w", s.listenAddr, err)
	}
	s.listener = listener

	go s.acceptLoop()
	return nil
}

// Addr returns the listener's bound address. Only valid after a successful
// ListenAndServe, useful when ListenAddr requested an ephemeral port.
func (s *Service) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts down the listener and every tracked connection.
func (s *Service) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.all))
	for c := range s.all {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
	return nil
}

func (s *Service) acceptLoop() {
	for {
		raw, err := s.listener.Accept(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			continue
		}
		c := newConn(raw)
		if _, err := s.handshakeInbound(c); err != nil {
			_ = c.Close()
			continue
		}
		s.track(c, "")
		go s.serve(c)
	}
}

func (s *Service) track(c *conn, addr string) {
	s.mu.Lock()
	s.all[c] = struct{}{}
	if addr != "" {
		s.byAddr[addr] = c
	}
	s.mu.Unlock()
}

func (s *Service) untrack(c *conn) {
	s.mu.Lock()
	delete(s.all, c)
	for addr, v := range s.byAddr {
		if v == c {
			delete(s.byAddr, addr)
		}
	}
	for bid, v := range s.byBID {
		if v == c {
			delete(s.byBID, bid)
		}
	}
	s.mu.Unlock()
}

// serve reads frames off c until it errors or closes, routing each to the
// handler selected by Kind and recording c as the last known route back to
// its sender's BID.
func (s *Service) serve(c *conn) {
	defer func() {
		s.untrack(c)
		_ = c.Close()
	}()

	for {
		frame, err := readFrame(c)
		if err != nil {
			return
		}

		if frame.From != "" {
			s.mu.Lock()
			s.byBID[frame.From] = c
			s.mu.Unlock()
		}

		if err := s.dispatch(frame); err != nil {
			continue
		}
	}
}

// dispatch routes an inbound frame to the handler for its Kind.
func (s *Service) dispatch(frame *wire.BaseFrame) error {
	switch frame.Kind {
	case constants.KindFetchChunk:
		s.dispatcherMu.RLock()
		h := s.dispatcher
		s.dispatcherMu.RUnlock()
		if h == nil {
			return fmt.Errorf("network: no chunk handler attached for FETCH_CHUNK")
		}
		node := dht.NewNode(frame.From, nil)
		return h.HandleFetchChunk(s.ctx, node, frame)

	case constants.KindChunkData:
		s.dispatcherMu.RLock()
		h := s.dispatcher
		s.dispatcherMu.RUnlock()
		if h == nil {
			return fmt.Errorf("network: no chunk handler attached for CHUNK_DATA")
		}
		return h.HandleChunkData(frame)

	case constants.KindPing:
		reply := wire.NewPongFrame(s.bid(), frame.Seq, pingToken(frame))
		return s.SendMessage(s.ctx, dht.NewNode(frame.From, nil), reply)

	case constants.KindPong:
		return nil

	default:
		s.dhtMu.RLock()
		h := s.dht
		s.dhtMu.RUnlock()
		if h == nil {
			return fmt.Errorf("network: no DHT handler attached for kind %d", frame.Kind)
		}
		return h.HandleDHTMessage(frame)
	}
}

func pingToken(frame *wire.BaseFrame) []byte {
	if body, ok := frame.Body.(*wire.PingBody); ok {
		return body.Token
	}
	return nil
}

// SendMessage implements dht.NetworkInterface and dispatcher.NetworkInterface.
func (s *Service) SendMessage(ctx context.Context, target *dht.Node, frame *wire.BaseFrame) error {
	if err := s.sign(frame); err != nil {
		return err
	}

	c, err := s.connectionFor(ctx, target)
	if err != nil {
		return err
	}
	return c.writeFrame(frame)
}

// BroadcastMessage sends frame over every currently tracked connection,
// continuing past individual failures and returning the last error seen.
func (s *Service) BroadcastMessage(ctx context.Context, frame *wire.BaseFrame) error {
	if err := s.sign(frame); err != nil {
		return err
	}

	s.mu.Lock()
	conns := make([]*conn, 0, len(s.all))
	for c := range s.all {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var lastErr error
	for _, c := range conns {
		if err := c.writeFrame(frame); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// connectionFor returns an existing or freshly dialed connection to
// target. A target with no advertised address is only reachable if a
// connection from its BID has already been observed inbound or outbound.
func (s *Service) connectionFor(ctx context.Context, target *dht.Node) (*conn, error) {
	if len(target.Addrs) == 0 {
		s.mu.Lock()
		c, ok := s.byBID[target.BID]
		s.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("network: no known address or connection for peer %s", target.BID)
		}
		return c, nil
	}

	addr := target.Addrs[0]

	s.mu.Lock()
	c, ok := s.byAddr[addr]
	s.mu.Unlock()
	if ok {
		return c, nil
	}

	raw, err := s.tr.Dial(ctx, addr, s.tlsConfig)
	if err != nil {
		return nil, fmt.Errorf("network: dial %s: %w", addr, err)
	}
	c = newConn(raw)
	if err := s.handshakeOutbound(c); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("network: handshake with %s: %w", addr, err)
	}
	s.track(c, addr)
	if target.BID != "" {
		s.mu.Lock()
		s.byBID[target.BID] = c
		s.mu.Unlock()
	}

	go s.serve(c)
	return c, nil
}

func (s *Service) sign(frame *wire.BaseFrame) error {
	if s.identity == nil {
		return nil
	}
	if frame.From == "" {
		frame.From = s.identity.BID()
	}
	return frame.Sign(s.identity.SigningPrivateKey)
}

func (s *Service) bid() string {
	if s.identity == nil {
		return ""
	}
	return s.identity.BID()
}
