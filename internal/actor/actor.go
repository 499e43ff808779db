// Package actor implements the network actor: a single goroutine that owns
// the DHT, the bootstrap manager and the persistent record store, and
// exposes them to the rest of the process through a command channel instead
// of shared mutable state. Callers never touch the DHT directly; they send a
// command and wait on its own one-shot reply channel, the same request/reply
// shape the DHT's iterative GET already uses internally for wire replies.
package actor

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/internal/store"
	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/identity"
	"github.com/meshvault/meshvault/pkg/verrors"
)

// State mirrors the teacher's agent lifecycle states.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return "unknown"
	}
}

// NetworkStats summarizes the actor's view of the overlay at a point in
// time, sampled on every stats tick and returned on demand by GetNetworkStats.
type NetworkStats struct {
	ConnectedPeers   int
	RoutingTableSize int
	Bootstrapped     bool
	SampledAt        time.Time
}

// commandKind distinguishes the operations the actor loop understands.
type commandKind int

const (
	cmdPutRecord commandKind = iota
	cmdGetRecord
	cmdConnectedPeers
	cmdBootstrap
	cmdAddPeerAddress
	cmdNetworkStats
)

// command is the single envelope type sent over the actor's command
// channel; each field group is populated by the matching constructor below
// and only the handler for its Kind ever reads them.
type command struct {
	kind commandKind

	// PutRecord / GetRecord
	key    []byte
	value  []byte
	ttl    time.Duration
	quorum int

	// AddPeerAddress
	bid   string
	addrs []string

	reply chan commandResult
}

type commandResult struct {
	value []byte
	peers []*dht.Node
	stats NetworkStats
	err   error
}

// Config wires together the components a running actor supervises.
type Config struct {
	Identity  *identity.Identity
	DHT       *dht.DHT
	Bootstrap *dht.Bootstrap
	Store     *store.Store

	CommandBuffer int
	StatsInterval time.Duration
}

// Actor is the network actor: one goroutine owns dht/bootstrap/store state
// and every other goroutine in the process talks to it only through Put/Get/
// GetConnectedPeers/etc, which internally send a command and block on its
// reply channel.
type Actor struct {
	mu    sync.RWMutex
	state State

	identity  *identity.Identity
	dht       *dht.DHT
	bootstrap *dht.Bootstrap
	store     *store.Store

	statsInterval time.Duration
	commands      chan command

	lastStats NetworkStats

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an actor in the stopped state. Start begins its command loop.
func New(cfg *Config) (*Actor, error) {
	if cfg.DHT == nil {
		return nil, fmt.Errorf("actor: DHT is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("actor: store is required")
	}

	buf := cfg.CommandBuffer
	if buf <= 0 {
		buf = constants.DefaultActorCommandBuffer
	}
	interval := cfg.StatsInterval
	if interval <= 0 {
		interval = constants.DefaultActorStatsInterval
	}

	return &Actor{
		state:         StateStopped,
		identity:      cfg.Identity,
		dht:           cfg.DHT,
		bootstrap:     cfg.Bootstrap,
		store:         cfg.Store,
		statsInterval: interval,
		commands:      make(chan command, buf),
		done:          make(chan struct{}),
	}, nil
}

// State reports the actor's current lifecycle state.
func (a *Actor) State() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

// Start launches the actor's command loop and the underlying DHT.
func (a *Actor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateRunning || a.state == StateStarting {
		a.mu.Unlock()
		return fmt.Errorf("actor: already %s", a.state)
	}
	a.state = StateStarting
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.done = make(chan struct{})
	a.mu.Unlock()

	if err := a.dht.Start(a.ctx); err != nil {
		a.cancel()
		a.setState(StateStopped)
		return fmt.Errorf("actor: failed to start DHT: %w", err)
	}

	go a.run()

	a.setState(StateRunning)
	return nil
}

// Stop cancels the command loop and stops the underlying DHT. A caller
// still waiting on a command the loop did not answer receives a Network
// "shutting down" error.
func (a *Actor) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateStopped || a.state == StateStopping {
		a.mu.Unlock()
		return fmt.Errorf("actor: already %s", a.state)
	}
	a.state = StateStopping
	cancel := a.cancel
	a.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	select {
	case <-a.done:
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
	}

	if a.bootstrap != nil {
		a.bootstrap.StopHealthChecks()
	}
	_ = a.dht.Stop()

	a.setState(StateStopped)
	return nil
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = s
}

// run is the actor's single goroutine: every mutation of dht/bootstrap/store
// state happens here, serialized by the command channel, plus a periodic
// stats sample mirroring the teacher's ticker-driven metrics loop.
func (a *Actor) run() {
	defer close(a.done)

	ticker := time.NewTicker(a.statsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.sampleStats()
		case cmd := <-a.commands:
			a.handle(cmd)
		}
	}
}

func (a *Actor) handle(cmd command) {
	switch cmd.kind {
	case cmdPutRecord:
		cmd.reply <- a.handlePutRecord(cmd)
	case cmdGetRecord:
		cmd.reply <- a.handleGetRecord(cmd)
	case cmdConnectedPeers:
		cmd.reply <- commandResult{peers: a.dht.GetAllNodes()}
	case cmdBootstrap:
		cmd.reply <- a.handleBootstrap()
	case cmdAddPeerAddress:
		cmd.reply <- a.handleAddPeerAddress(cmd)
	case cmdNetworkStats:
		a.sampleStats()
		a.mu.RLock()
		stats := a.lastStats
		a.mu.RUnlock()
		cmd.reply <- commandResult{stats: stats}
	default:
		cmd.reply <- commandResult{err: fmt.Errorf("actor: unknown command")}
	}
}

func (a *Actor) handlePutRecord(cmd command) commandResult {
	if err := a.dht.Put(a.ctx, cmd.key, cmd.value, cmd.ttl, cmd.quorum); err != nil {
		return commandResult{err: verrors.NewNetworkError("failed to put DHT record", "", err)}
	}

	rec, err := dht.NewSignedRecord(cmd.key, cmd.value, a.identityBID(), uint64(ttlToExpiry(cmd.ttl)), a.signingKey())
	if err != nil {
		return commandResult{err: verrors.NewCryptoError("failed to sign record for local persistence", err)}
	}
	if err := a.store.PutRecord(rec); err != nil {
		return commandResult{err: err}
	}
	return commandResult{}
}

func (a *Actor) handleGetRecord(cmd command) commandResult {
	if rec, err := a.store.GetRecord(cmd.key); err == nil {
		return commandResult{value: rec.Value}
	}

	value, err := a.dht.Get(a.ctx, cmd.key)
	if err != nil {
		return commandResult{err: verrors.NewNotFoundError(fmt.Sprintf("%x", cmd.key))}
	}
	return commandResult{value: value}
}

func (a *Actor) handleBootstrap() commandResult {
	if a.bootstrap == nil {
		return commandResult{err: fmt.Errorf("actor: no bootstrap manager configured")}
	}
	if err := a.bootstrap.Bootstrap(a.ctx); err != nil {
		return commandResult{err: err}
	}
	a.bootstrap.StartHealthChecks(a.ctx)
	return commandResult{}
}

func (a *Actor) handleAddPeerAddress(cmd command) commandResult {
	node := dht.NewNode(cmd.bid, cmd.addrs)
	a.dht.AddNode(node)
	return commandResult{}
}

func (a *Actor) sampleStats() {
	stats := NetworkStats{
		ConnectedPeers:   len(a.dht.GetAllNodes()),
		RoutingTableSize: a.dht.GetRoutingTableSize(),
		SampledAt:        time.Now(),
	}
	if a.bootstrap != nil {
		stats.Bootstrapped = a.bootstrap.IsBootstrapped()
	}
	a.mu.Lock()
	a.lastStats = stats
	a.mu.Unlock()
}

func (a *Actor) identityBID() string {
	if a.identity == nil {
		return ""
	}
	return a.identity.BID()
}

func (a *Actor) signingKey() ed25519.PrivateKey {
	if a.identity == nil {
		return nil
	}
	return a.identity.SigningPrivateKey
}

func ttlToExpiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		ttl = constants.RecordDefaultTTL
	}
	return time.Now().Add(ttl).UnixMilli()
}

// send dispatches a command on the actor's channel and blocks for its
// reply, failing fast if the actor isn't running or the caller's context
// expires first.
func (a *Actor) send(ctx context.Context, cmd command) (commandResult, error) {
	a.mu.RLock()
	running := a.state == StateRunning
	a.mu.RUnlock()
	if !running {
		return commandResult{}, fmt.Errorf("actor: not running")
	}

	select {
	case a.commands <- cmd:
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-a.ctx.Done():
		return commandResult{}, fmt.Errorf("actor: shutting down")
	}

	select {
	case res := <-cmd.reply:
		return res, res.err
	case <-ctx.Done():
		return commandResult{}, ctx.Err()
	case <-a.done:
		select {
		case res := <-cmd.reply:
			return res, res.err
		default:
		}
		return commandResult{}, verrors.NewNetworkError("shutting down", "", nil)
	}
}

// PutRecord signs and stores key/value both on the overlay and in the
// durable local store, under the given TTL and replica quorum hint.
func (a *Actor) PutRecord(ctx context.Context, key, value []byte, ttl time.Duration, quorum int) error {
	reply := make(chan commandResult, 1)
	_, err := a.send(ctx, command{kind: cmdPutRecord, key: key, value: value, ttl: ttl, quorum: quorum, reply: reply})
	return err
}

// GetRecord resolves key from the local store first, falling back to an
// overlay lookup.
func (a *Actor) GetRecord(ctx context.Context, key []byte) ([]byte, error) {
	reply := make(chan commandResult, 1)
	res, err := a.send(ctx, command{kind: cmdGetRecord, key: key, reply: reply})
	if err != nil {
		return nil, err
	}
	return res.value, nil
}

// GetConnectedPeers returns every node currently in the routing table.
func (a *Actor) GetConnectedPeers(ctx context.Context) ([]*dht.Node, error) {
	reply := make(chan commandResult, 1)
	res, err := a.send(ctx, command{kind: cmdConnectedPeers, reply: reply})
	if err != nil {
		return nil, err
	}
	return res.peers, nil
}

// Bootstrap runs the bootstrap manager's connection rounds and, on success,
// starts its background health checks.
func (a *Actor) Bootstrap(ctx context.Context) error {
	reply := make(chan commandResult, 1)
	_, err := a.send(ctx, command{kind: cmdBootstrap, reply: reply})
	return err
}

// AddPeerAddress records a peer's address in the routing table, resolving
// Open Question (d): peers are learned from connection-established events
// routed through this method, not static configuration.
func (a *Actor) AddPeerAddress(ctx context.Context, bid string, addrs []string) error {
	reply := make(chan commandResult, 1)
	_, err := a.send(ctx, command{kind: cmdAddPeerAddress, bid: bid, addrs: addrs, reply: reply})
	return err
}

// GetNetworkStats returns the most recently sampled network snapshot,
// refreshing it synchronously first.
func (a *Actor) GetNetworkStats(ctx context.Context) (NetworkStats, error) {
	reply := make(chan commandResult, 1)
	res, err := a.send(ctx, command{kind: cmdNetworkStats, reply: reply})
	if err != nil {
		return NetworkStats{}, err
	}
	return res.stats, nil
}
