// Package dispatcher implements the concurrent chunk dispatcher: the
// component that races a shard request against the most responsive peers
// that claim it, retries with backoff against the rest, and fans a shard
// write out to its replica set under a concurrency cap. Grounded on the
// now-removed pkg/content/fetcher.go's per-sequence reply-channel idiom,
// reproduced fresh here since that file did not survive the content-store
// redesign.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/internal/resilience"
	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/content"
	"github.com/meshvault/meshvault/pkg/identity"
	"github.com/meshvault/meshvault/pkg/verrors"
	"github.com/meshvault/meshvault/pkg/wire"
)

// NetworkInterface is the transport the dispatcher sends FETCH_CHUNK and
// CHUNK_DATA frames over; satisfied by the same network layer the DHT uses.
type NetworkInterface interface {
	SendMessage(ctx context.Context, target *dht.Node, frame *wire.BaseFrame) error
}

// peerReputation tracks a peer's recent chunk-transfer history so the
// dispatcher can prefer the peers most likely to answer quickly.
type peerReputation struct {
	successes int
	failures  int
	lastSeen  time.Time
}

func (r *peerReputation) successRate() float64 {
	total := r.successes + r.failures
	if total == 0 {
		return 0.5
	}
	return float64(r.successes) / float64(total)
}

func (r *peerReputation) responsive() bool {
	if r.lastSeen.IsZero() {
		return false
	}
	if time.Since(r.lastSeen) > constants.ResponsivePeerMaxAge {
		return false
	}
	return r.successRate() >= constants.ResponsivePeerMinSuccessRate
}

// Config configures a Dispatcher.
type Config struct {
	Identity *identity.Identity
	Network  NetworkInterface
	Store    content.ChunkStore

	MaxConcurrentRetrievals int
	MaxConcurrentUploads    int
	ChunkTimeout            time.Duration
	RetryAttempts           int
}

// Dispatcher fans chunk fetches and replicas out across the peers that
// hold them, racing the most responsive few and falling back to the rest.
type Dispatcher struct {
	identity *identity.Identity
	network  NetworkInterface
	store    content.ChunkStore

	chunkTimeout  time.Duration
	retryAttempts int

	readSem  chan struct{}
	writeSem chan struct{}

	breakers *resilience.Registry

	repMu        sync.Mutex
	reputation   map[string]*peerReputation
	pendingMu    sync.Mutex
	pending      map[uint64]chan *wire.ChunkDataBody
	seqMu        sync.Mutex
	seq          uint64
}

// New creates a Dispatcher.
func New(cfg *Config) (*Dispatcher, error) {
	if cfg.Network == nil {
		return nil, fmt.Errorf("dispatcher: network is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("dispatcher: chunk store is required")
	}

	maxReads := cfg.MaxConcurrentRetrievals
	if maxReads <= 0 {
		maxReads = constants.DefaultMaxConcurrentRetrievals
	}
	maxWrites := cfg.MaxConcurrentUploads
	if maxWrites <= 0 {
		maxWrites = constants.DefaultMaxConcurrentUploads
	}
	timeout := cfg.ChunkTimeout
	if timeout <= 0 {
		timeout = constants.DefaultChunkTimeout
	}
	retries := cfg.RetryAttempts
	if retries <= 0 {
		retries = constants.DefaultRetryFailedChunks
	}

	return &Dispatcher{
		identity:      cfg.Identity,
		network:       cfg.Network,
		store:         cfg.Store,
		chunkTimeout:  timeout,
		retryAttempts: retries,
		readSem:       make(chan struct{}, maxReads),
		writeSem:      make(chan struct{}, maxWrites),
		breakers:      resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig()),
		reputation:    make(map[string]*peerReputation),
		pending:       make(map[uint64]chan *wire.ChunkDataBody),
	}, nil
}

func (d *Dispatcher) nextSeq() uint64 {
	d.seqMu.Lock()
	defer d.seqMu.Unlock()
	d.seq++
	return d.seq
}

// FetchChunk returns the shard addressed by cid, preferring the local
// store, then racing the top ResponsivePeerRaceWidth peers by reputation
// before retrying sequentially through the remainder with exponential
// backoff.
func (d *Dispatcher) FetchChunk(ctx context.Context, cid content.CID, candidates []*dht.Node) (*content.Chunk, error) {
	if chunk, err := d.store.Get(cid); err == nil {
		return chunk, nil
	}

	if len(candidates) == 0 {
		return nil, verrors.NewNotFoundError(cid.String)
	}

	select {
	case d.readSem <- struct{}{}:
		defer func() { <-d.readSem }()
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	ordered := d.orderByReputation(candidates)

	raceWidth := constants.ResponsivePeerRaceWidth
	if raceWidth > len(ordered) {
		raceWidth = len(ordered)
	}

	chunk, err := d.raceFetch(ctx, cid, ordered[:raceWidth])
	if err == nil {
		return chunk, nil
	}

	remaining := ordered[raceWidth:]
	return d.retryFetch(ctx, cid, remaining)
}

// orderByReputation sorts candidates most-responsive-first, without
// discarding unresponsive or never-seen peers — they simply fall to the
// back of the race/retry order.
func (d *Dispatcher) orderByReputation(candidates []*dht.Node) []*dht.Node {
	d.repMu.Lock()
	scored := make([]*dht.Node, len(candidates))
	copy(scored, candidates)
	rep := make(map[string]*peerReputation, len(candidates))
	for _, c := range candidates {
		rep[c.BID] = d.reputation[c.BID]
	}
	d.repMu.Unlock()

	sort.SliceStable(scored, func(i, j int) bool {
		ri, rj := rep[scored[i].BID], rep[scored[j].BID]
		iResponsive := ri != nil && ri.responsive()
		jResponsive := rj != nil && rj.responsive()
		if iResponsive != jResponsive {
			return iResponsive
		}
		var si, sj float64
		if ri != nil {
			si = ri.successRate()
		}
		if rj != nil {
			sj = rj.successRate()
		}
		return si > sj
	})
	return scored
}

// raceFetch sends FETCH_CHUNK to every peer in the race set concurrently
// and returns the first valid reply.
func (d *Dispatcher) raceFetch(ctx context.Context, cid content.CID, peers []*dht.Node) (*content.Chunk, error) {
	if len(peers) == 0 {
		return nil, verrors.NewNotFoundError(cid.String)
	}

	type result struct {
		chunk *content.Chunk
		err   error
	}
	resCh := make(chan result, len(peers))

	for _, peer := range peers {
		go func(p *dht.Node) {
			chunk, err := d.fetchFromPeer(ctx, cid, p)
			resCh <- result{chunk, err}
		}(peer)
	}

	var lastErr error
	for i := 0; i < len(peers); i++ {
		select {
		case r := <-resCh:
			if r.err == nil {
				return r.chunk, nil
			}
			lastErr = r.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if lastErr == nil {
		lastErr = verrors.NewNotFoundError(cid.String)
	}
	return nil, lastErr
}

// retryFetch walks the remaining candidates one at a time, retrying each
// with exponential backoff before moving to the next peer.
func (d *Dispatcher) retryFetch(ctx context.Context, cid content.CID, peers []*dht.Node) (*content.Chunk, error) {
	var lastErr error
	for _, peer := range peers {
		cfg := resilience.RetryConfig{
			MaxAttempts:   d.retryAttempts,
			InitialDelay:  100 * time.Millisecond,
			MaxDelay:      constants.DefaultChunkTimeout,
			BackoffFactor: 2.0,
		}
		var chunk *content.Chunk
		err := resilience.Do(ctx, cfg, func() error {
			var ferr error
			chunk, ferr = d.fetchFromPeer(ctx, cid, peer)
			return ferr
		})
		if err == nil {
			return chunk, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = verrors.NewNotFoundError(cid.String)
	}
	return nil, lastErr
}

// fetchFromPeer sends one FETCH_CHUNK request to peer, guarded by that
// peer's circuit breaker, and waits up to ChunkTimeout for a CHUNK_DATA
// reply matched by sequence number.
func (d *Dispatcher) fetchFromPeer(ctx context.Context, cid content.CID, peer *dht.Node) (*content.Chunk, error) {
	breaker := d.breakers.Get(peer.BID)

	var chunk *content.Chunk
	err := breaker.Call(func() error {
		fetchCtx, cancel := context.WithTimeout(ctx, d.chunkTimeout)
		defer cancel()

		seq := d.nextSeq()
		replyCh := make(chan *wire.ChunkDataBody, 1)
		d.pendingMu.Lock()
		d.pending[seq] = replyCh
		d.pendingMu.Unlock()
		defer func() {
			d.pendingMu.Lock()
			delete(d.pending, seq)
			d.pendingMu.Unlock()
		}()

		frame := wire.NewFetchChunkFrame(d.bid(), seq, cid.String, nil)
		if err := d.network.SendMessage(fetchCtx, peer, frame); err != nil {
			d.recordOutcome(peer.BID, false)
			return verrors.NewNetworkError("failed to send fetch request", peer.BID, err)
		}

		select {
		case body := <-replyCh:
			got := content.NewCID(body.Data)
			if !got.Equals(cid) {
				d.recordOutcome(peer.BID, false)
				return verrors.NewIntegrityError("chunk data does not match requested CID", cid.String, nil)
			}
			chunk = &content.Chunk{CID: cid, Data: body.Data, Size: uint64(len(body.Data))}
			d.recordOutcome(peer.BID, true)
			return nil
		case <-fetchCtx.Done():
			d.recordOutcome(peer.BID, false)
			return verrors.NewNetworkError("fetch request timed out", peer.BID, fetchCtx.Err())
		}
	})
	if err != nil {
		return nil, err
	}
	return chunk, nil
}

func (d *Dispatcher) recordOutcome(bid string, success bool) {
	d.repMu.Lock()
	rep, ok := d.reputation[bid]
	if !ok {
		rep = &peerReputation{}
		d.reputation[bid] = rep
	}
	if success {
		rep.successes++
	} else {
		rep.failures++
	}
	rep.lastSeen = time.Now()
	d.repMu.Unlock()

	breaker := d.breakers.Get(bid)
	if success {
		breaker.RecordSuccess()
	} else {
		breaker.RecordFailure()
	}
}

// HandleChunkData delivers an incoming CHUNK_DATA frame to the fetch it
// answers, matched by the request's echoed sequence number. A CHUNK_DATA
// frame with no matching pending fetch is an unsolicited replication push
// from StoreChunk on the sending peer, and is persisted to the local store
// instead of discarded.
func (d *Dispatcher) HandleChunkData(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.ChunkDataBody)
	if !ok {
		return fmt.Errorf("dispatcher: invalid CHUNK_DATA body")
	}

	d.pendingMu.Lock()
	ch, exists := d.pending[frame.Seq]
	d.pendingMu.Unlock()
	if !exists {
		cid := content.NewCID(body.Data)
		return d.store.Put(&content.Chunk{CID: cid, Data: body.Data, Size: uint64(len(body.Data))})
	}

	select {
	case ch <- body:
	default:
	}
	return nil
}

// HandleFetchChunk answers an incoming FETCH_CHUNK request out of the local
// store, replying to the requester with a CHUNK_DATA frame that echoes the
// request's sequence number so its fetchFromPeer can match the reply. A
// miss is silent: the requester's own race/retry loop already treats a
// peer that never answers the same as one that doesn't have the shard.
func (d *Dispatcher) HandleFetchChunk(ctx context.Context, from *dht.Node, frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.FetchChunkBody)
	if !ok {
		return fmt.Errorf("dispatcher: invalid FETCH_CHUNK body")
	}

	cid, err := content.ParseCID(body.CID)
	if err != nil {
		return nil
	}

	chunk, err := d.store.Get(cid)
	if err != nil {
		return nil
	}

	reply := wire.NewChunkDataFrame(d.bid(), frame.Seq, cid.String, 0, chunk.Data)
	if err := d.network.SendMessage(ctx, from, reply); err != nil {
		d.recordOutcome(from.BID, false)
		return verrors.NewNetworkError("failed to send chunk data reply", from.BID, err)
	}
	return nil
}

// StoreChunk persists cid/data locally and replicates it to replicas,
// under the write concurrency cap, best-effort (a replica that doesn't
// acknowledge is simply one fewer copy, not a failed put — PutObject's
// erasure coding already tolerates missing shards).
func (d *Dispatcher) StoreChunk(ctx context.Context, chunk *content.Chunk, replicas []*dht.Node) error {
	if err := d.store.Put(chunk); err != nil {
		return err
	}
	if len(replicas) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, peer := range replicas {
		select {
		case d.writeSem <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		wg.Add(1)
		go func(p *dht.Node) {
			defer wg.Done()
			defer func() { <-d.writeSem }()
			frame := wire.NewChunkDataFrame(d.bid(), d.nextSeq(), chunk.CID.String, 0, chunk.Data)
			if err := d.network.SendMessage(ctx, p, frame); err != nil {
				d.recordOutcome(p.BID, false)
				return
			}
			d.recordOutcome(p.BID, true)
		}(peer)
	}
	wg.Wait()
	return nil
}

func (d *Dispatcher) bid() string {
	if d.identity == nil {
		return ""
	}
	return d.identity.BID()
}
