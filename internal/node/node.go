// Package node is the composition root: it wires identity, transport,
// DHT, dispatcher, store, actor, quorum, failover and cache into a single
// running peer and exposes the put/get object operations the rest of the
// process (the CLI, eventually a control API) drives.
package node

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"lukechampine.com/blake3"

	"github.com/meshvault/meshvault/internal/actor"
	"github.com/meshvault/meshvault/internal/cache"
	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/internal/dispatcher"
	"github.com/meshvault/meshvault/internal/failover"
	"github.com/meshvault/meshvault/internal/network"
	"github.com/meshvault/meshvault/internal/quorum"
	"github.com/meshvault/meshvault/internal/quota"
	"github.com/meshvault/meshvault/internal/resilience"
	"github.com/meshvault/meshvault/internal/store"
	"github.com/meshvault/meshvault/pkg/config"
	"github.com/meshvault/meshvault/pkg/content"
	"github.com/meshvault/meshvault/pkg/identity"
	"github.com/meshvault/meshvault/pkg/pipeline"
	"github.com/meshvault/meshvault/pkg/transport"
	"github.com/meshvault/meshvault/pkg/transport/quic"
	"github.com/meshvault/meshvault/pkg/transport/tcp"
)

// Node is a single running peer: every subsystem's lifecycle is owned and
// driven from here.
type Node struct {
	cfg      *config.Config
	identity *identity.Identity

	network    *network.Service
	dht        *dht.DHT
	bootstrap  *dht.Bootstrap
	store      *store.Store
	actor      *actor.Actor
	dispatcher *dispatcher.Dispatcher
	quorum     *quorum.Manager
	failover   *failover.Manager
	quota      *quota.Service
	cache      *cache.Cache
}

// New builds every subsystem from cfg but starts nothing; call Start to
// bring the node up.
func New(cfg *config.Config) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("node: invalid configuration: %w", err)
	}

	id, err := loadOrCreateIdentity(cfg.IdentityPath)
	if err != nil {
		return nil, err
	}

	tlsConfig, err := id.SelfSignedTLSConfig([]string{"meshvault/1"})
	if err != nil {
		return nil, err
	}

	tr, listenAddr := selectTransport(cfg)

	netSvc, err := network.New(&network.Config{
		Identity:   id,
		Transport:  tr,
		TLSConfig:  tlsConfig,
		ListenAddr: listenAddr,
		SwarmID:    cfg.SwarmID,
	})
	if err != nil {
		return nil, fmt.Errorf("node: failed to create network service: %w", err)
	}

	st, err := store.Open(store.DefaultConfig(cfg.DataDir))
	if err != nil {
		return nil, fmt.Errorf("node: failed to open store: %w", err)
	}

	dhtInstance, err := dht.New(&dht.Config{
		SwarmID:  cfg.SwarmID,
		Identity: id,
		Network:  netSvc,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: failed to create DHT: %w", err)
	}
	netSvc.SetDHTHandler(dhtInstance)

	disp, err := dispatcher.New(&dispatcher.Config{
		Identity:                id,
		Network:                 netSvc,
		Store:                   st.Chunks(),
		MaxConcurrentRetrievals: cfg.Dispatcher.MaxConcurrentRetrievals,
		MaxConcurrentUploads:    cfg.Dispatcher.MaxConcurrentUploads,
		ChunkTimeout:            cfg.Dispatcher.ChunkTimeout,
		RetryAttempts:           cfg.Dispatcher.RetryFailedChunks,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: failed to create dispatcher: %w", err)
	}
	netSvc.SetChunkHandler(disp)

	seedFile := filepath.Join(cfg.DataDir, "seeds.json")
	bootstrap, err := dht.NewBootstrap(&dht.BootstrapConfig{
		DHT:            dhtInstance,
		SeedFile:       seedFile,
		MinConnections: 1,
		MaxConnections: 8,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: failed to create bootstrap manager: %w", err)
	}
	for _, peer := range cfg.Bootstrap {
		_ = bootstrap.AddSeedNode(&dht.SeedNode{
			BID:      peer.PeerID,
			Addrs:    []string{peer.Address},
			Priority: peer.Priority,
			Region:   peer.Region,
		})
	}

	act, err := actor.New(&actor.Config{
		Identity:  id,
		DHT:       dhtInstance,
		Bootstrap: bootstrap,
		Store:     st,
	})
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: failed to create actor: %w", err)
	}

	quorumMgr := quorum.New(quorum.Config{
		MinQuorum:            cfg.Quorum.MinQuorum,
		MaxQuorum:            cfg.Quorum.MaxQuorum,
		QuorumPercentage:     cfg.Quorum.QuorumPercentage,
		MinPeersForPercent:   cfg.Quorum.MinPeersForPercent,
		AdaptiveQuorum:       true,
		ReliabilityThreshold: cfg.Quorum.ReliabilityThreshold,
	})

	failoverMgr := failover.New(failover.Config{
		HealthCheckInterval:       cfg.Failover.HealthCheckInterval,
		SustainedFailureThreshold: cfg.Failover.SustainedFailureThreshold,
		RedundancyFactor:          cfg.Failover.RedundancyFactor,
		Breaker:                   resilience.DefaultCircuitBreakerConfig(),
	})

	quotaSvc := quota.New(cfg.Quota.Enabled)

	n := &Node{
		cfg:        cfg,
		identity:   id,
		network:    netSvc,
		dht:        dhtInstance,
		bootstrap:  bootstrap,
		store:      st,
		actor:      act,
		dispatcher: disp,
		quorum:     quorumMgr,
		failover:   failoverMgr,
		quota:      quotaSvc,
	}

	cacheInstance, err := cache.New(cache.Config{
		FileCacheSizeBytes:  cfg.Cache.FileCacheSizeBytes,
		ChunkCacheSizeBytes: cfg.Cache.ChunkCacheSizeBytes,
		SweepInterval:       cfg.Cache.SweepInterval,
		PreloadInterval:     cfg.Cache.PreloadInterval,
	}, n)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("node: failed to create cache: %w", err)
	}
	n.cache = cacheInstance

	return n, nil
}

func selectTransport(cfg *config.Config) (transport.Transport, string) {
	if cfg.Listen.Protocol == "tcp" {
		return tcp.New(), cfg.Listen.TCP
	}
	return quic.New(), cfg.Listen.QUIC
}

func loadOrCreateIdentity(path string) (*identity.Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return identity.LoadFromFile(path)
	}

	id, err := identity.GenerateIdentity()
	if err != nil {
		return nil, fmt.Errorf("node: failed to generate identity: %w", err)
	}
	if err := id.SaveToFile(path); err != nil {
		return nil, fmt.Errorf("node: failed to persist identity: %w", err)
	}
	return id, nil
}

// Identity returns the node's own identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// Start brings every subsystem online: the actor (which in turn starts the
// DHT), the network listener, bootstrap against the configured seeds, and
// the cache's background sweep/preload loops.
func (n *Node) Start(ctx context.Context) error {
	if err := n.actor.Start(ctx); err != nil {
		return err
	}
	if err := n.network.ListenAndServe(ctx); err != nil {
		return err
	}
	if len(n.cfg.Bootstrap) > 0 {
		if err := n.actor.Bootstrap(ctx); err != nil {
			return fmt.Errorf("node: bootstrap failed: %w", err)
		}
	}
	n.failover.Start(ctx)
	n.cache.Start(ctx)
	return nil
}

// Stop shuts every subsystem down in roughly the reverse order they were
// started.
func (n *Node) Stop(ctx context.Context) error {
	n.cache.Stop()
	n.failover.Stop()
	if err := n.actor.Stop(ctx); err != nil {
		return err
	}
	if err := n.network.Close(); err != nil {
		return err
	}
	return n.store.Close()
}

// Addr returns the network service's bound listen address.
func (n *Node) Addr() string {
	if addr := n.network.Addr(); addr != nil {
		return addr.String()
	}
	return ""
}

// connectedPeerBIDs returns the BIDs this node currently knows about, the
// population CalculateQuorum reasons about.
func (n *Node) connectedPeerBIDs() []string {
	nodes := n.dht.GetAllNodes()
	bids := make([]string, len(nodes))
	for i, node := range nodes {
		bids[i] = node.BID
	}
	return bids
}

// replicaTargets picks up to count peers closest to cid in keyspace,
// excluding this node itself.
func (n *Node) replicaTargets(cid content.CID, count int) []*dht.Node {
	if count <= 0 {
		count = n.cfg.Quorum.MinQuorum
	}
	targetID := dht.NodeID(blake3.Sum256(cid.Hash))
	candidates := n.dht.GetClosestNodes(targetID, count+1)

	self := n.identity.BID()
	out := make([]*dht.Node, 0, len(candidates))
	for _, c := range candidates {
		if c.BID == self {
			continue
		}
		out = append(out, c)
		if len(out) == count {
			break
		}
	}
	return out
}

// Put erasure-codes, encrypts and disperses data across the overlay,
// returning the hex-encoded handle a later Get resolves it by. Recipient
// key management (pkg/external.KeyManager) is out of scope for this
// module, so a standalone node always encrypts to its own X25519 key; a
// deployment that wires in a real key manager would pass the intended
// recipient's public key here instead.
func (n *Node) Put(ctx context.Context, name string, data []byte) (string, error) {
	bid := n.identity.BID()

	if err := n.quota.CheckAdmission(bid, quota.OpUpload, uint64(len(data))); err != nil {
		return "", err
	}
	n.quota.BeginOperation(bid, uint64(len(data)))
	defer n.quota.EndOperation(bid)

	shards, metadata, err := pipeline.PutObject(
		data,
		n.identity.KeyAgreementPublicKey,
		n.identity.PublicKeyHex(),
		name,
		n.cfg.ErasureCoding.DataShards,
		n.cfg.ErasureCoding.ParityShards,
	)
	if err != nil {
		return "", err
	}

	replicaCount := n.quorum.CalculateQuorum(n.connectedPeerBIDs())
	if replicaCount == quorum.All {
		replicaCount = n.cfg.Quorum.MaxQuorum
	}

	for _, shard := range shards {
		cid := content.NewCID(shard)
		chunk := &content.Chunk{CID: cid, Data: shard, Size: uint64(len(shard))}
		replicas := n.replicaTargets(cid, replicaCount)
		if err := n.dispatcher.StoreChunk(ctx, chunk, replicas); err != nil {
			return "", fmt.Errorf("node: failed to store shard: %w", err)
		}
	}

	if err := n.store.PutMetadata(metadata.FileHandle[:], metadata); err != nil {
		return "", err
	}

	handle := hex.EncodeToString(metadata.FileHandle[:])
	n.cache.PutFile(handle, data, cache.PriorityMedium)
	n.quota.RecordStorage(bid, int64(len(data)))

	return handle, nil
}

// Get resolves handle to the original plaintext, reconstructing any
// missing or corrupt shards from the erasure-coded parity set.
func (n *Node) Get(ctx context.Context, handle string) ([]byte, error) {
	if data, ok := n.cache.GetFile(handle); ok {
		return data, nil
	}
	return n.fetchAndReconstruct(ctx, handle)
}

// Preload implements cache.Preloader, letting the background preloader
// refill hot entries the same way an explicit Get would.
func (n *Node) Preload(handle string) ([]byte, error) {
	return n.fetchAndReconstruct(context.Background(), handle)
}

func (n *Node) fetchAndReconstruct(ctx context.Context, handle string) ([]byte, error) {
	bid := n.identity.BID()
	if err := n.quota.CheckAdmission(bid, quota.OpRead, 0); err != nil {
		return nil, err
	}

	fileKey, err := hex.DecodeString(handle)
	if err != nil {
		return nil, fmt.Errorf("node: invalid object handle: %w", err)
	}

	metadata, err := n.store.GetMetadata(fileKey)
	if err != nil {
		return nil, err
	}

	shards := make([][]byte, len(metadata.ChunkKeys))
	for i, chunkHash := range metadata.ChunkKeys {
		cid, err := content.NewCIDFromHash(chunkHash)
		if err != nil {
			continue
		}

		targetID := dht.NodeID(blake3.Sum256(cid.Hash))
		candidates := n.dht.GetClosestNodes(targetID, n.cfg.Quorum.MaxQuorum)

		chunk, err := n.dispatcher.FetchChunk(ctx, cid, candidates)
		if err != nil || !pipeline.VerifyChunk(metadata, i, chunk.Data) {
			continue
		}
		shards[i] = chunk.Data
	}

	plaintext, err := pipeline.GetObject(
		metadata,
		n.identity.KeyAgreementPrivateKey,
		shards,
		n.cfg.ErasureCoding.DataShards,
		n.cfg.ErasureCoding.ParityShards,
	)
	if err != nil {
		return nil, err
	}

	n.cache.PutFile(handle, plaintext, cache.PriorityMedium)
	return plaintext, nil
}
