// Package dht implements the main DHT interface and operations
package dht

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"sync"
	"time"

	"github.com/meshvault/meshvault/pkg/constants"
	"github.com/meshvault/meshvault/pkg/identity"
	"github.com/meshvault/meshvault/pkg/wire"
	"lukechampine.com/blake3"
)

// DHT represents a Kademlia-compatible Distributed Hash Table
type DHT struct {
	mu           sync.RWMutex
	localNode    *Node
	routingTable *RoutingTable
	identity     *identity.Identity
	swarmID      string

	// Storage for DHT records. This is the overlay's own short-lived view of
	// recently seen keys; the durable, TTL-swept record store lives above
	// this layer and is driven by the network actor.
	storage map[string]*DHTRecord

	// Network layer (to be injected)
	network NetworkInterface

	// Security
	security *SecurityManager

	// Configuration
	alpha int // Concurrency parameter for iterative operations

	// pending tracks in-flight GET lookups awaiting a reply, keyed by the
	// sequence number of the outbound DHT_GET frame. Mirrors the
	// response-channel-per-request idiom used by the chunk dispatcher.
	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.DHTGetReplyBody

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	seq uint64 // atomic-free; only touched under mu
}

// DHTRecord represents a stored record in the DHT
type DHTRecord struct {
	Key       []byte
	Value     []byte
	Signature []byte
	Timestamp time.Time
	TTL       time.Duration
}

// NetworkInterface defines the interface for network operations
type NetworkInterface interface {
	SendMessage(ctx context.Context, target *Node, frame *wire.BaseFrame) error
	BroadcastMessage(ctx context.Context, frame *wire.BaseFrame) error
}

// Config holds DHT configuration
type Config struct {
	SwarmID  string
	Identity *identity.Identity
	Network  NetworkInterface
	Alpha    int // Concurrency parameter (default: 3)
}

// New creates a new DHT instance
func New(config *Config) (*DHT, error) {
	if config.Identity == nil {
		return nil, fmt.Errorf("identity is required")
	}

	if config.SwarmID == "" {
		return nil, fmt.Errorf("swarm ID is required")
	}

	alpha := config.Alpha
	if alpha <= 0 {
		alpha = constants.DHTAlpha
	}

	// Create local node
	localNode := NewNode(config.Identity.BID(), []string{})

	// Create security manager
	securityConfig := &SecurityConfig{}
	security := NewSecurityManager(securityConfig)

	dht := &DHT{
		localNode:    localNode,
		routingTable: NewRoutingTable(localNode.ID),
		identity:     config.Identity,
		swarmID:      config.SwarmID,
		storage:      make(map[string]*DHTRecord),
		pending:      make(map[uint64]chan *wire.DHTGetReplyBody),
		network:      config.Network,
		security:     security,
		alpha:        alpha,
		done:         make(chan struct{}),
	}

	return dht, nil
}

// Start starts the DHT
func (d *DHT) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.ctx != nil {
		return fmt.Errorf("DHT is already running")
	}

	d.ctx, d.cancel = context.WithCancel(ctx)

	// Start background maintenance
	go d.maintenanceLoop()

	return nil
}

// Stop stops the DHT
func (d *DHT) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}

	// Wait for maintenance loop to finish
	select {
	case <-d.done:
	case <-time.After(5 * time.Second):
		// Timeout waiting for shutdown
	}

	return nil
}

// AddNode adds a node to the routing table
func (d *DHT) AddNode(node *Node) bool {
	return d.routingTable.Add(node)
}

// RemoveNode removes a node from the routing table
func (d *DHT) RemoveNode(nodeID NodeID) bool {
	return d.routingTable.Remove(nodeID)
}

// GetClosestNodes returns the k closest nodes to the target ID
func (d *DHT) GetClosestNodes(target NodeID, k int) []*Node {
	return d.routingTable.GetClosest(target, k)
}

// Put stores a value in the DHT under key, replicated to the closest nodes
// with the given TTL and replica quorum hint.
func (d *DHT) Put(ctx context.Context, key []byte, value []byte, ttl time.Duration, quorum int) error {
	if len(key) != 32 {
		return fmt.Errorf("key must be exactly 32 bytes")
	}

	if ttl <= 0 {
		ttl = constants.RecordDefaultTTL
	}

	// Sign the key|value pair
	signData := append(append([]byte{}, key...), value...)
	signature := ed25519.Sign(d.identity.SigningPrivateKey, signData)

	// Store locally
	keyStr := string(key)
	d.mu.Lock()
	d.storage[keyStr] = &DHTRecord{
		Key:       key,
		Value:     value,
		Signature: signature,
		Timestamp: time.Now(),
		TTL:       ttl,
	}
	d.mu.Unlock()

	// Find closest nodes to the key
	targetID := NodeID(blake3.Sum256(key))
	closestNodes := d.GetClosestNodes(targetID, constants.DHTBucketSize)

	// Send PUT messages to closest nodes
	frame := wire.NewDHTPutFrame(d.identity.BID(), d.nextSeq(), key, value, signature, uint64(ttl.Seconds()), quorum)

	var wg sync.WaitGroup
	for _, node := range closestNodes {
		if d.network == nil {
			continue
		}
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			if err := d.network.SendMessage(ctx, n, frame); err != nil {
				fmt.Printf("failed to send PUT to node %s: %v\n", n.BID, err)
			}
		}(node)
	}
	wg.Wait()

	return nil
}

// Get retrieves a value from the DHT
func (d *DHT) Get(ctx context.Context, key []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("key must be exactly 32 bytes")
	}

	// Check local storage first
	keyStr := string(key)
	d.mu.RLock()
	if record, exists := d.storage[keyStr]; exists && !d.isExpired(record) {
		d.mu.RUnlock()
		return record.Value, nil
	}
	d.mu.RUnlock()

	// Perform iterative lookup
	targetID := NodeID(blake3.Sum256(key))
	return d.iterativeGet(ctx, targetID, key)
}

// GetAllNodes returns all nodes in the routing table
func (d *DHT) GetAllNodes() []*Node {
	return d.routingTable.GetAllNodes()
}

// GetRoutingTableSize returns the number of nodes in the routing table
func (d *DHT) GetRoutingTableSize() int {
	return d.routingTable.Size()
}

// maintenanceLoop runs periodic maintenance tasks
func (d *DHT) maintenanceLoop() {
	defer close(d.done)

	ticker := time.NewTicker(30 * time.Second) // Run maintenance every 30 seconds
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.performMaintenance()
		}
	}
}

// performMaintenance performs periodic maintenance tasks
func (d *DHT) performMaintenance() {
	// Remove stale nodes
	staleTimeout := 10 * time.Minute
	removed := d.routingTable.RemoveStale(staleTimeout)
	if removed > 0 {
		fmt.Printf("Removed %d stale nodes from routing table\n", removed)
	}

	// Clean up expired records
	d.cleanupExpiredRecords()
}

// cleanupExpiredRecords removes expired records from local storage
func (d *DHT) cleanupExpiredRecords() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for key, record := range d.storage {
		if d.isExpired(record) {
			delete(d.storage, key)
		}
	}
}

// isExpired checks if a record has expired
func (d *DHT) isExpired(record *DHTRecord) bool {
	return time.Since(record.Timestamp) > record.TTL
}

// iterativeGet performs a lookup for a key against the alpha closest nodes,
// racing their replies and returning the first value found. Each outbound
// request registers a reply channel keyed by sequence number; HandleDHTMessage
// delivers DHT_GET_REPLY frames back onto that channel as they arrive.
func (d *DHT) iterativeGet(ctx context.Context, targetID NodeID, key []byte) ([]byte, error) {
	closestNodes := d.GetClosestNodes(targetID, d.alpha)
	if len(closestNodes) == 0 {
		return nil, fmt.Errorf("no nodes available for lookup")
	}
	if d.network == nil {
		return nil, fmt.Errorf("no network interface configured")
	}

	replyCh := make(chan *wire.DHTGetReplyBody, len(closestNodes))

	for _, node := range closestNodes {
		seq := d.nextSeq()

		d.pendingMu.Lock()
		d.pending[seq] = replyCh
		d.pendingMu.Unlock()

		frame := wire.NewDHTGetFrame(d.identity.BID(), seq, key)
		go func(n *Node, s uint64) {
			if err := d.network.SendMessage(ctx, n, frame); err != nil {
				fmt.Printf("failed to send GET to node %s: %v\n", n.BID, err)
			}
		}(node, seq)

		defer func(s uint64) {
			d.pendingMu.Lock()
			delete(d.pending, s)
			d.pendingMu.Unlock()
		}(seq)
	}

	for i := 0; i < len(closestNodes); i++ {
		select {
		case reply := <-replyCh:
			if reply.Found {
				return reply.Value, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, fmt.Errorf("key not found")
}

// HandleDHTMessage handles incoming DHT messages with security checks
func (d *DHT) HandleDHTMessage(frame *wire.BaseFrame) error {
	// Security check: rate limiting and blacklist
	if !d.security.AllowRequest(frame.From) {
		return fmt.Errorf("request from %s denied by security policy", frame.From)
	}

	switch frame.Kind {
	case constants.KindDHTGet:
		return d.handleDHTGet(frame)
	case constants.KindDHTGetReply:
		return d.handleDHTGetReply(frame)
	case constants.KindDHTPut:
		return d.handleDHTPut(frame)
	default:
		return fmt.Errorf("unsupported DHT message kind: %d", frame.Kind)
	}
}

// handleDHTGet handles DHT GET requests and replies to the requester.
func (d *DHT) handleDHTGet(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTGetBody)
	if !ok {
		return fmt.Errorf("invalid DHT GET body")
	}

	keyStr := string(body.Key)
	d.mu.RLock()
	record, exists := d.storage[keyStr]
	d.mu.RUnlock()

	found := exists && !d.isExpired(record)
	var value []byte
	if found {
		value = record.Value
	}

	reply := wire.NewDHTGetReplyFrame(d.identity.BID(), frame.Seq, body.Key, value, found)

	if d.network == nil {
		return nil
	}
	node := NewNode(frame.From, nil)
	return d.network.SendMessage(d.ctx, node, reply)
}

// handleDHTGetReply delivers a DHT_GET reply to the pending lookup awaiting
// it, matched by the request's sequence number which the reply echoes.
func (d *DHT) handleDHTGetReply(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTGetReplyBody)
	if !ok {
		return fmt.Errorf("invalid DHT GET reply body")
	}

	d.pendingMu.Lock()
	ch, exists := d.pending[frame.Seq]
	d.pendingMu.Unlock()

	if !exists {
		return nil // reply for a lookup we're no longer waiting on
	}

	select {
	case ch <- body:
	default:
	}
	return nil
}

// handleDHTPut handles DHT PUT requests
func (d *DHT) handleDHTPut(frame *wire.BaseFrame) error {
	body, ok := frame.Body.(*wire.DHTPutBody)
	if !ok {
		return fmt.Errorf("invalid DHT PUT body")
	}

	ttl := constants.RecordDefaultTTL
	if body.TTLSecs > 0 {
		ttl = time.Duration(body.TTLSecs) * time.Second
	}

	keyStr := string(body.Key)
	d.mu.Lock()
	d.storage[keyStr] = &DHTRecord{
		Key:       body.Key,
		Value:     body.Value,
		Signature: body.Sig,
		Timestamp: time.Now(),
		TTL:       ttl,
	}
	d.mu.Unlock()

	if d.network != nil {
		reply := wire.NewDHTPutReplyFrame(d.identity.BID(), frame.Seq, body.Key, true, "")
		node := NewNode(frame.From, nil)
		return d.network.SendMessage(d.ctx, node, reply)
	}
	return nil
}

// GetSecurityStats returns security-related statistics
func (d *DHT) GetSecurityStats() map[string]interface{} {
	return d.security.GetStats()
}

// GetNetworkInterface returns the network interface
func (d *DHT) GetNetworkInterface() NetworkInterface {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.network
}

// HandleMessage is a wrapper for HandleDHTMessage for compatibility
func (d *DHT) HandleMessage(frame *wire.BaseFrame) error {
	return d.HandleDHTMessage(frame)
}

// nextSeq returns the next sequence number for outbound messages.
func (d *DHT) nextSeq() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seq++
	return d.seq
}
