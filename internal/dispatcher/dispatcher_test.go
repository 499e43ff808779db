package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/pkg/content"
	"github.com/meshvault/meshvault/pkg/wire"
)

// memStore is a minimal in-memory content.ChunkStore for tests.
type memStore struct {
	mu     sync.Mutex
	chunks map[string]*content.Chunk
}

func newMemStore() *memStore { return &memStore{chunks: make(map[string]*content.Chunk)} }

func (s *memStore) Put(chunk *content.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks[chunk.CID.String] = chunk
	return nil
}

func (s *memStore) Get(cid content.CID) (*content.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[cid.String]
	if !ok {
		return nil, errNotFound
	}
	return c, nil
}

func (s *memStore) Has(cid content.CID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.chunks[cid.String]
	return ok
}

func (s *memStore) Delete(cid content.CID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, cid.String)
	return nil
}

func (s *memStore) List() ([]content.CID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []content.CID
	for _, c := range s.chunks {
		out = append(out, c.CID)
	}
	return out, nil
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errNotFound = testErr("not found")

// fakeNetwork answers every FETCH_CHUNK by immediately invoking the
// dispatcher's HandleChunkData callback with canned data, simulating a
// peer that has (or doesn't have) the requested shard.
type fakeNetwork struct {
	mu       sync.Mutex
	sent     int
	data     map[string][]byte // peer BID -> chunk bytes to answer with
	fail     map[string]bool
	delay    time.Duration
	callback func(*wire.BaseFrame) error
}

func (f *fakeNetwork) SendMessage(ctx context.Context, target *dht.Node, frame *wire.BaseFrame) error {
	f.mu.Lock()
	f.sent++
	fail := f.fail[target.BID]
	data, hasData := f.data[target.BID]
	delay := f.delay
	f.mu.Unlock()

	if fail {
		return context.DeadlineExceeded
	}

	body, ok := frame.Body.(*wire.FetchChunkBody)
	if !ok {
		return nil
	}

	go func() {
		if delay > 0 {
			time.Sleep(delay)
		}
		var replyData []byte
		if hasData {
			replyData = data
		} else {
			replyData = []byte("data for " + body.CID)
		}
		reply := wire.NewChunkDataFrame(target.BID, frame.Seq, body.CID, 0, replyData)
		_ = f.callback(reply)
	}()
	return nil
}

func newTestDispatcher(t *testing.T, net *fakeNetwork) (*Dispatcher, *memStore) {
	t.Helper()
	store := newMemStore()
	d, err := New(&Config{Network: net, Store: store, ChunkTimeout: 200 * time.Millisecond, RetryAttempts: 2})
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	net.callback = d.HandleChunkData
	return d, store
}

func TestFetchChunkPrefersLocalStore(t *testing.T) {
	net := &fakeNetwork{}
	d, store := newTestDispatcher(t, net)

	chunk := &content.Chunk{CID: content.NewCID([]byte("local")), Data: []byte("local")}
	_ = store.Put(chunk)

	got, err := d.FetchChunk(context.Background(), chunk.CID, []*dht.Node{{BID: "peer1"}})
	if err != nil {
		t.Fatalf("FetchChunk failed: %v", err)
	}
	if string(got.Data) != "local" {
		t.Errorf("expected local chunk data, got %q", got.Data)
	}
	if net.sent != 0 {
		t.Error("expected no network traffic when the chunk is already local")
	}
}

func TestFetchChunkRacesPeersAndSucceeds(t *testing.T) {
	data := []byte("shard bytes")
	cid := content.NewCID(data)
	net := &fakeNetwork{data: map[string][]byte{"peer1": data, "peer2": data}}
	d, _ := newTestDispatcher(t, net)

	peers := []*dht.Node{{BID: "peer1"}, {BID: "peer2"}}
	got, err := d.FetchChunk(context.Background(), cid, peers)
	if err != nil {
		t.Fatalf("FetchChunk failed: %v", err)
	}
	if string(got.Data) != string(data) {
		t.Errorf("data mismatch: got %q", got.Data)
	}
}

func TestFetchChunkFallsBackAfterRaceFails(t *testing.T) {
	data := []byte("shard from fallback peer")
	cid := content.NewCID(data)
	net := &fakeNetwork{
		fail: map[string]bool{"peer1": true, "peer2": true, "peer3": true},
		data: map[string][]byte{"peer4": data},
	}
	d, _ := newTestDispatcher(t, net)

	// peer1..peer3 fill the race and all fail, so peer4 is only reached by
	// the sequential retry that follows the race.
	peers := []*dht.Node{{BID: "peer1"}, {BID: "peer2"}, {BID: "peer3"}, {BID: "peer4"}}
	got, err := d.FetchChunk(context.Background(), cid, peers)
	if err != nil {
		t.Fatalf("FetchChunk failed: %v", err)
	}
	if string(got.Data) != string(data) {
		t.Errorf("data mismatch: got %q", got.Data)
	}
}

func TestFetchChunkFailsWhenNoPeerHasIt(t *testing.T) {
	cid := content.NewCID([]byte("missing"))
	net := &fakeNetwork{fail: map[string]bool{"peer1": true}}
	d, _ := newTestDispatcher(t, net)

	if _, err := d.FetchChunk(context.Background(), cid, []*dht.Node{{BID: "peer1"}}); err == nil {
		t.Error("expected an error when every peer fails")
	}
}

func TestFetchChunkRejectsMismatchedData(t *testing.T) {
	cid := content.NewCID([]byte("expected"))
	net := &fakeNetwork{data: map[string][]byte{"peer1": []byte("wrong data entirely")}}
	d, _ := newTestDispatcher(t, net)

	if _, err := d.FetchChunk(context.Background(), cid, []*dht.Node{{BID: "peer1"}}); err == nil {
		t.Error("expected an integrity error for mismatched chunk data")
	}
}

func TestStoreChunkReplicatesToPeers(t *testing.T) {
	net := &fakeNetwork{}
	d, store := newTestDispatcher(t, net)

	chunk := &content.Chunk{CID: content.NewCID([]byte("to replicate")), Data: []byte("to replicate")}
	replicas := []*dht.Node{{BID: "peer1"}, {BID: "peer2"}}

	if err := d.StoreChunk(context.Background(), chunk, replicas); err != nil {
		t.Fatalf("StoreChunk failed: %v", err)
	}
	if !store.Has(chunk.CID) {
		t.Error("expected chunk to be stored locally")
	}
	if net.sent != 2 {
		t.Errorf("expected 2 replication sends, got %d", net.sent)
	}
}

func TestOrderByReputationPrefersSuccessfulPeers(t *testing.T) {
	net := &fakeNetwork{}
	d, _ := newTestDispatcher(t, net)

	d.recordOutcome("good", true)
	d.recordOutcome("good", true)
	d.recordOutcome("bad", false)
	d.recordOutcome("bad", false)

	ordered := d.orderByReputation([]*dht.Node{{BID: "bad"}, {BID: "good"}})
	if ordered[0].BID != "good" {
		t.Errorf("expected the higher-reputation peer first, got %s", ordered[0].BID)
	}
}
