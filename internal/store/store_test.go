package store

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"lukechampine.com/blake3"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/pkg/content"
	"github.com/meshvault/meshvault/pkg/pipeline"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig(dir)
	cfg.SweepInterval = time.Hour // keep the sweeper out of the way during tests
	s, err := Open(cfg)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeChunk(data []byte) *content.Chunk {
	cid := content.NewCID(data)
	return &content.Chunk{CID: cid, Data: data, Size: uint64(len(data))}
}

func TestPutGetChunkRoundTrip(t *testing.T) {
	s := openTestStore(t)
	chunk := makeChunk([]byte("shard bytes"))

	if err := s.PutChunk(chunk); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}

	got, err := s.GetChunk(chunk.CID)
	if err != nil {
		t.Fatalf("GetChunk failed: %v", err)
	}
	if !bytes.Equal(got.Data, chunk.Data) {
		t.Error("retrieved chunk data mismatch")
	}
	if !s.HasChunk(chunk.CID) {
		t.Error("expected HasChunk to report true")
	}
}

func TestGetChunkNotFound(t *testing.T) {
	s := openTestStore(t)
	cid := content.NewCID([]byte("never stored"))
	if _, err := s.GetChunk(cid); err == nil {
		t.Error("expected an error for a missing chunk")
	}
}

func TestDeleteChunk(t *testing.T) {
	s := openTestStore(t)
	chunk := makeChunk([]byte("to be deleted"))
	if err := s.PutChunk(chunk); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}
	if err := s.DeleteChunk(chunk.CID); err != nil {
		t.Fatalf("DeleteChunk failed: %v", err)
	}
	if s.HasChunk(chunk.CID) {
		t.Error("expected chunk to be gone after delete")
	}
}

func TestListChunks(t *testing.T) {
	s := openTestStore(t)
	c1 := makeChunk([]byte("one"))
	c2 := makeChunk([]byte("two"))
	if err := s.PutChunk(c1); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}
	if err := s.PutChunk(c2); err != nil {
		t.Fatalf("PutChunk failed: %v", err)
	}

	cids, err := s.ListChunks()
	if err != nil {
		t.Fatalf("ListChunks failed: %v", err)
	}
	if len(cids) != 2 {
		t.Fatalf("expected 2 chunks, got %d", len(cids))
	}
}

func TestChunksAdapterSatisfiesChunkStore(t *testing.T) {
	s := openTestStore(t)
	var _ content.ChunkStore = s.Chunks()
}

func makeSignedRecord(t *testing.T, key, value []byte, expiresAt uint64) *dht.SignedRecord {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	rec, err := dht.NewSignedRecord(key, value, "tester", expiresAt, priv)
	if err != nil {
		t.Fatalf("failed to sign record: %v", err)
	}
	if err := rec.Verify(pub); err != nil {
		t.Fatalf("self-verification failed: %v", err)
	}
	return rec
}

func TestPutGetRecordRoundTrip(t *testing.T) {
	s := openTestStore(t)
	key := blake3.Sum256([]byte("record-key"))
	rec := makeSignedRecord(t, key[:], []byte("record-value"), 0)

	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := s.GetRecord(key[:])
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if !bytes.Equal(got.Value, rec.Value) {
		t.Error("retrieved record value mismatch")
	}
}

func TestGetRecordExpired(t *testing.T) {
	s := openTestStore(t)
	key := blake3.Sum256([]byte("expired-key"))
	pastExpiry := uint64(time.Now().Add(-time.Hour).UnixMilli())
	rec := makeSignedRecord(t, key[:], []byte("stale"), pastExpiry)

	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	if _, err := s.GetRecord(key[:]); err == nil {
		t.Error("expected GetRecord to report the expired record as not found")
	}
}

func TestRecordsSkipsExpired(t *testing.T) {
	s := openTestStore(t)

	liveKey := blake3.Sum256([]byte("live"))
	live := makeSignedRecord(t, liveKey[:], []byte("live-value"), 0)
	if err := s.PutRecord(live); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	staleKey := blake3.Sum256([]byte("stale"))
	pastExpiry := uint64(time.Now().Add(-time.Hour).UnixMilli())
	stale := makeSignedRecord(t, staleKey[:], []byte("stale-value"), pastExpiry)
	if err := s.PutRecord(stale); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	records, err := s.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 live record, got %d", len(records))
	}
	if !bytes.Equal(records[0].Value, live.Value) {
		t.Error("expected the surviving record to be the live one")
	}
}

func TestDeleteRecord(t *testing.T) {
	s := openTestStore(t)
	key := blake3.Sum256([]byte("to-delete"))
	rec := makeSignedRecord(t, key[:], []byte("value"), 0)
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}
	if err := s.DeleteRecord(key[:]); err != nil {
		t.Fatalf("DeleteRecord failed: %v", err)
	}
	if _, err := s.GetRecord(key[:]); err == nil {
		t.Error("expected record to be gone after delete")
	}
}

func TestSweepExpiredRecordsRemovesStaleEntries(t *testing.T) {
	s := openTestStore(t)
	key := blake3.Sum256([]byte("sweep-me"))
	pastExpiry := uint64(time.Now().Add(-time.Minute).UnixMilli())
	rec := makeSignedRecord(t, key[:], []byte("value"), pastExpiry)
	if err := s.PutRecord(rec); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	s.sweepExpiredRecords()

	records, err := s.Records()
	if err != nil {
		t.Fatalf("Records failed: %v", err)
	}
	if len(records) != 0 {
		t.Errorf("expected sweeper to remove the expired record, found %d remaining", len(records))
	}
}

func TestPutGetMetadataRoundTrip(t *testing.T) {
	s := openTestStore(t)
	fileKey := blake3.Sum256([]byte("object-key"))
	metadata := &pipeline.StoredFileMetadata{
		ChunkKeys:    [][]byte{[]byte("k1"), []byte("k2")},
		FileSize:     1024,
		PublicKeyHex: "deadbeef",
		FileName:     "notes.txt",
		StoredAt:     time.Now().UTC(),
	}

	if err := s.PutMetadata(fileKey[:], metadata); err != nil {
		t.Fatalf("PutMetadata failed: %v", err)
	}

	got, err := s.GetMetadata(fileKey[:])
	if err != nil {
		t.Fatalf("GetMetadata failed: %v", err)
	}
	if got.FileName != metadata.FileName || got.FileSize != metadata.FileSize {
		t.Error("retrieved metadata mismatch")
	}
}

func TestDeleteMetadata(t *testing.T) {
	s := openTestStore(t)
	fileKey := blake3.Sum256([]byte("to-delete-object"))
	metadata := &pipeline.StoredFileMetadata{FileSize: 1}
	if err := s.PutMetadata(fileKey[:], metadata); err != nil {
		t.Fatalf("PutMetadata failed: %v", err)
	}
	if err := s.DeleteMetadata(fileKey[:]); err != nil {
		t.Fatalf("DeleteMetadata failed: %v", err)
	}
	if _, err := s.GetMetadata(fileKey[:]); err == nil {
		t.Error("expected metadata to be gone after delete")
	}
}
