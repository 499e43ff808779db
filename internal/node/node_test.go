package node

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshvault/meshvault/pkg/config"
)

func testConfig(t *testing.T, swarmID string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.SwarmID = swarmID
	cfg.DataDir = dir
	cfg.IdentityPath = filepath.Join(dir, "identity.json")
	cfg.Listen.Protocol = "tcp"
	cfg.Listen.TCP = "127.0.0.1:0"
	cfg.Quorum.MinQuorum = 1
	cfg.Quorum.MaxQuorum = 1
	return cfg
}

// A standalone node with no peers still has to be able to round-trip an
// object through itself: StoreChunk always writes the local store first
// and FetchChunk always checks it first, so an empty replica set degrades
// to pure local storage rather than failing.
func TestPutGetRoundTripStandaloneNode(t *testing.T) {
	cfg := testConfig(t, "test-swarm")

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background())

	want := []byte("the quick brown fox jumps over the lazy dog, repeated enough to span a few chunks")
	handle, err := n.Put(ctx, "fox.txt", want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if handle == "" {
		t.Fatal("Put returned an empty handle")
	}

	got, err := n.Get(ctx, handle)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %q, want %q", got, want)
	}
}

// A second Get against the same handle must hit the cache rather than the
// network/store path, and still return identical plaintext.
func TestGetServesFromCacheOnSecondCall(t *testing.T) {
	cfg := testConfig(t, "test-swarm")

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background())

	want := []byte("cache me if you can")
	handle, err := n.Put(ctx, "note.txt", want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	if _, err := n.Get(ctx, handle); err != nil {
		t.Fatalf("first Get: %v", err)
	}

	got, ok := n.cache.GetFile(handle)
	if !ok {
		t.Fatal("expected handle to be present in cache after Get")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("cached content mismatch: got %q, want %q", got, want)
	}
}

// Preload must reconstruct the same plaintext Get would, since the cache's
// background preloader drives it directly.
func TestPreloadMatchesGet(t *testing.T) {
	cfg := testConfig(t, "test-swarm")

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background())

	want := []byte("preload payload")
	handle, err := n.Put(ctx, "preload.txt", want)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := n.Preload(handle)
	if err != nil {
		t.Fatalf("Preload: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("preload mismatch: got %q, want %q", got, want)
	}
}

// Get on a handle that was never Put should fail rather than silently
// returning zero-value bytes.
func TestGetUnknownHandleFails(t *testing.T) {
	cfg := testConfig(t, "test-swarm")

	n, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := n.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer n.Stop(context.Background())

	if _, err := n.Get(ctx, "deadbeef"); err == nil {
		t.Fatal("expected Get on an unknown handle to fail")
	}
}

// New must reject a config that fails Validate before touching disk.
func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "")
	if _, err := New(cfg); err == nil {
		t.Fatal("expected New to reject a config with no swarm ID")
	}
}

// A second New against the same identity path must reload the saved
// identity rather than generating a new one.
func TestNewReusesPersistedIdentity(t *testing.T) {
	cfg := testConfig(t, "test-swarm")

	n1, err := New(cfg)
	if err != nil {
		t.Fatalf("first New: %v", err)
	}
	// New alone (without Start) still opens the on-disk store exclusively;
	// close it directly rather than through Stop, which assumes Start ran.
	if err := n1.store.Close(); err != nil {
		t.Fatalf("closing first node's store: %v", err)
	}

	cfg2 := *cfg
	n2, err := New(&cfg2)
	if err != nil {
		t.Fatalf("second New: %v", err)
	}
	defer n2.store.Close()

	if n1.Identity().BID() != n2.Identity().BID() {
		t.Fatalf("expected reused identity, got BIDs %s and %s", n1.Identity().BID(), n2.Identity().BID())
	}
}
