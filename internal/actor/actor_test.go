package actor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/internal/store"
	"github.com/meshvault/meshvault/pkg/identity"
)

func newTestActor(t *testing.T) *Actor {
	t.Helper()

	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}

	d, err := dht.New(&dht.Config{SwarmID: "test-swarm", Identity: id})
	if err != nil {
		t.Fatalf("failed to create DHT: %v", err)
	}

	s, err := store.Open(store.DefaultConfig(t.TempDir()))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	b, err := dht.NewBootstrap(&dht.BootstrapConfig{
		DHT:      d,
		SeedFile: filepath.Join(t.TempDir(), "seeds.json"),
	})
	if err != nil {
		t.Fatalf("failed to create bootstrap manager: %v", err)
	}

	a, err := New(&Config{Identity: id, DHT: d, Bootstrap: b, Store: s, StatsInterval: time.Hour})
	if err != nil {
		t.Fatalf("failed to create actor: %v", err)
	}
	return a
}

func TestActorStartStopLifecycle(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()

	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if a.State() != StateRunning {
		t.Fatalf("expected state running, got %s", a.State())
	}

	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if a.State() != StateStopped {
		t.Fatalf("expected state stopped, got %s", a.State())
	}
}

func TestActorRejectsCommandsBeforeStart(t *testing.T) {
	a := newTestActor(t)
	if _, err := a.GetConnectedPeers(context.Background()); err == nil {
		t.Error("expected an error sending a command to a non-running actor")
	}
}

func TestActorPutGetRecordRoundTrip(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(ctx)

	key := make([]byte, 32)
	key[0] = 0x42
	value := []byte("hello object store")

	if err := a.PutRecord(ctx, key, value, time.Hour, 1); err != nil {
		t.Fatalf("PutRecord failed: %v", err)
	}

	got, err := a.GetRecord(ctx, key)
	if err != nil {
		t.Fatalf("GetRecord failed: %v", err)
	}
	if string(got) != string(value) {
		t.Errorf("expected %q, got %q", value, got)
	}
}

func TestActorAddPeerAddressPopulatesRoutingTable(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(ctx)

	if err := a.AddPeerAddress(ctx, "bee:key:peer1", []string{"/ip4/127.0.0.1/udp/1/quic"}); err != nil {
		t.Fatalf("AddPeerAddress failed: %v", err)
	}

	peers, err := a.GetConnectedPeers(ctx)
	if err != nil {
		t.Fatalf("GetConnectedPeers failed: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer in the routing table, got %d", len(peers))
	}
}

func TestActorGetNetworkStatsReflectsRoutingTable(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(ctx)

	_ = a.AddPeerAddress(ctx, "bee:key:peer1", []string{"addr"})

	stats, err := a.GetNetworkStats(ctx)
	if err != nil {
		t.Fatalf("GetNetworkStats failed: %v", err)
	}
	if stats.ConnectedPeers != 1 {
		t.Errorf("expected 1 connected peer, got %d", stats.ConnectedPeers)
	}
}

func TestActorBootstrapFailsWithNoSeeds(t *testing.T) {
	a := newTestActor(t)
	ctx := context.Background()
	if err := a.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer a.Stop(ctx)

	if err := a.Bootstrap(ctx); err == nil {
		t.Error("expected Bootstrap to fail with no configured seeds")
	}
}
