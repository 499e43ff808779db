package network

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/binary"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/meshvault/meshvault/internal/dht"
	"github.com/meshvault/meshvault/pkg/identity"
	"github.com/meshvault/meshvault/pkg/transport/tcp"
	"github.com/meshvault/meshvault/pkg/wire"
)

func testTLSConfig() *tls.Config {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		panic(err)
	}

	template := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{Organization: []string{"meshvault test"}},
		NotBefore:    time.Now(),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1)},
		DNSNames:     []string{"localhost"},
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		panic(err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{der},
			PrivateKey:  key,
		}},
		NextProtos:         []string{"meshvault/1"},
		InsecureSkipVerify: true,
	}
}

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.GenerateIdentity()
	if err != nil {
		t.Fatalf("failed to generate identity: %v", err)
	}
	return id
}

type recordingChunkHandler struct {
	fetches chan *wire.BaseFrame
	datas   chan *wire.BaseFrame
	reply   func(ctx context.Context, from *dht.Node, frame *wire.BaseFrame) error
}

func newRecordingChunkHandler() *recordingChunkHandler {
	return &recordingChunkHandler{
		fetches: make(chan *wire.BaseFrame, 4),
		datas:   make(chan *wire.BaseFrame, 4),
	}
}

func (h *recordingChunkHandler) HandleFetchChunk(ctx context.Context, from *dht.Node, frame *wire.BaseFrame) error {
	h.fetches <- frame
	if h.reply != nil {
		return h.reply(ctx, from, frame)
	}
	return nil
}

func (h *recordingChunkHandler) HandleChunkData(frame *wire.BaseFrame) error {
	h.datas <- frame
	return nil
}

type recordingDHTHandler struct {
	frames chan *wire.BaseFrame
}

func (h *recordingDHTHandler) HandleDHTMessage(frame *wire.BaseFrame) error {
	h.frames <- frame
	return nil
}

func mustService(t *testing.T, id *identity.Identity, listenAddr string) *Service {
	t.Helper()
	return mustServiceInSwarm(t, id, listenAddr, "test-swarm")
}

func mustServiceInSwarm(t *testing.T, id *identity.Identity, listenAddr, swarmID string) *Service {
	t.Helper()
	svc, err := New(&Config{
		Identity:   id,
		Transport:  tcp.New(),
		TLSConfig:  testTLSConfig(),
		ListenAddr: listenAddr,
		SwarmID:    swarmID,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return svc
}

func TestSendMessageDeliversFetchChunkToServer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverID := newTestIdentity(t)
	server := mustService(t, serverID, "127.0.0.1:0")
	chunks := newRecordingChunkHandler()
	server.SetChunkHandler(chunks)
	if err := server.ListenAndServe(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Close()

	clientID := newTestIdentity(t)
	client := mustService(t, clientID, "")

	target := dht.NewNode(serverID.BID(), []string{server.Addr().String()})
	frame := wire.NewFetchChunkFrame(clientID.BID(), 7, "some-cid-value", nil)

	if err := client.SendMessage(ctx, target, frame); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case got := <-chunks.fetches:
		body, ok := got.Body.(*wire.FetchChunkBody)
		if !ok {
			t.Fatalf("expected decoded FetchChunkBody, got %T", got.Body)
		}
		if body.CID != "some-cid-value" {
			t.Errorf("expected CID %q, got %q", "some-cid-value", body.CID)
		}
		if got.From != clientID.BID() {
			t.Errorf("expected From %q, got %q", clientID.BID(), got.From)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for server to receive FETCH_CHUNK")
	}
}

func TestServerReplyRoutesBackOverInboundConnection(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverID := newTestIdentity(t)
	server := mustService(t, serverID, "127.0.0.1:0")
	chunks := newRecordingChunkHandler()
	chunks.reply = func(ctx context.Context, from *dht.Node, frame *wire.BaseFrame) error {
		reply := wire.NewChunkDataFrame(serverID.BID(), frame.Seq, "some-cid-value", 0, []byte("chunk-bytes"))
		return server.SendMessage(ctx, from, reply)
	}
	server.SetChunkHandler(chunks)
	if err := server.ListenAndServe(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Close()

	clientID := newTestIdentity(t)
	client := mustService(t, clientID, "")
	clientChunks := newRecordingChunkHandler()
	client.SetChunkHandler(clientChunks)

	target := dht.NewNode(serverID.BID(), []string{server.Addr().String()})
	frame := wire.NewFetchChunkFrame(clientID.BID(), 3, "some-cid-value", nil)
	if err := client.SendMessage(ctx, target, frame); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case got := <-clientChunks.datas:
		body, ok := got.Body.(*wire.ChunkDataBody)
		if !ok {
			t.Fatalf("expected decoded ChunkDataBody, got %T", got.Body)
		}
		if string(body.Data) != "chunk-bytes" {
			t.Errorf("expected chunk data %q, got %q", "chunk-bytes", body.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for client to receive CHUNK_DATA reply")
	}
}

func TestSendMessageRejectedAcrossMismatchedSwarms(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverID := newTestIdentity(t)
	server := mustServiceInSwarm(t, serverID, "127.0.0.1:0", "swarm-a")
	server.SetChunkHandler(newRecordingChunkHandler())
	if err := server.ListenAndServe(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Close()

	clientID := newTestIdentity(t)
	client := mustServiceInSwarm(t, clientID, "", "swarm-b")

	target := dht.NewNode(serverID.BID(), []string{server.Addr().String()})
	frame := wire.NewFetchChunkFrame(clientID.BID(), 1, "some-cid-value", nil)

	if err := client.SendMessage(ctx, target, frame); err == nil {
		t.Fatal("expected SendMessage to fail when client and server belong to different swarms")
	}
}

func TestConnectionForFailsForUnknownBIDWithNoAddress(t *testing.T) {
	client := mustService(t, newTestIdentity(t), "")
	unknown := dht.NewNode("some-unreachable-bid", nil)

	_, err := client.connectionFor(context.Background(), unknown)
	if err == nil {
		t.Fatal("expected an error when no address or prior connection is known")
	}
}

func TestReadFrameRejectsReplayedTransportSequence(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	reader := newConn(server)
	frame := wire.NewFetchChunkFrame("some-bid", 1, "some-cid-value", nil)
	data, err := frame.Marshal()
	if err != nil {
		t.Fatalf("failed to marshal frame: %v", err)
	}

	// Write the identical on-wire bytes (same length prefix, same transport
	// sequence number, same body) twice in a row, as a captured frame
	// replayed back down the same connection would arrive.
	raw := make([]byte, 0, 12+len(data))
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(data)))
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], 1)
	raw = append(raw, prefix[:]...)
	raw = append(raw, seqBytes[:]...)
	raw = append(raw, data...)

	go func() {
		_, _ = client.Write(raw)
		_, _ = client.Write(raw)
	}()

	if _, err := readFrame(reader); err != nil {
		t.Fatalf("first delivery of frame should be accepted: %v", err)
	}
	if _, err := readFrame(reader); err == nil {
		t.Fatal("expected readFrame to reject a replayed transport sequence")
	}
}

func TestDHTMessagesRouteToAttachedHandler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	serverID := newTestIdentity(t)
	server := mustService(t, serverID, "127.0.0.1:0")
	dhtHandler := &recordingDHTHandler{frames: make(chan *wire.BaseFrame, 4)}
	server.SetDHTHandler(dhtHandler)
	if err := server.ListenAndServe(ctx); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	defer server.Close()

	clientID := newTestIdentity(t)
	client := mustService(t, clientID, "")

	target := dht.NewNode(serverID.BID(), []string{server.Addr().String()})
	frame := wire.NewDHTGetFrame(clientID.BID(), 1, []byte("some-32-byte-key-aaaaaaaaaaaaaaa"))
	if err := client.SendMessage(ctx, target, frame); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	select {
	case got := <-dhtHandler.frames:
		if got.Kind != frame.Kind {
			t.Errorf("expected kind %d, got %d", frame.Kind, got.Kind)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for DHT handler to receive DHT_GET")
	}
}
