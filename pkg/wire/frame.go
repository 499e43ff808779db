// Package wire implements the base framing protocol for overlay messages.
// Every envelope shares a canonical CBOR structure and is individually
// signed with the sender's Ed25519 key.
package wire

import (
	"crypto/ed25519"
	"fmt"
	"time"

	"github.com/meshvault/meshvault/pkg/codec/cborcanon"
	"github.com/meshvault/meshvault/pkg/constants"
)

// BaseFrame represents the common structure for all overlay protocol messages.
type BaseFrame struct {
	V    uint16      `cbor:"v"`    // Protocol version
	Kind uint16      `cbor:"kind"` // Message kind (e.g., 1=PING, 10=DHT_GET, ...)
	From string      `cbor:"from"` // Sender PeerID
	Seq  uint64      `cbor:"seq"`  // Sequence number
	TS   uint64      `cbor:"ts"`   // Timestamp (ms since Unix epoch)
	Body interface{} `cbor:"body"` // Kind-specific CBOR payload
	Sig  []byte      `cbor:"sig"`  // Ed25519 signature over canonical(v|kind|from|seq|ts|body)
}

// NewBaseFrame creates a new BaseFrame with the current timestamp.
func NewBaseFrame(kind uint16, from string, seq uint64, body interface{}) *BaseFrame {
	return &BaseFrame{
		V:    constants.ProtocolVersion,
		Kind: kind,
		From: from,
		Seq:  seq,
		TS:   uint64(time.Now().UnixMilli()),
		Body: body,
	}
}

// Sign signs the frame with the provided Ed25519 private key.
func (f *BaseFrame) Sign(privateKey ed25519.PrivateKey) error {
	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for signing: %w", err)
	}
	f.Sig = ed25519.Sign(privateKey, sigData)
	return nil
}

// Verify verifies the frame signature using the provided Ed25519 public key.
func (f *BaseFrame) Verify(publicKey ed25519.PublicKey) error {
	if len(f.Sig) == 0 {
		return fmt.Errorf("frame has no signature")
	}

	sigData, err := cborcanon.EncodeForSigning(f, "sig")
	if err != nil {
		return fmt.Errorf("failed to encode frame for verification: %w", err)
	}

	if !ed25519.Verify(publicKey, sigData, f.Sig) {
		return fmt.Errorf("signature verification failed")
	}

	return nil
}

// Marshal encodes the frame to canonical CBOR.
func (f *BaseFrame) Marshal() ([]byte, error) {
	return cborcanon.Marshal(f)
}

// Unmarshal decodes canonical CBOR data into the frame.
func (f *BaseFrame) Unmarshal(data []byte) error {
	return cborcanon.Unmarshal(data, f)
}

// DecodeBody re-decodes Body into its Kind-specific struct. Unmarshal alone
// leaves Body as a generic map, since the field's static type is
// interface{}; callers that received a frame off the wire (rather than
// constructing one in-process with NewXFrame) must call this before a
// Handle* method's type assertion on Body will succeed.
func (f *BaseFrame) DecodeBody() error {
	if f.Body == nil {
		return nil
	}

	target := bodyTemplate(f.Kind)
	if target == nil {
		return nil
	}

	raw, err := cborcanon.Marshal(f.Body)
	if err != nil {
		return fmt.Errorf("failed to re-encode frame body: %w", err)
	}
	if err := cborcanon.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("failed to decode frame body: %w", err)
	}
	f.Body = target
	return nil
}

func bodyTemplate(kind uint16) interface{} {
	switch kind {
	case constants.KindPing:
		return &PingBody{}
	case constants.KindPong:
		return &PongBody{}
	case constants.KindDHTGet:
		return &DHTGetBody{}
	case constants.KindDHTGetReply:
		return &DHTGetReplyBody{}
	case constants.KindDHTPut:
		return &DHTPutBody{}
	case constants.KindDHTPutReply:
		return &DHTPutReplyBody{}
	case constants.KindFetchChunk:
		return &FetchChunkBody{}
	case constants.KindChunkData:
		return &ChunkDataBody{}
	default:
		return nil
	}
}

// Validate performs basic structural/freshness validation on the frame.
func (f *BaseFrame) Validate() error {
	if f.V != constants.ProtocolVersion {
		return NewError(constants.ErrorVersionMismatch,
			fmt.Sprintf("unsupported protocol version: %d", f.V))
	}

	if f.From == "" {
		return NewError(constants.ErrorInvalidSig, "missing sender peer id")
	}

	if len(f.Sig) == 0 {
		return NewError(constants.ErrorInvalidSig, "missing signature")
	}

	now := uint64(time.Now().UnixMilli())
	maxSkew := uint64(constants.MaxClockSkew.Milliseconds())

	if f.TS > now+maxSkew {
		return NewError(constants.ErrorVersionMismatch, "timestamp too far in future")
	}

	if now > f.TS+maxSkew {
		return NewError(constants.ErrorVersionMismatch, "timestamp too far in past")
	}

	return nil
}

// IsKind checks if the frame is of the specified kind.
func (f *BaseFrame) IsKind(kind uint16) bool {
	return f.Kind == kind
}

// GetTimestamp returns the frame timestamp as a time.Time.
func (f *BaseFrame) GetTimestamp() time.Time {
	return time.UnixMilli(int64(f.TS))
}

// PingBody represents the body of a PING message.
type PingBody struct {
	Token []byte `cbor:"token"` // 8-byte random token
}

// PongBody represents the body of a PONG message.
type PongBody struct {
	Token []byte `cbor:"token"` // Echo of PING token
}

// DHTGetBody represents the body of a DHT_GET message: fetch the record
// stored under Key, an immutable 32-byte content address.
type DHTGetBody struct {
	Key []byte `cbor:"key"`
}

// DHTGetReplyBody carries the response to a DHT_GET; Found distinguishes a
// genuine empty value from absence.
type DHTGetReplyBody struct {
	Key   []byte `cbor:"key"`
	Value []byte `cbor:"value"`
	Found bool   `cbor:"found"`
}

// DHTPutBody represents the body of a DHT_PUT message. Quorum is the number
// of replica acknowledgements the sender expects before considering the put
// successful; a receiving peer only stores locally and replies.
type DHTPutBody struct {
	Key     []byte `cbor:"key"`
	Value   []byte `cbor:"value"`
	Sig     []byte `cbor:"sig"`
	TTLSecs uint64 `cbor:"ttl_secs,omitempty"`
	Quorum  int    `cbor:"quorum,omitempty"`
}

// DHTPutReplyBody acknowledges a DHT_PUT.
type DHTPutReplyBody struct {
	Key     []byte `cbor:"key"`
	Stored  bool   `cbor:"stored"`
	Message string `cbor:"message,omitempty"`
}

// FetchChunkBody represents the body of a FETCH_CHUNK message.
type FetchChunkBody struct {
	CID    string  `cbor:"cid"`
	Offset *uint64 `cbor:"offset,omitempty"`
}

// ChunkDataBody represents the body of a CHUNK_DATA message.
type ChunkDataBody struct {
	CID  string `cbor:"cid"`
	Off  uint64 `cbor:"off"`
	Data []byte `cbor:"data"`
}

// NewPingFrame creates a new PING frame.
func NewPingFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.KindPing, from, seq, &PingBody{Token: token})
}

// NewPongFrame creates a new PONG frame.
func NewPongFrame(from string, seq uint64, token []byte) *BaseFrame {
	return NewBaseFrame(constants.KindPong, from, seq, &PongBody{Token: token})
}

// NewDHTGetFrame creates a new DHT_GET frame.
func NewDHTGetFrame(from string, seq uint64, key []byte) *BaseFrame {
	return NewBaseFrame(constants.KindDHTGet, from, seq, &DHTGetBody{Key: key})
}

// NewDHTGetReplyFrame creates a new DHT_GET reply frame.
func NewDHTGetReplyFrame(from string, seq uint64, key, value []byte, found bool) *BaseFrame {
	return NewBaseFrame(constants.KindDHTGetReply, from, seq, &DHTGetReplyBody{
		Key:   key,
		Value: value,
		Found: found,
	})
}

// NewDHTPutFrame creates a new DHT_PUT frame.
func NewDHTPutFrame(from string, seq uint64, key, value, sig []byte, ttlSecs uint64, quorum int) *BaseFrame {
	return NewBaseFrame(constants.KindDHTPut, from, seq, &DHTPutBody{
		Key:     key,
		Value:   value,
		Sig:     sig,
		TTLSecs: ttlSecs,
		Quorum:  quorum,
	})
}

// NewDHTPutReplyFrame creates a new DHT_PUT reply frame.
func NewDHTPutReplyFrame(from string, seq uint64, key []byte, stored bool, message string) *BaseFrame {
	return NewBaseFrame(constants.KindDHTPutReply, from, seq, &DHTPutReplyBody{
		Key:     key,
		Stored:  stored,
		Message: message,
	})
}

// NewFetchChunkFrame creates a new FETCH_CHUNK frame.
func NewFetchChunkFrame(from string, seq uint64, cid string, offset *uint64) *BaseFrame {
	return NewBaseFrame(constants.KindFetchChunk, from, seq, &FetchChunkBody{CID: cid, Offset: offset})
}

// NewChunkDataFrame creates a new CHUNK_DATA frame.
func NewChunkDataFrame(from string, seq uint64, cid string, off uint64, data []byte) *BaseFrame {
	return NewBaseFrame(constants.KindChunkData, from, seq, &ChunkDataBody{CID: cid, Off: off, Data: data})
}
