package statesync

import (
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/dreamware/fleet/internal/cluster"
	"github.com/klauspost/compress/zstd"
	sha256 "github.com/minio/sha256-simd"
)

// ErrChecksumMismatch is returned when a snapshot's contents do not match
// its checksum.
var ErrChecksumMismatch = errors.New("snapshot checksum mismatch")

// DeviceState is one device's replicated state inside a snapshot.
type DeviceState struct {
	UpdatedAt   time.Time      `json:"updated_at"`
	Data        map[string]any `json:"data"`
	VectorClock VectorClock    `json:"vector_clock"`
	SourceNode  string         `json:"source_node"`
	EventID     string         `json:"event_id"`
}

// Snapshot is a consistency checkpoint of every device state known to a
// node. Checksum is the hex SHA-256 of the deterministic CBOR encoding of
// States and VectorClock.
type Snapshot struct {
	Timestamp   time.Time              `json:"timestamp"`
	States      map[string]DeviceState `json:"states"`
	VectorClock VectorClock            `json:"vector_clock"`
	ID          string                 `json:"id"`
	NodeID      string                 `json:"node_id"`
	Checksum    string                 `json:"checksum"`
}

type checksumBody struct {
	States      map[string]DeviceState `json:"states"`
	VectorClock VectorClock            `json:"vector_clock"`
}

// ComputeChecksum returns the checksum of the snapshot's contents.
func (s *Snapshot) ComputeChecksum() (string, error) {
	body, err := cluster.MarshalCBOR(checksumBody{States: s.States, VectorClock: s.VectorClock})
	if err != nil {
		return "", fmt.Errorf("encode snapshot body: %w", err)
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Verify recomputes the checksum and compares it with Checksum.
func (s *Snapshot) Verify() error {
	sum, err := s.ComputeChecksum()
	if err != nil {
		return err
	}
	if sum != s.Checksum {
		return fmt.Errorf("%w: snapshot %s from %s", ErrChecksumMismatch, s.ID, s.NodeID)
	}
	return nil
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil)
	if err != nil {
		panic("statesync: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("statesync: zstd decoder initialization failed: " + err.Error())
	}
}

// EncodeSnapshot serializes s as zstd-compressed CBOR.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	raw, err := cluster.MarshalCBOR(s)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return zstdEncoder.EncodeAll(raw, make([]byte, 0, len(raw)/2)), nil
}

// DecodeSnapshot reverses EncodeSnapshot. The checksum is not verified.
func DecodeSnapshot(blob []byte) (*Snapshot, error) {
	raw, err := zstdDecoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress snapshot: %w", err)
	}
	var s Snapshot
	if err := cluster.UnmarshalCBOR(raw, &s); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &s, nil
}
