// Package checkpoint persists bounded snapshots of the in-memory ledger to
// disk and indexes them for lookup and reconstruction.
package checkpoint

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// File format constants.
const (
	fileMagic = "BDCP"

	// FormatVersion is the newest file version this build writes and reads.
	FormatVersion uint16 = 1

	flagZstd  uint16 = 1 << 0
	knownFlag        = flagZstd

	// headerSize: magic(4) + version(2) + flags(2) + checksum(32) + body length(8).
	headerSize = 4 + 2 + 2 + types.HashSize + 8

	maxBodySize = 1 << 30
)

// Format errors.
var (
	ErrBadMagic           = errors.New("not a checkpoint file")
	ErrUnsupportedVersion = errors.New("unsupported checkpoint version")
	ErrChecksum           = errors.New("checkpoint checksum mismatch")
	ErrCorrupt            = errors.New("corrupt checkpoint")
)

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxBodySize))
)

// Snapshot is the content of one checkpoint file: a bounded window of the
// working set, keyed by block hash.
type Snapshot struct {
	Version uint16                      `json:"version"`
	MinID   uint32                      `json:"min_id"`
	MaxID   uint32                      `json:"max_id"`
	Tip     types.Hash                  `json:"tip"`
	Blocks  map[types.Hash]*block.Block `json:"blocks"`
}

// header is the fixed-size preamble of a checkpoint file.
type header struct {
	Version  uint16
	Flags    uint16
	Checksum types.Hash
	BodyLen  uint64
}

// Encode serializes a snapshot into the checkpoint file format.
func Encode(snap *Snapshot, compress bool) ([]byte, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrCorrupt)
	}
	s := *snap
	s.Version = FormatVersion
	body, err := json.Marshal(&s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}

	var flags uint16
	if compress {
		body = zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
		flags |= flagZstd
	}

	h := header{
		Version:  FormatVersion,
		Flags:    flags,
		Checksum: crypto.Checksum(body),
		BodyLen:  uint64(len(body)),
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(body))
	buf.WriteString(fileMagic)
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	buf.Write(body)
	return buf.Bytes(), nil
}

// Decode parses a checkpoint file. It checks the magic, version, flags,
// length and checksum but does not verify block hashes (see Verify).
func Decode(data []byte) (*Snapshot, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if string(data[:4]) != fileMagic {
		return nil, ErrBadMagic
	}

	var h header
	if err := binary.Read(bytes.NewReader(data[4:headerSize]), binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrCorrupt, err)
	}
	if h.Version == 0 || h.Version > FormatVersion {
		return nil, fmt.Errorf("%w: %d (max %d)", ErrUnsupportedVersion, h.Version, FormatVersion)
	}
	if h.Flags&^knownFlag != 0 {
		return nil, fmt.Errorf("%w: unknown flags %#x", ErrUnsupportedVersion, h.Flags)
	}

	body := data[headerSize:]
	if h.BodyLen != uint64(len(body)) {
		return nil, fmt.Errorf("%w: body length %d, header says %d", ErrCorrupt, len(body), h.BodyLen)
	}
	if crypto.Checksum(body) != h.Checksum {
		return nil, ErrChecksum
	}

	if h.Flags&flagZstd != 0 {
		var err error
		body, err = zstdDecoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: decompress: %v", ErrCorrupt, err)
		}
	}

	var snap Snapshot
	if err := json.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("%w: body: %v", ErrCorrupt, err)
	}
	if snap.Blocks == nil {
		snap.Blocks = make(map[types.Hash]*block.Block)
	}
	return &snap, nil
}

// Verify checks that every block is stored under its own hash, is well
// formed and matches its contents, and that the tip is present.
func (s *Snapshot) Verify() error {
	for h, blk := range s.Blocks {
		if blk == nil {
			return fmt.Errorf("%w: nil block under %s", ErrCorrupt, h.Short())
		}
		if blk.Hash != h {
			return fmt.Errorf("%w: block %s stored under %s", ErrCorrupt, blk.Hash.Short(), h.Short())
		}
		if err := blk.Validate(); err != nil {
			return fmt.Errorf("block %s: %w", h.Short(), err)
		}
		if err := blk.VerifyHash(); err != nil {
			return fmt.Errorf("block %s: %w", h.Short(), err)
		}
	}
	if len(s.Blocks) > 0 {
		if _, ok := s.Blocks[s.Tip]; !ok {
			return fmt.Errorf("%w: tip %s not in snapshot", ErrCorrupt, s.Tip.Short())
		}
	}
	return nil
}

// Segment returns the tip's ancestry within the snapshot, ordered by
// sequence id. Blocks off that ancestry are not included.
func (s *Snapshot) Segment() []*block.Block {
	var rev []*block.Block
	cur, ok := s.Blocks[s.Tip]
	for ok && len(rev) <= len(s.Blocks) {
		rev = append(rev, cur)
		if !cur.HasPrev() {
			break
		}
		cur, ok = s.Blocks[cur.PrevHash]
	}
	out := make([]*block.Block, len(rev))
	for i, b := range rev {
		out[len(rev)-1-i] = b
	}
	return out
}
