// Package block defines the hash-linked block, its hash rule and validation.
package block

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// TargetPrefix is the proof-of-work target: a finalized block's hash,
// rendered as uppercase hex, must start with these characters.
const TargetPrefix = "4249"

// Block is one entry of an author's chain. A block is immutable once mined.
type Block struct {
	SequenceID uint32     // Position in the author's chain (genesis = 0).
	PrevHash   types.Hash // Zero for the genesis block.
	Hash       types.Hash
	Payload    Payload
	AuthorKey  string // Hex of the author's compressed public key.
	Seed       uint32 // Nonce, mutated only while mining.
}

// New builds an unmined block. The hash is computed with seed 0.
func New(payload Payload, authorKey string, prevHash types.Hash, sequenceID uint32) *Block {
	b := &Block{
		SequenceID: sequenceID,
		PrevHash:   prevHash,
		Payload:    payload,
		AuthorKey:  authorKey,
		Seed:       0,
	}
	b.Hash = b.ComputeHash()
	return b
}

// HasPrev reports whether the block references a predecessor.
func (b *Block) HasPrev() bool {
	return !b.PrevHash.IsZero()
}

// HashPrefix returns the seed-independent head of the hash input:
// author key, canonical payload and previous hash ("" when absent).
func (b *Block) HashPrefix() []byte {
	var sb strings.Builder
	sb.WriteString(b.AuthorKey)
	sb.WriteString(canonical(b.Payload))
	if b.HasPrev() {
		sb.WriteString(b.PrevHash.String())
	}
	return []byte(sb.String())
}

// ComputeHash derives the block hash from its fields:
// SHA256(author || canonical(payload) || prevHash || seed || sequenceID),
// with seed and sequence id in decimal.
func (b *Block) ComputeHash() types.Hash {
	return HashWithSeed(b.HashPrefix(), b.Seed, b.SequenceID)
}

// HashWithSeed hashes a precomputed prefix with the decimal seed and
// sequence id appended. The miner calls this once per attempt.
func HashWithSeed(prefix []byte, seed, sequenceID uint32) types.Hash {
	buf := make([]byte, 0, len(prefix)+20)
	buf = append(buf, prefix...)
	buf = strconv.AppendUint(buf, uint64(seed), 10)
	buf = strconv.AppendUint(buf, uint64(sequenceID), 10)
	return crypto.Hash(buf)
}

// HasTarget reports whether h, as uppercase hex, starts with TargetPrefix.
func HasTarget(h types.Hash) bool {
	n := (len(TargetPrefix) + 1) / 2
	head := strings.ToUpper(hex.EncodeToString(h[:n]))
	return strings.HasPrefix(head, TargetPrefix)
}

func canonical(p Payload) string {
	if p == nil {
		return ""
	}
	return p.Canonical()
}

// blockJSON is the serialized form used by checkpoints and gossip.
type blockJSON struct {
	SequenceID uint32           `json:"sequence_id"`
	PrevHash   types.Hash       `json:"previous_hash"`
	Hash       types.Hash       `json:"hash"`
	Payload    *payloadEnvelope `json:"payload"`
	AuthorKey  string           `json:"author_key"`
	Seed       uint32           `json:"seed"`
}

// payloadEnvelope tags the payload with its registered kind.
type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// MarshalJSON encodes the block with a kind-tagged payload.
func (b *Block) MarshalJSON() ([]byte, error) {
	j := blockJSON{
		SequenceID: b.SequenceID,
		PrevHash:   b.PrevHash,
		Hash:       b.Hash,
		AuthorKey:  b.AuthorKey,
		Seed:       b.Seed,
	}
	if b.Payload != nil {
		data, err := json.Marshal(b.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		j.Payload = &payloadEnvelope{Kind: b.Payload.Kind(), Data: data}
	}
	return json.Marshal(j)
}

// UnmarshalJSON decodes a block, rebuilding the payload from the registry.
func (b *Block) UnmarshalJSON(data []byte) error {
	var j blockJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	b.SequenceID = j.SequenceID
	b.PrevHash = j.PrevHash
	b.Hash = j.Hash
	b.AuthorKey = j.AuthorKey
	b.Seed = j.Seed
	b.Payload = nil
	if j.Payload != nil {
		p, err := DecodePayload(j.Payload.Kind, j.Payload.Data)
		if err != nil {
			return err
		}
		b.Payload = p
	}
	return nil
}
