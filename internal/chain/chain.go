// Package chain holds the in-memory working set of the ledger, validates
// ancestry of incoming blocks and flushes full working sets to checkpoints.
package chain

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/biddy-ledger/biddy/internal/checkpoint"
	"github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// Defaults.
const (
	DefaultFlushThreshold = 50
	DefaultMaxDepth       = 10000
)

// Chain errors.
var (
	ErrInvalidChain   = errors.New("invalid chain")
	ErrDuplicateBlock = errors.New("duplicate block")
	ErrNilBlock       = fmt.Errorf("%w: nil block", ErrInvalidChain)
	ErrChainTooDeep   = fmt.Errorf("%w: ancestry exceeds maximum depth", ErrInvalidChain)
	ErrDanglingPrev   = fmt.Errorf("%w: predecessor not found", ErrInvalidChain)
	ErrBadLink        = fmt.Errorf("%w: sequence does not follow predecessor", ErrInvalidChain)
	ErrNothingToSave  = fmt.Errorf("%w: nothing to checkpoint", checkpoint.ErrSave)
	ErrNoCheckpointer = fmt.Errorf("%w: no checkpointer configured", checkpoint.ErrSave)
)

// Checkpointer persists a snapshot of the working set.
type Checkpointer interface {
	Save(snap *checkpoint.Snapshot) error
}

// BlockHandler is called after a block has been added.
type BlockHandler func(blk *block.Block)

// Config holds chain tuning.
type Config struct {
	FlushThreshold int // Working set size that triggers a flush (0 = default).
	MaxDepth       int // Maximum ancestry walk length (0 = default).
}

// Chain is the in-memory ledger of one author.
type Chain struct {
	mu     sync.RWMutex // Guards everything below. Insert and flush run under one Lock.
	blocks map[types.Hash]*block.Block

	latestHash types.Hash
	latestID   uint32
	hasLatest  bool

	anchorHash types.Hash
	anchorID   uint32
	hasAnchor  bool

	threshold    int
	maxDepth     int
	cp           Checkpointer
	lastFlushErr error

	blockHandler BlockHandler
}

// New creates an empty chain flushing through cp.
func New(cp Checkpointer, cfg Config) *Chain {
	if cfg.FlushThreshold <= 0 {
		cfg.FlushThreshold = DefaultFlushThreshold
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	// The walk must reach a full working set or no flush ever happens.
	if cfg.MaxDepth < cfg.FlushThreshold {
		cfg.MaxDepth = cfg.FlushThreshold
	}
	return &Chain{
		blocks:    make(map[types.Hash]*block.Block),
		threshold: cfg.FlushThreshold,
		maxDepth:  cfg.MaxDepth,
		cp:        cp,
	}
}

// SetBlockHandler sets the callback invoked after each added block.
func (c *Chain) SetBlockHandler(fn BlockHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockHandler = fn
}

// AddBlock verifies the block's ancestry and inserts it. When the working
// set reaches the flush threshold it is checkpointed under the same lock.
// A failed flush is logged and kept in LastFlushError; the block stays
// inserted and the next insert retries.
func (c *Chain) AddBlock(blk *block.Block) error {
	if blk == nil {
		return ErrNilBlock
	}

	c.mu.Lock()
	if _, dup := c.blocks[blk.Hash]; dup || (c.hasAnchor && blk.Hash == c.anchorHash) {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateBlock, blk.Hash.Short())
	}
	if err := c.verifyLocked(blk); err != nil {
		c.mu.Unlock()
		return err
	}

	c.blocks[blk.Hash] = blk
	c.latestHash = blk.Hash
	c.latestID = blk.SequenceID
	c.hasLatest = true

	log.Chain.Debug().
		Uint32("seq", blk.SequenceID).
		Str("hash", blk.Hash.Short()).
		Int("pending", len(c.blocks)).
		Msg("Block added")

	if len(c.blocks) >= c.threshold {
		if err := c.flushLocked(); err != nil {
			log.Chain.Error().Err(err).Int("pending", len(c.blocks)).Msg("Checkpoint flush failed, will retry")
		}
	}
	handler := c.blockHandler
	c.mu.Unlock()

	if handler != nil {
		handler(blk)
	}
	return nil
}

// Flush checkpoints the working set now, regardless of the threshold.
func (c *Chain) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushLocked()
}

func (c *Chain) flushLocked() error {
	if c.cp == nil {
		return ErrNoCheckpointer
	}
	minID, maxID, ok := c.rangeLocked()
	if !ok {
		return ErrNothingToSave
	}

	blocks := make(map[types.Hash]*block.Block, len(c.blocks))
	for h, b := range c.blocks {
		blocks[h] = b
	}
	snap := &checkpoint.Snapshot{
		MinID:  minID,
		MaxID:  maxID,
		Tip:    c.latestHash,
		Blocks: blocks,
	}
	if err := c.cp.Save(snap); err != nil {
		c.lastFlushErr = err
		return err
	}

	c.anchorHash = c.latestHash
	c.anchorID = c.latestID
	c.hasAnchor = true
	c.blocks = make(map[types.Hash]*block.Block)
	c.lastFlushErr = nil

	log.Chain.Info().
		Uint32("min", minID).
		Uint32("max", maxID).
		Int("blocks", len(blocks)).
		Msg("Working set flushed")
	return nil
}

// CheckpointRange walks from the latest block to its deepest local ancestor
// and returns their sequence ids. ok is false when the working set is empty
// or the latest block is no longer held locally.
func (c *Chain) CheckpointRange() (minID, maxID uint32, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rangeLocked()
}

func (c *Chain) rangeLocked() (minID, maxID uint32, ok bool) {
	if !c.hasLatest {
		return 0, 0, false
	}
	cur, found := c.blocks[c.latestHash]
	if !found {
		return 0, 0, false
	}
	maxID = cur.SequenceID
	minID = cur.SequenceID
	for steps := 0; cur.HasPrev() && steps < c.maxDepth; steps++ {
		parent, found := c.blocks[cur.PrevHash]
		if !found {
			break
		}
		cur = parent
		minID = cur.SequenceID
	}
	return minID, maxID, true
}

// Tip returns the hash and sequence id of the latest block. After a flush
// the tip is the flushed block; after SetAnchor on an empty chain it is
// the anchor.
func (c *Chain) Tip() (types.Hash, uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestHash, c.latestID, c.hasLatest
}

// Anchor returns the tip of the last successful flush.
func (c *Chain) Anchor() (types.Hash, uint32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.anchorHash, c.anchorID, c.hasAnchor
}

// SetAnchor restores the checkpoint anchor, typically from the checkpoint
// index at startup. If no block has been added yet, the tip follows it.
func (c *Chain) SetAnchor(hash types.Hash, id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.anchorHash = hash
	c.anchorID = id
	c.hasAnchor = true
	if !c.hasLatest {
		c.latestHash = hash
		c.latestID = id
		c.hasLatest = true
	}
}

// Len returns the number of blocks in the working set.
func (c *Chain) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.blocks)
}

// GetBlock returns a block of the working set by hash.
func (c *Chain) GetBlock(hash types.Hash) (*block.Block, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	b, ok := c.blocks[hash]
	return b, ok
}

// Blocks returns the working set ordered by sequence id.
func (c *Chain) Blocks() []*block.Block {
	c.mu.RLock()
	out := make([]*block.Block, 0, len(c.blocks))
	for _, b := range c.blocks {
		out = append(out, b)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].SequenceID != out[j].SequenceID {
			return out[i].SequenceID < out[j].SequenceID
		}
		return out[i].Hash.String() < out[j].Hash.String()
	})
	return out
}

// WorkingSet returns a copy of the working set map.
func (c *Chain) WorkingSet() map[types.Hash]*block.Block {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[types.Hash]*block.Block, len(c.blocks))
	for h, b := range c.blocks {
		out[h] = b
	}
	return out
}

// LastFlushError returns the error of the most recent failed flush, or nil
// once a flush has succeeded.
func (c *Chain) LastFlushError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastFlushErr
}

// State returns a snapshot of the chain's tip, anchor and working set size.
func (c *Chain) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return State{
		TipHash:    c.latestHash,
		TipID:      c.latestID,
		HasTip:     c.hasLatest,
		AnchorHash: c.anchorHash,
		AnchorID:   c.anchorID,
		HasAnchor:  c.hasAnchor,
		Pending:    len(c.blocks),
		Threshold:  c.threshold,
		LastFlush:  c.lastFlushErr,
	}
}
