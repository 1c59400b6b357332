package chain

import (
	"fmt"

	"github.com/biddy-ledger/biddy/pkg/block"
)

// VerifyChain checks the candidate and its ancestry in the working set.
// The walk runs backward from the candidate:
//   - every visited block must pass Validate and VerifyHash;
//   - a block without predecessor must be at sequence 0;
//   - a block found in the working set must be followed by sequence + 1;
//   - a predecessor missing from the working set is accepted only at the
//     checkpoint anchor (see verifyBoundary).
//
// The anchor is the only boundary accepted besides genesis.
// Errors wrap ErrInvalidChain.
func (c *Chain) VerifyChain(candidate *block.Block) error {
	if candidate == nil {
		return ErrNilBlock
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.verifyLocked(candidate)
}

func (c *Chain) verifyLocked(candidate *block.Block) error {
	cur := candidate
	visited := 0 // working-set blocks walked through, excluding the candidate
	for steps := 1; ; steps++ {
		if steps > c.maxDepth {
			return fmt.Errorf("%w: more than %d blocks", ErrChainTooDeep, c.maxDepth)
		}
		if err := cur.Validate(); err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrInvalidChain, cur.SequenceID, err)
		}
		if err := cur.VerifyHash(); err != nil {
			return fmt.Errorf("%w: block %d: %w", ErrInvalidChain, cur.SequenceID, err)
		}
		if !cur.HasPrev() {
			if cur.SequenceID != 0 {
				return fmt.Errorf("%w: block %d has no predecessor", ErrInvalidChain, cur.SequenceID)
			}
			return nil
		}

		parent, ok := c.blocks[cur.PrevHash]
		if !ok {
			return c.verifyBoundary(cur, visited)
		}
		if uint64(parent.SequenceID)+1 != uint64(cur.SequenceID) {
			return fmt.Errorf("%w: block %d after %d", ErrBadLink, cur.SequenceID, parent.SequenceID)
		}
		cur = parent
		visited++
	}
}

// verifyBoundary decides whether a walk that left the working set at cur
// ended on the checkpoint anchor: cur must reference the anchor directly,
// follow it by one, and the walk must have covered the whole working set.
func (c *Chain) verifyBoundary(cur *block.Block, visited int) error {
	if !c.hasAnchor || cur.PrevHash != c.anchorHash {
		return fmt.Errorf("%w: block %d references %s", ErrDanglingPrev, cur.SequenceID, cur.PrevHash.Short())
	}
	if uint64(cur.SequenceID) != uint64(c.anchorID)+1 {
		return fmt.Errorf("%w: block %d after anchor %d", ErrBadLink, cur.SequenceID, c.anchorID)
	}
	if visited != len(c.blocks) {
		return fmt.Errorf("%w: branch reaches anchor past %d of %d pending blocks",
			ErrDanglingPrev, visited, len(c.blocks))
	}
	return nil
}
