package chain

import "github.com/biddy-ledger/biddy/pkg/types"

// State is a point-in-time view of the chain.
type State struct {
	TipHash    types.Hash
	TipID      uint32
	HasTip     bool
	AnchorHash types.Hash // Tip of the last successful flush.
	AnchorID   uint32
	HasAnchor  bool
	Pending    int // Blocks in the working set.
	Threshold  int
	LastFlush  error
}

// IsEmpty returns true if no block has been added or restored yet.
func (s *State) IsEmpty() bool {
	return !s.HasTip && !s.HasAnchor
}

// NextSequence returns the sequence id and predecessor for the next block
// built on the current tip. An empty chain starts at genesis.
func (s *State) NextSequence() (types.Hash, uint32) {
	if !s.HasTip {
		return types.Hash{}, 0
	}
	return s.TipHash, s.TipID + 1
}
