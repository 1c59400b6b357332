// Package consensus implements block finalization (proof-of-work sealing).
package consensus

import (
	"context"

	"github.com/biddy-ledger/biddy/pkg/block"
)

// Engine finalizes blocks and checks finalized ones.
type Engine interface {
	Verify(blk *block.Block) error
	Seal(blk *block.Block) error
	SealWithCancel(ctx context.Context, blk *block.Block) error
}
