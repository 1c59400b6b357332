package consensus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/biddy-ledger/biddy/pkg/block"
)

// PoW errors.
var (
	ErrNilBlock           = errors.New("nil block")
	ErrSeedSpaceExhausted = errors.New("seed space exhausted without meeting target")
)

// cancelCheckMask sets how often the search loop polls the context.
const cancelCheckMask = 0xFFFF

// PoW seals blocks by searching the seed until the block hash carries
// block.TargetPrefix. The target is fixed, so the engine holds no chain state.
type PoW struct {
	// Threads controls the number of parallel mining goroutines.
	// 0 or 1 = single-threaded (default). Each goroutine searches a
	// strided partition of the seed space.
	Threads int
}

// NewPoW creates a new PoW engine.
func NewPoW(threads int) *PoW {
	return &PoW{Threads: threads}
}

// Verify checks that a finalized block meets the target and that its
// stored hash matches its contents.
func (p *PoW) Verify(blk *block.Block) error {
	if blk == nil {
		return ErrNilBlock
	}
	if err := blk.Validate(); err != nil {
		return err
	}
	return blk.VerifyHash()
}

// Seal mines the block by iterating the seed until the hash meets the target.
// If Threads > 1, mining runs in parallel goroutines.
func (p *PoW) Seal(blk *block.Block) error {
	return p.SealWithCancel(context.Background(), blk)
}

// SealWithCancel mines the block with cancellation support.
// When the context is cancelled, mining stops, the block is left untouched
// and ctx.Err() is returned. The search starts at the block's current seed.
func (p *PoW) SealWithCancel(ctx context.Context, blk *block.Block) error {
	if blk == nil {
		return ErrNilBlock
	}

	threads := p.Threads
	if threads <= 1 {
		return p.sealSingle(ctx, blk)
	}
	return p.sealParallel(ctx, blk, threads)
}

// sealSingle mines with a single goroutine.
func (p *PoW) sealSingle(ctx context.Context, blk *block.Block) error {
	prefix := blk.HashPrefix()
	seq := blk.SequenceID

	var attempts uint32
	for seed := blk.Seed; ; seed++ {
		if attempts&cancelCheckMask == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
		}
		attempts++

		hash := block.HashWithSeed(prefix, seed, seq)
		if block.HasTarget(hash) {
			blk.Seed = seed
			blk.Hash = hash
			return nil
		}
		if seed == ^uint32(0) {
			return ErrSeedSpaceExhausted
		}
	}
}

// sealParallel mines with multiple goroutines, each searching a strided
// partition of the seed space (goroutine i starts at seed+i, step=threads).
func (p *PoW) sealParallel(parent context.Context, blk *block.Block, threads int) error {
	prefix := blk.HashPrefix()
	seq := blk.SequenceID
	start := uint64(blk.Seed)

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	type result struct {
		seed uint32
		err  error
	}
	found := make(chan result, 1)

	var wg sync.WaitGroup
	for i := 0; i < threads; i++ {
		first := start + uint64(i)
		if first > uint64(^uint32(0)) {
			break
		}
		wg.Add(1)
		stride := uint64(threads)
		go func() {
			defer wg.Done()
			var attempts uint32
			for seed := first; seed <= uint64(^uint32(0)); seed += stride {
				if attempts&cancelCheckMask == 0 {
					select {
					case <-ctx.Done():
						return
					default:
					}
				}
				attempts++

				hash := block.HashWithSeed(prefix, uint32(seed), seq)
				if block.HasTarget(hash) {
					select {
					case found <- result{seed: uint32(seed)}:
					default:
					}
					cancel()
					return
				}
			}
		}()
	}

	// Wait in background so goroutines are cleaned up.
	go func() {
		wg.Wait()
		close(found)
	}()

	select {
	case r, ok := <-found:
		if !ok {
			if err := parent.Err(); err != nil {
				return err
			}
			return ErrSeedSpaceExhausted
		}
		if r.err != nil {
			return r.err
		}
		blk.Seed = r.seed
		blk.Hash = block.HashWithSeed(prefix, r.seed, seq)
		return nil
	case <-parent.Done():
		return parent.Err()
	}
}

// String describes the engine for logs.
func (p *PoW) String() string {
	return fmt.Sprintf("pow(target=%s, threads=%d)", block.TargetPrefix, p.Threads)
}
