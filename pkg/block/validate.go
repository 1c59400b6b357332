package block

import (
	"errors"
	"fmt"
)

// ErrInvalidBlock is wrapped by every block validation failure.
var ErrInvalidBlock = errors.New("invalid block")

// Validation errors.
var (
	ErrMissingTarget  = fmt.Errorf("%w: hash does not meet target %q", ErrInvalidBlock, TargetPrefix)
	ErrGenesisSeq     = fmt.Errorf("%w: block without predecessor must have sequence id 0", ErrInvalidBlock)
	ErrPrevNoTarget   = fmt.Errorf("%w: previous hash does not meet target", ErrInvalidBlock)
	ErrHashMismatch   = fmt.Errorf("%w: hash does not match contents", ErrInvalidBlock)
	ErrMissingPayload = fmt.Errorf("%w: nil payload", ErrInvalidBlock)
)

// Validate runs the shallow format check: the hash carries the target
// prefix, a block without predecessor is at sequence 0, and a referenced
// predecessor hash also carries the prefix. It does not recompute the hash
// (see VerifyHash) and does not look at ancestry.
func (b *Block) Validate() error {
	if !HasTarget(b.Hash) {
		return ErrMissingTarget
	}
	if !b.HasPrev() {
		if b.SequenceID != 0 {
			return fmt.Errorf("%w: got %d", ErrGenesisSeq, b.SequenceID)
		}
		return nil
	}
	if !HasTarget(b.PrevHash) {
		return fmt.Errorf("%w: %s", ErrPrevNoTarget, b.PrevHash.Short())
	}
	return nil
}

// VerifyHash recomputes the hash from the block's fields and compares it
// with the stored one.
func (b *Block) VerifyHash() error {
	if b.Payload == nil {
		return ErrMissingPayload
	}
	if got := b.ComputeHash(); got != b.Hash {
		return fmt.Errorf("%w: stored=%s computed=%s", ErrHashMismatch, b.Hash.Short(), got.Short())
	}
	return nil
}
