package mempool

import (
	"fmt"

	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/message"
)

// DefaultMaxPayloadSize is the maximum canonical payload size in bytes.
const DefaultMaxPayloadSize = 64 << 10

// Policy defines payload acceptance rules.
type Policy struct {
	MaxPayloadSize int  // Maximum canonical size in bytes.
	RequireSigned  bool // Reject unsigned messages.
}

// DefaultPolicy returns a policy with sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		MaxPayloadSize: DefaultMaxPayloadSize,
	}
}

// Check validates a payload against policy rules. Policy rules can vary
// per node; block validity does not depend on them.
func (p *Policy) Check(pl block.Payload) error {
	size := len(pl.Canonical())
	if p.MaxPayloadSize > 0 && size > p.MaxPayloadSize {
		return fmt.Errorf("payload too large: %d bytes, max %d", size, p.MaxPayloadSize)
	}

	msg, ok := pl.(*message.Message)
	if !ok {
		return nil
	}
	if _, err := crypto.ParsePublicKeyHex(msg.To); err != nil {
		return fmt.Errorf("recipient: %w", err)
	}
	if _, err := crypto.ParsePublicKeyHex(msg.From); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if msg.Signature == "" {
		if p.RequireSigned {
			return message.ErrNoSignature
		}
		return nil
	}
	return msg.Verify()
}
