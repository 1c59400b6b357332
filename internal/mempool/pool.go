// Package mempool queues payloads waiting to be mined into blocks.
package mempool

import (
	"errors"
	"fmt"
	"sync"

	"github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// DefaultMaxSize bounds the pool when no size is given.
const DefaultMaxSize = 1000

// Mempool errors.
var (
	ErrAlreadyExists = errors.New("payload already in mempool")
	ErrPoolFull      = errors.New("mempool is full")
	ErrValidation    = errors.New("payload failed policy")
	ErrNilPayload    = errors.New("nil payload")
)

// entry wraps a payload with its identity.
type entry struct {
	payload block.Payload
	id      types.Hash // SHA-256 of kind and canonical form.
}

// Pool is a bounded FIFO of pending payloads. Safe for concurrent use.
type Pool struct {
	mu      sync.Mutex
	queue   []entry
	index   map[types.Hash]struct{}
	maxSize int
	policy  *Policy
}

// New creates a pool holding at most maxSize payloads.
func New(maxSize int) *Pool {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Pool{
		index:   make(map[types.Hash]struct{}),
		maxSize: maxSize,
		policy:  DefaultPolicy(),
	}
}

// SetPolicy replaces the acceptance policy.
func (p *Pool) SetPolicy(policy *Policy) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.policy = policy
}

// PayloadID identifies a payload by kind and canonical form.
func PayloadID(pl block.Payload) types.Hash {
	return crypto.HashString(pl.Kind() + "\n" + pl.Canonical())
}

// Add appends a payload. It rejects duplicates, policy violations and
// additions to a full pool.
func (p *Pool) Add(pl block.Payload) (types.Hash, error) {
	if pl == nil {
		return types.Hash{}, ErrNilPayload
	}
	id := PayloadID(pl)

	p.mu.Lock()
	defer p.mu.Unlock()

	if _, dup := p.index[id]; dup {
		return id, ErrAlreadyExists
	}
	if len(p.queue) >= p.maxSize {
		return id, fmt.Errorf("%w: %d payloads", ErrPoolFull, len(p.queue))
	}
	if p.policy != nil {
		if err := p.policy.Check(pl); err != nil {
			return id, fmt.Errorf("%w: %w", ErrValidation, err)
		}
	}

	p.queue = append(p.queue, entry{payload: pl, id: id})
	p.index[id] = struct{}{}
	log.Mempool.Debug().Str("kind", pl.Kind()).Str("id", id.Short()).Int("pending", len(p.queue)).Msg("Payload queued")
	return id, nil
}

// Next removes and returns the oldest payload. ok is false when empty.
func (p *Pool) Next() (block.Payload, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	e := p.queue[0]
	p.queue[0] = entry{}
	p.queue = p.queue[1:]
	delete(p.index, e.id)
	return e.payload, true
}

// Has reports whether a payload with the given id is queued.
func (p *Pool) Has(id types.Hash) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.index[id]
	return ok
}

// Len returns the number of queued payloads.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Cap returns the pool capacity.
func (p *Pool) Cap() int {
	return p.maxSize
}
