// Package miner runs the block production loop: take a payload, build a
// block on the current tip, seal it and append it to the chain.
package miner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/biddy-ledger/biddy/internal/chain"
	"github.com/biddy-ledger/biddy/internal/consensus"
	"github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/message"
)

// ChainState is the part of the chain the miner reads and appends to.
type ChainState interface {
	State() chain.State
	AddBlock(blk *block.Block) error
}

// PayloadSource yields pending payloads without blocking.
type PayloadSource interface {
	Next() (block.Payload, bool)
}

// Sealer finalizes a block by searching its seed.
type Sealer interface {
	SealWithCancel(ctx context.Context, blk *block.Block) error
}

// BlockHandler is called with every block the miner appended.
type BlockHandler func(blk *block.Block)

// errPreempted marks a seal cancelled by Preempt rather than shutdown.
var errPreempted = errors.New("seal preempted")

// Miner produces blocks for one author.
type Miner struct {
	chain    ChainState
	engine   Sealer
	pool     PayloadSource
	key      *crypto.PrivateKey
	author   string
	interval time.Duration
	logger   zerolog.Logger

	mu         sync.Mutex
	cancelSeal context.CancelCauseFunc
	onMined    BlockHandler

	mined    atomic.Uint64
	rejected atomic.Uint64
}

// New creates a miner authoring blocks with key. pool may be nil, in which
// case every block carries a heartbeat.
func New(ch ChainState, engine Sealer, pool PayloadSource, key *crypto.PrivateKey) *Miner {
	author := key.PublicKeyHex()
	return &Miner{
		chain:  ch,
		engine: engine,
		pool:   pool,
		key:    key,
		author: author,
		logger: log.WithAuthor(log.Miner, author),
	}
}

// SetInterval sets a pause between consecutive blocks (0 = none).
func (m *Miner) SetInterval(d time.Duration) {
	m.interval = d
}

// SetBlockHandler sets the callback for appended blocks.
func (m *Miner) SetBlockHandler(fn BlockHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onMined = fn
}

// Author returns the miner's author key.
func (m *Miner) Author() string { return m.author }

// Stats returns how many blocks were appended and how many the chain refused.
func (m *Miner) Stats() (mined, rejected uint64) {
	return m.mined.Load(), m.rejected.Load()
}

// Preempt cancels the seal in progress, if any. The loop then rebuilds the
// block on the chain's current tip with the same payload.
func (m *Miner) Preempt() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelSeal != nil {
		m.cancelSeal(errPreempted)
	}
}

// Heartbeat builds the payload used when nothing is pending: a message
// from the author to itself, encrypted and signed.
func (m *Miner) Heartbeat() (block.Payload, error) {
	msg := message.New(m.author, m.author, fmt.Sprintf("heartbeat %d", time.Now().UnixNano()))
	if err := msg.Encrypt(); err != nil {
		return nil, fmt.Errorf("encrypt heartbeat: %w", err)
	}
	if err := msg.Sign(m.key); err != nil {
		return nil, fmt.Errorf("sign heartbeat: %w", err)
	}
	return msg, nil
}

// nextPayload takes the oldest pending payload or builds a heartbeat.
func (m *Miner) nextPayload() (block.Payload, error) {
	if m.pool != nil {
		if pl, ok := m.pool.Next(); ok {
			return pl, nil
		}
	}
	return m.Heartbeat()
}

// ProduceBlock builds a block carrying payload on the current tip and seals
// it. The block is NOT added to the chain.
func (m *Miner) ProduceBlock(ctx context.Context, payload block.Payload) (*block.Block, error) {
	st := m.chain.State()
	prev, seq := st.NextSequence()
	blk := block.New(payload, m.author, prev, seq)

	sealCtx, cancel := context.WithCancelCause(ctx)
	m.mu.Lock()
	m.cancelSeal = cancel
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.cancelSeal = nil
		m.mu.Unlock()
		cancel(nil)
	}()

	if err := m.engine.SealWithCancel(sealCtx, blk); err != nil {
		if errors.Is(context.Cause(sealCtx), errPreempted) && ctx.Err() == nil {
			return nil, errPreempted
		}
		return nil, fmt.Errorf("seal block %d: %w", seq, err)
	}
	return blk, nil
}

// Run mines until ctx is done. Blocks the chain refuses are logged and
// dropped; the loop continues with a fresh block.
func (m *Miner) Run(ctx context.Context) error {
	m.logger.Info().Msg("Block production started")
	defer m.logger.Info().Msg("Block production stopped")

	var pending block.Payload
	for {
		if ctx.Err() != nil {
			return nil
		}

		if pending == nil {
			pl, err := m.nextPayload()
			if err != nil {
				m.logger.Error().Err(err).Msg("Failed to build payload")
				if !sleep(ctx, time.Second) {
					return nil
				}
				continue
			}
			pending = pl
		}

		blk, err := m.ProduceBlock(ctx, pending)
		switch {
		case errors.Is(err, errPreempted):
			m.logger.Debug().Msg("Seal preempted, restarting on new tip")
			continue
		case err != nil && ctx.Err() != nil:
			return nil
		case errors.Is(err, consensus.ErrSeedSpaceExhausted):
			m.logger.Warn().Err(err).Msg("Seed space exhausted, dropping payload")
			pending = nil
			continue
		case err != nil:
			m.logger.Error().Err(err).Msg("Failed to produce block")
			pending = nil
			continue
		}

		if err := m.chain.AddBlock(blk); err != nil {
			m.rejected.Add(1)
			pending = nil
			if errors.Is(err, chain.ErrInvalidChain) || errors.Is(err, chain.ErrDuplicateBlock) {
				m.logger.Warn().Err(err).Uint32("seq", blk.SequenceID).Msg("Chain refused mined block")
			} else {
				m.logger.Error().Err(err).Uint32("seq", blk.SequenceID).Msg("Failed to add mined block")
			}
			continue
		}
		pending = nil
		m.mined.Add(1)

		m.logger.Info().
			Uint32("seq", blk.SequenceID).
			Str("hash", blk.Hash.Short()).
			Uint32("seed", blk.Seed).
			Str("kind", blk.Payload.Kind()).
			Msg("Block mined")

		m.mu.Lock()
		handler := m.onMined
		m.mu.Unlock()
		if handler != nil {
			handler(blk)
		}

		if m.interval > 0 && !sleep(ctx, m.interval) {
			return nil
		}
	}
}

// sleep waits for d or until ctx is done. It reports whether d elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
