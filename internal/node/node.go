// Package node provides a reusable ledger node that can be embedded in any
// binary (daemon, tests).
package node

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/rs/zerolog"

	"github.com/biddy-ledger/biddy/config"
	"github.com/biddy-ledger/biddy/internal/chain"
	"github.com/biddy-ledger/biddy/internal/checkpoint"
	"github.com/biddy-ledger/biddy/internal/consensus"
	"github.com/biddy-ledger/biddy/internal/identity"
	klog "github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/internal/mempool"
	"github.com/biddy-ledger/biddy/internal/miner"
	"github.com/biddy-ledger/biddy/internal/p2p"
	"github.com/biddy-ledger/biddy/internal/rpc"
	"github.com/biddy-ledger/biddy/internal/storage"
	"github.com/biddy-ledger/biddy/pkg/block"
)

// DefaultPoolSize bounds the pending payload queue.
const DefaultPoolSize = 5000

// Node is a fully-initialized ledger node.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Core
	db     storage.DB
	cp     *checkpoint.Manager
	ch     *chain.Chain
	pool   *mempool.Pool
	engine *consensus.PoW

	// Identity and mining
	ident *identity.Identity
	miner *miner.Miner

	// Networking
	p2pNode *p2p.Node

	// RPC
	rpcServer *rpc.Server

	// Lifecycle
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New creates and initializes a new Node. It performs all setup steps
// (logger, storage, checkpoints, chain, mempool, identity, P2P, RPC) but
// does NOT start block production. Call Start() for that.
//
// passphrase unlocks the author keyfile. It is only needed when mining is
// enabled.
func New(cfg *config.Config, passphrase []byte) (*Node, error) {
	// ── 1. Init logger ──────────────────────────────────────────────
	logFile := cfg.Log.File
	if logFile == "" {
		logsDir := cfg.LogsDir()
		if err := os.MkdirAll(logsDir, 0755); err != nil {
			return nil, fmt.Errorf("creating logs dir: %w", err)
		}
		logFile = filepath.Join(logsDir, "biddy.log")
	}
	if err := klog.Init(cfg.Log.Level, cfg.Log.JSON, logFile); err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}
	logger := klog.WithComponent("node")

	logger.Info().
		Str("datadir", cfg.DataDir).
		Str("target", block.TargetPrefix).
		Int("threshold", cfg.Checkpoint.Threshold).
		Msg("Starting Biddy node")

	// ── 2. Open storage ─────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.Backend, cfg.DBDir())
	if err != nil {
		return nil, fmt.Errorf("open %s database at %s: %w", cfg.Storage.Backend, cfg.DBDir(), err)
	}
	logger.Info().Str("backend", cfg.Storage.Backend).Str("path", cfg.DBDir()).Msg("Database opened")

	n := &Node{
		cfg:    cfg,
		logger: logger,
		db:     db,
	}
	n.ctx, n.cancel = context.WithCancel(context.Background())

	fail := func(err error) (*Node, error) {
		n.Stop()
		return nil, err
	}

	// ── 3. Identity ─────────────────────────────────────────────────
	if cfg.Mining.Enabled {
		n.ident, err = loadIdentity(cfg.KeyfilePath(), passphrase)
		if err != nil {
			return fail(fmt.Errorf("load identity: %w", err))
		}
		logger.Info().
			Str("author", shortKey(n.ident.AuthorKey())).
			Str("path", n.ident.Path()).
			Msg("Author identity loaded")
	}

	// ── 4. Checkpoints ──────────────────────────────────────────────
	n.cp = checkpoint.NewManager(cfg.CheckpointDir(), db, cfg.Checkpoint.Compress)
	added, err := n.cp.Reindex()
	if err != nil {
		return fail(fmt.Errorf("index checkpoints: %w", err))
	}
	if added > 0 {
		logger.Info().Int("files", added).Msg("Indexed checkpoint files found on disk")
	}
	if cfg.VerifyCheckpoints {
		blocks, err := n.cp.Reconstruct(nil)
		if err != nil {
			return fail(fmt.Errorf("verify checkpoints: %w", err))
		}
		logger.Info().Int("blocks", len(blocks)).Msg("Checkpoints verified")
	}

	// ── 5. Chain ────────────────────────────────────────────────────
	n.ch = chain.New(n.cp, chain.Config{
		FlushThreshold: cfg.Checkpoint.Threshold,
		MaxDepth:       cfg.Checkpoint.MaxDepth,
	})

	author := ""
	if n.ident != nil {
		author = n.ident.AuthorKey()
	}
	anchor, anchorID, ok, err := restoreAnchor(n.cp, author)
	if err != nil {
		return fail(fmt.Errorf("restore anchor: %w", err))
	}
	if ok {
		n.ch.SetAnchor(anchor, anchorID)
		logger.Info().
			Uint32("seq", anchorID).
			Str("anchor", anchor.Short()).
			Msg("Chain resumed from checkpoint")
	} else {
		logger.Info().Msg("No checkpoints found, chain starts at genesis")
	}

	// ── 6. Mempool ──────────────────────────────────────────────────
	n.pool = mempool.New(DefaultPoolSize)
	logger.Info().Int("capacity", n.pool.Cap()).Msg("Mempool ready")

	// ── 7. Miner ────────────────────────────────────────────────────
	n.engine = consensus.NewPoW(cfg.Mining.Threads)
	if n.ident != nil {
		n.miner = miner.New(n.ch, n.engine, n.pool, n.ident.PrivateKey())
	}

	// ── 8. P2P ──────────────────────────────────────────────────────
	if cfg.P2P.Enabled {
		n.p2pNode = p2p.New(p2p.Config{
			ListenAddr: cfg.P2P.ListenAddr,
			Port:       cfg.P2P.Port,
			Seeds:      cfg.P2P.Seeds,
			MaxPeers:   cfg.P2P.MaxPeers,
			NoDiscover: cfg.P2P.NoDiscover,
			DB:         db,
			DHTServer:  cfg.P2P.DHTServer,
			NetworkID:  cfg.Network,
			DataDir:    cfg.DataDir,
		})
		n.p2pNode.SetBlockHandler(n.handlePeerBlock)
		n.p2pNode.SetMessageHandler(n.handlePeerMessage)
		n.p2pNode.SetPeerConnectedHandler(n.handlePeerConnected)

		if err := n.p2pNode.Start(); err != nil {
			n.p2pNode = nil
			return fail(fmt.Errorf("start P2P: %w", err))
		}
		if cfg.P2P.ClearBans {
			cleared, err := n.p2pNode.BanManager.Clear()
			if err != nil {
				logger.Warn().Err(err).Msg("Clear persisted bans failed")
			}
			logger.Info().Int("count", cleared).Msg("Peer bans cleared")
		}

		logger.Info().
			Str("id", n.p2pNode.ID().String()).
			Int("port", cfg.P2P.Port).
			Bool("discovery", !cfg.P2P.NoDiscover).
			Msg("P2P node started")

		// Every appended block is gossiped and the new tip announced.
		n.ch.SetBlockHandler(n.announceBlock)
	} else {
		logger.Warn().Msg("P2P disabled by config; node will run offline")
	}

	// ── 9. RPC server ───────────────────────────────────────────────
	if cfg.RPC.Enabled {
		rpcAddr := fmt.Sprintf("%s:%d", cfg.RPC.Addr, cfg.RPC.Port)
		n.rpcServer = rpc.New(rpcAddr, n.ch, n.cp, n.pool, n.p2pNode, cfg.RPC)
		if n.miner != nil {
			n.rpcServer.SetMiner(n.miner)
		}
		if err := n.rpcServer.Start(); err != nil {
			n.rpcServer = nil
			return fail(fmt.Errorf("start RPC at %s: %w", rpcAddr, err))
		}
		logger.Info().Str("addr", n.rpcServer.Addr()).Msg("RPC server started")
	} else {
		logger.Warn().Msg("RPC disabled by config")
	}

	return n, nil
}

// Start launches block production when mining is enabled.
func (n *Node) Start() error {
	if n.miner != nil {
		n.logger.Info().
			Str("author", shortKey(n.miner.Author())).
			Str("engine", n.engine.String()).
			Msg("Block production enabled")

		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			if err := n.miner.Run(n.ctx); err != nil {
				n.logger.Error().Err(err).Msg("Miner stopped")
			}
		}()
	}

	st := n.ch.State()
	n.logger.Info().
		Bool("has_anchor", st.HasAnchor).
		Uint32("anchor_seq", st.AnchorID).
		Bool("mining", n.miner != nil).
		Msg("Node started successfully")

	return nil
}

// Stop performs graceful shutdown in reverse order. The working set is
// flushed to a final checkpoint so a restart resumes from the latest tip.
func (n *Node) Stop() {
	n.stopOnce.Do(n.stop)
}

func (n *Node) stop() {
	n.cancel()
	n.wg.Wait()

	if n.rpcServer != nil {
		if err := n.rpcServer.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("RPC shutdown")
		}
	}
	if n.p2pNode != nil {
		if err := n.p2pNode.Stop(); err != nil {
			n.logger.Warn().Err(err).Msg("P2P shutdown")
		}
	}
	if n.ch != nil && n.ch.Len() > 0 {
		if err := n.ch.Flush(); err != nil {
			n.logger.Error().Err(err).Int("pending", n.ch.Len()).Msg("Final checkpoint failed")
		}
	}
	if n.ident != nil {
		n.ident.PrivateKey().Zero()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info().Msg("Goodbye!")
}

// RPCAddr returns the address the RPC server is listening on.
func (n *Node) RPCAddr() string {
	if n.rpcServer == nil {
		return ""
	}
	return n.rpcServer.Addr()
}

// Chain returns the node's chain.
func (n *Node) Chain() *chain.Chain { return n.ch }

// Checkpoints returns the checkpoint manager.
func (n *Node) Checkpoints() *checkpoint.Manager { return n.cp }

// Pool returns the pending payload queue.
func (n *Node) Pool() *mempool.Pool { return n.pool }

// P2P returns the network node, or nil when P2P is disabled.
func (n *Node) P2P() *p2p.Node { return n.p2pNode }

// Author returns the local author key, or "" when the node does not mine.
func (n *Node) Author() string {
	if n.ident == nil {
		return ""
	}
	return n.ident.AuthorKey()
}

// status builds the tip announcement for this node.
func (n *Node) status() p2p.Status {
	st := n.ch.State()
	return p2p.Status{
		Author: n.Author(),
		HasTip: st.HasTip,
		TipID:  st.TipID,
		Tip:    st.TipHash,
	}
}

// announceBlock gossips an appended block and the new tip.
func (n *Node) announceBlock(blk *block.Block) {
	if err := n.p2pNode.BroadcastBlock(blk); err != nil {
		n.logger.Warn().Err(err).Uint32("seq", blk.SequenceID).Msg("Failed to broadcast block")
	}
	if _, err := n.p2pNode.AnnounceStatus(n.status()); err != nil {
		n.logger.Debug().Err(err).Msg("Failed to announce status")
	}
}

// handlePeerConnected tells a new peer where this node's chain stands.
func (n *Node) handlePeerConnected(p *p2p.Peer) {
	if err := n.p2pNode.Send(p.ID, p2p.MsgStatus, n.status()); err != nil {
		n.logger.Debug().Err(err).Str("peer", p.ID.String()).Msg("Failed to send status")
	}
}

// handlePeerBlock receives gossiped blocks that already passed Validate and
// VerifyHash. Other authors' chains are observed, never adopted.
func (n *Node) handlePeerBlock(from peer.ID, blk *block.Block) {
	author := n.Author()
	if author != "" && blk.AuthorKey == author {
		st := n.ch.State()
		if _, known := n.ch.GetBlock(blk.Hash); !known && (!st.HasTip || blk.SequenceID >= st.TipID) {
			n.logger.Warn().
				Str("peer", from.String()).
				Uint32("seq", blk.SequenceID).
				Str("hash", blk.Hash.Short()).
				Msg("Peer gossiped a block under this node's author key")
		}
		return
	}
	n.logger.Debug().
		Str("peer", from.String()).
		Str("author", shortKey(blk.AuthorKey)).
		Uint32("seq", blk.SequenceID).
		Str("hash", blk.Hash.Short()).
		Msg("Block received")
}

// handlePeerMessage queues relayed payloads for mining.
func (n *Node) handlePeerMessage(from *p2p.Peer, msg *p2p.Message) {
	if msg.Type != p2p.MsgPayload {
		return
	}
	pl, err := msg.DecodePayload()
	if err != nil {
		n.p2pNode.BanManager.RecordOffense(from.ID, p2p.PenaltyBadMessage, "decode payload: "+err.Error())
		return
	}
	id, err := n.pool.Add(pl)
	switch {
	case errors.Is(err, mempool.ErrAlreadyExists), errors.Is(err, mempool.ErrPoolFull):
		n.logger.Debug().Err(err).Str("peer", from.ID.String()).Msg("Relayed payload dropped")
	case err != nil:
		n.logger.Debug().Err(err).Str("peer", from.ID.String()).Msg("Rejected relayed payload")
		n.p2pNode.BanManager.RecordOffense(from.ID, p2p.PenaltyBadMessage, err.Error())
	default:
		n.logger.Info().
			Str("id", id.Short()).
			Str("kind", pl.Kind()).
			Str("peer", from.ID.String()).
			Msg("Relayed payload queued")
	}
}
