package p2p

import (
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/control"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	klog "github.com/biddy-ledger/biddy/internal/log"
)

// Ban thresholds and penalties.
const (
	BanThreshold = 100
	BanDuration  = 24 * time.Hour

	PenaltyInvalidBlock = 50 // Failed Validate or VerifyHash.
	PenaltyBadMessage   = 20 // Undecodable queue frame or payload.
)

// BanManager scores misbehaving peers and bans them at BanThreshold.
type BanManager struct {
	mu     sync.RWMutex
	scores map[peer.ID]int
	bans   map[peer.ID]*BanRecord
	store  *BanStore // nil disables persistence
	node   *Node     // nil disables disconnect-on-ban
}

// NewBanManager creates a BanManager. store and node may be nil.
func NewBanManager(store *BanStore, node *Node) *BanManager {
	return &BanManager{
		scores: make(map[peer.ID]int),
		bans:   make(map[peer.ID]*BanRecord),
		store:  store,
		node:   node,
	}
}

// LoadBans restores unexpired bans from the store.
func (bm *BanManager) LoadBans() {
	if bm.store == nil {
		return
	}
	if _, err := bm.store.PruneExpired(); err != nil {
		klog.P2P.Warn().Err(err).Msg("Prune expired bans failed")
	}

	bm.mu.Lock()
	defer bm.mu.Unlock()
	err := bm.store.ForEach(func(rec *BanRecord) error {
		if rec.IsExpired() {
			return nil
		}
		id, err := peer.Decode(rec.ID)
		if err != nil {
			return nil
		}
		r := *rec
		bm.bans[id] = &r
		return nil
	})
	if err != nil {
		klog.P2P.Warn().Err(err).Msg("Load bans failed")
	}
}

// RecordOffense adds penalty to the peer's score, banning and disconnecting
// it once the score reaches BanThreshold.
func (bm *BanManager) RecordOffense(id peer.ID, penalty int, reason string) {
	bm.mu.Lock()
	if rec, ok := bm.bans[id]; ok && !rec.IsExpired() {
		bm.mu.Unlock()
		return
	}
	bm.scores[id] += penalty
	if bm.scores[id] < BanThreshold {
		bm.mu.Unlock()
		return
	}

	now := time.Now()
	rec := &BanRecord{
		ID:        id.String(),
		Reason:    reason,
		Score:     bm.scores[id],
		BannedAt:  now.Unix(),
		ExpiresAt: now.Add(BanDuration).Unix(),
	}
	bm.bans[id] = rec
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Put(rec); err != nil {
			klog.P2P.Warn().Err(err).Msg("Persist ban failed")
		}
	}
	klog.P2P.Warn().
		Str("peer", shortID(id)).
		Str("reason", reason).
		Int("score", rec.Score).
		Msg("Peer banned")

	if bm.node != nil {
		go bm.node.DisconnectPeer(id)
	}
}

// Score returns the peer's accumulated penalty (0 once banned).
func (bm *BanManager) Score(id peer.ID) int {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	return bm.scores[id]
}

// IsBanned reports whether the peer is under an active ban.
func (bm *BanManager) IsBanned(id peer.ID) bool {
	bm.mu.RLock()
	rec, ok := bm.bans[id]
	bm.mu.RUnlock()
	if !ok {
		return false
	}
	if rec.IsExpired() {
		bm.Unban(id)
		return false
	}
	return true
}

// Unban lifts a ban and clears the score.
func (bm *BanManager) Unban(id peer.ID) {
	bm.mu.Lock()
	delete(bm.bans, id)
	delete(bm.scores, id)
	bm.mu.Unlock()

	if bm.store != nil {
		bm.store.Delete(id)
	}
}

// Clear lifts every ban, including expired ones still on disk, and resets
// all scores. It returns how many active bans were lifted.
func (bm *BanManager) Clear() (int, error) {
	bm.mu.Lock()
	n := 0
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			n++
		}
	}
	bm.bans = make(map[peer.ID]*BanRecord)
	bm.scores = make(map[peer.ID]int)
	bm.mu.Unlock()

	if bm.store != nil {
		if err := bm.store.Clear(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// BanList returns a snapshot of active bans.
func (bm *BanManager) BanList() []BanRecord {
	bm.mu.RLock()
	defer bm.mu.RUnlock()
	var list []BanRecord
	for _, rec := range bm.bans {
		if !rec.IsExpired() {
			list = append(list, *rec)
		}
	}
	return list
}

// RunPruneLoop drops expired bans every ten minutes until done is closed.
func (bm *BanManager) RunPruneLoop(done <-chan struct{}) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			bm.pruneExpired()
		}
	}
}

func (bm *BanManager) pruneExpired() {
	bm.mu.Lock()
	for id, rec := range bm.bans {
		if rec.IsExpired() {
			delete(bm.bans, id)
		}
	}
	bm.mu.Unlock()
	if bm.store != nil {
		bm.store.PruneExpired()
	}
}

// banGater rejects banned peers at the transport level.
type banGater struct {
	banMgr *BanManager
}

func (g *banGater) InterceptPeerDial(p peer.ID) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptAddrDial(peer.ID, ma.Multiaddr) bool {
	return true
}

// InterceptAccept allows everything; the peer is not authenticated yet.
func (g *banGater) InterceptAccept(network.ConnMultiaddrs) bool {
	return true
}

func (g *banGater) InterceptSecured(_ network.Direction, p peer.ID, _ network.ConnMultiaddrs) bool {
	return !g.banMgr.IsBanned(p)
}

func (g *banGater) InterceptUpgraded(network.Conn) (bool, control.DisconnectReason) {
	return true, 0
}
