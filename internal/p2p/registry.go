package p2p

import (
	"sort"
	"sync"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Registry is the set of connected peers. The node owns it and is the only
// writer; readers get snapshots.
type Registry struct {
	mu    sync.RWMutex
	peers map[peer.ID]*Peer
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[peer.ID]*Peer)}
}

// Add returns the peer for id, creating it if needed. created reports
// whether a new entry was made.
func (r *Registry) Add(id peer.ID, source string) (p *Peer, created bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.peers[id]; ok {
		return existing, false
	}
	p = NewPeer(id, source)
	r.peers[id] = p
	return p, true
}

// Get returns the peer for id.
func (r *Registry) Get(id peer.ID) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Remove drops the peer and closes its queues.
func (r *Registry) Remove(id peer.ID) bool {
	r.mu.Lock()
	p, ok := r.peers[id]
	delete(r.peers, id)
	r.mu.Unlock()
	if ok {
		p.close()
	}
	return ok
}

// Len returns the number of peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// List returns the peers ordered by connection time.
func (r *Registry) List() []*Peer {
	r.mu.RLock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedAt.Equal(out[j].ConnectedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// Close removes every peer.
func (r *Registry) Close() {
	r.mu.Lock()
	peers := r.peers
	r.peers = make(map[peer.ID]*Peer)
	r.mu.Unlock()
	for _, p := range peers {
		p.close()
	}
}
