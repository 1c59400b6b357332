package p2p

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
)

// Peer is a connected remote node with one outbound and one inbound frame
// queue. Frames leave in Enqueue order and are observed by Dequeue in the
// order the remote sent them.
type Peer struct {
	ID          peer.ID
	ConnectedAt time.Time
	Source      string // "dht", "mdns", "seed", "inbound", "gossip"

	send *Queue
	recv *Queue

	mu        sync.RWMutex
	status    Status
	hasStatus bool
}

// NewPeer creates a peer with empty queues.
func NewPeer(id peer.ID, source string) *Peer {
	return &Peer{
		ID:          id,
		ConnectedAt: time.Now(),
		Source:      source,
		send:        NewQueue(DefaultQueueSize),
		recv:        NewQueue(DefaultQueueSize),
	}
}

// Enqueue schedules b for delivery to the remote peer.
func (p *Peer) Enqueue(b []byte) error {
	return p.send.Push(append([]byte(nil), b...))
}

// Dequeue returns the oldest received frame, if any.
func (p *Peer) Dequeue() ([]byte, bool) {
	return p.recv.Pop()
}

// DequeueWait blocks until a frame is received, ctx is done or the peer is
// closed.
func (p *Peer) DequeueWait(ctx context.Context) ([]byte, error) {
	return p.recv.PopWait(ctx)
}

// Pending returns the number of frames waiting in each direction.
func (p *Peer) Pending() (outbound, inbound int) {
	return p.send.Len(), p.recv.Len()
}

// Status returns the last tip the peer announced.
func (p *Peer) Status() (Status, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status, p.hasStatus
}

// SetStatus records a tip announcement.
func (p *Peer) SetStatus(st Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = st
	p.hasStatus = true
}

// deliver hands a frame read from the wire to the inbound queue.
func (p *Peer) deliver(b []byte) error {
	return p.recv.Push(b)
}

// nextOutbound blocks for the next frame to write.
func (p *Peer) nextOutbound(ctx context.Context) ([]byte, error) {
	return p.send.PopWait(ctx)
}

func (p *Peer) close() {
	p.send.Close()
	p.recv.Close()
}
