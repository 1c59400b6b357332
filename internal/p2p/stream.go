package p2p

import (
	"context"
	"errors"
	"fmt"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-msgio"

	klog "github.com/biddy-ledger/biddy/internal/log"
)

// handleQueueStream reads varint-framed messages from an inbound queue
// stream into the sender's inbound queue.
func (n *Node) handleQueueStream(s network.Stream) {
	defer s.Close()
	remote := s.Conn().RemotePeer()
	if n.BanManager != nil && n.BanManager.IsBanned(remote) {
		s.Reset()
		return
	}
	p := n.addPeer(remote, "inbound")

	r := msgio.NewVarintReaderSize(s, MaxFrameSize)
	for {
		msg, err := r.ReadMsg()
		if err != nil {
			return
		}
		frame := append([]byte(nil), msg...)
		r.ReleaseMsg(msg)
		if err := p.deliver(frame); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(remote)).Msg("Inbound frame dropped")
			if errors.Is(err, ErrQueueClosed) {
				return
			}
		}
	}
}

// runSender drains a peer's outbound queue onto a lazily opened stream.
// A failed write drops the frame and reopens the stream for the next one.
func (n *Node) runSender(p *Peer) {
	defer n.wg.Done()
	var (
		s network.Stream
		w msgio.WriteCloser
	)
	defer func() {
		if s != nil {
			s.Close()
		}
	}()

	for {
		frame, err := p.nextOutbound(n.ctx)
		if err != nil {
			return
		}
		if s == nil {
			ctx, cancel := context.WithTimeout(n.ctx, peerConnectTimeout)
			s, err = n.host.NewStream(ctx, p.ID, QueueProtocol)
			cancel()
			if err != nil {
				klog.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Open queue stream failed")
				s = nil
				continue
			}
			w = msgio.NewVarintWriter(s)
		}
		if err := w.WriteMsg(frame); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Queue write failed")
			s.Reset()
			s, w = nil, nil
		}
	}
}

// runDispatcher hands each inbound frame of p to the message handler.
func (n *Node) runDispatcher(p *Peer) {
	defer n.wg.Done()
	for {
		frame, err := p.DequeueWait(n.ctx)
		if err != nil {
			return
		}
		msg, err := DecodeMessage(frame)
		if err != nil {
			n.recordOffense(p.ID, PenaltyBadMessage, fmt.Sprintf("bad queue message: %v", err))
			continue
		}
		if msg.Type == MsgStatus {
			if st, err := msg.DecodeStatus(); err == nil {
				p.SetStatus(st)
			}
		}
		n.handlerMu.RLock()
		fn := n.msgHandler
		n.handlerMu.RUnlock()
		if fn != nil {
			n.safeCall(func() { fn(p, msg) })
		}
	}
}

// Send enqueues a message for one peer.
func (n *Node) Send(id peer.ID, t MessageType, v any) error {
	p, ok := n.registry.Get(id)
	if !ok {
		return fmt.Errorf("peer %s not connected", shortID(id))
	}
	data, err := EncodeMessage(t, v)
	if err != nil {
		return err
	}
	return p.Enqueue(data)
}

// Broadcast enqueues a pre-encoded frame for every connected peer. It
// returns the number of peers the frame was queued for.
func (n *Node) Broadcast(frame []byte) int {
	sent := 0
	for _, p := range n.registry.List() {
		if err := p.Enqueue(frame); err != nil {
			klog.P2P.Debug().Err(err).Str("peer", shortID(p.ID)).Msg("Enqueue failed")
			continue
		}
		sent++
	}
	return sent
}
