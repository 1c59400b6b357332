package p2p

import (
	"encoding/json"
	"fmt"

	"github.com/biddy-ledger/biddy/pkg/block"
)

// BroadcastBlock publishes a block to the gossip network.
func (n *Node) BroadcastBlock(b *block.Block) error {
	if n.topicBlock == nil {
		return fmt.Errorf("p2p node not started")
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal block: %w", err)
	}
	return n.topicBlock.Publish(n.ctx, data)
}

// BroadcastPayload queues a pending payload for every connected peer.
func (n *Node) BroadcastPayload(pl block.Payload) (int, error) {
	frame, err := EncodePayload(pl)
	if err != nil {
		return 0, err
	}
	return n.Broadcast(frame), nil
}

// AnnounceStatus queues a tip announcement for every connected peer.
func (n *Node) AnnounceStatus(st Status) (int, error) {
	frame, err := EncodeMessage(MsgStatus, st)
	if err != nil {
		return 0, err
	}
	return n.Broadcast(frame), nil
}

// DecodeBlock parses a gossiped block and checks it at the trust boundary:
// format and linkage via Validate, then tamper detection via VerifyHash.
func DecodeBlock(data []byte) (*block.Block, error) {
	var blk block.Block
	if err := json.Unmarshal(data, &blk); err != nil {
		return nil, fmt.Errorf("decode block: %w", err)
	}
	if err := blk.Validate(); err != nil {
		return nil, err
	}
	if err := blk.VerifyHash(); err != nil {
		return nil, err
	}
	return &blk, nil
}
