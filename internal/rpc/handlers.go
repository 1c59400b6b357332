package rpc

import (
	"fmt"

	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/message"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	st := s.chain.State()
	res := &ChainInfoResult{
		HasTip:    st.HasTip,
		TipID:     st.TipID,
		HasAnchor: st.HasAnchor,
		AnchorID:  st.AnchorID,
		Pending:   st.Pending,
		Threshold: st.Threshold,
	}
	if st.HasTip {
		res.TipHash = st.TipHash.String()
	}
	if st.HasAnchor {
		res.AnchorHash = st.AnchorHash.String()
	}
	if st.LastFlush != nil {
		res.FlushError = st.LastFlush.Error()
	}
	if s.miner != nil {
		res.Author = s.miner.Author()
		res.Mined, res.Rejected = s.miner.Stats()
	}
	return res, nil
}

func (s *Server) handleChainGetBlock(req *Request) (interface{}, *Error) {
	var params HashParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if params.Hash == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "hash is required"}
	}
	hash, err := types.HexToHash(params.Hash)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid hash: must be 32-byte hex"}
	}

	if blk, ok := s.chain.GetBlock(hash); ok {
		return &BlockResult{Location: LocationWorkingSet, Block: blk}, nil
	}

	if s.checkpoints != nil {
		blk, ok, err := s.checkpoints.FindBlock(hash)
		if err != nil {
			s.logger.Warn().Err(err).Str("hash", hash.Short()).Msg("Checkpoint lookup failed")
			return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("checkpoint lookup: %v", err)}
		}
		if ok {
			return &BlockResult{Location: LocationCheckpoint, Block: blk}, nil
		}
	}

	return nil, &Error{Code: CodeNotFound, Message: "block not found"}
}

// ── Checkpoint endpoints ────────────────────────────────────────────────

func (s *Server) handleCheckpointList(_ *Request) (interface{}, *Error) {
	if s.checkpoints == nil {
		return &CheckpointListResult{Count: 0, Checkpoints: nil}, nil
	}
	entries, err := s.checkpoints.List()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: fmt.Sprintf("list checkpoints: %v", err)}
	}
	return &CheckpointListResult{
		Count:       len(entries),
		Checkpoints: entries,
	}, nil
}

// ── Payload endpoints ───────────────────────────────────────────────────

func (s *Server) handleMessageSubmit(req *Request) (interface{}, *Error) {
	var params SubmitParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	if len(params.Data) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "data is required"}
	}
	kind := params.Kind
	if kind == "" {
		kind = message.Kind
	}

	pl, err := block.DecodePayload(kind, params.Data)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: err.Error()}
	}

	id, err := s.pool.Add(pl)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("rejected: %v", err)}
	}

	relayed := 0
	if s.p2pNode != nil {
		n, err := s.p2pNode.BroadcastPayload(pl)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Failed to relay payload")
		}
		relayed = n
	}

	s.logger.Debug().Str("id", id.Short()).Str("kind", kind).Int("relayed", relayed).Msg("Payload submitted")

	return &SubmitResult{
		ID:      id.String(),
		Kind:    kind,
		Relayed: relayed,
	}, nil
}

// ── Mempool endpoints ───────────────────────────────────────────────────

func (s *Server) handleMempoolGetInfo(_ *Request) (interface{}, *Error) {
	return &MempoolInfoResult{
		Count:    s.pool.Len(),
		Capacity: s.pool.Cap(),
	}, nil
}

// ── Network endpoints ───────────────────────────────────────────────────

func (s *Server) handleNetGetPeerInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &PeerInfoResult{Count: 0, Peers: []PeerInfo{}}, nil
	}

	peers := s.p2pNode.PeerList()
	infos := make([]PeerInfo, len(peers))
	for i, p := range peers {
		info := PeerInfo{
			ID:          p.ID.String(),
			ConnectedAt: p.ConnectedAt.UTC().Format("2006-01-02T15:04:05Z"),
			Source:      p.Source,
			Addrs:       s.p2pNode.PeerAddrs(p.ID),
		}
		if st, ok := p.Status(); ok {
			info.Author = st.Author
			if st.HasTip {
				tipID := st.TipID
				info.TipID = &tipID
				info.TipHash = st.Tip.String()
			}
		}
		infos[i] = info
	}

	return &PeerInfoResult{
		Count: len(infos),
		Peers: infos,
	}, nil
}

func (s *Server) handleNetGetNodeInfo(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil {
		return &NodeInfoResult{ID: "", Addrs: []string{}}, nil
	}

	return &NodeInfoResult{
		ID:    s.p2pNode.ID().String(),
		Addrs: s.p2pNode.Addrs(),
	}, nil
}

func (s *Server) handleNetGetBanList(_ *Request) (interface{}, *Error) {
	if s.p2pNode == nil || s.p2pNode.BanManager == nil {
		return &BanListResult{Count: 0, Bans: []BanEntry{}}, nil
	}

	records := s.p2pNode.BanManager.BanList()
	entries := make([]BanEntry, len(records))
	for i, r := range records {
		entries[i] = BanEntry{
			ID:        r.ID,
			Reason:    r.Reason,
			Score:     r.Score,
			BannedAt:  r.BannedAt,
			ExpiresAt: r.ExpiresAt,
		}
	}

	return &BanListResult{
		Count: len(entries),
		Bans:  entries,
	}, nil
}
