package rpc

import (
	"encoding/json"

	"github.com/biddy-ledger/biddy/internal/checkpoint"
	"github.com/biddy-ledger/biddy/pkg/block"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// HashParam is used by endpoints that take a single block hash.
type HashParam struct {
	Hash string `json:"hash"`
}

// SubmitParam is used by message_submit. Kind defaults to "message".
type SubmitParam struct {
	Kind string          `json:"kind,omitempty"`
	Data json.RawMessage `json:"data"`
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	Author     string `json:"author,omitempty"`
	HasTip     bool   `json:"has_tip"`
	TipHash    string `json:"tip_hash,omitempty"`
	TipID      uint32 `json:"tip_id"`
	HasAnchor  bool   `json:"has_anchor"`
	AnchorHash string `json:"anchor_hash,omitempty"`
	AnchorID   uint32 `json:"anchor_id"`
	Pending    int    `json:"pending"`
	Threshold  int    `json:"threshold"`
	FlushError string `json:"flush_error,omitempty"`
	Mined      uint64 `json:"mined"`
	Rejected   uint64 `json:"rejected"`
}

// Block locations reported by chain_getBlock.
const (
	LocationWorkingSet = "working_set"
	LocationCheckpoint = "checkpoint"
)

// BlockResult is returned by chain_getBlock.
type BlockResult struct {
	Location string       `json:"location"`
	Block    *block.Block `json:"block"`
}

// CheckpointListResult is returned by checkpoint_list.
type CheckpointListResult struct {
	Count       int                `json:"count"`
	Checkpoints []checkpoint.Entry `json:"checkpoints"`
}

// SubmitResult is returned by message_submit.
type SubmitResult struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Relayed int    `json:"relayed"`
}

// MempoolInfoResult is returned by mempool_getInfo.
type MempoolInfoResult struct {
	Count    int `json:"count"`
	Capacity int `json:"capacity"`
}

// PeerInfo describes a connected peer.
type PeerInfo struct {
	ID          string   `json:"id"`
	ConnectedAt string   `json:"connected_at"`
	Source      string   `json:"source"`
	Addrs       []string `json:"addrs,omitempty"`
	Author      string   `json:"author,omitempty"`
	TipID       *uint32  `json:"tip_id,omitempty"`
	TipHash     string   `json:"tip_hash,omitempty"`
}

// PeerInfoResult is returned by net_getPeerInfo.
type PeerInfoResult struct {
	Count int        `json:"count"`
	Peers []PeerInfo `json:"peers"`
}

// NodeInfoResult is returned by net_getNodeInfo.
type NodeInfoResult struct {
	ID    string   `json:"id"`
	Addrs []string `json:"addrs"`
}

// BanEntry describes a single banned peer.
type BanEntry struct {
	ID        string `json:"id"`
	Reason    string `json:"reason"`
	Score     int    `json:"score"`
	BannedAt  int64  `json:"banned_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// BanListResult is returned by net_getBanList.
type BanListResult struct {
	Count int        `json:"count"`
	Bans  []BanEntry `json:"bans"`
}
