package config

import (
	"fmt"
	"runtime"

	"github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/internal/storage"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.DataDir == "" {
		return fmt.Errorf("datadir must not be empty")
	}
	if cfg.P2P.Port < 0 || cfg.P2P.Port > 65535 {
		return fmt.Errorf("p2p.port must be in range [0, 65535]")
	}
	if cfg.P2P.MaxPeers < 0 {
		return fmt.Errorf("p2p.maxpeers must not be negative")
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.Mining.Threads < 1 {
		return fmt.Errorf("mining.threads must be at least 1")
	}
	if max := 4 * runtime.NumCPU(); cfg.Mining.Threads > max {
		return fmt.Errorf("mining.threads %d exceeds %d", cfg.Mining.Threads, max)
	}
	if cfg.Checkpoint.Threshold < 1 {
		return fmt.Errorf("checkpoint.threshold must be at least 1")
	}
	if cfg.Checkpoint.MaxDepth < 1 {
		return fmt.Errorf("checkpoint.maxdepth must be at least 1")
	}
	if cfg.Checkpoint.MaxDepth < cfg.Checkpoint.Threshold {
		return fmt.Errorf("checkpoint.maxdepth %d is below checkpoint.threshold %d",
			cfg.Checkpoint.MaxDepth, cfg.Checkpoint.Threshold)
	}
	switch cfg.Storage.Backend {
	case storage.BackendBadger, storage.BackendBolt, storage.BackendMemory:
	default:
		return fmt.Errorf("storage.backend must be %s, %s or %s",
			storage.BackendBadger, storage.BackendBolt, storage.BackendMemory)
	}
	if !log.ValidLevel(cfg.Log.Level) {
		return fmt.Errorf("log.level %q is not a valid level", cfg.Log.Level)
	}
	return nil
}
