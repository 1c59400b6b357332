// Package config handles node configuration.
//
// Settings are resolved in order: built-in defaults, then the
// <datadir>/biddy.conf file, then command-line flags. The hash target and
// block layout are fixed protocol rules and are never configurable.
package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// ConfigFileName is the config file looked up inside the data directory.
const ConfigFileName = "biddy.conf"

// Config holds node-specific runtime configuration.
type Config struct {
	DataDir string `conf:"datadir"`
	// Network separates independent swarms. Nodes only discover peers with
	// the same network name. Empty means the default swarm.
	Network string `conf:"network"`

	P2P        P2PConfig
	RPC        RPCConfig
	Mining     MiningConfig
	Checkpoint CheckpointConfig
	Storage    StorageConfig
	Identity   IdentityConfig
	Log        LogConfig

	// Maintenance (not persisted in config file)
	VerifyCheckpoints bool
}

// P2PConfig holds peer-to-peer network settings.
type P2PConfig struct {
	Enabled    bool     `conf:"p2p.enabled"`
	ListenAddr string   `conf:"p2p.listen"`
	Port       int      `conf:"p2p.port"`
	Seeds      []string `conf:"p2p.seeds"`
	MaxPeers   int      `conf:"p2p.maxpeers"`
	NoDiscover bool     `conf:"p2p.nodiscover"`
	DHTServer  bool     `conf:"p2p.dhtserver"` // Run DHT in server mode (for seed nodes)
	ClearBans  bool     // Clear all peer bans on startup (not persisted in config file).
}

// RPCConfig holds RPC server settings.
type RPCConfig struct {
	Enabled     bool     `conf:"rpc.enabled"`
	Addr        string   `conf:"rpc.addr"`
	Port        int      `conf:"rpc.port"`
	AllowedIPs  []string `conf:"rpc.allowed"`
	CORSOrigins []string `conf:"rpc.cors"` // Allowed CORS origins ("*" = all).
}

// MiningConfig holds block production settings.
type MiningConfig struct {
	Enabled bool `conf:"mining.enabled"`
	Threads int  `conf:"mining.threads"` // Parallel seed search goroutines.
}

// CheckpointConfig controls when and where the working set is flushed.
type CheckpointConfig struct {
	Dir       string `conf:"checkpoint.dir"`       // Empty means <datadir>/checkpoints.
	Threshold int    `conf:"checkpoint.threshold"` // Working set size that triggers a flush.
	Compress  bool   `conf:"checkpoint.compress"`  // zstd-compress checkpoint bodies.
	MaxDepth  int    `conf:"checkpoint.maxdepth"`  // Ancestry walk limit.
}

// StorageConfig selects the key-value backend for indexes and peer records.
type StorageConfig struct {
	Backend string `conf:"storage.backend"` // badger, bolt or memory.
}

// IdentityConfig locates the author keyfile.
type IdentityConfig struct {
	Keyfile string `conf:"identity.keyfile"` // Empty means <datadir>/identity.json.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.biddy
//	macOS:   ~/Library/Application Support/Biddy
//	Windows: %APPDATA%\Biddy
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".biddy"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Biddy")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Biddy")
		}
		return filepath.Join(home, "AppData", "Roaming", "Biddy")
	default:
		return filepath.Join(home, ".biddy")
	}
}

// CheckpointDir returns the directory holding checkpoint files.
func (c *Config) CheckpointDir() string {
	if c.Checkpoint.Dir != "" {
		return c.Checkpoint.Dir
	}
	return filepath.Join(c.DataDir, "checkpoints")
}

// DBDir returns the key-value database directory.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "db")
}

// KeyfilePath returns the author keyfile path.
func (c *Config) KeyfilePath() string {
	if c.Identity.Keyfile != "" {
		return c.Identity.Keyfile
	}
	return filepath.Join(c.DataDir, "identity.json")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, ConfigFileName)
}

// Default returns the default node configuration.
func Default() *Config {
	return &Config{
		DataDir: DefaultDataDir(),
		P2P: P2PConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       42490,
			MaxPeers:   50,
			// Seeds are libp2p multiaddrs, e.g.
			//   "/ip4/203.0.113.1/tcp/42490/p2p/12D3KooW..."
			Seeds: []string{},
		},
		RPC: RPCConfig{
			Enabled:    true,
			Addr:       "127.0.0.1",
			Port:       4249,
			AllowedIPs: []string{"127.0.0.1"},
		},
		Mining: MiningConfig{
			Enabled: true,
			Threads: 1,
		},
		Checkpoint: CheckpointConfig{
			Threshold: 50,
			Compress:  true,
			MaxDepth:  10000,
		},
		Storage: StorageConfig{
			Backend: "badger",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
