package node

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/biddy-ledger/biddy/internal/checkpoint"
	"github.com/biddy-ledger/biddy/internal/identity"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// loadIdentity decrypts the author keyfile at path.
func loadIdentity(path string, passphrase []byte) (*identity.Identity, error) {
	path = expandHome(path)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("no keyfile at %s (create one with biddy-cli keygen)", path)
		}
		return nil, err
	}
	return identity.Load(path, passphrase)
}

// restoreAnchor reads the last checkpointed tip and checks it was written
// by author. ok is false when no checkpoint exists yet.
func restoreAnchor(cp *checkpoint.Manager, author string) (hash types.Hash, id uint32, ok bool, err error) {
	hash, id, ok, err = cp.Anchor()
	if err != nil || !ok {
		return hash, id, ok, err
	}
	blk, found, err := cp.FindBlock(hash)
	if err != nil {
		return hash, id, false, fmt.Errorf("read anchor block: %w", err)
	}
	if !found {
		return hash, id, false, fmt.Errorf("anchor %s is indexed but missing from checkpoints", hash.Short())
	}
	if author != "" && blk.AuthorKey != author {
		return hash, id, false, fmt.Errorf("checkpoints in %s belong to author %s", cp.Dir(), shortKey(blk.AuthorKey))
	}
	return hash, id, true, nil
}

// shortKey abbreviates an author key for log lines.
func shortKey(key string) string {
	if len(key) <= 16 {
		return key
	}
	return key[:16] + "..."
}
