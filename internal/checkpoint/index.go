package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/biddy-ledger/biddy/internal/storage"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// Key prefixes and state keys for the checkpoint index.
var (
	prefixEntry   = []byte("c/") // c/<file name> -> Entry JSON
	prefixLocator = []byte("l/") // l/<hash(32)> -> file name
	keyAnchor     = []byte("s/anchor")
)

// Entry describes one checkpoint file.
type Entry struct {
	File       string     `json:"file"`
	MinID      uint32     `json:"min_id"`
	MaxID      uint32     `json:"max_id"`
	Tip        types.Hash `json:"tip"`
	Blocks     int        `json:"blocks"`
	Size       int64      `json:"size"`
	Checksum   types.Hash `json:"checksum"`
	Compressed bool       `json:"compressed"`
	CreatedAt  int64      `json:"created_at"`
}

// anchorRecord is the last saved tip.
type anchorRecord struct {
	Hash types.Hash `json:"hash"`
	ID   uint32     `json:"id"`
}

// Index stores checkpoint metadata and a block-hash locator in a storage.DB.
type Index struct {
	db storage.DB
}

// NewIndex creates an index backed by the given database.
func NewIndex(db storage.DB) *Index {
	return &Index{db: db}
}

// Put records an entry, a locator for each block hash, and the entry's tip
// as the new anchor, in one batch.
func (ix *Index) Put(e Entry, hashes []types.Hash) error {
	return ix.put(e, hashes, true)
}

// Add records an entry and its locators like Put, but only moves the anchor
// forward: the anchor changes when none exists or e ends past it.
func (ix *Index) Add(e Entry, hashes []types.Hash) error {
	_, id, ok, err := ix.Anchor()
	if err != nil {
		return err
	}
	return ix.put(e, hashes, !ok || e.MaxID > id)
}

func (ix *Index) put(e Entry, hashes []types.Hash, setAnchor bool) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("entry marshal: %w", err)
	}

	b := storage.NewBatch(ix.db)
	if err := b.Put(entryKey(e.File), data); err != nil {
		return fmt.Errorf("entry put: %w", err)
	}
	file := []byte(e.File)
	for _, h := range hashes {
		if err := b.Put(locatorKey(h), file); err != nil {
			return fmt.Errorf("locator put %s: %w", h.Short(), err)
		}
	}
	if setAnchor {
		anchor, err := json.Marshal(anchorRecord{Hash: e.Tip, ID: e.MaxID})
		if err != nil {
			return fmt.Errorf("anchor marshal: %w", err)
		}
		if err := b.Put(keyAnchor, anchor); err != nil {
			return fmt.Errorf("anchor put: %w", err)
		}
	}
	if err := b.Commit(); err != nil {
		return fmt.Errorf("index commit: %w", err)
	}
	return nil
}

// Entries returns all entries sorted ascending by MinID.
func (ix *Index) Entries() ([]Entry, error) {
	var out []Entry
	err := ix.db.ForEach(prefixEntry, func(_, value []byte) error {
		var e Entry
		if err := json.Unmarshal(value, &e); err != nil {
			return fmt.Errorf("entry unmarshal: %w", err)
		}
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MinID != out[j].MinID {
			return out[i].MinID < out[j].MinID
		}
		return out[i].File < out[j].File
	})
	return out, nil
}

// Get returns the entry of the named checkpoint file.
func (ix *Index) Get(file string) (Entry, error) {
	data, err := ix.db.Get(entryKey(file))
	if err != nil {
		return Entry{}, fmt.Errorf("entry get %s: %w", file, err)
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, fmt.Errorf("entry unmarshal: %w", err)
	}
	return e, nil
}

// Locate returns the entry of the checkpoint holding the given block hash.
// ok is false when the hash was never checkpointed.
func (ix *Index) Locate(h types.Hash) (Entry, bool, error) {
	file, err := ix.db.Get(locatorKey(h))
	if errors.Is(err, storage.ErrNotFound) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("locator get: %w", err)
	}
	e, err := ix.Get(string(file))
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// Anchor returns the tip of the most recent save.
func (ix *Index) Anchor() (types.Hash, uint32, bool, error) {
	data, err := ix.db.Get(keyAnchor)
	if errors.Is(err, storage.ErrNotFound) {
		return types.Hash{}, 0, false, nil
	}
	if err != nil {
		return types.Hash{}, 0, false, fmt.Errorf("anchor get: %w", err)
	}
	var a anchorRecord
	if err := json.Unmarshal(data, &a); err != nil {
		return types.Hash{}, 0, false, fmt.Errorf("anchor unmarshal: %w", err)
	}
	return a.Hash, a.ID, true, nil
}

func entryKey(file string) []byte {
	k := make([]byte, 0, len(prefixEntry)+len(file))
	k = append(k, prefixEntry...)
	return append(k, file...)
}

func locatorKey(h types.Hash) []byte {
	k := make([]byte, len(prefixLocator)+types.HashSize)
	copy(k, prefixLocator)
	copy(k[len(prefixLocator):], h[:])
	return k
}
