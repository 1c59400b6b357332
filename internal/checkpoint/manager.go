package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/biddy-ledger/biddy/internal/log"
	"github.com/biddy-ledger/biddy/internal/storage"
	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// ErrSave is wrapped by every failure to persist a snapshot.
var ErrSave = errors.New("checkpoint save failed")

// ErrBrokenLink is returned when consecutive checkpoints do not link.
var ErrBrokenLink = errors.New("checkpoints do not link")

// FileSuffix ends every checkpoint file name.
const FileSuffix = ".chain.part"

var fileNameRE = regexp.MustCompile(`^chain-(\d+)-(\d+)\.chain\.part$`)

// FileName returns the checkpoint file name for a sequence range.
func FileName(minID, maxID uint32) string {
	return fmt.Sprintf("chain-%d-%d%s", minID, maxID, FileSuffix)
}

// ParseFileName extracts the sequence range from a checkpoint file name.
func ParseFileName(name string) (minID, maxID uint32, ok bool) {
	m := fileNameRE.FindStringSubmatch(name)
	if m == nil {
		return 0, 0, false
	}
	lo, err1 := strconv.ParseUint(m[1], 10, 32)
	hi, err2 := strconv.ParseUint(m[2], 10, 32)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return uint32(lo), uint32(hi), true
}

// Manager writes, lists and reads checkpoint files in one directory.
type Manager struct {
	dir      string
	compress bool
	index    *Index

	mu  sync.Mutex // serializes writers
	now func() time.Time
}

// NewManager creates a manager writing to dir and indexing into db.
func NewManager(dir string, db storage.DB, compress bool) *Manager {
	return &Manager{
		dir:      dir,
		compress: compress,
		index:    NewIndex(db),
		now:      time.Now,
	}
}

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.dir }

// Save writes the snapshot to chain-<min>-<max>.chain.part and indexes it.
// The file appears atomically: it is written to a temp file and renamed.
// An existing file is never replaced; saving the same snapshot again only
// re-indexes it. Every failure wraps ErrSave.
func (m *Manager) Save(snap *Snapshot) error {
	if snap == nil || len(snap.Blocks) == 0 {
		return fmt.Errorf("%w: empty snapshot", ErrSave)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := Encode(snap, m.compress)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create dir: %w", ErrSave, err)
	}

	name := FileName(snap.MinID, snap.MaxID)
	path := filepath.Join(m.dir, name)
	if existing, err := os.ReadFile(path); err == nil {
		if !sameSnapshot(existing, snap) {
			return fmt.Errorf("%w: %s already holds another ledger segment", ErrSave, name)
		}
		data = existing
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s: %w", ErrSave, name, err)
	} else if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSave, name, err)
	}

	hashes := make([]types.Hash, 0, len(snap.Blocks))
	for h := range snap.Blocks {
		hashes = append(hashes, h)
	}
	e := Entry{
		File:       name,
		MinID:      snap.MinID,
		MaxID:      snap.MaxID,
		Tip:        snap.Tip,
		Blocks:     len(snap.Blocks),
		Size:       int64(len(data)),
		Checksum:   checksumOf(data),
		Compressed: isCompressed(data),
		CreatedAt:  m.now().Unix(),
	}
	if err := m.index.Put(e, hashes); err != nil {
		return fmt.Errorf("%w: %w", ErrSave, err)
	}

	log.Checkpoint.Info().
		Str("file", name).
		Int("blocks", len(snap.Blocks)).
		Int("bytes", len(data)).
		Str("tip", snap.Tip.Short()).
		Msg("Checkpoint written")
	return nil
}

// sameSnapshot reports whether an encoded file holds exactly snap's blocks.
func sameSnapshot(file []byte, snap *Snapshot) bool {
	old, err := Decode(file)
	if err != nil || old.Tip != snap.Tip || len(old.Blocks) != len(snap.Blocks) {
		return false
	}
	for h := range snap.Blocks {
		if _, ok := old.Blocks[h]; !ok {
			return false
		}
	}
	return true
}

func isCompressed(file []byte) bool {
	return binary.BigEndian.Uint16(file[6:8])&flagZstd != 0
}

// checksumOf reads the body checksum from an encoded file's header.
func checksumOf(file []byte) types.Hash {
	var h types.Hash
	copy(h[:], file[8:8+types.HashSize])
	return h
}

// writeFileAtomic writes data to a temp file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".checkpoint-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// List returns the indexed checkpoints sorted ascending by MinID.
func (m *Manager) List() ([]Entry, error) {
	entries, err := m.index.Entries()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].MinID < entries[j].MinID })
	return entries, nil
}

// Load reads and fully verifies a checkpoint file. A relative path is
// resolved against the checkpoint directory.
func (m *Manager) Load(path string) (*Snapshot, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(m.dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	snap, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	if err := snap.Verify(); err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return snap, nil
}

// FindBlock looks up a checkpointed block by hash.
func (m *Manager) FindBlock(h types.Hash) (*block.Block, bool, error) {
	e, ok, err := m.index.Locate(h)
	if err != nil || !ok {
		return nil, false, err
	}
	snap, err := m.Load(e.File)
	if err != nil {
		return nil, false, err
	}
	blk, ok := snap.Blocks[h]
	return blk, ok, nil
}

// Anchor returns the tip hash and sequence id of the last saved checkpoint.
func (m *Manager) Anchor() (types.Hash, uint32, bool, error) {
	return m.index.Anchor()
}

// Reindex scans the directory and indexes checkpoint files the index does
// not know yet, in ascending MinID order. It returns how many were added.
func (m *Manager) Reindex() (int, error) {
	dirEntries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint dir: %w", err)
	}

	known, err := m.index.Entries()
	if err != nil {
		return 0, err
	}
	seen := make(map[string]bool, len(known))
	for _, e := range known {
		seen[e.File] = true
	}

	type found struct {
		name  string
		minID uint32
	}
	var files []found
	for _, de := range dirEntries {
		if de.IsDir() || seen[de.Name()] {
			continue
		}
		if lo, _, ok := ParseFileName(de.Name()); ok {
			files = append(files, found{name: de.Name(), minID: lo})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].minID < files[j].minID })

	m.mu.Lock()
	defer m.mu.Unlock()
	added := 0
	for _, f := range files {
		path := filepath.Join(m.dir, f.name)
		data, err := os.ReadFile(path)
		if err != nil {
			return added, fmt.Errorf("read %s: %w", f.name, err)
		}
		snap, err := Decode(data)
		if err != nil {
			log.Checkpoint.Warn().Err(err).Str("file", f.name).Msg("Skipping unreadable checkpoint")
			continue
		}
		if err := snap.Verify(); err != nil {
			log.Checkpoint.Warn().Err(err).Str("file", f.name).Msg("Skipping invalid checkpoint")
			continue
		}
		hashes := make([]types.Hash, 0, len(snap.Blocks))
		for h := range snap.Blocks {
			hashes = append(hashes, h)
		}
		info, err := os.Stat(path)
		if err != nil {
			return added, err
		}
		e := Entry{
			File:       f.name,
			MinID:      snap.MinID,
			MaxID:      snap.MaxID,
			Tip:        snap.Tip,
			Blocks:     len(snap.Blocks),
			Size:       info.Size(),
			Checksum:   checksumOf(data),
			Compressed: isCompressed(data),
			CreatedAt:  info.ModTime().Unix(),
		}
		// An older file found late must not pull the anchor back.
		if err := m.index.Add(e, hashes); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Reconstruct returns the full ledger ordered by sequence id: every
// checkpoint in ascending MinID order followed by the in-memory tail.
// Each segment must link to the one before it.
func (m *Manager) Reconstruct(tail map[types.Hash]*block.Block) ([]*block.Block, error) {
	entries, err := m.List()
	if err != nil {
		return nil, err
	}

	var out []*block.Block
	for _, e := range entries {
		snap, err := m.Load(e.File)
		if err != nil {
			return nil, err
		}
		seg := snap.Segment()
		if err := linkSegment(out, seg); err != nil {
			return nil, fmt.Errorf("%s: %w", e.File, err)
		}
		out = append(out, seg...)
	}

	if len(tail) > 0 {
		var tip *block.Block
		for _, b := range tail {
			if tip == nil || b.SequenceID > tip.SequenceID {
				tip = b
			}
		}
		seg := (&Snapshot{Tip: tip.Hash, Blocks: tail}).Segment()
		if err := linkSegment(out, seg); err != nil {
			return nil, fmt.Errorf("in-memory tail: %w", err)
		}
		out = append(out, seg...)
	}
	return out, nil
}

// linkSegment checks that seg continues prior.
func linkSegment(prior, seg []*block.Block) error {
	if len(seg) == 0 {
		return nil
	}
	first := seg[0]
	if len(prior) == 0 {
		if first.HasPrev() || first.SequenceID != 0 {
			return fmt.Errorf("%w: first block %d does not start at genesis", ErrBrokenLink, first.SequenceID)
		}
		return nil
	}
	last := prior[len(prior)-1]
	if first.PrevHash != last.Hash || uint64(first.SequenceID) != uint64(last.SequenceID)+1 {
		return fmt.Errorf("%w: block %d does not follow %d (%s)",
			ErrBrokenLink, first.SequenceID, last.SequenceID, last.Hash.Short())
	}
	return nil
}
