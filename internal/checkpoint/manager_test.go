package checkpoint

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/biddy-ledger/biddy/internal/consensus"
	"github.com/biddy-ledger/biddy/internal/storage"
	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/types"
)

func TestFileName(t *testing.T) {
	if got := FileName(0, 49); got != "chain-0-49.chain.part" {
		t.Fatalf("FileName = %q", got)
	}
	lo, hi, ok := ParseFileName("chain-50-99.chain.part")
	if !ok || lo != 50 || hi != 99 {
		t.Fatalf("ParseFileName = %d, %d, %v", lo, hi, ok)
	}
	for _, bad := range []string{"chain-1.chain.part", "chain-a-b.chain.part", "chain-1-2.part", "x"} {
		if _, _, ok := ParseFileName(bad); ok {
			t.Errorf("ParseFileName(%q) should fail", bad)
		}
	}
}

func TestManager_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, storage.NewMemory(), true)
	blocks := mineChain(t, nil, 5)

	if err := m.Save(snapshotOf(blocks)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || files[0].Name() != "chain-0-4.chain.part" {
		var names []string
		for _, f := range files {
			names = append(names, f.Name())
		}
		t.Fatalf("dir contents = %v, want [chain-0-4.chain.part]", names)
	}

	snap, err := m.Load("chain-0-4.chain.part")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(snap.Blocks) != 5 || snap.Tip != blocks[4].Hash {
		t.Fatalf("loaded snapshot mismatch: %d blocks, tip %s", len(snap.Blocks), snap.Tip.Short())
	}

	hash, id, ok, err := m.Anchor()
	if err != nil || !ok {
		t.Fatalf("Anchor: ok=%v err=%v", ok, err)
	}
	if hash != blocks[4].Hash || id != 4 {
		t.Fatalf("Anchor = %s/%d, want %s/4", hash.Short(), id, blocks[4].Hash.Short())
	}
}

func TestManager_SaveFailureWrapsErrSave(t *testing.T) {
	// A regular file where the directory should be.
	parent := t.TempDir()
	dir := filepath.Join(parent, "blocked")
	if err := os.WriteFile(dir, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManager(dir, storage.NewMemory(), false)

	err := m.Save(snapshotOf(mineChain(t, nil, 1)))
	if !errors.Is(err, ErrSave) {
		t.Fatalf("Save = %v, want ErrSave", err)
	}
	entries, _ := m.List()
	if len(entries) != 0 {
		t.Fatalf("failed save should not be indexed, got %d entries", len(entries))
	}
	if _, _, ok, _ := m.Anchor(); ok {
		t.Fatal("failed save should not set an anchor")
	}
}

func TestManager_SaveKeepsExistingFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, storage.NewMemory(), false)
	first := mineChain(t, nil, 2)
	if err := m.Save(snapshotOf(first)); err != nil {
		t.Fatalf("Save: %v", err)
	}

	// A second ledger started from genesis covers the same range.
	g := block.New(block.NewText("other genesis"), testAuthor, types.Hash{}, 0)
	if err := consensus.NewPoW(2).Seal(g); err != nil {
		t.Fatal(err)
	}
	other := append([]*block.Block{g}, mineChain(t, g, 1)...)

	err := m.Save(snapshotOf(other))
	if !errors.Is(err, ErrSave) {
		t.Fatalf("Save over chain-0-1 = %v, want ErrSave", err)
	}
	snap, err := m.Load("chain-0-1.chain.part")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if snap.Tip != first[1].Hash {
		t.Fatal("existing checkpoint was replaced")
	}
	hash, _, _, _ := m.Anchor()
	if hash != first[1].Hash {
		t.Fatalf("anchor moved to %s", hash.Short())
	}
	if _, ok, _ := m.FindBlock(g.Hash); ok {
		t.Fatal("rejected snapshot should not be indexed")
	}
}

func TestManager_SaveSameSnapshotTwice(t *testing.T) {
	dir := t.TempDir()
	blocks := mineChain(t, nil, 3)
	if err := NewManager(dir, storage.NewMemory(), true).Save(snapshotOf(blocks)); err != nil {
		t.Fatal(err)
	}

	// A retry after a crash between write and index.
	m := NewManager(dir, storage.NewMemory(), false)
	if err := m.Save(snapshotOf(blocks)); err != nil {
		t.Fatalf("second Save: %v", err)
	}
	entries, err := m.List()
	if err != nil || len(entries) != 1 {
		t.Fatalf("List = %d entries, %v", len(entries), err)
	}
	if !entries[0].Compressed {
		t.Fatal("entry should describe the file on disk")
	}
	if _, _, ok, _ := m.Anchor(); !ok {
		t.Fatal("retry should set the anchor")
	}
}

func TestManager_SaveEmpty(t *testing.T) {
	m := NewManager(t.TempDir(), storage.NewMemory(), false)
	if err := m.Save(&Snapshot{}); !errors.Is(err, ErrSave) {
		t.Fatalf("Save(empty) = %v, want ErrSave", err)
	}
}

func TestManager_ListSorted(t *testing.T) {
	m := NewManager(t.TempDir(), storage.NewMemory(), false)
	first := mineChain(t, nil, 3)
	second := mineChain(t, first[2], 3)
	third := mineChain(t, second[2], 2)

	// Save out of order; List must still sort by MinID.
	for _, seg := range [][]*block.Block{second, third, first} {
		if err := m.Save(snapshotOf(seg)); err != nil {
			t.Fatalf("Save: %v", err)
		}
	}

	entries, err := m.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := []string{"chain-0-2.chain.part", "chain-3-5.chain.part", "chain-6-7.chain.part"}
	if len(entries) != len(want) {
		t.Fatalf("List len = %d, want %d", len(entries), len(want))
	}
	for i, e := range entries {
		if e.File != want[i] {
			t.Fatalf("entries[%d] = %s, want %s", i, e.File, want[i])
		}
	}
	if entries[0].Blocks != 3 || entries[0].Size == 0 || entries[0].Checksum.IsZero() {
		t.Fatalf("entry metadata incomplete: %+v", entries[0])
	}
}

func TestManager_LoadRejectsTamperedFile(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, storage.NewMemory(), false)
	if err := m.Save(snapshotOf(mineChain(t, nil, 2))); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "chain-0-1.chain.part")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	data[len(data)-3] ^= 0x01
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Load(path); !errors.Is(err, ErrChecksum) {
		t.Fatalf("Load tampered = %v, want ErrChecksum", err)
	}
}

func TestManager_FindBlock(t *testing.T) {
	m := NewManager(t.TempDir(), storage.NewMemory(), true)
	blocks := mineChain(t, nil, 3)
	if err := m.Save(snapshotOf(blocks)); err != nil {
		t.Fatal(err)
	}

	got, ok, err := m.FindBlock(blocks[1].Hash)
	if err != nil || !ok {
		t.Fatalf("FindBlock: ok=%v err=%v", ok, err)
	}
	if got.SequenceID != 1 {
		t.Fatalf("FindBlock seq = %d, want 1", got.SequenceID)
	}

	if _, ok, err := m.FindBlock(types.Hash{0x01}); ok || err != nil {
		t.Fatalf("FindBlock(unknown) = ok=%v err=%v", ok, err)
	}
}

func TestManager_Reindex(t *testing.T) {
	dir := t.TempDir()
	writer := NewManager(dir, storage.NewMemory(), true)
	first := mineChain(t, nil, 2)
	second := mineChain(t, first[1], 2)
	for _, seg := range [][]*block.Block{first, second} {
		if err := writer.Save(snapshotOf(seg)); err != nil {
			t.Fatal(err)
		}
	}
	// Stray files are ignored.
	os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("hi"), 0o644)
	os.WriteFile(filepath.Join(dir, "chain-9-9.chain.part"), []byte("garbage"), 0o644)

	// A fresh index knows nothing until Reindex.
	reader := NewManager(dir, storage.NewMemory(), true)
	n, err := reader.Reindex()
	if err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	if n != 2 {
		t.Fatalf("Reindex added %d, want 2", n)
	}
	hash, id, ok, err := reader.Anchor()
	if err != nil || !ok || hash != second[1].Hash || id != 3 {
		t.Fatalf("Anchor after Reindex = %s/%d ok=%v err=%v", hash.Short(), id, ok, err)
	}
	entries, _ := reader.List()
	if len(entries) != 2 || !entries[0].Compressed {
		t.Fatalf("reindexed entries = %+v", entries)
	}

	// Second pass adds nothing.
	if n, _ := reader.Reindex(); n != 0 {
		t.Fatalf("second Reindex added %d, want 0", n)
	}
}

func TestManager_ReindexKeepsNewestAnchor(t *testing.T) {
	dir := t.TempDir()
	first := mineChain(t, nil, 2)
	second := mineChain(t, first[1], 2)

	m := NewManager(dir, storage.NewMemory(), false)
	if err := m.Save(snapshotOf(second)); err != nil {
		t.Fatal(err)
	}
	// The older segment shows up on disk after the newer one was indexed.
	if err := NewManager(dir, storage.NewMemory(), false).Save(snapshotOf(first)); err != nil {
		t.Fatal(err)
	}

	if n, err := m.Reindex(); err != nil || n != 1 {
		t.Fatalf("Reindex = %d, %v; want 1", n, err)
	}
	hash, id, ok, err := m.Anchor()
	if err != nil || !ok || hash != second[1].Hash || id != 3 {
		t.Fatalf("Anchor = %s/%d ok=%v err=%v, want %s/3", hash.Short(), id, ok, err, second[1].Hash.Short())
	}
	got, ok, err := m.FindBlock(first[0].Hash)
	if err != nil || !ok || got.SequenceID != 0 {
		t.Fatalf("FindBlock(older segment) = ok=%v err=%v", ok, err)
	}
}

func TestManager_ReindexMissingDir(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "absent"), storage.NewMemory(), false)
	if n, err := m.Reindex(); n != 0 || err != nil {
		t.Fatalf("Reindex on missing dir = %d, %v", n, err)
	}
}

func TestManager_Reconstruct(t *testing.T) {
	m := NewManager(t.TempDir(), storage.NewMemory(), false)
	first := mineChain(t, nil, 3)
	second := mineChain(t, first[2], 3)
	tail := mineChain(t, second[2], 2)
	for _, seg := range [][]*block.Block{first, second} {
		if err := m.Save(snapshotOf(seg)); err != nil {
			t.Fatal(err)
		}
	}

	tailMap := snapshotOf(tail).Blocks
	all, err := m.Reconstruct(tailMap)
	if err != nil {
		t.Fatalf("Reconstruct: %v", err)
	}
	if len(all) != 8 {
		t.Fatalf("Reconstruct len = %d, want 8", len(all))
	}
	for i, b := range all {
		if b.SequenceID != uint32(i) {
			t.Fatalf("all[%d].SequenceID = %d", i, b.SequenceID)
		}
	}
	if all[7].Hash != tail[1].Hash {
		t.Fatal("last block should be the tail tip")
	}
}

func TestManager_ReconstructBrokenLink(t *testing.T) {
	m := NewManager(t.TempDir(), storage.NewMemory(), false)
	first := mineChain(t, nil, 2)
	if err := m.Save(snapshotOf(first)); err != nil {
		t.Fatal(err)
	}
	// An unrelated chain as the tail.
	stranger := mineChain(t, nil, 3)[1:]
	_, err := m.Reconstruct(snapshotOf(stranger).Blocks)
	if !errors.Is(err, ErrBrokenLink) {
		t.Fatalf("Reconstruct = %v, want ErrBrokenLink", err)
	}
	if !strings.Contains(err.Error(), "in-memory tail") {
		t.Fatalf("error should name the tail: %v", err)
	}
}
