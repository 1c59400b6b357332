package node

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/biddy-ledger/biddy/config"
	"github.com/biddy-ledger/biddy/internal/checkpoint"
	"github.com/biddy-ledger/biddy/internal/identity"
	"github.com/biddy-ledger/biddy/internal/storage"
)

var testPass = []byte("node test passphrase")

func TestExpandHome(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir")
	}
	tests := []struct {
		input, want string
	}{
		{"~/foo/bar", filepath.Join(home, "foo/bar")},
		{"~/.biddy/identity.json", filepath.Join(home, ".biddy/identity.json")},
		{"/absolute/path", "/absolute/path"},
		{"relative/path", "relative/path"},
		{"", ""},
	}
	for _, tt := range tests {
		got := expandHome(tt.input)
		if got != tt.want {
			t.Errorf("expandHome(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestShortKey(t *testing.T) {
	if got := shortKey("abc"); got != "abc" {
		t.Errorf("shortKey(abc) = %q", got)
	}
	long := strings.Repeat("a", 66)
	if got := shortKey(long); got != strings.Repeat("a", 16)+"..." {
		t.Errorf("shortKey(long) = %q", got)
	}
}

// writeKeyfile creates a keyfile with cheap KDF parameters and returns its path.
func writeKeyfile(t *testing.T, dir string) (string, *identity.Identity) {
	t.Helper()
	mnemonic, err := identity.GenerateMnemonic()
	if err != nil {
		t.Fatalf("GenerateMnemonic: %v", err)
	}
	seed, err := identity.SeedFromMnemonic(mnemonic, "")
	if err != nil {
		t.Fatalf("SeedFromMnemonic: %v", err)
	}
	path := filepath.Join(dir, "identity.json")
	id, err := identity.Create(path, seed, testPass, identity.KDFParams{Memory: 1024, Iterations: 1, Parallelism: 1})
	if err != nil {
		t.Fatalf("identity.Create: %v", err)
	}
	return path, id
}

func TestLoadIdentity(t *testing.T) {
	dir := t.TempDir()
	path, created := writeKeyfile(t, dir)

	loaded, err := loadIdentity(path, testPass)
	if err != nil {
		t.Fatalf("loadIdentity: %v", err)
	}
	if loaded.AuthorKey() != created.AuthorKey() {
		t.Fatal("loaded identity has a different author key")
	}

	if _, err := loadIdentity(path, []byte("wrong")); err == nil {
		t.Fatal("expected error for wrong passphrase")
	}
}

func TestLoadIdentity_Missing(t *testing.T) {
	_, err := loadIdentity(filepath.Join(t.TempDir(), "none.json"), testPass)
	if err == nil {
		t.Fatal("expected error for missing keyfile")
	}
	if !strings.Contains(err.Error(), "keygen") {
		t.Errorf("error should point at keygen: %v", err)
	}
}

// testConfig returns an offline config rooted at dir.
func testConfig(dir, keyfile string) *config.Config {
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.P2P.Enabled = false
	cfg.RPC.Port = 0
	cfg.Storage.Backend = storage.BackendMemory
	cfg.Checkpoint.Threshold = 2
	cfg.Identity.Keyfile = keyfile
	cfg.Log.Level = "error"
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func checkpointCount(t *testing.T, n *Node) int {
	t.Helper()
	entries, err := n.Checkpoints().List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	return len(entries)
}

func TestNode_MinesAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	keyfile, id := writeKeyfile(t, dir)

	n, err := New(testConfig(dir, keyfile), testPass)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if n.Author() != id.AuthorKey() {
		t.Fatalf("author = %s, want %s", n.Author(), id.AuthorKey())
	}
	if n.RPCAddr() == "" {
		t.Fatal("RPC should be listening")
	}
	if err := n.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 30*time.Second, "first checkpoint", func() bool { return checkpointCount(t, n) >= 1 })

	entries, err := n.Checkpoints().List()
	if err != nil {
		t.Fatal(err)
	}
	first := entries[0]
	if first.MinID != 0 || first.MaxID != 1 || first.Blocks != 2 {
		t.Fatalf("first checkpoint = %+v, want blocks 0..1", first)
	}
	if _, err := os.Stat(filepath.Join(dir, "checkpoints", "chain-0-1.chain.part")); err != nil {
		t.Fatalf("checkpoint file missing: %v", err)
	}
	n.Stop()
}

func TestNode_ResumesFromAnchor(t *testing.T) {
	dir := t.TempDir()
	keyfile, _ := writeKeyfile(t, dir)

	first, err := New(testConfig(dir, keyfile), testPass)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := first.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 30*time.Second, "checkpoint", func() bool { return checkpointCount(t, first) >= 1 })
	first.Stop()

	// The memory index is gone; the restart rebuilds it from the files.
	cfg := testConfig(dir, keyfile)
	cfg.VerifyCheckpoints = true
	second, err := New(cfg, testPass)
	if err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer second.Stop()

	st := second.Chain().State()
	if !st.HasAnchor {
		t.Fatal("restarted chain has no anchor")
	}
	entries, err := second.Checkpoints().List()
	if err != nil {
		t.Fatal(err)
	}
	last := entries[len(entries)-1]
	if st.AnchorHash != last.Tip || st.AnchorID != last.MaxID {
		t.Fatalf("anchor = %s/%d, want %s/%d", st.AnchorHash, st.AnchorID, last.Tip, last.MaxID)
	}

	if err := second.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 30*time.Second, "block after restart", func() bool {
		_, id, _ := second.Chain().Tip()
		return id > st.AnchorID
	})
	second.Stop()

	// Read everything back through a fresh index.
	cp := checkpoint.NewManager(filepath.Join(dir, "checkpoints"), storage.NewMemory(), true)
	if _, err := cp.Reindex(); err != nil {
		t.Fatalf("Reindex: %v", err)
	}
	blocks, err := cp.Reconstruct(nil)
	if err != nil {
		t.Fatalf("ledger does not link across the restart: %v", err)
	}
	if len(blocks) <= int(st.AnchorID)+1 {
		t.Fatalf("got %d blocks, want more than %d", len(blocks), st.AnchorID+1)
	}
	for i, b := range blocks {
		if b.SequenceID != uint32(i) {
			t.Fatalf("block %d has sequence id %d", i, b.SequenceID)
		}
	}
}

func TestNode_RejectsForeignCheckpoints(t *testing.T) {
	dir := t.TempDir()
	keyfile, _ := writeKeyfile(t, dir)

	n, err := New(testConfig(dir, keyfile), testPass)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 30*time.Second, "checkpoint", func() bool { return checkpointCount(t, n) >= 1 })
	n.Stop()

	otherDir := t.TempDir()
	otherKey, _ := writeKeyfile(t, otherDir)
	cfg := testConfig(dir, otherKey)
	if _, err := New(cfg, testPass); err == nil {
		t.Fatal("expected error when checkpoints belong to another author")
	}
}

func TestNode_RelayOnly(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(dir, filepath.Join(dir, "absent.json"))
	cfg.Mining.Enabled = false

	n, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New without identity: %v", err)
	}
	defer n.Stop()
	if err := n.Start(); err != nil {
		t.Fatal(err)
	}
	if n.Author() != "" {
		t.Fatalf("relay-only node has author %q", n.Author())
	}
	if n.Chain().Len() != 0 {
		t.Fatal("relay-only node should not mine")
	}
}

func TestNode_MiningNeedsKeyfile(t *testing.T) {
	dir := t.TempDir()
	if _, err := New(testConfig(dir, filepath.Join(dir, "absent.json")), testPass); err == nil {
		t.Fatal("expected error when mining without a keyfile")
	}
}
