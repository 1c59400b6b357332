package block

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	fuzz "github.com/google/gofuzz"

	"github.com/biddy-ledger/biddy/pkg/types"
)

const testAuthor = "02c6047f9441ed7d6d3045406e95c07cd85c778e4b8cef3ca7abac09b95c709ee5"

// mine searches seeds sequentially. Tests use it instead of the consensus
// package to keep block free of import cycles.
func mine(t *testing.T, b *Block) {
	t.Helper()
	prefix := b.HashPrefix()
	for seed := uint32(0); ; seed++ {
		h := HashWithSeed(prefix, seed, b.SequenceID)
		if HasTarget(h) {
			b.Seed = seed
			b.Hash = h
			return
		}
		if seed == ^uint32(0) {
			t.Fatal("seed space exhausted")
		}
	}
}

func TestNew_HashWithSeedZero(t *testing.T) {
	b := New(NewText("hello"), testAuthor, types.Hash{}, 0)
	if b.Seed != 0 {
		t.Fatalf("seed = %d, want 0", b.Seed)
	}
	want := types.Hash(sha256.Sum256([]byte(testAuthor + "hello" + "0" + "0")))
	if b.Hash != want {
		t.Fatalf("hash = %s, want %s", b.Hash, want)
	}
}

func TestComputeHash_Formula(t *testing.T) {
	prev, _ := types.HexToHash("4249" + strings.Repeat("ab", 30))
	b := New(NewText("payload"), testAuthor, prev, 12)
	b.Seed = 34567

	input := testAuthor + "payload" + prev.String() + "34567" + "12"
	want := types.Hash(sha256.Sum256([]byte(input)))
	if got := b.ComputeHash(); got != want {
		t.Fatalf("ComputeHash = %s, want %s", got, want)
	}
	// The previous hash enters the input in uppercase.
	lower := testAuthor + "payload" + strings.ToLower(prev.String()) + "34567" + "12"
	if b.ComputeHash() == types.Hash(sha256.Sum256([]byte(lower))) {
		t.Fatal("previous hash should be rendered uppercase")
	}
}

func TestComputeHash_Deterministic(t *testing.T) {
	a := New(NewText("x"), testAuthor, types.Hash{}, 0)
	b := New(NewText("x"), testAuthor, types.Hash{}, 0)
	if a.Hash != b.Hash {
		t.Fatal("identical blocks should hash identically")
	}
	c := New(NewText("y"), testAuthor, types.Hash{}, 0)
	if a.Hash == c.Hash {
		t.Fatal("different payloads should hash differently")
	}
}

func TestHasTarget(t *testing.T) {
	tests := []struct {
		name string
		hex  string
		want bool
	}{
		{"prefix", "4249" + strings.Repeat("00", 30), true},
		{"prefix upper tail", "4249" + strings.Repeat("FF", 30), true},
		{"near miss", "4248" + strings.Repeat("00", 30), false},
		{"shifted", "0424" + strings.Repeat("90", 30), false},
		{"zero", strings.Repeat("00", 32), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := types.HexToHash(tt.hex)
			if err != nil {
				t.Fatal(err)
			}
			if got := HasTarget(h); got != tt.want {
				t.Fatalf("HasTarget(%s) = %v, want %v", tt.hex, got, tt.want)
			}
		})
	}
}

func TestMinedBlockIsValid(t *testing.T) {
	genesis := New(NewText("genesis"), testAuthor, types.Hash{}, 0)
	mine(t, genesis)
	if err := genesis.Validate(); err != nil {
		t.Fatalf("Validate genesis: %v", err)
	}
	if err := genesis.VerifyHash(); err != nil {
		t.Fatalf("VerifyHash genesis: %v", err)
	}
	if !strings.HasPrefix(genesis.Hash.String(), TargetPrefix) {
		t.Fatalf("hash %s lacks prefix", genesis.Hash)
	}

	next := New(NewText("second"), testAuthor, genesis.Hash, 1)
	mine(t, next)
	if err := next.Validate(); err != nil {
		t.Fatalf("Validate child: %v", err)
	}
	if err := next.VerifyHash(); err != nil {
		t.Fatalf("VerifyHash child: %v", err)
	}
}

func TestBlockJSON_RoundTrip(t *testing.T) {
	genesis := New(NewText("genesis"), testAuthor, types.Hash{}, 0)
	mine(t, genesis)
	child := New(NewText("child"), testAuthor, genesis.Hash, 1)
	mine(t, child)

	for _, b := range []*Block{genesis, child} {
		data, err := json.Marshal(b)
		if err != nil {
			t.Fatalf("Marshal: %v", err)
		}
		var got Block
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if got.Hash != b.Hash || got.PrevHash != b.PrevHash || got.Seed != b.Seed ||
			got.SequenceID != b.SequenceID || got.AuthorKey != b.AuthorKey {
			t.Fatalf("round trip mismatch: %+v vs %+v", got, b)
		}
		if got.Payload.Canonical() != b.Payload.Canonical() {
			t.Fatalf("payload mismatch: %q vs %q", got.Payload.Canonical(), b.Payload.Canonical())
		}
		if err := got.VerifyHash(); err != nil {
			t.Fatalf("decoded block fails VerifyHash: %v", err)
		}
	}
}

func TestBlockJSON_GenesisPrevIsNull(t *testing.T) {
	b := New(NewText("g"), testAuthor, types.Hash{}, 0)
	data, err := json.Marshal(b)
	if err != nil {
		t.Fatal(err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatal(err)
	}
	if string(raw["previous_hash"]) != "null" {
		t.Fatalf("previous_hash = %s, want null", raw["previous_hash"])
	}
	var env map[string]json.RawMessage
	if err := json.Unmarshal(raw["payload"], &env); err != nil {
		t.Fatal(err)
	}
	if string(env["kind"]) != `"text"` {
		t.Fatalf("payload kind = %s, want \"text\"", env["kind"])
	}
}

func TestBlockJSON_MapRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)
	blocks := make(map[types.Hash]*Block)
	for i := 0; i < 20; i++ {
		var text string
		var prev types.Hash
		var seq, seed uint32
		f.Fuzz(&text)
		f.Fuzz(&prev)
		f.Fuzz(&seq)
		f.Fuzz(&seed)
		b := New(NewText(text), testAuthor, prev, seq)
		b.Seed = seed
		b.Hash = b.ComputeHash()
		blocks[b.Hash] = b
	}

	data, err := json.Marshal(blocks)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var got map[types.Hash]*Block
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(got) != len(blocks) {
		t.Fatalf("len = %d, want %d", len(got), len(blocks))
	}
	for h, b := range blocks {
		g, ok := got[h]
		if !ok {
			t.Fatalf("missing block %s", h.Short())
		}
		if g.Hash != b.Hash || g.PrevHash != b.PrevHash || g.Seed != b.Seed || g.SequenceID != b.SequenceID {
			t.Fatalf("block %s mismatch", h.Short())
		}
		if g.Payload.Canonical() != b.Payload.Canonical() {
			t.Fatalf("block %s payload mismatch", h.Short())
		}
	}
}

func TestBlockJSON_UnknownPayload(t *testing.T) {
	data := []byte(`{"sequence_id":0,"previous_hash":null,"hash":null,"payload":{"kind":"bogus","data":{}},"author_key":"","seed":0}`)
	var b Block
	err := json.Unmarshal(data, &b)
	if !errors.Is(err, ErrUnknownPayload) {
		t.Fatalf("expected ErrUnknownPayload, got %v", err)
	}
}

func TestPayloadKinds(t *testing.T) {
	kinds := PayloadKinds()
	found := false
	for _, k := range kinds {
		if k == KindText {
			found = true
		}
	}
	if !found {
		t.Fatalf("text kind not registered: %v", kinds)
	}
}

func TestRegisterPayload_DuplicatePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterPayload(KindText, func() Payload { return new(Text) })
}
