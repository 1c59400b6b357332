package types

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestHash_IsZero(t *testing.T) {
	var zero Hash
	if !zero.IsZero() {
		t.Error("zero-value Hash should be zero")
	}

	nonZero := Hash{0x01}
	if nonZero.IsZero() {
		t.Error("non-zero Hash should not be zero")
	}
}

func TestHash_String(t *testing.T) {
	var h Hash
	s := h.String()
	if len(s) != HexSize {
		t.Errorf("String() length = %d, want %d", len(s), HexSize)
	}
	if s != strings.Repeat("0", 64) {
		t.Errorf("zero hash String() = %s, want all zeros", s)
	}

	h[0] = 0xab
	h[31] = 0x0d
	s = h.String()
	if !strings.HasPrefix(s, "AB") {
		t.Errorf("String() should start with 'AB', got %s", s[:2])
	}
	if !strings.HasSuffix(s, "0D") {
		t.Errorf("String() should end with '0D' (two-digit pairs), got %s", s[62:])
	}
}

func TestHash_Bytes(t *testing.T) {
	h := Hash{0x01, 0x02, 0x03}
	b := h.Bytes()

	if len(b) != HashSize {
		t.Errorf("Bytes() length = %d, want %d", len(b), HashSize)
	}
	if b[0] != 0x01 || b[1] != 0x02 || b[2] != 0x03 {
		t.Errorf("Bytes() content mismatch")
	}

	b[0] = 0xFF
	if h[0] == 0xFF {
		t.Error("Bytes() should return a copy, not a reference")
	}
}

func TestHexToHash(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"uppercase", "4249" + strings.Repeat("AB", 30), false},
		{"lowercase", "4249" + strings.Repeat("ab", 30), false},
		{"too short", "4249", true},
		{"too long", strings.Repeat("00", 33), true},
		{"not hex", strings.Repeat("zz", 32), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := HexToHash(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("HexToHash(%q) err = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
		})
	}

	upper, _ := HexToHash("4249" + strings.Repeat("AB", 30))
	lower, _ := HexToHash("4249" + strings.Repeat("ab", 30))
	if upper != lower {
		t.Error("HexToHash should be case-insensitive")
	}
}

func TestHash_JSON(t *testing.T) {
	h := Hash{0x42, 0x49, 0xff}
	data, err := json.Marshal(h)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(data) != `"`+h.String()+`"` {
		t.Fatalf("Marshal = %s, want quoted uppercase hex", data)
	}

	var got Hash
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: %s != %s", got, h)
	}

	// Zero hash is encoded as null and decodes back to zero.
	data, _ = json.Marshal(Hash{})
	if string(data) != "null" {
		t.Fatalf("zero hash Marshal = %s, want null", data)
	}
	got = Hash{1}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal null: %v", err)
	}
	if !got.IsZero() {
		t.Fatal("null should decode to zero hash")
	}
}

func TestHash_MapKey(t *testing.T) {
	m := map[Hash]int{{0x42}: 1, {0x49}: 2}
	data, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("Marshal map: %v", err)
	}
	var back map[Hash]int
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal map: %v", err)
	}
	if len(back) != 2 || back[Hash{0x42}] != 1 || back[Hash{0x49}] != 2 {
		t.Fatalf("map round trip mismatch: %v", back)
	}
}
