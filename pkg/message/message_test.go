package message

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/types"
)

func genKey(t *testing.T) *crypto.PrivateKey {
	t.Helper()
	k, err := crypto.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}

func TestCanonical(t *testing.T) {
	m := New("aa", "bb", "hello")
	want := "to:\naa\nfrom:\nbb\ntext:\nhello\n\nsigning_key:\n\"\""
	if got := m.Canonical(); got != want {
		t.Fatalf("Canonical =\n%q\nwant\n%q", got, want)
	}

	m.SealedKey = "ff"
	m.Signature = "0102"
	want = "to:\naa\nfrom:\nbb\ntext:\nhello\n\nsigning_key:\n\"ff\"\nsignature:\n0102"
	if got := m.Canonical(); got != want {
		t.Fatalf("Canonical signed =\n%q\nwant\n%q", got, want)
	}
	if m.Canonical() != m.Canonical() {
		t.Fatal("Canonical must be stable")
	}
}

func TestSignVerify(t *testing.T) {
	sender := genKey(t)
	recipient := genKey(t)
	m := New(recipient.PublicKeyHex(), sender.PublicKeyHex(), "hi")

	if err := m.Verify(); !errors.Is(err, ErrNoSignature) {
		t.Fatalf("Verify unsigned = %v, want ErrNoSignature", err)
	}
	if err := m.Sign(sender); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := m.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	m.Text = "changed"
	if err := m.Verify(); !errors.Is(err, ErrBadSignature) {
		t.Fatalf("Verify tampered = %v, want ErrBadSignature", err)
	}
}

func TestSign_WrongKey(t *testing.T) {
	sender := genKey(t)
	other := genKey(t)
	m := New(other.PublicKeyHex(), sender.PublicKeyHex(), "hi")
	if err := m.Sign(other); !errors.Is(err, ErrWrongSigner) {
		t.Fatalf("Sign with other key = %v, want ErrWrongSigner", err)
	}
}

func TestEncryptDecrypt(t *testing.T) {
	sender := genKey(t)
	recipient := genKey(t)
	m := New(recipient.PublicKeyHex(), sender.PublicKeyHex(), "secret note")

	if err := m.Encrypt(); err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !m.IsSealed() || m.Text == "secret note" {
		t.Fatal("Encrypt should replace Text with ciphertext")
	}
	if err := m.Encrypt(); !errors.Is(err, ErrAlreadySealed) {
		t.Fatalf("second Encrypt = %v, want ErrAlreadySealed", err)
	}

	// Sign the sealed form, ship it inside a block, decode and open it.
	if err := m.Sign(sender); err != nil {
		t.Fatal(err)
	}
	blk := block.New(m, sender.PublicKeyHex(), types.Hash{}, 0)
	data, err := json.Marshal(blk)
	if err != nil {
		t.Fatal(err)
	}
	var decoded block.Block
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal block: %v", err)
	}
	got, ok := decoded.Payload.(*Message)
	if !ok {
		t.Fatalf("payload type = %T, want *Message", decoded.Payload)
	}
	if decoded.ComputeHash() != blk.Hash {
		t.Fatal("decoded message should hash identically")
	}
	if err := got.Verify(); err != nil {
		t.Fatalf("Verify decoded: %v", err)
	}

	if err := got.Decrypt(sender); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt with wrong key = %v, want ErrDecrypt", err)
	}
	if err := got.Decrypt(recipient); err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got.Text != "secret note" || got.IsSealed() {
		t.Fatalf("Decrypt result = %q sealed=%v", got.Text, got.IsSealed())
	}
	if err := got.Decrypt(recipient); !errors.Is(err, ErrNotSealed) {
		t.Fatalf("Decrypt plaintext = %v, want ErrNotSealed", err)
	}
}

func TestEncrypt_FreshCiphertext(t *testing.T) {
	sender := genKey(t)
	recipient := genKey(t)
	a := New(recipient.PublicKeyHex(), sender.PublicKeyHex(), "same")
	b := New(recipient.PublicKeyHex(), sender.PublicKeyHex(), "same")
	if err := a.Encrypt(); err != nil {
		t.Fatal(err)
	}
	if err := b.Encrypt(); err != nil {
		t.Fatal(err)
	}
	if a.Text == b.Text || a.SealedKey == b.SealedKey {
		t.Fatal("each encryption should use a fresh ephemeral key and nonce")
	}
}

func TestDecrypt_Tampered(t *testing.T) {
	sender := genKey(t)
	recipient := genKey(t)
	m := New(recipient.PublicKeyHex(), sender.PublicKeyHex(), "payload")
	if err := m.Encrypt(); err != nil {
		t.Fatal(err)
	}

	flipped := *m
	last := flipped.Text[len(flipped.Text)-1]
	repl := "0"
	if last == '0' {
		repl = "1"
	}
	flipped.Text = flipped.Text[:len(flipped.Text)-1] + repl
	if err := flipped.Decrypt(recipient); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt flipped = %v, want ErrDecrypt", err)
	}

	badKey := *m
	badKey.SealedKey = "abcd"
	if err := badKey.Decrypt(recipient); !errors.Is(err, ErrBadSealedKey) {
		t.Fatalf("Decrypt bad sealed key = %v, want ErrBadSealedKey", err)
	}

	// Rerouting the message to another recipient breaks authentication.
	rerouted := *m
	rerouted.To = sender.PublicKeyHex()
	if err := rerouted.Decrypt(recipient); !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Decrypt rerouted = %v, want ErrDecrypt", err)
	}
}

func TestEncrypt_BadRecipient(t *testing.T) {
	m := New("nothex", "bb", "x")
	if err := m.Encrypt(); err == nil {
		t.Fatal("Encrypt to invalid key should fail")
	}
}

func TestRegistered(t *testing.T) {
	found := false
	for _, k := range block.PayloadKinds() {
		if k == Kind {
			found = true
		}
	}
	if !found {
		t.Fatal("message kind not registered")
	}
	if !strings.Contains(New("a", "b", "c").Canonical(), "signing_key") {
		t.Fatal("canonical form should carry the signing key field")
	}
}
