// Package message implements the signed, optionally encrypted message
// payload carried by blocks.
package message

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/biddy-ledger/biddy/pkg/block"
	"github.com/biddy-ledger/biddy/pkg/crypto"
	"github.com/biddy-ledger/biddy/pkg/types"
)

// Kind is the registered payload kind of Message.
const Kind = "message"

// hkdfInfo separates message keys from any other use of the shared secret.
var hkdfInfo = []byte("biddy/message/v1")

// Message errors.
var (
	ErrAlreadySealed = errors.New("message already encrypted")
	ErrNotSealed     = errors.New("message is not encrypted")
	ErrBadSealedKey  = errors.New("malformed sealed key")
	ErrDecrypt       = errors.New("message decryption failed")
	ErrWrongSigner   = errors.New("signing key does not match sender")
	ErrNoSignature   = errors.New("message is not signed")
	ErrBadSignature  = errors.New("invalid message signature")
)

// Message is a note from one author key to another.
type Message struct {
	To        string `json:"to"`
	From      string `json:"from"`
	Text      string `json:"text"`
	SealedKey string `json:"sealed_key,omitempty"` // hex(ephemeral pubkey || nonce) once encrypted
	Signature string `json:"signature,omitempty"`
}

// New creates an unsigned plaintext message.
func New(to, from, text string) *Message {
	return &Message{To: to, From: from, Text: text}
}

// Kind implements block.Payload.
func (m *Message) Kind() string { return Kind }

// Canonical implements block.Payload. The form is fixed: identical content
// always yields the identical string.
func (m *Message) Canonical() string {
	s := m.unsignedCanonical()
	if m.Signature != "" {
		s += "\nsignature:\n" + m.Signature
	}
	return s
}

func (m *Message) unsignedCanonical() string {
	return fmt.Sprintf("to:\n%s\nfrom:\n%s\ntext:\n%s\n\nsigning_key:\n%q", m.To, m.From, m.Text, m.SealedKey)
}

// SigningHash is the digest covered by the signature.
func (m *Message) SigningHash() types.Hash {
	return crypto.HashString(m.unsignedCanonical())
}

// IsSealed reports whether Text holds ciphertext.
func (m *Message) IsSealed() bool {
	return m.SealedKey != ""
}

// Sign signs the message with the sender's key. Sign after Encrypt:
// the signature covers the sealed form.
func (m *Message) Sign(key *crypto.PrivateKey) error {
	if key.PublicKeyHex() != m.From {
		return ErrWrongSigner
	}
	h := m.SigningHash()
	sig, err := key.Sign(h[:])
	if err != nil {
		return fmt.Errorf("sign message: %w", err)
	}
	m.Signature = hex.EncodeToString(sig)
	return nil
}

// Verify checks the signature against the From key.
func (m *Message) Verify() error {
	if m.Signature == "" {
		return ErrNoSignature
	}
	pub, err := crypto.ParsePublicKeyHex(m.From)
	if err != nil {
		return fmt.Errorf("%w: sender key: %v", ErrBadSignature, err)
	}
	sig, err := hex.DecodeString(m.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	h := m.SigningHash()
	if !crypto.VerifySignature(h[:], sig, pub) {
		return ErrBadSignature
	}
	return nil
}

// Encrypt replaces Text with ciphertext readable only by the To key.
// A fresh ephemeral key is agreed with the recipient via ECDH, stretched
// with HKDF-SHA256 and used with XChaCha20-Poly1305. Any signature is
// cleared since it no longer covers the content.
func (m *Message) Encrypt() error {
	if m.IsSealed() {
		return ErrAlreadySealed
	}
	recipient, err := crypto.ParsePublicKeyHex(m.To)
	if err != nil {
		return fmt.Errorf("recipient key: %w", err)
	}
	eph, err := crypto.GenerateKey()
	if err != nil {
		return err
	}
	defer eph.Zero()

	secret, err := eph.SharedSecret(recipient)
	if err != nil {
		return err
	}
	ephPub := eph.PublicKey()
	aead, err := newAEAD(secret, ephPub)
	if err != nil {
		return err
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	ct := aead.Seal(nil, nonce, []byte(m.Text), m.associatedData())

	m.Text = hex.EncodeToString(ct)
	m.SealedKey = hex.EncodeToString(append(ephPub, nonce...))
	m.Signature = ""
	return nil
}

// Decrypt restores the plaintext with the recipient's key and clears
// SealedKey. Verify the signature before decrypting.
func (m *Message) Decrypt(key *crypto.PrivateKey) error {
	if !m.IsSealed() {
		return ErrNotSealed
	}
	raw, err := hex.DecodeString(m.SealedKey)
	if err != nil || len(raw) != crypto.PublicKeySize+chacha20poly1305.NonceSizeX {
		return ErrBadSealedKey
	}
	ephPub, nonce := raw[:crypto.PublicKeySize], raw[crypto.PublicKeySize:]

	ct, err := hex.DecodeString(m.Text)
	if err != nil {
		return fmt.Errorf("%w: ciphertext not hex", ErrDecrypt)
	}
	secret, err := key.SharedSecret(ephPub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSealedKey, err)
	}
	aead, err := newAEAD(secret, ephPub)
	if err != nil {
		return err
	}
	pt, err := aead.Open(nil, nonce, ct, m.associatedData())
	if err != nil {
		return ErrDecrypt
	}
	m.Text = string(pt)
	m.SealedKey = ""
	return nil
}

func (m *Message) associatedData() []byte {
	return []byte(m.To + "\n" + m.From)
}

func newAEAD(secret, salt []byte) (cipher.AEAD, error) {
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	return aead, nil
}

func init() {
	block.RegisterPayload(Kind, func() block.Payload { return new(Message) })
}
