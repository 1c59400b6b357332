package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/biddy-ledger/biddy/pkg/crypto"
)

// KeyfileVersion is the on-disk keyfile format version.
const KeyfileVersion = 1

// ErrKeyfileExists is returned by Create when the target already exists.
var ErrKeyfileExists = errors.New("keyfile already exists")

// keyfile is the on-disk JSON format. The author key is stored in the
// clear so it can be shown without the passphrase.
type keyfile struct {
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"created_at"`
	Account       uint32    `json:"account"`
	Index         uint32    `json:"index"`
	AuthorKey     string    `json:"author_key"`
	EncryptedSeed []byte    `json:"encrypted_seed"`
}

// Identity is an unlocked author key.
type Identity struct {
	key     *crypto.PrivateKey
	account uint32
	index   uint32
}

// FromSeed derives the identity at m/44'/4249'/account'/0/index.
func FromSeed(seed []byte, account, index uint32) (*Identity, error) {
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	hd, err := master.DeriveAuthor(account, index)
	if err != nil {
		return nil, err
	}
	key, err := hd.Signer()
	if err != nil {
		return nil, err
	}
	return &Identity{key: key, account: account, index: index}, nil
}

// FromMnemonic derives the default identity (account 0, index 0).
func FromMnemonic(mnemonic, passphrase string) (*Identity, error) {
	seed, err := SeedFromMnemonic(mnemonic, passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	return FromSeed(seed, 0, 0)
}

// AuthorKey returns the compressed public key as hex.
func (id *Identity) AuthorKey() string { return id.key.PublicKeyHex() }

// PrivateKey returns the signing key.
func (id *Identity) PrivateKey() *crypto.PrivateKey { return id.key }

// Path returns the derivation path as text.
func (id *Identity) Path() string {
	return fmt.Sprintf("m/44'/4249'/%d'/%d/%d", id.account, ChangeAuthor, id.index)
}

// Create seals seed into a new keyfile at path and returns the identity at
// account 0, index 0.
func Create(path string, seed, passphrase []byte, params KDFParams) (*Identity, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrKeyfileExists, path)
	}
	id, err := FromSeed(seed, 0, 0)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(seed, passphrase, params)
	if err != nil {
		return nil, fmt.Errorf("seal seed: %w", err)
	}
	kf := keyfile{
		Version:       KeyfileVersion,
		CreatedAt:     time.Now().UTC(),
		AuthorKey:     id.AuthorKey(),
		EncryptedSeed: sealed,
	}
	if err := writeKeyfile(path, &kf); err != nil {
		return nil, err
	}
	return id, nil
}

// Load decrypts the keyfile at path.
func Load(path string, passphrase []byte) (*Identity, error) {
	kf, err := readKeyfile(path)
	if err != nil {
		return nil, err
	}
	seed, err := Open(kf.EncryptedSeed, passphrase)
	if err != nil {
		return nil, err
	}
	defer zero(seed)

	id, err := FromSeed(seed, kf.Account, kf.Index)
	if err != nil {
		return nil, err
	}
	if id.AuthorKey() != kf.AuthorKey {
		return nil, fmt.Errorf("keyfile author key mismatch: stored %s, derived %s", kf.AuthorKey, id.AuthorKey())
	}
	return id, nil
}

// ReadAuthorKey returns the author key recorded in a keyfile without
// decrypting it.
func ReadAuthorKey(path string) (string, error) {
	kf, err := readKeyfile(path)
	if err != nil {
		return "", err
	}
	return kf.AuthorKey, nil
}

func writeKeyfile(path string, kf *keyfile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create keyfile dir: %w", err)
	}
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal keyfile: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write keyfile: %w", err)
	}
	return nil
}

func readKeyfile(path string) (*keyfile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keyfile: %w", err)
	}
	var kf keyfile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse keyfile: %w", err)
	}
	if kf.Version != KeyfileVersion {
		return nil, fmt.Errorf("unsupported keyfile version: %d", kf.Version)
	}
	return &kf, nil
}
