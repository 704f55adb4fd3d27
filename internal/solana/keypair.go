// Package solana holds the ledger plumbing the anchor needs: ed25519 signer
// identity, memo transaction encoding, and a JSON-RPC client.
package solana

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/mr-tron/base58"
)

// MemoProgramID is the address of the SPL Memo program (v2).
const MemoProgramID = "MemoSq4gqABAXKb96qnH8TysNcWxMyWCqXgDLGmfcHr"

// PublicKey is a 32-byte account address.
type PublicKey [ed25519.PublicKeySize]byte

// String encodes the key as base58.
func (p PublicKey) String() string { return base58.Encode(p[:]) }

// ParsePublicKey decodes a base58 account address.
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	raw, err := base58.Decode(s)
	if err != nil {
		return pk, errors.Wrapf(err, "decode public key %q", s)
	}
	if len(raw) != len(pk) {
		return pk, errors.Newf("public key %q decodes to %d bytes, want %d", s, len(raw), len(pk))
	}
	copy(pk[:], raw)
	return pk, nil
}

// Keypair is a signing identity. It is loaded once per process and shared by
// every anchor call.
type Keypair struct {
	private ed25519.PrivateKey
	public  PublicKey
}

// GenerateKeypair creates a fresh random keypair.
func GenerateKeypair() (*Keypair, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ed25519 keypair")
	}
	return newKeypair(priv), nil
}

func newKeypair(priv ed25519.PrivateKey) *Keypair {
	k := &Keypair{private: priv}
	copy(k.public[:], priv.Public().(ed25519.PublicKey))
	return k
}

// LoadKeypair reads a solana-keygen style file: a JSON array of the 64
// secret-key bytes.
func LoadKeypair(path string) (*Keypair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read keypair %s", path)
	}
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return nil, errors.Wrapf(err, "parse keypair %s", path)
	}
	if len(ints) != ed25519.PrivateKeySize {
		return nil, errors.Newf("keypair %s has %d bytes, want %d", path, len(ints), ed25519.PrivateKeySize)
	}
	raw := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, errors.Newf("keypair %s: byte %d out of range", path, i)
		}
		raw[i] = byte(v)
	}

	priv := ed25519.NewKeyFromSeed(raw[:ed25519.SeedSize])
	if !priv.Equal(ed25519.PrivateKey(raw)) {
		return nil, errors.Newf("keypair %s: public half does not match secret seed", path)
	}
	return newKeypair(priv), nil
}

// Save writes the keypair in solana-keygen format with owner-only permissions.
func (k *Keypair) Save(path string) error {
	ints := make([]int, len(k.private))
	for i, b := range k.private {
		ints[i] = int(b)
	}
	data, err := json.Marshal(ints)
	if err != nil {
		return errors.Wrap(err, "encode keypair")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return errors.Wrap(err, "create keypair directory")
	}
	return os.WriteFile(path, data, 0o600)
}

// PublicKey returns the account address of the keypair.
func (k *Keypair) PublicKey() PublicKey { return k.public }

// Sign signs msg with the secret key.
func (k *Keypair) Sign(msg []byte) []byte { return ed25519.Sign(k.private, msg) }
