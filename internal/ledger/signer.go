// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package ledger

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Signer produces block and receipt signatures. Key custody is the
// caller's problem; the engine only verifies.
// Per prd006-ledger R2.1.
type Signer interface {
	// Sign returns the signature over data.
	Sign(data []byte) ([]byte, error)

	// DID identifies the signing key.
	DID() string
}

// LocalSigner signs with an in-process ed25519 key, derived from a
// 32-byte hex seed. Suitable for single-operator capsules; multi-party
// setups should wire an external signer instead.
type LocalSigner struct {
	priv ed25519.PrivateKey
	did  string
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner builds a signer from a hex-encoded ed25519 seed.
func NewLocalSigner(seedHex string) (*LocalSigner, error) {
	seed, err := hex.DecodeString(seedHex)
	if err != nil {
		return nil, fmt.Errorf("decoding signing seed: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("signing seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &LocalSigner{
		priv: priv,
		did:  "did:key:ed25519:" + hex.EncodeToString(pub),
	}, nil
}

// Sign signs data with the local key.
func (s *LocalSigner) Sign(data []byte) ([]byte, error) {
	return ed25519.Sign(s.priv, data), nil
}

// DID returns the signer's did:key identifier.
func (s *LocalSigner) DID() string {
	return s.did
}

// DIDDocument returns the JSON document registered alongside the key.
// Verification reads its publicKeyHex field.
func (s *LocalSigner) DIDDocument() (string, error) {
	pub := s.priv.Public().(ed25519.PublicKey)
	doc, err := json.Marshal(map[string]string{
		"id":           s.did,
		"type":         "Ed25519VerificationKey2020",
		"publicKeyHex": hex.EncodeToString(pub),
	})
	if err != nil {
		return "", fmt.Errorf("encoding did document: %w", err)
	}
	return string(doc), nil
}
