package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
)

// Signature derivation code for ed25519 (two character code).
const CodeSigEd25519 = "0B"

// Signer produces qualified signatures over canonical event bytes.
type Signer interface {
	Sign(data []byte) (string, error)
	// KeyPrefix returns the qualified public key of this signer.
	KeyPrefix() string
}

// Ed25519Signer holds an in-memory ed25519 keypair.
type Ed25519Signer struct {
	privKey      ed25519.PrivateKey
	pubKey       ed25519.PublicKey
	transferable bool
}

// NewEd25519Signer generates a fresh keypair.
func NewEd25519Signer(transferable bool) (*Ed25519Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Ed25519Signer{privKey: priv, pubKey: pub, transferable: transferable}, nil
}

// NewEd25519SignerFromKey wraps an existing private key.
func NewEd25519SignerFromKey(priv ed25519.PrivateKey, transferable bool) *Ed25519Signer {
	return &Ed25519Signer{
		privKey:      priv,
		pubKey:       priv.Public().(ed25519.PublicKey),
		transferable: transferable,
	}
}

func (s *Ed25519Signer) Sign(data []byte) (string, error) {
	sig := ed25519.Sign(s.privKey, data)
	return CodeSigEd25519 + b64.EncodeToString(sig), nil
}

func (s *Ed25519Signer) KeyPrefix() string {
	return KeyPrefix(s.pubKey, s.transferable)
}

// Seed returns the base64url ed25519 seed, the material a controller must
// keep to reconstruct this signer.
func (s *Ed25519Signer) Seed() string {
	return b64.EncodeToString(s.privKey.Seed())
}
