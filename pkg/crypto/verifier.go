package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Verifier checks a qualified signature made by a qualified key over a
// message. The state machine takes this as an injected capability so tests
// can substitute a permissive or failing implementation.
type Verifier interface {
	Verify(keyPrefix, qualifiedSig string, message []byte) (bool, error)
}

// Ed25519Verifier is the production Verifier.
type Ed25519Verifier struct{}

func NewEd25519Verifier() *Ed25519Verifier {
	return &Ed25519Verifier{}
}

func (v *Ed25519Verifier) Verify(keyPrefix, qualifiedSig string, message []byte) (bool, error) {
	pub, err := PublicKey(keyPrefix)
	if err != nil {
		return false, err
	}
	if len(qualifiedSig) < 3 || qualifiedSig[:2] != CodeSigEd25519 {
		return false, fmt.Errorf("unknown signature derivation code")
	}
	sig, err := b64.DecodeString(qualifiedSig[2:])
	if err != nil {
		return false, fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, fmt.Errorf("signature length %d, want %d", len(sig), ed25519.SignatureSize)
	}
	return ed25519.Verify(pub, message, sig), nil
}
