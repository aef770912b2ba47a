package crypto

import (
	"crypto/ed25519"
	"fmt"
)

// Key derivation codes. Transferable keys belong to identifiers that can
// rotate; non-transferable keys (typically witnesses) cannot.
const (
	CodeEd25519NonTransferable = "B"
	CodeEd25519                = "D"
)

// KeyPrefix encodes an ed25519 public key as a qualified prefix.
func KeyPrefix(pub ed25519.PublicKey, transferable bool) string {
	code := CodeEd25519NonTransferable
	if transferable {
		code = CodeEd25519
	}
	return code + b64.EncodeToString(pub)
}

// PublicKey decodes a qualified key prefix back to its ed25519 key.
func PublicKey(prefix string) (ed25519.PublicKey, error) {
	if len(prefix) < 2 {
		return nil, fmt.Errorf("key prefix too short")
	}
	switch prefix[:1] {
	case CodeEd25519, CodeEd25519NonTransferable:
	default:
		return nil, fmt.Errorf("unknown key derivation code %q", prefix[:1])
	}
	raw, err := b64.DecodeString(prefix[1:])
	if err != nil {
		return nil, fmt.Errorf("invalid key encoding: %w", err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("key length %d, want %d", len(raw), ed25519.PublicKeySize)
	}
	return ed25519.PublicKey(raw), nil
}

// IsTransferable reports whether a key prefix uses a transferable code.
func IsTransferable(prefix string) bool {
	return len(prefix) > 0 && prefix[:1] == CodeEd25519
}
