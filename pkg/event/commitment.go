package event

import (
	"fmt"
	"strconv"

	"github.com/trustframe/keryx/pkg/crypto"
)

// NextCommitment derives the pre-rotation commitment for a key set and its
// threshold: the digest of the hex threshold, xor-folded with the digest of
// each qualified key. A rotation later proves it was pre-authorized by
// presenting a key set that folds to exactly this value.
func NextCommitment(threshold Hex, keys []string, alg crypto.DigestAlg) (string, error) {
	if len(keys) == 0 {
		return "", fmt.Errorf("next commitment requires at least one key")
	}
	acc := alg.Derive([]byte(strconv.FormatUint(uint64(threshold), 16)))
	for _, k := range keys {
		folded, err := crypto.XORDigests(acc, alg.Derive([]byte(k)))
		if err != nil {
			return "", err
		}
		acc = folded
	}
	return acc, nil
}

// VerifyNext reports whether the given key set and threshold match the
// commitment. The derivation algorithm is read off the commitment itself.
func VerifyNext(commitment string, threshold Hex, keys []string) (bool, error) {
	alg, _, err := crypto.ParseDigest(commitment)
	if err != nil {
		return false, fmt.Errorf("unparseable next commitment: %w", err)
	}
	derived, err := NextCommitment(threshold, keys, alg)
	if err != nil {
		return false, err
	}
	return derived == commitment, nil
}
