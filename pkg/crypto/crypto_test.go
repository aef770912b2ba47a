package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDigestAlg_DeriveRoundTrip(t *testing.T) {
	data := []byte("inception event canonical bytes")
	for _, alg := range []DigestAlg{Blake3_256, Blake2b_256, SHA2_256} {
		q := alg.Derive(data)
		require.Len(t, q, alg.QualifiedLen())
		assert.True(t, strings.HasPrefix(q, string(alg)))

		parsedAlg, raw, err := ParseDigest(q)
		require.NoError(t, err)
		assert.Equal(t, alg, parsedAlg)
		assert.Len(t, raw, 32)

		assert.True(t, DigestMatches(q, data))
		assert.False(t, DigestMatches(q, []byte("tampered")))
	}
}

func TestDigestAlg_DistinctAlgorithmsDisagree(t *testing.T) {
	data := []byte("same input")
	assert.NotEqual(t, Blake3_256.Derive(data)[1:], SHA2_256.Derive(data)[1:])
}

func TestParseDigest_Rejects(t *testing.T) {
	_, _, err := ParseDigest("")
	assert.Error(t, err)
	_, _, err = ParseDigest("Znotarealcode")
	assert.Error(t, err)
	_, _, err = ParseDigest("E!!!not-base64!!!")
	assert.Error(t, err)
	// right code, wrong length
	_, _, err = ParseDigest("Eabc")
	assert.Error(t, err)
}

func TestPlaceholder_Length(t *testing.T) {
	p := Blake3_256.Placeholder()
	assert.Equal(t, Blake3_256.QualifiedLen(), len(p))
	assert.Equal(t, strings.Repeat("#", len(p)), p)
}

func TestXORDigests(t *testing.T) {
	a := Blake3_256.Derive([]byte("a"))
	b := Blake3_256.Derive([]byte("b"))

	ab, err := XORDigests(a, b)
	require.NoError(t, err)
	ba, err := XORDigests(b, a)
	require.NoError(t, err)
	assert.Equal(t, ab, ba, "xor fold must be commutative")

	// x ^ x = 0, and mixing derivations is refused
	self, err := XORDigests(a, a)
	require.NoError(t, err)
	_, raw, err := ParseDigest(self)
	require.NoError(t, err)
	for _, byt := range raw {
		assert.Zero(t, byt)
	}
	_, err = XORDigests(a, SHA2_256.Derive([]byte("b")))
	assert.Error(t, err)
}

func TestKeyPrefix_RoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	transferable := KeyPrefix(pub, true)
	witness := KeyPrefix(pub, false)
	assert.True(t, strings.HasPrefix(transferable, CodeEd25519))
	assert.True(t, strings.HasPrefix(witness, CodeEd25519NonTransferable))
	assert.True(t, IsTransferable(transferable))
	assert.False(t, IsTransferable(witness))

	got, err := PublicKey(transferable)
	require.NoError(t, err)
	assert.Equal(t, pub, got)
}

func TestSignVerify(t *testing.T) {
	signer, err := NewEd25519Signer(true)
	require.NoError(t, err)

	msg := []byte("rotation event canonical bytes")
	sig, err := signer.Sign(msg)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sig, CodeSigEd25519))

	v := NewEd25519Verifier()
	ok, err := v.Verify(signer.KeyPrefix(), sig, msg)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Verify(signer.KeyPrefix(), sig, []byte("different message"))
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := NewEd25519Signer(true)
	require.NoError(t, err)
	ok, err = v.Verify(other.KeyPrefix(), sig, msg)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_MalformedInputs(t *testing.T) {
	v := NewEd25519Verifier()
	signer, err := NewEd25519Signer(true)
	require.NoError(t, err)
	sig, err := signer.Sign([]byte("m"))
	require.NoError(t, err)

	_, err = v.Verify("Xjunk", sig, []byte("m"))
	assert.Error(t, err)
	_, err = v.Verify(signer.KeyPrefix(), "99bogus", []byte("m"))
	assert.Error(t, err)
	_, err = v.Verify(signer.KeyPrefix(), "0Bshort", []byte("m"))
	assert.Error(t, err)
}
