package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustframe/keryx/pkg/crypto"
)

func TestSaidify_SelfAddressingInception(t *testing.T) {
	ev, raw := buildInception(t)

	// identifier equals the said: bound to the full inception content
	assert.Equal(t, ev.SAID, ev.Prefix)
	assert.NotEmpty(t, raw)

	ok, err := VerifySAID(ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaidify_TamperDetected(t *testing.T) {
	ev, _ := buildInception(t)

	tampered := *ev
	tampered.Threshold = 7 // exceeds key count, but SAID check is independent
	ok, err := VerifySAID(&tampered)
	require.NoError(t, err)
	assert.False(t, ok, "any field change must invalidate the said")
}

func TestSaidify_Deterministic(t *testing.T) {
	signer, err := crypto.NewEd25519Signer(true)
	require.NoError(t, err)

	build := func() *Event {
		ev, _, err := NewBuilder(IlkInception).
			WithKeys(1, signer.KeyPrefix()).
			Build()
		require.NoError(t, err)
		return ev
	}
	assert.Equal(t, build().SAID, build().SAID)
}

func TestSaidify_ExplicitPrefix(t *testing.T) {
	// a non-inception event cannot derive its own identifier
	_, _, err := NewBuilder(IlkInteraction).
		WithSequence(1, "Eprior").
		Build()
	assert.ErrorContains(t, err, "only inception events")

	ev, _, err := NewBuilder(IlkInteraction).
		WithPrefix("Esomeprefix").
		WithSequence(1, crypto.DefaultDigest.Derive([]byte("prior"))).
		Build()
	require.NoError(t, err)
	assert.NotEqual(t, ev.Prefix, ev.SAID)

	ok, err := VerifySAID(ev)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSaidify_AlternateDerivations(t *testing.T) {
	signer, err := crypto.NewEd25519Signer(true)
	require.NoError(t, err)

	for _, alg := range []crypto.DigestAlg{crypto.Blake3_256, crypto.Blake2b_256, crypto.SHA2_256} {
		ev, _, err := NewBuilder(IlkInception).
			WithDigestAlg(alg).
			WithKeys(1, signer.KeyPrefix()).
			Build()
		require.NoError(t, err)
		assert.Equal(t, string(alg), ev.SAID[:1])

		ok, err := VerifySAID(ev)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestNextCommitment_VerifyNext(t *testing.T) {
	k1, err := crypto.NewEd25519Signer(true)
	require.NoError(t, err)
	k2, err := crypto.NewEd25519Signer(true)
	require.NoError(t, err)

	commitment, err := NextCommitment(2, []string{k1.KeyPrefix(), k2.KeyPrefix()}, crypto.Blake3_256)
	require.NoError(t, err)

	ok, err := VerifyNext(commitment, 2, []string{k1.KeyPrefix(), k2.KeyPrefix()})
	require.NoError(t, err)
	assert.True(t, ok)

	// different threshold or key set must not match
	ok, err = VerifyNext(commitment, 1, []string{k1.KeyPrefix(), k2.KeyPrefix()})
	require.NoError(t, err)
	assert.False(t, ok)

	other, err := crypto.NewEd25519Signer(true)
	require.NoError(t, err)
	ok, err = VerifyNext(commitment, 2, []string{k1.KeyPrefix(), other.KeyPrefix()})
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = NextCommitment(1, nil, crypto.Blake3_256)
	assert.Error(t, err)
}

func TestBuilder_PropagatesErrors(t *testing.T) {
	_, _, err := NewBuilder(IlkInception).
		WithKeys(1, "Dkey").
		WithNext(1). // no keys for the commitment
		Build()
	assert.Error(t, err)
}
