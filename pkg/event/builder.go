package event

import (
	"github.com/trustframe/keryx/pkg/crypto"
)

// Builder assembles events field by field and finishes them with SAID
// derivation and structural validation. Controllers, witnesses in tests,
// and the CLI all construct events through it.
type Builder struct {
	ev  Event
	alg crypto.DigestAlg
	err error
}

// NewBuilder starts an event of the given ilk with the default digest
// derivation.
func NewBuilder(ilk Ilk) *Builder {
	return &Builder{
		ev:  Event{Version: Version, Ilk: ilk},
		alg: crypto.DefaultDigest,
	}
}

// WithDigestAlg overrides the derivation used for the SAID and any derived
// next commitment.
func (b *Builder) WithDigestAlg(alg crypto.DigestAlg) *Builder {
	b.alg = alg
	return b
}

// WithPrefix sets the identifier. Leave unset on inception to derive a
// self-addressing identifier.
func (b *Builder) WithPrefix(prefix string) *Builder {
	b.ev.Prefix = prefix
	return b
}

// WithSequence sets the sequence number and the declared prior digest.
func (b *Builder) WithSequence(sn Hex, prior string) *Builder {
	b.ev.SN = sn
	b.ev.Prior = prior
	return b
}

// WithKeys declares the current signing key set and threshold.
func (b *Builder) WithKeys(threshold Hex, keys ...string) *Builder {
	b.ev.Threshold = threshold
	b.ev.Keys = keys
	return b
}

// WithNext derives and sets the pre-rotation commitment for the next key
// set and threshold.
func (b *Builder) WithNext(threshold Hex, keys ...string) *Builder {
	if b.err != nil {
		return b
	}
	commitment, err := NextCommitment(threshold, keys, b.alg)
	if err != nil {
		b.err = err
		return b
	}
	b.ev.Next = commitment
	return b
}

// WithNextCommitment sets an already-derived commitment.
func (b *Builder) WithNextCommitment(commitment string) *Builder {
	b.ev.Next = commitment
	return b
}

// WithWitnesses declares the initial witness set and TOAD (inception ilks).
func (b *Builder) WithWitnesses(toad Hex, witnesses ...string) *Builder {
	b.ev.Toad = toad
	b.ev.Witnesses = witnesses
	return b
}

// WithWitnessDelta declares witness cuts/adds and the new TOAD (rotations).
func (b *Builder) WithWitnessDelta(toad Hex, cuts, adds []string) *Builder {
	b.ev.Toad = toad
	b.ev.Cuts = cuts
	b.ev.Adds = adds
	return b
}

// WithSeals anchors data seals into the event.
func (b *Builder) WithSeals(seals ...Seal) *Builder {
	b.ev.Seals = append(b.ev.Seals, seals...)
	return b
}

// WithDelegator attaches the seal locating the approving event in the
// delegator's log.
func (b *Builder) WithDelegator(seal LocationSeal) *Builder {
	b.ev.Delegator = &seal
	return b
}

// Build derives the SAID (and self-addressing prefix, if requested),
// validates the event, and returns it with its canonical bytes.
func (b *Builder) Build() (*Event, []byte, error) {
	if b.err != nil {
		return nil, nil, b.err
	}
	ev := b.ev
	raw, err := Saidify(&ev, b.alg)
	if err != nil {
		return nil, nil, err
	}
	if err := ev.Validate(); err != nil {
		return nil, nil, err
	}
	return &ev, raw, nil
}
