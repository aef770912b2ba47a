package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustframe/keryx/pkg/crypto"
	"github.com/trustframe/keryx/pkg/event"
	"github.com/trustframe/keryx/pkg/state"
	"github.com/trustframe/keryx/pkg/store"
)

func newSigner(t *testing.T, transferable bool) *crypto.Ed25519Signer {
	t.Helper()
	s, err := crypto.NewEd25519Signer(transferable)
	require.NoError(t, err)
	return s
}

func sign(t *testing.T, raw []byte, signers ...*crypto.Ed25519Signer) []event.IndexedSignature {
	t.Helper()
	sigs := make([]event.IndexedSignature, len(signers))
	for i, s := range signers {
		sig, err := s.Sign(raw)
		require.NoError(t, err)
		sigs[i] = event.IndexedSignature{Index: i, Signature: sig}
	}
	return sigs
}

func newProcessor(t *testing.T, opts ...Option) *Processor {
	t.Helper()
	return New(store.NewMemoryStore(), crypto.NewEd25519Verifier(), opts...)
}

// identity is one controller: an accepted inception plus the signers needed
// to extend its log.
type identity struct {
	p      *Processor
	prefix string
	icp    *event.Event
	icpRaw []byte
	k0, k1 *crypto.Ed25519Signer
}

func incept(t *testing.T, p *Processor, witnesses ...string) *identity {
	t.Helper()
	k0 := newSigner(t, true)
	k1 := newSigner(t, true)

	b := event.NewBuilder(event.IlkInception).
		WithKeys(1, k0.KeyPrefix()).
		WithNext(1, k1.KeyPrefix())
	if len(witnesses) > 0 {
		b = b.WithWitnesses(2, witnesses...)
	}
	ev, raw, err := b.Build()
	require.NoError(t, err)

	out, err := p.SubmitEvent(context.Background(), ev, raw, sign(t, raw, k0))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	return &identity{p: p, prefix: ev.Prefix, icp: ev, icpRaw: raw, k0: k0, k1: k1}
}

// rotate builds a signed rotation revealing the committed key and
// committing to nextCommit.
func (id *identity) rotate(t *testing.T, sn event.Hex, prior string, nextCommit *crypto.Ed25519Signer) (*event.Event, []byte, []event.IndexedSignature) {
	t.Helper()
	b := event.NewBuilder(event.IlkRotation).
		WithPrefix(id.prefix).
		WithSequence(sn, prior).
		WithKeys(1, id.k1.KeyPrefix())
	if nextCommit != nil {
		b = b.WithNext(1, nextCommit.KeyPrefix())
	}
	ev, raw, err := b.Build()
	require.NoError(t, err)
	return ev, raw, sign(t, raw, id.k1)
}

func drainOutbox(o *Outbox) []*Outcome {
	var out []*Outcome
	for {
		select {
		case ev := <-o.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestSubmit_InceptionAccepted(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)

	ks, err := p.KeyState(context.Background(), id.prefix)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ks.SN)
	assert.Equal(t, []string{id.k0.KeyPrefix()}, ks.Keys)
	assert.Equal(t, state.Trusted, ks.Trust)

	emitted := drainOutbox(p.Outbox())
	require.Len(t, emitted, 1)
	assert.Equal(t, OutcomeAccepted, emitted[0].Kind)
	assert.NotEmpty(t, emitted[0].ID)
}

func TestSubmit_ResubmissionIsIdempotent(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)

	out, err := p.SubmitEvent(context.Background(), id.icp, id.icpRaw, sign(t, id.icpRaw, id.k0))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Kind)
	assert.Equal(t, uint64(0), out.State.SN)

	// No duplicate log entry.
	count := 0
	err = p.store.IterateKEL(context.Background(), id.prefix, func(*store.EventRecord) error {
		count++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSubmit_MalformedBytesAreRejectedNotErrored(t *testing.T) {
	p := newProcessor(t)
	out, err := p.Submit(context.Background(), []byte(`{"v":"KERI10JSON","t":"icp"`), nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)
	assert.NotEmpty(t, out.Reason)
}

func TestSubmit_PreRotationForgeryRejectedPermanently(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)

	// Forged rotation: correctly signed, but reveals a key set that was
	// never committed.
	kx := newSigner(t, true)
	forged, forgedRaw, err := event.NewBuilder(event.IlkRotation).
		WithPrefix(id.prefix).
		WithSequence(1, id.icp.SAID).
		WithKeys(1, kx.KeyPrefix()).
		Build()
	require.NoError(t, err)

	out, err := p.SubmitEvent(context.Background(), forged, forgedRaw, sign(t, forgedRaw, kx))
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out.Kind)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, state.PreRotationMismatch, out.Rejection.Kind)

	// Not escrowed: nothing drains after the next acceptance.
	escrows, err := p.store.TakeEscrowsByDependency(context.Background(), store.DependencyKey(id.prefix, 0))
	require.NoError(t, err)
	assert.Empty(t, escrows)
}

func TestSubmit_SequenceGapEscrowedAndDrained(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)
	ctx := context.Background()

	k2 := newSigner(t, true)
	rot, rotRaw, rotSigs := id.rotate(t, 1, id.icp.SAID, k2)

	ixn, ixnRaw, err := event.NewBuilder(event.IlkInteraction).
		WithPrefix(id.prefix).
		WithSequence(2, rot.SAID).
		Build()
	require.NoError(t, err)
	ixnSigs := sign(t, ixnRaw, id.k1)

	// Future event first: escrowed, not rejected.
	out, err := p.SubmitEvent(ctx, ixn, ixnRaw, ixnSigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeEscrowed, out.Kind)
	assert.NotEmpty(t, out.EscrowID)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, state.SequenceGap, out.Rejection.Kind)

	// Accepting the predecessor drains the escrow without resubmission.
	out, err = p.SubmitEvent(ctx, rot, rotRaw, rotSigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	ks, err := p.KeyState(ctx, id.prefix)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), ks.SN)
	assert.Equal(t, ixn.SAID, ks.LastDigest)

	emitted := drainOutbox(p.Outbox())
	kinds := map[OutcomeKind]int{}
	for _, o := range emitted {
		kinds[o.Kind]++
	}
	assert.Equal(t, 3, kinds[OutcomeAccepted])
	assert.Equal(t, 1, kinds[OutcomeEscrowed])
}

func TestSubmit_ConflictingEventIsDuplicitous(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)
	ctx := context.Background()

	k2 := newSigner(t, true)
	k3 := newSigner(t, true)
	rotA, rotARaw, rotASigs := id.rotate(t, 1, id.icp.SAID, k2)
	rotB, rotBRaw, rotBSigs := id.rotate(t, 1, id.icp.SAID, k3)
	require.NotEqual(t, rotA.SAID, rotB.SAID)

	out, err := p.SubmitEvent(ctx, rotA, rotARaw, rotASigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	out, err = p.SubmitEvent(ctx, rotB, rotBRaw, rotBSigs)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicitous, out.Kind)

	evidence, err := p.Duplicity(ctx, id.prefix)
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, rotB.SAID, evidence[0].Digest)
	assert.Equal(t, rotA.SAID, evidence[0].ConflictsWith)

	// The log keeps growing, but acceptances now carry a warning.
	ixn, ixnRaw, err := event.NewBuilder(event.IlkInteraction).
		WithPrefix(id.prefix).
		WithSequence(2, rotA.SAID).
		Build()
	require.NoError(t, err)
	out, err = p.SubmitEvent(ctx, ixn, ixnRaw, sign(t, ixnRaw, id.k1))
	require.NoError(t, err)
	assert.Equal(t, OutcomeAccepted, out.Kind)
	assert.True(t, out.DuplicityWarning)
	assert.Equal(t, state.Compromised, out.State.Trust)

	// Resubmitting the duplicitous event grows nothing: the set never
	// shrinks and never double-counts.
	out, err = p.SubmitEvent(ctx, rotB, rotBRaw, rotBSigs)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicitous, out.Kind)
	evidence, err = p.Duplicity(ctx, id.prefix)
	require.NoError(t, err)
	assert.Len(t, evidence, 1)
}

func TestSubmit_GarbageAtOccupiedSlotIsRejectedNotDuplicitous(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)
	ctx := context.Background()

	// A competing rotation with an unverifiable signature is garbage, not
	// duplicity evidence.
	k2 := newSigner(t, true)
	rotA, rotARaw, rotASigs := id.rotate(t, 1, id.icp.SAID, k2)
	out, err := p.SubmitEvent(ctx, rotA, rotARaw, rotASigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	k3 := newSigner(t, true)
	rotB, rotBRaw, _ := id.rotate(t, 1, id.icp.SAID, k3)
	stranger := newSigner(t, true)
	out, err = p.SubmitEvent(ctx, rotB, rotBRaw, sign(t, rotBRaw, stranger))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, out.Kind)

	evidence, err := p.Duplicity(ctx, id.prefix)
	require.NoError(t, err)
	assert.Empty(t, evidence)
}

func TestReceipts_ToadTwoOfThree(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	w1 := newSigner(t, false)
	w2 := newSigner(t, false)
	w3 := newSigner(t, false)
	id := incept(t, p, w1.KeyPrefix(), w2.KeyPrefix(), w3.KeyPrefix())

	receipt := func(w *crypto.Ed25519Signer, digest string) *store.ReceiptRecord {
		sig, err := w.Sign(id.icpRaw)
		require.NoError(t, err)
		return &store.ReceiptRecord{
			Prefix:      id.prefix,
			SN:          0,
			EventDigest: digest,
			Issuer:      w.KeyPrefix(),
			Signature:   sig,
		}
	}

	out, err := p.SubmitReceipt(ctx, receipt(w1, id.icp.SAID))
	require.NoError(t, err)
	assert.Equal(t, ReceiptCounted, out.Kind)
	assert.Equal(t, 1, out.Receipts)
	assert.Equal(t, uint64(2), out.Toad)

	out, err = p.SubmitReceipt(ctx, receipt(w2, id.icp.SAID))
	require.NoError(t, err)
	assert.Equal(t, ReceiptThresholdMet, out.Kind)
	assert.Equal(t, 2, out.Receipts)

	// A third witness endorsing a different digest is conflicting evidence
	// against that witness, not a silent no-op.
	forgedDigest := crypto.DefaultDigest.Derive([]byte("another history"))
	out, err = p.SubmitReceipt(ctx, receipt(w3, forgedDigest))
	require.NoError(t, err)
	assert.Equal(t, ReceiptConflicting, out.Kind)

	evidence, err := p.Duplicity(ctx, w3.KeyPrefix())
	require.NoError(t, err)
	require.Len(t, evidence, 1)
	assert.Equal(t, forgedDigest, evidence[0].Digest)
}

func TestReceipts_SameIssuerDifferentDigestConflicts(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	w1 := newSigner(t, false)
	id := incept(t, p, w1.KeyPrefix(), newSigner(t, false).KeyPrefix(), newSigner(t, false).KeyPrefix())

	sig, err := w1.Sign(id.icpRaw)
	require.NoError(t, err)
	first := &store.ReceiptRecord{
		Prefix: id.prefix, SN: 0, EventDigest: id.icp.SAID,
		Issuer: w1.KeyPrefix(), Signature: sig,
	}
	out, err := p.SubmitReceipt(ctx, first)
	require.NoError(t, err)
	require.Equal(t, ReceiptCounted, out.Kind)

	second := &store.ReceiptRecord{
		Prefix: id.prefix, SN: 0,
		EventDigest: crypto.DefaultDigest.Derive([]byte("equivocation")),
		Issuer:      w1.KeyPrefix(), Signature: sig,
	}
	out, err = p.SubmitReceipt(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, ReceiptConflicting, out.Kind)

	evidence, err := p.Duplicity(ctx, w1.KeyPrefix())
	require.NoError(t, err)
	assert.NotEmpty(t, evidence)
}

func TestReceipts_EscrowedUntilEventAccepted(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()

	w1 := newSigner(t, false)
	w2 := newSigner(t, false)
	w3 := newSigner(t, false)
	k0 := newSigner(t, true)

	icp, icpRaw, err := event.NewBuilder(event.IlkInception).
		WithKeys(1, k0.KeyPrefix()).
		WithWitnesses(2, w1.KeyPrefix(), w2.KeyPrefix(), w3.KeyPrefix()).
		Build()
	require.NoError(t, err)

	sig, err := w1.Sign(icpRaw)
	require.NoError(t, err)
	out, err := p.SubmitReceipt(ctx, &store.ReceiptRecord{
		Prefix: icp.Prefix, SN: 0, EventDigest: icp.SAID,
		Issuer: w1.KeyPrefix(), Signature: sig,
	})
	require.NoError(t, err)
	assert.Equal(t, ReceiptEscrowed, out.Kind)

	// Accepting the event drains the receipt escrow.
	evOut, err := p.SubmitEvent(ctx, icp, icpRaw, sign(t, icpRaw, k0))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, evOut.Kind)

	receipts, err := p.store.ReceiptsFor(ctx, icp.Prefix, 0, icp.SAID)
	require.NoError(t, err)
	assert.Len(t, receipts, 1)
}

func TestReceipts_TransferableIssuerHeldUntilIncepted(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()
	controller := incept(t, p)

	// A validator endorses with its own rotating keys, so the receipt can
	// only be checked once the validator's log is known.
	vk0 := newSigner(t, true)
	vk1 := newSigner(t, true)
	vicp, vicpRaw, err := event.NewBuilder(event.IlkInception).
		WithKeys(1, vk0.KeyPrefix()).
		WithNext(1, vk1.KeyPrefix()).
		Build()
	require.NoError(t, err)

	sig, err := vk0.Sign(controller.icpRaw)
	require.NoError(t, err)
	r := &store.ReceiptRecord{
		Prefix: controller.prefix, SN: 0, EventDigest: controller.icp.SAID,
		Issuer: vicp.Prefix, Signature: sig,
	}
	out, err := p.SubmitReceipt(ctx, r)
	require.NoError(t, err)
	assert.Equal(t, ReceiptEscrowed, out.Kind)

	// Incepting the validator drains and verifies the held receipt.
	evOut, err := p.SubmitEvent(ctx, vicp, vicpRaw, sign(t, vicpRaw, vk0))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, evOut.Kind)

	stored, err := p.store.ReceiptByIssuer(ctx, controller.prefix, 0, vicp.Prefix)
	require.NoError(t, err)
	assert.Equal(t, controller.icp.SAID, stored.EventDigest)
	assert.Equal(t, vicp.SAID, stored.IssuerEventDigest)
}

func TestDelegation_EscrowedUntilAnchored(t *testing.T) {
	p := newProcessor(t)
	ctx := context.Background()
	delegator := incept(t, p)

	dk := newSigner(t, true)
	dip, dipRaw, err := event.NewBuilder(event.IlkDelegatedInception).
		WithKeys(1, dk.KeyPrefix()).
		WithDelegator(event.LocationSeal{
			Prefix: delegator.prefix,
			SN:     1,
			Ilk:    event.IlkInteraction,
		}).
		Build()
	require.NoError(t, err)
	dipSigs := sign(t, dipRaw, dk)

	out, err := p.SubmitEvent(ctx, dip, dipRaw, dipSigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeEscrowed, out.Kind)
	require.NotNil(t, out.Rejection)
	assert.Equal(t, state.UnresolvedDelegation, out.Rejection.Kind)

	// The delegator anchors the delegated event's digest; acceptance of the
	// anchoring event drains and accepts the dip.
	anchor, anchorRaw, err := event.NewBuilder(event.IlkInteraction).
		WithPrefix(delegator.prefix).
		WithSequence(1, delegator.icp.SAID).
		WithSeals(event.DigestSeal(dip.SAID)).
		Build()
	require.NoError(t, err)
	out, err = p.SubmitEvent(ctx, anchor, anchorRaw, sign(t, anchorRaw, delegator.k0))
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	ks, err := p.KeyState(ctx, dip.Prefix)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), ks.SN)
	assert.Equal(t, delegator.prefix, ks.Delegator)
}

func TestSweeper_SurfacesStaleEscrows(t *testing.T) {
	now := time.Now().UTC()
	p := newProcessor(t, WithClock(func() time.Time { return now }))
	id := incept(t, p)
	ctx := context.Background()

	// Escrow an out-of-order interaction.
	ixn, ixnRaw, err := event.NewBuilder(event.IlkInteraction).
		WithPrefix(id.prefix).
		WithSequence(2, crypto.DefaultDigest.Derive([]byte("missing rot"))).
		Build()
	require.NoError(t, err)
	out, err := p.SubmitEvent(ctx, ixn, ixnRaw, sign(t, ixnRaw, id.k1))
	require.NoError(t, err)
	require.Equal(t, OutcomeEscrowed, out.Kind)
	drainOutbox(p.Outbox())

	sweeper := NewSweeper(p, time.Hour, time.Minute)

	// Inside the horizon: nothing expires.
	expired, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, expired)

	now = now.Add(2 * time.Hour)
	expired, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, out.EscrowID, expired[0].ID)

	emitted := drainOutbox(p.Outbox())
	require.Len(t, emitted, 1)
	assert.Equal(t, OutcomeStale, emitted[0].Kind)
	assert.Equal(t, out.EscrowID, emitted[0].EscrowID)
}

func TestCancelEscrow_RemovedEntryNeverDrains(t *testing.T) {
	p := newProcessor(t)
	id := incept(t, p)
	ctx := context.Background()

	k2 := newSigner(t, true)
	rot, rotRaw, rotSigs := id.rotate(t, 1, id.icp.SAID, k2)

	ixn, ixnRaw, err := event.NewBuilder(event.IlkInteraction).
		WithPrefix(id.prefix).
		WithSequence(2, rot.SAID).
		Build()
	require.NoError(t, err)
	out, err := p.SubmitEvent(ctx, ixn, ixnRaw, sign(t, ixnRaw, id.k1))
	require.NoError(t, err)
	require.Equal(t, OutcomeEscrowed, out.Kind)

	require.NoError(t, p.CancelEscrow(ctx, out.EscrowID))

	out, err = p.SubmitEvent(ctx, rot, rotRaw, rotSigs)
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	ks, err := p.KeyState(ctx, id.prefix)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), ks.SN)
}
