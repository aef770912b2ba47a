package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/trustframe/keryx/pkg/crypto"
	"github.com/trustframe/keryx/pkg/replay"
	"github.com/trustframe/keryx/pkg/store"
)

// ReceiptOutcomeKind classifies the result of a receipt submission.
type ReceiptOutcomeKind string

const (
	// ReceiptCounted: the receipt is stored; the witnessed threshold for the
	// event is not yet met.
	ReceiptCounted ReceiptOutcomeKind = "counted"
	// ReceiptThresholdMet: enough distinct witnesses endorse this digest to
	// satisfy the TOAD effective at that sequence number.
	ReceiptThresholdMet ReceiptOutcomeKind = "threshold_met"
	// ReceiptConflicting: the issuer endorsed a digest that disagrees with
	// the accepted event, or with their own earlier receipt. Evidence is
	// filed against the issuer.
	ReceiptConflicting ReceiptOutcomeKind = "conflicting"
	// ReceiptEscrowed: the receipted event is not accepted yet.
	ReceiptEscrowed ReceiptOutcomeKind = "escrowed"
)

// ReceiptOutcome reports how one receipt was handled.
type ReceiptOutcome struct {
	ID          string             `json:"id"`
	Kind        ReceiptOutcomeKind `json:"kind"`
	Prefix      string             `json:"prefix"`
	SN          uint64             `json:"sn"`
	EventDigest string             `json:"event_digest"`
	Issuer      string             `json:"issuer"`

	// Receipts is the count of distinct witness endorsements of the
	// accepted digest; Toad is the threshold they are measured against.
	Receipts int    `json:"receipts,omitempty"`
	Toad     uint64 `json:"toad,omitempty"`

	EscrowID string    `json:"escrow_id,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// SubmitReceipt processes a witness or validator endorsement of one event
// digest. The threshold is the TOAD from the key state effective at the
// receipted sequence number, since witness membership changes across
// rotations.
func (p *Processor) SubmitReceipt(ctx context.Context, r *store.ReceiptRecord) (*ReceiptOutcome, error) {
	ctx, span := p.tracer.Start(ctx, "processor.submit_receipt", trace.WithAttributes(
		attribute.String("keryx.prefix", r.Prefix),
		attribute.Int64("keryx.sn", int64(r.SN)),
		attribute.String("keryx.issuer", r.Issuer),
	))
	defer span.End()

	lock := p.lockFor(r.Prefix)
	lock.Lock()
	out, err := p.submitReceiptLocked(ctx, r)
	lock.Unlock()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("keryx.outcome", string(out.Kind)))

	p.logger.Info("receipt processed",
		"outcome_id", out.ID,
		"kind", string(out.Kind),
		"prefix", out.Prefix,
		"sn", out.SN,
		"issuer", out.Issuer,
		"receipts", out.Receipts,
		"toad", out.Toad,
	)
	return out, nil
}

func (p *Processor) submitReceiptLocked(ctx context.Context, r *store.ReceiptRecord) (*ReceiptOutcome, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = p.now()
	}
	out := &ReceiptOutcome{
		ID:          uuid.NewString(),
		Prefix:      r.Prefix,
		SN:          r.SN,
		EventDigest: r.EventDigest,
		Issuer:      r.Issuer,
		At:          p.now(),
	}

	// A witness endorsing two different digests at one slot is itself
	// misbehaving; that is evidence, not a no-op.
	earlier, err := p.store.ReceiptByIssuer(ctx, r.Prefix, r.SN, r.Issuer)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if earlier != nil && earlier.EventDigest != r.EventDigest {
		if err := p.recordDuplicity(ctx, r.Issuer, r.Prefix, r.SN, r.EventDigest, earlier.EventDigest); err != nil {
			return nil, err
		}
		if err := p.store.PutReceipt(ctx, r); err != nil {
			return nil, err
		}
		out.Kind = ReceiptConflicting
		out.Reason = fmt.Sprintf("issuer previously receipted %s at sn %d", earlier.EventDigest, r.SN)
		return out, nil
	}

	accepted, err := p.store.GetEvent(ctx, r.Prefix, r.SN)
	if errors.Is(err, store.ErrNotFound) {
		return p.escrowReceipt(ctx, r, out)
	}
	if err != nil {
		return nil, err
	}

	if accepted.Digest != r.EventDigest {
		if err := p.recordDuplicity(ctx, r.Issuer, r.Prefix, r.SN, r.EventDigest, accepted.Digest); err != nil {
			return nil, err
		}
		if err := p.store.PutReceipt(ctx, r); err != nil {
			return nil, err
		}
		out.Kind = ReceiptConflicting
		out.Reason = fmt.Sprintf("accepted digest at sn %d is %s", r.SN, accepted.Digest)
		return out, nil
	}

	if !issuerSelfVerifying(r.Issuer) {
		// A validator receipt needs the issuer's own log for its keys; hold
		// the receipt until that log is incepted here.
		issuerState, err := p.loadState(ctx, r.Issuer)
		if err != nil {
			return nil, err
		}
		if issuerState == nil {
			return p.escrowIssuerReceipt(ctx, r, out)
		}
	}
	if err := p.verifyReceipt(ctx, r, accepted.Raw); err != nil {
		return nil, err
	}
	if err := p.store.PutReceipt(ctx, r); err != nil {
		return nil, err
	}

	effective, err := replay.RebuildAt(ctx, p.store, p.verifier, r.Prefix, r.SN)
	if err != nil {
		return nil, err
	}
	matching, err := p.store.ReceiptsFor(ctx, r.Prefix, r.SN, r.EventDigest)
	if err != nil {
		return nil, err
	}
	witnesses := make(map[string]struct{}, len(effective.Witnesses))
	for _, w := range effective.Witnesses {
		witnesses[w] = struct{}{}
	}
	count := 0
	for _, m := range matching {
		if _, ok := witnesses[m.Issuer]; ok {
			count++
		}
	}

	out.Receipts = count
	out.Toad = effective.Toad
	if effective.Toad > 0 && uint64(count) >= effective.Toad {
		out.Kind = ReceiptThresholdMet
	} else {
		out.Kind = ReceiptCounted
	}
	return out, nil
}

// issuerSelfVerifying reports whether the issuer prefix encodes its own
// non-transferable key, as witness prefixes do. Any other issuer must be
// resolved through its own log.
func issuerSelfVerifying(issuer string) bool {
	if crypto.IsTransferable(issuer) {
		return false
	}
	_, err := crypto.PublicKey(issuer)
	return err == nil
}

// verifyReceipt checks the receipt signature over the accepted event's
// canonical bytes. Witness issuers sign with the key their prefix encodes;
// other issuers sign with the current keys of their own log, and the
// receipt is pinned to the establishment event that held them.
func (p *Processor) verifyReceipt(ctx context.Context, r *store.ReceiptRecord, message []byte) error {
	if issuerSelfVerifying(r.Issuer) {
		ok, err := p.verifier.Verify(r.Issuer, r.Signature, message)
		if err != nil {
			return fmt.Errorf("receipt from %s: %w", r.Issuer, err)
		}
		if !ok {
			return fmt.Errorf("receipt from %s: invalid signature", r.Issuer)
		}
		return nil
	}

	issuerState, err := p.loadState(ctx, r.Issuer)
	if err != nil {
		return err
	}
	if issuerState == nil {
		return fmt.Errorf("receipt from %s: issuer log unknown", r.Issuer)
	}
	for _, key := range issuerState.Keys {
		ok, err := p.verifier.Verify(key, r.Signature, message)
		if err != nil {
			continue
		}
		if ok {
			r.IssuerEventDigest = issuerState.LastDigest
			return nil
		}
	}
	return fmt.Errorf("receipt from %s: no current issuer key verifies", r.Issuer)
}

// escrowIssuerReceipt holds a transferable-issuer receipt until the
// issuer's own inception is accepted.
func (p *Processor) escrowIssuerReceipt(ctx context.Context, r *store.ReceiptRecord, out *ReceiptOutcome) (*ReceiptOutcome, error) {
	entry := &store.EscrowEntry{
		ID:         uuid.NewString(),
		Kind:       store.EscrowReceipt,
		Prefix:     r.Prefix,
		SN:         r.SN,
		Digest:     r.EventDigest,
		Dependency: store.DependencyKey(r.Issuer, 0),
		Receipt:    r,
		CreatedAt:  p.now(),
	}
	if err := p.store.PutEscrow(ctx, entry); err != nil {
		return nil, err
	}
	out.Kind = ReceiptEscrowed
	out.EscrowID = entry.ID
	out.Reason = fmt.Sprintf("issuer log %s not yet incepted", r.Issuer)
	return out, nil
}

func (p *Processor) escrowReceipt(ctx context.Context, r *store.ReceiptRecord, out *ReceiptOutcome) (*ReceiptOutcome, error) {
	if r.ReceivedAt.IsZero() {
		r.ReceivedAt = p.now()
	}
	entry := &store.EscrowEntry{
		ID:         uuid.NewString(),
		Kind:       store.EscrowReceipt,
		Prefix:     r.Prefix,
		SN:         r.SN,
		Digest:     r.EventDigest,
		Dependency: store.DependencyKey(r.Prefix, r.SN),
		Receipt:    r,
		CreatedAt:  p.now(),
	}
	if err := p.store.PutEscrow(ctx, entry); err != nil {
		return nil, err
	}
	out.Kind = ReceiptEscrowed
	out.EscrowID = entry.ID
	out.Reason = fmt.Sprintf("event %d for %s not yet accepted", r.SN, r.Prefix)
	return out, nil
}
