package state

import (
	"github.com/trustframe/keryx/pkg/crypto"
	"github.com/trustframe/keryx/pkg/event"
)

// DelegationResolver answers whether a delegator has anchored approval for
// a delegated event. The processor backs this with the delegator's stored
// KEL; a nil resolver means approvals can never be confirmed and delegated
// events are rejected as unresolved (and typically escrowed).
type DelegationResolver interface {
	Approved(delegator string, seal event.LocationSeal, delegatedDigest string) (bool, error)
}

// Apply validates ev against prior and returns the successor state.
//
// prior is nil for an unseen identifier. raw must be the event's canonical
// bytes (what the signatures cover). Failures are either *event.MalformedError
// (structural, permanent) or *Rejection (typed by kind).
func Apply(prior *KeyState, ev *event.Event, raw []byte, sigs []event.IndexedSignature, verifier crypto.Verifier, delegations DelegationResolver) (*KeyState, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	ok, err := event.VerifySAID(ev)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &event.MalformedError{Reason: "said does not match event content"}
	}

	switch ev.Ilk {
	case event.IlkInception, event.IlkDelegatedInception:
		return applyInception(prior, ev, raw, sigs, verifier, delegations)
	case event.IlkRotation, event.IlkDelegatedRotation:
		return applyRotation(prior, ev, raw, sigs, verifier, delegations)
	case event.IlkInteraction:
		return applyInteraction(prior, ev, raw, sigs, verifier)
	}
	// Validate guarantees a known ilk.
	return nil, &event.MalformedError{Reason: "unreachable ilk"}
}

func applyInception(prior *KeyState, ev *event.Event, raw []byte, sigs []event.IndexedSignature, verifier crypto.Verifier, delegations DelegationResolver) (*KeyState, error) {
	if prior != nil {
		return nil, reject(StaleEvent, "identifier %s already incepted at sn %d", ev.Prefix, prior.SN)
	}
	if err := verifyThreshold(ev.Keys, uint64(ev.Threshold), raw, sigs, verifier); err != nil {
		return nil, err
	}
	if ev.Ilk.Delegated() {
		if err := checkDelegation(ev, delegations); err != nil {
			return nil, err
		}
	}

	ks := &KeyState{
		Prefix:     ev.Prefix,
		SN:         0,
		LastDigest: ev.SAID,
		LastIlk:    ev.Ilk,
		Keys:       append([]string(nil), ev.Keys...),
		Threshold:  uint64(ev.Threshold),
		Next:       ev.Next,
		Witnesses:  append([]string(nil), ev.Witnesses...),
		Toad:       uint64(ev.Toad),
		Config:     append([]string(nil), ev.Config...),
		Trust:      Trusted,
	}
	if ev.Delegator != nil {
		ks.Delegator = ev.Delegator.Prefix
	}
	return ks, nil
}

func applyRotation(prior *KeyState, ev *event.Event, raw []byte, sigs []event.IndexedSignature, verifier crypto.Verifier, delegations DelegationResolver) (*KeyState, error) {
	if err := checkContinuity(prior, ev); err != nil {
		return nil, err
	}

	// The pre-rotation guarantee. A compromised current key cannot redirect
	// the rotation: the revealed set must fold to the commitment made
	// before the compromise window, and signature validity cannot override
	// a commitment mismatch.
	if prior.Next == "" {
		return nil, reject(PreRotationMismatch, "identifier %s is non-transferable", ev.Prefix)
	}
	matches, err := event.VerifyNext(prior.Next, ev.Threshold, ev.Keys)
	if err != nil {
		return nil, &event.MalformedError{Reason: err.Error()}
	}
	if !matches {
		return nil, reject(PreRotationMismatch, "revealed key set does not match commitment at sn %d", prior.SN)
	}

	// Rotations reveal the pre-committed keys and are signed with them.
	if err := verifyThreshold(ev.Keys, uint64(ev.Threshold), raw, sigs, verifier); err != nil {
		return nil, err
	}

	if ev.Ilk == event.IlkDelegatedRotation {
		if prior.Delegator == "" {
			return nil, &event.MalformedError{Reason: "drt on a non-delegated identifier"}
		}
		if err := checkDelegation(ev, delegations); err != nil {
			return nil, err
		}
	} else if prior.Delegator != "" {
		return nil, &event.MalformedError{Reason: "delegated identifier must rotate via drt"}
	}

	witnesses, err := applyWitnessDelta(prior.Witnesses, ev.Cuts, ev.Adds)
	if err != nil {
		return nil, err
	}
	if uint64(ev.Toad) > uint64(len(witnesses)) {
		return nil, &event.MalformedError{Reason: "toad exceeds rotated witness count"}
	}

	next := prior.Clone()
	next.SN = uint64(ev.SN)
	next.LastDigest = ev.SAID
	next.LastIlk = ev.Ilk
	next.Keys = append([]string(nil), ev.Keys...)
	next.Threshold = uint64(ev.Threshold)
	next.Next = ev.Next
	next.Witnesses = witnesses
	next.Toad = uint64(ev.Toad)
	return next, nil
}

func applyInteraction(prior *KeyState, ev *event.Event, raw []byte, sigs []event.IndexedSignature, verifier crypto.Verifier) (*KeyState, error) {
	if err := checkContinuity(prior, ev); err != nil {
		return nil, err
	}
	// Interactions are signed by the current keys; they change nothing
	// about the key or witness configuration.
	if err := verifyThreshold(prior.Keys, prior.Threshold, raw, sigs, verifier); err != nil {
		return nil, err
	}

	next := prior.Clone()
	next.SN = uint64(ev.SN)
	next.LastDigest = ev.SAID
	next.LastIlk = ev.Ilk
	return next, nil
}

func checkContinuity(prior *KeyState, ev *event.Event) error {
	if prior == nil {
		return reject(SequenceGap, "no inception for identifier %s", ev.Prefix)
	}
	if ev.Prefix != prior.Prefix {
		return &event.MalformedError{Reason: "event prefix does not match state"}
	}
	sn := uint64(ev.SN)
	switch {
	case sn <= prior.SN:
		return reject(StaleEvent, "sn %d at or behind head %d", sn, prior.SN)
	case sn > prior.SN+1:
		return reject(SequenceGap, "sn %d arrived with head at %d", sn, prior.SN)
	}
	if ev.Prior != prior.LastDigest {
		return reject(DigestMismatch, "declared prior %s, log head %s", ev.Prior, prior.LastDigest)
	}
	return nil
}

func checkDelegation(ev *event.Event, delegations DelegationResolver) error {
	if delegations == nil {
		return reject(UnresolvedDelegation, "no resolver for delegator %s", ev.Delegator.Prefix)
	}
	approved, err := delegations.Approved(ev.Delegator.Prefix, *ev.Delegator, ev.SAID)
	if err != nil {
		return err
	}
	if !approved {
		return reject(UnresolvedDelegation, "delegator %s has not anchored approval", ev.Delegator.Prefix)
	}
	return nil
}

// verifyThreshold checks that sigs are distinct, within the key set, all
// valid, and at least threshold many.
func verifyThreshold(keys []string, threshold uint64, raw []byte, sigs []event.IndexedSignature, verifier crypto.Verifier) error {
	seen := make(map[int]struct{}, len(sigs))
	valid := uint64(0)
	for _, sig := range sigs {
		if sig.Index < 0 || sig.Index >= len(keys) {
			return reject(ThresholdNotMet, "signature index %d outside key set of %d", sig.Index, len(keys))
		}
		if _, dup := seen[sig.Index]; dup {
			return reject(ThresholdNotMet, "duplicate signature for key index %d", sig.Index)
		}
		seen[sig.Index] = struct{}{}

		ok, err := verifier.Verify(keys[sig.Index], sig.Signature, raw)
		if err != nil {
			return reject(ThresholdNotMet, "unverifiable signature at index %d: %v", sig.Index, err)
		}
		if !ok {
			return reject(ThresholdNotMet, "invalid signature at index %d", sig.Index)
		}
		valid++
	}
	if valid < threshold {
		return reject(ThresholdNotMet, "%d valid signatures, threshold %d", valid, threshold)
	}
	return nil
}

func applyWitnessDelta(current, cuts, adds []string) ([]string, error) {
	members := make(map[string]struct{}, len(current))
	for _, w := range current {
		members[w] = struct{}{}
	}
	for _, c := range cuts {
		if _, ok := members[c]; !ok {
			return nil, &event.MalformedError{Reason: "cut of non-member witness " + c}
		}
		delete(members, c)
	}
	out := make([]string, 0, len(members)+len(adds))
	for _, w := range current {
		if _, ok := members[w]; ok {
			out = append(out, w)
		}
	}
	for _, a := range adds {
		if _, ok := members[a]; ok {
			return nil, &event.MalformedError{Reason: "add of existing witness " + a}
		}
		members[a] = struct{}{}
		out = append(out, a)
	}
	return out, nil
}
