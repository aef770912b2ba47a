// Package state derives key state from key events. Apply is a pure
// transition function over (prior state, event, signatures); it performs no
// I/O and is the single place the establishment rules live.
package state

import (
	"fmt"

	"github.com/trustframe/keryx/pkg/event"
)

// Trust records whether an identifier's history is still clean. Once
// duplicity is observed the flag is Compromised and never recovers inside
// the core; rehabilitation is a policy decision for the layer above.
type Trust string

const (
	Trusted     Trust = "trusted"
	Compromised Trust = "compromised"
)

// KeyState is the derived projection of a key event log: everything needed
// to validate the next event. It is a cache, always reconstructible by
// folding Apply over the stored log.
type KeyState struct {
	Prefix     string    `json:"i"`
	SN         uint64    `json:"s"`
	LastDigest string    `json:"d"`
	LastIlk    event.Ilk `json:"t"`

	Keys      []string `json:"k"`
	Threshold uint64   `json:"kt"`
	// Next is the pre-rotation commitment; empty means non-transferable.
	Next string `json:"n,omitempty"`

	Witnesses []string `json:"b"`
	Toad      uint64   `json:"bt"`

	// Delegator is set for delegated identifiers.
	Delegator string   `json:"di,omitempty"`
	Config    []string `json:"c,omitempty"`

	Trust Trust `json:"trust"`
}

// Clone returns a deep copy; Apply never mutates its input.
func (ks *KeyState) Clone() *KeyState {
	if ks == nil {
		return nil
	}
	cp := *ks
	cp.Keys = append([]string(nil), ks.Keys...)
	cp.Witnesses = append([]string(nil), ks.Witnesses...)
	cp.Config = append([]string(nil), ks.Config...)
	return &cp
}

// RejectionKind classifies why an event cannot extend a key state.
type RejectionKind string

const (
	// SequenceGap: the event's predecessor has not been accepted yet.
	// Retryable via escrow.
	SequenceGap RejectionKind = "sequence_gap"
	// StaleEvent: sequence number at or behind the current head. The
	// processor decides between idempotent replay and duplicity.
	StaleEvent RejectionKind = "stale_event"
	// DigestMismatch: declared prior digest disagrees with the log head.
	DigestMismatch RejectionKind = "digest_mismatch"
	// ThresholdNotMet: signatures do not satisfy the controlling threshold.
	ThresholdNotMet RejectionKind = "threshold_not_met"
	// PreRotationMismatch: revealed key set does not match the prior
	// commitment. Permanent.
	PreRotationMismatch RejectionKind = "pre_rotation_mismatch"
	// UnresolvedDelegation: the delegator's approving event is not yet
	// accepted. Retryable via escrow.
	UnresolvedDelegation RejectionKind = "unresolved_delegation"
)

// Rejection is a typed refusal from the state machine. Never a panic; the
// caller chooses between escrow and permanent rejection by Kind.
type Rejection struct {
	Kind   RejectionKind
	Detail string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("rejected: %s", r.Kind)
	}
	return fmt.Sprintf("rejected: %s: %s", r.Kind, r.Detail)
}

func reject(kind RejectionKind, format string, args ...any) error {
	return &Rejection{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// Retryable reports whether a later input can unblock this rejection.
func (r *Rejection) Retryable() bool {
	return r.Kind == SequenceGap || r.Kind == UnresolvedDelegation
}
