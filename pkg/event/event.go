// Package event defines the key event model: the five event ilks, their
// canonical JSON encoding, self-addressing identifier derivation, and
// structural validation. Events are digested and signed over their RFC 8785
// canonical bytes, so the encoding here is the wire and at-rest format.
package event

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Version labels the serialization of every event produced by this module.
const Version = "KERI10JSON"

// Ilk is the event kind. The set is closed: the state machine switches
// exhaustively over these and new kinds require extending that switch.
type Ilk string

const (
	IlkInception          Ilk = "icp"
	IlkRotation           Ilk = "rot"
	IlkInteraction        Ilk = "ixn"
	IlkDelegatedInception Ilk = "dip"
	IlkDelegatedRotation  Ilk = "drt"
)

// Known reports whether the ilk is one of the five event kinds.
func (i Ilk) Known() bool {
	switch i {
	case IlkInception, IlkRotation, IlkInteraction, IlkDelegatedInception, IlkDelegatedRotation:
		return true
	}
	return false
}

// Establishment reports whether the ilk changes key material.
func (i Ilk) Establishment() bool {
	return i != IlkInteraction
}

// Delegated reports whether the ilk requires a delegator approval.
func (i Ilk) Delegated() bool {
	return i == IlkDelegatedInception || i == IlkDelegatedRotation
}

// Hex is an unsigned integer serialized as a lowercase hex string, the
// form sequence numbers and thresholds take on the wire.
type Hex uint64

func (h Hex) MarshalJSON() ([]byte, error) {
	return json.Marshal(strconv.FormatUint(uint64(h), 16))
}

func (h *Hex) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 16, 64)
	if err != nil {
		return fmt.Errorf("invalid hex integer %q: %w", s, err)
	}
	*h = Hex(v)
	return nil
}

// Event is a key event. The ilk determines which optional sections are
// present; Validate enforces that shape before any state-machine work.
type Event struct {
	Version string `json:"v"`
	// SAID is the self-addressing digest of this event's canonical bytes
	// (with this field as a placeholder during derivation).
	SAID string `json:"d"`
	// Prefix is the identifier this event belongs to.
	Prefix string `json:"i"`
	SN     Hex    `json:"s"`
	Ilk    Ilk    `json:"t"`
	// Prior is the digest of the preceding event; empty only at inception.
	Prior string `json:"p,omitempty"`

	// Establishment sections.
	Threshold Hex      `json:"kt,omitempty"`
	Keys      []string `json:"k,omitempty"`
	// Next commits to the digest fold of the next key set and threshold.
	// Empty means no commitment: the identifier is non-transferable and
	// can never rotate again.
	Next string   `json:"n,omitempty"`
	Toad Hex      `json:"bt,omitempty"`
	// Witnesses is the initial witness set (icp/dip only).
	Witnesses []string `json:"b,omitempty"`
	// Cuts and Adds are the witness-set delta (rot/drt only).
	Cuts   []string `json:"br,omitempty"`
	Adds   []string `json:"ba,omitempty"`
	Config []string `json:"c,omitempty"`

	// Seals anchor application data (ixn) or delegated-event approvals.
	Seals []Seal `json:"a,omitempty"`

	// Delegator holds the seal locating the approving event in the
	// delegator's log (dip/drt only).
	Delegator *LocationSeal `json:"di,omitempty"`
}

// Decode parses raw JSON into an Event after schema validation.
func Decode(raw []byte) (*Event, error) {
	if err := ValidateRaw(raw); err != nil {
		return nil, err
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, &MalformedError{Reason: fmt.Sprintf("undecodable event: %v", err)}
	}
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return &ev, nil
}

// IndexedSignature attaches a signature to the event's key list by index,
// so verifiers know which declared key to check it against.
type IndexedSignature struct {
	Index     int    `json:"index"`
	Signature string `json:"sig"`
}
