package event

import (
	"fmt"

	"github.com/trustframe/keryx/pkg/canonicalize"
	"github.com/trustframe/keryx/pkg/crypto"
)

// CanonicalBytes returns the canonical serialization of the event, the
// exact bytes that are digested and signed.
func CanonicalBytes(ev *Event) ([]byte, error) {
	return canonicalize.JCS(ev)
}

// Saidify completes an event's self-referential fields by two-pass
// derivation: the SAID field (and, for a self-addressing inception, the
// identifier) is set to a fixed-width placeholder, the event is
// canonicalized and digested, and the digest is substituted back in. The
// event content is therefore bound to its own identifier without any
// back-patching of shared state.
//
// For inception ilks an empty Prefix requests self-addressing: the derived
// SAID becomes the identifier. Returns the completed event's canonical
// bytes alongside the mutated event.
func Saidify(ev *Event, alg crypto.DigestAlg) ([]byte, error) {
	if ev.Version == "" {
		ev.Version = Version
	}
	dummy := *ev
	dummy.SAID = alg.Placeholder()

	selfAddressing := false
	if ev.Prefix == "" {
		if !(ev.Ilk == IlkInception || ev.Ilk == IlkDelegatedInception) {
			return nil, &MalformedError{Reason: "only inception events may derive their own identifier"}
		}
		selfAddressing = true
		dummy.Prefix = alg.Placeholder()
	}

	placeholderBytes, err := CanonicalBytes(&dummy)
	if err != nil {
		return nil, fmt.Errorf("saidify: %w", err)
	}
	said := alg.Derive(placeholderBytes)

	ev.SAID = said
	if selfAddressing {
		ev.Prefix = said
	}
	return CanonicalBytes(ev)
}

// VerifySAID recomputes the event's self-addressing digest and reports
// whether the declared SAID (and self-addressed identifier) is authentic.
func VerifySAID(ev *Event) (bool, error) {
	alg, _, err := crypto.ParseDigest(ev.SAID)
	if err != nil {
		return false, &MalformedError{Reason: fmt.Sprintf("unparseable said: %v", err)}
	}

	dummy := *ev
	dummy.SAID = alg.Placeholder()
	if ev.Prefix == ev.SAID {
		// Self-addressed inception: identifier participates in derivation
		// as a placeholder too.
		dummy.Prefix = alg.Placeholder()
	}
	placeholderBytes, err := CanonicalBytes(&dummy)
	if err != nil {
		return false, err
	}
	return alg.Derive(placeholderBytes) == ev.SAID, nil
}
