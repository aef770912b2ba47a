package event

import "fmt"

// MalformedError marks an event that fails structural validation. It is
// permanent: no later input can repair it, so callers must not escrow.
type MalformedError struct {
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed event: %s", e.Reason)
}

func malformed(format string, args ...any) error {
	return &MalformedError{Reason: fmt.Sprintf(format, args...)}
}

// Validate enforces per-ilk structural rules ahead of any state-machine
// evaluation: required sections present, thresholds within key-set bounds,
// no duplicate keys or witnesses, sequence zero for inception ilks.
func (ev *Event) Validate() error {
	if !ev.Ilk.Known() {
		return malformed("unknown ilk %q", ev.Ilk)
	}
	if ev.Prefix == "" {
		return malformed("missing identifier prefix")
	}
	if ev.SAID == "" {
		return malformed("missing said")
	}

	switch ev.Ilk {
	case IlkInception, IlkDelegatedInception:
		if ev.SN != 0 {
			return malformed("%s requires sequence number 0, got %d", ev.Ilk, ev.SN)
		}
		if ev.Prior != "" {
			return malformed("%s must not declare a prior digest", ev.Ilk)
		}
		if len(ev.Cuts) > 0 || len(ev.Adds) > 0 {
			return malformed("%s carries witness deltas; declare the initial set in b", ev.Ilk)
		}
		if err := ev.validateKeyMaterial(); err != nil {
			return err
		}
		if err := validateDistinct("witness", ev.Witnesses); err != nil {
			return err
		}
		if uint64(ev.Toad) > uint64(len(ev.Witnesses)) {
			return malformed("toad %d exceeds witness count %d", ev.Toad, len(ev.Witnesses))
		}
	case IlkRotation, IlkDelegatedRotation:
		if ev.SN == 0 {
			return malformed("%s cannot occur at sequence number 0", ev.Ilk)
		}
		if ev.Prior == "" {
			return malformed("%s requires a prior digest", ev.Ilk)
		}
		if len(ev.Witnesses) > 0 {
			return malformed("%s declares witness deltas via br/ba, not b", ev.Ilk)
		}
		if err := ev.validateKeyMaterial(); err != nil {
			return err
		}
		if err := validateDistinct("cut", ev.Cuts); err != nil {
			return err
		}
		if err := validateDistinct("add", ev.Adds); err != nil {
			return err
		}
		if overlap := intersect(ev.Cuts, ev.Adds); overlap != "" {
			return malformed("witness %s appears in both cuts and adds", overlap)
		}
	case IlkInteraction:
		if ev.SN == 0 {
			return malformed("ixn cannot occur at sequence number 0")
		}
		if ev.Prior == "" {
			return malformed("ixn requires a prior digest")
		}
		if len(ev.Keys) > 0 || ev.Next != "" || ev.Threshold != 0 {
			return malformed("ixn must not carry key material")
		}
		if len(ev.Witnesses) > 0 || len(ev.Cuts) > 0 || len(ev.Adds) > 0 || ev.Toad != 0 {
			return malformed("ixn must not alter the witness configuration")
		}
	}

	if ev.Ilk.Delegated() {
		if ev.Delegator == nil {
			return malformed("%s requires a delegator seal", ev.Ilk)
		}
		if ev.Delegator.Prefix == "" {
			return malformed("delegator seal missing identifier")
		}
		if ev.Delegator.Prefix == ev.Prefix {
			return malformed("identifier cannot delegate to itself")
		}
	} else if ev.Delegator != nil {
		return malformed("%s must not carry a delegator seal", ev.Ilk)
	}

	return nil
}

func (ev *Event) validateKeyMaterial() error {
	if len(ev.Keys) == 0 {
		return malformed("%s requires at least one signing key", ev.Ilk)
	}
	if err := validateDistinct("key", ev.Keys); err != nil {
		return err
	}
	if ev.Threshold == 0 {
		return malformed("signing threshold must be at least 1")
	}
	if uint64(ev.Threshold) > uint64(len(ev.Keys)) {
		return malformed("signing threshold %d exceeds key count %d", ev.Threshold, len(ev.Keys))
	}
	return nil
}

func validateDistinct(kind string, items []string) error {
	seen := make(map[string]struct{}, len(items))
	for _, it := range items {
		if it == "" {
			return malformed("empty %s entry", kind)
		}
		if _, dup := seen[it]; dup {
			return malformed("duplicate %s %s", kind, it)
		}
		seen[it] = struct{}{}
	}
	return nil
}

func intersect(a, b []string) string {
	set := make(map[string]struct{}, len(a))
	for _, x := range a {
		set[x] = struct{}{}
	}
	for _, y := range b {
		if _, ok := set[y]; ok {
			return y
		}
	}
	return ""
}
